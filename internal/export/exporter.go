package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/atproto-backfill/internal/backfill"
	"github.com/JakeFAU/atproto-backfill/internal/queue"
)

const contentType = "application/x-ndjson"

// line is the JSONL envelope written per queue entry.
type line struct {
	DID        backfill.DID    `json:"did"`
	Session    string          `json:"session"`
	InsertedAt time.Time       `json:"inserted_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Report summarizes one endpoint export.
type Report struct {
	Endpoint       string `json:"endpoint"`
	Results        int    `json:"results"`
	Deadletters    int    `json:"deadletters"`
	Duplicates     int    `json:"duplicates"`
	ResultsURI     string `json:"results_uri,omitempty"`
	DeadlettersURI string `json:"deadletters_uri,omitempty"`
}

// Exporter drains an endpoint's durable queues into two JSONL objects:
// prefix/results/host/session.jsonl and prefix/deadletters/host/session.jsonl.
type Exporter struct {
	store  BlobStore
	prefix string
	logger *zap.Logger
}

// New constructs an Exporter over a blob store.
func New(store BlobStore, prefix string, logger *zap.Logger) *Exporter {
	if prefix == "" {
		prefix = "backfill"
	}
	return &Exporter{store: store, prefix: prefix, logger: logger}
}

// Endpoint exports both queues for one endpoint host. The durable queues are
// at-least-once, so a crash between write and acknowledgment may have left
// duplicate result entries for a DID; only the first occurrence is exported,
// keeping the downstream contract exactly-once per DID.
func (e *Exporter) Endpoint(ctx context.Context, host, session string, results, dead queue.Store) (Report, error) {
	report := Report{Endpoint: host}

	resultEntries, err := results.All(ctx)
	if err != nil {
		return report, fmt.Errorf("scan results queue for %s: %w", host, err)
	}
	deduped := make([]queue.Entry, 0, len(resultEntries))
	seen := make(map[backfill.DID]struct{}, len(resultEntries))
	for _, entry := range resultEntries {
		if _, ok := seen[entry.DID]; ok {
			report.Duplicates++
			continue
		}
		seen[entry.DID] = struct{}{}
		deduped = append(deduped, entry)
	}

	deadEntries, err := dead.All(ctx)
	if err != nil {
		return report, fmt.Errorf("scan deadletter queue for %s: %w", host, err)
	}

	report.Results = len(deduped)
	report.Deadletters = len(deadEntries)

	if len(deduped) > 0 {
		uri, err := e.put(ctx, fmt.Sprintf("%s/results/%s/%s.jsonl", e.prefix, host, session), deduped)
		if err != nil {
			return report, err
		}
		report.ResultsURI = uri
	}
	if len(deadEntries) > 0 {
		uri, err := e.put(ctx, fmt.Sprintf("%s/deadletters/%s/%s.jsonl", e.prefix, host, session), deadEntries)
		if err != nil {
			return report, err
		}
		report.DeadlettersURI = uri
	}

	e.logger.Info("endpoint exported",
		zap.String("endpoint", host),
		zap.Int("results", report.Results),
		zap.Int("deadletters", report.Deadletters),
		zap.Int("duplicates", report.Duplicates))
	return report, nil
}

func (e *Exporter) put(ctx context.Context, path string, entries []queue.Entry) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, entry := range entries {
		l := line{
			DID:        entry.DID,
			Session:    entry.Session,
			InsertedAt: entry.InsertedAt,
			Payload:    entry.Payload,
		}
		if err := enc.Encode(l); err != nil {
			return "", fmt.Errorf("encode export line for %s: %w", entry.DID, err)
		}
	}
	uri, err := e.store.PutObject(ctx, path, contentType, &buf)
	if err != nil {
		return "", fmt.Errorf("put %s: %w", path, err)
	}
	return uri, nil
}
