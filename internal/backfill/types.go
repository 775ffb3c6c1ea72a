// Package backfill defines core types shared across subsystems.
package backfill

import (
	"encoding/json"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

// TimestampLayout is the wire format for start/end window flags and config.
const TimestampLayout = "2006-01-02-15:04:05"

// DID identifies one repository owner; the primary unit of work.
type DID string

// Valid reports whether the DID parses under AT Protocol syntax rules.
func (d DID) Valid() bool {
	_, err := syntax.ParseDID(string(d))
	return err == nil
}

func (d DID) String() string { return string(d) }

// RecordType labels one tracked repository collection.
type RecordType string

// Tracked record types. Anything else found in an archive is dropped.
const (
	TypeBlock  RecordType = "block"
	TypeFollow RecordType = "follow"
	TypeLike   RecordType = "like"
	TypePost   RecordType = "post"
	TypeReply  RecordType = "reply"
	TypeRepost RecordType = "repost"
)

// TrackedTypes returns the set of record types retained by the pipeline.
func TrackedTypes() map[RecordType]bool {
	return map[RecordType]bool{
		TypeBlock:  true,
		TypeFollow: true,
		TypeLike:   true,
		TypePost:   true,
		TypeReply:  true,
		TypeRepost: true,
	}
}

// Window bounds record creation timestamps to [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the half-open window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// ParseWindow builds a Window from two TimestampLayout strings (UTC).
func ParseWindow(start, end string) (Window, error) {
	s, err := time.ParseInLocation(TimestampLayout, start, time.UTC)
	if err != nil {
		return Window{}, err
	}
	e, err := time.ParseInLocation(TimestampLayout, end, time.UTC)
	if err != nil {
		return Window{}, err
	}
	return Window{Start: s, End: e}, nil
}

// Record is one validated repository entry extracted from an archive.
type Record struct {
	Type      RecordType      `json:"type"`
	DID       DID             `json:"did"`
	CID       string          `json:"cid"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// ResultItem is produced exactly once per successfully processed DID.
type ResultItem struct {
	DID       DID                     `json:"did"`
	Records   map[RecordType][]Record `json:"records"`
	Counts    map[RecordType]int      `json:"counts"`
	FetchedAt time.Time               `json:"fetched_at"`
}

// TotalRecords sums the per-type counts.
func (r ResultItem) TotalRecords() int {
	total := 0
	for _, n := range r.Counts {
		total += n
	}
	return total
}

// DeadletterItem records a DID that failed permanently.
type DeadletterItem struct {
	DID      DID          `json:"did"`
	Class    FailureClass `json:"class"`
	Reason   string       `json:"reason"`
	FailedAt time.Time    `json:"failed_at"`
}

// Identity is the directory's answer for one DID.
type Identity struct {
	DID         DID    `json:"did"`
	PDSEndpoint string `json:"pds_endpoint"`
	Handle      string `json:"handle"`
}

// FetchResponse is the raw outcome of one repository fetch.
type FetchResponse struct {
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// EndpointReport summarizes one worker run over a single PDS endpoint.
// ResultsQueued and DeadlettersQueued are the durable queue depths measured
// at completion; they include entries from earlier sessions.
type EndpointReport struct {
	Endpoint          string             `json:"endpoint"`
	DIDs              int                `json:"dids"`
	Skipped           int                `json:"skipped"`
	Succeeded         int                `json:"succeeded"`
	Deadlettered      int                `json:"deadlettered"`
	Requests          int                `json:"requests"`
	RecordCounts      map[RecordType]int `json:"record_counts"`
	ResultsQueued     int                `json:"results_queued"`
	DeadlettersQueued int                `json:"deadletters_queued"`
}

// BatchReport summarizes one orchestration batch; it is the payload handed
// to the notifier once the batch (including any export) has completed.
type BatchReport struct {
	SessionID    string             `json:"session_id"`
	Batch        int                `json:"batch"`
	Endpoints    int                `json:"endpoints"`
	DIDs         int                `json:"dids"`
	Unresolved   int                `json:"unresolved"`
	Skipped      int                `json:"skipped"`
	Succeeded    int                `json:"succeeded"`
	Deadlettered int                `json:"deadlettered"`
	Requests     int                `json:"requests"`
	RecordCounts map[RecordType]int `json:"record_counts"`
	StartedAt    time.Time          `json:"started_at"`
	FinishedAt   time.Time          `json:"finished_at"`
}
