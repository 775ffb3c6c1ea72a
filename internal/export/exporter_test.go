package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/atproto-backfill/internal/backfill"
	"github.com/JakeFAU/atproto-backfill/internal/queue"
	"github.com/JakeFAU/atproto-backfill/internal/queue/memory"
)

// capturingStore records every object written to it.
type capturingStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newCapturingStore() *capturingStore {
	return &capturingStore{objects: make(map[string][]byte)}
}

func (s *capturingStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = buf
	return "test://" + path, nil
}

func entry(did, session, payload string, at time.Time) queue.Entry {
	return queue.Entry{
		DID:        backfill.DID(did),
		Session:    session,
		Payload:    json.RawMessage(payload),
		InsertedAt: at,
	}
}

func TestEndpointExportWritesJSONL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	results := memory.NewStore()
	dead := memory.NewStore()
	now := time.Now().UTC()

	require.NoError(t, results.BatchAdd(ctx, []queue.Entry{
		entry("did:plc:aaa", "s1", `{"records":{}}`, now),
		entry("did:plc:bbb", "s1", `{"records":{}}`, now),
	}))
	require.NoError(t, dead.BatchAdd(ctx, []queue.Entry{
		entry("did:plc:ccc", "s1", `{"class":"http"}`, now),
	}))

	store := newCapturingStore()
	exp := New(store, "backfill", zap.NewNop())

	report, err := exp.Endpoint(ctx, "pds.example.com", "s1", results, dead)
	require.NoError(t, err)
	require.Equal(t, 2, report.Results)
	require.Equal(t, 1, report.Deadletters)
	require.Zero(t, report.Duplicates)
	require.Equal(t, "test://backfill/results/pds.example.com/s1.jsonl", report.ResultsURI)

	raw := store.objects["backfill/results/pds.example.com/s1.jsonl"]
	require.NotNil(t, raw)
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	var dids []string
	for scanner.Scan() {
		var l line
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &l))
		dids = append(dids, string(l.DID))
	}
	require.Equal(t, []string{"did:plc:aaa", "did:plc:bbb"}, dids)
}

func TestEndpointExportDedupsResultsByDID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	results := memory.NewStore()
	now := time.Now().UTC()

	// Simulates a crash between queue write and flush acknowledgment: the
	// same DID settled twice in the durable queue.
	require.NoError(t, results.BatchAdd(ctx, []queue.Entry{
		entry("did:plc:aaa", "s1", `{"n":1}`, now),
		entry("did:plc:aaa", "s2", `{"n":2}`, now.Add(time.Minute)),
		entry("did:plc:bbb", "s2", `{"n":3}`, now.Add(time.Minute)),
	}))

	store := newCapturingStore()
	exp := New(store, "backfill", zap.NewNop())

	report, err := exp.Endpoint(ctx, "pds.example.com", "s2", results, memory.NewStore())
	require.NoError(t, err)
	require.Equal(t, 2, report.Results)
	require.Equal(t, 1, report.Duplicates)
	require.Empty(t, report.DeadlettersURI)
}

func TestEndpointExportSkipsEmptyQueues(t *testing.T) {
	t.Parallel()

	store := newCapturingStore()
	exp := New(store, "backfill", zap.NewNop())

	report, err := exp.Endpoint(context.Background(), "pds.example.com", "s1", memory.NewStore(), memory.NewStore())
	require.NoError(t, err)
	require.Zero(t, report.Results)
	require.Zero(t, report.Deadletters)
	require.Empty(t, store.objects)
}

func TestLocalStoreRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "results/host/s.jsonl", contentType, strings.NewReader("{}\n"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "file://"))

	data, err := os.ReadFile(filepath.Join(dir, "results", "host", "s.jsonl"))
	require.NoError(t, err)
	require.Equal(t, "{}\n", string(data))
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	t.Parallel()

	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "../escape.jsonl", contentType, strings.NewReader("x"))
	require.Error(t, err)
}

func TestNewBlobStoreSelectsProvider(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	noop, err := NewBlobStore(ctx, Config{Provider: "noop"})
	require.NoError(t, err)
	require.IsType(t, NoopStore{}, noop)

	local, err := NewBlobStore(ctx, Config{Provider: "local", LocalDir: t.TempDir()})
	require.NoError(t, err)
	require.IsType(t, &LocalStore{}, local)

	_, err = NewBlobStore(ctx, Config{Provider: "ftp"})
	require.Error(t, err)
}
