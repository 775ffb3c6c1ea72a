package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/atproto-backfill/internal/backfill"
	"github.com/JakeFAU/atproto-backfill/internal/queue"
)

func TestFilename(t *testing.T) {
	t.Parallel()

	require.Equal(t, "morel.us-east.host.bsky.network.results.db",
		Filename("morel.us-east.host.bsky.network", queue.KindResults))
	require.Equal(t, "localhost-8080.deadletter.db",
		Filename("localhost:8080", queue.KindDeadletter))
}

func TestOpenCreatesOneFilePerEndpointAndKind(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	results, err := Open(dir, "pds-a.example", queue.KindResults)
	require.NoError(t, err)
	defer results.Close()

	dead, err := Open(dir, "pds-a.example", queue.KindDeadletter)
	require.NoError(t, err)
	defer dead.Close()

	other, err := Open(dir, "pds-b.example", queue.KindResults)
	require.NoError(t, err)
	defer other.Close()

	for _, path := range []string{results.Path(), dead.Path(), other.Path()} {
		_, err := os.Stat(path)
		require.NoError(t, err)
	}
	require.NotEqual(t, results.Path(), dead.Path())
	require.NotEqual(t, results.Path(), other.Path())
	require.Equal(t, dir, filepath.Dir(results.Path()))
}

func TestBatchAddAndScan(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, err := Open(t.TempDir(), "pds.example", queue.KindResults)
	require.NoError(t, err)
	defer s.Close()

	at := time.Date(2026, 2, 3, 4, 5, 6, 789_000_000, time.UTC)
	entries := []queue.Entry{
		{DID: "did:plc:aaa", Session: "run-1", Payload: json.RawMessage(`{"n":1}`), InsertedAt: at},
		{DID: "did:plc:bbb", Session: "run-1", Payload: json.RawMessage(`{"n":2}`), InsertedAt: at},
		{DID: "did:plc:aaa", Session: "run-1", Payload: json.RawMessage(`{"n":3}`), InsertedAt: at},
	}
	require.NoError(t, s.BatchAdd(ctx, entries))
	require.NoError(t, s.BatchAdd(ctx, nil))

	n, err := s.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	dids, err := s.DIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, map[backfill.DID]struct{}{
		"did:plc:aaa": {},
		"did:plc:bbb": {},
	}, dids)

	all, err := s.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, backfill.DID("did:plc:aaa"), all[0].DID)
	require.JSONEq(t, `{"n":1}`, string(all[0].Payload))
	require.True(t, all[0].InsertedAt.Equal(at))
	require.Equal(t, "run-1", all[0].Session)
}

func TestBatchAddSpansTransactionChunks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, err := Open(t.TempDir(), "pds.example", queue.KindResults)
	require.NoError(t, err)
	defer s.Close()

	total := 2*insertChunk + 17
	entries := make([]queue.Entry, total)
	for i := range entries {
		entries[i] = queue.Entry{
			DID:     backfill.DID(fmt.Sprintf("did:plc:bulk%04d", i)),
			Session: "run-bulk",
			Payload: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		}
	}
	require.NoError(t, s.BatchAdd(ctx, entries))

	n, err := s.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, total, n)

	// Insertion order survives the chunk boundaries.
	all, err := s.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, total)
	require.Equal(t, backfill.DID("did:plc:bulk0000"), all[0].DID)
	require.Equal(t, entries[insertChunk].DID, all[insertChunk].DID)
	require.Equal(t, entries[total-1].DID, all[total-1].DID)
}

func TestReopenSeesExistingEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir, "pds.example", queue.KindDeadletter)
	require.NoError(t, err)
	require.NoError(t, s.BatchAdd(ctx, []queue.Entry{
		{DID: "did:plc:gone", Session: "run-1", Payload: json.RawMessage(`{"reason":"boom"}`)},
	}))
	require.NoError(t, s.Close())

	reopened, err := Open(dir, "pds.example", queue.KindDeadletter)
	require.NoError(t, err)
	defer reopened.Close()

	dids, err := reopened.DIDs(ctx)
	require.NoError(t, err)
	require.Contains(t, dids, backfill.DID("did:plc:gone"))

	all, err := reopened.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.False(t, all[0].InsertedAt.IsZero())
}
