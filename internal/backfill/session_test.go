package backfill

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubClock struct{ now time.Time }

func (c stubClock) Now() time.Time { return c.now }

func TestSessionSnapshotSumsQueueDepths(t *testing.T) {
	t.Parallel()

	s := NewSession(stubClock{now: time.Unix(1700000000, 0).UTC()})
	s.RecordQueueDepth("pds-a.example", 10, 2)
	s.RecordQueueDepth("pds-b.example", 5, 0)

	summary := s.Snapshot()
	require.Equal(t, 15, summary.ResultsQueued)
	require.Equal(t, 2, summary.DeadlettersQueued)
}

func TestSessionQueueDepthReobservationReplaces(t *testing.T) {
	t.Parallel()

	s := NewSession(stubClock{now: time.Unix(1700000000, 0).UTC()})

	// The same host measured across two batches must not double count.
	s.RecordQueueDepth("pds-a.example", 10, 1)
	s.RecordQueueDepth("pds-a.example", 25, 3)

	summary := s.Snapshot()
	require.Equal(t, 25, summary.ResultsQueued)
	require.Equal(t, 3, summary.DeadlettersQueued)
}
