package backfill

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is the run-scoped context object owned by the orchestrator. It
// replaces any process-wide mutable state: caches and counters live here,
// are created per run, and are discarded when the run ends. Workers receive
// the session and report outcomes through it; the status API reads snapshots.
type Session struct {
	ID        string
	StartedAt time.Time

	mu           sync.Mutex
	batches      int
	batchesDone  int
	endpoints    int
	dids         int
	unresolved   int
	skipped      int
	succeeded    int
	deadlettered int
	requests     int
	recordCounts map[RecordType]int
	queueDepths  map[string]queueDepth
}

// queueDepth is the last observed durable queue depth for one endpoint host.
type queueDepth struct {
	results     int
	deadletters int
}

// SessionSummary is the JSON snapshot served by the status API and logged at
// the end of a run.
type SessionSummary struct {
	SessionID    string             `json:"session_id"`
	StartedAt    time.Time          `json:"started_at"`
	Batches      int                `json:"batches"`
	BatchesDone  int                `json:"batches_done"`
	Endpoints    int                `json:"endpoints"`
	DIDs         int                `json:"dids"`
	Unresolved   int                `json:"unresolved"`
	Skipped      int                `json:"skipped"`
	Succeeded    int                `json:"succeeded"`
	Deadlettered int                `json:"deadlettered"`
	Requests     int                `json:"requests"`
	RecordCounts map[RecordType]int `json:"record_counts"`

	// ResultsQueued and DeadlettersQueued sum the last observed durable
	// queue depths across endpoints, prior sessions' entries included.
	ResultsQueued     int `json:"results_queued"`
	DeadlettersQueued int `json:"deadletters_queued"`
}

// NewSession creates a Session with a fresh run ID.
func NewSession(clock Clock) *Session {
	return &Session{
		ID:           uuid.NewString(),
		StartedAt:    clock.Now(),
		recordCounts: make(map[RecordType]int),
		queueDepths:  make(map[string]queueDepth),
	}
}

// BeginRun records the run-wide totals known up front.
func (s *Session) BeginRun(batches, dids int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = batches
	s.dids = dids
}

// AddEndpoints bumps the count of endpoints scheduled so far.
func (s *Session) AddEndpoints(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints += n
}

// AddUnresolved counts DIDs with no resolvable PDS endpoint.
func (s *Session) AddUnresolved(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unresolved += n
}

// RecordFetch accounts one settled DID. Exactly one of succeeded or
// deadlettered should be true; skipped marks resume hits that never ran.
func (s *Session) RecordFetch(succeeded, deadlettered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if succeeded {
		s.succeeded++
	}
	if deadlettered {
		s.deadlettered++
	}
}

// AddSkipped counts DIDs filtered out by the resume scan.
func (s *Session) AddSkipped(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipped += n
}

// AddRequests counts HTTP requests issued, including retries.
func (s *Session) AddRequests(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests += n
}

// MergeRecordCounts folds one worker's per-type record tallies into the run.
func (s *Session) MergeRecordCounts(counts map[RecordType]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for t, n := range counts {
		s.recordCounts[t] += n
	}
}

// RecordQueueDepth notes the durable queue depths measured for one endpoint
// host. Re-observations of the same host replace the earlier reading, so a
// host touched in several batches is never double counted.
func (s *Session) RecordQueueDepth(host string, results, deadletters int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueDepths[host] = queueDepth{results: results, deadletters: deadletters}
}

// BatchDone marks one orchestration batch complete.
func (s *Session) BatchDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchesDone++
}

// Snapshot returns a copy of the current totals.
func (s *Session) Snapshot() SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[RecordType]int, len(s.recordCounts))
	for t, n := range s.recordCounts {
		counts[t] = n
	}
	resultsQueued, deadlettersQueued := 0, 0
	for _, d := range s.queueDepths {
		resultsQueued += d.results
		deadlettersQueued += d.deadletters
	}
	return SessionSummary{
		SessionID:         s.ID,
		StartedAt:         s.StartedAt,
		Batches:           s.batches,
		BatchesDone:       s.batchesDone,
		Endpoints:         s.endpoints,
		DIDs:              s.dids,
		Unresolved:        s.unresolved,
		Skipped:           s.skipped,
		Succeeded:         s.succeeded,
		Deadlettered:      s.deadlettered,
		Requests:          s.requests,
		RecordCounts:      counts,
		ResultsQueued:     resultsQueued,
		DeadlettersQueued: deadlettersQueued,
	}
}
