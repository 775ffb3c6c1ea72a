// Package queue defines the durable queue interface that holds settled work:
// parsed results waiting for export and deadlettered failures. Queues survive
// process restarts; a run resumes by scanning the DIDs already present.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/JakeFAU/atproto-backfill/internal/backfill"
)

// Kind names the two queues kept per endpoint.
type Kind string

const (
	KindResults    Kind = "results"
	KindDeadletter Kind = "deadletter"
)

// Entry is one settled item: the DID it belongs to and its JSON payload
// (a result envelope or a deadletter envelope).
type Entry struct {
	DID        backfill.DID
	Session    string
	Payload    json.RawMessage
	InsertedAt time.Time
}

// Store is a single durable queue. Implementations must tolerate concurrent
// BatchAdd calls from multiple workers.
type Store interface {
	// BatchAdd appends entries atomically. An empty batch is a no-op.
	BatchAdd(ctx context.Context, entries []Entry) error

	// DIDs returns the set of distinct DIDs present, across all sessions.
	DIDs(ctx context.Context) (map[backfill.DID]struct{}, error)

	// All returns every entry in insertion order.
	All(ctx context.Context) ([]Entry, error)

	// Len reports the number of entries.
	Len(ctx context.Context) (int, error)

	Close() error
}
