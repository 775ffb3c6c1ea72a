// Package memory provides an in-memory queue store for tests and dry runs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/atproto-backfill/internal/backfill"
	"github.com/JakeFAU/atproto-backfill/internal/queue"
)

// Store keeps entries in a slice behind a mutex. Nothing survives the
// process; use the sqlite or postgres stores for real runs.
type Store struct {
	mu      sync.Mutex
	entries []queue.Entry
}

// NewStore constructs an empty in-memory queue.
func NewStore() *Store {
	return &Store{}
}

// BatchAdd appends entries.
func (s *Store) BatchAdd(_ context.Context, entries []queue.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.InsertedAt.IsZero() {
			e.InsertedAt = time.Now().UTC()
		}
		s.entries = append(s.entries, e)
	}
	return nil
}

// DIDs returns the distinct DIDs present.
func (s *Store) DIDs(_ context.Context) (map[backfill.DID]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[backfill.DID]struct{}, len(s.entries))
	for _, e := range s.entries {
		out[e.DID] = struct{}{}
	}
	return out, nil
}

// All returns a copy of every entry in insertion order.
func (s *Store) All(_ context.Context) ([]queue.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]queue.Entry(nil), s.entries...), nil
}

// Len reports the number of entries.
func (s *Store) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
