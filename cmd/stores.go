package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/atproto-backfill/internal/config"
	"github.com/JakeFAU/atproto-backfill/internal/queue"
	"github.com/JakeFAU/atproto-backfill/internal/queue/memory"
	"github.com/JakeFAU/atproto-backfill/internal/queue/postgres"
	"github.com/JakeFAU/atproto-backfill/internal/queue/sqlite"
)

// storeOpener caches one store per (host, kind) so the worker and the
// exporter share a handle, and closes them all at shutdown.
type storeOpener struct {
	open func(host string, kind queue.Kind) (queue.Store, error)

	mu     sync.Mutex
	stores map[string]queue.Store
}

// newStoreOpener builds the opener for the configured backend. The returned
// cleanup releases every opened store plus any shared pool.
func newStoreOpener(ctx context.Context, cfg config.QueueConfig) (*storeOpener, func(), error) {
	opener := &storeOpener{stores: make(map[string]queue.Store)}

	switch cfg.Backend {
	case "sqlite":
		opener.open = func(host string, kind queue.Kind) (queue.Store, error) {
			return sqlite.Open(cfg.StateDir, host, kind)
		}
		return opener, opener.closeAll, nil

	case "postgres":
		db, err := postgres.Connect(ctx, postgres.Config{
			DSN:             cfg.Postgres.DSN,
			Table:           cfg.Postgres.Table,
			MaxConns:        cfg.Postgres.MaxConns,
			MaxConnLifetime: time.Hour,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect queue database: %w", err)
		}
		opener.open = func(host string, kind queue.Kind) (queue.Store, error) {
			return db.Queue(host, kind), nil
		}
		return opener, func() {
			opener.closeAll()
			db.Close()
		}, nil

	case "memory":
		opener.open = func(string, queue.Kind) (queue.Store, error) {
			return memory.NewStore(), nil
		}
		return opener, opener.closeAll, nil

	default:
		return nil, nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

// Open returns the cached store for (host, kind), creating it on first use.
func (o *storeOpener) Open(host string, kind queue.Kind) (queue.Store, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := host + "/" + string(kind)
	if s, ok := o.stores[key]; ok {
		return s, nil
	}
	s, err := o.open(host, kind)
	if err != nil {
		return nil, err
	}
	o.stores[key] = s
	return s, nil
}

func (o *storeOpener) closeAll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.stores {
		_ = s.Close()
	}
	o.stores = make(map[string]queue.Store)
}
