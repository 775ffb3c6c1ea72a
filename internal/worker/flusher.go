package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/atproto-backfill/internal/backfill"
	"github.com/JakeFAU/atproto-backfill/internal/metrics"
	"github.com/JakeFAU/atproto-backfill/internal/queue"
)

// FlushConfig controls batching for the background flusher.
//   - BatchSize: flush once this many entries queue (default 50).
//   - Interval: flush after this duration even if the batch is small (default 2s).
//   - CloseTimeout: how long Close may spend draining (default 30s).
type FlushConfig struct {
	BatchSize    int
	Interval     time.Duration
	CloseTimeout time.Duration
}

const (
	defaultFlushBatch   = 50
	defaultFlushWait    = 2 * time.Second
	defaultCloseTimeout = 30 * time.Second
	flushBuffer         = 256
)

type flushItem struct {
	kind  queue.Kind
	entry queue.Entry
}

// flusher moves settled items into the durable queues in batches. Unlike a
// telemetry pipeline it may never drop: Add blocks when the buffer is full.
// A queue write that fails twice poisons the run through onFatal.
type flusher struct {
	cfg      FlushConfig
	endpoint string
	session  string
	results  queue.Store
	dead     queue.Store
	clock    backfill.Clock
	logger   *zap.Logger
	onFatal  func(error)

	items  chan flushItem
	stopCh chan struct{}
	doneCh chan struct{}

	mu      sync.Mutex
	failure error

	closeOnce sync.Once
}

func newFlusher(
	cfg FlushConfig,
	endpoint, session string,
	results, dead queue.Store,
	clock backfill.Clock,
	logger *zap.Logger,
	onFatal func(error),
) *flusher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultFlushBatch
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultFlushWait
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = defaultCloseTimeout
	}
	if onFatal == nil {
		onFatal = func(error) {}
	}
	f := &flusher{
		cfg:      cfg,
		endpoint: endpoint,
		session:  session,
		results:  results,
		dead:     dead,
		clock:    clock,
		logger:   logger,
		onFatal:  onFatal,
		items:    make(chan flushItem, flushBuffer),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go f.run()
	return f
}

// AddResult enqueues a successful DID for durable write.
func (f *flusher) AddResult(ctx context.Context, item backfill.ResultItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal result for %s: %w", item.DID, err)
	}
	return f.add(ctx, flushItem{
		kind: queue.KindResults,
		entry: queue.Entry{
			DID:        item.DID,
			Session:    f.session,
			Payload:    payload,
			InsertedAt: f.clock.Now().UTC(),
		},
	})
}

// AddDeadletter enqueues a permanently failed DID for durable write.
func (f *flusher) AddDeadletter(ctx context.Context, item backfill.DeadletterItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal deadletter for %s: %w", item.DID, err)
	}
	return f.add(ctx, flushItem{
		kind: queue.KindDeadletter,
		entry: queue.Entry{
			DID:        item.DID,
			Session:    f.session,
			Payload:    payload,
			InsertedAt: f.clock.Now().UTC(),
		},
	})
}

func (f *flusher) add(ctx context.Context, it flushItem) error {
	select {
	case f.items <- it:
		return nil
	case <-f.stopCh:
		return fmt.Errorf("flusher is shutting down")
	case <-ctx.Done():
		return fmt.Errorf("flusher add: %w", ctx.Err())
	}
}

// Close drains remaining items, flushes, and blocks until the background
// goroutine exits. It returns the first storage failure, if any.
func (f *flusher) Close() error {
	f.closeOnce.Do(func() {
		close(f.stopCh)
	})
	select {
	case <-f.doneCh:
	case <-time.After(f.cfg.CloseTimeout):
		return fmt.Errorf("flusher close timed out after %s", f.cfg.CloseTimeout)
	}
	return f.err()
}

func (f *flusher) err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failure
}

func (f *flusher) run() {
	defer close(f.doneCh)
	batch := make([]flushItem, 0, f.cfg.BatchSize)
	timer := time.NewTimer(f.cfg.Interval)
	timer.Stop()
	timerActive := false
	for {
		select {
		case it := <-f.items:
			batch = append(batch, it)
			if len(batch) >= f.cfg.BatchSize {
				f.flush(batch)
				batch = batch[:0]
				f.stopTimer(timer, &timerActive)
			} else {
				f.resetTimer(timer, &timerActive)
			}
		case <-timer.C:
			timerActive = false
			if len(batch) > 0 {
				f.flush(batch)
				batch = batch[:0]
			}
		case <-f.stopCh:
			f.stopTimer(timer, &timerActive)
			f.drain(batch)
			return
		}
	}
}

// drain empties the buffer after stop and performs the final flush.
func (f *flusher) drain(batch []flushItem) {
	for {
		select {
		case it := <-f.items:
			batch = append(batch, it)
			if len(batch) >= f.cfg.BatchSize {
				f.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				f.flush(batch)
			}
			return
		}
	}
}

func (f *flusher) resetTimer(timer *time.Timer, timerActive *bool) {
	if *timerActive {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	timer.Reset(f.cfg.Interval)
	*timerActive = true
}

func (f *flusher) stopTimer(timer *time.Timer, timerActive *bool) {
	if !*timerActive {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*timerActive = false
}

func (f *flusher) flush(batch []flushItem) {
	if len(batch) == 0 || f.err() != nil {
		return
	}
	var results, dead []queue.Entry
	for _, it := range batch {
		if it.kind == queue.KindResults {
			results = append(results, it.entry)
		} else {
			dead = append(dead, it.entry)
		}
	}
	if err := f.write(f.results, queue.KindResults, results); err != nil {
		f.fail(err)
		return
	}
	if err := f.write(f.dead, queue.KindDeadletter, dead); err != nil {
		f.fail(err)
	}
}

// write pushes one batch into a store, retrying once before giving up.
func (f *flusher) write(store queue.Store, kind queue.Kind, entries []queue.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.CloseTimeout)
	defer cancel()

	err := store.BatchAdd(ctx, entries)
	if err != nil {
		f.logger.Warn("queue write failed; retrying",
			zap.String("endpoint", f.endpoint),
			zap.String("kind", string(kind)),
			zap.Int("entries", len(entries)),
			zap.Error(err))
		err = store.BatchAdd(ctx, entries)
	}
	if err != nil {
		return fmt.Errorf("flush %d %s entries: %w", len(entries), kind, err)
	}
	metrics.AddFlushed(f.endpoint, string(kind), len(entries))
	return nil
}

func (f *flusher) fail(err error) {
	storageErr := &backfill.StorageError{Endpoint: f.endpoint, Err: err}
	f.mu.Lock()
	if f.failure == nil {
		f.failure = storageErr
	}
	f.mu.Unlock()
	f.logger.Error("queue write failed permanently; aborting endpoint run",
		zap.String("endpoint", f.endpoint),
		zap.Error(err))
	f.onFatal(storageErr)
}
