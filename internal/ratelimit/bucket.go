// Package ratelimit implements the token bucket governing request rate per
// PDS endpoint.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/atproto-backfill/internal/backfill"
)

const defaultPause = 25 * time.Millisecond

// Bucket is a token bucket with continuous refill: tokens accumulate
// fractionally between acquisitions, so many concurrent callers observe the
// same long-run rate regardless of call spacing. All state is guarded by one
// mutex; each acquisition attempt is a single critical section.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	window     time.Duration
	lastRefill time.Time

	clock backfill.Clock
	pause time.Duration
}

// Option adjusts Bucket construction.
type Option func(*Bucket)

// WithClock substitutes the time source (tests).
func WithClock(c backfill.Clock) Option {
	return func(b *Bucket) { b.clock = c }
}

// WithPause overrides the sleep between acquisition attempts when the bucket
// is empty.
func WithPause(d time.Duration) Option {
	return func(b *Bucket) { b.pause = d }
}

// NewBucket creates a full bucket allowing capacity requests per window.
func NewBucket(capacity int, window time.Duration, opts ...Option) (*Bucket, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("rate limit capacity must be > 0, got %d", capacity)
	}
	if window <= 0 {
		return nil, fmt.Errorf("rate limit window must be > 0, got %v", window)
	}
	b := &Bucket{
		capacity: float64(capacity),
		tokens:   float64(capacity),
		window:   window,
		pause:    defaultPause,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.clock == nil {
		b.clock = systemClock{}
	}
	b.lastRefill = b.clock.Now()
	return b, nil
}

// Acquire blocks until a token is available, then consumes it. It returns
// early only when ctx ends. Callers waiting on an empty bucket are served
// first-come-first-served only as far as the retry loop allows; no stronger
// fairness is guaranteed.
func (b *Bucket) Acquire(ctx context.Context) error {
	for {
		if b.tryAcquire() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-time.After(b.pause):
		}
	}
}

// tryAcquire refills from elapsed time and consumes one token if available.
func (b *Bucket) tryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Tokens reports the current token level after refilling to now. The value
// stays within [0, capacity].
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

// Capacity returns the configured burst size.
func (b *Bucket) Capacity() float64 {
	return b.capacity
}

func (b *Bucket) refillLocked() {
	now := b.clock.Now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed.Seconds() * b.capacity / b.window.Seconds()
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Registry hands out one bucket per endpoint host so each PDS is limited
// independently.
type Registry struct {
	mu       sync.Mutex
	buckets  map[string]*Bucket
	capacity int
	window   time.Duration
	opts     []Option
}

// NewRegistry creates a Registry building buckets with the given sizing.
func NewRegistry(capacity int, window time.Duration, opts ...Option) *Registry {
	return &Registry{
		buckets:  make(map[string]*Bucket),
		capacity: capacity,
		window:   window,
		opts:     opts,
	}
}

// Bucket returns the bucket for host, creating it on first use.
func (r *Registry) Bucket(host string) (*Bucket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buckets[host]; ok {
		return b, nil
	}
	b, err := NewBucket(r.capacity, r.window, r.opts...)
	if err != nil {
		return nil, err
	}
	r.buckets[host] = b
	return b, nil
}
