// Package worker implements the per-endpoint backfill execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/atproto-backfill/internal/archive"
	"github.com/JakeFAU/atproto-backfill/internal/backfill"
	"github.com/JakeFAU/atproto-backfill/internal/metrics"
	"github.com/JakeFAU/atproto-backfill/internal/queue"
	"github.com/JakeFAU/atproto-backfill/internal/ratelimit"
)

// Config controls Worker behavior for one endpoint run.
type Config struct {
	Endpoint string
	Session  string
	Window   backfill.Window

	// RateCapacity requests per RateWindow is the endpoint's hard budget.
	RateCapacity int
	RateWindow   time.Duration

	// Workers is the goroutine pool size; MaxInFlight caps concurrent HTTP
	// requests inside it (workers also sleep through backoffs, so the pool
	// may be larger than the in-flight cap).
	Workers     int
	MaxInFlight int

	// ParseSlots caps concurrent archive parses; parsing is CPU and memory
	// heavy and must not stall the fetch loop.
	ParseSlots int

	// MaxRetries transient failures per DID before deadlettering. Rate-limit
	// responses never count against it.
	MaxRetries int
	RetryBase  time.Duration
	RetryMax   time.Duration

	// SlowThreshold starts easing off when the rolling average fetch latency
	// crosses it; MaxThrottle caps the injected pause.
	SlowThreshold time.Duration
	MaxThrottle   time.Duration

	Flush FlushConfig
}

const (
	defaultWorkers       = 4
	defaultParseSlots    = 4
	defaultMaxRetries    = 3
	defaultRetryBase     = time.Second
	defaultRetryMax      = 30 * time.Second
	defaultSlowThreshold = 750 * time.Millisecond
	defaultMaxThrottle   = 2 * time.Second
)

// Worker processes the DID set assigned to a single PDS endpoint.
type Worker struct {
	cfg      Config
	fetcher  backfill.RepoFetcher
	bucket   *ratelimit.Bucket
	pipeline archive.Pipeline
	results  queue.Store
	dead     queue.Store
	clock    backfill.Clock
	logger   *zap.Logger
	latency  *latencyWindow
}

// New constructs a Worker. The rate budget is mandatory; everything else
// gets sensible defaults.
func New(
	cfg Config,
	fetcher backfill.RepoFetcher,
	results, dead queue.Store,
	clock backfill.Clock,
	logger *zap.Logger,
) (*Worker, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = cfg.Workers
	}
	if cfg.ParseSlots <= 0 {
		cfg.ParseSlots = defaultParseSlots
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = defaultRetryMax
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = defaultSlowThreshold
	}
	if cfg.MaxThrottle <= 0 {
		cfg.MaxThrottle = defaultMaxThrottle
	}

	bucket, err := ratelimit.NewBucket(cfg.RateCapacity, cfg.RateWindow, ratelimit.WithClock(clock))
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", cfg.Endpoint, err)
	}

	return &Worker{
		cfg:      cfg,
		fetcher:  fetcher,
		bucket:   bucket,
		pipeline: archive.Pipeline{Window: cfg.Window},
		results:  results,
		dead:     dead,
		clock:    clock,
		logger:   logger,
		latency:  &latencyWindow{},
	}, nil
}

// Tokens reports the current request budget, for progress reporting.
func (w *Worker) Tokens() float64 { return w.bucket.Tokens() }

// Run fetches every DID in dids against the endpoint. DIDs already settled
// in either durable queue are skipped, so re-running after a crash never
// refetches finished work. The report reflects this invocation only.
func (w *Worker) Run(ctx context.Context, dids []backfill.DID) (backfill.EndpointReport, error) {
	report := backfill.EndpointReport{
		Endpoint:     w.cfg.Endpoint,
		DIDs:         len(dids),
		RecordCounts: map[backfill.RecordType]int{},
	}

	pending, skipped, err := w.pendingDIDs(ctx, dids)
	if err != nil {
		return report, err
	}
	report.Skipped = skipped
	metrics.AddDIDs(w.cfg.Endpoint, "skipped", skipped)

	if len(pending) == 0 {
		w.measureQueueDepths(ctx, &report)
		w.logger.Info("endpoint already settled",
			zap.String("endpoint", w.cfg.Endpoint),
			zap.Int("dids", len(dids)))
		return report, nil
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	fl := newFlusher(w.cfg.Flush, w.cfg.Endpoint, w.cfg.Session, w.results, w.dead, w.clock, w.logger,
		func(err error) { cancel(err) })

	stats := newRunStats()
	work := make(chan backfill.DID, len(pending))
	for _, did := range pending {
		work <- did
	}
	close(work)

	poolSize := w.cfg.Workers
	if poolSize > len(pending) {
		poolSize = len(pending)
	}
	sem := semaphore.NewWeighted(int64(w.cfg.MaxInFlight))
	parseSlots := make(chan struct{}, w.cfg.ParseSlots)

	w.logger.Info("endpoint run starting",
		zap.String("endpoint", w.cfg.Endpoint),
		zap.Int("pending", len(pending)),
		zap.Int("skipped", skipped),
		zap.Int("workers", poolSize),
		zap.Int("rate_capacity", w.cfg.RateCapacity),
		zap.Duration("rate_window", w.cfg.RateWindow))

	var wg sync.WaitGroup
	var parseWG sync.WaitGroup
	for i := 0; i < poolSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for did := range work {
				if runCtx.Err() != nil {
					return
				}
				w.processDID(runCtx, did, sem, parseSlots, &parseWG, fl, stats)
			}
		}()
	}
	wg.Wait()
	parseWG.Wait()

	flushErr := fl.Close()
	stats.fill(&report)

	if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return report, cause
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	if flushErr != nil {
		return report, flushErr
	}

	w.measureQueueDepths(ctx, &report)
	w.logger.Info("endpoint run finished",
		zap.String("endpoint", w.cfg.Endpoint),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("deadlettered", report.Deadlettered),
		zap.Int("requests", report.Requests),
		zap.Int("results_queued", report.ResultsQueued),
		zap.Int("deadletters_queued", report.DeadlettersQueued))
	return report, nil
}

// measureQueueDepths records both durable queue depths on the report. A
// failed count never fails the run; the entries themselves are already safe.
func (w *Worker) measureQueueDepths(ctx context.Context, report *backfill.EndpointReport) {
	var err error
	if report.ResultsQueued, err = w.results.Len(ctx); err != nil {
		w.logger.Warn("could not measure results queue depth",
			zap.String("endpoint", w.cfg.Endpoint),
			zap.Error(err))
	}
	if report.DeadlettersQueued, err = w.dead.Len(ctx); err != nil {
		w.logger.Warn("could not measure deadletter queue depth",
			zap.String("endpoint", w.cfg.Endpoint),
			zap.Error(err))
	}
}

// pendingDIDs filters out DIDs already present in either queue.
func (w *Worker) pendingDIDs(ctx context.Context, dids []backfill.DID) ([]backfill.DID, int, error) {
	settled, err := w.results.DIDs(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("scan results queue: %w", err)
	}
	dead, err := w.dead.DIDs(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("scan deadletter queue: %w", err)
	}

	pending := make([]backfill.DID, 0, len(dids))
	skipped := 0
	for _, did := range dids {
		if _, ok := settled[did]; ok {
			skipped++
			continue
		}
		if _, ok := dead[did]; ok {
			skipped++
			continue
		}
		pending = append(pending, did)
	}
	return pending, skipped, nil
}

// processDID walks one DID through the fetch state machine until it settles
// or the run is cancelled. Every attempt, retry included, consumes a token.
func (w *Worker) processDID(
	ctx context.Context,
	did backfill.DID,
	sem *semaphore.Weighted,
	parseSlots chan struct{},
	parseWG *sync.WaitGroup,
	fl *flusher,
	stats *runStats,
) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	attempts := 0
	ratePauses := 0
	for {
		w.throttleSlow(ctx)

		waitStart := w.clock.Now()
		if err := w.bucket.Acquire(ctx); err != nil {
			return
		}
		metrics.ObserveTokenWait(w.cfg.Endpoint, w.clock.Now().Sub(waitStart))

		resp, err := w.fetch(ctx, did, sem)
		stats.requests.Add(1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, backfill.ErrArchiveTooLarge) {
				metrics.ObserveFetch(w.cfg.Endpoint, "fatal", 0)
				w.deadletter(ctx, fl, stats, did, backfill.FailureHTTP, err.Error())
				return
			}
			metrics.ObserveFetch(w.cfg.Endpoint, "network_error", 0)
			attempts++
			if attempts > w.cfg.MaxRetries {
				w.deadletter(ctx, fl, stats, did, backfill.FailureTransient,
					fmt.Sprintf("fetch failed after %d attempts: %v", attempts, err))
				return
			}
			w.logger.Warn("fetch failed; backing off",
				zap.String("did", did.String()),
				zap.Int("attempt", attempts),
				zap.Error(err))
			if !w.sleep(ctx, w.backoff(attempts)) {
				return
			}
			continue
		}

		w.latency.Observe(resp.Duration)
		switch backfill.ClassifyStatus(resp.StatusCode) {
		case backfill.StatusOK:
			metrics.ObserveFetch(w.cfg.Endpoint, "ok", resp.Duration)
			w.dispatchParse(ctx, did, resp.Body, parseSlots, parseWG, fl, stats)
			return

		case backfill.StatusRateLimited:
			metrics.ObserveFetch(w.cfg.Endpoint, "rate_limited", resp.Duration)
			ratePauses++
			w.logger.Warn("endpoint rate limited; retry budget untouched",
				zap.String("did", did.String()),
				zap.Int("pause", ratePauses))
			if !w.sleep(ctx, w.backoff(ratePauses)) {
				return
			}
			continue

		case backfill.StatusRetryable:
			metrics.ObserveFetch(w.cfg.Endpoint, "retryable", resp.Duration)
			attempts++
			if attempts > w.cfg.MaxRetries {
				w.deadletter(ctx, fl, stats, did, backfill.FailureTransient,
					fmt.Sprintf("status %d after %d attempts", resp.StatusCode, attempts))
				return
			}
			w.logger.Warn("server error; backing off",
				zap.String("did", did.String()),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempts))
			if !w.sleep(ctx, w.backoff(attempts)) {
				return
			}
			continue

		default:
			metrics.ObserveFetch(w.cfg.Endpoint, "fatal", resp.Duration)
			w.deadletter(ctx, fl, stats, did, backfill.FailureHTTP,
				fmt.Sprintf("unexpected status %d", resp.StatusCode))
			return
		}
	}
}

func (w *Worker) fetch(ctx context.Context, did backfill.DID, sem *semaphore.Weighted) (backfill.FetchResponse, error) {
	if err := sem.Acquire(ctx, 1); err != nil {
		return backfill.FetchResponse{}, err
	}
	defer sem.Release(1)
	return w.fetcher.FetchRepo(ctx, w.cfg.Endpoint, did)
}

// dispatchParse hands the body to a parse goroutine once a slot frees up,
// releasing the fetch worker to start its next DID.
func (w *Worker) dispatchParse(
	ctx context.Context,
	did backfill.DID,
	body []byte,
	parseSlots chan struct{},
	parseWG *sync.WaitGroup,
	fl *flusher,
	stats *runStats,
) {
	select {
	case parseSlots <- struct{}{}:
	case <-ctx.Done():
		return
	}
	parseWG.Add(1)
	go func() {
		defer parseWG.Done()
		defer func() { <-parseSlots }()
		w.parse(ctx, did, body, fl, stats)
	}()
}

func (w *Worker) parse(ctx context.Context, did backfill.DID, body []byte, fl *flusher, stats *runStats) {
	ex, err := w.pipeline.Extract(did, body)
	if err != nil {
		w.deadletter(ctx, fl, stats, did, backfill.FailureParse, err.Error())
		return
	}
	if ex.MalformedBlocks > 0 {
		w.logger.Debug("skipped malformed blocks",
			zap.String("did", did.String()),
			zap.Int("malformed", ex.MalformedBlocks),
			zap.Int("scanned", ex.BlocksScanned))
	}

	item := backfill.ResultItem{
		DID:       did,
		Records:   ex.Records,
		Counts:    ex.Counts,
		FetchedAt: w.clock.Now().UTC(),
	}
	if err := fl.AddResult(ctx, item); err != nil {
		return
	}
	stats.success(ex.Counts)
	for typ, n := range ex.Counts {
		metrics.AddRecords(w.cfg.Endpoint, string(typ), n)
	}
	metrics.ObserveDID(w.cfg.Endpoint, "succeeded")
	w.logger.Debug("did settled",
		zap.String("did", did.String()),
		zap.Int("records", item.TotalRecords()))
}

func (w *Worker) deadletter(
	ctx context.Context,
	fl *flusher,
	stats *runStats,
	did backfill.DID,
	class backfill.FailureClass,
	reason string,
) {
	item := backfill.DeadletterItem{
		DID:      did,
		Class:    class,
		Reason:   reason,
		FailedAt: w.clock.Now().UTC(),
	}
	if err := fl.AddDeadletter(ctx, item); err != nil {
		return
	}
	stats.deadlettered.Add(1)
	metrics.ObserveDID(w.cfg.Endpoint, "deadlettered")
	w.logger.Warn("did deadlettered",
		zap.String("did", did.String()),
		zap.String("class", string(class)),
		zap.String("reason", reason))
}

// throttleSlow injects a pause when the endpoint's rolling average latency
// crosses the threshold, trading throughput for not drowning a struggling
// host.
func (w *Worker) throttleSlow(ctx context.Context) {
	avg, ok := w.latency.Average()
	if !ok || avg <= w.cfg.SlowThreshold {
		return
	}
	pause := avg - w.cfg.SlowThreshold
	if pause > w.cfg.MaxThrottle {
		pause = w.cfg.MaxThrottle
	}
	metrics.IncThrottlePause(w.cfg.Endpoint)
	w.logger.Debug("endpoint running slow; easing off",
		zap.String("endpoint", w.cfg.Endpoint),
		zap.Duration("avg_latency", avg),
		zap.Duration("pause", pause))
	w.sleep(ctx, pause)
}

// backoff returns the capped exponential delay for the nth consecutive failure.
func (w *Worker) backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	shift := uint(n - 1)
	if shift > 16 {
		shift = 16
	}
	d := w.cfg.RetryBase * time.Duration(1<<shift)
	if d > w.cfg.RetryMax || d <= 0 {
		d = w.cfg.RetryMax
	}
	return d
}

// sleep waits for d, returning false if the run was cancelled first.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// runStats accumulates per-run counters across worker goroutines.
type runStats struct {
	requests     atomic.Int64
	succeeded    atomic.Int64
	deadlettered atomic.Int64

	mu     sync.Mutex
	counts map[backfill.RecordType]int
}

func newRunStats() *runStats {
	return &runStats{counts: make(map[backfill.RecordType]int)}
}

func (s *runStats) success(counts map[backfill.RecordType]int) {
	s.succeeded.Add(1)
	s.mu.Lock()
	for typ, n := range counts {
		s.counts[typ] += n
	}
	s.mu.Unlock()
}

func (s *runStats) fill(r *backfill.EndpointReport) {
	r.Succeeded = int(s.succeeded.Load())
	r.Deadlettered = int(s.deadlettered.Load())
	r.Requests = int(s.requests.Load())
	s.mu.Lock()
	for typ, n := range s.counts {
		r.RecordCounts[typ] += n
	}
	s.mu.Unlock()
}

const (
	latencyWindowSize = 32
	latencyMinSamples = 8
)

// latencyWindow keeps a rolling average of recent fetch durations.
type latencyWindow struct {
	mu   sync.Mutex
	ring [latencyWindowSize]time.Duration
	n    int
	idx  int
	sum  time.Duration
}

func (l *latencyWindow) Observe(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.n == latencyWindowSize {
		l.sum -= l.ring[l.idx]
	} else {
		l.n++
	}
	l.ring[l.idx] = d
	l.sum += d
	l.idx = (l.idx + 1) % latencyWindowSize
}

// Average reports the rolling mean once enough samples exist.
func (l *latencyWindow) Average() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.n < latencyMinSamples {
		return 0, false
	}
	return l.sum / time.Duration(l.n), true
}
