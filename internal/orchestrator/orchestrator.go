// Package orchestrator turns a flat DID list into per-endpoint worker runs.
package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/atproto-backfill/internal/backfill"
	"github.com/JakeFAU/atproto-backfill/internal/export"
	"github.com/JakeFAU/atproto-backfill/internal/metrics"
	"github.com/JakeFAU/atproto-backfill/internal/notify"
	"github.com/JakeFAU/atproto-backfill/internal/queue"
	"github.com/JakeFAU/atproto-backfill/internal/worker"
)

// StoreOpener hands out the durable queue for one endpoint host and kind.
// Stores are cached per (host, kind): repeated opens return the same store.
type StoreOpener interface {
	Open(host string, kind queue.Kind) (queue.Store, error)
}

// Config controls one orchestration run.
type Config struct {
	// BatchSize chunks the DID list; zero means one batch.
	BatchSize int

	// TopNEndpoints keeps only the busiest N endpoints per batch; zero
	// means all. DIDs on dropped endpoints are not processed this run.
	TopNEndpoints int

	// ParallelEndpoints bounds concurrent endpoint workers within a batch.
	ParallelEndpoints int

	Window backfill.Window

	// Worker carries the per-endpoint settings handed to each worker; the
	// orchestrator fills in the endpoint and session fields.
	Worker worker.Config

	// ExportAuto exports each endpoint's queues after its batch completes.
	ExportAuto bool
}

// Orchestrator owns the run: it resolves DIDs, schedules endpoint workers,
// and drives export and notification per batch. All run-scoped state lives
// on the Session; nothing survives the run.
type Orchestrator struct {
	cfg      Config
	resolver backfill.Resolver
	fetcher  backfill.RepoFetcher
	stores   StoreOpener
	exporter *export.Exporter
	notifier notify.Notifier
	session  *backfill.Session
	clock    backfill.Clock
	logger   *zap.Logger
}

// New constructs an Orchestrator. The exporter may be nil when ExportAuto is
// off; the notifier defaults to a no-op.
func New(
	cfg Config,
	res backfill.Resolver,
	fetcher backfill.RepoFetcher,
	stores StoreOpener,
	exporter *export.Exporter,
	notifier notify.Notifier,
	session *backfill.Session,
	clock backfill.Clock,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if cfg.ParallelEndpoints <= 0 {
		cfg.ParallelEndpoints = 1
	}
	if cfg.ExportAuto && exporter == nil {
		return nil, fmt.Errorf("export.auto requires an exporter")
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Orchestrator{
		cfg:      cfg,
		resolver: res,
		fetcher:  fetcher,
		stores:   stores,
		exporter: exporter,
		notifier: notifier,
		session:  session,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Run processes every DID, batch by batch. Each batch is fully settled,
// exported, and announced before the next begins, which bounds peak memory
// and gives crash recovery a natural checkpoint. Per-DID failures never
// abort the run; storage failures and context cancellation do.
func (o *Orchestrator) Run(ctx context.Context, dids []backfill.DID) (backfill.SessionSummary, error) {
	valid := make([]backfill.DID, 0, len(dids))
	seen := make(map[backfill.DID]struct{}, len(dids))
	invalid := 0
	for _, did := range dids {
		if _, dup := seen[did]; dup {
			continue
		}
		seen[did] = struct{}{}
		if !did.Valid() {
			invalid++
			continue
		}
		valid = append(valid, did)
	}
	if invalid > 0 {
		o.logger.Warn("dropped invalid DIDs at intake", zap.Int("invalid", invalid))
	}

	batches := chunk(valid, o.cfg.BatchSize)
	o.session.BeginRun(len(batches), len(valid))
	o.logger.Info("run starting",
		zap.String("session", o.session.ID),
		zap.Int("dids", len(valid)),
		zap.Int("batches", len(batches)))

	for i, batch := range batches {
		if err := o.runBatch(ctx, i+1, batch); err != nil {
			return o.session.Snapshot(), err
		}
		o.session.BatchDone()
	}

	summary := o.session.Snapshot()
	o.logger.Info("run finished",
		zap.String("session", summary.SessionID),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("deadlettered", summary.Deadlettered),
		zap.Int("skipped", summary.Skipped),
		zap.Int("unresolved", summary.Unresolved),
		zap.Int("requests", summary.Requests),
		zap.Int("results_queued", summary.ResultsQueued),
		zap.Int("deadletters_queued", summary.DeadlettersQueued))
	return summary, nil
}

func (o *Orchestrator) runBatch(ctx context.Context, batchNum int, dids []backfill.DID) error {
	startedAt := o.clock.Now().UTC()

	groups, unresolved := o.groupByEndpoint(ctx, dids)
	o.session.AddUnresolved(unresolved)
	if err := ctx.Err(); err != nil {
		return err
	}

	endpoints := rankEndpoints(groups)
	if o.cfg.TopNEndpoints > 0 && len(endpoints) > o.cfg.TopNEndpoints {
		dropped := 0
		for _, ep := range endpoints[o.cfg.TopNEndpoints:] {
			dropped += len(groups[ep])
		}
		o.logger.Warn("endpoint cap active; dropping smallest endpoints",
			zap.Int("batch", batchNum),
			zap.Int("kept", o.cfg.TopNEndpoints),
			zap.Int("dropped_endpoints", len(endpoints)-o.cfg.TopNEndpoints),
			zap.Int("dropped_dids", dropped))
		endpoints = endpoints[:o.cfg.TopNEndpoints]
	}
	o.session.AddEndpoints(len(endpoints))

	o.logger.Info("batch starting",
		zap.Int("batch", batchNum),
		zap.Int("dids", len(dids)),
		zap.Int("endpoints", len(endpoints)),
		zap.Int("unresolved", unresolved))

	reports := make([]backfill.EndpointReport, len(endpoints))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.ParallelEndpoints)
	for i, endpoint := range endpoints {
		g.Go(func() error {
			report, err := o.runEndpoint(gctx, endpoint, groups[endpoint])
			reports[i] = report
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("batch %d: %w", batchNum, err)
	}

	batchReport := backfill.BatchReport{
		SessionID:    o.session.ID,
		Batch:        batchNum,
		Endpoints:    len(endpoints),
		DIDs:         len(dids),
		Unresolved:   unresolved,
		RecordCounts: make(map[backfill.RecordType]int),
		StartedAt:    startedAt,
	}
	for _, r := range reports {
		batchReport.Skipped += r.Skipped
		batchReport.Succeeded += r.Succeeded
		batchReport.Deadlettered += r.Deadlettered
		batchReport.Requests += r.Requests
		for typ, n := range r.RecordCounts {
			batchReport.RecordCounts[typ] += n
		}
	}

	if o.cfg.ExportAuto {
		for _, endpoint := range endpoints {
			if err := o.exportEndpoint(ctx, endpoint); err != nil {
				return fmt.Errorf("batch %d: %w", batchNum, err)
			}
		}
	}

	batchReport.FinishedAt = o.clock.Now().UTC()
	if err := o.notifier.BatchDone(ctx, batchReport); err != nil {
		// A missed notification is recoverable downstream; the batch's data
		// is already durable.
		o.logger.Error("batch notification failed",
			zap.Int("batch", batchNum),
			zap.Error(err))
	}
	return nil
}

// groupByEndpoint resolves every DID and buckets them by PDS endpoint. DIDs
// with no resolvable endpoint are counted, logged, and dropped; they are a
// per-DID condition, not a run failure.
func (o *Orchestrator) groupByEndpoint(ctx context.Context, dids []backfill.DID) (map[string][]backfill.DID, int) {
	groups := make(map[string][]backfill.DID)
	unresolved := 0
	for _, did := range dids {
		if ctx.Err() != nil {
			return groups, unresolved
		}
		id, err := o.resolver.Resolve(ctx, did)
		if err != nil {
			unresolved++
			o.logger.Warn("DID did not resolve",
				zap.String("did", did.String()),
				zap.Error(err))
			continue
		}
		groups[id.PDSEndpoint] = append(groups[id.PDSEndpoint], did)
	}
	return groups, unresolved
}

func (o *Orchestrator) runEndpoint(ctx context.Context, endpoint string, dids []backfill.DID) (backfill.EndpointReport, error) {
	host := metrics.SanitizeEndpoint(endpoint)
	results, err := o.stores.Open(host, queue.KindResults)
	if err != nil {
		return backfill.EndpointReport{Endpoint: endpoint}, fmt.Errorf("open results queue for %s: %w", host, err)
	}
	dead, err := o.stores.Open(host, queue.KindDeadletter)
	if err != nil {
		return backfill.EndpointReport{Endpoint: endpoint}, fmt.Errorf("open deadletter queue for %s: %w", host, err)
	}

	wcfg := o.cfg.Worker
	wcfg.Endpoint = endpoint
	wcfg.Session = o.session.ID
	wcfg.Window = o.cfg.Window

	w, err := worker.New(wcfg, o.fetcher, results, dead, o.clock, o.logger)
	if err != nil {
		return backfill.EndpointReport{Endpoint: endpoint}, fmt.Errorf("build worker for %s: %w", host, err)
	}

	report, err := w.Run(ctx, dids)
	o.session.AddSkipped(report.Skipped)
	o.session.AddRequests(report.Requests)
	o.session.MergeRecordCounts(report.RecordCounts)
	o.session.RecordQueueDepth(host, report.ResultsQueued, report.DeadlettersQueued)
	for i := 0; i < report.Succeeded; i++ {
		o.session.RecordFetch(true, false)
	}
	for i := 0; i < report.Deadlettered; i++ {
		o.session.RecordFetch(false, true)
	}
	if err != nil {
		return report, fmt.Errorf("endpoint %s: %w", host, err)
	}
	return report, nil
}

func (o *Orchestrator) exportEndpoint(ctx context.Context, endpoint string) error {
	host := metrics.SanitizeEndpoint(endpoint)
	results, err := o.stores.Open(host, queue.KindResults)
	if err != nil {
		return fmt.Errorf("open results queue for %s: %w", host, err)
	}
	dead, err := o.stores.Open(host, queue.KindDeadletter)
	if err != nil {
		return fmt.Errorf("open deadletter queue for %s: %w", host, err)
	}
	if _, err := o.exporter.Endpoint(ctx, host, o.session.ID, results, dead); err != nil {
		return fmt.Errorf("export %s: %w", host, err)
	}
	return nil
}

// rankEndpoints orders endpoints by DID count descending so the heaviest
// hosts start first; ties break lexicographically for determinism.
func rankEndpoints(groups map[string][]backfill.DID) []string {
	endpoints := make([]string, 0, len(groups))
	for ep := range groups {
		endpoints = append(endpoints, ep)
	}
	sort.Slice(endpoints, func(i, j int) bool {
		ni, nj := len(groups[endpoints[i]]), len(groups[endpoints[j]])
		if ni != nj {
			return ni > nj
		}
		return endpoints[i] < endpoints[j]
	})
	return endpoints
}

// chunk splits dids into batches of size; size <= 0 yields a single batch.
func chunk(dids []backfill.DID, size int) [][]backfill.DID {
	if len(dids) == 0 {
		return nil
	}
	if size <= 0 || size >= len(dids) {
		return [][]backfill.DID{dids}
	}
	var out [][]backfill.DID
	for start := 0; start < len(dids); start += size {
		end := start + size
		if end > len(dids) {
			end = len(dids)
		}
		out = append(out, dids[start:end])
	}
	return out
}
