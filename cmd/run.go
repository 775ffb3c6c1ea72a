package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/atproto-backfill/internal/api"
	"github.com/JakeFAU/atproto-backfill/internal/backfill"
	"github.com/JakeFAU/atproto-backfill/internal/clock/system"
	"github.com/JakeFAU/atproto-backfill/internal/config"
	"github.com/JakeFAU/atproto-backfill/internal/export"
	"github.com/JakeFAU/atproto-backfill/internal/fetcher"
	"github.com/JakeFAU/atproto-backfill/internal/metrics"
	"github.com/JakeFAU/atproto-backfill/internal/notify"
	"github.com/JakeFAU/atproto-backfill/internal/orchestrator"
	"github.com/JakeFAU/atproto-backfill/internal/resolver"
	"github.com/JakeFAU/atproto-backfill/internal/worker"
)

// newRunCmd creates and configures the 'run' subcommand, the main backfill
// entry point.
func newRunCmd() *cobra.Command {
	var (
		didsFile string
		start    string
		end      string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs a backfill over a DID list",
		Long: `Resolves each DID to its PDS endpoint, groups DIDs by endpoint, and
drains each endpoint with a rate-limited concurrent worker. Results and
deadletters land in per-endpoint durable queues; a re-run skips DIDs that
already settled.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			cfg := rt.cfg
			if start != "" {
				cfg.Run.StartTimestamp = start
			}
			if end != "" {
				cfg.Run.EndTimestamp = end
			}
			return runBackfill(cmd, cfg, rt.logger, didsFile)
		},
	}

	cmd.Flags().StringVar(&didsFile, "dids", "", "path to a file with one DID per line (required)")
	cmd.Flags().StringVar(&start, "start", "", "override run.start_timestamp (YYYY-MM-DD-HH:MM:SS)")
	cmd.Flags().StringVar(&end, "end", "", "override run.end_timestamp (YYYY-MM-DD-HH:MM:SS)")
	_ = cmd.MarkFlagRequired("dids")

	return cmd
}

func runBackfill(cmd *cobra.Command, cfg config.Config, logger *zap.Logger, didsFile string) error {
	ctx := cmd.Context()
	metrics.Init()

	window, err := cfg.Window()
	if err != nil {
		return fmt.Errorf("time window: %w", err)
	}

	dids, err := readDIDFile(didsFile)
	if err != nil {
		return err
	}
	if len(dids) == 0 {
		return fmt.Errorf("no DIDs found in %s", didsFile)
	}

	opener, closeStores, err := newStoreOpener(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	defer closeStores()

	res := resolver.New(logger,
		resolver.WithDirectory(cfg.Resolver.Directory),
		resolver.WithUserAgent(cfg.HTTP.UserAgent),
		resolver.WithRate(cfg.Resolver.PerSecond, cfg.Resolver.Burst),
	)
	repoFetcher := fetcher.NewHTTP(fetcher.Config{
		UserAgent:       cfg.HTTP.UserAgent,
		Timeout:         cfg.FetchTimeout(),
		MaxArchiveBytes: int64(cfg.HTTP.MaxArchiveMB) << 20,
	}, logger)

	var exporter *export.Exporter
	if cfg.Export.Auto {
		store, err := export.NewBlobStore(ctx, exportConfig(cfg.Export))
		if err != nil {
			return fmt.Errorf("build export store: %w", err)
		}
		exporter = export.New(store, cfg.Export.Prefix, logger)
	}

	notifier, err := notify.New(ctx, notify.Config{
		Provider:  cfg.Notify.Provider,
		ProjectID: cfg.Notify.ProjectID,
		TopicName: cfg.Notify.TopicName,
	}, logger)
	if err != nil {
		return fmt.Errorf("build notifier: %w", err)
	}
	if closer, ok := notifier.(interface{ Close() error }); ok {
		defer func() {
			_ = closer.Close()
		}()
	}

	clock := system.New()
	session := backfill.NewSession(clock)

	if cfg.Server.Port > 0 {
		statusServer := api.NewServer(session, logger)
		go func() {
			if err := statusServer.Serve(ctx, cfg.Server.Port); err != nil {
				logger.Error("status server stopped", zap.Error(err))
			}
		}()
	}

	orch, err := orchestrator.New(orchestrator.Config{
		BatchSize:         cfg.Run.BatchSize,
		TopNEndpoints:     cfg.Run.TopNEndpoints,
		ParallelEndpoints: cfg.Run.ParallelEndpoints,
		Window:            window,
		Worker:            workerConfig(cfg),
		ExportAuto:        cfg.Export.Auto,
	}, res, repoFetcher, opener, exporter, notifier, session, clock, logger)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	summary, err := orch.Run(ctx, dids)
	if err != nil {
		return fmt.Errorf("run backfill: %w", err)
	}

	logger.Info("backfill complete",
		zap.String("session", summary.SessionID),
		zap.Int("dids", summary.DIDs),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("deadlettered", summary.Deadlettered),
		zap.Int("skipped", summary.Skipped),
		zap.Int("unresolved", summary.Unresolved),
		zap.Int("requests", summary.Requests),
		zap.Int("results_queued", summary.ResultsQueued),
		zap.Int("deadletters_queued", summary.DeadlettersQueued))
	return nil
}

func workerConfig(cfg config.Config) worker.Config {
	return worker.Config{
		RateCapacity:  cfg.Rate.Capacity,
		RateWindow:    cfg.RateWindow(),
		Workers:       cfg.Worker.PoolSize,
		MaxInFlight:   cfg.Worker.MaxInFlight,
		ParseSlots:    cfg.Worker.ParseSlots,
		MaxRetries:    cfg.Run.MaxRetries,
		RetryBase:     time.Duration(cfg.Worker.RetryBaseMs) * time.Millisecond,
		RetryMax:      time.Duration(cfg.Worker.RetryMaxMs) * time.Millisecond,
		SlowThreshold: time.Duration(cfg.Worker.SlowThresholdMs) * time.Millisecond,
		MaxThrottle:   time.Duration(cfg.Worker.MaxThrottleMs) * time.Millisecond,
		Flush: worker.FlushConfig{
			BatchSize: cfg.Flush.BatchSize,
			Interval:  time.Duration(cfg.Flush.IntervalMs) * time.Millisecond,
		},
	}
}

func exportConfig(cfg config.ExportConfig) export.Config {
	return export.Config{
		Provider:  cfg.Provider,
		Prefix:    cfg.Prefix,
		LocalDir:  cfg.LocalDir,
		GCSBucket: cfg.GCSBucket,
		S3Bucket:  cfg.S3Bucket,
		S3Region:  cfg.S3Region,
	}
}

// readDIDFile loads one DID per line, skipping blanks and '#' comments.
// Syntax validation happens at orchestration intake, not here.
func readDIDFile(path string) ([]backfill.DID, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open DID list: %w", err)
	}
	defer f.Close()

	var dids []backfill.DID
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		dids = append(dids, backfill.DID(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read DID list: %w", err)
	}
	return dids, nil
}
