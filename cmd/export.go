package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/atproto-backfill/internal/export"
	"github.com/JakeFAU/atproto-backfill/internal/queue"
)

// newExportCmd creates and configures the 'export' subcommand, which drains
// existing durable queues to blob storage without running a backfill.
func newExportCmd() *cobra.Command {
	var (
		endpoints []string
		label     string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Exports durable queue contents to blob storage",
		Long: `Reads per-endpoint results and deadletter queues and writes them out as
JSONL objects. With the sqlite backend the endpoints are discovered from
the state directory; other backends require explicit --endpoint flags.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			cfg := rt.cfg
			logger := rt.logger

			hosts := endpoints
			if len(hosts) == 0 {
				if cfg.Queue.Backend != "sqlite" {
					return fmt.Errorf("--endpoint is required with the %s backend", cfg.Queue.Backend)
				}
				hosts, err = sqliteHosts(cfg.Queue.StateDir)
				if err != nil {
					return err
				}
			}
			if len(hosts) == 0 {
				logger.Info("nothing to export", zap.String("state_dir", cfg.Queue.StateDir))
				return nil
			}
			if label == "" {
				label = uuid.NewString()
			}

			opener, closeStores, err := newStoreOpener(ctx, cfg.Queue)
			if err != nil {
				return err
			}
			defer closeStores()

			store, err := export.NewBlobStore(ctx, exportConfig(cfg.Export))
			if err != nil {
				return fmt.Errorf("build export store: %w", err)
			}
			exporter := export.New(store, cfg.Export.Prefix, logger)

			for _, host := range hosts {
				results, err := opener.Open(host, queue.KindResults)
				if err != nil {
					return fmt.Errorf("open results queue for %s: %w", host, err)
				}
				dead, err := opener.Open(host, queue.KindDeadletter)
				if err != nil {
					return fmt.Errorf("open deadletter queue for %s: %w", host, err)
				}
				report, err := exporter.Endpoint(ctx, host, label, results, dead)
				if err != nil {
					return fmt.Errorf("export %s: %w", host, err)
				}
				logger.Info("export written",
					zap.String("endpoint", host),
					zap.String("results_uri", report.ResultsURI),
					zap.String("deadletters_uri", report.DeadlettersURI))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&endpoints, "endpoint", nil, "endpoint host to export (repeatable; default: all sqlite state files)")
	cmd.Flags().StringVar(&label, "label", "", "label for the exported object names (default: a fresh UUID)")

	return cmd
}

// sqliteHosts lists endpoint hosts that have queue files in the state dir.
// The filename scheme is <host>.<kind>.db; hosts appear once even when both
// kinds exist.
func sqliteHosts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan state dir: %w", err)
	}

	seen := make(map[string]struct{})
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		for _, kind := range []queue.Kind{queue.KindResults, queue.KindDeadletter} {
			suffix := fmt.Sprintf(".%s.db", kind)
			if strings.HasSuffix(name, suffix) {
				seen[strings.TrimSuffix(name, suffix)] = struct{}{}
			}
		}
	}

	hosts := make([]string, 0, len(seen))
	for h := range seen {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts, nil
}
