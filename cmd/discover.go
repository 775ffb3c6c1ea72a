package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/atproto-backfill/internal/discover"
)

// newDiscoverCmd creates and configures the 'discover' subcommand, which
// tails the Jetstream firehose to build a DID list for a later run.
func newDiscoverCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Collects active DIDs from the Jetstream firehose",
		Long: `Subscribes to a Jetstream endpoint and records the unique DIDs seen in
commit events, optionally filtered by collection. The list is written one
DID per line, ready for 'backfill run --dids'.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			cfg := rt.cfg.Discover
			if output == "" {
				output = cfg.Output
			}
			if output == "" {
				return fmt.Errorf("an output path is required (--output or discover.output)")
			}

			collector, err := discover.New(discover.Config{
				URL:         cfg.URL,
				Collections: cfg.Collections,
				MaxDIDs:     cfg.MaxDIDs,
				Duration:    time.Duration(cfg.DurationMinutes) * time.Minute,
			}, rt.logger)
			if err != nil {
				return err
			}

			dids, err := collector.Run(cmd.Context())
			if err != nil {
				return fmt.Errorf("collect DIDs: %w", err)
			}

			var sb strings.Builder
			for _, did := range dids {
				sb.WriteString(did.String())
				sb.WriteByte('\n')
			}
			if err := os.WriteFile(output, []byte(sb.String()), 0o644); err != nil {
				return fmt.Errorf("write DID list: %w", err)
			}

			rt.logger.Info("DID list written",
				zap.String("path", output),
				zap.Int("dids", len(dids)))
			return nil
		},
	}

	cmd.Flags().StringVar(&output, "output", "", "path for the DID list (overrides discover.output)")

	return cmd
}
