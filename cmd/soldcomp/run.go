package main

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/shpitdev/soldcomp/internal/app"
	"github.com/shpitdev/soldcomp/internal/metrics"
	"github.com/shpitdev/soldcomp/internal/report"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCmd(c *cli) *cobra.Command {
	var noProgress bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run or resume a batch",
		Long: `Run processes every record without a checkpointed outcome, then writes the merged
results. Interrupting a run (Ctrl-C) finishes the record in flight, flushes the
checkpoint and writes the outputs; the next run resumes from there.

An expired marketplace session halts the batch the same way. Refresh the cookie
file and run again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := requireInput(cfg); err != nil {
				return err
			}
			logger, err := c.logger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
			}()

			ctx := cmd.Context()
			deps := app.Deps{Logger: logger}
			if !noProgress && !cfg.Log.JSON {
				deps.Progress = c.stderr
			}
			if cfg.Metrics.Addr != "" {
				deps.Metrics = metrics.New()
				stopMetrics := serveMetrics(ctx, deps.Metrics, cfg.Metrics.Addr, logger)
				defer stopMetrics()
			}

			sum, runErr := app.Run(ctx, cfg, deps)
			if sum.RunID != "" {
				table, err := report.RenderTable(sum)
				if err != nil {
					return errors.CombineErrors(runErr, err)
				}
				_, _ = fmt.Fprintln(c.stdout, table)
				_, _ = fmt.Fprintf(c.stdout, "results: %s\n", sum.Files.Results)
			}
			if errors.Is(runErr, app.ErrInputChanged) {
				return asUsage(runErr)
			}
			return runErr
		},
	}
	addInputFlags(cmd.Flags())
	cmd.Flags().String("output-dir", "", "Directory for results, summary and the default checkpoint")
	cmd.Flags().String("cookies", "", "Cookie file exported from a signed-in browser (JSON or Netscape format)")
	cmd.Flags().String("base-url", "", "Marketplace base URL")
	cmd.Flags().String("checkpoint", "", "Checkpoint path (default <output-dir>/checkpoint.json or .db)")
	cmd.Flags().String("backend", "", "Checkpoint backend: file or sqlite")
	cmd.Flags().Bool("retry-failed", false, "Search again for records that failed on the marketplace in a previous run")
	cmd.Flags().Bool("xlsx", false, "Also write an XLSX workbook")
	cmd.Flags().String("metrics-addr", "", "Serve /metrics and /healthz on this address while running")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable the progress bar")
	return cmd
}

// serveMetrics runs the metrics endpoint until the returned stop func is called.
func serveMetrics(ctx context.Context, m *metrics.Metrics, addr string, logger *zap.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := m.Serve(ctx, addr, logger); err != nil {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
