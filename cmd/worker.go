package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scamhunter/internal/observability"
	"github.com/xkilldash9x/scamhunter/internal/service"
)

// newWorkerCmd creates the `worker` command: lease and run jobs until interrupted.
func newWorkerCmd() *cobra.Command {
	var concurrency int

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run job worker loops until interrupted",
		Long: `Runs worker.concurrency independent loops against the job queue. Each loop
leases one job at a time, dispatches it by type and fires scheduled hunts and
automations. Run more processes to scale out.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			if concurrency > 0 {
				cfg.SetWorkerConcurrency(concurrency)
			}

			return withComponents(cmd, func(ctx context.Context, c *service.Components) error {
				logger := observability.GetLogger()
				if _, err := service.StartWorkers(ctx, c, logger); err != nil {
					return err
				}
				logger.Info("Worker running. Press Ctrl+C to stop.", zap.Int("concurrency", cfg.Worker().Concurrency))
				fmt.Fprintf(cmd.OutOrStdout(), "worker started with %d loop(s)\n", cfg.Worker().Concurrency)

				<-ctx.Done()
				logger.Info("Shutdown signal received, draining worker loops.")
				return nil
			})
		},
	}

	workerCmd.Flags().IntVarP(&concurrency, "concurrency", "j", 0, "Number of worker loops. (Overrides config/env)")
	return workerCmd
}
