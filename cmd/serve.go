package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scamhunter/internal/api"
	"github.com/xkilldash9x/scamhunter/internal/observability"
	"github.com/xkilldash9x/scamhunter/internal/service"
)

// newServeCmd creates the `serve` command, which runs the HTTP API and optionally
// worker loops in the same process.
func newServeCmd() *cobra.Command {
	var (
		listenAddr string
		withWorker bool
	)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.SetAPIListenAddr(listenAddr)
			}

			return withComponents(cmd, func(ctx context.Context, c *service.Components) error {
				logger := observability.GetLogger()
				if withWorker {
					if _, err := service.StartWorkers(ctx, c, logger); err != nil {
						return err
					}
					logger.Info("Embedded worker loops started", zap.Int("concurrency", cfg.Worker().Concurrency))
				}

				srv, err := api.NewServer(cfg.API(), apiDeps(c), logger)
				if err != nil {
					return err
				}
				if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}

	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address, e.g. :8000. (Overrides config/env)")
	serveCmd.Flags().BoolVar(&withWorker, "with-worker", false, "Also run worker loops in this process.")
	return serveCmd
}

func apiDeps(c *service.Components) api.Deps {
	return api.Deps{
		Store:       c.Store,
		Hunts:       c.Hunts,
		Automations: c.Automations,
		Settings:    c.Settings,
		Exporter:    c.Exporter,
		TAXII:       c.TAXII,
		Search:      c.Providers,
	}
}
