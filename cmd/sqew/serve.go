package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sqew/sqew/internal/app"
	"github.com/sqew/sqew/internal/config"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the sqew HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("db-path") {
				cfg.DBPath = dbPath
			}
			if cmd.Flags().Changed("busy-timeout-ms") {
				cfg.BusyTimeoutMs = busyTimeoutMs
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return app.Run(ctx, cfg)
		},
	}
}
