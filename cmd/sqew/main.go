package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sqew/sqew/internal/apperr"
)

var dbPath string
var busyTimeoutMs int

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:     "sqew",
		Short:   "sqew - a single-node embeddable message queue",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVar(&dbPath, "db-path", "sqew.db", "path to the sqew database file")
	rootCmd.PersistentFlags().IntVar(&busyTimeoutMs, "busy-timeout-ms", 5000, "storage busy-timeout in milliseconds")

	rootCmd.AddCommand(
		serveCmd(),
		queueCmd(),
		messageCmd(),
		statsCmd(),
		healthCmd(),
		metricsCmd(),
	)

	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	if err := rootCmd.Execute(); err != nil {
		if ae, ok := err.(*apperr.Error); ok {
			fmt.Fprintf(os.Stderr, "%s: %s\n", ae.Kind, ae.Detail)
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}
