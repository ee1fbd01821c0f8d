package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/sqew/sqew/internal/apperr"
)

func metricsCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "metrics",
		Short: "fetch Prometheus metrics from a running sqew server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 5 * time.Second}
			status, body, err := fetch(client, fmt.Sprintf("http://%s/metrics", serverAddr))
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return apperr.New(apperr.Storage, fmt.Sprintf("metrics request returned status %d", status))
			}
			fmt.Print(string(body))
			return nil
		},
	}
	addServerAddrFlag(c)
	return c
}
