package main

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/sqew/sqew/internal/apperr"
)

var serverAddr string

func addServerAddrFlag(c *cobra.Command) {
	c.Flags().StringVar(&serverAddr, "addr", "localhost:8089", "address of a running sqew serve instance")
}

func fetch(client *http.Client, url string) (int, []byte, error) {
	resp, err := client.Get(url)
	if err != nil {
		return 0, nil, apperr.Wrap(apperr.Storage, "contacting sqew server", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, apperr.Wrap(apperr.Storage, "reading sqew server response", err)
	}
	return resp.StatusCode, body, nil
}

func healthCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "health",
		Short: "check a running sqew server's health",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 5 * time.Second}
			status, body, err := fetch(client, fmt.Sprintf("http://%s/health", serverAddr))
			if err != nil {
				return err
			}
			fmt.Println(string(body))
			if status != http.StatusOK {
				return apperr.New(apperr.Storage, fmt.Sprintf("health check returned status %d", status))
			}
			return nil
		},
	}
	addServerAddrFlag(c)
	return c
}
