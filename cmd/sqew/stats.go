package main

import (
	"github.com/spf13/cobra"
)

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <queue>",
		Short: "show ready/leased/total counts for a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openLocalServices()
			if err != nil {
				return err
			}
			defer svc.Close()

			st, err := svc.registry.Stats(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
}
