package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sqew/sqew/internal/registry"
)

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "manage queues",
	}
	cmd.AddCommand(
		queueListCmd(),
		queueAddCmd(),
		queueShowCmd(),
		queueRmCmd(),
		queuePurgeCmd(),
		queuePeekCmd(),
		queueCompactCmd(),
	)
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func queueListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list all queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openLocalServices()
			if err != nil {
				return err
			}
			defer svc.Close()

			queues, err := svc.registry.List(cmd.Context())
			if err != nil {
				return err
			}
			if queues == nil {
				queues = []registry.Queue{}
			}
			return printJSON(queues)
		},
	}
}

func queueAddCmd() *cobra.Command {
	var maxAttempts int
	var visibilityMs int
	c := &cobra.Command{
		Use:   "add <name>",
		Short: "create a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openLocalServices()
			if err != nil {
				return err
			}
			defer svc.Close()

			var ma, vis *int
			if cmd.Flags().Changed("max-attempts") {
				ma = &maxAttempts
			}
			if cmd.Flags().Changed("visibility-ms") {
				vis = &visibilityMs
			}

			q, err := svc.registry.Create(cmd.Context(), args[0], ma, vis)
			if err != nil {
				return err
			}
			return printJSON(q)
		},
	}
	c.Flags().IntVar(&maxAttempts, "max-attempts", 5, "maximum delivery attempts before drop")
	c.Flags().IntVar(&visibilityMs, "visibility-ms", 30000, "default lease visibility in milliseconds")
	return c
}

func queueShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "show a queue's configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openLocalServices()
			if err != nil {
				return err
			}
			defer svc.Close()

			q, err := svc.registry.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(q)
		},
	}
}

func queueRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "delete a queue and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openLocalServices()
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.registry.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func queuePurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <name>",
		Short: "delete all messages in a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openLocalServices()
			if err != nil {
				return err
			}
			defer svc.Close()

			n, err := svc.registry.Purge(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(map[string]int64{"deleted": n})
		},
	}
}

func queuePeekCmd() *cobra.Command {
	var limit int
	c := &cobra.Command{
		Use:   "peek <name>",
		Short: "view ready messages without leasing them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openLocalServices()
			if err != nil {
				return err
			}
			defer svc.Close()

			msgs, err := svc.engine.Peek(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return printJSON(msgs)
		},
	}
	c.Flags().IntVar(&limit, "limit", 10, "maximum number of messages to return")
	return c
}

func queueCompactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact <name>",
		Short: "trigger advisory storage compaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openLocalServices()
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.registry.Compact(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}
