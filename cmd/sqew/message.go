package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sqew/sqew/internal/engine"
)

func messageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "enqueue, lease, and complete messages",
	}
	cmd.AddCommand(
		messageEnqueueCmd(),
		messagePollCmd(),
		messageAckCmd(),
		messageNackCmd(),
		messageRemoveCmd(),
		messagePeekCmd(),
		messagePeekIDCmd(),
		messageExtendLeaseCmd(),
	)
	return cmd
}

func messageEnqueueCmd() *cobra.Command {
	var priority int
	var delayMs int64
	var ttlMs int64
	var idempotencyKey string
	c := &cobra.Command{
		Use:   "enqueue <queue> <payload-json>",
		Short: "enqueue a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openLocalServices()
			if err != nil {
				return err
			}
			defer svc.Close()

			payload := json.RawMessage(args[1])
			if !json.Valid(payload) {
				return fmt.Errorf("payload is not valid JSON: %s", args[1])
			}

			in := engine.EnqueueInput{
				QueueName: args[0],
				Payload:   payload,
				DelayMs:   delayMs,
				Priority:  priority,
			}
			if cmd.Flags().Changed("ttl-ms") {
				in.TTLMs = &ttlMs
			}
			if cmd.Flags().Changed("idempotency-key") {
				in.IdempotencyKey = &idempotencyKey
			}

			res, err := svc.engine.Enqueue(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	c.Flags().IntVar(&priority, "priority", 0, "delivery priority, higher is earlier")
	c.Flags().Int64Var(&delayMs, "delay-ms", 0, "delay before the message becomes ready")
	c.Flags().Int64Var(&ttlMs, "ttl-ms", 0, "time-to-live in milliseconds")
	c.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "deduplication key")
	return c
}

func messagePollCmd() *cobra.Command {
	var batch int
	var visibilityMs int64
	var waitMs int64
	c := &cobra.Command{
		Use:   "poll <queue>",
		Short: "lease up to batch ready messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openLocalServices()
			if err != nil {
				return err
			}
			defer svc.Close()

			var vis *int64
			if cmd.Flags().Changed("visibility-ms") {
				vis = &visibilityMs
			}

			var msgs []engine.LeasedMessage
			if waitMs > 0 {
				msgs, err = svc.engine.LeaseWaiting(cmd.Context(), args[0], batch, vis, waitMs)
			} else {
				msgs, err = svc.engine.Lease(cmd.Context(), args[0], batch, vis)
			}
			if err != nil {
				return err
			}
			if msgs == nil {
				msgs = []engine.LeasedMessage{}
			}
			return printJSON(msgs)
		},
	}
	c.Flags().IntVar(&batch, "batch", 1, "maximum number of messages to lease")
	c.Flags().Int64Var(&visibilityMs, "visibility-ms", 0, "override the queue's default visibility")
	c.Flags().Int64Var(&waitMs, "wait-ms", 0, "long-poll wait in milliseconds")
	return c
}

func parseItems(raw []string) ([]engine.AckItem, error) {
	items := make([]engine.AckItem, 0, len(raw))
	for _, r := range raw {
		id, tok, ok := splitIDToken(r)
		if !ok {
			return nil, fmt.Errorf("invalid item %q, expected id:token", r)
		}
		items = append(items, engine.AckItem{ID: id, Token: tok})
	}
	return items, nil
}

func splitIDToken(s string) (int64, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			id, err := strconv.ParseInt(s[:i], 10, 64)
			if err != nil {
				return 0, "", false
			}
			return id, s[i+1:], true
		}
	}
	return 0, "", false
}

func messageAckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ack <queue> <id:token>...",
		Short: "acknowledge leased messages",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openLocalServices()
			if err != nil {
				return err
			}
			defer svc.Close()

			items, err := parseItems(args[1:])
			if err != nil {
				return err
			}
			results, err := svc.engine.Ack(cmd.Context(), args[0], items)
			if err != nil {
				return err
			}
			return printJSON(results)
		},
	}
}

func messageNackCmd() *cobra.Command {
	var delayMs int64
	c := &cobra.Command{
		Use:   "nack <queue> <id:token>...",
		Short: "negatively acknowledge leased messages",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openLocalServices()
			if err != nil {
				return err
			}
			defer svc.Close()

			nackItems := make([]engine.NackItem, 0, len(args)-1)
			for _, r := range args[1:] {
				id, tok, ok := splitIDToken(r)
				if !ok {
					return fmt.Errorf("invalid item %q, expected id:token", r)
				}
				nackItems = append(nackItems, engine.NackItem{ID: id, Token: tok})
			}

			var delay *int64
			if cmd.Flags().Changed("delay-ms") {
				delay = &delayMs
			}

			results, err := svc.engine.Nack(cmd.Context(), args[0], nackItems, delay)
			if err != nil {
				return err
			}
			return printJSON(results)
		},
	}
	c.Flags().Int64Var(&delayMs, "delay-ms", 0, "minimum redelivery delay")
	return c
}

func messageRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <queue> <id>",
		Short: "unconditionally delete a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openLocalServices()
			if err != nil {
				return err
			}
			defer svc.Close()

			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", args[1], err)
			}
			if err := svc.engine.Remove(cmd.Context(), args[0], id); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func messagePeekCmd() *cobra.Command {
	var limit int
	c := &cobra.Command{
		Use:   "peek <queue>",
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

func messagePeekIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peek-id <queue> <id>",
		Short: "view a single message by id regardless of lease state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openLocalServices()
			if err != nil {
				return err
			}
			defer svc.Close()

			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", args[1], err)
			}
			m, err := svc.engine.GetByID(cmd.Context(), args[0], id)
			if err != nil {
				return err
			}
			return printJSON(m)
		},
	}
}

func messageExtendLeaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extend-lease <queue> <id> <token> <extend-ms>",
		Short: "extend a held lease's expiry",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openLocalServices()
			if err != nil {
				return err
			}
			defer svc.Close()

			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", args[1], err)
			}
			extendMs, err := strconv.ParseInt(args[3], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid extend-ms %q: %w", args[3], err)
			}

			newExpiry, err := svc.engine.ExtendLease(cmd.Context(), args[0], id, args[2], extendMs)
			if err != nil {
				return err
			}
			return printJSON(map[string]int64{"lease_expires_at": newExpiry})
		},
	}
}
