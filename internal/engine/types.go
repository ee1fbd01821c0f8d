// Package engine implements sqew's message-lifecycle engine (spec.md
// §4.2): enqueue with idempotency and delay, atomic-batch lease,
// extend-lease, ack, nack with backoff or drop, peek, remove, and the
// TTL sweep. Queue stats and purge live in the registry package. This
// is the hard part of sqew — the atomic lease protocol and the
// lease-fencing ack/nack contract.
package engine

import "encoding/json"

// Message mirrors the persisted message row (spec.md §3).
type Message struct {
	ID             int64
	QueueID        int64
	PayloadJSON    json.RawMessage
	Priority       int
	IdempotencyKey *string
	Attempts       int
	AvailableAt    int64
	LeaseToken     *string
	LeaseExpiresAt *int64
	LeasedBy       *string
	CreatedAt      int64
	ExpiresAt      *int64
}

// EnqueueInput holds the parameters of spec.md §4.2.1.
type EnqueueInput struct {
	QueueName      string
	Payload        json.RawMessage
	DelayMs        int64
	Priority       int
	IdempotencyKey *string
	TTLMs          *int64
}

// EnqueueResult is returned by Enqueue.
type EnqueueResult struct {
	ID           int64
	Deduplicated bool
}

// LeasedMessage is one row returned by a successful lease claim
// (spec.md §4.2.2).
type LeasedMessage struct {
	ID             int64
	Payload        json.RawMessage
	Attempts       int
	Token          string
	LeaseExpiresAt int64
}

// AckItem is one {id, token} pair in a bulk ack request.
type AckItem struct {
	ID    int64
	Token string
}

// Outcome is the per-item result of an ack or nack call.
type Outcome string

const (
	OutcomeAcked       Outcome = "acked"
	OutcomeNotLeased   Outcome = "not_leased"
	OutcomeFenced      Outcome = "fenced"
	OutcomeRescheduled Outcome = "rescheduled"
	OutcomeDropped     Outcome = "dropped"
)

// AckResult is the outcome of one ack item.
type AckResult struct {
	ID      int64   `json:"id"`
	Outcome Outcome `json:"outcome"`
}

// NackItem is one {id, token} pair in a bulk nack request.
type NackItem struct {
	ID    int64
	Token string
}

// NackResult is the outcome of one nack item.
type NackResult struct {
	ID      int64   `json:"id"`
	Outcome Outcome `json:"outcome"`
}
