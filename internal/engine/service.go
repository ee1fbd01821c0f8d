package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sqew/sqew/internal/apperr"
	"github.com/sqew/sqew/internal/clock"
	"github.com/sqew/sqew/internal/registry"
	"github.com/sqew/sqew/internal/telemetry"
	"github.com/sqew/sqew/internal/token"
)

const (
	minBatch = 1
	maxBatch = 256

	// backoffBaseMs and backoffJitterMs implement spec.md §4.2.5's nack
	// schedule: base * 2^attempts, plus up to 1s of jitter, clamped
	// against any delay_ms the caller asked for.
	backoffBaseMs   = 1000
	backoffJitterMs = 1000
)

// Service is the message-lifecycle business-logic layer: it resolves
// queue configuration via the registry, generates lease tokens,
// enforces batch/size limits, and wakes long-pollers after mutations
// that make new messages ready (spec.md §4.2).
type Service struct {
	store    *Store
	registry *registry.Service
	clock    clock.Clock
	notify   *notifier

	maxPayloadBytes int

	// stressEnqueueDelay and stressRandomBusy are load-test knobs
	// (SQEW_STRESS_ENQUEUE_DELAY_MS, SQEW_STRESS_RANDOM_BUSY, spec.md
	// §6 Environment); zero/false in production.
	stressEnqueueDelay time.Duration
	stressRandomBusy   bool
}

// NewService creates an engine Service.
func NewService(store *Store, reg *registry.Service, c clock.Clock, maxPayloadBytes int) *Service {
	return &Service{
		store:           store,
		registry:        reg,
		clock:           c,
		notify:          newNotifier(),
		maxPayloadBytes: maxPayloadBytes,
	}
}

// SetStress configures the load-test knobs: an artificial delay
// applied before every enqueue, and a chance of rejecting an enqueue
// with Overload to simulate a saturated writer. Both default off.
func (s *Service) SetStress(enqueueDelay time.Duration, randomBusy bool) {
	s.stressEnqueueDelay = enqueueDelay
	s.stressRandomBusy = randomBusy
}

func clampBatch(n int) int {
	if n < minBatch {
		return minBatch
	}
	if n > maxBatch {
		return maxBatch
	}
	return n
}

// Enqueue validates and inserts a message, deduplicating on
// (queue, idempotency_key) when a key is supplied (spec.md §4.2.1,
// P4).
func (s *Service) Enqueue(ctx context.Context, in EnqueueInput) (EnqueueResult, error) {
	if s.stressEnqueueDelay > 0 {
		select {
		case <-time.After(s.stressEnqueueDelay):
		case <-ctx.Done():
			return EnqueueResult{}, ctx.Err()
		}
	}
	if s.stressRandomBusy && rand.Intn(10) == 0 {
		return EnqueueResult{}, apperr.New(apperr.Overload, "stress: simulated writer contention")
	}
	if len(in.Payload) > s.maxPayloadBytes {
		return EnqueueResult{}, apperr.New(apperr.PayloadTooLarge,
			fmt.Sprintf("payload of %d bytes exceeds limit of %d", len(in.Payload), s.maxPayloadBytes))
	}
	if !json.Valid(in.Payload) {
		return EnqueueResult{}, apperr.New(apperr.InvalidArg, "payload must be valid JSON")
	}
	if in.DelayMs < 0 {
		return EnqueueResult{}, apperr.New(apperr.InvalidArg, "delay_ms must be >= 0")
	}
	if in.TTLMs != nil && *in.TTLMs <= 0 {
		return EnqueueResult{}, apperr.New(apperr.InvalidArg, "ttl_ms must be > 0 when set")
	}

	q, err := s.registry.Get(ctx, in.QueueName)
	if err != nil {
		return EnqueueResult{}, err
	}

	now := s.clock.NowMs()
	m := Message{
		QueueID:        q.ID,
		PayloadJSON:    in.Payload,
		Priority:       in.Priority,
		IdempotencyKey: in.IdempotencyKey,
		AvailableAt:    now + in.DelayMs,
		CreatedAt:      now,
	}
	if in.TTLMs != nil {
		expiresAt := now + *in.TTLMs
		m.ExpiresAt = &expiresAt
	}

	tx, err := s.store.db.BeginWrite(ctx)
	if err != nil {
		return EnqueueResult{}, apperr.Wrap(apperr.Storage, "beginning enqueue transaction", err)
	}
	defer tx.Rollback()

	if in.IdempotencyKey != nil {
		id, ferr := s.store.FindIdempotent(ctx, tx, q.ID, *in.IdempotencyKey)
		switch {
		case ferr == nil:
			telemetry.MessagesDeduplicatedTotal.WithLabelValues(in.QueueName).Inc()
			return EnqueueResult{ID: id, Deduplicated: true}, nil
		case errors.Is(ferr, sql.ErrNoRows):
			// no existing row for this key; fall through to insert.
		default:
			return EnqueueResult{}, apperr.Wrap(apperr.Storage, "checking idempotency key", ferr)
		}
	}

	id, err := s.store.Insert(ctx, tx, m)
	if err != nil {
		return EnqueueResult{}, apperr.Wrap(apperr.Storage, "enqueueing message", err)
	}
	if err := tx.Commit(); err != nil {
		return EnqueueResult{}, apperr.Wrap(apperr.Storage, "committing enqueue", err)
	}

	telemetry.MessagesEnqueuedTotal.WithLabelValues(in.QueueName).Inc()
	s.notify.broadcast(in.QueueName)
	return EnqueueResult{ID: id}, nil
}

// Lease atomically claims up to batch ready messages for queueName,
// each with its own fresh lease token (spec.md §4.2.2, I2, I5).
func (s *Service) Lease(ctx context.Context, queueName string, batch int, visibilityOverrideMs *int64) ([]LeasedMessage, error) {
	q, err := s.registry.Get(ctx, queueName)
	if err != nil {
		return nil, err
	}
	batch = clampBatch(batch)

	visMs := int64(q.VisibilityMs)
	if visibilityOverrideMs != nil {
		visMs = *visibilityOverrideMs
	}
	if visMs <= 0 {
		return nil, apperr.New(apperr.InvalidArg, "visibility_ms must be > 0")
	}

	now := s.clock.NowMs()

	tx, err := s.store.db.BeginWrite(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "beginning lease transaction", err)
	}
	defer tx.Rollback()

	ids, err := s.store.ClaimCandidates(ctx, tx, q.ID, now, batch)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "selecting lease candidates", err)
	}

	leaseExpiresAt := now + visMs
	var out []LeasedMessage
	for _, id := range ids {
		tok, err := token.New()
		if err != nil {
			return nil, apperr.Wrap(apperr.Storage, "generating lease token", err)
		}
		lm, ok, err := s.store.ClaimOne(ctx, tx, id, now, tok, "", leaseExpiresAt)
		if err != nil {
			return nil, apperr.Wrap(apperr.Storage, "claiming message", err)
		}
		if ok {
			out = append(out, lm)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.Storage, "committing lease transaction", err)
	}

	if len(out) > 0 {
		telemetry.MessagesLeasedTotal.WithLabelValues(queueName).Add(float64(len(out)))
	}
	return out, nil
}

// LeaseWaiting is Lease with spec.md §6's long-poll behavior: if no
// message is immediately ready, it waits on the queue's notifier (or
// a fallback ticker, in case a wake-up is missed) until waitMs
// elapses or ctx is done.
func (s *Service) LeaseWaiting(ctx context.Context, queueName string, batch int, visibilityOverrideMs *int64, waitMs int64) ([]LeasedMessage, error) {
	if waitMs <= 0 {
		return s.Lease(ctx, queueName, batch, visibilityOverrideMs)
	}

	deadline := time.Now().Add(time.Duration(waitMs) * time.Millisecond)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		out, err := s.Lease(ctx, queueName, batch, visibilityOverrideMs)
		if err != nil || len(out) > 0 {
			return out, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		wake := s.notify.wait(queueName)
		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(remaining):
			return s.Lease(ctx, queueName, batch, visibilityOverrideMs)
		case <-ticker.C:
			continue
		case <-wake:
			continue
		}
	}
}

// ExtendLease extends a held lease's expiry, fencing on token+validity
// (spec.md §4.2.3).
func (s *Service) ExtendLease(ctx context.Context, queueName string, id int64, tok string, extendMs int64) (int64, error) {
	q, err := s.registry.Get(ctx, queueName)
	if err != nil {
		return 0, err
	}
	if extendMs <= 0 {
		return 0, apperr.New(apperr.InvalidArg, "extend_ms must be > 0")
	}

	now := s.clock.NowMs()
	tx, err := s.store.db.BeginWrite(ctx)
	if err != nil {
		return 0, apperr.Wrap(apperr.Storage, "beginning extend-lease transaction", err)
	}
	defer tx.Rollback()

	newExpiry, ok, err := s.store.ExtendLeaseRow(ctx, tx, q.ID, id, tok, now, extendMs)
	if err != nil {
		return 0, apperr.Wrap(apperr.Storage, "extending lease", err)
	}
	if !ok {
		return 0, apperr.New(apperr.LeaseLost, "lease not held or expired")
	}
	if err := tx.Commit(); err != nil {
		return 0, apperr.Wrap(apperr.Storage, "committing extend-lease transaction", err)
	}
	return newExpiry, nil
}

// Ack processes a batch of ack items independently within a single
// transaction, each fenced on its own token (spec.md §4.2.4, I5).
func (s *Service) Ack(ctx context.Context, queueName string, items []AckItem) ([]AckResult, error) {
	q, err := s.registry.Get(ctx, queueName)
	if err != nil {
		return nil, err
	}

	now := s.clock.NowMs()
	tx, err := s.store.db.BeginWrite(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "beginning ack transaction", err)
	}
	defer tx.Rollback()

	out := make([]AckResult, 0, len(items))
	fenced := 0
	for _, it := range items {
		outcome, err := s.store.AckRow(ctx, tx, q.ID, it.ID, it.Token, now)
		if err != nil {
			return nil, apperr.Wrap(apperr.Storage, "acking message", err)
		}
		if outcome == OutcomeFenced {
			fenced++
		}
		out = append(out, AckResult{ID: it.ID, Outcome: outcome})
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.Storage, "committing ack transaction", err)
	}

	acked := 0
	for _, r := range out {
		if r.Outcome == OutcomeAcked {
			acked++
		}
	}
	if acked > 0 {
		telemetry.MessagesAckedTotal.WithLabelValues(queueName).Add(float64(acked))
	}
	if fenced > 0 {
		telemetry.MessagesFencedTotal.WithLabelValues(queueName).Add(float64(fenced))
	}
	return out, nil
}

// Nack processes a batch of nack items: each is rescheduled with
// backoff or dropped (optionally to a DLQ) once max_attempts is
// reached (spec.md §4.2.5, I3, I6).
func (s *Service) Nack(ctx context.Context, queueName string, items []NackItem, delayMs *int64) ([]NackResult, error) {
	q, err := s.registry.Get(ctx, queueName)
	if err != nil {
		return nil, err
	}

	now := s.clock.NowMs()
	effectiveDelay := func(attempts int) int64 {
		backoff := int64(backoffBaseMs)<<uint(attempts) + rand.Int63n(backoffJitterMs)
		if delayMs != nil && *delayMs > backoff {
			return *delayMs
		}
		return backoff
	}

	tx, err := s.store.db.BeginWrite(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "beginning nack transaction", err)
	}
	defer tx.Rollback()

	out := make([]NackResult, 0, len(items))
	var rescheduled, dropped, fenced int
	for _, it := range items {
		outcome, err := s.store.NackRow(ctx, tx, q.ID, it.ID, it.Token, now, q.MaxAttempts, q.DLQID, effectiveDelay)
		if err != nil {
			return nil, apperr.Wrap(apperr.Storage, "nacking message", err)
		}
		switch outcome {
		case OutcomeRescheduled:
			rescheduled++
		case OutcomeDropped:
			dropped++
		case OutcomeFenced:
			fenced++
		}
		out = append(out, NackResult{ID: it.ID, Outcome: outcome})
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.Storage, "committing nack transaction", err)
	}

	if rescheduled > 0 {
		telemetry.MessagesNackedTotal.WithLabelValues(queueName, "rescheduled").Add(float64(rescheduled))
		s.notify.broadcast(queueName)
	}
	if dropped > 0 {
		telemetry.MessagesNackedTotal.WithLabelValues(queueName, "dropped").Add(float64(dropped))
	}
	if fenced > 0 {
		telemetry.MessagesFencedTotal.WithLabelValues(queueName).Add(float64(fenced))
	}
	return out, nil
}

// Peek returns up to limit ready messages without altering lease
// state (spec.md §4.2.6).
func (s *Service) Peek(ctx context.Context, queueName string, limit int) ([]Message, error) {
	q, err := s.registry.Get(ctx, queueName)
	if err != nil {
		return nil, err
	}
	limit = clampBatch(limit)
	msgs, err := s.store.Peek(ctx, q.ID, s.clock.NowMs(), limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "peeking queue", err)
	}
	return msgs, nil
}

// GetByID returns a single message regardless of lease state.
func (s *Service) GetByID(ctx context.Context, queueName string, id int64) (Message, error) {
	q, err := s.registry.Get(ctx, queueName)
	if err != nil {
		return Message{}, err
	}
	return s.store.GetByID(ctx, q.ID, id)
}

// Remove deletes a message unconditionally (admin action).
func (s *Service) Remove(ctx context.Context, queueName string, id int64) error {
	q, err := s.registry.Get(ctx, queueName)
	if err != nil {
		return err
	}
	tx, err := s.store.db.BeginWrite(ctx)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "beginning remove transaction", err)
	}
	defer tx.Rollback()

	if err := s.store.Remove(ctx, tx, q.ID, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.Storage, "committing remove transaction", err)
	}
	return nil
}

// ExpireTTL runs one reaper sweep across all queues, deleting rows
// whose TTL has elapsed (spec.md §4.3).
func (s *Service) ExpireTTL(ctx context.Context) (map[int64]int64, error) {
	now := s.clock.NowMs()
	tx, err := s.store.db.BeginWrite(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "beginning reap transaction", err)
	}
	defer tx.Rollback()

	counts, err := s.store.ExpireTTL(ctx, tx, now)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "reaping expired messages", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.Storage, "committing reap transaction", err)
	}
	for qid, n := range counts {
		if n == 0 {
			continue
		}
		name := fmt.Sprintf("queue-%d", qid)
		if q, err := s.registry.GetByID(ctx, qid); err == nil {
			name = q.Name
		}
		telemetry.MessagesExpiredTotal.WithLabelValues(name).Add(float64(n))
	}
	return counts, nil
}
