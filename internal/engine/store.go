package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sqew/sqew/internal/apperr"
	"github.com/sqew/sqew/internal/store"
)

// Store provides the engine's raw database operations. All methods
// that mutate state take an already-open write transaction so callers
// can compose multiple statements (e.g. nack's check-then-update) into
// one atomic unit, per spec.md §5's "small, bounded number of storage
// calls" guidance.
type Store struct {
	db *store.Store
}

// NewStore creates an engine Store backed by db.
func NewStore(db *store.Store) *Store {
	return &Store{db: db}
}

// FindIdempotent returns the id of an existing row for (queueID, key),
// or sql.ErrNoRows if none exists.
func (s *Store) FindIdempotent(ctx context.Context, tx *store.Tx, queueID int64, key string) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx,
		`SELECT id FROM message WHERE queue_id = ? AND idempotency_key = ?`,
		queueID, key,
	).Scan(&id)
	return id, err
}

// Insert inserts a new message row and returns its id.
func (s *Store) Insert(ctx context.Context, tx *store.Tx, m Message) (int64, error) {
	res, err := tx.Exec(ctx,
		`INSERT INTO message
			(queue_id, payload_json, priority, idempotency_key, attempts,
			 available_at, created_at, expires_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		m.QueueID, []byte(m.PayloadJSON), m.Priority, m.IdempotencyKey,
		m.AvailableAt, m.CreatedAt, m.ExpiresAt,
	)
	if err != nil {
		return 0, fmt.Errorf("engine: inserting message: %w", err)
	}
	return res.LastInsertId()
}

// ClaimCandidates selects up to `batch` ready message ids for queueID,
// ordered per spec.md §4.2.2: (priority DESC, available_at ASC, id ASC).
func (s *Store) ClaimCandidates(ctx context.Context, tx *store.Tx, queueID int64, nowMs int64, batch int) ([]int64, error) {
	rows, err := tx.Query(ctx, `
		SELECT id FROM message
		WHERE queue_id = ?
		  AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
		  AND available_at <= ?
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY priority DESC, available_at ASC, id ASC
		LIMIT ?`,
		queueID, nowMs, nowMs, nowMs, batch,
	)
	if err != nil {
		return nil, fmt.Errorf("engine: selecting lease candidates: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("engine: scanning candidate id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimOne marks a single candidate row as leased and returns its
// payload/attempts for the response, re-checking readiness inline so
// a row that somehow changed between select and update is skipped
// rather than double-claimed.
func (s *Store) ClaimOne(ctx context.Context, tx *store.Tx, id int64, nowMs int64, token, consumerTag string, leaseExpiresAt int64) (LeasedMessage, bool, error) {
	row := tx.QueryRow(ctx, `
		UPDATE message
		SET leased_by = ?, lease_token = ?, lease_expires_at = ?
		WHERE id = ?
		  AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
		  AND available_at <= ?
		  AND (expires_at IS NULL OR expires_at > ?)
		RETURNING id, payload_json, attempts`,
		consumerTag, token, leaseExpiresAt, id, nowMs, nowMs, nowMs,
	)

	var lm LeasedMessage
	var payload []byte
	err := row.Scan(&lm.ID, &payload, &lm.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return LeasedMessage{}, false, nil
	}
	if err != nil {
		return LeasedMessage{}, false, fmt.Errorf("engine: claiming message %d: %w", id, err)
	}
	lm.Payload = json.RawMessage(payload)
	lm.Token = token
	lm.LeaseExpiresAt = leaseExpiresAt
	return lm, true, nil
}

// leaseRow is the subset of a message row needed to fence ack/nack/extend.
type leaseRow struct {
	attempts       int
	leaseToken     *string
	leaseExpiresAt *int64
}

func (s *Store) getLeaseRow(ctx context.Context, tx *store.Tx, queueID, id int64) (leaseRow, bool, error) {
	var lr leaseRow
	err := tx.QueryRow(ctx,
		`SELECT attempts, lease_token, lease_expires_at FROM message WHERE id = ? AND queue_id = ?`,
		id, queueID,
	).Scan(&lr.attempts, &lr.leaseToken, &lr.leaseExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return leaseRow{}, false, nil
	}
	if err != nil {
		return leaseRow{}, false, fmt.Errorf("engine: reading message %d: %w", id, err)
	}
	return lr, true, nil
}

func fences(lr leaseRow, token string, nowMs int64) bool {
	if lr.leaseToken == nil || lr.leaseExpiresAt == nil {
		return false
	}
	return *lr.leaseToken == token && *lr.leaseExpiresAt > nowMs
}

// ExtendLeaseRow performs the single fenced update described in
// spec.md §4.2.3 and returns the new lease_expires_at.
func (s *Store) ExtendLeaseRow(ctx context.Context, tx *store.Tx, queueID, id int64, token string, nowMs, extendMs int64) (int64, bool, error) {
	lr, ok, err := s.getLeaseRow(ctx, tx, queueID, id)
	if err != nil {
		return 0, false, err
	}
	if !ok || !fences(lr, token, nowMs) {
		return 0, false, nil
	}

	base := *lr.leaseExpiresAt
	if nowMs > base {
		base = nowMs
	}
	newExpiry := base + extendMs

	if _, err := tx.Exec(ctx, `UPDATE message SET lease_expires_at = ? WHERE id = ? AND queue_id = ?`, newExpiry, id, queueID); err != nil {
		return 0, false, fmt.Errorf("engine: extending lease on message %d: %w", id, err)
	}
	return newExpiry, true, nil
}

// AckRow performs the fenced delete described in spec.md §4.2.4.
func (s *Store) AckRow(ctx context.Context, tx *store.Tx, queueID, id int64, token string, nowMs int64) (Outcome, error) {
	lr, ok, err := s.getLeaseRow(ctx, tx, queueID, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return OutcomeNotLeased, nil
	}
	if lr.leaseToken == nil {
		return OutcomeNotLeased, nil
	}
	if !fences(lr, token, nowMs) {
		return OutcomeFenced, nil
	}
	if _, err := tx.Exec(ctx, `DELETE FROM message WHERE id = ? AND queue_id = ?`, id, queueID); err != nil {
		return "", fmt.Errorf("engine: acking message %d: %w", id, err)
	}
	return OutcomeAcked, nil
}

// NackRow performs the fenced reschedule-or-drop described in spec.md
// §4.2.5. maxAttempts and dlqID come from the resolved queue.
func (s *Store) NackRow(ctx context.Context, tx *store.Tx, queueID, id int64, token string, nowMs int64, maxAttempts int, dlqID *int64, effectiveDelay func(attempts int) int64) (Outcome, error) {
	lr, ok, err := s.getLeaseRow(ctx, tx, queueID, id)
	if err != nil {
		return "", err
	}
	if !ok || lr.leaseToken == nil {
		return OutcomeNotLeased, nil
	}
	if !fences(lr, token, nowMs) {
		return OutcomeFenced, nil
	}

	newAttempts := lr.attempts + 1

	if newAttempts >= maxAttempts {
		if dlqID != nil {
			if err := s.routeToDLQ(ctx, tx, id, *dlqID, nowMs); err != nil {
				return "", err
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM message WHERE id = ? AND queue_id = ?`, id, queueID); err != nil {
			return "", fmt.Errorf("engine: dropping message %d: %w", id, err)
		}
		return OutcomeDropped, nil
	}

	delay := effectiveDelay(newAttempts)
	availableAt := nowMs + delay

	_, err = tx.Exec(ctx, `
		UPDATE message
		SET attempts = ?, available_at = ?, lease_token = NULL, lease_expires_at = NULL, leased_by = NULL
		WHERE id = ? AND queue_id = ?`,
		newAttempts, availableAt, id, queueID,
	)
	if err != nil {
		return "", fmt.Errorf("engine: rescheduling message %d: %w", id, err)
	}
	return OutcomeRescheduled, nil
}

// routeToDLQ copies a dropped message into its queue's designated DLQ
// queue (spec.md §9, optional extension), leaving attempts reset to 0.
func (s *Store) routeToDLQ(ctx context.Context, tx *store.Tx, id, dlqID int64, nowMs int64) error {
	var payload []byte
	var priority int
	err := tx.QueryRow(ctx, `SELECT payload_json, priority FROM message WHERE id = ?`, id).Scan(&payload, &priority)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("engine: reading message %d for DLQ routing: %w", id, err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO message (queue_id, payload_json, priority, attempts, available_at, created_at)
		 VALUES (?, ?, ?, 0, ?, ?)`,
		dlqID, payload, priority, nowMs, nowMs,
	)
	if err != nil {
		return fmt.Errorf("engine: routing message %d to DLQ %d: %w", id, dlqID, err)
	}
	return nil
}

// Peek returns up to limit ready rows without altering lease state
// (spec.md §4.2.6), using the reader pool since it never mutates.
func (s *Store) Peek(ctx context.Context, queueID int64, nowMs int64, limit int) ([]Message, error) {
	rows, err := s.db.ReadDB().QueryContext(ctx, `
		SELECT id, queue_id, payload_json, priority, idempotency_key, attempts,
		       available_at, lease_token, lease_expires_at, leased_by, created_at, expires_at
		FROM message
		WHERE queue_id = ?
		  AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
		  AND available_at <= ?
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY priority DESC, available_at ASC, id ASC
		LIMIT ?`,
		queueID, nowMs, nowMs, nowMs, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("engine: peeking queue %d: %w", queueID, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetByID returns one row regardless of state (spec.md §4.2.6).
func (s *Store) GetByID(ctx context.Context, queueID, id int64) (Message, error) {
	row := s.db.ReadDB().QueryRowContext(ctx, `
		SELECT id, queue_id, payload_json, priority, idempotency_key, attempts,
		       available_at, lease_token, lease_expires_at, leased_by, created_at, expires_at
		FROM message WHERE id = ? AND queue_id = ?`,
		id, queueID,
	)
	var m Message
	var payload []byte
	err := row.Scan(&m.ID, &m.QueueID, &payload, &m.Priority, &m.IdempotencyKey, &m.Attempts,
		&m.AvailableAt, &m.LeaseToken, &m.LeaseExpiresAt, &m.LeasedBy, &m.CreatedAt, &m.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, apperr.New(apperr.NotFound, fmt.Sprintf("message %d not found", id))
	}
	if err != nil {
		return Message{}, apperr.Wrap(apperr.Storage, "getting message", err)
	}
	m.PayloadJSON = json.RawMessage(payload)
	return m, nil
}

// Remove unconditionally deletes a message (admin action; spec.md §4.2.6).
func (s *Store) Remove(ctx context.Context, tx *store.Tx, queueID, id int64) error {
	res, err := tx.Exec(ctx, `DELETE FROM message WHERE id = ? AND queue_id = ?`, id, queueID)
	if err != nil {
		return fmt.Errorf("engine: removing message %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("engine: reading rows affected: %w", err)
	}
	if n == 0 {
		return apperr.New(apperr.NotFound, fmt.Sprintf("message %d not found", id))
	}
	return nil
}

// ExpireTTL deletes all rows whose expires_at has elapsed, across all
// queues; used by the reaper (spec.md §4.3). Returns rows deleted
// grouped by queue_id for metrics.
func (s *Store) ExpireTTL(ctx context.Context, tx *store.Tx, nowMs int64) (map[int64]int64, error) {
	rows, err := tx.Query(ctx, `SELECT queue_id, COUNT(*) FROM message WHERE expires_at IS NOT NULL AND expires_at <= ? GROUP BY queue_id`, nowMs)
	if err != nil {
		return nil, fmt.Errorf("engine: counting expired messages: %w", err)
	}
	counts := make(map[int64]int64)
	for rows.Next() {
		var qid, n int64
		if err := rows.Scan(&qid, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("engine: scanning expired count: %w", err)
		}
		counts[qid] = n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if _, err := tx.Exec(ctx, `DELETE FROM message WHERE expires_at IS NOT NULL AND expires_at <= ?`, nowMs); err != nil {
		return nil, fmt.Errorf("engine: reaping expired messages: %w", err)
	}
	return counts, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var payload []byte
		if err := rows.Scan(&m.ID, &m.QueueID, &payload, &m.Priority, &m.IdempotencyKey, &m.Attempts,
			&m.AvailableAt, &m.LeaseToken, &m.LeaseExpiresAt, &m.LeasedBy, &m.CreatedAt, &m.ExpiresAt); err != nil {
			return nil, fmt.Errorf("engine: scanning message row: %w", err)
		}
		m.PayloadJSON = json.RawMessage(payload)
		out = append(out, m)
	}
	return out, rows.Err()
}
