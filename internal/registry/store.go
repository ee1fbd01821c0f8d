package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/sqew/sqew/internal/apperr"
	"github.com/sqew/sqew/internal/store"
)

// Store provides the registry's raw database operations.
type Store struct {
	db *store.Store
}

// NewStore creates a registry Store backed by db.
func NewStore(db *store.Store) *Store {
	return &Store{db: db}
}

const queueColumns = `id, name, max_attempts, visibility_ms, dlq_id, created_at`

func scanQueue(row interface{ Scan(...any) error }) (Queue, error) {
	var q Queue
	err := row.Scan(&q.ID, &q.Name, &q.MaxAttempts, &q.VisibilityMs, &q.DLQID, &q.CreatedAt)
	return q, err
}

// Create inserts a new queue row. A unique-constraint violation on
// name is surfaced as apperr.AlreadyExists.
func (s *Store) Create(ctx context.Context, name string, maxAttempts, visibilityMs int, createdAt int64) (Queue, error) {
	tx, err := s.db.BeginWrite(ctx)
	if err != nil {
		return Queue{}, apperr.Wrap(apperr.Storage, "beginning create-queue transaction", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(ctx,
		`INSERT INTO queue (name, max_attempts, visibility_ms, created_at) VALUES (?, ?, ?, ?)
		 RETURNING `+queueColumns,
		name, maxAttempts, visibilityMs, createdAt)
	q, err := scanQueue(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Queue{}, apperr.New(apperr.AlreadyExists, fmt.Sprintf("queue %q already exists", name))
		}
		return Queue{}, apperr.Wrap(apperr.Storage, "inserting queue", err)
	}

	if err := tx.Commit(); err != nil {
		return Queue{}, apperr.Wrap(apperr.Storage, "committing create-queue transaction", err)
	}
	return q, nil
}

// Get returns a single queue by name.
func (s *Store) Get(ctx context.Context, name string) (Queue, error) {
	row := s.db.ReadDB().QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queue WHERE name = ?`, name)
	q, err := scanQueue(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Queue{}, apperr.New(apperr.NotFound, fmt.Sprintf("queue %q not found", name))
		}
		return Queue{}, apperr.Wrap(apperr.Storage, "getting queue", err)
	}
	return q, nil
}

// GetByID returns a single queue by id, used to resolve dlq_id targets.
func (s *Store) GetByID(ctx context.Context, id int64) (Queue, error) {
	row := s.db.ReadDB().QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queue WHERE id = ?`, id)
	q, err := scanQueue(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Queue{}, apperr.New(apperr.NotFound, fmt.Sprintf("queue id %d not found", id))
		}
		return Queue{}, apperr.Wrap(apperr.Storage, "getting queue by id", err)
	}
	return q, nil
}

// List returns all queues, unordered (spec.md §4.1).
func (s *Store) List(ctx context.Context) ([]Queue, error) {
	rows, err := s.db.ReadDB().QueryContext(ctx, `SELECT `+queueColumns+` FROM queue`)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "listing queues", err)
	}
	defer rows.Close()

	var out []Queue
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Storage, "scanning queue row", err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Storage, "iterating queue rows", err)
	}
	return out, nil
}

// Delete removes a queue by name. The ON DELETE CASCADE foreign key
// on message.queue_id handles cascading message deletion.
func (s *Store) Delete(ctx context.Context, name string) error {
	tx, err := s.db.BeginWrite(ctx)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "beginning delete-queue transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(ctx, `DELETE FROM queue WHERE name = ?`, name)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "deleting queue", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.Storage, "reading rows affected", err)
	}
	if n == 0 {
		return apperr.New(apperr.NotFound, fmt.Sprintf("queue %q not found", name))
	}
	return tx.Commit()
}

// Purge deletes all messages in the named queue, preserving the
// queue row, and returns the number of rows removed.
func (s *Store) Purge(ctx context.Context, name string) (int64, error) {
	tx, err := s.db.BeginWrite(ctx)
	if err != nil {
		return 0, apperr.Wrap(apperr.Storage, "beginning purge transaction", err)
	}
	defer tx.Rollback()

	var queueID int64
	if err := tx.QueryRow(ctx, `SELECT id FROM queue WHERE name = ?`, name).Scan(&queueID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, apperr.New(apperr.NotFound, fmt.Sprintf("queue %q not found", name))
		}
		return 0, apperr.Wrap(apperr.Storage, "resolving queue id", err)
	}

	res, err := tx.Exec(ctx, `DELETE FROM message WHERE queue_id = ?`, queueID)
	if err != nil {
		return 0, apperr.Wrap(apperr.Storage, "purging messages", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Wrap(apperr.Storage, "reading rows affected", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, apperr.Wrap(apperr.Storage, "committing purge transaction", err)
	}
	return n, nil
}

// Compact runs an advisory storage-level compaction. It is best-effort
// and never required for correctness (spec.md §4.1).
func (s *Store) Compact(ctx context.Context, name string) error {
	if _, err := s.Get(ctx, name); err != nil {
		return err
	}
	if _, err := s.db.ReadDB().ExecContext(ctx, `PRAGMA incremental_vacuum`); err != nil {
		return apperr.Wrap(apperr.Storage, "compacting storage", err)
	}
	return nil
}

// Stats computes ready/leased/total counts and the oldest-available
// age for a queue at the given "now" (epoch ms), per spec.md §4.2.7.
func (s *Store) Stats(ctx context.Context, name string, nowMs int64) (Stats, error) {
	q, err := s.Get(ctx, name)
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	err = s.db.ReadDB().QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (
				WHERE (expires_at IS NULL OR expires_at > ?)
				  AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
				  AND available_at <= ?
			) AS ready,
			COUNT(*) FILTER (WHERE lease_expires_at > ?) AS leased,
			COUNT(*) AS total,
			MIN(available_at) FILTER (
				WHERE (expires_at IS NULL OR expires_at > ?)
				  AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
				  AND available_at <= ?
			) AS oldest_available_at
		FROM message WHERE queue_id = ?`,
		nowMs, nowMs, nowMs, nowMs, nowMs, nowMs, nowMs, q.ID,
	).Scan(&stats.Ready, &stats.Leased, &stats.Total, &scanOldest{&stats, nowMs})
	if err != nil {
		return Stats{}, apperr.Wrap(apperr.Storage, "computing queue stats", err)
	}
	return stats, nil
}

// scanOldest adapts a nullable MIN(available_at) column into
// Stats.OldestAvailableAgeMs (now - oldest), or nil when there are no
// ready rows.
type scanOldest struct {
	stats *Stats
	nowMs int64
}

func (s *scanOldest) Scan(src any) error {
	if src == nil {
		s.stats.OldestAvailableAgeMs = nil
		return nil
	}
	var oldest int64
	switch v := src.(type) {
	case int64:
		oldest = v
	default:
		return fmt.Errorf("unexpected type for oldest_available_at: %T", src)
	}
	age := s.nowMs - oldest
	s.stats.OldestAvailableAgeMs = &age
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
