// Package store is a thin wrapper over an embedded SQLite-compatible
// engine in WAL mode. It owns the connection pool, applies the
// schema, enforces a busy-timeout, and serializes writes through the
// single writer SQLite allows (spec.md §4.4).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" database/sql driver

	"github.com/sqew/sqew/internal/telemetry"
)

// ErrBusy is returned when a storage call exhausts the busy-timeout
// waiting for the writer lock. Read-only callers may retry it; writes
// are not retried automatically (spec.md §7).
var ErrBusy = errors.New("store: busy")

// Store owns sqew's database handles: a single-connection writer pool
// (SQLite allows exactly one writer) and a multi-connection reader
// pool that does not block behind it under WAL.
type Store struct {
	write *sql.DB
	read  *sql.DB
}

// Open opens (or creates) the SQLite database at path, enables WAL
// journaling, NORMAL synchronous durability, foreign keys, and the
// given busy-timeout. It does not apply the schema; callers run
// Migrate on path first.
func Open(path string, busyTimeoutMs int) (*Store, error) {
	dsn := buildDSN(path, busyTimeoutMs)

	write, err := sql.Open("sqlite3", dsn+"&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("store: open writer: %w", err)
	}
	// Exactly one writer at a time; this is what gives sqew's atomic
	// lease-claim statement its correctness without an in-process lock.
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite3", dsn)
	if err != nil {
		_ = write.Close()
		return nil, fmt.Errorf("store: open reader: %w", err)
	}
	read.SetMaxOpenConns(4)

	s := &Store{write: write, read: read}

	if err := s.ping(); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

func buildDSN(path string, busyTimeoutMs int) string {
	return fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_busy_timeout=%d",
		path, busyTimeoutMs,
	)
}

func (s *Store) ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.write.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping writer: %w", err)
	}
	if err := s.read.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping reader: %w", err)
	}
	return nil
}

// Close releases both connection pools.
func (s *Store) Close() error {
	var errs []error
	if err := s.write.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.read.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Tx wraps a SQLite transaction. All writes go through the writer
// pool's single connection; BeginWrite uses BEGIN IMMEDIATE so the
// write lock is acquired up front rather than on first write,
// avoiding the classic SQLITE_BUSY-on-upgrade race.
type Tx struct {
	tx *sql.Tx
}

// BeginWrite starts a write transaction on the single writer connection.
func (s *Store) BeginWrite(ctx context.Context) (*Tx, error) {
	tx, err := s.write.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, wrapBusy(err)
	}
	if _, err := tx.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		// Some drivers start the transaction lazily on first statement;
		// if BEGIN IMMEDIATE isn't applicable here it's a no-op error we
		// can ignore only when it's specifically "transaction already
		// begun". Anything else is a real failure.
		if !strings.Contains(err.Error(), "within a transaction") {
			_ = tx.Rollback()
			return nil, wrapBusy(err)
		}
	}
	return &Tx{tx: tx}, nil
}

// BeginRead starts a read-only transaction on the reader pool.
func (s *Store) BeginRead(ctx context.Context) (*Tx, error) {
	tx, err := s.read.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, wrapBusy(err)
	}
	return &Tx{tx: tx}, nil
}

// Exec runs a statement within the transaction.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, wrapBusy(err)
	}
	return res, nil
}

// Query runs a query within the transaction.
func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapBusy(err)
	}
	return rows, nil
}

// QueryRow runs a single-row query within the transaction.
func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	return wrapBusy(t.tx.Commit())
}

// Rollback aborts the transaction. Calling it after a successful
// Commit is a no-op error from database/sql and is safe to ignore.
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// ReadDB exposes the reader pool for simple, non-transactional reads
// (e.g. stats queries that don't need snapshot isolation across
// multiple statements).
func (s *Store) ReadDB() *sql.DB {
	return s.read
}

// WriteDSNForMigration returns the DSN used for the writer pool, for components
// (like the migrator) that need their own *sql.DB/driver handle.
func (s *Store) WriteDSNForMigration(path string, busyTimeoutMs int) string {
	return buildDSN(path, busyTimeoutMs)
}

func wrapBusy(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		telemetry.StorageBusyTotal.Inc()
		return fmt.Errorf("%w: %s", ErrBusy, msg)
	}
	return err
}
