package store

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sqew.db")

	if err := Migrate(path); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}

	s, err := Open(path, 5000)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMigrateAppliesSchema(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginWrite(ctx)
	if err != nil {
		t.Fatalf("BeginWrite() error: %v", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(ctx, `INSERT INTO queue (name, max_attempts, visibility_ms, created_at) VALUES (?, ?, ?, ?)`,
		"orders", 5, 30000, 1000)
	if err != nil {
		t.Fatalf("insert queue: %v", err)
	}

	var count int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM queue WHERE name = ?`, "orders").Scan(&count); err != nil {
		t.Fatalf("query count: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
}

func TestIdempotencyKeyUniqueConstraint(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginWrite(ctx)
	if err != nil {
		t.Fatalf("BeginWrite() error: %v", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(ctx, `INSERT INTO queue (name, max_attempts, visibility_ms, created_at) VALUES (?, ?, ?, ?)`,
		"q", 5, 30000, 1000); err != nil {
		t.Fatalf("insert queue: %v", err)
	}

	insertMsg := `INSERT INTO message (queue_id, payload_json, available_at, created_at, idempotency_key)
	              VALUES (1, ?, ?, ?, ?)`
	if _, err := tx.Exec(ctx, insertMsg, `{"a":1}`, 1000, 1000, "k"); err != nil {
		t.Fatalf("first insert with key: %v", err)
	}
	if _, err := tx.Exec(ctx, insertMsg, `{"a":2}`, 1000, 1000, "k"); err == nil {
		t.Fatalf("expected unique constraint violation on duplicate idempotency key")
	}
}
