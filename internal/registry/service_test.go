package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sqew/sqew/internal/apperr"
	"github.com/sqew/sqew/internal/clock"
	"github.com/sqew/sqew/internal/store"
)

func newTestService(t *testing.T) (*Service, *clock.Fake) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sqew.db")

	if err := store.Migrate(path); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	db, err := store.Open(path, 5000)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	c := clock.NewFake(1_000_000)
	return NewService(NewStore(db), c), c
}

func TestCreateAndGet(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	q, err := svc.Create(ctx, "orders", nil, nil)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if q.MaxAttempts != 5 || q.VisibilityMs != 30000 {
		t.Fatalf("defaults not applied: %+v", q)
	}

	got, err := svc.Get(ctx, "orders")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Name != "orders" {
		t.Fatalf("Name = %q, want orders", got.Name)
	}
}

func TestCreateDuplicateNameIsAlreadyExists(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, "q", nil, nil); err != nil {
		t.Fatalf("first Create() error: %v", err)
	}
	_, err := svc.Create(ctx, "q", nil, nil)
	if apperr.KindOf(err) != apperr.AlreadyExists {
		t.Fatalf("expected AlreadyExists, got %v", err)
	}
}

func TestCreateInvalidArgs(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	zero := 0
	if _, err := svc.Create(ctx, "q", &zero, nil); apperr.KindOf(err) != apperr.InvalidArg {
		t.Fatalf("max_attempts=0: expected InvalidArg, got %v", err)
	}
	if _, err := svc.Create(ctx, "q", nil, &zero); apperr.KindOf(err) != apperr.InvalidArg {
		t.Fatalf("visibility_ms=0: expected InvalidArg, got %v", err)
	}
	if _, err := svc.Create(ctx, "", nil, nil); apperr.KindOf(err) != apperr.InvalidArg {
		t.Fatalf("empty name: expected InvalidArg, got %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Get(context.Background(), "missing")
	if apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestDeleteCascadesMessages(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	q, err := svc.Create(ctx, "q", nil, nil)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	tx, err := svc.store.db.BeginWrite(ctx)
	if err != nil {
		t.Fatalf("BeginWrite() error: %v", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO message (queue_id, payload_json, available_at, created_at) VALUES (?, ?, ?, ?)`,
		q.ID, `{}`, 1000, 1000); err != nil {
		t.Fatalf("insert message: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}

	if err := svc.Delete(ctx, "q"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	var remaining int
	if err := svc.store.db.ReadDB().QueryRowContext(ctx, `SELECT COUNT(*) FROM message WHERE queue_id = ?`, q.ID).Scan(&remaining); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected messages deleted with queue, %d remain", remaining)
	}
	if _, err := svc.Get(ctx, "q"); apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
	if err := svc.Delete(ctx, "q"); apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("expected NotFound on double delete, got %v", err)
	}
}
