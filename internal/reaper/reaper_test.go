package reaper

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/sqew/sqew/internal/apperr"
	"github.com/sqew/sqew/internal/clock"
	"github.com/sqew/sqew/internal/engine"
	"github.com/sqew/sqew/internal/registry"
	"github.com/sqew/sqew/internal/store"
)

func TestSweepRemovesExpiredMessages(t *testing.T) {
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
	reg := registry.NewService(registry.NewStore(db), c)
	eng := engine.NewService(engine.NewStore(db), reg, c, 512*1024)

	ctx := context.Background()
	if _, err := reg.Create(ctx, "q", nil, nil); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	ttl := int64(50)
	res, err := eng.Enqueue(ctx, engine.EnqueueInput{QueueName: "q", Payload: json.RawMessage(`{}`), TTLMs: &ttl})
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	c.Advance(100)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := Sweep(ctx, eng, logger); err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}

	peeked, err := eng.Peek(ctx, "q", 10)
	if err != nil {
		t.Fatalf("Peek() error: %v", err)
	}
	if len(peeked) != 0 {
		t.Fatalf("expected no rows after sweep, got %+v", peeked)
	}

	// GetByID ignores readiness and TTL, so only a deleted row is NotFound.
	if _, err := eng.GetByID(ctx, "q", res.ID); apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("expected expired row to be deleted, got %v", err)
	}
}
