package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/sqew/sqew/internal/clock"
	"github.com/sqew/sqew/internal/engine"
	"github.com/sqew/sqew/internal/ratelimit"
	"github.com/sqew/sqew/internal/registry"
	"github.com/sqew/sqew/internal/store"
)

func newTestAPI(t *testing.T) (*chi.Mux, *clock.Fake) {
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
	reg := registry.NewService(registry.NewStore(db), c)
	eng := engine.NewService(engine.NewStore(db), reg, c, 512*1024)
	api := New(reg, eng, ratelimit.NewLocalLimiter(1000, 1000), ratelimit.NewBusyTracker(0), 1.0, 1<<20, 256, 20000)

	r := chi.NewRouter()
	api.Mount(r)
	return r, c
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateQueueAndEnqueuePollAck(t *testing.T) {
	r, _ := newTestAPI(t)

	w := doJSON(t, r, http.MethodPost, "/queues", map[string]any{"name": "orders"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create queue status = %d, body %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodPost, "/queues/orders/messages", map[string]any{"payload": map[string]int{"a": 1}})
	if w.Code != http.StatusCreated {
		t.Fatalf("enqueue status = %d, body %s", w.Code, w.Body.String())
	}
	var enqResp struct {
		ID           int64 `json:"id"`
		Deduplicated bool  `json:"deduplicated"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &enqResp); err != nil {
		t.Fatalf("unmarshal enqueue response: %v", err)
	}

	w = doJSON(t, r, http.MethodPost, "/queues/orders/poll?batch=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("poll status = %d, body %s", w.Code, w.Body.String())
	}
	var pollResp struct {
		Messages []struct {
			ID    int64  `json:"id"`
			Token string `json:"token"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &pollResp); err != nil {
		t.Fatalf("unmarshal poll response: %v", err)
	}
	if len(pollResp.Messages) != 1 {
		t.Fatalf("expected 1 leased message, got %+v", pollResp)
	}

	w = doJSON(t, r, http.MethodPost, "/queues/orders/ack", map[string]any{
		"items": []map[string]any{{"id": pollResp.Messages[0].ID, "token": pollResp.Messages[0].Token}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("ack status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestGetMissingQueueIs404(t *testing.T) {
	r, _ := newTestAPI(t)
	w := doJSON(t, r, http.MethodGet, "/queues/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404, body %s", w.Code, w.Body.String())
	}
}

func TestDuplicateQueueIs409(t *testing.T) {
	r, _ := newTestAPI(t)
	doJSON(t, r, http.MethodPost, "/queues", map[string]any{"name": "q"})
	w := doJSON(t, r, http.MethodPost, "/queues", map[string]any{"name": "q"})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409, body %s", w.Code, w.Body.String())
	}
}

func TestOversizedPayloadIs413(t *testing.T) {
	r, _ := newTestAPI(t)
	doJSON(t, r, http.MethodPost, "/queues", map[string]any{"name": "q"})

	huge := make([]byte, 512*1024+1)
	for i := range huge {
		huge[i] = 'a'
	}
	w := doJSON(t, r, http.MethodPost, "/queues/q/messages", map[string]any{"payload": string(huge)})
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413, body %s", w.Code, w.Body.String())
	}
}
