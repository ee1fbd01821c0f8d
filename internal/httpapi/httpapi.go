// Package httpapi adapts sqew's HTTP surface (spec.md §6) onto the
// registry and engine services: decoding/validating requests, mapping
// apperr.Kind to HTTP status codes, and applying the per-queue
// backpressure policy (spec.md §5) ahead of write endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sqew/sqew/internal/apperr"
	"github.com/sqew/sqew/internal/engine"
	"github.com/sqew/sqew/internal/httpserver"
	"github.com/sqew/sqew/internal/ratelimit"
	"github.com/sqew/sqew/internal/registry"
)

// API holds the dependencies the HTTP handlers need.
type API struct {
	registry         *registry.Service
	engine           *engine.Service
	limiter          ratelimit.Limiter
	busy             *ratelimit.BusyTracker
	overloadBusyRate float64
	maxPayloadBytes  int64
	maxBatch         int
	maxLongPollMs    int64
}

// New creates an API adapter.
func New(reg *registry.Service, eng *engine.Service, limiter ratelimit.Limiter, busy *ratelimit.BusyTracker, overloadBusyRate float64, maxPayloadBytes int64, maxBatch int, maxLongPollMs int64) *API {
	return &API{
		registry:         reg,
		engine:           eng,
		limiter:          limiter,
		busy:             busy,
		overloadBusyRate: overloadBusyRate,
		maxPayloadBytes:  maxPayloadBytes,
		maxBatch:         maxBatch,
		maxLongPollMs:    maxLongPollMs,
	}
}

// Mount registers every route from spec.md §6 on r.
func (a *API) Mount(r chi.Router) {
	r.Get("/queues", a.listQueues)
	r.Post("/queues", a.createQueue)
	r.Get("/queues/{name}", a.getQueue)
	r.Delete("/queues/{name}", a.deleteQueue)
	r.Get("/queues/{name}/stats", a.getStats)
	r.Get("/queues/{name}/messages", a.peekMessages)
	r.Delete("/queues/{name}/messages", a.purgeMessages)
	r.Post("/queues/{name}/messages", a.enqueue)
	r.Post("/queues/{name}/poll", a.poll)
	r.Post("/queues/{name}/ack", a.ack)
	r.Post("/queues/{name}/nack", a.nack)
	r.Post("/queues/{name}/extend", a.extend)
}

func writeErr(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	var detail string
	if ae, ok := err.(*apperr.Error); ok {
		detail = ae.Detail
	} else {
		detail = err.Error()
	}
	httpserver.RespondError(w, status, string(kind), detail)
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.AlreadyExists:
		return http.StatusConflict
	case apperr.InvalidArg:
		return http.StatusBadRequest
	case apperr.PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case apperr.LeaseLost, apperr.Fenced:
		return http.StatusConflict
	case apperr.Overload:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// checkOverload applies spec.md §5/§9's backpressure policy ahead of
// write endpoints: a per-queue rate limit, then the rolling
// BusyTimeout rate. No store or handler call feeds observations into
// the BusyTracker, so its rate stays 0 and only the rate limit can
// return Overload here.
func (a *API) checkOverload(ctx context.Context, w http.ResponseWriter, queue string) bool {
	if a.limiter != nil {
		ok, err := a.limiter.Allow(ctx, queue)
		if err == nil && !ok {
			writeErr(w, apperr.New(apperr.Overload, "queue rate limit exceeded"))
			return false
		}
	}
	if a.busy != nil && a.busy.Rate() > a.overloadBusyRate {
		writeErr(w, apperr.New(apperr.Overload, "storage writer saturated"))
		return false
	}
	return true
}

func (a *API) listQueues(w http.ResponseWriter, r *http.Request) {
	qs, err := a.registry.List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if qs == nil {
		qs = []registry.Queue{}
	}
	httpserver.Respond(w, http.StatusOK, qs)
}

type createQueueRequest struct {
	Name         string `json:"name" validate:"required"`
	MaxAttempts  *int   `json:"max_attempts,omitempty"`
	VisibilityMs *int   `json:"visibility_ms,omitempty"`
}

func (a *API) createQueue(w http.ResponseWriter, r *http.Request) {
	var req createQueueRequest
	if !httpserver.DecodeAndValidate(w, r, &req, a.maxPayloadBytes) {
		return
	}
	q, err := a.registry.Create(r.Context(), req.Name, req.MaxAttempts, req.VisibilityMs)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, q)
}

func (a *API) getQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	q, err := a.registry.Get(r.Context(), name)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, q)
}

func (a *API) deleteQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := a.registry.Delete(r.Context(), name); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	stats, err := a.registry.Stats(r.Context(), name)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, stats)
}

func intQueryParam(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

type messageView struct {
	ID             int64           `json:"id"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	Attempts       int             `json:"attempts"`
	AvailableAt    int64           `json:"available_at"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	CreatedAt      int64           `json:"created_at"`
	ExpiresAt      *int64          `json:"expires_at,omitempty"`
}

func toMessageView(m engine.Message) messageView {
	return messageView{
		ID:             m.ID,
		Payload:        m.PayloadJSON,
		Priority:       m.Priority,
		Attempts:       m.Attempts,
		AvailableAt:    m.AvailableAt,
		IdempotencyKey: m.IdempotencyKey,
		CreatedAt:      m.CreatedAt,
		ExpiresAt:      m.ExpiresAt,
	}
}

func (a *API) peekMessages(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	limit := intQueryParam(r, "limit", 10)

	msgs, err := a.engine.Peek(r.Context(), name, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, toMessageView(m))
	}
	httpserver.Respond(w, http.StatusOK, views)
}

func (a *API) purgeMessages(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	n, err := a.registry.Purge(r.Context(), name)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]int64{"deleted": n})
}

type enqueueRequest struct {
	Payload        json.RawMessage `json:"payload" validate:"required"`
	Priority       int             `json:"priority,omitempty"`
	DelayMs        int64           `json:"delay_ms,omitempty"`
	TTLMs          *int64          `json:"ttl_ms,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
}

func (a *API) enqueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !a.checkOverload(r.Context(), w, name) {
		return
	}

	var req enqueueRequest
	if !httpserver.DecodeAndValidate(w, r, &req, a.maxPayloadBytes) {
		return
	}

	res, err := a.engine.Enqueue(r.Context(), engine.EnqueueInput{
		QueueName:      name,
		Payload:        req.Payload,
		DelayMs:        req.DelayMs,
		Priority:       req.Priority,
		IdempotencyKey: req.IdempotencyKey,
		TTLMs:          req.TTLMs,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, map[string]any{
		"id":           res.ID,
		"deduplicated": res.Deduplicated,
	})
}

type pollRequest struct {
	VisibilityMs *int64 `json:"visibility_ms,omitempty"`
	WaitMs       *int64 `json:"wait_ms,omitempty"`
}

type leasedView struct {
	ID             int64           `json:"id"`
	Payload        json.RawMessage `json:"payload"`
	Attempts       int             `json:"attempts"`
	Token          string          `json:"token"`
	LeaseExpiresAt int64           `json:"lease_expires_at"`
}

func (a *API) poll(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !a.checkOverload(r.Context(), w, name) {
		return
	}

	batch := intQueryParam(r, "batch", 1)
	if batch > a.maxBatch {
		batch = a.maxBatch
	}

	var req pollRequest
	if r.ContentLength > 0 {
		if !httpserver.DecodeAndValidate(w, r, &req, a.maxPayloadBytes) {
			return
		}
	}

	waitMs := int64(0)
	if req.WaitMs != nil {
		waitMs = *req.WaitMs
		if waitMs > a.maxLongPollMs {
			waitMs = a.maxLongPollMs
		}
	}

	var leased []engine.LeasedMessage
	var err error
	if waitMs > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), time.Duration(waitMs)*time.Millisecond)
		defer cancel()
		leased, err = a.engine.LeaseWaiting(ctx, name, batch, req.VisibilityMs, waitMs)
	} else {
		leased, err = a.engine.Lease(r.Context(), name, batch, req.VisibilityMs)
	}
	if err != nil {
		writeErr(w, err)
		return
	}

	views := make([]leasedView, 0, len(leased))
	for _, lm := range leased {
		views = append(views, leasedView{
			ID:             lm.ID,
			Payload:        lm.Payload,
			Attempts:       lm.Attempts,
			Token:          lm.Token,
			LeaseExpiresAt: lm.LeaseExpiresAt,
		})
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"messages": views})
}

type itemRequest struct {
	ID    int64  `json:"id" validate:"required"`
	Token string `json:"token" validate:"required"`
}

type ackRequest struct {
	Items []itemRequest `json:"items" validate:"required,min=1,dive"`
}

func (a *API) ack(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !a.checkOverload(r.Context(), w, name) {
		return
	}

	var req ackRequest
	if !httpserver.DecodeAndValidate(w, r, &req, a.maxPayloadBytes) {
		return
	}

	items := make([]engine.AckItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = engine.AckItem{ID: it.ID, Token: it.Token}
	}

	results, err := a.engine.Ack(r.Context(), name, items)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"results": results})
}

type nackRequest struct {
	Items   []itemRequest `json:"items" validate:"required,min=1,dive"`
	DelayMs *int64        `json:"delay_ms,omitempty"`
}

func (a *API) nack(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !a.checkOverload(r.Context(), w, name) {
		return
	}

	var req nackRequest
	if !httpserver.DecodeAndValidate(w, r, &req, a.maxPayloadBytes) {
		return
	}

	items := make([]engine.NackItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = engine.NackItem{ID: it.ID, Token: it.Token}
	}

	results, err := a.engine.Nack(r.Context(), name, items, req.DelayMs)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"results": results})
}

type extendRequest struct {
	ID       int64  `json:"id" validate:"required"`
	Token    string `json:"token" validate:"required"`
	ExtendMs int64  `json:"extend_ms" validate:"required,gt=0"`
}

func (a *API) extend(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !a.checkOverload(r.Context(), w, name) {
		return
	}

	var req extendRequest
	if !httpserver.DecodeAndValidate(w, r, &req, a.maxPayloadBytes) {
		return
	}

	newExpiry, err := a.engine.ExtendLease(r.Context(), name, req.ID, req.Token, req.ExtendMs)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]int64{"lease_expires_at": newExpiry})
}
