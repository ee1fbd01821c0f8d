// Package ratelimit implements sqew's backpressure policy (spec.md
// §5): per-queue token-bucket rate limiting, and a rolling busy-rate
// tracker that signals Overload when the storage writer is
// saturated. Grounded on the teacher's Redis INCR/EXPIRE rate limiter
// (internal/auth/ratelimit.go), generalized from per-IP login
// attempts to per-queue request budgets, with an in-process fallback
// when no Redis URL is configured.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter rate-limits requests per queue name.
type Limiter interface {
	Allow(ctx context.Context, queue string) (bool, error)
}

// RedisLimiter implements Limiter with a Redis INCR+EXPIRE fixed
// window, shared across all sqew instances pointed at the same Redis.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewRedisLimiter creates a Redis-backed Limiter allowing up to limit
// requests per queue per window.
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: limit, window: window}
}

// Allow increments the queue's counter and reports whether the
// request is within budget for the current window.
func (l *RedisLimiter) Allow(ctx context.Context, queue string) (bool, error) {
	key := fmt.Sprintf("sqew:ratelimit:%s", queue)

	pipe := l.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("ratelimit: incrementing %s: %w", key, err)
	}

	if incr.Val() == 1 {
		l.client.Expire(ctx, key, l.window)
	}
	return incr.Val() <= int64(l.limit), nil
}

// LocalLimiter implements Limiter in-process with one
// golang.org/x/time/rate.Limiter per queue, for deployments without
// Redis configured.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewLocalLimiter creates an in-process Limiter allowing rps requests
// per second per queue, with the given burst.
func NewLocalLimiter(rps float64, burst int) *LocalLimiter {
	return &LocalLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (l *LocalLimiter) forQueue(queue string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[queue]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[queue] = lim
	}
	return lim
}

// Allow reports whether queue is within its in-process rate budget.
func (l *LocalLimiter) Allow(_ context.Context, queue string) (bool, error) {
	return l.forQueue(queue).Allow(), nil
}

// BusyTracker maintains a rolling rate of storage busy-timeout errors
// observed over a sliding window, used to decide when to start
// returning Overload (spec.md §5, §9).
type BusyTracker struct {
	mu      sync.Mutex
	window  time.Duration
	events  []time.Time // busy observations
	total   []time.Time // all observations
	nowFunc func() time.Time
}

// NewBusyTracker creates a BusyTracker over the given sliding window.
func NewBusyTracker(window time.Duration) *BusyTracker {
	return &BusyTracker{window: window, nowFunc: time.Now}
}

// Observe records one storage call outcome.
func (b *BusyTracker) Observe(busy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.nowFunc()
	b.total = append(b.total, now)
	if busy {
		b.events = append(b.events, now)
	}
	b.trim(now)
}

// Rate returns the fraction of calls within the window that were busy.
func (b *BusyTracker) Rate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trim(b.nowFunc())
	if len(b.total) == 0 {
		return 0
	}
	return float64(len(b.events)) / float64(len(b.total))
}

func (b *BusyTracker) trim(now time.Time) {
	cutoff := now.Add(-b.window)
	b.events = trimBefore(b.events, cutoff)
	b.total = trimBefore(b.total, cutoff)
}

func trimBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}
