package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLocalLimiterAllowsBurstThenBlocks(t *testing.T) {
	l := NewLocalLimiter(1, 2)
	ctx := context.Background()

	ok1, _ := l.Allow(ctx, "q")
	ok2, _ := l.Allow(ctx, "q")
	ok3, _ := l.Allow(ctx, "q")

	if !ok1 || !ok2 {
		t.Fatalf("expected first two requests within burst to be allowed: %v %v", ok1, ok2)
	}
	if ok3 {
		t.Fatalf("expected third request to exceed burst")
	}
}

func TestLocalLimiterIsPerQueue(t *testing.T) {
	l := NewLocalLimiter(1, 1)
	ctx := context.Background()

	okA, _ := l.Allow(ctx, "a")
	okB, _ := l.Allow(ctx, "b")
	if !okA || !okB {
		t.Fatalf("expected independent budgets per queue: a=%v b=%v", okA, okB)
	}
}

func TestBusyTrackerRate(t *testing.T) {
	b := NewBusyTracker(time.Minute)
	fixed := time.Now()
	b.nowFunc = func() time.Time { return fixed }

	for i := 0; i < 8; i++ {
		b.Observe(false)
	}
	for i := 0; i < 2; i++ {
		b.Observe(true)
	}

	if got := b.Rate(); got != 0.2 {
		t.Fatalf("Rate() = %v, want 0.2", got)
	}
}

func TestBusyTrackerTrimsOldObservations(t *testing.T) {
	b := NewBusyTracker(10 * time.Millisecond)
	base := time.Now()
	t_ := base
	b.nowFunc = func() time.Time { return t_ }

	b.Observe(true)
	t_ = base.Add(time.Hour)
	b.Observe(false)

	if got := b.Rate(); got != 0 {
		t.Fatalf("Rate() = %v, want 0 after old busy observation aged out", got)
	}
}
