// Package reaper runs the periodic TTL sweep described in spec.md
// §4.3: messages past their expires_at are never returned by poll or
// peek, but still occupy storage until a background pass deletes
// them.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/sqew/sqew/internal/engine"
)

// Sweep runs one reap pass across all queues and logs what it removed.
func Sweep(ctx context.Context, eng *engine.Service, logger *slog.Logger) error {
	counts, err := eng.ExpireTTL(ctx)
	if err != nil {
		return err
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	if total > 0 {
		logger.Info("reaped expired messages", "count", total, "queues", len(counts))
	}
	return nil
}

// RunLoop runs Sweep periodically until ctx is cancelled. A failed
// sweep is logged and retried on the next tick; it never stops the
// loop or crashes the process.
func RunLoop(ctx context.Context, eng *engine.Service, logger *slog.Logger, interval time.Duration) {
	logger.Info("reaper loop started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := Sweep(ctx, eng, logger); err != nil {
		logger.Error("initial reap sweep", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("reaper loop stopped")
			return
		case <-ticker.C:
			if err := Sweep(ctx, eng, logger); err != nil {
				logger.Error("reap sweep", "error", err)
			}
		}
	}
}
