// Package app wires sqew's components together: storage, registry,
// engine, reaper, rate limiting, and the HTTP server, and runs them
// until ctx is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sqew/sqew/internal/clock"
	"github.com/sqew/sqew/internal/config"
	"github.com/sqew/sqew/internal/engine"
	"github.com/sqew/sqew/internal/httpapi"
	"github.com/sqew/sqew/internal/httpserver"
	"github.com/sqew/sqew/internal/ratelimit"
	"github.com/sqew/sqew/internal/reaper"
	"github.com/sqew/sqew/internal/registry"
	"github.com/sqew/sqew/internal/store"
	"github.com/sqew/sqew/internal/telemetry"
)

// Run opens storage, applies migrations, wires the domain services,
// and serves HTTP until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting sqew", "bind", cfg.Bind, "db_path", cfg.DBPath)

	if err := store.Migrate(cfg.DBPath); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	db, err := store.Open(cfg.DBPath, cfg.BusyTimeoutMs)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("closing storage", "error", err)
		}
	}()

	c := clock.Real{}
	reg := registry.NewService(registry.NewStore(db), c)
	eng := engine.NewService(engine.NewStore(db), reg, c, cfg.MaxPayloadBytes)
	if cfg.StressEnqueueDelayMs > 0 || cfg.StressRandomBusy {
		eng.SetStress(time.Duration(cfg.StressEnqueueDelayMs)*time.Millisecond, cfg.StressRandomBusy)
		logger.Info("stress knobs active",
			"enqueue_delay_ms", cfg.StressEnqueueDelayMs, "random_busy", cfg.StressRandomBusy)
	}

	var limiter ratelimit.Limiter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parsing redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error("closing redis client", "error", err)
			}
		}()
		limiter = ratelimit.NewRedisLimiter(rdb, 1000, time.Second)
		logger.Info("rate limiting backed by redis")
	} else {
		limiter = ratelimit.NewLocalLimiter(1000, 2000)
		logger.Info("rate limiting in-process (SQEW_REDIS_URL not set)")
	}
	busy := ratelimit.NewBusyTracker(10 * time.Second)

	reaperCtx, cancelReaper := context.WithCancel(ctx)
	defer cancelReaper()
	go reaper.RunLoop(reaperCtx, eng, logger, time.Duration(cfg.ReaperIntervalMs)*time.Millisecond)

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)
	httpSrv := httpserver.NewServer(logger, metricsReg)

	api := httpapi.New(reg, eng, limiter, busy, cfg.OverloadBusyRate,
		int64(cfg.MaxPayloadBytes)+4096, cfg.MaxBatch, int64(cfg.MaxLongPollMs))
	api.Mount(httpSrv.APIRouter)

	server := &http.Server{
		Addr:         cfg.Bind,
		Handler:      httpSrv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Bind)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
