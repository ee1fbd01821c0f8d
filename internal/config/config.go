// Package config loads sqew's runtime configuration from environment
// variables.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration, loaded from environment variables.
type Config struct {
	// Server
	Bind string `env:"SQEW_BIND" envDefault:"0.0.0.0:8089"`

	// Storage
	DBPath           string `env:"SQEW_DB_PATH" envDefault:"sqew.db"`
	MigrationsDir    string `env:"SQEW_MIGRATIONS_DIR" envDefault:"internal/store/migrations"`
	BusyTimeoutMs    int    `env:"SQEW_BUSY_TIMEOUT_MS" envDefault:"5000"`

	// Queue defaults (spec.md §3 Queue)
	DefaultMaxAttempts  int `env:"SQEW_DEFAULT_MAX_ATTEMPTS" envDefault:"5"`
	DefaultVisibilityMs int `env:"SQEW_DEFAULT_VISIBILITY_MS" envDefault:"30000"`

	// Reaper (spec.md §4.3)
	ReaperIntervalMs int `env:"SQEW_REAPER_INTERVAL_MS" envDefault:"1000"`

	// Adapter (spec.md §5 Backpressure, §6)
	MaxPayloadBytes  int `env:"SQEW_MAX_PAYLOAD_BYTES" envDefault:"524288"` // 512 KiB
	MaxBatch         int `env:"SQEW_MAX_BATCH" envDefault:"256"`
	MaxLongPollMs    int `env:"SQEW_MAX_LONG_POLL_MS" envDefault:"20000"`
	OverloadBusyRate float64 `env:"SQEW_OVERLOAD_BUSY_RATE" envDefault:"0.2"`

	// Rate limiting (optional — nil Redis client means in-process fallback)
	RedisURL string `env:"SQEW_REDIS_URL"`

	// Logging
	LogLevel  string `env:"SQEW_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"SQEW_LOG_FORMAT" envDefault:"json"`

	// Stress-test knobs (spec.md §6 Environment)
	StressEnqueueDelayMs int  `env:"SQEW_STRESS_ENQUEUE_DELAY_MS" envDefault:"0"`
	StressRandomBusy     bool `env:"SQEW_STRESS_RANDOM_BUSY" envDefault:"false"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}
