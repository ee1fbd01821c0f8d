package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name  string
		check func(*Config) bool
	}{
		{"default bind", func(c *Config) bool { return c.Bind == "0.0.0.0:8089" }},
		{"default db path", func(c *Config) bool { return c.DBPath == "sqew.db" }},
		{"default busy timeout", func(c *Config) bool { return c.BusyTimeoutMs == 5000 }},
		{"default max attempts", func(c *Config) bool { return c.DefaultMaxAttempts == 5 }},
		{"default visibility ms", func(c *Config) bool { return c.DefaultVisibilityMs == 30000 }},
		{"default reaper interval", func(c *Config) bool { return c.ReaperIntervalMs == 1000 }},
		{"default max payload bytes", func(c *Config) bool { return c.MaxPayloadBytes == 524288 }},
		{"default max batch", func(c *Config) bool { return c.MaxBatch == 256 }},
		{"default log level", func(c *Config) bool { return c.LogLevel == "info" }},
		{"default log format", func(c *Config) bool { return c.LogFormat == "json" }},
		{"stress knobs off by default", func(c *Config) bool {
			return c.StressEnqueueDelayMs == 0 && !c.StressRandomBusy
		}},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("unexpected config value for %s", tt.name)
			}
		})
	}
}
