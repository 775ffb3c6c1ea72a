package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
logging:
  development: true
  level: debug
http:
  timeout_seconds: 45
  user_agent: backfill-test/0.1
  max_archive_mb: 64
run:
  batch_size: 500
  top_n_endpoints: 3
  parallel_endpoints: 2
  max_retries: 5
  start_timestamp: 2024-01-01-00:00:00
  end_timestamp: 2024-06-01-00:00:00
rate_limit:
  capacity: 900
  window_seconds: 60
worker:
  pool_size: 16
  max_in_flight: 12
queue:
  backend: memory
export:
  provider: local
  auto: true
  local_dir: /tmp/export
notify:
  provider: log
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("server.port = %d, want 9090", cfg.Server.Port)
	}
	if !cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Errorf("logging = %+v, want development debug", cfg.Logging)
	}
	if cfg.Run.BatchSize != 500 || cfg.Run.TopNEndpoints != 3 || cfg.Run.MaxRetries != 5 {
		t.Errorf("run = %+v", cfg.Run)
	}
	if cfg.Rate.Capacity != 900 || cfg.Rate.WindowSeconds != 60 {
		t.Errorf("rate_limit = %+v", cfg.Rate)
	}
	if cfg.Worker.PoolSize != 16 || cfg.Worker.MaxInFlight != 12 {
		t.Errorf("worker = %+v", cfg.Worker)
	}
	if cfg.Queue.Backend != "memory" {
		t.Errorf("queue.backend = %q", cfg.Queue.Backend)
	}
	if cfg.Export.Provider != "local" || !cfg.Export.Auto || cfg.Export.LocalDir != "/tmp/export" {
		t.Errorf("export = %+v", cfg.Export)
	}

	w, err := cfg.Window()
	if err != nil {
		t.Fatalf("Window() error = %v", err)
	}
	if w.Start.Month() != time.January || w.End.Month() != time.June {
		t.Errorf("window = %+v", w)
	}
	if cfg.FetchTimeout() != 45*time.Second {
		t.Errorf("FetchTimeout() = %v", cfg.FetchTimeout())
	}
	if cfg.RateWindow() != time.Minute {
		t.Errorf("RateWindow() = %v", cfg.RateWindow())
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Rate.Capacity != 2700 || cfg.Rate.WindowSeconds != 300 {
		t.Errorf("default rate_limit = %+v", cfg.Rate)
	}
	if cfg.Run.MaxRetries != 3 {
		t.Errorf("default run.max_retries = %d", cfg.Run.MaxRetries)
	}
	if cfg.Queue.Backend != "sqlite" {
		t.Errorf("default queue.backend = %q", cfg.Queue.Backend)
	}
	if cfg.Run.StartTimestamp != DefaultStartTimestamp || cfg.Run.EndTimestamp != DefaultEndTimestamp {
		t.Errorf("default window = %q..%q", cfg.Run.StartTimestamp, cfg.Run.EndTimestamp)
	}
	if cfg.Server.Port != 0 {
		t.Errorf("default server.port = %d, want disabled", cfg.Server.Port)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero capacity", func(c *Config) { c.Rate.Capacity = 0 }},
		{"zero window", func(c *Config) { c.Rate.WindowSeconds = 0 }},
		{"inverted timestamps", func(c *Config) {
			c.Run.StartTimestamp = "2024-06-01-00:00:00"
			c.Run.EndTimestamp = "2024-01-01-00:00:00"
		}},
		{"bad timestamp format", func(c *Config) { c.Run.StartTimestamp = "June 1st" }},
		{"unknown queue backend", func(c *Config) { c.Queue.Backend = "dynamo" }},
		{"postgres without dsn", func(c *Config) { c.Queue.Backend = "postgres" }},
		{"gcs without bucket", func(c *Config) { c.Export.Provider = "gcs" }},
		{"s3 without bucket", func(c *Config) { c.Export.Provider = "s3" }},
		{"pubsub without topic", func(c *Config) { c.Notify.Provider = "pubsub" }},
		{"zero parallelism", func(c *Config) { c.Run.ParallelEndpoints = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() accepted %s", tc.name)
			}
		})
	}
}
