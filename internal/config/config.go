// Package config loads and validates backfill configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/atproto-backfill/internal/backfill"
)

// Default study window used when no timestamps are supplied.
const (
	DefaultStartTimestamp = "2024-11-01-00:00:00"
	DefaultEndTimestamp   = "2025-05-01-00:00:00"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Run      RunConfig      `mapstructure:"run"`
	Rate     RateConfig     `mapstructure:"rate_limit"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Flush    FlushConfig    `mapstructure:"flush"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Resolver ResolverConfig `mapstructure:"resolver"`
	Export   ExportConfig   `mapstructure:"export"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Discover DiscoverConfig `mapstructure:"discover"`
}

// ServerConfig controls the status HTTP server. Port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// HTTPConfig configures the repository fetch client.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
	MaxArchiveMB   int    `mapstructure:"max_archive_mb"`
}

// RunConfig governs orchestration of one backfill run.
type RunConfig struct {
	// BatchSize chunks the DID list; each batch is fully processed and
	// exported before the next starts. Zero means one batch for everything.
	BatchSize int `mapstructure:"batch_size"`

	// TopNEndpoints keeps only the N endpoints hosting the most DIDs in a
	// batch. Zero means no cap.
	TopNEndpoints int `mapstructure:"top_n_endpoints"`

	// ParallelEndpoints runs that many endpoint workers concurrently within
	// a batch; 1 processes endpoints sequentially.
	ParallelEndpoints int `mapstructure:"parallel_endpoints"`

	MaxRetries     int    `mapstructure:"max_retries"`
	StartTimestamp string `mapstructure:"start_timestamp"`
	EndTimestamp   string `mapstructure:"end_timestamp"`
}

// RateConfig sizes the per-endpoint token bucket: Capacity requests per
// WindowSeconds. Keep capacity below the provider's published limit; the
// default leaves ten percent headroom under 3000 requests per five minutes.
type RateConfig struct {
	Capacity      int `mapstructure:"capacity"`
	WindowSeconds int `mapstructure:"window_seconds"`
}

// WorkerConfig sizes the per-endpoint fetch pool.
type WorkerConfig struct {
	PoolSize        int `mapstructure:"pool_size"`
	MaxInFlight     int `mapstructure:"max_in_flight"`
	ParseSlots      int `mapstructure:"parse_slots"`
	RetryBaseMs     int `mapstructure:"retry_base_ms"`
	RetryMaxMs      int `mapstructure:"retry_max_ms"`
	SlowThresholdMs int `mapstructure:"slow_threshold_ms"`
	MaxThrottleMs   int `mapstructure:"max_throttle_ms"`
}

// FlushConfig batches durable queue writes.
type FlushConfig struct {
	BatchSize  int `mapstructure:"batch_size"`
	IntervalMs int `mapstructure:"interval_ms"`
}

// QueueConfig selects and parameterizes the durable queue backend.
type QueueConfig struct {
	// Backend is one of "sqlite", "postgres", "memory".
	Backend  string         `mapstructure:"backend"`
	StateDir string         `mapstructure:"state_dir"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig parameterizes the shared Postgres pool.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ResolverConfig points at the PLC directory and paces lookups against it.
type ResolverConfig struct {
	Directory string  `mapstructure:"directory"`
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

// ExportConfig controls draining the durable queues to blob storage.
type ExportConfig struct {
	// Provider is one of "local", "gcs", "s3", "noop".
	Provider string `mapstructure:"provider"`

	// Auto exports after every completed batch instead of only on demand.
	Auto bool `mapstructure:"auto"`

	Prefix    string `mapstructure:"prefix"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	S3Bucket  string `mapstructure:"s3_bucket"`
	S3Region  string `mapstructure:"s3_region"`
}

// NotifyConfig controls batch-completion notifications.
type NotifyConfig struct {
	// Provider is one of "noop", "log", "pubsub".
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// DiscoverConfig parameterizes the Jetstream DID collector.
type DiscoverConfig struct {
	URL             string   `mapstructure:"url"`
	Collections     []string `mapstructure:"collections"`
	MaxDIDs         int      `mapstructure:"max_dids"`
	DurationMinutes int      `mapstructure:"duration_minutes"`
	Output          string   `mapstructure:"output"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BACKFILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 0)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("http.timeout_seconds", 120)
	v.SetDefault("http.user_agent", "atproto-backfill/1.0")
	v.SetDefault("http.max_archive_mb", 512)
	v.SetDefault("run.batch_size", 0)
	v.SetDefault("run.top_n_endpoints", 0)
	v.SetDefault("run.parallel_endpoints", 1)
	v.SetDefault("run.max_retries", 3)
	v.SetDefault("run.start_timestamp", DefaultStartTimestamp)
	v.SetDefault("run.end_timestamp", DefaultEndTimestamp)
	v.SetDefault("rate_limit.capacity", 2700)
	v.SetDefault("rate_limit.window_seconds", 300)
	v.SetDefault("worker.pool_size", 8)
	v.SetDefault("worker.max_in_flight", 8)
	v.SetDefault("worker.parse_slots", 4)
	v.SetDefault("worker.retry_base_ms", 1000)
	v.SetDefault("worker.retry_max_ms", 30000)
	v.SetDefault("worker.slow_threshold_ms", 750)
	v.SetDefault("worker.max_throttle_ms", 2000)
	v.SetDefault("flush.batch_size", 50)
	v.SetDefault("flush.interval_ms", 2000)
	v.SetDefault("queue.backend", "sqlite")
	v.SetDefault("queue.state_dir", "backfill-state")
	v.SetDefault("queue.postgres.table", "backfill_entries")
	v.SetDefault("queue.postgres.max_conns", 8)
	v.SetDefault("resolver.directory", "https://plc.directory")
	v.SetDefault("resolver.per_second", 10.0)
	v.SetDefault("resolver.burst", 5)
	v.SetDefault("export.provider", "local")
	v.SetDefault("export.auto", false)
	v.SetDefault("export.prefix", "backfill")
	v.SetDefault("export.local_dir", "backfill-export")
	v.SetDefault("notify.provider", "noop")
	v.SetDefault("discover.url", "wss://jetstream2.us-east.bsky.network/subscribe")
	v.SetDefault("discover.collections", []string{"app.bsky.feed.post"})
	v.SetDefault("discover.max_dids", 10000)
	v.SetDefault("discover.duration_minutes", 10)
	v.SetDefault("discover.output", "dids.txt")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Rate.Capacity <= 0 {
		return fmt.Errorf("rate_limit.capacity must be > 0")
	}
	if c.Rate.WindowSeconds <= 0 {
		return fmt.Errorf("rate_limit.window_seconds must be > 0")
	}
	if c.Run.MaxRetries < 0 {
		return fmt.Errorf("run.max_retries must be >= 0")
	}
	if c.Run.ParallelEndpoints <= 0 {
		return fmt.Errorf("run.parallel_endpoints must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if _, err := c.Window(); err != nil {
		return fmt.Errorf("time window: %w", err)
	}
	switch c.Queue.Backend {
	case "sqlite", "memory":
	case "postgres":
		if c.Queue.Postgres.DSN == "" {
			return fmt.Errorf("queue.postgres.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("queue.backend must be one of sqlite, postgres, memory")
	}
	switch c.Export.Provider {
	case "noop", "local":
	case "gcs":
		if c.Export.GCSBucket == "" {
			return fmt.Errorf("export.gcs_bucket must be set for the gcs provider")
		}
	case "s3":
		if c.Export.S3Bucket == "" {
			return fmt.Errorf("export.s3_bucket must be set for the s3 provider")
		}
	default:
		return fmt.Errorf("export.provider must be one of noop, local, gcs, s3")
	}
	switch c.Notify.Provider {
	case "noop", "log":
	case "pubsub":
		if c.Notify.ProjectID == "" || c.Notify.TopicName == "" {
			return fmt.Errorf("notify.project_id and notify.topic_name must be set for the pubsub provider")
		}
	default:
		return fmt.Errorf("notify.provider must be one of noop, log, pubsub")
	}
	return nil
}

// Window parses the configured study window.
func (c Config) Window() (backfill.Window, error) {
	w, err := backfill.ParseWindow(c.Run.StartTimestamp, c.Run.EndTimestamp)
	if err != nil {
		return backfill.Window{}, err
	}
	if !w.End.After(w.Start) {
		return backfill.Window{}, fmt.Errorf("end_timestamp must be after start_timestamp")
	}
	return w, nil
}

// FetchTimeout converts the HTTP timeout config into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// RateWindow converts the token bucket window into a duration.
func (c Config) RateWindow() time.Duration {
	return time.Duration(c.Rate.WindowSeconds) * time.Second
}
