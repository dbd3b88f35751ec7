// Package config loads and validates job runner configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	HTTPFetch HTTPFetchConfig `mapstructure:"http_fetch"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int `mapstructure:"port"`
	ShutdownTimeout int `mapstructure:"shutdown_timeout_seconds"`
}

// QueueConfig governs admission and job retention.
type QueueConfig struct {
	MaxConcurrent      int `mapstructure:"max_concurrent"`
	Retention          int `mapstructure:"retention"`
	CleanupIntervalSec int `mapstructure:"cleanup_interval_seconds"`
	MinTimeoutMs       int `mapstructure:"min_timeout_ms"`
	MaxTimeoutMs       int `mapstructure:"max_timeout_ms"`
	DefaultTimeoutMs   int `mapstructure:"default_timeout_ms"`
}

// PoolConfig governs the browser resource pool.
type PoolConfig struct {
	MaxBrowsers       int     `mapstructure:"max_browsers"`
	MemoryCeilingMB   float64 `mapstructure:"memory_ceiling_mb"`
	IdleTimeoutSec    int     `mapstructure:"idle_timeout_seconds"`
	RateLimitMs       int     `mapstructure:"rate_limit_ms"`
	PollIntervalMs    int     `mapstructure:"poll_interval_ms"`
	MaxAttempts       int     `mapstructure:"max_attempts"`
	ChromePath        string  `mapstructure:"chrome_path"`
	NoSandbox         bool    `mapstructure:"no_sandbox"`
	NavigationTimeout int     `mapstructure:"navigation_timeout_seconds"`
}

// MetricsConfig sizes the in-memory metric event log.
type MetricsConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// ProgressConfig controls the asynchronous event hub and its sinks.
type ProgressConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	LogEnabled    bool `mapstructure:"log_enabled"`
	BufferSize    int  `mapstructure:"buffer_size"`
	MaxBatch      int  `mapstructure:"max_batch"`
	MaxWaitMs     int  `mapstructure:"max_wait_ms"`
	SinkTimeoutMs int  `mapstructure:"sink_timeout_ms"`
}

// ArtifactsConfig selects where script screenshots are written.
type ArtifactsConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for terminal-job notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ArchiveConfig points at the Postgres metric-event archive.
type ArchiveConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// HTTPFetchConfig configures the http.get helper exposed to scripts.
type HTTPFetchConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
	MaxBodyBytes   int    `mapstructure:"max_body_bytes"`
	// HostIntervalMs spaces consecutive requests to the same host.
	HostIntervalMs int `mapstructure:"host_interval_ms"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TelemetryConfig names the service for tracing.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`
}

// Load builds a Config from an optional file plus JOBRUNNER_* environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("JOBRUNNER")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("queue.max_concurrent", 3)
	v.SetDefault("queue.retention", 1000)
	v.SetDefault("queue.cleanup_interval_seconds", 600)
	v.SetDefault("queue.min_timeout_ms", 5000)
	v.SetDefault("queue.max_timeout_ms", 120000)
	v.SetDefault("queue.default_timeout_ms", 30000)
	v.SetDefault("pool.max_browsers", 3)
	v.SetDefault("pool.memory_ceiling_mb", 500)
	v.SetDefault("pool.idle_timeout_seconds", 600)
	v.SetDefault("pool.rate_limit_ms", 2000)
	v.SetDefault("pool.poll_interval_ms", 1000)
	v.SetDefault("pool.max_attempts", 0)
	v.SetDefault("pool.no_sandbox", false)
	v.SetDefault("pool.navigation_timeout_seconds", 30)
	v.SetDefault("metrics.capacity", 10000)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch", 500)
	v.SetDefault("progress.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 10000)
	v.SetDefault("artifacts.backend", "memory")
	v.SetDefault("artifacts.prefix", "screenshots")
	v.SetDefault("archive.table", "metric_events")
	v.SetDefault("http_fetch.user_agent", "headless-job-runner/0.1")
	v.SetDefault("http_fetch.timeout_seconds", 15)
	v.SetDefault("http_fetch.respect_robots", false)
	v.SetDefault("http_fetch.max_body_bytes", 2<<20)
	v.SetDefault("http_fetch.host_interval_ms", 500)
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.service_name", "headless-job-runner")
	v.SetDefault("telemetry.version", "dev")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Queue.MaxConcurrent <= 0 {
		return fmt.Errorf("queue.max_concurrent must be > 0")
	}
	if c.Queue.Retention <= 0 {
		return fmt.Errorf("queue.retention must be > 0")
	}
	if c.Queue.MinTimeoutMs <= 0 || c.Queue.MaxTimeoutMs < c.Queue.MinTimeoutMs {
		return fmt.Errorf("queue timeout bounds must satisfy 0 < min_timeout_ms <= max_timeout_ms")
	}
	if c.Pool.MaxBrowsers <= 0 {
		return fmt.Errorf("pool.max_browsers must be > 0")
	}
	if c.Pool.MemoryCeilingMB <= 0 {
		return fmt.Errorf("pool.memory_ceiling_mb must be > 0")
	}
	if c.Pool.PollIntervalMs <= 0 {
		return fmt.Errorf("pool.poll_interval_ms must be > 0")
	}
	if c.Pool.MaxAttempts < 0 {
		return fmt.Errorf("pool.max_attempts must be >= 0")
	}
	if c.Metrics.Capacity <= 0 {
		return fmt.Errorf("metrics.capacity must be > 0")
	}
	switch c.Artifacts.Backend {
	case "memory":
	case "local":
		if c.Artifacts.BaseDir == "" {
			return fmt.Errorf("artifacts.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Artifacts.Bucket == "" {
			return fmt.Errorf("artifacts.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("artifacts.backend %q is not supported", c.Artifacts.Backend)
	}
	return nil
}

// CleanupInterval is the period between queue retention passes.
func (c Config) CleanupInterval() time.Duration {
	return time.Duration(c.Queue.CleanupIntervalSec) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	if c.Server.ShutdownTimeout <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Server.ShutdownTimeout) * time.Second
}
