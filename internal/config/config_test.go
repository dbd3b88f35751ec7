package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Queue.MaxConcurrent != 3 || cfg.Queue.Retention != 1000 {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Queue.MinTimeoutMs != 5000 || cfg.Queue.MaxTimeoutMs != 120000 {
		t.Fatalf("unexpected timeout bounds: %+v", cfg.Queue)
	}
	if cfg.Pool.MaxBrowsers != 3 || cfg.Pool.MemoryCeilingMB != 500 || cfg.Pool.RateLimitMs != 2000 {
		t.Fatalf("unexpected pool defaults: %+v", cfg.Pool)
	}
	if cfg.Metrics.Capacity != 10000 {
		t.Fatalf("unexpected metrics capacity %d", cfg.Metrics.Capacity)
	}
	if got := cfg.CleanupInterval(); got != 10*time.Minute {
		t.Fatalf("expected 10m cleanup interval, got %v", got)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  shutdown_timeout_seconds: 5
queue:
  max_concurrent: 6
  retention: 50
  cleanup_interval_seconds: 60
pool:
  max_browsers: 2
  memory_ceiling_mb: 750
  idle_timeout_seconds: 120
  rate_limit_ms: 0
  max_attempts: 30
  no_sandbox: true
artifacts:
  backend: local
  base_dir: /tmp/artifacts
pubsub:
  project_id: proj
  topic_name: jobs-done
archive:
  dsn: postgres://localhost/jobs
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.ShutdownTimeout() != 5*time.Second {
		t.Fatalf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Queue.MaxConcurrent != 6 || cfg.Queue.Retention != 50 {
		t.Fatalf("expected queue overrides to apply: %+v", cfg.Queue)
	}
	if cfg.Pool.MaxBrowsers != 2 || cfg.Pool.MaxAttempts != 30 || !cfg.Pool.NoSandbox || cfg.Pool.RateLimitMs != 0 {
		t.Fatalf("expected pool overrides to apply: %+v", cfg.Pool)
	}
	if cfg.Artifacts.Backend != "local" || cfg.Artifacts.BaseDir != "/tmp/artifacts" {
		t.Fatalf("expected artifact overrides: %+v", cfg.Artifacts)
	}
	if cfg.PubSub.TopicName != "jobs-done" || cfg.Archive.DSN == "" {
		t.Fatalf("expected pubsub and archive overrides")
	}
	if cfg.Logging.Development {
		t.Fatalf("expected production logging")
	}
	if cfg.Queue.MinTimeoutMs != 5000 {
		t.Fatalf("expected default min timeout to survive partial override")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:    ServerConfig{Port: 8080},
		Queue:     QueueConfig{MaxConcurrent: 3, Retention: 10, MinTimeoutMs: 5000, MaxTimeoutMs: 120000},
		Pool:      PoolConfig{MaxBrowsers: 3, MemoryCeilingMB: 500, PollIntervalMs: 1000},
		Metrics:   MetricsConfig{Capacity: 100},
		Artifacts: ArtifactsConfig{Backend: "memory"},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "invalid concurrency", mutate: func(c *Config) { c.Queue.MaxConcurrent = 0 }, want: "queue.max_concurrent"},
		{name: "invalid retention", mutate: func(c *Config) { c.Queue.Retention = -1 }, want: "queue.retention"},
		{name: "inverted bounds", mutate: func(c *Config) { c.Queue.MaxTimeoutMs = 1000 }, want: "timeout bounds"},
		{name: "invalid browsers", mutate: func(c *Config) { c.Pool.MaxBrowsers = 0 }, want: "pool.max_browsers"},
		{name: "invalid ceiling", mutate: func(c *Config) { c.Pool.MemoryCeilingMB = 0 }, want: "pool.memory_ceiling_mb"},
		{name: "invalid poll", mutate: func(c *Config) { c.Pool.PollIntervalMs = 0 }, want: "pool.poll_interval_ms"},
		{name: "negative attempts", mutate: func(c *Config) { c.Pool.MaxAttempts = -1 }, want: "pool.max_attempts"},
		{name: "invalid capacity", mutate: func(c *Config) { c.Metrics.Capacity = 0 }, want: "metrics.capacity"},
		{name: "local without dir", mutate: func(c *Config) { c.Artifacts.Backend = "local" }, want: "artifacts.base_dir"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Artifacts.Backend = "gcs" }, want: "artifacts.bucket"},
		{name: "unknown backend", mutate: func(c *Config) { c.Artifacts.Backend = "s3" }, want: "not supported"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
