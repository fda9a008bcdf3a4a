package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestLoadDefaults verifies a config loaded with no file gets usable defaults.
func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 4, cfg.Crawler.Workers)
	require.Equal(t, 256, cfg.Crawler.QueueCapacity)
	require.Equal(t, 3, cfg.Pool.MaxInstances)
	require.Equal(t, 4, cfg.Pool.MaxPagesPerInstance)
	require.Equal(t, 2*time.Minute, cfg.Pool.IdleTimeout())
	require.Equal(t, 1.0, cfg.RateLimit.RequestsPerSecond)
	require.Equal(t, time.Second, cfg.RateLimit.MinDelay())
	require.Equal(t, 1000, cfg.Ingest.ChunkSize)
	require.Equal(t, 100, cfg.Ingest.ChunkOverlap)
	require.Equal(t, "none", cfg.Archive.Backend)
	require.True(t, cfg.Metrics.Enabled)
}

// TestLoadFromFile verifies file values override defaults.
func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
crawler:
  workers: 8
  user_agent: "harvester/2.0"
pool:
  max_instances: 5
rate_limit:
  requests_per_second: 0.5
  min_delay_millis: 2000
ingest:
  chunk_size: 500
  chunk_overlap: 50
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 8, cfg.Crawler.Workers)
	require.Equal(t, "harvester/2.0", cfg.Crawler.UserAgent)
	require.Equal(t, 5, cfg.Pool.MaxInstances)
	require.Equal(t, 0.5, cfg.RateLimit.RequestsPerSecond)
	require.Equal(t, 2*time.Second, cfg.RateLimit.MinDelay())
	require.Equal(t, 500, cfg.Ingest.ChunkSize)
	// Untouched keys keep their defaults.
	require.Equal(t, 256, cfg.Crawler.QueueCapacity)
}

// TestLoadEnvOverride verifies WEBHARVEST_* variables override defaults.
func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("WEBHARVEST_CRAWLER_WORKERS", "12")
	t.Setenv("WEBHARVEST_ARCHIVE_BACKEND", "memory")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 12, cfg.Crawler.Workers)
	require.Equal(t, "memory", cfg.Archive.Backend)
}

// TestValidateRejectsBadConfigs exercises the validation rules.
func TestValidateRejectsBadConfigs(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Crawler.Workers = 0 }},
		{"zero instances", func(c *Config) { c.Pool.MaxInstances = 0 }},
		{"zero pages", func(c *Config) { c.Pool.MaxPagesPerInstance = 0 }},
		{"zero rps", func(c *Config) { c.RateLimit.RequestsPerSecond = 0 }},
		{"overlap >= chunk size", func(c *Config) { c.Ingest.ChunkOverlap = c.Ingest.ChunkSize }},
		{"local archive without root", func(c *Config) { c.Archive.Backend = "local" }},
		{"gcs archive without bucket", func(c *Config) { c.Archive.Backend = "gcs" }},
		{"unknown archive backend", func(c *Config) { c.Archive.Backend = "s3" }},
		{"pubsub without project", func(c *Config) { c.Publisher.Backend = "pubsub" }},
		{"unknown publisher backend", func(c *Config) { c.Publisher.Backend = "kafka" }},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
