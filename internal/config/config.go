// Package config loads engine configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration tree. Durations are expressed in seconds
// in the file and environment; the accessor methods convert them.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Pool      PoolConfig      `mapstructure:"pool"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Embed     EmbedConfig     `mapstructure:"embed"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

type CrawlerConfig struct {
	Workers            int    `mapstructure:"workers"`
	QueueCapacity      int    `mapstructure:"queue_capacity"`
	MaxRequeues        int    `mapstructure:"max_requeues"`
	DefaultMaxRetries  int    `mapstructure:"default_max_retries"`
	UserAgent          string `mapstructure:"user_agent"`
	AcquireTimeoutSecs int    `mapstructure:"acquire_timeout_seconds"`
	FetchTimeoutSecs   int    `mapstructure:"fetch_timeout_seconds"`
	StaticTimeoutSecs  int    `mapstructure:"static_timeout_seconds"`
	MaxBodyBytes       int    `mapstructure:"max_body_bytes"`
	ResultTopic        string `mapstructure:"result_topic"`
	ShutdownGraceSecs  int    `mapstructure:"shutdown_grace_seconds"`
}

type PoolConfig struct {
	MaxInstances            int `mapstructure:"max_instances"`
	MaxPagesPerInstance     int `mapstructure:"max_pages_per_instance"`
	IdleTimeoutSecs         int `mapstructure:"idle_timeout_seconds"`
	MaxAgeSecs              int `mapstructure:"max_age_seconds"`
	HealthCheckIntervalSecs int `mapstructure:"health_check_interval_seconds"`
	CrashThreshold          int `mapstructure:"crash_threshold"`
	CrashWindowSecs         int `mapstructure:"crash_window_seconds"`
	SuspendCooldownSecs     int `mapstructure:"suspend_cooldown_seconds"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	MinDelayMillis    int     `mapstructure:"min_delay_millis"`
	RetentionSecs     int     `mapstructure:"retention_seconds"`
}

type RetryConfig struct {
	BaseMillis int     `mapstructure:"base_millis"`
	MaxMillis  int     `mapstructure:"max_millis"`
	Multiplier float64 `mapstructure:"multiplier"`
	Jitter     float64 `mapstructure:"jitter"`
}

type IngestConfig struct {
	MinContentLength int  `mapstructure:"min_content_length"`
	ChunkSize        int  `mapstructure:"chunk_size"`
	ChunkOverlap     int  `mapstructure:"chunk_overlap"`
	SnapToBoundary   bool `mapstructure:"snap_to_boundary"`
	BatchSize        int  `mapstructure:"batch_size"`
}

type EmbedConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	APIKey      string `mapstructure:"api_key"`
	TimeoutSecs int    `mapstructure:"timeout_seconds"`
	MaxRetries  int    `mapstructure:"max_retries"`
}

type ArchiveConfig struct {
	// Backend selects the blob store: "none", "memory", "local", or "gcs".
	Backend   string `mapstructure:"backend"`
	LocalRoot string `mapstructure:"local_root"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

type PublisherConfig struct {
	// Backend selects the publisher: "none", "memory", or "pubsub".
	Backend         string `mapstructure:"backend"`
	PubSubProjectID string `mapstructure:"pubsub_project_id"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads configuration from the optional file path, layered under
// WEBHARVEST_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("WEBHARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)

	v.SetDefault("crawler.workers", 4)
	v.SetDefault("crawler.queue_capacity", 256)
	v.SetDefault("crawler.max_requeues", 10)
	v.SetDefault("crawler.default_max_retries", 2)
	v.SetDefault("crawler.user_agent", "webharvest/1.0")
	v.SetDefault("crawler.acquire_timeout_seconds", 30)
	v.SetDefault("crawler.fetch_timeout_seconds", 45)
	v.SetDefault("crawler.static_timeout_seconds", 15)
	v.SetDefault("crawler.max_body_bytes", 10*1024*1024)
	v.SetDefault("crawler.result_topic", "crawl-results")
	v.SetDefault("crawler.shutdown_grace_seconds", 15)

	v.SetDefault("pool.max_instances", 3)
	v.SetDefault("pool.max_pages_per_instance", 4)
	v.SetDefault("pool.idle_timeout_seconds", 120)
	v.SetDefault("pool.max_age_seconds", 1800)
	v.SetDefault("pool.health_check_interval_seconds", 30)
	v.SetDefault("pool.crash_threshold", 3)
	v.SetDefault("pool.crash_window_seconds", 60)
	v.SetDefault("pool.suspend_cooldown_seconds", 120)

	v.SetDefault("rate_limit.requests_per_second", 1.0)
	v.SetDefault("rate_limit.burst", 1)
	v.SetDefault("rate_limit.min_delay_millis", 1000)
	v.SetDefault("rate_limit.retention_seconds", 600)

	v.SetDefault("retry.base_millis", 500)
	v.SetDefault("retry.max_millis", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", 0.2)

	v.SetDefault("ingest.min_content_length", 200)
	v.SetDefault("ingest.chunk_size", 1000)
	v.SetDefault("ingest.chunk_overlap", 100)
	v.SetDefault("ingest.snap_to_boundary", true)
	v.SetDefault("ingest.batch_size", 64)

	v.SetDefault("embed.endpoint", "")
	v.SetDefault("embed.timeout_seconds", 30)
	v.SetDefault("embed.max_retries", 2)

	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.prefix", "crawls")

	v.SetDefault("publisher.backend", "none")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be positive, got %d", c.Crawler.Workers)
	}
	if c.Pool.MaxInstances <= 0 {
		return fmt.Errorf("pool.max_instances must be positive, got %d", c.Pool.MaxInstances)
	}
	if c.Pool.MaxPagesPerInstance <= 0 {
		return fmt.Errorf("pool.max_pages_per_instance must be positive, got %d", c.Pool.MaxPagesPerInstance)
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive, got %g", c.RateLimit.RequestsPerSecond)
	}
	if c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("ingest.chunk_overlap %d must be smaller than chunk_size %d",
			c.Ingest.ChunkOverlap, c.Ingest.ChunkSize)
	}
	switch c.Archive.Backend {
	case "", "none", "memory":
	case "local":
		if c.Archive.LocalRoot == "" {
			return fmt.Errorf("archive.local_root is required for the local backend")
		}
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown archive backend %q", c.Archive.Backend)
	}
	switch c.Publisher.Backend {
	case "", "none", "memory":
	case "pubsub":
		if c.Publisher.PubSubProjectID == "" {
			return fmt.Errorf("publisher.pubsub_project_id is required for the pubsub backend")
		}
	default:
		return fmt.Errorf("unknown publisher backend %q", c.Publisher.Backend)
	}
	return nil
}

// Duration helpers.

func (c CrawlerConfig) AcquireTimeout() time.Duration { return secs(c.AcquireTimeoutSecs) }
func (c CrawlerConfig) FetchTimeout() time.Duration   { return secs(c.FetchTimeoutSecs) }
func (c CrawlerConfig) StaticTimeout() time.Duration  { return secs(c.StaticTimeoutSecs) }
func (c CrawlerConfig) ShutdownGrace() time.Duration  { return secs(c.ShutdownGraceSecs) }

func (p PoolConfig) IdleTimeout() time.Duration         { return secs(p.IdleTimeoutSecs) }
func (p PoolConfig) MaxAge() time.Duration              { return secs(p.MaxAgeSecs) }
func (p PoolConfig) HealthCheckInterval() time.Duration { return secs(p.HealthCheckIntervalSecs) }
func (p PoolConfig) CrashWindow() time.Duration         { return secs(p.CrashWindowSecs) }
func (p PoolConfig) SuspendCooldown() time.Duration     { return secs(p.SuspendCooldownSecs) }

func (r RateLimitConfig) MinDelay() time.Duration  { return millis(r.MinDelayMillis) }
func (r RateLimitConfig) Retention() time.Duration { return secs(r.RetentionSecs) }

func (r RetryConfig) Base() time.Duration { return millis(r.BaseMillis) }
func (r RetryConfig) Max() time.Duration  { return millis(r.MaxMillis) }

func (e EmbedConfig) Timeout() time.Duration { return secs(e.TimeoutSecs) }

func secs(n int) time.Duration   { return time.Duration(n) * time.Second }
func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }
