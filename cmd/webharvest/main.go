// Command webharvest crawls a batch of URLs through a pooled headless browser
// fleet, extracts their content, and feeds it to an embedding pipeline.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/calebduke/webharvest/internal/archive"
	"github.com/calebduke/webharvest/internal/browser"
	"github.com/calebduke/webharvest/internal/clock/system"
	"github.com/calebduke/webharvest/internal/config"
	"github.com/calebduke/webharvest/internal/coordinator"
	"github.com/calebduke/webharvest/internal/crawl"
	"github.com/calebduke/webharvest/internal/embed"
	"github.com/calebduke/webharvest/internal/events"
	"github.com/calebduke/webharvest/internal/events/sinks"
	"github.com/calebduke/webharvest/internal/extract"
	"github.com/calebduke/webharvest/internal/fetch/static"
	"github.com/calebduke/webharvest/internal/hash/sha256"
	"github.com/calebduke/webharvest/internal/id/uuid"
	"github.com/calebduke/webharvest/internal/ingest"
	"github.com/calebduke/webharvest/internal/logging"
	"github.com/calebduke/webharvest/internal/metrics"
	"github.com/calebduke/webharvest/internal/publisher"
	"github.com/calebduke/webharvest/internal/ratelimit"
	"github.com/calebduke/webharvest/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	jobsPath := flag.String("jobs", "", "path to JSON file with job specs")
	flag.Parse()

	if err := run(*configPath, *jobsPath); err != nil {
		fmt.Fprintln(os.Stderr, "webharvest:", err)
		os.Exit(1)
	}
}

func run(configPath, jobsPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	specs, err := loadJobs(jobsPath)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return fmt.Errorf("no job specs to crawl")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := metrics.NewRegistry()
	promSink, err := sinks.NewPrometheusSink(registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	gate := coordinator.NewGate()
	hub := events.NewHub(events.Config{Logger: logger},
		sinks.NewLogSink(logger.Named("events")),
		promSink,
		gate,
	)
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hub.Close(cctx); err != nil {
			logger.Warn("event hub close failed", zap.Error(err))
		}
	}()

	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(cfg.Metrics.Addr, registry, logger.Named("metrics"))
		metricsSrv.Start()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsSrv.Stop(sctx); err != nil {
				logger.Warn("metrics stop failed", zap.Error(err))
			}
		}()
	}

	clk := system.New()
	ids := uuid.New()
	hasher := sha256.New()

	engine := browser.NewChromeEngine(browser.ChromeConfig{UserAgent: cfg.Crawler.UserAgent})
	pool := browser.New(browser.Config{
		MaxInstances:        cfg.Pool.MaxInstances,
		MaxPagesPerInstance: cfg.Pool.MaxPagesPerInstance,
		IdleTimeout:         cfg.Pool.IdleTimeout(),
		MaxAge:              cfg.Pool.MaxAge(),
		HealthCheckInterval: cfg.Pool.HealthCheckInterval(),
		CrashThreshold:      cfg.Pool.CrashThreshold,
		CrashWindow:         cfg.Pool.CrashWindow(),
		SuspendCooldown:     cfg.Pool.SuspendCooldown(),
	}, engine, hub, clk, ids, logger.Named("pool"))

	limiter := ratelimit.New(ratelimit.Config{
		MinDelay:  cfg.RateLimit.MinDelay(),
		RPS:       cfg.RateLimit.RequestsPerSecond,
		Burst:     cfg.RateLimit.Burst,
		Retention: cfg.RateLimit.Retention(),
	})

	staticFetcher := static.New(static.Config{
		UserAgent:    cfg.Crawler.UserAgent,
		Timeout:      cfg.Crawler.StaticTimeout(),
		MaxBodyBytes: cfg.Crawler.MaxBodyBytes,
	})

	blobStore, err := buildArchive(ctx, cfg.Archive)
	if err != nil {
		return err
	}

	var embedder crawl.Embedder
	if cfg.Embed.Endpoint != "" {
		embedder = embed.NewRemote(embed.RemoteConfig{
			Endpoint:   cfg.Embed.Endpoint,
			APIKey:     cfg.Embed.APIKey,
			Timeout:    cfg.Embed.Timeout(),
			MaxRetries: cfg.Embed.MaxRetries,
		}, logger.Named("embed"))
	} else {
		logger.Warn("no embed endpoint configured, chunks stay in memory")
		embedder = embed.NewMemory()
	}

	pipeline := ingest.NewPipeline(ingest.Config{
		MinContentLength: cfg.Ingest.MinContentLength,
		BatchSize:        cfg.Ingest.BatchSize,
		Chunker: ingest.ChunkerConfig{
			Size:           cfg.Ingest.ChunkSize,
			Overlap:        cfg.Ingest.ChunkOverlap,
			SnapToBoundary: cfg.Ingest.SnapToBoundary,
		},
	}, embedder, hub, logger.Named("ingest"))

	pub, pubClose, err := buildPublisher(ctx, cfg.Publisher)
	if err != nil {
		return err
	}
	if pubClose != nil {
		defer pubClose()
	}

	coord := coordinator.New(coordinator.Config{
		Workers:           cfg.Crawler.Workers,
		QueueCapacity:     cfg.Crawler.QueueCapacity,
		MaxRequeues:       cfg.Crawler.MaxRequeues,
		DefaultMaxRetries: cfg.Crawler.DefaultMaxRetries,
		ResultTopic:       cfg.Crawler.ResultTopic,
		ShutdownGrace:     cfg.Crawler.ShutdownGrace(),
		Backoff: coordinator.BackoffConfig{
			Base:       cfg.Retry.Base(),
			Max:        cfg.Retry.Max(),
			Multiplier: cfg.Retry.Multiplier,
			Jitter:     cfg.Retry.Jitter,
		},
		Worker: worker.Config{
			AcquireTimeout: cfg.Crawler.AcquireTimeout(),
			FetchTimeout:   cfg.Crawler.FetchTimeout(),
			UserAgent:      cfg.Crawler.UserAgent,
			ArchivePrefix:  cfg.Archive.Prefix,
		},
	}, coordinator.Deps{
		Pool:       pool,
		Limiter:    limiter,
		Static:     staticFetcher,
		Extractors: extract.Default(),
		Archive:    blobStore,
		Hasher:     hasher,
		Clock:      clk,
		IDs:        ids,
		Pipeline:   pipeline,
		Publisher:  pub,
		Hub:        hub,
		Gate:       gate,
		Logger:     logger.Named("coordinator"),
	})

	logger.Info("starting crawl run",
		zap.Int("jobs", len(specs)),
		zap.Int("workers", cfg.Crawler.Workers))
	summary, err := coord.Run(ctx, specs)
	if err != nil {
		return err
	}
	logger.Info("crawl run finished",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("cancelled", summary.Cancelled),
		zap.Int("chunks_embedded", summary.ChunksEmbedded))
	return nil
}

func loadJobs(path string) ([]crawl.JobSpec, error) {
	if path == "" {
		return nil, fmt.Errorf("-jobs flag is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jobs file %s: %w", path, err)
	}
	var specs []crawl.JobSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parse jobs file %s: %w", path, err)
	}
	return specs, nil
}

func buildArchive(ctx context.Context, cfg config.ArchiveConfig) (crawl.BlobStore, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "memory":
		return archive.NewMemory(), nil
	case "local":
		return archive.NewLocal(cfg.LocalRoot)
	case "gcs":
		return archive.NewGCS(ctx, cfg.GCSBucket)
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}

func buildPublisher(ctx context.Context, cfg config.PublisherConfig) (crawl.Publisher, func(), error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil, nil
	case "memory":
		return publisher.NewMemory(), nil, nil
	case "pubsub":
		ps, err := publisher.NewPubSub(ctx, cfg.PubSubProjectID)
		if err != nil {
			return nil, nil, err
		}
		return ps, func() { ps.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown publisher backend %q", cfg.Backend)
	}
}
