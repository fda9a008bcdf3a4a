// Package coordinator owns a crawl run: job intake, worker lifecycle, retry
// scheduling, result accounting, and ordered shutdown.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/calebduke/webharvest/internal/crawl"
	"github.com/calebduke/webharvest/internal/events"
	"github.com/calebduke/webharvest/internal/extract"
	"github.com/calebduke/webharvest/internal/ingest"
	"github.com/calebduke/webharvest/internal/queue"
	"github.com/calebduke/webharvest/internal/worker"
)

// Pool is the slice of the browser pool the coordinator drives directly.
type Pool interface {
	worker.PagePool
	Shutdown(ctx context.Context) error
}

// Config controls a crawl run.
type Config struct {
	Workers       int
	QueueCapacity int
	// MaxRequeues caps re-enqueues that did not consume a network attempt,
	// so pool-acquisition timeouts cannot loop a job forever.
	MaxRequeues int
	// DefaultMaxRetries applies to job specs that leave MaxRetries unset.
	DefaultMaxRetries int
	ResultTopic       string
	ShutdownGrace     time.Duration
	Backoff           BackoffConfig
	Worker            worker.Config
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = 10
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 0
	}
	if c.ResultTopic == "" {
		c.ResultTopic = "crawl-results"
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 15 * time.Second
	}
	return c
}

// Deps are the collaborators a run is wired from. Archive, Publisher, Hub,
// Pipeline, and Gate may be nil; the corresponding behavior is skipped.
type Deps struct {
	Pool       Pool
	Limiter    worker.RateLimiter
	Static     crawl.Fetcher
	Extractors *extract.Registry
	Archive    crawl.BlobStore
	Hasher     crawl.Hasher
	Clock      crawl.Clock
	IDs        crawl.IDGenerator
	Pipeline   *ingest.Pipeline
	Publisher  crawl.Publisher
	Hub        *events.Hub
	Gate       *Gate
	Logger     *zap.Logger
}

// Summary aggregates one run's terminal results.
type Summary struct {
	Total          int
	Succeeded      int
	Failed         int
	Cancelled      int
	ChunksEmbedded int
	Duration       time.Duration
	Results        []crawl.Result
}

// Coordinator executes batches of job specs. A Coordinator is single-use:
// construct one per run.
type Coordinator struct {
	cfg     Config
	deps    Deps
	queue   *queue.Queue
	backoff *Backoff
	logger  *zap.Logger

	mu       sync.Mutex
	timerWG  sync.WaitGroup
	runCtx   context.Context
	draining bool
	terminal map[string]bool
	timers   map[string]*time.Timer
	results  []crawl.Result
	chunks   int
	pending  int
	doneCh   chan struct{}
}

// New wires a coordinator from its dependencies.
func New(cfg Config, deps Deps) *Coordinator {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:      cfg,
		deps:     deps,
		queue:    queue.New(cfg.QueueCapacity),
		backoff:  NewBackoff(cfg.Backoff),
		logger:   logger,
		terminal: make(map[string]bool),
		timers:   make(map[string]*time.Timer),
		doneCh:   make(chan struct{}),
	}
}

// Run crawls the specs and blocks until every job has exactly one terminal
// result or the context is cancelled. On cancellation, unfinished jobs are
// recorded as cancelled and resources are released before returning.
func (c *Coordinator) Run(ctx context.Context, specs []crawl.JobSpec) (Summary, error) {
	start := time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.runCtx = runCtx
	c.pending = len(specs)
	c.mu.Unlock()

	if len(specs) == 0 {
		close(c.doneCh)
	}

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		w := c.newWorker()
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(runCtx)
		}()
	}

	c.intake(runCtx, specs)

	select {
	case <-c.doneCh:
	case <-ctx.Done():
		c.logger.Info("run cancelled, winding down", zap.Error(ctx.Err()))
	}

	// Shutdown order: stop intake and workers, settle scheduled retries,
	// drain the queue, then release the pool.
	cancel()
	c.cancelTimers()
	c.timerWG.Wait()
	wg.Wait()
	c.queue.Close()
	c.drainQueue()

	if c.deps.Pool != nil {
		sctx, scancel := context.WithTimeout(context.Background(), c.cfg.ShutdownGrace)
		if err := c.deps.Pool.Shutdown(sctx); err != nil {
			c.logger.Warn("pool shutdown incomplete", zap.Error(err))
		}
		scancel()
	}

	summary := c.summarize(time.Since(start))
	c.logger.Info("run complete",
		zap.Int("total", summary.Total),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("cancelled", summary.Cancelled),
		zap.Int("chunks_embedded", summary.ChunksEmbedded),
		zap.Duration("duration", summary.Duration))
	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("run interrupted: %w", err)
	}
	return summary, nil
}

func (c *Coordinator) newWorker() *worker.Worker {
	return worker.New(
		c.queue,
		c.deps.Pool,
		c.deps.Limiter,
		c.deps.Static,
		c.deps.Extractors,
		c.deps.Archive,
		c.deps.Hasher,
		c.deps.Clock,
		gateOrNil(c.deps.Gate),
		c,
		c.cfg.Worker,
		c.logger.Named("worker"),
	)
}

// gateOrNil keeps a typed-nil *Gate from becoming a non-nil worker.Gate.
func gateOrNil(g *Gate) worker.Gate {
	if g == nil {
		return nil
	}
	return g
}

// intake validates specs, builds immutable jobs, and enqueues first attempts.
// Invalid specs are finalized immediately without touching the queue.
func (c *Coordinator) intake(ctx context.Context, specs []crawl.JobSpec) {
	for _, spec := range specs {
		job, err := c.buildJob(spec)
		if err != nil {
			c.finalize(ctx, crawl.Result{
				JobID:     job.ID,
				URL:       spec.URL,
				Success:   false,
				CrawledAt: c.deps.Clock.Now(),
				Error:     err.Error(),
				Reason:    crawl.ReasonUnreachable,
			})
			continue
		}
		att := crawl.Attempt{Job: job, Number: 1}
		if err := c.queue.Enqueue(ctx, att); err != nil {
			c.finalizeCancelled(ctx, att, err)
		}
	}
}

func (c *Coordinator) buildJob(spec crawl.JobSpec) (crawl.Job, error) {
	id, err := c.deps.IDs.NewID()
	if err != nil {
		id = fmt.Sprintf("job-%d", time.Now().UnixNano())
	}
	job := crawl.Job{ID: id}

	normalized, err := crawl.NormalizeURL(spec.URL)
	if err != nil {
		return job, fmt.Errorf("invalid job url %q: %w", spec.URL, err)
	}
	host, err := crawl.HostOf(normalized)
	if err != nil {
		return job, fmt.Errorf("invalid job url %q: %w", spec.URL, err)
	}
	filter, err := crawl.NewFilter(spec.IncludePatterns, spec.ExcludePatterns)
	if err != nil {
		return job, fmt.Errorf("invalid job filter: %w", err)
	}

	maxRetries := spec.MaxRetries
	if maxRetries <= 0 {
		maxRetries = c.cfg.DefaultMaxRetries
	}
	renderMode := spec.RenderMode
	if renderMode == "" {
		renderMode = crawl.RenderModeBrowser
	}

	job.URL = normalized
	job.Host = host
	job.MaxRetries = maxRetries
	job.Filter = filter
	job.RespectRateLimit = spec.RespectRateLimit
	job.RenderMode = renderMode
	job.Metadata = spec.Metadata
	job.Submitted = c.deps.Clock.Now()
	return job, nil
}

// ReportRetryable implements worker.Reporter. Exhausted attempts become
// terminal failures; otherwise the attempt is re-enqueued after a backoff
// delay without occupying a worker slot.
func (c *Coordinator) ReportRetryable(ctx context.Context, att crawl.Attempt, reason crawl.FailureReason, consumedAttempt bool, cause error) {
	maxAttempts := att.Job.MaxRetries + 1

	if consumedAttempt && att.Number >= maxAttempts {
		c.finalize(ctx, crawl.Result{
			JobID:     att.Job.ID,
			URL:       att.Job.URL,
			Success:   false,
			CrawledAt: c.deps.Clock.Now(),
			Attempts:  att.Number,
			Error:     fmt.Sprintf("retries exhausted after %d attempts: %v", att.Number, cause),
			Reason:    reason,
		})
		return
	}
	if att.Requeues >= c.cfg.MaxRequeues {
		c.finalize(ctx, crawl.Result{
			JobID:     att.Job.ID,
			URL:       att.Job.URL,
			Success:   false,
			CrawledAt: c.deps.Clock.Now(),
			Attempts:  att.Number,
			Error:     fmt.Sprintf("requeue budget exhausted after %d requeues: %v", att.Requeues, cause),
			Reason:    reason,
		})
		return
	}

	next := crawl.Attempt{Job: att.Job, Number: att.Number, Requeues: att.Requeues + 1}
	if consumedAttempt {
		next.Number = att.Number + 1
	}
	delay := c.backoff.Delay(att.Requeues)

	c.deps.Hub.Emit(events.Event{
		Type:   events.TypeJobRetried,
		JobID:  att.Job.ID,
		URL:    att.Job.URL,
		Host:   att.Job.Host,
		Reason: string(reason),
		Count:  next.Number,
		Dur:    delay,
	})
	c.logger.Debug("scheduling retry",
		zap.String("job_id", att.Job.ID),
		zap.String("reason", string(reason)),
		zap.Int("next_attempt", next.Number),
		zap.Duration("delay", delay),
		zap.Error(cause))

	c.mu.Lock()
	if c.terminal[att.Job.ID] {
		c.mu.Unlock()
		return
	}
	// Once the run is cancelled no new timer may be armed: the shutdown
	// sequence settles scheduled retries exactly once, so a report landing
	// after that point settles here instead of racing timerWG.Wait.
	if c.draining || c.runCtx == nil || c.runCtx.Err() != nil {
		c.mu.Unlock()
		c.finalizeCancelled(ctx, att, cause)
		return
	}
	runCtx := c.runCtx
	c.timerWG.Add(1)
	timer := time.AfterFunc(delay, func() {
		defer c.timerWG.Done()
		c.mu.Lock()
		delete(c.timers, att.Job.ID)
		c.mu.Unlock()
		if err := c.queue.Enqueue(runCtx, next); err != nil {
			c.finalizeCancelled(runCtx, next, err)
		}
	})
	c.timers[att.Job.ID] = timer
	c.mu.Unlock()
}

// ReportResult implements worker.Reporter with exactly-once terminal results.
func (c *Coordinator) ReportResult(ctx context.Context, res crawl.Result) {
	c.finalize(ctx, res)
}

// finalize records the job's terminal result once, fans it out to the
// ingestion pipeline and publisher, and signals completion when the last
// pending job settles.
func (c *Coordinator) finalize(ctx context.Context, res crawl.Result) {
	c.mu.Lock()
	if c.terminal[res.JobID] {
		c.mu.Unlock()
		return
	}
	c.terminal[res.JobID] = true
	if t, ok := c.timers[res.JobID]; ok {
		t.Stop()
		delete(c.timers, res.JobID)
	}
	c.results = append(c.results, res)
	c.pending--
	done := c.pending == 0
	c.mu.Unlock()

	outcome := "failed"
	if res.Success {
		outcome = "succeeded"
	}
	c.deps.Hub.Emit(events.Event{
		Type:   events.TypeJobCompleted,
		JobID:  res.JobID,
		URL:    res.URL,
		Reason: string(res.Reason),
		Result: outcome,
		Count:  res.Attempts,
		Dur:    time.Duration(res.DurationMs) * time.Millisecond,
	})

	c.fanOut(ctx, res)

	if done {
		close(c.doneCh)
	}
}

func (c *Coordinator) fanOut(ctx context.Context, res crawl.Result) {
	if ctx == nil || ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), c.cfg.ShutdownGrace)
		defer cancel()
	}
	if c.deps.Pipeline != nil && res.Success {
		count, err := c.deps.Pipeline.Process(ctx, res)
		if err != nil {
			c.logger.Error("ingestion failed",
				zap.String("job_id", res.JobID),
				zap.String("url", res.URL),
				zap.Error(err))
		}
		c.mu.Lock()
		c.chunks += count
		c.mu.Unlock()
	}
	if c.deps.Publisher != nil {
		if _, err := c.deps.Publisher.Publish(ctx, c.cfg.ResultTopic, res); err != nil {
			c.logger.Warn("result publish failed",
				zap.String("job_id", res.JobID),
				zap.Error(err))
		}
	}
}

func (c *Coordinator) finalizeCancelled(ctx context.Context, att crawl.Attempt, cause error) {
	c.finalize(ctx, crawl.Result{
		JobID:     att.Job.ID,
		URL:       att.Job.URL,
		Success:   false,
		CrawledAt: c.deps.Clock.Now(),
		Attempts:  att.Number,
		Error:     fmt.Sprintf("crawl abandoned: %v", cause),
		Reason:    crawl.ReasonCancelled,
	})
}

// cancelTimers settles every scheduled retry that has not fired yet and
// forbids arming new ones.
func (c *Coordinator) cancelTimers() {
	c.mu.Lock()
	c.draining = true
	stopped := make(map[string]*time.Timer, len(c.timers))
	for id, t := range c.timers {
		if t.Stop() {
			// A stopped timer never runs its callback, so release its
			// in-flight slot here.
			c.timerWG.Done()
			stopped[id] = t
			delete(c.timers, id)
		}
	}
	c.mu.Unlock()

	for id := range stopped {
		c.finalize(nil, crawl.Result{
			JobID:     id,
			Success:   false,
			CrawledAt: c.deps.Clock.Now(),
			Error:     "crawl abandoned: run shutting down",
			Reason:    crawl.ReasonCancelled,
		})
	}
}

// drainQueue settles attempts that never reached a worker.
func (c *Coordinator) drainQueue() {
	for {
		att, ok := c.queue.TryDequeue()
		if !ok {
			return
		}
		c.finalizeCancelled(nil, att, context.Canceled)
	}
}

func (c *Coordinator) summarize(dur time.Duration) Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Summary{
		Total:          len(c.results),
		ChunksEmbedded: c.chunks,
		Duration:       dur,
		Results:        append([]crawl.Result(nil), c.results...),
	}
	for _, res := range c.results {
		switch {
		case res.Success:
			s.Succeeded++
		case res.Reason == crawl.ReasonCancelled:
			s.Cancelled++
		default:
			s.Failed++
		}
	}
	return s
}
