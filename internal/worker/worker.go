// Package worker implements the per-attempt crawl state machine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/calebduke/webharvest/internal/browser"
	"github.com/calebduke/webharvest/internal/crawl"
	"github.com/calebduke/webharvest/internal/extract"
)

// Reporter receives attempt outcomes. The coordinator implements it: terminal
// results are recorded exactly once, retryable failures are re-enqueued on a
// backoff schedule without occupying a worker slot.
type Reporter interface {
	// ReportRetryable signals a transient failure. consumedAttempt is false
	// when no network attempt happened (pool-acquisition timeout).
	ReportRetryable(ctx context.Context, att crawl.Attempt, reason crawl.FailureReason, consumedAttempt bool, cause error)
	// ReportResult delivers the terminal result for a job.
	ReportResult(ctx context.Context, res crawl.Result)
}

// PagePool is the slice of the browser pool the worker needs.
type PagePool interface {
	AcquirePage(ctx context.Context) (*browser.Page, error)
	ReleasePage(pg *browser.Page)
}

// RateLimiter gates fetches per destination host.
type RateLimiter interface {
	Wait(ctx context.Context, host string) error
}

// Gate pauses dispatch while the pool is unavailable.
type Gate interface {
	Wait(ctx context.Context) error
}

// Config controls Worker behavior.
type Config struct {
	AcquireTimeout time.Duration
	FetchTimeout   time.Duration
	UserAgent      string
	ArchivePrefix  string
}

// Worker consumes queued attempts and executes the fetch pipeline:
// filter → rate limit → acquire page → fetch → extract → report.
type Worker struct {
	queue      crawl.Queue
	pool       PagePool
	limiter    RateLimiter
	static     crawl.Fetcher
	extractors *extract.Registry
	archive    crawl.BlobStore
	hasher     crawl.Hasher
	clock      crawl.Clock
	gate       Gate
	reporter   Reporter
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Worker. archive and gate may be nil.
func New(
	queue crawl.Queue,
	pool PagePool,
	limiter RateLimiter,
	static crawl.Fetcher,
	extractors *extract.Registry,
	archive crawl.BlobStore,
	hasher crawl.Hasher,
	clock crawl.Clock,
	gate Gate,
	reporter Reporter,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:      queue,
		pool:       pool,
		limiter:    limiter,
		static:     static,
		extractors: extractors,
		archive:    archive,
		hasher:     hasher,
		clock:      clock,
		gate:       gate,
		reporter:   reporter,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run blocks, consuming attempts until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		att, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		if w.gate != nil {
			if err := w.gate.Wait(ctx); err != nil {
				w.reportCancelled(ctx, att, err)
				continue
			}
		}
		w.process(ctx, att)
	}
}

func (w *Worker) process(ctx context.Context, att crawl.Attempt) {
	job := att.Job
	start := w.clock.Now()

	if !job.Filter.Allow(job.URL) {
		w.reporter.ReportResult(ctx, w.failedResult(att, start, crawl.ReasonFiltered,
			fmt.Errorf("url %s excluded by job filter", job.URL), 0))
		return
	}

	if job.RespectRateLimit {
		if err := w.limiter.Wait(ctx, job.Host); err != nil {
			w.reportCancelled(ctx, att, err)
			return
		}
	}

	resp, fetchErr := w.fetch(ctx, att)
	if fetchErr != nil {
		if ctx.Err() != nil {
			w.reportCancelled(ctx, att, ctx.Err())
			return
		}
		var acquireErr *acquireTimeoutError
		if errors.As(fetchErr, &acquireErr) {
			// No network attempt was consumed waiting on the pool.
			w.reporter.ReportRetryable(ctx, att, crawl.ReasonPoolBusy, false, fetchErr)
			return
		}
		reason := classifyFetchError(fetchErr)
		w.reporter.ReportRetryable(ctx, att, reason, true, fetchErr)
		return
	}

	if crawl.RetryableStatus(resp.StatusCode) {
		w.reporter.ReportRetryable(ctx, att, crawl.ReasonHTTPStatus, true,
			fmt.Errorf("fetch %s: status %d", job.URL, resp.StatusCode))
		return
	}
	if resp.StatusCode >= 400 {
		res := w.failedResult(att, start, crawl.ReasonHTTPStatus,
			fmt.Errorf("fetch %s: status %d", job.URL, resp.StatusCode), resp.StatusCode)
		res.FinalURL = resp.URL
		res.UsedBrowser = resp.UsedBrowser
		w.reporter.ReportResult(ctx, res)
		return
	}

	doc, exErr := w.extractors.Extract(resp)
	if exErr != nil {
		// The resource was not at fault; the content is unusable. Terminal.
		res := w.failedResult(att, start, crawl.ReasonExtraction, exErr, resp.StatusCode)
		res.FinalURL = resp.URL
		res.UsedBrowser = resp.UsedBrowser
		w.reporter.ReportResult(ctx, res)
		return
	}

	res := crawl.Result{
		JobID:       job.ID,
		URL:         job.URL,
		FinalURL:    resp.URL,
		Success:     true,
		StatusCode:  resp.StatusCode,
		Content:     doc.Text,
		Title:       doc.Title,
		Metadata:    mergeMetadata(job.Metadata, doc.Metadata),
		Links:       doc.Links,
		CrawledAt:   start,
		DurationMs:  w.clock.Now().Sub(start).Milliseconds(),
		Attempts:    att.Number,
		UsedBrowser: resp.UsedBrowser,
	}
	if w.hasher != nil {
		if hash, err := w.hasher.Hash(resp.Body); err == nil {
			res.ContentHash = hash
		}
	}
	if w.archive != nil {
		res.BlobURI = w.archiveBody(ctx, job, res.ContentHash, resp)
	}
	w.reporter.ReportResult(ctx, res)
}

// fetch runs one network attempt through the browser pool or the static
// client, depending on the job's render mode.
func (w *Worker) fetch(ctx context.Context, att crawl.Attempt) (crawl.FetchResponse, error) {
	req := crawl.FetchRequest{JobID: att.Job.ID, URL: att.Job.URL}

	if att.Job.RenderMode == crawl.RenderModeStatic {
		fctx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
		defer cancel()
		return w.static.Fetch(fctx, req)
	}

	actx, cancel := context.WithTimeout(ctx, w.cfg.AcquireTimeout)
	page, err := w.pool.AcquirePage(actx)
	cancel()
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, browser.ErrPoolClosed) {
			return crawl.FetchResponse{}, err
		}
		return crawl.FetchResponse{}, &acquireTimeoutError{cause: err}
	}
	defer w.pool.ReleasePage(page)

	fctx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()
	return page.Fetch(fctx, req)
}

func (w *Worker) archiveBody(ctx context.Context, job crawl.Job, hash string, resp crawl.FetchResponse) string {
	if hash == "" {
		hash = "raw"
	}
	path := fmt.Sprintf("%s/%s/%s.html", w.cfg.ArchivePrefix, job.ID, hash)
	contentType := resp.Headers.Get("Content-Type")
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	uri, err := w.archive.PutObject(ctx, path, contentType, resp.Body)
	if err != nil {
		w.logger.Warn("archive write failed", zap.String("job_id", job.ID), zap.Error(err))
		return ""
	}
	return uri
}

func (w *Worker) failedResult(att crawl.Attempt, start time.Time, reason crawl.FailureReason, cause error, status int) crawl.Result {
	return crawl.Result{
		JobID:      att.Job.ID,
		URL:        att.Job.URL,
		Success:    false,
		StatusCode: status,
		CrawledAt:  start,
		DurationMs: w.clock.Now().Sub(start).Milliseconds(),
		Attempts:   att.Number,
		Error:      cause.Error(),
		Reason:     reason,
	}
}

func (w *Worker) reportCancelled(ctx context.Context, att crawl.Attempt, cause error) {
	if cause == nil {
		cause = context.Canceled
	}
	now := w.clock.Now()
	w.reporter.ReportResult(ctx, crawl.Result{
		JobID:     att.Job.ID,
		URL:       att.Job.URL,
		Success:   false,
		CrawledAt: now,
		Attempts:  att.Number,
		Error:     cause.Error(),
		Reason:    crawl.ReasonCancelled,
	})
}

// acquireTimeoutError marks a pool-acquisition timeout so the retry path can
// distinguish it from a consumed network attempt.
type acquireTimeoutError struct {
	cause error
}

func (e *acquireTimeoutError) Error() string {
	return fmt.Sprintf("acquire page slot: %v", e.cause)
}

func (e *acquireTimeoutError) Unwrap() error {
	return e.cause
}

func classifyFetchError(err error) crawl.FailureReason {
	switch {
	case errors.Is(err, browser.ErrInstanceCrashed):
		return crawl.ReasonCrashed
	case errors.Is(err, context.DeadlineExceeded):
		return crawl.ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return crawl.ReasonTimeout
	}
	return crawl.ReasonNetwork
}

func mergeMetadata(job, doc map[string]string) map[string]string {
	if len(job) == 0 && len(doc) == 0 {
		return nil
	}
	merged := make(map[string]string, len(job)+len(doc))
	for k, v := range job {
		merged[k] = v
	}
	for k, v := range doc {
		merged[k] = v
	}
	return merged
}
