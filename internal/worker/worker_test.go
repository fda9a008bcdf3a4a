package worker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calebduke/webharvest/internal/archive"
	"github.com/calebduke/webharvest/internal/browser"
	"github.com/calebduke/webharvest/internal/clock/system"
	"github.com/calebduke/webharvest/internal/crawl"
	"github.com/calebduke/webharvest/internal/extract"
	"github.com/calebduke/webharvest/internal/hash/sha256"
	"github.com/calebduke/webharvest/internal/queue"
)

type retryCall struct {
	att             crawl.Attempt
	reason          crawl.FailureReason
	consumedAttempt bool
}

type stubReporter struct {
	mu      sync.Mutex
	retries []retryCall
	results []crawl.Result
}

func (r *stubReporter) ReportRetryable(_ context.Context, att crawl.Attempt, reason crawl.FailureReason, consumedAttempt bool, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries = append(r.retries, retryCall{att: att, reason: reason, consumedAttempt: consumedAttempt})
}

func (r *stubReporter) ReportResult(_ context.Context, res crawl.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *stubReporter) onlyResult(t *testing.T) crawl.Result {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.results, 1)
	require.Empty(t, r.retries)
	return r.results[0]
}

func (r *stubReporter) onlyRetry(t *testing.T) retryCall {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.retries, 1)
	require.Empty(t, r.results)
	return r.retries[0]
}

type stubLimiter struct {
	mu    sync.Mutex
	hosts []string
	err   error
}

func (l *stubLimiter) Wait(_ context.Context, host string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.hosts = append(l.hosts, host)
	return nil
}

type stubFetcher struct {
	mu    sync.Mutex
	resp  crawl.FetchResponse
	err   error
	calls int
}

func (f *stubFetcher) Fetch(context.Context, crawl.FetchRequest) (crawl.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return crawl.FetchResponse{}, f.err
	}
	return f.resp, nil
}

func htmlFetchResponse(url, body string, status int) crawl.FetchResponse {
	return crawl.FetchResponse{
		URL:        url,
		StatusCode: status,
		Headers:    http.Header{"Content-Type": []string{"text/html"}},
		Body:       []byte(body),
	}
}

func staticAttempt(url string) crawl.Attempt {
	host, _ := crawl.HostOf(url)
	return crawl.Attempt{
		Job: crawl.Job{
			ID:               "job-1",
			URL:              url,
			Host:             host,
			MaxRetries:       2,
			RespectRateLimit: true,
			RenderMode:       crawl.RenderModeStatic,
			Metadata:         map[string]string{"batch": "nightly"},
		},
		Number: 1,
	}
}

func newStaticWorker(fetcher crawl.Fetcher, limiter RateLimiter, reporter Reporter, blobs crawl.BlobStore) *Worker {
	return New(
		queue.New(1),
		nil,
		limiter,
		fetcher,
		extract.Default(),
		blobs,
		sha256.New(),
		system.New(),
		nil,
		reporter,
		Config{AcquireTimeout: 50 * time.Millisecond, FetchTimeout: time.Second, ArchivePrefix: "crawls"},
		nil,
	)
}

// TestProcessSuccess covers the full static happy path: fetch, extract, hash,
// archive, report.
func TestProcessSuccess(t *testing.T) {
	t.Parallel()

	body := `<html><head><title>Doc</title><meta name="author" content="ann"></head>` +
		`<body><p>real content</p><a href="/next">next</a></body></html>`
	fetcher := &stubFetcher{resp: htmlFetchResponse("https://example.com/doc/", body, http.StatusOK)}
	limiter := &stubLimiter{}
	reporter := &stubReporter{}
	blobs := archive.NewMemory()

	w := newStaticWorker(fetcher, limiter, reporter, blobs)
	w.process(context.Background(), staticAttempt("https://example.com/doc"))

	res := reporter.onlyResult(t)
	require.True(t, res.Success)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "https://example.com/doc/", res.FinalURL)
	require.Equal(t, "Doc", res.Title)
	require.Contains(t, res.Content, "real content")
	require.Equal(t, []string{"https://example.com/next"}, res.Links)
	require.Equal(t, "ann", res.Metadata["author"])
	require.Equal(t, "nightly", res.Metadata["batch"], "job metadata must survive")
	require.NotEmpty(t, res.ContentHash)
	require.NotEmpty(t, res.BlobURI)
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, []string{"example.com"}, limiter.hosts)
	require.Equal(t, 1, blobs.Len())
}

// TestProcessFilterRejection verifies filtered URLs terminate without any
// network activity.
func TestProcessFilterRejection(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{}
	limiter := &stubLimiter{}
	reporter := &stubReporter{}
	w := newStaticWorker(fetcher, limiter, reporter, nil)

	att := staticAttempt("https://example.com/admin/panel")
	filter, err := crawl.NewFilter(nil, []string{`/admin/`})
	require.NoError(t, err)
	att.Job.Filter = filter

	w.process(context.Background(), att)

	res := reporter.onlyResult(t)
	require.False(t, res.Success)
	require.Equal(t, crawl.ReasonFiltered, res.Reason)
	require.Zero(t, fetcher.calls)
	require.Empty(t, limiter.hosts)
}

// TestProcessSkipsRateLimitWhenDisabled verifies the limiter is bypassed for
// jobs that opt out.
func TestProcessSkipsRateLimitWhenDisabled(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{resp: htmlFetchResponse("https://example.com/", "<html><body>ok</body></html>", http.StatusOK)}
	limiter := &stubLimiter{err: errors.New("limiter should not be consulted")}
	reporter := &stubReporter{}
	w := newStaticWorker(fetcher, limiter, reporter, nil)

	att := staticAttempt("https://example.com/")
	att.Job.RespectRateLimit = false
	w.process(context.Background(), att)

	require.True(t, reporter.onlyResult(t).Success)
}

// TestProcessPermanentHTTPFailure verifies 4xx statuses terminate the job.
func TestProcessPermanentHTTPFailure(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{resp: htmlFetchResponse("https://example.com/gone", "not found", http.StatusNotFound)}
	reporter := &stubReporter{}
	w := newStaticWorker(fetcher, &stubLimiter{}, reporter, nil)

	w.process(context.Background(), staticAttempt("https://example.com/gone"))

	res := reporter.onlyResult(t)
	require.False(t, res.Success)
	require.Equal(t, crawl.ReasonHTTPStatus, res.Reason)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
}

// TestProcessRetryableHTTPStatus verifies 5xx statuses are reported as
// retryable with the attempt consumed.
func TestProcessRetryableHTTPStatus(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{resp: htmlFetchResponse("https://example.com/busy", "busy", http.StatusServiceUnavailable)}
	reporter := &stubReporter{}
	w := newStaticWorker(fetcher, &stubLimiter{}, reporter, nil)

	w.process(context.Background(), staticAttempt("https://example.com/busy"))

	retry := reporter.onlyRetry(t)
	require.Equal(t, crawl.ReasonHTTPStatus, retry.reason)
	require.True(t, retry.consumedAttempt)
	require.Equal(t, 1, retry.att.Number)
}

// TestProcessNetworkError verifies transport failures are retryable.
func TestProcessNetworkError(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{err: errors.New("connection reset")}
	reporter := &stubReporter{}
	w := newStaticWorker(fetcher, &stubLimiter{}, reporter, nil)

	w.process(context.Background(), staticAttempt("https://example.com/"))

	retry := reporter.onlyRetry(t)
	require.Equal(t, crawl.ReasonNetwork, retry.reason)
	require.True(t, retry.consumedAttempt)
}

// TestProcessExtractionFailureIsTerminal verifies unusable content never
// retries: the fetch worked, the document is at fault.
func TestProcessExtractionFailureIsTerminal(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{resp: htmlFetchResponse("https://example.com/empty", "<html><body></body></html>", http.StatusOK)}
	reporter := &stubReporter{}
	w := newStaticWorker(fetcher, &stubLimiter{}, reporter, nil)

	w.process(context.Background(), staticAttempt("https://example.com/empty"))

	res := reporter.onlyResult(t)
	require.False(t, res.Success)
	require.Equal(t, crawl.ReasonExtraction, res.Reason)
}

// TestProcessCancelledDuringRateLimit verifies cancellation yields a
// cancelled terminal result, not a retry.
func TestProcessCancelledDuringRateLimit(t *testing.T) {
	t.Parallel()

	reporter := &stubReporter{}
	limiter := &stubLimiter{err: context.Canceled}
	w := newStaticWorker(&stubFetcher{}, limiter, reporter, nil)

	w.process(context.Background(), staticAttempt("https://example.com/"))

	res := reporter.onlyResult(t)
	require.False(t, res.Success)
	require.Equal(t, crawl.ReasonCancelled, res.Reason)
}

// TestProcessPoolBusyDoesNotConsumeAttempt verifies an acquire timeout is
// reported retryable without spending a network attempt.
func TestProcessPoolBusyDoesNotConsumeAttempt(t *testing.T) {
	t.Parallel()

	engine := &neverReadyEngine{}
	pool := browser.New(browser.Config{
		MaxInstances:        1,
		MaxPagesPerInstance: 1,
		HealthCheckInterval: time.Hour,
		CreateTimeout:       50 * time.Millisecond,
		ShutdownGrace:       100 * time.Millisecond,
	}, engine, nil, system.New(), idStub{}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})

	reporter := &stubReporter{}
	w := New(
		queue.New(1),
		pool,
		&stubLimiter{},
		&stubFetcher{},
		extract.Default(),
		nil,
		sha256.New(),
		system.New(),
		nil,
		reporter,
		Config{AcquireTimeout: 50 * time.Millisecond, FetchTimeout: time.Second},
		nil,
	)

	att := staticAttempt("https://example.com/js-page")
	att.Job.RenderMode = crawl.RenderModeBrowser
	att.Requeues = 2
	w.process(context.Background(), att)

	retry := reporter.onlyRetry(t)
	require.Equal(t, crawl.ReasonPoolBusy, retry.reason)
	require.False(t, retry.consumedAttempt)
	require.Equal(t, 1, retry.att.Number)
	require.Equal(t, 2, retry.att.Requeues)
}

func TestClassifyFetchError(t *testing.T) {
	t.Parallel()

	require.Equal(t, crawl.ReasonCrashed, classifyFetchError(browser.ErrInstanceCrashed))
	require.Equal(t, crawl.ReasonTimeout, classifyFetchError(context.DeadlineExceeded))
	require.Equal(t, crawl.ReasonTimeout, classifyFetchError(&net.DNSError{IsTimeout: true}))
	require.Equal(t, crawl.ReasonNetwork, classifyFetchError(errors.New("connection refused")))
}

// neverReadyEngine hangs every launch so acquisitions can only time out.
type neverReadyEngine struct{}

func (neverReadyEngine) Launch(ctx context.Context) (browser.EngineInstance, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type idStub struct{}

func (idStub) NewID() (string, error) { return "inst-1", nil }
