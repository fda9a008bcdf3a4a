// Package static implements crawl.Fetcher with a plain HTTP client via Colly.
// Jobs that do not need JavaScript rendering use this path and never touch
// the browser pool.
package static

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/calebduke/webharvest/internal/crawl"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
}

// Fetcher executes single HTTP GETs using a Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Fetcher. The base collector is cloned per fetch so hooks never
// leak between requests.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}
	return &Fetcher{cfg: cfg, baseCollector: c}
}

type fetchOutcome struct {
	resp crawl.FetchResponse
	err  error
}

// Fetch retrieves the URL and captures status, headers, and body.
func (f *Fetcher) Fetch(ctx context.Context, request crawl.FetchRequest) (crawl.FetchResponse, error) {
	if err := ctx.Err(); err != nil {
		return crawl.FetchResponse{}, fmt.Errorf("static fetch %s: %w", request.URL, err)
	}

	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	timeout := f.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	collector.SetRequestTimeout(timeout)

	start := time.Now()
	resultCh := make(chan fetchOutcome, 1)
	send := func(out fetchOutcome) {
		select {
		case resultCh <- out:
		default:
		}
	}

	collector.OnRequest(func(r *colly.Request) {
		for key, values := range request.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		send(fetchOutcome{resp: crawl.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}})
	})
	collector.OnError(func(r *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown colly error")
		}
		// Colly reports HTTP error statuses through OnError; keep the
		// status code so the worker can classify retryability.
		out := fetchOutcome{err: err}
		if r != nil && r.StatusCode != 0 {
			headers := http.Header{}
			if r.Headers != nil {
				headers = r.Headers.Clone()
			}
			out = fetchOutcome{resp: crawl.FetchResponse{
				URL:        r.Request.URL.String(),
				StatusCode: r.StatusCode,
				Headers:    headers,
				Body:       append([]byte(nil), r.Body...),
				Duration:   time.Since(start),
			}}
		}
		send(out)
	})

	if err := collector.Visit(request.URL); err != nil {
		return crawl.FetchResponse{}, fmt.Errorf("static fetch %s: %w", request.URL, err)
	}
	collector.Wait()

	if err := ctx.Err(); err != nil {
		return crawl.FetchResponse{}, fmt.Errorf("static fetch %s: %w", request.URL, err)
	}
	select {
	case out := <-resultCh:
		if out.err != nil {
			return crawl.FetchResponse{}, fmt.Errorf("static fetch %s: %w", request.URL, out.err)
		}
		return out.resp, nil
	default:
		return crawl.FetchResponse{}, fmt.Errorf("static fetch %s: no response", request.URL)
	}
}
