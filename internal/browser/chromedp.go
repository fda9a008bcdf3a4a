package browser

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/calebduke/webharvest/internal/crawl"
)

// ChromeConfig controls the chromedp-backed engine.
type ChromeConfig struct {
	UserAgent string
	// ExtraFlags are appended to the default Chrome launch flags.
	ExtraFlags map[string]any
}

// ChromeEngine launches headless Chrome processes via chromedp. Each Launch
// starts a dedicated browser process; pages are tabs within it.
type ChromeEngine struct {
	cfg ChromeConfig
}

// NewChromeEngine creates the production engine.
func NewChromeEngine(cfg ChromeConfig) *ChromeEngine {
	return &ChromeEngine{cfg: cfg}
}

// Launch starts one headless Chrome process and waits for it to be ready.
func (e *ChromeEngine) Launch(ctx context.Context) (EngineInstance, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	for name, value := range e.cfg.ExtraFlags {
		opts = append(opts, chromedp.Flag(name, value))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	startCtx := browserCtx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithDeadline(browserCtx, deadline)
		defer cancel()
	}
	if err := chromedp.Run(startCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	return &chromeInstance{
		engine:        e,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}, nil
}

type chromeInstance struct {
	engine        *ChromeEngine
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	closeOnce     sync.Once
}

// NewPage opens a new tab in the browser.
func (c *chromeInstance) NewPage(ctx context.Context) (EnginePage, error) {
	select {
	case <-c.browserCtx.Done():
		return nil, fmt.Errorf("new page: %w", c.browserCtx.Err())
	case <-ctx.Done():
		return nil, fmt.Errorf("new page: %w", ctx.Err())
	default:
	}
	tabCtx, tabCancel := chromedp.NewContext(c.browserCtx)
	return &chromePage{
		userAgent: c.engine.cfg.UserAgent,
		tabCtx:    tabCtx,
		tabCancel: tabCancel,
	}, nil
}

// Probe lists CDP targets, which fails fast when the browser is gone.
func (c *chromeInstance) Probe(ctx context.Context) error {
	probeCtx := c.browserCtx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithDeadline(c.browserCtx, deadline)
		defer cancel()
	}
	if _, err := chromedp.Targets(probeCtx); err != nil {
		return fmt.Errorf("probe chrome: %w", err)
	}
	return nil
}

// Close tears down the browser process and its allocator.
func (c *chromeInstance) Close(context.Context) error {
	c.closeOnce.Do(func() {
		c.browserCancel()
		c.allocCancel()
	})
	return nil
}

// Done is closed when the browser process dies or is cancelled.
func (c *chromeInstance) Done() <-chan struct{} {
	return c.browserCtx.Done()
}

type chromePage struct {
	userAgent string
	tabCtx    context.Context
	tabCancel context.CancelFunc
	closeOnce sync.Once
}

// Navigate loads the URL in the tab and returns the fully rendered DOM along
// with status, headers, and the post-redirect URL captured from CDP events.
func (p *chromePage) Navigate(ctx context.Context, req crawl.FetchRequest) (crawl.FetchResponse, error) {
	runCtx, cancel := context.WithCancel(p.tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(runCtx, meta.captureEvent)

	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		p.setupAction(req.Headers),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}

	start := time.Now()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return crawl.FetchResponse{}, fmt.Errorf("navigate %s: %w", req.URL, ctx.Err())
		}
		return crawl.FetchResponse{}, fmt.Errorf("navigate %s: %w", req.URL, err)
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(req.URL, finalURL)
	return crawl.FetchResponse{
		URL:         responseURL,
		StatusCode:  status,
		Headers:     headers,
		Body:        []byte(html),
		Duration:    time.Since(start),
		UsedBrowser: true,
	}, nil
}

// Close disposes the tab context.
func (p *chromePage) Close() error {
	p.closeOnce.Do(p.tabCancel)
	return nil
}

func (p *chromePage) setupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if p.userAgent != "" {
			if err := emulation.SetUserAgentOverride(p.userAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// responseMeta captures the document response from CDP network events.
type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range resp.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.headers = headers
	m.url = resp.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status := m.status
	headers := m.headers.Clone()
	url := m.url
	m.mu.RUnlock()

	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	if headers == nil {
		headers = http.Header{}
	}
	return status, headers, url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
