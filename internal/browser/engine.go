// Package browser manages the bounded pool of headless browser instances and
// the page leases workers fetch through.
package browser

import (
	"context"

	"github.com/calebduke/webharvest/internal/crawl"
)

// Engine launches browser instances. The chromedp implementation is the
// production engine; tests substitute fakes.
type Engine interface {
	Launch(ctx context.Context) (EngineInstance, error)
}

// EngineInstance is one running browser process hosting multiple pages.
type EngineInstance interface {
	// NewPage opens a fresh page context inside the instance.
	NewPage(ctx context.Context) (EnginePage, error)
	// Probe checks the instance is still responsive.
	Probe(ctx context.Context) error
	// Close tears the instance down.
	Close(ctx context.Context) error
	// Done is closed when the underlying browser dies on its own.
	Done() <-chan struct{}
}

// EnginePage performs one navigation inside an instance.
type EnginePage interface {
	Navigate(ctx context.Context, req crawl.FetchRequest) (crawl.FetchResponse, error)
	Close() error
}
