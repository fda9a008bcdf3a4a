// Package extract turns raw fetched content into structured documents.
package extract

import (
	"fmt"

	"github.com/calebduke/webharvest/internal/crawl"
)

// Extractor converts one fetched response into a Document. Extraction
// failures are permanent: the fetch itself worked, the content is unusable.
type Extractor interface {
	Extract(resp crawl.FetchResponse) (crawl.Document, error)
}

// Registry maps declared content types to extractor variants. The variant is
// resolved once per response; unknown types fall back to the default
// extractor when one is set.
type Registry struct {
	byType   map[string]Extractor
	fallback Extractor
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]Extractor)}
}

// Register binds an extractor to a media type, e.g. "text/html".
func (r *Registry) Register(contentType string, ex Extractor) *Registry {
	r.byType[contentType] = ex
	return r
}

// SetFallback sets the extractor for unregistered content types.
func (r *Registry) SetFallback(ex Extractor) *Registry {
	r.fallback = ex
	return r
}

// Extract resolves the extractor for the response's content type and runs it.
func (r *Registry) Extract(resp crawl.FetchResponse) (crawl.Document, error) {
	ct := resp.ContentType()
	ex, ok := r.byType[ct]
	if !ok {
		ex = r.fallback
	}
	if ex == nil {
		return crawl.Document{}, fmt.Errorf("no extractor for content type %q", ct)
	}
	doc, err := ex.Extract(resp)
	if err != nil {
		return crawl.Document{}, fmt.Errorf("extract %s content: %w", ct, err)
	}
	return doc, nil
}

// Default returns a registry covering the content types the engine crawls:
// HTML (and XHTML) via the DOM extractor, plain text via passthrough.
func Default() *Registry {
	html := NewHTML()
	return NewRegistry().
		Register("text/html", html).
		Register("application/xhtml+xml", html).
		Register("text/plain", NewPlainText()).
		SetFallback(html)
}
