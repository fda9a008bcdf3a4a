// Package crawl defines core types shared across subsystems.
package crawl

import (
	"net/http"
	"strings"
	"time"
)

// RenderMode selects how a job's URL is fetched.
type RenderMode string

const (
	// RenderModeBrowser fetches through a pooled headless browser page.
	RenderModeBrowser RenderMode = "browser"
	// RenderModeStatic fetches with a plain HTTP client, bypassing the pool.
	RenderModeStatic RenderMode = "static"
)

// FailureReason classifies why an attempt or job failed.
type FailureReason string

// Failure reasons recorded on results and used for retry classification.
const (
	ReasonNone        FailureReason = ""
	ReasonTimeout     FailureReason = "timeout"
	ReasonCrashed     FailureReason = "resource_crashed"
	ReasonPoolBusy    FailureReason = "pool_busy"
	ReasonHTTPStatus  FailureReason = "http_status"
	ReasonNetwork     FailureReason = "network"
	ReasonExtraction  FailureReason = "extraction"
	ReasonFiltered    FailureReason = "filtered"
	ReasonCancelled   FailureReason = "cancelled"
	ReasonUnreachable FailureReason = "unreachable"
)

// JobSpec is the external input contract for one crawl target. URL discovery
// (sitemaps, link following) happens upstream; the engine accepts a resolved
// URL set only.
type JobSpec struct {
	URL              string            `json:"url" mapstructure:"url"`
	MaxRetries       int               `json:"max_retries" mapstructure:"max_retries"`
	IncludePatterns  []string          `json:"include_patterns" mapstructure:"include_patterns"`
	ExcludePatterns  []string          `json:"exclude_patterns" mapstructure:"exclude_patterns"`
	RespectRateLimit bool              `json:"respect_rate_limit" mapstructure:"respect_rate_limit"`
	RenderMode       RenderMode        `json:"render_mode" mapstructure:"render_mode"`
	Metadata         map[string]string `json:"metadata" mapstructure:"metadata"`
}

// Job is the immutable unit of work built from a JobSpec. It is created once
// by the coordinator and never mutated after enqueue.
type Job struct {
	ID               string
	URL              string
	Host             string
	MaxRetries       int
	Filter           *Filter
	RespectRateLimit bool
	RenderMode       RenderMode
	Metadata         map[string]string
	Submitted        time.Time
}

// Attempt wraps a job for one pass through a worker. Number counts network
// attempts (1-based); Requeues counts every re-enqueue including those that
// did not consume a network attempt, such as pool-acquisition timeouts.
type Attempt struct {
	Job      Job
	Number   int
	Requeues int
}

// Result is the terminal, immutable outcome of one job. Exactly one Result is
// produced per job regardless of how many attempts were made.
type Result struct {
	JobID       string            `json:"job_id"`
	URL         string            `json:"url"`
	FinalURL    string            `json:"final_url"`
	Success     bool              `json:"success"`
	StatusCode  int               `json:"status_code"`
	Content     string            `json:"content,omitempty"`
	Title       string            `json:"title,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Links       []string          `json:"links,omitempty"`
	ContentHash string            `json:"content_hash,omitempty"`
	BlobURI     string            `json:"blob_uri,omitempty"`
	CrawledAt   time.Time         `json:"crawled_at"`
	DurationMs  int64             `json:"duration_ms"`
	Attempts    int               `json:"attempts"`
	UsedBrowser bool              `json:"used_browser"`
	Error       string            `json:"error,omitempty"`
	Reason      FailureReason     `json:"reason,omitempty"`
}

// Chunk is a contiguous slice of normalized document text prepared for
// embedding. Start and End are rune offsets into the normalized text.
type Chunk struct {
	ID         string            `json:"chunk_id"`
	DocumentID string            `json:"document_id"`
	Index      int               `json:"chunk_index"`
	Start      int               `json:"start"`
	End        int               `json:"end"`
	Text       string            `json:"text"`
	SourceURL  string            `json:"source_url"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	JobID   string
	URL     string
	Headers http.Header
}

// FetchResponse is the raw outcome of a fetch, before extraction.
type FetchResponse struct {
	URL         string
	StatusCode  int
	Headers     http.Header
	Body        []byte
	Duration    time.Duration
	UsedBrowser bool
}

// ContentType returns the media type of the response body, without parameters.
func (r FetchResponse) ContentType() string {
	ct := r.Headers.Get("Content-Type")
	if base, _, found := strings.Cut(ct, ";"); found {
		ct = base
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// Document is the output of content extraction.
type Document struct {
	Title    string
	Text     string
	Links    []string
	Metadata map[string]string
}
