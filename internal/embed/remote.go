// Package embed provides Embedder implementations: a remote HTTP indexing
// service client and an in-memory fake for tests.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/calebduke/webharvest/internal/crawl"
)

// RemoteConfig configures the HTTP embedding client.
type RemoteConfig struct {
	Endpoint    string
	APIKey      string
	Timeout     time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
	ServiceName string
}

// Remote sends chunk batches to an embedding/indexing service as JSON. The
// remote owns vectorization; this client only delivers text and metadata.
type Remote struct {
	cfg    RemoteConfig
	client *http.Client
	logger *zap.Logger
}

// NewRemote builds the client.
func NewRemote(cfg RemoteConfig, logger *zap.Logger) *Remote {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Remote{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type embedRequest struct {
	Source string        `json:"source,omitempty"`
	Chunks []crawl.Chunk `json:"chunks"`
}

// Embed posts the batch, retrying transient failures with a linear backoff.
// A non-retryable status or exhausted retries fails the whole batch.
func (r *Remote) Embed(ctx context.Context, chunks []crawl.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	payload, err := json.Marshal(embedRequest{Source: r.cfg.ServiceName, Chunks: chunks})
	if err != nil {
		return fmt.Errorf("marshal embed request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("embed batch: %w", ctx.Err())
			case <-time.After(time.Duration(attempt) * r.cfg.RetryDelay):
			}
		}
		retryable, err := r.post(ctx, payload)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
		r.logger.Warn("embed batch attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Int("chunks", len(chunks)),
			zap.Error(err))
	}
	return fmt.Errorf("embed batch after %d attempts: %w", r.cfg.MaxRetries+1, lastErr)
}

func (r *Remote) post(ctx context.Context, payload []byte) (retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("post embed batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err = fmt.Errorf("embed service returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	return crawl.RetryableStatus(resp.StatusCode), err
}
