// Package ingest turns successful crawl results into embedded chunks.
package ingest

import (
	"context"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/calebduke/webharvest/internal/crawl"
	"github.com/calebduke/webharvest/internal/events"
)

// Config controls the ingestion pipeline.
type Config struct {
	// MinContentLength is the minimum normalized length in runes; shorter
	// documents are skipped without error.
	MinContentLength int
	// BatchSize bounds how many chunks go to the embedder per call.
	BatchSize int
	Chunker   ChunkerConfig
}

// Pipeline normalizes, chunks, and embeds crawl results.
type Pipeline struct {
	cfg      Config
	chunker  *Chunker
	embedder crawl.Embedder
	hub      *events.Hub
	logger   *zap.Logger
}

// NewPipeline constructs the pipeline. hub may be nil.
func NewPipeline(cfg Config, embedder crawl.Embedder, hub *events.Hub, logger *zap.Logger) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:      cfg,
		chunker:  NewChunker(cfg.Chunker),
		embedder: embedder,
		hub:      hub,
		logger:   logger,
	}
}

// Process ingests one successful result and returns how many chunks were
// embedded. Failed results and documents below the minimum length yield zero
// chunks and no error.
func (p *Pipeline) Process(ctx context.Context, res crawl.Result) (int, error) {
	if !res.Success {
		return 0, nil
	}
	text := Normalize(res.Content)
	if utf8.RuneCountInString(text) < p.cfg.MinContentLength {
		p.logger.Debug("document below minimum length, skipping",
			zap.String("job_id", res.JobID),
			zap.String("url", res.URL))
		return 0, nil
	}

	chunks := p.chunker.Split(res.JobID, sourceURL(res), text, chunkMetadata(res))
	for batchStart := 0; batchStart < len(chunks); batchStart += p.cfg.BatchSize {
		batchEnd := batchStart + p.cfg.BatchSize
		if batchEnd > len(chunks) {
			batchEnd = len(chunks)
		}
		if err := p.embedder.Embed(ctx, chunks[batchStart:batchEnd]); err != nil {
			return batchStart, fmt.Errorf("embed chunks for job %s: %w", res.JobID, err)
		}
	}

	p.hub.Emit(events.Event{
		Type:  events.TypeChunksEmbedded,
		JobID: res.JobID,
		URL:   res.URL,
		Count: len(chunks),
	})
	return len(chunks), nil
}

func sourceURL(res crawl.Result) string {
	if res.FinalURL != "" {
		return res.FinalURL
	}
	return res.URL
}

// chunkMetadata carries document-level context down to each chunk.
func chunkMetadata(res crawl.Result) map[string]string {
	md := make(map[string]string, len(res.Metadata)+2)
	for k, v := range res.Metadata {
		md[k] = v
	}
	if res.Title != "" {
		md["title"] = res.Title
	}
	if res.ContentHash != "" {
		md["content_hash"] = res.ContentHash
	}
	if len(md) == 0 {
		return nil
	}
	return md
}
