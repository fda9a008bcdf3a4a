package embed

import (
	"context"
	"sync"

	"github.com/calebduke/webharvest/internal/crawl"
)

// Memory records embedded chunks in memory. Used in tests and dry runs.
type Memory struct {
	mu     sync.Mutex
	chunks []crawl.Chunk
	err    error
}

// NewMemory creates an empty in-memory embedder.
func NewMemory() *Memory {
	return &Memory{}
}

// Fail makes subsequent Embed calls return err. Pass nil to clear.
func (m *Memory) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Embed appends the batch, or fails when a forced error is set.
func (m *Memory) Embed(_ context.Context, chunks []crawl.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.chunks = append(m.chunks, chunks...)
	return nil
}

// Chunks returns a copy of everything embedded so far.
func (m *Memory) Chunks() []crawl.Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]crawl.Chunk(nil), m.chunks...)
}
