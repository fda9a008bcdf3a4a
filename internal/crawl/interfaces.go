package crawl

import (
	"context"
	"time"
)

// Queue provides enqueue/dequeue semantics for crawl attempts. Enqueue blocks
// when the queue is at capacity so producers experience backpressure.
type Queue interface {
	Enqueue(ctx context.Context, att Attempt) error
	Dequeue(ctx context.Context) (Attempt, error)
}

// Fetcher retrieves a URL without browser rendering.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Embedder is the external embedding/indexing collaborator. Implementations
// own their remote retry policy; a returned error means the whole batch was
// rejected after retries.
type Embedder interface {
	Embed(ctx context.Context, chunks []Chunk) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes terminal results to an external reporting collaborator.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and instance IDs.
type IDGenerator interface {
	NewID() (string, error)
}
