// Package queue provides the bounded in-memory job queue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/calebduke/webharvest/internal/crawl"
)

// ErrClosed is returned once the queue has been closed for shutdown.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded FIFO queue with context-aware operations. Enqueue blocks
// while the queue is full, which is how backpressure reaches producers.
type Queue struct {
	ch chan crawl.Attempt

	// mu lets Close wait out in-flight Enqueues before closing the channel.
	mu     sync.RWMutex
	closed bool
}

// New constructs a queue with the provided capacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch: make(chan crawl.Attempt, capacity),
	}
}

// Enqueue pushes an attempt into the queue or returns when the context ends.
// Returns ErrClosed after Close.
func (q *Queue) Enqueue(ctx context.Context, att crawl.Attempt) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- att:
		return nil
	}
}

// Dequeue pops the next attempt, respecting context cancellation. Once the
// queue is closed and drained it returns ErrClosed.
func (q *Queue) Dequeue(ctx context.Context) (crawl.Attempt, error) {
	select {
	case <-ctx.Done():
		return crawl.Attempt{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case att, ok := <-q.ch:
		if !ok {
			return crawl.Attempt{}, ErrClosed
		}
		return att, nil
	}
}

// TryDequeue pops without blocking. Used to drain leftovers during shutdown.
func (q *Queue) TryDequeue() (crawl.Attempt, bool) {
	select {
	case att, ok := <-q.ch:
		if !ok {
			return crawl.Attempt{}, false
		}
		return att, true
	default:
		return crawl.Attempt{}, false
	}
}

// Len reports the number of queued attempts.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops intake and closes the underlying channel. Producers already
// blocked in Enqueue must be unblocked by their contexts first; Close waits
// them out. Safe to call repeatedly.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
