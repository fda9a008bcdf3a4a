package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	copy(out, s.batches)
	return out
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

// TestHubFlushesOnBatchSize verifies a full batch is flushed without waiting
// for the ticker.
func TestHubFlushesOnBatchSize(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{
		BufferSize:     16,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer hub.Close(context.Background())

	hub.Emit(Event{Type: TypeJobCompleted, JobID: "j1"})
	hub.Emit(Event{Type: TypeJobCompleted, JobID: "j2"})
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 5*time.Millisecond)
}

// TestHubFlushesOnTimer verifies small batches flush when the wait elapses.
func TestHubFlushesOnTimer(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{
		BufferSize:     16,
		MaxBatchEvents: 100,
		MaxBatchWait:   20 * time.Millisecond,
	}, sink)
	defer hub.Close(context.Background())

	hub.Emit(Event{Type: TypeInstanceCreated, InstanceID: "i1"})
	require.Eventually(t, func() bool {
		return sink.total() == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubCloseDrains verifies buffered events reach sinks before Close
// returns, and sinks are closed.
func TestHubCloseDrains(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{
		BufferSize:     16,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	for i := 0; i < 5; i++ {
		hub.Emit(Event{Type: TypeJobRetried, JobID: "j"})
	}
	require.NoError(t, hub.Close(context.Background()))
	require.Equal(t, 5, sink.total())
	require.True(t, sink.Closed())

	// Emit after close is a no-op.
	hub.Emit(Event{Type: TypeJobRetried, JobID: "late"})
	require.Equal(t, 5, sink.total())
}

// TestHubDropsWhenFull verifies Emit never blocks even with no consumer
// keeping up.
func TestHubDropsWhenFull(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		events: make(chan Event, 1),
		logger: zap.NewNop(),
	}

	start := time.Now()
	for i := 0; i < 100; i++ {
		hub.Emit(Event{Type: TypeJobCompleted})
	}
	require.Less(t, time.Since(start), 200*time.Millisecond)
	require.Positive(t, hub.dropped.Load())
}

// TestHubRejectsInvalidEvents verifies type-less events are discarded.
func TestHubRejectsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{MaxBatchWait: 10 * time.Millisecond}, sink)
	defer hub.Close(context.Background())

	hub.Emit(Event{})
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, sink.total())
}

// TestNilHubIsSafe verifies components can run without a hub wired.
func TestNilHubIsSafe(t *testing.T) {
	t.Parallel()

	var hub *Hub
	hub.Emit(Event{Type: TypeJobCompleted})
	require.NoError(t, hub.Close(context.Background()))
}
