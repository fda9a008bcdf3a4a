// Package events provides a batching fan-out hub for engine lifecycle events.
// The pool, workers, and pipeline emit events; sinks (logs, Prometheus, the
// coordinator's dispatch gate) consume them in order without re-entering the
// emitter's locks.
package events

import (
	"context"
	"errors"
	"time"
)

// Type identifies the kind of event.
type Type string

// Event types emitted by the engine.
const (
	TypeInstanceCreated Type = "instance_created"
	TypeInstanceRetired Type = "instance_retired"
	TypeInstanceCrashed Type = "instance_crashed"
	TypePoolSuspended   Type = "pool_suspended"
	TypePoolResumed     Type = "pool_resumed"
	TypeJobRetried      Type = "job_retried"
	TypeJobCompleted    Type = "job_completed"
	TypeChunksEmbedded  Type = "chunks_embedded"
)

// Event is a single engine occurrence. Only Type is mandatory; the remaining
// fields are filled as relevant for the event type.
type Event struct {
	Type       Type
	At         time.Time
	JobID      string
	InstanceID string
	Host       string
	URL        string
	Reason     string
	Result     string
	Count      int
	Dur        time.Duration
}

// Validate rejects events that no sink could attribute.
func (e Event) Validate() error {
	if e.Type == "" {
		return errors.New("event type is required")
	}
	return nil
}

// Sink consumes batches of events. Consume is called from a single hub
// goroutine, in emission order.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}
