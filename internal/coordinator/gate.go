package coordinator

import (
	"context"
	"sync"

	"github.com/calebduke/webharvest/internal/events"
)

// Gate pauses worker dispatch while the browser pool is suspended. It is an
// event sink: pool suspension events close the gate, resume events reopen it.
type Gate struct {
	mu     sync.Mutex
	paused bool
	openCh chan struct{}
}

// NewGate returns an open gate.
func NewGate() *Gate {
	return &Gate{}
}

// Wait blocks while the gate is closed.
func (g *Gate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		if !g.paused {
			g.mu.Unlock()
			return nil
		}
		openCh := g.openCh
		g.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-openCh:
		}
	}
}

// Paused reports whether dispatch is currently held.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Consume reacts to pool suspension lifecycle events.
func (g *Gate) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		switch evt.Type {
		case events.TypePoolSuspended:
			g.pause()
		case events.TypePoolResumed:
			g.resume()
		}
	}
	return nil
}

// Close reopens the gate so shutdown never strands waiters.
func (g *Gate) Close(context.Context) error {
	g.resume()
	return nil
}

func (g *Gate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return
	}
	g.paused = true
	g.openCh = make(chan struct{})
}

func (g *Gate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.paused = false
	close(g.openCh)
}
