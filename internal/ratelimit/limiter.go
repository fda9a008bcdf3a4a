// Package ratelimit enforces per-host request spacing and rate caps.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultRetention = 15 * time.Minute

// Config holds rate limiter configuration.
type Config struct {
	// MinDelay is the minimum spacing between consecutive grants for one host.
	MinDelay time.Duration
	// RPS caps sustained requests per second per host; <= 0 means unlimited.
	RPS float64
	// Burst for the RPS cap; defaults to 1.
	Burst int
	// Retention bounds how long idle host entries are kept before purging.
	Retention time.Duration
}

// Limiter manages per-host crawl pacing. Each host gets a reservation-style
// minimum-delay schedule plus a token bucket for the sustained-rate cap. State
// is scoped to the Limiter instance: a fresh Limiter per crawl run means no
// cross-run throttling.
type Limiter struct {
	cfg Config

	mu        sync.Mutex
	hosts     map[string]*hostState
	lastSweep time.Time
}

type hostState struct {
	bucket *rate.Limiter
	// nextFree is the earliest moment the next grant for this host may fire.
	nextFree time.Time
	lastSeen time.Time
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	return &Limiter{
		cfg:   cfg,
		hosts: make(map[string]*hostState),
	}
}

// Wait blocks until the host's minimum delay has elapsed since the previous
// grant and a rate token is available, or the context ends. Callers must not
// hold pool resources while waiting; the worker rate-limits before acquiring
// a page so pooled slots never sit idle behind a delay.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	now := time.Now()

	l.mu.Lock()
	l.sweepLocked(now)
	st, ok := l.hosts[host]
	if !ok {
		limit := rate.Limit(l.cfg.RPS)
		if l.cfg.RPS <= 0 {
			limit = rate.Inf
		}
		st = &hostState{bucket: rate.NewLimiter(limit, l.cfg.Burst)}
		l.hosts[host] = st
	}
	st.lastSeen = now
	// Claim the next slot on the host's schedule. Concurrent waiters each
	// reserve successive slots, so grants stay MinDelay apart even when many
	// workers target the same host.
	target := st.nextFree
	if target.Before(now) {
		target = now
	}
	st.nextFree = target.Add(l.cfg.MinDelay)
	l.mu.Unlock()

	if wait := time.Until(target); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		}
	}

	if err := st.bucket.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// HostCount reports how many hosts are currently tracked.
func (l *Limiter) HostCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hosts)
}

// sweepLocked purges hosts unseen for the retention window. Runs at most once
// per retention interval so the map never grows unboundedly across long runs.
func (l *Limiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.cfg.Retention {
		return
	}
	l.lastSweep = now
	for host, st := range l.hosts {
		if now.Sub(st.lastSeen) > l.cfg.Retention {
			delete(l.hosts, host)
		}
	}
}
