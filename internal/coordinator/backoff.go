package coordinator

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig shapes the retry delay schedule.
type BackoffConfig struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the fraction of the computed delay randomized in either
	// direction, e.g. 0.2 spreads delays across ±20%.
	Jitter float64
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.Base <= 0 {
		c.Base = 500 * time.Millisecond
	}
	if c.Max <= 0 {
		c.Max = 30 * time.Second
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = 0.2
	}
	return c
}

// Backoff computes exponential retry delays with jitter.
type Backoff struct {
	cfg BackoffConfig
}

// NewBackoff builds a Backoff, applying defaults for unset fields.
func NewBackoff(cfg BackoffConfig) *Backoff {
	return &Backoff{cfg: cfg.withDefaults()}
}

// Delay returns how long to wait before the re-enqueue following the given
// number of prior requeues.
func (b *Backoff) Delay(requeues int) time.Duration {
	if requeues < 0 {
		requeues = 0
	}
	d := float64(b.cfg.Base) * math.Pow(b.cfg.Multiplier, float64(requeues))
	if d > float64(b.cfg.Max) {
		d = float64(b.cfg.Max)
	}
	if b.cfg.Jitter > 0 {
		spread := d * b.cfg.Jitter
		d = d - spread + rand.Float64()*2*spread
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
