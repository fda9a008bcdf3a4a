package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/calebduke/webharvest/internal/crawl"
	"github.com/calebduke/webharvest/internal/events"
)

// Pool errors surfaced to callers.
var (
	ErrPoolClosed      = errors.New("browser pool closed")
	ErrInstanceCrashed = errors.New("browser instance crashed")
)

// State is the lifecycle state of a pooled instance.
type State string

// Instance states. Healthy and degraded instances accept new leases;
// the rest are drained and destroyed.
const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
	StateCrashed   State = "crashed"
	StateRetiring  State = "retiring"
)

// Config controls pool sizing and lifecycle policy.
type Config struct {
	MaxInstances        int
	MaxPagesPerInstance int
	IdleTimeout         time.Duration
	MaxAge              time.Duration
	HealthCheckInterval time.Duration
	ProbeTimeout        time.Duration
	CreateTimeout       time.Duration
	ShutdownGrace       time.Duration
	CrashThreshold      int
	CrashWindow         time.Duration
	SuspendCooldown     time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxInstances <= 0 {
		c.MaxInstances = 2
	}
	if c.MaxPagesPerInstance <= 0 {
		c.MaxPagesPerInstance = 4
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.MaxAge <= 0 {
		c.MaxAge = time.Hour
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.CreateTimeout <= 0 {
		c.CreateTimeout = 30 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 15 * time.Second
	}
	if c.CrashThreshold <= 0 {
		c.CrashThreshold = 3
	}
	if c.CrashWindow <= 0 {
		c.CrashWindow = time.Minute
	}
	if c.SuspendCooldown <= 0 {
		c.SuspendCooldown = time.Minute
	}
}

type instance struct {
	id      string
	engine  EngineInstance
	created time.Time

	// The fields below are guarded by the pool mutex.
	lastUsed   time.Time
	pagesInUse int
	state      State
	removed    bool

	crashed chan struct{}
	stop    chan struct{}
}

func (i *instance) leasable(maxPages int) bool {
	return !i.removed && i.pagesInUse < maxPages &&
		(i.state == StateHealthy || i.state == StateDegraded)
}

type waiter struct {
	ch chan *instance
}

// Pool owns every browser instance and serializes all acquire/release and
// health transitions behind one mutex. Workers observe pool state only
// through AcquirePage/ReleasePage/Stats.
type Pool struct {
	cfg    Config
	engine Engine
	hub    *events.Hub
	clock  crawl.Clock
	ids    crawl.IDGenerator
	logger *zap.Logger

	mu             sync.Mutex
	instances      []*instance
	waiters        []*waiter
	creating       int
	leaseCount     int
	closed         bool
	drained        chan struct{}
	suspended      bool
	suspendedUntil time.Time
	crashTimes     []time.Time

	janitorStop chan struct{}
	janitorDone chan struct{}
}

// New constructs a Pool and starts its janitor loop.
func New(cfg Config, engine Engine, hub *events.Hub, clock crawl.Clock, ids crawl.IDGenerator, logger *zap.Logger) *Pool {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cfg:         cfg,
		engine:      engine,
		hub:         hub,
		clock:       clock,
		ids:         ids,
		logger:      logger,
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	go p.janitor()
	return p
}

// AcquirePage blocks until a page slot is available on some leasable instance
// or the context ends. Waiters are served strictly first-requested,
// first-served so bursty load cannot starve early arrivals.
func (p *Pool) AcquirePage(ctx context.Context) (*Page, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	w := &waiter{ch: make(chan *instance, 1)}
	p.waiters = append(p.waiters, w)
	p.dispatchLocked()
	p.mu.Unlock()

	select {
	case inst := <-w.ch:
		if inst == nil {
			return nil, ErrPoolClosed
		}
		return p.openPage(ctx, inst)
	case <-ctx.Done():
		p.mu.Lock()
		removed := p.removeWaiterLocked(w)
		p.mu.Unlock()
		if !removed {
			// The reservation raced in; hand the slot back.
			select {
			case inst := <-w.ch:
				if inst != nil {
					p.releaseSlot(inst)
				}
			default:
			}
		}
		return nil, fmt.Errorf("acquire page: %w", ctx.Err())
	}
}

// ReleasePage returns the lease's slot to its owning instance. The instance
// stays alive for reuse. Safe to call more than once per lease.
func (p *Pool) ReleasePage(pg *Page) {
	if pg == nil {
		return
	}
	pg.releaseOnce.Do(func() {
		if pg.engine != nil {
			if err := pg.engine.Close(); err != nil {
				p.logger.Debug("page close failed", zap.String("instance_id", pg.inst.id), zap.Error(err))
			}
		}
		p.releaseSlot(pg.inst)
	})
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Instances   int
	LeasedPages int
	Waiters     int
	Suspended   bool
}

// Stats reports current occupancy. Used by tests and operational logging.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Instances:   len(p.instances),
		LeasedPages: p.leaseCount,
		Waiters:     len(p.waiters),
		Suspended:   p.suspended,
	}
}

// Shutdown stops new acquisitions, waits for outstanding leases to drain up
// to the grace period, then destroys every instance.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	p.drained = make(chan struct{})
	if p.leaseCount == 0 {
		close(p.drained)
	}
	drained := p.drained
	p.mu.Unlock()

	for _, w := range waiters {
		w.ch <- nil
	}

	close(p.janitorStop)
	<-p.janitorDone

	grace := time.NewTimer(p.cfg.ShutdownGrace)
	defer grace.Stop()
	var err error
	select {
	case <-drained:
	case <-grace.C:
		p.logger.Warn("shutdown grace expired with leases outstanding")
	case <-ctx.Done():
		err = fmt.Errorf("pool shutdown: %w", ctx.Err())
	}

	p.mu.Lock()
	doomed := p.instances
	p.instances = nil
	for _, inst := range doomed {
		inst.removed = true
	}
	p.mu.Unlock()

	for _, inst := range doomed {
		p.destroy(inst, "shutdown")
	}
	return err
}

func (p *Pool) openPage(ctx context.Context, inst *instance) (*Page, error) {
	ep, err := inst.engine.NewPage(ctx)
	if err != nil {
		p.releaseSlot(inst)
		select {
		case <-inst.crashed:
			return nil, fmt.Errorf("open page: %w", ErrInstanceCrashed)
		default:
		}
		p.mu.Lock()
		if !inst.removed && inst.state == StateHealthy {
			inst.state = StateDegraded
		}
		p.mu.Unlock()
		return nil, fmt.Errorf("open page: %w", err)
	}
	return &Page{pool: p, inst: inst, engine: ep}, nil
}

func (p *Pool) releaseSlot(inst *instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if inst.removed {
		return
	}
	if inst.pagesInUse > 0 {
		inst.pagesInUse--
		p.leaseCount--
	}
	inst.lastUsed = p.now()
	if p.closed {
		if p.leaseCount == 0 && p.drained != nil {
			select {
			case <-p.drained:
			default:
				close(p.drained)
			}
		}
		return
	}
	p.dispatchLocked()
}

// dispatchLocked matches queued waiters to free slots in FIFO order, spawning
// instance creation when every leasable instance is saturated.
func (p *Pool) dispatchLocked() {
	for len(p.waiters) > 0 {
		inst := p.pickInstanceLocked()
		if inst == nil {
			if p.canCreateLocked() {
				p.creating++
				go p.createInstance()
			}
			return
		}
		inst.pagesInUse++
		p.leaseCount++
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w.ch <- inst
	}
}

// pickInstanceLocked prefers the most loaded leasable instance so lightly
// used ones can go idle and be evicted.
func (p *Pool) pickInstanceLocked() *instance {
	var best *instance
	for _, inst := range p.instances {
		if !inst.leasable(p.cfg.MaxPagesPerInstance) {
			continue
		}
		if best == nil || inst.pagesInUse > best.pagesInUse {
			best = inst
		}
	}
	return best
}

func (p *Pool) canCreateLocked() bool {
	if p.closed {
		return false
	}
	if p.suspended {
		return false
	}
	return len(p.instances)+p.creating < p.cfg.MaxInstances
}

func (p *Pool) createInstance() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CreateTimeout)
	defer cancel()

	ei, err := p.engine.Launch(ctx)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.recordCrashLocked(p.now())
		p.mu.Unlock()
		p.logger.Error("instance launch failed", zap.Error(err))
		return
	}
	if p.closed {
		p.mu.Unlock()
		_ = ei.Close(context.Background())
		return
	}
	id, idErr := p.ids.NewID()
	if idErr != nil {
		id = fmt.Sprintf("instance-%d", len(p.instances))
	}
	now := p.now()
	inst := &instance{
		id:       id,
		engine:   ei,
		created:  now,
		lastUsed: now,
		state:    StateHealthy,
		crashed:  make(chan struct{}),
		stop:     make(chan struct{}),
	}
	p.instances = append(p.instances, inst)
	p.dispatchLocked()
	p.mu.Unlock()

	go p.watch(inst)
	p.hub.Emit(events.Event{Type: events.TypeInstanceCreated, InstanceID: inst.id})
	p.logger.Info("browser instance created", zap.String("instance_id", inst.id))
}

// watch waits for the instance to die on its own and triggers crash recovery.
func (p *Pool) watch(inst *instance) {
	select {
	case <-inst.engine.Done():
		p.handleCrash(inst)
	case <-inst.stop:
	}
}

// handleCrash is the pool's only non-graceful teardown path: outstanding
// leases fail immediately, the instance is destroyed, and a replacement is
// created if capacity and demand allow.
func (p *Pool) handleCrash(inst *instance) {
	p.mu.Lock()
	if inst.removed {
		p.mu.Unlock()
		return
	}
	inst.state = StateCrashed
	close(inst.crashed)
	p.leaseCount -= inst.pagesInUse
	orphaned := inst.pagesInUse
	inst.pagesInUse = 0
	p.removeInstanceLocked(inst)
	p.recordCrashLocked(p.now())
	if p.closed && p.leaseCount == 0 && p.drained != nil {
		select {
		case <-p.drained:
		default:
			close(p.drained)
		}
	}
	replace := !p.closed && len(p.waiters) > 0 && p.canCreateLocked()
	if replace {
		p.creating++
		go p.createInstance()
	}
	p.mu.Unlock()

	_ = inst.engine.Close(context.Background())
	p.hub.Emit(events.Event{Type: events.TypeInstanceCrashed, InstanceID: inst.id, Count: orphaned})
	p.logger.Warn("browser instance crashed",
		zap.String("instance_id", inst.id),
		zap.Int("orphaned_leases", orphaned),
		zap.Bool("replacing", replace))
}

// recordCrashLocked feeds the crash circuit. Crashes and launch failures
// inside CrashWindow beyond CrashThreshold suspend instance creation until
// the cooldown passes.
func (p *Pool) recordCrashLocked(now time.Time) {
	cutoff := now.Add(-p.cfg.CrashWindow)
	kept := p.crashTimes[:0]
	for _, t := range p.crashTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.crashTimes = append(kept, now)
	if !p.suspended && len(p.crashTimes) >= p.cfg.CrashThreshold {
		p.suspended = true
		p.suspendedUntil = now.Add(p.cfg.SuspendCooldown)
		p.crashTimes = nil
		p.hub.Emit(events.Event{Type: events.TypePoolSuspended})
		p.logger.Error("instance creation suspended after repeated crashes",
			zap.Duration("cooldown", p.cfg.SuspendCooldown))
	}
}

func (p *Pool) removeInstanceLocked(inst *instance) {
	inst.removed = true
	for i, candidate := range p.instances {
		if candidate == inst {
			p.instances = append(p.instances[:i], p.instances[i+1:]...)
			return
		}
	}
}

func (p *Pool) removeWaiterLocked(w *waiter) bool {
	for i, candidate := range p.waiters {
		if candidate == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) janitor() {
	defer close(p.janitorDone)
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.janitorStop:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep runs one maintenance pass: resume a lapsed suspension, probe health,
// mark aged instances retiring, and destroy whatever has drained.
func (p *Pool) sweep() {
	now := p.now()

	p.mu.Lock()
	if p.suspended && now.After(p.suspendedUntil) {
		p.suspended = false
		p.hub.Emit(events.Event{Type: events.TypePoolResumed})
		p.logger.Info("instance creation resumed")
		p.dispatchLocked()
	}
	probes := make([]*instance, 0, len(p.instances))
	for _, inst := range p.instances {
		if inst.state == StateHealthy || inst.state == StateDegraded {
			probes = append(probes, inst)
		}
	}
	p.mu.Unlock()

	for _, inst := range probes {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
		err := inst.engine.Probe(ctx)
		cancel()
		if err == nil {
			continue
		}
		p.mu.Lock()
		if !inst.removed && inst.state != StateCrashed {
			inst.state = StateUnhealthy
		}
		p.mu.Unlock()
		p.logger.Warn("instance failed health probe", zap.String("instance_id", inst.id), zap.Error(err))
	}

	p.mu.Lock()
	var doomed []*instance
	var reasons []string
	for _, inst := range p.instances {
		if (inst.state == StateHealthy || inst.state == StateDegraded) && now.Sub(inst.created) > p.cfg.MaxAge {
			inst.state = StateRetiring
		}
		if inst.pagesInUse > 0 {
			continue
		}
		switch {
		case inst.state == StateRetiring:
			doomed = append(doomed, inst)
			reasons = append(reasons, "max_age")
		case inst.state == StateUnhealthy:
			doomed = append(doomed, inst)
			reasons = append(reasons, "unhealthy")
		case now.Sub(inst.lastUsed) > p.cfg.IdleTimeout:
			doomed = append(doomed, inst)
			reasons = append(reasons, "idle")
		}
	}
	for _, inst := range doomed {
		p.removeInstanceLocked(inst)
	}
	if len(doomed) > 0 {
		p.dispatchLocked()
	}
	p.mu.Unlock()

	for i, inst := range doomed {
		p.destroy(inst, reasons[i])
	}
}

func (p *Pool) destroy(inst *instance, reason string) {
	select {
	case <-inst.stop:
	default:
		close(inst.stop)
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
	if err := inst.engine.Close(ctx); err != nil {
		p.logger.Debug("instance close failed", zap.String("instance_id", inst.id), zap.Error(err))
	}
	cancel()
	p.hub.Emit(events.Event{Type: events.TypeInstanceRetired, InstanceID: inst.id, Reason: reason})
	p.logger.Info("browser instance retired", zap.String("instance_id", inst.id), zap.String("reason", reason))
}

func (p *Pool) now() time.Time {
	if p.clock != nil {
		return p.clock.Now()
	}
	return time.Now().UTC()
}
