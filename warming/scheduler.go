/*
scheduler.go - Cache warming scheduler

PURPOSE:
  Keeps hot cache keys fresh in the background so callers rarely pay for a
  miss. Components register a key with the factory that computes it; every
  Interval the scheduler refreshes registered keys through cache.Set.

DESIGN:
  - One loop goroutine driven by a ticker. Cycles start on a fixed
    interval and are not chained after the previous cycle's work.
  - Each cycle orders keys by priority (desc), then last access (desc),
    and dispatches while a worker slot is free. MaxConcurrent bounds the
    refreshes in flight across all cycles.
  - A key already being refreshed is skipped, never queued twice.
  - A failed refresh is retried MaxRetries more times after RetryDelay.
    Exhausted failures are logged and reported; the key stays registered.
  - An unregistered key is never written, even when its refresh was
    already dispatched.

USAGE:
  s := warming.New(c, warming.DefaultConfig(), warming.WithReporter(mon))
  s.Register("calc:t1:v3", factory, 5)
  s.Start()
  defer s.Stop()

SEE ALSO:
  - template/service.go: Registers active templates
  - monitoring/monitor.go: RecordRefresh
*/
package warming

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/rate-engine/cache"
)

// Config controls the scheduler loop.
type Config struct {
	Interval       time.Duration
	MaxConcurrent  int
	MaxRetries     int
	RetryDelay     time.Duration
	DefaultTTL     time.Duration // ttl for keys registered without WithTTL
	RefreshTimeout time.Duration // bound on one factory call
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:       5 * time.Minute,
		MaxConcurrent:  5,
		MaxRetries:     2,
		RetryDelay:     time.Second,
		DefaultTTL:     time.Hour,
		RefreshTimeout: 30 * time.Second,
	}
}

// Reporter receives refresh outcomes. *monitoring.Monitor implements it.
type Reporter interface {
	RecordRefresh(ok bool)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithReporter(r Reporter) Option {
	return func(s *Scheduler) { s.reporter = r }
}

func WithLogger(l *logrus.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// RegisterOption configures a single registration.
type RegisterOption func(*registration)

// WithTTL sets the ttl written with each refresh of the key.
func WithTTL(ttl time.Duration) RegisterOption {
	return func(r *registration) { r.ttl = ttl }
}

type registration struct {
	key      string
	factory  cache.Factory
	priority int
	ttl      time.Duration

	// guarded by Scheduler.mu
	lastAccessed  time.Time
	lastRefreshed time.Time
	failures      int

	// mu serializes the final write against Unregister.
	mu      sync.Mutex
	removed bool
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	cache    cache.Cache
	cfg      Config
	reporter Reporter
	logger   *logrus.Logger

	mu       sync.Mutex
	regs     map[string]*registration
	inFlight map[string]struct{}
	running  bool
	stop     chan struct{}
	stats    counters

	slots chan struct{}
	loop  sync.WaitGroup
	tasks sync.WaitGroup
}

type counters struct {
	cycles, dispatched, refreshed, failed int64
	lastCycleAt                           time.Time
}

// New creates a stopped scheduler writing into c.
func New(c cache.Cache, cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = def.RefreshTimeout
	}

	s := &Scheduler{
		cache:    c,
		cfg:      cfg,
		regs:     make(map[string]*registration),
		inFlight: make(map[string]struct{}),
		slots:    make(chan struct{}, cfg.MaxConcurrent),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logrus.New()
		s.logger.SetOutput(io.Discard)
	}
	return s
}

// MaxConcurrent is the worker slot count.
func (s *Scheduler) MaxConcurrent() int {
	return s.cfg.MaxConcurrent
}

// =============================================================================
// REGISTRATION
// =============================================================================

// Register adds or replaces key. A replaced registration's pending
// refresh is discarded.
func (s *Scheduler) Register(key string, factory cache.Factory, priority int, opts ...RegisterOption) {
	reg := &registration{
		key:          key,
		factory:      factory,
		priority:     priority,
		ttl:          s.cfg.DefaultTTL,
		lastAccessed: time.Now(),
	}
	for _, opt := range opts {
		opt(reg)
	}

	s.mu.Lock()
	old := s.regs[key]
	if old != nil {
		reg.lastAccessed = old.lastAccessed
	}
	s.regs[key] = reg
	s.mu.Unlock()

	if old != nil {
		old.markRemoved()
	}
	s.logger.WithFields(logrus.Fields{"module": "warming", "key": key, "priority": priority}).Debug("registered key")
}

// Unregister removes key. Once it returns, no refresh writes key.
func (s *Scheduler) Unregister(key string) {
	s.mu.Lock()
	reg := s.regs[key]
	delete(s.regs, key)
	s.mu.Unlock()

	if reg != nil {
		reg.markRemoved()
		s.logger.WithFields(logrus.Fields{"module": "warming", "key": key}).Debug("unregistered key")
	}
}

// RecordAccess marks key as recently used, which breaks priority ties.
// Unknown keys are ignored.
func (s *Scheduler) RecordAccess(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reg, ok := s.regs[key]; ok {
		reg.lastAccessed = time.Now()
	}
}

func (r *registration) markRemoved() {
	r.mu.Lock()
	r.removed = true
	r.mu.Unlock()
}

func (r *registration) live() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.removed
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start launches the loop and runs a first cycle immediately. Calling it
// while running is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})

	s.loop.Add(1)
	go s.run(s.stop)

	s.logger.WithFields(logrus.Fields{
		"module":         "warming",
		"interval":       s.cfg.Interval,
		"max_concurrent": s.cfg.MaxConcurrent,
	}).Info("warming scheduler started")
}

// Stop halts the loop and waits for in-flight refreshes to finish,
// including ones dispatched by RunCycle. It does not cancel them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	wasRunning := s.running
	if wasRunning {
		s.running = false
		close(s.stop)
	}
	s.mu.Unlock()

	s.loop.Wait()
	s.tasks.Wait()
	if wasRunning {
		s.logger.WithField("module", "warming").Info("warming scheduler stopped")
	}
}

func (s *Scheduler) run(stop <-chan struct{}) {
	defer s.loop.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.RunCycle(context.Background())
	for {
		select {
		case <-ticker.C:
			s.RunCycle(context.Background())
		case <-stop:
			return
		}
	}
}

// =============================================================================
// CYCLE
// =============================================================================

// RunCycle dispatches one cycle and returns the keys it dispatched, in
// dispatch order. It does not wait for the refreshes to finish.
func (s *Scheduler) RunCycle(ctx context.Context) []string {
	s.mu.Lock()
	candidates := make([]*registration, 0, len(s.regs))
	for _, reg := range s.regs {
		if _, busy := s.inFlight[reg.key]; busy {
			continue
		}
		candidates = append(candidates, reg)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		if !a.lastAccessed.Equal(b.lastAccessed) {
			return a.lastAccessed.After(b.lastAccessed)
		}
		return a.key < b.key
	})

	var dispatched []string
	for _, reg := range candidates {
		if !s.tryAcquireSlot() {
			break
		}
		s.inFlight[reg.key] = struct{}{}
		s.tasks.Add(1)
		dispatched = append(dispatched, reg.key)
		go s.refresh(context.WithoutCancel(ctx), reg)
	}
	s.stats.cycles++
	s.stats.dispatched += int64(len(dispatched))
	s.stats.lastCycleAt = time.Now()
	s.mu.Unlock()

	if len(dispatched) > 0 {
		s.logger.WithFields(logrus.Fields{
			"module":     "warming",
			"dispatched": len(dispatched),
			"candidates": len(candidates),
		}).Debug("warming cycle dispatched")
	}
	return dispatched
}

func (s *Scheduler) tryAcquireSlot() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Scheduler) refresh(ctx context.Context, reg *registration) {
	log := s.logger.WithFields(logrus.Fields{"module": "warming", "key": reg.key})

	defer func() {
		s.mu.Lock()
		delete(s.inFlight, reg.key)
		s.mu.Unlock()
		<-s.slots
		s.tasks.Done()
	}()
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("panic recovered in refresh")
			s.finish(reg, fmt.Errorf("panic: %v", r))
		}
	}()

	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(s.cfg.RetryDelay)
		}
		if !reg.live() {
			log.Debug("key unregistered; refresh dropped")
			return
		}

		written, err := s.refreshOnce(ctx, reg)
		if err == nil {
			if written {
				s.finish(reg, nil)
			}
			return
		}
		lastErr = err
		log.WithError(err).WithField("attempt", attempt+1).Warn("refresh attempt failed")
	}

	log.WithError(lastErr).WithField("attempts", s.cfg.MaxRetries+1).Error("refresh failed after retries")
	s.finish(reg, lastErr)
}

// refreshOnce runs the factory and writes the value unless the key was
// unregistered meanwhile.
func (s *Scheduler) refreshOnce(ctx context.Context, reg *registration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RefreshTimeout)
	defer cancel()

	value, err := reg.factory(ctx)
	if err != nil {
		return false, err
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.removed {
		return false, nil
	}
	if err := s.cache.Set(ctx, reg.key, value, reg.ttl); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Scheduler) finish(reg *registration, err error) {
	s.mu.Lock()
	if err == nil {
		s.stats.refreshed++
		reg.lastRefreshed = time.Now()
		reg.failures = 0
	} else {
		s.stats.failed++
		reg.failures++
	}
	s.mu.Unlock()

	if s.reporter != nil {
		s.reporter.RecordRefresh(err == nil)
	}
}

// =============================================================================
// STATS
// =============================================================================

// KeyStats describes one registration.
type KeyStats struct {
	Key                 string    `json:"key"`
	Priority            int       `json:"priority"`
	LastAccessedAt      time.Time `json:"last_accessed_at"`
	LastRefreshedAt     time.Time `json:"last_refreshed_at,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	InFlight            bool      `json:"in_flight"`
}

// Stats is a snapshot of the scheduler.
type Stats struct {
	Running       bool       `json:"running"`
	Registered    int        `json:"registered"`
	InFlight      int        `json:"in_flight"`
	MaxConcurrent int        `json:"max_concurrent"`
	Cycles        int64      `json:"cycles"`
	Dispatched    int64      `json:"dispatched"`
	Refreshed     int64      `json:"refreshed"`
	Failed        int64      `json:"failed"`
	LastCycleAt   time.Time  `json:"last_cycle_at,omitempty"`
	Keys          []KeyStats `json:"keys"`
}

// GetStats returns a snapshot. Keys are sorted by key.
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Running:       s.running,
		Registered:    len(s.regs),
		InFlight:      len(s.inFlight),
		MaxConcurrent: s.cfg.MaxConcurrent,
		Cycles:        s.stats.cycles,
		Dispatched:    s.stats.dispatched,
		Refreshed:     s.stats.refreshed,
		Failed:        s.stats.failed,
		LastCycleAt:   s.stats.lastCycleAt,
		Keys:          make([]KeyStats, 0, len(s.regs)),
	}
	for _, reg := range s.regs {
		_, busy := s.inFlight[reg.key]
		st.Keys = append(st.Keys, KeyStats{
			Key:                 reg.key,
			Priority:            reg.priority,
			LastAccessedAt:      reg.lastAccessed,
			LastRefreshedAt:     reg.lastRefreshed,
			ConsecutiveFailures: reg.failures,
			InFlight:            busy,
		})
	}
	sort.Slice(st.Keys, func(i, j int) bool { return st.Keys[i].Key < st.Keys[j].Key })
	return st
}
