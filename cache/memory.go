package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// =============================================================================
// MEMORY CACHE - Process-local backend
// =============================================================================

type entry struct {
	value     []byte
	expiresAt time.Time // zero = never
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type keyLock struct {
	done chan struct{}
}

// MemoryCache keeps entries in a map guarded by a RWMutex. Key locks live
// in a separate map so waiting on a lock never blocks readers.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]entry
	bytes   int64
	closed  bool

	lockMu sync.Mutex
	locks  map[string]*keyLock

	opts *Options
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewMemoryCache creates an in-memory cache and starts its janitor when
// CleanupInterval > 0.
func NewMemoryCache(options ...Option) *MemoryCache {
	opts := buildOptions(options)
	c := &MemoryCache{
		entries: make(map[string]entry),
		locks:   make(map[string]*keyLock),
		opts:    opts,
		stop:    make(chan struct{}),
	}
	if g, ok := opts.Observer.(memoryGauge); ok {
		g.SetMemoryUsage(c.MemoryUsage)
	}
	if opts.CleanupInterval > 0 {
		c.wg.Add(1)
		go c.janitor(opts.CleanupInterval)
	}
	return c
}

func (c *MemoryCache) key(k string) string { return c.opts.Prefix + k }

// Get returns a live entry.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return observedLookup(ctx, c, c.opts, c.key(key))
}

// Set stores a copy of value.
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.store(ctx, c.key(key), value, c.opts.ttl(ttl))
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.removeLocked(c.key(key))
	return nil
}

// DeletePattern removes all keys under prefix in a single critical section.
func (c *MemoryCache) DeletePattern(_ context.Context, prefix string) (int, error) {
	full := c.key(prefix)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	n := 0
	for k := range c.entries {
		if strings.HasPrefix(k, full) {
			c.removeLocked(k)
			n++
		}
	}
	return n, nil
}

func (c *MemoryCache) GetOrSet(ctx context.Context, key string, factory Factory, ttl time.Duration) ([]byte, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	return getOrSet(ctx, c, c.opts, c.key(key), factory, ttl)
}

func (c *MemoryCache) WaitForLock(ctx context.Context, key string, timeout time.Duration) error {
	return c.waitForLock(ctx, c.key(key), timeout)
}

// Clear drops every entry. Held key locks are left alone; their owners
// release them normally.
func (c *MemoryCache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.entries = make(map[string]entry)
	c.bytes = 0
	return nil
}

// Close stops the janitor and releases all entries. Further calls return
// ErrClosed.
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.entries = nil
	c.bytes = 0
	c.mu.Unlock()

	close(c.stop)
	c.wg.Wait()
	return nil
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// MemoryUsage approximates the bytes held by keys and values.
func (c *MemoryCache) MemoryUsage() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bytes
}

// =============================================================================
// backend implementation
// =============================================================================

func (c *MemoryCache) lookup(_ context.Context, key string) ([]byte, bool, error) {
	now := time.Now()
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, false, ErrClosed
	}
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if e.expired(now) {
		c.mu.Lock()
		// Re-check: a concurrent Set may have refreshed it.
		if cur, ok := c.entries[key]; ok && cur.expired(now) {
			c.removeLocked(key)
			c.opts.Observer.RecordEviction(1)
		}
		c.mu.Unlock()
		return nil, false, nil
	}

	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (c *MemoryCache) store(_ context.Context, key string, value []byte, ttl time.Duration) error {
	v := make([]byte, len(value))
	copy(v, value)
	e := entry{value: v}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	if _, exists := c.entries[key]; !exists && c.opts.MaxEntries > 0 && len(c.entries) >= c.opts.MaxEntries {
		c.evictOneLocked()
	}
	c.removeLocked(key)
	c.entries[key] = e
	c.bytes += int64(len(key) + len(v))
	return nil
}

func (c *MemoryCache) tryLock(_ context.Context, key string) (func(), bool, error) {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	if _, held := c.locks[key]; held {
		return nil, false, nil
	}
	l := &keyLock{done: make(chan struct{})}
	c.locks[key] = l

	var once sync.Once
	release := func() {
		once.Do(func() {
			c.lockMu.Lock()
			delete(c.locks, key)
			c.lockMu.Unlock()
			close(l.done)
		})
	}
	return release, true, nil
}

func (c *MemoryCache) waitForLock(ctx context.Context, key string, timeout time.Duration) error {
	c.lockMu.Lock()
	l, held := c.locks[key]
	c.lockMu.Unlock()
	if !held {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-l.done:
		return nil
	case <-timer.C:
		return &LockTimeoutError{Key: key, Timeout: timeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// eviction
// =============================================================================

func (c *MemoryCache) removeLocked(key string) {
	if old, ok := c.entries[key]; ok {
		c.bytes -= int64(len(key) + len(old.value))
		delete(c.entries, key)
	}
}

// evictOneLocked drops the entry closest to expiry. Entries without
// expiry go last.
func (c *MemoryCache) evictOneLocked() {
	var victim string
	var victimExp time.Time
	found := false
	for k, e := range c.entries {
		if !found {
			victim, victimExp, found = k, e.expiresAt, true
			continue
		}
		if victimExp.IsZero() && !e.expiresAt.IsZero() ||
			!e.expiresAt.IsZero() && e.expiresAt.Before(victimExp) {
			victim, victimExp = k, e.expiresAt
		}
	}
	if found {
		c.removeLocked(victim)
		c.opts.Observer.RecordEviction(1)
	}
}

func (c *MemoryCache) sweep() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}
	n := 0
	for k, e := range c.entries {
		if e.expired(now) {
			c.removeLocked(k)
			n++
		}
	}
	return n
}

func (c *MemoryCache) janitor(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if n := c.sweep(); n > 0 {
				c.opts.Observer.RecordEviction(n)
				c.opts.Logger.WithFields(logrus.Fields{"module": "cache", "evicted": n}).Debug("swept expired entries")
			}
		}
	}
}

func (c *MemoryCache) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

var _ Cache = (*MemoryCache)(nil)
