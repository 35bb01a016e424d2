/*
Package cache provides the key/value Cache Store used by the rate engine.

PURPOSE:
  A generic cache with TTL, per-key locking and prefix eviction. It knows
  nothing about rates: values are opaque bytes (JSON helpers in codec.go).

BACKENDS:
  MemoryCache: process-local map, janitor goroutine for expired entries.
  RedisCache:  go-redis for storage, redislock for the per-key lock, so
               several server instances share one cache.

AT-MOST-ONCE FACTORY:
  GetOrSet takes a per-key lock before resolving a miss. Concurrent callers
  for the same key wait (WaitForLock) and then read the populated entry.
  If the wait exceeds LockTimeout the waiter runs the factory itself. The
  duplicate computation is counted (Observer.RecordLockTimeout) and the
  system never deadlocks on a stuck owner.

NAMESPACING:
  Every key is stored as Options.Prefix + key. DeletePattern(p) removes all
  keys under Options.Prefix + p. Clear removes everything under the prefix.

SEE ALSO:
  - getorset.go: Shared lock/wait/fallback algorithm
  - monitoring/monitor.go: Observer implementation
*/
package cache

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// Factory computes the value for a missing key.
type Factory func(ctx context.Context) ([]byte, error)

// Cache is the Cache Store contract. All implementations are safe for
// concurrent use.
type Cache interface {
	// Get returns the value and true on a hit.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value. ttl <= 0 means Options.DefaultTTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	Delete(ctx context.Context, key string) error

	// DeletePattern removes every key starting with prefix and returns how
	// many were removed.
	DeletePattern(ctx context.Context, prefix string) (int, error)

	// GetOrSet returns the cached value or resolves it with factory,
	// invoking factory at most once concurrently per key.
	GetOrSet(ctx context.Context, key string, factory Factory, ttl time.Duration) ([]byte, error)

	// WaitForLock blocks until no GetOrSet holds key's lock. It returns a
	// *LockTimeoutError after timeout.
	WaitForLock(ctx context.Context, key string, timeout time.Duration) error

	Clear(ctx context.Context) error
	Close() error
}

// Observer receives cache events. *monitoring.Monitor implements it.
type Observer interface {
	RecordHit(latency time.Duration)
	RecordMiss()
	RecordError()
	RecordEviction(n int)
	RecordLockTimeout()
}

// memoryGauge is implemented by observers that can report memory usage.
type memoryGauge interface {
	SetMemoryUsage(fn func() int64)
}

// =============================================================================
// OPTIONS
// =============================================================================

// Options configures a cache backend.
type Options struct {
	Prefix          string
	DefaultTTL      time.Duration // 0 = entries never expire
	LockTimeout     time.Duration // how long GetOrSet waits for another caller
	LockTTL         time.Duration // redis lock expiry, guards against crashed owners
	CleanupInterval time.Duration // memory janitor period, 0 disables it
	MaxEntries      int           // memory only, 0 = unbounded
	Observer        Observer
	Logger          *logrus.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		Prefix:          "rates:",
		DefaultTTL:      1 * time.Hour,
		LockTimeout:     5 * time.Second,
		LockTTL:         30 * time.Second,
		CleanupInterval: 1 * time.Minute,
	}
}

// Option mutates Options.
type Option func(*Options)

func WithPrefix(prefix string) Option {
	return func(o *Options) { o.Prefix = prefix }
}

func WithDefaultTTL(ttl time.Duration) Option {
	return func(o *Options) { o.DefaultTTL = ttl }
}

func WithLockTimeout(d time.Duration) Option {
	return func(o *Options) { o.LockTimeout = d }
}

func WithLockTTL(d time.Duration) Option {
	return func(o *Options) { o.LockTTL = d }
}

func WithCleanupInterval(d time.Duration) Option {
	return func(o *Options) { o.CleanupInterval = d }
}

func WithMaxEntries(n int) Option {
	return func(o *Options) { o.MaxEntries = n }
}

func WithObserver(obs Observer) Option {
	return func(o *Options) { o.Observer = obs }
}

func WithLogger(l *logrus.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

func buildOptions(options []Option) *Options {
	opts := DefaultOptions()
	for _, option := range options {
		option(opts)
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	return opts
}

func (o *Options) ttl(ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	return o.DefaultTTL
}

type nopObserver struct{}

func (nopObserver) RecordHit(time.Duration) {}
func (nopObserver) RecordMiss()             {}
func (nopObserver) RecordError()            {}
func (nopObserver) RecordEviction(int)      {}
func (nopObserver) RecordLockTimeout()      {}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrLockTimeout matches every *LockTimeoutError.
	ErrLockTimeout = errors.New("cache lock timeout")

	// ErrClosed is returned by operations on a closed cache.
	ErrClosed = errors.New("cache closed")
)

// LockTimeoutError is returned by WaitForLock when the key stayed locked
// longer than the allowed wait.
type LockTimeoutError struct {
	Key     string
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return "cache lock timeout on " + e.Key + " after " + e.Timeout.String()
}

func (e *LockTimeoutError) Unwrap() error {
	return ErrLockTimeout
}
