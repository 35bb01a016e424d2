package cache

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// backend is what getOrSet needs from a storage implementation. Keys
// passed here are already prefixed.
type backend interface {
	lookup(ctx context.Context, key string) ([]byte, bool, error)
	store(ctx context.Context, key string, value []byte, ttl time.Duration) error
	tryLock(ctx context.Context, key string) (release func(), ok bool, err error)
	waitForLock(ctx context.Context, key string, timeout time.Duration) error
}

// observedLookup is a lookup that reports hit/miss/error.
func observedLookup(ctx context.Context, b backend, opts *Options, key string) ([]byte, bool, error) {
	start := time.Now()
	v, ok, err := b.lookup(ctx, key)
	switch {
	case err != nil:
		opts.Observer.RecordError()
	case ok:
		opts.Observer.RecordHit(time.Since(start))
	default:
		opts.Observer.RecordMiss()
	}
	return v, ok, err
}

// getOrSet implements the lock, wait and fallback protocol for both
// backends.
//
//  1. Hit: return it.
//  2. Take the key lock, re-check, run factory, store, release.
//  3. Lock held elsewhere: wait up to LockTimeout, then re-read.
//  4. Owner finished without storing (factory failed): try to become owner
//     once more.
//  5. Wait timed out: run factory without the lock (degraded mode).
func getOrSet(ctx context.Context, b backend, opts *Options, key string, factory Factory, ttl time.Duration) ([]byte, error) {
	if v, ok, err := observedLookup(ctx, b, opts, key); err == nil && ok {
		return v, nil
	}

	log := opts.Logger.WithFields(logrus.Fields{"module": "cache", "key": key})

	for attempt := 0; attempt < 2; attempt++ {
		release, owned, err := b.tryLock(ctx, key)
		if err != nil {
			opts.Observer.RecordError()
			log.WithError(err).Warn("could not take key lock; computing without lock")
			break
		}
		if owned {
			return resolveLocked(ctx, b, opts, key, factory, ttl, release)
		}

		err = b.waitForLock(ctx, key, opts.LockTimeout)
		if errors.Is(err, ErrLockTimeout) {
			opts.Observer.RecordLockTimeout()
			log.WithField("timeout", opts.LockTimeout).Warn("lock wait timed out; computing without lock")
			break
		}
		if err != nil {
			return nil, err
		}

		if v, ok, err := b.lookup(ctx, key); err == nil && ok {
			return v, nil
		}
	}

	return resolve(ctx, b, opts, key, factory, ttl)
}

func resolveLocked(ctx context.Context, b backend, opts *Options, key string, factory Factory, ttl time.Duration, release func()) ([]byte, error) {
	defer release()

	// Another owner may have stored the value between our miss and our lock.
	if v, ok, err := b.lookup(ctx, key); err == nil && ok {
		return v, nil
	}
	return resolve(ctx, b, opts, key, factory, ttl)
}

func resolve(ctx context.Context, b backend, opts *Options, key string, factory Factory, ttl time.Duration) ([]byte, error) {
	v, err := factory(ctx)
	if err != nil {
		return nil, err
	}
	if err := b.store(ctx, key, v, opts.ttl(ttl)); err != nil {
		// The value is still good; only memoization failed.
		opts.Observer.RecordError()
		opts.Logger.WithFields(logrus.Fields{"module": "cache", "key": key}).
			WithError(err).Warn("failed to store computed value")
	}
	return v, nil
}
