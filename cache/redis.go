package cache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// REDIS CACHE - Shared backend
// =============================================================================

const (
	lockKeyPrefix    = "lock:"
	lockPollInterval = 25 * time.Millisecond
	scanBatch        = 500
)

// RedisCache stores entries in Redis. Per-key locks are redislock locks on
// "lock:" + key with Options.LockTTL expiry, so a crashed owner cannot
// hold a key forever.
type RedisCache struct {
	client *redis.Client
	locker *redislock.Client
	opts   *Options
	owned  bool // close the client on Close
}

// NewRedisCache connects to addr and pings it. addr is either host:port or
// a URL: redis://, rediss://, tcp:// or unix:// (db number in the path).
func NewRedisCache(addr string, options ...Option) (*RedisCache, error) {
	ropts, err := parseRedisAddr(addr)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(ropts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	c := NewRedisCacheFromClient(client, options...)
	c.owned = true
	return c, nil
}

// NewRedisCacheFromClient wraps an existing client. The caller keeps
// ownership of client.
func NewRedisCacheFromClient(client *redis.Client, options ...Option) *RedisCache {
	return &RedisCache{
		client: client,
		locker: redislock.New(client),
		opts:   buildOptions(options),
	}
}

func parseRedisAddr(addr string) (*redis.Options, error) {
	if !strings.Contains(addr, "://") {
		return &redis.Options{Addr: addr}, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("can't parse url for redis: %w", err)
	}
	switch u.Scheme {
	case "redis", "rediss":
		return redis.ParseURL(addr)
	case "tcp", "unix":
	default:
		return nil, fmt.Errorf("unsupported redis scheme %q", u.Scheme)
	}

	var passwd string
	if u.User != nil {
		passwd, _ = u.User.Password()
	}
	db := 0
	if len(u.Path) > 1 && u.Scheme == "tcp" {
		db, err = strconv.Atoi(u.Path[1:])
		if err != nil {
			return nil, fmt.Errorf("can't convert redis db %q: %w", u.Path[1:], err)
		}
	}
	host := u.Host
	if u.Scheme == "unix" {
		host = u.Path
	}
	return &redis.Options{
		Network:  u.Scheme,
		Addr:     host,
		Password: passwd,
		DB:       db,
	}, nil
}

func (c *RedisCache) key(k string) string { return c.opts.Prefix + k }

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return observedLookup(ctx, c, c.opts, c.key(key))
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.store(ctx, c.key(key), value, c.opts.ttl(ttl))
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		c.opts.Observer.RecordError()
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// DeletePattern scans for keys under prefix and deletes them in batches.
// Keys written concurrently with the scan may survive.
func (c *RedisCache) DeletePattern(ctx context.Context, prefix string) (int, error) {
	n, err := c.deleteMatching(ctx, escapeGlob(c.key(prefix))+"*")
	if err != nil {
		c.opts.Observer.RecordError()
		return n, err
	}
	return n, nil
}

func (c *RedisCache) GetOrSet(ctx context.Context, key string, factory Factory, ttl time.Duration) ([]byte, error) {
	return getOrSet(ctx, c, c.opts, c.key(key), factory, ttl)
}

func (c *RedisCache) WaitForLock(ctx context.Context, key string, timeout time.Duration) error {
	return c.waitForLock(ctx, c.key(key), timeout)
}

// Clear removes every key under the cache prefix. Other tenants of the same
// Redis database are untouched.
func (c *RedisCache) Clear(ctx context.Context) error {
	_, err := c.deleteMatching(ctx, escapeGlob(c.opts.Prefix)+"*")
	return err
}

func (c *RedisCache) Close() error {
	if !c.owned {
		return nil
	}
	return c.client.Close()
}

// =============================================================================
// backend implementation
// =============================================================================

func (c *RedisCache) lookup(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return data, true, nil
}

func (c *RedisCache) store(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *RedisCache) tryLock(ctx context.Context, key string) (func(), bool, error) {
	lock, err := c.locker.Obtain(ctx, lockKeyPrefix+key, c.opts.LockTTL, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis lock: %w", err)
	}

	release := func() {
		// Release must outlive a cancelled request context.
		rctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := lock.Release(rctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			c.opts.Logger.WithFields(logrus.Fields{"module": "cache", "key": key}).
				WithError(err).Warn("failed to release redis lock")
		}
	}
	return release, true, nil
}

func (c *RedisCache) waitForLock(ctx context.Context, key string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		n, err := c.client.Exists(ctx, lockKeyPrefix+key).Result()
		if err != nil {
			return fmt.Errorf("redis exists: %w", err)
		}
		if n == 0 {
			return nil
		}
		if !time.Now().Before(deadline) {
			return &LockTimeoutError{Key: key, Timeout: timeout}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *RedisCache) deleteMatching(ctx context.Context, match string) (int, error) {
	var cursor uint64
	deleted := 0
	for {
		keys, next, err := c.client.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return deleted, fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("redis delete: %w", err)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// escapeGlob quotes the characters SCAN MATCH treats specially.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

var _ Cache = (*RedisCache)(nil)
