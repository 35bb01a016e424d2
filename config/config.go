/*
Package config loads server configuration and builds the logger.

PURPOSE:
  Reads settings from the environment (after loading an optional .env
  file) with defaults for everything. cmd/server flags override the
  loaded values.

ENVIRONMENT:
  PORT                 HTTP port (8080)
  DB_PATH              SQLite path, ":memory:" allowed (rates.db)
  CACHE_BACKEND        memory | redis (memory)
  REDIS_ADDRESS        host:port or redis:// URL (localhost:6379)
  CACHE_PREFIX         key namespace (rate-engine:)
  CACHE_TTL            default entry TTL (1h)
  LOCK_TIMEOUT         GetOrSet lock wait (5s)
  WARM_INTERVAL        warming cycle interval (5m)
  WARM_MAX_CONCURRENT  warming worker slots (5)
  WARM_RETRY_DELAY     delay between refresh retries (1s)
  AWARD_BASE_URL       award-rules provider; empty disables award lookups
  AWARD_BASIC_AUTH     user:password for the provider
  PROVIDER_TIMEOUT     per-lookup deadline (10s)
  LOG_LEVEL            logrus level (info)
  LOG_FORMAT           json | text (json)

SEE ALSO:
  - cmd/server/main.go: Flag overrides and wiring
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the complete server configuration.
type Config struct {
	Port   int
	DBPath string

	CacheBackend string
	RedisAddress string
	CachePrefix  string
	CacheTTL     time.Duration
	LockTimeout  time.Duration

	WarmInterval      time.Duration
	WarmMaxConcurrent int
	WarmRetryDelay    time.Duration

	AwardBaseURL    string
	AwardBasicAuth  string
	ProviderTimeout time.Duration

	LogLevel  string
	LogFormat string
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:              8080,
		DBPath:            "rates.db",
		CacheBackend:      BackendMemory,
		RedisAddress:      "localhost:6379",
		CachePrefix:       "rate-engine:",
		CacheTTL:          time.Hour,
		LockTimeout:       5 * time.Second,
		WarmInterval:      5 * time.Minute,
		WarmMaxConcurrent: 5,
		WarmRetryDelay:    time.Second,
		ProviderTimeout:   10 * time.Second,
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

// Load reads .env (if present) and the environment on top of Default.
func Load() (Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup, which has the os.LookupEnv
// signature.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	r := envReader{lookup: lookup}

	r.int("PORT", &cfg.Port)
	r.string("DB_PATH", &cfg.DBPath)
	r.string("CACHE_BACKEND", &cfg.CacheBackend)
	r.string("REDIS_ADDRESS", &cfg.RedisAddress)
	r.string("CACHE_PREFIX", &cfg.CachePrefix)
	r.duration("CACHE_TTL", &cfg.CacheTTL)
	r.duration("LOCK_TIMEOUT", &cfg.LockTimeout)
	r.duration("WARM_INTERVAL", &cfg.WarmInterval)
	r.int("WARM_MAX_CONCURRENT", &cfg.WarmMaxConcurrent)
	r.duration("WARM_RETRY_DELAY", &cfg.WarmRetryDelay)
	r.string("AWARD_BASE_URL", &cfg.AwardBaseURL)
	r.string("AWARD_BASIC_AUTH", &cfg.AwardBasicAuth)
	r.duration("PROVIDER_TIMEOUT", &cfg.ProviderTimeout)
	r.string("LOG_LEVEL", &cfg.LogLevel)
	r.string("LOG_FORMAT", &cfg.LogFormat)

	if r.err != nil {
		return Config{}, r.err
	}
	return cfg, cfg.Validate()
}

// Validate checks values that have no sensible fallback.
func (c Config) Validate() error {
	switch c.CacheBackend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("CACHE_BACKEND must be %q or %q, got %q", BackendMemory, BackendRedis, c.CacheBackend)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	if c.WarmMaxConcurrent <= 0 {
		return fmt.Errorf("WARM_MAX_CONCURRENT must be positive, got %d", c.WarmMaxConcurrent)
	}
	for name, d := range map[string]time.Duration{
		"CACHE_TTL":        c.CacheTTL,
		"LOCK_TIMEOUT":     c.LockTimeout,
		"WARM_INTERVAL":    c.WarmInterval,
		"PROVIDER_TIMEOUT": c.ProviderTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}

// envReader keeps the first parse error so callers check once.
type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *envReader) get(key string) (string, bool) {
	v, ok := r.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *envReader) string(key string, dst *string) {
	if v, ok := r.get(key); ok {
		*dst = v
	}
}

func (r *envReader) int(key string, dst *int) {
	v, ok := r.get(key)
	if !ok || r.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.err = fmt.Errorf("%s: invalid integer %q", key, v)
		return
	}
	*dst = n
}

func (r *envReader) duration(key string, dst *time.Duration) {
	v, ok := r.get(key)
	if !ok || r.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.err = fmt.Errorf("%s: invalid duration %q", key, v)
		return
	}
	*dst = d
}
