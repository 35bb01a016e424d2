/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the Warp rate engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment), then apply flags
  2. Build the logger and cache monitor
  3. Open the cache backend (memory or Redis)
  4. Build the cache warming scheduler
  5. Initialize SQLite store, rate engine and template service
  6. Register stored active templates, then start the scheduler
  7. Optionally seed demo templates
  8. Configure HTTP router and start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for in-memory database
  -cache   memory | redis (overrides CACHE_BACKEND)
  -redis   Redis address (overrides REDIS_ADDRESS)
  -seed    Org id to seed with demo templates when it has none

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the warming scheduler, wait for background bulk jobs
  4. Close cache and database connections

EXAMPLES:
  # Run with file database and Redis
  ./server -db="./data/rates.db" -cache=redis -redis=localhost:6379

  # Run in memory with demo data
  ./server -db=":memory:" -seed=demo

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/rate-engine/api"
	"github.com/warp/rate-engine/award"
	"github.com/warp/rate-engine/cache"
	"github.com/warp/rate-engine/config"
	"github.com/warp/rate-engine/factory"
	"github.com/warp/rate-engine/monitoring"
	"github.com/warp/rate-engine/rate"
	"github.com/warp/rate-engine/store/sqlite"
	"github.com/warp/rate-engine/template"
	"github.com/warp/rate-engine/warming"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Flags
	flag.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	flag.StringVar(&cfg.CacheBackend, "cache", cfg.CacheBackend, "cache backend: memory or redis")
	flag.StringVar(&cfg.RedisAddress, "redis", cfg.RedisAddress, "Redis address")
	seedOrg := flag.String("seed", "", "org id to seed with demo templates")
	flag.Parse()

	logger := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}

	if err := run(cfg, *seedOrg, logger); err != nil {
		logger.WithError(err).Fatal("server failed")
	}
}

func run(cfg config.Config, seedOrg string, logger *logrus.Logger) error {
	monitor := monitoring.New(monitoring.DefaultSampleSize)

	// Cache
	c, err := openCache(cfg, monitor, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	// Warming
	sched := warming.New(c, warming.Config{
		Interval:       cfg.WarmInterval,
		MaxConcurrent:  cfg.WarmMaxConcurrent,
		MaxRetries:     warming.DefaultConfig().MaxRetries,
		RetryDelay:     cfg.WarmRetryDelay,
		DefaultTTL:     cfg.CacheTTL,
		RefreshTimeout: cfg.ProviderTimeout,
	}, warming.WithReporter(monitor), warming.WithLogger(logger))

	// Award provider
	var provider award.Provider
	if cfg.AwardBaseURL != "" {
		provider = award.NewHTTPProvider(cfg.AwardBaseURL, cfg.AwardBasicAuth)
	} else {
		logger.Warn("AWARD_BASE_URL not set, award lookups are disabled")
	}
	engine := rate.NewEngine(c, provider,
		rate.WithProviderTimeout(cfg.ProviderTimeout),
		rate.WithLogger(logger),
	)

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	svc := template.NewService(store, engine,
		template.WithCache(c),
		template.WithWarmer(sched),
		template.WithLogger(logger),
		template.WithCalculationTTL(cfg.CacheTTL),
	)
	defer svc.Close()

	if _, err := svc.WarmActive(context.Background()); err != nil {
		logger.WithError(err).Warn("failed to register active templates for warming")
	}
	sched.Start()
	defer sched.Stop()

	if seedOrg != "" {
		if err := seed(context.Background(), svc, seedOrg); err != nil {
			logger.WithError(err).Warn("failed to seed demo templates")
		}
	}

	handler := api.NewHandler(svc, engine,
		api.WithCache(c),
		api.WithMonitor(monitor),
		api.WithWarming(sched),
		api.WithPinger(store),
		api.WithLogger(logger),
	)
	router := api.NewRouter(handler)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"port":  cfg.Port,
			"cache": cfg.CacheBackend,
			"db":    cfg.DBPath,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return err
	}

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func openCache(cfg config.Config, monitor *monitoring.Monitor, logger *logrus.Logger) (cache.Cache, error) {
	opts := []cache.Option{
		cache.WithPrefix(cfg.CachePrefix),
		cache.WithDefaultTTL(cfg.CacheTTL),
		cache.WithLockTimeout(cfg.LockTimeout),
		cache.WithObserver(monitor),
		cache.WithLogger(logger),
	}
	if cfg.CacheBackend == config.BackendRedis {
		c, err := cache.NewRedisCache(cfg.RedisAddress, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return cache.NewMemoryCache(opts...), nil
}

// seed creates one template per preset in orgID unless it already has
// templates.
func seed(ctx context.Context, svc *template.Service, orgID string) error {
	existing, err := svc.List(ctx, orgID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	f := factory.NewTemplateFactory()
	for _, js := range []string{
		factory.StandardTemplateJSON("Site Labourer", 32.5, 0.2),
		factory.StandardTemplateJSON("Leading Hand", 38, 0.22),
		factory.CasualTemplateJSON("Casual Labourer", 30, 0.18),
	} {
		in, err := f.ParseTemplate(orgID, "seed", js)
		if err != nil {
			return err
		}
		tpl, err := svc.Create(ctx, *in)
		if err != nil {
			return err
		}
		if _, err := svc.UpdateStatus(ctx, tpl.ID, template.StatusActive, "seed"); err != nil {
			return err
		}
	}
	return nil
}
