package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/dexharvest/dexharvest-go/internal/api"
	"github.com/dexharvest/dexharvest-go/internal/config"
	"github.com/dexharvest/dexharvest-go/internal/database"
	"github.com/dexharvest/dexharvest-go/internal/gecko"
	"github.com/dexharvest/dexharvest-go/internal/logging"
	"github.com/dexharvest/dexharvest-go/internal/ratelimit"
	"github.com/dexharvest/dexharvest-go/internal/services"
	"github.com/dexharvest/dexharvest-go/internal/storage"
)

const version = "1.0.0"

func main() {
	// Load .env file if present (development convenience).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.NewStandardLogger(cfg.LogLevel, cfg.Environment)
	logrus.SetLevel(logging.ParseLogrusLevel(cfg.LogLevel))
	logger.LogStartup("dexharvest", version, cfg.Server.Port)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("service exited")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.StandardLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgresConnection(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer db.Close()

	repo := storage.NewRepository(db.Pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	var redisConn *database.RedisClient
	var cache *storage.MarketCache
	if cfg.Redis.Enabled {
		redisConn, err = database.NewRedisConnection(cfg.Redis)
		if err != nil {
			// Dedup falls back to the database unique indexes.
			logger.WithError(err).Warn("redis unavailable, using in-process cache")
			cache = storage.NewMarketCache(nil)
		} else {
			defer redisConn.Close()
			cache = storage.NewMarketCache(redisConn.Client)
		}
	} else {
		cache = storage.NewMarketCache(nil)
	}
	cache.Seed(ctx, cfg.Discovery.Watchlist)

	provider := gecko.NewClient(&cfg.Provider)
	limiter := ratelimit.NewKeyedLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimits.RequestsPerMinute,
		RequestsPerDay:    cfg.RateLimits.RequestsPerDay,
		BaseRetryAfter:    cfg.RateLimits.BaseRetryAfterDuration(),
		MaxBackoff:        cfg.RateLimits.MaxBackoffDuration(),
	}, logger.WithComponent("ratelimit"))

	breakers := services.NewCircuitBreakerManager(logrus.StandardLogger())
	breakerCfg := services.CircuitBreakerConfig{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:  cfg.CircuitBreaker.RecoveryTimeoutDuration(),
	}
	gate := services.NewProviderGate(limiter, breakers, breakerCfg, cfg.RateLimits.SharedKey)
	scorer := services.NewActivityScorer(cfg.Discovery)

	discovery := services.NewDiscoveryEngine(provider, repo, cache, gate, scorer,
		cfg.Discovery, logger.Logger())

	// Bootstrap the entity graph before steady-state collection; a degraded
	// bootstrap is logged via its audit row and does not block startup.
	if meta, err := discovery.Bootstrap(ctx); err != nil {
		logger.WithError(err).Warn("bootstrap discovery degraded",
			"pools_included", meta.PoolsIncluded, "errors", len(meta.Errors))
	}

	deps := services.CollectorDeps{
		Provider: provider,
		Store:    repo,
		Refs:     repo,
		Cache:    cache,
		Gate:     gate,
		Scorer:   scorer,
		Logger:   logger.WithComponent("collector"),
		MinScore: cfg.Discovery.ActivityThreshold,
	}

	scheduler := services.NewScheduler(logger.WithComponent("scheduler"))
	if err := registerCollectors(scheduler, cfg, deps, discovery); err != nil {
		return err
	}
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	cleanup := services.NewCleanupService(repo, cfg.Cleanup, logger.Logger())
	cleanup.Start(ctx)
	defer cleanup.Stop()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	apiServer := api.NewServer(cfg, db, redisConn, repo, cache, scheduler, limiter, breakers, discovery)
	apiServer.RegisterRoutes(router)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.LogShutdown("dexharvest", "signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown incomplete")
	}
	return nil
}

// registerCollectors builds one collector per configured entry. Unknown
// entity types are a configuration mistake and fail startup; a typo that
// silently collected nothing would be worse.
func registerCollectors(scheduler *services.Scheduler, cfg *config.Config,
	deps services.CollectorDeps, discovery *services.DiscoveryEngine) error {
	for _, cc := range cfg.Collectors {
		var collector services.Collector
		switch cc.EntityType {
		case "pool_history":
			collector = services.NewPoolHistoryCollector(cc.Name, cc.Network, deps)
		case "ohlcv":
			collector = services.NewOHLCVCollector(cc.Name, cc.Network, cc.Timeframe, deps)
		case "trade":
			collector = services.NewTradesCollector(cc.Name, cc.Network, deps)
		case "new_pools":
			collector = services.NewNewPoolsCollector(cc.Name, cc.Network, discovery)
		default:
			return fmt.Errorf("collector %s: unknown entity type %q", cc.Name, cc.EntityType)
		}
		if err := scheduler.Register(collector, cc.IntervalDuration(), cc.Enabled); err != nil {
			return err
		}
	}
	return nil
}
