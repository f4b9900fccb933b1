// Package api exposes the operational HTTP surface: health, collector
// status and triggers, rate-limit inspection and discovery controls. It
// never serves market data; the database is the read interface for that.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dexharvest/dexharvest-go/internal/config"
	"github.com/dexharvest/dexharvest-go/internal/ratelimit"
	"github.com/dexharvest/dexharvest-go/internal/services"
	"github.com/dexharvest/dexharvest-go/internal/storage"
)

// HealthChecker reports liveness of one backing dependency.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server wires the harvester's components into HTTP handlers.
type Server struct {
	cfg       *config.Config
	db        HealthChecker
	redis     HealthChecker
	repo      *storage.Repository
	cache     *storage.MarketCache
	scheduler *services.Scheduler
	limiter   *ratelimit.KeyedLimiter
	breakers  *services.CircuitBreakerManager
	discovery *services.DiscoveryEngine

	// reloadMu serializes config reloads; s.cfg is only written here.
	reloadMu sync.Mutex
}

// NewServer creates the ops API server. redis may be nil when caching is
// disabled.
func NewServer(cfg *config.Config, db HealthChecker, redis HealthChecker,
	repo *storage.Repository, cache *storage.MarketCache, scheduler *services.Scheduler,
	limiter *ratelimit.KeyedLimiter, breakers *services.CircuitBreakerManager,
	discovery *services.DiscoveryEngine) *Server {
	return &Server{
		cfg:       cfg,
		db:        db,
		redis:     redis,
		repo:      repo,
		cache:     cache,
		scheduler: scheduler,
		limiter:   limiter,
		breakers:  breakers,
		discovery: discovery,
	}
}

// RegisterRoutes mounts all endpoints on the router.
func (s *Server) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", s.health)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/collectors", s.collectorStatus)
		v1.POST("/collectors/:name/run", s.runCollector)

		v1.GET("/ratelimits", s.rateLimitStatus)
		v1.POST("/ratelimits/:key/reset", s.resetRateLimit)

		v1.GET("/breakers", s.breakerStats)
		v1.POST("/breakers/reset", s.resetBreakers)

		v1.GET("/discovery/runs", s.discoveryRuns)
		v1.POST("/discovery/bootstrap", s.bootstrap)

		v1.GET("/watchlist", s.watchlist)
		v1.POST("/watchlist/:pool_id", s.addWatchlist)
		v1.DELETE("/watchlist/:pool_id", s.removeWatchlist)

		v1.GET("/stats", s.stats)
		v1.POST("/config/reload", s.reloadConfig)
	}
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}

	if err := s.db.HealthCheck(ctx); err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if s.redis != nil {
		if err := s.redis.HealthCheck(ctx); err != nil {
			// A dead cache degrades dedup to the database indexes; the
			// service itself stays healthy.
			checks["redis"] = err.Error()
		} else {
			checks["redis"] = "ok"
		}
	}

	c.JSON(status, gin.H{
		"status": http.StatusText(status),
		"checks": checks,
	})
}

func (s *Server) collectorStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"collectors": s.scheduler.Status()})
}

func (s *Server) runCollector(c *gin.Context) {
	name := c.Param("name")
	result, err := s.scheduler.RunOnce(c.Request.Context(), name)
	switch {
	case errors.Is(err, services.ErrUnknownCollector):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrCollectorRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, result)
	}
}

func (s *Server) rateLimitStatus(c *gin.Context) {
	statuses := make([]ratelimit.Status, 0)
	for _, key := range s.limiter.Keys() {
		statuses = append(statuses, s.limiter.Status(key))
	}
	c.JSON(http.StatusOK, gin.H{"resources": statuses})
}

func (s *Server) resetRateLimit(c *gin.Context) {
	key := c.Param("key")
	s.limiter.Reset(key)
	c.JSON(http.StatusOK, gin.H{"reset": key})
}

func (s *Server) breakerStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": s.breakers.GetAllStats()})
}

func (s *Server) resetBreakers(c *gin.Context) {
	s.breakers.ResetAll()
	c.JSON(http.StatusOK, gin.H{"reset": "all"})
}

func (s *Server) discoveryRuns(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	runs, err := s.repo.ListDiscoveryRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) bootstrap(c *gin.Context) {
	meta, err := s.discovery.Bootstrap(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "run": meta})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": meta})
}

func (s *Server) watchlist(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pools": s.cache.WatchlistMembers(c.Request.Context())})
}

func (s *Server) addWatchlist(c *gin.Context) {
	poolID := c.Param("pool_id")
	if err := s.cache.AddToWatchlist(c.Request.Context(), poolID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"watchlisted": poolID})
}

func (s *Server) removeWatchlist(c *gin.Context) {
	poolID := c.Param("pool_id")
	if err := s.cache.RemoveFromWatchlist(c.Request.Context(), poolID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": poolID})
}

func (s *Server) stats(c *gin.Context) {
	stats, err := s.repo.TableStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tables": stats})
}

// reloadConfig re-reads configuration and applies the parts that are safe
// to swap at runtime: collector schedules, rate-limit ceilings, breaker
// thresholds and discovery filters. Rate-limit counters and backoff state
// survive the reload.
func (s *Server) reloadConfig(c *gin.Context) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	fresh, err := config.Reload()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.scheduler.Reload(fresh.Collectors)
	s.limiter.UpdateConfig(ratelimit.Config{
		RequestsPerMinute: fresh.RateLimits.RequestsPerMinute,
		RequestsPerDay:    fresh.RateLimits.RequestsPerDay,
		BaseRetryAfter:    fresh.RateLimits.BaseRetryAfterDuration(),
		MaxBackoff:        fresh.RateLimits.MaxBackoffDuration(),
	})
	s.discovery.UpdateConfig(fresh.Discovery)
	*s.cfg = *fresh

	c.JSON(http.StatusOK, gin.H{"reloaded": true})
}
