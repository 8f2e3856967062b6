package api

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/proxy-loadgen/internal/config"
	"github.com/proxy-loadgen/internal/metrics"
	"github.com/proxy-loadgen/internal/pool"
	"github.com/proxy-loadgen/internal/report"
	"github.com/proxy-loadgen/internal/storage"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Server exposes live run statistics and pool health while a run is in
// progress, plus the last persisted report.
type Server struct {
	config      *config.Config
	tracker     *report.Tracker
	pool        *pool.Pool
	metrics     *metrics.Collector
	store       storage.Storage
	router      *gin.Engine
	httpServer  *http.Server
	rateLimiter *RateLimiter
}

type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	rps := float64(requestsPerMinute) / 60.0
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    requestsPerMinute / 10, // Allow bursts
	}
}

func (rl *RateLimiter) GetLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := rl.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[key] = limiter

	return limiter
}

func NewServer(cfg *config.Config, tracker *report.Tracker, p *pool.Pool,
	metricsCollector *metrics.Collector, store storage.Storage) *Server {

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		config:      cfg,
		tracker:     tracker,
		pool:        p,
		metrics:     metricsCollector,
		store:       store,
		router:      router,
		rateLimiter: NewRateLimiter(cfg.API.RateLimitPerMinute),
	}

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.metricsMiddleware())

	s.router.GET("/health", s.handleHealth)

	if s.config.Metrics.Enabled {
		s.router.GET(s.config.Metrics.Endpoint, gin.WrapH(promhttp.Handler()))
	}

	protected := s.router.Group("/")
	if s.config.API.EnableAPIKeyAuth {
		protected.Use(s.authMiddleware())
	}
	if s.config.API.EnableIPRateLimit {
		protected.Use(s.rateLimitMiddleware())
	}

	protected.GET("/stats", s.handleStats)
	protected.GET("/pool", s.handlePool)
	protected.GET("/last-run", s.handleLastRun)
	protected.POST("/reload", s.handleReload)
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.API.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Infof("Starting API server on %s", s.config.API.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}

// Middleware

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()

		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     path,
			"status":   statusCode,
			"duration": duration.Milliseconds(),
			"ip":       c.ClientIP(),
		}).Debug("API request")
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		s.metrics.RecordAPIRequest(method, path, status)
		s.metrics.RecordAPIDuration(method, path, duration)
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	expectedKey := os.Getenv(s.config.API.APIKeyEnv)
	if expectedKey == "" {
		log.Warn("API key not set in environment, authentication disabled")
	}

	return func(c *gin.Context) {
		if expectedKey == "" {
			c.Next()
			return
		}

		// Check header first
		apiKey := c.GetHeader("X-Api-Key")
		if apiKey == "" {
			apiKey = c.Query("key")
		}

		if apiKey != expectedKey {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or missing API key",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		limiter := s.rateLimiter.GetLimiter(ip)

		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) handleStats(c *gin.Context) {
	stats := s.tracker.Snapshot()
	healthy, degraded, banned := s.pool.Counts()

	c.JSON(http.StatusOK, gin.H{
		"requests_sent":      stats.RequestsSent,
		"requests_succeeded": stats.RequestsSucceeded,
		"requests_failed":    stats.RequestsFailed,
		"per_kind":           stats.PerKind,
		"elapsed_seconds":    stats.Elapsed.Seconds(),
		"rps":                stats.RPS(),
		"pool": gin.H{
			"healthy":  healthy,
			"degraded": degraded,
			"banned":   banned,
		},
	})
}

func (s *Server) handlePool(c *gin.Context) {
	endpoints := s.pool.Snapshot()

	out := make([]gin.H, 0, len(endpoints))
	for _, e := range endpoints {
		out = append(out, gin.H{
			"address":              e.Address,
			"scheme":               e.Scheme,
			"state":                string(e.State),
			"consecutive_failures": e.ConsecutiveFailures,
			"last_used":            e.LastUsed.Format(time.RFC3339),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"total":     len(endpoints),
		"endpoints": out,
	})
}

// handleReload re-reads the config file. Run parameters are captured
// when the dispatcher starts; a reload affects the log level and the
// settings read per request (auth key env, rate limits).
func (s *Server) handleReload(c *gin.Context) {
	if err := s.config.Reload(); err != nil {
		log.Errorf("Config reload failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if level, err := log.ParseLevel(s.config.Logging.Level); err == nil {
		log.SetLevel(level)
	}

	log.Info("Configuration reloaded")
	c.JSON(http.StatusOK, gin.H{"status": "reloaded"})
}

func (s *Server) handleLastRun(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No storage configured"})
		return
	}

	rep, err := s.store.Load()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if rep == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No completed run on record"})
		return
	}

	c.JSON(http.StatusOK, rep)
}
