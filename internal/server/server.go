// Package server exposes the cache, lock, warming and backup operations
// over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/singleflight"

	"github.com/vyrodovalexey/avacache/internal/backup"
	"github.com/vyrodovalexey/avacache/internal/cache"
	"github.com/vyrodovalexey/avacache/internal/config"
	"github.com/vyrodovalexey/avacache/internal/health"
	"github.com/vyrodovalexey/avacache/internal/invalidation"
	"github.com/vyrodovalexey/avacache/internal/lock"
	"github.com/vyrodovalexey/avacache/internal/monitoring"
	"github.com/vyrodovalexey/avacache/internal/observability"
	"github.com/vyrodovalexey/avacache/internal/warming"
)

// maxRequestBodySize limits JSON request bodies.
const maxRequestBodySize = 1 << 20

// ginModeOnce ensures gin.SetMode is only called once to avoid race conditions
var ginModeOnce sync.Once

// Deps are the services the HTTP surface dispatches to. Backups may be nil
// when backups are disabled.
type Deps struct {
	Store       *cache.Store
	Invalidator *invalidation.Engine
	Locks       *lock.Manager
	Warming     *warming.Scheduler
	Monitor     *monitoring.Service
	Backups     *backup.Service
	Health      *health.Checker
	Gatherer    prometheus.Gatherer

	// Loader computes values for cache-aside misses and warm requests.
	Loader     cache.Loader
	DefaultTTL time.Duration
}

// Server is the REST front end.
type Server struct {
	deps       Deps
	cfg        config.HTTPConfig
	engine     *gin.Engine
	httpServer *http.Server
	logger     observability.Logger
	loads      singleflight.Group

	mu      sync.Mutex
	running bool
}

// New builds the router. It does not start listening.
func New(cfg config.HTTPConfig, deps Deps, logger observability.Logger) (*Server, error) {
	if deps.Store == nil || deps.Invalidator == nil || deps.Locks == nil ||
		deps.Warming == nil || deps.Monitor == nil || deps.Health == nil {
		return nil, errors.New("server: missing dependency")
	}
	if deps.Loader == nil {
		return nil, errors.New("server: loader is required")
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		deps:   deps,
		cfg:    cfg,
		engine: gin.New(),
		logger: logger,
	}
	s.engine.Use(
		Recovery(logger),
		RequestID(),
		Tracing(),
		Logging(logger, "/health", "/ready", "/metrics"),
		bodyLimit(maxRequestBodySize),
	)
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.engine.GET("/health", s.health)
	s.engine.GET("/ready", s.ready)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	c := s.engine.Group("/cache")
	c.GET("/stats", s.stats)
	c.GET("/:key", s.getCache)
	c.POST("/warm", s.warm)
	c.POST("/warm/strategies", s.runStrategies)
	c.POST("/invalidate", s.invalidate)

	l := c.Group("/lock")
	l.POST("/acquire", s.acquireLock)
	l.POST("/release", s.releaseLock)
	l.POST("/extend", s.extendLock)

	b := c.Group("/backups")
	b.GET("", s.listBackups)
	b.POST("", s.createBackup)
	b.POST("/restore", s.restoreBackup)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on the configured address until Stop is called.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadTimeout:       s.cfg.ReadTimeout.Duration(),
		ReadHeaderTimeout: s.cfg.ReadTimeout.Duration(),
		WriteTimeout:      s.cfg.WriteTimeout.Duration(),
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting HTTP server", observability.String("address", s.cfg.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}

	s.logger.Info("stopping HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.running = false
	return nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Health.Health())
}

func (s *Server) ready(c *gin.Context) {
	resp := s.deps.Health.Readiness(c.Request.Context())
	status := http.StatusOK
	if resp.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}
