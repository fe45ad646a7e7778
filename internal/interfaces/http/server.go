// Package http is the gateway's front door: a gin server exposing the
// Anthropic-compatible messages endpoint plus health, status, and
// shutdown surfaces.
package http

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rcrelay/rcrelay/internal/application/pipeline"
	"github.com/rcrelay/rcrelay/internal/infrastructure/config"
	"github.com/rcrelay/rcrelay/internal/infrastructure/health"
	"github.com/rcrelay/rcrelay/internal/infrastructure/pool"
	"github.com/rcrelay/rcrelay/internal/interfaces/http/handlers"
	"github.com/rcrelay/rcrelay/pkg/safego"
)

// Config controls the HTTP server.
type Config struct {
	Host         string
	Port         int
	Mode         string // local, production
	MaxBodyBytes int64
	DrainTimeout time.Duration
}

// Server wraps the gin engine and its http.Server.
type Server struct {
	server   *http.Server
	logger   *zap.Logger
	active   atomic.Int64
	drain    time.Duration
	shutdown func() // app-level shutdown trigger, set by the composition root
}

// NewServer wires routes and middleware.
func NewServer(cfg Config, pipe *pipeline.Pipeline, store *config.Store, tracker *health.Tracker, connPool *pool.Pool, onShutdown func(), logger *zap.Logger) *Server {
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}

	s := &Server{
		logger:   logger,
		drain:    cfg.DrainTimeout,
		shutdown: onShutdown,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(requestLogger(logger))

	messagesHandler := handlers.NewMessagesHandler(pipe, store, cfg.MaxBodyBytes, logger)
	statusHandler := handlers.NewStatusHandler(tracker, connPool, &s.active, logger)

	router.POST("/v1/messages", s.counted(messagesHandler.Messages))
	router.GET("/health", statusHandler.Health)
	router.GET("/status", statusHandler.Status)
	router.POST("/shutdown", s.handleShutdown)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: router,
	}
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	safego.Go(s.logger, "http-listener", func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	})

	return nil
}

// Stop drains in-flight requests up to the drain timeout, then closes.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server",
		zap.Int64("active_requests", s.active.Load()))
	ctx, cancel := context.WithTimeout(ctx, s.drain)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// counted tracks in-flight message requests for /status and drain.
func (s *Server) counted(h gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.active.Add(1)
		defer s.active.Add(-1)
		h(c)
	}
}

// handleShutdown acknowledges first, then triggers the graceful stop so
// the response makes it out before the listener closes.
func (s *Server) handleShutdown(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "shutting_down"})
	if s.shutdown != nil {
		go s.shutdown()
	}
}

// requestID assigns a correlation ID to every request and echoes it in
// the response header.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(handlers.RequestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString(handlers.RequestIDKey)),
			zap.String("ip", c.ClientIP()),
		)
	}
}
