// Package application is the composition root: it wires configuration,
// the connection pool, health tracking, provider clients, routing, the
// pipeline, and the HTTP server into one runnable gateway.
package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rcrelay/rcrelay/internal/application/pipeline"
	"github.com/rcrelay/rcrelay/internal/infrastructure/config"
	"github.com/rcrelay/rcrelay/internal/infrastructure/health"
	"github.com/rcrelay/rcrelay/internal/infrastructure/llm"
	"github.com/rcrelay/rcrelay/internal/infrastructure/pool"
	gwhttp "github.com/rcrelay/rcrelay/internal/interfaces/http"
	"github.com/rcrelay/rcrelay/internal/transform"
	"github.com/rcrelay/rcrelay/pkg/safego"
)

// App owns the gateway's long-lived components.
type App struct {
	store   *config.Store
	pool    *pool.Pool
	tracker *health.Tracker
	clients *clientRegistry
	router  *llm.Router
	pipe    *pipeline.Pipeline
	server  *gwhttp.Server
	logger  *zap.Logger

	cancel   context.CancelFunc
	stopOnce sync.Once
	stopped  chan struct{}
}

// clientRegistry maps provider IDs to their constructed clients.
type clientRegistry struct {
	mu      sync.RWMutex
	clients map[string]llm.Client
}

func (r *clientRegistry) Client(id string) (llm.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// NewApp builds the gateway from a loaded configuration.
func NewApp(store *config.Store, logger *zap.Logger) (*App, error) {
	cfg := store.Snapshot()

	connPool := pool.New(pool.Config{
		MaxConnections:        cfg.Pool.MaxConnections,
		MaxConnectionsPerHost: cfg.Pool.MaxConnectionsPerHost,
		MaxIdle:               cfg.Pool.MaxIdle,
		ConnectionTimeout:     cfg.Pool.ConnectionTimeout,
		IdleTimeout:           cfg.Pool.IdleTimeout,
	}, logger)

	tracker := health.NewTracker(health.Config{
		FailureThreshold:    cfg.Health.FailureThreshold,
		HalfOpenRetries:     cfg.Health.HalfOpenRetries,
		RecoveryTime:        cfg.Health.RecoveryTime,
		HealthCheckInterval: cfg.Health.HealthCheckInterval,
		MinQuality:          cfg.Health.MinQuality,
	}, logger)

	deps := llm.Deps{
		Pool:   connPool,
		Logger: logger,
		Transform: transform.Options{
			DefaultMaxTokens: cfg.Transform.DefaultMaxTokens,
			MaxTokensCeiling: cfg.Transform.MaxTokensCeiling,
			SafetyStopReason: cfg.Transform.SafetyStopReason,
		},
	}

	registry := &clientRegistry{clients: make(map[string]llm.Client)}
	for id, p := range cfg.Providers {
		client, err := llm.NewClient(llm.FromConfig(p, cfg.Pool), deps)
		if err != nil {
			connPool.Close()
			return nil, fmt.Errorf("provider %s: %w", id, err)
		}
		registry.clients[id] = client
		tracker.Register(id, p.CostScore)
	}

	router := llm.NewRouter(tracker, time.Now().UnixNano(), logger)
	pipe := pipeline.New(store, router, tracker, registry, logger)

	app := &App{
		store:   store,
		pool:    connPool,
		tracker: tracker,
		clients: registry,
		router:  router,
		pipe:    pipe,
		logger:  logger,
		stopped: make(chan struct{}),
	}

	app.server = gwhttp.NewServer(gwhttp.Config{
		Host:         cfg.Gateway.Host,
		Port:         cfg.Gateway.Port,
		Mode:         cfg.Gateway.Mode,
		MaxBodyBytes: cfg.Gateway.MaxBodyBytes,
		DrainTimeout: cfg.Gateway.DrainTimeout,
	}, pipe, store, tracker, connPool, app.triggerShutdown, logger)

	return app, nil
}

// Start launches the HTTP server, config watcher, model discovery, and
// background health probing.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if err := a.server.Start(ctx); err != nil {
		return err
	}

	safego.Go(a.logger, "config-watcher", func() {
		if err := a.store.Watch(ctx); err != nil {
			a.logger.Warn("Config watcher stopped", zap.Error(err))
		}
	})
	safego.Go(a.logger, "health-prober", func() { a.tracker.StartProbing(ctx, a.probe) })
	safego.Go(a.logger, "model-discovery", func() { a.discoverModels(ctx) })

	return nil
}

// Stop drains the HTTP server and releases the pool.
func (a *App) Stop(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		err = a.server.Stop(ctx)
		a.pool.Close()
		close(a.stopped)
	})
	return err
}

// Done is closed once the app has fully stopped.
func (a *App) Done() <-chan struct{} { return a.stopped }

// triggerShutdown serves the POST /shutdown endpoint.
func (a *App) triggerShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Stop(ctx); err != nil {
		a.logger.Error("Shutdown via endpoint failed", zap.Error(err))
	}
}

// probe drives the background health check for one provider.
func (a *App) probe(ctx context.Context, provider string) error {
	client, ok := a.clients.Client(provider)
	if !ok {
		return fmt.Errorf("no client for provider %s", provider)
	}
	return client.CheckHealth(ctx)
}

// discoverModels refreshes each provider's model list once at startup.
// Failures are logged, not fatal: the configured lists keep working.
func (a *App) discoverModels(ctx context.Context) {
	a.clients.mu.RLock()
	ids := make([]string, 0, len(a.clients.clients))
	for id := range a.clients.clients {
		ids = append(ids, id)
	}
	a.clients.mu.RUnlock()

	for _, id := range ids {
		client, _ := a.clients.Client(id)
		models, err := client.DiscoverModels(ctx)
		if err != nil {
			a.logger.Warn("Model discovery failed",
				zap.String("provider", id), zap.Error(err))
			continue
		}
		a.logger.Info("Models discovered",
			zap.String("provider", id),
			zap.Int("count", len(models)))
	}
}
