package config

import (
	"context"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Store holds the current immutable configuration snapshot. Readers call
// Snapshot and keep the pointer for the lifetime of one request; reloads
// swap the pointer atomically and never mutate a published Config.
type Store struct {
	ptr       atomic.Pointer[Config]
	path      string
	envPrefix string
	logger    *zap.Logger
}

// NewStore creates a store seeded with cfg.
func NewStore(cfg *Config, path, envPrefix string, logger *zap.Logger) *Store {
	s := &Store{
		path:      path,
		envPrefix: envPrefix,
		logger:    logger.With(zap.String("component", "config-store")),
	}
	s.ptr.Store(cfg)
	return s
}

// Snapshot returns the current configuration. The returned value must be
// treated as read-only.
func (s *Store) Snapshot() *Config {
	return s.ptr.Load()
}

// Reload re-reads the config file and swaps the snapshot. A failed reload
// keeps the previous snapshot in place.
func (s *Store) Reload() error {
	cfg, err := Load(s.path, s.envPrefix)
	if err != nil {
		s.logger.Warn("Config reload failed, keeping previous snapshot", zap.Error(err))
		return err
	}
	s.ptr.Store(cfg)
	s.logger.Info("Config snapshot replaced",
		zap.Int("providers", len(cfg.Providers)),
		zap.Int("categories", len(cfg.Routing)),
	)
	return nil
}

// Watch reloads the snapshot whenever the config file changes. Blocks
// until ctx is cancelled; intended to run as a background goroutine.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(s.path); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				_ = s.Reload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}
