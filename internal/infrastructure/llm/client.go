// Package llm implements the upstream provider clients. Every client
// speaks the Anthropic shape at its boundary; wire translation happens
// inside the client so the pipeline never sees a provider format.
package llm

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rcrelay/rcrelay/internal/infrastructure/config"
	"github.com/rcrelay/rcrelay/internal/infrastructure/pool"
	"github.com/rcrelay/rcrelay/internal/transform"
	"github.com/rcrelay/rcrelay/internal/wire/anthropic"
)

// Kind identifies a provider protocol family.
type Kind string

const (
	KindOpenAI     Kind = "openai"
	KindQwen       Kind = "qwen"
	KindModelScope Kind = "modelscope"
	KindLMStudio   Kind = "lmstudio"
	KindGemini     Kind = "gemini"
)

// ModelInfo describes one model a provider exposes.
type ModelInfo struct {
	Name         string
	MaxTokens    int
	Capabilities []string
}

// ProviderConfig holds the resolved configuration for one provider.
type ProviderConfig struct {
	ID             string
	Name           string
	Kind           Kind
	BaseURL        string
	APIKey         string
	Project        string // gemini envelope project
	Models         []ModelInfo
	ReadTimeout    time.Duration
	OverallTimeout time.Duration
}

// FromConfig resolves a config.Provider into a ProviderConfig, reading
// the credential reference.
func FromConfig(p config.Provider, pc config.PoolConfig) ProviderConfig {
	models := make([]ModelInfo, 0, len(p.Models))
	for _, m := range p.Models {
		models = append(models, ModelInfo{
			Name:         m.Name,
			MaxTokens:    m.MaxTokens,
			Capabilities: m.Capabilities,
		})
	}
	return ProviderConfig{
		ID:             p.ID,
		Name:           p.Name,
		Kind:           Kind(p.Kind),
		BaseURL:        strings.TrimRight(p.BaseURL, "/"),
		APIKey:         p.Credential(),
		Project:        p.Project,
		Models:         models,
		ReadTimeout:    pc.ReadTimeout,
		OverallTimeout: pc.OverallTimeout,
	}
}

// Emit receives one translated stream event. Returning an error aborts
// the stream; the client propagates it unchanged.
type Emit func(anthropic.StreamEvent) error

// Client is one upstream provider. Complete and Stream accept and
// produce the Anthropic shape; Model names the upstream model to use,
// which may differ from the model the caller asked for.
type Client interface {
	ID() string
	Kind() Kind
	Models() []ModelInfo
	SupportsModel(model string) bool

	Complete(ctx context.Context, req *anthropic.Request, model string) (*anthropic.Response, error)
	Stream(ctx context.Context, req *anthropic.Request, model string, emit Emit) error

	CheckHealth(ctx context.Context) error
	DiscoverModels(ctx context.Context) ([]ModelInfo, error)
}

// Deps carries shared infrastructure into client constructors.
type Deps struct {
	Pool      *pool.Pool
	Logger    *zap.Logger
	Transform transform.Options
}

// --- Client Factory Registry ---
// Clients register themselves via init() in this package. Adding a new
// provider kind = implement Client + RegisterFactory(kind, New).

// Factory creates a Client from config.
type Factory func(cfg ProviderConfig, deps Deps) (Client, error)

var (
	factoryMu sync.RWMutex
	factories = map[Kind]Factory{}
)

// RegisterFactory registers a client factory for the given kind.
func RegisterFactory(kind Kind, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[kind] = factory
}

// NewClient creates a Client using the registered factory for cfg.Kind.
// An empty kind defaults to "openai".
func NewClient(cfg ProviderConfig, deps Deps) (Client, error) {
	k := cfg.Kind
	if k == "" {
		k = KindOpenAI
	}

	factoryMu.RLock()
	factory, ok := factories[k]
	factoryMu.RUnlock()

	if !ok {
		factoryMu.RLock()
		available := make([]Kind, 0, len(factories))
		for name := range factories {
			available = append(available, name)
		}
		factoryMu.RUnlock()
		return nil, fmt.Errorf("unknown provider kind %q (available: %v)", k, available)
	}

	return factory(cfg, deps)
}

// --- Request priority ---

type priorityKey struct{}

// WithPriority tags ctx with a pool acquisition priority.
func WithPriority(ctx context.Context, p pool.Priority) context.Context {
	return context.WithValue(ctx, priorityKey{}, p)
}

// PriorityFrom reads the pool priority from ctx, defaulting to normal.
func PriorityFrom(ctx context.Context) pool.Priority {
	if p, ok := ctx.Value(priorityKey{}).(pool.Priority); ok {
		return p
	}
	return pool.PriorityNormal
}

// endpointHost splits a base URL into pool coordinates.
func endpointHost(baseURL string) (scheme, host string, port int, err error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", "", 0, fmt.Errorf("parse base url %s: %w", baseURL, err)
	}
	scheme = u.Scheme
	if scheme == "" {
		scheme = "https"
	}
	host = u.Hostname()
	port = 443
	if scheme == "http" {
		port = 80
	}
	if ps := u.Port(); ps != "" {
		port, err = strconv.Atoi(ps)
		if err != nil {
			return "", "", 0, fmt.Errorf("parse port in %s: %w", baseURL, err)
		}
	}
	return scheme, host, port, nil
}
