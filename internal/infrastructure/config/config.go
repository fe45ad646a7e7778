package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full gateway configuration, loaded from a JSON file with
// environment overrides. A loaded Config is treated as immutable; reloads
// build a new one and swap it through the Store.
type Config struct {
	Gateway   GatewayConfig       `mapstructure:"gateway"`
	Log       LogConfig           `mapstructure:"log"`
	Providers map[string]Provider `mapstructure:"providers"`
	Routing   map[string]Category `mapstructure:"routing"`
	Pool      PoolConfig          `mapstructure:"pool"`
	Health    HealthConfig        `mapstructure:"health"`
	Transform TransformConfig     `mapstructure:"transform"`
}

// GatewayConfig controls the HTTP front door.
type GatewayConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"` // local, production
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

// LogConfig controls the root logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Provider configures one upstream LLM provider.
type Provider struct {
	ID            string     `mapstructure:"id"`
	Name          string     `mapstructure:"name"`
	Kind          string     `mapstructure:"kind"` // openai | qwen | modelscope | lmstudio | gemini
	BaseURL       string     `mapstructure:"baseUrl"`
	CredentialRef string     `mapstructure:"credentialRef"` // literal key or "env:VAR"
	Project       string     `mapstructure:"project"`       // gemini envelope project
	Models        []ModelRef `mapstructure:"models"`
	Weight        int        `mapstructure:"weight"`
	Priority      int        `mapstructure:"priority"` // lower = higher priority
	CostScore     float64    `mapstructure:"costScore"`
}

// ModelRef declares a model a provider exposes.
type ModelRef struct {
	Name         string   `mapstructure:"name"`
	MaxTokens    int      `mapstructure:"maxTokens"`
	Capabilities []string `mapstructure:"capabilities"` // programming, image-processing, long-context, reasoning
}

// Category is one routing class with its candidate chains.
type Category struct {
	// Policy selects among healthy candidates: priority (default),
	// round_robin, least_loaded, weighted_random, random.
	Policy     string      `mapstructure:"policy"`
	Primary    []Candidate `mapstructure:"primary"`
	Emergency  []Candidate `mapstructure:"emergency"`
	Conditions Conditions  `mapstructure:"conditions"`
}

// Candidate is one (provider, model) entry in a chain.
type Candidate struct {
	Provider   string        `mapstructure:"provider"`
	Model      string        `mapstructure:"model"`
	MaxLatency time.Duration `mapstructure:"maxLatency"`
	Priority   int           `mapstructure:"priority"`
}

// Conditions holds a category's failover trigger and recovery thresholds.
type Conditions struct {
	TriggerOnLatency             time.Duration `mapstructure:"triggerOnLatency"`
	TriggerOnErrorRate           float64       `mapstructure:"triggerOnErrorRate"`
	TriggerOnConsecutiveFailures int           `mapstructure:"triggerOnConsecutiveFailures"`
	RecoverySuccessThreshold     int           `mapstructure:"recoverySuccessThreshold"`
	RecoveryTimeoutMs            int           `mapstructure:"recoveryTimeoutMs"`
}

// PoolConfig controls the upstream connection pool and the retry loop.
type PoolConfig struct {
	MaxConnections        int           `mapstructure:"maxConnections"`
	MaxConnectionsPerHost int           `mapstructure:"maxConnectionsPerHost"`
	MaxIdle               int           `mapstructure:"maxIdle"`
	ConnectionTimeout     time.Duration `mapstructure:"connectionTimeout"`
	IdleTimeout           time.Duration `mapstructure:"idleTimeout"`
	KeepAliveTimeout      time.Duration `mapstructure:"keepAliveTimeout"`
	ReadTimeout           time.Duration `mapstructure:"readTimeout"`
	OverallTimeout        time.Duration `mapstructure:"overallTimeout"`
	RetryAttempts         int           `mapstructure:"retryAttempts"`
	RetryDelay            time.Duration `mapstructure:"retryDelay"`
}

// HealthConfig controls the per-provider health tracker.
type HealthConfig struct {
	FailureThreshold    int           `mapstructure:"failureThreshold"`
	HalfOpenRetries     int           `mapstructure:"halfOpenRetries"`
	RecoveryTime        time.Duration `mapstructure:"recoveryTime"`
	HealthCheckInterval time.Duration `mapstructure:"healthCheckInterval"`
	MinQuality          float64       `mapstructure:"minQuality"`
}

// TransformConfig tunes the format translators.
type TransformConfig struct {
	DefaultMaxTokens int    `mapstructure:"defaultMaxTokens"`
	MaxTokensCeiling int    `mapstructure:"maxTokensCeiling"`
	SafetyStopReason string `mapstructure:"safetyStopReason"` // stop_sequence | end_turn
}

// Load reads the JSON config file at path, applies defaults and
// environment overrides (prefix default "RCC"), and validates the result.
func Load(path, envPrefix string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if envPrefix == "" {
		envPrefix = "RCC"
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	for id, p := range cfg.Providers {
		if p.ID == "" {
			p.ID = id
		}
		if p.Weight <= 0 {
			p.Weight = 1
		}
		if p.CostScore <= 0 {
			p.CostScore = 50
		}
		cfg.Providers[id] = p
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-references between routing chains and providers.
func (c *Config) Validate() error {
	for name, cat := range c.Routing {
		switch cat.Policy {
		case "", "priority", "round_robin", "least_loaded", "weighted_random", "random":
		default:
			return fmt.Errorf("routing.%s has unknown policy %q", name, cat.Policy)
		}
		for _, cand := range append(append([]Candidate{}, cat.Primary...), cat.Emergency...) {
			p, ok := c.Providers[cand.Provider]
			if !ok {
				return fmt.Errorf("routing.%s references unknown provider %q", name, cand.Provider)
			}
			if cand.Model == "" {
				return fmt.Errorf("routing.%s has a candidate for %q with no model", name, p.ID)
			}
		}
	}
	for id, p := range c.Providers {
		switch p.Kind {
		case "openai", "qwen", "modelscope", "lmstudio", "gemini":
		default:
			return fmt.Errorf("providers.%s has unknown kind %q", id, p.Kind)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("providers.%s has no baseUrl", id)
		}
	}
	return nil
}

// Credential resolves a provider's credentialRef. "env:VAR" reads the
// environment; anything else is the literal key.
func (p Provider) Credential() string {
	if ref, ok := strings.CutPrefix(p.CredentialRef, "env:"); ok {
		return os.Getenv(ref)
	}
	return p.CredentialRef
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.host", "127.0.0.1")
	v.SetDefault("gateway.port", 3456)
	v.SetDefault("gateway.mode", "local")
	v.SetDefault("gateway.max_body_bytes", 10<<20)
	v.SetDefault("gateway.drain_timeout", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("pool.maxConnections", 100)
	v.SetDefault("pool.maxConnectionsPerHost", 10)
	v.SetDefault("pool.maxIdle", 20)
	v.SetDefault("pool.connectionTimeout", "10s")
	v.SetDefault("pool.idleTimeout", "90s")
	v.SetDefault("pool.keepAliveTimeout", "30s")
	v.SetDefault("pool.readTimeout", "5m")
	v.SetDefault("pool.overallTimeout", "10m")
	v.SetDefault("pool.retryAttempts", 2)
	v.SetDefault("pool.retryDelay", "500ms")

	v.SetDefault("health.failureThreshold", 5)
	v.SetDefault("health.halfOpenRetries", 2)
	v.SetDefault("health.recoveryTime", "30s")
	v.SetDefault("health.healthCheckInterval", "30s")
	v.SetDefault("health.minQuality", 70)

	v.SetDefault("transform.defaultMaxTokens", 4096)
	v.SetDefault("transform.safetyStopReason", "stop_sequence")
}
