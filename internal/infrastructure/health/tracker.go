// Package health tracks per-provider availability: circuit breakers,
// latency and error-rate statistics, and a composite quality score the
// router uses to order candidates.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config tunes the tracker. Zero values get the defaults below.
type Config struct {
	FailureThreshold    int           // consecutive failures to open a circuit
	HalfOpenRetries     int           // half-open successes needed to close
	RecoveryTime        time.Duration // open -> half-open wait
	HealthCheckInterval time.Duration // background probe cadence
	MinQuality          float64       // quality floor for Healthy()
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.HalfOpenRetries <= 0 {
		c.HalfOpenRetries = 2
	}
	if c.RecoveryTime <= 0 {
		c.RecoveryTime = 30 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.MinQuality <= 0 {
		c.MinQuality = 70
	}
	return c
}

// latencyWindow is the ring buffer size backing the p95 estimate.
const latencyWindow = 128

// emaAlpha weights new samples in the latency/error EMAs.
const emaAlpha = 0.2

// providerStats is the mutable per-provider record, guarded by the
// tracker's lock. The circuit breaker carries its own lock.
type providerStats struct {
	circuit *CircuitBreaker

	costScore float64

	emaLatency   float64 // milliseconds
	errorRate    float64 // EMA of the 0/1 failure signal
	latencies    [latencyWindow]float64
	latencyCount int
	latencyPos   int

	consecutiveFailures int
	totalRequests       int64
	totalFailures       int64
	lastSuccess         time.Time
	lastFailure         time.Time
	inFlight            int
}

// Snapshot is an immutable view of one provider's health, safe to hand
// to the router and the status endpoint.
type Snapshot struct {
	Provider            string
	Circuit             CircuitState
	Available           bool
	Healthy             bool
	QualityScore        float64
	EMALatency          time.Duration
	P95Latency          time.Duration
	ErrorRate           float64
	ConsecutiveFailures int
	TotalRequests       int64
	TotalFailures       int64
	LastSuccess         time.Time
	LastFailure         time.Time
	InFlight            int
	NextRetryAt         time.Time
}

// Tracker aggregates health state for all configured providers.
type Tracker struct {
	mu        sync.RWMutex
	cfg       Config
	providers map[string]*providerStats
	logger    *zap.Logger
}

// NewTracker builds an empty tracker; register providers before use.
func NewTracker(cfg Config, logger *zap.Logger) *Tracker {
	return &Tracker{
		cfg:       cfg.withDefaults(),
		providers: make(map[string]*providerStats),
		logger:    logger.With(zap.String("component", "health")),
	}
}

// Register adds a provider. costScore in [0,100] comes from provider
// config; 0 means unspecified and scores as neutral.
func (t *Tracker) Register(provider string, costScore float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.providers[provider]; ok {
		return
	}
	if costScore <= 0 || costScore > 100 {
		costScore = 50
	}
	t.providers[provider] = &providerStats{
		circuit:   NewCircuitBreaker(t.cfg.FailureThreshold, t.cfg.HalfOpenRetries, t.cfg.RecoveryTime),
		costScore: costScore,
	}
}

// Begin marks a request in flight against the provider.
func (t *Tracker) Begin(provider string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s := t.providers[provider]; s != nil {
		s.inFlight++
	}
}

// End finishes an in-flight request without judging the provider, used
// when the client went away before the upstream answered.
func (t *Tracker) End(provider string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s := t.providers[provider]; s != nil && s.inFlight > 0 {
		s.inFlight--
	}
}

// RecordSuccess finishes an in-flight request with a latency sample.
func (t *Tracker) RecordSuccess(provider string, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.providers[provider]
	if s == nil {
		return
	}
	if s.inFlight > 0 {
		s.inFlight--
	}
	s.totalRequests++
	s.consecutiveFailures = 0
	s.lastSuccess = time.Now()
	s.circuit.RecordSuccess()

	ms := float64(latency) / float64(time.Millisecond)
	if s.emaLatency == 0 {
		s.emaLatency = ms
	} else {
		s.emaLatency = emaAlpha*ms + (1-emaAlpha)*s.emaLatency
	}
	s.latencies[s.latencyPos] = ms
	s.latencyPos = (s.latencyPos + 1) % latencyWindow
	if s.latencyCount < latencyWindow {
		s.latencyCount++
	}
	s.errorRate = (1 - emaAlpha) * s.errorRate
}

// RecordFailure finishes an in-flight request that failed.
func (t *Tracker) RecordFailure(provider string) {
	t.mu.Lock()
	s := t.providers[provider]
	if s == nil {
		t.mu.Unlock()
		return
	}
	if s.inFlight > 0 {
		s.inFlight--
	}
	s.totalRequests++
	s.totalFailures++
	s.consecutiveFailures++
	s.lastFailure = time.Now()
	s.circuit.RecordFailure()
	s.errorRate = emaAlpha + (1-emaAlpha)*s.errorRate
	state := s.circuit.State()
	consecutive := s.consecutiveFailures
	t.mu.Unlock()

	if state == CircuitOpen {
		t.logger.Warn("provider circuit open",
			zap.String("provider", provider),
			zap.Int("consecutive_failures", consecutive))
	}
}

// Available reports whether the provider may receive traffic right now.
// Half-open circuits are available so live requests double as probes.
func (t *Tracker) Available(provider string) bool {
	t.mu.RLock()
	s := t.providers[provider]
	t.mu.RUnlock()
	if s == nil {
		return false
	}
	return s.circuit.Allow()
}

// Healthy is the strict report used by the status surface: circuit
// closed and quality at or above the configured floor.
func (t *Tracker) Healthy(provider string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.providers[provider]
	if s == nil {
		return false
	}
	return s.circuit.State() == CircuitClosed && t.qualityLocked(s) >= t.cfg.MinQuality
}

// Quality returns the provider's current composite score in [0,100].
func (t *Tracker) Quality(provider string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.providers[provider]
	if s == nil {
		return 0
	}
	return t.qualityLocked(s)
}

// Reset closes the provider's circuit and clears failure streaks.
func (t *Tracker) Reset(provider string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s := t.providers[provider]; s != nil {
		s.circuit.Reset()
		s.consecutiveFailures = 0
	}
}

// Snapshot returns one provider's view; ok is false for unknown names.
func (t *Tracker) Snapshot(provider string) (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.providers[provider]
	if s == nil {
		return Snapshot{}, false
	}
	return t.snapshotLocked(provider, s), true
}

// Snapshots returns all providers sorted by name.
func (t *Tracker) Snapshots() []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Snapshot, 0, len(t.providers))
	for name, s := range t.providers {
		out = append(out, t.snapshotLocked(name, s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

func (t *Tracker) snapshotLocked(name string, s *providerStats) Snapshot {
	state := s.circuit.State()
	q := t.qualityLocked(s)
	return Snapshot{
		Provider:            name,
		Circuit:             state,
		Available:           state != CircuitOpen || !s.circuit.NextRetryAt().After(time.Now()),
		Healthy:             state == CircuitClosed && q >= t.cfg.MinQuality,
		QualityScore:        q,
		EMALatency:          time.Duration(s.emaLatency * float64(time.Millisecond)),
		P95Latency:          time.Duration(s.p95() * float64(time.Millisecond)),
		ErrorRate:           s.errorRate,
		ConsecutiveFailures: s.consecutiveFailures,
		TotalRequests:       s.totalRequests,
		TotalFailures:       s.totalFailures,
		LastSuccess:         s.lastSuccess,
		LastFailure:         s.lastFailure,
		InFlight:            s.inFlight,
		NextRetryAt:         s.circuit.NextRetryAt(),
	}
}

// qualityLocked computes the composite score:
// 0.3 latency + 0.4 reliability + 0.1 cost + 0.2 capacity.
func (t *Tracker) qualityLocked(s *providerStats) float64 {
	return 0.3*latencyScore(s.emaLatency) +
		0.4*reliabilityScore(s) +
		0.1*s.costScore +
		0.2*capacityScore(s.inFlight)
}

// latencyScore maps EMA latency to [0,100]: full marks at or below
// 500ms, then inverse decay.
func latencyScore(emaMs float64) float64 {
	const target = 500.0
	if emaMs <= 0 {
		return 100 // no samples yet: optimistic
	}
	if emaMs <= target {
		return 100
	}
	return 100 * target / emaMs
}

// reliabilityScore is (1 - errorRate) x availability x 100, where
// availability derives from the circuit state.
func reliabilityScore(s *providerStats) float64 {
	var availability float64
	switch s.circuit.State() {
	case CircuitClosed:
		availability = 1
	case CircuitHalfOpen:
		availability = 0.5
	default:
		availability = 0
	}
	score := (1 - s.errorRate) * availability * 100
	if score < 0 {
		return 0
	}
	return score
}

// capacityScore penalizes providers with deep in-flight queues.
func capacityScore(inFlight int) float64 {
	const softLimit = 32.0
	score := 100 * (1 - float64(inFlight)/softLimit)
	if score < 0 {
		return 0
	}
	return score
}

func (s *providerStats) p95() float64 {
	if s.latencyCount == 0 {
		return 0
	}
	samples := make([]float64, s.latencyCount)
	copy(samples, s.latencies[:s.latencyCount])
	sort.Float64s(samples)
	idx := int(float64(len(samples))*0.95) - 1
	if idx < 0 {
		idx = 0
	}
	return samples[idx]
}

// Prober runs an active health check against one provider.
type Prober func(ctx context.Context, provider string) error

// StartProbing runs background probes at the configured interval until
// ctx is cancelled. Probe outcomes feed the same statistics as live
// traffic, so an idle open circuit can still recover.
func (t *Tracker) StartProbing(ctx context.Context, probe Prober) {
	ticker := time.NewTicker(t.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.probeAll(ctx, probe)
		}
	}
}

func (t *Tracker) probeAll(ctx context.Context, probe Prober) {
	t.mu.RLock()
	names := make([]string, 0, len(t.providers))
	for name := range t.providers {
		names = append(names, name)
	}
	t.mu.RUnlock()

	for _, name := range names {
		if !t.Available(name) {
			continue
		}
		start := time.Now()
		t.Begin(name)
		if err := probe(ctx, name); err != nil {
			t.RecordFailure(name)
			t.logger.Debug("health probe failed",
				zap.String("provider", name), zap.Error(err))
			continue
		}
		t.RecordSuccess(name, time.Since(start))
	}
}
