package llm

import (
	"math/rand"
	"sync"

	"go.uber.org/zap"

	"github.com/rcrelay/rcrelay/internal/gwerr"
	"github.com/rcrelay/rcrelay/internal/infrastructure/config"
	"github.com/rcrelay/rcrelay/internal/infrastructure/health"
)

// Policy names a candidate selection strategy.
type Policy string

const (
	PolicyPriority       Policy = "priority"
	PolicyRoundRobin     Policy = "round_robin"
	PolicyLeastLoaded    Policy = "least_loaded"
	PolicyWeightedRandom Policy = "weighted_random"
	PolicyRandom         Policy = "random"
)

// Selection is the router's verdict for one attempt.
type Selection struct {
	Provider  config.Provider
	Model     string
	Emergency bool   // candidate came from the emergency chain
	Rationale string // why this candidate won, for the request log
}

// Router picks a (provider, model) candidate for a category. It owns no
// provider state of its own: availability and load come from the health
// tracker, chains and weights from the config snapshot.
type Router struct {
	mu        sync.Mutex
	rrCounter map[string]int // category -> round robin position
	rng       *rand.Rand
	tracker   *health.Tracker
	logger    *zap.Logger
}

// NewRouter builds a router over the given tracker.
func NewRouter(tracker *health.Tracker, seed int64, logger *zap.Logger) *Router {
	return &Router{
		rrCounter: make(map[string]int),
		rng:       rand.New(rand.NewSource(seed)),
		tracker:   tracker,
		logger:    logger.With(zap.String("component", "router")),
	}
}

// Pick selects a candidate for the category, skipping excluded provider
// IDs and providers the tracker refuses traffic for. The primary chain
// is exhausted before the emergency chain is considered.
func (r *Router) Pick(cfg *config.Config, category string, excluded map[string]bool) (Selection, error) {
	cat, ok := cfg.Routing[category]
	if !ok {
		return Selection{}, gwerr.New(gwerr.KindNoHealthyProvider, gwerr.StageRoute,
			"no routing chain configured for category %q", category)
	}

	if sel, ok := r.pickFromChain(cfg, category, cat, cat.Primary, excluded, false); ok {
		return sel, nil
	}
	if sel, ok := r.pickFromChain(cfg, category, cat, cat.Emergency, excluded, true); ok {
		r.logger.Warn("primary chain exhausted, using emergency candidate",
			zap.String("category", category),
			zap.String("provider", sel.Provider.ID),
			zap.String("model", sel.Model))
		return sel, nil
	}

	return Selection{}, gwerr.New(gwerr.KindNoHealthyProvider, gwerr.StageRoute,
		"no healthy provider for category %q", category)
}

// entry pairs a chain candidate with its provider config and a health
// snapshot taken at pick time.
type entry struct {
	cand     config.Candidate
	provider config.Provider
	snap     health.Snapshot
}

func (e entry) weight() int {
	if e.provider.Weight > 0 {
		return e.provider.Weight
	}
	return 1
}

func (r *Router) pickFromChain(cfg *config.Config, category string, cat config.Category, chain []config.Candidate, excluded map[string]bool, emergency bool) (Selection, bool) {
	var eligible []entry
	for _, cand := range chain {
		if excluded[cand.Provider] {
			continue
		}
		p, ok := cfg.Providers[cand.Provider]
		if !ok {
			continue
		}
		if !r.tracker.Available(cand.Provider) {
			continue
		}
		snap, _ := r.tracker.Snapshot(cand.Provider)
		if cand.MaxLatency > 0 && snap.EMALatency > cand.MaxLatency {
			continue
		}
		if !emergency && degraded(cat.Conditions, snap) {
			// Primary candidates past the category's trigger thresholds
			// yield to the emergency chain.
			continue
		}
		eligible = append(eligible, entry{cand: cand, provider: p, snap: snap})
	}
	if len(eligible) == 0 {
		return Selection{}, false
	}

	policy := Policy(cat.Policy)
	if policy == "" {
		policy = PolicyPriority
	}

	var chosen entry
	var rationale string

	switch policy {
	case PolicyRoundRobin:
		r.mu.Lock()
		i := r.rrCounter[category] % len(eligible)
		r.rrCounter[category]++
		r.mu.Unlock()
		chosen = eligible[i]
		rationale = "round_robin"

	case PolicyLeastLoaded:
		chosen = eligible[0]
		for _, e := range eligible[1:] {
			if lessLoaded(e, chosen) {
				chosen = e
			}
		}
		rationale = "least_loaded"

	case PolicyWeightedRandom:
		total := 0.0
		for _, e := range eligible {
			total += effectiveWeight(e)
		}
		r.mu.Lock()
		n := r.rng.Float64() * total
		r.mu.Unlock()
		chosen = eligible[len(eligible)-1]
		for _, e := range eligible {
			n -= effectiveWeight(e)
			if n < 0 {
				chosen = e
				break
			}
		}
		rationale = "weighted_random"

	case PolicyRandom:
		r.mu.Lock()
		chosen = eligible[r.rng.Intn(len(eligible))]
		r.mu.Unlock()
		rationale = "random"

	default: // priority: highest weight wins, weight ties rotate
		maxWeight := eligible[0].weight()
		for _, e := range eligible[1:] {
			if e.weight() > maxWeight {
				maxWeight = e.weight()
			}
		}
		var tied []entry
		for _, e := range eligible {
			if e.weight() == maxWeight {
				tied = append(tied, e)
			}
		}
		r.mu.Lock()
		i := r.rrCounter[category] % len(tied)
		r.rrCounter[category]++
		r.mu.Unlock()
		chosen = tied[i]
		rationale = "priority"
	}

	if emergency {
		rationale += " (emergency)"
	}
	return Selection{
		Provider:  chosen.provider,
		Model:     chosen.cand.Model,
		Emergency: emergency,
		Rationale: rationale,
	}, true
}

// lessLoaded orders by in-flight count, ties broken by higher weight,
// then lower priority number (candidate first, provider as fallback).
func lessLoaded(a, b entry) bool {
	if a.snap.InFlight != b.snap.InFlight {
		return a.snap.InFlight < b.snap.InFlight
	}
	if a.weight() != b.weight() {
		return a.weight() > b.weight()
	}
	if a.cand.Priority != b.cand.Priority {
		return a.cand.Priority < b.cand.Priority
	}
	return a.provider.Priority < b.provider.Priority
}

// effectiveWeight scales the configured weight by observed reliability:
// weight x (1 - errorRate), halved again while the circuit is half-open.
func effectiveWeight(e entry) float64 {
	w := float64(e.weight()) * (1 - e.snap.ErrorRate)
	if e.snap.Circuit == health.CircuitHalfOpen {
		w /= 2
	}
	if w < 0.01 {
		w = 0.01
	}
	return w
}

// degraded reports whether a provider has tripped the category's failover
// conditions. Unset thresholds never trip.
func degraded(cond config.Conditions, snap health.Snapshot) bool {
	if cond.TriggerOnLatency > 0 && snap.EMALatency > cond.TriggerOnLatency {
		return true
	}
	if cond.TriggerOnErrorRate > 0 && snap.ErrorRate > cond.TriggerOnErrorRate {
		return true
	}
	if cond.TriggerOnConsecutiveFailures > 0 && snap.ConsecutiveFailures >= cond.TriggerOnConsecutiveFailures {
		return true
	}
	return false
}
