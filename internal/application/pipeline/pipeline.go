package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/rcrelay/rcrelay/internal/gwerr"
	"github.com/rcrelay/rcrelay/internal/infrastructure/config"
	"github.com/rcrelay/rcrelay/internal/infrastructure/health"
	"github.com/rcrelay/rcrelay/internal/infrastructure/llm"
	"github.com/rcrelay/rcrelay/internal/wire/anthropic"
)

// Registry resolves a provider ID to its client.
type Registry interface {
	Client(id string) (llm.Client, bool)
}

// Pipeline runs requests through route -> dispatch -> failover.
type Pipeline struct {
	store    *config.Store
	router   *llm.Router
	tracker  *health.Tracker
	registry Registry
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error // test seam
}

// New builds a pipeline.
func New(store *config.Store, router *llm.Router, tracker *health.Tracker, registry Registry, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:    store,
		router:   router,
		tracker:  tracker,
		registry: registry,
		logger:   logger.With(zap.String("component", "pipeline")),
		sleep:    sleepCtx,
	}
}

// Execute runs a buffered request with provider failover.
func (p *Pipeline) Execute(ctx context.Context, req *Request) (*anthropic.Response, error) {
	cfg := p.store.Snapshot()
	max := p.maxAttempts(cfg, req.Category)
	excluded := map[string]bool{}
	var lastErr error

	for attempt := 1; attempt <= max; attempt++ {
		sel, err := p.router.Pick(cfg, req.Category, excluded)
		if err != nil {
			return nil, p.finalError(lastErr, err, len(req.Attempts))
		}

		resp, err := p.dispatch(ctx, req, sel, nil)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !p.shouldRetry(ctx, err) {
			break
		}
		excluded[sel.Provider.ID] = true
		if attempt < max {
			if err := p.backoff(ctx, cfg, attempt); err != nil {
				break
			}
		}
	}
	return nil, p.finalError(lastErr, nil, len(req.Attempts))
}

// ExecuteStream runs a streaming request. Failover is only possible
// before the first event reaches the client; once bytes are out, the
// attempt is committed and its error propagates.
func (p *Pipeline) ExecuteStream(ctx context.Context, req *Request, emit llm.Emit) error {
	cfg := p.store.Snapshot()
	max := p.maxAttempts(cfg, req.Category)
	excluded := map[string]bool{}
	var lastErr error

	for attempt := 1; attempt <= max; attempt++ {
		sel, err := p.router.Pick(cfg, req.Category, excluded)
		if err != nil {
			return p.finalError(lastErr, err, len(req.Attempts))
		}

		emitted := false
		counting := func(ev anthropic.StreamEvent) error {
			emitted = true
			return emit(ev)
		}

		_, err = p.dispatch(ctx, req, sel, counting)
		if err == nil {
			return nil
		}
		lastErr = err

		if emitted {
			// The client already saw part of a message; a retry would
			// interleave two streams.
			return err
		}
		if !p.shouldRetry(ctx, err) {
			break
		}
		excluded[sel.Provider.ID] = true
		if attempt < max {
			if err := p.backoff(ctx, cfg, attempt); err != nil {
				break
			}
		}
	}
	return p.finalError(lastErr, nil, len(req.Attempts))
}

// dispatch runs one attempt against one provider, recording health and
// the attempt log. emit is nil for buffered requests.
func (p *Pipeline) dispatch(ctx context.Context, req *Request, sel llm.Selection, emit llm.Emit) (*anthropic.Response, error) {
	client, ok := p.registry.Client(sel.Provider.ID)
	if !ok {
		return nil, gwerr.New(gwerr.KindNoHealthyProvider, gwerr.StageRoute,
			"provider %q has no client", sel.Provider.ID).WithProvider(sel.Provider.ID, sel.Model)
	}

	// The circuit may have opened between routing and dispatch. Fail
	// fast without an upstream call; CircuitOpen is retryable, so the
	// loop moves to the next candidate.
	if !p.tracker.Available(sel.Provider.ID) {
		return nil, gwerr.New(gwerr.KindCircuitOpen, gwerr.StageDispatch,
			"circuit open for provider %q", sel.Provider.ID).WithProvider(sel.Provider.ID, sel.Model)
	}

	att := Attempt{
		Provider:  sel.Provider.ID,
		Model:     sel.Model,
		Emergency: sel.Emergency,
		StartedAt: time.Now(),
	}
	p.tracker.Begin(sel.Provider.ID)

	var resp *anthropic.Response
	var err error
	if emit != nil {
		err = client.Stream(ctx, req.Anthropic, sel.Model, emit)
	} else {
		resp, err = client.Complete(ctx, req.Anthropic, sel.Model)
	}
	att.Latency = time.Since(att.StartedAt)

	switch {
	case err == nil:
		p.tracker.RecordSuccess(sel.Provider.ID, att.Latency)
	case clientSideFailure(err):
		// The provider did nothing wrong; don't poison its stats.
		p.tracker.End(sel.Provider.ID)
		att.Err = gwerr.AsError(err).Kind.String()
	default:
		p.tracker.RecordFailure(sel.Provider.ID)
		att.Err = gwerr.AsError(err).Kind.String()
	}
	req.Attempts = append(req.Attempts, att)

	if err != nil {
		p.logger.Warn("attempt failed",
			zap.String("request_id", req.ID),
			zap.String("provider", sel.Provider.ID),
			zap.String("model", sel.Model),
			zap.String("rationale", sel.Rationale),
			zap.Duration("latency", att.Latency),
			zap.Error(err))
	}
	return resp, err
}

// maxAttempts caps the failover loop by both the retry budget and the
// number of distinct candidate providers.
func (p *Pipeline) maxAttempts(cfg *config.Config, category string) int {
	budget := cfg.Pool.RetryAttempts + 1
	if budget < 1 {
		budget = 1
	}
	cat, ok := cfg.Routing[category]
	if !ok {
		return 1
	}
	distinct := map[string]bool{}
	for _, c := range cat.Primary {
		distinct[c.Provider] = true
	}
	for _, c := range cat.Emergency {
		distinct[c.Provider] = true
	}
	if len(distinct) < budget {
		budget = len(distinct)
	}
	if budget < 1 {
		budget = 1
	}
	return budget
}

func (p *Pipeline) shouldRetry(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return gwerr.Retryable(err)
}

// backoff waits retryDelay x 2^(attempt-1) with 25% jitter.
func (p *Pipeline) backoff(ctx context.Context, cfg *config.Config, attempt int) error {
	base := cfg.Pool.RetryDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	delay := base << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	delay = delay*3/4 + jitter
	return p.sleep(ctx, delay)
}

// finalError stamps the retry count onto whatever error ends the loop.
func (p *Pipeline) finalError(lastErr, routeErr error, attempts int) error {
	err := lastErr
	if err == nil {
		err = routeErr
	}
	if err == nil {
		err = gwerr.New(gwerr.KindNoHealthyProvider, gwerr.StageRoute, "no provider attempted")
	}
	ge := gwerr.AsError(err)
	if attempts > 0 {
		ge.RetryCount = attempts - 1
	}
	return ge
}

func clientSideFailure(err error) bool {
	switch gwerr.KindOf(err) {
	case gwerr.KindClientCancelled, gwerr.KindClientWriteError:
		return true
	}
	return errors.Is(err, context.Canceled)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
