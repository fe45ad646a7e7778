package llm

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rcrelay/rcrelay/internal/gwerr"
	"github.com/rcrelay/rcrelay/internal/infrastructure/pool"
	"github.com/rcrelay/rcrelay/internal/transform"
	"github.com/rcrelay/rcrelay/internal/wire/anthropic"
	"github.com/rcrelay/rcrelay/internal/wire/openai"
)

func init() {
	factory := func(cfg ProviderConfig, deps Deps) (Client, error) {
		return NewOpenAIClient(cfg, deps)
	}
	RegisterFactory(KindOpenAI, factory)
	RegisterFactory(KindQwen, factory)
	RegisterFactory(KindModelScope, factory)
	RegisterFactory(KindLMStudio, factory)
}

// OpenAIClient speaks the OpenAI chat-completions protocol. It serves
// every OpenAI-compatible upstream: OpenAI itself, DashScope (Qwen),
// ModelScope, and LM Studio.
type OpenAIClient struct {
	cfg    ProviderConfig
	scheme string
	host   string
	port   int
	http   *http.Client
	pool   *pool.Pool
	opts   transform.Options
	logger *zap.Logger
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient builds a client for one OpenAI-compatible provider.
func NewOpenAIClient(cfg ProviderConfig, deps Deps) (*OpenAIClient, error) {
	scheme, host, port, err := endpointHost(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Minute
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	return &OpenAIClient{
		cfg:    cfg,
		scheme: scheme,
		host:   host,
		port:   port,
		http:   &http.Client{Transport: transport},
		pool:   deps.Pool,
		opts:   deps.Transform,
		logger: deps.Logger.With(zap.String("provider", cfg.ID), zap.String("kind", string(cfg.Kind))),
	}, nil
}

func (c *OpenAIClient) ID() string          { return c.cfg.ID }
func (c *OpenAIClient) Kind() Kind          { return c.cfg.Kind }
func (c *OpenAIClient) Models() []ModelInfo { return c.cfg.Models }

func (c *OpenAIClient) SupportsModel(model string) bool {
	if len(c.cfg.Models) == 0 {
		return true
	}
	for _, m := range c.cfg.Models {
		if m.Name == model {
			return true
		}
	}
	return false
}

// endpoint joins the base URL with an API path, adding the /v1 segment
// when the base doesn't already carry one.
func (c *OpenAIClient) endpoint(path string) string {
	base := c.cfg.BaseURL
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base + path
}

// Complete sends a buffered chat completion and translates the response.
func (c *OpenAIClient) Complete(ctx context.Context, req *anthropic.Request, model string) (*anthropic.Response, error) {
	apiReq, err := transform.AnthropicToOpenAI(req, model, c.opts)
	if err != nil {
		return nil, c.stamp(gwerr.Wrap(gwerr.KindInvalidRequestShape, gwerr.StageTransformRequest, err), model)
	}
	apiReq.Stream = false

	resp, conn, err := c.roundTrip(ctx, apiReq, model, false)
	if err != nil {
		return nil, err
	}
	defer func() {
		resp.Body.Close()
		c.pool.Release(conn)
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.pool.Discard(conn)
		return nil, c.stamp(c.classifyTransport(ctx, err), model)
	}

	var apiResp openai.Response
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, c.stamp(gwerr.New(gwerr.KindResponseMalformed, gwerr.StageTransformResponse,
			"upstream response is not valid JSON"), model)
	}

	out, err := transform.OpenAIToAnthropic(&apiResp, req.Model, c.opts)
	if err != nil {
		return nil, c.stamp(gwerr.Wrap(gwerr.KindResponseMalformed, gwerr.StageTransformResponse, err), model)
	}
	return out, nil
}

// Stream sends a streaming chat completion, translating upstream chunks
// into the Anthropic event sequence as they arrive.
func (c *OpenAIClient) Stream(ctx context.Context, req *anthropic.Request, model string, emit Emit) error {
	apiReq, err := transform.AnthropicToOpenAI(req, model, c.opts)
	if err != nil {
		return c.stamp(gwerr.Wrap(gwerr.KindInvalidRequestShape, gwerr.StageTransformRequest, err), model)
	}
	apiReq.Stream = true
	apiReq.StreamOptions = map[string]any{"include_usage": true}

	resp, conn, err := c.roundTrip(ctx, apiReq, model, true)
	if err != nil {
		return err
	}

	// Context cancellation body-close watchdog: a blocked SSE read only
	// unblocks when the body is force-closed.
	streamDone := make(chan struct{})
	defer close(streamDone)
	go func() {
		select {
		case <-ctx.Done():
			resp.Body.Close()
		case <-streamDone:
		}
	}()

	defer func() {
		resp.Body.Close()
		c.pool.Release(conn)
	}()

	reader := openai.NewStreamReader(resp.Body, c.cfg.ReadTimeout)
	translator := transform.NewOpenAIStream(req.Model, c.opts)

	for {
		chunk, err := reader.Next()
		if err != nil {
			if errors.Is(err, openai.ErrStreamDone) {
				break
			}
			c.pool.Discard(conn)
			return c.stamp(c.classifyTransport(ctx, err), model)
		}
		for _, ev := range translator.Feed(chunk) {
			if err := emit(ev); err != nil {
				return gwerr.Wrap(gwerr.KindClientWriteError, gwerr.StageEmit, err)
			}
		}
	}

	for _, ev := range translator.Finish() {
		if err := emit(ev); err != nil {
			return gwerr.Wrap(gwerr.KindClientWriteError, gwerr.StageEmit, err)
		}
	}
	return nil
}

// roundTrip sends the request, holding a pool slot for the call. On
// error the slot is already returned.
func (c *OpenAIClient) roundTrip(ctx context.Context, apiReq *openai.Request, model string, stream bool) (*http.Response, *pool.Conn, error) {
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, nil, c.stamp(gwerr.Wrap(gwerr.KindInvalidRequestShape, gwerr.StageTransformRequest, err), model)
	}

	conn, err := c.pool.Acquire(ctx, c.scheme, c.host, c.port, PriorityFrom(ctx))
	if err != nil {
		return nil, nil, c.stamp(c.classifyTransport(ctx, err), model)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/chat/completions"), bytes.NewReader(body))
	if err != nil {
		c.pool.Release(conn)
		return nil, nil, c.stamp(gwerr.Wrap(gwerr.KindTransport, gwerr.StageDispatch, err), model)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.pool.Discard(conn)
		return nil, nil, c.stamp(c.classifyTransport(ctx, err), model)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		resp.Body.Close()
		c.pool.Release(conn)
		return nil, nil, c.stamp(classifyStatus(resp.StatusCode, respBody), model)
	}
	return resp, conn, nil
}

// CheckHealth probes the models listing.
func (c *OpenAIClient) CheckHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := c.fetchModels(ctx)
	return err
}

// DiscoverModels lists upstream models, filling missing context windows
// from the fallback table.
func (c *OpenAIClient) DiscoverModels(ctx context.Context) ([]ModelInfo, error) {
	items, err := c.fetchModels(ctx)
	if err != nil {
		return nil, err
	}
	models := make([]ModelInfo, 0, len(items))
	for _, item := range items {
		models = append(models, ModelInfo{Name: item.ID, MaxTokens: item.ContextWindow()})
	}
	return stampMaxTokens(models), nil
}

func (c *OpenAIClient) fetchModels(ctx context.Context) ([]openai.ModelItem, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/models"), nil)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindTransport, gwerr.StageDispatch, err)
	}
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, c.classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, classifyStatus(resp.StatusCode, body)
	}

	var list openai.ModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, gwerr.New(gwerr.KindResponseMalformed, gwerr.StageDispatch, "models listing is not valid JSON")
	}
	return list.Data, nil
}

func (c *OpenAIClient) stamp(err *gwerr.Error, model string) *gwerr.Error {
	return err.WithProvider(c.cfg.ID, model)
}

// classifyTransport sorts a transport-level failure into the taxonomy.
func (c *OpenAIClient) classifyTransport(ctx context.Context, err error) *gwerr.Error {
	return classifyTransport(ctx, err)
}

func classifyTransport(ctx context.Context, err error) *gwerr.Error {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return gwerr.Wrap(gwerr.KindClientCancelled, gwerr.StageDispatch, err)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return gwerr.Wrap(gwerr.KindTimeout, gwerr.StageDispatch, err)
	case errors.Is(err, pool.ErrAcquireTimeout):
		return gwerr.Wrap(gwerr.KindTimeout, gwerr.StageDispatch, err)
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return gwerr.Wrap(gwerr.KindTimeout, gwerr.StageDispatch, err)
		}
		return gwerr.Wrap(gwerr.KindTransport, gwerr.StageDispatch, err)
	}
}

// classifyStatus maps an upstream HTTP error status. The message is
// client-safe: a short upstream error string, never the raw body.
func classifyStatus(status int, body []byte) *gwerr.Error {
	msg := openai.ParseErrorMessage(body)
	if msg == "" {
		msg = http.StatusText(status)
	}
	kind := gwerr.KindProviderHTTP4xx
	if status >= 500 {
		kind = gwerr.KindProviderHTTP5xx
	}
	e := gwerr.New(kind, gwerr.StageDispatch, "upstream returned %d: %s", status, msg)
	e.Status = status
	return e
}
