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
	"time"

	"go.uber.org/zap"

	"github.com/rcrelay/rcrelay/internal/gwerr"
	"github.com/rcrelay/rcrelay/internal/infrastructure/pool"
	"github.com/rcrelay/rcrelay/internal/transform"
	"github.com/rcrelay/rcrelay/internal/wire/anthropic"
	"github.com/rcrelay/rcrelay/internal/wire/gemini"
)

func init() {
	RegisterFactory(KindGemini, func(cfg ProviderConfig, deps Deps) (Client, error) {
		return NewGeminiClient(cfg, deps)
	})
}

// GeminiClient speaks the Gemini generateContent protocol through the
// {project, model, request} wrapper envelope.
type GeminiClient struct {
	cfg    ProviderConfig
	scheme string
	host   string
	port   int
	http   *http.Client
	pool   *pool.Pool
	opts   transform.Options
	logger *zap.Logger
}

var _ Client = (*GeminiClient)(nil)

// NewGeminiClient builds a client for one Gemini upstream.
func NewGeminiClient(cfg ProviderConfig, deps Deps) (*GeminiClient, error) {
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

	return &GeminiClient{
		cfg:    cfg,
		scheme: scheme,
		host:   host,
		port:   port,
		http:   &http.Client{Transport: transport},
		pool:   deps.Pool,
		opts:   deps.Transform,
		logger: deps.Logger.With(zap.String("provider", cfg.ID), zap.String("kind", "gemini")),
	}, nil
}

func (c *GeminiClient) ID() string          { return c.cfg.ID }
func (c *GeminiClient) Kind() Kind          { return KindGemini }
func (c *GeminiClient) Models() []ModelInfo { return c.cfg.Models }

func (c *GeminiClient) SupportsModel(model string) bool {
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

// Complete sends a buffered generateContent call.
func (c *GeminiClient) Complete(ctx context.Context, req *anthropic.Request, model string) (*anthropic.Response, error) {
	env, err := transform.AnthropicToGemini(req, c.cfg.Project, model, c.opts)
	if err != nil {
		return nil, c.stamp(gwerr.Wrap(gwerr.KindInvalidRequestShape, gwerr.StageTransformRequest, err), model)
	}

	resp, conn, err := c.roundTrip(ctx, env, model, false)
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
		return nil, c.stamp(classifyTransport(ctx, err), model)
	}

	var apiResp gemini.Response
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, c.stamp(gwerr.New(gwerr.KindResponseMalformed, gwerr.StageTransformResponse,
			"upstream response is not valid JSON"), model)
	}

	out, err := transform.GeminiToAnthropic(&apiResp, req.Model, c.opts)
	if err != nil {
		return nil, c.stamp(gwerr.Wrap(gwerr.KindResponseMalformed, gwerr.StageTransformResponse, err), model)
	}
	return out, nil
}

// Stream sends a streaming generateContent call and translates chunks as
// they arrive.
func (c *GeminiClient) Stream(ctx context.Context, req *anthropic.Request, model string, emit Emit) error {
	env, err := transform.AnthropicToGemini(req, c.cfg.Project, model, c.opts)
	if err != nil {
		return c.stamp(gwerr.Wrap(gwerr.KindInvalidRequestShape, gwerr.StageTransformRequest, err), model)
	}

	resp, conn, err := c.roundTrip(ctx, env, model, true)
	if err != nil {
		return err
	}

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

	reader := gemini.NewStreamReader(resp.Body, c.cfg.ReadTimeout)
	translator := transform.NewGeminiStream(req.Model, c.opts)

	for {
		chunk, err := reader.Next()
		if err != nil {
			if errors.Is(err, gemini.ErrStreamDone) {
				break
			}
			c.pool.Discard(conn)
			return c.stamp(classifyTransport(ctx, err), model)
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

func (c *GeminiClient) roundTrip(ctx context.Context, env *gemini.Envelope, model string, stream bool) (*http.Response, *pool.Conn, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, nil, c.stamp(gwerr.Wrap(gwerr.KindInvalidRequestShape, gwerr.StageTransformRequest, err), model)
	}

	conn, err := c.pool.Acquire(ctx, c.scheme, c.host, c.port, PriorityFrom(ctx))
	if err != nil {
		return nil, nil, c.stamp(classifyTransport(ctx, err), model)
	}

	endpoint := c.cfg.BaseURL + "/v1internal:generateContent"
	if stream {
		endpoint = c.cfg.BaseURL + "/v1internal:streamGenerateContent?alt=sse"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
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
		return nil, nil, c.stamp(classifyTransport(ctx, err), model)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		resp.Body.Close()
		c.pool.Release(conn)
		return nil, nil, c.stamp(classifyStatus(resp.StatusCode, respBody), model)
	}
	return resp, conn, nil
}

// CheckHealth sends a one-token probe completion.
func (c *GeminiClient) CheckHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	model := "gemini-2.0-flash"
	if len(c.cfg.Models) > 0 {
		model = c.cfg.Models[0].Name
	}
	probe := &anthropic.Request{
		Model:     model,
		MaxTokens: 1,
		Messages: []anthropic.Message{
			{Role: "user", Content: anthropic.TextContent("ping")},
		},
	}
	_, err := c.Complete(ctx, probe, model)
	return err
}

// DiscoverModels returns the configured model list; the wrapper endpoint
// has no listing API.
func (c *GeminiClient) DiscoverModels(ctx context.Context) ([]ModelInfo, error) {
	return stampMaxTokens(append([]ModelInfo(nil), c.cfg.Models...)), nil
}

func (c *GeminiClient) stamp(err *gwerr.Error, model string) *gwerr.Error {
	return err.WithProvider(c.cfg.ID, model)
}
