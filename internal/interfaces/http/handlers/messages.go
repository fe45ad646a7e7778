// Package handlers holds the gin handlers for the gateway's endpoints.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rcrelay/rcrelay/internal/application/pipeline"
	"github.com/rcrelay/rcrelay/internal/gwerr"
	"github.com/rcrelay/rcrelay/internal/infrastructure/config"
	"github.com/rcrelay/rcrelay/internal/infrastructure/llm"
	"github.com/rcrelay/rcrelay/internal/infrastructure/pool"
	"github.com/rcrelay/rcrelay/internal/wire/anthropic"
)

// RequestIDKey is the gin context key carrying the correlation ID.
const RequestIDKey = "request_id"

// MessagesHandler serves POST /v1/messages.
type MessagesHandler struct {
	pipe         *pipeline.Pipeline
	store        *config.Store
	maxBodyBytes int64
	logger       *zap.Logger
}

func NewMessagesHandler(pipe *pipeline.Pipeline, store *config.Store, maxBodyBytes int64, logger *zap.Logger) *MessagesHandler {
	return &MessagesHandler{
		pipe:         pipe,
		store:        store,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}

// errorBody is the JSON error envelope for both buffered responses and
// pre-stream failures.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string        `json:"type"`
	Message string        `json:"message"`
	Details *errorContext `json:"details,omitempty"`
}

type errorContext struct {
	Provider      string `json:"provider,omitempty"`
	Model         string `json:"model,omitempty"`
	OriginalError string `json:"originalError,omitempty"`
	Stage         string `json:"stage,omitempty"`
	RetryCount    int    `json:"retryCount"`
}

// Messages handles one Anthropic-format request, buffered or streaming.
func (h *MessagesHandler) Messages(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(c, gwerr.New(gwerr.KindClientBad, gwerr.StageClassify,
				"request body exceeds %d bytes", h.maxBodyBytes))
			return
		}
		h.writeError(c, gwerr.Wrap(gwerr.KindClientBad, gwerr.StageClassify, err))
		return
	}

	req, derr := anthropic.DecodeRequest(body)
	if derr != nil {
		h.writeError(c, gwerr.New(gwerr.KindInvalidRequestShape, gwerr.StageClassify, "%s", derr.Error()))
		return
	}

	cfg := h.store.Snapshot()
	category := pipeline.Classify(req, cfg)

	preq := &pipeline.Request{
		ID:         c.GetString(RequestIDKey),
		ReceivedAt: time.Now(),
		Anthropic:  req,
		Category:   category,
		Stream:     req.Stream,
	}

	ctx := c.Request.Context()
	if category == pipeline.CategoryBackground {
		// Background traffic yields pool slots to interactive requests.
		ctx = llm.WithPriority(ctx, pool.PriorityLow)
	}

	if req.Stream {
		h.streamMessages(c, ctx, preq)
		return
	}

	resp, err := h.pipe.Execute(ctx, preq)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// streamMessages runs a streaming request. SSE headers are written
// lazily on the first event, so an attempt that dies before producing
// anything still gets a proper JSON error response.
func (h *MessagesHandler) streamMessages(c *gin.Context, ctx context.Context, preq *pipeline.Request) {
	var writer *anthropic.StreamWriter
	headerWritten := false

	emit := func(ev anthropic.StreamEvent) error {
		if !headerWritten {
			headerWritten = true
			c.Header("Content-Type", "text/event-stream")
			c.Header("Cache-Control", "no-cache")
			c.Header("Connection", "keep-alive")
			c.Writer.WriteHeader(http.StatusOK)
			writer = anthropic.NewStreamWriter(c.Writer, func() { c.Writer.Flush() })
		}
		return writer.Write(ev)
	}

	err := h.pipe.ExecuteStream(ctx, preq, emit)
	if err == nil {
		return
	}

	if !headerWritten {
		h.writeError(c, err)
		return
	}

	// Bytes are already out; the JSON error channel is gone. Terminate
	// the stream with an error event instead.
	ge := gwerr.AsError(err)
	if ge.Kind == gwerr.KindClientWriteError || ge.Kind == gwerr.KindClientCancelled {
		return // the client is gone, nothing left to tell it
	}
	h.logger.Warn("stream aborted mid-flight",
		zap.String("request_id", preq.ID),
		zap.Error(err))
	_ = writer.Write(anthropic.ErrorEvent("api_error", ge.Kind.String()))
}

// writeError maps a pipeline error onto the HTTP error envelope.
func (h *MessagesHandler) writeError(c *gin.Context, err error) {
	ge := gwerr.AsError(err)

	detail := errorDetail{
		Type:    ge.Kind.String(),
		Message: clientMessage(ge),
	}
	if ge.Provider != "" || ge.Stage != "" {
		detail.Details = &errorContext{
			Provider:      ge.Provider,
			Model:         ge.Model,
			OriginalError: originalError(ge),
			Stage:         ge.Stage,
			RetryCount:    ge.RetryCount,
		}
	}

	status := ge.Kind.HTTPStatus()
	if ge.Kind == gwerr.KindClientCancelled {
		// 499 in the nginx tradition; the client will never read it.
		status = 499
	}
	h.logger.Warn("request failed",
		zap.String("request_id", c.GetString(RequestIDKey)),
		zap.String("kind", ge.Kind.String()),
		zap.Int("status", status),
		zap.Error(err))
	c.JSON(status, errorBody{Error: detail})
}

// originalError surfaces the underlying failure for diagnostics. Both
// sources are already sanitized: gwerr messages are built client-safe,
// and wrapped errors are transport-level, never raw upstream bodies.
func originalError(ge *gwerr.Error) string {
	if ge.Err != nil {
		return ge.Err.Error()
	}
	return ge.Message
}

// clientMessage keeps upstream credentials and bodies out of responses.
func clientMessage(ge *gwerr.Error) string {
	if ge.Message != "" {
		return ge.Message
	}
	switch ge.Kind {
	case gwerr.KindNoHealthyProvider:
		return "no healthy provider available"
	case gwerr.KindTimeout:
		return "upstream timed out"
	case gwerr.KindTransport:
		return "upstream connection failed"
	default:
		return ge.Kind.String()
	}
}
