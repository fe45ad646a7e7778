// Package gwerr defines the gateway's structured error taxonomy.
// Every error that crosses a component boundary is an *Error carrying
// the kind, the pipeline stage it originated in, and provider context.
package gwerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a gateway error.
type Kind int

const (
	KindUnknown Kind = iota
	KindClientBad
	KindInvalidRequestShape
	KindNoHealthyProvider
	KindCircuitOpen
	KindTransport
	KindProviderHTTP4xx
	KindProviderHTTP5xx
	KindResponseMalformed
	KindTimeout
	KindClientCancelled
	KindClientWriteError
)

// String returns the wire name of the kind, used in error response bodies.
func (k Kind) String() string {
	switch k {
	case KindClientBad:
		return "ClientBad"
	case KindInvalidRequestShape:
		return "InvalidRequestShape"
	case KindNoHealthyProvider:
		return "NoHealthyProvider"
	case KindCircuitOpen:
		return "CircuitOpen"
	case KindTransport:
		return "TransportError"
	case KindProviderHTTP4xx:
		return "ProviderHTTP4xx"
	case KindProviderHTTP5xx:
		return "ProviderHTTP5xx"
	case KindResponseMalformed:
		return "ResponseMalformed"
	case KindTimeout:
		return "Timeout"
	case KindClientCancelled:
		return "ClientCancelled"
	case KindClientWriteError:
		return "ClientWriteError"
	default:
		return "Unknown"
	}
}

// HTTPStatus maps the kind to the status written to the client.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindClientBad, KindInvalidRequestShape:
		return http.StatusBadRequest
	case KindNoHealthyProvider:
		return http.StatusServiceUnavailable
	case KindProviderHTTP4xx, KindProviderHTTP5xx, KindResponseMalformed, KindTransport, KindCircuitOpen:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Pipeline stage names stamped onto errors.
const (
	StageClassify          = "classify"
	StageRoute             = "route"
	StageTransformRequest  = "transform_request"
	StageDispatch          = "dispatch"
	StageTransformResponse = "transform_response"
	StageEmit              = "emit"
)

// Error is the gateway's structured error. Message is safe for clients:
// it never embeds credentials or raw upstream bodies.
type Error struct {
	Kind       Kind
	Stage      string
	Provider   string
	Model      string
	Status     int // upstream HTTP status, when Kind is a ProviderHTTP kind
	RetryCount int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Provider != "" {
		return fmt.Sprintf("%s [stage=%s provider=%s model=%s]: %s", e.Kind, e.Stage, e.Provider, e.Model, msg)
	}
	return fmt.Sprintf("%s [stage=%s]: %s", e.Kind, e.Stage, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an error with a client-safe message.
func New(kind Kind, stage, format string, args ...any) *Error {
	return &Error{Kind: kind, Stage: stage, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and stage to an underlying error.
func Wrap(kind Kind, stage string, err error) *Error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) && ge.Kind != KindUnknown {
		// Already classified; keep the original kind, stamp the stage if missing.
		if ge.Stage == "" {
			ge.Stage = stage
		}
		return ge
	}
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// WithProvider stamps provider context onto the error and returns it.
func (e *Error) WithProvider(provider, model string) *Error {
	e.Provider = provider
	e.Model = model
	return e
}

// KindOf extracts the kind from any error chain.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindUnknown
}

// StageOf extracts the originating stage from any error chain.
func StageOf(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Stage
	}
	return ""
}

// AsError returns the *Error in the chain, or a synthetic unknown one.
func AsError(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return &Error{Kind: KindUnknown, Err: err}
}

// Retryable reports whether a failed attempt may be retried against
// another provider. Transport faults, upstream 5xx, an open circuit and
// pre-byte timeouts retry; client-side 4xx retries only for 408 and 429.
func Retryable(err error) bool {
	ge := AsError(err)
	switch ge.Kind {
	case KindTransport, KindProviderHTTP5xx, KindCircuitOpen, KindTimeout:
		return true
	case KindProviderHTTP4xx:
		return ge.Status == http.StatusRequestTimeout || ge.Status == http.StatusTooManyRequests
	default:
		return false
	}
}
