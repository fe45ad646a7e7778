// Package transform translates requests and responses between the
// Anthropic client-facing format and the provider wire formats. The
// OpenAI chat-completions shape is the canonical interior form; Gemini
// has its own pair of translators.
//
// Translation is total on well-formed inputs: unknown content blocks are
// serialized back to text with an "[Object: ...]" marker instead of being
// dropped. All failure branches return a typed error; translators never
// fabricate a synthetic request.
package transform

import (
	"encoding/json"
	"fmt"

	"github.com/rcrelay/rcrelay/internal/gwerr"
)

// Options tunes the translators. A zero value gets sane defaults.
type Options struct {
	// DefaultMaxTokens is stamped onto requests that omit max_tokens.
	DefaultMaxTokens int
	// MaxTokensCeiling caps max_tokens when non-zero.
	MaxTokensCeiling int
	// SafetyStopReason is the stop_reason emitted when the upstream
	// finished via a safety/content filter. Policy choice; default
	// "stop_sequence".
	SafetyStopReason string
}

func (o Options) withDefaults() Options {
	if o.DefaultMaxTokens <= 0 {
		o.DefaultMaxTokens = 4096
	}
	if o.SafetyStopReason == "" {
		o.SafetyStopReason = "stop_sequence"
	}
	return o
}

func (o Options) capTokens(n int) int {
	if n <= 0 {
		n = o.DefaultMaxTokens
	}
	if o.MaxTokensCeiling > 0 && n > o.MaxTokensCeiling {
		n = o.MaxTokensCeiling
	}
	return n
}

// invalidShape builds an InvalidRequestShape error with a field path.
func invalidShape(path, format string, args ...any) error {
	return gwerr.New(gwerr.KindInvalidRequestShape, "", "%s: %s", path, fmt.Sprintf(format, args...))
}

// malformed builds a ResponseMalformed error.
func malformed(format string, args ...any) error {
	return gwerr.New(gwerr.KindResponseMalformed, "", format, args...)
}

// objectMarker degrades an unknown value to text so content never
// silently disappears in translation.
func objectMarker(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("[Object: %v]", v)
	}
	return fmt.Sprintf("[Object: %s]", raw)
}

// normalizeSchema guarantees a JSON-Schema object shape for tool
// parameters.
func normalizeSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return map[string]any{
			"type":       "object",
			"properties": map[string]any{},
			"required":   []any{},
		}
	}
	result := make(map[string]any, len(schema)+1)
	for k, v := range schema {
		result[k] = v
	}
	if _, ok := result["type"]; !ok {
		result["type"] = "object"
	}
	return result
}

// marshalArgs serializes tool_use input to the arguments JSON string.
func marshalArgs(input map[string]any) string {
	if input == nil {
		return "{}"
	}
	b, err := json.Marshal(input)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// parseArgs parses an accumulated arguments string exactly once, at the
// point the call is complete.
func parseArgs(name, args string) (map[string]any, error) {
	if args == "" {
		return map[string]any{}, nil
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(args), &parsed); err != nil {
		return nil, malformed("tool call %s: arguments are not valid JSON: %v", name, err)
	}
	return parsed, nil
}
