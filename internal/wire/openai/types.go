// Package openai defines the OpenAI chat-completions wire format, the
// canonical interior shape every OpenAI-compatible provider consumes.
package openai

import "encoding/json"

// Request is the chat completions request body.
type Request struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	Stop          []string       `json:"stop,omitempty"`
	Tools         []Tool         `json:"tools,omitempty"`
	ToolChoice    any            `json:"tool_choice,omitempty"` // "auto" | "required" | ForcedToolChoice
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions map[string]any `json:"stream_options,omitempty"`
}

// Message is one chat turn. Content is null when the assistant turn
// carries only tool calls.
type Message struct {
	Role       string     `json:"role"` // system | user | assistant | tool
	Content    *string    `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// Text returns the message content, empty when null.
func (m *Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// StringContent builds a non-null content pointer.
func StringContent(s string) *string { return &s }

// Tool is a function tool definition.
type Tool struct {
	Type     string       `json:"type"` // "function"
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ForcedToolChoice forces a specific function.
type ForcedToolChoice struct {
	Type     string           `json:"type"` // "function"
	Function ForcedToolTarget `json:"function"`
}

type ForcedToolTarget struct {
	Name string `json:"name"`
}

// ToolCall is an assistant-issued function call. Index is meaningful only
// in streaming fragments.
type ToolCall struct {
	Index    int          `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"` // "function"
	Function ToolCallFunc `json:"function"`
}

type ToolCallFunc struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"` // JSON string, possibly fragmented
}

// Response is the buffered chat completions response.
type Response struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"` // stop | length | tool_calls | content_filter
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ErrorEnvelope is the upstream error body shape.
type ErrorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// ParseErrorMessage extracts a short error message from an upstream error
// body, falling back to empty when the body isn't the standard envelope.
func ParseErrorMessage(body []byte) string {
	var env ErrorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return ""
	}
	return env.Error.Message
}

// --- Streaming ---

// StreamChunk is one SSE "data:" payload of a streaming response.
type StreamChunk struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
}

type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type StreamDelta struct {
	Role      string     `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// --- Model discovery ---

// ModelsResponse is the GET /v1/models body. Context-length hints vary by
// provider; both common field names are accepted.
type ModelsResponse struct {
	Object string      `json:"object"`
	Data   []ModelItem `json:"data"`
}

type ModelItem struct {
	ID            string `json:"id"`
	OwnedBy       string `json:"owned_by,omitempty"`
	ContextLength int    `json:"context_length,omitempty"`
	MaxModelLen   int    `json:"max_model_len,omitempty"`
}

// ContextWindow returns the best available context-length hint, 0 when
// the provider reports none.
func (m *ModelItem) ContextWindow() int {
	if m.ContextLength > 0 {
		return m.ContextLength
	}
	return m.MaxModelLen
}
