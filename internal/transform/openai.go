package transform

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/rcrelay/rcrelay/internal/wire/anthropic"
	"github.com/rcrelay/rcrelay/internal/wire/openai"
)

// AnthropicToOpenAI translates a client request into the canonical
// interior OpenAI shape.
func AnthropicToOpenAI(req *anthropic.Request, model string, opts Options) (*openai.Request, error) {
	opts = opts.withDefaults()
	if req.Model == "" {
		return nil, invalidShape("model", "required field is missing")
	}
	if len(req.Messages) == 0 {
		return nil, invalidShape("messages", "required field is missing or empty")
	}
	if model == "" {
		model = req.Model
	}

	out := &openai.Request{
		Model:       model,
		MaxTokens:   opts.capTokens(req.MaxTokens),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
	}

	if sys := req.System.Flatten(); sys != "" {
		out.Messages = append(out.Messages, openai.Message{
			Role:    "system",
			Content: openai.StringContent(sys),
		})
	}

	for i, msg := range req.Messages {
		if msg.Content.Plain {
			out.Messages = append(out.Messages, openai.Message{
				Role:    msg.Role,
				Content: openai.StringContent(msg.Content.Text),
			})
			continue
		}

		var text strings.Builder
		var toolCalls []openai.ToolCall
		for _, b := range msg.Content.Blocks {
			switch b.Type {
			case "text":
				text.WriteString(b.Text)
			case "tool_use":
				toolCalls = append(toolCalls, openai.ToolCall{
					ID:   b.ID,
					Type: "function",
					Function: openai.ToolCallFunc{
						Name:      b.Name,
						Arguments: marshalArgs(b.Input),
					},
				})
			case "tool_result":
				// Tool results become their own tool-role messages.
				out.Messages = append(out.Messages, openai.Message{
					Role:       "tool",
					Content:    openai.StringContent(b.ResultText()),
					ToolCallID: b.ToolUseID,
				})
			default:
				if b.Type == "" {
					return nil, invalidShape(fieldPath("messages", i, "content"), "block has no type")
				}
				// Unknown blocks degrade to text, never disappear.
				text.WriteString(objectMarker(b))
			}
		}

		m := openai.Message{Role: msg.Role, ToolCalls: toolCalls}
		switch {
		case text.Len() > 0:
			m.Content = openai.StringContent(text.String())
		case len(toolCalls) > 0:
			m.Content = nil // tool_use-only messages carry null content
		default:
			continue // message fully consumed by tool_result emission
		}
		out.Messages = append(out.Messages, m)
	}

	for _, t := range req.Tools {
		if t.Name == "" {
			continue // nameless tools are dropped
		}
		out.Tools = append(out.Tools, openai.Tool{
			Type: "function",
			Function: openai.ToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  normalizeSchema(t.InputSchema),
			},
		})
	}

	if tc := req.ToolChoice; tc != nil {
		switch tc.Type {
		case "auto":
			out.ToolChoice = "auto"
		case "any":
			out.ToolChoice = "required"
		case "tool":
			out.ToolChoice = openai.ForcedToolChoice{
				Type:     "function",
				Function: openai.ForcedToolTarget{Name: tc.Name},
			}
		}
	}

	return out, nil
}

// OpenAIToAnthropic translates a buffered upstream response back into the
// Anthropic shape. clientModel is echoed as the response model.
func OpenAIToAnthropic(resp *openai.Response, clientModel string, opts Options) (*anthropic.Response, error) {
	opts = opts.withDefaults()
	if len(resp.Choices) == 0 {
		return nil, malformed("upstream response has no choices")
	}
	choice := resp.Choices[0]

	out := &anthropic.Response{
		ID:    resp.ID,
		Type:  "message",
		Role:  "assistant",
		Model: clientModel,
		Usage: anthropic.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if out.ID == "" {
		out.ID = "msg_" + uuid.NewString()
	}

	if text := choice.Message.Text(); text != "" {
		out.Content = append(out.Content, anthropic.ContentBlock{Type: "text", Text: text})
	}

	for _, tc := range choice.Message.ToolCalls {
		input, err := parseArgs(tc.Function.Name, tc.Function.Arguments)
		if err != nil {
			return nil, err
		}
		out.Content = append(out.Content, anthropic.ContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}

	out.StopReason = mapFinishReason(choice.FinishReason, len(choice.Message.ToolCalls) > 0, opts)
	return out, nil
}

// mapFinishReason converts an OpenAI finish_reason. Any tool_use content
// forces "tool_use" regardless of the reported reason.
func mapFinishReason(reason string, hasToolUse bool, opts Options) string {
	if hasToolUse {
		return "tool_use"
	}
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	case "content_filter":
		return opts.SafetyStopReason
	default:
		return "end_turn"
	}
}

// OpenAIRequestToAnthropic is the reverse request translation, used when
// accepting interior-shape traffic and for round-trip verification.
func OpenAIRequestToAnthropic(req *openai.Request) (*anthropic.Request, error) {
	if req.Model == "" {
		return nil, invalidShape("model", "required field is missing")
	}
	if len(req.Messages) == 0 {
		return nil, invalidShape("messages", "required field is missing or empty")
	}

	out := &anthropic.Request{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        req.Stream,
	}

	for i, msg := range req.Messages {
		switch msg.Role {
		case "system":
			// A leading system message folds back into the system field.
			if out.System == nil && len(out.Messages) == 0 {
				out.System = &anthropic.System{Plain: true, Text: msg.Text()}
				continue
			}
			out.Messages = append(out.Messages, anthropic.Message{
				Role:    "user",
				Content: anthropic.TextContent(msg.Text()),
			})

		case "tool":
			// Tool output comes back as a user message holding one
			// tool_result block.
			block := anthropic.ContentBlock{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
			}
			block.Content = mustRawString(msg.Text())
			out.Messages = append(out.Messages, anthropic.Message{
				Role:    "user",
				Content: anthropic.BlockContent(block),
			})

		case "assistant":
			if len(msg.ToolCalls) == 0 {
				out.Messages = append(out.Messages, anthropic.Message{
					Role:    "assistant",
					Content: anthropic.TextContent(msg.Text()),
				})
				continue
			}
			var blocks []anthropic.ContentBlock
			if text := msg.Text(); text != "" {
				blocks = append(blocks, anthropic.ContentBlock{Type: "text", Text: text})
			}
			for _, tc := range msg.ToolCalls {
				input, err := parseArgs(tc.Function.Name, tc.Function.Arguments)
				if err != nil {
					return nil, invalidShape(fieldPath("messages", i, "tool_calls"), "%v", err)
				}
				blocks = append(blocks, anthropic.ContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: input,
				})
			}
			out.Messages = append(out.Messages, anthropic.Message{
				Role:    "assistant",
				Content: anthropic.BlockContent(blocks...),
			})

		case "user":
			out.Messages = append(out.Messages, anthropic.Message{
				Role:    "user",
				Content: anthropic.TextContent(msg.Text()),
			})

		default:
			return nil, invalidShape(fieldPath("messages", i, "role"), "unknown role %q", msg.Role)
		}
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropic.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}

	switch tc := req.ToolChoice.(type) {
	case nil:
	case string:
		switch tc {
		case "auto":
			out.ToolChoice = &anthropic.ToolChoice{Type: "auto"}
		case "required":
			out.ToolChoice = &anthropic.ToolChoice{Type: "any"}
		}
	case openai.ForcedToolChoice:
		out.ToolChoice = &anthropic.ToolChoice{Type: "tool", Name: tc.Function.Name}
	case map[string]any:
		if fn, ok := tc["function"].(map[string]any); ok {
			if name, ok := fn["name"].(string); ok {
				out.ToolChoice = &anthropic.ToolChoice{Type: "tool", Name: name}
			}
		}
	}

	return out, nil
}

func fieldPath(root string, index int, leaf string) string {
	return fmt.Sprintf("%s[%d].%s", root, index, leaf)
}

// mustRawString JSON-quotes s as a raw message.
func mustRawString(s string) []byte {
	b, _ := json.Marshal(s)
	return b
}
