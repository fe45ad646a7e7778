package transform

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/rcrelay/rcrelay/internal/wire/anthropic"
	"github.com/rcrelay/rcrelay/internal/wire/gemini"
)

// AnthropicToGemini translates a client request into the Gemini wrapper
// envelope. The system prompt is merged into the first user turn; the
// assistant role maps to "model".
func AnthropicToGemini(req *anthropic.Request, project, model string, opts Options) (*gemini.Envelope, error) {
	opts = opts.withDefaults()
	if req.Model == "" {
		return nil, invalidShape("model", "required field is missing")
	}
	if len(req.Messages) == 0 {
		return nil, invalidShape("messages", "required field is missing or empty")
	}

	out := &gemini.Request{
		GenerationConfig: &gemini.GenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			TopK:            req.TopK,
			MaxOutputTokens: opts.capTokens(req.MaxTokens),
			StopSequences:   req.StopSequences,
		},
	}

	// tool_use id -> name, so tool_result blocks can name their
	// functionResponse.
	toolNames := map[string]string{}

	for i, msg := range req.Messages {
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}

		var parts []gemini.Part
		if msg.Content.Plain {
			if msg.Content.Text != "" {
				parts = append(parts, gemini.Part{Text: msg.Content.Text})
			}
		} else {
			for _, b := range msg.Content.Blocks {
				switch b.Type {
				case "text":
					parts = append(parts, gemini.Part{Text: b.Text})
				case "tool_use":
					toolNames[b.ID] = b.Name
					parts = append(parts, gemini.Part{
						FunctionCall: &gemini.FunctionCall{Name: b.Name, Args: b.Input},
					})
				case "tool_result":
					parts = append(parts, gemini.Part{
						FunctionResponse: &gemini.FunctionResponse{
							Name:     toolNames[b.ToolUseID],
							Response: map[string]any{"output": b.ResultText()},
						},
					})
				default:
					if b.Type == "" {
						return nil, invalidShape(fieldPath("messages", i, "content"), "block has no type")
					}
					parts = append(parts, gemini.Part{Text: objectMarker(b)})
				}
			}
		}
		if len(parts) == 0 {
			continue
		}
		out.Contents = append(out.Contents, gemini.Content{Role: role, Parts: parts})
	}

	if sys := req.System.Flatten(); sys != "" {
		// No separate system slot in the envelope: fold into the first
		// user turn, or prepend one.
		merged := false
		for i := range out.Contents {
			if out.Contents[i].Role == "user" {
				out.Contents[i].Parts = append([]gemini.Part{{Text: sys}}, out.Contents[i].Parts...)
				merged = true
				break
			}
		}
		if !merged {
			out.Contents = append([]gemini.Content{{Role: "user", Parts: []gemini.Part{{Text: sys}}}}, out.Contents...)
		}
	}

	if len(req.Tools) > 0 {
		var decls []gemini.FunctionDeclaration
		for _, t := range req.Tools {
			if t.Name == "" {
				continue
			}
			decls = append(decls, gemini.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  normalizeSchema(t.InputSchema),
			})
		}
		if len(decls) > 0 {
			out.Tools = []gemini.ToolDeclaration{{FunctionDeclarations: decls}}
		}
	}

	return &gemini.Envelope{Project: project, Model: model, Request: *out}, nil
}

// GeminiToAnthropic translates a buffered Gemini response into the
// Anthropic shape.
func GeminiToAnthropic(resp *gemini.Response, clientModel string, opts Options) (*anthropic.Response, error) {
	opts = opts.withDefaults()
	if len(resp.Candidates) == 0 {
		return nil, malformed("upstream response has no candidates")
	}
	cand := resp.Candidates[0]

	out := &anthropic.Response{
		ID:    "msg_" + uuid.NewString(),
		Type:  "message",
		Role:  "assistant",
		Model: clientModel,
	}
	if resp.UsageMetadata != nil {
		out.Usage = anthropic.Usage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		}
	}

	var text strings.Builder
	var toolUses []anthropic.ContentBlock
	for _, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			args := part.FunctionCall.Args
			if args == nil {
				args = map[string]any{}
			}
			toolUses = append(toolUses, anthropic.ContentBlock{
				Type:  "tool_use",
				ID:    fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, len(toolUses)),
				Name:  part.FunctionCall.Name,
				Input: args,
			})
		case part.Text != "":
			text.WriteString(part.Text)
		}
	}

	if text.Len() > 0 {
		out.Content = append(out.Content, anthropic.ContentBlock{Type: "text", Text: text.String()})
	}
	out.Content = append(out.Content, toolUses...)

	out.StopReason = mapGeminiFinishReason(cand.FinishReason, len(toolUses) > 0, opts)
	return out, nil
}

func mapGeminiFinishReason(reason string, hasToolUse bool, opts Options) string {
	if hasToolUse {
		return "tool_use"
	}
	switch reason {
	case "STOP":
		return "end_turn"
	case "MAX_TOKENS":
		return "max_tokens"
	case "SAFETY", "RECITATION":
		return opts.SafetyStopReason
	default:
		return "end_turn"
	}
}

// GeminiStream converts a Gemini streaming response into the Anthropic
// event sequence. Function calls arrive whole per chunk, so each opens,
// fills, and closes its tool_use block immediately.
type GeminiStream struct {
	opts        Options
	clientModel string

	started      bool
	textIndex    int
	textOpen     bool
	nextBlock    int
	finishReason string
	sawToolUse   bool
	usage        anthropic.Usage
}

// NewGeminiStream builds a stream translator echoing clientModel.
func NewGeminiStream(clientModel string, opts Options) *GeminiStream {
	return &GeminiStream{opts: opts.withDefaults(), clientModel: clientModel, textIndex: -1}
}

// Feed consumes one chunk and returns the events it produces.
func (s *GeminiStream) Feed(chunk *gemini.Response) []anthropic.StreamEvent {
	var events []anthropic.StreamEvent

	if !s.started {
		s.started = true
		events = append(events, anthropic.MessageStartEvent(&anthropic.Response{
			ID:      "msg_" + uuid.NewString(),
			Type:    "message",
			Role:    "assistant",
			Model:   s.clientModel,
			Content: []anthropic.ContentBlock{},
		}))
	}

	if chunk.UsageMetadata != nil {
		s.usage = anthropic.Usage{
			InputTokens:  chunk.UsageMetadata.PromptTokenCount,
			OutputTokens: chunk.UsageMetadata.CandidatesTokenCount,
		}
	}

	if len(chunk.Candidates) == 0 {
		return events
	}
	cand := chunk.Candidates[0]

	for _, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			s.sawToolUse = true
			idx := s.nextBlock
			s.nextBlock++
			events = append(events,
				anthropic.ContentBlockStartEvent(idx, anthropic.ContentBlock{
					Type:  "tool_use",
					ID:    fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, idx),
					Name:  part.FunctionCall.Name,
					Input: map[string]any{},
				}),
				anthropic.InputJSONDeltaEvent(idx, marshalArgs(part.FunctionCall.Args)),
				anthropic.ContentBlockStopEvent(idx),
			)
		case part.Text != "":
			if !s.textOpen {
				s.textOpen = true
				s.textIndex = s.nextBlock
				s.nextBlock++
				events = append(events, anthropic.ContentBlockStartEvent(s.textIndex, anthropic.ContentBlock{
					Type: "text",
					Text: "",
				}))
			}
			events = append(events, anthropic.TextDeltaEvent(s.textIndex, part.Text))
		}
	}

	if cand.FinishReason != "" {
		s.finishReason = cand.FinishReason
	}

	return events
}

// Finish closes the text block and terminates the sequence.
func (s *GeminiStream) Finish() []anthropic.StreamEvent {
	var events []anthropic.StreamEvent

	if !s.started {
		s.started = true
		events = append(events, anthropic.MessageStartEvent(&anthropic.Response{
			ID:      "msg_" + uuid.NewString(),
			Type:    "message",
			Role:    "assistant",
			Model:   s.clientModel,
			Content: []anthropic.ContentBlock{},
		}))
	}

	if s.textOpen {
		events = append(events, anthropic.ContentBlockStopEvent(s.textIndex))
	}

	events = append(events,
		anthropic.MessageDeltaEvent(mapGeminiFinishReason(s.finishReason, s.sawToolUse, s.opts), "", s.usage),
		anthropic.MessageStopEvent(),
	)
	return events
}
