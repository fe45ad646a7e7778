package transform

import (
	"github.com/google/uuid"

	"github.com/rcrelay/rcrelay/internal/wire/anthropic"
	"github.com/rcrelay/rcrelay/internal/wire/openai"
)

// OpenAIStream converts an OpenAI streaming response into the Anthropic
// event sequence. One instance serves one stream; it is not safe for
// concurrent use.
//
// Event discipline: message_start on the first chunk; a text
// content_block opens lazily on the first non-empty text delta; each
// tool_calls index opens its own tool_use block on first appearance and
// receives input_json_delta fragments; Finish closes every open block
// and emits message_delta with the final stop_reason, then message_stop.
type OpenAIStream struct {
	opts        Options
	clientModel string

	started    bool
	msgID      string
	textIndex  int         // -1 until the text block opens
	toolBlocks map[int]int // openai tool_call index -> anthropic block index
	blockOrder []int
	nextBlock  int

	finishReason string
	sawToolUse   bool
	usage        anthropic.Usage
}

// NewOpenAIStream builds a stream translator echoing clientModel.
func NewOpenAIStream(clientModel string, opts Options) *OpenAIStream {
	return &OpenAIStream{
		opts:        opts.withDefaults(),
		clientModel: clientModel,
		textIndex:   -1,
		toolBlocks:  make(map[int]int),
	}
}

// Feed consumes one upstream chunk and returns the events it produces.
func (s *OpenAIStream) Feed(chunk *openai.StreamChunk) []anthropic.StreamEvent {
	var events []anthropic.StreamEvent

	if !s.started {
		s.started = true
		s.msgID = chunk.ID
		if s.msgID == "" {
			s.msgID = "msg_" + uuid.NewString()
		}
		events = append(events, anthropic.MessageStartEvent(&anthropic.Response{
			ID:      s.msgID,
			Type:    "message",
			Role:    "assistant",
			Model:   s.clientModel,
			Content: []anthropic.ContentBlock{},
		}))
	}

	if chunk.Usage != nil {
		s.usage = anthropic.Usage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
		}
	}

	if len(chunk.Choices) == 0 {
		return events
	}
	choice := chunk.Choices[0]

	if choice.Delta.Content != "" {
		if s.textIndex < 0 {
			s.textIndex = s.allocBlock()
			events = append(events, anthropic.ContentBlockStartEvent(s.textIndex, anthropic.ContentBlock{
				Type: "text",
				Text: "",
			}))
		}
		events = append(events, anthropic.TextDeltaEvent(s.textIndex, choice.Delta.Content))
	}

	for _, tc := range choice.Delta.ToolCalls {
		blockIdx, ok := s.toolBlocks[tc.Index]
		if !ok {
			blockIdx = s.allocBlock()
			s.toolBlocks[tc.Index] = blockIdx
			s.sawToolUse = true
			events = append(events, anthropic.ContentBlockStartEvent(blockIdx, anthropic.ContentBlock{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: map[string]any{},
			}))
		}
		if tc.Function.Arguments != "" {
			events = append(events, anthropic.InputJSONDeltaEvent(blockIdx, tc.Function.Arguments))
		}
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		s.finishReason = *choice.FinishReason
	}

	return events
}

// Finish closes open blocks and terminates the event sequence. A stream
// that produced no chunks still yields a complete, empty message.
func (s *OpenAIStream) Finish() []anthropic.StreamEvent {
	var events []anthropic.StreamEvent

	if !s.started {
		s.started = true
		s.msgID = "msg_" + uuid.NewString()
		events = append(events, anthropic.MessageStartEvent(&anthropic.Response{
			ID:      s.msgID,
			Type:    "message",
			Role:    "assistant",
			Model:   s.clientModel,
			Content: []anthropic.ContentBlock{},
		}))
	}

	for _, idx := range s.blockOrder {
		events = append(events, anthropic.ContentBlockStopEvent(idx))
	}

	stopReason := mapFinishReason(s.finishReason, s.sawToolUse, s.opts)
	events = append(events,
		anthropic.MessageDeltaEvent(stopReason, "", s.usage),
		anthropic.MessageStopEvent(),
	)
	return events
}

func (s *OpenAIStream) allocBlock() int {
	idx := s.nextBlock
	s.nextBlock++
	s.blockOrder = append(s.blockOrder, idx)
	return idx
}
