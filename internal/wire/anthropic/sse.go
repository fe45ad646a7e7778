package anthropic

import (
	"encoding/json"
	"fmt"
	"io"
)

// StreamEvent is one typed event of the Anthropic streaming sequence:
// message_start, content_block_start, content_block_delta,
// content_block_stop, message_delta, message_stop.
//
// Events flow from the streaming translator to the HTTP emitter over a
// bounded channel; the emitter serializes them with StreamWriter.
type StreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index,omitempty"`

	// message_start
	Message *Response `json:"message,omitempty"`

	// content_block_start
	ContentBlock *ContentBlock `json:"content_block,omitempty"`

	// content_block_delta and message_delta
	Delta *Delta `json:"delta,omitempty"`

	// message_delta
	Usage *Usage `json:"usage,omitempty"`
}

// Delta is the incremental payload of a delta event.
type Delta struct {
	Type        string `json:"type,omitempty"` // text_delta | input_json_delta
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`

	// message_delta fields
	StopReason   string `json:"stop_reason,omitempty"`
	StopSequence string `json:"stop_sequence,omitempty"`
}

// Event constructors used by the streaming translators.

func MessageStartEvent(msg *Response) StreamEvent {
	return StreamEvent{Type: "message_start", Message: msg}
}

func ContentBlockStartEvent(index int, block ContentBlock) StreamEvent {
	return StreamEvent{Type: "content_block_start", Index: index, ContentBlock: &block}
}

func TextDeltaEvent(index int, text string) StreamEvent {
	return StreamEvent{Type: "content_block_delta", Index: index, Delta: &Delta{Type: "text_delta", Text: text}}
}

func InputJSONDeltaEvent(index int, partial string) StreamEvent {
	return StreamEvent{Type: "content_block_delta", Index: index, Delta: &Delta{Type: "input_json_delta", PartialJSON: partial}}
}

func ContentBlockStopEvent(index int) StreamEvent {
	return StreamEvent{Type: "content_block_stop", Index: index}
}

func MessageDeltaEvent(stopReason, stopSequence string, usage Usage) StreamEvent {
	return StreamEvent{
		Type:  "message_delta",
		Delta: &Delta{StopReason: stopReason, StopSequence: stopSequence},
		Usage: &usage,
	}
}

func MessageStopEvent() StreamEvent {
	return StreamEvent{Type: "message_stop"}
}

// ErrorEvent is the terminal event written when a stream aborts after
// bytes have already been sent to the client.
func ErrorEvent(errType, message string) StreamEvent {
	return StreamEvent{Type: "error", Delta: &Delta{Type: errType, Text: message}}
}

// StreamWriter serializes stream events in Anthropic SSE framing:
// "event: <type>\ndata: <json>\n\n", flushing after each event.
type StreamWriter struct {
	w     io.Writer
	flush func()
}

// NewStreamWriter wraps w. flush may be nil for buffered writers.
func NewStreamWriter(w io.Writer, flush func()) *StreamWriter {
	return &StreamWriter{w: w, flush: flush}
}

// Write emits one event.
func (sw *StreamWriter) Write(ev StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal stream event %s: %w", ev.Type, err)
	}
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	if sw.flush != nil {
		sw.flush()
	}
	return nil
}
