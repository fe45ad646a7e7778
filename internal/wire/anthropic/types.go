// Package anthropic defines the Anthropic Messages API wire format used
// on the client-facing side of the gateway.
//
// Messages carry either a bare string or a list of typed content blocks
// (text, tool_use, tool_result). The original wire form is preserved so
// that a request translated away and back serializes identically.
package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Request is the Anthropic Messages API request.
type Request struct {
	Model         string     `json:"model"`
	System        *System    `json:"system,omitempty"`
	Messages      []Message  `json:"messages"`
	Tools         []Tool     `json:"tools,omitempty"`
	ToolChoice    *ToolChoice `json:"tool_choice,omitempty"`
	MaxTokens     int        `json:"max_tokens,omitempty"`
	Temperature   *float64   `json:"temperature,omitempty"`
	TopP          *float64   `json:"top_p,omitempty"`
	TopK          *int       `json:"top_k,omitempty"`
	StopSequences []string   `json:"stop_sequences,omitempty"`
	Stream        bool       `json:"stream,omitempty"`
}

// System is the top-level system prompt: a string or a list of text blocks.
type System struct {
	Plain  bool
	Text   string
	Blocks []ContentBlock
}

func (s *System) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		s.Plain = true
		s.Text = text
		return nil
	}
	s.Plain = false
	return json.Unmarshal(data, &s.Blocks)
}

func (s System) MarshalJSON() ([]byte, error) {
	if s.Plain {
		return json.Marshal(s.Text)
	}
	return json.Marshal(s.Blocks)
}

// Flatten joins the system prompt into one string, text blocks separated
// by single spaces.
func (s *System) Flatten() string {
	if s == nil {
		return ""
	}
	if s.Plain {
		return s.Text
	}
	parts := make([]string, 0, len(s.Blocks))
	for _, b := range s.Blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, " ")
}

// Message is one conversation turn.
type Message struct {
	Role    string  `json:"role"` // user | assistant | system
	Content Content `json:"content"`
}

// Content is a message body: a bare string on the wire, or a block list.
type Content struct {
	Plain  bool
	Text   string
	Blocks []ContentBlock
}

func (c *Content) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		c.Plain = true
		c.Text = text
		return nil
	}
	c.Plain = false
	return json.Unmarshal(data, &c.Blocks)
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.Plain {
		return json.Marshal(c.Text)
	}
	return json.Marshal(c.Blocks)
}

// TextContent builds a plain-string content value.
func TextContent(text string) Content {
	return Content{Plain: true, Text: text}
}

// BlockContent builds a block-list content value.
func BlockContent(blocks ...ContentBlock) Content {
	return Content{Blocks: blocks}
}

// ContentBlock is a polymorphic content element.
type ContentBlock struct {
	Type string `json:"type"` // text | tool_use | tool_result

	// type "text"
	Text string `json:"text,omitempty"`

	// type "tool_use"
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// type "tool_result"; Content is a string or nested block list
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ResultText flattens a tool_result block's content into a string. Nested
// text blocks concatenate; anything unrecognized degrades to an
// "[Object: ...]" marker so content never silently disappears.
func (b *ContentBlock) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(b.Content, &text); err == nil {
		return text
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		var sb strings.Builder
		for _, nb := range blocks {
			if nb.Type == "text" {
				sb.WriteString(nb.Text)
			} else {
				raw, _ := json.Marshal(nb)
				fmt.Fprintf(&sb, "[Object: %s]", raw)
			}
		}
		return sb.String()
	}
	return fmt.Sprintf("[Object: %s]", b.Content)
}

// Tool is an Anthropic tool definition.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ToolChoice directs tool selection: {"type":"auto"}, {"type":"any"} or
// {"type":"tool","name":...}.
type ToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// Response is the Anthropic Messages API response, the shape every reply
// leaves the gateway in.
type Response struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"` // "message"
	Role         string         `json:"role"` // "assistant"
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   string         `json:"stop_reason"` // end_turn | max_tokens | tool_use | stop_sequence
	StopSequence string         `json:"stop_sequence,omitempty"`
	Usage        Usage          `json:"usage"`
}

// Usage reports token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
