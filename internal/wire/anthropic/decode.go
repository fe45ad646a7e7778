package anthropic

import (
	"encoding/json"
	"fmt"
)

// DecodeError is a structured decode/validation failure carrying the path
// of the offending field. Decoding never panics on bad input.
type DecodeError struct {
	Path string
	Msg  string
}

func (e *DecodeError) Error() string {
	if e.Path == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Msg)
}

// DecodeRequest parses and validates an Anthropic Messages request body.
func DecodeRequest(data []byte) (*Request, *DecodeError) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &DecodeError{Path: pathOf(err), Msg: err.Error()}
	}
	if derr := ValidateRequest(&req); derr != nil {
		return nil, derr
	}
	return &req, nil
}

// ValidateRequest enforces the structural invariants of a request:
// required fields, known roles, and tool_result blocks referencing a
// prior tool_use id.
func ValidateRequest(req *Request) *DecodeError {
	if req.Model == "" {
		return &DecodeError{Path: "model", Msg: "required field is missing"}
	}
	if len(req.Messages) == 0 {
		return &DecodeError{Path: "messages", Msg: "required field is missing or empty"}
	}

	seenToolUse := map[string]bool{}
	for i, msg := range req.Messages {
		switch msg.Role {
		case "user", "assistant", "system":
		default:
			return &DecodeError{
				Path: fmt.Sprintf("messages[%d].role", i),
				Msg:  fmt.Sprintf("unknown role %q", msg.Role),
			}
		}
		for j, b := range msg.Content.Blocks {
			switch b.Type {
			case "text":
			case "tool_use":
				if b.ID != "" {
					seenToolUse[b.ID] = true
				}
			case "tool_result":
				if b.ToolUseID == "" {
					return &DecodeError{
						Path: fmt.Sprintf("messages[%d].content[%d].tool_use_id", i, j),
						Msg:  "required field is missing",
					}
				}
				if !seenToolUse[b.ToolUseID] {
					return &DecodeError{
						Path: fmt.Sprintf("messages[%d].content[%d].tool_use_id", i, j),
						Msg:  fmt.Sprintf("references unknown tool_use id %q", b.ToolUseID),
					}
				}
			default:
				// Unknown block types survive decoding; the transformer
				// degrades them to text rather than dropping them.
			}
		}
	}

	for i, t := range req.Tools {
		if t.Name == "" {
			return &DecodeError{
				Path: fmt.Sprintf("tools[%d].name", i),
				Msg:  "required field is missing",
			}
		}
	}

	if tc := req.ToolChoice; tc != nil {
		switch tc.Type {
		case "auto", "any":
		case "tool":
			if tc.Name == "" {
				return &DecodeError{Path: "tool_choice.name", Msg: "required field is missing"}
			}
		default:
			return &DecodeError{Path: "tool_choice.type", Msg: fmt.Sprintf("unknown type %q", tc.Type)}
		}
	}

	return nil
}

// pathOf recovers a field path from encoding/json type errors.
func pathOf(err error) string {
	if te, ok := err.(*json.UnmarshalTypeError); ok {
		return te.Field
	}
	return ""
}
