package anthropic

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeRequestPlainStringContent(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4",
		"max_tokens": 100,
		"messages": [{"role": "user", "content": "hello"}]
	}`)

	req, derr := DecodeRequest(body)
	if derr != nil {
		t.Fatalf("decode: %v", derr)
	}
	msg := req.Messages[0]
	if !msg.Content.Plain || msg.Content.Text != "hello" {
		t.Fatalf("content = %+v, want plain string preserved", msg.Content)
	}

	// The wire form survives re-encoding: a string stays a string.
	out, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Contains(out, []byte(`"content":"hello"`)) {
		t.Fatalf("re-encoded message = %s, want string content form", out)
	}
}

func TestDecodeRequestBlockContent(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4",
		"max_tokens": 100,
		"messages": [{"role": "user", "content": [
			{"type": "text", "text": "look at this"}
		]}]
	}`)

	req, derr := DecodeRequest(body)
	if derr != nil {
		t.Fatalf("decode: %v", derr)
	}
	c := req.Messages[0].Content
	if c.Plain || len(c.Blocks) != 1 || c.Blocks[0].Text != "look at this" {
		t.Fatalf("content = %+v", c)
	}

	out, _ := json.Marshal(req.Messages[0])
	if !bytes.Contains(out, []byte(`"content":[`)) {
		t.Fatalf("re-encoded message = %s, want array content form", out)
	}
}

func TestDecodeRequestSystemStringOrBlocks(t *testing.T) {
	plain := []byte(`{"model":"m","max_tokens":1,"system":"be brief","messages":[{"role":"user","content":"q"}]}`)
	req, derr := DecodeRequest(plain)
	if derr != nil {
		t.Fatalf("decode plain: %v", derr)
	}
	if req.System.Flatten() != "be brief" {
		t.Fatalf("system = %q", req.System.Flatten())
	}

	blocks := []byte(`{"model":"m","max_tokens":1,"system":[{"type":"text","text":"be"},{"type":"text","text":"brief"}],"messages":[{"role":"user","content":"q"}]}`)
	req, derr = DecodeRequest(blocks)
	if derr != nil {
		t.Fatalf("decode blocks: %v", derr)
	}
	if req.System.Flatten() != "be brief" {
		t.Fatalf("flattened system = %q, want space-joined", req.System.Flatten())
	}
}

func TestValidateRequestErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
		path string
	}{
		{
			name: "missing model",
			body: `{"max_tokens":1,"messages":[{"role":"user","content":"q"}]}`,
			path: "model",
		},
		{
			name: "empty messages",
			body: `{"model":"m","max_tokens":1,"messages":[]}`,
			path: "messages",
		},
		{
			name: "unknown role",
			body: `{"model":"m","max_tokens":1,"messages":[{"role":"robot","content":"q"}]}`,
			path: "messages[0].role",
		},
		{
			name: "tool_result without prior tool_use",
			body: `{"model":"m","max_tokens":1,"messages":[{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_x","content":"out"}]}]}`,
			path: "messages[0].content[0].tool_use_id",
		},
		{
			name: "nameless tool",
			body: `{"model":"m","max_tokens":1,"messages":[{"role":"user","content":"q"}],"tools":[{"description":"no name"}]}`,
			path: "tools[0].name",
		},
		{
			name: "bad tool_choice type",
			body: `{"model":"m","max_tokens":1,"messages":[{"role":"user","content":"q"}],"tool_choice":{"type":"sometimes"}}`,
			path: "tool_choice.type",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, derr := DecodeRequest([]byte(tc.body))
			if derr == nil {
				t.Fatal("expected validation error")
			}
			if derr.Path != tc.path {
				t.Fatalf("path = %q, want %q (msg: %s)", derr.Path, tc.path, derr.Msg)
			}
		})
	}
}

func TestValidateAcceptsToolResultAfterToolUse(t *testing.T) {
	body := []byte(`{
		"model": "m", "max_tokens": 1,
		"messages": [
			{"role": "assistant", "content": [{"type":"tool_use","id":"toolu_1","name":"get_time","input":{}}]},
			{"role": "user", "content": [{"type":"tool_result","tool_use_id":"toolu_1","content":"3pm"}]}
		]
	}`)
	if _, derr := DecodeRequest(body); derr != nil {
		t.Fatalf("decode: %v", derr)
	}
}

func TestResultTextDegradesObjects(t *testing.T) {
	block := ContentBlock{
		Type:      "tool_result",
		ToolUseID: "toolu_1",
		Content:   json.RawMessage(`[{"type":"text","text":"plain part"},{"kind":"table","rows":2}]`),
	}
	got := block.ResultText()
	if !strings.Contains(got, "plain part") {
		t.Fatalf("result %q lost the text part", got)
	}
	if !strings.Contains(got, "[Object:") {
		t.Fatalf("result %q should degrade the non-text part to a marker", got)
	}
}

func TestStreamWriterFraming(t *testing.T) {
	var buf bytes.Buffer
	flushed := 0
	w := NewStreamWriter(&buf, func() { flushed++ })

	if err := w.Write(TextDeltaEvent(0, "hi")); err != nil {
		t.Fatalf("write: %v", err)
	}

	out := buf.String()
	if !strings.HasPrefix(out, "event: content_block_delta\ndata: ") {
		t.Fatalf("framing = %q", out)
	}
	if !strings.HasSuffix(out, "\n\n") {
		t.Fatalf("missing terminator: %q", out)
	}
	if flushed != 1 {
		t.Fatalf("flush count = %d", flushed)
	}

	var ev StreamEvent
	data := strings.TrimPrefix(strings.Split(out, "\ndata: ")[1], " ")
	if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &ev); err != nil {
		t.Fatalf("data is not JSON: %v", err)
	}
	if ev.Type != "content_block_delta" || ev.Delta.Text != "hi" {
		t.Fatalf("event = %+v", ev)
	}
}
