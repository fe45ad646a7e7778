package transform

import (
	"encoding/json"
	"testing"

	"github.com/rcrelay/rcrelay/internal/gwerr"
	"github.com/rcrelay/rcrelay/internal/wire/anthropic"
	"github.com/rcrelay/rcrelay/internal/wire/openai"
)

func decodeAnthropic(t *testing.T, body string) *anthropic.Request {
	t.Helper()
	req, derr := anthropic.DecodeRequest([]byte(body))
	if derr != nil {
		t.Fatalf("fixture decode: %v", derr)
	}
	return req
}

func TestAnthropicToOpenAIBasic(t *testing.T) {
	req := decodeAnthropic(t, `{
		"model": "claude-sonnet-4",
		"max_tokens": 1000,
		"system": "be terse",
		"messages": [{"role": "user", "content": "hi"}]
	}`)

	out, err := AnthropicToOpenAI(req, "qwen3-max", Options{})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if out.Model != "qwen3-max" {
		t.Fatalf("model = %q, want routed model", out.Model)
	}
	if out.MaxTokens != 1000 {
		t.Fatalf("max_tokens = %d", out.MaxTokens)
	}
	if len(out.Messages) != 2 {
		t.Fatalf("messages = %+v", out.Messages)
	}
	if out.Messages[0].Role != "system" || out.Messages[0].Text() != "be terse" {
		t.Fatalf("system message = %+v", out.Messages[0])
	}
	if out.Messages[1].Role != "user" || out.Messages[1].Text() != "hi" {
		t.Fatalf("user message = %+v", out.Messages[1])
	}
}

func TestAnthropicToOpenAIDefaultsAndCapsMaxTokens(t *testing.T) {
	req := decodeAnthropic(t, `{"model":"m","messages":[{"role":"user","content":"q"}]}`)

	out, err := AnthropicToOpenAI(req, "", Options{DefaultMaxTokens: 8192})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if out.MaxTokens != 8192 {
		t.Fatalf("defaulted max_tokens = %d", out.MaxTokens)
	}

	req.MaxTokens = 500000
	out, err = AnthropicToOpenAI(req, "", Options{MaxTokensCeiling: 131072})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if out.MaxTokens != 131072 {
		t.Fatalf("capped max_tokens = %d", out.MaxTokens)
	}
}

func TestAnthropicToOpenAIToolLoop(t *testing.T) {
	req := decodeAnthropic(t, `{
		"model": "m", "max_tokens": 100,
		"messages": [
			{"role": "user", "content": "what time is it?"},
			{"role": "assistant", "content": [
				{"type": "tool_use", "id": "toolu_1", "name": "get_time", "input": {"tz": "UTC"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "15:04"}
			]}
		],
		"tools": [{"name": "get_time", "description": "clock", "input_schema": {"type": "object", "properties": {"tz": {"type": "string"}}}}],
		"tool_choice": {"type": "any"}
	}`)

	out, err := AnthropicToOpenAI(req, "m", Options{})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}

	// user, assistant(tool_calls, null content), tool
	if len(out.Messages) != 3 {
		t.Fatalf("messages: %+v", out.Messages)
	}
	asst := out.Messages[1]
	if asst.Role != "assistant" || asst.Content != nil {
		t.Fatalf("assistant turn = %+v, want null content with tool_calls", asst)
	}
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != "toolu_1" {
		t.Fatalf("tool_calls = %+v", asst.ToolCalls)
	}
	if asst.ToolCalls[0].Function.Arguments != `{"tz":"UTC"}` {
		t.Fatalf("arguments = %q", asst.ToolCalls[0].Function.Arguments)
	}

	toolMsg := out.Messages[2]
	if toolMsg.Role != "tool" || toolMsg.ToolCallID != "toolu_1" || toolMsg.Text() != "15:04" {
		t.Fatalf("tool message = %+v", toolMsg)
	}

	if len(out.Tools) != 1 || out.Tools[0].Function.Name != "get_time" {
		t.Fatalf("tools = %+v", out.Tools)
	}
	if out.ToolChoice != "required" {
		t.Fatalf("tool_choice = %v, want \"required\" for \"any\"", out.ToolChoice)
	}
}

func TestAnthropicToOpenAIForcedToolChoice(t *testing.T) {
	req := decodeAnthropic(t, `{
		"model": "m", "max_tokens": 1,
		"messages": [{"role": "user", "content": "q"}],
		"tools": [{"name": "lookup"}],
		"tool_choice": {"type": "tool", "name": "lookup"}
	}`)

	out, err := AnthropicToOpenAI(req, "m", Options{})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	forced, ok := out.ToolChoice.(openai.ForcedToolChoice)
	if !ok || forced.Function.Name != "lookup" {
		t.Fatalf("tool_choice = %#v", out.ToolChoice)
	}
	// Tool with no schema still gets a valid object schema.
	params := out.Tools[0].Function.Parameters
	if params["type"] != "object" {
		t.Fatalf("normalized schema = %v", params)
	}
}

func TestAnthropicToOpenAIUnknownBlockDegradesToText(t *testing.T) {
	req := &anthropic.Request{
		Model:     "m",
		MaxTokens: 1,
		Messages: []anthropic.Message{{
			Role: "user",
			Content: anthropic.BlockContent(
				anthropic.ContentBlock{Type: "image", Text: ""},
				anthropic.ContentBlock{Type: "text", Text: " and words"},
			),
		}},
	}

	out, err := AnthropicToOpenAI(req, "m", Options{})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	text := out.Messages[0].Text()
	if text == " and words" {
		t.Fatal("unknown block was dropped instead of degraded")
	}
	if text == "" {
		t.Fatal("content disappeared entirely")
	}
}

func TestOpenAIToAnthropicTextResponse(t *testing.T) {
	resp := &openai.Response{
		ID:    "chatcmpl-1",
		Model: "qwen3-max",
		Choices: []openai.Choice{{
			Message:      openai.Message{Role: "assistant", Content: openai.StringContent("hello there")},
			FinishReason: "stop",
		}},
		Usage: openai.Usage{PromptTokens: 9, CompletionTokens: 3},
	}

	out, err := OpenAIToAnthropic(resp, "claude-sonnet-4", Options{})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if out.Model != "claude-sonnet-4" {
		t.Fatalf("model = %q, want the client's model echoed", out.Model)
	}
	if out.StopReason != "end_turn" {
		t.Fatalf("stop_reason = %q", out.StopReason)
	}
	if len(out.Content) != 1 || out.Content[0].Text != "hello there" {
		t.Fatalf("content = %+v", out.Content)
	}
	if out.Usage.InputTokens != 9 || out.Usage.OutputTokens != 3 {
		t.Fatalf("usage = %+v", out.Usage)
	}
}

func TestOpenAIToAnthropicToolCalls(t *testing.T) {
	resp := &openai.Response{
		ID: "chatcmpl-2",
		Choices: []openai.Choice{{
			Message: openai.Message{
				Role:    "assistant",
				Content: nil,
				ToolCalls: []openai.ToolCall{{
					ID:   "call_1",
					Type: "function",
					Function: openai.ToolCallFunc{
						Name:      "get_time",
						Arguments: `{"tz":"UTC"}`,
					},
				}},
			},
			// Some providers report "stop" even with tool calls; tool_use
			// content still wins.
			FinishReason: "stop",
		}},
	}

	out, err := OpenAIToAnthropic(resp, "m", Options{})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if out.StopReason != "tool_use" {
		t.Fatalf("stop_reason = %q", out.StopReason)
	}
	block := out.Content[0]
	if block.Type != "tool_use" || block.ID != "call_1" || block.Name != "get_time" {
		t.Fatalf("block = %+v", block)
	}
	if block.Input["tz"] != "UTC" {
		t.Fatalf("input = %v", block.Input)
	}
}

func TestOpenAIToAnthropicBadToolArguments(t *testing.T) {
	resp := &openai.Response{
		Choices: []openai.Choice{{
			Message: openai.Message{
				Role: "assistant",
				ToolCalls: []openai.ToolCall{{
					ID:       "call_1",
					Function: openai.ToolCallFunc{Name: "f", Arguments: "{truncated"},
				}},
			},
			FinishReason: "tool_calls",
		}},
	}

	_, err := OpenAIToAnthropic(resp, "m", Options{})
	if gwerr.KindOf(err) != gwerr.KindResponseMalformed {
		t.Fatalf("err = %v, want ResponseMalformed", err)
	}
}

func TestOpenAIToAnthropicNoChoices(t *testing.T) {
	_, err := OpenAIToAnthropic(&openai.Response{}, "m", Options{})
	if gwerr.KindOf(err) != gwerr.KindResponseMalformed {
		t.Fatalf("err = %v, want ResponseMalformed", err)
	}
}

func TestMapFinishReason(t *testing.T) {
	cases := []struct {
		reason     string
		hasToolUse bool
		want       string
	}{
		{"stop", false, "end_turn"},
		{"length", false, "max_tokens"},
		{"tool_calls", false, "tool_use"},
		{"content_filter", false, "stop_sequence"},
		{"", false, "end_turn"},
		{"weird_vendor_reason", false, "end_turn"},
		{"stop", true, "tool_use"},
	}
	for _, tc := range cases {
		if got := mapFinishReason(tc.reason, tc.hasToolUse, Options{}.withDefaults()); got != tc.want {
			t.Errorf("mapFinishReason(%q, %t) = %q, want %q", tc.reason, tc.hasToolUse, got, tc.want)
		}
	}
}

func TestSafetyStopReasonOption(t *testing.T) {
	got := mapFinishReason("content_filter", false, Options{SafetyStopReason: "end_turn"}.withDefaults())
	if got != "end_turn" {
		t.Fatalf("stop_reason = %q", got)
	}
}

func TestOpenAIRequestToAnthropicFoldsLeadingSystem(t *testing.T) {
	in := &openai.Request{
		Model:     "m",
		MaxTokens: 32,
		Messages: []openai.Message{
			{Role: "system", Content: openai.StringContent("sys prompt")},
			{Role: "user", Content: openai.StringContent("q")},
			{Role: "assistant", Content: nil, ToolCalls: []openai.ToolCall{{
				ID:       "call_7",
				Function: openai.ToolCallFunc{Name: "calc", Arguments: `{"a":1}`},
			}}},
			{Role: "tool", ToolCallID: "call_7", Content: openai.StringContent("2")},
		},
	}

	out, err := OpenAIRequestToAnthropic(in)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if out.System == nil || out.System.Flatten() != "sys prompt" {
		t.Fatalf("system = %+v", out.System)
	}
	if len(out.Messages) != 3 {
		t.Fatalf("messages = %+v", out.Messages)
	}

	asst := out.Messages[1]
	if asst.Role != "assistant" || asst.Content.Blocks[0].Type != "tool_use" {
		t.Fatalf("assistant = %+v", asst)
	}
	if asst.Content.Blocks[0].ID != "call_7" {
		t.Fatalf("tool_use id = %q", asst.Content.Blocks[0].ID)
	}

	result := out.Messages[2]
	if result.Role != "user" {
		t.Fatalf("tool result role = %q", result.Role)
	}
	block := result.Content.Blocks[0]
	if block.Type != "tool_result" || block.ToolUseID != "call_7" {
		t.Fatalf("tool_result = %+v", block)
	}
	var resultText string
	if err := json.Unmarshal(block.Content, &resultText); err != nil || resultText != "2" {
		t.Fatalf("tool_result content = %s", block.Content)
	}
}

// A second trip through the translation pair must be a fixed point:
// whatever normalization happens, it happens once.
func TestRequestTranslationIsIdempotent(t *testing.T) {
	src := decodeAnthropic(t, `{
		"model": "m",
		"max_tokens": 256,
		"temperature": 0.7,
		"system": "be terse",
		"messages": [
			{"role": "user", "content": "what time is it?"},
			{"role": "assistant", "content": [
				{"type": "tool_use", "id": "toolu_1", "name": "get_time", "input": {"tz": "UTC"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "15:04"}
			]},
			{"role": "assistant", "content": "it is 15:04"},
			{"role": "user", "content": "thanks"}
		],
		"tools": [{"name": "get_time", "description": "clock", "input_schema": {"type": "object", "properties": {"tz": {"type": "string"}}}}],
		"tool_choice": {"type": "any"}
	}`)

	roundTrip := func(req *anthropic.Request) *anthropic.Request {
		t.Helper()
		o, err := AnthropicToOpenAI(req, "m", Options{})
		if err != nil {
			t.Fatalf("to openai: %v", err)
		}
		back, err := OpenAIRequestToAnthropic(o)
		if err != nil {
			t.Fatalf("back to anthropic: %v", err)
		}
		return back
	}

	once := roundTrip(src)
	twice := roundTrip(once)

	a, err := json.Marshal(once)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b, err := json.Marshal(twice)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("second trip changed the request:\nonce:  %s\ntwice: %s", a, b)
	}

	// Sanity on the fixed point itself: the conversation survived.
	if len(once.Messages) != 5 {
		t.Fatalf("messages = %d, want 5", len(once.Messages))
	}
	if once.System == nil || once.System.Flatten() != "be terse" {
		t.Fatalf("system = %+v", once.System)
	}
	if once.ToolChoice == nil || once.ToolChoice.Type != "any" {
		t.Fatalf("tool_choice = %+v", once.ToolChoice)
	}
}

func TestOpenAIRequestToAnthropicNonLeadingSystemBecomesUser(t *testing.T) {
	in := &openai.Request{
		Model: "m",
		Messages: []openai.Message{
			{Role: "user", Content: openai.StringContent("q")},
			{Role: "system", Content: openai.StringContent("mid-stream instruction")},
		},
	}

	out, err := OpenAIRequestToAnthropic(in)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if out.System != nil {
		t.Fatalf("system = %+v, want none", out.System)
	}
	if out.Messages[1].Role != "user" {
		t.Fatalf("demoted system role = %q", out.Messages[1].Role)
	}
}
