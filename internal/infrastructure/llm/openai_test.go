package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/rcrelay/rcrelay/internal/gwerr"
	"github.com/rcrelay/rcrelay/internal/infrastructure/pool"
	"github.com/rcrelay/rcrelay/internal/wire/anthropic"
)

func testDeps(t *testing.T) Deps {
	t.Helper()
	p := pool.New(pool.Config{}, zap.NewNop())
	t.Cleanup(p.Close)
	return Deps{Pool: p, Logger: zap.NewNop()}
}

func newTestClient(t *testing.T, baseURL string) *OpenAIClient {
	t.Helper()
	c, err := NewOpenAIClient(ProviderConfig{
		ID:      "test",
		Kind:    KindOpenAI,
		BaseURL: baseURL,
		APIKey:  "sk-test",
	}, testDeps(t))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func simpleRequest(stream bool) *anthropic.Request {
	return &anthropic.Request{
		Model:     "claude-sonnet-4",
		MaxTokens: 128,
		Stream:    stream,
		Messages: []anthropic.Message{
			{Role: "user", Content: anthropic.TextContent("hello")},
		},
	}
}

func TestCompleteTranslatesRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"model": "qwen3-max",
			"choices": [{"index":0,"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],
			"usage": {"prompt_tokens": 9, "completion_tokens": 3, "total_tokens": 12}
		}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	resp, err := c.Complete(context.Background(), simpleRequest(false), "qwen3-max")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	if resp.Model != "claude-sonnet-4" {
		t.Errorf("model = %s, want the client's model echoed", resp.Model)
	}
	if resp.StopReason != "end_turn" {
		t.Errorf("stop_reason = %s, want end_turn", resp.StopReason)
	}
	if len(resp.Content) != 1 || resp.Content[0].Text != "hi there" {
		t.Errorf("content = %+v", resp.Content)
	}
	if resp.Usage.InputTokens != 9 || resp.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestCompleteClassifiesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"error":{"message":"upstream exploded","type":"server_error"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Complete(context.Background(), simpleRequest(false), "m")
	if gwerr.KindOf(err) != gwerr.KindProviderHTTP5xx {
		t.Fatalf("kind = %v, want ProviderHTTP5xx (err=%v)", gwerr.KindOf(err), err)
	}
	if !gwerr.Retryable(err) {
		t.Fatal("5xx should be retryable")
	}
	ge := gwerr.AsError(err)
	if ge.Status != http.StatusBadGateway || ge.Provider != "test" {
		t.Fatalf("error context = %+v", ge)
	}
}

func TestCompleteClassifiesClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Complete(context.Background(), simpleRequest(false), "m")
	if gwerr.KindOf(err) != gwerr.KindProviderHTTP4xx {
		t.Fatalf("kind = %v, want ProviderHTTP4xx", gwerr.KindOf(err))
	}
	if gwerr.Retryable(err) {
		t.Fatal("401 must not be retryable")
	}
}

func TestCompleteClassifiesConnectionRefused(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1") // nothing listens here
	_, err := c.Complete(context.Background(), simpleRequest(false), "m")
	if gwerr.KindOf(err) != gwerr.KindTransport {
		t.Fatalf("kind = %v, want TransportError", gwerr.KindOf(err))
	}
	if !gwerr.Retryable(err) {
		t.Fatal("transport error should be retryable")
	}
}

func TestStreamTranslatesEventSequence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"},"finish_reason":null}]}`,
			`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":null}]}`,
			`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}`,
		}
		for _, ch := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", ch)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	var events []anthropic.StreamEvent
	err := c.Stream(context.Background(), simpleRequest(true), "m", func(ev anthropic.StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var types []string
	var text string
	for _, ev := range events {
		types = append(types, ev.Type)
		if ev.Type == "content_block_delta" && ev.Delta != nil {
			text += ev.Delta.Text
		}
	}

	want := []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s (all: %v)", i, types[i], want[i], types)
		}
	}
	if text != "Hello" {
		t.Fatalf("assembled text = %q, want Hello", text)
	}
}

func TestDiscoverModelsStampsFallbackWindows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("path = %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"object":"list","data":[
			{"id":"qwen-coder-plus"},
			{"id":"qwen-long"},
			{"id":"small-model","context_length":4096}
		]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	models, err := c.DiscoverModels(context.Background())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}

	byName := map[string]int{}
	for _, m := range models {
		byName[m.Name] = m.MaxTokens
	}
	if byName["qwen-coder-plus"] != 131072 {
		t.Errorf("coder window = %d, want 131072", byName["qwen-coder-plus"])
	}
	if byName["qwen-long"] != 200000 {
		t.Errorf("long window = %d, want 200000", byName["qwen-long"])
	}
	if byName["small-model"] != 4096 {
		t.Errorf("reported window = %d, want 4096 kept", byName["small-model"])
	}
}

func TestFallbackMaxTokensTable(t *testing.T) {
	cases := []struct {
		model string
		want  int
	}{
		{"qwen-1m-preview", 1000000},
		{"glm-128k", 131072},
		{"something-256k", 262144},
		{"deepseek-long", 200000},
		{"qwen3-coder", 131072},
		{"plain-model", 8192},
	}
	for _, tc := range cases {
		if got := FallbackMaxTokens(tc.model); got != tc.want {
			t.Errorf("FallbackMaxTokens(%q) = %d, want %d", tc.model, got, tc.want)
		}
	}
}
