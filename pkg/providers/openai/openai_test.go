package openai_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/germanamz/relay/pkg/chats/content"
	"github.com/germanamz/relay/pkg/chats/message"
	"github.com/germanamz/relay/pkg/chats/role"
	"github.com/germanamz/relay/pkg/modeladapter"
	"github.com/germanamz/relay/pkg/providers/openai"
	"github.com/germanamz/relay/pkg/tools/toolbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *openai.Adapter {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a := openai.New(srv.URL+"/v1", "sk-test", "gpt-test")
	a.Client = srv.Client()

	return a
}

func writeSSE(t *testing.T, w http.ResponseWriter, chunks ...any) {
	t.Helper()

	w.Header().Set("Content-Type", "text/event-stream")
	for _, c := range chunks {
		b, err := json.Marshal(c)
		require.NoError(t, err)
		_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
	}
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
}

func delta(d map[string]any, finish any) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion.chunk",
		"choices": []any{map[string]any{"index": 0, "delta": d, "finish_reason": finish}},
	}
}

func readBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()

	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)

	var req map[string]any
	require.NoError(t, json.Unmarshal(body, &req))

	return req
}

func collect(t *testing.T, s modeladapter.Stream) []modeladapter.Event {
	t.Helper()
	defer func() { _ = s.Close() }()

	var events []modeladapter.Event
	for {
		ev, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestStream_Text(t *testing.T) {
	a := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		req := readBody(t, r)
		assert.Equal(t, "gpt-test", req["model"])
		assert.Equal(t, true, req["stream"])
		assert.Equal(t, map[string]any{"include_usage": true}, req["stream_options"])

		msgs, _ := req["messages"].([]any)
		require.Len(t, msgs, 2)
		first, _ := msgs[0].(map[string]any)
		assert.Equal(t, "system", first["role"])

		writeSSE(t, w,
			delta(map[string]any{"role": "assistant", "content": "Hello"}, nil),
			delta(map[string]any{"content": " there"}, "stop"),
			map[string]any{"choices": []any{}, "usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 2}},
		)
	})

	s, err := a.Stream(context.Background(), modeladapter.Request{
		System:   "You are helpful.",
		Messages: []message.Message{message.NewText(role.User, "Hi")},
	})
	require.NoError(t, err)

	events := collect(t, s)
	require.Len(t, events, 3)
	assert.Equal(t, modeladapter.TextDelta{Text: "Hello"}, events[0])
	assert.Equal(t, modeladapter.TextDelta{Text: " there"}, events[1])

	fin, ok := events[2].(modeladapter.Finish)
	require.True(t, ok)
	assert.Equal(t, "stop", fin.Reason)
	assert.Equal(t, 10, fin.Usage.InputTokens)
	assert.Equal(t, 2, fin.Usage.OutputTokens)

	last, ok := a.Usage.Last()
	require.True(t, ok)
	assert.Equal(t, 10, last.InputTokens)
}

func TestStream_ToolCallDeltas(t *testing.T) {
	a := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		req := readBody(t, r)
		tools, _ := req["tools"].([]any)
		require.Len(t, tools, 1)
		tool, _ := tools[0].(map[string]any)
		assert.Equal(t, "function", tool["type"])

		writeSSE(t, w,
			delta(map[string]any{"tool_calls": []any{
				map[string]any{"index": 0, "id": "call_a", "type": "function", "function": map[string]any{"name": "get_local_time", "arguments": ""}},
				map[string]any{"index": 1, "id": "call_b", "type": "function", "function": map[string]any{"name": "get_weather_information", "arguments": `{"ci`}},
			}}, nil),
			delta(map[string]any{"tool_calls": []any{
				map[string]any{"index": 1, "function": map[string]any{"arguments": `ty":"Paris"}`}},
			}}, nil),
			delta(map[string]any{}, "tool_calls"),
		)
	})

	s, err := a.Stream(context.Background(), modeladapter.Request{
		Messages: []message.Message{message.NewText(role.User, "time and weather?")},
		Tools: []toolbox.Tool{{
			Name:        "get_local_time",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}},
	})
	require.NoError(t, err)

	events := collect(t, s)
	require.Len(t, events, 3)

	assert.Equal(t, modeladapter.ToolCall{
		ToolCallID: "call_a", ToolName: "get_local_time", Args: json.RawMessage(`{}`),
	}, events[0])
	assert.Equal(t, modeladapter.ToolCall{
		ToolCallID: "call_b", ToolName: "get_weather_information", Args: json.RawMessage(`{"city":"Paris"}`),
	}, events[1])
	assert.Equal(t, "tool_calls", events[2].(modeladapter.Finish).Reason)
}

func TestStream_ReplaysToolResults(t *testing.T) {
	a := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		req := readBody(t, r)
		msgs, _ := req["messages"].([]any)
		require.Len(t, msgs, 3)

		assistant, _ := msgs[1].(map[string]any)
		assert.Equal(t, "assistant", assistant["role"])
		calls, _ := assistant["tool_calls"].([]any)
		require.Len(t, calls, 1)

		tool, _ := msgs[2].(map[string]any)
		assert.Equal(t, "tool", tool["role"])
		assert.Equal(t, "c1", tool["tool_call_id"])
		assert.Equal(t, "Error: User denied access to tool execution", tool["content"])

		writeSSE(t, w, delta(map[string]any{"content": "Understood."}, "stop"))
	})

	denied := content.ToolInvocation{
		ToolCallID: "c1",
		ToolName:   "get_weather_information",
		Args:       json.RawMessage(`{"city":"Paris"}`),
	}.WithResult("Error: User denied access to tool execution", false)

	s, err := a.Stream(context.Background(), modeladapter.Request{
		Messages: []message.Message{
			message.NewText(role.User, "weather?"),
			message.New(role.Assistant, denied),
		},
	})
	require.NoError(t, err)

	events := collect(t, s)
	assert.Equal(t, modeladapter.TextDelta{Text: "Understood."}, events[0])
}

func TestStream_RateLimited(t *testing.T) {
	a := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "5")
		w.Header().Set("x-ratelimit-remaining-requests", "0")
		w.Header().Set("x-ratelimit-remaining-tokens", "100")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit_exceeded"}}`))
	})

	_, err := a.Stream(context.Background(), modeladapter.Request{
		Messages: []message.Message{message.NewText(role.User, "hi")},
	})

	var rle *modeladapter.RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, "slow down", rle.Body)
	assert.Equal(t, "rate limited (retry after 5s): slow down", rle.Error())

	info := a.LastRateLimitInfo()
	require.NotNil(t, info)
	assert.Equal(t, 0, info.RemainingRequests)
}

func TestStream_BadRequest(t *testing.T) {
	a := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad tools","type":"invalid_request_error"}}`))
	})

	_, err := a.Stream(context.Background(), modeladapter.Request{
		Messages: []message.Message{message.NewText(role.User, "hi")},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "openai: ")
	assert.Contains(t, err.Error(), "bad tools")
}

func TestNew_Defaults(t *testing.T) {
	a := openai.New("", "sk", "gpt-4o-mini")

	assert.Equal(t, openai.DefaultBaseURL, a.BaseURL)
	assert.Equal(t, "openai", a.ProviderName())
	assert.Equal(t, 4096, a.ModelMaxTokens())
}
