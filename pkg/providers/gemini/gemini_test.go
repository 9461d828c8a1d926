package gemini_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/germanamz/relay/pkg/chats/content"
	"github.com/germanamz/relay/pkg/chats/message"
	"github.com/germanamz/relay/pkg/chats/role"
	"github.com/germanamz/relay/pkg/modeladapter"
	"github.com/germanamz/relay/pkg/providers/gemini"
	"github.com/germanamz/relay/pkg/tools/toolbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *gemini.Adapter {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a := gemini.New(srv.URL+"/", "test-key", "gemini-test")
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

func TestStream_TextAndFinish(t *testing.T) {
	a := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/models/gemini-test:streamGenerateContent"))
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))

		req := readBody(t, r)
		assert.Contains(t, req, "systemInstruction")
		contents, _ := req["contents"].([]any)
		assert.Len(t, contents, 1)

		writeSSE(t, w,
			map[string]any{"candidates": []any{map[string]any{
				"content": map[string]any{"role": "model", "parts": []any{map[string]any{"text": "Hello"}}},
			}}},
			map[string]any{
				"candidates": []any{map[string]any{
					"content":      map[string]any{"role": "model", "parts": []any{map[string]any{"text": " world"}}},
					"finishReason": "STOP",
					"safetyRatings": []any{map[string]any{
						"category": "HARM_CATEGORY_HARASSMENT", "probability": "NEGLIGIBLE",
					}},
				}},
				"usageMetadata": map[string]any{"promptTokenCount": 12, "candidatesTokenCount": 4},
			},
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
	assert.Equal(t, modeladapter.TextDelta{Text: " world"}, events[1])

	fin, ok := events[2].(modeladapter.Finish)
	require.True(t, ok)
	assert.Equal(t, "STOP", fin.Reason)
	assert.Equal(t, 12, fin.Usage.InputTokens)
	assert.Equal(t, 4, fin.Usage.OutputTokens)
	assert.Equal(t, []modeladapter.SafetyRating{{Category: "HARM_CATEGORY_HARASSMENT", Probability: "NEGLIGIBLE"}}, fin.Safety)

	assert.Equal(t, 12, a.UsageTracker().Total().InputTokens)
}

func TestStream_FunctionCall(t *testing.T) {
	a := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		req := readBody(t, r)
		tools, _ := req["tools"].([]any)
		require.Len(t, tools, 1)

		writeSSE(t, w, map[string]any{"candidates": []any{map[string]any{
			"content": map[string]any{"role": "model", "parts": []any{map[string]any{
				"functionCall": map[string]any{"name": "get_local_time", "args": map[string]any{"tz": "UTC"}},
			}}},
			"finishReason": "STOP",
		}}})
	})

	s, err := a.Stream(context.Background(), modeladapter.Request{
		Messages: []message.Message{message.NewText(role.User, "time?")},
		Tools: []toolbox.Tool{{
			Name:        "get_local_time",
			Description: "Returns the local time",
			InputSchema: json.RawMessage(`{"type":"object","additionalProperties":false,"properties":{"tz":{"type":"string"}}}`),
		}},
	})
	require.NoError(t, err)

	events := collect(t, s)
	require.Len(t, events, 2)

	call, ok := events[0].(modeladapter.ToolCall)
	require.True(t, ok)
	assert.Equal(t, "get_local_time", call.ToolName)
	assert.True(t, strings.HasPrefix(call.ToolCallID, "call_get_local_time_"))
	assert.JSONEq(t, `{"tz":"UTC"}`, string(call.Args))
}

func TestStream_GroundingSources(t *testing.T) {
	a := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		req := readBody(t, r)
		tools, _ := req["tools"].([]any)
		require.Len(t, tools, 1)
		assert.Contains(t, tools[0], "googleSearch")

		chunk := map[string]any{"web": map[string]any{"uri": "https://example.com/a", "title": "A"}}
		writeSSE(t, w,
			map[string]any{"candidates": []any{map[string]any{
				"content":           map[string]any{"role": "model", "parts": []any{map[string]any{"text": "Grounded."}}},
				"groundingMetadata": map[string]any{"groundingChunks": []any{chunk}},
			}}},
			map[string]any{"candidates": []any{map[string]any{
				"finishReason": "STOP",
				"groundingMetadata": map[string]any{"groundingChunks": []any{
					chunk,
					map[string]any{"web": map[string]any{"uri": "https://example.com/b"}},
				}},
			}}},
		)
	})
	a.SearchGrounding = true

	s, err := a.Stream(context.Background(), modeladapter.Request{
		Messages: []message.Message{message.NewText(role.User, "news?")},
	})
	require.NoError(t, err)

	events := collect(t, s)
	require.Len(t, events, 4)

	want := []content.Source{
		{ID: "src_1", URL: "https://example.com/a", Title: "A"},
		{ID: "src_2", URL: "https://example.com/b"},
	}

	assert.Equal(t, modeladapter.TextDelta{Text: "Grounded."}, events[0])
	// Each source is streamed once, when first seen.
	assert.Equal(t, modeladapter.SourceEvent{Source: want[0]}, events[1])
	assert.Equal(t, modeladapter.SourceEvent{Source: want[1]}, events[2])

	fin := events[3].(modeladapter.Finish)
	assert.Equal(t, want, fin.Sources)
}

func TestStream_RateLimited(t *testing.T) {
	a := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"quota exceeded","status":"RESOURCE_EXHAUSTED"}}`))
	})

	_, err := a.Stream(context.Background(), modeladapter.Request{
		Messages: []message.Message{message.NewText(role.User, "hi")},
	})

	var rle *modeladapter.RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, "quota exceeded", rle.Body)
	assert.Equal(t, "rate limited (retry after 3s): quota exceeded", rle.Error())
}

func TestStream_ServerError(t *testing.T) {
	a := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":500,"message":"boom","status":"INTERNAL"}}`))
	})

	_, err := a.Stream(context.Background(), modeladapter.Request{
		Messages: []message.Message{message.NewText(role.User, "hi")},
	})

	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "gemini: "))

	var rle *modeladapter.RateLimitError
	assert.False(t, errors.As(err, &rle))
}

func TestAdapter_Defaults(t *testing.T) {
	a := gemini.New("", "key", "gemini-2.5-flash")

	assert.Equal(t, "gemini", a.ProviderName())
	assert.Equal(t, "gemini-2.5-flash", a.Name)
	assert.Equal(t, 8192, a.ModelMaxTokens())
}
