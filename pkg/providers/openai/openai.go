// Package openai provides a streaming Completer for the OpenAI Chat
// Completions API and compatible endpoints.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"

	"github.com/germanamz/relay/pkg/modeladapter"
	"github.com/germanamz/relay/pkg/modeladapter/usage"
	"github.com/germanamz/relay/pkg/tools/toolbox"
	"github.com/google/uuid"
	goopenai "github.com/sashabaranov/go-openai"
)

// DefaultBaseURL is the OpenAI API root, including the version prefix.
const DefaultBaseURL = "https://api.openai.com/v1"

var (
	_ modeladapter.Completer             = (*Adapter)(nil)
	_ modeladapter.Namer                 = (*Adapter)(nil)
	_ modeladapter.RateLimitInfoReporter = (*Adapter)(nil)
)

// Adapter implements modeladapter.Completer for the OpenAI Chat Completions API.
type Adapter struct {
	modeladapter.ModelAdapter

	apiKey     string
	clientOnce sync.Once
	client     *goopenai.Client
}

// New creates an Adapter. An empty baseURL uses DefaultBaseURL.
func New(baseURL, apiKey, model string) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	a := &Adapter{apiKey: apiKey}
	a.BaseURL = baseURL
	a.Name = model
	a.MaxTokens = 4096
	a.HeaderParser = modeladapter.ParseOpenAIRateLimitHeaders

	return a
}

// ProviderName implements modeladapter.Namer.
func (a *Adapter) ProviderName() string { return "openai" }

func (a *Adapter) sdk() *goopenai.Client {
	a.clientOnce.Do(func() {
		cfg := goopenai.DefaultConfig(a.apiKey)
		cfg.BaseURL = a.BaseURL
		cfg.HTTPClient = a.HTTPClient()
		a.client = goopenai.NewClientWithConfig(cfg)
	})

	return a.client
}

// Stream opens a streaming chat completion.
func (a *Adapter) Stream(ctx context.Context, req modeladapter.Request) (modeladapter.Stream, error) {
	s, err := a.sdk().CreateChatCompletionStream(ctx, a.buildRequest(req))
	if err != nil {
		return nil, a.wrapError(err)
	}

	return &stream{adapter: a, sdk: s, calls: make(map[int]*pendingCall)}, nil
}

func (a *Adapter) wrapError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return a.RateLimited(apiErr.Message)
	}

	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return a.RateLimited(string(reqErr.Body))
	}

	return fmt.Errorf("openai: %w", err)
}

func (a *Adapter) buildRequest(req modeladapter.Request) goopenai.ChatCompletionRequest {
	return goopenai.ChatCompletionRequest{
		Model:         a.Name,
		MaxTokens:     a.MaxTokens,
		Temperature:   float32(a.Temperature),
		Messages:      buildMessages(req),
		Tools:         buildTools(req.Tools),
		StreamOptions: &goopenai.StreamOptions{IncludeUsage: true},
	}
}

func buildMessages(req modeladapter.Request) []goopenai.ChatCompletionMessage {
	var msgs []goopenai.ChatCompletionMessage

	if req.System != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	for _, seg := range modeladapter.Segments(req.Messages) {
		switch seg.Kind {
		case modeladapter.SegmentUser:
			msgs = append(msgs, goopenai.ChatCompletionMessage{
				Role:    goopenai.ChatMessageRoleUser,
				Content: seg.Text,
			})
		case modeladapter.SegmentModel:
			m := goopenai.ChatCompletionMessage{
				Role:    goopenai.ChatMessageRoleAssistant,
				Content: seg.Text,
			}
			for _, call := range seg.Calls {
				args := string(call.Args)
				if args == "" {
					args = "{}"
				}
				m.ToolCalls = append(m.ToolCalls, goopenai.ToolCall{
					ID:   call.ToolCallID,
					Type: goopenai.ToolTypeFunction,
					Function: goopenai.FunctionCall{
						Name:      call.ToolName,
						Arguments: args,
					},
				})
			}
			msgs = append(msgs, m)
		case modeladapter.SegmentToolResults:
			for _, call := range seg.Calls {
				msgs = append(msgs, goopenai.ChatCompletionMessage{
					Role:       goopenai.ChatMessageRoleTool,
					Content:    call.Result,
					ToolCallID: call.ToolCallID,
				})
			}
		}
	}

	return msgs
}

func buildTools(tools []toolbox.Tool) []goopenai.Tool {
	if len(tools) == 0 {
		return nil
	}

	out := make([]goopenai.Tool, len(tools))
	for i, t := range tools {
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out[i] = goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		}
	}

	return out
}

type pendingCall struct {
	id   string
	name string
	args []byte
}

// stream converts chat completion chunks into events. Tool call fragments
// are accumulated by index and emitted once the choice finishes.
type stream struct {
	adapter *Adapter
	sdk     *goopenai.ChatCompletionStream

	queue  []modeladapter.Event
	calls  map[int]*pendingCall
	done   bool
	reason string
	usage  usage.TokenCount
}

func (s *stream) Recv() (modeladapter.Event, error) {
	for len(s.queue) == 0 {
		if s.done {
			return nil, io.EOF
		}

		chunk, err := s.sdk.Recv()
		switch {
		case errors.Is(err, io.EOF):
			s.finish()
		case err != nil:
			s.done = true
			return nil, s.adapter.wrapError(err)
		default:
			s.handle(chunk)
		}
	}

	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, nil
}

func (s *stream) Close() error {
	s.done = true
	s.queue = nil
	return s.sdk.Close()
}

func (s *stream) handle(chunk goopenai.ChatCompletionStreamResponse) {
	if chunk.Usage != nil {
		s.usage = usage.TokenCount{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
		}
	}

	if len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]

	if choice.Delta.Content != "" {
		s.queue = append(s.queue, modeladapter.TextDelta{Text: choice.Delta.Content})
	}

	for i, tc := range choice.Delta.ToolCalls {
		idx := i
		if tc.Index != nil {
			idx = *tc.Index
		}

		pc, ok := s.calls[idx]
		if !ok {
			pc = &pendingCall{}
			s.calls[idx] = pc
		}
		if tc.ID != "" {
			pc.id = tc.ID
		}
		if tc.Function.Name != "" {
			pc.name = tc.Function.Name
		}
		pc.args = append(pc.args, tc.Function.Arguments...)
	}

	if choice.FinishReason != "" {
		s.reason = string(choice.FinishReason)
		s.flushCalls()
	}
}

func (s *stream) flushCalls() {
	indexes := make([]int, 0, len(s.calls))
	for idx := range s.calls {
		indexes = append(indexes, idx)
	}
	slices.Sort(indexes)

	for _, idx := range indexes {
		pc := s.calls[idx]
		args := json.RawMessage(pc.args)
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		if pc.id == "" {
			pc.id = "call_" + uuid.NewString()
		}
		s.queue = append(s.queue, modeladapter.ToolCall{
			ToolCallID: pc.id,
			ToolName:   pc.name,
			Args:       args,
		})
	}

	clear(s.calls)
}

func (s *stream) finish() {
	s.flushCalls()
	s.done = true
	s.adapter.Usage.Add(s.usage)
	s.queue = append(s.queue, modeladapter.Finish{Reason: s.reason, Usage: s.usage})
}
