// Package gemini provides a streaming Completer for the Google Gemini API.
package gemini

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"net/http"
	"sync"

	"github.com/germanamz/relay/pkg/chats/content"
	"github.com/germanamz/relay/pkg/modeladapter"
	"github.com/germanamz/relay/pkg/modeladapter/usage"
	"github.com/germanamz/relay/pkg/tools/toolbox"
	"google.golang.org/genai"
)

const thoughtSignatureKey = "thoughtSignature"

var (
	_ modeladapter.Completer     = (*Adapter)(nil)
	_ modeladapter.Namer         = (*Adapter)(nil)
	_ modeladapter.UsageReporter = (*Adapter)(nil)
)

// Adapter implements modeladapter.Completer for the Google Gemini API.
type Adapter struct {
	modeladapter.ModelAdapter

	// SearchGrounding enables the Google Search tool. Grounding chunks are
	// reported as sources on the Finish event.
	SearchGrounding bool

	apiKey     string
	clientOnce sync.Once
	client     *genai.Client
	clientErr  error
}

// New creates an Adapter for the Gemini API. An empty baseURL uses the SDK
// default endpoint.
func New(baseURL, apiKey, model string) *Adapter {
	a := &Adapter{apiKey: apiKey}
	a.BaseURL = baseURL
	a.Name = model
	a.MaxTokens = 8192

	// HeaderParser is not set: the Gemini API does not return rate limit
	// headers, so the RateLimitedCompleter relies on proactive throttling.

	return a
}

// ProviderName implements modeladapter.Namer.
func (a *Adapter) ProviderName() string { return "gemini" }

func (a *Adapter) genaiClient(ctx context.Context) (*genai.Client, error) {
	a.clientOnce.Do(func() {
		a.client, a.clientErr = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:     a.apiKey,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: a.HTTPClient(),
			HTTPOptions: genai.HTTPOptions{
				BaseURL: a.BaseURL,
			},
		})
	})

	return a.client, a.clientErr
}

// Stream opens a streaming generation. The first response chunk is read
// before returning so that request failures, including 429s, surface as an
// error from Stream rather than from Recv.
func (a *Adapter) Stream(ctx context.Context, req modeladapter.Request) (modeladapter.Stream, error) {
	client, err := a.genaiClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}

	seq := client.Models.GenerateContentStream(ctx, a.Name, buildContents(req), a.buildConfig(req))
	next, stop := iter.Pull2(seq)

	s := &stream{adapter: a, next: next, stop: stop, seen: make(map[string]bool)}

	resp, err, ok := next()
	switch {
	case !ok:
		s.finish()
	case err != nil:
		stop()
		return nil, a.wrapError(err)
	default:
		s.handle(resp)
	}

	return s, nil
}

func (a *Adapter) wrapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
		return a.RateLimited(apiErr.Message)
	}

	return fmt.Errorf("gemini: %w", err)
}

func (a *Adapter) buildConfig(req modeladapter.Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}

	if a.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(min(a.MaxTokens, math.MaxInt32)) //nolint:gosec // clamped above
	}

	if a.Temperature != 0 {
		t := float32(a.Temperature)
		cfg.Temperature = &t
	}

	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	if decls := functionDeclarations(req.Tools); len(decls) > 0 {
		cfg.Tools = append(cfg.Tools, &genai.Tool{FunctionDeclarations: decls})
	}

	if a.SearchGrounding {
		cfg.Tools = append(cfg.Tools, &genai.Tool{GoogleSearch: &genai.GoogleSearch{}})
	}

	return cfg
}

func functionDeclarations(tools []toolbox.Tool) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))

	for _, t := range tools {
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}

		var params any
		if err := json.Unmarshal(sanitizeSchema(schema), &params); err != nil {
			continue
		}

		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: params,
		})
	}

	return decls
}

// buildContents converts the history into Gemini contents. Tool results are
// sent back on the user side as function responses.
func buildContents(req modeladapter.Request) []*genai.Content {
	segs := modeladapter.Segments(req.Messages)
	contents := make([]*genai.Content, 0, len(segs))

	for _, seg := range segs {
		switch seg.Kind {
		case modeladapter.SegmentUser:
			contents = append(contents, genai.NewContentFromText(seg.Text, genai.RoleUser))
		case modeladapter.SegmentModel:
			var parts []*genai.Part
			if seg.Text != "" {
				parts = append(parts, genai.NewPartFromText(seg.Text))
			}
			for _, call := range seg.Calls {
				parts = append(parts, functionCallPart(call))
			}
			contents = append(contents, genai.NewContentFromParts(parts, genai.RoleModel))
		case modeladapter.SegmentToolResults:
			parts := make([]*genai.Part, 0, len(seg.Calls))
			for _, call := range seg.Calls {
				parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					ID:       call.ToolCallID,
					Name:     call.ToolName,
					Response: functionResponse(call),
				}})
			}
			contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
		}
	}

	return contents
}

func functionCallPart(call content.ToolInvocation) *genai.Part {
	var args map[string]any
	if err := json.Unmarshal(call.Args, &args); err != nil || args == nil {
		args = map[string]any{}
	}

	part := &genai.Part{FunctionCall: &genai.FunctionCall{
		ID:   call.ToolCallID,
		Name: call.ToolName,
		Args: args,
	}}

	if sig := call.Metadata[thoughtSignatureKey]; sig != "" {
		if b, err := base64.StdEncoding.DecodeString(sig); err == nil {
			part.ThoughtSignature = b
		}
	}

	return part
}

// functionResponse wraps a tool result. JSON results are passed as values,
// anything else as a string. Failures use the "error" key.
func functionResponse(call content.ToolInvocation) map[string]any {
	key := "output"
	if call.IsError {
		key = "error"
	}

	var v any
	if err := json.Unmarshal([]byte(call.Result), &v); err != nil {
		v = call.Result
	}

	return map[string]any{key: v}
}

// sanitizeSchema removes JSON Schema keywords that the Gemini API does not
// support. It recurses into "properties" and "items".
func sanitizeSchema(raw json.RawMessage) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return raw
	}

	delete(obj, "$schema")
	delete(obj, "additionalProperties")

	if props, ok := obj["properties"]; ok {
		var propMap map[string]json.RawMessage
		if err := json.Unmarshal(props, &propMap); err == nil {
			for k, v := range propMap {
				propMap[k] = sanitizeSchema(v)
			}
			if b, err := json.Marshal(propMap); err == nil {
				obj["properties"] = b
			}
		}
	}

	if items, ok := obj["items"]; ok {
		obj["items"] = sanitizeSchema(items)
	}

	b, err := json.Marshal(obj)
	if err != nil {
		return raw
	}
	return b
}

// generateCallID creates a tool call ID for function calls the API returned
// without one.
func generateCallID(name string) string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("call_%s_%s", name, hex.EncodeToString(b))
}

// stream turns the pull iterator over response chunks into events. Text,
// function calls and newly seen grounding sources are queued as they arrive;
// sources, safety and usage are also accumulated and reported once on Finish.
type stream struct {
	adapter *Adapter
	next    func() (*genai.GenerateContentResponse, error, bool)
	stop    func()

	queue  []modeladapter.Event
	done   bool
	reason string
	usage  usage.TokenCount
	safety []modeladapter.SafetyRating
	srcs   []content.Source
	seen   map[string]bool
}

func (s *stream) Recv() (modeladapter.Event, error) {
	for len(s.queue) == 0 {
		if s.done {
			return nil, io.EOF
		}

		resp, err, ok := s.next()
		switch {
		case !ok:
			s.finish()
		case err != nil:
			s.done = true
			s.stop()
			return nil, s.adapter.wrapError(err)
		default:
			s.handle(resp)
		}
	}

	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, nil
}

func (s *stream) Close() error {
	s.done = true
	s.queue = nil
	s.stop()
	return nil
}

func (s *stream) handle(resp *genai.GenerateContentResponse) {
	if resp == nil {
		return
	}

	if um := resp.UsageMetadata; um != nil {
		s.usage = usage.TokenCount{
			InputTokens:  int(um.PromptTokenCount),
			OutputTokens: int(um.CandidatesTokenCount),
		}
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return
	}
	cand := resp.Candidates[0]

	if cand.FinishReason != "" {
		s.reason = string(cand.FinishReason)
	}

	if len(cand.SafetyRatings) > 0 {
		s.safety = s.safety[:0]
		for _, r := range cand.SafetyRatings {
			if r == nil {
				continue
			}
			s.safety = append(s.safety, modeladapter.SafetyRating{
				Category:    string(r.Category),
				Probability: string(r.Probability),
				Blocked:     r.Blocked,
			})
		}
	}

	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			switch {
			case p == nil || p.Thought:
			case p.FunctionCall != nil:
				s.queue = append(s.queue, toolCall(p))
			case p.Text != "":
				s.queue = append(s.queue, modeladapter.TextDelta{Text: p.Text})
			}
		}
	}

	if gm := cand.GroundingMetadata; gm != nil {
		for _, chunk := range gm.GroundingChunks {
			if chunk == nil || chunk.Web == nil || chunk.Web.URI == "" || s.seen[chunk.Web.URI] {
				continue
			}
			s.seen[chunk.Web.URI] = true
			src := content.Source{
				ID:    fmt.Sprintf("src_%d", len(s.srcs)+1),
				URL:   chunk.Web.URI,
				Title: chunk.Web.Title,
			}
			s.srcs = append(s.srcs, src)
			s.queue = append(s.queue, modeladapter.SourceEvent{Source: src})
		}
	}
}

func toolCall(p *genai.Part) modeladapter.ToolCall {
	fc := p.FunctionCall

	id := fc.ID
	if id == "" {
		id = generateCallID(fc.Name)
	}

	args, err := json.Marshal(fc.Args)
	if err != nil || fc.Args == nil {
		args = json.RawMessage(`{}`)
	}

	tc := modeladapter.ToolCall{ToolCallID: id, ToolName: fc.Name, Args: args}
	if len(p.ThoughtSignature) > 0 {
		tc.Metadata = map[string]string{
			thoughtSignatureKey: base64.StdEncoding.EncodeToString(p.ThoughtSignature),
		}
	}

	return tc
}

func (s *stream) finish() {
	s.done = true
	s.stop()
	s.adapter.Usage.Add(s.usage)
	s.queue = append(s.queue, modeladapter.Finish{
		Reason:  s.reason,
		Sources: s.srcs,
		Safety:  s.safety,
		Usage:   s.usage,
	})
}
