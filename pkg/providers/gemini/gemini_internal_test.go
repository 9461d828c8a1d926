package gemini

import (
	"encoding/json"
	"testing"

	"github.com/germanamz/relay/pkg/chats/content"
	"github.com/germanamz/relay/pkg/chats/message"
	"github.com/germanamz/relay/pkg/chats/role"
	"github.com/germanamz/relay/pkg/modeladapter"
	"github.com/germanamz/relay/pkg/tools/toolbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestBuildContents(t *testing.T) {
	call := content.ToolInvocation{
		ToolCallID: "c1",
		ToolName:   "get_weather_information",
		Args:       json.RawMessage(`{"city":"Paris"}`),
		State:      content.StateResult,
		Result:     `{"temp":21}`,
		Metadata:   map[string]string{thoughtSignatureKey: "c2ln"},
	}

	contents := buildContents(modeladapter.Request{Messages: []message.Message{
		message.NewText(role.User, "weather in Paris?"),
		message.New(role.Assistant, content.Text{Text: "Checking."}, call, content.Text{Text: "It is warm."}),
	}})

	require.Len(t, contents, 4)
	assert.Equal(t, genai.RoleUser, contents[0].Role)
	assert.Equal(t, genai.RoleModel, contents[1].Role)
	require.Len(t, contents[1].Parts, 2)
	assert.Equal(t, "Checking.", contents[1].Parts[0].Text)

	fc := contents[1].Parts[1].FunctionCall
	require.NotNil(t, fc)
	assert.Equal(t, "c1", fc.ID)
	assert.Equal(t, map[string]any{"city": "Paris"}, fc.Args)
	assert.Equal(t, []byte("sig"), contents[1].Parts[1].ThoughtSignature)

	assert.Equal(t, genai.RoleUser, contents[2].Role)
	fr := contents[2].Parts[0].FunctionResponse
	require.NotNil(t, fr)
	assert.Equal(t, "get_weather_information", fr.Name)
	assert.Equal(t, map[string]any{"output": map[string]any{"temp": float64(21)}}, fr.Response)

	assert.Equal(t, "It is warm.", contents[3].Parts[0].Text)
}

func TestFunctionResponse(t *testing.T) {
	tests := []struct {
		name string
		inv  content.ToolInvocation
		want map[string]any
	}{
		{name: "plain text", inv: content.ToolInvocation{Result: "10:00"}, want: map[string]any{"output": "10:00"}},
		{name: "json", inv: content.ToolInvocation{Result: `[1,2]`}, want: map[string]any{"output": []any{float64(1), float64(2)}}},
		{name: "error", inv: content.ToolInvocation{Result: "Error: boom", IsError: true}, want: map[string]any{"error": "Error: boom"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, functionResponse(tt.inv))
		})
	}
}

func TestSanitizeSchema(t *testing.T) {
	in := json.RawMessage(`{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"tags": {"type": "array", "items": {"type": "object", "additionalProperties": true}}
		}
	}`)

	assert.JSONEq(t,
		`{"type":"object","properties":{"tags":{"type":"array","items":{"type":"object"}}}}`,
		string(sanitizeSchema(in)))
}

func TestFunctionDeclarations_DefaultSchema(t *testing.T) {
	decls := functionDeclarations(nil)
	assert.Empty(t, decls)

	decls = functionDeclarations([]toolbox.Tool{{Name: "noop"}})
	require.Len(t, decls, 1)
	assert.Equal(t, map[string]any{"type": "object"}, decls[0].ParametersJsonSchema)
}
