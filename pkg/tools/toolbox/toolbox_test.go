package toolbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/germanamz/relay/pkg/chats/content"
	"github.com/germanamz/relay/pkg/chats/message"
	"github.com/germanamz/relay/pkg/chats/role"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(_ context.Context, _ Conversation, input json.RawMessage) (string, error) {
	return string(input), nil
}

func newEchoTool(name string) Tool {
	return Tool{
		Name:        name,
		Description: "Echoes input",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Handler:     echoHandler,
	}
}

func TestNew(t *testing.T) {
	tb := New()
	assert.NotNil(t, tb)
	assert.Empty(t, tb.Tools())
	assert.Empty(t, tb.Gated())
}

func TestRegisterAndGet(t *testing.T) {
	tb := New()
	tb.Register(newEchoTool("echo"))

	got, ok := tb.Get("echo")
	assert.True(t, ok)
	assert.Equal(t, "echo", got.Name)

	_, ok = tb.Get("missing")
	assert.False(t, ok)
}

func TestRegisterReplace(t *testing.T) {
	tb := New()
	tb.Register(Tool{Name: "tool", Description: "original", Handler: echoHandler})
	tb.Register(Tool{Name: "tool", Description: "replaced", Handler: echoHandler})

	got, ok := tb.Get("tool")
	require.True(t, ok)
	assert.Equal(t, "replaced", got.Description)
	assert.Len(t, tb.Tools(), 1)
}

func TestTools_Sorted(t *testing.T) {
	tb := New()
	tb.Register(newEchoTool("c"), newEchoTool("a"), newEchoTool("b"))

	var names []string
	for _, tool := range tb.Tools() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)
}

func TestRequireConfirmation(t *testing.T) {
	tb := New()
	tb.Register(newEchoTool("weather"), newEchoTool("time"))
	tb.RequireConfirmation("weather")

	assert.True(t, tb.IsGated("weather"))
	assert.False(t, tb.IsGated("time"))
	assert.Equal(t, []string{"weather"}, tb.Gated())
}

func TestMerge(t *testing.T) {
	tb1 := New()
	tb1.Register(newEchoTool("a"))

	tb2 := New()
	tb2.Register(newEchoTool("b"))
	tb2.RequireConfirmation("b")

	tb1.Merge(tb2)

	assert.Len(t, tb1.Tools(), 2)
	assert.True(t, tb1.IsGated("b"))
}

func TestFilter(t *testing.T) {
	tb := New()
	tb.Register(newEchoTool("a"), newEchoTool("b"), newEchoTool("c"))
	tb.RequireConfirmation("c")

	filtered := tb.Filter([]string{"a", "c", "missing"})

	assert.Len(t, filtered.Tools(), 2)
	_, ok := filtered.Get("b")
	assert.False(t, ok)
	assert.True(t, filtered.IsGated("c"))
}

// --- Validate ---

func TestValidate_OK(t *testing.T) {
	tb := New()
	tb.Register(newEchoTool("auto"), Tool{Name: "confirm_only", InputSchema: json.RawMessage(`{"type":"object"}`)})
	tb.RequireConfirmation("confirm_only")

	assert.NoError(t, tb.Validate())
}

func TestValidate_GatedNotRegistered(t *testing.T) {
	tb := New()
	tb.RequireConfirmation("ghost")

	err := tb.Validate()
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "ghost", cfgErr.Tool)
}

func TestValidate_MissingHandler(t *testing.T) {
	tb := New()
	tb.Register(Tool{Name: "noop"})

	err := tb.Validate()
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Error(), "no handler")
}

func TestValidate_BadSchema(t *testing.T) {
	tb := New()
	tb.Register(Tool{Name: "bad", Handler: echoHandler, InputSchema: json.RawMessage(`{"type": 12}`)})

	err := tb.Validate()
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "bad", cfgErr.Tool)
}

// --- ValidateArgs ---

func TestValidateArgs(t *testing.T) {
	tb := New()
	tb.Register(Tool{
		Name:    "weather",
		Handler: echoHandler,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"city": {"type": "string"}},
			"required": ["city"]
		}`),
	})

	assert.NoError(t, tb.ValidateArgs("weather", json.RawMessage(`{"city":"Lisbon"}`)))
	assert.Error(t, tb.ValidateArgs("weather", json.RawMessage(`{}`)))
	assert.Error(t, tb.ValidateArgs("weather", json.RawMessage(`{"city":3}`)))
	assert.Error(t, tb.ValidateArgs("weather", json.RawMessage(`not json`)))
}

func TestValidateArgs_NoSchema(t *testing.T) {
	tb := New()
	tb.Register(Tool{Name: "free", Handler: echoHandler})

	assert.NoError(t, tb.ValidateArgs("free", nil))
	assert.NoError(t, tb.ValidateArgs("free", json.RawMessage(`{"anything":true}`)))
}

func TestValidateArgs_UnknownTool(t *testing.T) {
	tb := New()

	err := tb.ValidateArgs("ghost", nil)
	var cfgErr *ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

// --- CheckHistory ---

func TestCheckHistory(t *testing.T) {
	tb := New()
	tb.Register(newEchoTool("known"))

	ok := []message.Message{
		message.NewText(role.User, "hi"),
		message.New(role.Assistant, content.ToolInvocation{ToolCallID: "1", ToolName: "known", State: content.StateCall}),
	}
	assert.NoError(t, tb.CheckHistory(ok))

	resolvedUnknown := []message.Message{
		message.New(role.Assistant, content.ToolInvocation{ToolCallID: "1", ToolName: "retired", State: content.StateResult, Result: "x"}),
	}
	assert.NoError(t, tb.CheckHistory(resolvedUnknown))

	bad := []message.Message{
		message.New(role.Assistant, content.ToolInvocation{ToolCallID: "2", ToolName: "ghost", State: content.StateCall}),
	}
	err := tb.CheckHistory(bad)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "ghost", cfgErr.Tool)
}
