package toolbox

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolHandler_ReceivesConversation(t *testing.T) {
	tool := Tool{
		Name:        "whoami",
		Description: "Returns the conversation id",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Handler: func(_ context.Context, conv Conversation, _ json.RawMessage) (string, error) {
			return conv.ID(), nil
		},
	}

	result, err := tool.Handler(context.Background(), ConversationID("conv-7"), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "conv-7", result)
	assert.False(t, tool.ConfirmationOnly())
}

func TestTool_ConfirmationOnly(t *testing.T) {
	tool := Tool{Name: "ask_permission"}
	assert.True(t, tool.ConfirmationOnly())
}
