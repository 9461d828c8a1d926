package toolbox

import (
	"context"
	"encoding/json"
)

// Conversation is the handle of the conversation a tool call belongs to. It is
// passed explicitly to every handler so tools never rely on ambient state to
// find out which conversation they act on.
type Conversation interface {
	ID() string
}

// ConversationID is a Conversation known only by its id.
type ConversationID string

func (c ConversationID) ID() string { return string(c) }

// Handler executes a tool with the given JSON input and returns a text result.
type Handler func(ctx context.Context, conv Conversation, input json.RawMessage) (string, error)

// Tool represents a declared tool: a name, a description, a JSON Schema for
// its input and an optional handler. A tool without a handler is
// confirmation-only: approving it records an approval without running
// anything on the server.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     Handler
}

// ConfirmationOnly reports whether the tool has no server-side effect.
func (t Tool) ConfirmationOnly() bool {
	return t.Handler == nil
}
