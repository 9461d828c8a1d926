package modeladapter

import (
	"encoding/json"

	"github.com/germanamz/relay/pkg/chats/content"
	"github.com/germanamz/relay/pkg/modeladapter/usage"
)

// Event is one item of a generation stream. The set of events is closed:
// TextDelta, ToolCall, SourceEvent and Finish.
type Event interface {
	isEvent()
}

// TextDelta is an incremental piece of model text.
type TextDelta struct {
	Text string
}

// ToolCall is a complete tool call requested by the model.
type ToolCall struct {
	ToolCallID string
	ToolName   string
	Args       json.RawMessage
	Metadata   map[string]string
}

// SourceEvent is a provenance marker produced while generating.
type SourceEvent struct {
	Source content.Source
}

// SafetyRating is a provider safety classification of the output.
type SafetyRating struct {
	Category    string `json:"category"`
	Probability string `json:"probability"`
	Blocked     bool   `json:"blocked,omitempty"`
}

// Finish ends a step. It carries the metadata that is only known once the
// model stopped: grounding sources, safety ratings and token usage.
type Finish struct {
	Reason  string
	Sources []content.Source
	Safety  []SafetyRating
	Usage   usage.TokenCount
}

func (TextDelta) isEvent()   {}
func (ToolCall) isEvent()    {}
func (SourceEvent) isEvent() {}
func (Finish) isEvent()      {}
