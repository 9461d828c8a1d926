// Package content defines the parts a message is made of. Part is a closed
// sum type: Text, ToolInvocation and Source are its only variants.
package content

import "encoding/json"

// Kind names of the part variants, also used as the JSON "type" tag.
const (
	KindText           = "text"
	KindToolInvocation = "tool-invocation"
	KindSource         = "source"
)

// Part is a piece of content within a message. The unexported marker keeps
// the set of variants closed to this package.
type Part interface {
	PartKind() string
	isPart()
}

// Text is a plain text content part.
type Text struct {
	Text string
}

func (t Text) PartKind() string { return KindText }
func (Text) isPart()            {}

// State is the lifecycle state of a ToolInvocation.
type State string

const (
	// StateCall means the model requested the call and no result exists yet.
	StateCall State = "call"
	// StateResult is terminal: the invocation carries a result value.
	StateResult State = "result"
)

// ToolInvocation records one tool call made by the model and, once resolved,
// its result. Args holds the raw JSON arguments as produced by the model.
type ToolInvocation struct {
	ToolCallID string
	ToolName   string
	Args       json.RawMessage
	State      State
	Result     string
	IsError    bool
	// Step is the model call of the turn that produced the invocation,
	// starting at 1. Zero means unknown.
	Step int
	// Metadata holds opaque provider data that must be replayed with the
	// call, such as a Gemini thought signature.
	Metadata map[string]string
}

func (ti ToolInvocation) PartKind() string { return KindToolInvocation }
func (ToolInvocation) isPart()             {}

// Resolved reports whether the invocation reached the terminal state.
func (ti ToolInvocation) Resolved() bool { return ti.State == StateResult }

// WithResult returns a copy of the invocation moved to StateResult.
func (ti ToolInvocation) WithResult(result string, isError bool) ToolInvocation {
	ti.State = StateResult
	ti.Result = result
	ti.IsError = isError
	return ti
}

// Source is a provenance marker (for example a web page used for grounding).
// It is passed through untouched by the confirmation pipeline.
type Source struct {
	ID    string `json:"id,omitempty"`
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

func (s Source) PartKind() string { return KindSource }
func (Source) isPart()            {}
