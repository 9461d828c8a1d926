// Package message defines the Message type stored in a conversation history.
package message

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/germanamz/relay/pkg/chats/content"
	"github.com/germanamz/relay/pkg/chats/role"
	"github.com/google/uuid"
)

// Decision is a human verdict on a gated tool call.
type Decision string

const (
	Approve Decision = "APPROVE"
	Reject  Decision = "REJECT"
)

// Valid reports whether d is one of the known decisions.
func (d Decision) Valid() bool {
	return d == Approve || d == Reject
}

// Annotation kinds.
const (
	AnnotationSources = "sources"
	AnnotationUsage   = "usage"
	AnnotationSafety  = "safety"
)

// Annotation is out-of-band metadata attached to a message. It is not part of
// the ordered content.
type Annotation struct {
	Kind    string           `json:"kind"`
	Sources []content.Source `json:"sources,omitempty"`
	Data    map[string]any   `json:"data,omitempty"`
}

// Message represents a single message in a conversation.
// It is a value type; Parts must be treated as immutable once the message is
// part of a history snapshot. Use WithPart to derive a modified copy.
type Message struct {
	ID          string              `json:"id"`
	Role        role.Role           `json:"role"`
	CreatedAt   time.Time           `json:"createdAt"`
	Parts       content.Parts       `json:"parts"`
	Annotations []Annotation        `json:"annotations,omitempty"`
	Decisions   map[string]Decision `json:"decisions,omitempty"`
	Interrupted bool                `json:"interrupted,omitempty"`
}

// New creates a message with a fresh id and the given role and parts.
func New(r role.Role, parts ...content.Part) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      r,
		CreatedAt: time.Now().UTC(),
		Parts:     parts,
	}
}

// NewText creates a message with a single Text content part.
func NewText(r role.Role, text string) Message {
	return New(r, content.Text{Text: text})
}

// NewUser creates a user message carrying optional text and decisions. Empty
// text yields a message without parts.
func NewUser(text string, decisions map[string]Decision) Message {
	m := New(role.User)
	if text != "" {
		m.Parts = content.Parts{content.Text{Text: text}}
	}
	if len(decisions) > 0 {
		m.Decisions = maps.Clone(decisions)
	}
	return m
}

// TextContent concatenates the text of all Text parts in the message.
func (m Message) TextContent() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if t, ok := p.(content.Text); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// ToolInvocations returns all ToolInvocation parts in the message.
func (m Message) ToolInvocations() []content.ToolInvocation {
	var out []content.ToolInvocation
	for _, p := range m.Parts {
		if ti, ok := p.(content.ToolInvocation); ok {
			out = append(out, ti)
		}
	}
	return out
}

// FindInvocation returns the index of the invocation with the given call id,
// or -1.
func (m Message) FindInvocation(toolCallID string) int {
	for i, p := range m.Parts {
		if ti, ok := p.(content.ToolInvocation); ok && ti.ToolCallID == toolCallID {
			return i
		}
	}
	return -1
}

// Sources returns all Source parts in the message.
func (m Message) Sources() []content.Source {
	var out []content.Source
	for _, p := range m.Parts {
		if s, ok := p.(content.Source); ok {
			out = append(out, s)
		}
	}
	return out
}

// Empty reports whether the message carries no parts.
func (m Message) Empty() bool {
	return len(m.Parts) == 0
}

// WithPart returns a copy of m whose part at index i is replaced by p. The
// returned message owns a fresh parts slice; m is left untouched.
func (m Message) WithPart(i int, p content.Part) Message {
	parts := slices.Clone(m.Parts)
	parts[i] = p
	m.Parts = parts
	return m
}

// Clone returns a copy of m that shares no slices or maps with it.
func (m Message) Clone() Message {
	m.Parts = slices.Clone(m.Parts)
	m.Annotations = slices.Clone(m.Annotations)
	m.Decisions = maps.Clone(m.Decisions)
	return m
}

// Annotate appends an annotation to the message.
func (m *Message) Annotate(a Annotation) {
	m.Annotations = append(m.Annotations, a)
}

// Annotation returns the first annotation of the given kind.
func (m Message) Annotation(kind string) (Annotation, bool) {
	for _, a := range m.Annotations {
		if a.Kind == kind {
			return a, true
		}
	}
	return Annotation{}, false
}
