package modeladapter

import (
	"strings"

	"github.com/germanamz/relay/pkg/chats/content"
	"github.com/germanamz/relay/pkg/chats/message"
	"github.com/germanamz/relay/pkg/chats/role"
)

// SegmentKind identifies who a Segment speaks for.
type SegmentKind int

const (
	// SegmentUser is user text.
	SegmentUser SegmentKind = iota
	// SegmentModel is model text followed by the tool calls of one step.
	SegmentModel
	// SegmentToolResults holds the results of the calls of the preceding
	// SegmentModel.
	SegmentToolResults
)

// Segment is one provider-facing message.
type Segment struct {
	Kind  SegmentKind
	Text  string
	Calls []content.ToolInvocation
}

// Segments converts a history into the sequence of provider messages.
//
// System messages are skipped (they travel in Request.System), as are empty
// user messages such as decision-only turns and Source parts. An assistant
// message holding several steps is split at every text part that follows a
// tool call and wherever the step number of the calls changes: each step
// becomes a model segment with its text and calls, followed by a
// tool-results segment. Invocations still in the call state are
// left out entirely, so a provider never sees a call without its result.
func Segments(msgs []message.Message) []Segment {
	var out []Segment

	for _, m := range msgs {
		switch m.Role {
		case role.User:
			if text := m.TextContent(); text != "" {
				out = append(out, Segment{Kind: SegmentUser, Text: text})
			}
		case role.Assistant:
			out = appendAssistant(out, m)
		}
	}

	return out
}

func appendAssistant(out []Segment, m message.Message) []Segment {
	var (
		text  strings.Builder
		calls []content.ToolInvocation
	)

	flush := func() {
		if text.Len() == 0 && len(calls) == 0 {
			return
		}
		out = append(out, Segment{Kind: SegmentModel, Text: text.String(), Calls: calls})
		if len(calls) > 0 {
			out = append(out, Segment{Kind: SegmentToolResults, Calls: calls})
		}
		text.Reset()
		calls = nil
	}

	for _, p := range m.Parts {
		switch v := p.(type) {
		case content.Text:
			if v.Text == "" {
				continue
			}
			if len(calls) > 0 {
				flush()
			}
			text.WriteString(v.Text)
		case content.ToolInvocation:
			if !v.Resolved() {
				continue
			}
			if len(calls) > 0 && v.Step != 0 && calls[0].Step != 0 && v.Step != calls[0].Step {
				flush()
			}
			calls = append(calls, v)
		}
	}
	flush()

	return out
}
