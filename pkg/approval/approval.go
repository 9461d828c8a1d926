// Package approval reconciles a conversation history with human decisions on
// gated tool calls.
//
// Scan finds the gated calls still waiting for a decision in the most recent
// assistant message. Resolver applies the decisions carried by the latest
// user message: rejected calls get DeniedResult without running, approved
// calls run through the executor, undecided calls stay untouched. Pending
// calls in older assistant messages are never revisited.
package approval

import (
	"encoding/json"

	"github.com/germanamz/relay/pkg/chats/chat"
	"github.com/germanamz/relay/pkg/chats/content"
	"github.com/germanamz/relay/pkg/chats/message"
	"github.com/germanamz/relay/pkg/chats/role"
)

// DeniedResult is the result recorded for a rejected call.
const DeniedResult = "Error: User denied access to tool execution"

// Gate reports whether a tool requires confirmation.
type Gate interface {
	IsGated(name string) bool
}

// Pending is a gated tool call waiting for a human decision.
type Pending struct {
	MessageIndex int
	PartIndex    int
	ToolCallID   string
	ToolName     string
	Args         json.RawMessage
}

// Invocation returns the pending call as a call-state invocation.
func (p Pending) Invocation() content.ToolInvocation {
	return content.ToolInvocation{
		ToolCallID: p.ToolCallID,
		ToolName:   p.ToolName,
		Args:       p.Args,
		State:      content.StateCall,
	}
}

// Scan returns, in part order, every call-state invocation of a gated tool in
// the most recent assistant message of c. It does not modify c.
func Scan(c *chat.Chat, gate Gate) []Pending {
	idx := c.LastIndex(role.Assistant)
	if idx < 0 {
		return nil
	}

	var out []Pending
	for i, p := range c.At(idx).Parts {
		ti, ok := p.(content.ToolInvocation)
		if !ok || ti.State != content.StateCall || !gate.IsGated(ti.ToolName) {
			continue
		}
		out = append(out, Pending{
			MessageIndex: idx,
			PartIndex:    i,
			ToolCallID:   ti.ToolCallID,
			ToolName:     ti.ToolName,
			Args:         ti.Args,
		})
	}

	return out
}

// PendingIDs returns the tool call ids of pending, in order.
func PendingIDs(pending []Pending) []string {
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ToolCallID)
	}
	return ids
}

// Decisions returns the decisions carried by the latest user message of c,
// keeping only valid ones.
func Decisions(c *chat.Chat) map[string]message.Decision {
	idx := c.LastIndex(role.User)
	if idx < 0 {
		return nil
	}

	raw := c.At(idx).Decisions
	if len(raw) == 0 {
		return nil
	}

	out := make(map[string]message.Decision, len(raw))
	for id, d := range raw {
		if d.Valid() {
			out[id] = d
		}
	}
	return out
}
