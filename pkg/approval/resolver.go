package approval

import (
	"context"
	"log/slog"

	"github.com/germanamz/relay/pkg/chats/chat"
	"github.com/germanamz/relay/pkg/chats/content"
	"github.com/germanamz/relay/pkg/chats/message"
	"github.com/germanamz/relay/pkg/observability"
	"github.com/germanamz/relay/pkg/tools/toolbox"
)

// Executor runs an approved call and returns it in the result state.
type Executor interface {
	Execute(ctx context.Context, conv toolbox.Conversation, inv content.ToolInvocation) content.ToolInvocation
}

// Resolution is the outcome of applying decisions to a history.
type Resolution struct {
	// Chat is the resulting history. When nothing was resolved it is the
	// input chat itself.
	Chat *chat.Chat
	// Resolved holds the invocations moved to the result state, in
	// discovery order.
	Resolved []content.ToolInvocation
	// Pending holds the calls still waiting for a decision.
	Pending []Pending
}

// Resolver applies human decisions to pending calls.
type Resolver struct {
	exec    Executor
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewResolver creates a Resolver. logger and metrics may be nil.
func NewResolver(exec Executor, logger *slog.Logger, metrics *observability.Metrics) *Resolver {
	return &Resolver{
		exec:    exec,
		logger:  observability.LoggerOrDefault(logger),
		metrics: metrics,
	}
}

// Decide resolves a single call. It returns the invocation in the result
// state and true when a decision exists for it, or the call unchanged and
// false otherwise.
func (r *Resolver) Decide(ctx context.Context, conv toolbox.Conversation, inv content.ToolInvocation, decisions map[string]message.Decision) (content.ToolInvocation, bool) {
	d, ok := decisions[inv.ToolCallID]
	if !ok {
		return inv, false
	}

	r.metrics.Decision(string(d))

	switch d {
	case message.Reject:
		r.logger.InfoContext(ctx, "tool call rejected", "tool", inv.ToolName, "tool_call_id", inv.ToolCallID)
		return inv.WithResult(DeniedResult, false), true
	case message.Approve:
		r.logger.InfoContext(ctx, "tool call approved", "tool", inv.ToolName, "tool_call_id", inv.ToolCallID)
		return r.exec.Execute(ctx, conv, inv), true
	default:
		return inv, false
	}
}

// Resolve applies decisions to pending in discovery order and returns the
// new history. c is never modified; every touched message gets a fresh parts
// slice. Calls without a decision are left exactly as they were, so running
// Resolve again on its own output is a no-op.
func (r *Resolver) Resolve(ctx context.Context, conv toolbox.Conversation, c *chat.Chat, pending []Pending, decisions map[string]message.Decision) Resolution {
	res := Resolution{Chat: c}

	for _, p := range pending {
		msg := res.Chat.At(p.MessageIndex)
		ti, ok := msg.Parts[p.PartIndex].(content.ToolInvocation)
		if !ok || ti.ToolCallID != p.ToolCallID || ti.State != content.StateCall {
			continue
		}

		resolved, ok := r.Decide(ctx, conv, ti, decisions)
		if !ok {
			res.Pending = append(res.Pending, p)
			continue
		}

		res.Chat = res.Chat.Replace(p.MessageIndex, msg.WithPart(p.PartIndex, resolved))
		res.Resolved = append(res.Resolved, resolved)
	}

	return res
}
