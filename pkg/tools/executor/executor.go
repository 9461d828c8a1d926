// Package executor runs tool calls and turns their outcome into result
// data. A failing, panicking or mis-called tool never aborts a turn: the
// failure becomes an error result on the invocation.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/germanamz/relay/pkg/chats/content"
	"github.com/germanamz/relay/pkg/tools/toolbox"
	"golang.org/x/sync/errgroup"
)

// ApprovedResult is the result recorded for an approved confirmation-only
// tool, which has no server-side effect.
const ApprovedResult = "Approved by user."

// ErrorResult formats err as a tool error result.
func ErrorResult(err error) string {
	return "Error: " + err.Error()
}

// Options configures an Executor.
type Options struct {
	// Middleware is applied around every handler call, first element
	// outermost. Panics are always recovered regardless of this list.
	Middleware []Middleware
}

// Executor runs tool calls against a ToolBox.
type Executor struct {
	tools  *toolbox.ToolBox
	runner Runner
}

// New creates an Executor for the tools in tb.
func New(tb *toolbox.ToolBox, opts Options) *Executor {
	var runner Runner = RunnerFunc(func(ctx context.Context, call Call) (string, error) {
		return call.Tool.Handler(ctx, call.Conv, call.Args)
	})

	runner = Recovery()(runner)
	for i := len(opts.Middleware) - 1; i >= 0; i-- {
		runner = opts.Middleware[i](runner)
	}

	return &Executor{tools: tb, runner: runner}
}

// Execute runs one invocation and returns it in the result state. The call
// runs on a context detached from ctx's cancellation so that it completes
// even when the caller goes away; bound it with the Timeout middleware.
func (e *Executor) Execute(ctx context.Context, conv toolbox.Conversation, inv content.ToolInvocation) content.ToolInvocation {
	ctx = context.WithoutCancel(ctx)

	t, ok := e.tools.Get(inv.ToolName)
	if !ok {
		return inv.WithResult(ErrorResult(fmt.Errorf("unknown tool %q", inv.ToolName)), true)
	}

	if err := e.tools.ValidateArgs(t.Name, inv.Args); err != nil {
		return inv.WithResult(ErrorResult(err), true)
	}

	if t.ConfirmationOnly() {
		return inv.WithResult(ApprovedResult, false)
	}

	out, err := e.runner.Run(ctx, Call{
		ToolCallID: inv.ToolCallID,
		Tool:       t,
		Args:       inv.Args,
		Conv:       conv,
	})
	if err != nil {
		return inv.WithResult(ErrorResult(err), true)
	}

	return inv.WithResult(out, false)
}

// Batch runs invocations concurrently as they are submitted and collects
// their results in submission order.
type Batch struct {
	exec    *Executor
	ctx     context.Context
	conv    toolbox.Conversation
	done    func(content.ToolInvocation)
	g       errgroup.Group
	mu      sync.Mutex
	order   []string
	results map[string]content.ToolInvocation
}

// Batch starts an empty batch bound to conv. When done is not nil it is
// called from the worker goroutine with each result as soon as it is known,
// before Wait returns.
func (e *Executor) Batch(ctx context.Context, conv toolbox.Conversation, done func(content.ToolInvocation)) *Batch {
	return &Batch{
		exec:    e,
		ctx:     ctx,
		conv:    conv,
		done:    done,
		results: make(map[string]content.ToolInvocation),
	}
}

// Go starts inv immediately.
func (b *Batch) Go(inv content.ToolInvocation) {
	b.mu.Lock()
	b.order = append(b.order, inv.ToolCallID)
	b.mu.Unlock()

	b.g.Go(func() error {
		res := b.exec.Execute(b.ctx, b.conv, inv)

		b.mu.Lock()
		b.results[inv.ToolCallID] = res
		b.mu.Unlock()

		if b.done != nil {
			b.done(res)
		}
		return nil
	})
}

// Len returns the number of submitted invocations.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

// Wait blocks until every submitted invocation finished and returns the
// results in submission order.
func (b *Batch) Wait() []content.ToolInvocation {
	_ = b.g.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]content.ToolInvocation, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.results[id])
	}
	return out
}
