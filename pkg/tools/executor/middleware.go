package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/germanamz/relay/pkg/observability"
	"github.com/germanamz/relay/pkg/tools/toolbox"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Call is a single tool invocation handed down the middleware chain.
type Call struct {
	ToolCallID string
	Tool       toolbox.Tool
	Args       json.RawMessage
	Conv       toolbox.Conversation
}

// Runner runs a tool call and returns its text result.
type Runner interface {
	Run(ctx context.Context, call Call) (string, error)
}

// RunnerFunc adapts a plain function to the Runner interface.
type RunnerFunc func(ctx context.Context, call Call) (string, error)

// Run calls the underlying function.
func (f RunnerFunc) Run(ctx context.Context, call Call) (string, error) {
	return f(ctx, call)
}

// Middleware wraps a Runner, returning a new Runner with added behaviour.
type Middleware func(next Runner) Runner

// --- Timeout middleware ---

// Timeout bounds every tool call by d. A non-positive d leaves calls
// unbounded.
func Timeout(d time.Duration) Middleware {
	return func(next Runner) Runner {
		if d <= 0 {
			return next
		}
		return RunnerFunc(func(ctx context.Context, call Call) (string, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			return next.Run(ctx, call)
		})
	}
}

// --- Recovery middleware ---

// Recovery converts a panicking tool into an error.
func Recovery() Middleware {
	return func(next Runner) Runner {
		return RunnerFunc(func(ctx context.Context, call Call) (out string, err error) {
			defer func() {
				if r := recover(); r != nil {
					out = ""
					err = fmt.Errorf("tool %s panicked: %v", call.Tool.Name, r)
				}
			}()

			return next.Run(ctx, call)
		})
	}
}

// --- Logger middleware ---

// Logger logs each call with its duration and outcome.
func Logger(log *slog.Logger) Middleware {
	return func(next Runner) Runner {
		return RunnerFunc(func(ctx context.Context, call Call) (string, error) {
			start := time.Now()

			out, err := next.Run(ctx, call)

			attrs := []any{
				"tool", call.Tool.Name,
				"tool_call_id", call.ToolCallID,
				"duration", time.Since(start),
			}
			if call.Conv != nil {
				attrs = append(attrs, "conversation_id", call.Conv.ID())
			}

			if err != nil {
				log.WarnContext(ctx, "tool call failed", append(attrs, "error", err)...)
			} else {
				log.DebugContext(ctx, "tool call finished", attrs...)
			}

			return out, err
		})
	}
}

// --- Metrics middleware ---

// Metrics records execution counts and latencies.
func Metrics(m *observability.Metrics) Middleware {
	return func(next Runner) Runner {
		return RunnerFunc(func(ctx context.Context, call Call) (string, error) {
			start := time.Now()
			out, err := next.Run(ctx, call)
			m.ToolExecuted(call.Tool.Name, err == nil, time.Since(start))
			return out, err
		})
	}
}

// --- Tracing middleware ---

// Tracing wraps each call in a span.
func Tracing(tracer trace.Tracer) Middleware {
	return func(next Runner) Runner {
		return RunnerFunc(func(ctx context.Context, call Call) (string, error) {
			ctx, span := tracer.Start(ctx, "tool."+call.Tool.Name, trace.WithAttributes(
				attribute.String("tool.name", call.Tool.Name),
				attribute.String("tool.call_id", call.ToolCallID),
			))
			defer span.End()

			out, err := next.Run(ctx, call)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}

			return out, err
		})
	}
}
