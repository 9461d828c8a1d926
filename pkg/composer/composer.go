package composer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/germanamz/relay/pkg/chats/chat"
	"github.com/germanamz/relay/pkg/chats/content"
	"github.com/germanamz/relay/pkg/chats/message"
	"github.com/germanamz/relay/pkg/chats/role"
	"github.com/germanamz/relay/pkg/modeladapter"
	"github.com/germanamz/relay/pkg/modeladapter/usage"
	"github.com/germanamz/relay/pkg/observability"
	"github.com/germanamz/relay/pkg/tools/executor"
	"github.com/germanamz/relay/pkg/tools/toolbox"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxSteps is the step budget used when Options.MaxSteps is zero.
const DefaultMaxSteps = 10

// State is the state of a turn.
type State int

const (
	Generating State = iota
	ToolPending
	AwaitingConfirmation
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Generating:
		return "generating"
	case ToolPending:
		return "tool-pending"
	case AwaitingConfirmation:
		return "awaiting-confirmation"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Decider settles a gated call against the decisions of the turn. It
// returns false when no decision exists for the call.
type Decider interface {
	Decide(ctx context.Context, conv toolbox.Conversation, inv content.ToolInvocation, decisions map[string]message.Decision) (content.ToolInvocation, bool)
}

// Options configures a Composer.
type Options struct {
	// System is the system prompt sent with every step.
	System string
	// MaxSteps bounds the model calls of one turn. Zero means DefaultMaxSteps.
	MaxSteps int
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Tracer   trace.Tracer
}

// Composer runs the generation loop of a turn and writes its events to a
// Sink.
type Composer struct {
	completer modeladapter.Completer
	tools     *toolbox.ToolBox
	exec      *executor.Executor
	decider   Decider
	opts      Options
	logger    *slog.Logger
	tracer    trace.Tracer
	estimator modeladapter.TokenEstimator
}

// New creates a Composer. tools lists what the model may call; exec runs
// auto tools and decider settles gated ones.
func New(completer modeladapter.Completer, tools *toolbox.ToolBox, exec *executor.Executor, decider Decider, opts Options) *Composer {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = observability.Tracer()
	}

	return &Composer{
		completer: completer,
		tools:     tools,
		exec:      exec,
		decider:   decider,
		opts:      opts,
		logger:    observability.LoggerOrDefault(opts.Logger),
		tracer:    tracer,
	}
}

// Turn is the input of one Compose call.
type Turn struct {
	Conv toolbox.Conversation
	// History is the conversation after decisions were applied. It ends
	// with the user message of the turn.
	History *chat.Chat
	// Decisions are the verdicts carried by the user message.
	Decisions map[string]message.Decision
	// Resolved are the invocations settled by those decisions. They are
	// reported as tool results before generation starts.
	Resolved []content.ToolInvocation
	// Pending holds the ids of calls in the previous assistant message that
	// still wait for a decision. A non-empty list halts the turn without
	// calling the model.
	Pending []string
}

// Result is the outcome of a turn.
type Result struct {
	// Chat is History plus the assistant message, when one was produced.
	Chat *chat.Chat
	// Message is the assistant message of the turn. It is the zero value
	// when the turn halted before generating.
	Message message.Message
	State   State
	Steps   int
	// Pending lists the call ids waiting for a decision.
	Pending []string
	Err     error
}

// Compose runs the turn until the model stops calling tools, a gated call
// needs a decision, the step budget is spent or the model fails. Exactly one
// finish or error event ends the stream. Sink failures are logged and do
// not stop the turn.
func (c *Composer) Compose(ctx context.Context, turn Turn, sink Sink) Result {
	if sink == nil {
		sink = Discard
	}

	r := &run{
		c:    c,
		turn: turn,
		sink: sink,
		seen: make(map[string]bool),
		ids:  make(map[string]bool),
		log: c.logger.With(
			"conversation_id", conversationID(turn.Conv),
		),
	}
	for _, m := range r.history() {
		for _, inv := range m.ToolInvocations() {
			r.ids[inv.ToolCallID] = true
		}
	}
	return r.exec(ctx)
}

func conversationID(conv toolbox.Conversation) string {
	if conv == nil {
		return ""
	}
	return conv.ID()
}

// run holds the state of one turn.
type run struct {
	c    *Composer
	turn Turn
	sink Sink
	log  *slog.Logger
	// mu serializes sink sends; tool results are emitted from worker
	// goroutines.
	mu sync.Mutex

	state State
	step  int
	msg   message.Message
	text  strings.Builder

	sources []content.Source
	seen    map[string]bool
	ids     map[string]bool
	safety  []modeladapter.SafetyRating
	usage   usage.TokenCount
}

// stepOutcome summarizes one model call.
type stepOutcome struct {
	calls   int
	pending []string
}

func (r *run) exec(ctx context.Context) Result {
	if len(r.turn.Pending) > 0 {
		return r.halt(ctx)
	}

	r.msg = message.New(role.Assistant)
	r.emit(ctx, Event{Type: EventStart, MessageID: r.msg.ID})
	r.emitResolved(ctx)

	var pending []string
	for r.step = 1; ; r.step++ {
		out, err := r.runStep(ctx)
		if err != nil {
			return r.fail(ctx, err)
		}

		if len(out.pending) > 0 {
			pending = out.pending
			r.transition(AwaitingConfirmation)
			break
		}

		if out.calls == 0 || r.step >= r.c.opts.MaxSteps {
			r.transition(Done)
			break
		}
	}

	r.annotate(ctx)

	fin := Event{Type: EventFinish, MessageID: r.msg.ID, State: FinishDone}
	if r.state == AwaitingConfirmation {
		fin.State = FinishAwaitingConfirmation
		fin.Pending = pending
	}
	r.emit(ctx, fin)

	return r.result(pending, nil)
}

// halt ends a turn whose previous message still has undecided calls. The
// model is not called.
func (r *run) halt(ctx context.Context) Result {
	prev := r.previousAssistantID()

	r.emit(ctx, Event{Type: EventStart, MessageID: prev})
	r.emitResolved(ctx)
	r.transition(AwaitingConfirmation)
	r.emit(ctx, Event{
		Type:      EventFinish,
		MessageID: prev,
		State:     FinishAwaitingConfirmation,
		Pending:   r.turn.Pending,
	})

	return Result{
		Chat:    r.turn.History,
		State:   AwaitingConfirmation,
		Pending: r.turn.Pending,
	}
}

func (r *run) previousAssistantID() string {
	if r.turn.History == nil {
		return ""
	}
	if i := r.turn.History.LastIndex(role.Assistant); i >= 0 {
		return r.turn.History.At(i).ID
	}
	return ""
}

func (r *run) emitResolved(ctx context.Context) {
	if len(r.turn.Resolved) == 0 {
		return
	}

	prev := r.previousAssistantID()
	for _, inv := range r.turn.Resolved {
		r.emit(ctx, toolResultEvent(prev, 0, inv))
	}
}

// runStep performs one model call. Auto calls start as soon as they arrive
// and their results are emitted when they complete. They are joined before
// runStep returns and replace the calls in part order.
func (r *run) runStep(ctx context.Context) (stepOutcome, error) {
	ctx, span := r.c.tracer.Start(ctx, "composer.step", trace.WithAttributes(
		attribute.Int("relay.step", r.step),
	))
	defer span.End()

	r.c.opts.Metrics.Step()
	r.transition(Generating)

	req := modeladapter.Request{
		System:   r.c.opts.System,
		Messages: append(r.history(), r.msg),
		Tools:    r.c.tools.Tools(),
	}

	provider := modeladapter.ProviderName(r.c.completer)
	stream, err := r.c.completer.Stream(ctx, req)
	r.c.opts.Metrics.ProviderRequest(provider, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return stepOutcome{}, err
	}
	defer stream.Close() //nolint:errcheck // nothing to do with a close error

	msgID, step := r.msg.ID, r.step
	var (
		out   stepOutcome
		batch = r.c.exec.Batch(ctx, r.turn.Conv, func(res content.ToolInvocation) {
			r.emit(ctx, toolResultEvent(msgID, step, res))
		})
		auto    []int
		decided = make(map[int]content.ToolInvocation)
		fin     *modeladapter.Finish
		output  strings.Builder
	)

	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			r.join(batch, auto, decided)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return out, err
		}

		switch e := ev.(type) {
		case modeladapter.TextDelta:
			if e.Text == "" {
				continue
			}
			r.text.WriteString(e.Text)
			output.WriteString(e.Text)
			r.emit(ctx, Event{Type: EventTextDelta, MessageID: r.msg.ID, Step: r.step, Text: e.Text})

		case modeladapter.ToolCall:
			r.flushText()
			inv := content.ToolInvocation{
				ToolCallID: r.claimID(ctx, e.ToolCallID),
				ToolName:   e.ToolName,
				Args:       e.Args,
				State:      content.StateCall,
				Step:       r.step,
				Metadata:   e.Metadata,
			}
			idx := len(r.msg.Parts)
			r.msg.Parts = append(r.msg.Parts, inv)
			out.calls++
			r.emit(ctx, toolCallEvent(r.msg.ID, r.step, inv))

			if !r.c.tools.IsGated(inv.ToolName) {
				batch.Go(inv)
				auto = append(auto, idx)
				continue
			}

			if res, ok := r.c.decider.Decide(ctx, r.turn.Conv, inv, r.turn.Decisions); ok {
				decided[idx] = res
				r.emit(ctx, toolResultEvent(msgID, step, res))
				continue
			}
			out.pending = append(out.pending, inv.ToolCallID)
			r.log.InfoContext(ctx, "tool call awaits confirmation",
				"step", r.step, "tool", inv.ToolName, "tool_call_id", inv.ToolCallID)

		case modeladapter.SourceEvent:
			r.flushText()
			src := e.Source
			r.msg.Parts = append(r.msg.Parts, src)
			r.addSources(src)
			r.emit(ctx, Event{Type: EventSource, MessageID: r.msg.ID, Step: r.step, Source: &src})

		case modeladapter.Finish:
			fin = &e
		}
	}

	r.flushText()
	r.join(batch, auto, decided)

	if fin != nil {
		r.addSources(fin.Sources...)
		if len(fin.Safety) > 0 {
			r.safety = fin.Safety
		}
	}
	r.addUsage(provider, req, fin, output.String())

	span.SetAttributes(
		attribute.Int("relay.tool_calls", out.calls),
		attribute.Int("relay.pending", len(out.pending)),
	)

	return out, nil
}

// join waits for the auto calls of the step and writes every settled call
// back into the message in part order. Their events were already emitted.
func (r *run) join(batch *executor.Batch, auto []int, decided map[int]content.ToolInvocation) {
	if batch.Len() > 0 {
		r.transition(ToolPending)
		for i, res := range batch.Wait() {
			decided[auto[i]] = res
		}
	}

	indexes := make([]int, 0, len(decided))
	for idx := range decided {
		indexes = append(indexes, idx)
	}
	slices.Sort(indexes)

	for _, idx := range indexes {
		r.msg = r.msg.WithPart(idx, decided[idx])
	}
}

// claimID returns id, or a fresh id when the model sent none or reused one
// already present in the conversation.
func (r *run) claimID(ctx context.Context, id string) string {
	if id == "" || r.ids[id] {
		fresh := "call_" + uuid.NewString()
		r.log.WarnContext(ctx, "replacing tool call id",
			"step", r.step, "tool_call_id", id, "replacement", fresh)
		id = fresh
	}
	r.ids[id] = true
	return id
}

func (r *run) history() []message.Message {
	if r.turn.History == nil {
		return nil
	}
	return r.turn.History.Messages()
}

func (r *run) flushText() {
	if r.text.Len() == 0 {
		return
	}
	r.msg.Parts = append(r.msg.Parts, content.Text{Text: r.text.String()})
	r.text.Reset()
}

func (r *run) addSources(srcs ...content.Source) {
	for _, s := range srcs {
		if s.URL == "" || r.seen[s.URL] {
			continue
		}
		r.seen[s.URL] = true
		r.sources = append(r.sources, s)
	}
}

// addUsage records the usage of a step. Providers that report nothing get
// an estimate.
func (r *run) addUsage(provider string, req modeladapter.Request, fin *modeladapter.Finish, output string) {
	var tc usage.TokenCount
	if fin != nil {
		tc = fin.Usage
	}
	if tc.Zero() {
		tc = usage.TokenCount{
			InputTokens:  r.c.estimator.EstimateRequest(req),
			OutputTokens: r.c.estimator.EstimateText(output),
		}
	}

	r.usage = r.usage.Add(tc)
	r.c.opts.Metrics.Tokens(provider, tc.InputTokens, tc.OutputTokens)
}

// annotate attaches the out-of-band metadata of the turn to the message and
// emits it after all content events.
func (r *run) annotate(ctx context.Context) {
	var anns []message.Annotation

	if len(r.sources) > 0 {
		anns = append(anns, message.Annotation{
			Kind:    message.AnnotationSources,
			Sources: slices.Clone(r.sources),
		})
	}

	anns = append(anns, message.Annotation{
		Kind: message.AnnotationUsage,
		Data: map[string]any{
			"inputTokens":  r.usage.InputTokens,
			"outputTokens": r.usage.OutputTokens,
			"steps":        r.step,
		},
	})

	if len(r.safety) > 0 {
		anns = append(anns, message.Annotation{
			Kind: message.AnnotationSafety,
			Data: map[string]any{"ratings": r.safety},
		})
	}

	for _, a := range anns {
		r.msg.Annotate(a)
		r.emit(ctx, Event{Type: EventAnnotation, MessageID: r.msg.ID, Annotation: &a})
	}
}

// fail ends the turn after a provider error. Text that was never finalized
// by a step boundary is dropped when the caller went away; otherwise what
// was already streamed is kept.
func (r *run) fail(ctx context.Context, err error) Result {
	r.transition(Failed)

	if ctx.Err() != nil {
		r.text.Reset()
		r.msg.Interrupted = true
		r.log.WarnContext(ctx, "turn interrupted", "step", r.step, "error", err)
	} else {
		r.flushText()
		r.log.ErrorContext(ctx, "model failed", "step", r.step, "error", err)
	}

	r.emit(ctx, Event{Type: EventError, MessageID: r.msg.ID, Error: err.Error()})

	return r.result(nil, err)
}

func (r *run) result(pending []string, err error) Result {
	res := Result{
		Chat:    r.turn.History,
		Message: r.msg,
		State:   r.state,
		Steps:   r.step,
		Pending: pending,
		Err:     err,
	}

	if !r.msg.Empty() {
		next := chat.New(r.history()...)
		next.Append(r.msg)
		res.Chat = next
	}

	return res
}

func (r *run) transition(s State) {
	if r.state == s {
		return
	}
	r.log.Debug("turn state", "step", r.step, "from", r.state.String(), "state", s.String())
	r.state = s
}

// emit sends ev to the sink. The sink context is detached from cancellation
// so events produced while winding down still reach recorders.
func (r *run) emit(ctx context.Context, ev Event) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.sink.Send(sctx, ev); err != nil {
		r.log.WarnContext(ctx, "sink send failed", "event", string(ev.Type), "error", err)
	}
}
