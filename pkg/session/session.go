// Package session runs user turns against persisted conversations.
//
// A turn loads the stored history, appends the user message with its
// decisions, applies those decisions to the calls waiting for them, runs the
// generation loop and saves the result. Turns of one conversation run one at
// a time in arrival order; different conversations run concurrently. Every
// turn reloads the history from the store.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/germanamz/relay/pkg/approval"
	"github.com/germanamz/relay/pkg/chats/chat"
	"github.com/germanamz/relay/pkg/chats/message"
	"github.com/germanamz/relay/pkg/composer"
	"github.com/germanamz/relay/pkg/observability"
	"github.com/germanamz/relay/pkg/store"
	"github.com/germanamz/relay/pkg/tools/toolbox"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrEmptyTurn is returned for a turn with neither text nor decisions.
	ErrEmptyTurn = errors.New("session: turn has neither text nor decisions")
	// ErrInvalidDecision is returned for a decision other than APPROVE or
	// REJECT.
	ErrInvalidDecision = errors.New("session: invalid decision")
)

// Observer is told about every turn. Its methods are called synchronously
// and must not block.
type Observer interface {
	TurnStarted(conversationID string)
	TurnEvent(conversationID string, ev composer.Event)
	TurnFinished(conversationID string, res composer.Result)
}

// Options configures a Manager.
type Options struct {
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Tracer   trace.Tracer
	Observer Observer
}

// Manager hands out sessions and serializes their turns.
type Manager struct {
	store    store.Store
	tools    *toolbox.ToolBox
	resolver *approval.Resolver
	composer *composer.Composer

	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
	observer Observer
	queue    *queue
}

// NewManager creates a Manager.
func NewManager(st store.Store, tools *toolbox.ToolBox, resolver *approval.Resolver, comp *composer.Composer, opts Options) *Manager {
	tracer := opts.Tracer
	if tracer == nil {
		tracer = observability.Tracer()
	}

	return &Manager{
		store:    st,
		tools:    tools,
		resolver: resolver,
		composer: comp,
		logger:   observability.LoggerOrDefault(opts.Logger),
		metrics:  opts.Metrics,
		tracer:   tracer,
		observer: opts.Observer,
		queue:    newQueue(),
	}
}

// Session returns the session of a conversation. The id is validated when
// the session is used.
func (m *Manager) Session(id string) *Session {
	return &Session{id: id, m: m}
}

// Session is the handle of one conversation. It is the toolbox.Conversation
// passed to tool handlers.
type Session struct {
	id string
	m  *Manager
}

var _ toolbox.Conversation = (*Session)(nil)

// ID returns the conversation id.
func (s *Session) ID() string { return s.id }

// Messages returns the stored history.
func (s *Session) Messages(ctx context.Context) ([]message.Message, error) {
	if err := store.ValidateID(s.id); err != nil {
		return nil, err
	}

	msgs, err := s.m.store.Load(ctx, s.id)
	if err != nil {
		return nil, fmt.Errorf("session: load %s: %w", s.id, err)
	}
	return msgs, nil
}

// Input is what the user sends in a turn.
type Input struct {
	Text      string                      `json:"text"`
	Decisions map[string]message.Decision `json:"decisions,omitempty"`
}

// Validate checks the input before a turn starts.
func (in Input) Validate() error {
	if in.Text == "" && len(in.Decisions) == 0 {
		return ErrEmptyTurn
	}
	for id, d := range in.Decisions {
		if !d.Valid() {
			return fmt.Errorf("%w: %q for %s", ErrInvalidDecision, d, id)
		}
	}
	return nil
}

// Turn runs one user turn and streams its events to sink.
//
// Errors returned before any event reached sink mean the turn did not run:
// invalid input, a store failure or a history that references an unknown
// tool (a *toolbox.ConfigError). Model failures are not errors here; they
// end the stream with an error event and are reported in Result.Err. The
// history is saved even when the caller goes away mid-turn. The terminal
// finish event is sent only after the save succeeded; a failed save ends the
// stream with an error event instead and is returned.
func (s *Session) Turn(ctx context.Context, in Input, sink composer.Sink) (composer.Result, error) {
	if err := store.ValidateID(s.id); err != nil {
		return composer.Result{}, err
	}
	if err := in.Validate(); err != nil {
		return composer.Result{}, err
	}

	release, err := s.m.queue.acquire(ctx, s.id)
	if err != nil {
		return composer.Result{}, err
	}
	defer release()

	return s.turn(ctx, in, sink)
}

func (s *Session) turn(ctx context.Context, in Input, sink composer.Sink) (composer.Result, error) {
	m := s.m
	log := m.logger.With("conversation_id", s.id)

	ctx, span := m.tracer.Start(ctx, "session.turn", trace.WithAttributes(
		attribute.String("relay.conversation_id", s.id),
	))
	defer span.End()

	start := time.Now()
	m.metrics.TurnStarted()

	msgs, err := m.store.Load(ctx, s.id)
	if err != nil {
		m.metrics.TurnFinished("error", time.Since(start))
		return composer.Result{}, fail(span, fmt.Errorf("session: load %s: %w", s.id, err))
	}

	history := chat.New(msgs...)
	history.Append(message.NewUser(in.Text, in.Decisions))

	if err := m.tools.CheckHistory(history.Messages()); err != nil {
		log.ErrorContext(ctx, "history references unknown tool", "error", err)
		m.metrics.TurnFinished("config_error", time.Since(start))
		return composer.Result{}, fail(span, err)
	}

	decisions := approval.Decisions(history)
	res := m.resolver.Resolve(ctx, s, history, approval.Scan(history, m.tools), decisions)

	if m.observer != nil {
		m.observer.TurnStarted(s.id)
		sink = observed{sink: sink, id: s.id, obs: m.observer}
	}
	final := &holdFinal{sink: sink}
	sink = final

	out := m.composer.Compose(ctx, composer.Turn{
		Conv:      s,
		History:   res.Chat,
		Decisions: decisions,
		Resolved:  res.Resolved,
		Pending:   approval.PendingIDs(res.Pending),
	}, sink)

	if err := m.store.Save(context.WithoutCancel(ctx), s.id, out.Chat.Messages()); err != nil {
		err = fmt.Errorf("session: save %s: %w", s.id, err)
		log.ErrorContext(ctx, "save failed", "error", err)
		final.fail(ctx, err)
		m.metrics.TurnFinished("error", time.Since(start))
		return out, fail(span, err)
	}
	final.release(ctx)

	span.SetAttributes(
		attribute.String("relay.state", out.State.String()),
		attribute.Int("relay.steps", out.Steps),
	)
	if out.Err != nil {
		span.SetStatus(codes.Error, out.Err.Error())
	}

	log.InfoContext(ctx, "turn finished",
		"state", out.State.String(), "steps", out.Steps, "pending", len(out.Pending))
	m.metrics.TurnFinished(out.State.String(), time.Since(start))

	if m.observer != nil {
		m.observer.TurnFinished(s.id, out)
	}

	return out, nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// observed forwards events to the observer after the caller's sink.
type observed struct {
	sink composer.Sink
	id   string
	obs  Observer
}

func (o observed) Send(ctx context.Context, ev composer.Event) error {
	var err error
	if o.sink != nil {
		err = o.sink.Send(ctx, ev)
	}
	o.obs.TurnEvent(o.id, ev)
	return err
}

// holdFinal passes events through but keeps the terminal finish or error
// event until the turn was saved.
type holdFinal struct {
	sink composer.Sink
	held *composer.Event
}

func (h *holdFinal) Send(ctx context.Context, ev composer.Event) error {
	if ev.Type == composer.EventFinish || ev.Type == composer.EventError {
		h.held = &ev
		return nil
	}
	return h.send(ctx, ev)
}

func (h *holdFinal) send(ctx context.Context, ev composer.Event) error {
	if h.sink == nil {
		return nil
	}
	return h.sink.Send(context.WithoutCancel(ctx), ev)
}

// release sends the held event.
func (h *holdFinal) release(ctx context.Context) {
	if h.held != nil {
		_ = h.send(ctx, *h.held)
		h.held = nil
	}
}

// fail replaces the held event with an error event carrying err.
func (h *holdFinal) fail(ctx context.Context, err error) {
	ev := composer.Event{Type: composer.EventError, Error: err.Error()}
	if h.held != nil {
		ev.MessageID = h.held.MessageID
	}
	h.held = nil
	_ = h.send(ctx, ev)
}
