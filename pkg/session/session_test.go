package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/germanamz/relay/pkg/approval"
	"github.com/germanamz/relay/pkg/chats/content"
	"github.com/germanamz/relay/pkg/chats/message"
	"github.com/germanamz/relay/pkg/chats/role"
	"github.com/germanamz/relay/pkg/composer"
	"github.com/germanamz/relay/pkg/modeladapter"
	"github.com/germanamz/relay/pkg/modeladapter/modeladaptertest"
	"github.com/germanamz/relay/pkg/store"
	"github.com/germanamz/relay/pkg/store/memory"
	"github.com/germanamz/relay/pkg/tools/executor"
	"github.com/germanamz/relay/pkg/tools/toolbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store     *memory.Store
	completer *modeladaptertest.Completer
	manager   *Manager
	weather   atomic.Int32
	seenConv  atomic.Value
	broken    atomic.Bool
}

func newFixture(t *testing.T, steps ...modeladaptertest.Step) *fixture {
	t.Helper()

	f := &fixture{store: memory.New(), completer: modeladaptertest.New(steps...)}

	tb := toolbox.New()
	tb.Register(toolbox.Tool{
		Name: "get_weather_information",
		Handler: func(_ context.Context, conv toolbox.Conversation, _ json.RawMessage) (string, error) {
			f.weather.Add(1)
			f.seenConv.Store(conv.ID())
			if f.broken.Load() {
				return "", errors.New("boom")
			}
			return "sunny", nil
		},
	})
	tb.RequireConfirmation("get_weather_information")

	exec := executor.New(tb, executor.Options{})
	resolver := approval.NewResolver(exec, nil, nil)
	comp := composer.New(f.completer, tb, exec, resolver, composer.Options{})
	f.manager = NewManager(f.store, tb, resolver, comp, Options{})

	return f
}

func weatherCall(id string) modeladaptertest.Step {
	return modeladaptertest.Step{Events: []modeladapter.Event{
		modeladapter.TextDelta{Text: "Let me check."},
		modeladapter.ToolCall{ToolCallID: id, ToolName: "get_weather_information", Args: json.RawMessage(`{"city":"Lisbon"}`)},
	}}
}

func answer(text string) modeladaptertest.Step {
	return modeladaptertest.Step{Events: []modeladapter.Event{modeladapter.TextDelta{Text: text}}}
}

func (f *fixture) stored(t *testing.T, id string) []message.Message {
	t.Helper()
	msgs, err := f.store.Load(context.Background(), id)
	require.NoError(t, err)
	return msgs
}

func TestTurn_TwoTurnApproval(t *testing.T) {
	f := newFixture(t, weatherCall("W"), answer("It is sunny in Lisbon."))
	s := f.manager.Session("conv-1")
	ctx := context.Background()

	first, err := s.Turn(ctx, Input{Text: "Weather in Lisbon?"}, nil)
	require.NoError(t, err)
	assert.Equal(t, composer.AwaitingConfirmation, first.State)
	assert.Equal(t, []string{"W"}, first.Pending)
	assert.Equal(t, int32(0), f.weather.Load())

	msgs := f.stored(t, "conv-1")
	require.Len(t, msgs, 2)
	pending := msgs[1].Parts[1].(content.ToolInvocation)
	assert.Equal(t, content.StateCall, pending.State)

	rec := &composer.Recorder{}
	second, err := s.Turn(ctx, Input{Decisions: map[string]message.Decision{"W": message.Approve}}, rec)
	require.NoError(t, err)
	assert.Equal(t, composer.Done, second.State)
	assert.Equal(t, int32(1), f.weather.Load())
	assert.Equal(t, "conv-1", f.seenConv.Load())
	assert.Equal(t, 2, f.completer.Calls())

	// The resolved call is reported first, against the earlier message.
	events := rec.Events()
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, composer.EventStart, events[0].Type)
	assert.Equal(t, composer.EventToolResult, events[1].Type)
	assert.Equal(t, "W", events[1].ToolCallID)
	assert.Equal(t, msgs[1].ID, events[1].MessageID)
	assert.Equal(t, composer.EventFinish, events[len(events)-1].Type)

	// The model saw the result, not the pending call.
	req := f.completer.Requests()[1]
	seen := req.Messages[1].Parts[1].(content.ToolInvocation)
	assert.Equal(t, content.StateResult, seen.State)
	assert.Equal(t, "sunny", seen.Result)

	msgs = f.stored(t, "conv-1")
	require.Len(t, msgs, 4)
	assert.Equal(t, role.User, msgs[2].Role)
	assert.Equal(t, message.Approve, msgs[2].Decisions["W"])
	assert.Equal(t, "sunny", msgs[1].Parts[1].(content.ToolInvocation).Result)
	assert.Equal(t, "It is sunny in Lisbon.", msgs[3].TextContent())
}

func TestTurn_ApprovedToolFailsOnLaterTurn(t *testing.T) {
	f := newFixture(t, weatherCall("W"), answer("The weather service is down."))
	s := f.manager.Session("conv-1")
	ctx := context.Background()

	_, err := s.Turn(ctx, Input{Text: "Weather?"}, nil)
	require.NoError(t, err)

	f.broken.Store(true)
	rec := &composer.Recorder{}
	res, err := s.Turn(ctx, Input{Decisions: map[string]message.Decision{"W": message.Approve}}, rec)
	require.NoError(t, err)
	assert.Equal(t, composer.Done, res.State)
	assert.Equal(t, int32(1), f.weather.Load())

	events := rec.Events()
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, composer.EventToolResult, events[1].Type)
	assert.Equal(t, "Error: boom", events[1].Result)
	assert.True(t, events[1].IsError)
	last := events[len(events)-1]
	assert.Equal(t, composer.EventFinish, last.Type)
	assert.Equal(t, composer.FinishDone, last.State)

	msgs := f.stored(t, "conv-1")
	require.Len(t, msgs, 4)
	got := msgs[1].Parts[1].(content.ToolInvocation)
	assert.Equal(t, "Error: boom", got.Result)
	assert.True(t, got.IsError)
	assert.Equal(t, "The weather service is down.", msgs[3].TextContent())
}

func TestTurn_ApprovedToolFailsInSameTurn(t *testing.T) {
	f := newFixture(t, weatherCall("W"), answer("The weather service is down."))
	f.broken.Store(true)

	rec := &composer.Recorder{}
	res, err := f.manager.Session("conv-1").Turn(context.Background(), Input{
		Text:      "Weather?",
		Decisions: map[string]message.Decision{"W": message.Approve},
	}, rec)
	require.NoError(t, err)
	assert.Equal(t, composer.Done, res.State)
	assert.Empty(t, res.Pending)
	assert.Equal(t, 2, f.completer.Calls())

	var result composer.Event
	for _, ev := range rec.Events() {
		if ev.Type == composer.EventToolResult {
			result = ev
		}
	}
	assert.Equal(t, "W", result.ToolCallID)
	assert.Equal(t, "Error: boom", result.Result)
	assert.True(t, result.IsError)

	events := rec.Events()
	assert.Equal(t, composer.EventFinish, events[len(events)-1].Type)
	assert.Equal(t, composer.FinishDone, events[len(events)-1].State)

	got := res.Message.Parts[1].(content.ToolInvocation)
	assert.True(t, got.IsError)
	assert.Equal(t, content.StateResult, got.State)
}

func TestTurn_RejectNeverRunsTool(t *testing.T) {
	f := newFixture(t, weatherCall("W"), answer("Okay, I won't."))
	s := f.manager.Session("conv-1")
	ctx := context.Background()

	_, err := s.Turn(ctx, Input{Text: "Weather?"}, nil)
	require.NoError(t, err)

	res, err := s.Turn(ctx, Input{Decisions: map[string]message.Decision{"W": message.Reject}}, nil)
	require.NoError(t, err)
	assert.Equal(t, composer.Done, res.State)
	assert.Equal(t, int32(0), f.weather.Load())

	got := f.stored(t, "conv-1")[1].Parts[1].(content.ToolInvocation)
	assert.Equal(t, approval.DeniedResult, got.Result)
}

func TestTurn_NoDecisionHaltsWithoutModelCall(t *testing.T) {
	f := newFixture(t, weatherCall("W"))
	s := f.manager.Session("conv-1")
	ctx := context.Background()

	_, err := s.Turn(ctx, Input{Text: "Weather?"}, nil)
	require.NoError(t, err)
	before := f.stored(t, "conv-1")

	rec := &composer.Recorder{}
	res, err := s.Turn(ctx, Input{Text: "hello?"}, rec)
	require.NoError(t, err)

	assert.Equal(t, composer.AwaitingConfirmation, res.State)
	assert.Equal(t, []string{"W"}, res.Pending)
	assert.Equal(t, 1, f.completer.Calls())
	assert.Equal(t, []composer.EventType{composer.EventStart, composer.EventFinish}, rec.Types())

	after := f.stored(t, "conv-1")
	require.Len(t, after, 3)
	assert.Equal(t, before[1], after[1])
}

func TestTurn_UnknownToolIsConfigError(t *testing.T) {
	f := newFixture(t, answer("unused"))
	ctx := context.Background()

	require.NoError(t, f.store.Save(ctx, "conv-1", []message.Message{
		message.NewText(role.User, "hi"),
		message.New(role.Assistant, content.ToolInvocation{
			ToolCallID: "X", ToolName: "removed_tool", State: content.StateCall,
		}),
	}))

	rec := &composer.Recorder{}
	_, err := f.manager.Session("conv-1").Turn(ctx, Input{Text: "again"}, rec)

	var cfgErr *toolbox.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "removed_tool", cfgErr.Tool)
	assert.Empty(t, rec.Events())
	assert.Equal(t, 0, f.completer.Calls())
	assert.Len(t, f.stored(t, "conv-1"), 2)
}

func TestTurn_InvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Session("conv-1").Turn(ctx, Input{}, nil)
	require.ErrorIs(t, err, ErrEmptyTurn)

	_, err = f.manager.Session("conv-1").Turn(ctx, Input{Decisions: map[string]message.Decision{"W": "MAYBE"}}, nil)
	require.ErrorIs(t, err, ErrInvalidDecision)

	_, err = f.manager.Session("../x").Turn(ctx, Input{Text: "hi"}, nil)
	require.ErrorIs(t, err, store.ErrInvalidID)
}

func TestTurn_ProviderErrorIsNotReturned(t *testing.T) {
	f := newFixture(t, modeladaptertest.Step{Err: errors.New("quota")})

	rec := &composer.Recorder{}
	res, err := f.manager.Session("conv-1").Turn(context.Background(), Input{Text: "hi"}, rec)

	require.NoError(t, err)
	assert.Equal(t, composer.Failed, res.State)
	require.EqualError(t, res.Err, "quota")
	assert.Equal(t, composer.EventError, rec.Events()[len(rec.Events())-1].Type)
	assert.Len(t, f.stored(t, "conv-1"), 1)
}

func TestTurn_CancelledTurnIsSavedInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, modeladaptertest.Step{
		Events: []modeladapter.Event{
			modeladapter.TextDelta{Text: "Thinking"},
			modeladapter.ToolCall{ToolCallID: "T", ToolName: "get_weather_information"},
			modeladapter.TextDelta{Text: "more"},
		},
		Hook: func(_ context.Context, i int) error {
			if i == 2 {
				cancel()
				return context.Canceled
			}
			return nil
		},
	})

	res, err := f.manager.Session("conv-1").Turn(ctx, Input{Text: "hi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, composer.Failed, res.State)

	msgs := f.stored(t, "conv-1")
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].Interrupted)
	assert.Equal(t, "Thinking", msgs[1].TextContent())
}

type failingStore struct {
	store.Store
	saves atomic.Int32
}

func (s *failingStore) Save(context.Context, string, []message.Message) error {
	s.saves.Add(1)
	return errors.New("disk full")
}

func TestTurn_FinishWaitsForSave(t *testing.T) {
	f := newFixture(t, answer("hello"), answer("hello again"))
	ctx := context.Background()

	// The finish event arrives after the history is stored.
	var storedAtFinish int
	sink := composer.SinkFunc(func(_ context.Context, ev composer.Event) error {
		if ev.Type == composer.EventFinish {
			storedAtFinish = len(f.stored(t, "conv-1"))
		}
		return nil
	})
	_, err := f.manager.Session("conv-1").Turn(ctx, Input{Text: "hi"}, sink)
	require.NoError(t, err)
	assert.Equal(t, 2, storedAtFinish)

	broken := &failingStore{Store: f.store}
	f.manager.store = broken

	rec := &composer.Recorder{}
	_, err = f.manager.Session("conv-1").Turn(ctx, Input{Text: "again"}, rec)
	require.ErrorContains(t, err, "disk full")
	assert.Equal(t, int32(1), broken.saves.Load())

	events := rec.Events()
	require.NotEmpty(t, events)
	assert.NotContains(t, rec.Types(), composer.EventFinish)
	last := events[len(events)-1]
	assert.Equal(t, composer.EventError, last.Type)
	assert.Contains(t, last.Error, "disk full")
	assert.Equal(t, events[0].MessageID, last.MessageID)
}

func TestTurn_ReloadsFromStore(t *testing.T) {
	f := newFixture(t, answer("one"), answer("two"))
	s := f.manager.Session("conv-1")
	ctx := context.Background()

	_, err := s.Turn(ctx, Input{Text: "first"}, nil)
	require.NoError(t, err)

	// Another writer replaces the history between turns.
	require.NoError(t, f.store.Save(ctx, "conv-1", []message.Message{message.NewText(role.User, "edited")}))

	_, err = s.Turn(ctx, Input{Text: "second"}, nil)
	require.NoError(t, err)

	req := f.completer.Requests()[1]
	require.GreaterOrEqual(t, len(req.Messages), 2)
	assert.Equal(t, "edited", req.Messages[0].TextContent())
	assert.Equal(t, "second", req.Messages[1].TextContent())
}

func TestTurn_ConcurrentTurnsAreSerialized(t *testing.T) {
	const turns = 5

	steps := make([]modeladaptertest.Step, turns)
	for i := range steps {
		steps[i] = answer("ok")
	}
	f := newFixture(t, steps...)
	s := f.manager.Session("conv-1")

	var wg sync.WaitGroup
	for range turns {
		wg.Go(func() {
			_, err := s.Turn(context.Background(), Input{Text: "hi"}, nil)
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	// No turn overwrote another: every user and assistant message is kept.
	assert.Len(t, f.stored(t, "conv-1"), 2*turns)
}

type recordingObserver struct {
	mu       sync.Mutex
	started  []string
	events   int
	finished []composer.State
}

func (o *recordingObserver) TurnStarted(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, id)
}

func (o *recordingObserver) TurnEvent(string, composer.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events++
}

func (o *recordingObserver) TurnFinished(_ string, res composer.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, res.State)
}

func TestTurn_Observer(t *testing.T) {
	f := newFixture(t, answer("hello"))
	obs := &recordingObserver{}
	f.manager.observer = obs

	rec := &composer.Recorder{}
	_, err := f.manager.Session("conv-1").Turn(context.Background(), Input{Text: "hi"}, rec)
	require.NoError(t, err)

	assert.Equal(t, []string{"conv-1"}, obs.started)
	assert.Equal(t, len(rec.Events()), obs.events)
	assert.Equal(t, []composer.State{composer.Done}, obs.finished)
}

func TestSession_Messages(t *testing.T) {
	f := newFixture(t, answer("hello"))
	s := f.manager.Session("conv-1")

	msgs, err := s.Messages(context.Background())
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = s.Turn(context.Background(), Input{Text: "hi"}, nil)
	require.NoError(t, err)

	msgs, err = s.Messages(context.Background())
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Equal(t, "conv-1", s.ID())
}
