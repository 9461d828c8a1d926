package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/germanamz/relay/pkg/composer"
	"github.com/germanamz/relay/pkg/schedule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()

	select {
	case e := <-sub.C:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestEventBus_SubscribePublish(t *testing.T) {
	bus := NewEventBus()
	sub := bus.Subscribe(8)
	defer bus.Unsubscribe(sub)

	bus.Publish(Event{Kind: EventTurnStart, ConversationID: "c1"})

	got := receive(t, sub)
	assert.Equal(t, EventTurnStart, got.Kind)
	assert.Equal(t, "c1", got.ConversationID)
	assert.False(t, got.Timestamp.IsZero())
}

func TestEventBus_FanOut(t *testing.T) {
	bus := NewEventBus()
	sub1 := bus.Subscribe(4)
	sub2 := bus.Subscribe(4)
	defer bus.Unsubscribe(sub1)
	defer bus.Unsubscribe(sub2)

	bus.Publish(Event{Kind: EventTurnEnd})

	assert.Equal(t, EventTurnEnd, receive(t, sub1).Kind)
	assert.Equal(t, EventTurnEnd, receive(t, sub2).Kind)
}

func TestEventBus_NonBlockingDrop(t *testing.T) {
	bus := NewEventBus()
	sub := bus.Subscribe(1)
	defer bus.Unsubscribe(sub)

	bus.Publish(Event{Kind: EventTurnStart})
	// Buffer is full: dropped, not blocked.
	bus.Publish(Event{Kind: EventTurnEnd})

	got := <-sub.C
	assert.Equal(t, EventTurnStart, got.Kind)

	select {
	case <-sub.C:
		t.Fatal("expected channel to be empty after drop")
	default:
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus()
	sub := bus.Subscribe(4)

	bus.Unsubscribe(sub)

	_, ok := <-sub.C
	assert.False(t, ok, "channel should be closed after unsubscribe")

	// Double unsubscribe should not panic.
	bus.Unsubscribe(sub)
}

func TestEventBus_PublishNoSubscribers(t *testing.T) {
	bus := NewEventBus()
	bus.Publish(Event{Kind: EventError})
}

func TestEventBus_Observer(t *testing.T) {
	bus := NewEventBus()
	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	bus.TurnStarted("c1")
	bus.TurnEvent("c1", composer.Event{Type: composer.EventStart})
	bus.TurnEvent("c1", composer.Event{Type: composer.EventTextDelta, Text: "hi"})
	bus.TurnEvent("c1", composer.Event{Type: composer.EventToolCall, ToolCallID: "A", ToolName: "get_local_time"})
	bus.TurnEvent("c1", composer.Event{Type: composer.EventToolResult, ToolCallID: "A", Result: "10:00"})
	bus.TurnEvent("c1", composer.Event{Type: composer.EventError, Error: "boom"})
	bus.TurnFinished("c1", composer.Result{
		State:   composer.Failed,
		Steps:   1,
		Pending: []string{"B"},
		Err:     errors.New("boom"),
	})

	var kinds []EventKind
	for range 5 {
		e := receive(t, sub)
		assert.Equal(t, "c1", e.ConversationID)
		kinds = append(kinds, e.Kind)

		if e.Kind == EventTurnEnd {
			sum, ok := e.Data.(TurnSummary)
			require.True(t, ok)
			assert.Equal(t, TurnSummary{State: "failed", Steps: 1, Pending: []string{"B"}, Error: "boom"}, sum)
		}
		if e.Kind == EventToolCall {
			ev, ok := e.Data.(composer.Event)
			require.True(t, ok)
			assert.Equal(t, "get_local_time", ev.ToolName)
		}
	}

	assert.Equal(t, []EventKind{EventTurnStart, EventToolCall, EventToolResult, EventError, EventTurnEnd}, kinds)
}

func TestEventBus_TaskDue(t *testing.T) {
	bus := NewEventBus()
	sub := bus.Subscribe(1)
	defer bus.Unsubscribe(sub)

	bus.TaskDue(schedule.Task{ID: "task_1", ConversationID: "c9", Description: "stretch"})

	got := receive(t, sub)
	assert.Equal(t, EventTaskDue, got.Kind)
	assert.Equal(t, "c9", got.ConversationID)
	assert.Equal(t, "stretch", got.Data.(schedule.Task).Description)
}
