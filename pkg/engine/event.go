package engine

import (
	"sync"
	"time"

	"github.com/germanamz/relay/pkg/composer"
	"github.com/germanamz/relay/pkg/schedule"
	"github.com/germanamz/relay/pkg/session"
)

// EventKind identifies the type of engine event.
type EventKind string

const (
	EventTurnStart  EventKind = "turn_start"
	EventToolCall   EventKind = "tool_call"
	EventToolResult EventKind = "tool_result"
	EventTurnEnd    EventKind = "turn_end"
	EventTaskDue    EventKind = "task_due"
	EventError      EventKind = "error"
)

// Event is an immutable notification of engine activity.
type Event struct {
	Kind           EventKind `json:"kind"`
	ConversationID string    `json:"conversationId"`
	Timestamp      time.Time `json:"timestamp"`
	Data           any       `json:"data,omitempty"`
}

// TurnSummary is the Data of a turn_end event.
type TurnSummary struct {
	State   string   `json:"state"`
	Steps   int      `json:"steps"`
	Pending []string `json:"pending,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Subscription receives events from an EventBus.
type Subscription struct {
	C  <-chan Event
	ch chan Event
}

// EventBus fans out events to all active subscribers. It is safe for
// concurrent use.
//
// EventBus implements session.Observer: turn starts, tool calls, tool
// results, errors and turn ends are published. Text deltas are not.
type EventBus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
	now  func() time.Time
}

var _ session.Observer = (*EventBus)(nil)

// NewEventBus creates an EventBus ready for use.
func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[*Subscription]struct{}),
		now:  time.Now,
	}
}

// Subscribe creates a new subscription with the given channel buffer size.
// The caller should read from sub.C and eventually call Unsubscribe.
func (b *EventBus) Subscribe(bufSize int) *Subscription {
	ch := make(chan Event, bufSize)
	sub := &Subscription{C: ch, ch: ch}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (b *EventBus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish sends an event to all subscribers. If a subscriber's buffer is full
// the event is dropped for that subscriber so a slow consumer never stalls a
// turn.
func (b *EventBus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
		}
	}
}

// TurnStarted implements session.Observer.
func (b *EventBus) TurnStarted(conversationID string) {
	b.Publish(Event{Kind: EventTurnStart, ConversationID: conversationID})
}

// TurnEvent implements session.Observer.
func (b *EventBus) TurnEvent(conversationID string, ev composer.Event) {
	var kind EventKind
	switch ev.Type {
	case composer.EventToolCall:
		kind = EventToolCall
	case composer.EventToolResult:
		kind = EventToolResult
	case composer.EventError:
		kind = EventError
	default:
		return
	}

	b.Publish(Event{Kind: kind, ConversationID: conversationID, Data: ev})
}

// TurnFinished implements session.Observer.
func (b *EventBus) TurnFinished(conversationID string, res composer.Result) {
	sum := TurnSummary{
		State:   res.State.String(),
		Steps:   res.Steps,
		Pending: res.Pending,
	}
	if res.Err != nil {
		sum.Error = res.Err.Error()
	}

	b.Publish(Event{Kind: EventTurnEnd, ConversationID: conversationID, Data: sum})
}

// TaskDue publishes a task_due event. It is the scheduler's FireFunc in a
// running engine.
func (b *EventBus) TaskDue(t schedule.Task) {
	b.Publish(Event{Kind: EventTaskDue, ConversationID: t.ConversationID, Data: t})
}
