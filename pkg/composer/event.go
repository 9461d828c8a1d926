package composer

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/germanamz/relay/pkg/chats/content"
	"github.com/germanamz/relay/pkg/chats/message"
)

// EventType identifies a wire event.
type EventType string

const (
	EventStart      EventType = "start"
	EventTextDelta  EventType = "text-delta"
	EventToolCall   EventType = "tool-call"
	EventToolResult EventType = "tool-result"
	EventSource     EventType = "source"
	EventAnnotation EventType = "annotation"
	EventFinish     EventType = "finish"
	EventError      EventType = "error"
)

// Finish states reported on the wire.
const (
	FinishDone                 = "done"
	FinishAwaitingConfirmation = "awaiting-confirmation"
)

// Event is one frame of the output stream. Every stream starts with a start
// event and ends with exactly one finish or error event.
type Event struct {
	Type       EventType           `json:"type"`
	MessageID  string              `json:"messageId,omitempty"`
	Step       int                 `json:"step,omitempty"`
	Text       string              `json:"text,omitempty"`
	ToolCallID string              `json:"toolCallId,omitempty"`
	ToolName   string              `json:"toolName,omitempty"`
	Args       json.RawMessage     `json:"args,omitempty"`
	Result     string              `json:"result,omitempty"`
	IsError    bool                `json:"isError,omitempty"`
	Source     *content.Source     `json:"source,omitempty"`
	Annotation *message.Annotation `json:"annotation,omitempty"`
	State      string              `json:"state,omitempty"`
	Pending    []string            `json:"pending,omitempty"`
	Error      string              `json:"error,omitempty"`
}

func toolCallEvent(msgID string, step int, inv content.ToolInvocation) Event {
	return Event{
		Type:       EventToolCall,
		MessageID:  msgID,
		Step:       step,
		ToolCallID: inv.ToolCallID,
		ToolName:   inv.ToolName,
		Args:       inv.Args,
	}
}

func toolResultEvent(msgID string, step int, inv content.ToolInvocation) Event {
	return Event{
		Type:       EventToolResult,
		MessageID:  msgID,
		Step:       step,
		ToolCallID: inv.ToolCallID,
		ToolName:   inv.ToolName,
		Result:     inv.Result,
		IsError:    inv.IsError,
	}
}

// Sink receives the events of a turn in order.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event) error

// Send implements Sink.
func (f SinkFunc) Send(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Discard is a Sink that drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })

// Tee returns a Sink that sends every event to each sink in order. The first
// error is returned after all sinks were tried.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, ev Event) error {
		var first error
		for _, s := range sinks {
			if err := s.Send(ctx, ev); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
}

// Recorder is a Sink that keeps every event. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Send implements Sink.
func (r *Recorder) Send(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the type of every recorded event, in order.
func (r *Recorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}
