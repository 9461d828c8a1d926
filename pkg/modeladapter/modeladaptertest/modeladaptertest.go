// Package modeladaptertest provides a scripted Completer for tests of code
// that drives model streams.
package modeladaptertest

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"

	"github.com/germanamz/relay/pkg/modeladapter"
)

// ErrNoResponse is returned by Stream when the script ran out of steps.
var ErrNoResponse = errors.New("modeladaptertest: no scripted response left")

// Step scripts one Stream call.
type Step struct {
	// Err fails the Stream call itself.
	Err error
	// Events are yielded in order by Recv.
	Events []modeladapter.Event
	// RecvErr is returned by Recv after Events instead of io.EOF.
	RecvErr error
	// Hook runs before event i is delivered (i == len(Events) before the
	// terminal io.EOF or RecvErr). A non-nil error is returned by Recv.
	Hook func(ctx context.Context, i int) error
}

// Completer replays scripted steps, one per Stream call, and records every
// request it receives. It is safe for concurrent use.
type Completer struct {
	mu       sync.Mutex
	steps    []Step
	respond  func(call int, req modeladapter.Request) Step
	requests []modeladapter.Request
}

// New returns a Completer that replays steps in order.
func New(steps ...Step) *Completer {
	return &Completer{steps: steps}
}

// NewFunc returns a Completer that asks fn for the step of every call. call
// starts at 0.
func NewFunc(fn func(call int, req modeladapter.Request) Step) *Completer {
	return &Completer{respond: fn}
}

// ProviderName implements modeladapter.Namer.
func (c *Completer) ProviderName() string { return "scripted" }

// Calls returns the number of Stream calls made so far.
func (c *Completer) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Requests returns a copy of the requests received so far.
func (c *Completer) Requests() []modeladapter.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.requests)
}

// Stream implements modeladapter.Completer.
func (c *Completer) Stream(ctx context.Context, req modeladapter.Request) (modeladapter.Stream, error) {
	req.Messages = slices.Clone(req.Messages)
	req.Tools = slices.Clone(req.Tools)

	c.mu.Lock()
	call := len(c.requests)
	c.requests = append(c.requests, req)

	var step Step
	switch {
	case c.respond != nil:
		c.mu.Unlock()
		step = c.respond(call, req)
	case call < len(c.steps):
		step = c.steps[call]
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		return nil, ErrNoResponse
	}

	if step.Err != nil {
		return nil, step.Err
	}

	return &stream{ctx: ctx, step: step}, nil
}

type stream struct {
	ctx    context.Context
	step   Step
	next   int
	closed bool
}

func (s *stream) Recv() (modeladapter.Event, error) {
	if s.closed {
		return nil, errors.New("modeladaptertest: recv on closed stream")
	}
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}

	if s.step.Hook != nil {
		if err := s.step.Hook(s.ctx, s.next); err != nil {
			return nil, err
		}
	}

	if s.next < len(s.step.Events) {
		ev := s.step.Events[s.next]
		s.next++
		return ev, nil
	}

	if s.step.RecvErr != nil {
		return nil, s.step.RecvErr
	}

	return nil, io.EOF
}

func (s *stream) Close() error {
	s.closed = true
	return nil
}
