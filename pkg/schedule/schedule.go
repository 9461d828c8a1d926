// Package schedule keeps the tasks that conversations schedule for later.
//
// A task either recurs on a cron expression or fires once at a point in
// time. Tasks belong to the conversation that created them; listing and
// cancelling are scoped to that conversation. When a task fires the
// scheduler calls its FireFunc; what firing means is up to the caller.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/germanamz/relay/pkg/observability"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// ErrNotFound is returned when a task does not exist in the conversation.
var ErrNotFound = errors.New("schedule: task not found")

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Spec describes when a task runs. Exactly one of Cron, Delay and At must be
// set.
type Spec struct {
	Description string
	Cron        string
	Delay       time.Duration
	At          time.Time
}

// Task is a scheduled task.
type Task struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Description    string    `json:"description"`
	Cron           string    `json:"cron,omitempty"`
	RunAt          time.Time `json:"runAt,omitzero"`
	CreatedAt      time.Time `json:"createdAt"`
	Next           time.Time `json:"next"`
}

// Recurring reports whether the task runs on a cron expression.
func (t Task) Recurring() bool { return t.Cron != "" }

// FireFunc is called when a task is due.
type FireFunc func(ctx context.Context, t Task)

type entry struct {
	task     Task
	schedule cron.Schedule
	id       cron.EntryID
}

// Scheduler runs scheduled tasks. It is safe for concurrent use.
type Scheduler struct {
	cron   *cron.Cron
	fire   FireFunc
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	tasks map[string]*entry
}

// New creates a Scheduler. fire may be nil, in which case due tasks are only
// logged.
func New(fire FireFunc, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithParser(cronParser)),
		fire:   fire,
		logger: observability.LoggerOrDefault(logger),
		now:    time.Now,
		tasks:  make(map[string]*entry),
	}
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop stops the scheduler and waits for running tasks or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Add schedules a task for the conversation.
func (s *Scheduler) Add(conversationID string, spec Spec) (Task, error) {
	now := s.now()

	sched, task, err := s.parse(spec, now)
	if err != nil {
		return Task{}, err
	}

	task.ID = "task_" + uuid.NewString()[:8]
	task.ConversationID = conversationID
	task.CreatedAt = now

	e := &entry{task: task, schedule: sched}

	s.mu.Lock()
	defer s.mu.Unlock()

	e.id = s.cron.Schedule(sched, cron.FuncJob(func() { s.run(task.ID) }))
	s.tasks[task.ID] = e

	s.logger.Info("task scheduled",
		"conversation_id", conversationID, "task_id", task.ID, "next", task.Next)

	return task, nil
}

func (s *Scheduler) parse(spec Spec, now time.Time) (cron.Schedule, Task, error) {
	task := Task{Description: strings.TrimSpace(spec.Description)}

	set := 0
	for _, ok := range []bool{strings.TrimSpace(spec.Cron) != "", spec.Delay != 0, !spec.At.IsZero()} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return nil, Task{}, errors.New("schedule: exactly one of cron, delay or at is required")
	}

	switch {
	case spec.Cron != "":
		expr := strings.TrimSpace(spec.Cron)
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return nil, Task{}, fmt.Errorf("schedule: invalid cron expression: %w", err)
		}
		task.Cron = expr
		task.Next = sched.Next(now)
		return sched, task, nil

	case spec.Delay != 0:
		if spec.Delay < 0 {
			return nil, Task{}, errors.New("schedule: delay must be positive")
		}
		task.RunAt = now.Add(spec.Delay)

	default:
		if !spec.At.After(now) {
			return nil, Task{}, errors.New("schedule: time must be in the future")
		}
		task.RunAt = spec.At
	}

	task.Next = task.RunAt
	return once(task.RunAt), task, nil
}

// once fires a single time at t.
type once time.Time

func (o once) Next(now time.Time) time.Time {
	if now.Before(time.Time(o)) {
		return time.Time(o)
	}
	return time.Time{}
}

func (s *Scheduler) run(id string) {
	s.mu.Lock()
	e, ok := s.tasks[id]
	if ok {
		if e.task.Recurring() {
			e.task.Next = e.schedule.Next(s.now())
		} else {
			delete(s.tasks, id)
			s.cron.Remove(e.id)
		}
	}
	var task Task
	if ok {
		task = e.task
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	s.logger.Info("task due", "conversation_id", task.ConversationID, "task_id", task.ID)

	if s.fire != nil {
		s.fire(context.Background(), task)
	}
}

// List returns the tasks of the conversation ordered by their next run.
func (s *Scheduler) List(conversationID string) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Task
	for _, e := range s.tasks {
		if e.task.ConversationID == conversationID {
			out = append(out, e.task)
		}
	}

	slices.SortFunc(out, func(a, b Task) int {
		if c := a.Next.Compare(b.Next); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	return out
}

// Cancel removes a task of the conversation.
func (s *Scheduler) Cancel(conversationID, id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[id]
	if !ok || e.task.ConversationID != conversationID {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	delete(s.tasks, id)
	s.cron.Remove(e.id)

	return e.task, nil
}
