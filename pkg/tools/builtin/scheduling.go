package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/germanamz/relay/pkg/schedule"
	"github.com/germanamz/relay/pkg/tools/toolbox"
)

type scheduleInput struct {
	Description string `json:"description"`
	Cron        string `json:"cron"`
	Delay       string `json:"delay"`
	At          string `json:"at"`
}

type cancelInput struct {
	ID string `json:"id"`
}

type tasksOutput struct {
	Tasks []schedule.Task `json:"tasks"`
}

func scheduleTools(s *schedule.Scheduler) []toolbox.Tool {
	return []toolbox.Tool{
		{
			Name:        ScheduleTask,
			Description: "Schedule a task for this conversation. Give exactly one of cron (a cron expression or @daily style descriptor), delay (a duration such as 90s or 2h) or at (an RFC 3339 time).",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"description":{"type":"string","minLength":1},"cron":{"type":"string"},"delay":{"type":"string"},"at":{"type":"string","format":"date-time"}},"required":["description"],"additionalProperties":false}`),
			Handler: func(_ context.Context, conv toolbox.Conversation, input json.RawMessage) (string, error) {
				var in scheduleInput
				if err := decode(ScheduleTask, input, &in); err != nil {
					return "", err
				}

				spec := schedule.Spec{Description: in.Description, Cron: in.Cron}

				if in.Delay != "" {
					d, err := time.ParseDuration(in.Delay)
					if err != nil {
						return "", fmt.Errorf("%s: invalid delay %q: %w", ScheduleTask, in.Delay, err)
					}
					spec.Delay = d
				}

				if in.At != "" {
					at, err := time.Parse(time.RFC3339, in.At)
					if err != nil {
						return "", fmt.Errorf("%s: invalid time %q: %w", ScheduleTask, in.At, err)
					}
					spec.At = at
				}

				task, err := s.Add(conv.ID(), spec)
				if err != nil {
					return "", err
				}

				return encode(ScheduleTask, task)
			},
		},
		{
			Name:        GetScheduledTasks,
			Description: "List the tasks scheduled in this conversation, soonest first.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`),
			Handler: func(_ context.Context, conv toolbox.Conversation, _ json.RawMessage) (string, error) {
				tasks := s.List(conv.ID())
				if tasks == nil {
					tasks = []schedule.Task{}
				}
				return encode(GetScheduledTasks, tasksOutput{Tasks: tasks})
			},
		},
		{
			Name:        CancelScheduledTask,
			Description: "Cancel a task scheduled in this conversation.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"id":{"type":"string","minLength":1}},"required":["id"],"additionalProperties":false}`),
			Handler: func(_ context.Context, conv toolbox.Conversation, input json.RawMessage) (string, error) {
				var in cancelInput
				if err := decode(CancelScheduledTask, input, &in); err != nil {
					return "", err
				}

				task, err := s.Cancel(conv.ID(), in.ID)
				if err != nil {
					return "", err
				}

				return encode(CancelScheduledTask, task)
			},
		},
	}
}
