// Package builtin provides the tools relay ships with: a weather lookup, the
// local time, task scheduling and a URL fetcher.
//
// Every handler receives the conversation it acts on explicitly; the
// scheduling tools use it to keep each conversation's tasks apart.
package builtin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/germanamz/relay/pkg/schedule"
	"github.com/germanamz/relay/pkg/tools/toolbox"
)

// Tool names.
const (
	GetWeatherInformation = "get_weather_information"
	GetLocalTime          = "get_local_time"
	ScheduleTask          = "schedule_task"
	GetScheduledTasks     = "get_scheduled_tasks"
	CancelScheduledTask   = "cancel_scheduled_task"
	FetchURL              = "fetch_url"
)

// Names lists every builtin tool.
var Names = []string{
	GetWeatherInformation,
	GetLocalTime,
	ScheduleTask,
	GetScheduledTasks,
	CancelScheduledTask,
	FetchURL,
}

// DefaultGated lists the builtin tools that need a human decision unless the
// configuration says otherwise.
var DefaultGated = []string{GetWeatherInformation, FetchURL}

// Options configures the builtin tools.
type Options struct {
	// Scheduler backs the scheduling tools. They are omitted when nil.
	Scheduler *schedule.Scheduler
	// HTTPClient is used by fetch_url. Nil uses a client that refuses to
	// connect to private and loopback addresses.
	HTTPClient *http.Client
	// Now replaces the clock. Nil uses time.Now.
	Now func() time.Time
}

// Tools returns a ToolBox with the builtin tools.
func Tools(opts Options) *toolbox.ToolBox {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	client := opts.HTTPClient
	if client == nil {
		client = newSafeClient()
	}

	tb := toolbox.New()
	tb.Register(
		weatherTool(),
		localTimeTool(now),
		fetchTool(client),
	)

	if opts.Scheduler != nil {
		tb.Register(scheduleTools(opts.Scheduler)...)
	}

	return tb
}

func decode(name string, input json.RawMessage, v any) error {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(input, v); err != nil {
		return fmt.Errorf("%s: invalid input: %w", name, err)
	}
	return nil
}

func encode(name string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%s: marshal: %w", name, err)
	}
	return string(data), nil
}
