package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/germanamz/relay/pkg/tools/toolbox"
)

type localTimeInput struct {
	Timezone string `json:"timezone"`
}

type localTimeOutput struct {
	Timezone string `json:"timezone"`
	Time     string `json:"time"`
	Weekday  string `json:"weekday"`
}

func localTimeTool(now func() time.Time) toolbox.Tool {
	return toolbox.Tool{
		Name:        GetLocalTime,
		Description: "Get the current local time in an IANA timezone such as Europe/Lisbon. Defaults to UTC.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"timezone":{"type":"string","description":"IANA timezone name"}},"additionalProperties":false}`),
		Handler: func(_ context.Context, _ toolbox.Conversation, input json.RawMessage) (string, error) {
			var in localTimeInput
			if err := decode(GetLocalTime, input, &in); err != nil {
				return "", err
			}

			if in.Timezone == "" {
				in.Timezone = "UTC"
			}

			loc, err := time.LoadLocation(in.Timezone)
			if err != nil {
				return "", fmt.Errorf("%s: unknown timezone %q", GetLocalTime, in.Timezone)
			}

			t := now().In(loc)
			return encode(GetLocalTime, localTimeOutput{
				Timezone: loc.String(),
				Time:     t.Format(time.RFC3339),
				Weekday:  t.Weekday().String(),
			})
		},
	}
}
