package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/germanamz/relay/pkg/tools/toolbox"
)

type weatherInput struct {
	City string `json:"city"`
}

type weatherOutput struct {
	City         string `json:"city"`
	Condition    string `json:"condition"`
	TemperatureC int    `json:"temperatureC"`
}

var conditions = []string{"sunny", "cloudy", "rainy", "snowy", "windy"}

func weatherTool() toolbox.Tool {
	return toolbox.Tool{
		Name:        GetWeatherInformation,
		Description: "Get the current weather for a city. Requires the user's confirmation.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string","minLength":1,"description":"City name"}},"required":["city"],"additionalProperties":false}`),
		Handler:     handleWeather,
	}
}

// handleWeather reports a stable, made-up forecast derived from the city
// name.
func handleWeather(_ context.Context, _ toolbox.Conversation, input json.RawMessage) (string, error) {
	var in weatherInput
	if err := decode(GetWeatherInformation, input, &in); err != nil {
		return "", err
	}

	city := strings.TrimSpace(in.City)
	if city == "" {
		return "", fmt.Errorf("%s: city is required", GetWeatherInformation)
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(city)))
	sum := h.Sum32()

	return encode(GetWeatherInformation, weatherOutput{
		City:         city,
		Condition:    conditions[sum%uint32(len(conditions))],
		TemperatureC: int(sum%35) - 5,
	})
}
