package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of a relay process.
//
// All recording methods are safe to call on a nil *Metrics, which records
// nothing. Components therefore take an optional *Metrics.
type Metrics struct {
	// TurnsTotal counts finished turns.
	// Labels: state (done|awaiting-confirmation|failed|interrupted|rejected)
	TurnsTotal *prometheus.CounterVec

	// TurnDuration measures turn latency in seconds.
	TurnDuration prometheus.Histogram

	// ActiveTurns is the number of turns currently streaming.
	ActiveTurns prometheus.Gauge

	// StepsTotal counts model invocations made by the composer.
	StepsTotal prometheus.Counter

	// ProviderRequests counts provider stream requests.
	// Labels: provider, status (success|error)
	ProviderRequests *prometheus.CounterVec

	// ProviderTokens tracks token consumption.
	// Labels: provider, type (input|output)
	ProviderTokens *prometheus.CounterVec

	// ToolExecutions counts tool executions.
	// Labels: tool, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// Decisions counts human decisions applied to gated calls.
	// Labels: decision (APPROVE|REJECT)
	Decisions *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. Use
// prometheus.DefaultRegisterer in production and prometheus.NewRegistry() in
// tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		TurnsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_turns_total",
				Help: "Total number of turns by final state",
			},
			[]string{"state"},
		),
		TurnDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_turn_duration_seconds",
				Help:    "Duration of turns in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),
		ActiveTurns: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_active_turns",
				Help: "Number of turns currently streaming",
			},
		),
		StepsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_steps_total",
				Help: "Total number of model invocations",
			},
		),
		ProviderRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_provider_requests_total",
				Help: "Total number of provider requests by provider and status",
			},
			[]string{"provider", "status"},
		),
		ProviderTokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_provider_tokens_total",
				Help: "Total number of tokens by provider and type",
			},
			[]string{"provider", "type"},
		),
		ToolExecutions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tool_executions_total",
				Help: "Total number of tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),
		ToolDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		Decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_decisions_total",
				Help: "Total number of human decisions applied to gated tool calls",
			},
			[]string{"decision"},
		),
	}
}

// TurnStarted marks a turn as active.
func (m *Metrics) TurnStarted() {
	if m == nil {
		return
	}
	m.ActiveTurns.Inc()
}

// TurnFinished records the end state and duration of a turn.
func (m *Metrics) TurnFinished(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveTurns.Dec()
	m.TurnsTotal.WithLabelValues(state).Inc()
	m.TurnDuration.Observe(d.Seconds())
}

// Step records one model invocation.
func (m *Metrics) Step() {
	if m == nil {
		return
	}
	m.StepsTotal.Inc()
}

// ProviderRequest records a provider request outcome.
func (m *Metrics) ProviderRequest(provider string, err error) {
	if m == nil {
		return
	}
	m.ProviderRequests.WithLabelValues(provider, status(err == nil)).Inc()
}

// Tokens records token usage reported by a provider.
func (m *Metrics) Tokens(provider string, input, output int) {
	if m == nil {
		return
	}
	m.ProviderTokens.WithLabelValues(provider, "input").Add(float64(input))
	m.ProviderTokens.WithLabelValues(provider, "output").Add(float64(output))
}

// ToolExecuted records a tool execution.
func (m *Metrics) ToolExecuted(tool string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, status(ok)).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// Decision records a human decision.
func (m *Metrics) Decision(decision string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(decision).Inc()
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
