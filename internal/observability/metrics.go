// Package observability wires metrics and logging for the runtime.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/voralis/loom/pkg/chat"
)

// Metrics collects Prometheus measurements for the agent loop. It
// satisfies the loop's MetricsRecorder interface.
type Metrics struct {
	// TurnCounter counts provider turns.
	// Labels: provider, model, stop_reason
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures provider turn latency in seconds.
	// Labels: provider, model
	TurnDuration *prometheus.HistogramVec

	// TokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output|cache_read|cache_write)
	TokensUsed *prometheus.CounterVec

	// ToolCounter counts tool executions.
	// Labels: tool, status (success|error)
	ToolCounter *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// ProviderErrors counts terminal provider failures.
	// Labels: provider
	ProviderErrors *prometheus.CounterVec
}

// NewMetrics creates and registers the metric set with reg. Pass
// prometheus.DefaultRegisterer outside of tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_turns_total",
				Help: "Total provider turns by provider, model, and stop reason",
			},
			[]string{"provider", "model", "stop_reason"},
		),
		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_turn_duration_seconds",
				Help:    "Provider turn latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_tokens_total",
				Help: "Token consumption by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		ToolCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_tool_executions_total",
				Help: "Tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),
		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_tool_duration_seconds",
				Help:    "Tool execution time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		ProviderErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_provider_errors_total",
				Help: "Terminal provider failures by provider",
			},
			[]string{"provider"},
		),
	}
}

// TurnCompleted records one finished provider turn.
func (m *Metrics) TurnCompleted(provider, model string, reason chat.StopReason, elapsed time.Duration, usage chat.Usage) {
	m.TurnCounter.WithLabelValues(provider, model, string(reason)).Inc()
	m.TurnDuration.WithLabelValues(provider, model).Observe(elapsed.Seconds())

	m.TokensUsed.WithLabelValues(provider, model, "input").Add(float64(usage.Input))
	m.TokensUsed.WithLabelValues(provider, model, "output").Add(float64(usage.Output))
	if usage.CacheRead > 0 {
		m.TokensUsed.WithLabelValues(provider, model, "cache_read").Add(float64(usage.CacheRead))
	}
	if usage.CacheWrite > 0 {
		m.TokensUsed.WithLabelValues(provider, model, "cache_write").Add(float64(usage.CacheWrite))
	}
}

// ToolExecuted records one tool execution.
func (m *Metrics) ToolExecuted(tool string, isError bool, elapsed time.Duration) {
	status := "success"
	if isError {
		status = "error"
	}
	m.ToolCounter.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// ProviderError records a terminal provider failure.
func (m *Metrics) ProviderError(provider string) {
	m.ProviderErrors.WithLabelValues(provider).Inc()
}
