package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/voralis/loom/pkg/chat"
)

// Guardrail validates a turn's input before any provider call is made.
// A returned error fails Evaluate synchronously in the init phase.
type Guardrail func(ctx context.Context, input chat.Message) error

// MetricsRecorder receives runtime measurements. Implementations must be
// safe for concurrent use; a nil recorder disables metrics.
type MetricsRecorder interface {
	TurnCompleted(provider, model string, reason chat.StopReason, elapsed time.Duration, usage chat.Usage)
	ToolExecuted(tool string, isError bool, elapsed time.Duration)
	ProviderError(provider string)
}

// Options configures loop behavior for an agent.
type Options struct {
	// Model selects the model id sent to the provider.
	Model string

	// System is the system prompt for every turn.
	System string

	// MaxTokens caps output per turn. Zero falls back to the registry's
	// per-model default, then to the provider's own default.
	MaxTokens int

	// ThinkingBudget enables extended reasoning with this token budget on
	// capable backends.
	ThinkingBudget int

	// MaxIterations bounds tool rounds per Evaluate call. The round after
	// the cap fails with ErrMaxIterations instead of executing tools.
	MaxIterations int

	// Sink receives lifecycle events. Nil discards them.
	Sink EventSink

	// Guardrail validates input before the first provider call.
	Guardrail Guardrail

	// Metrics receives runtime measurements.
	Metrics MetricsRecorder

	// Logger receives runtime diagnostics.
	Logger *slog.Logger
}

// DefaultOptions returns the baseline options.
func DefaultOptions() Options {
	return Options{
		MaxIterations: 8,
		Logger:        slog.Default(),
	}
}

func sanitizeOptions(opts Options) Options {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultOptions().MaxIterations
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}
