package agent

import (
	"errors"
	"fmt"
)

// Common sentinel errors for agent operations
var (
	// ErrMaxIterations indicates the tool loop exceeded its iteration limit
	ErrMaxIterations = errors.New("max tool iterations exceeded")

	// ErrNoProvider indicates no provider is configured
	ErrNoProvider = errors.New("no provider configured")

	// ErrToolNotFound indicates a requested tool doesn't exist
	ErrToolNotFound = errors.New("tool not found")

	// ErrNothingPending indicates a resume was attempted with no pending calls
	ErrNothingPending = errors.New("no pending tool calls to resume")

	// ErrStateBusy indicates the state is already owned by a running evaluate
	ErrStateBusy = errors.New("state is in use by another evaluate call")
)

// LoopPhase represents a distinct phase in the evaluate lifecycle.
type LoopPhase string

const (
	// PhaseInit is the input validation and setup phase
	PhaseInit LoopPhase = "init"

	// PhaseStream is the provider streaming phase
	PhaseStream LoopPhase = "stream"

	// PhaseExecuteTools is the tool execution phase
	PhaseExecuteTools LoopPhase = "execute_tools"

	// PhaseComplete is the completion phase
	PhaseComplete LoopPhase = "complete"
)

// LoopError wraps an error from the evaluate loop with the phase and
// iteration it occurred in. The partial state is always preserved on the
// State passed to Evaluate; nothing is discarded on error.
type LoopError struct {
	// Phase is the loop phase where the error occurred
	Phase LoopPhase

	// Iteration is the tool round where the error occurred
	Iteration int

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *LoopError) Error() string {
	return fmt.Sprintf("evaluate failed at %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
}

// Unwrap returns the underlying error.
func (e *LoopError) Unwrap() error {
	return e.Cause
}
