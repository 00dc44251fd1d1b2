package agent

import (
	"context"

	"github.com/voralis/loom/pkg/chat"
)

// Provider streams one model turn. Implementations transcode the request
// into their backend's wire format, read the event stream, and fold every
// frame into the accumulator. Cancellation is observed through ctx at the
// stream-read loop; a cancelled turn returns ctx.Err().
type Provider interface {
	// Name returns the stable lowercase provider identifier.
	Name() string

	// Stream runs one turn to completion, folding events into acc, and
	// returns the normalized result. A returned error is terminal for the
	// turn; contained stream errors surface through the accumulator
	// instead.
	Stream(ctx context.Context, req *Request, acc *Accumulator) (*TurnResult, error)
}

// Request is the provider-neutral turn request. Messages is the context
// window already filtered for compaction; the turn input is its tail.
type Request struct {
	Model    string
	System   string
	Messages []chat.Message
	Tools    []Tool

	MaxTokens int

	// ThinkingBudget enables extended reasoning with the given token
	// budget on backends that support it. Zero disables.
	ThinkingBudget int

	// PreviousResponseID resumes server-side conversation state on
	// backends that keep it.
	PreviousResponseID string
}

// TurnResult is what a completed turn produced.
type TurnResult struct {
	Message    *chat.AssistantMessage
	Usage      chat.Usage
	StopReason chat.StopReason
}

// Compat captures the behavior toggles that distinguish nominally
// OpenAI-compatible backends. An explicit per-model override always beats
// heuristic detection; the heuristic table is provisional and keyed off
// provider id and base URL substrings.
type Compat struct {
	// DeveloperRole sends the system prompt under the "developer" role.
	DeveloperRole bool

	// MaxCompletionTokens uses max_completion_tokens instead of the legacy
	// max_tokens request field.
	MaxCompletionTokens bool

	// ReasoningAsText folds reasoning deltas into plain text output
	// because the backend has no structured reasoning channel.
	ReasoningAsText bool

	// AssistantAfterToolResult inserts an empty assistant message after a
	// tool-result batch when the backend rejects tool results followed
	// directly by a user turn.
	AssistantAfterToolResult bool

	// NoStrictTools drops the strict flag from tool definitions for
	// backends that reject it.
	NoStrictTools bool
}
