package agent

import (
	"sync/atomic"

	"github.com/voralis/loom/pkg/chat"
)

// State is the mutable per-session accumulator: the full message history,
// pending tool calls awaiting a decision, and the most recent turn
// metadata. One Evaluate call owns a State exclusively for its duration;
// concurrent Evaluate calls on the same State are rejected.
type State struct {
	SessionID string

	Messages []chat.Message

	// Pending holds undecided or decided-but-unexecuted tool calls when
	// the loop suspended for approval.
	Pending []*chat.PendingToolCall

	// StopReason is the canonical reason the most recent turn ended.
	StopReason chat.StopReason

	// ResponseID tracks server-side conversation state for backends that
	// keep it.
	ResponseID string

	// Usage aggregates token accounting across all turns on this state.
	Usage chat.Usage

	busy atomic.Bool
}

// NewState creates an empty state for a session.
func NewState(sessionID string) *State {
	return &State{SessionID: sessionID}
}

// acquire claims exclusive ownership for one Evaluate call.
func (s *State) acquire() bool {
	return s.busy.CompareAndSwap(false, true)
}

func (s *State) release() {
	s.busy.Store(false)
}

// ContextMessages returns the slice of history to send to the provider:
// everything from the latest compaction summary onward, or the whole
// history when no compaction has happened.
func (s *State) ContextMessages() []chat.Message {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if _, ok := s.Messages[i].(*chat.CompactionSummary); ok {
			return s.Messages[i:]
		}
	}
	return s.Messages
}

// LastAssistant returns the most recent assistant message, or nil.
func (s *State) LastAssistant() *chat.AssistantMessage {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if m, ok := s.Messages[i].(*chat.AssistantMessage); ok {
			return m
		}
	}
	return nil
}

// AssistantCount returns how many assistant messages the history holds.
func (s *State) AssistantCount() int {
	n := 0
	for _, m := range s.Messages {
		if _, ok := m.(*chat.AssistantMessage); ok {
			n++
		}
	}
	return n
}

// Compact appends a summary message that collapses all prior history out
// of the provider context window.
func (s *State) Compact(summary string) {
	s.Messages = append(s.Messages, &chat.CompactionSummary{Summary: summary})
}
