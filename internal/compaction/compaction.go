// Package compaction folds old conversation history into a single summary
// message so long sessions keep fitting the model's context window. The
// summary is produced by a regular provider turn; the loop then skips
// everything before the latest summary when assembling context.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/voralis/loom/internal/agent"
	"github.com/voralis/loom/internal/sessions"
	"github.com/voralis/loom/pkg/chat"
)

const (
	// charsPerToken is the estimation heuristic; real tokenizers land
	// between 3 and 5 characters per token for English prose.
	charsPerToken = 4

	// defaultContextWindow is used when the model registry has no window
	// size for the active model.
	defaultContextWindow = 100000

	// defaultThreshold triggers compaction when estimated history tokens
	// exceed this fraction of the context window.
	defaultThreshold = 0.75

	// defaultKeepRecent is how many trailing messages survive verbatim.
	defaultKeepRecent = 6

	fallbackSummary = "No prior history."

	summarySystemPrompt = "You summarize conversation transcripts. Produce a concise summary " +
		"that preserves user goals, decisions made, tool outcomes, and any unresolved questions. " +
		"Write plain prose, no preamble."
)

// ErrNothingToCompact is returned when the history is too short to fold.
var ErrNothingToCompact = errors.New("compaction: nothing to compact")

// Options tunes when and how a Compactor folds history.
type Options struct {
	Model string

	// ContextWindow is the model's context size in tokens. Zero falls back
	// to a conservative default.
	ContextWindow int

	// Threshold is the window fraction above which ShouldCompact fires.
	Threshold float64

	// KeepRecent is the number of trailing messages kept verbatim after
	// the summary. The cut is widened so it never lands between a tool
	// call and its result.
	KeepRecent int

	// MaxSummaryTokens caps the summarization turn's output.
	MaxSummaryTokens int

	// Instructions is appended to the summarizer system prompt.
	Instructions string
}

func (o Options) withDefaults() Options {
	if o.ContextWindow <= 0 {
		o.ContextWindow = defaultContextWindow
	}
	if o.Threshold <= 0 || o.Threshold > 1 {
		o.Threshold = defaultThreshold
	}
	if o.KeepRecent <= 0 {
		o.KeepRecent = defaultKeepRecent
	}
	if o.MaxSummaryTokens <= 0 {
		o.MaxSummaryTokens = 2000
	}
	return o
}

// Compactor produces compaction summaries through a provider.
type Compactor struct {
	provider agent.Provider
	opts     Options
}

// New builds a compactor. The provider is used for the summarization turn
// only; it may be the same instance the agent loop uses.
func New(provider agent.Provider, opts Options) *Compactor {
	return &Compactor{provider: provider, opts: opts.withDefaults()}
}

// EstimateTokens estimates the token footprint of one message.
func EstimateTokens(msg chat.Message) int {
	text := renderMessage(msg)
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// EstimateHistoryTokens estimates the total footprint of a history slice.
func EstimateHistoryTokens(msgs []chat.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m)
	}
	return total
}

// ShouldCompact reports whether the live context exceeds the threshold.
func (c *Compactor) ShouldCompact(contextMessages []chat.Message) bool {
	budget := int(float64(c.opts.ContextWindow) * c.opts.Threshold)
	return EstimateHistoryTokens(contextMessages) > budget
}

// Compact folds the state's live context into a summary in place: the
// history becomes [...pre-context, summary, recent tail]. Returns the
// summary message that was inserted.
func (c *Compactor) Compact(ctx context.Context, state *agent.State) (*chat.CompactionSummary, error) {
	live := state.ContextMessages()
	cut := splitPoint(live, c.opts.KeepRecent)
	if cut <= 0 {
		return nil, ErrNothingToCompact
	}
	head, tail := live[:cut], live[cut:]

	text, err := c.summarize(ctx, head)
	if err != nil {
		return nil, err
	}

	summary := &chat.CompactionSummary{Summary: text}
	prefix := len(state.Messages) - len(live)
	rebuilt := make([]chat.Message, 0, prefix+1+len(tail))
	rebuilt = append(rebuilt, state.Messages[:prefix]...)
	rebuilt = append(rebuilt, summary)
	rebuilt = append(rebuilt, tail...)
	state.Messages = rebuilt
	return summary, nil
}

// CompactSession compacts the state and persists the rewritten history.
func (c *Compactor) CompactSession(ctx context.Context, store sessions.Store, state *agent.State) (*chat.CompactionSummary, error) {
	summary, err := c.Compact(ctx, state)
	if err != nil {
		return nil, err
	}
	if err := store.ReplaceHistory(ctx, state.SessionID, state.Messages); err != nil {
		return nil, fmt.Errorf("compaction: persist: %w", err)
	}
	return summary, nil
}

func (c *Compactor) summarize(ctx context.Context, head []chat.Message) (string, error) {
	transcript := RenderTranscript(head)
	if strings.TrimSpace(transcript) == "" {
		return fallbackSummary, nil
	}

	system := summarySystemPrompt
	if c.opts.Instructions != "" {
		system += "\n\n" + c.opts.Instructions
	}

	acc := agent.NewAccumulator(agent.NopSink{}, nil)
	req := &agent.Request{
		Model:     c.opts.Model,
		System:    system,
		Messages:  []chat.Message{chat.NewUserText("Summarize this conversation:\n\n" + transcript)},
		MaxTokens: c.opts.MaxSummaryTokens,
	}
	result, err := c.provider.Stream(ctx, req, acc)
	if err != nil {
		return "", fmt.Errorf("compaction: summarize: %w", err)
	}
	text := strings.TrimSpace(result.Message.Text())
	if text == "" {
		return fallbackSummary, nil
	}
	return text, nil
}

// splitPoint returns the index separating the messages to fold from the
// tail kept verbatim. The cut only lands on a user turn or compaction
// summary so an assistant's tool calls are never separated from their
// results.
func splitPoint(msgs []chat.Message, keepRecent int) int {
	cut := len(msgs) - keepRecent
	if cut <= 0 {
		return 0
	}
	for cut > 0 {
		switch msgs[cut].(type) {
		case *chat.UserMessage, *chat.CompactionSummary:
			return cut
		}
		cut--
	}
	return 0
}

// RenderTranscript flattens messages into role-tagged prose for the
// summarization prompt. Tool arguments and results are truncated; they
// matter for the summary's gist, not verbatim.
func RenderTranscript(msgs []chat.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		text := renderMessage(m)
		if text == "" {
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func renderMessage(msg chat.Message) string {
	switch m := msg.(type) {
	case *chat.UserMessage:
		return "[user]: " + m.Text()
	case *chat.AssistantMessage:
		var sb strings.Builder
		sb.WriteString("[assistant]: ")
		sb.WriteString(m.Text())
		for _, call := range m.ToolCalls {
			sb.WriteString(fmt.Sprintf("\n  [called %s: %s]", call.Name, truncate(call.Arguments, 200)))
		}
		return sb.String()
	case *chat.ToolResultMessage:
		status := "result"
		if m.IsError {
			status = "error"
		}
		return fmt.Sprintf("[tool %s %s]: %s", m.Name, status, truncate(m.Text(), 200))
	case *chat.CompactionSummary:
		return "[summary of earlier conversation]: " + m.Summary
	default:
		return ""
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
