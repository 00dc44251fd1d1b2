package chat

// StopReason is the canonical classification of why a provider turn ended.
// Every adapter maps its backend's finish/status vocabulary onto these five
// values; nothing provider-specific leaks past the adapter boundary.
type StopReason string

const (
	// StopEndTurn means the model finished normally.
	StopEndTurn StopReason = "stop"

	// StopToolCalls means one or more tool calls are pending. Adapters infer
	// this from a non-empty tool-call list even when the backend reports a
	// plain stop.
	StopToolCalls StopReason = "tool_calls"

	// StopLength means output was truncated by the token limit.
	StopLength StopReason = "length"

	// StopError means the turn failed or was cancelled.
	StopError StopReason = "error"

	// StopContentFilter means the provider cut the response on moderation
	// grounds.
	StopContentFilter StopReason = "content_filter"
)

// Terminal reports whether the reason ends the tool loop (everything except
// tool_calls does).
func (r StopReason) Terminal() bool {
	return r != StopToolCalls
}
