package agent

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/voralis/loom/pkg/chat"
)

// toolCallAccumulator collects streamed argument fragments for one call.
// Keyed by whatever id the provider used in its delta frames (call id, or
// item id when the call id only appears in the final frame).
type toolCallAccumulator struct {
	id   string
	name string
	args strings.Builder
}

// Accumulator is the per-turn normalizer every adapter folds its stream
// into. It owns the assistant message under construction and guarantees
// the event contract: exactly one message.start and one message.end per
// turn, no matter how many provider frames arrive or in what order.
//
// Accumulator is not safe for concurrent use; a turn runs on a single
// goroutine end to end.
type Accumulator struct {
	sink             EventSink
	requiresApproval func(name string) bool

	started bool
	ended   bool

	msg     *chat.AssistantMessage
	calls   map[string]*toolCallAccumulator
	pending []*chat.PendingToolCall
}

// NewAccumulator creates a fresh per-turn accumulator. requiresApproval is
// consulted when a tool call completes, to tag the tool.request event; nil
// means no tool requires approval.
func NewAccumulator(sink EventSink, requiresApproval func(name string) bool) *Accumulator {
	if sink == nil {
		sink = NopSink{}
	}
	if requiresApproval == nil {
		requiresApproval = func(string) bool { return false }
	}
	return &Accumulator{
		sink:             sink,
		requiresApproval: requiresApproval,
		msg:              &chat.AssistantMessage{},
		calls:            make(map[string]*toolCallAccumulator),
	}
}

// Message returns the assistant message under construction. After Finish
// the message is final and safe to retain.
func (a *Accumulator) Message() *chat.AssistantMessage {
	return a.msg
}

// Pending returns the tool calls requested this turn, in arrival order.
func (a *Accumulator) Pending() []*chat.PendingToolCall {
	return a.pending
}

// Ended reports whether the terminal event has fired.
func (a *Accumulator) Ended() bool {
	return a.ended
}

// Start emits the message.start event if it has not fired yet. Adapters
// call it for explicit "created" frames; content deltas trigger it
// implicitly, so the first content-bearing event always starts the turn.
func (a *Accumulator) Start(ctx context.Context) {
	if a.started {
		return
	}
	a.started = true
	a.sink.Emit(ctx, Event{
		Kind:    EventMessageStart,
		Role:    chat.RoleAssistant,
		Message: a.msg,
	})
}

// SetResponseID records the provider-assigned turn identifier.
func (a *Accumulator) SetResponseID(id string) {
	if id != "" {
		a.msg.ResponseID = id
	}
}

// TextDelta appends a text fragment. Deltas concatenate in arrival order
// onto the last text block; a delta carrying a new item id opens a new
// block rather than merging across items.
func (a *Accumulator) TextDelta(ctx context.Context, itemID, delta string) {
	a.contentDelta(ctx, chat.BlockText, UpdateText, itemID, delta)
}

// RefusalDelta appends provider refusal text. It lands in a text block but
// surfaces as a refusal update so consumers can render it differently.
func (a *Accumulator) RefusalDelta(ctx context.Context, itemID, delta string) {
	a.contentDelta(ctx, chat.BlockText, UpdateRefusal, itemID, delta)
}

// ThinkingDelta appends a reasoning fragment. Thinking blocks never merge
// with text blocks even when a provider interleaves the two.
func (a *Accumulator) ThinkingDelta(ctx context.Context, itemID, delta string) {
	a.contentDelta(ctx, chat.BlockThinking, UpdateReasoning, itemID, delta)
}

func (a *Accumulator) contentDelta(ctx context.Context, kind chat.BlockKind, update UpdateKind, itemID, delta string) {
	if delta == "" || a.ended {
		return
	}
	a.Start(ctx)

	block := a.openBlock(kind, itemID)
	switch kind {
	case chat.BlockText:
		block.Text += delta
	case chat.BlockThinking:
		block.Thinking += delta
	}
	if block.Signature == "" && itemID != "" {
		block.Signature = itemID
	}

	a.sink.Emit(ctx, Event{
		Kind:    EventMessageUpdate,
		Role:    chat.RoleAssistant,
		Message: a.msg,
		Update:  update,
		Delta:   delta,
		ItemID:  itemID,
	})
}

// openBlock returns the last content block when it matches kind and item,
// or appends a new one.
func (a *Accumulator) openBlock(kind chat.BlockKind, itemID string) *chat.Block {
	if n := len(a.msg.Content); n > 0 {
		last := &a.msg.Content[n-1]
		if last.Kind == kind && (itemID == "" || last.Signature == "" || last.Signature == itemID) {
			return last
		}
	}
	a.msg.Content = append(a.msg.Content, chat.Block{Kind: kind})
	return &a.msg.Content[len(a.msg.Content)-1]
}

// SetSignature records an opaque resumption token on the last content
// block. First writer wins; later signatures for the same block are
// ignored.
func (a *Accumulator) SetSignature(sig string) {
	if sig == "" {
		return
	}
	if n := len(a.msg.Content); n > 0 && a.msg.Content[n-1].Signature == "" {
		a.msg.Content[n-1].Signature = sig
	}
}

// ToolCallStart registers a tool-call item the provider announced. The id
// may be the final call id or a transient item id; argument deltas and the
// done frame resolve against either.
func (a *Accumulator) ToolCallStart(ctx context.Context, id, name string) {
	if id == "" || a.ended {
		return
	}
	a.Start(ctx)
	acc := a.call(id)
	if acc.name == "" {
		acc.name = name
	}
}

// ArgumentsDelta appends a streamed argument fragment for the given call.
// Deltas arriving before any ToolCallStart are tolerated; the entry is
// created on first use.
func (a *Accumulator) ArgumentsDelta(ctx context.Context, id, delta string) {
	if delta == "" || a.ended {
		return
	}
	a.Start(ctx)
	a.call(id).args.WriteString(delta)

	a.sink.Emit(ctx, Event{
		Kind:    EventMessageUpdate,
		Role:    chat.RoleAssistant,
		Message: a.msg,
		Update:  UpdateToolArguments,
		Delta:   delta,
		ItemID:  id,
	})
}

func (a *Accumulator) call(id string) *toolCallAccumulator {
	acc, ok := a.calls[id]
	if !ok {
		acc = &toolCallAccumulator{id: id}
		a.calls[id] = acc
	}
	return acc
}

// ToolCallDone finalizes one tool call. callID is the provider call id
// (synthesized when absent); itemID is the transient id argument deltas may
// have been keyed by. Accumulated arguments are authoritative over the args
// snapshot from the done frame, because some backends repeat a truncated
// snapshot there. Emits tool.request with a fresh pending call.
func (a *Accumulator) ToolCallDone(ctx context.Context, callID, itemID, name, args string) {
	if a.ended {
		return
	}
	a.Start(ctx)

	acc := a.calls[callID]
	if acc == nil && itemID != "" {
		acc = a.calls[itemID]
	}
	if acc != nil {
		if streamed := acc.args.String(); streamed != "" {
			args = streamed
		}
		if name == "" {
			name = acc.name
		}
		delete(a.calls, acc.id)
	}
	if callID == "" {
		callID = itemID
	}
	if callID == "" {
		callID = synthesizeCallID(name)
	}
	if args == "" {
		args = "{}"
	}

	call := chat.ToolCall{ID: callID, Name: name, Arguments: args}
	a.msg.AddToolCall(call)

	pending := &chat.PendingToolCall{Call: call}
	a.pending = append(a.pending, pending)

	a.sink.Emit(ctx, Event{
		Kind:             EventToolRequest,
		Role:             chat.RoleAssistant,
		Message:          a.msg,
		Pending:          pending,
		RequiresApproval: a.requiresApproval(name),
	})
}

// Finish emits the message.end event. Idempotent: duplicate terminal
// frames never produce a second end event, and a terminal frame on a turn
// that produced no content still brackets the turn with start and end.
func (a *Accumulator) Finish(ctx context.Context) {
	if a.ended {
		return
	}
	a.Start(ctx)
	a.ended = true
	a.sink.Emit(ctx, Event{
		Kind:    EventMessageEnd,
		Role:    chat.RoleAssistant,
		Message: a.msg,
	})
}

// SoftError reports a contained error (a malformed frame) without ending
// the turn; the adapter keeps reading the stream.
func (a *Accumulator) SoftError(ctx context.Context, err error) {
	a.sink.Emit(ctx, Event{Kind: EventError, Err: err})
}

// Fail reports a terminal stream error. If the turn had started, the end
// event is forced so consumers always see the bracket close.
func (a *Accumulator) Fail(ctx context.Context, err error) {
	a.sink.Emit(ctx, Event{Kind: EventError, Err: err, Fatal: true})
	if a.started && !a.ended {
		a.ended = true
		a.sink.Emit(ctx, Event{
			Kind:    EventMessageEnd,
			Role:    chat.RoleAssistant,
			Message: a.msg,
		})
	}
}

func synthesizeCallID(name string) string {
	if name == "" {
		name = "tool"
	}
	return "call_" + name + "_" + uuid.NewString()[:8]
}
