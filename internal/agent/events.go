package agent

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/voralis/loom/pkg/chat"
)

// EventKind identifies a lifecycle event.
type EventKind string

const (
	EventMessageStart  EventKind = "message.start"
	EventMessageUpdate EventKind = "message.update"
	EventMessageEnd    EventKind = "message.end"
	EventToolRequest   EventKind = "tool.request"
	EventToolExecStart EventKind = "tool.exec.start"
	EventToolExecEnd   EventKind = "tool.exec.end"
	EventError         EventKind = "error"
)

// UpdateKind identifies which content stream a message.update delta belongs to.
type UpdateKind string

const (
	UpdateText          UpdateKind = "text"
	UpdateReasoning     UpdateKind = "reasoning"
	UpdateToolArguments UpdateKind = "tool_arguments"
	UpdateRefusal       UpdateKind = "refusal"
)

// Event is one entry in the lifecycle stream a turn emits. Kind selects
// which payload fields are populated. Exactly one message.start and one
// message.end are emitted per turn; updates arrive in delta order between
// them.
type Event struct {
	Kind     EventKind
	Sequence uint64
	Time     time.Time

	// Message events carry the role and the message under construction.
	// The message pointer is live during streaming; consumers must not
	// mutate it.
	Role    chat.Role
	Message *chat.AssistantMessage

	// message.update payload
	Update UpdateKind
	Delta  string
	ItemID string

	// tool.request payload
	Pending          *chat.PendingToolCall
	RequiresApproval bool

	// tool.exec.* payload
	Call   *chat.ToolCall
	Result *chat.ToolResultMessage

	// error payload. Fatal is false for contained errors (malformed frame,
	// tool failure) that do not end the turn.
	Err   error
	Fatal bool
}

// EventSink receives lifecycle events during processing.
// Implementations must be safe to call from multiple goroutines and should
// be non-blocking or handle backpressure gracefully.
type EventSink interface {
	Emit(ctx context.Context, e Event)
}

// ChanSink sends events to a channel, dropping when the channel is full
// rather than blocking the turn.
type ChanSink struct {
	ch chan<- Event
}

// NewChanSink creates a sink that sends to a channel.
// The channel should be buffered to avoid drops.
func NewChanSink(ch chan<- Event) *ChanSink {
	return &ChanSink{ch: ch}
}

// Emit sends the event to the channel (non-blocking if full or context cancelled).
func (s *ChanSink) Emit(ctx context.Context, e Event) {
	select {
	case s.ch <- e:
	case <-ctx.Done():
	default:
		// Channel full - drop event rather than block
	}
}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(ctx context.Context, e Event)

// Emit calls the wrapped function.
func (f SinkFunc) Emit(ctx context.Context, e Event) {
	if f != nil {
		f(ctx, e)
	}
}

// MultiSink fans out events to multiple sinks.
type MultiSink struct {
	sinks []EventSink
}

// NewMultiSink creates a sink that dispatches to every non-nil sink given.
func NewMultiSink(sinks ...EventSink) *MultiSink {
	filtered := make([]EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered}
}

// Emit dispatches the event to all sinks.
func (s *MultiSink) Emit(ctx context.Context, e Event) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, e)
	}
}

// NopSink discards all events.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(ctx context.Context, e Event) {}

// emitter decorates a sink, stamping each event with a monotonic sequence
// and timestamp. One emitter spans a whole Evaluate call so sequence
// numbers are comparable across tool rounds.
type emitter struct {
	sink EventSink
	seq  uint64
}

func newEmitter(sink EventSink) *emitter {
	if sink == nil {
		sink = NopSink{}
	}
	return &emitter{sink: sink}
}

// Emit stamps and forwards the event.
func (e *emitter) Emit(ctx context.Context, ev Event) {
	ev.Sequence = atomic.AddUint64(&e.seq, 1)
	ev.Time = time.Now()
	e.sink.Emit(ctx, ev)
}
