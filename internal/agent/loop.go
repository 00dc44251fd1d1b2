// Package agent implements the provider-agnostic turn loop: it drives a
// model turn through a provider adapter, normalizes the streamed response,
// executes requested tools under approval gating, and feeds results back
// until the model stops or the iteration cap trips.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/voralis/loom/pkg/chat"
)

// Agent binds a provider, a tool set, a model registry, and loop options.
// An Agent is immutable after construction and safe to share across
// concurrent Evaluate calls on distinct states.
type Agent struct {
	name     string
	provider Provider
	tools    *ToolSet
	registry *Registry
	opts     Options
}

// New constructs an agent. The registry may be nil when per-model defaults
// and pricing are not needed.
func New(name string, provider Provider, tools *ToolSet, registry *Registry, opts Options) (*Agent, error) {
	if provider == nil {
		return nil, ErrNoProvider
	}
	if tools == nil {
		tools = NewToolSet()
	}
	return &Agent{
		name:     name,
		provider: provider,
		tools:    tools,
		registry: registry,
		opts:     sanitizeOptions(opts),
	}, nil
}

// Input is the sealed union of Evaluate inputs: a raw text turn, a
// structured user message, or a resume after an approval decision.
type Input struct {
	text   string
	msg    *chat.UserMessage
	resume bool
}

// TextInput wraps raw user text.
func TextInput(text string) Input {
	return Input{text: text}
}

// MessageInput wraps a structured user message.
func MessageInput(msg *chat.UserMessage) Input {
	return Input{msg: msg}
}

// Resume re-enters the loop with the state's pending tool calls, which
// must carry approval decisions set by the caller.
func Resume() Input {
	return Input{resume: true}
}

// Result is the outcome of one Evaluate call. Pending is non-empty when
// the loop suspended for an approval decision; the caller decides each
// call and re-invokes Evaluate with Resume().
type Result struct {
	State      *State
	StopReason chat.StopReason
	Usage      chat.Usage
	Pending    []*chat.PendingToolCall
}

// Suspended reports whether the loop returned awaiting approval.
func (r *Result) Suspended() bool {
	return len(r.Pending) > 0
}

// Evaluate runs one logical user turn to completion: dispatch, tool
// rounds, and re-dispatch until a terminal stop reason. It is synchronous;
// lifecycle events stream through the configured sink while it runs.
// Cancellation via ctx is observed at stream reads and round boundaries.
//
// On error the partial state is preserved on state; nothing is discarded.
func (a *Agent) Evaluate(ctx context.Context, state *State, input Input) (*Result, error) {
	if state == nil {
		state = NewState("")
	}
	if !state.acquire() {
		return nil, ErrStateBusy
	}
	defer state.release()

	ev := newEmitter(a.opts.Sink)
	var usage chat.Usage

	if input.resume {
		if len(state.Pending) == 0 {
			return nil, &LoopError{Phase: PhaseInit, Cause: ErrNothingPending}
		}
		if a.awaitingDecision(state.Pending) {
			// Still undecided; hand the same pending calls back.
			return &Result{State: state, StopReason: state.StopReason, Pending: state.Pending}, nil
		}
		results := a.executeRound(ctx, ev, state.Pending)
		for _, r := range results {
			state.Messages = append(state.Messages, r)
		}
		state.Pending = nil
	} else {
		msg := input.msg
		if msg == nil {
			msg = chat.NewUserText(input.text)
		}
		if a.opts.Guardrail != nil {
			if err := a.opts.Guardrail(ctx, msg); err != nil {
				return nil, &LoopError{Phase: PhaseInit, Cause: err}
			}
		}
		state.Messages = append(state.Messages, msg)
	}

	for iter := 0; ; iter++ {
		if err := ctx.Err(); err != nil {
			state.StopReason = chat.StopError
			return nil, &LoopError{Phase: PhaseStream, Iteration: iter, Cause: err}
		}

		turn, pending, err := a.dispatch(ctx, ev, state)
		if err != nil {
			state.StopReason = chat.StopError
			return nil, &LoopError{Phase: PhaseStream, Iteration: iter, Cause: err}
		}

		state.Messages = append(state.Messages, turn.Message)
		state.StopReason = turn.StopReason
		if turn.Message.ResponseID != "" {
			state.ResponseID = turn.Message.ResponseID
		}
		usage.Add(turn.Usage)
		state.Usage.Add(turn.Usage)

		if turn.StopReason != chat.StopToolCalls {
			return &Result{State: state, StopReason: turn.StopReason, Usage: usage}, nil
		}

		if a.awaitingDecision(pending) {
			// Suspend: return control to the caller instead of blocking on
			// human input. Nothing in this round has executed.
			state.Pending = pending
			return &Result{State: state, StopReason: chat.StopToolCalls, Usage: usage, Pending: pending}, nil
		}

		if iter >= a.opts.MaxIterations {
			return nil, &LoopError{Phase: PhaseExecuteTools, Iteration: iter, Cause: ErrMaxIterations}
		}

		results := a.executeRound(ctx, ev, pending)
		for _, r := range results {
			state.Messages = append(state.Messages, r)
		}
		state.Pending = nil
	}
}

// awaitingDecision reports whether any call still needs a caller decision.
func (a *Agent) awaitingDecision(pending []*chat.PendingToolCall) bool {
	for _, p := range pending {
		if !p.Decided() && a.tools.RequiresApproval(p.Call.Name) {
			return true
		}
	}
	return false
}

// dispatch runs one provider turn and normalizes its result.
func (a *Agent) dispatch(ctx context.Context, ev *emitter, state *State) (*TurnResult, []*chat.PendingToolCall, error) {
	req := &Request{
		Model:              a.opts.Model,
		System:             a.opts.System,
		Messages:           state.ContextMessages(),
		Tools:              a.tools.List(),
		MaxTokens:          a.opts.MaxTokens,
		ThinkingBudget:     a.opts.ThinkingBudget,
		PreviousResponseID: state.ResponseID,
	}
	if req.MaxTokens == 0 {
		if info, ok := a.registry.Lookup(a.provider.Name(), req.Model); ok {
			req.MaxTokens = info.MaxTokens
		}
	}

	acc := NewAccumulator(ev, a.tools.RequiresApproval)
	start := time.Now()

	turn, err := a.provider.Stream(ctx, req, acc)
	elapsed := time.Since(start)
	if err != nil {
		if a.opts.Metrics != nil {
			a.opts.Metrics.ProviderError(a.provider.Name())
		}
		a.opts.Logger.Error("provider turn failed",
			"agent", a.name,
			"provider", a.provider.Name(),
			"model", req.Model,
			"error", err)
		return nil, nil, err
	}

	pending := acc.Pending()

	// Tool calls imply tool_calls even when the backend reported a plain
	// stop.
	if len(pending) > 0 && turn.StopReason == chat.StopEndTurn {
		turn.StopReason = chat.StopToolCalls
	}

	msg := turn.Message
	msg.Provider = a.provider.Name()
	msg.Model = req.Model
	if cost := a.registry.Cost(a.provider.Name(), req.Model, turn.Usage); cost > 0 {
		turn.Usage.Cost = cost
	}
	msg.Usage = turn.Usage

	if a.opts.Metrics != nil {
		a.opts.Metrics.TurnCompleted(a.provider.Name(), req.Model, turn.StopReason, elapsed, turn.Usage)
	}
	a.opts.Logger.Debug("provider turn complete",
		"agent", a.name,
		"provider", a.provider.Name(),
		"model", req.Model,
		"stop_reason", turn.StopReason,
		"tool_calls", len(pending),
		"input_tokens", turn.Usage.Input,
		"output_tokens", turn.Usage.Output,
		"elapsed", elapsed)

	return turn, pending, nil
}

// executeRound resolves every call in one round. Unknown tools, rejected
// calls, bad arguments, and handler failures all become is_error results
// rather than loop failures, so the model can react to them. Cancellation
// stops further executions; results already produced are kept.
func (a *Agent) executeRound(ctx context.Context, ev *emitter, pending []*chat.PendingToolCall) []*chat.ToolResultMessage {
	results := make([]*chat.ToolResultMessage, 0, len(pending))

	for _, p := range pending {
		if ctx.Err() != nil {
			break
		}

		if p.Approved != nil && !*p.Approved {
			results = append(results, errorResult(p.Call, p.RejectedReason))
			continue
		}

		tool, ok := a.tools.Lookup(p.Call.Name)
		if !ok {
			err := fmt.Errorf("%w: %s", ErrToolNotFound, p.Call.Name)
			ev.Emit(ctx, Event{Kind: EventError, Err: err})
			results = append(results, errorResult(p.Call, err.Error()))
			continue
		}

		call := p.Call
		ev.Emit(ctx, Event{Kind: EventToolExecStart, Call: &call})

		start := time.Now()
		result := a.executeTool(ctx, tool, call)
		elapsed := time.Since(start)

		if a.opts.Metrics != nil {
			a.opts.Metrics.ToolExecuted(call.Name, result.IsError, elapsed)
		}
		a.opts.Logger.Debug("tool executed",
			"agent", a.name,
			"tool", call.Name,
			"call_id", call.ID,
			"is_error", result.IsError,
			"elapsed", elapsed)

		ev.Emit(ctx, Event{Kind: EventToolExecEnd, Call: &call, Result: result})
		results = append(results, result)
	}

	return results
}

// executeTool validates and runs one tool call, containing panics and
// errors into the result.
func (a *Agent) executeTool(ctx context.Context, tool Tool, call chat.ToolCall) (result *chat.ToolResultMessage) {
	defer func() {
		if r := recover(); r != nil {
			result = errorResult(call, fmt.Sprintf("tool panicked: %v", r))
		}
	}()

	args := json.RawMessage(call.Arguments)
	if err := tool.ValidateArgs(args); err != nil {
		return errorResult(call, err.Error())
	}

	content, err := tool.Handler(ctx, args)
	if err != nil {
		return errorResult(call, err.Error())
	}
	return chat.NewToolResult(call.ID, call.Name, content, false)
}
