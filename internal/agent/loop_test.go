package agent

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/voralis/loom/pkg/chat"
)

// scriptedTurn describes one provider turn the fake will play back.
type scriptedTurn struct {
	text  string
	calls []chat.ToolCall
	stop  chat.StopReason
	err   error
}

// fakeProvider replays scripted turns through the accumulator the way a
// real adapter would. When the script runs out it repeats the last turn.
type fakeProvider struct {
	turns    []scriptedTurn
	streamed int
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Stream(ctx context.Context, req *Request, acc *Accumulator) (*TurnResult, error) {
	idx := p.streamed
	if idx >= len(p.turns) {
		idx = len(p.turns) - 1
	}
	p.streamed++
	turn := p.turns[idx]

	if turn.err != nil {
		acc.Fail(ctx, turn.err)
		return nil, turn.err
	}

	acc.Start(ctx)
	if turn.text != "" {
		acc.TextDelta(ctx, "", turn.text)
	}
	for _, call := range turn.calls {
		acc.ToolCallStart(ctx, call.ID, call.Name)
		acc.ArgumentsDelta(ctx, call.ID, call.Arguments)
		acc.ToolCallDone(ctx, call.ID, "", call.Name, "")
	}
	acc.Finish(ctx)

	stop := turn.stop
	if stop == "" {
		stop = chat.StopEndTurn
	}
	return &TurnResult{
		Message:    acc.Message(),
		Usage:      chat.NewUsage(10, 5, 0, 0),
		StopReason: stop,
	}, nil
}

type addInput struct {
	A int `json:"a"`
	B int `json:"b"`
}

func addTool(opts ...ToolOption) Tool {
	return NewTool("add", "Add two integers.", func(_ context.Context, in addInput) (string, error) {
		return strconv.Itoa(in.A + in.B), nil
	}, opts...)
}

func toolResults(state *State) []*chat.ToolResultMessage {
	var out []*chat.ToolResultMessage
	for _, m := range state.Messages {
		if r, ok := m.(*chat.ToolResultMessage); ok {
			out = append(out, r)
		}
	}
	return out
}

func mustAgent(t *testing.T, provider Provider, tools *ToolSet, opts Options) *Agent {
	t.Helper()
	a, err := New("test", provider, tools, nil, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestEvaluateSimpleTextTurn(t *testing.T) {
	provider := &fakeProvider{turns: []scriptedTurn{{text: "hello there", stop: chat.StopEndTurn}}}
	a := mustAgent(t, provider, nil, Options{})

	res, err := a.Evaluate(context.Background(), nil, TextInput("hi"))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.StopReason != chat.StopEndTurn {
		t.Fatalf("stop = %v, want %v", res.StopReason, chat.StopEndTurn)
	}
	if got := res.State.LastAssistant().Text(); got != "hello there" {
		t.Fatalf("text = %q", got)
	}
	if n := res.State.AssistantCount(); n != 1 {
		t.Fatalf("assistant count = %d, want 1", n)
	}
	if res.Usage.Input != 10 || res.Usage.Output != 5 {
		t.Fatalf("usage = %+v", res.Usage)
	}
}

func TestEvaluateToolRoundTrip(t *testing.T) {
	provider := &fakeProvider{turns: []scriptedTurn{
		{
			calls: []chat.ToolCall{{ID: "call_1", Name: "add", Arguments: `{"a":10,"b":20}`}},
			stop:  chat.StopToolCalls,
		},
		{text: "the sum is 30", stop: chat.StopEndTurn},
	}}

	events := make(chan Event, 64)
	a := mustAgent(t, provider, NewToolSet(addTool()), Options{Sink: NewChanSink(events)})

	res, err := a.Evaluate(context.Background(), nil, TextInput("what is 10+20?"))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Suspended() {
		t.Fatal("should not suspend without approval requirement")
	}

	results := toolResults(res.State)
	if len(results) != 1 {
		t.Fatalf("tool results = %d, want 1", len(results))
	}
	if results[0].IsError {
		t.Fatalf("unexpected error result: %q", results[0].Text())
	}
	if got := results[0].Text(); got != "30" {
		t.Fatalf("tool result = %q, want 30", got)
	}
	if got := res.State.LastAssistant().Text(); got != "the sum is 30" {
		t.Fatalf("final text = %q", got)
	}

	close(events)
	var execStarts, execEnds, requests int
	for e := range events {
		switch e.Kind {
		case EventToolExecStart:
			execStarts++
		case EventToolExecEnd:
			execEnds++
		case EventToolRequest:
			requests++
		}
	}
	if execStarts != 1 || execEnds != 1 || requests != 1 {
		t.Fatalf("exec events = %d/%d, requests = %d", execStarts, execEnds, requests)
	}
}

func TestEvaluateInfersToolCallsStop(t *testing.T) {
	// Backend claims a plain stop but requested a call anyway.
	provider := &fakeProvider{turns: []scriptedTurn{
		{
			calls: []chat.ToolCall{{ID: "call_1", Name: "add", Arguments: `{"a":1,"b":2}`}},
			stop:  chat.StopEndTurn,
		},
		{text: "3", stop: chat.StopEndTurn},
	}}
	a := mustAgent(t, provider, NewToolSet(addTool()), Options{})

	res, err := a.Evaluate(context.Background(), nil, TextInput("1+2"))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(toolResults(res.State)) != 1 {
		t.Fatal("tool round did not run")
	}
	if got := res.State.LastAssistant().Text(); got != "3" {
		t.Fatalf("final text = %q", got)
	}
}

func TestEvaluateApprovalSuspends(t *testing.T) {
	provider := &fakeProvider{turns: []scriptedTurn{
		{
			calls: []chat.ToolCall{{ID: "call_1", Name: "add", Arguments: `{"a":2,"b":3}`}},
			stop:  chat.StopToolCalls,
		},
		{text: "done", stop: chat.StopEndTurn},
	}}

	events := make(chan Event, 64)
	a := mustAgent(t, provider, NewToolSet(addTool(WithApproval())), Options{Sink: NewChanSink(events)})

	res, err := a.Evaluate(context.Background(), nil, TextInput("add"))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.Suspended() {
		t.Fatal("expected suspension")
	}
	if len(res.Pending) != 1 || res.Pending[0].Decided() {
		t.Fatalf("pending = %+v", res.Pending)
	}
	if len(toolResults(res.State)) != 0 {
		t.Fatal("nothing may execute before the decision")
	}
	if provider.streamed != 1 {
		t.Fatalf("provider turns = %d, want 1", provider.streamed)
	}

	close(events)
	for e := range events {
		if e.Kind == EventToolExecStart || e.Kind == EventToolExecEnd {
			t.Fatal("no exec events may fire while suspended")
		}
	}
}

func TestEvaluateResumeApproved(t *testing.T) {
	provider := &fakeProvider{turns: []scriptedTurn{
		{
			calls: []chat.ToolCall{{ID: "call_1", Name: "add", Arguments: `{"a":2,"b":3}`}},
			stop:  chat.StopToolCalls,
		},
		{text: "it is 5", stop: chat.StopEndTurn},
	}}
	a := mustAgent(t, provider, NewToolSet(addTool(WithApproval())), Options{})

	ctx := context.Background()
	res, err := a.Evaluate(ctx, nil, TextInput("add"))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	res.Pending[0].Approve()

	res, err = a.Evaluate(ctx, res.State, Resume())
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if res.Suspended() {
		t.Fatal("should have completed")
	}
	results := toolResults(res.State)
	if len(results) != 1 || results[0].IsError {
		t.Fatalf("results = %+v", results)
	}
	if got := results[0].Text(); got != "5" {
		t.Fatalf("tool result = %q, want 5", got)
	}
	if got := res.State.LastAssistant().Text(); got != "it is 5" {
		t.Fatalf("final text = %q", got)
	}
}

func TestEvaluateResumeRejected(t *testing.T) {
	ran := false
	danger := NewTool("wipe", "Dangerous.", func(_ context.Context, _ struct{}) (string, error) {
		ran = true
		return "wiped", nil
	}, WithApproval())

	provider := &fakeProvider{turns: []scriptedTurn{
		{
			calls: []chat.ToolCall{{ID: "call_1", Name: "wipe", Arguments: `{}`}},
			stop:  chat.StopToolCalls,
		},
		{text: "understood", stop: chat.StopEndTurn},
	}}

	events := make(chan Event, 64)
	a := mustAgent(t, provider, NewToolSet(danger), Options{Sink: NewChanSink(events)})

	ctx := context.Background()
	res, err := a.Evaluate(ctx, nil, TextInput("wipe it"))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	res.Pending[0].Reject("not allowed in prod")

	res, err = a.Evaluate(ctx, res.State, Resume())
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if ran {
		t.Fatal("rejected tool must not execute")
	}

	results := toolResults(res.State)
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if !results[0].IsError {
		t.Fatal("rejection must produce an error result")
	}
	if got := results[0].Text(); got != "not allowed in prod" {
		t.Fatalf("result content = %q, want the rejection reason verbatim", got)
	}

	close(events)
	for e := range events {
		if e.Kind == EventToolExecStart || e.Kind == EventToolExecEnd {
			t.Fatal("rejection is not an execution")
		}
	}
}

func TestEvaluateResumeWithNothingPending(t *testing.T) {
	provider := &fakeProvider{turns: []scriptedTurn{{text: "x"}}}
	a := mustAgent(t, provider, nil, Options{})

	_, err := a.Evaluate(context.Background(), NewState(""), Resume())
	if !errors.Is(err, ErrNothingPending) {
		t.Fatalf("err = %v, want ErrNothingPending", err)
	}
}

func TestEvaluateResumeUndecidedStaysSuspended(t *testing.T) {
	provider := &fakeProvider{turns: []scriptedTurn{
		{
			calls: []chat.ToolCall{{ID: "call_1", Name: "add", Arguments: `{}`}},
			stop:  chat.StopToolCalls,
		},
	}}
	a := mustAgent(t, provider, NewToolSet(addTool(WithApproval())), Options{})

	ctx := context.Background()
	res, err := a.Evaluate(ctx, nil, TextInput("add"))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	res, err = a.Evaluate(ctx, res.State, Resume())
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !res.Suspended() {
		t.Fatal("undecided resume must hand the pending calls back")
	}
	if provider.streamed != 1 {
		t.Fatalf("provider turns = %d, want 1", provider.streamed)
	}
}

func TestEvaluateUnknownToolBecomesErrorResult(t *testing.T) {
	provider := &fakeProvider{turns: []scriptedTurn{
		{
			calls: []chat.ToolCall{
				{ID: "call_1", Name: "missing", Arguments: `{}`},
				{ID: "call_2", Name: "add", Arguments: `{"a":10,"b":20}`},
			},
			stop: chat.StopToolCalls,
		},
		{text: "recovered", stop: chat.StopEndTurn},
	}}
	a := mustAgent(t, provider, NewToolSet(addTool()), Options{})

	res, err := a.Evaluate(context.Background(), nil, TextInput("go"))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	results := toolResults(res.State)
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if !results[0].IsError {
		t.Fatal("unknown tool must yield an error result")
	}
	if results[1].IsError || results[1].Text() != "30" {
		t.Fatalf("known call must still run: %+v", results[1])
	}
}

func TestEvaluateHandlerErrorBecomesErrorResult(t *testing.T) {
	failing := NewTool("flaky", "Always fails.", func(_ context.Context, _ struct{}) (string, error) {
		return "", errors.New("backend unreachable")
	})
	provider := &fakeProvider{turns: []scriptedTurn{
		{
			calls: []chat.ToolCall{{ID: "call_1", Name: "flaky", Arguments: `{}`}},
			stop:  chat.StopToolCalls,
		},
		{text: "noted", stop: chat.StopEndTurn},
	}}
	a := mustAgent(t, provider, NewToolSet(failing), Options{})

	res, err := a.Evaluate(context.Background(), nil, TextInput("try"))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	results := toolResults(res.State)
	if len(results) != 1 || !results[0].IsError {
		t.Fatalf("results = %+v", results)
	}
	if got := results[0].Text(); got != "backend unreachable" {
		t.Fatalf("result = %q", got)
	}
}

func TestEvaluatePanickingToolIsContained(t *testing.T) {
	boom := NewTool("boom", "Panics.", func(_ context.Context, _ struct{}) (string, error) {
		panic("kaboom")
	})
	provider := &fakeProvider{turns: []scriptedTurn{
		{
			calls: []chat.ToolCall{{ID: "call_1", Name: "boom", Arguments: `{}`}},
			stop:  chat.StopToolCalls,
		},
		{text: "ok", stop: chat.StopEndTurn},
	}}
	a := mustAgent(t, provider, NewToolSet(boom), Options{})

	res, err := a.Evaluate(context.Background(), nil, TextInput("go"))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	results := toolResults(res.State)
	if len(results) != 1 || !results[0].IsError {
		t.Fatalf("results = %+v", results)
	}
}

func TestEvaluateIterationCap(t *testing.T) {
	// The model asks for another round every time.
	provider := &fakeProvider{turns: []scriptedTurn{
		{
			calls: []chat.ToolCall{{ID: "call_x", Name: "add", Arguments: `{"a":1,"b":1}`}},
			stop:  chat.StopToolCalls,
		},
	}}
	a := mustAgent(t, provider, NewToolSet(addTool()), Options{MaxIterations: 2})

	state := NewState("")
	_, err := a.Evaluate(context.Background(), state, TextInput("loop forever"))
	if !errors.Is(err, ErrMaxIterations) {
		t.Fatalf("err = %v, want ErrMaxIterations", err)
	}

	// Partial state is preserved: the capped run holds cap+1 assistant
	// turns and the final round's tools never executed.
	if n := state.AssistantCount(); n != 3 {
		t.Fatalf("assistant count = %d, want 3", n)
	}
	if n := len(toolResults(state)); n != 2 {
		t.Fatalf("tool results = %d, want 2", n)
	}

	var loopErr *LoopError
	if !errors.As(err, &loopErr) {
		t.Fatalf("err = %T, want *LoopError", err)
	}
	if loopErr.Phase != PhaseExecuteTools {
		t.Fatalf("phase = %v", loopErr.Phase)
	}
}

func TestEvaluateCancellation(t *testing.T) {
	provider := &fakeProvider{turns: []scriptedTurn{{text: "never"}}}
	a := mustAgent(t, provider, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	state := NewState("")
	_, err := a.Evaluate(ctx, state, TextInput("hi"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if state.StopReason != chat.StopError {
		t.Fatalf("stop = %v, want %v", state.StopReason, chat.StopError)
	}
	// The user message stays in history.
	if len(state.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(state.Messages))
	}
}

func TestEvaluateProviderFailurePreservesState(t *testing.T) {
	provider := &fakeProvider{turns: []scriptedTurn{{err: errors.New("boom")}}}
	a := mustAgent(t, provider, nil, Options{})

	state := NewState("")
	_, err := a.Evaluate(context.Background(), state, TextInput("hi"))
	if err == nil {
		t.Fatal("expected error")
	}
	var loopErr *LoopError
	if !errors.As(err, &loopErr) || loopErr.Phase != PhaseStream {
		t.Fatalf("err = %v", err)
	}
	if state.StopReason != chat.StopError {
		t.Fatalf("stop = %v", state.StopReason)
	}
}

func TestEvaluateRejectsConcurrentUse(t *testing.T) {
	provider := &fakeProvider{turns: []scriptedTurn{{text: "x"}}}
	a := mustAgent(t, provider, nil, Options{})

	state := NewState("")
	if !state.acquire() {
		t.Fatal("setup acquire failed")
	}
	defer state.release()

	_, err := a.Evaluate(context.Background(), state, TextInput("hi"))
	if !errors.Is(err, ErrStateBusy) {
		t.Fatalf("err = %v, want ErrStateBusy", err)
	}
}

func TestEvaluateGuardrailBlocksTurn(t *testing.T) {
	provider := &fakeProvider{turns: []scriptedTurn{{text: "x"}}}
	blocked := errors.New("input rejected")
	a := mustAgent(t, provider, nil, Options{
		Guardrail: func(_ context.Context, _ chat.Message) error { return blocked },
	})

	_, err := a.Evaluate(context.Background(), NewState(""), TextInput("hi"))
	if !errors.Is(err, blocked) {
		t.Fatalf("err = %v, want guardrail error", err)
	}
	if provider.streamed != 0 {
		t.Fatal("provider must not be called when the guardrail rejects")
	}
}

func TestEvaluateEventSequenceIsMonotonic(t *testing.T) {
	provider := &fakeProvider{turns: []scriptedTurn{
		{
			calls: []chat.ToolCall{{ID: "call_1", Name: "add", Arguments: `{"a":1,"b":2}`}},
			stop:  chat.StopToolCalls,
		},
		{text: "3", stop: chat.StopEndTurn},
	}}
	events := make(chan Event, 128)
	a := mustAgent(t, provider, NewToolSet(addTool()), Options{Sink: NewChanSink(events)})

	if _, err := a.Evaluate(context.Background(), nil, TextInput("1+2")); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	close(events)

	var last uint64
	for e := range events {
		if e.Sequence <= last {
			t.Fatalf("sequence not monotonic: %d after %d", e.Sequence, last)
		}
		last = e.Sequence
	}
}
