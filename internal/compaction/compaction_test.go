package compaction

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/voralis/loom/internal/agent"
	"github.com/voralis/loom/internal/sessions"
	"github.com/voralis/loom/pkg/chat"
)

type fakeSummarizer struct {
	summary   string
	err       error
	gotSystem string
	gotInput  string
	calls     int
}

func (f *fakeSummarizer) Name() string { return "fake" }

func (f *fakeSummarizer) Stream(ctx context.Context, req *agent.Request, acc *agent.Accumulator) (*agent.TurnResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	f.gotSystem = req.System
	if len(req.Messages) == 1 {
		if um, ok := req.Messages[0].(*chat.UserMessage); ok {
			f.gotInput = um.Text()
		}
	}
	acc.Start(ctx)
	acc.TextDelta(ctx, "", f.summary)
	acc.Finish(ctx)
	return &agent.TurnResult{Message: acc.Message(), StopReason: chat.StopEndTurn}, nil
}

func assistantText(text string) *chat.AssistantMessage {
	return &chat.AssistantMessage{Content: []chat.Block{chat.TextBlock(text)}}
}

func longHistory(turns int) []chat.Message {
	var msgs []chat.Message
	for i := 0; i < turns; i++ {
		msgs = append(msgs, chat.NewUserText(strings.Repeat("question ", 50)))
		msgs = append(msgs, assistantText(strings.Repeat("answer ", 50)))
	}
	return msgs
}

func TestShouldCompactThreshold(t *testing.T) {
	c := New(&fakeSummarizer{}, Options{ContextWindow: 1000, Threshold: 0.5})

	if c.ShouldCompact(longHistory(1)) {
		t.Fatal("short history should not trigger compaction")
	}
	if !c.ShouldCompact(longHistory(20)) {
		t.Fatal("long history should trigger compaction")
	}
}

func TestCompactFoldsHeadKeepsTail(t *testing.T) {
	provider := &fakeSummarizer{summary: "they discussed many questions"}
	c := New(provider, Options{KeepRecent: 2})

	state := agent.NewState("s1")
	state.Messages = longHistory(5)

	summary, err := c.Compact(context.Background(), state)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if summary.Summary != "they discussed many questions" {
		t.Fatalf("summary = %q", summary.Summary)
	}

	// Cut lands on a user turn: [summary, user, assistant].
	if len(state.Messages) != 3 {
		t.Fatalf("history length = %d, want 3", len(state.Messages))
	}
	if _, ok := state.Messages[0].(*chat.CompactionSummary); !ok {
		t.Fatalf("messages[0] = %T, want summary", state.Messages[0])
	}
	if _, ok := state.Messages[1].(*chat.UserMessage); !ok {
		t.Fatalf("messages[1] = %T, want user", state.Messages[1])
	}

	if !strings.Contains(provider.gotInput, "question") {
		t.Fatalf("transcript missing folded content: %q", provider.gotInput)
	}
	live := state.ContextMessages()
	if len(live) != 3 {
		t.Fatalf("context messages = %d, want 3", len(live))
	}
}

func TestCompactNeverSplitsToolRound(t *testing.T) {
	provider := &fakeSummarizer{summary: "summary"}
	c := New(provider, Options{KeepRecent: 1})

	withCall := assistantText("checking")
	withCall.AddToolCall(chat.ToolCall{ID: "call_1", Name: "lookup", Arguments: "{}"})

	state := agent.NewState("s1")
	state.Messages = []chat.Message{
		chat.NewUserText("first"),
		assistantText("first answer"),
		chat.NewUserText("look it up"),
		withCall,
		chat.NewToolResult("call_1", "lookup", "found it", false),
		assistantText("it is found"),
	}

	if _, err := c.Compact(context.Background(), state); err != nil {
		t.Fatalf("compact: %v", err)
	}

	// The cut backs up to the user turn so the call and its result stay
	// together in the tail.
	tail := state.Messages[1:]
	if _, ok := tail[0].(*chat.UserMessage); !ok {
		t.Fatalf("tail starts with %T, want user turn", tail[0])
	}
	if len(tail) != 4 {
		t.Fatalf("tail length = %d, want 4", len(tail))
	}
}

func TestCompactTooShort(t *testing.T) {
	c := New(&fakeSummarizer{}, Options{KeepRecent: 6})
	state := agent.NewState("s1")
	state.Messages = []chat.Message{chat.NewUserText("hi"), assistantText("hello")}

	if _, err := c.Compact(context.Background(), state); !errors.Is(err, ErrNothingToCompact) {
		t.Fatalf("err = %v, want ErrNothingToCompact", err)
	}
}

func TestCompactProviderFailureLeavesHistory(t *testing.T) {
	provider := &fakeSummarizer{err: errors.New("backend down")}
	c := New(provider, Options{KeepRecent: 2})

	state := agent.NewState("s1")
	state.Messages = longHistory(4)
	before := len(state.Messages)

	if _, err := c.Compact(context.Background(), state); err == nil {
		t.Fatal("expected error")
	}
	if len(state.Messages) != before {
		t.Fatalf("history mutated on failure: %d != %d", len(state.Messages), before)
	}
}

func TestCompactAgainReplacesEarlierSummary(t *testing.T) {
	provider := &fakeSummarizer{summary: "second summary"}
	c := New(provider, Options{KeepRecent: 2})

	state := agent.NewState("s1")
	state.Messages = append([]chat.Message{&chat.CompactionSummary{Summary: "first summary"}}, longHistory(4)...)

	if _, err := c.Compact(context.Background(), state); err != nil {
		t.Fatalf("compact: %v", err)
	}

	// Only the latest summary is live context.
	live := state.ContextMessages()
	cs, ok := live[0].(*chat.CompactionSummary)
	if !ok {
		t.Fatalf("live[0] = %T", live[0])
	}
	if cs.Summary != "second summary" {
		t.Fatalf("live summary = %q", cs.Summary)
	}
	// The old summary was part of the folded transcript.
	if !strings.Contains(provider.gotInput, "first summary") {
		t.Fatal("earlier summary missing from transcript")
	}
}

func TestCompactSessionPersists(t *testing.T) {
	ctx := context.Background()
	store := sessions.NewMemoryStore()
	if err := store.Create(ctx, &sessions.Session{ID: "s1", AgentName: "loom"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	state := agent.NewState("s1")
	state.Messages = longHistory(4)
	for _, m := range state.Messages {
		if err := store.AppendMessage(ctx, "s1", m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	c := New(&fakeSummarizer{summary: "persisted summary"}, Options{KeepRecent: 2})
	if _, err := c.CompactSession(ctx, store, state); err != nil {
		t.Fatalf("compact session: %v", err)
	}

	history, err := store.History(ctx, "s1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != len(state.Messages) {
		t.Fatalf("stored %d messages, state has %d", len(history), len(state.Messages))
	}
	if cs, ok := history[0].(*chat.CompactionSummary); !ok || cs.Summary != "persisted summary" {
		t.Fatalf("history[0] = %#v", history[0])
	}
}

func TestRenderTranscript(t *testing.T) {
	withCall := assistantText("let me check")
	withCall.AddToolCall(chat.ToolCall{ID: "call_1", Name: "weather", Arguments: `{"city":"Oslo"}`})

	out := RenderTranscript([]chat.Message{
		chat.NewUserText("what's the weather"),
		withCall,
		chat.NewToolResult("call_1", "weather", "rainy", false),
	})

	for _, want := range []string{"[user]: what's the weather", "[called weather:", `{"city":"Oslo"}`, "[tool weather result]: rainy"} {
		if !strings.Contains(out, want) {
			t.Fatalf("transcript missing %q:\n%s", want, out)
		}
	}
}

func TestEstimateTokensScalesWithLength(t *testing.T) {
	small := EstimateTokens(chat.NewUserText("hi"))
	large := EstimateTokens(chat.NewUserText(strings.Repeat("word ", 100)))
	if small <= 0 || large <= small {
		t.Fatalf("estimates: small=%d large=%d", small, large)
	}
}
