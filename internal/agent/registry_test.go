package agent

import (
	"math"
	"testing"

	"github.com/voralis/loom/pkg/chat"
)

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	r.Register("anthropic", ModelInfo{ID: "claude-sonnet-4-5", MaxTokens: 8192})

	info, ok := r.Lookup("anthropic", "claude-sonnet-4-5")
	if !ok || info.MaxTokens != 8192 {
		t.Fatalf("info = %+v, ok = %v", info, ok)
	}
	if _, ok := r.Lookup("anthropic", "nope"); ok {
		t.Fatal("unknown model resolved")
	}
	if _, ok := r.Lookup("nope", "claude-sonnet-4-5"); ok {
		t.Fatal("unknown provider resolved")
	}
}

func TestRegistryNilSafe(t *testing.T) {
	var r *Registry
	if _, ok := r.Lookup("a", "b"); ok {
		t.Fatal("nil registry resolved a model")
	}
	if got := r.Cost("a", "b", chat.Usage{Input: 100}); got != 0 {
		t.Fatalf("cost = %v, want 0", got)
	}
	if got := r.Models("a"); got != nil {
		t.Fatalf("models = %v, want nil", got)
	}
}

func TestRegistryCost(t *testing.T) {
	r := NewRegistry()
	r.Register("openai", ModelInfo{
		ID:                 "gpt-5",
		InputCostPer1M:     2.0,
		OutputCostPer1M:    8.0,
		CacheReadCostPer1M: 0.5,
	})

	usage := chat.Usage{Input: 1_000_000, Output: 500_000, CacheRead: 200_000}
	got := r.Cost("openai", "gpt-5", usage)
	want := 2.0 + 4.0 + 0.1
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("cost = %v, want %v", got, want)
	}

	if got := r.Cost("openai", "unknown", usage); got != 0 {
		t.Fatalf("unknown model cost = %v, want 0", got)
	}
}

func TestStateContextMessages(t *testing.T) {
	s := NewState("sess")
	s.Messages = append(s.Messages,
		chat.NewUserText("one"),
		&chat.AssistantMessage{Content: []chat.Block{chat.TextBlock("two")}},
	)
	if got := len(s.ContextMessages()); got != 2 {
		t.Fatalf("context = %d, want 2", got)
	}

	s.Compact("summary of one and two")
	s.Messages = append(s.Messages, chat.NewUserText("three"))

	ctxMsgs := s.ContextMessages()
	if len(ctxMsgs) != 2 {
		t.Fatalf("context after compaction = %d, want 2", len(ctxMsgs))
	}
	if _, ok := ctxMsgs[0].(*chat.CompactionSummary); !ok {
		t.Fatalf("context must start at the summary, got %T", ctxMsgs[0])
	}
}
