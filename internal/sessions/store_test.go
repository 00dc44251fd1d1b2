package sessions

import (
	"context"
	"errors"
	"testing"

	"github.com/voralis/loom/pkg/chat"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStoreSessionLifecycle(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := store.Create(ctx, &Session{ID: "s1", AgentName: "helper", Title: "first"}); err != nil {
				t.Fatalf("Create: %v", err)
			}

			got, err := store.Get(ctx, "s1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.AgentName != "helper" || got.Title != "first" {
				t.Fatalf("session = %+v", got)
			}
			if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
				t.Fatal("timestamps not set")
			}

			if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing session err = %v", err)
			}

			if err := store.Create(ctx, &Session{ID: "s2", AgentName: "other"}); err != nil {
				t.Fatalf("Create s2: %v", err)
			}
			list, err := store.List(ctx, "helper", 0)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(list) != 1 || list[0].ID != "s1" {
				t.Fatalf("list = %+v", list)
			}

			all, err := store.List(ctx, "", 0)
			if err != nil {
				t.Fatalf("List all: %v", err)
			}
			if len(all) != 2 {
				t.Fatalf("all = %d, want 2", len(all))
			}

			if err := store.Delete(ctx, "s1"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := store.Get(ctx, "s1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("deleted session err = %v", err)
			}
		})
	}
}

func TestStoreHistoryRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := store.Create(ctx, &Session{ID: "s1", AgentName: "helper"}); err != nil {
				t.Fatalf("Create: %v", err)
			}

			assistant := &chat.AssistantMessage{Content: []chat.Block{chat.TextBlock("the sum is 30")}}
			assistant.AddToolCall(chat.ToolCall{ID: "call_1", Name: "add", Arguments: `{"a":10,"b":20}`})

			msgs := []chat.Message{
				chat.NewUserText("what is 10+20?"),
				assistant,
				chat.NewToolResult("call_1", "add", "30", false),
			}
			for _, m := range msgs {
				if err := store.AppendMessage(ctx, "s1", m); err != nil {
					t.Fatalf("AppendMessage(%T): %v", m, err)
				}
			}

			history, err := store.History(ctx, "s1")
			if err != nil {
				t.Fatalf("History: %v", err)
			}
			if len(history) != 3 {
				t.Fatalf("history = %d, want 3", len(history))
			}
			if _, ok := history[0].(*chat.UserMessage); !ok {
				t.Fatalf("history[0] = %T", history[0])
			}
			restored, ok := history[1].(*chat.AssistantMessage)
			if !ok {
				t.Fatalf("history[1] = %T", history[1])
			}
			if len(restored.ToolCalls) != 1 || restored.ToolCalls[0].Arguments != `{"a":10,"b":20}` {
				t.Fatalf("restored calls = %+v", restored.ToolCalls)
			}
			result, ok := history[2].(*chat.ToolResultMessage)
			if !ok || result.Text() != "30" {
				t.Fatalf("history[2] = %+v", history[2])
			}
		})
	}
}

func TestStoreReplaceHistoryAfterCompaction(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := store.Create(ctx, &Session{ID: "s1", AgentName: "helper"}); err != nil {
				t.Fatalf("Create: %v", err)
			}
			for _, m := range []chat.Message{chat.NewUserText("a"), chat.NewUserText("b")} {
				if err := store.AppendMessage(ctx, "s1", m); err != nil {
					t.Fatalf("AppendMessage: %v", err)
				}
			}

			compacted := []chat.Message{
				&chat.CompactionSummary{Summary: "earlier turns about a and b"},
				chat.NewUserText("c"),
			}
			if err := store.ReplaceHistory(ctx, "s1", compacted); err != nil {
				t.Fatalf("ReplaceHistory: %v", err)
			}

			history, err := store.History(ctx, "s1")
			if err != nil {
				t.Fatalf("History: %v", err)
			}
			if len(history) != 2 {
				t.Fatalf("history = %d, want 2", len(history))
			}
			summary, ok := history[0].(*chat.CompactionSummary)
			if !ok || summary.Summary != "earlier turns about a and b" {
				t.Fatalf("history[0] = %+v", history[0])
			}
		})
	}
}
