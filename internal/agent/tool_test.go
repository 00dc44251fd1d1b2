package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

type searchInput struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

func TestNewToolDerivesSchema(t *testing.T) {
	tool := NewTool("search", "Search the index.", func(_ context.Context, in searchInput) (string, error) {
		return in.Query, nil
	})

	if tool.Name != "search" || tool.Description != "Search the index." {
		t.Fatalf("tool = %+v", tool)
	}

	var schema map[string]any
	if err := json.Unmarshal(tool.Schema, &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	if schema["type"] != "object" {
		t.Fatalf("schema type = %v", schema["type"])
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("properties missing: %v", schema)
	}
	if _, ok := props["query"]; !ok {
		t.Fatal("query property missing")
	}
}

func TestToolValidateArgs(t *testing.T) {
	tool := NewTool("search", "", func(_ context.Context, in searchInput) (string, error) {
		return in.Query, nil
	})

	if err := tool.ValidateArgs(json.RawMessage(`{"query":"go"}`)); err != nil {
		t.Fatalf("valid args rejected: %v", err)
	}
	if err := tool.ValidateArgs(json.RawMessage(`{"query":`)); err == nil {
		t.Fatal("truncated JSON accepted")
	}
	if err := tool.ValidateArgs(json.RawMessage(`{"query":42}`)); err == nil {
		t.Fatal("wrong type accepted")
	}
}

func TestToolHandlerRejectsUnparsableArgs(t *testing.T) {
	tool := NewTool("echo", "", func(_ context.Context, in searchInput) (string, error) {
		return in.Query, nil
	})

	_, err := tool.Handler(context.Background(), json.RawMessage(`not json`))
	if err == nil || !strings.Contains(err.Error(), "invalid arguments") {
		t.Fatalf("err = %v", err)
	}
}

func TestToolSetOrderAndLookup(t *testing.T) {
	a := NewTool("alpha", "", func(_ context.Context, _ struct{}) (string, error) { return "", nil })
	b := NewTool("beta", "", func(_ context.Context, _ struct{}) (string, error) { return "", nil }, WithApproval())

	set := NewToolSet(a, b)

	list := set.List()
	if len(list) != 2 || list[0].Name != "alpha" || list[1].Name != "beta" {
		t.Fatalf("list = %+v", list)
	}
	if _, ok := set.Lookup("alpha"); !ok {
		t.Fatal("alpha missing")
	}
	if _, ok := set.Lookup("gamma"); ok {
		t.Fatal("gamma should not resolve")
	}
	if set.RequiresApproval("alpha") {
		t.Fatal("alpha needs no approval")
	}
	if !set.RequiresApproval("beta") {
		t.Fatal("beta requires approval")
	}
	if set.RequiresApproval("gamma") {
		t.Fatal("unknown names never require approval")
	}
}

func TestToolSetDuplicateReplaces(t *testing.T) {
	first := NewTool("dup", "first", func(_ context.Context, _ struct{}) (string, error) { return "1", nil })
	second := NewTool("dup", "second", func(_ context.Context, _ struct{}) (string, error) { return "2", nil })

	set := NewToolSet(first, second)
	if len(set.List()) != 1 {
		t.Fatalf("list = %+v", set.List())
	}
	got, _ := set.Lookup("dup")
	if got.Description != "second" {
		t.Fatalf("description = %q, want the later registration", got.Description)
	}
}
