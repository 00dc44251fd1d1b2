package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	schemavalidate "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/voralis/loom/pkg/chat"
)

// Handler executes a tool call with the raw JSON arguments the model
// produced. The returned string becomes the tool-result content; an error
// becomes an is_error result fed back to the model, never a loop failure.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Tool is a registered capability the model may invoke. Tools are
// registered once at agent construction and immutable thereafter.
type Tool struct {
	Name        string
	Description string

	// Schema is the JSON Schema for the arguments object.
	Schema json.RawMessage

	// Strict asks backends that support it to constrain generation to the
	// schema.
	Strict bool

	// RequiresApproval suspends the loop until the caller decides the call.
	RequiresApproval bool

	Handler Handler

	compiled *schemavalidate.Schema
}

// ToolOption customizes a tool built with NewTool.
type ToolOption func(*Tool)

// WithApproval marks the tool as requiring caller approval per call.
func WithApproval() ToolOption {
	return func(t *Tool) { t.RequiresApproval = true }
}

// WithStrict enables strict schema adherence on capable backends.
func WithStrict() ToolOption {
	return func(t *Tool) { t.Strict = true }
}

// NewTool builds a tool whose argument schema is derived from the typed
// input struct. Field names and required-ness come from the struct's json
// tags and jsonschema tags; additional properties are disallowed.
func NewTool[T any](name, description string, handler func(ctx context.Context, input T) (string, error), opts ...ToolOption) Tool {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	var zero T
	reflected := reflector.Reflect(zero)
	params := map[string]any{
		"type":       "object",
		"properties": reflected.Properties,
	}
	if len(reflected.Required) > 0 {
		params["required"] = reflected.Required
	}

	schema, err := json.Marshal(params)
	if err != nil {
		schema = json.RawMessage(`{"type":"object","properties":{}}`)
	}

	tool := Tool{
		Name:        name,
		Description: description,
		Schema:      schema,
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var input T
			if err := json.Unmarshal(args, &input); err != nil {
				return "", fmt.Errorf("invalid arguments for %s: %w", name, err)
			}
			return handler(ctx, input)
		},
	}
	for _, opt := range opts {
		opt(&tool)
	}

	// Best effort: a schema the validator cannot compile just skips
	// argument validation rather than making the tool unusable.
	if compiled, err := schemavalidate.CompileString(name+".schema.json", string(schema)); err == nil {
		tool.compiled = compiled
	}

	return tool
}

// ValidateArgs checks the raw arguments against the tool's schema.
func (t *Tool) ValidateArgs(args json.RawMessage) error {
	if t.compiled == nil {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := t.compiled.Validate(decoded); err != nil {
		return fmt.Errorf("arguments do not match schema: %w", err)
	}
	return nil
}

// ToolSet is an ordered, read-only collection of tools. Registration order
// is preserved so provider requests are deterministic.
type ToolSet struct {
	order  []string
	byName map[string]Tool
}

// NewToolSet builds a set from the given tools. A duplicate name replaces
// the earlier registration.
func NewToolSet(tools ...Tool) *ToolSet {
	s := &ToolSet{byName: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if _, exists := s.byName[t.Name]; !exists {
			s.order = append(s.order, t.Name)
		}
		s.byName[t.Name] = t
	}
	return s
}

// Lookup finds a tool by name.
func (s *ToolSet) Lookup(name string) (Tool, bool) {
	if s == nil {
		return Tool{}, false
	}
	t, ok := s.byName[name]
	return t, ok
}

// List returns the tools in registration order.
func (s *ToolSet) List() []Tool {
	if s == nil {
		return nil
	}
	out := make([]Tool, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.byName[name])
	}
	return out
}

// RequiresApproval reports whether the named tool needs a caller decision.
// Unknown names report false; the loop turns them into error results.
func (s *ToolSet) RequiresApproval(name string) bool {
	t, ok := s.Lookup(name)
	return ok && t.RequiresApproval
}

// errorResult builds the is_error tool result used for every contained
// tool failure (unknown tool, bad arguments, handler error, rejection).
func errorResult(call chat.ToolCall, content string) *chat.ToolResultMessage {
	return chat.NewToolResult(call.ID, call.Name, content, true)
}
