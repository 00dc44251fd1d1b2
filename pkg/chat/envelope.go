package chat

import (
	"encoding/json"
	"fmt"
)

// envelope is the persisted form of a Message: a kind tag plus the payload.
// Session stores write envelopes so history survives process restarts
// without losing the concrete message type.
type envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

const (
	kindUser       = "user"
	kindAssistant  = "assistant"
	kindToolResult = "tool_result"
	kindCompaction = "compaction_summary"
)

// Encode serializes a message with its kind tag.
func Encode(m Message) ([]byte, error) {
	var kind string
	switch m.(type) {
	case *UserMessage:
		kind = kindUser
	case *AssistantMessage:
		kind = kindAssistant
	case *ToolResultMessage:
		kind = kindToolResult
	case *CompactionSummary:
		kind = kindCompaction
	default:
		return nil, fmt.Errorf("chat: unknown message type %T", m)
	}

	payload, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: kind, Payload: payload})
}

// Decode reverses Encode.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("chat: decode envelope: %w", err)
	}

	var m Message
	switch env.Kind {
	case kindUser:
		m = &UserMessage{}
	case kindAssistant:
		m = &AssistantMessage{}
	case kindToolResult:
		m = &ToolResultMessage{}
	case kindCompaction:
		m = &CompactionSummary{}
	default:
		return nil, fmt.Errorf("chat: unknown message kind %q", env.Kind)
	}

	if err := json.Unmarshal(env.Payload, m); err != nil {
		return nil, fmt.Errorf("chat: decode %s payload: %w", env.Kind, err)
	}
	return m, nil
}
