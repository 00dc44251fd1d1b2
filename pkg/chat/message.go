// Package chat defines the provider-neutral conversation model: messages,
// content blocks, tool calls, usage accounting, and stop reasons. Provider
// adapters translate between these types and each backend's wire format;
// the agent loop only ever sees this package.
package chat

import "strings"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is the closed union of conversation entries. Concrete kinds are
// UserMessage, AssistantMessage, ToolResultMessage, and CompactionSummary.
type Message interface {
	Role() Role
	isMessage()
}

// BlockKind discriminates the content block union.
type BlockKind string

const (
	BlockText     BlockKind = "text"
	BlockThinking BlockKind = "thinking"
	BlockImage    BlockKind = "image"
	BlockToolCall BlockKind = "tool_call"
)

// Block is one typed unit of message content. Exactly the fields matching
// Kind are populated; the rest stay zero.
type Block struct {
	Kind BlockKind `json:"kind"`

	// Text carries the content of a text block.
	Text string `json:"text,omitempty"`

	// Thinking carries the content of a reasoning block. Kept separate from
	// Text so interleaved reasoning and prose never merge into one block.
	Thinking string `json:"thinking,omitempty"`

	// Signature is an opaque provider resumption token (item id, thought
	// signature). Set once from the first delta that carries one.
	Signature string `json:"signature,omitempty"`

	// Image is set for image blocks.
	Image *ImageRef `json:"image,omitempty"`

	// ToolCall is set for tool-call blocks on assistant messages.
	ToolCall *ToolCall `json:"tool_call,omitempty"`
}

// ImageRef points at image content, either a data URL or a remote URL.
type ImageRef struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
}

// TextBlock builds a plain text block.
func TextBlock(text string) Block {
	return Block{Kind: BlockText, Text: text}
}

// ImageBlock builds an image block.
func ImageBlock(url, mimeType string) Block {
	return Block{Kind: BlockImage, Image: &ImageRef{URL: url, MimeType: mimeType}}
}

// ToolCall is a provider-requested tool invocation. Arguments is the raw
// JSON argument string exactly as streamed; it is parsed lazily and never
// assumed well formed.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// PendingToolCall wraps a ToolCall with a tri-state approval decision.
// Approved == nil means undecided; the loop suspends on undecided calls
// whose tool requires approval.
type PendingToolCall struct {
	Call ToolCall `json:"call"`

	Approved       *bool  `json:"approved,omitempty"`
	RejectedReason string `json:"rejected_reason,omitempty"`
}

// Approve marks the call as allowed to execute.
func (p *PendingToolCall) Approve() {
	v := true
	p.Approved = &v
	p.RejectedReason = ""
}

// Reject marks the call as denied. The reason becomes the error tool-result
// content verbatim.
func (p *PendingToolCall) Reject(reason string) {
	v := false
	p.Approved = &v
	p.RejectedReason = reason
}

// Decided reports whether an approval decision has been recorded.
func (p *PendingToolCall) Decided() bool {
	return p.Approved != nil
}

// UserMessage is one turn of end-user input.
type UserMessage struct {
	Content []Block `json:"content"`
}

func (*UserMessage) Role() Role { return RoleUser }
func (*UserMessage) isMessage() {}

// NewUserText builds a user message holding a single text block.
func NewUserText(text string) *UserMessage {
	return &UserMessage{Content: []Block{TextBlock(text)}}
}

// Text returns the concatenated text block content.
func (m *UserMessage) Text() string {
	return joinText(m.Content)
}

// AssistantMessage is one provider turn. Content accumulates during
// streaming and is immutable once the turn ends.
type AssistantMessage struct {
	Content []Block `json:"content"`

	// ToolCalls mirrors the tool-call blocks as a flat list, kept in sync
	// for callers that only care about the calls.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ResponseID is the provider-assigned turn identifier, when the backend
	// supports server-side conversation state.
	ResponseID string `json:"response_id,omitempty"`

	Provider string `json:"provider,omitempty"`
	API      string `json:"api,omitempty"`
	Model    string `json:"model,omitempty"`

	Usage Usage `json:"usage"`
}

func (*AssistantMessage) Role() Role { return RoleAssistant }
func (*AssistantMessage) isMessage() {}

// Text returns the concatenated text block content, excluding thinking.
func (m *AssistantMessage) Text() string {
	return joinText(m.Content)
}

// Thinking returns the concatenated reasoning block content.
func (m *AssistantMessage) Thinking() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Kind == BlockThinking {
			sb.WriteString(b.Thinking)
		}
	}
	return sb.String()
}

// AddToolCall appends a tool call as both a content block and a flat entry.
func (m *AssistantMessage) AddToolCall(call ToolCall) {
	m.Content = append(m.Content, Block{Kind: BlockToolCall, ToolCall: &call})
	m.ToolCalls = append(m.ToolCalls, call)
}

// ToolResultMessage carries the outcome of one tool call back to the model.
type ToolResultMessage struct {
	CallID  string  `json:"call_id"`
	Name    string  `json:"name"`
	Content []Block `json:"content"`
	IsError bool    `json:"is_error,omitempty"`
}

func (*ToolResultMessage) Role() Role { return RoleTool }
func (*ToolResultMessage) isMessage() {}

// NewToolResult builds a text-only tool result.
func NewToolResult(callID, name, content string, isError bool) *ToolResultMessage {
	return &ToolResultMessage{
		CallID:  callID,
		Name:    name,
		Content: []Block{TextBlock(content)},
		IsError: isError,
	}
}

// Text returns the concatenated text content of the result.
func (m *ToolResultMessage) Text() string {
	return joinText(m.Content)
}

// CompactionSummary replaces a prefix of history with a single summary.
// Messages preceding the latest summary are dropped from provider context.
type CompactionSummary struct {
	Summary string `json:"summary"`
}

func (*CompactionSummary) Role() Role { return RoleUser }
func (*CompactionSummary) isMessage() {}

func joinText(blocks []Block) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Kind == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}
