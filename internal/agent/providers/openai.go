package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/voralis/loom/internal/agent"
	"github.com/voralis/loom/pkg/chat"
)

// OpenAIProvider speaks the Chat Completions streaming dialect, which a
// long tail of backends imitate with small deviations. The deviations are
// captured in agent.Compat and resolved at construction time.
type OpenAIProvider struct {
	client *openai.Client
	name   string
	compat agent.Compat
}

// NewOpenAI creates a provider against api.openai.com.
func NewOpenAI(apiKey string) *OpenAIProvider {
	return NewOpenAICompatible("openai", apiKey, "", nil)
}

// NewOpenAICompatible creates a provider against any completions-style
// backend. override pins compat behavior; nil falls back to heuristics on
// name and baseURL.
func NewOpenAICompatible(name, apiKey, baseURL string, override *agent.Compat) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		name:   name,
		compat: ResolveCompat(name, baseURL, override),
	}
}

// Name implements agent.Provider.
func (p *OpenAIProvider) Name() string { return p.name }

// Stream implements agent.Provider.
func (p *OpenAIProvider) Stream(ctx context.Context, req *agent.Request, acc *agent.Accumulator) (*agent.TurnResult, error) {
	ccr := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: p.completionMessages(req),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if p.compat.MaxCompletionTokens {
		ccr.MaxCompletionTokens = req.MaxTokens
	} else {
		ccr.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		ccr.Tools = p.completionTools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, ccr)
	if err != nil {
		perr := openaiError(p.name, req.Model, err)
		acc.Fail(ctx, perr)
		return nil, perr
	}
	defer stream.Close()

	// Tool-call fragments arrive keyed by choice index; the call id shows
	// up only on the first fragment of each call, and some imitators never
	// send one at all. Accumulation is therefore keyed by a per-index
	// transient id throughout; finalization hands both ids to the
	// accumulator, which resolves the transient key and keeps the real id
	// when there is one.
	type callState struct {
		id   string
		key  string
		name string
	}
	calls := make(map[int]*callState)

	var usage chat.Usage
	stopReason := chat.StopEndTurn

	for {
		if err := ctx.Err(); err != nil {
			acc.Fail(ctx, err)
			return nil, err
		}

		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			perr := openaiError(p.name, req.Model, err)
			acc.Fail(ctx, perr)
			return nil, perr
		}

		acc.SetResponseID(resp.ID)

		if resp.Usage != nil {
			usage.Input = resp.Usage.PromptTokens
			usage.Output = resp.Usage.CompletionTokens
			if resp.Usage.PromptTokensDetails != nil {
				usage.CacheRead = resp.Usage.PromptTokensDetails.CachedTokens
			}
		}

		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			acc.TextDelta(ctx, "", choice.Delta.Content)
		}
		if choice.Delta.ReasoningContent != "" {
			if p.compat.ReasoningAsText {
				acc.TextDelta(ctx, "", choice.Delta.ReasoningContent)
			} else {
				acc.ThinkingDelta(ctx, "", choice.Delta.ReasoningContent)
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			cs, ok := calls[idx]
			if !ok {
				cs = &callState{key: fmt.Sprintf("idx_%d", idx)}
				calls[idx] = cs
			}
			if tc.ID != "" {
				cs.id = tc.ID
			}
			if tc.Function.Name != "" {
				cs.name = tc.Function.Name
				acc.ToolCallStart(ctx, cs.key, cs.name)
			}
			if tc.Function.Arguments != "" {
				acc.ArgumentsDelta(ctx, cs.key, tc.Function.Arguments)
			}
		}

		if choice.FinishReason != "" {
			stopReason = openaiStopReason(string(choice.FinishReason))
		}
	}

	// Finalize calls in wire order.
	indices := make([]int, 0, len(calls))
	for idx := range calls {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	for _, idx := range indices {
		cs := calls[idx]
		acc.ToolCallDone(ctx, cs.id, cs.key, cs.name, "")
	}

	acc.Finish(ctx)
	usage.Total = usage.Input + usage.Output

	msg := acc.Message()
	msg.API = "openai-completions"

	return &agent.TurnResult{Message: msg, Usage: usage, StopReason: stopReason}, nil
}

func (p *OpenAIProvider) completionMessages(req *agent.Request) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage

	if req.System != "" {
		role := openai.ChatMessageRoleSystem
		if p.compat.DeveloperRole {
			role = openai.ChatMessageRoleDeveloper
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: req.System})
	}

	inToolBatch := false
	closeToolBatch := func() {
		if inToolBatch && p.compat.AssistantAfterToolResult {
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: ""})
		}
		inToolBatch = false
	}

	for _, m := range req.Messages {
		switch msg := m.(type) {
		case *chat.UserMessage:
			closeToolBatch()
			out = append(out, userCompletionMessage(msg))
		case *chat.CompactionSummary:
			closeToolBatch()
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Summary})
		case *chat.AssistantMessage:
			inToolBatch = false
			cm := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Text(),
			}
			for _, call := range msg.ToolCalls {
				cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: call.Arguments,
					},
				})
			}
			out = append(out, cm)
		case *chat.ToolResultMessage:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Text(),
				ToolCallID: msg.CallID,
			})
			inToolBatch = true
		}
	}
	closeToolBatch()

	return out
}

func userCompletionMessage(msg *chat.UserMessage) openai.ChatCompletionMessage {
	hasImage := false
	for _, b := range msg.Content {
		if b.Kind == chat.BlockImage {
			hasImage = true
			break
		}
	}
	if !hasImage {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Text()}
	}

	var parts []openai.ChatMessagePart
	for _, b := range msg.Content {
		switch b.Kind {
		case chat.BlockText:
			if b.Text != "" {
				parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: b.Text})
			}
		case chat.BlockImage:
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: b.Image.URL},
			})
		}
	}
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}
}

func (p *OpenAIProvider) completionTools(tools []agent.Tool) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		fn := &openai.FunctionDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  json.RawMessage(t.Schema),
		}
		if t.Strict && !p.compat.NoStrictTools {
			fn.Strict = true
		}
		out = append(out, openai.Tool{Type: openai.ToolTypeFunction, Function: fn})
	}
	return out
}

func openaiError(provider, model string, err error) *ProviderError {
	perr := NewProviderError(provider, model, err)
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		perr.WithStatus(apiErr.HTTPStatusCode).WithMessage(apiErr.Message)
		if code, ok := apiErr.Code.(string); ok {
			perr.WithCode(code)
		}
	}
	return perr
}

func openaiStopReason(reason string) chat.StopReason {
	switch reason {
	case "tool_calls", "function_call":
		return chat.StopToolCalls
	case "length":
		return chat.StopLength
	case "content_filter":
		return chat.StopContentFilter
	default:
		return chat.StopEndTurn
	}
}
