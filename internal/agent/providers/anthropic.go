// Package providers contains the backend adapters. Each adapter transcodes
// the neutral request into one wire dialect, reads the streamed response,
// and folds every frame into the turn accumulator. Adapters never retry;
// terminal failures surface as *ProviderError and policy lives with the
// caller.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/voralis/loom/internal/agent"
	"github.com/voralis/loom/pkg/chat"
)

// AnthropicProvider speaks the Anthropic Messages streaming API.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropic creates an Anthropic provider. baseURL overrides the
// default endpoint when non-empty.
func NewAnthropic(apiKey, baseURL string) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{client: anthropic.NewClient(opts...)}
}

// Name implements agent.Provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Stream implements agent.Provider.
func (p *AnthropicProvider) Stream(ctx context.Context, req *agent.Request, acc *agent.Accumulator) (*agent.TurnResult, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  anthropicMessages(req.Messages),
	}
	if params.MaxTokens == 0 {
		params.MaxTokens = 4096
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = anthropicTools(req.Tools)
	}
	if req.ThinkingBudget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(req.ThinkingBudget))
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	var usage chat.Usage
	stopReason := chat.StopEndTurn

	// The Messages stream addresses content by block index; tool call ids
	// only appear on the opening frame, so remember them per index.
	type openBlock struct {
		kind   string
		callID string
		name   string
	}
	blocks := make(map[int64]*openBlock)

	for stream.Next() {
		if err := ctx.Err(); err != nil {
			acc.Fail(ctx, err)
			return nil, err
		}

		event := stream.Current()
		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			acc.Start(ctx)
			acc.SetResponseID(ms.Message.ID)
			usage.Input = int(ms.Message.Usage.InputTokens)
			usage.CacheRead = int(ms.Message.Usage.CacheReadInputTokens)
			usage.CacheWrite = int(ms.Message.Usage.CacheCreationInputTokens)

		case "content_block_start":
			cbs := event.AsContentBlockStart()
			ob := &openBlock{kind: cbs.ContentBlock.Type}
			if cbs.ContentBlock.Type == "tool_use" {
				tu := cbs.ContentBlock.AsToolUse()
				ob.callID = tu.ID
				ob.name = tu.Name
				acc.ToolCallStart(ctx, tu.ID, tu.Name)
			}
			blocks[cbs.Index] = ob

		case "content_block_delta":
			cbd := event.AsContentBlockDelta()
			ob := blocks[cbd.Index]
			switch cbd.Delta.Type {
			case "text_delta":
				acc.TextDelta(ctx, "", cbd.Delta.Text)
			case "thinking_delta":
				acc.ThinkingDelta(ctx, "", cbd.Delta.Thinking)
			case "signature_delta":
				acc.SetSignature(cbd.Delta.Signature)
			case "input_json_delta":
				if ob != nil && ob.callID != "" {
					acc.ArgumentsDelta(ctx, ob.callID, cbd.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			cbs := event.AsContentBlockStop()
			if ob := blocks[cbs.Index]; ob != nil && ob.kind == "tool_use" {
				acc.ToolCallDone(ctx, ob.callID, "", ob.name, "")
			}
			delete(blocks, cbs.Index)

		case "message_delta":
			md := event.AsMessageDelta()
			usage.Output = int(md.Usage.OutputTokens)
			if md.Delta.StopReason != "" {
				stopReason = anthropicStopReason(string(md.Delta.StopReason))
			}

		case "message_stop":
			acc.Finish(ctx)

		case "error":
			// Mid-stream error frames are malformed-stream territory; keep
			// reading, the transport error surfaces through stream.Err().
			acc.SoftError(ctx, fmt.Errorf("anthropic stream error frame: %s", event.RawJSON()))
		}
	}

	if err := stream.Err(); err != nil {
		perr := anthropicError(req.Model, err)
		acc.Fail(ctx, perr)
		return nil, perr
	}

	acc.Finish(ctx)
	usage.Total = usage.Input + usage.Output + usage.CacheRead + usage.CacheWrite

	msg := acc.Message()
	msg.API = "anthropic-messages"

	return &agent.TurnResult{Message: msg, Usage: usage, StopReason: stopReason}, nil
}

// anthropicErrorPayload mirrors the error envelope in the response body.
type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func anthropicError(model string, err error) *ProviderError {
	perr := NewProviderError("anthropic", model, err)
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		perr.WithStatus(apiErr.StatusCode)
		var payload anthropicErrorPayload
		if jsonErr := json.Unmarshal([]byte(apiErr.RawJSON()), &payload); jsonErr == nil {
			perr.WithCode(payload.Error.Type).WithMessage(payload.Error.Message)
			perr.WithRequestID(payload.RequestID)
		}
	}
	return perr
}

func anthropicStopReason(reason string) chat.StopReason {
	switch reason {
	case "tool_use":
		return chat.StopToolCalls
	case "max_tokens":
		return chat.StopLength
	case "refusal":
		return chat.StopContentFilter
	default:
		return chat.StopEndTurn
	}
}

// anthropicMessages transcodes history into Messages-API params. Tool
// results for one round are bundled into a single user message because the
// API rejects dangling tool_use blocks otherwise.
func anthropicMessages(messages []chat.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	var resultBatch []anthropic.ContentBlockParamUnion

	flushResults := func() {
		if len(resultBatch) > 0 {
			out = append(out, anthropic.NewUserMessage(resultBatch...))
			resultBatch = nil
		}
	}

	for _, m := range messages {
		switch msg := m.(type) {
		case *chat.ToolResultMessage:
			resultBatch = append(resultBatch, anthropic.NewToolResultBlock(msg.CallID, msg.Text(), msg.IsError))
			continue
		case *chat.UserMessage:
			flushResults()
			var parts []anthropic.ContentBlockParamUnion
			for _, b := range msg.Content {
				if b.Kind == chat.BlockText && b.Text != "" {
					parts = append(parts, anthropic.NewTextBlock(b.Text))
				}
			}
			if len(parts) > 0 {
				out = append(out, anthropic.NewUserMessage(parts...))
			}
		case *chat.CompactionSummary:
			flushResults()
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Summary)))
		case *chat.AssistantMessage:
			flushResults()
			var parts []anthropic.ContentBlockParamUnion
			for _, b := range msg.Content {
				switch b.Kind {
				case chat.BlockText:
					if b.Text != "" {
						parts = append(parts, anthropic.NewTextBlock(b.Text))
					}
				case chat.BlockThinking:
					if b.Signature != "" {
						parts = append(parts, anthropic.NewThinkingBlock(b.Signature, b.Thinking))
					}
				case chat.BlockToolCall:
					if b.ToolCall != nil {
						parts = append(parts, anthropic.NewToolUseBlock(b.ToolCall.ID, json.RawMessage(b.ToolCall.Arguments), b.ToolCall.Name))
					}
				}
			}
			if len(parts) > 0 {
				out = append(out, anthropic.NewAssistantMessage(parts...))
			}
		}
	}
	flushResults()
	return out
}

func anthropicTools(tools []agent.Tool) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema struct {
			Properties map[string]any `json:"properties"`
			Required   []string       `json:"required"`
		}
		_ = json.Unmarshal(t.Schema, &schema)

		inputSchema := anthropic.ToolInputSchemaParam{Properties: schema.Properties}
		if len(schema.Required) > 0 {
			inputSchema.ExtraFields = map[string]any{"required": schema.Required}
		}

		param := anthropic.ToolUnionParamOfTool(inputSchema, t.Name)
		if param.OfTool != nil && t.Description != "" {
			param.OfTool.Description = anthropic.String(t.Description)
		}
		out = append(out, param)
	}
	return out
}
