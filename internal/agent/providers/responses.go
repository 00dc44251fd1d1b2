package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/voralis/loom/internal/agent"
	"github.com/voralis/loom/pkg/chat"
)

const defaultResponsesBaseURL = "https://api.openai.com/v1"

// ResponsesProvider speaks the OpenAI Responses streaming API over raw
// SSE. The Codex variant shares the implementation with a different
// endpoint and usage accounting quirk.
type ResponsesProvider struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	name       string
	api        string

	// subtractCached corrects backends that fold cached tokens into the
	// input count a second time.
	subtractCached bool
}

// NewResponses creates a Responses API provider against api.openai.com.
func NewResponses(apiKey, baseURL string) *ResponsesProvider {
	if baseURL == "" {
		baseURL = defaultResponsesBaseURL
	}
	return &ResponsesProvider{
		httpClient: http.DefaultClient,
		apiKey:     apiKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		name:       "openai",
		api:        "openai-responses",
	}
}

// Name implements agent.Provider.
func (p *ResponsesProvider) Name() string { return p.name }

// responsesRequest is the wire request body.
type responsesRequest struct {
	Model              string           `json:"model"`
	Input              []map[string]any `json:"input"`
	Instructions       string           `json:"instructions,omitempty"`
	MaxOutputTokens    int              `json:"max_output_tokens,omitempty"`
	Stream             bool             `json:"stream"`
	Store              bool             `json:"store"`
	Tools              []map[string]any `json:"tools,omitempty"`
	PreviousResponseID string           `json:"previous_response_id,omitempty"`
	Reasoning          map[string]any   `json:"reasoning,omitempty"`
}

// responsesFrame is the superset of fields across Responses stream events;
// each event type reads the slice it needs.
type responsesFrame struct {
	Type     string `json:"type"`
	Delta    string `json:"delta"`
	ItemID   string `json:"item_id"`
	Item     *responsesItem     `json:"item"`
	Response *responsesEnvelope `json:"response"`
}

type responsesItem struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type responsesEnvelope struct {
	ID    string `json:"id"`
	Usage *struct {
		InputTokens        int `json:"input_tokens"`
		OutputTokens       int `json:"output_tokens"`
		InputTokensDetails struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"input_tokens_details"`
	} `json:"usage"`
	IncompleteDetails *struct {
		Reason string `json:"reason"`
	} `json:"incomplete_details"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Stream implements agent.Provider.
func (p *ResponsesProvider) Stream(ctx context.Context, req *agent.Request, acc *agent.Accumulator) (*agent.TurnResult, error) {
	body := responsesRequest{
		Model:           req.Model,
		Instructions:    req.System,
		MaxOutputTokens: req.MaxTokens,
		Stream:          true,
		Tools:           responsesTools(req.Tools),
	}
	if req.PreviousResponseID != "" {
		body.Store = true
		body.PreviousResponseID = req.PreviousResponseID
		body.Input = responsesInput(tailSinceLastAssistant(req.Messages))
	} else {
		body.Input = responsesInput(req.Messages)
	}
	if req.ThinkingBudget > 0 {
		body.Reasoning = map[string]any{"effort": "medium", "summary": "auto"}
	}

	resp, err := p.post(ctx, "/responses", body)
	if err != nil {
		perr := NewProviderError(p.name, req.Model, err)
		acc.Fail(ctx, perr)
		return nil, perr
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		perr := p.httpError(req.Model, resp)
		acc.Fail(ctx, perr)
		return nil, perr
	}

	var usage chat.Usage
	stopReason := chat.StopEndTurn
	var streamErr *ProviderError

	// Argument deltas are keyed by item id; the call id arrives on the
	// output_item frames.
	itemToCall := make(map[string]string)

	err = parseSSE(ctx, resp.Body, func(_, data string) error {
		var frame responsesFrame
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			// Malformed frames are contained; the stream stays usable.
			acc.SoftError(ctx, fmt.Errorf("responses: malformed frame: %w", err))
			return nil
		}

		switch frame.Type {
		case "response.created":
			acc.Start(ctx)
			if frame.Response != nil {
				acc.SetResponseID(frame.Response.ID)
			}

		case "response.output_text.delta":
			acc.TextDelta(ctx, frame.ItemID, frame.Delta)

		case "response.refusal.delta":
			acc.RefusalDelta(ctx, frame.ItemID, frame.Delta)

		case "response.reasoning_text.delta", "response.reasoning_summary_text.delta":
			acc.ThinkingDelta(ctx, frame.ItemID, frame.Delta)

		case "response.output_item.added":
			if frame.Item != nil && frame.Item.Type == "function_call" {
				itemToCall[frame.Item.ID] = frame.Item.CallID
				acc.ToolCallStart(ctx, frame.Item.CallID, frame.Item.Name)
			}

		case "response.function_call_arguments.delta":
			id := itemToCall[frame.ItemID]
			if id == "" {
				// Delta before the item announcement; key by item id and let
				// the done frame resolve it.
				id = frame.ItemID
			}
			acc.ArgumentsDelta(ctx, id, frame.Delta)

		case "response.output_item.done":
			if frame.Item != nil && frame.Item.Type == "function_call" {
				acc.ToolCallDone(ctx, frame.Item.CallID, frame.Item.ID, frame.Item.Name, frame.Item.Arguments)
			}

		case "response.completed", "response.incomplete":
			if frame.Response != nil {
				usage = p.responseUsage(frame.Response)
				if frame.Response.IncompleteDetails != nil {
					stopReason = responsesStopReason(frame.Response.IncompleteDetails.Reason)
				}
			}
			acc.Finish(ctx)
			return errStreamDone

		case "response.failed", "error":
			streamErr = NewProviderError(p.name, req.Model, fmt.Errorf("responses: stream failed"))
			if frame.Response != nil && frame.Response.Error != nil {
				streamErr.WithCode(frame.Response.Error.Code).WithMessage(frame.Response.Error.Message)
			}
			return errStreamDone
		}
		return nil
	})
	if err != nil {
		perr := NewProviderError(p.name, req.Model, err)
		acc.Fail(ctx, perr)
		return nil, perr
	}
	if streamErr != nil {
		acc.Fail(ctx, streamErr)
		return nil, streamErr
	}

	acc.Finish(ctx)

	msg := acc.Message()
	msg.API = p.api

	return &agent.TurnResult{Message: msg, Usage: usage, StopReason: stopReason}, nil
}

func (p *ResponsesProvider) responseUsage(env *responsesEnvelope) chat.Usage {
	if env.Usage == nil {
		return chat.Usage{}
	}
	input := env.Usage.InputTokens
	cached := env.Usage.InputTokensDetails.CachedTokens
	if p.subtractCached {
		input -= cached
		if input < 0 {
			input = 0
		}
	}
	return chat.NewUsage(input, env.Usage.OutputTokens, cached, 0)
}

func (p *ResponsesProvider) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	return p.httpClient.Do(httpReq)
}

func (p *ResponsesProvider) httpError(model string, resp *http.Response) *ProviderError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	perr := NewProviderError(p.name, model, fmt.Errorf("responses: http %d", resp.StatusCode))
	perr.WithStatus(resp.StatusCode)
	perr.WithRequestID(resp.Header.Get("X-Request-Id"))
	if d := parseRetryAfter(resp.Header.Get("Retry-After")); d > 0 {
		perr.WithRetryAfter(d)
	}

	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		if envelope.Error.Code != "" {
			perr.WithCode(envelope.Error.Code)
		} else if envelope.Error.Type != "" {
			perr.WithCode(envelope.Error.Type)
		}
		perr.WithMessage(envelope.Error.Message)
	}
	return perr
}

func responsesStopReason(reason string) chat.StopReason {
	switch reason {
	case "max_output_tokens", "max_tokens":
		return chat.StopLength
	case "content_filter":
		return chat.StopContentFilter
	default:
		return chat.StopEndTurn
	}
}

// tailSinceLastAssistant returns the history slice after the last
// assistant message, which is exactly what a previous_response_id resume
// has not seen yet.
func tailSinceLastAssistant(messages []chat.Message) []chat.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if _, ok := messages[i].(*chat.AssistantMessage); ok {
			return messages[i+1:]
		}
	}
	return messages
}

func responsesInput(messages []chat.Message) []map[string]any {
	var out []map[string]any
	for _, m := range messages {
		switch msg := m.(type) {
		case *chat.UserMessage:
			var content []map[string]any
			for _, b := range msg.Content {
				switch b.Kind {
				case chat.BlockText:
					if b.Text != "" {
						content = append(content, map[string]any{"type": "input_text", "text": b.Text})
					}
				case chat.BlockImage:
					content = append(content, map[string]any{"type": "input_image", "image_url": b.Image.URL})
				}
			}
			if len(content) > 0 {
				out = append(out, map[string]any{"type": "message", "role": "user", "content": content})
			}
		case *chat.CompactionSummary:
			out = append(out, map[string]any{
				"type": "message", "role": "user",
				"content": []map[string]any{{"type": "input_text", "text": msg.Summary}},
			})
		case *chat.AssistantMessage:
			if text := msg.Text(); text != "" {
				out = append(out, map[string]any{
					"type": "message", "role": "assistant",
					"content": []map[string]any{{"type": "output_text", "text": text}},
				})
			}
			for _, call := range msg.ToolCalls {
				out = append(out, map[string]any{
					"type":      "function_call",
					"call_id":   call.ID,
					"name":      call.Name,
					"arguments": call.Arguments,
				})
			}
		case *chat.ToolResultMessage:
			out = append(out, map[string]any{
				"type":    "function_call_output",
				"call_id": msg.CallID,
				"output":  msg.Text(),
			})
		}
	}
	return out
}

func responsesTools(tools []agent.Tool) []map[string]any {
	if len(tools) == 0 {
		return nil
	}
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"type":        "function",
			"name":        t.Name,
			"description": t.Description,
			"parameters":  json.RawMessage(t.Schema),
			"strict":      t.Strict,
		})
	}
	return out
}
