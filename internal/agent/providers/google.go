package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/genai"

	"github.com/voralis/loom/internal/agent"
	"github.com/voralis/loom/pkg/chat"
)

// GoogleProvider speaks the Gemini API through the official genai client.
type GoogleProvider struct {
	client *genai.Client
}

// NewGoogle creates a Gemini provider.
func NewGoogle(ctx context.Context, apiKey string) (*GoogleProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}
	return &GoogleProvider{client: client}, nil
}

// Name implements agent.Provider.
func (p *GoogleProvider) Name() string { return "google" }

// Stream implements agent.Provider.
func (p *GoogleProvider) Stream(ctx context.Context, req *agent.Request, acc *agent.Accumulator) (*agent.TurnResult, error) {
	contents := googleContents(req.Messages)
	config := googleConfig(req)

	var usage chat.Usage
	stopReason := chat.StopEndTurn

	for resp, err := range p.client.Models.GenerateContentStream(ctx, req.Model, contents, config) {
		if cerr := ctx.Err(); cerr != nil {
			acc.Fail(ctx, cerr)
			return nil, cerr
		}
		if err != nil {
			perr := googleError(req.Model, err)
			acc.Fail(ctx, perr)
			return nil, perr
		}

		foldGeminiResponse(ctx, acc, resp, &usage, &stopReason)
	}

	acc.Finish(ctx)
	if usage.Total == 0 {
		usage.Total = usage.Input + usage.Output
	}

	msg := acc.Message()
	msg.API = "google-genai"

	return &agent.TurnResult{Message: msg, Usage: usage, StopReason: stopReason}, nil
}

// foldGeminiResponse folds one streamed response chunk into the
// accumulator. Shared by the API-key backend and the Gemini CLI variant,
// which streams the same response shape over a different transport.
func foldGeminiResponse(ctx context.Context, acc *agent.Accumulator, resp *genai.GenerateContentResponse, usage *chat.Usage, stopReason *chat.StopReason) {
	acc.SetResponseID(resp.ResponseID)

	if resp.UsageMetadata != nil {
		usage.Input = int(resp.UsageMetadata.PromptTokenCount)
		usage.Output = int(resp.UsageMetadata.CandidatesTokenCount + resp.UsageMetadata.ThoughtsTokenCount)
		usage.CacheRead = int(resp.UsageMetadata.CachedContentTokenCount)
		usage.Total = int(resp.UsageMetadata.TotalTokenCount)
	}

	if len(resp.Candidates) == 0 {
		return
	}
	candidate := resp.Candidates[0]

	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				fc := part.FunctionCall
				args, _ := json.Marshal(fc.Args)
				id := fc.ID
				if id == "" {
					id = synthesizeGoogleCallID(fc.Name)
				}
				acc.ToolCallStart(ctx, id, fc.Name)
				acc.ToolCallDone(ctx, id, "", fc.Name, string(args))
			case part.Thought:
				acc.ThinkingDelta(ctx, "", part.Text)
				if len(part.ThoughtSignature) > 0 {
					acc.SetSignature(base64.StdEncoding.EncodeToString(part.ThoughtSignature))
				}
			case part.Text != "":
				acc.TextDelta(ctx, "", part.Text)
			}
		}
	}

	if candidate.FinishReason != "" {
		*stopReason = googleStopReason(candidate.FinishReason)
	}
}

func googleConfig(req *agent.Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		config.Tools = googleTools(req.Tools)
	}
	if req.ThinkingBudget > 0 {
		budget := int32(req.ThinkingBudget)
		config.ThinkingConfig = &genai.ThinkingConfig{
			ThinkingBudget:  &budget,
			IncludeThoughts: true,
		}
	}
	return config
}

// googleContents transcodes history into Gemini contents. Tool results for
// one round are bundled into a single user-role content holding the
// function responses in call order.
func googleContents(messages []chat.Message) []*genai.Content {
	var out []*genai.Content
	var resultBatch []*genai.Part

	flushResults := func() {
		if len(resultBatch) > 0 {
			out = append(out, &genai.Content{Role: genai.RoleUser, Parts: resultBatch})
			resultBatch = nil
		}
	}

	for _, m := range messages {
		switch msg := m.(type) {
		case *chat.ToolResultMessage:
			key := "output"
			if msg.IsError {
				key = "error"
			}
			resultBatch = append(resultBatch, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       msg.CallID,
					Name:     msg.Name,
					Response: map[string]any{key: msg.Text()},
				},
			})
			continue
		case *chat.UserMessage:
			flushResults()
			var parts []*genai.Part
			for _, b := range msg.Content {
				switch b.Kind {
				case chat.BlockText:
					if b.Text != "" {
						parts = append(parts, &genai.Part{Text: b.Text})
					}
				case chat.BlockImage:
					parts = append(parts, &genai.Part{
						FileData: &genai.FileData{FileURI: b.Image.URL, MIMEType: b.Image.MimeType},
					})
				}
			}
			if len(parts) > 0 {
				out = append(out, &genai.Content{Role: genai.RoleUser, Parts: parts})
			}
		case *chat.CompactionSummary:
			flushResults()
			out = append(out, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{{Text: msg.Summary}}})
		case *chat.AssistantMessage:
			flushResults()
			var parts []*genai.Part
			for _, b := range msg.Content {
				switch b.Kind {
				case chat.BlockText:
					if b.Text != "" {
						parts = append(parts, &genai.Part{Text: b.Text})
					}
				case chat.BlockToolCall:
					if b.ToolCall == nil {
						continue
					}
					var args map[string]any
					_ = json.Unmarshal([]byte(b.ToolCall.Arguments), &args)
					parts = append(parts, &genai.Part{
						FunctionCall: &genai.FunctionCall{
							ID:   b.ToolCall.ID,
							Name: b.ToolCall.Name,
							Args: args,
						},
					})
				}
			}
			if len(parts) > 0 {
				out = append(out, &genai.Content{Role: genai.RoleModel, Parts: parts})
			}
		}
	}
	flushResults()
	return out
}

func googleTools(tools []agent.Tool) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		_ = json.Unmarshal(t.Schema, &schema)
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: schema,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func googleError(model string, err error) *ProviderError {
	perr := NewProviderError("google", model, err)
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		perr.WithStatus(apiErr.Code).WithCode(apiErr.Status).WithMessage(apiErr.Message)
	}
	return perr
}

func googleStopReason(reason genai.FinishReason) chat.StopReason {
	switch reason {
	case genai.FinishReasonMaxTokens:
		return chat.StopLength
	case genai.FinishReasonSafety, genai.FinishReasonRecitation,
		genai.FinishReasonBlocklist, genai.FinishReasonProhibitedContent:
		return chat.StopContentFilter
	default:
		return chat.StopEndTurn
	}
}

// synthesizeGoogleCallID builds a stable id for backends that omit one on
// function calls.
func synthesizeGoogleCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, time.Now().UnixNano())
}
