package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/voralis/loom/internal/agent"
	"github.com/voralis/loom/pkg/chat"
)

const defaultGeminiCLIBaseURL = "https://cloudcode-pa.googleapis.com"

// GeminiCLIProvider speaks the Cloud Code wrapper around the Gemini API,
// the endpoint the Gemini CLI authenticates against with OAuth instead of
// an API key. The inner request and response shapes match the plain
// Gemini API, so the genai wire types are reused for marshaling and the
// stream folds through the same path as GoogleProvider.
type GeminiCLIProvider struct {
	httpClient *http.Client
	token      string
	project    string
	baseURL    string
}

// NewGeminiCLI creates a Cloud Code provider. token is an OAuth access
// token; project is the Cloud project id the quota is billed to.
func NewGeminiCLI(token, project, baseURL string) *GeminiCLIProvider {
	if baseURL == "" {
		baseURL = defaultGeminiCLIBaseURL
	}
	return &GeminiCLIProvider{
		httpClient: http.DefaultClient,
		token:      token,
		project:    project,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

// Name implements agent.Provider.
func (p *GeminiCLIProvider) Name() string { return "gemini-cli" }

type geminiCLIRequest struct {
	Model   string             `json:"model"`
	Project string             `json:"project,omitempty"`
	Request *geminiCLIGenerate `json:"request"`
}

type geminiCLIGenerate struct {
	Contents          []*genai.Content        `json:"contents"`
	SystemInstruction *genai.Content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *genai.GenerationConfig `json:"generationConfig,omitempty"`
	Tools             []*genai.Tool           `json:"tools,omitempty"`
}

// geminiCLIFrame wraps each SSE data frame; the payload nests under
// "response".
type geminiCLIFrame struct {
	Response *genai.GenerateContentResponse `json:"response"`
}

// Stream implements agent.Provider.
func (p *GeminiCLIProvider) Stream(ctx context.Context, req *agent.Request, acc *agent.Accumulator) (*agent.TurnResult, error) {
	inner := &geminiCLIGenerate{
		Contents: googleContents(req.Messages),
	}
	if req.System != "" {
		inner.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if len(req.Tools) > 0 {
		inner.Tools = googleTools(req.Tools)
	}
	genCfg := &genai.GenerationConfig{}
	if req.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.ThinkingBudget > 0 {
		budget := int32(req.ThinkingBudget)
		genCfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: &budget, IncludeThoughts: true}
	}
	inner.GenerationConfig = genCfg

	payload, err := json.Marshal(geminiCLIRequest{Model: req.Model, Project: p.project, Request: inner})
	if err != nil {
		perr := NewProviderError(p.Name(), req.Model, fmt.Errorf("encode request: %w", err))
		acc.Fail(ctx, perr)
		return nil, perr
	}

	url := p.baseURL + "/v1internal:streamGenerateContent?alt=sse"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		perr := NewProviderError(p.Name(), req.Model, err)
		acc.Fail(ctx, perr)
		return nil, perr
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		perr := NewProviderError(p.Name(), req.Model, err)
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

	err = parseSSE(ctx, resp.Body, func(_, data string) error {
		var frame geminiCLIFrame
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			acc.SoftError(ctx, fmt.Errorf("gemini-cli: malformed frame: %w", err))
			return nil
		}
		if frame.Response != nil {
			foldGeminiResponse(ctx, acc, frame.Response, &usage, &stopReason)
		}
		return nil
	})
	if err != nil {
		perr := NewProviderError(p.Name(), req.Model, err)
		acc.Fail(ctx, perr)
		return nil, perr
	}

	acc.Finish(ctx)
	if usage.Total == 0 {
		usage.Total = usage.Input + usage.Output
	}

	msg := acc.Message()
	msg.API = "gemini-cli"

	return &agent.TurnResult{Message: msg, Usage: usage, StopReason: stopReason}, nil
}

func (p *GeminiCLIProvider) httpError(model string, resp *http.Response) *ProviderError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	perr := NewProviderError(p.Name(), model, fmt.Errorf("gemini-cli: http %d", resp.StatusCode))
	perr.WithStatus(resp.StatusCode)
	if d := parseRetryAfter(resp.Header.Get("Retry-After")); d > 0 {
		perr.WithRetryAfter(d)
	}

	var envelope struct {
		Error struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		perr.WithCode(envelope.Error.Status).WithMessage(envelope.Error.Message)
	}
	return perr
}
