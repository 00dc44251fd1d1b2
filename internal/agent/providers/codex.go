package providers

import (
	"net/http"
	"strings"
)

const defaultCodexBaseURL = "https://chatgpt.com/backend-api/codex"

// NewCodex creates a provider for the Codex Responses variant. It shares
// the Responses wire dialect with two differences: the endpoint sits
// behind the ChatGPT backend, and the usage frames count cached tokens
// inside input_tokens a second time, so input is corrected by subtracting
// the cached count.
func NewCodex(apiKey, baseURL string) *ResponsesProvider {
	if baseURL == "" {
		baseURL = defaultCodexBaseURL
	}
	return &ResponsesProvider{
		httpClient:     http.DefaultClient,
		apiKey:         apiKey,
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		name:           "codex",
		api:            "openai-codex",
		subtractCached: true,
	}
}
