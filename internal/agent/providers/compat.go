package providers

import (
	"strings"

	"github.com/voralis/loom/internal/agent"
)

// ResolveCompat decides the behavior toggles for an OpenAI-compatible
// backend. An explicit override (from the model registry or config) wins
// outright; otherwise provider id and base URL substrings drive a
// heuristic table. The substring matches for mistral, minimax, and zai
// are provisional and expected to move into registry overrides as those
// backends settle.
func ResolveCompat(providerID, baseURL string, override *agent.Compat) agent.Compat {
	if override != nil {
		return *override
	}

	id := strings.ToLower(providerID)
	url := strings.ToLower(baseURL)

	var c agent.Compat

	switch {
	case id == "openai" || strings.Contains(url, "api.openai.com"):
		c.DeveloperRole = true
		c.MaxCompletionTokens = true
	case strings.Contains(id, "mistral") || strings.Contains(url, "mistral"):
		c.ReasoningAsText = true
	case strings.Contains(id, "minimax") || strings.Contains(url, "minimax"):
		c.AssistantAfterToolResult = true
	case strings.Contains(id, "zai") || strings.Contains(url, "z.ai"):
		c.NoStrictTools = true
	}

	return c
}
