package agent

import "github.com/voralis/loom/pkg/chat"

// ModelInfo describes one model a provider serves.
type ModelInfo struct {
	ID          string
	Name        string
	ContextSize int

	// MaxTokens is the default output cap when a request does not set one.
	MaxTokens int

	// Compat overrides heuristic compatibility detection for this model.
	Compat *Compat

	// Per-million-token rates for post-hoc cost computation. Zero means
	// unpriced.
	InputCostPer1M     float64
	OutputCostPer1M    float64
	CacheReadCostPer1M float64
}

// Registry maps provider name to model id to ModelInfo. It is an explicit
// value handed to agent construction; there is no process-wide table, so
// tests build isolated registries instead of mutating shared state.
// Register all models before sharing the registry; lookups after that are
// read-only and need no locking.
type Registry struct {
	byProvider map[string]map[string]ModelInfo
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byProvider: make(map[string]map[string]ModelInfo)}
}

// Register adds or replaces a model entry.
func (r *Registry) Register(provider string, info ModelInfo) {
	models, ok := r.byProvider[provider]
	if !ok {
		models = make(map[string]ModelInfo)
		r.byProvider[provider] = models
	}
	models[info.ID] = info
}

// Lookup finds a model entry.
func (r *Registry) Lookup(provider, model string) (ModelInfo, bool) {
	if r == nil {
		return ModelInfo{}, false
	}
	info, ok := r.byProvider[provider][model]
	return info, ok
}

// Models returns all entries for a provider.
func (r *Registry) Models(provider string) []ModelInfo {
	if r == nil {
		return nil
	}
	out := make([]ModelInfo, 0, len(r.byProvider[provider]))
	for _, info := range r.byProvider[provider] {
		out = append(out, info)
	}
	return out
}

// Cost computes the dollar cost of a usage sample against the registered
// rates. Unknown models cost zero.
func (r *Registry) Cost(provider, model string, u chat.Usage) float64 {
	info, ok := r.Lookup(provider, model)
	if !ok {
		return 0
	}
	const million = 1_000_000
	return float64(u.Input)*info.InputCostPer1M/million +
		float64(u.Output)*info.OutputCostPer1M/million +
		float64(u.CacheRead)*info.CacheReadCostPer1M/million
}
