// Package config loads the runtime configuration: provider credentials,
// the model table with pricing and compat overrides, and loop settings.
// Values support ${ENV_VAR} expansion so secrets stay out of the file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/voralis/loom/internal/agent"
)

// Config is the top-level configuration structure.
type Config struct {
	DefaultProvider string                    `yaml:"default_provider"`
	Providers       map[string]ProviderConfig `yaml:"providers"`
	Models          []ModelConfig             `yaml:"models"`
	Agent           AgentConfig               `yaml:"agent"`
	Session         SessionConfig             `yaml:"session"`
	Logging         LoggingConfig             `yaml:"logging"`
	Metrics         MetricsConfig             `yaml:"metrics"`
}

// ProviderConfig holds per-backend connection settings.
type ProviderConfig struct {
	// API selects the wire dialect: anthropic, openai-completions,
	// openai-responses, openai-codex, google, gemini-cli.
	API     string `yaml:"api"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	// Project is the billing project for gemini-cli.
	Project string `yaml:"project"`
}

// ModelConfig is one row of the model table.
type ModelConfig struct {
	Provider    string  `yaml:"provider"`
	ID          string  `yaml:"id"`
	Name        string  `yaml:"name"`
	ContextSize int     `yaml:"context_size"`
	MaxTokens   int     `yaml:"max_tokens"`
	InputCost   float64 `yaml:"input_cost_per_1m"`
	OutputCost  float64 `yaml:"output_cost_per_1m"`
	CacheCost   float64 `yaml:"cache_read_cost_per_1m"`

	// Compat pins compatibility behavior instead of heuristic detection.
	Compat *CompatConfig `yaml:"compat"`
}

// CompatConfig mirrors agent.Compat in yaml form.
type CompatConfig struct {
	DeveloperRole            bool `yaml:"developer_role"`
	MaxCompletionTokens      bool `yaml:"max_completion_tokens"`
	ReasoningAsText          bool `yaml:"reasoning_as_text"`
	AssistantAfterToolResult bool `yaml:"assistant_after_tool_result"`
	NoStrictTools            bool `yaml:"no_strict_tools"`
}

// AgentConfig holds loop settings.
type AgentConfig struct {
	Name           string `yaml:"name"`
	Model          string `yaml:"model"`
	System         string `yaml:"system"`
	MaxTokens      int    `yaml:"max_tokens"`
	ThinkingBudget int    `yaml:"thinking_budget"`
	MaxIterations  int    `yaml:"max_iterations"`
}

// SessionConfig holds persistence settings.
type SessionConfig struct {
	// Path is the SQLite database path; empty keeps history in memory.
	Path string `yaml:"path"`

	// LockTTL bounds how long a writer waits for the session lock.
	LockTTL time.Duration `yaml:"lock_ttl"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads and validates the configuration file at path. Environment
// references like ${ANTHROPIC_API_KEY} are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes configuration bytes, applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Agent.Name == "" {
		c.Agent.Name = "loom"
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 8
	}
	if c.Session.LockTTL <= 0 {
		c.Session.LockTTL = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.DefaultProvider != "" {
		if _, ok := c.Providers[c.DefaultProvider]; !ok {
			return fmt.Errorf("config: default_provider %q is not defined", c.DefaultProvider)
		}
	}
	for name, p := range c.Providers {
		switch p.API {
		case "anthropic", "openai-completions", "openai-responses", "openai-codex", "google", "gemini-cli":
		case "":
			return fmt.Errorf("config: provider %q has no api", name)
		default:
			return fmt.Errorf("config: provider %q has unknown api %q", name, p.API)
		}
	}
	for _, m := range c.Models {
		if m.Provider == "" || m.ID == "" {
			return fmt.Errorf("config: model entries need provider and id, got %+v", m)
		}
		if _, ok := c.Providers[m.Provider]; !ok {
			return fmt.Errorf("config: model %q references unknown provider %q", m.ID, m.Provider)
		}
	}
	return nil
}

// Registry builds the model registry from the model table.
func (c *Config) Registry() *agent.Registry {
	registry := agent.NewRegistry()
	for _, m := range c.Models {
		info := agent.ModelInfo{
			ID:                 m.ID,
			Name:               m.Name,
			ContextSize:        m.ContextSize,
			MaxTokens:          m.MaxTokens,
			InputCostPer1M:     m.InputCost,
			OutputCostPer1M:    m.OutputCost,
			CacheReadCostPer1M: m.CacheCost,
		}
		if m.Compat != nil {
			info.Compat = &agent.Compat{
				DeveloperRole:            m.Compat.DeveloperRole,
				MaxCompletionTokens:      m.Compat.MaxCompletionTokens,
				ReasoningAsText:          m.Compat.ReasoningAsText,
				AssistantAfterToolResult: m.Compat.AssistantAfterToolResult,
				NoStrictTools:            m.Compat.NoStrictTools,
			}
		}
		registry.Register(m.Provider, info)
	}
	return registry
}
