package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
default_provider: anthropic

providers:
  anthropic:
    api: anthropic
    api_key: ${LOOM_TEST_KEY}
  local:
    api: openai-completions
    base_url: http://localhost:8080/v1

models:
  - provider: anthropic
    id: claude-sonnet-4-5
    max_tokens: 8192
    input_cost_per_1m: 3.0
    output_cost_per_1m: 15.0
  - provider: local
    id: qwen3
    compat:
      reasoning_as_text: true

agent:
  name: helper
  model: claude-sonnet-4-5
  max_iterations: 4

session:
  path: loom.db
  lock_ttl: 10s
`

func TestLoadExpandsEnvAndAppliesDefaults(t *testing.T) {
	t.Setenv("LOOM_TEST_KEY", "sk-test-123")

	path := filepath.Join(t.TempDir(), "loom.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.Providers["anthropic"].APIKey; got != "sk-test-123" {
		t.Fatalf("api key = %q, env not expanded", got)
	}
	if cfg.Agent.Name != "helper" || cfg.Agent.MaxIterations != 4 {
		t.Fatalf("agent = %+v", cfg.Agent)
	}
	if cfg.Session.LockTTL != 10*time.Second {
		t.Fatalf("lock ttl = %v", cfg.Session.LockTTL)
	}
	// Untouched fields pick up defaults.
	if cfg.Logging.Level != "info" || cfg.Metrics.Addr != ":9090" {
		t.Fatalf("defaults not applied: %+v %+v", cfg.Logging, cfg.Metrics)
	}
}

func TestParseValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			"unknown default provider",
			"default_provider: ghost\nproviders:\n  real:\n    api: anthropic\n",
			"default_provider",
		},
		{
			"unknown api",
			"providers:\n  p:\n    api: telepathy\n",
			"unknown api",
		},
		{
			"missing api",
			"providers:\n  p:\n    api_key: x\n",
			"has no api",
		},
		{
			"model without provider",
			"providers:\n  p:\n    api: google\nmodels:\n  - id: gemini-2.5-pro\n",
			"provider and id",
		},
		{
			"model references unknown provider",
			"providers:\n  p:\n    api: google\nmodels:\n  - provider: q\n    id: m\n",
			"unknown provider",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestRegistryFromModels(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	registry := cfg.Registry()

	info, ok := registry.Lookup("anthropic", "claude-sonnet-4-5")
	if !ok || info.MaxTokens != 8192 || info.InputCostPer1M != 3.0 {
		t.Fatalf("info = %+v, ok = %v", info, ok)
	}
	if info.Compat != nil {
		t.Fatal("no compat override expected")
	}

	local, ok := registry.Lookup("local", "qwen3")
	if !ok || local.Compat == nil || !local.Compat.ReasoningAsText {
		t.Fatalf("local = %+v", local)
	}
}
