package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/voralis/loom/internal/agent"
	"github.com/voralis/loom/internal/agent/providers"
	"github.com/voralis/loom/internal/compaction"
	"github.com/voralis/loom/internal/config"
	"github.com/voralis/loom/internal/observability"
	"github.com/voralis/loom/internal/sessions"
	"github.com/voralis/loom/pkg/chat"
)

func newChatCommand() *cobra.Command {
	var sessionID string
	var providerName string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), sessionID, providerName)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "resume an existing session id")
	cmd.Flags().StringVar(&providerName, "provider", "", "override the configured default provider")
	return cmd
}

func runChat(parent context.Context, sessionID, providerName string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if providerName == "" {
		providerName = cfg.DefaultProvider
	}
	pc, ok := cfg.Providers[providerName]
	if !ok {
		return fmt.Errorf("provider %q is not configured", providerName)
	}

	registry := cfg.Registry()
	provider, err := buildProvider(ctx, providerName, pc, registry, cfg.Agent.Model)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	locked := sessions.NewLockingStore(store, sessions.NewLockManager(cfg.Session.LockTTL), "loom-cli")

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics(prometheus.DefaultRegisterer)
		go func() {
			logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := http.ListenAndServe(cfg.Metrics.Addr, promhttp.Handler()); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	events := make(chan agent.Event, 256)
	go printEvents(events)

	opts := agent.Options{
		Model:          cfg.Agent.Model,
		System:         cfg.Agent.System,
		MaxTokens:      cfg.Agent.MaxTokens,
		ThinkingBudget: cfg.Agent.ThinkingBudget,
		MaxIterations:  cfg.Agent.MaxIterations,
		Sink:           agent.NewChanSink(events),
		Logger:         logger,
	}
	if metrics != nil {
		opts.Metrics = metrics
	}

	runner, err := agent.New(cfg.Agent.Name, provider, builtinTools(), registry, opts)
	if err != nil {
		return err
	}

	state, err := restoreState(ctx, locked, sessionID, cfg.Agent.Name)
	if err != nil {
		return err
	}
	fmt.Printf("session %s (model %s via %s); /compact to fold history, ctrl-d to exit\n", state.SessionID, cfg.Agent.Model, providerName)

	compactOpts := compaction.Options{Model: cfg.Agent.Model}
	if info, ok := registry.Lookup(providerName, cfg.Agent.Model); ok {
		compactOpts.ContextWindow = info.ContextSize
	}
	compactor := compaction.New(provider, compactOpts)

	persisted := len(state.Messages)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/compact" {
			if _, err := compactor.CompactSession(ctx, locked, state); err != nil {
				fmt.Fprintln(os.Stderr, "compaction failed:", err)
			} else {
				fmt.Println("history compacted")
				persisted = len(state.Messages)
			}
			continue
		}

		result, err := runner.Evaluate(ctx, state, agent.TextInput(line))
		for err == nil && result.Suspended() {
			decidePending(scanner, result.Pending)
			result, err = runner.Evaluate(ctx, state, agent.Resume())
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(os.Stderr, "turn failed:", err)
		}

		for ; persisted < len(state.Messages); persisted++ {
			if err := locked.AppendMessage(ctx, state.SessionID, state.Messages[persisted]); err != nil {
				logger.Error("persist message", "error", err)
				break
			}
		}
	}
}

// decidePending prompts for each undecided call that needs approval.
func decidePending(scanner *bufio.Scanner, pending []*chat.PendingToolCall) {
	for _, p := range pending {
		if p.Decided() {
			continue
		}
		fmt.Printf("tool %s wants to run with %s\napprove? [y/N or reason]: ", p.Call.Name, p.Call.Arguments)
		if !scanner.Scan() {
			p.Reject("approval input closed")
			continue
		}
		answer := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(answer) {
		case "y", "yes":
			p.Approve()
		case "", "n", "no":
			p.Reject("denied by user")
		default:
			p.Reject(answer)
		}
	}
}

// printEvents renders the live stream: text as it arrives, tool activity
// as notices.
func printEvents(events <-chan agent.Event) {
	for e := range events {
		switch e.Kind {
		case agent.EventMessageUpdate:
			if e.Update == agent.UpdateText {
				fmt.Print(e.Delta)
			}
		case agent.EventMessageEnd:
			fmt.Println()
		case agent.EventToolExecStart:
			fmt.Printf("[tool %s running]\n", e.Call.Name)
		case agent.EventToolExecEnd:
			if e.Result != nil && e.Result.IsError {
				fmt.Printf("[tool %s failed: %s]\n", e.Call.Name, e.Result.Text())
			}
		case agent.EventError:
			if !e.Fatal {
				fmt.Fprintf(os.Stderr, "[warning: %v]\n", e.Err)
			}
		}
	}
}

func openStore(cfg *config.Config) (sessions.Store, error) {
	if cfg.Session.Path == "" {
		return sessions.NewMemoryStore(), nil
	}
	return sessions.NewSQLiteStore(cfg.Session.Path)
}

// restoreState loads or creates the session and rebuilds loop state from
// stored history.
func restoreState(ctx context.Context, store sessions.Store, sessionID, agentName string) (*agent.State, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
		if err := store.Create(ctx, &sessions.Session{ID: sessionID, AgentName: agentName}); err != nil {
			return nil, err
		}
		return agent.NewState(sessionID), nil
	}

	if _, err := store.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	history, err := store.History(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	state := agent.NewState(sessionID)
	state.Messages = history
	return state, nil
}

// buildProvider constructs the adapter for one configured backend.
func buildProvider(ctx context.Context, name string, pc config.ProviderConfig, registry *agent.Registry, model string) (agent.Provider, error) {
	var override *agent.Compat
	if info, ok := registry.Lookup(name, model); ok {
		override = info.Compat
	}

	switch pc.API {
	case "anthropic":
		return providers.NewAnthropic(pc.APIKey, pc.BaseURL), nil
	case "openai-completions":
		return providers.NewOpenAICompatible(name, pc.APIKey, pc.BaseURL, override), nil
	case "openai-responses":
		return providers.NewResponses(pc.APIKey, pc.BaseURL), nil
	case "openai-codex":
		return providers.NewCodex(pc.APIKey, pc.BaseURL), nil
	case "google":
		return providers.NewGoogle(ctx, pc.APIKey)
	case "gemini-cli":
		return providers.NewGeminiCLI(pc.APIKey, pc.Project, pc.BaseURL), nil
	default:
		return nil, fmt.Errorf("unknown provider api %q", pc.API)
	}
}

type timeInput struct{}

type writeFileInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// builtinTools returns the CLI's demonstration tool set: a free read-only
// tool and a write tool gated behind approval.
func builtinTools() *agent.ToolSet {
	now := agent.NewTool("current_time", "Returns the current time in RFC 3339 form.",
		func(_ context.Context, _ timeInput) (string, error) {
			return time.Now().Format(time.RFC3339), nil
		})

	write := agent.NewTool("write_file", "Writes content to a file, relative to the working directory.",
		func(_ context.Context, in writeFileInput) (string, error) {
			if strings.Contains(in.Path, "..") {
				return "", fmt.Errorf("path may not escape the working directory")
			}
			if err := os.WriteFile(in.Path, []byte(in.Content), 0o644); err != nil {
				return "", err
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Path), nil
		}, agent.WithApproval())

	return agent.NewToolSet(now, write)
}
