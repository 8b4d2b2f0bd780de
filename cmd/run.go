package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/codeloop-ai/codeloop/internal/agent"
	"github.com/codeloop-ai/codeloop/internal/checkpoint"
	"github.com/codeloop-ai/codeloop/internal/config"
	"github.com/codeloop-ai/codeloop/internal/ignore"
	"github.com/codeloop-ai/codeloop/internal/llm"
	"github.com/codeloop-ai/codeloop/internal/mcp"
	"github.com/codeloop-ai/codeloop/internal/session"
	"github.com/codeloop-ai/codeloop/internal/tools"
)

// app bundles the wired core for one process.
type app struct {
	cfg          *config.Config
	orchestrator *agent.Orchestrator
	sess         *agent.Session
	mcpManager   *mcp.Manager
	store        session.Store
}

const systemPrompt = `You are a coding assistant operating inside the user's workspace.
Use the available tools to read, search and modify files, and to run
commands, instead of guessing about the project. Keep answers concise.`

// setup loads config, builds the backend, registers tools, discovers
// MCP servers and wires the orchestrator.
func setup(ctx context.Context, emit agent.EventSink) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if modelFlag != "" {
		cfg.Model = modelFlag
	}
	if authFlag != "" {
		cfg.AuthType = authFlag
	}
	if debugFlag {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	if _, err := config.InstallationID(); err != nil {
		slog.Warn("installation id unavailable", "error", err)
	}
	if os.Getenv("CODELOOP_LOG_SYSTEM_PROMPT") != "" {
		fmt.Fprintf(os.Stderr, "--- system prompt ---\n%s\n---------------------\n", systemPrompt)
	}

	gen, err := llm.NewContentGenerator(ctx, cfg.GeneratorConfig())
	if err != nil {
		return nil, err
	}

	filter := ignore.NewFilter(cfg.ProjectRoot)
	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry, cfg.ProjectRoot, filter, cfg.ShellAllowlist, config.MemoryFilePath())

	mcpManager := mcp.NewManager(cfg.MCPServers, config.MCPTokenDir())
	mcpManager.Discover(ctx, registry)

	var recorder *checkpoint.Recorder
	if cfg.Checkpointing {
		recorder = checkpoint.NewRecorder(cfg.ProjectTempDir(), cfg.ProjectRoot)
	}

	sess := agent.NewSession(cfg.Model, llm.AuthType(cfg.AuthType), cfg.MaxSessionTurns)
	orchestrator := agent.NewOrchestrator(sess, gen, registry, agent.Options{
		Emit:                      emit,
		Sink:                      stdoutSink{},
		Checkpoints:               recorder,
		SystemPrompt:              systemPrompt,
		CompressionTokenThreshold: cfg.CompressionTokenThreshold,
	})

	var store session.Store = session.NoopStore{}
	if cfg.SessionPersistence {
		if s, err := session.OpenSQLite(config.SessionDBPath()); err == nil {
			store = s
			_ = store.Create(ctx, &session.Record{
				ID:       sess.ID,
				Model:    cfg.Model,
				AuthType: cfg.AuthType,
			})
		} else {
			slog.Warn("session persistence disabled", "error", err)
		}
	}

	return &app{
		cfg:          cfg,
		orchestrator: orchestrator,
		sess:         sess,
		mcpManager:   mcpManager,
		store:        store,
	}, nil
}

func (a *app) shutdown(ctx context.Context) {
	for _, msg := range a.sess.History() {
		_ = a.store.AddMessage(ctx, a.sess.ID, msg)
	}
	_ = a.store.Touch(ctx, a.sess.ID, a.sess.PromptCount())
	_ = a.store.Close()
	a.mcpManager.Shutdown()
}

// stdoutSink renders typed history items for a plain terminal; a richer
// UI would replace it.
type stdoutSink struct{}

func (stdoutSink) Append(item agent.HistoryItem) {
	switch item.Type {
	case agent.ItemInfo:
		fmt.Fprintf(os.Stderr, "* %s\n", item.Text)
	case agent.ItemError:
		fmt.Fprintf(os.Stderr, "! %s\n", item.Text)
	}
}

// runNonInteractive executes one prompt and exits. Exit codes follow
// the CLI contract: 0 on success (including tool-not-found, which is
// reported back to the model), 1 on backend errors and other
// tool-execution failures.
func runNonInteractive(ctx context.Context, prompt string) error {
	var mu sync.Mutex
	backendFailed := false

	var a *app
	emit := func(event agent.StreamEvent) {
		switch event.Type {
		case agent.EventContent:
			fmt.Print(event.Content)
		case agent.EventError:
			mu.Lock()
			backendFailed = true
			mu.Unlock()
		case agent.EventToolCallConfirmation:
			// Headless runs cannot prompt: cancel anything that asks.
			fmt.Fprintf(os.Stderr, "Cancelling %s: confirmation required in non-interactive mode\n",
				event.Confirmation.Details.Title)
			a.orchestrator.Confirm(event.Confirmation.CallID, tools.Cancel, nil)
		}
	}

	var err error
	a, err = setup(ctx, emit)
	if err != nil {
		return err
	}
	defer a.shutdown(context.WithoutCancel(ctx))

	if err := a.orchestrator.Submit(ctx, prompt); err != nil {
		return err
	}
	fmt.Println()

	mu.Lock()
	failed := backendFailed
	mu.Unlock()
	if failed {
		os.Exit(1)
	}
	for _, toolErr := range a.orchestrator.ToolErrors() {
		if toolErr.ErrorType != tools.ErrNotFound && toolErr.ErrorType != tools.ErrCancelled {
			os.Exit(1)
		}
	}
	return nil
}

// runInteractive reads prompts from stdin until EOF. Confirmations are
// answered inline on the terminal.
func runInteractive(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	stdin := bufio.NewScanner(os.Stdin)
	var a *app
	emit := func(event agent.StreamEvent) {
		switch event.Type {
		case agent.EventContent:
			fmt.Print(event.Content)
		case agent.EventThought:
			if debugFlag && event.Thought != nil {
				fmt.Fprintf(os.Stderr, "[thinking] %s\n", event.Thought.Subject)
			}
		case agent.EventFinished:
			fmt.Println()
		case agent.EventToolCallConfirmation:
			a.orchestrator.Confirm(
				event.Confirmation.CallID,
				promptConfirmation(stdin, event.Confirmation),
				nil,
			)
		}
	}

	var err error
	a, err = setup(ctx, emit)
	if err != nil {
		return err
	}
	defer a.shutdown(context.WithoutCancel(ctx))

	fmt.Printf("codeloop (%s) — type a prompt, Ctrl-D to exit\n", a.cfg.Model)
	for {
		fmt.Print("> ")
		if !stdin.Scan() {
			break
		}
		input := strings.TrimSpace(stdin.Text())
		if input == "" {
			continue
		}
		if err := a.orchestrator.Submit(ctx, input); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
	}
	return stdin.Err()
}

// promptConfirmation asks the user to approve a pending tool call.
// The main goroutine is blocked inside Submit while this runs, so
// reading stdin here does not race the prompt loop.
func promptConfirmation(stdin *bufio.Scanner, req *agent.ConfirmationRequest) tools.ConfirmOutcome {
	fmt.Fprintf(os.Stderr, "\n%s\n", req.Details.Title)
	if req.Details.Command != "" {
		fmt.Fprintf(os.Stderr, "  $ %s\n", req.Details.Command)
	}
	if req.Details.Description != "" {
		fmt.Fprintf(os.Stderr, "  %s\n", req.Details.Description)
	}
	fmt.Fprint(os.Stderr, "Proceed? [y]es / [a]lways for this kind / [n]o: ")
	if !stdin.Scan() {
		return tools.Cancel
	}
	switch strings.ToLower(strings.TrimSpace(stdin.Text())) {
	case "y", "yes":
		return tools.ProceedOnce
	case "a", "always":
		return tools.ProceedAlways
	default:
		return tools.Cancel
	}
}
