package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/codeloop-ai/codeloop/internal/llm"
)

const (
	shellTimeout       = 5 * time.Minute
	maxShellOutput     = 64 * 1024
	shellTimeoutMarker = "[Command timed out]"
)

// ShellTool implements shell. Commands matching an allowlist pattern run
// without confirmation; everything else requires approval.
type ShellTool struct {
	root      string
	allowlist []glob.Glob
}

// NewShellTool creates a shell tool. allowPatterns are glob patterns
// (e.g. "git status*", "ls*") that skip confirmation.
func NewShellTool(root string, allowPatterns []string) *ShellTool {
	t := &ShellTool{root: root}
	for _, p := range allowPatterns {
		if g, err := glob.Compile(p); err == nil {
			t.allowlist = append(t.allowlist, g)
		}
	}
	return t
}

func (t *ShellTool) Name() string { return ShellToolName }
func (t *ShellTool) Kind() Kind   { return KindExecute }

func (t *ShellTool) Declaration() llm.FunctionDeclaration {
	return llm.FunctionDeclaration{
		Name:        ShellToolName,
		Description: "Run a shell command in the workspace and return its combined output.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "The command to execute",
				},
				"description": map[string]any{
					"type":        "string",
					"description": "Short human-readable description of what the command does",
				},
			},
			"required": []string{"command"},
		},
	}
}

func (t *ShellTool) ShouldConfirmExecute(ctx context.Context, args map[string]any) (*Confirmation, error) {
	command := strings.TrimSpace(stringArg(args, "command"))
	if command == "" {
		return nil, NewToolErrorf(ErrInvalidArgs, "command is required")
	}
	for _, g := range t.allowlist {
		if g.Match(command) {
			return nil, nil
		}
	}
	return &Confirmation{
		Kind:        KindExecute,
		Title:       "Run shell command",
		Command:     command,
		Description: stringArg(args, "description"),
	}, nil
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	command := strings.TrimSpace(stringArg(args, "command"))
	if command == "" {
		return Result{}, NewToolErrorf(ErrInvalidArgs, "command is required")
	}

	ctx, cancel := context.WithTimeout(ctx, shellTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = t.root
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := out.String()
	if len(output) > maxShellOutput {
		output = output[:maxShellOutput] + "\n[output truncated]"
	}

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		return TextResult(output + "\n" + shellTimeoutMarker), nil
	case ctx.Err() == context.Canceled:
		return Result{}, ctx.Err()
	case err != nil:
		if output == "" {
			output = err.Error()
		}
		return TextResult(fmt.Sprintf("%s\n[exit error: %v]", output, err)), nil
	}
	return TextResult(output), nil
}
