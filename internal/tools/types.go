// Package tools provides the tool contract, the registry the agent loop
// resolves calls against, and the built-in workspace tools.
package tools

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/codeloop-ai/codeloop/internal/llm"
)

// Kind categorizes tools for confirmation grouping: a session-scoped
// "always allow" approval applies to the whole kind.
type Kind string

const (
	KindRead    Kind = "read"
	KindEdit    Kind = "edit"
	KindSearch  Kind = "search"
	KindExecute Kind = "execute"
	KindMemory  Kind = "memory"
	KindMCP     Kind = "mcp"
)

// ConfirmOutcome is the user's decision on a pending confirmation.
type ConfirmOutcome string

const (
	ProceedOnce      ConfirmOutcome = "proceed_once"
	ProceedAlways    ConfirmOutcome = "proceed_always"
	ModifyAndProceed ConfirmOutcome = "modify_and_proceed"
	Cancel           ConfirmOutcome = "cancel"
)

// Confirmation describes what the UI should show before a tool runs.
// Nil from ShouldConfirmExecute means no confirmation is needed.
type Confirmation struct {
	Kind        Kind
	Title       string
	Description string
	FilePath    string
	NewContent  string
	Command     string
}

// Result is a tool's return value. Content feeds the model;
// Display, when set, is the richer form for the UI.
type Result struct {
	Content string
	Display string
}

// TextResult wraps plain output as a Result.
func TextResult(content string) Result {
	return Result{Content: content}
}

// Tool is an executable unit the scheduler can drive.
type Tool interface {
	Name() string
	Kind() Kind
	Declaration() llm.FunctionDeclaration

	// ShouldConfirmExecute returns confirmation details when the call
	// needs user approval, or nil to proceed directly.
	ShouldConfirmExecute(ctx context.Context, args map[string]any) (*Confirmation, error)

	// Execute runs the tool. Cancellation of ctx must abort.
	Execute(ctx context.Context, args map[string]any) (Result, error)
}

// ErrorType provides structured error categories for the model's retry
// logic and the non-interactive exit policy.
type ErrorType string

const (
	ErrInvalidArgs     ErrorType = "INVALID_ARGS"
	ErrNotFound        ErrorType = "TOOL_NOT_FOUND"
	ErrExecutionFailed ErrorType = "EXECUTION_FAILED"
	ErrCancelled       ErrorType = "CANCELLED"
	ErrPathEscape      ErrorType = "PATH_NOT_IN_WORKSPACE"
)

// ToolError pairs an error category with a message.
type ToolError struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// NewToolErrorf creates a ToolError with a formatted message.
func NewToolErrorf(errType ErrorType, format string, args ...any) *ToolError {
	return &ToolError{Type: errType, Message: fmt.Sprintf(format, args...)}
}

// Built-in tool names.
const (
	ReadFileToolName   = "read_file"
	WriteFileToolName  = "write_file"
	ReplaceToolName    = "replace"
	ShellToolName      = "shell"
	GrepToolName       = "grep"
	SaveMemoryToolName = "save_memory"
)

// restorableTools mutate files on disk; the scheduler snapshots a
// checkpoint before they are approved.
var restorableTools = map[string]bool{
	WriteFileToolName: true,
	ReplaceToolName:   true,
}

// IsRestorable reports whether a tool requires a pre-approval checkpoint.
func IsRestorable(name string) bool {
	return restorableTools[name]
}

// resolveWorkspacePath resolves p against root and rejects escapes.
func resolveWorkspacePath(root, p string) (string, error) {
	if p == "" {
		return "", NewToolErrorf(ErrInvalidArgs, "path is required")
	}
	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, abs)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", NewToolErrorf(ErrPathEscape, "path %q is outside the workspace", p)
	}
	return abs, nil
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
