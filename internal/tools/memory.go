package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codeloop-ai/codeloop/internal/llm"
)

// SaveMemoryTool implements save_memory: it appends durable facts to the
// user-scoped memory file that gets folded into future system prompts.
type SaveMemoryTool struct {
	memoryFile string
}

// NewSaveMemoryTool creates the tool writing to memoryFile.
func NewSaveMemoryTool(memoryFile string) *SaveMemoryTool {
	return &SaveMemoryTool{memoryFile: memoryFile}
}

func (t *SaveMemoryTool) Name() string { return SaveMemoryToolName }
func (t *SaveMemoryTool) Kind() Kind   { return KindMemory }

func (t *SaveMemoryTool) Declaration() llm.FunctionDeclaration {
	return llm.FunctionDeclaration{
		Name:        SaveMemoryToolName,
		Description: "Save a fact about the user or project to long-term memory.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"fact": map[string]any{
					"type":        "string",
					"description": "The fact to remember, phrased as a standalone statement",
				},
			},
			"required": []string{"fact"},
		},
	}
}

func (t *SaveMemoryTool) ShouldConfirmExecute(ctx context.Context, args map[string]any) (*Confirmation, error) {
	return nil, nil
}

func (t *SaveMemoryTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	fact := strings.TrimSpace(stringArg(args, "fact"))
	if fact == "" {
		return Result{}, NewToolErrorf(ErrInvalidArgs, "fact is required")
	}
	if err := os.MkdirAll(filepath.Dir(t.memoryFile), 0o755); err != nil {
		return Result{}, NewToolErrorf(ErrExecutionFailed, "create memory directory: %v", err)
	}
	f, err := os.OpenFile(t.memoryFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return Result{}, NewToolErrorf(ErrExecutionFailed, "open memory file: %v", err)
	}
	defer f.Close()
	entry := fmt.Sprintf("- %s (%s)\n", fact, time.Now().Format("2006-01-02"))
	if _, err := f.WriteString(entry); err != nil {
		return Result{}, NewToolErrorf(ErrExecutionFailed, "append memory: %v", err)
	}
	return TextResult(fmt.Sprintf("Remembered: %s", fact)), nil
}
