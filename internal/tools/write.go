package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/codeloop-ai/codeloop/internal/llm"
)

// WriteFileTool implements write_file.
type WriteFileTool struct {
	root string
}

// NewWriteFileTool creates a write_file tool rooted at the workspace.
func NewWriteFileTool(root string) *WriteFileTool {
	return &WriteFileTool{root: root}
}

func (t *WriteFileTool) Name() string { return WriteFileToolName }
func (t *WriteFileTool) Kind() Kind   { return KindEdit }

func (t *WriteFileTool) Declaration() llm.FunctionDeclaration {
	return llm.FunctionDeclaration{
		Name:        WriteFileToolName,
		Description: "Create or overwrite a file with the given content. Creates parent directories if needed.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"file_path": map[string]any{
					"type":        "string",
					"description": "Path to the file to write",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "Full file content to write",
				},
			},
			"required": []string{"file_path", "content"},
		},
	}
}

func (t *WriteFileTool) ShouldConfirmExecute(ctx context.Context, args map[string]any) (*Confirmation, error) {
	path, err := resolveWorkspacePath(t.root, stringArg(args, "file_path"))
	if err != nil {
		return nil, err
	}
	action := "Create"
	if _, statErr := os.Stat(path); statErr == nil {
		action = "Overwrite"
	}
	return &Confirmation{
		Kind:        KindEdit,
		Title:       fmt.Sprintf("%s %s", action, stringArg(args, "file_path")),
		FilePath:    path,
		NewContent:  stringArg(args, "content"),
		Description: fmt.Sprintf("%s file with %d bytes", action, len(stringArg(args, "content"))),
	}, nil
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	path, err := resolveWorkspacePath(t.root, stringArg(args, "file_path"))
	if err != nil {
		return Result{}, err
	}
	content := stringArg(args, "content")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Result{}, NewToolErrorf(ErrExecutionFailed, "create parent directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return Result{}, NewToolErrorf(ErrExecutionFailed, "write %s: %v", stringArg(args, "file_path"), err)
	}
	return TextResult(fmt.Sprintf("Wrote %d bytes to %s", len(content), stringArg(args, "file_path"))), nil
}

// ReplaceTool implements replace: an exact-match find/replace edit.
type ReplaceTool struct {
	root string
}

// NewReplaceTool creates a replace tool rooted at the workspace.
func NewReplaceTool(root string) *ReplaceTool {
	return &ReplaceTool{root: root}
}

func (t *ReplaceTool) Name() string { return ReplaceToolName }
func (t *ReplaceTool) Kind() Kind   { return KindEdit }

func (t *ReplaceTool) Declaration() llm.FunctionDeclaration {
	return llm.FunctionDeclaration{
		Name:        ReplaceToolName,
		Description: "Replace an exact text occurrence in a file. old_string must match exactly once unless expected_replacements is set.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"file_path": map[string]any{
					"type":        "string",
					"description": "Path to the file to edit",
				},
				"old_string": map[string]any{
					"type":        "string",
					"description": "Exact text to replace",
				},
				"new_string": map[string]any{
					"type":        "string",
					"description": "Replacement text",
				},
				"expected_replacements": map[string]any{
					"type":        "integer",
					"description": "Number of occurrences to replace (default: 1)",
				},
			},
			"required": []string{"file_path", "old_string", "new_string"},
		},
	}
}

func (t *ReplaceTool) ShouldConfirmExecute(ctx context.Context, args map[string]any) (*Confirmation, error) {
	path, err := resolveWorkspacePath(t.root, stringArg(args, "file_path"))
	if err != nil {
		return nil, err
	}
	return &Confirmation{
		Kind:        KindEdit,
		Title:       fmt.Sprintf("Edit %s", stringArg(args, "file_path")),
		FilePath:    path,
		NewContent:  stringArg(args, "new_string"),
		Description: "Replace text in file",
	}, nil
}

func (t *ReplaceTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	path, err := resolveWorkspacePath(t.root, stringArg(args, "file_path"))
	if err != nil {
		return Result{}, err
	}
	oldString := stringArg(args, "old_string")
	newString := stringArg(args, "new_string")
	if oldString == "" {
		return Result{}, NewToolErrorf(ErrInvalidArgs, "old_string must not be empty")
	}
	expected := intArg(args, "expected_replacements")
	if expected < 1 {
		expected = 1
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, NewToolErrorf(ErrExecutionFailed, "read %s: %v", stringArg(args, "file_path"), err)
	}
	content := string(data)
	count := strings.Count(content, oldString)
	if count == 0 {
		return Result{}, NewToolErrorf(ErrExecutionFailed, "old_string not found in %s", stringArg(args, "file_path"))
	}
	if count != expected {
		return Result{}, NewToolErrorf(ErrExecutionFailed, "expected %d occurrence(s), found %d", expected, count)
	}

	content = strings.Replace(content, oldString, newString, expected)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return Result{}, NewToolErrorf(ErrExecutionFailed, "write %s: %v", stringArg(args, "file_path"), err)
	}
	return TextResult(fmt.Sprintf("Replaced %d occurrence(s) in %s", expected, stringArg(args, "file_path"))), nil
}
