package tools

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/codeloop-ai/codeloop/internal/ignore"
	"github.com/codeloop-ai/codeloop/internal/llm"
)

const maxReadBytes = 256 * 1024

// ReadFileTool implements read_file.
type ReadFileTool struct {
	root   string
	filter *ignore.Filter
}

// NewReadFileTool creates a read_file tool rooted at the workspace.
func NewReadFileTool(root string, filter *ignore.Filter) *ReadFileTool {
	return &ReadFileTool{root: root, filter: filter}
}

func (t *ReadFileTool) Name() string { return ReadFileToolName }
func (t *ReadFileTool) Kind() Kind   { return KindRead }

func (t *ReadFileTool) Declaration() llm.FunctionDeclaration {
	return llm.FunctionDeclaration{
		Name:        ReadFileToolName,
		Description: "Read file contents. Returns line-numbered output. Use offset/limit for pagination.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Path to the file, absolute or workspace-relative",
				},
				"offset": map[string]any{
					"type":        "integer",
					"description": "1-indexed first line to return (default: 1)",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of lines to return",
				},
			},
			"required": []string{"path"},
		},
	}
}

func (t *ReadFileTool) ShouldConfirmExecute(ctx context.Context, args map[string]any) (*Confirmation, error) {
	return nil, nil
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	path, err := resolveWorkspacePath(t.root, stringArg(args, "path"))
	if err != nil {
		return Result{}, err
	}
	if t.filter != nil && t.filter.ShouldIgnore(path, ignore.Options{}) {
		return Result{}, NewToolErrorf(ErrInvalidArgs, "path %q is excluded by ignore rules", stringArg(args, "path"))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{}, NewToolErrorf(ErrExecutionFailed, "file not found: %s", stringArg(args, "path"))
		}
		return Result{}, NewToolErrorf(ErrExecutionFailed, "read %s: %v", stringArg(args, "path"), err)
	}
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
	}

	lines := strings.Split(string(data), "\n")
	offset := intArg(args, "offset")
	if offset < 1 {
		offset = 1
	}
	limit := intArg(args, "limit")
	if offset > len(lines) {
		return TextResult(""), nil
	}
	end := len(lines)
	if limit > 0 && offset-1+limit < end {
		end = offset - 1 + limit
	}

	var b strings.Builder
	for i := offset - 1; i < end; i++ {
		fmt.Fprintf(&b, "%6d\t%s\n", i+1, lines[i])
	}
	return TextResult(b.String()), nil
}
