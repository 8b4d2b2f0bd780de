package checkpoint

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/codeloop-ai/codeloop/internal/llm"
)

func TestWriteAndLoadRoundTrip(t *testing.T) {
	tempDir := t.TempDir()
	r := NewRecorder(tempDir, t.TempDir())
	r.now = func() time.Time { return time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC) }

	snap := Snapshot{
		History: []llm.Message{
			llm.UserText("change the file"),
			{Role: llm.RoleModel, Parts: []llm.Part{{FunctionCall: &llm.FunctionCall{
				ID: "t1", Name: "write_file", Args: map[string]any{"file_path": "src/app.go"},
			}}}},
		},
		ToolCall: ToolCallInfo{Name: "write_file", Args: map[string]any{"file_path": "src/app.go"}},
		FilePath: "src/app.go",
	}

	path, err := r.Write(context.Background(), snap)
	if err != nil {
		t.Fatal(err)
	}
	name := filepath.Base(path)
	if !strings.HasPrefix(name, "2025-03-14T09-26-53.000Z-app-write_file") || !strings.HasSuffix(name, ".json") {
		t.Errorf("checkpoint name = %q", name)
	}
	if filepath.Dir(path) != filepath.Join(tempDir, "checkpoints") {
		t.Errorf("checkpoint dir = %q", filepath.Dir(path))
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.ToolCall.Name != "write_file" {
		t.Errorf("tool call = %+v", loaded.ToolCall)
	}
	if len(loaded.History) != 2 || loaded.History[0].Parts[0].Text != "change the file" {
		t.Errorf("history = %+v", loaded.History)
	}
	if loaded.FilePath != "src/app.go" {
		t.Errorf("file path = %q", loaded.FilePath)
	}
}

func TestWriteWithoutFilePathUsesWorkspaceBase(t *testing.T) {
	r := NewRecorder(t.TempDir(), t.TempDir())
	path, err := r.Write(context.Background(), Snapshot{
		ToolCall: ToolCallInfo{Name: "shell"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(filepath.Base(path), "-workspace-shell") {
		t.Errorf("name = %q", filepath.Base(path))
	}
}

func TestListNewestFirst(t *testing.T) {
	r := NewRecorder(t.TempDir(), t.TempDir())
	stamps := []time.Time{
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	for _, ts := range stamps {
		ts := ts
		r.now = func() time.Time { return ts }
		if _, err := r.Write(context.Background(), Snapshot{ToolCall: ToolCallInfo{Name: "write_file"}}); err != nil {
			t.Fatal(err)
		}
	}
	paths, err := r.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 2 {
		t.Fatalf("paths = %v", paths)
	}
	if !strings.Contains(paths[0], "2025-01-02") {
		t.Errorf("newest first expected, got %v", paths)
	}
}

func TestCommitHashOutsideGitRepoIsEmpty(t *testing.T) {
	r := NewRecorder(t.TempDir(), t.TempDir())
	if hash := r.commitHash(context.Background()); hash != "" {
		t.Errorf("hash = %q, want empty outside a repo", hash)
	}
}
