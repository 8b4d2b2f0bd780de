// Package checkpoint persists restorable snapshots before destructive
// tools run: enough conversation and file state to roll a session back.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/codeloop-ai/codeloop/internal/llm"
)

// ToolCallInfo identifies the pending tool call a snapshot guards.
type ToolCallInfo struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Snapshot is the restorable bundle written per approval.
type Snapshot struct {
	History       []llm.Message `json:"history"`
	ClientHistory []any         `json:"clientHistory,omitempty"`
	ToolCall      ToolCallInfo  `json:"toolCall"`
	CommitHash    string        `json:"commitHash,omitempty"`
	FilePath      string        `json:"filePath,omitempty"`
}

// Recorder writes snapshots under the project temp directory.
type Recorder struct {
	dir         string
	projectRoot string
	now         func() time.Time
}

// NewRecorder creates a recorder writing to <tempDir>/checkpoints.
func NewRecorder(tempDir, projectRoot string) *Recorder {
	return &Recorder{
		dir:         filepath.Join(tempDir, "checkpoints"),
		projectRoot: projectRoot,
		now:         time.Now,
	}
}

// Write persists a snapshot and returns its path. The file name is
// <timestamp>-<basename>-<toolName>.json.
func (r *Recorder) Write(ctx context.Context, snap Snapshot) (string, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("create checkpoint directory: %w", err)
	}
	if snap.CommitHash == "" {
		snap.CommitHash = r.commitHash(ctx)
	}

	base := "workspace"
	if snap.FilePath != "" {
		base = strings.TrimSuffix(filepath.Base(snap.FilePath), filepath.Ext(snap.FilePath))
	}
	timestamp := r.now().UTC().Format("2006-01-02T15-04-05.000Z")
	name := fmt.Sprintf("%s-%s-%s.json", timestamp, base, snap.ToolCall.Name)
	path := filepath.Join(r.dir, name)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write checkpoint: %w", err)
	}
	return path, nil
}

// Load reads a snapshot back from path.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	return &snap, nil
}

// List returns checkpoint file paths, newest first.
func (r *Recorder) List() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var paths []string
	for i := len(entries) - 1; i >= 0; i-- {
		if strings.HasSuffix(entries[i].Name(), ".json") {
			paths = append(paths, filepath.Join(r.dir, entries[i].Name()))
		}
	}
	return paths, nil
}

// commitHash captures HEAD when the project is a git repository.
func (r *Recorder) commitHash(ctx context.Context) string {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = r.projectRoot
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
