package tools

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/codeloop-ai/codeloop/internal/ignore"
	"github.com/codeloop-ai/codeloop/internal/llm"
)

const (
	maxGrepMatches  = 200
	maxGrepLineLen  = 500
	maxGrepFileSize = 4 * 1024 * 1024
)

// GrepTool implements grep: regex content search over the workspace,
// honoring the ignore filter.
type GrepTool struct {
	root   string
	filter *ignore.Filter
}

// NewGrepTool creates a grep tool rooted at the workspace.
func NewGrepTool(root string, filter *ignore.Filter) *GrepTool {
	return &GrepTool{root: root, filter: filter}
}

func (t *GrepTool) Name() string { return GrepToolName }
func (t *GrepTool) Kind() Kind   { return KindSearch }

func (t *GrepTool) Declaration() llm.FunctionDeclaration {
	return llm.FunctionDeclaration{
		Name:        GrepToolName,
		Description: "Search file contents with a regular expression. Returns matching lines as path:line:text.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{
					"type":        "string",
					"description": "Regular expression to search for",
				},
				"path": map[string]any{
					"type":        "string",
					"description": "Directory to search (default: workspace root)",
				},
				"include": map[string]any{
					"type":        "string",
					"description": "Glob filter on file names, e.g. \"*.go\" or \"src/**/*.ts\"",
				},
			},
			"required": []string{"pattern"},
		},
	}
}

func (t *GrepTool) ShouldConfirmExecute(ctx context.Context, args map[string]any) (*Confirmation, error) {
	return nil, nil
}

func (t *GrepTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	pattern := stringArg(args, "pattern")
	if pattern == "" {
		return Result{}, NewToolErrorf(ErrInvalidArgs, "pattern is required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Result{}, NewToolErrorf(ErrInvalidArgs, "invalid pattern: %v", err)
	}

	searchRoot := t.root
	if p := stringArg(args, "path"); p != "" {
		searchRoot, err = resolveWorkspacePath(t.root, p)
		if err != nil {
			return Result{}, err
		}
	}
	include := stringArg(args, "include")

	var b strings.Builder
	matches := 0
	walkErr := filepath.WalkDir(searchRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, relErr := filepath.Rel(t.root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			if t.filter != nil && t.filter.ShouldIgnore(path, ignore.Options{}) {
				return filepath.SkipDir
			}
			return nil
		}
		if t.filter != nil && t.filter.ShouldIgnore(path, ignore.Options{}) {
			return nil
		}
		if include != "" {
			ok, matchErr := doublestar.Match(include, rel)
			if matchErr != nil || !ok {
				if base, _ := doublestar.Match(include, d.Name()); !base {
					return nil
				}
			}
		}
		if info, infoErr := d.Info(); infoErr != nil || info.Size() > maxGrepFileSize {
			return nil
		}
		matches += t.grepFile(path, rel, re, &b, maxGrepMatches-matches)
		if matches >= maxGrepMatches {
			return filepath.SkipAll
		}
		return nil
	})
	if walkErr != nil && walkErr != filepath.SkipAll {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, NewToolErrorf(ErrExecutionFailed, "search failed: %v", walkErr)
	}

	if matches == 0 {
		return TextResult(fmt.Sprintf("No matches for %q", pattern)), nil
	}
	header := fmt.Sprintf("%d match(es) for %q:\n", matches, pattern)
	return TextResult(header + b.String()), nil
}

func (t *GrepTool) grepFile(path, rel string, re *regexp.Regexp, out *strings.Builder, budget int) int {
	if budget <= 0 {
		return 0
	}
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	found := 0
	lineNum := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if strings.ContainsRune(line, '\x00') {
			return found // binary file
		}
		if !re.MatchString(line) {
			continue
		}
		if len(line) > maxGrepLineLen {
			line = line[:maxGrepLineLen] + "..."
		}
		fmt.Fprintf(out, "%s:%d:%s\n", rel, lineNum, line)
		found++
		if found >= budget {
			return found
		}
	}
	return found
}
