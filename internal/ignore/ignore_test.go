package ignore

import (
	"os"
	"path/filepath"
	"testing"
)

func filterFrom(t *testing.T, vcs, project []string) *Filter {
	t.Helper()
	return NewFilterFromPatterns(t.TempDir(), vcs, project)
}

func TestGitignoreSemantics(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		path     string
		want     bool
	}{
		{"plain name matches anywhere", []string{"node_modules"}, "a/b/node_modules/c.js", true},
		{"blank and comment lines skipped", []string{"", "# comment", "dist"}, "dist/app.js", true},
		{"glob star", []string{"*.log"}, "logs/app.log", true},
		{"glob question mark", []string{"?.txt"}, "a.txt", true},
		{"glob char class", []string{"file[0-9].txt"}, "file7.txt", true},
		{"char class miss", []string{"file[0-9].txt"}, "fileX.txt", false},
		{"anchored to root", []string{"/build"}, "build/out.o", true},
		{"anchored misses nested", []string{"/build"}, "src/build/out.o", false},
		{"slash in pattern anchors", []string{"src/gen"}, "src/gen/x.go", true},
		{"slash pattern misses nested", []string{"src/gen"}, "lib/src/gen/x.go", false},
		{"negation re-includes", []string{"*.log", "!keep.log"}, "keep.log", false},
		{"negation order matters", []string{"!keep.log", "*.log"}, "keep.log", true},
		{"double star", []string{"docs/**/*.md"}, "docs/a/b/c.md", true},
		{"unmatched path", []string{"*.log"}, "main.go", false},
		{"ignored parent blocks re-include", []string{"secrets/", "!secrets/ok.txt"}, "secrets/ok.txt", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := filterFrom(t, tt.patterns, nil)
			if got := f.ShouldIgnore(tt.path, Options{}); got != tt.want {
				t.Errorf("ShouldIgnore(%q) with %v = %v, want %v", tt.path, tt.patterns, got, tt.want)
			}
		})
	}
}

func TestDirectoryOnlyPattern(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "cache"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "cache.go"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	f := NewFilterFromPatterns(root, []string{"cache/"}, nil)

	if !f.ShouldIgnore("cache/entry.bin", Options{}) {
		t.Error("file inside ignored directory should be ignored")
	}
	if f.ShouldIgnore("cache.go", Options{}) {
		t.Error("dir-only pattern must not match a plain file")
	}
}

func TestSelectablePatternSets(t *testing.T) {
	f := filterFrom(t, []string{"vcs-only.txt"}, []string{"project-only.txt"})

	if !f.ShouldIgnore("vcs-only.txt", Options{}) || !f.ShouldIgnore("project-only.txt", Options{}) {
		t.Error("both sets apply by default")
	}
	if f.ShouldIgnore("vcs-only.txt", Options{SkipVCS: true}) {
		t.Error("SkipVCS must disable the VCS set")
	}
	if f.ShouldIgnore("project-only.txt", Options{SkipProject: true}) {
		t.Error("SkipProject must disable the project set")
	}
}

func TestLoadsPatternFiles(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, VCSIgnoreFile), []byte("*.tmp\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, ProjectIgnoreFile), []byte("private/\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	f := NewFilter(root)

	if !f.ShouldIgnore("x.tmp", Options{}) {
		t.Error(".gitignore patterns not loaded")
	}
	if !f.ShouldIgnore("private/key.pem", Options{}) {
		t.Error(".aiignore patterns not loaded")
	}
	if f.ShouldIgnore("main.go", Options{}) {
		t.Error("unmatched file ignored")
	}
}

func TestAbsolutePathsAndEscapes(t *testing.T) {
	root := t.TempDir()
	f := NewFilterFromPatterns(root, []string{"*.secret"}, nil)

	if !f.ShouldIgnore(filepath.Join(root, "a.secret"), Options{}) {
		t.Error("absolute path inside root should resolve")
	}
	if f.ShouldIgnore("/outside/a.secret", Options{}) {
		t.Error("paths outside the root are never ignored")
	}
}
