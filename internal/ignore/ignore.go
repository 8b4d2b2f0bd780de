// Package ignore evaluates gitignore-style pattern files and answers
// whether a workspace path should be excluded from tool traversal.
package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// VCSIgnoreFile and ProjectIgnoreFile are the two pattern files loaded
// from the project root. The pattern set is immutable per session.
const (
	VCSIgnoreFile     = ".gitignore"
	ProjectIgnoreFile = ".aiignore"
)

// Options select which pattern sets participate in a query. The zero
// value respects both.
type Options struct {
	SkipVCS     bool
	SkipProject bool
}

type rule struct {
	pattern  string
	negate   bool
	anchored bool
	dirOnly  bool
}

type patternSet struct {
	rules []rule
}

// Filter holds the parsed VCS and project pattern sets for one root.
type Filter struct {
	root    string
	vcs     *patternSet
	project *patternSet
}

// NewFilter loads both pattern files from projectRoot. Missing files
// yield empty sets.
func NewFilter(projectRoot string) *Filter {
	return &Filter{
		root:    projectRoot,
		vcs:     loadPatternFile(filepath.Join(projectRoot, VCSIgnoreFile)),
		project: loadPatternFile(filepath.Join(projectRoot, ProjectIgnoreFile)),
	}
}

// NewFilterFromPatterns builds a filter from in-memory rule lines
// (project set only). Used by tests and embedded defaults.
func NewFilterFromPatterns(projectRoot string, vcsLines, projectLines []string) *Filter {
	return &Filter{
		root:    projectRoot,
		vcs:     parsePatterns(vcsLines),
		project: parsePatterns(projectLines),
	}
}

func loadPatternFile(path string) *patternSet {
	f, err := os.Open(path)
	if err != nil {
		return &patternSet{}
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return parsePatterns(lines)
}

func parsePatterns(lines []string) *patternSet {
	set := &patternSet{}
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		r := rule{}
		if strings.HasPrefix(line, "!") {
			r.negate = true
			line = line[1:]
		}
		if strings.HasSuffix(line, "/") {
			r.dirOnly = true
			line = strings.TrimSuffix(line, "/")
		}
		if strings.HasPrefix(line, "/") {
			r.anchored = true
			line = line[1:]
		} else if strings.Contains(line, "/") {
			// A separator anywhere in the pattern anchors it to the root.
			r.anchored = true
		}
		if line == "" {
			continue
		}
		r.pattern = line
		set.rules = append(set.rules, r)
	}
	return set
}

// ShouldIgnore reports whether path is excluded by the active pattern
// sets. path may be absolute (resolved against the root) or
// root-relative. Paths outside the root are never ignored.
func (f *Filter) ShouldIgnore(path string, opts Options) bool {
	rel := f.relative(path)
	if rel == "" || rel == "." {
		return false
	}

	// A file inside an excluded directory cannot be re-included, so
	// ancestors are decided first.
	segments := strings.Split(rel, "/")
	for i := 1; i <= len(segments); i++ {
		candidate := strings.Join(segments[:i], "/")
		isDir := i < len(segments) || f.isDir(candidate)
		if f.decide(candidate, isDir, opts) {
			return true
		}
	}
	return false
}

// decide runs the rule lists over one candidate path; the last matching
// rule wins, negations flip the state.
func (f *Filter) decide(rel string, isDir bool, opts Options) bool {
	ignored := false
	apply := func(set *patternSet) {
		for _, r := range set.rules {
			if r.dirOnly && !isDir {
				continue
			}
			if !r.matches(rel) {
				continue
			}
			ignored = !r.negate
		}
	}
	if !opts.SkipVCS {
		apply(f.vcs)
	}
	if !opts.SkipProject {
		apply(f.project)
	}
	return ignored
}

func (r rule) matches(rel string) bool {
	if r.anchored {
		ok, err := doublestar.Match(r.pattern, rel)
		return err == nil && ok
	}
	// Unanchored patterns match at any depth.
	if ok, err := doublestar.Match(r.pattern, rel); err == nil && ok {
		return true
	}
	ok, err := doublestar.Match("**/"+r.pattern, rel)
	return err == nil && ok
}

func (f *Filter) relative(path string) string {
	if filepath.IsAbs(path) {
		rel, err := filepath.Rel(f.root, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			return ""
		}
		path = rel
	}
	return filepath.ToSlash(filepath.Clean(path))
}

func (f *Filter) isDir(rel string) bool {
	info, err := os.Stat(filepath.Join(f.root, filepath.FromSlash(rel)))
	return err == nil && info.IsDir()
}
