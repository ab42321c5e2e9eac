// Package trigger decides whether a push to a branch starts a pipeline.
package trigger

import (
	"path"
	"strings"
)

const matchAll = "**"

// Filter selects branches by glob. An empty Branches list selects every branch;
// BranchesIgnore always wins over Branches.
type Filter struct {
	Branches       []string `yaml:"branches"`
	BranchesIgnore []string `yaml:"branches_ignore"`
}

// AllBranches returns a filter that matches every branch
func AllBranches() Filter {
	return Filter{}
}

// AllBranchesExcept returns a filter that matches every branch but the given ones
func AllBranchesExcept(branches ...string) Filter {
	return Filter{BranchesIgnore: branches}
}

// Matches reports whether a push to branch should start the pipeline
func (f Filter) Matches(branch string) bool {
	if branch == "" {
		return false
	}
	if matchAny(f.BranchesIgnore, branch) {
		return false
	}
	if len(f.Branches) == 0 {
		return true
	}
	return matchAny(f.Branches, branch)
}

func matchAny(patterns []string, branch string) bool {
	for _, pattern := range patterns {
		if pattern == matchAll {
			return true
		}
		if pattern == branch {
			return true
		}
		// feature/** covers every branch below feature/
		if prefix, ok := strings.CutSuffix(pattern, "/"+matchAll); ok && strings.HasPrefix(branch, prefix+"/") {
			return true
		}
		if ok, err := path.Match(pattern, branch); err == nil && ok {
			return true
		}
	}
	return false
}
