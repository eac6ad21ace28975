package worktree

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// conventionalHeader matches conventional-commit subjects:
// type(scope)!: description.
var conventionalHeader = regexp.MustCompile(`^(feat|fix|docs|style|refactor|perf|test|build|ci|chore|revert)(\([\w./-]+\))?!?: .+`)

// ErrNoNewCommits signals a branch that did not advance past its base.
var ErrNoNewCommits = errors.New("branch has no new commits")

// ValidateCommits enforces the commit-quality policy on a task branch's new
// commits: at least one commit, every subject a conventional-commit header,
// and no disallowed trailer in any body. Violations are fatal to the task
// and are never retried automatically.
func ValidateCommits(commits []Commit, disallowedTrailers []string) error {
	if len(commits) == 0 {
		return ErrNoNewCommits
	}
	for _, c := range commits {
		if !conventionalHeader.MatchString(c.Subject) {
			return fmt.Errorf("commit %.12s: subject %q does not follow the conventional commit format", c.Hash, c.Subject)
		}
		if trailer := findDisallowedTrailer(c.Body, disallowedTrailers); trailer != "" {
			return fmt.Errorf("commit %.12s: body contains disallowed trailer %q", c.Hash, trailer)
		}
	}
	return nil
}

func findDisallowedTrailer(body string, disallowed []string) string {
	if body == "" || len(disallowed) == 0 {
		return ""
	}
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		for _, trailer := range disallowed {
			prefix := strings.TrimSuffix(trailer, ":") + ":"
			if len(trimmed) >= len(prefix) && strings.EqualFold(trimmed[:len(prefix)], prefix) {
				return trailer
			}
		}
	}
	return ""
}
