// Package worktree manages the version-control side effects of a queue run:
// repository resolution, per-task worktrees and branches, incremental merge
// into the target branch, and commit-policy validation. All mutations go
// through external git commands.
package worktree

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Commit is one commit in a branch's range, as inspected for policy checks.
type Commit struct {
	Hash    string
	Subject string
	Body    string
}

// Git runs git commands rooted at a fixed directory.
type Git struct {
	dir string
}

// NewGit returns a Git bound to the given directory.
func NewGit(dir string) *Git {
	return &Git{dir: dir}
}

// ResolveRoot resolves the canonical repository root containing dir.
func ResolveRoot(dir string) (string, error) {
	out, err := runGitWithDir(dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("resolve repository root: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// CurrentBranch resolves the branch checked out in the working copy.
func (g *Git) CurrentBranch() (string, error) {
	out, err := g.run("rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve current branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Head resolves the commit hash the given ref points at.
func (g *Git) Head(ref string) (string, error) {
	out, err := g.run("rev-parse", ref)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", ref, err)
	}
	return strings.TrimSpace(out), nil
}

// IsDirty reports whether the working tree has uncommitted changes.
func (g *Git) IsDirty() (bool, error) {
	out, err := g.run("status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("detect dirty tree: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

// CommitAll stages everything and commits with the given message.
func (g *Git) CommitAll(message string) error {
	if _, err := g.run("add", "-A"); err != nil {
		return err
	}
	if _, err := g.run("commit", "-m", message); err != nil {
		return err
	}
	return nil
}

// BranchExists reports whether a local branch exists.
func (g *Git) BranchExists(branch string) (bool, error) {
	if strings.TrimSpace(branch) == "" {
		return false, errors.New("branch is required")
	}
	_, err := g.run("show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}
	if isExitStatus(err, 1) {
		return false, nil
	}
	return false, err
}

// Checkout switches the working copy to the given branch.
func (g *Git) Checkout(branch string) error {
	_, err := g.run("checkout", branch)
	return err
}

// DeleteBranch force-deletes a local branch.
func (g *Git) DeleteBranch(branch string) error {
	_, err := g.run("branch", "-D", branch)
	return err
}

// AddWorktree creates a worktree at path on a new branch forked from base.
func (g *Git) AddWorktree(path, branch, base string) error {
	_, err := g.run("worktree", "add", "-b", branch, path, base)
	return err
}

// RemoveWorktree detaches and removes a worktree, discarding its state.
func (g *Git) RemoveWorktree(path string) error {
	if _, err := g.run("worktree", "remove", "--force", path); err != nil {
		return err
	}
	return nil
}

// PruneWorktrees drops stale worktree bookkeeping.
func (g *Git) PruneWorktrees() error {
	_, err := g.run("worktree", "prune")
	return err
}

// Merge merges branch into the currently checked-out branch with a merge
// commit. A conflicting merge is aborted so the working copy is never left
// in a conflicted state, and the conflict is reported as an error.
func (g *Git) Merge(branch, message string) error {
	if _, err := g.run("merge", "--no-ff", "-m", message, branch); err != nil {
		_, _ = g.run("merge", "--abort")
		return fmt.Errorf("merge %s: %w", branch, err)
	}
	return nil
}

// CommitsBetween lists commits reachable from head but not base, oldest
// first, with full subject and body for policy inspection.
func (g *Git) CommitsBetween(base, head string) ([]Commit, error) {
	// Unit separator between fields, record separator between commits.
	out, err := g.run("log", "--reverse", "--format=%H%x1f%s%x1f%b%x1e", base+".."+head)
	if err != nil {
		return nil, fmt.Errorf("inspect commit range %s..%s: %w", base, head, err)
	}
	var commits []Commit
	for _, record := range strings.Split(out, "\x1e") {
		record = strings.TrimSpace(record)
		if record == "" {
			continue
		}
		fields := strings.SplitN(record, "\x1f", 3)
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed log record %q", record)
		}
		commits = append(commits, Commit{
			Hash:    strings.TrimSpace(fields[0]),
			Subject: strings.TrimSpace(fields[1]),
			Body:    strings.TrimSpace(fields[2]),
		})
	}
	return commits, nil
}

func (g *Git) run(args ...string) (string, error) {
	return runGitWithDir(g.dir, args...)
}

// runGitWithDir runs a git command in the provided directory.
func runGitWithDir(dir string, args ...string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", errors.New("git directory is required")
	}
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
	)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s failed: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// isExitStatus reports whether the error is an exec.ExitError with the given status.
func isExitStatus(err error, status int) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	return exitErr.ExitCode() == status
}
