package worktree

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

const defaultBranchPrefix = "taskweave"

// PhaseWorktree describes one isolated working copy created for one task
// within one phase. It lives for at most one phase.
type PhaseWorktree struct {
	TaskID     string
	Branch     string
	Path       string
	BaseCommit string
}

// QueueContext is the per-queue-run git context: canonical repository root,
// the branch merges target, the branch active before the queue started, and
// a scratch root holding all phase worktrees. Created once per queue run and
// torn down when the queue loop exits for any reason.
type QueueContext struct {
	Root           string
	TargetBranch   string
	OriginalBranch string
	ScratchDir     string

	git          *Git
	branchPrefix string
}

// NewQueueContext establishes the git context for a queue run rooted at
// repoDir: it resolves the repository root, auto-commits any dirty working
// tree so a clean baseline exists before branching, picks the merge target
// (the canonical default branch when present, otherwise the branch checked
// out at queue start), checks the target out, and allocates a scratch
// directory for worktrees.
func NewQueueContext(repoDir, branchPrefix string) (*QueueContext, error) {
	root, err := ResolveRoot(repoDir)
	if err != nil {
		return nil, err
	}
	git := NewGit(root)

	original, err := git.CurrentBranch()
	if err != nil {
		return nil, err
	}

	dirty, err := git.IsDirty()
	if err != nil {
		return nil, err
	}
	if dirty {
		if err := git.CommitAll("chore: checkpoint working tree before queue run"); err != nil {
			return nil, fmt.Errorf("auto-commit dirty tree: %w", err)
		}
	}

	target := original
	for _, candidate := range []string{"main", "master"} {
		exists, err := git.BranchExists(candidate)
		if err != nil {
			return nil, err
		}
		if exists {
			target = candidate
			break
		}
	}
	if target != original {
		if err := git.Checkout(target); err != nil {
			return nil, fmt.Errorf("checkout merge target %s: %w", target, err)
		}
	}

	scratch, err := os.MkdirTemp("", "taskweave-worktrees-")
	if err != nil {
		return nil, fmt.Errorf("create worktree scratch directory: %w", err)
	}

	if branchPrefix == "" {
		branchPrefix = defaultBranchPrefix
	}
	return &QueueContext{
		Root:           root,
		TargetBranch:   target,
		OriginalBranch: original,
		ScratchDir:     scratch,
		git:            git,
		branchPrefix:   branchPrefix,
	}, nil
}

// Git exposes the underlying git runner rooted at the repository.
func (q *QueueContext) Git() *Git {
	return q.git
}

// CreateWorktree provisions an isolated worktree for a task, on a fresh
// branch forked from the merge target's current head.
func (q *QueueContext) CreateWorktree(taskID string) (*PhaseWorktree, error) {
	base, err := q.git.Head(q.TargetBranch)
	if err != nil {
		return nil, err
	}
	branch := fmt.Sprintf("%s/%s-%s", q.branchPrefix, shortID(taskID), shortID(uuid.NewString()))
	path := fmt.Sprintf("%s/wt-%s", q.ScratchDir, shortID(taskID))
	if err := q.git.AddWorktree(path, branch, base); err != nil {
		return nil, fmt.Errorf("create worktree for task %s: %w", taskID, err)
	}
	return &PhaseWorktree{
		TaskID:     taskID,
		Branch:     branch,
		Path:       path,
		BaseCommit: base,
	}, nil
}

// NewCommits lists the commits a task branch added on top of its base.
func (q *QueueContext) NewCommits(wt *PhaseWorktree) ([]Commit, error) {
	return q.git.CommitsBetween(wt.BaseCommit, wt.Branch)
}

// MergeTask merges a validated task branch into the target branch.
func (q *QueueContext) MergeTask(wt *PhaseWorktree, taskTitle string) error {
	message := fmt.Sprintf("merge: %s", taskTitle)
	return q.git.Merge(wt.Branch, message)
}

// CleanupMerged removes a merged task's worktree and deletes its branch.
func (q *QueueContext) CleanupMerged(wt *PhaseWorktree) error {
	if err := q.git.RemoveWorktree(wt.Path); err != nil {
		return err
	}
	return q.git.DeleteBranch(wt.Branch)
}

// Discard removes a task's worktree but keeps its branch as forensic
// evidence of the failed or cancelled attempt.
func (q *QueueContext) Discard(wt *PhaseWorktree) error {
	return q.git.RemoveWorktree(wt.Path)
}

// Teardown restores the originally checked-out branch when it differs from
// the merge target and removes the scratch worktree root. Safe to call on
// every exit path.
func (q *QueueContext) Teardown() error {
	var firstErr error
	if q.OriginalBranch != q.TargetBranch {
		if err := q.git.Checkout(q.OriginalBranch); err != nil {
			firstErr = err
		}
	}
	if err := os.RemoveAll(q.ScratchDir); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("remove scratch directory: %w", err)
	}
	if err := q.git.PruneWorktrees(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
