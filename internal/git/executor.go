// Package git executes git operations for the daemon. The daemon is
// the sole actor for branch-topology commands; agents never reach this
// package, only their own worktree via sandboxed bash.
package git

import (
	"context"
)

// Executor defines the git operations the daemon needs. The interface
// exists so the merge worker and worktree manager can be tested against
// a mock.
type Executor interface {
	// RevParse resolves a ref to a full SHA.
	RevParse(ctx context.Context, repoDir, ref string) (string, error)

	// CreateWorktree creates a worktree at path on a new branch started
	// from base.
	CreateWorktree(ctx context.Context, repoDir, path, newBranch, base string) error

	// RemoveWorktree removes a worktree and prunes bookkeeping.
	RemoveWorktree(ctx context.Context, repoDir, path string) error

	// DeleteBranch force-deletes a branch.
	DeleteBranch(ctx context.Context, repoDir, branch string) error

	// BranchExists reports whether the branch exists.
	BranchExists(ctx context.Context, repoDir, branch string) bool

	// Fetch updates a ref from its configured remote. A repo with no
	// remote is a no-op, not an error.
	Fetch(ctx context.Context, repoDir, ref string) error

	// RebaseOnto rebases branch onto target inside workDir. On conflict
	// the rebase is aborted and a *RebaseConflictError carrying the
	// conflicting file list is returned.
	RebaseOnto(ctx context.Context, workDir, branch, target string) error

	// SquashReapply squashes branch's commits into a single commit
	// replayed onto target with a three-way merge favoring the branch
	// side for files the branch modified. Remaining conflicts abort.
	SquashReapply(ctx context.Context, workDir, branch, target, message string) error

	// FastForward advances target to tip. Fails rather than creating a
	// merge commit when tip does not descend from target.
	FastForward(ctx context.Context, repoDir, target, tip string) error

	// IsAncestor reports whether ancestor is reachable from descendant.
	IsAncestor(ctx context.Context, repoDir, ancestor, descendant string) (bool, error)

	// Diff returns the unified diff of branch against base.
	Diff(ctx context.Context, repoDir, base, branch string) (string, error)

	// FileAt returns a file's content at a ref.
	FileAt(ctx context.Context, repoDir, ref, path string) (string, error)

	// CommitAll stages everything in workDir and commits. Used by
	// reviewer edits, which land as ordinary commits on the task branch.
	CommitAll(ctx context.Context, workDir, author, message string) error
}
