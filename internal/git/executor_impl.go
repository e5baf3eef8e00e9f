package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/zjrosen/delegate/internal/log"
)

// Git-specific errors.
var (
	// ErrBranchAlreadyCheckedOut indicates the branch is checked out in
	// another worktree.
	ErrBranchAlreadyCheckedOut = errors.New("branch already checked out in another worktree")

	// ErrPathAlreadyExists indicates the worktree path already exists.
	ErrPathAlreadyExists = errors.New("worktree path already exists")

	// ErrNotGitRepo indicates the directory is not a git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrNotFastForward indicates the target cannot be advanced without
	// a merge commit.
	ErrNotFastForward = errors.New("target is not an ancestor of tip")
)

// RebaseConflictError reports a rebase that could not complete. Files
// holds the conflicting paths; callers surface the list, never raw git
// output.
type RebaseConflictError struct {
	Files []string
}

func (e *RebaseConflictError) Error() string {
	return fmt.Sprintf("rebase conflict in %d file(s): %s", len(e.Files), strings.Join(e.Files, ", "))
}

// Compile-time check that RealExecutor implements Executor.
var _ Executor = (*RealExecutor)(nil)

// RealExecutor implements Executor by shelling out to git.
type RealExecutor struct{}

// NewRealExecutor creates a RealExecutor.
func NewRealExecutor() *RealExecutor {
	return &RealExecutor{}
}

// run executes a git command in dir and returns stdout.
func (e *RealExecutor) run(ctx context.Context, dir string, args ...string) (string, error) {
	//nolint:gosec // G204: args come from the daemon, never from agents
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Stdin = nil // subprocesses never prompt

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		stderrStr := strings.TrimSpace(stderr.String())
		if stderrStr != "" {
			return strings.TrimSpace(stdout.String()), parseGitError(stderrStr, err)
		}
		return strings.TrimSpace(stdout.String()), fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// parseGitError converts git stderr messages to specific error types.
func parseGitError(stderr string, originalErr error) error {
	lower := strings.ToLower(stderr)

	if strings.Contains(lower, "is already checked out") ||
		strings.Contains(lower, "already checked out at") {
		return fmt.Errorf("%w: %s", ErrBranchAlreadyCheckedOut, stderr)
	}
	if strings.Contains(lower, "already exists") {
		return fmt.Errorf("%w: %s", ErrPathAlreadyExists, stderr)
	}
	if strings.Contains(lower, "not a git repository") {
		return fmt.Errorf("%w: %s", ErrNotGitRepo, stderr)
	}
	if strings.Contains(lower, "not possible to fast-forward") {
		return fmt.Errorf("%w: %s", ErrNotFastForward, stderr)
	}
	return fmt.Errorf("git error: %s: %w", stderr, originalErr)
}

// RevParse resolves a ref to a full SHA.
func (e *RealExecutor) RevParse(ctx context.Context, repoDir, ref string) (string, error) {
	return e.run(ctx, repoDir, "rev-parse", ref)
}

// CreateWorktree creates a worktree on a new branch started from base.
func (e *RealExecutor) CreateWorktree(ctx context.Context, repoDir, path, newBranch, base string) error {
	args := []string{"worktree", "add", "-b", newBranch, path}
	if base != "" {
		args = append(args, base)
	}
	if _, err := e.run(ctx, repoDir, args...); err != nil {
		return err
	}
	log.Debug(log.CatGit, "worktree created", "path", path, "branch", newBranch, "base", base)
	return nil
}

// RemoveWorktree removes a worktree and prunes bookkeeping.
func (e *RealExecutor) RemoveWorktree(ctx context.Context, repoDir, path string) error {
	if _, err := e.run(ctx, repoDir, "worktree", "remove", "--force", path); err != nil {
		return err
	}
	_, _ = e.run(ctx, repoDir, "worktree", "prune")
	return nil
}

// DeleteBranch force-deletes a branch.
func (e *RealExecutor) DeleteBranch(ctx context.Context, repoDir, branch string) error {
	_, err := e.run(ctx, repoDir, "branch", "-D", branch)
	return err
}

// BranchExists reports whether the branch exists.
func (e *RealExecutor) BranchExists(ctx context.Context, repoDir, branch string) bool {
	_, err := e.run(ctx, repoDir, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// Fetch updates a ref from its configured remote. Repos without a
// remote are local-only; that is not an error.
func (e *RealExecutor) Fetch(ctx context.Context, repoDir, ref string) error {
	remotes, err := e.run(ctx, repoDir, "remote")
	if err != nil || remotes == "" {
		return nil
	}
	_, err = e.run(ctx, repoDir, "fetch", "origin", ref)
	return err
}

// RebaseOnto rebases branch onto target inside workDir. Conflicts
// abort the rebase and surface as *RebaseConflictError.
func (e *RealExecutor) RebaseOnto(ctx context.Context, workDir, branch, target string) error {
	if _, err := e.run(ctx, workDir, "rebase", target, branch); err != nil {
		files := e.conflictFiles(ctx, workDir)
		_, _ = e.run(ctx, workDir, "rebase", "--abort")
		if len(files) > 0 {
			return &RebaseConflictError{Files: files}
		}
		return err
	}
	return nil
}

// conflictFiles lists unmerged paths in workDir.
func (e *RealExecutor) conflictFiles(ctx context.Context, workDir string) []string {
	out, err := e.run(ctx, workDir, "diff", "--name-only", "--diff-filter=U")
	if err != nil || out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// SquashReapply is the conflict fallback: squash the branch into one
// commit and replay it onto target, resolving conflicts in favor of
// the branch side for files the branch modified. Any file the merge
// machinery still cannot resolve aborts with *RebaseConflictError.
func (e *RealExecutor) SquashReapply(ctx context.Context, workDir, branch, target, message string) error {
	// Files the branch modified relative to the merge base.
	base, err := e.run(ctx, workDir, "merge-base", target, branch)
	if err != nil {
		return err
	}
	modifiedOut, err := e.run(ctx, workDir, "diff", "--name-only", base, branch)
	if err != nil {
		return err
	}
	modified := make(map[string]bool)
	for _, f := range strings.Split(modifiedOut, "\n") {
		if f != "" {
			modified[f] = true
		}
	}

	// Reset the work branch to target and three-way merge the squashed
	// branch content on top.
	if _, err := e.run(ctx, workDir, "checkout", "--detach", target); err != nil {
		return err
	}
	if _, err := e.run(ctx, workDir, "merge", "--squash", "-X", "theirs", branch); err != nil {
		conflicts := e.conflictFiles(ctx, workDir)
		var unresolved []string
		for _, f := range conflicts {
			if modified[f] {
				// Branch side wins for files the branch touched.
				if _, cerr := e.run(ctx, workDir, "checkout", branch, "--", f); cerr != nil {
					unresolved = append(unresolved, f)
				}
			} else {
				unresolved = append(unresolved, f)
			}
		}
		if len(unresolved) > 0 {
			_, _ = e.run(ctx, workDir, "merge", "--abort")
			_, _ = e.run(ctx, workDir, "checkout", branch)
			return &RebaseConflictError{Files: unresolved}
		}
		if _, err := e.run(ctx, workDir, "add", "-A"); err != nil {
			return err
		}
	}
	if _, err := e.run(ctx, workDir, "commit", "-m", message); err != nil {
		return err
	}
	// Point the task branch at the squashed commit.
	sha, err := e.run(ctx, workDir, "rev-parse", "HEAD")
	if err != nil {
		return err
	}
	if _, err := e.run(ctx, workDir, "branch", "-f", branch, sha); err != nil {
		return err
	}
	_, err = e.run(ctx, workDir, "checkout", branch)
	return err
}

// FastForward advances target to tip without ever creating a merge
// commit.
func (e *RealExecutor) FastForward(ctx context.Context, repoDir, target, tip string) error {
	ok, err := e.IsAncestor(ctx, repoDir, target, tip)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrNotFastForward, target, tip)
	}
	_, err = e.run(ctx, repoDir, "update-ref", "refs/heads/"+target, tip)
	return err
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (e *RealExecutor) IsAncestor(ctx context.Context, repoDir, ancestor, descendant string) (bool, error) {
	_, err := e.run(ctx, repoDir, "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	// parseGitError may have wrapped the exit error; a bare exit code 1
	// without stderr means "no".
	if strings.Contains(err.Error(), "exit status 1") {
		return false, nil
	}
	return false, err
}

// Diff returns the unified diff of branch against base.
func (e *RealExecutor) Diff(ctx context.Context, repoDir, base, branch string) (string, error) {
	return e.run(ctx, repoDir, "diff", base+".."+branch)
}

// FileAt returns a file's content at a ref.
func (e *RealExecutor) FileAt(ctx context.Context, repoDir, ref, path string) (string, error) {
	return e.run(ctx, repoDir, "show", ref+":"+path)
}

// CommitAll stages everything in workDir and commits as author
// ("Name <email>" format).
func (e *RealExecutor) CommitAll(ctx context.Context, workDir, author, message string) error {
	if _, err := e.run(ctx, workDir, "add", "-A"); err != nil {
		return err
	}
	_, err := e.run(ctx, workDir, "commit", "--author", author, "-m", message)
	return err
}
