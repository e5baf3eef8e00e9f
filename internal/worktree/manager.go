// Package worktree provisions and tears down per-task git worktrees.
// A worktree exists only for non-terminal tasks whose dependencies are
// all resolved; the daemon is the only actor that creates or removes
// them.
package worktree

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zjrosen/delegate/internal/domain"
	"github.com/zjrosen/delegate/internal/event"
	"github.com/zjrosen/delegate/internal/git"
	"github.com/zjrosen/delegate/internal/home"
	"github.com/zjrosen/delegate/internal/log"
	"github.com/zjrosen/delegate/internal/sandbox"
	"github.com/zjrosen/delegate/internal/storage/sqlite"
	"github.com/zjrosen/delegate/internal/workflow"
)

// Manager owns worktree lifecycle for every team.
type Manager struct {
	h         *home.Home
	git       git.Executor
	store     *sqlite.Store
	sandboxes *sandbox.Registry
}

// NewManager creates a manager.
func NewManager(h *home.Home, g git.Executor, store *sqlite.Store, sandboxes *sandbox.Registry) *Manager {
	return &Manager{h: h, git: g, store: store, sandboxes: sandboxes}
}

// Setup provisions one worktree per task repo, capturing the immutable
// base SHA map, and extends the assignee's sandbox writable set. It
// refuses with workflow.ErrDependenciesPending while any dependency is
// non-terminal.
func (m *Manager) Setup(ctx context.Context, tx *sql.Tx, rec *event.Recorder, task *domain.Task) error {
	resolved, err := m.store.Tasks.DependenciesResolved(tx, task.ID)
	if err != nil {
		return err
	}
	if !resolved {
		return workflow.ErrDependenciesPending
	}
	if task.Assignee == "" {
		return fmt.Errorf("cannot create worktree for unassigned task %s", task.Key())
	}

	shas := make(map[string]string, len(task.Repos))
	var created []createdWorktree
	for _, repoName := range task.Repos {
		repo, err := m.store.Repos.Get(tx, task.TeamID, repoName)
		if err != nil {
			return err
		}
		baseSHA, err := m.git.RevParse(ctx, repo.Path, repo.TargetBranch)
		if err != nil {
			return fmt.Errorf("failed to resolve %s@%s: %w", repoName, repo.TargetBranch, err)
		}

		path := m.h.WorktreeDir(task.TeamID, task.Assignee, task.Key(), repoName)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create worktree parent: %w", err)
		}
		if err := m.git.CreateWorktree(ctx, repo.Path, path, task.Branch, baseSHA); err != nil {
			// Roll back partial filesystem state; the DB transaction
			// rolls back on its own.
			m.removeCreated(ctx, task, created)
			return err
		}
		created = append(created, createdWorktree{repoDir: repo.Path, path: path})
		shas[repoName] = baseSHA
	}

	if err := m.store.Tasks.SetBaseSHAs(tx, task.ID, shas); err != nil {
		m.removeCreated(ctx, task, created)
		return err
	}
	task.BaseSHAs = shas

	// The sandbox grant must not outlive a rolled-back transaction, so
	// the live config widens only after commit.
	if cfg, ok := m.sandboxes.Lookup(task.TeamID, task.Assignee); ok {
		grants := created
		rec.AfterCommit(func() {
			for _, g := range grants {
				cfg.AddWorktree(g.path, filepath.Join(g.repoDir, ".git"))
			}
		})
	}

	log.Info(log.CatGit, "worktrees provisioned",
		"task", task.Key(), "branch", task.Branch, "repos", len(shas))
	return rec.Emit(tx, task.TeamID, event.KindWorktreeCreated, map[string]any{
		"task_id": task.ID, "branch": task.Branch, "repos": task.Repos,
	})
}

// Teardown removes the task's worktrees and branch. Idempotent:
// already-removed paths are skipped.
func (m *Manager) Teardown(ctx context.Context, tx *sql.Tx, rec *event.Recorder, task *domain.Task) error {
	for _, repoName := range task.Repos {
		repo, err := m.store.Repos.Get(tx, task.TeamID, repoName)
		if err != nil {
			continue
		}
		path := m.h.WorktreeDir(task.TeamID, task.Assignee, task.Key(), repoName)
		if _, statErr := os.Stat(path); statErr == nil {
			if err := m.git.RemoveWorktree(ctx, repo.Path, path); err != nil {
				log.ErrorErr(log.CatGit, "failed to remove worktree", err, "path", path)
			}
		}
		if m.git.BranchExists(ctx, repo.Path, task.Branch) {
			if err := m.git.DeleteBranch(ctx, repo.Path, task.Branch); err != nil {
				log.ErrorErr(log.CatGit, "failed to delete branch", err, "branch", task.Branch)
			}
		}
	}
	return rec.Emit(tx, task.TeamID, event.KindWorktreeRemoved, map[string]any{
		"task_id": task.ID, "branch": task.Branch,
	})
}

// Path returns the worktree directory for one repo of a task.
func (m *Manager) Path(task *domain.Task, repoName string) string {
	return m.h.WorktreeDir(task.TeamID, task.Assignee, task.Key(), repoName)
}

// createdWorktree remembers enough about a provisioned worktree to
// undo it without touching the store again.
type createdWorktree struct {
	repoDir string
	path    string
}

// removeCreated undoes partially created worktrees after a failure.
func (m *Manager) removeCreated(ctx context.Context, task *domain.Task, created []createdWorktree) {
	for _, c := range created {
		if err := m.git.RemoveWorktree(ctx, c.repoDir, c.path); err != nil {
			log.ErrorErr(log.CatGit, "failed to clean up partial worktree", err, "path", c.path)
		}
		if m.git.BranchExists(ctx, c.repoDir, task.Branch) {
			_ = m.git.DeleteBranch(ctx, c.repoDir, task.Branch)
		}
	}
}
