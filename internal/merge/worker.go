// Package merge implements the serialized merge worker: the single
// actor that rebases approved task branches onto their target and
// fast-forwards the target. Only one merge is ever in flight per
// installation, which trivially satisfies the per-target exclusivity
// guarantee.
package merge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zjrosen/delegate/internal/domain"
	"github.com/zjrosen/delegate/internal/errs"
	"github.com/zjrosen/delegate/internal/git"
	"github.com/zjrosen/delegate/internal/log"
	"github.com/zjrosen/delegate/internal/storage/sqlite"
	"github.com/zjrosen/delegate/internal/workflow"
)

// queueSize bounds pending merges. The enter hook of the merging stage
// blocks the transition when the queue is full, which in practice
// never happens before something else is badly wrong.
const queueSize = 64

// Dispatcher delivers workflow events back to the engine. Narrow so
// tests can capture dispatches.
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID int64, ev workflow.Event) error
}

// WorktreePather resolves a task's worktree directory for a repo.
type WorktreePather interface {
	Path(task *domain.Task, repoName string) string
}

// Worker owns the merge queue.
type Worker struct {
	store           *sqlite.Store
	git             git.Executor
	worktrees       WorktreePather
	dispatcher      Dispatcher
	preMergeTimeout time.Duration

	queue chan int64
}

// NewWorker creates a worker. Call Run to start processing.
func NewWorker(store *sqlite.Store, g git.Executor, worktrees WorktreePather, dispatcher Dispatcher, preMergeTimeout time.Duration) *Worker {
	return &Worker{
		store:           store,
		git:             g,
		worktrees:       worktrees,
		dispatcher:      dispatcher,
		preMergeTimeout: preMergeTimeout,
		queue:           make(chan int64, queueSize),
	}
}

// Enqueue queues a task for merging. Called by the merging stage's
// enter hook.
func (w *Worker) Enqueue(taskID int64) error {
	select {
	case w.queue <- taskID:
		return nil
	default:
		return errs.Transient("merge_queue_full", "merge queue is full")
	}
}

// Run processes the queue until ctx is cancelled. On startup it
// re-enqueues tasks stranded in merging by a previous daemon, so a
// crash mid-queue loses nothing.
func (w *Worker) Run(ctx context.Context) {
	w.recover()
	for {
		select {
		case <-ctx.Done():
			return
		case taskID := <-w.queue:
			w.process(ctx, taskID)
		}
	}
}

// recover re-enqueues tasks left in merging status.
func (w *Worker) recover() {
	teams, err := w.store.Teams.List()
	if err != nil {
		log.ErrorErr(log.CatMerge, "recovery scan failed", err)
		return
	}
	for _, team := range teams {
		tasks, err := w.store.Tasks.ListByStatus(team.ID, domain.StatusMerging)
		if err != nil {
			continue
		}
		for _, task := range tasks {
			log.Info(log.CatMerge, "re-enqueueing stranded merge", "task", task.Key())
			_ = w.Enqueue(task.ID)
		}
	}
}

// Retry requeues a merge_failed task via the workflow engine. It
// refuses while any prerequisite dependency is non-terminal.
func (w *Worker) Retry(ctx context.Context, taskID int64) error {
	task, err := w.store.Tasks.Get(taskID)
	if err != nil {
		return err
	}
	if task.Status != domain.StatusMergeFailed {
		return errs.User(errs.CodeBadRequest, "task %s is not in merge_failed", task.Key())
	}
	resolved, err := w.store.Tasks.DependenciesResolved(w.store.DB(), taskID)
	if err != nil {
		return err
	}
	if !resolved {
		return errs.User(errs.CodeDepsPending,
			"task %s has unresolved dependencies; retry once they are terminal", task.Key())
	}
	return w.dispatcher.Dispatch(ctx, taskID, workflow.Event{Kind: workflow.EventRetryRequested, Actor: "user"})
}

// statusSettle bounds how long process waits for an enqueued task's
// transition to become visible. The enter hook enqueues before its
// transaction commits, so the first read can land a moment early.
const (
	statusSettleAttempts = 5
	statusSettleInterval = 20 * time.Millisecond
)

// process merges one task and dispatches the outcome event. All
// failures are caught at this boundary; nothing here crashes the
// daemon.
func (w *Worker) process(ctx context.Context, taskID int64) {
	task, err := w.store.Tasks.Get(taskID)
	if err != nil {
		log.ErrorErr(log.CatMerge, "merge task vanished", err, "task_id", taskID)
		return
	}
	for attempt := 0; task.Status != domain.StatusMerging && attempt < statusSettleAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(statusSettleInterval):
		}
		if task, err = w.store.Tasks.Get(taskID); err != nil {
			log.ErrorErr(log.CatMerge, "merge task vanished", err, "task_id", taskID)
			return
		}
	}
	if task.Status != domain.StatusMerging {
		log.Warn(log.CatMerge, "skipping task no longer in merging", "task", task.Key(), "status", task.Status)
		return
	}

	log.Info(log.CatMerge, "merge started", "task", task.Key(), "branch", task.Branch)
	if detail, err := w.mergeRepos(ctx, task); err != nil {
		log.ErrorErr(log.CatMerge, "merge failed", err, "task", task.Key())
		if derr := w.dispatcher.Dispatch(ctx, taskID, workflow.Event{
			Kind:   workflow.EventMergeFailed,
			Actor:  "merge_worker",
			Detail: detail,
		}); derr != nil {
			log.ErrorErr(log.CatMerge, "failed to record merge failure", derr, "task", task.Key())
		}
		return
	}

	if err := w.dispatcher.Dispatch(ctx, taskID, workflow.Event{
		Kind:  workflow.EventMergeSucceeded,
		Actor: "merge_worker",
	}); err != nil {
		log.ErrorErr(log.CatMerge, "failed to record merge success", err, "task", task.Key())
		return
	}
	log.Info(log.CatMerge, "merge completed", "task", task.Key())
}

// mergeRepos merges every repo of the task. The returned detail is the
// user-facing failure cause (conflict file list or test output tail),
// never raw git output.
func (w *Worker) mergeRepos(ctx context.Context, task *domain.Task) (string, error) {
	for _, repoName := range task.Repos {
		repo, err := w.store.Repos.Get(w.store.DB(), task.TeamID, repoName)
		if err != nil {
			return err.Error(), err
		}
		workDir := w.worktrees.Path(task, repoName)

		if err := w.git.Fetch(ctx, repo.Path, repo.TargetBranch); err != nil {
			return fmt.Sprintf("fetch of %s failed", repo.TargetBranch), err
		}

		if err := w.rebaseWithFallback(ctx, task, repo, workDir); err != nil {
			var conflict *git.RebaseConflictError
			if errors.As(err, &conflict) {
				return fmt.Sprintf("conflicts in: %s", strings.Join(conflict.Files, ", ")), err
			}
			return "rebase failed", err
		}

		if repo.PreMergeCmd != "" {
			output, err := RunScript(ctx, workDir, repo.PreMergeCmd, w.preMergeTimeout)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					return fmt.Sprintf("pre-merge command timeout after %s: %s", w.preMergeTimeout, repo.PreMergeCmd), err
				}
				return fmt.Sprintf("pre-merge command failed: %s\n%s", repo.PreMergeCmd, tail(output, 2000)), err
			}
		}

		tip, err := w.git.RevParse(ctx, workDir, task.Branch)
		if err != nil {
			return "cannot resolve branch tip", err
		}
		if err := w.git.FastForward(ctx, repo.Path, repo.TargetBranch, tip); err != nil {
			return fmt.Sprintf("fast-forward of %s failed", repo.TargetBranch), err
		}
	}
	return "", nil
}

// rebaseWithFallback rebases the task branch onto the target, falling
// back to squash-reapply when the rebase conflicts.
func (w *Worker) rebaseWithFallback(ctx context.Context, task *domain.Task, repo *domain.Repo, workDir string) error {
	err := w.git.RebaseOnto(ctx, workDir, task.Branch, repo.TargetBranch)
	if err == nil {
		return nil
	}
	var conflict *git.RebaseConflictError
	if !errors.As(err, &conflict) {
		return err
	}

	log.Info(log.CatMerge, "rebase conflicted, trying squash-reapply",
		"task", task.Key(), "files", len(conflict.Files))
	message := fmt.Sprintf("%s: %s (squashed)", task.Key(), task.Title)
	return w.git.SquashReapply(ctx, workDir, task.Branch, repo.TargetBranch, message)
}

// tail returns the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}
