package daemon

import (
	"fmt"
	"time"

	"github.com/zjrosen/delegate/internal/config"
	"github.com/zjrosen/delegate/internal/domain"
	"github.com/zjrosen/delegate/internal/event"
	"github.com/zjrosen/delegate/internal/merge"
	"github.com/zjrosen/delegate/internal/storage/sqlite"
	"github.com/zjrosen/delegate/internal/workflow"
	"github.com/zjrosen/delegate/internal/worktree"
)

// effects bridges the workflow Context surface onto the daemon's
// concrete components. Stages call Context methods; the engine routes
// them here. The merges field is set after the worker exists because
// the worker dispatches outcomes back through the engine.
type effects struct {
	cfg       *config.Config
	store     *sqlite.Store
	worktrees *worktree.Manager
	merges    *merge.Worker
}

var _ workflow.Effects = (*effects)(nil)

func (e *effects) SetupWorktree(c *workflow.Context, task *domain.Task) error {
	return e.worktrees.Setup(c.Ctx, c.Tx, c.Recorder, task)
}

func (e *effects) TeardownWorktree(c *workflow.Context, task *domain.Task) error {
	return e.worktrees.Teardown(c.Ctx, c.Tx, c.Recorder, task)
}

func (e *effects) CreateReview(c *workflow.Context, task *domain.Task, reviewer string) error {
	review := &domain.Review{TaskID: task.ID, Reviewer: reviewer, CreatedAt: time.Now().UTC()}
	if err := e.store.Reviews.Create(c.Tx, review); err != nil {
		return err
	}
	if err := e.store.Tasks.SetReviewer(c.Tx, task.ID, reviewer); err != nil {
		return err
	}
	task.Reviewer = reviewer
	return c.Recorder.Emit(c.Tx, task.TeamID, event.KindReviewCreated, map[string]any{
		"task_id": task.ID, "reviewer": reviewer, "attempt": review.Attempt,
	})
}

// EnqueueMerge hands the task to the serialized worker. The worker
// re-verifies the task is still in merging before touching git, so an
// enqueue whose transaction later rolls back is harmless.
func (e *effects) EnqueueMerge(c *workflow.Context, task *domain.Task) error {
	if err := e.merges.Enqueue(task.ID); err != nil {
		return err
	}
	return c.Recorder.Emit(c.Tx, task.TeamID, event.KindMergeStarted, map[string]any{
		"task_id": task.ID, "branch": task.Branch,
	})
}

func (e *effects) RunScript(c *workflow.Context, task *domain.Task, command string) (string, error) {
	if len(task.Repos) == 0 {
		return "", fmt.Errorf("task %s has no repos to run %q in", task.Key(), command)
	}
	dir := e.worktrees.Path(task, task.Repos[0])
	return merge.RunScript(c.Ctx, dir, command, e.cfg.Merge.PreMergeTimeout)
}

func (e *effects) SendMessage(c *workflow.Context, sender, recipient, body string, taskID *int64) error {
	msg := &domain.Message{
		TeamID:    c.TeamID,
		Sender:    sender,
		Recipient: recipient,
		Kind:      domain.KindChat,
		Body:      body,
		TaskID:    taskID,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.Messages.Create(c.Tx, msg); err != nil {
		return err
	}
	return c.Recorder.Emit(c.Tx, c.TeamID, event.KindMessageSent, map[string]any{
		"message_id": msg.ID, "sender": sender, "recipient": recipient,
	})
}

func (e *effects) SetStatus(c *workflow.Context, task *domain.Task, status, detail string) error {
	if err := e.store.Tasks.SetStatus(c.Tx, task.ID, status, detail); err != nil {
		return err
	}
	task.Status = status
	task.StatusDetail = detail
	return c.Recorder.Emit(c.Tx, task.TeamID, event.KindTaskStatus, map[string]any{
		"task_id": task.ID, "status": status, "detail": detail,
	})
}

// PickAgent returns the least-loaded agent of the role, counting
// non-terminal assigned tasks. Ties break on roster order.
func (e *effects) PickAgent(c *workflow.Context, teamID string, role domain.Role) string {
	agents, err := e.store.Agents.ListByTeam(c.Tx, teamID)
	if err != nil {
		return ""
	}
	tasks, err := e.store.Tasks.ListByTeam(c.Tx, teamID)
	if err != nil {
		return ""
	}
	load := make(map[string]int)
	for _, t := range tasks {
		if t.Assignee != "" && !domain.TerminalStatus(t.Status) {
			load[t.Assignee]++
		}
	}
	best := ""
	for _, a := range agents {
		if a.Role != role {
			continue
		}
		if best == "" || load[a.Name] < load[best] {
			best = a.Name
		}
	}
	return best
}

func (e *effects) ApprovalPolicy(c *workflow.Context, task *domain.Task) (domain.ApprovalPolicy, error) {
	if len(task.Repos) == 0 {
		return domain.ApprovalHuman, nil
	}
	for _, name := range task.Repos {
		repo, err := e.store.Repos.Get(c.Tx, task.TeamID, name)
		if err != nil {
			return "", err
		}
		if repo.ApprovalPolicy != domain.ApprovalAuto {
			return domain.ApprovalHuman, nil
		}
	}
	return domain.ApprovalAuto, nil
}
