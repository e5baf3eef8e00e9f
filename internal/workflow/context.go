package workflow

import (
	"context"
	"database/sql"

	"github.com/zjrosen/delegate/internal/domain"
	"github.com/zjrosen/delegate/internal/errs"
	"github.com/zjrosen/delegate/internal/event"
)

// ErrDependenciesPending is the distinguished gating error:
// SetupWorktree refuses until every depends_on task is terminal. The
// scheduler retries gated tasks on each tick.
var ErrDependenciesPending = errs.User(errs.CodeDepsPending,
	"task has unresolved dependencies")

// Effects is the host interface behind the Context surface. The daemon
// wires it to the worktree manager, the merge queue, the mailbox, and
// the task repository. Stages never see it directly.
type Effects interface {
	// SetupWorktree provisions the task's worktrees, capturing base
	// SHAs. Must return ErrDependenciesPending (wrapped or not) while
	// any dependency is non-terminal.
	SetupWorktree(c *Context, task *domain.Task) error
	// TeardownWorktree removes the task's worktrees and branch.
	TeardownWorktree(c *Context, task *domain.Task) error
	// CreateReview opens a new review attempt record.
	CreateReview(c *Context, task *domain.Task, reviewer string) error
	// EnqueueMerge marks the task for the serialized merge worker.
	EnqueueMerge(c *Context, task *domain.Task) error
	// RunScript executes a command inside the task's first worktree.
	RunScript(c *Context, task *domain.Task, command string) (string, error)
	// SendMessage routes a message and appends it to the event log.
	SendMessage(c *Context, sender, recipient, body string, taskID *int64) error
	// SetStatus writes the task's stage key.
	SetStatus(c *Context, task *domain.Task, status, detail string) error
	// PickAgent returns the name of a team agent with the given role,
	// "" when none exists. Used by Assign hooks.
	PickAgent(c *Context, teamID string, role domain.Role) string
	// ApprovalPolicy reports whether every repo of the task is on auto
	// approval.
	ApprovalPolicy(c *Context, task *domain.Task) (domain.ApprovalPolicy, error)
}

// Context is the only legal side-effect surface for stage hooks. It is
// valid for the duration of one transition transaction: DB effects run
// inside Tx, and emitted events publish only after commit.
type Context struct {
	Ctx      context.Context
	Tx       *sql.Tx
	Recorder *event.Recorder
	TeamID   string

	effects   Effects
	followups []Event
}

// Defer schedules an event to be dispatched to the same task after the
// current transition commits. Stages use it to chain transitions (e.g.
// auto-approval) without nesting transactions.
func (c *Context) Defer(ev Event) {
	c.followups = append(c.followups, ev)
}

// SetupWorktree provisions worktrees for the task.
func (c *Context) SetupWorktree(task *domain.Task) error {
	return c.effects.SetupWorktree(c, task)
}

// TeardownWorktree removes the task's worktrees.
func (c *Context) TeardownWorktree(task *domain.Task) error {
	return c.effects.TeardownWorktree(c, task)
}

// CreateReview opens a review attempt.
func (c *Context) CreateReview(task *domain.Task, reviewer string) error {
	return c.effects.CreateReview(c, task, reviewer)
}

// EnqueueMerge hands the task to the merge worker.
func (c *Context) EnqueueMerge(task *domain.Task) error {
	return c.effects.EnqueueMerge(c, task)
}

// RunScript executes a command inside the task's worktree.
func (c *Context) RunScript(task *domain.Task, command string) (string, error) {
	return c.effects.RunScript(c, task, command)
}

// SendMessage routes a message to a mailbox.
func (c *Context) SendMessage(sender, recipient, body string, taskID *int64) error {
	return c.effects.SendMessage(c, sender, recipient, body, taskID)
}

// SetStatus writes the task's stage key.
func (c *Context) SetStatus(task *domain.Task, status, detail string) error {
	return c.effects.SetStatus(c, task, status, detail)
}

// PickAgent selects a team agent by role for Assign hooks.
func (c *Context) PickAgent(teamID string, role domain.Role) string {
	return c.effects.PickAgent(c, teamID, role)
}

// ApprovalPolicy reports the effective approval policy of the task.
func (c *Context) ApprovalPolicy(task *domain.Task) (domain.ApprovalPolicy, error) {
	return c.effects.ApprovalPolicy(c, task)
}
