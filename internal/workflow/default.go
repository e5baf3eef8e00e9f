package workflow

import (
	"fmt"

	"github.com/zjrosen/delegate/internal/domain"
)

// DefaultName is the workflow stamped on tasks created without an
// explicit one.
const DefaultName = "default"

// systemSender attributes workflow-originated messages.
const systemSender = "system"

// baseStage provides no-op hooks; concrete stages override what they
// need.
type baseStage struct {
	key   string
	label string
}

func (s baseStage) Key() string   { return s.key }
func (s baseStage) Label() string { return s.label }

func (s baseStage) Enter(*Context, *domain.Task) error { return nil }
func (s baseStage) Exit(*Context, *domain.Task) error  { return nil }
func (s baseStage) Assign(*Context, *domain.Task) (string, error) {
	return "", nil
}
func (s baseStage) Action(*Context, *domain.Task, Event) error { return nil }

// todoStage holds newly created tasks until work starts. No worktree
// exists here.
type todoStage struct{ baseStage }

func (s todoStage) Assign(c *Context, task *domain.Task) (string, error) {
	if task.Assignee != "" {
		return task.Assignee, nil
	}
	return c.PickAgent(task.TeamID, domain.RoleEngineer), nil
}

// inProgressStage provisions the worktree on entry. Worktree creation
// refuses while dependencies are unresolved, which rolls the whole
// transition back; the scheduler retries on later ticks.
type inProgressStage struct{ baseStage }

func (s inProgressStage) Enter(c *Context, task *domain.Task) error {
	if len(task.Repos) > 0 && !task.HasWorktree() {
		if err := c.SetupWorktree(task); err != nil {
			return err
		}
	}
	if task.Assignee != "" {
		body := fmt.Sprintf("Task %s (%s) is ready for you. Worktree branch: %s",
			task.Key(), task.Title, task.Branch)
		return c.SendMessage(systemSender, task.Assignee, body, &task.ID)
	}
	return nil
}

func (s inProgressStage) Assign(c *Context, task *domain.Task) (string, error) {
	if task.Assignee != "" {
		return task.Assignee, nil
	}
	return c.PickAgent(task.TeamID, domain.RoleEngineer), nil
}

// inReviewStage opens a review attempt on entry and routes the task to
// a reviewer.
type inReviewStage struct{ baseStage }

func (s inReviewStage) Enter(c *Context, task *domain.Task) error {
	reviewer := task.Reviewer
	if reviewer == "" {
		reviewer = c.PickAgent(task.TeamID, domain.RoleReviewer)
	}
	if reviewer == "" {
		reviewer = c.PickAgent(task.TeamID, domain.RoleManager)
	}
	if err := c.CreateReview(task, reviewer); err != nil {
		return err
	}
	if reviewer != "" {
		body := fmt.Sprintf("Task %s (%s) is ready for review on branch %s.",
			task.Key(), task.Title, task.Branch)
		return c.SendMessage(systemSender, reviewer, body, &task.ID)
	}
	return nil
}

func (s inReviewStage) Assign(c *Context, task *domain.Task) (string, error) {
	if task.Reviewer != "" {
		return task.Reviewer, nil
	}
	if r := c.PickAgent(task.TeamID, domain.RoleReviewer); r != "" {
		return r, nil
	}
	return c.PickAgent(task.TeamID, domain.RoleManager), nil
}

// inApprovalStage waits for the human (or auto) approval decision.
type inApprovalStage struct{ baseStage }

func (s inApprovalStage) Enter(c *Context, task *domain.Task) error {
	policy, err := c.ApprovalPolicy(task)
	if err != nil {
		return err
	}
	if policy == domain.ApprovalAuto {
		c.Defer(Event{Kind: EventApprovalGranted, Actor: systemSender})
		return nil
	}
	if task.DRI != "" {
		body := fmt.Sprintf("Task %s (%s) passed review and awaits your approval.",
			task.Key(), task.Title)
		return c.SendMessage(systemSender, task.DRI, body, &task.ID)
	}
	return nil
}

// mergingStage hands the task to the serialized merge worker.
type mergingStage struct{ baseStage }

func (s mergingStage) Enter(c *Context, task *domain.Task) error {
	return c.EnqueueMerge(task)
}

// doneStage tears down the worktree and closes the loop with the DRI.
type doneStage struct{ baseStage }

func (s doneStage) Enter(c *Context, task *domain.Task) error {
	if task.HasWorktree() {
		if err := c.TeardownWorktree(task); err != nil {
			return err
		}
	}
	if task.DRI != "" {
		body := fmt.Sprintf("Task %s (%s) merged and completed.", task.Key(), task.Title)
		return c.SendMessage(systemSender, task.DRI, body, &task.ID)
	}
	return nil
}

// mergeFailedStage parks the task for an explicit retry, telling the
// DRI the concrete cause.
type mergeFailedStage struct{ baseStage }

func (s mergeFailedStage) Enter(c *Context, task *domain.Task) error {
	if task.DRI != "" {
		body := fmt.Sprintf("Task %s (%s) failed to merge: %s", task.Key(), task.Title, task.StatusDetail)
		return c.SendMessage(systemSender, task.DRI, body, &task.ID)
	}
	return nil
}

// rejectedStage is terminal; the worktree is discarded.
type rejectedStage struct{ baseStage }

func (s rejectedStage) Enter(c *Context, task *domain.Task) error {
	if task.HasWorktree() {
		if err := c.TeardownWorktree(task); err != nil {
			return err
		}
	}
	if task.Assignee != "" {
		body := fmt.Sprintf("Task %s was rejected: %s", task.Key(), task.RejectionReason)
		return c.SendMessage(systemSender, task.Assignee, body, &task.ID)
	}
	return nil
}

// cancelledStage is terminal; the worktree is discarded.
type cancelledStage struct{ baseStage }

func (s cancelledStage) Enter(c *Context, task *domain.Task) error {
	if task.HasWorktree() {
		return c.TeardownWorktree(task)
	}
	return nil
}

// Default builds version 1 of the default workflow:
// todo → in_progress → in_review → in_approval → merging → done, with
// branch targets rejected, merge_failed, and cancelled.
func Default() *Workflow {
	w := New(DefaultName, 1,
		todoStage{baseStage{domain.StatusTodo, "To Do"}},
		inProgressStage{baseStage{domain.StatusInProgress, "In Progress"}},
		inReviewStage{baseStage{domain.StatusInReview, "In Review"}},
		inApprovalStage{baseStage{domain.StatusInApproval, "In Approval"}},
		mergingStage{baseStage{domain.StatusMerging, "Merging"}},
		doneStage{baseStage{domain.StatusDone, "Done"}},
		mergeFailedStage{baseStage{domain.StatusMergeFailed, "Merge Failed"}},
		rejectedStage{baseStage{domain.StatusRejected, "Rejected"}},
		cancelledStage{baseStage{domain.StatusCancelled, "Cancelled"}},
	)

	w.AddTransition(domain.StatusTodo, EventWorkStarted, domain.StatusInProgress)
	w.AddTransition(domain.StatusInProgress, EventWorkCompleted, domain.StatusInReview)
	w.AddTransition(domain.StatusInReview, EventReviewApproved, domain.StatusInApproval)
	w.AddTransition(domain.StatusInReview, EventChangesRequested, domain.StatusInProgress)
	w.AddTransition(domain.StatusInApproval, EventApprovalGranted, domain.StatusMerging)
	w.AddTransition(domain.StatusInApproval, EventApprovalRejected, domain.StatusRejected)
	w.AddTransition(domain.StatusMerging, EventMergeSucceeded, domain.StatusDone)
	w.AddTransition(domain.StatusMerging, EventMergeFailed, domain.StatusMergeFailed)
	w.AddTransition(domain.StatusMergeFailed, EventRetryRequested, domain.StatusMerging)

	for _, stage := range []string{
		domain.StatusTodo, domain.StatusInProgress, domain.StatusInReview,
		domain.StatusInApproval, domain.StatusMergeFailed,
	} {
		w.AddTransition(stage, EventCancelRequested, domain.StatusCancelled)
	}
	return w
}
