// Package toolserver is the in-process tool surface agents act
// through. Tools execute inside the daemon with the calling agent's
// identity baked into the handler closure, so an agent can never speak
// for another. Every handler runs behind the sandbox tool boundary and
// state-changing calls leave a tool_result audit message.
package toolserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/zjrosen/delegate/internal/domain"
	"github.com/zjrosen/delegate/internal/errs"
	"github.com/zjrosen/delegate/internal/event"
	"github.com/zjrosen/delegate/internal/home"
	"github.com/zjrosen/delegate/internal/log"
	"github.com/zjrosen/delegate/internal/modelsession"
	"github.com/zjrosen/delegate/internal/sandbox"
	"github.com/zjrosen/delegate/internal/storage/sqlite"
	"github.com/zjrosen/delegate/internal/workflow"
)

// TurnCanceller interrupts an agent's in-flight turn. Implemented by
// the scheduler.
type TurnCanceller interface {
	CancelTurn(teamID, agent string)
}

// Server builds per-agent dispatchers over the shared daemon state.
type Server struct {
	h         *home.Home
	store     *sqlite.Store
	bus       *event.Bus
	engine    *workflow.Engine
	sandboxes *sandbox.Registry
	canceller TurnCanceller
}

// NewServer creates a tool server.
func NewServer(h *home.Home, store *sqlite.Store, bus *event.Bus, engine *workflow.Engine,
	sandboxes *sandbox.Registry, canceller TurnCanceller) *Server {
	return &Server{h: h, store: store, bus: bus, engine: engine, sandboxes: sandboxes, canceller: canceller}
}

// For returns the dispatcher bound to one agent.
func (s *Server) For(team *domain.Team, agent *domain.Agent) modelsession.ToolDispatcher {
	return &dispatcher{srv: s, team: team, agent: agent}
}

// handler executes one tool call. stateChanging marks calls with
// observable side effects, which feed the scheduler's progress
// tracking.
type handler struct {
	def           modelsession.ToolDef
	stateChanging bool
	run           func(ctx context.Context, args json.RawMessage) (string, error)
}

type dispatcher struct {
	srv   *Server
	team  *domain.Team
	agent *domain.Agent
}

// Tools lists the definitions this agent may see. The sandbox tool
// layer filters again at session creation; this is the inner boundary.
func (d *dispatcher) Tools() []modelsession.ToolDef {
	handlers := d.handlers()
	defs := make([]modelsession.ToolDef, 0, len(handlers))
	for _, h := range handlers {
		if d.allowed(h.def.Name) {
			defs = append(defs, h.def)
		}
	}
	return defs
}

// Call dispatches one tool invocation.
func (d *dispatcher) Call(ctx context.Context, name string, args json.RawMessage) (string, bool, error) {
	if !d.allowed(name) {
		err := errs.Sandbox(errs.CodeToolDenied, "tool %q is not available to agent %s", name, d.agent.Name)
		d.recordDenial(name, err)
		return "", false, err
	}
	for _, h := range d.handlers() {
		if h.def.Name != name {
			continue
		}
		result, err := h.run(ctx, args)
		if err != nil {
			log.Warn(log.CatTool, "tool call failed",
				"team", d.team.Name, "agent", d.agent.Name, "tool", name, "error", err)
			return "", false, err
		}
		log.Debug(log.CatTool, "tool call",
			"team", d.team.Name, "agent", d.agent.Name, "tool", name, "state_changing", h.stateChanging)
		if h.stateChanging {
			d.recordToolResult(name, result)
		}
		return result, h.stateChanging, nil
	}
	return "", false, errs.User(errs.CodeBadRequest, "unknown tool %q", name)
}

func (d *dispatcher) allowed(name string) bool {
	if cfg, ok := d.srv.sandboxes.Lookup(d.team.ID, d.agent.Name); ok {
		return cfg.ToolAllowed(name)
	}
	return true
}

// recordToolResult persists the audit trail of a side-effecting call.
// The message is born read so the scheduler never delivers it back.
func (d *dispatcher) recordToolResult(tool, result string) {
	err := d.srv.store.WithTx(func(tx *sql.Tx) error {
		msg := &domain.Message{
			TeamID:    d.team.ID,
			Sender:    d.agent.Name,
			Recipient: d.agent.Name,
			Kind:      domain.KindToolResult,
			Body:      fmt.Sprintf("%s: %s", tool, result),
			Read:      true,
			CreatedAt: time.Now().UTC(),
		}
		return d.srv.store.Messages.Create(tx, msg)
	})
	if err != nil {
		log.ErrorErr(log.CatTool, "tool_result record failed", err, "tool", tool)
	}
}

// --- tool handlers ---

func (d *dispatcher) handlers() []handler {
	return []handler{
		{
			def: modelsession.ToolDef{
				Name:        "mailbox_send",
				Description: "Send a message to a teammate or a human (address humans as human:<name>).",
				InputSchema: schema(map[string]any{
					"recipient": prop("string", "Recipient name"),
					"body":      prop("string", "Message body"),
					"task_id":   prop("integer", "Related task id, optional"),
				}, "recipient", "body"),
			},
			stateChanging: true,
			run:           d.mailboxSend,
		},
		{
			def: modelsession.ToolDef{
				Name:        "mailbox_inbox",
				Description: "List your recent messages, newest last.",
				InputSchema: schema(map[string]any{
					"limit": prop("integer", "Maximum messages to return (default 20)"),
				}),
			},
			run: d.mailboxInbox,
		},
		{
			def: modelsession.ToolDef{
				Name:        "task_create",
				Description: "Create a task. Repos must be registered team repos; depends_on are existing task ids.",
				InputSchema: schema(map[string]any{
					"title":       prop("string", "Short task title"),
					"description": prop("string", "Full task description"),
					"repos":       arrayProp("string", "Repos the task will touch"),
					"depends_on":  arrayProp("integer", "Prerequisite task ids"),
					"priority":    prop("integer", "Priority, higher is more urgent"),
					"reviewer":    prop("string", "Preferred reviewer, optional"),
				}, "title", "description"),
			},
			stateChanging: true,
			run:           d.taskCreate,
		},
		{
			def: modelsession.ToolDef{
				Name:        "task_list",
				Description: "List the team's tasks, optionally filtered by status.",
				InputSchema: schema(map[string]any{
					"status": prop("string", "Filter by stage key, optional"),
				}),
			},
			run: d.taskList,
		},
		{
			def: modelsession.ToolDef{
				Name:        "task_show",
				Description: "Show one task in full, including dependencies and review history.",
				InputSchema: schema(map[string]any{
					"task_id": prop("integer", "Task id"),
				}, "task_id"),
			},
			run: d.taskShow,
		},
		{
			def: modelsession.ToolDef{
				Name:        "task_assign",
				Description: "Assign a task to an agent and start work on it.",
				InputSchema: schema(map[string]any{
					"task_id":  prop("integer", "Task id"),
					"assignee": prop("string", "Agent name"),
				}, "task_id", "assignee"),
			},
			stateChanging: true,
			run:           d.taskAssign,
		},
		{
			def: modelsession.ToolDef{
				Name: "task_status",
				Description: "Advance a task's workflow: work_completed when your branch is ready for review; " +
					"review_approved or review_changes_requested when you finish a review (include a summary).",
				InputSchema: schema(map[string]any{
					"task_id": prop("integer", "Task id"),
					"event":   prop("string", "One of work_started, work_completed, review_approved, review_changes_requested"),
					"summary": prop("string", "Review summary, required for review events"),
				}, "task_id", "event"),
			},
			stateChanging: true,
			run:           d.taskStatus,
		},
		{
			def: modelsession.ToolDef{
				Name:        "task_comment",
				Description: "Leave a comment on a task. Delivered to the task's DRI and assignee.",
				InputSchema: schema(map[string]any{
					"task_id": prop("integer", "Task id"),
					"body":    prop("string", "Comment body"),
				}, "task_id", "body"),
			},
			stateChanging: true,
			run:           d.taskComment,
		},
		{
			def: modelsession.ToolDef{
				Name:        "task_cancel",
				Description: "Cancel a task. Cancelling an already-finished task does nothing.",
				InputSchema: schema(map[string]any{
					"task_id": prop("integer", "Task id"),
					"reason":  prop("string", "Why the task is cancelled"),
				}, "task_id"),
			},
			stateChanging: true,
			run:           d.taskCancel,
		},
		{
			def: modelsession.ToolDef{
				Name:        "task_attach",
				Description: "Attach a file path to a task for reviewers and humans.",
				InputSchema: schema(map[string]any{
					"task_id": prop("integer", "Task id"),
					"path":    prop("string", "File path inside the team directory"),
				}, "task_id", "path"),
			},
			stateChanging: true,
			run:           d.taskAttach,
		},
		{
			def: modelsession.ToolDef{
				Name:        "task_detach",
				Description: "Remove an attachment from a task.",
				InputSchema: schema(map[string]any{
					"task_id": prop("integer", "Task id"),
					"path":    prop("string", "Attachment path to remove"),
				}, "task_id", "path"),
			},
			stateChanging: true,
			run:           d.taskDetach,
		},
		{
			def: modelsession.ToolDef{
				Name:        "repo_list",
				Description: "List the team's registered repositories.",
				InputSchema: schema(map[string]any{}),
			},
			run: d.repoList,
		},
		{
			def: modelsession.ToolDef{
				Name: "bash",
				Description: "Run a shell command inside your sandbox. Runs in your agent directory, " +
					"or in a task worktree when task_id is set.",
				InputSchema: schema(map[string]any{
					"command": prop("string", "Shell command to run"),
					"task_id": prop("integer", "Run inside this task's worktree, optional"),
					"repo":    prop("string", "Worktree repo when the task spans several, optional"),
				}, "command"),
			},
			stateChanging: true,
			run:           d.bash,
		},
		{
			def: modelsession.ToolDef{
				Name: "file_write",
				Description: "Write a file. Relative paths resolve against the team directory; " +
					"writes outside your allowed paths are denied.",
				InputSchema: schema(map[string]any{
					"path":    prop("string", "Target file path"),
					"content": prop("string", "Full file content"),
				}, "path", "content"),
			},
			stateChanging: true,
			run:           d.fileWrite,
		},
		{
			def: modelsession.ToolDef{
				Name:        "file_edit",
				Description: "Replace the first occurrence of old_text with new_text in an existing file.",
				InputSchema: schema(map[string]any{
					"path":     prop("string", "Target file path"),
					"old_text": prop("string", "Exact text to replace"),
					"new_text": prop("string", "Replacement text"),
				}, "path", "old_text", "new_text"),
			},
			stateChanging: true,
			run:           d.fileEdit,
		},
	}
}

type mailboxSendArgs struct {
	Recipient string `json:"recipient"`
	Body      string `json:"body"`
	TaskID    *int64 `json:"task_id"`
}

func (d *dispatcher) mailboxSend(ctx context.Context, raw json.RawMessage) (string, error) {
	var args mailboxSendArgs
	if err := decode(raw, &args); err != nil {
		return "", err
	}
	if strings.TrimSpace(args.Body) == "" {
		return "", errs.User(errs.CodeBadRequest, "message body is empty")
	}
	msg := &domain.Message{
		TeamID:    d.team.ID,
		Sender:    d.agent.Name,
		Recipient: args.Recipient,
		Kind:      domain.KindChat,
		Body:      args.Body,
		TaskID:    args.TaskID,
		CreatedAt: time.Now().UTC(),
	}
	rec := d.srv.bus.Recorder()
	err := d.srv.store.WithTx(func(tx *sql.Tx) error {
		if err := d.srv.store.Messages.Create(tx, msg); err != nil {
			return err
		}
		return rec.Emit(tx, d.team.ID, event.KindMessageSent, map[string]any{
			"message_id": msg.ID, "sender": msg.Sender, "recipient": msg.Recipient,
		})
	})
	if err != nil {
		return "", err
	}
	rec.Flush()
	return fmt.Sprintf("sent message %d to %s", msg.ID, args.Recipient), nil
}

func (d *dispatcher) mailboxInbox(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Limit int `json:"limit"`
	}
	if err := decode(raw, &args); err != nil {
		return "", err
	}
	if args.Limit <= 0 {
		args.Limit = 20
	}
	msgs, err := d.srv.store.Messages.ListByTeam(d.team.ID, 0)
	if err != nil {
		return "", err
	}
	var mine []*domain.Message
	for _, m := range msgs {
		if m.Recipient == d.agent.Name || m.Sender == d.agent.Name {
			mine = append(mine, m)
		}
	}
	if len(mine) > args.Limit {
		mine = mine[len(mine)-args.Limit:]
	}
	var b strings.Builder
	for _, m := range mine {
		fmt.Fprintf(&b, "[%d] %s -> %s: %s\n", m.ID, m.Sender, m.Recipient, m.Body)
	}
	if b.Len() == 0 {
		return "no messages", nil
	}
	return b.String(), nil
}

type taskCreateArgs struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Repos       []string `json:"repos"`
	DependsOn   []int64  `json:"depends_on"`
	Priority    int      `json:"priority"`
	Reviewer    string   `json:"reviewer"`
}

func (d *dispatcher) taskCreate(ctx context.Context, raw json.RawMessage) (string, error) {
	var args taskCreateArgs
	if err := decode(raw, &args); err != nil {
		return "", err
	}
	if strings.TrimSpace(args.Title) == "" {
		return "", errs.User(errs.CodeBadRequest, "task title is empty")
	}
	for _, repoName := range args.Repos {
		if _, err := d.srv.store.Repos.Get(d.srv.store.DB(), d.team.ID, repoName); err != nil {
			return "", err
		}
	}
	task := &domain.Task{
		TeamID:          d.team.ID,
		Title:           args.Title,
		Description:     args.Description,
		Priority:        args.Priority,
		Status:          domain.StatusTodo,
		DRI:             d.agent.Name,
		Reviewer:        args.Reviewer,
		DependsOn:       args.DependsOn,
		Repos:           args.Repos,
		ApprovalStatus:  domain.ApprovalPending,
		WorkflowName:    workflow.DefaultName,
		WorkflowVersion: d.srv.engine.Registry().LatestVersion(workflow.DefaultName),
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	rec := d.srv.bus.Recorder()
	err := d.srv.store.WithTx(func(tx *sql.Tx) error {
		if err := d.srv.store.Tasks.Create(tx, d.team.Name, task); err != nil {
			return err
		}
		return rec.Emit(tx, d.team.ID, event.KindTaskCreated, map[string]any{
			"task_id": task.ID, "title": task.Title, "dri": task.DRI,
		})
	})
	if err != nil {
		return "", err
	}
	rec.Flush()
	return fmt.Sprintf("created %s on branch %s", task.Key(), task.Branch), nil
}

func (d *dispatcher) taskList(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Status string `json:"status"`
	}
	if err := decode(raw, &args); err != nil {
		return "", err
	}
	var tasks []*domain.Task
	var err error
	if args.Status != "" {
		tasks, err = d.srv.store.Tasks.ListByStatus(d.team.ID, args.Status)
	} else {
		tasks, err = d.srv.store.Tasks.ListByTeam(d.srv.store.DB(), d.team.ID)
	}
	if err != nil {
		return "", err
	}
	if len(tasks) == 0 {
		return "no tasks", nil
	}
	var b strings.Builder
	for _, t := range tasks {
		fmt.Fprintf(&b, "%s [%s] %s", t.Key(), t.Status, t.Title)
		if t.Assignee != "" {
			fmt.Fprintf(&b, " (assignee: %s)", t.Assignee)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

func (d *dispatcher) taskShow(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		TaskID int64 `json:"task_id"`
	}
	if err := decode(raw, &args); err != nil {
		return "", err
	}
	task, err := d.taskInTeam(args.TaskID)
	if err != nil {
		return "", err
	}
	reviews, err := d.srv.store.Reviews.ListByTask(task.ID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s\n", task.Key(), task.Status, task.Title)
	fmt.Fprintf(&b, "dri: %s  assignee: %s  reviewer: %s  priority: %d\n",
		task.DRI, task.Assignee, task.Reviewer, task.Priority)
	fmt.Fprintf(&b, "branch: %s  repos: %s\n", task.Branch, strings.Join(task.Repos, ", "))
	if len(task.DependsOn) > 0 {
		b.WriteString("depends on:")
		for _, dep := range task.DependsOn {
			fmt.Fprintf(&b, " %s", domain.TaskKey(dep))
		}
		b.WriteString("\n")
	}
	if task.StatusDetail != "" {
		fmt.Fprintf(&b, "detail: %s\n", task.StatusDetail)
	}
	fmt.Fprintf(&b, "\n%s\n", task.Description)
	for _, rv := range reviews {
		fmt.Fprintf(&b, "\nreview attempt %d by %s: %s\n%s\n", rv.Attempt, rv.Reviewer, rv.Decision, rv.Summary)
	}
	return b.String(), nil
}

func (d *dispatcher) taskAssign(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		TaskID   int64  `json:"task_id"`
		Assignee string `json:"assignee"`
	}
	if err := decode(raw, &args); err != nil {
		return "", err
	}
	task, err := d.taskInTeam(args.TaskID)
	if err != nil {
		return "", err
	}
	if domain.TerminalStatus(task.Status) {
		return "", errs.User(errs.CodeBadRequest, "task %s is already %s", task.Key(), task.Status)
	}
	if _, err := d.srv.store.Agents.Get(d.team.ID, args.Assignee); err != nil {
		return "", err
	}
	if err := d.srv.store.WithTx(func(tx *sql.Tx) error {
		return d.srv.store.Tasks.SetAssignee(tx, task.ID, args.Assignee)
	}); err != nil {
		return "", err
	}

	if task.Status == domain.StatusTodo {
		err := d.srv.engine.Dispatch(ctx, task.ID, workflow.Event{Kind: workflow.EventWorkStarted, Actor: d.agent.Name})
		if errs.IsKind(err, errs.KindUser) && errs.CodeOf(err) == errs.CodeDepsPending {
			return fmt.Sprintf("assigned %s to %s; work starts once its dependencies finish", task.Key(), args.Assignee), nil
		}
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("assigned %s to %s", task.Key(), args.Assignee), nil
}

func (d *dispatcher) taskStatus(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		TaskID  int64  `json:"task_id"`
		Event   string `json:"event"`
		Summary string `json:"summary"`
	}
	if err := decode(raw, &args); err != nil {
		return "", err
	}
	task, err := d.taskInTeam(args.TaskID)
	if err != nil {
		return "", err
	}

	switch args.Event {
	case workflow.EventWorkStarted, workflow.EventWorkCompleted:
	case workflow.EventReviewApproved, workflow.EventChangesRequested:
		if err := d.recordDecision(task, args.Event, args.Summary); err != nil {
			return "", err
		}
	default:
		return "", errs.User(errs.CodeBadRequest,
			"event %q is not available through task_status", args.Event)
	}

	if err := d.srv.engine.Dispatch(ctx, task.ID, workflow.Event{
		Kind: args.Event, Actor: d.agent.Name, Detail: args.Summary,
	}); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s: %s applied", task.Key(), args.Event), nil
}

// recordDecision stamps the latest open review attempt with the
// reviewer's verdict.
func (d *dispatcher) recordDecision(task *domain.Task, eventKind, summary string) error {
	decision := domain.DecisionApproved
	if eventKind == workflow.EventChangesRequested {
		decision = domain.DecisionChangesRequested
	}
	return d.srv.store.WithTx(func(tx *sql.Tx) error {
		return d.srv.store.Reviews.Create(tx, &domain.Review{
			TaskID:    task.ID,
			Reviewer:  d.agent.Name,
			Summary:   summary,
			Decision:  decision,
			CreatedAt: time.Now().UTC(),
		})
	})
}

func (d *dispatcher) taskComment(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		TaskID int64  `json:"task_id"`
		Body   string `json:"body"`
	}
	if err := decode(raw, &args); err != nil {
		return "", err
	}
	task, err := d.taskInTeam(args.TaskID)
	if err != nil {
		return "", err
	}
	recipients := map[string]bool{}
	if task.DRI != "" && task.DRI != d.agent.Name {
		recipients[task.DRI] = true
	}
	if task.Assignee != "" && task.Assignee != d.agent.Name {
		recipients[task.Assignee] = true
	}
	rec := d.srv.bus.Recorder()
	err = d.srv.store.WithTx(func(tx *sql.Tx) error {
		for recipient := range recipients {
			msg := &domain.Message{
				TeamID:    d.team.ID,
				Sender:    d.agent.Name,
				Recipient: recipient,
				Kind:      domain.KindChat,
				Body:      args.Body,
				TaskID:    &task.ID,
				CreatedAt: time.Now().UTC(),
			}
			if err := d.srv.store.Messages.Create(tx, msg); err != nil {
				return err
			}
		}
		return rec.Emit(tx, d.team.ID, event.KindTaskUpdated, map[string]any{
			"task_id": task.ID, "comment_by": d.agent.Name,
		})
	})
	if err != nil {
		return "", err
	}
	rec.Flush()
	return fmt.Sprintf("commented on %s", task.Key()), nil
}

func (d *dispatcher) taskCancel(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		TaskID int64  `json:"task_id"`
		Reason string `json:"reason"`
	}
	if err := decode(raw, &args); err != nil {
		return "", err
	}
	task, err := d.taskInTeam(args.TaskID)
	if err != nil {
		return "", err
	}
	if domain.TerminalStatus(task.Status) {
		return fmt.Sprintf("%s is already %s; nothing to cancel", task.Key(), task.Status), nil
	}
	if err := d.srv.engine.Dispatch(ctx, task.ID, workflow.Event{
		Kind: workflow.EventCancelRequested, Actor: d.agent.Name, Detail: args.Reason,
	}); err != nil {
		return "", err
	}
	if task.Assignee != "" && d.srv.canceller != nil {
		d.srv.canceller.CancelTurn(d.team.ID, task.Assignee)
	}
	return fmt.Sprintf("cancelled %s", task.Key()), nil
}

func (d *dispatcher) taskAttach(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		TaskID int64  `json:"task_id"`
		Path   string `json:"path"`
	}
	if err := decode(raw, &args); err != nil {
		return "", err
	}
	task, err := d.taskInTeam(args.TaskID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(args.Path) == "" {
		return "", errs.User(errs.CodeBadRequest, "attachment path is empty")
	}
	if err := d.srv.store.WithTx(func(tx *sql.Tx) error {
		return d.srv.store.Tasks.AddAttachment(tx, task.ID, args.Path)
	}); err != nil {
		return "", err
	}
	return fmt.Sprintf("attached %s to %s", args.Path, task.Key()), nil
}

func (d *dispatcher) taskDetach(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		TaskID int64  `json:"task_id"`
		Path   string `json:"path"`
	}
	if err := decode(raw, &args); err != nil {
		return "", err
	}
	task, err := d.taskInTeam(args.TaskID)
	if err != nil {
		return "", err
	}
	if err := d.srv.store.WithTx(func(tx *sql.Tx) error {
		return d.srv.store.Tasks.RemoveAttachment(tx, task.ID, args.Path)
	}); err != nil {
		return "", err
	}
	return fmt.Sprintf("detached %s from %s", args.Path, task.Key()), nil
}

func (d *dispatcher) repoList(ctx context.Context, raw json.RawMessage) (string, error) {
	repos, err := d.srv.store.Repos.ListByTeam(d.team.ID)
	if err != nil {
		return "", err
	}
	if len(repos) == 0 {
		return "no repos registered", nil
	}
	var b strings.Builder
	for _, r := range repos {
		fmt.Fprintf(&b, "%s -> %s (target: %s, approval: %s)\n", r.Name, r.Path, r.TargetBranch, r.ApprovalPolicy)
	}
	return b.String(), nil
}

// taskInTeam loads a task and rejects cross-team access.
func (d *dispatcher) taskInTeam(id int64) (*domain.Task, error) {
	task, err := d.srv.store.Tasks.Get(id)
	if err != nil {
		return nil, err
	}
	if task.TeamID != d.team.ID {
		return nil, errs.User(errs.CodeTaskNotFound, "task %s not found", domain.TaskKey(id))
	}
	return task, nil
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errs.User(errs.CodeBadRequest, "invalid tool arguments: %v", err)
	}
	return nil
}

// --- JSON schema helpers ---

func schema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

func arrayProp(itemType, desc string) map[string]any {
	return map[string]any{
		"type":        "array",
		"description": desc,
		"items":       map[string]any{"type": itemType},
	}
}
