package workflow

import (
	"context"
	"database/sql"
	"sync"

	"github.com/zjrosen/delegate/internal/domain"
	"github.com/zjrosen/delegate/internal/event"
	"github.com/zjrosen/delegate/internal/log"
	"github.com/zjrosen/delegate/internal/storage/sqlite"
)

// Engine applies workflow events to tasks. Stage transitions are
// serialized per task by a per-task lock, and the exit hook, status
// write, and enter hook of a transition commit in one transaction or
// not at all.
type Engine struct {
	store    *sqlite.Store
	bus      *event.Bus
	registry *Registry
	effects  Effects

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewEngine creates an engine.
func NewEngine(store *sqlite.Store, bus *event.Bus, registry *Registry, effects Effects) *Engine {
	return &Engine{
		store:    store,
		bus:      bus,
		registry: registry,
		effects:  effects,
		locks:    make(map[int64]*sync.Mutex),
	}
}

// Registry exposes the workflow registry.
func (e *Engine) Registry() *Registry { return e.registry }

func (e *Engine) taskLock(id int64) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// Dispatch delivers one event to a task's current stage. The stage's
// Action hook runs first; if the transition table maps (stage, event)
// to a target, the transition is applied transactionally. An event
// with no matching transition and a no-op Action is ignored. Deferred
// follow-up events run after the lock is released.
func (e *Engine) Dispatch(ctx context.Context, taskID int64, ev Event) error {
	followups, err := e.dispatchOne(ctx, taskID, ev)
	if err != nil {
		return err
	}
	for _, f := range followups {
		if ferr := e.Dispatch(ctx, taskID, f); ferr != nil {
			log.ErrorErr(log.CatWorkflow, "deferred event failed", ferr,
				"task", domain.TaskKey(taskID), "event", f.Kind)
		}
	}
	return nil
}

func (e *Engine) dispatchOne(ctx context.Context, taskID int64, ev Event) ([]Event, error) {
	lock := e.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	rec := e.bus.Recorder()
	var followups []Event
	err := e.store.WithTx(func(tx *sql.Tx) error {
		task, err := e.store.Tasks.GetTx(tx, taskID)
		if err != nil {
			return err
		}
		wf, err := e.registry.Resolve(task.WorkflowName, task.WorkflowVersion)
		if err != nil {
			return err
		}
		stage, ok := wf.Stage(task.Status)
		if !ok {
			log.Warn(log.CatWorkflow, "task in unknown stage",
				"task", task.Key(), "stage", task.Status, "workflow", task.WorkflowName)
			return nil
		}

		c := &Context{Ctx: ctx, Tx: tx, Recorder: rec, TeamID: task.TeamID, effects: e.effects}

		if err := stage.Action(c, task, ev); err != nil {
			return err
		}

		if target, ok := wf.Target(task.Status, ev.Kind); ok {
			if err := e.transition(c, wf, task, stage, target, ev); err != nil {
				return err
			}
		}
		followups = c.followups
		return nil
	})
	if err != nil {
		return nil, err
	}
	rec.Flush()
	return followups, nil
}

// transition applies one stage change inside the open transaction.
func (e *Engine) transition(c *Context, wf *Workflow, task *domain.Task, from Stage, targetKey string, ev Event) error {
	target, ok := wf.Stage(targetKey)
	if !ok {
		log.Error(log.CatWorkflow, "transition to unknown stage",
			"task", task.Key(), "target", targetKey)
		return nil
	}

	if err := from.Exit(c, task); err != nil {
		return err
	}
	if err := c.SetStatus(task, target.Key(), ev.Detail); err != nil {
		return err
	}
	task.Status = target.Key()
	task.StatusDetail = ev.Detail

	if err := target.Enter(c, task); err != nil {
		return err
	}
	assignee, err := target.Assign(c, task)
	if err != nil {
		return err
	}
	if assignee != "" && assignee != task.Assignee {
		if err := e.store.Tasks.SetAssignee(c.Tx, task.ID, assignee); err != nil {
			return err
		}
		task.Assignee = assignee
		if err := c.Recorder.Emit(c.Tx, task.TeamID, event.KindTaskAssigned, map[string]any{
			"task_id": task.ID, "assignee": assignee,
		}); err != nil {
			return err
		}
	}

	log.Info(log.CatWorkflow, "stage transition",
		"task", task.Key(), "from", from.Key(), "to", target.Key(), "event", ev.Kind)
	return nil
}

// RetryGated re-dispatches work_started for todo tasks whose worktree
// creation was refused on dependency gating. Called by the scheduler
// each tick.
func (e *Engine) RetryGated(ctx context.Context, teamID string) {
	tasks, err := e.store.Tasks.ListByStatus(teamID, domain.StatusTodo)
	if err != nil {
		log.ErrorErr(log.CatWorkflow, "failed to list gated tasks", err)
		return
	}
	for _, task := range tasks {
		if task.Assignee == "" || len(task.Repos) == 0 {
			continue
		}
		resolved, err := e.store.Tasks.DependenciesResolved(e.store.DB(), task.ID)
		if err != nil || !resolved {
			continue
		}
		if err := e.Dispatch(ctx, task.ID, Event{Kind: EventWorkStarted, Actor: "scheduler"}); err != nil {
			log.ErrorErr(log.CatWorkflow, "gated retry failed", err, "task", task.Key())
		}
	}
}
