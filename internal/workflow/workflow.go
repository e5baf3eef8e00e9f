// Package workflow implements the customizable task stage machine.
// A workflow is data: a name, a version, an ordered list of Stage
// implementations, and a transition table keyed by (stage, event kind).
// Stages act only through the Context side-effect surface; they never
// call git, the DB, or the file system directly.
package workflow

import (
	"fmt"
	"sync"

	"github.com/zjrosen/delegate/internal/domain"
)

// Event is a workflow-level occurrence a stage may react to.
type Event struct {
	Kind    string
	Actor   string // agent or human who caused it
	Detail  string // freeform, e.g. rejection reason or failure cause
	Payload map[string]any
}

// Workflow event kinds.
const (
	EventWorkStarted      = "work_started"
	EventWorkCompleted    = "work_completed"
	EventReviewApproved   = "review_approved"
	EventChangesRequested = "review_changes_requested"
	EventApprovalGranted  = "approval_granted"
	EventApprovalRejected = "approval_rejected"
	EventMergeSucceeded   = "merge_succeeded"
	EventMergeFailed      = "merge_failed"
	EventCancelRequested  = "cancel_requested"
	EventRetryRequested   = "retry_requested"
)

// Stage is one node in a workflow. Hooks are invoked by the engine
// inside the transition transaction.
type Stage interface {
	// Key is the stable stage identifier stored on tasks.
	Key() string
	// Label is the human display name.
	Label() string
	// Enter is called once on arrival in this stage.
	Enter(ctx *Context, task *domain.Task) error
	// Exit is called on departure.
	Exit(ctx *Context, task *domain.Task) error
	// Assign chooses the next assignee; "" leaves the task unassigned.
	Assign(ctx *Context, task *domain.Task) (string, error)
	// Action reacts to events while the task sits in this stage.
	Action(ctx *Context, task *domain.Task, event Event) error
}

// transitionKey indexes the adjacency table.
type transitionKey struct {
	from  string
	event string
}

// Workflow is a named, versioned stage machine.
type Workflow struct {
	Name        string
	Version     int
	stages      []Stage
	byKey       map[string]Stage
	transitions map[transitionKey]string
}

// New creates a workflow from an ordered stage list.
func New(name string, version int, stages ...Stage) *Workflow {
	w := &Workflow{
		Name:        name,
		Version:     version,
		stages:      stages,
		byKey:       make(map[string]Stage, len(stages)),
		transitions: make(map[transitionKey]string),
	}
	for _, s := range stages {
		w.byKey[s.Key()] = s
	}
	return w
}

// AddTransition declares that event moves tasks from one stage key to
// another.
func (w *Workflow) AddTransition(from, event, to string) *Workflow {
	w.transitions[transitionKey{from: from, event: event}] = to
	return w
}

// Stage resolves a stage by key.
func (w *Workflow) Stage(key string) (Stage, bool) {
	s, ok := w.byKey[key]
	return s, ok
}

// Stages returns the ordered stage list.
func (w *Workflow) Stages() []Stage { return w.stages }

// Target returns the destination stage for (from, event), if declared.
func (w *Workflow) Target(from, event string) (string, bool) {
	to, ok := w.transitions[transitionKey{from: from, event: event}]
	return to, ok
}

// Registry holds registered workflows by name and version. Stored
// tasks carry (workflow_name, workflow_version); resolution always
// uses the stamped pair, so live edits never retroactively affect
// in-flight tasks.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow // "name@version"
	latest    map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workflows: make(map[string]*Workflow),
		latest:    make(map[string]int),
	}
}

func regKey(name string, version int) string {
	return fmt.Sprintf("%s@%d", name, version)
}

// Register adds a workflow. Re-registering an existing name+version is
// an error: stage definitions must stay backward-compatible.
func (r *Registry) Register(w *Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := regKey(w.Name, w.Version)
	if _, exists := r.workflows[key]; exists {
		return fmt.Errorf("workflow %s already registered", key)
	}
	r.workflows[key] = w
	if w.Version > r.latest[w.Name] {
		r.latest[w.Name] = w.Version
	}
	return nil
}

// Resolve returns the workflow a task was stamped with.
func (r *Registry) Resolve(name string, version int) (*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workflows[regKey(name, version)]
	if !ok {
		return nil, fmt.Errorf("workflow %s@%d not registered", name, version)
	}
	return w, nil
}

// LatestVersion returns the newest registered version of a workflow
// name, 0 when unknown. New tasks are stamped with this.
func (r *Registry) LatestVersion(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest[name]
}
