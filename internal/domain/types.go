// Package domain holds the entity types shared across the daemon.
// Entities are plain structs keyed by stable identifiers: UUIDs for
// teams and agents, monotonically increasing integers for tasks,
// messages, reviews, and events. Cross-references are ids, never
// pointers; the database row is the canonical store.
package domain

import (
	"fmt"
	"time"
)

// Role determines an agent's capabilities and write-path set.
type Role string

const (
	RoleManager  Role = "manager"
	RoleEngineer Role = "engineer"
	RoleReviewer Role = "reviewer"
)

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	switch r {
	case RoleManager, RoleEngineer, RoleReviewer:
		return true
	}
	return false
}

// Team is a named isolation boundary. Identity is the UUID; the name is
// a display label only.
type Team struct {
	ID        string
	Name      string
	Charter   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Agent is a member of a team. Name is unique within the team.
type Agent struct {
	ID              string
	TeamID          string
	Name            string
	Role            Role
	Model           string
	LastHeartbeatAt *time.Time
	LastProgressAt  *time.Time
	CreatedAt       time.Time
}

// ApprovalPolicy controls whether merges require a human decision.
type ApprovalPolicy string

const (
	ApprovalHuman ApprovalPolicy = "human"
	ApprovalAuto  ApprovalPolicy = "auto"
)

// Repo is a registered git repository rooted outside the team
// directory and referenced by symlink.
type Repo struct {
	ID             int64
	TeamID         string
	Path           string
	Name           string
	TargetBranch   string
	PreMergeCmd    string
	ApprovalPolicy ApprovalPolicy
	CreatedAt      time.Time
}

// Task statuses. The set is open (workflows define their own stage
// keys); these are the keys of the default workflow.
const (
	StatusTodo        = "todo"
	StatusInProgress  = "in_progress"
	StatusInReview    = "in_review"
	StatusInApproval  = "in_approval"
	StatusMerging     = "merging"
	StatusDone        = "done"
	StatusRejected    = "rejected"
	StatusMergeFailed = "merge_failed"
	StatusCancelled   = "cancelled"
)

// TerminalStatus reports whether a status ends a task's lifecycle.
// merge_failed is not terminal: it may be retried.
func TerminalStatus(status string) bool {
	switch status {
	case StatusDone, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// ApprovalStatus values for a task.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// Task is the unit of work.
type Task struct {
	ID              int64
	TeamID          string
	Title           string
	Description     string
	Priority        int
	Status          string
	Assignee        string // agent name, "" when unassigned
	DRI             string // directly responsible individual, usually the requester
	Reviewer        string
	DependsOn       []int64
	Repos           []string // repo names within the team
	Branch          string
	BaseSHAs        map[string]string // repo name -> sha captured at worktree creation
	Attachments     []string
	ApprovalStatus  string
	RejectionReason string
	StatusDetail    string // e.g. merge failure cause
	WorkflowName    string
	WorkflowVersion int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// Key returns the task's display key, e.g. "T0042".
func (t *Task) Key() string { return TaskKey(t.ID) }

// TaskKey formats a task id as its display key.
func TaskKey(id int64) string { return fmt.Sprintf("T%04d", id) }

// BranchName returns the task branch for a team name.
func BranchName(teamName string, taskID int64) string {
	return fmt.Sprintf("delegate/%s/%s", teamName, TaskKey(taskID))
}

// HasWorktree reports whether base SHAs were captured, i.e. a worktree
// was provisioned.
func (t *Task) HasWorktree() bool { return len(t.BaseSHAs) > 0 }

// MessageKind distinguishes routed communication.
type MessageKind string

const (
	KindChat       MessageKind = "chat"
	KindEvent      MessageKind = "event"
	KindToolResult MessageKind = "tool_result"
)

// Message is addressed communication between agents or humans. It is
// both routed to the recipient mailbox and appended to the event log.
type Message struct {
	ID        int64
	TeamID    string
	Sender    string
	Recipient string
	Kind      MessageKind
	Body      string
	TaskID    *int64
	Read      bool
	CreatedAt time.Time
}

// HumanSender is the sender prefix for human-originated messages.
// Agents are addressed by bare name; humans by "human:<name>".
const HumanSenderPrefix = "human:"

// FromHuman reports whether the message was sent by a human. Human
// messages form exclusive turn batches so attribution is unambiguous.
func (m *Message) FromHuman() bool {
	return len(m.Sender) > len(HumanSenderPrefix) && m.Sender[:len(HumanSenderPrefix)] == HumanSenderPrefix
}

// ReviewDecision is the outcome of a review attempt.
type ReviewDecision string

const (
	DecisionApproved         ReviewDecision = "approved"
	DecisionChangesRequested ReviewDecision = "changes_requested"
)

// ReviewComment is one inline comment on a file.
type ReviewComment struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Body string `json:"body"`
}

// Review is an immutable record of one review attempt on a task.
type Review struct {
	ID        int64
	TaskID    int64
	Attempt   int
	Reviewer  string
	Summary   string
	Comments  []ReviewComment
	Decision  ReviewDecision
	CreatedAt time.Time
}

// Event is one append-only log entry. GlobalSeq is the installation
// order; TeamSeq is strictly monotonic within the team.
type Event struct {
	GlobalSeq int64
	TeamID    string
	TeamSeq   int64
	Kind      string
	Payload   string // JSON
	CreatedAt time.Time
}

// Member is a human identity stored under members/<name>.yaml.
type Member struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email,omitempty"`
}
