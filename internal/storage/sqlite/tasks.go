package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/delegate/internal/domain"
	"github.com/zjrosen/delegate/internal/errs"
)

// TaskRepository persists tasks and their dependency edges. Slice and
// map fields are stored JSON-encoded; dependencies live in their own
// table so gating queries stay relational.
type TaskRepository struct {
	db *sql.DB
}

const taskColumns = `id, team_id, title, description, priority, status, assignee, dri, reviewer,
	repos, branch, base_shas, attachments, approval_status, rejection_reason, status_detail,
	workflow_name, workflow_version, created_at, updated_at, completed_at`

func scanTask(scanner interface{ Scan(...any) error }) (*domain.Task, error) {
	var t domain.Task
	var repos, baseSHAs, attachments string
	err := scanner.Scan(&t.ID, &t.TeamID, &t.Title, &t.Description, &t.Priority,
		&t.Status, &t.Assignee, &t.DRI, &t.Reviewer,
		&repos, &t.Branch, &baseSHAs, &attachments,
		&t.ApprovalStatus, &t.RejectionReason, &t.StatusDetail,
		&t.WorkflowName, &t.WorkflowVersion,
		&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(repos), &t.Repos); err != nil {
		return nil, fmt.Errorf("failed to decode repos: %w", err)
	}
	if err := json.Unmarshal([]byte(baseSHAs), &t.BaseSHAs); err != nil {
		return nil, fmt.Errorf("failed to decode base_shas: %w", err)
	}
	if err := json.Unmarshal([]byte(attachments), &t.Attachments); err != nil {
		return nil, fmt.Errorf("failed to decode attachments: %w", err)
	}
	return &t, nil
}

func encodeJSON(v any) string {
	data, _ := json.Marshal(v)
	return string(data)
}

// Create inserts a task and its dependency edges inside tx, setting the
// task id and branch name.
func (r *TaskRepository) Create(tx DBTX, teamName string, task *domain.Task) error {
	if task.Repos == nil {
		task.Repos = []string{}
	}
	if task.BaseSHAs == nil {
		task.BaseSHAs = map[string]string{}
	}
	if task.Attachments == nil {
		task.Attachments = []string{}
	}
	result, err := tx.Exec(
		`INSERT INTO tasks (team_id, title, description, priority, status, assignee, dri, reviewer,
			repos, branch, base_shas, attachments, approval_status, rejection_reason, status_detail,
			workflow_name, workflow_version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.TeamID, task.Title, task.Description, task.Priority, task.Status,
		task.Assignee, task.DRI, task.Reviewer,
		encodeJSON(task.Repos), task.Branch, encodeJSON(task.BaseSHAs), encodeJSON(task.Attachments),
		task.ApprovalStatus, task.RejectionReason, task.StatusDetail,
		task.WorkflowName, task.WorkflowVersion, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get task id: %w", err)
	}
	task.ID = id
	task.Branch = domain.BranchName(teamName, id)
	if _, err := tx.Exec(`UPDATE tasks SET branch = ? WHERE id = ?`, task.Branch, id); err != nil {
		return fmt.Errorf("failed to set branch: %w", err)
	}
	for _, dep := range task.DependsOn {
		if _, err := tx.Exec(
			`INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)`, id, dep); err != nil {
			return fmt.Errorf("failed to insert dependency: %w", err)
		}
	}
	return nil
}

// Get retrieves a task with its dependencies.
func (r *TaskRepository) Get(id int64) (*domain.Task, error) {
	return r.get(r.db, id)
}

// GetTx retrieves a task inside an open transaction.
func (r *TaskRepository) GetTx(tx DBTX, id int64) (*domain.Task, error) {
	return r.get(tx, id)
}

func (r *TaskRepository) get(q DBTX, id int64) (*domain.Task, error) {
	task, err := scanTask(q.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.User(errs.CodeTaskNotFound, "task %s not found", domain.TaskKey(id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	task.DependsOn, err = r.dependencies(q, id)
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (r *TaskRepository) dependencies(q DBTX, id int64) ([]int64, error) {
	rows, err := q.Query(
		`SELECT depends_on_id FROM task_dependencies WHERE task_id = ? ORDER BY depends_on_id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}
	defer rows.Close()

	var deps []int64
	for rows.Next() {
		var dep int64
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// ListByTeam returns all tasks of a team ordered by id. q threads the
// live transaction through when one is open, since the pool holds a
// single connection.
func (r *TaskRepository) ListByTeam(q DBTX, teamID string) ([]*domain.Task, error) {
	rows, err := q.Query(
		`SELECT `+taskColumns+` FROM tasks WHERE team_id = ? ORDER BY id`, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if task.DependsOn, err = r.dependencies(q, task.ID); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// ListByStatus returns a team's tasks in the given status.
func (r *TaskRepository) ListByStatus(teamID, status string) ([]*domain.Task, error) {
	rows, err := r.db.Query(
		`SELECT `+taskColumns+` FROM tasks WHERE team_id = ? AND status = ? ORDER BY id`, teamID, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks by status: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if task.DependsOn, err = r.dependencies(r.db, task.ID); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// SetStatus writes the stage key and detail inside tx. Terminal stages
// also stamp completed_at.
func (r *TaskRepository) SetStatus(tx DBTX, id int64, status, detail string) error {
	var completed any
	if domain.TerminalStatus(status) {
		completed = time.Now().UTC()
	}
	_, err := tx.Exec(
		`UPDATE tasks SET status = ?, status_detail = ?, completed_at = COALESCE(?, completed_at),
			updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status, detail, completed, id,
	)
	if err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}
	return nil
}

// SetAssignee writes the assignee inside tx.
func (r *TaskRepository) SetAssignee(tx DBTX, id int64, assignee string) error {
	if _, err := tx.Exec(
		`UPDATE tasks SET assignee = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, assignee, id); err != nil {
		return fmt.Errorf("failed to set assignee: %w", err)
	}
	return nil
}

// SetReviewer writes the reviewer inside tx.
func (r *TaskRepository) SetReviewer(tx DBTX, id int64, reviewer string) error {
	if _, err := tx.Exec(
		`UPDATE tasks SET reviewer = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, reviewer, id); err != nil {
		return fmt.Errorf("failed to set reviewer: %w", err)
	}
	return nil
}

// SetApproval writes the approval outcome inside tx.
func (r *TaskRepository) SetApproval(tx DBTX, id int64, status, reason string) error {
	if _, err := tx.Exec(
		`UPDATE tasks SET approval_status = ?, rejection_reason = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status, reason, id); err != nil {
		return fmt.Errorf("failed to set approval: %w", err)
	}
	return nil
}

// SetBaseSHAs captures the per-repo base commits. Immutable once set:
// a second write is an invariant violation.
func (r *TaskRepository) SetBaseSHAs(tx DBTX, id int64, shas map[string]string) error {
	var current string
	if err := tx.QueryRow(`SELECT base_shas FROM tasks WHERE id = ?`, id).Scan(&current); err != nil {
		return fmt.Errorf("failed to read base_shas: %w", err)
	}
	if current != "{}" && current != "" {
		return errs.Invariant("base_sha_immutable", "base_sha already captured for task %s", domain.TaskKey(id))
	}
	if _, err := tx.Exec(
		`UPDATE tasks SET base_shas = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		encodeJSON(shas), id); err != nil {
		return fmt.Errorf("failed to set base_shas: %w", err)
	}
	return nil
}

// AddAttachment appends an attachment path.
func (r *TaskRepository) AddAttachment(tx DBTX, id int64, path string) error {
	task, err := r.get(tx, id)
	if err != nil {
		return err
	}
	for _, a := range task.Attachments {
		if a == path {
			return nil
		}
	}
	task.Attachments = append(task.Attachments, path)
	if _, err := tx.Exec(
		`UPDATE tasks SET attachments = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		encodeJSON(task.Attachments), id); err != nil {
		return fmt.Errorf("failed to add attachment: %w", err)
	}
	return nil
}

// RemoveAttachment drops an attachment path. Unknown paths are a no-op.
func (r *TaskRepository) RemoveAttachment(tx DBTX, id int64, path string) error {
	task, err := r.get(tx, id)
	if err != nil {
		return err
	}
	kept := task.Attachments[:0]
	for _, a := range task.Attachments {
		if a != path {
			kept = append(kept, a)
		}
	}
	if _, err := tx.Exec(
		`UPDATE tasks SET attachments = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		encodeJSON(kept), id); err != nil {
		return fmt.Errorf("failed to remove attachment: %w", err)
	}
	return nil
}

// AddDependency adds an edge, enforcing the freeze rule: once every
// existing dependency is terminal, the set is frozen and new edges are
// refused. Tasks with no dependencies are not frozen.
func (r *TaskRepository) AddDependency(tx DBTX, taskID, dependsOn int64) error {
	deps, err := r.dependencies(tx, taskID)
	if err != nil {
		return err
	}
	if len(deps) > 0 {
		frozen := true
		for _, dep := range deps {
			var status string
			if err := tx.QueryRow(`SELECT status FROM tasks WHERE id = ?`, dep).Scan(&status); err != nil {
				return fmt.Errorf("failed to read dependency status: %w", err)
			}
			if !domain.TerminalStatus(status) {
				frozen = false
				break
			}
		}
		if frozen {
			return errs.User(errs.CodeDepsFrozen,
				"task %s dependencies are frozen: all existing dependencies are terminal", domain.TaskKey(taskID))
		}
	}
	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)`,
		taskID, dependsOn); err != nil {
		return fmt.Errorf("failed to add dependency: %w", err)
	}
	return nil
}

// RemoveDependency drops an edge. Always permitted.
func (r *TaskRepository) RemoveDependency(tx DBTX, taskID, dependsOn int64) error {
	if _, err := tx.Exec(
		`DELETE FROM task_dependencies WHERE task_id = ? AND depends_on_id = ?`,
		taskID, dependsOn); err != nil {
		return fmt.Errorf("failed to remove dependency: %w", err)
	}
	return nil
}

// DependenciesResolved reports whether every dependency of the task has
// reached a terminal stage.
func (r *TaskRepository) DependenciesResolved(q DBTX, taskID int64) (bool, error) {
	row := q.QueryRow(
		`SELECT COUNT(*) FROM task_dependencies d
		 JOIN tasks t ON t.id = d.depends_on_id
		 WHERE d.task_id = ? AND t.status NOT IN ('done', 'cancelled', 'rejected')`, taskID)
	var blocked int
	if err := row.Scan(&blocked); err != nil {
		return false, fmt.Errorf("failed to check dependencies: %w", err)
	}
	return blocked == 0, nil
}
