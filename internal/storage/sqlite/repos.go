package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/zjrosen/delegate/internal/domain"
	"github.com/zjrosen/delegate/internal/errs"
)

// RepoRepository persists registered git repositories.
type RepoRepository struct {
	db *sql.DB
}

const repoColumns = `id, team_id, path, name, target_branch, pre_merge_cmd, approval_policy, created_at`

func scanRepo(scanner interface{ Scan(...any) error }) (*domain.Repo, error) {
	var rp domain.Repo
	err := scanner.Scan(&rp.ID, &rp.TeamID, &rp.Path, &rp.Name,
		&rp.TargetBranch, &rp.PreMergeCmd, &rp.ApprovalPolicy, &rp.CreatedAt)
	return &rp, err
}

// Create registers a repo inside tx and sets its id.
func (r *RepoRepository) Create(tx DBTX, repo *domain.Repo) error {
	result, err := tx.Exec(
		`INSERT INTO repos (team_id, path, name, target_branch, pre_merge_cmd, approval_policy, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		repo.TeamID, repo.Path, repo.Name, repo.TargetBranch,
		repo.PreMergeCmd, repo.ApprovalPolicy, repo.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert repo: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get repo id: %w", err)
	}
	repo.ID = id
	return nil
}

// Get retrieves a repo by team and display name. q is the live
// transaction when called from inside one; the single-connection pool
// cannot serve a second query while a transaction is open.
func (r *RepoRepository) Get(q DBTX, teamID, name string) (*domain.Repo, error) {
	repo, err := scanRepo(q.QueryRow(
		`SELECT `+repoColumns+` FROM repos WHERE team_id = ? AND name = ?`, teamID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.User(errs.CodeRepoNotFound, "repo %q not registered for team %s", name, teamID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repo: %w", err)
	}
	return repo, nil
}

// ListByTeam returns a team's registered repos.
func (r *RepoRepository) ListByTeam(teamID string) ([]*domain.Repo, error) {
	rows, err := r.db.Query(
		`SELECT `+repoColumns+` FROM repos WHERE team_id = ? ORDER BY created_at`, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list repos: %w", err)
	}
	defer rows.Close()

	var repos []*domain.Repo
	for rows.Next() {
		repo, err := scanRepo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan repo: %w", err)
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

// SetApprovalPolicy switches a repo between human and auto approval.
func (r *RepoRepository) SetApprovalPolicy(q DBTX, teamID, name string, policy domain.ApprovalPolicy) error {
	result, err := q.Exec(
		`UPDATE repos SET approval_policy = ? WHERE team_id = ? AND name = ?`,
		policy, teamID, name,
	)
	if err != nil {
		return fmt.Errorf("failed to set approval policy: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return errs.User(errs.CodeRepoNotFound, "repo %q not registered for team %s", name, teamID)
	}
	return nil
}
