package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/delegate/internal/domain"
	"github.com/zjrosen/delegate/internal/errs"
)

// AgentRepository persists team agents.
type AgentRepository struct {
	db *sql.DB
}

const agentColumns = `id, team_id, name, role, model, last_heartbeat_at, last_progress_at, created_at`

func scanAgent(scanner interface{ Scan(...any) error }) (*domain.Agent, error) {
	var a domain.Agent
	err := scanner.Scan(&a.ID, &a.TeamID, &a.Name, &a.Role, &a.Model,
		&a.LastHeartbeatAt, &a.LastProgressAt, &a.CreatedAt)
	return &a, err
}

// Create inserts an agent inside tx.
func (r *AgentRepository) Create(tx DBTX, agent *domain.Agent) error {
	_, err := tx.Exec(
		`INSERT INTO agents (id, team_id, name, role, model, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.TeamID, agent.Name, agent.Role, agent.Model, agent.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert agent: %w", err)
	}
	return nil
}

// Get retrieves an agent by team and name.
func (r *AgentRepository) Get(teamID, name string) (*domain.Agent, error) {
	agent, err := scanAgent(r.db.QueryRow(
		`SELECT `+agentColumns+` FROM agents WHERE team_id = ? AND name = ?`, teamID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.User(errs.CodeAgentNotFound, "agent %q not found in team %s", name, teamID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return agent, nil
}

// ListByTeam returns a team's roster ordered by creation. q threads the
// live transaction through when one is open, since the pool holds a
// single connection.
func (r *AgentRepository) ListByTeam(q DBTX, teamID string) ([]*domain.Agent, error) {
	rows, err := q.Query(
		`SELECT `+agentColumns+` FROM agents WHERE team_id = ? ORDER BY created_at`, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*domain.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// RecordHeartbeat stamps the agent's liveness timestamp.
func (r *AgentRepository) RecordHeartbeat(teamID, name string, at time.Time) error {
	_, err := r.db.Exec(
		`UPDATE agents SET last_heartbeat_at = ? WHERE team_id = ? AND name = ?`,
		at, teamID, name,
	)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return nil
}

// RecordProgress stamps the agent's last productive activity. Distinct
// from heartbeat: progress means an outbound message or a
// state-changing tool call, and resets the nudge counter.
func (r *AgentRepository) RecordProgress(teamID, name string, at time.Time) error {
	_, err := r.db.Exec(
		`UPDATE agents SET last_progress_at = ? WHERE team_id = ? AND name = ?`,
		at, teamID, name,
	)
	if err != nil {
		return fmt.Errorf("failed to record progress: %w", err)
	}
	return nil
}
