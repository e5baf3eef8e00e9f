// Package testutil provides test utilities for store setup.
package testutil

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/delegate/internal/domain"
	"github.com/zjrosen/delegate/internal/storage/sqlite"
)

// NewStore creates an in-memory store with the full schema applied.
// The store is closed when the test finishes.
func NewStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// SeedTeam inserts a team with the given name and returns it.
func SeedTeam(t *testing.T, store *sqlite.Store, id, name string) *domain.Team {
	t.Helper()
	team := &domain.Team{
		ID:        id,
		Name:      name,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.WithTx(func(tx *sql.Tx) error {
		return store.Teams.Create(tx, team)
	}))
	return team
}

// SeedAgent inserts an agent into a team and returns it.
func SeedAgent(t *testing.T, store *sqlite.Store, teamID, id, name string, role domain.Role) *domain.Agent {
	t.Helper()
	agent := &domain.Agent{
		ID:        id,
		TeamID:    teamID,
		Name:      name,
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.WithTx(func(tx *sql.Tx) error {
		return store.Agents.Create(tx, agent)
	}))
	return agent
}

// SeedTask inserts a task and returns it with id and branch set.
func SeedTask(t *testing.T, store *sqlite.Store, teamID, teamName, title string, deps ...int64) *domain.Task {
	t.Helper()
	task := &domain.Task{
		TeamID:          teamID,
		Title:           title,
		Priority:        2,
		Status:          domain.StatusTodo,
		ApprovalStatus:  domain.ApprovalPending,
		WorkflowName:    "default",
		WorkflowVersion: 1,
		DependsOn:       deps,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	require.NoError(t, store.WithTx(func(tx *sql.Tx) error {
		return store.Tasks.Create(tx, teamName, task)
	}))
	return task
}
