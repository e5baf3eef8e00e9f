package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/zjrosen/delegate/internal/domain"
	"github.com/zjrosen/delegate/internal/errs"
)

// TeamRepository persists teams.
type TeamRepository struct {
	db *sql.DB
}

const teamColumns = `id, name, charter, created_at, updated_at`

func scanTeam(scanner interface{ Scan(...any) error }) (*domain.Team, error) {
	var t domain.Team
	err := scanner.Scan(&t.ID, &t.Name, &t.Charter, &t.CreatedAt, &t.UpdatedAt)
	return &t, err
}

// Create inserts a team inside tx.
func (r *TeamRepository) Create(tx DBTX, team *domain.Team) error {
	_, err := tx.Exec(
		`INSERT INTO teams (id, name, charter, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		team.ID, team.Name, team.Charter, team.CreatedAt, team.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert team: %w", err)
	}
	return nil
}

// Get retrieves a team by UUID.
func (r *TeamRepository) Get(id string) (*domain.Team, error) {
	team, err := scanTeam(r.db.QueryRow(`SELECT `+teamColumns+` FROM teams WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.User(errs.CodeTeamNotFound, "team %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get team: %w", err)
	}
	return team, nil
}

// GetByName retrieves a team by display name.
func (r *TeamRepository) GetByName(name string) (*domain.Team, error) {
	team, err := scanTeam(r.db.QueryRow(`SELECT `+teamColumns+` FROM teams WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.User(errs.CodeTeamNotFound, "team %q not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get team by name: %w", err)
	}
	return team, nil
}

// List returns all teams ordered by creation.
func (r *TeamRepository) List() ([]*domain.Team, error) {
	rows, err := r.db.Query(`SELECT ` + teamColumns + ` FROM teams ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list teams: %w", err)
	}
	defer rows.Close()

	var teams []*domain.Team
	for rows.Next() {
		team, err := scanTeam(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan team: %w", err)
		}
		teams = append(teams, team)
	}
	return teams, rows.Err()
}

// UpdateCharter replaces a team's charter.
func (r *TeamRepository) UpdateCharter(tx DBTX, id, charter string) error {
	_, err := tx.Exec(
		`UPDATE teams SET charter = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		charter, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update charter: %w", err)
	}
	return nil
}

// Delete removes a team. Dependent rows cascade.
func (r *TeamRepository) Delete(tx DBTX, id string) error {
	if _, err := tx.Exec(`DELETE FROM teams WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete team: %w", err)
	}
	return nil
}
