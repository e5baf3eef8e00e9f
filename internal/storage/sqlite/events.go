package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/zjrosen/delegate/internal/domain"
)

// EventRepository persists the append-only event log. Append must run
// inside the same transaction as the state change it describes so the
// log and the state never diverge.
type EventRepository struct {
	db *sql.DB
}

const eventColumns = `global_seq, team_id, team_seq, kind, payload, created_at`

func scanEvent(scanner interface{ Scan(...any) error }) (*domain.Event, error) {
	var e domain.Event
	err := scanner.Scan(&e.GlobalSeq, &e.TeamID, &e.TeamSeq, &e.Kind, &e.Payload, &e.CreatedAt)
	return &e, err
}

// Append writes one event inside tx, allocating the next per-team
// sequence number. The UNIQUE(team_id, team_seq) constraint backs the
// monotonicity guarantee under the single-writer connection.
func (r *EventRepository) Append(tx DBTX, teamID, kind, payload string) (*domain.Event, error) {
	if payload == "" {
		payload = "{}"
	}
	var seq int64
	row := tx.QueryRow(`SELECT COALESCE(MAX(team_seq), 0) + 1 FROM events WHERE team_id = ?`, teamID)
	if err := row.Scan(&seq); err != nil {
		return nil, fmt.Errorf("failed to allocate team sequence: %w", err)
	}
	now := time.Now().UTC()
	result, err := tx.Exec(
		`INSERT INTO events (team_id, team_seq, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		teamID, seq, kind, payload, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}
	global, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get event sequence: %w", err)
	}
	return &domain.Event{
		GlobalSeq: global,
		TeamID:    teamID,
		TeamSeq:   seq,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: now,
	}, nil
}

// ListSince returns a team's events with team_seq > afterSeq, oldest
// first, capped at limit (0 = no cap). Late subscribers replay from
// here before switching to live tailing.
func (r *EventRepository) ListSince(teamID string, afterSeq int64, limit int) ([]*domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE team_id = ? AND team_seq > ? ORDER BY team_seq`
	args := []any{teamID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// LatestSeq returns the highest team sequence, 0 when the log is empty.
func (r *EventRepository) LatestSeq(teamID string) (int64, error) {
	var seq sql.NullInt64
	if err := r.db.QueryRow(
		`SELECT MAX(team_seq) FROM events WHERE team_id = ?`, teamID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read latest sequence: %w", err)
	}
	return seq.Int64, nil
}
