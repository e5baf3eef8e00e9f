package sqlite

import (
	"fmt"
)

// UsageRow is one agent's cumulative token and cost totals.
type UsageRow struct {
	TeamID           string
	AgentName        string
	InputTokens      int64
	OutputTokens     int64
	CostMicrodollars int64
	Turns            int64
}

// AddUsage atomically folds one turn's usage into the agent's totals.
func (s *Store) AddUsage(teamID, agent string, inputTokens, outputTokens, costMicrodollars int64) error {
	_, err := s.db.Exec(
		`INSERT INTO usage_totals (team_id, agent_name, input_tokens, output_tokens, cost_microdollars, turns)
		 VALUES (?, ?, ?, ?, ?, 1)
		 ON CONFLICT (team_id, agent_name) DO UPDATE SET
			input_tokens = input_tokens + excluded.input_tokens,
			output_tokens = output_tokens + excluded.output_tokens,
			cost_microdollars = cost_microdollars + excluded.cost_microdollars,
			turns = turns + 1`,
		teamID, agent, inputTokens, outputTokens, costMicrodollars,
	)
	if err != nil {
		return fmt.Errorf("failed to add usage: %w", err)
	}
	return nil
}

// UsageByTeam returns per-agent totals for a team.
func (s *Store) UsageByTeam(teamID string) ([]UsageRow, error) {
	rows, err := s.db.Query(
		`SELECT team_id, agent_name, input_tokens, output_tokens, cost_microdollars, turns
		 FROM usage_totals WHERE team_id = ? ORDER BY agent_name`, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	var out []UsageRow
	for rows.Next() {
		var u UsageRow
		if err := rows.Scan(&u.TeamID, &u.AgentName, &u.InputTokens, &u.OutputTokens,
			&u.CostMicrodollars, &u.Turns); err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
