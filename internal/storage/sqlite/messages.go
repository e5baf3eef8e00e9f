package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/zjrosen/delegate/internal/domain"
	"github.com/zjrosen/delegate/internal/errs"
)

// MessageRepository persists mailbox messages.
type MessageRepository struct {
	db *sql.DB
}

const messageColumns = `id, team_id, sender, recipient, kind, body, task_id, read, created_at`

func scanMessage(scanner interface{ Scan(...any) error }) (*domain.Message, error) {
	var m domain.Message
	err := scanner.Scan(&m.ID, &m.TeamID, &m.Sender, &m.Recipient, &m.Kind,
		&m.Body, &m.TaskID, &m.Read, &m.CreatedAt)
	return &m, err
}

// Create inserts a message inside tx and sets its id.
func (r *MessageRepository) Create(tx DBTX, msg *domain.Message) error {
	result, err := tx.Exec(
		`INSERT INTO messages (team_id, sender, recipient, kind, body, task_id, read, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.TeamID, msg.Sender, msg.Recipient, msg.Kind, msg.Body, msg.TaskID, msg.Read, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get message id: %w", err)
	}
	msg.ID = id
	return nil
}

// Get retrieves a message by id.
func (r *MessageRepository) Get(id int64) (*domain.Message, error) {
	msg, err := scanMessage(r.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.User(errs.CodeBadRequest, "message %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// UnreadByRecipient returns all unread messages for a team grouped
// incidentally by recipient, ordered by id. The scheduler groups them
// into turn batches.
func (r *MessageRepository) UnreadByRecipient(teamID string) (map[string][]*domain.Message, error) {
	rows, err := r.db.Query(
		`SELECT `+messageColumns+` FROM messages WHERE team_id = ? AND read = 0 ORDER BY id`, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to query unread messages: %w", err)
	}
	defer rows.Close()

	byRecipient := make(map[string][]*domain.Message)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		byRecipient[msg.Recipient] = append(byRecipient[msg.Recipient], msg)
	}
	return byRecipient, rows.Err()
}

// ListByTeam returns a team's messages, newest last, capped at limit
// (0 = no cap).
func (r *MessageRepository) ListByTeam(teamID string, limit int) ([]*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE team_id = ? ORDER BY id`
	args := []any{teamID}
	if limit > 0 {
		query = `SELECT * FROM (SELECT ` + messageColumns + ` FROM messages WHERE team_id = ? ORDER BY id DESC LIMIT ?) ORDER BY id`
		args = append(args, limit)
	}
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// MarkRead flags messages as consumed inside tx.
func (r *MessageRepository) MarkRead(tx DBTX, ids []int64) error {
	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE messages SET read = 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to mark message %d read: %w", id, err)
		}
	}
	return nil
}

// MarkUnread requeues messages for the next tick, used after a
// rate-limited or failed turn.
func (r *MessageRepository) MarkUnread(tx DBTX, ids []int64) error {
	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE messages SET read = 0 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to mark message %d unread: %w", id, err)
		}
	}
	return nil
}
