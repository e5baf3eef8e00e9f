package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/zjrosen/delegate/internal/domain"
)

// ReviewRepository persists immutable review attempts.
type ReviewRepository struct {
	db *sql.DB
}

const reviewColumns = `id, task_id, attempt, reviewer, summary, comments, decision, created_at`

func scanReview(scanner interface{ Scan(...any) error }) (*domain.Review, error) {
	var rv domain.Review
	var comments string
	err := scanner.Scan(&rv.ID, &rv.TaskID, &rv.Attempt, &rv.Reviewer,
		&rv.Summary, &comments, &rv.Decision, &rv.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(comments), &rv.Comments); err != nil {
		return nil, fmt.Errorf("failed to decode comments: %w", err)
	}
	return &rv, nil
}

// Create inserts a review inside tx, assigning the next attempt number
// for the task when review.Attempt is zero.
func (r *ReviewRepository) Create(tx DBTX, review *domain.Review) error {
	if review.Attempt == 0 {
		row := tx.QueryRow(`SELECT COALESCE(MAX(attempt), 0) + 1 FROM reviews WHERE task_id = ?`, review.TaskID)
		if err := row.Scan(&review.Attempt); err != nil {
			return fmt.Errorf("failed to compute attempt: %w", err)
		}
	}
	if review.Comments == nil {
		review.Comments = []domain.ReviewComment{}
	}
	result, err := tx.Exec(
		`INSERT INTO reviews (task_id, attempt, reviewer, summary, comments, decision, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		review.TaskID, review.Attempt, review.Reviewer, review.Summary,
		encodeJSON(review.Comments), review.Decision, review.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert review: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get review id: %w", err)
	}
	review.ID = id
	return nil
}

// ListByTask returns all review attempts on a task, oldest first.
func (r *ReviewRepository) ListByTask(taskID int64) ([]*domain.Review, error) {
	rows, err := r.db.Query(
		`SELECT `+reviewColumns+` FROM reviews WHERE task_id = ? ORDER BY attempt, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	defer rows.Close()

	var reviews []*domain.Review
	for rows.Next() {
		review, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan review: %w", err)
		}
		reviews = append(reviews, review)
	}
	return reviews, rows.Err()
}

// Latest returns the most recent review attempt on a task, or nil when
// none exists.
func (r *ReviewRepository) Latest(taskID int64) (*domain.Review, error) {
	review, err := scanReview(r.db.QueryRow(
		`SELECT `+reviewColumns+` FROM reviews WHERE task_id = ? ORDER BY attempt DESC, id DESC LIMIT 1`, taskID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest review: %w", err)
	}
	return review, nil
}
