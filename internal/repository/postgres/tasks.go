package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/ignite/leadflow/internal/domain"
)

// TaskRepo implements task storage. Tasks are mostly written by
// automation actions and read by humans elsewhere.
type TaskRepo struct{ db *sql.DB }

// NewTaskRepo creates a Postgres-backed task repository.
func NewTaskRepo(db *sql.DB) *TaskRepo { return &TaskRepo{db: db} }

// Create inserts a task.
func (r *TaskRepo) Create(ctx context.Context, t *domain.Task) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = domain.TaskOpen
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tasks
			(id, lead_id, deal_id, title, due_date, status, automation_rule_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, t.ID, t.LeadID, t.DealID, t.Title, t.DueDate, t.Status, t.AutomationRuleID)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// OpenForLead lists a lead's open tasks, soonest due first.
func (r *TaskRepo) OpenForLead(ctx context.Context, leadID uuid.UUID) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, lead_id, deal_id, title, due_date, status, automation_rule_id, created_at
		FROM tasks
		WHERE lead_id = $1 AND status IN ('open', 'in_progress')
		ORDER BY due_date ASC NULLS LAST
	`, leadID)
	if err != nil {
		return nil, fmt.Errorf("open tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		var t domain.Task
		if err := rows.Scan(
			&t.ID, &t.LeadID, &t.DealID, &t.Title, &t.DueDate, &t.Status,
			&t.AutomationRuleID, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
