package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/ignite/leadflow/internal/domain"
)

// AutomationRepo implements automation rule storage.
type AutomationRepo struct{ db *sql.DB }

// NewAutomationRepo creates a Postgres-backed automation repository.
func NewAutomationRepo(db *sql.DB) *AutomationRepo { return &AutomationRepo{db: db} }

// ActiveRules loads active automation rules in priority order.
func (r *AutomationRepo) ActiveRules(ctx context.Context) ([]domain.AutomationRule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, trigger_type, trigger_config, action_type, action_config,
		       priority, is_active, execution_count, last_executed_at, created_at
		FROM automation_rules
		WHERE is_active = true
		ORDER BY priority ASC, created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("load automation rules: %w", err)
	}
	defer rows.Close()

	var out []domain.AutomationRule
	for rows.Next() {
		var rule domain.AutomationRule
		var trigCfg, actCfg []byte
		if err := rows.Scan(
			&rule.ID, &rule.Name, &rule.TriggerType, &trigCfg, &rule.ActionType, &actCfg,
			&rule.Priority, &rule.IsActive, &rule.ExecutionCount, &rule.LastExecutedAt,
			&rule.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan automation rule: %w", err)
		}
		if err := scanJSONB(trigCfg, &rule.TriggerConfig); err != nil {
			return nil, fmt.Errorf("decode trigger_config for %s: %w", rule.Name, err)
		}
		if err := scanJSONB(actCfg, &rule.ActionConfig); err != nil {
			return nil, fmt.Errorf("decode action_config for %s: %w", rule.Name, err)
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// MarkExecuted bumps the rule's execution counter.
func (r *AutomationRepo) MarkExecuted(ctx context.Context, ruleID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE automation_rules
		SET execution_count = execution_count + 1, last_executed_at = NOW()
		WHERE id = $1
	`, ruleID)
	if err != nil {
		return fmt.Errorf("mark executed: %w", err)
	}
	return nil
}
