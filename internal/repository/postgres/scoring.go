package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/leadflow/internal/domain"
)

// ScoringRepo implements scoring rule and score history storage.
type ScoringRepo struct{ db *sql.DB }

// NewScoringRepo creates a Postgres-backed scoring repository.
func NewScoringRepo(db *sql.DB) *ScoringRepo { return &ScoringRepo{db: db} }

// ActiveRules loads every active scoring rule in priority order. The
// engine snapshots the result; it does not re-query per event.
func (r *ScoringRepo) ActiveRules(ctx context.Context) ([]domain.ScoringRule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, slug, category, rule_type, conditions, points,
		       max_per_day, max_per_lead, decay_days, is_active, priority, created_at
		FROM scoring_rules
		WHERE is_active = true
		ORDER BY priority ASC, created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("load scoring rules: %w", err)
	}
	defer rows.Close()

	var out []domain.ScoringRule
	for rows.Next() {
		var rule domain.ScoringRule
		var conditions []byte
		if err := rows.Scan(
			&rule.ID, &rule.Slug, &rule.Category, &rule.RuleType, &conditions,
			&rule.Points, &rule.MaxPerDay, &rule.MaxPerLead, &rule.DecayDays,
			&rule.IsActive, &rule.Priority, &rule.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan scoring rule: %w", err)
		}
		if err := scanJSONB(conditions, &rule.Conditions); err != nil {
			return nil, fmt.Errorf("decode conditions for rule %s: %w", rule.Slug, err)
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// CountApplications counts non-expired history rows for one rule on one
// lead since a cutoff. With a zero cutoff it counts all-time, which is
// the max_per_lead check; with a day-ago cutoff it is max_per_day.
func (r *ScoringRepo) CountApplications(ctx context.Context, leadID, ruleID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM score_history
		WHERE lead_id = $1 AND rule_id = $2 AND expired = false AND created_at >= $3
	`, leadID, ruleID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count rule applications: %w", err)
	}
	return n, nil
}

// InsertHistory appends one applied-rule row. Event-driven applications
// are keyed by (lead_id, rule_id, event_id), so a redelivered job that
// re-applies a rule to the same event inserts nothing and returns false.
func (r *ScoringRepo) InsertHistory(ctx context.Context, h *domain.ScoreHistory) (bool, error) {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO score_history
			(id, lead_id, event_id, rule_id, category, points_change,
			 new_total, expires_at, expired, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, NOW())
		ON CONFLICT (lead_id, rule_id, event_id) WHERE event_id IS NOT NULL
		DO NOTHING
	`, h.ID, h.LeadID, h.EventID, h.RuleID, h.Category, h.PointsChange,
		h.NewTotal, h.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("insert score history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ExpireDue flips expired on history rows whose expires_at has passed and
// returns the distinct lead ids affected, so the caller can recalculate
// exactly those leads. The flip is one-way.
func (r *ScoringRepo) ExpireDue(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE score_history
		SET expired = true, expired_at = $1
		WHERE expired = false AND expires_at IS NOT NULL AND expires_at <= $1
		RETURNING lead_id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("expire score history: %w", err)
	}
	defer rows.Close()

	return collectDistinctIDs(rows)
}

// HistoryForLead returns a lead's history, newest first, for inspection
// endpoints.
func (r *ScoringRepo) HistoryForLead(ctx context.Context, leadID uuid.UUID, limit int) ([]domain.ScoreHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, lead_id, event_id, rule_id, category, points_change,
		       new_total, expires_at, expired, expired_at, created_at
		FROM score_history
		WHERE lead_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, leadID, limit)
	if err != nil {
		return nil, fmt.Errorf("load score history: %w", err)
	}
	defer rows.Close()

	var out []domain.ScoreHistory
	for rows.Next() {
		var h domain.ScoreHistory
		if err := rows.Scan(
			&h.ID, &h.LeadID, &h.EventID, &h.RuleID, &h.Category, &h.PointsChange,
			&h.NewTotal, &h.ExpiresAt, &h.Expired, &h.ExpiredAt, &h.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan score history: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// collectDistinctIDs drains a single-uuid-column result set, deduping.
func collectDistinctIDs(rows *sql.Rows) ([]uuid.UUID, error) {
	seen := map[uuid.UUID]bool{}
	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan lead id: %w", err)
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, rows.Err()
}
