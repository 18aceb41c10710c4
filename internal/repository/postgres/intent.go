package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/leadflow/internal/domain"
)

// IntentRepo implements intent signal storage.
type IntentRepo struct{ db *sql.DB }

// NewIntentRepo creates a Postgres-backed intent repository.
func NewIntentRepo(db *sql.DB) *IntentRepo { return &IntentRepo{db: db} }

// InsertSignal appends one detected signal.
func (r *IntentRepo) InsertSignal(ctx context.Context, s *domain.IntentSignal) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO intent_signals
			(id, lead_id, intent, rule_id, confidence_points, trigger_type,
			 event_id, detected_at, expires_at, expired)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false)
	`, s.ID, s.LeadID, s.Intent, s.RuleID, s.ConfidencePoints, s.TriggerType,
		s.EventID, s.DetectedAt, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert intent signal: %w", err)
	}
	return nil
}

// ActiveSummary sums non-expired confidence points per intent for a lead.
func (r *IntentRepo) ActiveSummary(ctx context.Context, leadID uuid.UUID) (domain.IntentSummary, error) {
	var s domain.IntentSummary
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(confidence_points) FILTER (WHERE intent = 'research'), 0),
			COALESCE(SUM(confidence_points) FILTER (WHERE intent = 'b2b'), 0),
			COALESCE(SUM(confidence_points) FILTER (WHERE intent = 'co_creation'), 0)
		FROM intent_signals
		WHERE lead_id = $1 AND expired = false
	`, leadID).Scan(&s.Research, &s.B2B, &s.CoCreation)
	if err != nil {
		return s, fmt.Errorf("sum intent signals: %w", err)
	}
	return s, nil
}

// ExpireDue flips expired on signals past their expires_at and returns
// the distinct lead ids affected so intent summaries can be refreshed.
func (r *IntentRepo) ExpireDue(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE intent_signals
		SET expired = true, expired_at = $1
		WHERE expired = false AND expires_at IS NOT NULL AND expires_at <= $1
		RETURNING lead_id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("expire intent signals: %w", err)
	}
	defer rows.Close()

	return collectDistinctIDs(rows)
}

// SignalsForLead lists a lead's signals, newest first.
func (r *IntentRepo) SignalsForLead(ctx context.Context, leadID uuid.UUID, limit int) ([]domain.IntentSignal, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, lead_id, intent, rule_id, confidence_points, trigger_type,
		       event_id, detected_at, expires_at, expired, expired_at
		FROM intent_signals
		WHERE lead_id = $1
		ORDER BY detected_at DESC
		LIMIT $2
	`, leadID, limit)
	if err != nil {
		return nil, fmt.Errorf("load intent signals: %w", err)
	}
	defer rows.Close()

	var out []domain.IntentSignal
	for rows.Next() {
		var s domain.IntentSignal
		if err := rows.Scan(
			&s.ID, &s.LeadID, &s.Intent, &s.RuleID, &s.ConfidencePoints, &s.TriggerType,
			&s.EventID, &s.DetectedAt, &s.ExpiresAt, &s.Expired, &s.ExpiredAt,
		); err != nil {
			return nil, fmt.Errorf("scan intent signal: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
