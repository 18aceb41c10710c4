package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/leadflow/internal/domain"
)

// DealRepo implements deal storage, including the transactional routing
// write that creates a deal and marks the lead routed in one commit.
type DealRepo struct{ db *sql.DB }

// NewDealRepo creates a Postgres-backed deal repository.
func NewDealRepo(db *sql.DB) *DealRepo { return &DealRepo{db: db} }

const dealColumns = `
	id, lead_id, pipeline_id, stage_id, position, value, currency, status,
	stage_entered_at, assigned_to, closed_at, created_at`

func scanDeal(row interface{ Scan(...any) error }) (*domain.Deal, error) {
	d := &domain.Deal{}
	err := row.Scan(
		&d.ID, &d.LeadID, &d.PipelineID, &d.StageID, &d.Position, &d.Value,
		&d.Currency, &d.Status, &d.StageEnteredAt, &d.AssignedTo, &d.ClosedAt,
		&d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ForLead lists a lead's deals, newest first, for the lead inspection
// endpoint.
func (r *DealRepo) ForLead(ctx context.Context, leadID uuid.UUID) ([]domain.Deal, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE lead_id = $1
		ORDER BY created_at DESC
	`, leadID)
	if err != nil {
		return nil, fmt.Errorf("deals for lead: %w", err)
	}
	defer rows.Close()

	var out []domain.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deal: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// RouteLead creates a deal in the given stage and marks the lead routed,
// in one transaction. The unique (lead_id, pipeline_id) constraint makes
// the operation idempotent: on conflict nothing is inserted, the lead is
// still marked routed and created is false.
func (r *DealRepo) RouteLead(ctx context.Context, leadID, pipelineID, stageID uuid.UUID) (created bool, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin routing tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO deals
			(id, lead_id, pipeline_id, stage_id, position, value, currency,
			 status, stage_entered_at, created_at)
		SELECT $1, $2, $3, $4,
		       COALESCE(MAX(position), 0) + 1, 0, 'EUR', 'open', NOW(), NOW()
		FROM deals WHERE stage_id = $4
		ON CONFLICT (lead_id, pipeline_id) DO NOTHING
	`, uuid.New(), leadID, pipelineID, stageID)
	if err != nil {
		return false, fmt.Errorf("create deal: %w", err)
	}
	n, _ := res.RowsAffected()
	created = n > 0

	if _, err := tx.ExecContext(ctx, `
		UPDATE leads
		SET routing_status = 'routed', pipeline_id = $2, routed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, leadID, pipelineID); err != nil {
		return false, fmt.Errorf("mark lead routed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit routing tx: %w", err)
	}
	return created, nil
}

// StaleInStage lists open deals that entered their current stage before
// cutoff, for the time_in_stage automation trigger.
func (r *DealRepo) StaleInStage(ctx context.Context, stageID uuid.UUID, cutoff time.Time) ([]domain.Deal, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE stage_id = $1 AND status = 'open' AND stage_entered_at <= $2
		ORDER BY stage_entered_at ASC
	`, stageID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("stale deals: %w", err)
	}
	defer rows.Close()

	var out []domain.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deal: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}
