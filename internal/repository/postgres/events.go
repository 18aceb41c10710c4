package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/leadflow/internal/domain"
)

// EventRepo implements marketing event storage. The table is
// range-partitioned by month on occurred_at; every statement therefore
// carries occurred_at or an id filter the planner can prune with.
type EventRepo struct{ db *sql.DB }

// NewEventRepo creates a Postgres-backed event repository.
func NewEventRepo(db *sql.DB) *EventRepo { return &EventRepo{db: db} }

const eventColumns = `
	id, lead_id, event_type, event_category, source, occurred_at,
	metadata, lead_identifier, campaign_id, utm_source, utm_medium,
	utm_campaign, correlation_id, score_points, score_category,
	processed_at, created_at`

func scanEvent(row interface{ Scan(...any) error }) (*domain.MarketingEvent, error) {
	e := &domain.MarketingEvent{}
	var metadata, identifier []byte
	var category sql.NullString
	err := row.Scan(
		&e.ID, &e.LeadID, &e.EventType, &e.EventCategory, &e.Source, &e.OccurredAt,
		&metadata, &identifier, &e.CampaignID, &e.UTMSource, &e.UTMMedium,
		&e.UTMCampaign, &e.CorrelationID, &e.ScorePoints, &category,
		&e.ProcessedAt, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := scanJSONB(metadata, &e.Metadata); err != nil {
		return nil, fmt.Errorf("decode event metadata: %w", err)
	}
	if err := scanJSONB(identifier, &e.LeadIdentifier); err != nil {
		return nil, fmt.Errorf("decode lead identifier: %w", err)
	}
	if category.Valid {
		c := domain.ScoreCategory(category.String)
		e.ScoreCategory = &c
	}
	return e, nil
}

// InsertPreliminary stores a just-accepted event before it is queued.
// Replays are keyed by (source, correlation_id): when the producer
// already delivered this correlation id the insert is a no-op and
// inserted is false. The pre-check catches replays that land in a
// different partition; the conflict clause closes the race inside one.
func (r *EventRepo) InsertPreliminary(ctx context.Context, e *domain.MarketingEvent) (inserted bool, err error) {
	if e.CorrelationID != nil {
		_, err := r.FindByCorrelation(ctx, e.Source, *e.CorrelationID)
		if err == nil {
			return false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return false, err
		}
	}

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	meta, err := jsonbValue(e.Metadata)
	if err != nil {
		return false, err
	}
	ident, err := jsonbValue(e.LeadIdentifier)
	if err != nil {
		return false, err
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO marketing_events
			(id, lead_id, event_type, event_category, source, occurred_at,
			 metadata, lead_identifier, campaign_id, utm_source, utm_medium,
			 utm_campaign, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (source, correlation_id, occurred_at) WHERE correlation_id IS NOT NULL
		DO NOTHING
	`, e.ID, e.LeadID, e.EventType, e.EventCategory, e.Source, e.OccurredAt,
		meta, ident, e.CampaignID, e.UTMSource, e.UTMMedium, e.UTMCampaign,
		e.CorrelationID)
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Get fetches one event by id.
func (r *EventRepo) Get(ctx context.Context, id uuid.UUID) (*domain.MarketingEvent, error) {
	e, err := scanEvent(r.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM marketing_events WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return e, nil
}

// FindByCorrelation fetches the event a producer already delivered under
// a correlation id. Correlation ids are scoped per source.
func (r *EventRepo) FindByCorrelation(ctx context.Context, source, correlationID string) (*domain.MarketingEvent, error) {
	e, err := scanEvent(r.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM marketing_events
		 WHERE source = $1 AND correlation_id = $2`, source, correlationID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find event by correlation: %w", err)
	}
	return e, nil
}

// AttachLead links an event to its resolved lead.
func (r *EventRepo) AttachLead(ctx context.Context, eventID, leadID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE marketing_events SET lead_id = $2 WHERE id = $1
	`, eventID, leadID)
	if err != nil {
		return fmt.Errorf("attach lead: %w", err)
	}
	return nil
}

// MarkProcessed stamps processed_at, after which redeliveries of the
// job are no-ops. Scoring columns are stamped separately by StampScore.
func (r *EventRepo) MarkProcessed(ctx context.Context, eventID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE marketing_events SET processed_at = NOW() WHERE id = $1
	`, eventID)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// StampScore records the scoring outcome on the event row.
func (r *EventRepo) StampScore(ctx context.Context, eventID uuid.UUID, points int, category *domain.ScoreCategory) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE marketing_events
		SET score_points = $2, score_category = $3
		WHERE id = $1
	`, eventID, points, category)
	if err != nil {
		return fmt.Errorf("stamp score: %w", err)
	}
	return nil
}

// Unprocessed returns events accepted before cutoff that never got a
// processed_at stamp. The janitor re-enqueues them.
func (r *EventRepo) Unprocessed(ctx context.Context, cutoff time.Time, limit int) ([]domain.MarketingEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM marketing_events
		WHERE processed_at IS NULL AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("scan unprocessed: %w", err)
	}
	defer rows.Close()

	var out []domain.MarketingEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
