package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/leadflow/internal/domain"
)

// LeadRepo implements lead storage against PostgreSQL.
type LeadRepo struct{ db *sql.DB }

// NewLeadRepo creates a Postgres-backed lead repository.
func NewLeadRepo(db *sql.DB) *LeadRepo { return &LeadRepo{db: db} }

const leadColumns = `
	id, COALESCE(email, ''), first_name, last_name, phone, job_title,
	portal_id, waalaxy_id, linkedin_url, lemlist_id, organization_id,
	status, lifecycle_stage,
	demographic_score, engagement_score, behavior_score, total_score,
	routing_status, pipeline_id, routed_at,
	primary_intent, intent_confidence,
	intent_research, intent_b2b, intent_co_creation,
	first_touch_source, first_touch_campaign, first_touch_at,
	last_touch_source, last_touch_campaign, last_touch_at,
	last_activity_at, gdpr_delete_requested, created_at, updated_at`

func scanLead(row interface{ Scan(...any) error }) (*domain.Lead, error) {
	l := &domain.Lead{}
	var primaryIntent sql.NullString
	err := row.Scan(
		&l.ID, &l.Email, &l.FirstName, &l.LastName, &l.Phone, &l.JobTitle,
		&l.PortalID, &l.WaalaxyID, &l.LinkedInURL, &l.LemlistID, &l.OrganizationID,
		&l.Status, &l.LifecycleStage,
		&l.DemographicScore, &l.EngagementScore, &l.BehaviorScore, &l.TotalScore,
		&l.RoutingStatus, &l.PipelineID, &l.RoutedAt,
		&primaryIntent, &l.IntentConfidence,
		&l.IntentSummary.Research, &l.IntentSummary.B2B, &l.IntentSummary.CoCreation,
		&l.FirstTouchSource, &l.FirstTouchCampaign, &l.FirstTouchAt,
		&l.LastTouchSource, &l.LastTouchCampaign, &l.LastTouchAt,
		&l.LastActivityAt, &l.GDPRDeleteRequested, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if primaryIntent.Valid {
		intent := domain.Intent(primaryIntent.String)
		l.PrimaryIntent = &intent
	}
	return l, nil
}

// Get fetches a lead by id.
func (r *LeadRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Lead, error) {
	l, err := scanLead(r.db.QueryRowContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lead: %w", err)
	}
	return l, nil
}

// FindByIdentifier resolves a lead by external identifiers, trying them in
// fixed precedence order: email, portal, waalaxy, linkedin, lemlist.
// Returns ErrNotFound when no identifier matches.
func (r *LeadRepo) FindByIdentifier(ctx context.Context, ident domain.LeadIdentifier) (*domain.Lead, error) {
	type probe struct {
		column string
		value  string
	}
	probes := []probe{
		{"LOWER(email)", strings.ToLower(ident.Email)},
		{"portal_id", ident.PortalID},
		{"waalaxy_id", ident.WaalaxyID},
		{"linkedin_url", ident.LinkedInURL},
		{"lemlist_id", ident.LemlistID},
	}

	for _, p := range probes {
		if p.value == "" {
			continue
		}
		l, err := scanLead(r.db.QueryRowContext(ctx,
			`SELECT `+leadColumns+` FROM leads WHERE `+p.column+` = $1`, p.value))
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("find lead by %s: %w", p.column, err)
		}
		return l, nil
	}
	return nil, ErrNotFound
}

// Create inserts a new lead. Email is optional; identifier-only leads
// store NULL. On an email collision with a concurrent creator, the
// insert is a no-op and the existing row is returned, so callers always
// end up with exactly one lead per email.
func (r *LeadRepo) Create(ctx context.Context, l *domain.Lead) (*domain.Lead, error) {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	l.Email = strings.ToLower(l.Email)

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO leads
			(id, email, first_name, last_name, phone, job_title,
			 portal_id, waalaxy_id, linkedin_url, lemlist_id,
			 status, lifecycle_stage, routing_status, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10,
		        'new', 'lead', 'unrouted', NOW(), NOW())
		ON CONFLICT (email) WHERE email IS NOT NULL DO NOTHING
	`, l.ID, l.Email, l.FirstName, l.LastName, l.Phone, l.JobTitle,
		l.PortalID, l.WaalaxyID, l.LinkedInURL, l.LemlistID)
	if err != nil {
		return nil, fmt.Errorf("create lead: %w", err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		// Lost the race; fetch the winner.
		return r.FindByIdentifier(ctx, domain.LeadIdentifier{Email: l.Email})
	}
	return r.Get(ctx, l.ID)
}

// FillMissingProfile writes profile fields and external identifiers only
// where the stored column is still NULL. Existing values always win.
func (r *LeadRepo) FillMissingProfile(ctx context.Context, id uuid.UUID, l *domain.Lead) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE leads SET
			first_name   = COALESCE(first_name, $2),
			last_name    = COALESCE(last_name, $3),
			phone        = COALESCE(phone, $4),
			job_title    = COALESCE(job_title, $5),
			portal_id    = COALESCE(portal_id, $6),
			waalaxy_id   = COALESCE(waalaxy_id, $7),
			linkedin_url = COALESCE(linkedin_url, $8),
			lemlist_id   = COALESCE(lemlist_id, $9),
			updated_at   = NOW()
		WHERE id = $1
	`, id, l.FirstName, l.LastName, l.Phone, l.JobTitle,
		l.PortalID, l.WaalaxyID, l.LinkedInURL, l.LemlistID)
	if err != nil {
		return fmt.Errorf("fill profile: %w", err)
	}
	return nil
}

// LinkOrganization attaches an organization if the lead has none.
func (r *LeadRepo) LinkOrganization(ctx context.Context, leadID, orgID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE leads SET organization_id = COALESCE(organization_id, $2), updated_at = NOW()
		WHERE id = $1
	`, leadID, orgID)
	if err != nil {
		return fmt.Errorf("link organization: %w", err)
	}
	return nil
}

// UpdateAttribution applies first-touch (only when empty) and last-touch
// (always) attribution from an event.
func (r *LeadRepo) UpdateAttribution(ctx context.Context, id uuid.UUID, source string, campaign *string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE leads SET
			first_touch_source   = COALESCE(first_touch_source, $2),
			first_touch_campaign = COALESCE(first_touch_campaign, $3),
			first_touch_at       = COALESCE(first_touch_at, $4),
			last_touch_source    = $2,
			last_touch_campaign  = $3,
			last_touch_at        = $4,
			updated_at           = NOW()
		WHERE id = $1
	`, id, source, campaign, at)
	if err != nil {
		return fmt.Errorf("update attribution: %w", err)
	}
	return nil
}

// TouchActivity advances last_activity_at, never moving it backwards.
func (r *LeadRepo) TouchActivity(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE leads SET
			last_activity_at = GREATEST(COALESCE(last_activity_at, $2), $2),
			updated_at = NOW()
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("touch activity: %w", err)
	}
	return nil
}

// UpdateIntent stores the recomputed intent summary and primary intent.
// A nil primary clears the column (all counters back at zero).
func (r *LeadRepo) UpdateIntent(ctx context.Context, id uuid.UUID, s domain.IntentSummary, primary *domain.Intent, confidence int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE leads SET
			intent_research    = $2,
			intent_b2b         = $3,
			intent_co_creation = $4,
			primary_intent     = $5,
			intent_confidence  = $6,
			updated_at         = NOW()
		WHERE id = $1
	`, id, s.Research, s.B2B, s.CoCreation, primary, confidence)
	if err != nil {
		return fmt.Errorf("update intent: %w", err)
	}
	return nil
}

// SetRoutingStatus moves a lead's routing state. Pipeline and routed_at
// are only written for the routed state.
func (r *LeadRepo) SetRoutingStatus(ctx context.Context, id uuid.UUID, status domain.RoutingStatus, pipelineID *uuid.UUID) error {
	var err error
	if status == domain.RoutingRouted {
		_, err = r.db.ExecContext(ctx, `
			UPDATE leads SET routing_status = $2, pipeline_id = $3, routed_at = NOW(), updated_at = NOW()
			WHERE id = $1
		`, id, status, pipelineID)
	} else {
		_, err = r.db.ExecContext(ctx, `
			UPDATE leads SET routing_status = $2, updated_at = NOW()
			WHERE id = $1
		`, id, status)
	}
	if err != nil {
		return fmt.Errorf("set routing status: %w", err)
	}
	return nil
}

// UpdateField writes a single whitelisted column, used by the
// update_field automation action. Unknown fields are rejected here
// rather than trusting action config with column names.
func (r *LeadRepo) UpdateField(ctx context.Context, id uuid.UUID, field string, value any) error {
	allowed := map[string]bool{
		"status":          true,
		"lifecycle_stage": true,
		"job_title":       true,
		"phone":           true,
	}
	if !allowed[field] {
		return fmt.Errorf("update field: column %q not updatable", field)
	}
	_, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE leads SET %s = $2, updated_at = NOW() WHERE id = $1`, field),
		id, value)
	if err != nil {
		return fmt.Errorf("update field %s: %w", field, err)
	}
	return nil
}

// Recalculate invokes the stored scoring primitive, which recomputes the
// three category totals from non-expired score history and writes them
// plus total_score back to the lead row. Returns the new total.
func (r *LeadRepo) Recalculate(ctx context.Context, id uuid.UUID) (int, error) {
	var total int
	err := r.db.QueryRowContext(ctx,
		`SELECT recalculate_lead_scores($1)`, id).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("recalculate scores: %w", err)
	}
	return total, nil
}
