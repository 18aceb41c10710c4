package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/ignite/leadflow/internal/domain"
)

// PipelineRepo implements pipeline and stage storage.
type PipelineRepo struct{ db *sql.DB }

// NewPipelineRepo creates a Postgres-backed pipeline repository.
func NewPipelineRepo(db *sql.DB) *PipelineRepo { return &PipelineRepo{db: db} }

// BySlug fetches an active pipeline by slug.
func (r *PipelineRepo) BySlug(ctx context.Context, slug string) (*domain.Pipeline, error) {
	p := &domain.Pipeline{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, slug, name, is_default, is_active, created_at
		FROM pipelines WHERE slug = $1 AND is_active = true
	`, slug).Scan(&p.ID, &p.Slug, &p.Name, &p.IsDefault, &p.IsActive, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pipeline by slug: %w", err)
	}
	return p, nil
}

// Default fetches the catch-all pipeline.
func (r *PipelineRepo) Default(ctx context.Context) (*domain.Pipeline, error) {
	p := &domain.Pipeline{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, slug, name, is_default, is_active, created_at
		FROM pipelines WHERE is_default = true AND is_active = true
		ORDER BY created_at ASC LIMIT 1
	`).Scan(&p.ID, &p.Slug, &p.Name, &p.IsDefault, &p.IsActive, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("default pipeline: %w", err)
	}
	return p, nil
}

// FirstStage fetches the entry stage (lowest position) of a pipeline.
func (r *PipelineRepo) FirstStage(ctx context.Context, pipelineID uuid.UUID) (*domain.PipelineStage, error) {
	s, err := r.scanStage(r.db.QueryRowContext(ctx, `
		SELECT id, pipeline_id, slug, name, position, stage_type, automation_config
		FROM pipeline_stages
		WHERE pipeline_id = $1
		ORDER BY position ASC LIMIT 1
	`, pipelineID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("first stage: %w", err)
	}
	return s, nil
}

// StagesBySlug lists every stage carrying the given slug across active
// pipelines, for the time_in_stage automation sweep.
func (r *PipelineRepo) StagesBySlug(ctx context.Context, slug string) ([]domain.PipelineStage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.id, s.pipeline_id, s.slug, s.name, s.position, s.stage_type, s.automation_config
		FROM pipeline_stages s
		JOIN pipelines p ON p.id = s.pipeline_id
		WHERE s.slug = $1 AND p.is_active = true
	`, slug)
	if err != nil {
		return nil, fmt.Errorf("stages by slug: %w", err)
	}
	defer rows.Close()

	var out []domain.PipelineStage
	for rows.Next() {
		s, err := r.scanStage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *PipelineRepo) scanStage(row interface{ Scan(...any) error }) (*domain.PipelineStage, error) {
	s := &domain.PipelineStage{}
	var hooks []byte
	err := row.Scan(&s.ID, &s.PipelineID, &s.Slug, &s.Name, &s.Position, &s.StageType, &hooks)
	if err != nil {
		return nil, err
	}
	if err := scanJSONB(hooks, &s.AutomationConfig); err != nil {
		return nil, fmt.Errorf("decode automation_config: %w", err)
	}
	return s, nil
}
