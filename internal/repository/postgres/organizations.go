package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/ignite/leadflow/internal/domain"
)

// OrgRepo implements organization storage.
type OrgRepo struct{ db *sql.DB }

// NewOrgRepo creates a Postgres-backed organization repository.
func NewOrgRepo(db *sql.DB) *OrgRepo { return &OrgRepo{db: db} }

// FindOrCreateByDomain resolves an organization by its web domain,
// creating it on first sight. Concurrent creators converge on one row
// via the unique domain constraint.
func (r *OrgRepo) FindOrCreateByDomain(ctx context.Context, webDomain, name string) (*domain.Organization, error) {
	webDomain = strings.ToLower(webDomain)
	if webDomain == "" {
		return nil, fmt.Errorf("find or create organization: empty domain")
	}
	if name == "" {
		name = webDomain
	}

	org := &domain.Organization{}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO organizations (id, name, domain, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (domain) DO UPDATE SET updated_at = NOW()
		RETURNING id, name, domain, industry, size, country, created_at, updated_at
	`, uuid.New(), name, webDomain).Scan(
		&org.ID, &org.Name, &org.Domain, &org.Industry, &org.Size, &org.Country,
		&org.CreatedAt, &org.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("find or create organization: %w", err)
	}
	return org, nil
}

// Get fetches an organization by id.
func (r *OrgRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Organization, error) {
	org := &domain.Organization{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, domain, industry, size, country, created_at, updated_at
		FROM organizations WHERE id = $1
	`, id).Scan(
		&org.ID, &org.Name, &org.Domain, &org.Industry, &org.Size, &org.Country,
		&org.CreatedAt, &org.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get organization: %w", err)
	}
	return org, nil
}

// FillMissing writes firmographic fields only where still NULL.
func (r *OrgRepo) FillMissing(ctx context.Context, id uuid.UUID, industry, size, country *string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE organizations SET
			industry   = COALESCE(industry, $2),
			size       = COALESCE(size, $3),
			country    = COALESCE(country, $4),
			updated_at = NOW()
		WHERE id = $1
	`, id, industry, size, country)
	if err != nil {
		return fmt.Errorf("fill organization: %w", err)
	}
	return nil
}
