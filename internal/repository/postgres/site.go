package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/alertstream/engine/internal/domain"
	"github.com/alertstream/engine/internal/event"
)

// SiteRepository resolves sites against the sites table.
type SiteRepository struct {
	db *sql.DB
}

// NewSiteRepository creates a site repository.
func NewSiteRepository(db *sql.DB) *SiteRepository {
	return &SiteRepository{db: db}
}

// Resolve implements event.SiteResolver. Inactive sites resolve to
// ErrUnknownSite so deactivated sites stop accepting events.
func (r *SiteRepository) Resolve(ctx context.Context, siteID string) (*domain.Site, error) {
	var s domain.Site
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, plan, is_active
		FROM sites
		WHERE id = $1`, siteID).
		Scan(&s.ID, &s.TenantID, &s.Name, &s.Plan, &s.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, event.ErrUnknownSite
	}
	if err != nil {
		return nil, fmt.Errorf("resolve site: %w", err)
	}
	if !s.IsActive {
		return nil, event.ErrUnknownSite
	}
	return &s, nil
}

// Upsert inserts or replaces a site record.
func (r *SiteRepository) Upsert(ctx context.Context, s *domain.Site) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sites (id, tenant_id, name, plan, is_active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			name = EXCLUDED.name,
			plan = EXCLUDED.plan,
			is_active = EXCLUDED.is_active`,
		s.ID, s.TenantID, s.Name, s.Plan, s.IsActive)
	if err != nil {
		return fmt.Errorf("upsert site: %w", err)
	}
	return nil
}
