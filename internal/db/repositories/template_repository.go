// template_repository.go implements TemplateRepository, providing read access to audit
// templates. Templates are authored by an external editor; the core only reads them.
package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/audit-platform/audit-platform/internal/db/models"
)

// TemplateRepository handles database operations for templates
type TemplateRepository struct {
	db *sqlx.DB
}

// NewTemplateRepository creates a new template repository
func NewTemplateRepository(db *sqlx.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

const templateColumns = `id, title, site_types, sections, scoring_method, created_at`

// ListTemplates returns every template, optionally filtered to those applicable to siteType
func (r *TemplateRepository) ListTemplates(ctx context.Context, siteType string) ([]*models.Template, error) {
	templates := []*models.Template{}
	var err error
	if siteType == "" {
		err = r.db.SelectContext(ctx, &templates,
			`SELECT `+templateColumns+` FROM templates ORDER BY title, id`)
	} else {
		err = r.db.SelectContext(ctx, &templates,
			`SELECT `+templateColumns+` FROM templates WHERE $1 = ANY(site_types) ORDER BY title, id`, siteType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	return templates, nil
}

// GetTemplate retrieves a template by id. Returns nil, nil when absent.
func (r *TemplateRepository) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	var t models.Template
	err := r.db.GetContext(ctx, &t, `SELECT `+templateColumns+` FROM templates WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return &t, nil
}

// UpsertTemplate stores a template. Used by seeding and tests; the API never writes templates.
func (r *TemplateRepository) UpsertTemplate(ctx context.Context, t *models.Template) error {
	query := `
		INSERT INTO templates (id, title, site_types, sections, scoring_method, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			site_types = EXCLUDED.site_types,
			sections = EXCLUDED.sections,
			scoring_method = EXCLUDED.scoring_method`
	_, err := r.db.ExecContext(ctx, query,
		t.ID, t.Title, t.SiteTypes, t.Sections, t.ScoringMethod, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert template: %w", err)
	}
	return nil
}
