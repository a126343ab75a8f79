package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/audit-platform/audit-platform/internal/db/models"
)

// ActionRepository handles database operations for remediation actions
type ActionRepository struct {
	db *sqlx.DB
}

// NewActionRepository creates a new action repository
func NewActionRepository(db *sqlx.DB) *ActionRepository {
	return &ActionRepository{db: db}
}

const actionColumns = `id, audit_id, item_id, site_id, assignee_id, assignee_name, description,
	due_date, status, created_by, created_at, updated_at`

// CreateAction inserts a new action, assigning an id and timestamps
func (r *ActionRepository) CreateAction(ctx context.Context, a *models.Action) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = models.ActionOpen
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	query := `
		INSERT INTO actions (id, audit_id, item_id, site_id, assignee_id, assignee_name,
			description, due_date, status, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.db.ExecContext(ctx, query,
		a.ID, a.AuditID, a.ItemID, a.SiteID, a.AssigneeID, a.AssigneeName,
		a.Description, a.DueDate, a.Status, a.CreatedBy, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create action: %w", err)
	}
	return nil
}

// GetAction retrieves an action by id. Returns nil, nil when absent.
func (r *ActionRepository) GetAction(ctx context.Context, id string) (*models.Action, error) {
	var a models.Action
	err := r.db.GetContext(ctx, &a, `SELECT `+actionColumns+` FROM actions WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	return &a, nil
}

// ListActionsBySite returns the actions for a site, newest first. An empty status lists all.
func (r *ActionRepository) ListActionsBySite(ctx context.Context, siteID string, status models.ActionStatus) ([]*models.Action, error) {
	actions := []*models.Action{}
	query := `SELECT ` + actionColumns + ` FROM actions WHERE site_id = $1`
	args := []interface{}{siteID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	if err := r.db.SelectContext(ctx, &actions, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	return actions, nil
}

// ListActionsByAudit returns the actions raised against one audit
func (r *ActionRepository) ListActionsByAudit(ctx context.Context, auditID string) ([]*models.Action, error) {
	actions := []*models.Action{}
	err := r.db.SelectContext(ctx, &actions,
		`SELECT `+actionColumns+` FROM actions WHERE audit_id = $1 ORDER BY created_at`, auditID)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	return actions, nil
}

// UpdateAction persists the mutable fields of an action
func (r *ActionRepository) UpdateAction(ctx context.Context, a *models.Action) error {
	a.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE actions SET
			assignee_id = $2,
			assignee_name = $3,
			description = $4,
			due_date = $5,
			status = $6,
			updated_at = $7
		WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query,
		a.ID, a.AssigneeID, a.AssigneeName, a.Description, a.DueDate, a.Status, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update action: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update action: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
