// rbac_repository.go implements RBACRepository, providing database queries for role templates,
// the named scope sets assigned to organization members.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/obcms/obcms-core/internal/db/models"
)

// RBACRepository handles database operations for RBAC features
type RBACRepository struct {
	db *sqlx.DB
}

// NewRBACRepository creates a new RBAC repository
func NewRBACRepository(db *sqlx.DB) *RBACRepository {
	return &RBACRepository{db: db}
}

const roleTemplateColumns = `id, name, display_name, description, scopes, is_system, created_at, updated_at`

func scanRoleTemplate(row rowScanner) (*models.RoleTemplate, error) {
	var t models.RoleTemplate
	var scopesJSON []byte
	if err := row.Scan(&t.ID, &t.Name, &t.DisplayName, &t.Description, &scopesJSON, &t.IsSystem, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(scopesJSON, &t.Scopes); err != nil {
		return nil, fmt.Errorf("failed to parse role template scopes: %w", err)
	}
	return &t, nil
}

// ListRoleTemplates returns all role templates
func (r *RBACRepository) ListRoleTemplates(ctx context.Context) ([]*models.RoleTemplate, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT `+roleTemplateColumns+` FROM role_templates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list role templates: %w", err)
	}
	defer rows.Close()

	templates := make([]*models.RoleTemplate, 0)
	for rows.Next() {
		t, err := scanRoleTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// GetRoleTemplate retrieves a role template by ID
func (r *RBACRepository) GetRoleTemplate(ctx context.Context, id uuid.UUID) (*models.RoleTemplate, error) {
	t, err := scanRoleTemplate(r.db.QueryRowxContext(ctx, `SELECT `+roleTemplateColumns+` FROM role_templates WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// GetRoleTemplateByName retrieves a role template by name
func (r *RBACRepository) GetRoleTemplateByName(ctx context.Context, name string) (*models.RoleTemplate, error) {
	t, err := scanRoleTemplate(r.db.QueryRowxContext(ctx, `SELECT `+roleTemplateColumns+` FROM role_templates WHERE name = $1`, name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// CreateRoleTemplate creates a new custom role template
func (r *RBACRepository) CreateRoleTemplate(ctx context.Context, template *models.RoleTemplate) error {
	scopesJSON, err := json.Marshal(template.Scopes)
	if err != nil {
		return err
	}
	if template.ID == uuid.Nil {
		template.ID = uuid.New()
	}
	now := time.Now().UTC()
	template.CreatedAt, template.UpdatedAt = now, now

	query := `INSERT INTO role_templates (id, name, display_name, description, scopes, is_system, created_at, updated_at)
			  VALUES ($1, $2, $3, $4, $5, false, $6, $7)`
	_, err = r.db.ExecContext(ctx, query,
		template.ID, template.Name, template.DisplayName, template.Description, scopesJSON, template.CreatedAt, template.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create role template: %w", err)
	}
	return nil
}

// UpdateRoleTemplate rewrites the display name, description and scopes of a custom template
func (r *RBACRepository) UpdateRoleTemplate(ctx context.Context, template *models.RoleTemplate) error {
	scopesJSON, err := json.Marshal(template.Scopes)
	if err != nil {
		return err
	}
	template.UpdatedAt = time.Now().UTC()

	res, err := r.db.ExecContext(ctx,
		`UPDATE role_templates SET display_name = $2, description = $3, scopes = $4, updated_at = $5
		 WHERE id = $1 AND is_system = false`,
		template.ID, template.DisplayName, template.Description, scopesJSON, template.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update role template: %w", err)
	}
	return requireRow(res, "role_template", template.ID.String())
}

// DeleteRoleTemplate deletes a role template (only non-system templates)
func (r *RBACRepository) DeleteRoleTemplate(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM role_templates WHERE id = $1 AND is_system = false`, id)
	if err != nil {
		return fmt.Errorf("failed to delete role template: %w", err)
	}
	return nil
}
