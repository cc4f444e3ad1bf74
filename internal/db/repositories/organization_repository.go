// organization_repository.go implements OrganizationRepository, providing database queries
// for organization administration, membership management, and member scope lookup.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/obcms/obcms-core/internal/db/models"
)

const orgColumns = `id, code, name, capabilities, is_active, is_aggregator, created_at, updated_at`

// OrganizationRepository handles database operations for organizations.
// Organizations are not tenant-scoped records themselves; every method here is administrative.
type OrganizationRepository struct {
	db *sql.DB
}

// NewOrganizationRepository creates a new organization repository
func NewOrganizationRepository(db *sql.DB) *OrganizationRepository {
	return &OrganizationRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrganization(row rowScanner) (*models.Organization, error) {
	org := &models.Organization{}
	err := row.Scan(
		&org.ID,
		&org.Code,
		&org.Name,
		&org.Capabilities,
		&org.IsActive,
		&org.IsAggregator,
		&org.CreatedAt,
		&org.UpdatedAt,
	)
	return org, err
}

func (r *OrganizationRepository) getOne(ctx context.Context, where string, arg interface{}) (*models.Organization, error) {
	query := `SELECT ` + orgColumns + ` FROM organizations WHERE ` + where
	org, err := scanOrganization(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return org, nil
}

// GetByID retrieves an organization by ID
func (r *OrganizationRepository) GetByID(ctx context.Context, id string) (*models.Organization, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	return r.getOne(ctx, "id = $1", id)
}

// GetByCode retrieves an organization by its unique code
func (r *OrganizationRepository) GetByCode(ctx context.Context, code string) (*models.Organization, error) {
	return r.getOne(ctx, "code = $1", strings.ToUpper(code))
}

// Create inserts a new organization. Codes are stored upper-case.
func (r *OrganizationRepository) Create(ctx context.Context, org *models.Organization) error {
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	org.Code = strings.ToUpper(strings.TrimSpace(org.Code))
	if org.Capabilities == nil {
		org.Capabilities = models.Capabilities{}
	}

	query := `
		INSERT INTO organizations (id, code, name, capabilities, is_active, is_aggregator)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRowContext(ctx, query,
		org.ID, org.Code, org.Name, org.Capabilities, org.IsActive, org.IsAggregator,
	).Scan(&org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create organization: %w", err)
	}
	return nil
}

// Update saves name, capabilities, active status and aggregator flag
func (r *OrganizationRepository) Update(ctx context.Context, org *models.Organization) error {
	org.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE organizations
		SET name = $2, capabilities = $3, is_active = $4, is_aggregator = $5, updated_at = $6
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query,
		org.ID, org.Name, org.Capabilities, org.IsActive, org.IsAggregator, org.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update organization: %w", err)
	}
	return requireRow(res, "organization", org.ID)
}

// List retrieves organizations ordered by code
func (r *OrganizationRepository) List(ctx context.Context, includeInactive bool, limit, offset int) ([]*models.Organization, error) {
	query := `SELECT ` + orgColumns + ` FROM organizations`
	if !includeInactive {
		query += ` WHERE is_active = true`
	}
	query += ` ORDER BY code LIMIT $1 OFFSET $2`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()

	organizations := make([]*models.Organization, 0)
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		organizations = append(organizations, org)
	}
	return organizations, rows.Err()
}

// ListActive retrieves every active organization. Used by background jobs that fan out per tenant.
func (r *OrganizationRepository) ListActive(ctx context.Context) ([]*models.Organization, error) {
	return r.List(ctx, false, 10000, 0)
}

// Count returns the number of organizations
func (r *OrganizationRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM organizations`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count organizations: %w", err)
	}
	return count, nil
}

// CountAggregators returns how many active organizations other than excludeID hold the aggregator flag
func (r *OrganizationRepository) CountAggregators(ctx context.Context, excludeID string) (int, error) {
	query := `SELECT COUNT(*) FROM organizations WHERE is_aggregator = true AND is_active = true AND id::text <> $1`
	var count int
	if err := r.db.QueryRowContext(ctx, query, excludeID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count aggregator organizations: %w", err)
	}
	return count, nil
}

// ============================================================================
// Membership
// ============================================================================

// AddMember adds a user to an organization with an optional role template
func (r *OrganizationRepository) AddMember(ctx context.Context, member *models.OrganizationMember) error {
	query := `
		INSERT INTO organization_members (organization_id, user_id, role_template_id)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`
	err := r.db.QueryRowContext(ctx, query, member.OrganizationID, member.UserID, member.RoleTemplateID).
		Scan(&member.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	return nil
}

// UpdateMemberRoleTemplate changes the role template of an existing member
func (r *OrganizationRepository) UpdateMemberRoleTemplate(ctx context.Context, orgID, userID string, roleTemplateID *string) error {
	query := `UPDATE organization_members SET role_template_id = $3 WHERE organization_id = $1 AND user_id = $2`
	res, err := r.db.ExecContext(ctx, query, orgID, userID, roleTemplateID)
	if err != nil {
		return fmt.Errorf("failed to update member role template: %w", err)
	}
	return requireRow(res, "organization member", userID)
}

// RemoveMember removes a user from an organization
func (r *OrganizationRepository) RemoveMember(ctx context.Context, orgID, userID string) error {
	query := `DELETE FROM organization_members WHERE organization_id = $1 AND user_id = $2`
	res, err := r.db.ExecContext(ctx, query, orgID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	return requireRow(res, "organization member", userID)
}

// GetMember retrieves a user's membership in an organization
func (r *OrganizationRepository) GetMember(ctx context.Context, orgID, userID string) (*models.OrganizationMember, error) {
	query := `
		SELECT organization_id, user_id, role_template_id, created_at
		FROM organization_members
		WHERE organization_id = $1 AND user_id = $2
	`

	member := &models.OrganizationMember{}
	err := r.db.QueryRowContext(ctx, query, orgID, userID).Scan(
		&member.OrganizationID,
		&member.UserID,
		&member.RoleTemplateID,
		&member.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return member, nil
}

// ListMembersWithRoles retrieves all members of an organization with their role template details
func (r *OrganizationRepository) ListMembersWithRoles(ctx context.Context, orgID string) ([]*models.OrganizationMemberWithRole, error) {
	query := `
		SELECT om.organization_id, om.user_id, om.role_template_id, om.created_at,
		       rt.name, rt.display_name, COALESCE(rt.scopes, '[]'::jsonb)
		FROM organization_members om
		LEFT JOIN role_templates rt ON om.role_template_id = rt.id
		WHERE om.organization_id = $1
		ORDER BY om.created_at
	`

	rows, err := r.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	members := make([]*models.OrganizationMemberWithRole, 0)
	for rows.Next() {
		m := &models.OrganizationMemberWithRole{}
		var scopesJSON []byte
		err := rows.Scan(
			&m.OrganizationID,
			&m.UserID,
			&m.RoleTemplateID,
			&m.CreatedAt,
			&m.RoleTemplateName,
			&m.RoleTemplateDisplayName,
			&scopesJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		if len(scopesJSON) > 0 {
			if err := json.Unmarshal(scopesJSON, &m.RoleTemplateScopes); err != nil {
				return nil, fmt.Errorf("failed to parse scopes: %w", err)
			}
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// GetMemberScopes returns the scopes a user holds in an organization through their role template.
// The boolean is false when the user is not a member.
func (r *OrganizationRepository) GetMemberScopes(ctx context.Context, orgID, userID string) ([]string, bool, error) {
	query := `
		SELECT COALESCE(rt.scopes, '[]'::jsonb)
		FROM organization_members om
		LEFT JOIN role_templates rt ON om.role_template_id = rt.id
		WHERE om.organization_id = $1 AND om.user_id = $2
	`

	var scopesJSON []byte
	err := r.db.QueryRowContext(ctx, query, orgID, userID).Scan(&scopesJSON)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get member scopes: %w", err)
	}

	scopes := []string{}
	if len(scopesJSON) > 0 {
		if err := json.Unmarshal(scopesJSON, &scopes); err != nil {
			return nil, false, fmt.Errorf("failed to parse scopes: %w", err)
		}
	}
	return scopes, true, nil
}

// ListUserOrganizations retrieves the active organizations a user belongs to
func (r *OrganizationRepository) ListUserOrganizations(ctx context.Context, userID string) ([]*models.Organization, error) {
	query := `
		SELECT o.id, o.code, o.name, o.capabilities, o.is_active, o.is_aggregator, o.created_at, o.updated_at
		FROM organizations o
		INNER JOIN organization_members om ON o.id = om.organization_id
		WHERE om.user_id = $1 AND o.is_active = true
		ORDER BY o.code
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user organizations: %w", err)
	}
	defer rows.Close()

	organizations := make([]*models.Organization, 0)
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		organizations = append(organizations, org)
	}
	return organizations, rows.Err()
}
