// Package models - role_template.go defines the RoleTemplate model for named permission sets
// used in RBAC, along with the predefined system role templates (viewer, encoder, etc.).
package models

import (
	"time"

	"github.com/google/uuid"
)

// RoleTemplate represents a predefined set of scopes for common use cases
type RoleTemplate struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	DisplayName string    `db:"display_name" json:"display_name"`
	Description *string   `db:"description" json:"description,omitempty"`
	Scopes      []string  `db:"scopes" json:"scopes"`
	IsSystem    bool      `db:"is_system" json:"is_system"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// PredefinedRoleTemplates returns the default role templates seeded by the initial migration
func PredefinedRoleTemplates() []RoleTemplate {
	viewerDesc := "Read-only access to communities, assessments, the coordination calendar and the dashboard"
	encoderDesc := "Can record communities, assessments and coordination events for the organization"
	coordinatorDesc := "Can manage coordination events and view all organization data"
	adminDesc := "Full access, including organization administration"

	return []RoleTemplate{
		{
			Name:        "viewer",
			DisplayName: "Viewer",
			Description: &viewerDesc,
			Scopes:      []string{"communities:read", "assessments:read", "coordination:read", "organizations:read"},
			IsSystem:    true,
		},
		{
			Name:        "encoder",
			DisplayName: "Encoder",
			Description: &encoderDesc,
			Scopes:      []string{"communities:write", "assessments:write", "coordination:write", "organizations:read"},
			IsSystem:    true,
		},
		{
			Name:        "coordinator",
			DisplayName: "Coordinator",
			Description: &coordinatorDesc,
			Scopes:      []string{"communities:read", "assessments:read", "coordination:write", "organizations:read"},
			IsSystem:    true,
		},
		{
			Name:        "admin",
			DisplayName: "Administrator",
			Description: &adminDesc,
			Scopes:      []string{"admin"},
			IsSystem:    true,
		},
	}
}
