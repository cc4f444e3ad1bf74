// Package models - organization_member.go defines user-to-organization membership with the
// role template that grants the member's scopes inside that organization.
package models

import "time"

// OrganizationMember represents a user's membership in an organization.
// Users are identified by the subject of their identity token; no credentials are stored.
type OrganizationMember struct {
	OrganizationID string    `db:"organization_id" json:"organization_id"`
	UserID         string    `db:"user_id" json:"user_id"`
	RoleTemplateID *string   `db:"role_template_id" json:"role_template_id,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// OrganizationMemberWithRole includes role template details for display
type OrganizationMemberWithRole struct {
	OrganizationID          string    `json:"organization_id"`
	UserID                  string    `json:"user_id"`
	RoleTemplateID          *string   `json:"role_template_id"`
	RoleTemplateName        *string   `json:"role_template_name"`
	RoleTemplateDisplayName *string   `json:"role_template_display_name"`
	RoleTemplateScopes      []string  `json:"role_template_scopes"`
	CreatedAt               time.Time `json:"created_at"`
}
