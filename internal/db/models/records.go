// Package models - records.go defines the tenant-scoped business records (communities,
// assessments, coordination events) and the TenantRecord contract every one of them satisfies.
package models

import "time"

// TenantRecord is implemented by every persisted entity owned by exactly one organization
type TenantRecord interface {
	RecordID() string
	SetRecordID(id string)
	OrganizationRef() string
	SetOrganizationRef(orgID string)
	Touch(now time.Time)
}

// TenantOwned carries the fields shared by all tenant-scoped records
type TenantOwned struct {
	ID             string    `db:"id" json:"id"`
	OrganizationID string    `db:"organization_id" json:"organization_id"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

func (t *TenantOwned) RecordID() string                { return t.ID }
func (t *TenantOwned) SetRecordID(id string)           { t.ID = id }
func (t *TenantOwned) OrganizationRef() string         { return t.OrganizationID }
func (t *TenantOwned) SetOrganizationRef(orgID string) { t.OrganizationID = orgID }

// Touch sets UpdatedAt, and CreatedAt when it has not been set yet
func (t *TenantOwned) Touch(now time.Time) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
}

// Community is a community profile tracked by an organization
type Community struct {
	TenantOwned
	Name         string  `db:"name" json:"name"`
	Province     string  `db:"province" json:"province"`
	Municipality string  `db:"municipality" json:"municipality"`
	Population   int     `db:"population" json:"population"`
	Notes        *string `db:"notes" json:"notes,omitempty"`
}

// Schedule status values shared by assessments and coordination events
const (
	StatusPlanned   = "planned"
	StatusOngoing   = "ongoing"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// ValidStatus reports whether s is a known schedule status
func ValidStatus(s string) bool {
	switch s {
	case StatusPlanned, StatusOngoing, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Assessment is a needs assessment with a planned date range; it appears on the calendar
type Assessment struct {
	TenantOwned
	Title       string    `db:"title" json:"title"`
	CommunityID *string   `db:"community_id" json:"community_id,omitempty"`
	Status      string    `db:"status" json:"status"`
	StartsAt    time.Time `db:"starts_at" json:"starts_at"`
	EndsAt      time.Time `db:"ends_at" json:"ends_at"`
}

// CoordinationEvent is a meeting, workshop or field activity; it appears on the calendar
type CoordinationEvent struct {
	TenantOwned
	Title     string    `db:"title" json:"title"`
	EventType string    `db:"event_type" json:"event_type"` // meeting, workshop, activity
	Location  *string   `db:"location" json:"location,omitempty"`
	Status    string    `db:"status" json:"status"`
	StartsAt  time.Time `db:"starts_at" json:"starts_at"`
	EndsAt    time.Time `db:"ends_at" json:"ends_at"`
}
