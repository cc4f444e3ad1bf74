package repositories

import (
	"github.com/jmoiron/sqlx"

	"github.com/obcms/obcms-core/internal/db/models"
)

// Record type names, also used as metric labels
const (
	RecordCommunity         = "community"
	RecordAssessment        = "assessment"
	RecordCoordinationEvent = "coordination_event"
)

var tenantColumns = []string{"id", "organization_id", "created_at", "updated_at"}

func withTenantColumns(cols ...string) []string {
	return append(append([]string{}, tenantColumns...), cols...)
}

// CommunityCollection is the scoped collection of community profiles
type CommunityCollection = Collection[models.Community, *models.Community]

// AssessmentCollection is the scoped collection of assessments
type AssessmentCollection = Collection[models.Assessment, *models.Assessment]

// CoordinationEventCollection is the scoped collection of coordination events
type CoordinationEventCollection = Collection[models.CoordinationEvent, *models.CoordinationEvent]

// NewCommunityCollection creates the communities collection
func NewCommunityCollection(db *sqlx.DB) *CommunityCollection {
	return NewCollection[models.Community](db, "communities", RecordCommunity,
		withTenantColumns("name", "province", "municipality", "population", "notes"))
}

// NewAssessmentCollection creates the assessments collection
func NewAssessmentCollection(db *sqlx.DB) *AssessmentCollection {
	return NewCollection[models.Assessment](db, "assessments", RecordAssessment,
		withTenantColumns("title", "community_id", "status", "starts_at", "ends_at"))
}

// NewCoordinationEventCollection creates the coordination events collection
func NewCoordinationEventCollection(db *sqlx.DB) *CoordinationEventCollection {
	return NewCollection[models.CoordinationEvent](db, "coordination_events", RecordCoordinationEvent,
		withTenantColumns("title", "event_type", "location", "status", "starts_at", "ends_at"))
}
