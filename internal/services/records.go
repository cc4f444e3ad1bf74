package services

import (
	"context"
	"strings"
	"time"

	"github.com/obcms/obcms-core/internal/db/models"
)

// DefaultPageSize is used when a list request names no limit
const DefaultPageSize = 50

// Page bounds a list request
type Page struct {
	Limit  int
	Offset int
}

func (p Page) limit() int {
	if p.Limit <= 0 || p.Limit > 500 {
		return DefaultPageSize
	}
	return p.Limit
}

// RecordService manages community profiles and assessments of the active organization
type RecordService struct {
	cols Collections
}

// NewRecordService creates the record service
func NewRecordService(cols Collections) *RecordService {
	return &RecordService{cols: cols}
}

// ListCommunities returns the communities visible to the active organization
func (s *RecordService) ListCommunities(ctx context.Context, province string, page Page) ([]*models.Community, error) {
	if _, err := activeOrganization(ctx, models.CapabilityCommunities); err != nil {
		return nil, err
	}
	q := s.cols.Communities.Scoped(ctx)
	if province != "" {
		q = q.Where("province", province)
	}
	return q.OrderBy("name", false).Limit(page.limit()).Offset(page.Offset).All(ctx)
}

// CreateCommunity records a community profile for the active organization
func (s *RecordService) CreateCommunity(ctx context.Context, c *models.Community) error {
	if _, err := activeOrganization(ctx, models.CapabilityCommunities); err != nil {
		return err
	}
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return invalid("name is required")
	}
	if c.Population < 0 {
		return invalid("population must not be negative")
	}
	return s.cols.Communities.Create(ctx, c)
}

// ListAssessments returns the assessments visible to the active organization
func (s *RecordService) ListAssessments(ctx context.Context, status string, page Page) ([]*models.Assessment, error) {
	if _, err := activeOrganization(ctx, models.CapabilityAssessments); err != nil {
		return nil, err
	}
	q := s.cols.Assessments.Scoped(ctx)
	if status != "" {
		if !models.ValidStatus(status) {
			return nil, invalid("unknown status %q", status)
		}
		q = q.Where("status", status)
	}
	return q.OrderBy("starts_at", true).Limit(page.limit()).Offset(page.Offset).All(ctx)
}

// CreateAssessment records an assessment for the active organization
func (s *RecordService) CreateAssessment(ctx context.Context, a *models.Assessment) error {
	if _, err := activeOrganization(ctx, models.CapabilityAssessments); err != nil {
		return err
	}
	a.Title = strings.TrimSpace(a.Title)
	if a.Title == "" {
		return invalid("title is required")
	}
	if a.Status == "" {
		a.Status = models.StatusPlanned
	}
	if !models.ValidStatus(a.Status) {
		return invalid("unknown status %q", a.Status)
	}
	if a.StartsAt.IsZero() || a.EndsAt.IsZero() || a.EndsAt.Before(a.StartsAt) {
		return invalid("starts_at and ends_at must form a valid range")
	}
	a.StartsAt, a.EndsAt = a.StartsAt.UTC(), a.EndsAt.UTC()
	return s.cols.Assessments.Create(ctx, a)
}

// ArchivePastEvents marks the planned or ongoing events of the active organization that
// ended before cutoff as completed. Returns the number of events changed.
func (s *RecordService) ArchivePastEvents(ctx context.Context, cutoff time.Time) (int, error) {
	org, err := activeOrganization(ctx, "")
	if err != nil {
		return 0, err
	}
	q := s.cols.Events.Scoped(ctx)
	if org.SeesAllTenants() {
		// an aggregator sees every tenant's events but may only write its own
		q = q.Where("organization_id", org.ID)
	}
	past, err := q.
		In("status", []string{models.StatusPlanned, models.StatusOngoing}).
		Before("ends_at", cutoff).
		All(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, ev := range past {
		ev.Status = models.StatusCompleted
		if err := s.cols.Events.Update(ctx, ev); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
