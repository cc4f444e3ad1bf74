package services

import (
	"context"
	"fmt"
	"time"

	"github.com/obcms/obcms-core/internal/cache"
	"github.com/obcms/obcms-core/internal/db/models"
)

// Stats are the dashboard counters of one organization, or of every organization for the
// aggregator. Areas the organization has not enabled are omitted.
type Stats struct {
	Communities        *int           `json:"communities,omitempty"`
	AssessmentsByState map[string]int `json:"assessments_by_status,omitempty"`
	EventsByState      map[string]int `json:"events_by_status,omitempty"`
	EventsByType       map[string]int `json:"events_by_type,omitempty"`
	UpcomingEvents     *int           `json:"upcoming_events,omitempty"`
	GeneratedAt        time.Time      `json:"generated_at"`
}

// DashboardService computes the dashboard counters
type DashboardService struct {
	cols   Collections
	engine *cache.Engine
	ttl    time.Duration
	now    func() time.Time
}

// NewDashboardService creates the dashboard service; ttl is the lifetime of cached stats
func NewDashboardService(cols Collections, engine *cache.Engine, ttl time.Duration) *DashboardService {
	return &DashboardService{
		cols:   cols,
		engine: engine,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Stats returns the counters for the organization active in ctx
func (s *DashboardService) Stats(ctx context.Context) (*Stats, error) {
	org, err := activeOrganization(ctx, "")
	if err != nil {
		return nil, err
	}

	return cache.ReadThrough(ctx, s.engine, cache.Request{
		Family: cache.FamilyDashboardStats,
		Org:    cache.OrgToken(org),
		Params: cache.Params{"capabilities": enabledCapabilities(org)},
		TTL:    s.ttl,
	}, func(ctx context.Context) (*Stats, error) {
		return s.compute(ctx, org)
	})
}

func (s *DashboardService) compute(ctx context.Context, org *models.Organization) (*Stats, error) {
	now := s.now()
	stats := &Stats{GeneratedAt: now}

	if org.Can(models.CapabilityCommunities) {
		n, err := s.cols.Communities.Scoped(ctx).Count(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to compute dashboard: %w", err)
		}
		stats.Communities = &n
	}

	if org.Can(models.CapabilityAssessments) {
		byStatus, err := s.cols.Assessments.Scoped(ctx).CountBy(ctx, "status")
		if err != nil {
			return nil, fmt.Errorf("failed to compute dashboard: %w", err)
		}
		stats.AssessmentsByState = byStatus
	}

	if org.Can(models.CapabilityCoordination) {
		byStatus, err := s.cols.Events.Scoped(ctx).CountBy(ctx, "status")
		if err != nil {
			return nil, fmt.Errorf("failed to compute dashboard: %w", err)
		}
		byType, err := s.cols.Events.Scoped(ctx).CountBy(ctx, "event_type")
		if err != nil {
			return nil, fmt.Errorf("failed to compute dashboard: %w", err)
		}
		upcoming, err := s.cols.Events.Scoped(ctx).
			Where("status", models.StatusPlanned).
			Overlapping("starts_at", "ends_at", now, now.Add(30*24*time.Hour)).
			Count(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to compute dashboard: %w", err)
		}
		stats.EventsByState = byStatus
		stats.EventsByType = byType
		stats.UpcomingEvents = &upcoming
	}

	return stats, nil
}
