package services

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/obcms/obcms-core/internal/cache"
	"github.com/obcms/obcms-core/internal/db/models"
	"github.com/obcms/obcms-core/internal/db/repositories"
)

// Coordination event types
const (
	EventTypeMeeting  = "meeting"
	EventTypeWorkshop = "workshop"
	EventTypeActivity = "activity"

	// EntryTypeAssessment is the feed type of assessment entries
	EntryTypeAssessment = "assessment"
)

// MaxFeedRange bounds the span of one feed request
const MaxFeedRange = 366 * 24 * time.Hour

func validEventType(t string) bool {
	switch t {
	case EventTypeMeeting, EventTypeWorkshop, EventTypeActivity:
		return true
	}
	return false
}

// FeedRequest selects the calendar entries of one feed read
type FeedRequest struct {
	Start time.Time
	End   time.Time
	// Types filters by event type and/or "assessment"; empty means every type
	Types []string
	// Status filters by schedule status; empty means every status
	Status []string
}

// Validate normalises r and checks its bounds
func (r *FeedRequest) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return invalid("start and end are required")
	}
	if r.End.Before(r.Start) {
		return invalid("end %s is before start %s", r.End.Format(time.DateOnly), r.Start.Format(time.DateOnly))
	}
	if r.End.Sub(r.Start) > MaxFeedRange {
		return invalid("range exceeds %d days", int(MaxFeedRange.Hours()/24))
	}
	r.Start, r.End = r.Start.UTC(), r.End.UTC()

	r.Types = normaliseList(r.Types)
	for _, t := range r.Types {
		if t != EntryTypeAssessment && !validEventType(t) {
			return invalid("unknown type %q", t)
		}
	}
	r.Status = normaliseList(r.Status)
	for _, s := range r.Status {
		if !models.ValidStatus(s) {
			return invalid("unknown status %q", s)
		}
	}
	return nil
}

// params identifies the request inside one cache generation. Aggregators share one
// organization token, so the reader's capabilities are part of the key.
func (r FeedRequest) params(org *models.Organization) cache.Params {
	return cache.Params{
		"start":        r.Start.Format(time.RFC3339),
		"end":          r.End.Format(time.RFC3339),
		"types":        r.Types,
		"status":       r.Status,
		"capabilities": enabledCapabilities(org),
	}
}

func normaliseList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

// CalendarEntry is one item of the calendar feed
type CalendarEntry struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Record         string    `json:"record"` // coordination_event | assessment
	Type           string    `json:"type"`
	Title          string    `json:"title"`
	Status         string    `json:"status"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Location       *string   `json:"location,omitempty"`
}

// Feed is the calendar feed of one organization (or of every organization, for the aggregator)
type Feed struct {
	Start       time.Time       `json:"start"`
	End         time.Time       `json:"end"`
	Entries     []CalendarEntry `json:"entries"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// CalendarService serves the coordination calendar
type CalendarService struct {
	events      *repositories.CoordinationEventCollection
	assessments *repositories.AssessmentCollection
	engine      *cache.Engine
	ttl         time.Duration
	now         func() time.Time
}

// NewCalendarService creates the calendar service. ttl is the lifetime of cached feeds.
func NewCalendarService(cols Collections, engine *cache.Engine, ttl time.Duration) *CalendarService {
	return &CalendarService{
		events:      cols.Events,
		assessments: cols.Assessments,
		engine:      engine,
		ttl:         ttl,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Feed returns the calendar entries overlapping [req.Start, req.End] for the organization
// active in ctx. Results are cached per organization and parameter set; any write to an
// event or assessment of the organization makes every cached feed of it unobservable.
func (s *CalendarService) Feed(ctx context.Context, req FeedRequest) (*Feed, error) {
	org, err := activeOrganization(ctx, models.CapabilityCoordination)
	if err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	return cache.ReadThrough(ctx, s.engine, cache.Request{
		Family: cache.FamilyCalendarFeed,
		Org:    cache.OrgToken(org),
		Params: req.params(org),
		TTL:    s.ttl,
	}, func(ctx context.Context) (*Feed, error) {
		return s.computeFeed(ctx, org, req)
	})
}

func (s *CalendarService) computeFeed(ctx context.Context, org *models.Organization, req FeedRequest) (*Feed, error) {
	wantAssessments := (len(req.Types) == 0 || slices.Contains(req.Types, EntryTypeAssessment)) &&
		org.Can(models.CapabilityAssessments)

	var eventTypes []string
	for _, t := range req.Types {
		if t != EntryTypeAssessment {
			eventTypes = append(eventTypes, t)
		}
	}
	wantEvents := len(req.Types) == 0 || len(eventTypes) > 0

	entries := []CalendarEntry{}

	if wantEvents {
		events, err := s.events.Scoped(ctx).
			Overlapping("starts_at", "ends_at", req.Start, req.End).
			In("event_type", eventTypes).
			In("status", req.Status).
			OrderBy("starts_at", false).
			All(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load calendar events: %w", err)
		}
		for _, e := range events {
			entries = append(entries, CalendarEntry{
				ID:             e.ID,
				OrganizationID: e.OrganizationID,
				Record:         repositories.RecordCoordinationEvent,
				Type:           e.EventType,
				Title:          e.Title,
				Status:         e.Status,
				Start:          e.StartsAt,
				End:            e.EndsAt,
				Location:       e.Location,
			})
		}
	}

	if wantAssessments {
		assessments, err := s.assessments.Scoped(ctx).
			Overlapping("starts_at", "ends_at", req.Start, req.End).
			In("status", req.Status).
			OrderBy("starts_at", false).
			All(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load calendar assessments: %w", err)
		}
		for _, a := range assessments {
			entries = append(entries, CalendarEntry{
				ID:             a.ID,
				OrganizationID: a.OrganizationID,
				Record:         repositories.RecordAssessment,
				Type:           EntryTypeAssessment,
				Title:          a.Title,
				Status:         a.Status,
				Start:          a.StartsAt,
				End:            a.EndsAt,
			})
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Start.Equal(entries[j].Start) {
			return entries[i].Start.Before(entries[j].Start)
		}
		return entries[i].ID < entries[j].ID
	})

	return &Feed{Start: req.Start, End: req.End, Entries: entries, GeneratedAt: s.now()}, nil
}

// EventInput carries the writable fields of a coordination event
type EventInput struct {
	Title     string    `json:"title"`
	EventType string    `json:"event_type"`
	Location  *string   `json:"location"`
	Status    string    `json:"status"`
	StartsAt  time.Time `json:"starts_at"`
	EndsAt    time.Time `json:"ends_at"`
}

func (in *EventInput) validate() error {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return invalid("title is required")
	}
	if in.EventType == "" {
		in.EventType = EventTypeMeeting
	}
	if !validEventType(in.EventType) {
		return invalid("unknown event type %q", in.EventType)
	}
	if in.Status == "" {
		in.Status = models.StatusPlanned
	}
	if !models.ValidStatus(in.Status) {
		return invalid("unknown status %q", in.Status)
	}
	if in.StartsAt.IsZero() || in.EndsAt.IsZero() {
		return invalid("starts_at and ends_at are required")
	}
	if in.EndsAt.Before(in.StartsAt) {
		return invalid("ends_at is before starts_at")
	}
	return nil
}

func (in EventInput) apply(ev *models.CoordinationEvent) {
	ev.Title = in.Title
	ev.EventType = in.EventType
	ev.Location = in.Location
	ev.Status = in.Status
	ev.StartsAt = in.StartsAt.UTC()
	ev.EndsAt = in.EndsAt.UTC()
}

// GetEvent returns the event with id if the active organization can see it, or nil
func (s *CalendarService) GetEvent(ctx context.Context, id string) (*models.CoordinationEvent, error) {
	if _, err := activeOrganization(ctx, models.CapabilityCoordination); err != nil {
		return nil, err
	}
	return s.events.Scoped(ctx).Get(ctx, id)
}

// CreateEvent records a coordination event for the active organization
func (s *CalendarService) CreateEvent(ctx context.Context, in EventInput) (*models.CoordinationEvent, error) {
	if _, err := activeOrganization(ctx, models.CapabilityCoordination); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	ev := &models.CoordinationEvent{}
	in.apply(ev)
	if err := s.events.Create(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// UpdateEvent replaces the writable fields of an event of the active organization
func (s *CalendarService) UpdateEvent(ctx context.Context, id string, in EventInput) (*models.CoordinationEvent, error) {
	if _, err := activeOrganization(ctx, models.CapabilityCoordination); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	ev, err := s.events.Scoped(ctx).Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, fmt.Errorf("coordination event %s: %w", id, repositories.ErrRecordNotFound)
	}
	in.apply(ev)
	if err := s.events.Update(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// DeleteEvent removes an event of the active organization
func (s *CalendarService) DeleteEvent(ctx context.Context, id string) error {
	if _, err := activeOrganization(ctx, models.CapabilityCoordination); err != nil {
		return err
	}
	return s.events.Delete(ctx, id)
}
