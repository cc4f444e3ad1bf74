package services

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obcms/obcms-core/internal/db/models"
	"github.com/obcms/obcms-core/internal/db/repositories"
	"github.com/obcms/obcms-core/internal/tenancy"
)

const (
	scopedEventsQuery    = `SELECT id, organization_id, .* FROM coordination_events WHERE organization_id = \$1 AND starts_at <= \$2 AND ends_at >= \$3 ORDER BY starts_at$`
	aggregateEventsQuery = `SELECT id, organization_id, .* FROM coordination_events WHERE starts_at <= \$1 AND ends_at >= \$2 ORDER BY starts_at$`
)

func october() FeedRequest {
	return FeedRequest{Start: oct1, End: oct31}
}

// ---------------------------------------------------------------------------
// FeedRequest validation
// ---------------------------------------------------------------------------

func TestFeedRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     FeedRequest
		wantErr bool
	}{
		{"valid", october(), false},
		{"missing start", FeedRequest{End: oct31}, true},
		{"end before start", FeedRequest{Start: oct31, End: oct1}, true},
		{"range too long", FeedRequest{Start: oct1, End: oct1.Add(MaxFeedRange + time.Hour)}, true},
		{"unknown type", FeedRequest{Start: oct1, End: oct31, Types: []string{"party"}}, true},
		{"unknown status", FeedRequest{Start: oct1, End: oct31, Status: []string{"maybe"}}, true},
		{"assessment type", FeedRequest{Start: oct1, End: oct31, Types: []string{"assessment"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidInput)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFeedRequest_ValidateNormalisesLists(t *testing.T) {
	req := FeedRequest{Start: oct1, End: oct31, Types: []string{" Workshop", "meeting", "workshop", ""}, Status: []string{"PLANNED"}}
	require.NoError(t, req.Validate())
	assert.Equal(t, []string{"meeting", "workshop"}, req.Types)
	assert.Equal(t, []string{"planned"}, req.Status)
}

func TestFeedRequest_EquivalentRequestsShareParams(t *testing.T) {
	a := FeedRequest{Start: oct1, End: oct31, Types: []string{"workshop", "meeting"}}
	b := FeedRequest{Start: oct1, End: oct31, Types: []string{"meeting", "workshop", "meeting"}}
	require.NoError(t, a.Validate())
	require.NoError(t, b.Validate())

	ha, err := a.params(moh).Hash()
	require.NoError(t, err)
	hb, err := b.params(moh).Hash()
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

// ---------------------------------------------------------------------------
// Feed
// ---------------------------------------------------------------------------

func TestFeed_CreateAndDeleteAreVisibleImmediately(t *testing.T) {
	h := newHarness(t)
	svc := NewCalendarService(h.cols, h.engine, time.Hour)
	ctx := inOrg(moh)

	// first read computes, second is served from cache
	h.mock.ExpectQuery(scopedEventsQuery).WillReturnRows(sqlmock.NewRows(eventCols))
	feed, err := svc.Feed(ctx, october())
	require.NoError(t, err)
	assert.Empty(t, feed.Entries)

	feed, err = svc.Feed(ctx, october())
	require.NoError(t, err)
	assert.Empty(t, feed.Entries)

	h.mock.ExpectExec(`INSERT INTO coordination_events`).WillReturnResult(sqlmock.NewResult(1, 1))
	ev, err := svc.CreateEvent(ctx, EventInput{
		Title:    "Health sector coordination",
		StartsAt: oct1.Add(14 * 24 * time.Hour),
		EndsAt:   oct1.Add(14*24*time.Hour + 2*time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, mohID, ev.OrganizationID)
	assert.Equal(t, EventTypeMeeting, ev.EventType)
	assert.Equal(t, models.StatusPlanned, ev.Status)

	h.mock.ExpectQuery(scopedEventsQuery).
		WillReturnRows(eventRow(sqlmock.NewRows(eventCols), ev.ID, mohID, ev.Title, ev.StartsAt))
	feed, err = svc.Feed(ctx, october())
	require.NoError(t, err)
	require.Len(t, feed.Entries, 1)
	assert.Equal(t, ev.ID, feed.Entries[0].ID)
	assert.Equal(t, repositories.RecordCoordinationEvent, feed.Entries[0].Record)

	h.mock.ExpectExec(`DELETE FROM coordination_events`).
		WithArgs(ev.ID, mohID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, svc.DeleteEvent(ctx, ev.ID))

	november := FeedRequest{Start: oct31, End: oct31.Add(30 * 24 * time.Hour)}
	h.mock.ExpectQuery(scopedEventsQuery).WillReturnRows(sqlmock.NewRows(eventCols))
	feed, err = svc.Feed(ctx, november)
	require.NoError(t, err)
	assert.Empty(t, feed.Entries)

	h.mock.ExpectQuery(scopedEventsQuery).WillReturnRows(sqlmock.NewRows(eventCols))
	feed, err = svc.Feed(ctx, october())
	require.NoError(t, err)
	assert.Empty(t, feed.Entries, "deleted event must not be served from a stale entry")

	h.verify(t)
}

func TestFeed_AggregatorSeesOtherTenantWrites(t *testing.T) {
	h := newHarness(t)
	svc := NewCalendarService(h.cols, h.engine, time.Hour)

	h.mock.ExpectQuery(aggregateEventsQuery).WillReturnRows(sqlmock.NewRows(eventCols))
	h.mock.ExpectQuery(`FROM assessments WHERE starts_at <= \$1 AND ends_at >= \$2`).WillReturnRows(sqlmock.NewRows(assessmentCols))
	_, err := svc.Feed(inOrg(ocm), october())
	require.NoError(t, err)

	h.mock.ExpectExec(`INSERT INTO coordination_events`).WillReturnResult(sqlmock.NewResult(1, 1))
	ev, err := svc.CreateEvent(inOrg(moh), EventInput{Title: "Vaccination drive", EventType: EventTypeActivity, StartsAt: oct1, EndsAt: oct1.Add(time.Hour)})
	require.NoError(t, err)

	h.mock.ExpectQuery(aggregateEventsQuery).
		WillReturnRows(eventRow(sqlmock.NewRows(eventCols), ev.ID, mohID, ev.Title, ev.StartsAt))
	h.mock.ExpectQuery(`FROM assessments`).WillReturnRows(sqlmock.NewRows(assessmentCols))
	feed, err := svc.Feed(inOrg(ocm), october())
	require.NoError(t, err)
	require.Len(t, feed.Entries, 1)
	assert.Equal(t, mohID, feed.Entries[0].OrganizationID)
	h.verify(t)
}

func TestFeed_AggregatorsWithDifferentCapabilitiesDoNotShareEntries(t *testing.T) {
	h := newHarness(t)
	svc := NewCalendarService(h.cols, h.engine, time.Hour)
	ovs := organization("88888888-8888-8888-8888-888888888888", "OVS", true, models.CapabilityCoordination)

	h.mock.ExpectQuery(aggregateEventsQuery).WillReturnRows(sqlmock.NewRows(eventCols))
	h.mock.ExpectQuery(`FROM assessments WHERE starts_at <= \$1 AND ends_at >= \$2`).
		WillReturnRows(sqlmock.NewRows(assessmentCols).
			AddRow("as-1", mssID, oct1, oct1, "Needs assessment", nil, models.StatusOngoing, oct1.Add(24*time.Hour), oct1.Add(48*time.Hour)))
	feed, err := svc.Feed(inOrg(ocm), october())
	require.NoError(t, err)
	require.Len(t, feed.Entries, 1)
	assert.Equal(t, EntryTypeAssessment, feed.Entries[0].Type)

	// OVS cannot see assessments; its feed is computed, not taken from OCM's entry
	h.mock.ExpectQuery(aggregateEventsQuery).WillReturnRows(sqlmock.NewRows(eventCols))
	feed, err = svc.Feed(inOrg(ovs), october())
	require.NoError(t, err)
	for _, e := range feed.Entries {
		assert.NotEqual(t, EntryTypeAssessment, e.Type)
	}
	assert.Empty(t, feed.Entries)

	// same capabilities as before: OCM is still served from cache
	feed, err = svc.Feed(inOrg(ocm), october())
	require.NoError(t, err)
	assert.Len(t, feed.Entries, 1)
	h.verify(t)
}

func TestFeedRequest_ParamsDependOnCapabilities(t *testing.T) {
	req := october()
	require.NoError(t, req.Validate())

	withAssessments, err := req.params(ocm).Hash()
	require.NoError(t, err)
	coordinationOnly, err := req.params(organization(ocmID, "OCM", true, models.CapabilityCoordination)).Hash()
	require.NoError(t, err)
	assert.NotEqual(t, withAssessments, coordinationOnly)
}

func TestFeed_MergesAssessmentsInStartOrder(t *testing.T) {
	h := newHarness(t)
	svc := NewCalendarService(h.cols, h.engine, time.Hour)
	org := organization(mssID, "MSS", false, models.CapabilityCoordination, models.CapabilityAssessments)

	h.mock.ExpectQuery(scopedEventsQuery).
		WillReturnRows(eventRow(sqlmock.NewRows(eventCols), "ev-1", mssID, "Workshop", oct1.Add(72*time.Hour)))
	h.mock.ExpectQuery(`FROM assessments WHERE organization_id = \$1 AND starts_at <= \$2 AND ends_at >= \$3 ORDER BY starts_at$`).
		WillReturnRows(sqlmock.NewRows(assessmentCols).
			AddRow("as-1", mssID, oct1, oct1, "Needs assessment", nil, models.StatusOngoing, oct1.Add(24*time.Hour), oct1.Add(96*time.Hour)))

	feed, err := svc.Feed(inOrg(org), october())
	require.NoError(t, err)
	require.Len(t, feed.Entries, 2)
	assert.Equal(t, "as-1", feed.Entries[0].ID)
	assert.Equal(t, EntryTypeAssessment, feed.Entries[0].Type)
	assert.Equal(t, "ev-1", feed.Entries[1].ID)
	h.verify(t)
}

func TestFeed_TypeFilterSkipsAssessments(t *testing.T) {
	h := newHarness(t)
	svc := NewCalendarService(h.cols, h.engine, time.Hour)
	org := organization(mssID, "MSS", false, models.CapabilityCoordination, models.CapabilityAssessments)

	h.mock.ExpectQuery(`FROM coordination_events WHERE organization_id = \$1 AND starts_at <= \$2 AND ends_at >= \$3 AND event_type IN \(\$4\) AND status IN \(\$5, \$6\)`).
		WithArgs(mssID, sqlmock.AnyArg(), sqlmock.AnyArg(), "workshop", "ongoing", "planned").
		WillReturnRows(sqlmock.NewRows(eventCols))

	_, err := svc.Feed(inOrg(org), FeedRequest{Start: oct1, End: oct31, Types: []string{"workshop"}, Status: []string{"planned", "ongoing"}})
	require.NoError(t, err)
	h.verify(t)
}

func TestFeed_Errors(t *testing.T) {
	h := newHarness(t)
	svc := NewCalendarService(h.cols, h.engine, time.Hour)

	_, err := svc.Feed(context.Background(), october())
	assert.ErrorIs(t, err, tenancy.ErrMissingTenantContext)

	noCalendar := organization(mssID, "MSS", false, models.CapabilityCommunities)
	_, err = svc.Feed(inOrg(noCalendar), october())
	assert.ErrorIs(t, err, ErrCapabilityDisabled)

	_, err = svc.Feed(inOrg(moh), FeedRequest{Start: oct31, End: oct1})
	assert.ErrorIs(t, err, ErrInvalidInput)

	h.verify(t)
}

// ---------------------------------------------------------------------------
// Event writes
// ---------------------------------------------------------------------------

func TestCreateEvent_InvalidInput(t *testing.T) {
	h := newHarness(t)
	svc := NewCalendarService(h.cols, h.engine, time.Hour)

	cases := map[string]EventInput{
		"no title":   {StartsAt: oct1, EndsAt: oct1},
		"bad type":   {Title: "x", EventType: "party", StartsAt: oct1, EndsAt: oct1},
		"bad status": {Title: "x", Status: "maybe", StartsAt: oct1, EndsAt: oct1},
		"no dates":   {Title: "x"},
		"reversed":   {Title: "x", StartsAt: oct31, EndsAt: oct1},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.CreateEvent(inOrg(moh), in)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
	h.verify(t)
}

func TestUpdateEvent_OtherTenantsEventIsNotFound(t *testing.T) {
	h := newHarness(t)
	svc := NewCalendarService(h.cols, h.engine, time.Hour)

	h.mock.ExpectQuery(`FROM coordination_events WHERE organization_id = \$1 AND id = \$2`).
		WithArgs(mohID, "ev-mss").
		WillReturnRows(sqlmock.NewRows(eventCols))

	_, err := svc.UpdateEvent(inOrg(moh), "ev-mss", EventInput{Title: "Renamed", StartsAt: oct1, EndsAt: oct1})
	assert.ErrorIs(t, err, repositories.ErrRecordNotFound)
	h.verify(t)
}

func TestUpdateEvent_WritesAndInvalidates(t *testing.T) {
	h := newHarness(t)
	svc := NewCalendarService(h.cols, h.engine, time.Hour)

	h.mock.ExpectQuery(`FROM coordination_events WHERE organization_id = \$1 AND id = \$2`).
		WithArgs(mohID, "ev-1").
		WillReturnRows(eventRow(sqlmock.NewRows(eventCols), "ev-1", mohID, "Kickoff", oct1))
	h.mock.ExpectExec(`UPDATE coordination_events SET .* WHERE id = \$\d+ AND organization_id = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ev, err := svc.UpdateEvent(inOrg(moh), "ev-1", EventInput{Title: "Kickoff (moved)", EventType: EventTypeWorkshop, StartsAt: oct1, EndsAt: oct1.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, "Kickoff (moved)", ev.Title)
	assert.Equal(t, EventTypeWorkshop, ev.EventType)

	gen, _ := h.engine.Generation(context.Background(), "calendar_feed", mohID)
	assert.Equal(t, int64(1), gen)
	h.verify(t)
}
