package services

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obcms/obcms-core/internal/db/models"
	"github.com/obcms/obcms-core/internal/tenancy"
)

var communityCols = []string{"id", "organization_id", "created_at", "updated_at",
	"name", "province", "municipality", "population", "notes"}

func TestPage_Limit(t *testing.T) {
	assert.Equal(t, DefaultPageSize, Page{}.limit())
	assert.Equal(t, DefaultPageSize, Page{Limit: 10000}.limit())
	assert.Equal(t, 20, Page{Limit: 20}.limit())
}

func TestListCommunities_FiltersByProvince(t *testing.T) {
	h := newHarness(t)
	svc := NewRecordService(h.cols)

	h.mock.ExpectQuery(`FROM communities WHERE organization_id = \$1 AND province = \$2 ORDER BY name LIMIT 20 OFFSET 40$`).
		WithArgs(mssID, "Maguindanao").
		WillReturnRows(sqlmock.NewRows(communityCols).
			AddRow("c-1", mssID, oct1, oct1, "Datu Piang", "Maguindanao", "Datu Piang", 1200, nil))

	out, err := svc.ListCommunities(inOrg(mss), "Maguindanao", Page{Limit: 20, Offset: 40})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "Datu Piang", out[0].Name)
	h.verify(t)
}

func TestListCommunities_RequiresCapability(t *testing.T) {
	h := newHarness(t)
	svc := NewRecordService(h.cols)

	_, err := svc.ListCommunities(inOrg(moh), "", Page{})
	assert.ErrorIs(t, err, ErrCapabilityDisabled)
	h.verify(t)
}

func TestCreateCommunity_Validation(t *testing.T) {
	h := newHarness(t)
	svc := NewRecordService(h.cols)

	assert.ErrorIs(t, svc.CreateCommunity(inOrg(mss), &models.Community{Name: "  "}), ErrInvalidInput)
	assert.ErrorIs(t, svc.CreateCommunity(inOrg(mss), &models.Community{Name: "X", Population: -1}), ErrInvalidInput)

	h.mock.ExpectExec(`INSERT INTO communities`).WillReturnResult(sqlmock.NewResult(1, 1))
	c := &models.Community{Name: " Barangay Dos ", Province: "Cotabato"}
	require.NoError(t, svc.CreateCommunity(inOrg(mss), c))
	assert.Equal(t, "Barangay Dos", c.Name)
	assert.Equal(t, mssID, c.OrganizationID)
	h.verify(t)
}

func TestListAssessments_StatusFilter(t *testing.T) {
	h := newHarness(t)
	svc := NewRecordService(h.cols)
	org := organization(mssID, "MSS", false, models.CapabilityAssessments)

	_, err := svc.ListAssessments(inOrg(org), "maybe", Page{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	h.mock.ExpectQuery(`FROM assessments WHERE organization_id = \$1 AND status = \$2 ORDER BY starts_at DESC LIMIT 50$`).
		WithArgs(mssID, models.StatusOngoing).
		WillReturnRows(sqlmock.NewRows(assessmentCols))
	out, err := svc.ListAssessments(inOrg(org), models.StatusOngoing, Page{})
	require.NoError(t, err)
	assert.Empty(t, out)
	h.verify(t)
}

func TestCreateAssessment_DefaultsAndValidation(t *testing.T) {
	h := newHarness(t)
	svc := NewRecordService(h.cols)
	org := organization(mssID, "MSS", false, models.CapabilityAssessments)

	err := svc.CreateAssessment(inOrg(org), &models.Assessment{Title: "Survey", StartsAt: oct31, EndsAt: oct1})
	assert.ErrorIs(t, err, ErrInvalidInput)

	h.mock.ExpectExec(`INSERT INTO assessments`).WillReturnResult(sqlmock.NewResult(1, 1))
	a := &models.Assessment{Title: "Survey", StartsAt: oct1, EndsAt: oct31}
	require.NoError(t, svc.CreateAssessment(inOrg(org), a))
	assert.Equal(t, models.StatusPlanned, a.Status)

	gen, _ := h.engine.Generation(context.Background(), "calendar_feed", mssID)
	assert.Equal(t, int64(1), gen)
	h.verify(t)
}

func TestArchivePastEvents_OnlyOwnOrganization(t *testing.T) {
	h := newHarness(t)
	svc := NewRecordService(h.cols)
	cutoff := oct31

	// the aggregator sees every tenant but archives its own events only
	h.mock.ExpectQuery(`FROM coordination_events WHERE organization_id = \$1 AND status IN \(\$2, \$3\) AND ends_at < \$4$`).
		WithArgs(ocmID, models.StatusPlanned, models.StatusOngoing, cutoff).
		WillReturnRows(eventRow(sqlmock.NewRows(eventCols), "ev-1", ocmID, "Kickoff", oct1))
	h.mock.ExpectExec(`UPDATE coordination_events SET`).WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := svc.ArchivePastEvents(inOrg(ocm), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.verify(t)
}

func TestArchivePastEvents_NoTenantContext(t *testing.T) {
	h := newHarness(t)
	svc := NewRecordService(h.cols)

	_, err := svc.ArchivePastEvents(context.Background(), time.Now())
	assert.ErrorIs(t, err, tenancy.ErrMissingTenantContext)
}
