package services

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esgflow/esgflow-sdk/modules/assignments/domain/assignment"
	"github.com/esgflow/esgflow-sdk/modules/assignments/domain/events"
	"github.com/esgflow/esgflow-sdk/modules/assignments/infrastructure/apiclient"
	"github.com/esgflow/esgflow-sdk/modules/assignments/testhelpers"
	"github.com/esgflow/esgflow-sdk/pkg/eventbus"
)

func newTestLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestVersioning(t *testing.T, backend *testhelpers.FakeBackend) (*VersioningService, eventbus.EventBus) {
	t.Helper()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	client, err := apiclient.New(srv.URL, "Bearer test-token")
	require.NoError(t, err)

	publisher := eventbus.NewEventPublisher(newTestLogger())
	return NewVersioningService(client, publisher, newTestLogger(), DefaultVersioningOptions()), publisher
}

func seedActive(backend *testhelpers.FakeBackend, id, fieldID, entityID string, version int, start, end string) assignment.Version {
	v := assignment.Version{
		ID:            id,
		SeriesID:      uuid.New(),
		SeriesVersion: version,
		SeriesStatus:  assignment.StatusActive,
		FieldID:       fieldID,
		EntityID:      entityID,
		Frequency:     assignment.FrequencyMonthly,
		StartDate:     assignment.MustParseDate(start),
		EndDate:       assignment.MustParseDate(end),
	}
	backend.Seed(v)
	return v
}

func TestCreateAssignmentVersion_NewSeries(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	svc, publisher := newTestVersioning(t, backend)

	var created []events.VersionCreated
	publisher.Subscribe(func(e events.VersionCreated) { created = append(created, e) })

	v, err := svc.CreateAssignmentVersion(context.Background(), CreateAssignmentInput{
		FieldID:   "energy-consumption",
		EntityID:  "entity-hq",
		Frequency: assignment.FrequencyMonthly,
		StartDate: assignment.MustParseDate("2024-01-01"),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, v.SeriesVersion)
	assert.Equal(t, assignment.StatusActive, v.SeriesStatus)
	assert.NotEqual(t, uuid.Nil, v.SeriesID)

	stored, ok := backend.Assignment(v.ID)
	require.True(t, ok)
	assert.Equal(t, v.SeriesID, stored.SeriesID)

	require.Len(t, created, 1)
	assert.Equal(t, v.ID, created[0].VersionID)
	assert.Equal(t, 1, created[0].Version)
}

func TestCreateAssignmentVersion_SupersedesPrior(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	svc, publisher := newTestVersioning(t, backend)

	var superseded []events.VersionSuperseded
	publisher.Subscribe(func(e events.VersionSuperseded) { superseded = append(superseded, e) })

	first, err := svc.CreateAssignmentVersion(context.Background(), CreateAssignmentInput{
		FieldID:   "energy-consumption",
		EntityID:  "entity-hq",
		Frequency: assignment.FrequencyMonthly,
	})
	require.NoError(t, err)

	second, err := svc.CreateAssignmentVersion(context.Background(), CreateAssignmentInput{
		FieldID:   "energy-consumption",
		EntityID:  "entity-hq",
		Frequency: assignment.FrequencyQuarterly,
		Reason:    "reporting cadence change",
	})
	require.NoError(t, err)

	assert.Equal(t, first.SeriesID, second.SeriesID)
	assert.Equal(t, first.SeriesVersion+1, second.SeriesVersion)
	assert.Equal(t, 1, backend.CallCount("supersede"))

	old, ok := backend.Assignment(first.ID)
	require.True(t, ok)
	assert.Equal(t, assignment.StatusSuperseded, old.SeriesStatus)

	require.Len(t, superseded, 1)
	assert.Equal(t, first.ID, superseded[0].VersionID)
}

func TestCreateAssignmentVersion_ValidationError(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	svc, _ := newTestVersioning(t, backend)

	_, err := svc.CreateAssignmentVersion(context.Background(), CreateAssignmentInput{
		EntityID:  "entity-hq",
		Frequency: assignment.FrequencyMonthly,
	})
	var serr *ServiceError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "ASSIGNMENTS_INVALID_INPUT", serr.Code)
	assert.Equal(t, 0, backend.CallCount("create"))
}

func TestCreateAssignmentVersion_UnknownFrequency(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	svc, _ := newTestVersioning(t, backend)

	_, err := svc.CreateAssignmentVersion(context.Background(), CreateAssignmentInput{
		FieldID:   "energy-consumption",
		EntityID:  "entity-hq",
		Frequency: "Hourly",
	})
	var serr *ServiceError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "ASSIGNMENTS_INVALID_FREQUENCY", serr.Code)
	assert.Equal(t, 0, backend.CallCount("create"))
}

func TestCreateAssignmentVersion_InvalidWindow(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	svc, _ := newTestVersioning(t, backend)

	_, err := svc.CreateAssignmentVersion(context.Background(), CreateAssignmentInput{
		FieldID:   "energy-consumption",
		EntityID:  "entity-hq",
		Frequency: assignment.FrequencyMonthly,
		StartDate: assignment.MustParseDate("2024-06-01"),
		EndDate:   assignment.MustParseDate("2024-01-01"),
	})
	var serr *ServiceError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "ASSIGNMENTS_INVALID_WINDOW", serr.Code)
}

func TestCreateAssignmentVersion_FailForward(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	svc, _ := newTestVersioning(t, backend)
	prior := seedActive(backend, "asg-prior", "water-usage", "entity-hq", 1, "2024-01-01", "")

	backend.FailCreate = true
	_, err := svc.CreateAssignmentVersion(context.Background(), CreateAssignmentInput{
		FieldID:   "water-usage",
		EntityID:  "entity-hq",
		Frequency: assignment.FrequencyMonthly,
	})
	require.Error(t, err)

	// The supersession is not rolled back: the pair is left without an
	// active assignment until the create is retried.
	stored, ok := backend.Assignment(prior.ID)
	require.True(t, ok)
	assert.Equal(t, assignment.StatusSuperseded, stored.SeriesStatus)
	_, active := backend.ActiveFor("water-usage", "entity-hq")
	assert.False(t, active)
}

func TestResolveActiveAssignment_CachesWithinTTL(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	svc, _ := newTestVersioning(t, backend)
	seedActive(backend, "asg-1", "energy-consumption", "entity-hq", 1, "2024-01-01", "2024-12-31")

	date := assignment.MustParseDate("2024-06-15")
	first, err := svc.ResolveActiveAssignment(context.Background(), "energy-consumption", "entity-hq", date)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := svc.ResolveActiveAssignment(context.Background(), "energy-consumption", "entity-hq", date)
	require.NoError(t, err)
	require.NotNil(t, second)

	assert.Equal(t, 1, backend.CallCount("resolve"))
	assert.Equal(t, first.ID, second.ID)
}

func TestResolveActiveAssignment_NegativeCaching(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	svc, _ := newTestVersioning(t, backend)

	date := assignment.MustParseDate("2024-06-15")
	for i := 0; i < 3; i++ {
		v, err := svc.ResolveActiveAssignment(context.Background(), "unknown-field", "entity-hq", date)
		require.NoError(t, err)
		assert.Nil(t, v)
	}
	assert.Equal(t, 1, backend.CallCount("resolve"))
}

func TestResolveActiveAssignment_BackendErrorCached(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	svc, _ := newTestVersioning(t, backend)
	backend.FailResolve = true

	date := assignment.MustParseDate("2024-06-15")
	v, err := svc.ResolveActiveAssignment(context.Background(), "energy-consumption", "entity-hq", date)
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = svc.ResolveActiveAssignment(context.Background(), "energy-consumption", "entity-hq", date)
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.Equal(t, 1, backend.CallCount("resolve"))
}

func TestResolveActiveAssignment_TTLExpiry(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	svc, _ := newTestVersioning(t, backend)
	seedActive(backend, "asg-1", "energy-consumption", "entity-hq", 1, "2024-01-01", "")

	now := time.Now()
	svc.resolutionCache.SetClock(func() time.Time { return now })

	date := assignment.MustParseDate("2024-06-15")
	_, err := svc.ResolveActiveAssignment(context.Background(), "energy-consumption", "entity-hq", date)
	require.NoError(t, err)

	now = now.Add(179 * time.Second)
	_, err = svc.ResolveActiveAssignment(context.Background(), "energy-consumption", "entity-hq", date)
	require.NoError(t, err)
	assert.Equal(t, 1, backend.CallCount("resolve"))

	now = now.Add(2 * time.Second)
	_, err = svc.ResolveActiveAssignment(context.Background(), "energy-consumption", "entity-hq", date)
	require.NoError(t, err)
	assert.Equal(t, 2, backend.CallCount("resolve"))
}

func TestCreateInvalidatesResolutionCache(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	svc, _ := newTestVersioning(t, backend)

	date := assignment.MustParseDate("2024-06-15")
	v, err := svc.ResolveActiveAssignment(context.Background(), "energy-consumption", "entity-hq", date)
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = svc.CreateAssignmentVersion(context.Background(), CreateAssignmentInput{
		FieldID:   "energy-consumption",
		EntityID:  "entity-hq",
		Frequency: assignment.FrequencyMonthly,
		StartDate: assignment.MustParseDate("2024-01-01"),
	})
	require.NoError(t, err)

	v, err = svc.ResolveActiveAssignment(context.Background(), "energy-consumption", "entity-hq", date)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, 2, backend.CallCount("resolve"))
}

func TestGetVersionForDate(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	svc, _ := newTestVersioning(t, backend)

	seriesID := uuid.New()
	old := assignment.Version{
		ID: "asg-old", SeriesID: seriesID, SeriesVersion: 1,
		SeriesStatus: assignment.StatusSuperseded,
		FieldID:      "energy-consumption", EntityID: "entity-hq",
		Frequency: assignment.FrequencyMonthly,
		StartDate: assignment.MustParseDate("2023-01-01"),
		EndDate:   assignment.MustParseDate("2023-12-31"),
	}
	current := assignment.Version{
		ID: "asg-current", SeriesID: seriesID, SeriesVersion: 2,
		SeriesStatus: assignment.StatusActive,
		FieldID:      "energy-consumption", EntityID: "entity-hq",
		Frequency: assignment.FrequencyQuarterly,
		StartDate: assignment.MustParseDate("2024-01-01"),
	}
	backend.Seed(old)
	backend.Seed(current)

	v, err := svc.GetVersionForDate(context.Background(), seriesID, assignment.MustParseDate("2024-06-15"))
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "asg-current", v.ID)

	// A superseded version never answers, even when its window covers the
	// date.
	v, err = svc.GetVersionForDate(context.Background(), seriesID, assignment.MustParseDate("2023-06-15"))
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestGetVersionHistory_SortedByVersion(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	svc, _ := newTestVersioning(t, backend)

	seriesID := uuid.New()
	for i, id := range []string{"asg-c", "asg-a", "asg-b"} {
		backend.Seed(assignment.Version{
			ID: id, SeriesID: seriesID, SeriesVersion: 3 - i,
			SeriesStatus: assignment.StatusSuperseded,
			FieldID:      "energy-consumption", EntityID: "entity-hq",
			Frequency: assignment.FrequencyMonthly,
		})
	}

	history, err := svc.GetVersionHistory(context.Background(), seriesID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, v := range history {
		assert.Equal(t, i+1, v.SeriesVersion)
	}
}

func TestUpdateVersionStatus_ForbidsSupersededToActive(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	svc, _ := newTestVersioning(t, backend)
	backend.Seed(assignment.Version{
		ID: "asg-1", SeriesID: uuid.New(), SeriesVersion: 1,
		SeriesStatus: assignment.StatusSuperseded,
		FieldID:      "energy-consumption", EntityID: "entity-hq",
		Frequency: assignment.FrequencyMonthly,
	})

	err := svc.UpdateVersionStatus(context.Background(), "asg-1", assignment.StatusActive)
	var serr *ServiceError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "ASSIGNMENTS_INVALID_TRANSITION", serr.Code)
	assert.Equal(t, 0, backend.CallCount("status"))
}

func TestUpdateVersionStatus_DraftToActive(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	svc, publisher := newTestVersioning(t, backend)
	backend.Seed(assignment.Version{
		ID: "asg-1", SeriesID: uuid.New(), SeriesVersion: 1,
		SeriesStatus: assignment.StatusDraft,
		FieldID:      "energy-consumption", EntityID: "entity-hq",
		Frequency: assignment.FrequencyMonthly,
	})

	var activated []events.VersionActivated
	publisher.Subscribe(func(e events.VersionActivated) { activated = append(activated, e) })

	require.NoError(t, svc.UpdateVersionStatus(context.Background(), "asg-1", assignment.StatusActive))

	stored, ok := backend.Assignment("asg-1")
	require.True(t, ok)
	assert.Equal(t, assignment.StatusActive, stored.SeriesStatus)
	require.Len(t, activated, 1)
	assert.Equal(t, assignment.StatusActive, activated[0].Status)
}

func TestDetectVersionConflicts(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	svc, publisher := newTestVersioning(t, backend)
	seedActive(backend, "asg-1", "energy-consumption", "entity-hq", 1, "2024-01-01", "2024-06-30")

	var conflicts []events.VersionConflict
	publisher.Subscribe(func(e events.VersionConflict) { conflicts = append(conflicts, e) })

	report, err := svc.DetectVersionConflicts(context.Background(), ConflictInput{
		FieldID:   "energy-consumption",
		EntityID:  "entity-hq",
		StartDate: assignment.MustParseDate("2024-05-01"),
	})
	require.NoError(t, err)
	assert.True(t, report.HasConflict)
	assert.Equal(t, "date_overlap", report.Type)
	assert.Equal(t, "supersede_existing", report.SuggestedResolution)
	require.NotNil(t, report.Existing)
	assert.Equal(t, "asg-1", report.Existing.ID)

	require.Len(t, conflicts, 1)
	assert.Contains(t, svc.Conflicts(), "energy-consumption:entity-hq")

	// Adjacent, non-overlapping window: no conflict, registry cleared.
	report, err = svc.DetectVersionConflicts(context.Background(), ConflictInput{
		FieldID:   "energy-consumption",
		EntityID:  "entity-hq",
		StartDate: assignment.MustParseDate("2024-07-01"),
	})
	require.NoError(t, err)
	assert.False(t, report.HasConflict)
	assert.NotContains(t, svc.Conflicts(), "energy-consumption:entity-hq")
}

func TestCheckFYCompatibility(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	svc, publisher := newTestVersioning(t, backend)

	var warnings []events.FYValidationWarning
	publisher.Subscribe(func(e events.FYValidationWarning) { warnings = append(warnings, e) })

	// No configuration: everything passes, with a warning.
	ok, err := svc.CheckFYCompatibility(context.Background(),
		assignment.MustParseDate("2024-01-01"), assignment.MustParseDate("2024-12-31"))
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, warnings, 1)

	backend.FY = &assignment.FiscalYear{
		StartDate: assignment.MustParseDate("2024-04-01"),
		EndDate:   assignment.MustParseDate("2025-03-31"),
	}

	ok, err = svc.CheckFYCompatibility(context.Background(),
		assignment.MustParseDate("2024-06-01"), assignment.MustParseDate("2025-03-31"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.CheckFYCompatibility(context.Background(),
		assignment.MustParseDate("2024-01-01"), assignment.MustParseDate("2024-12-31"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, warnings, 2)
}

func TestValidateDateInFY(t *testing.T) {
	fy := &assignment.FiscalYear{
		StartDate: assignment.MustParseDate("2024-04-01"),
		EndDate:   assignment.MustParseDate("2025-03-31"),
	}
	assert.True(t, ValidateDateInFY(assignment.MustParseDate("2024-04-01"), fy))
	assert.True(t, ValidateDateInFY(assignment.MustParseDate("2025-03-31"), fy))
	assert.False(t, ValidateDateInFY(assignment.MustParseDate("2024-03-31"), fy))
	assert.True(t, ValidateDateInFY(assignment.Date{}, fy))
	assert.True(t, ValidateDateInFY(assignment.MustParseDate("1990-01-01"), nil))
}

func TestResolveActiveAssignment_RequiresIdentifiers(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	svc, _ := newTestVersioning(t, backend)

	_, err := svc.ResolveActiveAssignment(context.Background(), "", "entity-hq", assignment.Date{})
	var serr *ServiceError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "ASSIGNMENTS_INVALID_INPUT", serr.Code)
	assert.Equal(t, 0, backend.CallCount("resolve"))
}
