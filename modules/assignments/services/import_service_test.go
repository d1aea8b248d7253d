package services

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esgflow/esgflow-sdk/modules/assignments/testhelpers"
)

const importCSV = `Field ID,Entity Name,Frequency,Start Date,End Date,Reason
energy-consumption,"HQ, Plant A",Monthly,2024-01-01,,baseline setup
water-usage,HQ,Quarterly,2024-04-01,2025-03-31,
`

func newTestImport(t *testing.T, backend *testhelpers.FakeBackend) (*ImportService, *VersioningService) {
	t.Helper()
	versioning, _ := newTestVersioning(t, backend)
	return NewImportService(versioning, newTestLogger()), versioning
}

func TestImport_DryRunByDefault(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	imp, _ := newTestImport(t, backend)

	report, err := imp.Import(context.Background(), strings.NewReader(importCSV), ImportOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Rows)
	assert.Empty(t, report.Errors)
	assert.Equal(t, 0, report.Created)
	assert.Equal(t, 0, backend.CallCount("create"))

	// The quoted two-entity cell plans one create per entity.
	require.Len(t, report.Planned, 3)
	assert.Equal(t, "HQ", report.Planned[0].Input.EntityID)
	assert.Equal(t, "Plant A", report.Planned[1].Input.EntityID)
	assert.Equal(t, "water-usage", report.Planned[2].Input.FieldID)
	for _, p := range report.Planned {
		assert.False(t, p.Applied)
		assert.Nil(t, p.Created)
	}
}

func TestImport_ApplyWithEntityMap(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	imp, _ := newTestImport(t, backend)

	report, err := imp.Import(context.Background(), strings.NewReader(importCSV), ImportOptions{
		Apply:    true,
		Entities: map[string]string{"HQ": "entity-hq", "Plant A": "entity-plant-a"},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Created)
	assert.Empty(t, report.Errors)
	assert.Equal(t, 3, backend.CallCount("create"))

	v, ok := backend.ActiveFor("energy-consumption", "entity-hq")
	require.True(t, ok)
	assert.Equal(t, 1, v.SeriesVersion)
	_, ok = backend.ActiveFor("energy-consumption", "entity-plant-a")
	assert.True(t, ok)
	_, ok = backend.ActiveFor("water-usage", "entity-hq")
	assert.True(t, ok)
}

func TestImport_UnmappedEntityPassesThrough(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	imp, _ := newTestImport(t, backend)

	csv := "Field ID,Entity Name,Frequency\nenergy-consumption,entity-direct-id,Monthly\n"
	report, err := imp.Import(context.Background(), strings.NewReader(csv), ImportOptions{Apply: true})
	require.NoError(t, err)
	require.Len(t, report.Planned, 1)
	assert.Equal(t, "entity-direct-id", report.Planned[0].Input.EntityID)
}

func TestImport_CollectsRowErrors(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	imp, _ := newTestImport(t, backend)

	// An unknown frequency, a missing field id, an inverted window, then a
	// good line.
	csv := strings.Join([]string{
		"Field ID,Entity Name,Frequency,Start Date,End Date",
		"energy-consumption,HQ,Hourly,,",
		",HQ,Monthly,,",
		"water-usage,HQ,Monthly,2024-12-31,2024-01-01",
		"diesel,HQ,Monthly,,",
	}, "\n") + "\n"

	report, err := imp.Import(context.Background(), strings.NewReader(csv), ImportOptions{Apply: true})
	require.NoError(t, err)

	// Bad lines are reported with their line numbers; the good line still
	// lands.
	require.Len(t, report.Errors, 3)
	assert.Equal(t, 2, report.Errors[0].Line)
	assert.Equal(t, 3, report.Errors[1].Line)
	assert.Equal(t, 4, report.Errors[2].Line)
	assert.Equal(t, 1, report.Created)
	_, ok := backend.ActiveFor("diesel", "HQ")
	assert.True(t, ok)
}

func TestImport_RejectsUnknownHeader(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	imp, _ := newTestImport(t, backend)

	csv := "Field ID,Entity Name,Frequency,Comment\nenergy-consumption,HQ,Monthly,hello\n"
	_, err := imp.Import(context.Background(), strings.NewReader(csv), ImportOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected header column")
}

func TestImport_SupersedesExistingOnApply(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	imp, versioning := newTestImport(t, backend)

	_, err := versioning.CreateAssignmentVersion(context.Background(), CreateAssignmentInput{
		FieldID: "energy-consumption", EntityID: "entity-hq",
		Frequency: "Annual",
	})
	require.NoError(t, err)

	csv := "Field ID,Entity Name,Frequency\nenergy-consumption,HQ,Monthly\n"
	report, err := imp.Import(context.Background(), strings.NewReader(csv), ImportOptions{
		Apply:    true,
		Entities: map[string]string{"HQ": "entity-hq"},
	})
	require.NoError(t, err)
	require.Len(t, report.Planned, 1)
	require.True(t, report.Planned[0].Applied)
	assert.Equal(t, 2, report.Planned[0].Created.SeriesVersion)
}

func TestLoadEntityMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entities.csv")
	// UTF-8 BOM up front, the way spreadsheet exports arrive.
	content := "\xEF\xBB\xBFEntity Name,Entity ID\nHQ,entity-hq\nPlant A,entity-plant-a\n,skipped\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	entities, err := LoadEntityMap(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"HQ":      "entity-hq",
		"Plant A": "entity-plant-a",
	}, entities)
}

func TestImportFile(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	imp, _ := newTestImport(t, backend)

	path := filepath.Join(t.TempDir(), "assignments.csv")
	require.NoError(t, os.WriteFile(path, []byte(importCSV), 0o644))

	report, err := imp.ImportFile(context.Background(), path, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Rows)
	assert.Len(t, report.Planned, 3)
}
