package services

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esgflow/esgflow-sdk/modules/assignments/domain/assignment"
	"github.com/esgflow/esgflow-sdk/modules/assignments/domain/depgraph"
	"github.com/esgflow/esgflow-sdk/modules/assignments/domain/events"
	"github.com/esgflow/esgflow-sdk/modules/assignments/infrastructure/apiclient"
	"github.com/esgflow/esgflow-sdk/modules/assignments/testhelpers"
	"github.com/esgflow/esgflow-sdk/pkg/eventbus"
)

func sampleTree() []depgraph.TreeNode {
	return []depgraph.TreeNode{
		{
			FieldID: "energy-intensity", Name: "Energy Intensity", IsComputed: true,
			Formula: "total-energy / revenue",
			Dependencies: []depgraph.TreeNode{
				{
					FieldID: "total-energy", Name: "Total Energy", IsComputed: true,
					Formula: "grid-electricity + diesel",
					Dependencies: []depgraph.TreeNode{
						{FieldID: "grid-electricity", Name: "Grid Electricity"},
						{FieldID: "diesel", Name: "Diesel"},
					},
				},
				{FieldID: "revenue", Name: "Revenue"},
			},
		},
		{
			FieldID: "scope2-emissions", Name: "Scope 2 Emissions", IsComputed: true,
			Formula: "grid-electricity * factor",
			Dependencies: []depgraph.TreeNode{
				{FieldID: "grid-electricity", Name: "Grid Electricity"},
			},
		},
	}
}

func newTestDependency(t *testing.T, backend *testhelpers.FakeBackend) (*DependencyService, eventbus.EventBus) {
	t.Helper()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	client, err := apiclient.New(srv.URL, "")
	require.NoError(t, err)

	publisher := eventbus.NewEventPublisher(newTestLogger())
	return NewDependencyService(client, publisher, newTestLogger()), publisher
}

// mapStore is a minimal selection store for cascade tests.
type mapStore struct {
	fields map[string]Field
	origin map[string]FieldOrigin
}

func newMapStore() *mapStore {
	return &mapStore{fields: map[string]Field{}, origin: map[string]FieldOrigin{}}
}

func (s *mapStore) Contains(fieldID string) bool {
	_, ok := s.fields[fieldID]
	return ok
}

func (s *mapStore) Add(field Field, origin FieldOrigin) {
	s.fields[field.ID] = field
	s.origin[field.ID] = origin
}

func TestLoadDependencyData(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	backend.Tree = sampleTree()
	svc, publisher := newTestDependency(t, backend)

	var loaded []events.DependenciesLoaded
	var initialized int
	publisher.Subscribe(func(e events.DependenciesLoaded) { loaded = append(loaded, e) })
	publisher.Subscribe(func(events.DependencyManagerInitialized) { initialized++ })

	require.NoError(t, svc.LoadDependencyData(context.Background()))

	require.Len(t, loaded, 1)
	assert.Equal(t, 3, loaded[0].ComputedFields)
	assert.Equal(t, 6, loaded[0].Nodes)
	assert.Equal(t, 1, initialized)

	assert.True(t, svc.IsComputed("energy-intensity"))
	assert.False(t, svc.IsComputed("revenue"))
	assert.ElementsMatch(t, []string{"total-energy", "revenue"}, svc.Dependencies("energy-intensity"))
	assert.Equal(t, []string{"scope2-emissions", "total-energy"}, svc.Dependents("grid-electricity"))

	// A reload does not re-announce initialization.
	require.NoError(t, svc.LoadDependencyData(context.Background()))
	assert.Equal(t, 1, initialized)
	assert.Len(t, loaded, 2)
}

func TestLoadDependencyData_BackendFailure(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	backend.Tree = sampleTree()
	svc, publisher := newTestDependency(t, backend)

	var failed []events.DependenciesLoadFailed
	publisher.Subscribe(func(e events.DependenciesLoadFailed) { failed = append(failed, e) })

	require.NoError(t, svc.LoadDependencyData(context.Background()))
	require.True(t, svc.IsComputed("energy-intensity"))

	backend.FailTree = true
	err := svc.LoadDependencyData(context.Background())
	require.Error(t, err)
	require.Len(t, failed, 1)

	// The stale graph is dropped: cascade and gating go quiet instead of
	// acting on an outdated tree.
	assert.False(t, svc.IsComputed("energy-intensity"))
	assert.Empty(t, svc.DependencyMap())
}

func TestSetFramework_ReloadsOnce(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	backend.Tree = sampleTree()
	svc, _ := newTestDependency(t, backend)

	require.NoError(t, svc.SetFramework(context.Background(), "gri-2024"))
	require.NoError(t, svc.SetFramework(context.Background(), "gri-2024"))
	assert.Equal(t, 1, backend.CallCount("tree"))
	assert.Equal(t, "gri-2024", svc.Framework())

	require.NoError(t, svc.SetFramework(context.Background(), "esrs-2024"))
	assert.Equal(t, 2, backend.CallCount("tree"))
}

func TestHandleFieldSelection_CascadesOneLevel(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	backend.Tree = sampleTree()
	svc, _ := newTestDependency(t, backend)
	require.NoError(t, svc.LoadDependencyData(context.Background()))

	store := newMapStore()
	store.Add(Field{ID: "revenue", Name: "Revenue"}, OriginUser)

	result, err := svc.HandleFieldSelection(context.Background(), "energy-intensity", store)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"total-energy"}, result.Added)
	assert.ElementsMatch(t, []string{"revenue"}, result.AlreadySelected)

	// One level only: total-energy's own dependencies are not chased.
	assert.False(t, store.Contains("grid-electricity"))
	assert.False(t, store.Contains("diesel"))
	assert.Equal(t, OriginCascade, store.origin["total-energy"])
	assert.Equal(t, "Total Energy", store.fields["total-energy"].Name)
}

func TestHandleFieldSelection_NonComputedNoop(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	backend.Tree = sampleTree()
	svc, _ := newTestDependency(t, backend)
	require.NoError(t, svc.LoadDependencyData(context.Background()))

	store := newMapStore()
	result, err := svc.HandleFieldSelection(context.Background(), "revenue", store)
	require.NoError(t, err)
	assert.Empty(t, result.Added)
	assert.Empty(t, store.fields)
}

type staticFieldSource map[string]Field

func (s staticFieldSource) FieldByID(_ context.Context, fieldID string) (*Field, error) {
	if f, ok := s[fieldID]; ok {
		return &f, nil
	}
	return nil, nil
}

func TestHandleFieldSelection_PrefersFieldSource(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	backend.Tree = sampleTree()
	svc, _ := newTestDependency(t, backend)
	require.NoError(t, svc.LoadDependencyData(context.Background()))
	svc.SetFieldSource(staticFieldSource{
		"total-energy": {ID: "total-energy", Name: "Total Energy (kWh)", IsComputed: true},
	})

	store := newMapStore()
	_, err := svc.HandleFieldSelection(context.Background(), "energy-intensity", store)
	require.NoError(t, err)

	// The richer lookup wins; fields the source does not know fall back to
	// graph metadata.
	assert.Equal(t, "Total Energy (kWh)", store.fields["total-energy"].Name)
	assert.Equal(t, "Revenue", store.fields["revenue"].Name)
}

func TestHandleFieldRemoval_Gate(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	backend.Tree = sampleTree()
	svc, _ := newTestDependency(t, backend)
	require.NoError(t, svc.LoadDependencyData(context.Background()))

	store := newMapStore()
	store.Add(Field{ID: "grid-electricity"}, OriginUser)
	store.Add(Field{ID: "scope2-emissions", IsComputed: true}, OriginUser)

	// Dependent selected, no confirmation: blocked.
	proceed, dependents := svc.HandleFieldRemoval("grid-electricity", store, nil)
	assert.False(t, proceed)
	assert.Equal(t, []string{"scope2-emissions"}, dependents)

	// Declined confirmation: blocked.
	proceed, _ = svc.HandleFieldRemoval("grid-electricity", store, func(string, []string) bool { return false })
	assert.False(t, proceed)

	// Accepted confirmation: proceeds.
	var asked []string
	proceed, _ = svc.HandleFieldRemoval("grid-electricity", store, func(fieldID string, deps []string) bool {
		asked = append(asked, fieldID)
		return true
	})
	assert.True(t, proceed)
	assert.Equal(t, []string{"grid-electricity"}, asked)

	// No selected dependents: no gate at all.
	proceed, dependents = svc.HandleFieldRemoval("revenue", store, nil)
	assert.True(t, proceed)
	assert.Empty(t, dependents)
}

func TestValidateFrequencyCompatibility(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	svc, _ := newTestDependency(t, backend)

	proposed := []assignment.Version{{
		FieldID: "grid-electricity", EntityID: "entity-hq",
		Frequency: assignment.FrequencyAnnual,
	}}

	verdict := svc.ValidateFrequencyCompatibility(context.Background(), proposed)
	assert.True(t, verdict.IsValid)

	backend.SetValidationResult(false, "grid-electricity must be at least Monthly for total-energy")
	verdict = svc.ValidateFrequencyCompatibility(context.Background(), proposed)
	assert.False(t, verdict.IsValid)
	assert.Contains(t, verdict.Error, "at least Monthly")

	// Empty input short-circuits without a backend round-trip.
	calls := backend.CallCount("validate")
	verdict = svc.ValidateFrequencyCompatibility(context.Background(), nil)
	assert.True(t, verdict.IsValid)
	assert.Equal(t, calls, backend.CallCount("validate"))
}

func TestCheckRemovalImpact(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	backend.Tree = sampleTree()
	svc, _ := newTestDependency(t, backend)

	impacts, err := svc.CheckRemovalImpact(context.Background(), []string{"grid-electricity", "revenue", "unknown"})
	require.NoError(t, err)
	require.Len(t, impacts, 3)

	assert.True(t, impacts[0].HasImpact)
	assert.Equal(t, []string{"scope2-emissions", "total-energy"}, impacts[0].AffectedComputed)
	assert.True(t, impacts[1].HasImpact)
	assert.False(t, impacts[2].HasImpact)
}
