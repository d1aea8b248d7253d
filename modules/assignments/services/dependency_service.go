package services

import (
	"context"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/esgflow/esgflow-sdk/modules/assignments/domain/assignment"
	"github.com/esgflow/esgflow-sdk/modules/assignments/domain/depgraph"
	"github.com/esgflow/esgflow-sdk/modules/assignments/domain/events"
	"github.com/esgflow/esgflow-sdk/pkg/eventbus"
)

// DependencyAPI is the slice of the platform API the dependency service
// consumes. *apiclient.Client satisfies it.
type DependencyAPI interface {
	DependencyTree(ctx context.Context) ([]depgraph.TreeNode, error)
	CheckRemovalImpact(ctx context.Context, fieldIDs []string) ([]depgraph.RemovalImpact, error)
	ValidateDependencies(ctx context.Context, assignments []assignment.Version) (*assignment.FrequencyValidation, error)
}

// Field is the selection-facing view of a data point.
type Field struct {
	ID         string
	Name       string
	IsComputed bool
	Formula    string
}

// FieldOrigin records how a field entered the selection.
type FieldOrigin string

const (
	OriginUser    FieldOrigin = "user"
	OriginCascade FieldOrigin = "cascade"
)

// FieldSource resolves a field id to its full record. The dependency graph's
// metadata is used as a fallback when no source is configured or the source
// does not know the field.
type FieldSource interface {
	FieldByID(ctx context.Context, fieldID string) (*Field, error)
}

// SelectionStore is the slice of the selection state the cascade writes to.
// *SelectionService satisfies it.
type SelectionStore interface {
	Contains(fieldID string) bool
	Add(field Field, origin FieldOrigin)
}

// ConfirmFunc answers whether a removal with dependent computed fields may
// proceed.
type ConfirmFunc func(fieldID string, dependents []string) bool

// CascadeResult reports what a selection cascade did.
type CascadeResult struct {
	Added           []string
	AlreadySelected []string
}

// DependencyService owns the computed-field dependency graph for the current
// framework and applies it to selections: pulling dependencies in when a
// computed field is selected, and gating removals that would break one.
type DependencyService struct {
	api       DependencyAPI
	publisher eventbus.EventBus
	log       *logrus.Logger
	fields    FieldSource

	mu          sync.RWMutex
	graph       *depgraph.Graph
	framework   string
	initialized bool
}

func NewDependencyService(api DependencyAPI, publisher eventbus.EventBus, log *logrus.Logger) *DependencyService {
	return &DependencyService{api: api, publisher: publisher, log: log}
}

// SetFieldSource installs the richer field lookup used during cascades.
func (s *DependencyService) SetFieldSource(src FieldSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fields = src
}

// LoadDependencyData fetches the dependency tree and rebuilds the graph. On
// failure the previous graph is replaced by an empty one: selections keep
// working, only cascade and gating go quiet until the next successful load.
func (s *DependencyService) LoadDependencyData(ctx context.Context) error {
	tree, err := s.api.DependencyTree(ctx)
	if err != nil {
		s.storeGraph(nil)
		s.publisher.Publish(events.DependenciesLoadFailed{Err: err.Error()})
		return newServiceError(http.StatusBadGateway, "ASSIGNMENTS_TREE_FAILED", "fetch dependency tree", err)
	}
	graph, err := depgraph.Build(tree)
	if err != nil {
		s.storeGraph(nil)
		s.publisher.Publish(events.DependenciesLoadFailed{Err: err.Error()})
		return newServiceError(http.StatusUnprocessableEntity, "ASSIGNMENTS_TREE_INVALID", "build dependency graph", err)
	}

	s.storeGraph(graph)
	s.publisher.Publish(events.DependenciesLoaded{
		ComputedFields: graph.ComputedFieldCount(),
		Nodes:          graph.NodeCount(),
	})
	s.log.WithFields(logrus.Fields{
		"nodes":           graph.NodeCount(),
		"computed_fields": graph.ComputedFieldCount(),
	}).Info("dependency graph loaded")
	return nil
}

func (s *DependencyService) storeGraph(g *depgraph.Graph) {
	s.mu.Lock()
	s.graph = g
	first := !s.initialized
	s.initialized = true
	s.mu.Unlock()

	// Published outside the lock: a subscriber may read back into the
	// service.
	if first {
		s.publisher.Publish(events.DependencyManagerInitialized{})
	}
}

// SetFramework switches the active framework and reloads the graph. A
// repeated id is a no-op.
func (s *DependencyService) SetFramework(ctx context.Context, frameworkID string) error {
	s.mu.Lock()
	if s.framework == frameworkID {
		s.mu.Unlock()
		return nil
	}
	s.framework = frameworkID
	s.mu.Unlock()
	return s.LoadDependencyData(ctx)
}

func (s *DependencyService) Framework() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.framework
}

func (s *DependencyService) snapshot() *depgraph.Graph {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.graph
}

// HandleFieldSelection pulls the direct dependencies of a newly selected
// computed field into the store. One level only: a dependency that is itself
// computed is added but its own dependencies are not chased.
func (s *DependencyService) HandleFieldSelection(ctx context.Context, fieldID string, store SelectionStore) (CascadeResult, error) {
	var result CascadeResult
	graph := s.snapshot()
	if graph == nil || !graph.IsComputed(fieldID) {
		return result, nil
	}
	deps := graph.Dependencies(fieldID)
	if len(deps) == 0 {
		return result, nil
	}

	for _, depID := range deps {
		if store.Contains(depID) {
			result.AlreadySelected = append(result.AlreadySelected, depID)
			continue
		}
		field, err := s.resolveField(ctx, graph, depID)
		if err != nil {
			return result, err
		}
		store.Add(*field, OriginCascade)
		result.Added = append(result.Added, depID)
	}

	s.log.WithFields(logrus.Fields{
		"field_id":         fieldID,
		"added":            len(result.Added),
		"already_selected": len(result.AlreadySelected),
	}).Info("cascade-selected dependencies")
	return result, nil
}

func (s *DependencyService) resolveField(ctx context.Context, graph *depgraph.Graph, fieldID string) (*Field, error) {
	s.mu.RLock()
	src := s.fields
	s.mu.RUnlock()

	if src != nil {
		field, err := src.FieldByID(ctx, fieldID)
		if err != nil {
			return nil, newServiceError(http.StatusBadGateway, "ASSIGNMENTS_FIELD_LOOKUP_FAILED", "resolve dependency field", err)
		}
		if field != nil {
			return field, nil
		}
	}

	meta, ok := graph.Metadata(fieldID)
	if !ok {
		return nil, newServiceError(http.StatusNotFound, "ASSIGNMENTS_FIELD_UNKNOWN",
			"dependency field not present in graph: "+fieldID, nil)
	}
	return &Field{ID: fieldID, Name: meta.Name, IsComputed: meta.IsComputed, Formula: meta.Formula}, nil
}

// HandleFieldRemoval gates a removal: it reports the currently selected
// computed fields that still read fieldID and, when there are any, asks
// confirm. It never mutates the store.
func (s *DependencyService) HandleFieldRemoval(fieldID string, store SelectionStore, confirm ConfirmFunc) (bool, []string) {
	graph := s.snapshot()
	if graph == nil {
		return true, nil
	}

	var selected []string
	for _, depID := range graph.Dependents(fieldID) {
		if store.Contains(depID) {
			selected = append(selected, depID)
		}
	}
	if len(selected) == 0 {
		return true, nil
	}
	if confirm == nil {
		return false, selected
	}
	return confirm(fieldID, selected), selected
}

// ValidateFrequencyCompatibility asks the backend whether the proposed
// assignments satisfy their computed fields' frequency requirements. A
// transport failure is reported as an invalid verdict rather than an error:
// the caller treats the answer as a warning either way.
func (s *DependencyService) ValidateFrequencyCompatibility(ctx context.Context, assignments []assignment.Version) assignment.FrequencyValidation {
	if len(assignments) == 0 {
		return assignment.FrequencyValidation{IsValid: true}
	}
	verdict, err := s.api.ValidateDependencies(ctx, assignments)
	if err != nil {
		s.log.WithError(err).Warn("frequency validation unavailable")
		return assignment.FrequencyValidation{IsValid: false, Error: err.Error()}
	}
	return *verdict
}

// CheckRemovalImpact runs the backend's bulk impact check.
func (s *DependencyService) CheckRemovalImpact(ctx context.Context, fieldIDs []string) ([]depgraph.RemovalImpact, error) {
	impacts, err := s.api.CheckRemovalImpact(ctx, fieldIDs)
	if err != nil {
		return nil, newServiceError(http.StatusBadGateway, "ASSIGNMENTS_IMPACT_FAILED", "check removal impact", err)
	}
	return impacts, nil
}

func (s *DependencyService) IsComputed(fieldID string) bool {
	if g := s.snapshot(); g != nil {
		return g.IsComputed(fieldID)
	}
	return false
}

func (s *DependencyService) Dependencies(fieldID string) []string {
	if g := s.snapshot(); g != nil {
		return g.Dependencies(fieldID)
	}
	return nil
}

func (s *DependencyService) Dependents(fieldID string) []string {
	if g := s.snapshot(); g != nil {
		return g.Dependents(fieldID)
	}
	return nil
}

func (s *DependencyService) FieldMetadata(fieldID string) (depgraph.Metadata, bool) {
	if g := s.snapshot(); g != nil {
		return g.Metadata(fieldID)
	}
	return depgraph.Metadata{}, false
}

// DependencyTreeFor reconstructs the tree view rooted at a field.
func (s *DependencyService) DependencyTreeFor(fieldID string) *depgraph.TreeNode {
	if g := s.snapshot(); g != nil {
		return g.Tree(fieldID)
	}
	return nil
}

func (s *DependencyService) DependencyMap() map[string][]string {
	if g := s.snapshot(); g != nil {
		return g.DependencyMap()
	}
	return map[string][]string{}
}

func (s *DependencyService) ReverseDependencyMap() map[string][]string {
	if g := s.snapshot(); g != nil {
		return g.ReverseDependencyMap()
	}
	return map[string][]string{}
}
