package services

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DeactivateAPI is the slice of the platform API the selection service
// consumes. *apiclient.Client satisfies it.
type DeactivateAPI interface {
	DeactivateAllForField(ctx context.Context, fieldID string, entityIDs []string) error
}

// SelectionItem is one entry of the selection state. Removal is a soft
// delete: the entry stays, flagged inactive, so the selection history
// survives a framework round-trip.
type SelectionItem struct {
	Field        Field
	Origin       FieldOrigin
	IsActive     bool
	DeletedAt    time.Time
	Dependencies []string
}

// RemovalOutcome reports everything a removal did, including the result of
// the backend deactivation. The local removal stands even when the backend
// call failed; the caller decides whether to retry.
type RemovalOutcome struct {
	Removed        bool
	CascadeRemoved []string
	DeactivateErr  error
}

// SelectionGroup is one display unit: a computed field with its selected
// dependencies, or a standalone field with no members.
type SelectionGroup struct {
	Lead      SelectionItem
	Members   []SelectionItem
	Collapsed bool
}

// SelectionService owns which fields are selected for assignment. Computed
// fields drag their dependencies in through the dependency service and gate
// their dependencies' removal.
type SelectionService struct {
	deps     *DependencyService
	api      DeactivateAPI
	log      *logrus.Logger
	collapse CollapseStore

	mu    sync.Mutex
	items map[string]*SelectionItem
	order []string
}

func NewSelectionService(deps *DependencyService, api DeactivateAPI, log *logrus.Logger, collapse CollapseStore) *SelectionService {
	if collapse == nil {
		collapse = NewMemoryCollapseStore()
	}
	return &SelectionService{
		deps:     deps,
		api:      api,
		log:      log,
		collapse: collapse,
		items:    make(map[string]*SelectionItem),
	}
}

// Contains reports whether a field is selected and active.
func (s *SelectionService) Contains(fieldID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[fieldID]
	return ok && item.IsActive
}

// Add records a field. A re-add reactivates a soft-deleted entry, and a user
// add of a cascade-added field promotes its origin; a cascade add never
// demotes a user selection.
func (s *SelectionService) Add(field Field, origin FieldOrigin) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(field, origin)
}

func (s *SelectionService) addLocked(field Field, origin FieldOrigin) {
	if item, ok := s.items[field.ID]; ok {
		item.Field = field
		item.IsActive = true
		item.DeletedAt = time.Time{}
		if origin == OriginUser {
			item.Origin = OriginUser
		}
		return
	}
	s.items[field.ID] = &SelectionItem{Field: field, Origin: origin, IsActive: true}
	s.order = append(s.order, field.ID)
}

// Select adds a field as a user choice and cascades its dependencies in.
func (s *SelectionService) Select(ctx context.Context, field Field) (CascadeResult, error) {
	if field.ID == "" {
		return CascadeResult{}, newServiceError(http.StatusBadRequest, "ASSIGNMENTS_INVALID_INPUT", "field id is required", nil)
	}
	s.Add(field, OriginUser)

	result, err := s.deps.HandleFieldSelection(ctx, field.ID, s)
	if err != nil {
		return result, err
	}

	if deps := s.deps.Dependencies(field.ID); len(deps) > 0 {
		s.mu.Lock()
		if item, ok := s.items[field.ID]; ok {
			item.Dependencies = deps
		}
		s.mu.Unlock()
	}
	return result, nil
}

// Remove soft-deletes a selected field. When selected computed fields still
// depend on it the removal must be confirmed; on confirmation those
// dependents are soft-deleted too, the field first. The backend deactivation
// runs last and its error is carried in the outcome, not dropped.
func (s *SelectionService) Remove(ctx context.Context, fieldID string, confirm ConfirmFunc) (RemovalOutcome, error) {
	if !s.Contains(fieldID) {
		return RemovalOutcome{}, newServiceError(http.StatusNotFound, "ASSIGNMENTS_NOT_SELECTED",
			"field is not selected: "+fieldID, nil)
	}

	proceed, dependents := s.deps.HandleFieldRemoval(fieldID, s, confirm)
	if !proceed {
		return RemovalOutcome{}, nil
	}

	outcome := RemovalOutcome{Removed: true}
	now := time.Now()
	s.mu.Lock()
	s.softDeleteLocked(fieldID, now)
	for _, depID := range dependents {
		if item, ok := s.items[depID]; ok && item.IsActive {
			s.softDeleteLocked(depID, now)
			outcome.CascadeRemoved = append(outcome.CascadeRemoved, depID)
		}
	}
	s.mu.Unlock()

	if err := s.api.DeactivateAllForField(ctx, fieldID, nil); err != nil {
		s.log.WithField("field_id", fieldID).WithError(err).Warn("backend deactivation failed; selection removed locally")
		outcome.DeactivateErr = err
	}
	return outcome, nil
}

func (s *SelectionService) softDeleteLocked(fieldID string, at time.Time) {
	if item, ok := s.items[fieldID]; ok {
		item.IsActive = false
		item.DeletedAt = at
	}
}

// Item returns a copy of one selection entry.
func (s *SelectionService) Item(fieldID string) (SelectionItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[fieldID]
	if !ok {
		return SelectionItem{}, false
	}
	return copyItem(item), true
}

// Items returns copies of every entry in insertion order, soft-deleted ones
// included.
func (s *SelectionService) Items() []SelectionItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SelectionItem, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, copyItem(s.items[id]))
	}
	return out
}

// VisibleItems groups the selection for display. A visible computed field
// forms a unit with its selected dependencies; when the computed parent is
// hidden its still-visible dependencies are promoted to standalone entries
// rather than disappearing with it.
func (s *SelectionService) VisibleItems(showInactive bool) []SelectionGroup {
	s.mu.Lock()
	defer s.mu.Unlock()

	visible := func(item *SelectionItem) bool {
		return item.IsActive || showInactive
	}

	claimed := make(map[string]struct{})
	for _, id := range s.order {
		item := s.items[id]
		if !visible(item) || len(item.Dependencies) == 0 {
			continue
		}
		for _, depID := range item.Dependencies {
			if dep, ok := s.items[depID]; ok && visible(dep) {
				claimed[depID] = struct{}{}
			}
		}
	}

	var groups []SelectionGroup
	for _, id := range s.order {
		item := s.items[id]
		if !visible(item) {
			continue
		}
		if _, taken := claimed[id]; taken {
			continue
		}
		group := SelectionGroup{Lead: copyItem(item), Collapsed: s.collapse.IsCollapsed(id)}
		for _, depID := range item.Dependencies {
			if dep, ok := s.items[depID]; ok && visible(dep) {
				group.Members = append(group.Members, copyItem(dep))
			}
		}
		groups = append(groups, group)
	}
	return groups
}

// ToggleCollapse flips the collapse state of a group and reports the new
// state.
func (s *SelectionService) ToggleCollapse(fieldID string) bool {
	collapsed := !s.collapse.IsCollapsed(fieldID)
	s.collapse.SetCollapsed(fieldID, collapsed)
	return collapsed
}

func copyItem(item *SelectionItem) SelectionItem {
	cp := *item
	if len(item.Dependencies) > 0 {
		cp.Dependencies = make([]string, len(item.Dependencies))
		copy(cp.Dependencies, item.Dependencies)
	}
	return cp
}
