// Package events defines the typed payloads delivered over the event bus.
// Each event kind is its own struct; subscribers register handlers taking the
// concrete type, so payload shape is checked at compile time.
package events

import (
	"github.com/google/uuid"

	"github.com/esgflow/esgflow-sdk/modules/assignments/domain/assignment"
)

type VersionCreated struct {
	VersionID string
	SeriesID  uuid.UUID
	Version   int
	FieldID   string
	EntityID  string
}

type VersionSuperseded struct {
	VersionID string
}

type VersionActivated struct {
	VersionID string
	Status    assignment.SeriesStatus
}

// ResolutionChanged is published whenever a resolve round-trips to the
// backend (cache hits do not re-publish). Version is nil when no assignment
// covers the date.
type ResolutionChanged struct {
	FieldID  string
	EntityID string
	Date     assignment.Date
	Version  *assignment.Version
}

type VersionConflict struct {
	FieldID             string
	EntityID            string
	Type                string
	SuggestedResolution string
}

type FYValidationWarning struct {
	Message string
}

type DependenciesLoaded struct {
	ComputedFields int
	Nodes          int
}

type DependenciesLoadFailed struct {
	Err string
}

type DependencyManagerInitialized struct{}
