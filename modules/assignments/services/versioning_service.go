package services

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/esgflow/esgflow-sdk/modules/assignments/domain/assignment"
	"github.com/esgflow/esgflow-sdk/modules/assignments/domain/events"
	"github.com/esgflow/esgflow-sdk/pkg/cache"
	"github.com/esgflow/esgflow-sdk/pkg/configuration"
	"github.com/esgflow/esgflow-sdk/pkg/eventbus"
)

// VersioningAPI is the slice of the platform API the versioning service
// consumes. *apiclient.Client satisfies it.
type VersioningAPI interface {
	CreateVersion(ctx context.Context, v assignment.Version) (*assignment.Version, error)
	SupersedeVersion(ctx context.Context, id string) error
	UpdateVersionStatus(ctx context.Context, id string, status assignment.SeriesStatus) error
	ResolveAssignment(ctx context.Context, fieldID, entityID string, date assignment.Date) (*assignment.Version, error)
	ListSeriesVersions(ctx context.Context, seriesID uuid.UUID) ([]assignment.Version, error)
	ActiveAssignmentByField(ctx context.Context, fieldID, entityID string) (*assignment.Version, error)
	GetAssignment(ctx context.Context, id string) (*assignment.Version, error)
	FiscalYearConfig(ctx context.Context) (*assignment.FiscalYear, error)
}

// VersioningOptions tunes the two client-side caches.
type VersioningOptions struct {
	ResolutionTTL  time.Duration
	VersionTTL     time.Duration
	VersionMaxSize int
	SweepInterval  time.Duration
}

func DefaultVersioningOptions() VersioningOptions {
	return VersioningOptions{
		ResolutionTTL:  180 * time.Second,
		VersionTTL:     300 * time.Second,
		VersionMaxSize: 1000,
		SweepInterval:  60 * time.Second,
	}
}

func VersioningOptionsFromConfig(c *configuration.Configuration) VersioningOptions {
	return VersioningOptions{
		ResolutionTTL:  c.Cache.ResolutionTTL,
		VersionTTL:     c.Cache.VersionTTL,
		VersionMaxSize: c.Cache.VersionMaxSize,
		SweepInterval:  c.Cache.SweepInterval,
	}
}

func (o *VersioningOptions) normalize() {
	def := DefaultVersioningOptions()
	if o.ResolutionTTL <= 0 {
		o.ResolutionTTL = def.ResolutionTTL
	}
	if o.VersionTTL <= 0 {
		o.VersionTTL = def.VersionTTL
	}
	if o.VersionMaxSize <= 0 {
		o.VersionMaxSize = def.VersionMaxSize
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = def.SweepInterval
	}
}

// resolutionEntry caches a resolve answer. A nil Version is a cached "no
// assignment covers this date" and is just as valid as a hit; the TTL damps
// repeated backend failures the same way.
type resolutionEntry struct {
	Version *assignment.Version
}

// ConflictReport is the advisory answer of DetectVersionConflicts. It never
// blocks a write.
type ConflictReport struct {
	HasConflict         bool                `json:"has_conflict"`
	Type                string              `json:"type,omitempty"`
	SuggestedResolution string              `json:"suggested_resolution,omitempty"`
	Existing            *assignment.Version `json:"existing,omitempty"`
}

// VersioningService coordinates the append-only version history kept by the
// backend: create-with-supersession, status transitions, and cached
// resolution of "which assignment governs this field+entity on this date".
type VersioningService struct {
	api       VersioningAPI
	publisher eventbus.EventBus
	log       *logrus.Logger
	validate  *validator.Validate
	opts      VersioningOptions

	resolutionCache *cache.TTLCache[string, resolutionEntry]
	versionCache    *expirable.LRU[string, assignment.Version]

	mu        sync.Mutex
	conflicts map[string]ConflictReport
}

func NewVersioningService(api VersioningAPI, publisher eventbus.EventBus, log *logrus.Logger, opts VersioningOptions) *VersioningService {
	opts.normalize()
	return &VersioningService{
		api:             api,
		publisher:       publisher,
		log:             log,
		validate:        validator.New(),
		opts:            opts,
		resolutionCache: cache.New[string, resolutionEntry](opts.ResolutionTTL, 0),
		versionCache:    expirable.NewLRU[string, assignment.Version](opts.VersionMaxSize, nil, opts.VersionTTL),
		conflicts:       make(map[string]ConflictReport),
	}
}

type CreateAssignmentInput struct {
	FieldID   string               `validate:"required"`
	EntityID  string               `validate:"required"`
	Frequency assignment.Frequency `validate:"required"`
	StartDate assignment.Date
	EndDate   assignment.Date
	Reason    string

	// ExistingAssignmentID pins the version to supersede. When empty the
	// active assignment for the field+entity pair is looked up instead.
	ExistingAssignmentID string
}

// CreateAssignmentVersion creates the next version of a series, superseding
// the prior active version first. When no prior version exists a fresh
// series is started at version 1.
//
// The two writes are not atomic: if the create fails after the supersession
// succeeded, the pair is left without an active assignment until the caller
// retries. The supersession is not rolled back.
func (s *VersioningService) CreateAssignmentVersion(ctx context.Context, in CreateAssignmentInput) (*assignment.Version, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, newServiceError(http.StatusBadRequest, "ASSIGNMENTS_INVALID_INPUT", "field_id/entity_id/frequency are required", err)
	}
	if !in.Frequency.IsValid() {
		return nil, newServiceError(http.StatusUnprocessableEntity, "ASSIGNMENTS_INVALID_FREQUENCY",
			fmt.Sprintf("invalid frequency: %q", in.Frequency), nil)
	}
	if !in.StartDate.IsZero() && !in.EndDate.IsZero() && in.EndDate.Before(in.StartDate) {
		return nil, newServiceError(http.StatusUnprocessableEntity, "ASSIGNMENTS_INVALID_WINDOW",
			fmt.Sprintf("end_date %s precedes start_date %s", in.EndDate, in.StartDate), nil)
	}

	prior, err := s.findPrior(ctx, in)
	if err != nil {
		return nil, err
	}

	req := assignment.Version{
		FieldID:      in.FieldID,
		EntityID:     in.EntityID,
		Frequency:    in.Frequency,
		StartDate:    in.StartDate,
		EndDate:      in.EndDate,
		Reason:       in.Reason,
		SeriesStatus: assignment.StatusActive,
	}
	if prior != nil {
		if err := s.SupersedePreviousVersion(ctx, prior.ID); err != nil {
			return nil, err
		}
		req.SeriesID = prior.SeriesID
		req.SeriesVersion = prior.SeriesVersion + 1
	} else {
		req.SeriesID = uuid.New()
		req.SeriesVersion = 1
	}

	created, err := s.api.CreateVersion(ctx, req)
	if err != nil {
		if prior != nil {
			s.log.WithFields(logrus.Fields{
				"field_id":      in.FieldID,
				"entity_id":     in.EntityID,
				"superseded_id": prior.ID,
			}).Warn("create failed after supersession; pair has no active assignment until retried")
		}
		return nil, newServiceError(http.StatusBadGateway, "ASSIGNMENTS_CREATE_FAILED", "create assignment version", err)
	}

	s.versionCache.Add(created.ID, *created)
	s.InvalidateResolutionCache()
	s.publisher.Publish(events.VersionCreated{
		VersionID: created.ID,
		SeriesID:  created.SeriesID,
		Version:   created.SeriesVersion,
		FieldID:   created.FieldID,
		EntityID:  created.EntityID,
	})
	return created, nil
}

func (s *VersioningService) findPrior(ctx context.Context, in CreateAssignmentInput) (*assignment.Version, error) {
	if in.ExistingAssignmentID != "" {
		prior, err := s.api.GetAssignment(ctx, in.ExistingAssignmentID)
		if err != nil {
			return nil, newServiceError(http.StatusBadGateway, "ASSIGNMENTS_LOOKUP_FAILED", "fetch existing assignment", err)
		}
		return prior, nil
	}
	prior, err := s.api.ActiveAssignmentByField(ctx, in.FieldID, in.EntityID)
	if err != nil {
		return nil, newServiceError(http.StatusBadGateway, "ASSIGNMENTS_LOOKUP_FAILED", "lookup active assignment", err)
	}
	return prior, nil
}

// SupersedePreviousVersion marks exactly one version superseded and drops
// every cache entry that could still serve the old answer.
func (s *VersioningService) SupersedePreviousVersion(ctx context.Context, id string) error {
	if err := s.api.SupersedeVersion(ctx, id); err != nil {
		return newServiceError(http.StatusBadGateway, "ASSIGNMENTS_SUPERSEDE_FAILED", "supersede assignment version", err)
	}
	s.versionCache.Remove(id)
	s.InvalidateResolutionCache()
	s.publisher.Publish(events.VersionSuperseded{VersionID: id})
	return nil
}

// ResolveActiveAssignment answers which assignment governs the pair as of
// date (today when zero). Answers are cached per (field, entity, date) for
// the resolution TTL, including "no assignment" and backend failures, so a
// flapping backend cannot be hammered by repeated lookups.
func (s *VersioningService) ResolveActiveAssignment(ctx context.Context, fieldID, entityID string, date assignment.Date) (*assignment.Version, error) {
	if fieldID == "" || entityID == "" {
		return nil, newServiceError(http.StatusBadRequest, "ASSIGNMENTS_INVALID_INPUT", "field_id and entity_id are required", nil)
	}
	if date.IsZero() {
		date = assignment.Today()
	}
	key := resolutionKey(fieldID, entityID, date)

	if entry, ok := s.resolutionCache.Get(key); ok {
		return copyVersion(entry.Version), nil
	}

	resolved, err := s.api.ResolveAssignment(ctx, fieldID, entityID, date)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"field_id":  fieldID,
			"entity_id": entityID,
			"date":      date.String(),
		}).WithError(err).Error("resolve assignment failed; caching empty answer")
		s.resolutionCache.Set(key, resolutionEntry{})
		return nil, nil
	}

	s.resolutionCache.Set(key, resolutionEntry{Version: resolved})
	s.publisher.Publish(events.ResolutionChanged{
		FieldID:  fieldID,
		EntityID: entityID,
		Date:     date,
		Version:  copyVersion(resolved),
	})
	return copyVersion(resolved), nil
}

// GetVersionForDate returns the active version of a series whose window
// covers date, or nil. The series listing is fetched on every call; history
// reads are rare and must not serve stale supersession state.
func (s *VersioningService) GetVersionForDate(ctx context.Context, seriesID uuid.UUID, date assignment.Date) (*assignment.Version, error) {
	if date.IsZero() {
		date = assignment.Today()
	}
	versions, err := s.api.ListSeriesVersions(ctx, seriesID)
	if err != nil {
		return nil, newServiceError(http.StatusBadGateway, "ASSIGNMENTS_SERIES_FAILED", "list series versions", err)
	}
	for i := range versions {
		v := &versions[i]
		if v.SeriesStatus == assignment.StatusActive && v.Covers(date) {
			return copyVersion(v), nil
		}
	}
	return nil, nil
}

// GetVersionHistory returns every version of a series, oldest first.
func (s *VersioningService) GetVersionHistory(ctx context.Context, seriesID uuid.UUID) ([]assignment.Version, error) {
	versions, err := s.api.ListSeriesVersions(ctx, seriesID)
	if err != nil {
		return nil, newServiceError(http.StatusBadGateway, "ASSIGNMENTS_SERIES_FAILED", "list series versions", err)
	}
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].SeriesVersion < versions[j].SeriesVersion
	})
	return versions, nil
}

// UpdateVersionStatus transitions one version's status. The superseded state
// is terminal; moving it back to active is rejected before the backend is
// asked.
func (s *VersioningService) UpdateVersionStatus(ctx context.Context, id string, status assignment.SeriesStatus) error {
	if !status.IsValid() {
		return newServiceError(http.StatusUnprocessableEntity, "ASSIGNMENTS_INVALID_STATUS",
			fmt.Sprintf("invalid series status: %q", status), nil)
	}

	current, cached := s.versionCache.Get(id)
	if !cached {
		fetched, err := s.api.GetAssignment(ctx, id)
		if err != nil {
			return newServiceError(http.StatusBadGateway, "ASSIGNMENTS_LOOKUP_FAILED", "fetch assignment", err)
		}
		current = *fetched
	}
	if !current.SeriesStatus.CanTransitionTo(status) {
		return newServiceError(http.StatusUnprocessableEntity, "ASSIGNMENTS_INVALID_TRANSITION",
			fmt.Sprintf("cannot transition %s to %s", current.SeriesStatus, status), nil)
	}

	if err := s.api.UpdateVersionStatus(ctx, id, status); err != nil {
		return newServiceError(http.StatusBadGateway, "ASSIGNMENTS_STATUS_FAILED", "update version status", err)
	}
	s.versionCache.Remove(id)
	s.InvalidateResolutionCache()
	s.publisher.Publish(events.VersionActivated{VersionID: id, Status: status})
	return nil
}

type ConflictInput struct {
	FieldID   string
	EntityID  string
	StartDate assignment.Date
	EndDate   assignment.Date
}

// DetectVersionConflicts checks a candidate window against the pair's
// current active assignment. Purely advisory: creation never calls it, and a
// reported conflict blocks nothing. Reports are kept in an in-memory
// registry until the next check for the same pair.
func (s *VersioningService) DetectVersionConflicts(ctx context.Context, in ConflictInput) (ConflictReport, error) {
	active, err := s.api.ActiveAssignmentByField(ctx, in.FieldID, in.EntityID)
	if err != nil {
		return ConflictReport{}, newServiceError(http.StatusBadGateway, "ASSIGNMENTS_LOOKUP_FAILED", "lookup active assignment", err)
	}

	key := in.FieldID + ":" + in.EntityID
	if active == nil {
		s.mu.Lock()
		delete(s.conflicts, key)
		s.mu.Unlock()
		return ConflictReport{}, nil
	}

	proposed := assignment.Version{StartDate: in.StartDate, EndDate: in.EndDate}
	if !proposed.Overlaps(active) {
		s.mu.Lock()
		delete(s.conflicts, key)
		s.mu.Unlock()
		return ConflictReport{Existing: copyVersion(active)}, nil
	}

	report := ConflictReport{
		HasConflict:         true,
		Type:                "date_overlap",
		SuggestedResolution: "supersede_existing",
		Existing:            copyVersion(active),
	}
	s.mu.Lock()
	s.conflicts[key] = report
	s.mu.Unlock()

	s.publisher.Publish(events.VersionConflict{
		FieldID:             in.FieldID,
		EntityID:            in.EntityID,
		Type:                report.Type,
		SuggestedResolution: report.SuggestedResolution,
	})
	return report, nil
}

// Conflicts returns a copy of the advisory conflict registry, keyed
// "fieldID:entityID".
func (s *VersioningService) Conflicts() map[string]ConflictReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ConflictReport, len(s.conflicts))
	for k, v := range s.conflicts {
		v.Existing = copyVersion(v.Existing)
		out[k] = v
	}
	return out
}

// CheckFYCompatibility validates a candidate window against the company's
// fiscal-year configuration. A company without one accepts every window; a
// warning event is published so the gap is visible.
func (s *VersioningService) CheckFYCompatibility(ctx context.Context, start, end assignment.Date) (bool, error) {
	fy, err := s.api.FiscalYearConfig(ctx)
	if err != nil {
		return false, newServiceError(http.StatusBadGateway, "ASSIGNMENTS_FY_FAILED", "fetch fiscal-year config", err)
	}
	if fy == nil {
		s.publisher.Publish(events.FYValidationWarning{Message: "no fiscal-year configuration; assignment dates were not validated"})
		return true, nil
	}

	if !ValidateDateInFY(start, fy) {
		s.publisher.Publish(events.FYValidationWarning{
			Message: fmt.Sprintf("start date %s falls outside the fiscal year %s..%s", start, fy.StartDate, fy.EndDate),
		})
		return false, nil
	}
	if !ValidateDateInFY(end, fy) {
		s.publisher.Publish(events.FYValidationWarning{
			Message: fmt.Sprintf("end date %s falls outside the fiscal year %s..%s", end, fy.StartDate, fy.EndDate),
		})
		return false, nil
	}
	return true, nil
}

// ValidateDateInFY reports whether a date is acceptable under the fiscal
// year. Unset dates and a missing configuration are acceptable.
func ValidateDateInFY(d assignment.Date, fy *assignment.FiscalYear) bool {
	if fy == nil || d.IsZero() {
		return true
	}
	return fy.Contains(d)
}

// InvalidateResolutionCache drops every cached resolution. Any write can
// change which version governs an arbitrary date, so invalidation is
// wholesale rather than per key.
func (s *VersioningService) InvalidateResolutionCache() {
	s.resolutionCache.Clear()
}

// CachedVersion returns the version-cache entry for an id, if present.
func (s *VersioningService) CachedVersion(id string) (assignment.Version, bool) {
	return s.versionCache.Get(id)
}

// ResolutionCacheLen reports how many resolution answers are currently
// cached, expired entries included until swept.
func (s *VersioningService) ResolutionCacheLen() int {
	return s.resolutionCache.Len()
}

// StartCacheMaintenance runs the periodic sweep over the resolution cache
// until ctx is done. The version cache expires entries on its own.
func (s *VersioningService) StartCacheMaintenance(ctx context.Context) {
	s.resolutionCache.StartSweeper(ctx, s.opts.SweepInterval)
}

func resolutionKey(fieldID, entityID string, date assignment.Date) string {
	return fieldID + "|" + entityID + "|" + date.String()
}

func copyVersion(v *assignment.Version) *assignment.Version {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}
