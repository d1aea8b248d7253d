// Package testhelpers provides an in-memory stand-in for the platform's
// assignment API. It implements every endpoint the SDK consumes with
// map-backed state and per-endpoint call counters, so cache behavior can be
// asserted without a real backend.
package testhelpers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"

	"github.com/esgflow/esgflow-sdk/modules/assignments/domain/assignment"
	"github.com/esgflow/esgflow-sdk/modules/assignments/domain/depgraph"
	"github.com/esgflow/esgflow-sdk/pkg/httpapi"
)

type FakeBackend struct {
	mu sync.Mutex

	router      *mux.Router
	assignments map[string]*assignment.Version
	nextID      int
	calls       map[string]int

	FY   *assignment.FiscalYear
	Tree []depgraph.TreeNode

	ValidationResult *apiValidationResult

	// Failure toggles: when set, the endpoint answers 500 with an envelope.
	FailCreate        bool
	FailResolve       bool
	FailTree          bool
	FailDeactivateAll bool
}

type apiValidationResult struct {
	IsValid bool   `json:"is_valid"`
	Error   string `json:"error,omitempty"`
}

func NewFakeBackend() *FakeBackend {
	b := &FakeBackend{
		assignments: make(map[string]*assignment.Version),
		calls:       make(map[string]int),
	}
	r := mux.NewRouter()
	r.HandleFunc("/api/assignments/version/create", b.createVersion).Methods(http.MethodPost)
	r.HandleFunc("/api/assignments/version/{id}/supersede", b.supersedeVersion).Methods(http.MethodPut)
	r.HandleFunc("/api/assignments/version/{id}/status", b.updateStatus).Methods(http.MethodPut)
	r.HandleFunc("/api/assignments/resolve", b.resolve).Methods(http.MethodPost)
	r.HandleFunc("/api/assignments/series/{seriesID}/versions", b.listSeriesVersions).Methods(http.MethodGet)
	r.HandleFunc("/api/assignments/by-field/{fieldID}", b.activeByField).Methods(http.MethodGet)
	r.HandleFunc("/api/assignments/{id}", b.getAssignment).Methods(http.MethodGet)
	r.HandleFunc("/admin/api/company/fy-config", b.fyConfig).Methods(http.MethodGet)
	r.HandleFunc("/admin/api/assignments/dependency-tree", b.dependencyTree).Methods(http.MethodGet)
	r.HandleFunc("/admin/api/assignments/check-removal-impact", b.checkRemovalImpact).Methods(http.MethodPost)
	r.HandleFunc("/admin/api/assignments/validate-dependencies", b.validateDependencies).Methods(http.MethodPost)
	r.HandleFunc("/admin/api/assignments/by-field/{fieldID}/deactivate-all", b.deactivateAll).Methods(http.MethodPost)
	b.router = r
	return b
}

func (b *FakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.router.ServeHTTP(w, r)
}

// CallCount returns how many times the named endpoint was hit. Names:
// create, supersede, status, resolve, series, by-field, get, fy-config,
// tree, impact, validate, deactivate-all.
func (b *FakeBackend) CallCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[name]
}

// Seed stores a version directly, bypassing the HTTP surface.
func (b *FakeBackend) Seed(v assignment.Version) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := v
	b.assignments[v.ID] = &cp
}

// Assignment returns a copy of the stored version, if any.
func (b *FakeBackend) Assignment(id string) (assignment.Version, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.assignments[id]
	if !ok {
		return assignment.Version{}, false
	}
	return *v, true
}

// ActiveFor returns the active version for a field+entity pair, if any.
func (b *FakeBackend) ActiveFor(fieldID, entityID string) (assignment.Version, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := b.activeForLocked(fieldID, entityID)
	if v == nil {
		return assignment.Version{}, false
	}
	return *v, true
}

func (b *FakeBackend) activeForLocked(fieldID, entityID string) *assignment.Version {
	for _, v := range b.assignments {
		if v.FieldID == fieldID && v.EntityID == entityID && v.SeriesStatus == assignment.StatusActive {
			return v
		}
	}
	return nil
}

func (b *FakeBackend) count(name string) {
	b.calls[name]++
}

func (b *FakeBackend) createVersion(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count("create")

	if b.FailCreate {
		_ = httpapi.WriteError(w, http.StatusInternalServerError, "ASSIGNMENTS_CREATE_FAILED", "simulated create failure", nil)
		return
	}

	var req assignment.Version
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = httpapi.WriteError(w, http.StatusBadRequest, "ASSIGNMENTS_INVALID_BODY", err.Error(), nil)
		return
	}
	b.nextID++
	req.ID = fmt.Sprintf("asg-%d", b.nextID)
	b.assignments[req.ID] = &req
	_ = httpapi.WriteJSON(w, http.StatusCreated, map[string]any{"assignment": req})
}

func (b *FakeBackend) supersedeVersion(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count("supersede")

	id := mux.Vars(r)["id"]
	v, ok := b.assignments[id]
	if !ok {
		_ = httpapi.WriteError(w, http.StatusNotFound, "ASSIGNMENTS_NOT_FOUND", "assignment not found", nil)
		return
	}
	v.SeriesStatus = assignment.StatusSuperseded
	_ = httpapi.WriteJSON(w, http.StatusOK, map[string]any{"assignment": *v})
}

func (b *FakeBackend) updateStatus(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count("status")

	id := mux.Vars(r)["id"]
	v, ok := b.assignments[id]
	if !ok {
		_ = httpapi.WriteError(w, http.StatusNotFound, "ASSIGNMENTS_NOT_FOUND", "assignment not found", nil)
		return
	}
	var body struct {
		Status assignment.SeriesStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		_ = httpapi.WriteError(w, http.StatusBadRequest, "ASSIGNMENTS_INVALID_BODY", err.Error(), nil)
		return
	}
	if !v.SeriesStatus.CanTransitionTo(body.Status) {
		_ = httpapi.WriteError(w, http.StatusUnprocessableEntity, "ASSIGNMENTS_INVALID_TRANSITION",
			fmt.Sprintf("cannot transition %s to %s", v.SeriesStatus, body.Status), nil)
		return
	}
	v.SeriesStatus = body.Status
	_ = httpapi.WriteJSON(w, http.StatusOK, map[string]any{"assignment": *v})
}

func (b *FakeBackend) resolve(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count("resolve")

	if b.FailResolve {
		_ = httpapi.WriteError(w, http.StatusInternalServerError, "ASSIGNMENTS_RESOLVE_FAILED", "simulated resolve failure", nil)
		return
	}

	var body struct {
		FieldID  string          `json:"field_id"`
		EntityID string          `json:"entity_id"`
		Date     assignment.Date `json:"date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		_ = httpapi.WriteError(w, http.StatusBadRequest, "ASSIGNMENTS_INVALID_BODY", err.Error(), nil)
		return
	}

	for _, v := range b.assignments {
		if v.FieldID == body.FieldID && v.EntityID == body.EntityID &&
			v.SeriesStatus == assignment.StatusActive && v.Covers(body.Date) {
			_ = httpapi.WriteJSON(w, http.StatusOK, map[string]any{"assignment": *v})
			return
		}
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, map[string]any{"assignment": nil})
}

func (b *FakeBackend) listSeriesVersions(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count("series")

	seriesID := mux.Vars(r)["seriesID"]
	versions := []assignment.Version{}
	for _, v := range b.assignments {
		if v.SeriesID.String() == seriesID {
			versions = append(versions, *v)
		}
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (b *FakeBackend) activeByField(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count("by-field")

	fieldID := mux.Vars(r)["fieldID"]
	entityID := r.URL.Query().Get("entity_id")
	if v := b.activeForLocked(fieldID, entityID); v != nil {
		_ = httpapi.WriteJSON(w, http.StatusOK, map[string]any{"assignment": *v})
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, map[string]any{"assignment": nil})
}

func (b *FakeBackend) getAssignment(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count("get")

	id := mux.Vars(r)["id"]
	v, ok := b.assignments[id]
	if !ok {
		_ = httpapi.WriteError(w, http.StatusNotFound, "ASSIGNMENTS_NOT_FOUND", "assignment not found", nil)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, map[string]any{"assignment": *v})
}

func (b *FakeBackend) fyConfig(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count("fy-config")

	if b.FY == nil {
		_ = httpapi.WriteJSON(w, http.StatusOK, map[string]any{"fy_config": nil})
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, map[string]any{"fy_config": *b.FY})
}

func (b *FakeBackend) dependencyTree(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count("tree")

	if b.FailTree {
		_ = httpapi.WriteError(w, http.StatusInternalServerError, "ASSIGNMENTS_TREE_FAILED", "simulated tree failure", nil)
		return
	}
	tree := b.Tree
	if tree == nil {
		tree = []depgraph.TreeNode{}
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, map[string]any{"dependency_tree": tree})
}

func (b *FakeBackend) checkRemovalImpact(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count("impact")

	var body struct {
		FieldIDs []string `json:"field_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		_ = httpapi.WriteError(w, http.StatusBadRequest, "ASSIGNMENTS_INVALID_BODY", err.Error(), nil)
		return
	}

	graph, err := depgraph.Build(b.Tree)
	if err != nil {
		_ = httpapi.WriteError(w, http.StatusInternalServerError, "ASSIGNMENTS_TREE_INVALID", err.Error(), nil)
		return
	}

	type impact struct {
		FieldID          string   `json:"field_id"`
		AffectedComputed []string `json:"affected_computed_fields"`
		HasImpact        bool     `json:"has_impact"`
	}
	impacts := make([]impact, 0, len(body.FieldIDs))
	for _, id := range body.FieldIDs {
		dependents := graph.Dependents(id)
		impacts = append(impacts, impact{
			FieldID:          id,
			AffectedComputed: dependents,
			HasImpact:        len(dependents) > 0,
		})
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, map[string]any{"impacts": impacts})
}

func (b *FakeBackend) validateDependencies(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count("validate")

	result := b.ValidationResult
	if result == nil {
		result = &apiValidationResult{IsValid: true}
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, result)
}

// SetValidationResult configures the answer of the validate-dependencies
// endpoint.
func (b *FakeBackend) SetValidationResult(isValid bool, errMsg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ValidationResult = &apiValidationResult{IsValid: isValid, Error: errMsg}
}

func (b *FakeBackend) deactivateAll(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count("deactivate-all")

	if b.FailDeactivateAll {
		_ = httpapi.WriteError(w, http.StatusInternalServerError, "ASSIGNMENTS_DEACTIVATE_FAILED", "simulated deactivate failure", nil)
		return
	}
	fieldID := mux.Vars(r)["fieldID"]
	for _, v := range b.assignments {
		if v.FieldID == fieldID && v.SeriesStatus == assignment.StatusActive {
			v.SeriesStatus = assignment.StatusSuperseded
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
