package apiclient

import (
	"context"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/esgflow/esgflow-sdk/modules/assignments/domain/assignment"
	"github.com/esgflow/esgflow-sdk/modules/assignments/domain/depgraph"
)

// CreateVersion creates version 1 or N+1 of a series. The request is a
// version record without an ID; the backend assigns one.
func (c *Client) CreateVersion(ctx context.Context, req assignment.Version) (*assignment.Version, error) {
	var out struct {
		Assignment assignment.Version `json:"assignment"`
	}
	status, envelope, err := c.doJSON(ctx, http.MethodPost, "/api/assignments/version/create", nil, req, &out)
	if err != nil {
		return nil, err
	}
	if err := apiErrOrNil(status, envelope); err != nil {
		return nil, err
	}
	return &out.Assignment, nil
}

// SupersedeVersion marks exactly one version superseded.
func (c *Client) SupersedeVersion(ctx context.Context, id string) error {
	status, envelope, err := c.doJSON(ctx, http.MethodPut, "/api/assignments/version/"+url.PathEscape(id)+"/supersede", nil, nil, nil)
	if err != nil {
		return err
	}
	return apiErrOrNil(status, envelope)
}

// UpdateVersionStatus sets a version's series status.
func (c *Client) UpdateVersionStatus(ctx context.Context, id string, newStatus assignment.SeriesStatus) error {
	body := struct {
		Status assignment.SeriesStatus `json:"status"`
	}{Status: newStatus}
	status, envelope, err := c.doJSON(ctx, http.MethodPut, "/api/assignments/version/"+url.PathEscape(id)+"/status", nil, body, nil)
	if err != nil {
		return err
	}
	return apiErrOrNil(status, envelope)
}

// ResolveAssignment asks the backend which assignment governs the pair as of
// date. A (nil, nil) return means no assignment covers that date.
func (c *Client) ResolveAssignment(ctx context.Context, fieldID, entityID string, date assignment.Date) (*assignment.Version, error) {
	body := struct {
		FieldID  string          `json:"field_id"`
		EntityID string          `json:"entity_id"`
		Date     assignment.Date `json:"date"`
	}{FieldID: fieldID, EntityID: entityID, Date: date}

	var out struct {
		Assignment *assignment.Version `json:"assignment"`
	}
	status, envelope, err := c.doJSON(ctx, http.MethodPost, "/api/assignments/resolve", nil, body, &out)
	if err != nil {
		return nil, err
	}
	if err := apiErrOrNil(status, envelope); err != nil {
		return nil, err
	}
	return out.Assignment, nil
}

// ListSeriesVersions returns every version of a series.
func (c *Client) ListSeriesVersions(ctx context.Context, seriesID uuid.UUID) ([]assignment.Version, error) {
	var out struct {
		Versions []assignment.Version `json:"versions"`
	}
	status, envelope, err := c.doJSON(ctx, http.MethodGet, "/api/assignments/series/"+seriesID.String()+"/versions", nil, nil, &out)
	if err != nil {
		return nil, err
	}
	if err := apiErrOrNil(status, envelope); err != nil {
		return nil, err
	}
	return out.Versions, nil
}

// ActiveAssignmentByField finds the active assignment for a field+entity
// pair; (nil, nil) when there is none.
func (c *Client) ActiveAssignmentByField(ctx context.Context, fieldID, entityID string) (*assignment.Version, error) {
	q := url.Values{}
	q.Set("entity_id", entityID)
	q.Set("status", string(assignment.StatusActive))

	var out struct {
		Assignment *assignment.Version `json:"assignment"`
	}
	status, envelope, err := c.doJSON(ctx, http.MethodGet, "/api/assignments/by-field/"+url.PathEscape(fieldID), q, nil, &out)
	if err != nil {
		return nil, err
	}
	if envelope != nil && status == http.StatusNotFound {
		return nil, nil
	}
	if err := apiErrOrNil(status, envelope); err != nil {
		return nil, err
	}
	return out.Assignment, nil
}

// GetAssignment fetches one assignment by id.
func (c *Client) GetAssignment(ctx context.Context, id string) (*assignment.Version, error) {
	var out struct {
		Assignment assignment.Version `json:"assignment"`
	}
	status, envelope, err := c.doJSON(ctx, http.MethodGet, "/api/assignments/"+url.PathEscape(id), nil, nil, &out)
	if err != nil {
		return nil, err
	}
	if err := apiErrOrNil(status, envelope); err != nil {
		return nil, err
	}
	return &out.Assignment, nil
}

// FiscalYearConfig returns the company's fiscal-year window, or (nil, nil)
// when the company has none configured.
func (c *Client) FiscalYearConfig(ctx context.Context) (*assignment.FiscalYear, error) {
	var out struct {
		Config *assignment.FiscalYear `json:"fy_config"`
	}
	status, envelope, err := c.doJSON(ctx, http.MethodGet, "/admin/api/company/fy-config", nil, nil, &out)
	if err != nil {
		return nil, err
	}
	if envelope != nil && status == http.StatusNotFound {
		return nil, nil
	}
	if err := apiErrOrNil(status, envelope); err != nil {
		return nil, err
	}
	return out.Config, nil
}

// DependencyTree fetches the full computed-field dependency tree.
func (c *Client) DependencyTree(ctx context.Context) ([]depgraph.TreeNode, error) {
	var out struct {
		Tree []depgraph.TreeNode `json:"dependency_tree"`
	}
	status, envelope, err := c.doJSON(ctx, http.MethodGet, "/admin/api/assignments/dependency-tree", nil, nil, &out)
	if err != nil {
		return nil, err
	}
	if err := apiErrOrNil(status, envelope); err != nil {
		return nil, err
	}
	return out.Tree, nil
}

// CheckRemovalImpact runs the bulk impact check for a set of fields.
func (c *Client) CheckRemovalImpact(ctx context.Context, fieldIDs []string) ([]depgraph.RemovalImpact, error) {
	body := struct {
		FieldIDs []string `json:"field_ids"`
	}{FieldIDs: fieldIDs}

	var out struct {
		Impacts []depgraph.RemovalImpact `json:"impacts"`
	}
	status, envelope, err := c.doJSON(ctx, http.MethodPost, "/admin/api/assignments/check-removal-impact", nil, body, &out)
	if err != nil {
		return nil, err
	}
	if err := apiErrOrNil(status, envelope); err != nil {
		return nil, err
	}
	return out.Impacts, nil
}

// ValidateDependencies asks the backend whether the proposed assignments are
// frequency-compatible with their computed-field dependencies.
func (c *Client) ValidateDependencies(ctx context.Context, assignments []assignment.Version) (*assignment.FrequencyValidation, error) {
	body := struct {
		Assignments []assignment.Version `json:"assignments"`
	}{Assignments: assignments}

	var out assignment.FrequencyValidation
	status, envelope, err := c.doJSON(ctx, http.MethodPost, "/admin/api/assignments/validate-dependencies", nil, body, &out)
	if err != nil {
		return nil, err
	}
	if err := apiErrOrNil(status, envelope); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeactivateAllForField cascade-deactivates every record related to a field,
// optionally narrowed to specific entities.
func (c *Client) DeactivateAllForField(ctx context.Context, fieldID string, entityIDs []string) error {
	body := struct {
		EntityIDs []string `json:"entity_ids,omitempty"`
	}{EntityIDs: entityIDs}
	status, envelope, err := c.doJSON(ctx, http.MethodPost, "/admin/api/assignments/by-field/"+url.PathEscape(fieldID)+"/deactivate-all", nil, body, nil)
	if err != nil {
		return err
	}
	return apiErrOrNil(status, envelope)
}
