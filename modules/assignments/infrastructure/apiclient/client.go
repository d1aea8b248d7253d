// Package apiclient is the JSON-over-HTTP client for the platform's
// assignment API. Durable state lives behind these endpoints; the SDK layers
// caching and coordination on top but never persists anything itself.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/esgflow/esgflow-sdk/pkg/httpapi"
)

const defaultTimeout = 30 * time.Second

// APIError carries a decoded platform error envelope alongside the HTTP
// status it arrived with.
type APIError struct {
	Status   int
	Envelope httpapi.ErrorEnvelope
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform api: %s (%s, status=%d)", e.Envelope.Message, e.Envelope.Code, e.Status)
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func WithRequestIDHeader(header string) Option {
	return func(c *Client) { c.requestIDHeader = header }
}

type Client struct {
	baseURL         *url.URL
	authorization   string
	httpClient      *http.Client
	requestIDHeader string
}

func New(baseURL, authorization string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL: %q", baseURL)
	}
	c := &Client{
		baseURL:         u,
		authorization:   strings.TrimSpace(authorization),
		httpClient:      &http.Client{Timeout: defaultTimeout},
		requestIDHeader: "X-Request-ID",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, reqBody any, out any) (int, *httpapi.ErrorEnvelope, error) {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return 0, nil, fmt.Errorf("json marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return 0, nil, fmt.Errorf("http request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.requestIDHeader != "" {
		req.Header.Set(c.requestIDHeader, uuid.NewString())
	}
	if c.authorization != "" {
		req.Header.Set("Authorization", c.authorization)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("http do: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("http read: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if envelope := httpapi.DecodeError(respBody); envelope != nil {
			return resp.StatusCode, envelope, nil
		}
		return resp.StatusCode, nil, fmt.Errorf("http status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if out == nil {
		return resp.StatusCode, nil, nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return resp.StatusCode, nil, fmt.Errorf("json unmarshal response: %w", err)
	}
	return resp.StatusCode, nil, nil
}

func apiErrOrNil(status int, envelope *httpapi.ErrorEnvelope) error {
	if envelope == nil {
		return nil
	}
	return &APIError{Status: status, Envelope: *envelope}
}
