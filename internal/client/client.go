// Package client is the editor's HTTP transport to the page API. It loads
// pages into a session and implements the autosave Saver, translating
// response statuses back into the pages error taxonomy so the coordinator can
// branch on conflicts and retry transient failures.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deka641/vellum-sub001/internal/pages"
)

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	authToken  string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithAuthToken(token string) Option {
	return func(c *Client) { c.authToken = token }
}

// New expects baseURL without the /api prefix or a trailing slash.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a response the taxonomy has no type for, e.g. 401.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Message)
}

type errorBody struct {
	Code    string          `json:"code"`
	Error   string          `json:"error"`
	Details json.RawMessage `json:"details"`
}

func (c *Client) LoadPage(ctx context.Context, pageID string) (pages.LoadedPage, error) {
	var out pages.LoadedPage
	err := c.do(ctx, http.MethodGet, pagePath(pageID), nil, &out, pageID)
	return out, err
}

func (c *Client) SaveBlocks(ctx context.Context, pageID string, req pages.SaveRequest) (pages.SaveResult, error) {
	var out pages.SaveResult
	err := c.do(ctx, http.MethodPut, pagePath(pageID)+"/blocks", req, &out, pageID)
	return out, err
}

func (c *Client) Publish(ctx context.Context, pageID string, scheduledAt *time.Time) (pages.Page, error) {
	body := struct {
		ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
	}{ScheduledAt: scheduledAt}
	var out pages.Page
	err := c.do(ctx, http.MethodPost, pagePath(pageID)+"/publish", body, &out, pageID)
	return out, err
}

func (c *Client) ListRevisions(ctx context.Context, pageID string) ([]pages.Revision, error) {
	var out struct {
		Items []pages.Revision `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, pagePath(pageID)+"/revisions", nil, &out, pageID)
	return out.Items, err
}

func (c *Client) RestoreRevision(ctx context.Context, pageID, revisionID string) (pages.Page, error) {
	var out pages.Page
	err := c.do(ctx, http.MethodPost, pagePath(pageID)+"/revisions/"+url.PathEscape(revisionID)+"/restore", nil, &out, revisionID)
	return out, err
}

func pagePath(pageID string) string {
	return "/api/pages/" + url.PathEscape(pageID)
}

func (c *Client) do(ctx context.Context, method, path string, body, target any, resourceID string) error {
	var bodyReader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	op := method + " " + path
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// the caller's own cancellation is not worth retrying
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ctx.Err()
		}
		return &pages.TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp, op, resourceID)
	}
	if target != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func decodeError(resp *http.Response, op, resourceID string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
		if body.Error == "" {
			body.Error = http.StatusText(resp.StatusCode)
		}
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		var server pages.ServerState
		if len(body.Details) == 0 || json.Unmarshal(body.Details, &server) != nil {
			return fmt.Errorf("%s: conflict response without server state", op)
		}
		return &pages.ConflictError{Server: server}
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
		return &pages.ValidationError{Reason: body.Error}
	case resp.StatusCode == http.StatusNotFound:
		return &pages.NotFoundError{Resource: "page", ID: resourceID}
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		return &pages.TransientError{Op: op, Err: &APIError{Status: resp.StatusCode, Code: body.Code, Message: body.Error}}
	default:
		return &APIError{Status: resp.StatusCode, Code: body.Code, Message: body.Error}
	}
}
