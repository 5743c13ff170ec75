package reviewdesksdk

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
)

// Client is a minimal Reviewdesk HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Dataset represents the API dataset model.
type Dataset struct {
	ID          string  `json:"id"`
	OwnerType   string  `json:"owner_type"`
	OwnerID     string  `json:"owner_id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status"`
	Visibility  string  `json:"visibility"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
	PublishedAt *string `json:"published_at,omitempty"`
}

// Assignment binds a reviewer to a dataset.
type Assignment struct {
	ID         string  `json:"id"`
	DatasetID  string  `json:"dataset_id"`
	AdminID    string  `json:"admin_id"`
	Status     string  `json:"status"`
	AssignedAt string  `json:"assigned_at"`
	ClosedAt   *string `json:"closed_at,omitempty"`
}

// Verification is the content check state of the current upload.
type Verification struct {
	DatasetID     string  `json:"dataset_id"`
	Status        string  `json:"status"`
	CurrentUpload *string `json:"current_upload,omitempty"`
	FailReason    string  `json:"fail_reason,omitempty"`
	UpdatedAt     string  `json:"updated_at"`
}

// ReviewOutcome describes a committed review action.
type ReviewOutcome struct {
	DatasetID        string `json:"dataset_id"`
	Action           string `json:"action"`
	NewStatus        string `json:"new_status"`
	AssignmentID     string `json:"assignment_id,omitempty"`
	AssignmentStatus string `json:"assignment_status,omitempty"`
	Timestamp        string `json:"timestamp"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedDatasets wraps list responses with cursors.
type PaginatedDatasets struct {
	Items      []Dataset `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// SubmitDataset submits a proposal.
func (c *Client) SubmitDataset(ctx context.Context, ownerType, title string, opts map[string]any) (Dataset, error) {
	body := map[string]any{
		"owner_type": ownerType,
		"title":      title,
	}
	for k, v := range opts {
		body[k] = v
	}
	var resp Dataset
	err := c.do(ctx, http.MethodPost, "datasets", body, &resp)
	return resp, err
}

// GetDataset fetches a dataset with its assignment and verification state.
func (c *Client) GetDataset(ctx context.Context, id string) (Dataset, error) {
	var resp struct {
		Dataset Dataset `json:"dataset"`
	}
	err := c.do(ctx, http.MethodGet, "datasets/"+url.PathEscape(id), nil, &resp)
	return resp.Dataset, err
}

// ListDatasets returns a page of datasets.
func (c *Client) ListDatasets(ctx context.Context, status string, limit int, cursor string) (PaginatedDatasets, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "datasets"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedDatasets
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Pick claims a dataset for review.
func (c *Client) Pick(ctx context.Context, datasetID string) (Assignment, error) {
	var resp Assignment
	err := c.do(ctx, http.MethodPost, datasetAction(datasetID, "pick"), nil, &resp)
	return resp, err
}

// Approve approves a dataset under review.
func (c *Client) Approve(ctx context.Context, datasetID, notes string) (ReviewOutcome, error) {
	return c.decision(ctx, datasetID, "approve", map[string]any{"notes": notes})
}

// Reject rejects a dataset under review. Notes are required.
func (c *Client) Reject(ctx context.Context, datasetID, notes string) (ReviewOutcome, error) {
	return c.decision(ctx, datasetID, "reject", map[string]any{"notes": notes})
}

// RequestChanges asks the supplier for changes without closing the review.
func (c *Client) RequestChanges(ctx context.Context, datasetID, notes string, datasetChanges, pricingChanges bool) (ReviewOutcome, error) {
	return c.decision(ctx, datasetID, "request-changes", map[string]any{
		"notes":                 notes,
		"dataset_needs_changes": datasetChanges,
		"pricing_needs_changes": pricingChanges,
	})
}

// Publish publishes a verified dataset.
func (c *Client) Publish(ctx context.Context, datasetID string) (ReviewOutcome, error) {
	var resp ReviewOutcome
	err := c.do(ctx, http.MethodPost, datasetAction(datasetID, "publish"), nil, &resp)
	return resp, err
}

// Unpublish takes a published dataset off the catalog.
func (c *Client) Unpublish(ctx context.Context, datasetID string) (ReviewOutcome, error) {
	var resp ReviewOutcome
	err := c.do(ctx, http.MethodPost, datasetAction(datasetID, "unpublish"), nil, &resp)
	return resp, err
}

// Withdraw pulls the caller's own proposal out of review.
func (c *Client) Withdraw(ctx context.Context, datasetID string) (Dataset, error) {
	var resp Dataset
	err := c.do(ctx, http.MethodPost, datasetAction(datasetID, "withdraw"), nil, &resp)
	return resp, err
}

// AttachUpload attaches an upload and resets verification to pending.
func (c *Client) AttachUpload(ctx context.Context, datasetID, uploadID string) (Verification, error) {
	var resp Verification
	err := c.do(ctx, http.MethodPost, datasetAction(datasetID, "verification/upload"), map[string]any{"upload_id": uploadID}, &resp)
	return resp, err
}

// GetVerification fetches the verification record.
func (c *Client) GetVerification(ctx context.Context, datasetID string) (Verification, error) {
	var resp Verification
	err := c.do(ctx, http.MethodGet, datasetAction(datasetID, "verification"), nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) decision(ctx context.Context, datasetID, action string, body map[string]any) (ReviewOutcome, error) {
	var resp ReviewOutcome
	err := c.do(ctx, http.MethodPost, datasetAction(datasetID, action), body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func datasetAction(datasetID, action string) string {
	return fmt.Sprintf("datasets/%s/%s", url.PathEscape(datasetID), action)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
