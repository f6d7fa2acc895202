package pidlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal pidline operator API client.
type Client struct {
	BaseURL    string
	BasePath   string
	Actor      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client for the API served at baseURL under /v1.
func New(baseURL, actor string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Actor:    actor,
		Timeout:  30 * time.Second,
	}
}

// Result is the outcome of a lifecycle operation.
type Result struct {
	OK         bool   `json:"ok"`
	Action     string `json:"action"`
	Message    string `json:"message,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Retryable  bool   `json:"retryable"`
	Identifier string `json:"identifier,omitempty"`
	State      string `json:"state,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

// Identifier is the stored identifier for a record (partial).
type Identifier struct {
	ID                 string  `json:"id"`
	Identifier         string  `json:"identifier"`
	RecordID           int64   `json:"record_id"`
	GroupCode          string  `json:"group_code"`
	State              string  `json:"state"`
	DeactivationReason *string `json:"deactivation_reason,omitempty"`
	LastSyncAt         *string `json:"last_sync_at,omitempty"`
}

// Action is an action log entry.
type Action struct {
	ID          int64          `json:"id"`
	RecordID    int64          `json:"record_id"`
	Action      string         `json:"action"`
	StateBefore string         `json:"state_before"`
	StateAfter  string         `json:"state_after"`
	ActorID     string         `json:"actor_id"`
	TS          string         `json:"ts"`
	Details     map[string]any `json:"details,omitempty"`
}

// PaginatedActions wraps action listings with a cursor.
type PaginatedActions struct {
	Items      []Action `json:"items"`
	NextCursor string   `json:"next_cursor"`
}

// Job is a queued lifecycle action (partial).
type Job struct {
	ID          int64   `json:"id"`
	RecordID    int64   `json:"record_id"`
	Action      string  `json:"action"`
	Status      string  `json:"status"`
	Priority    int     `json:"priority"`
	Attempts    int     `json:"attempts"`
	MaxAttempts int     `json:"max_attempts"`
	LastError   *string `json:"last_error,omitempty"`
}

// DispatchReport summarizes one worker batch.
type DispatchReport struct {
	Selected  int `json:"selected"`
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Mint mints an identifier for recordID. An empty state uses the
// configured default.
func (c *Client) Mint(ctx context.Context, recordID int64, state string) (Result, error) {
	var body any
	if state != "" {
		body = map[string]string{"state": state}
	}
	var resp Result
	err := c.do(ctx, http.MethodPost, c.recordPath(recordID, ""), body, &resp)
	return resp, err
}

// Update resubmits metadata for recordID's identifier.
func (c *Client) Update(ctx context.Context, recordID int64) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPut, c.recordPath(recordID, ""), nil, &resp)
	return resp, err
}

// Verify checks that recordID's identifier resolves.
func (c *Client) Verify(ctx context.Context, recordID int64) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, c.recordPath(recordID, "verify"), nil, &resp)
	return resp, err
}

// Deactivate hides recordID's identifier.
func (c *Client) Deactivate(ctx context.Context, recordID int64, reason string) (Result, error) {
	var body any
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	var resp Result
	err := c.do(ctx, http.MethodPost, c.recordPath(recordID, "deactivate"), body, &resp)
	return resp, err
}

// Reactivate makes a hidden identifier findable again.
func (c *Client) Reactivate(ctx context.Context, recordID int64) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, c.recordPath(recordID, "reactivate"), nil, &resp)
	return resp, err
}

// Identifier fetches the stored identifier for recordID.
func (c *Client) Identifier(ctx context.Context, recordID int64) (Identifier, error) {
	var resp Identifier
	err := c.do(ctx, http.MethodGet, c.recordPath(recordID, ""), nil, &resp)
	return resp, err
}

// ActionsPage returns action log entries for recordID, newest first.
func (c *Client) ActionsPage(ctx context.Context, recordID int64, limit int, cursor string) (PaginatedActions, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.recordPath(recordID, "actions")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedActions
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// EnqueueJob queues action for recordID. created is false when a pending
// job already existed and was returned instead.
func (c *Client) EnqueueJob(ctx context.Context, recordID int64, action string, priority int) (job Job, created bool, err error) {
	body := map[string]any{
		"record_id": recordID,
		"action":    action,
		"priority":  priority,
	}
	var resp struct {
		Job     Job  `json:"job"`
		Created bool `json:"created"`
	}
	err = c.do(ctx, http.MethodPost, "jobs", body, &resp)
	return resp.Job, resp.Created, err
}

// Dispatch processes one batch of due jobs on the server.
func (c *Client) Dispatch(ctx context.Context, batchSize int) (DispatchReport, error) {
	var body any
	if batchSize > 0 {
		body = map[string]int{"batch_size": batchSize}
	}
	var resp DispatchReport
	err := c.do(ctx, http.MethodPost, "jobs/dispatch", body, &resp)
	return resp, err
}

// JobStats counts jobs by status.
func (c *Client) JobStats(ctx context.Context) (map[string]int, error) {
	var resp struct {
		Counts map[string]int `json:"counts"`
	}
	err := c.do(ctx, http.MethodGet, "jobs/stats", nil, &resp)
	return resp.Counts, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Actor != "" {
		req.Header.Set("X-Pidline-Actor", c.Actor)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) recordPath(recordID int64, suffix string) string {
	p := fmt.Sprintf("records/%d/identifier", recordID)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if bp := strings.Trim(c.BasePath, "/"); bp != "" {
		base += "/" + bp
	}
	return base
}
