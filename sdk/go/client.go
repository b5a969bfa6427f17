package rulegatesdk

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

// Client is a minimal rulegate HTTP API client.
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
		Timeout: 30 * time.Second,
	}
}

// RuleSpec is the rule payload of a request.
type RuleSpec struct {
	Direction   string     `json:"direction"`
	Protocol    string     `json:"protocol,omitempty"`
	FromPort    *int       `json:"from_port,omitempty"`
	ToPort      *int       `json:"to_port,omitempty"`
	CIDRs       []string   `json:"cidrs,omitempty"`
	IPv6CIDRs   []string   `json:"ipv6_cidrs,omitempty"`
	Description string     `json:"description,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	AutoDelete  bool       `json:"auto_delete,omitempty"`
}

// NewRequest is the body of a rule change request.
type NewRequest struct {
	ResourceID             string    `json:"resource_id"`
	Type                   string    `json:"type"`
	TargetRuleID           string    `json:"target_rule_id,omitempty"`
	Rule                   *RuleSpec `json:"rule,omitempty"`
	BusinessJustification  string    `json:"business_justification,omitempty"`
	TechnicalJustification string    `json:"technical_justification,omitempty"`
	Priority               string    `json:"priority,omitempty"`
}

// RuleRequest represents the API request model (partial).
type RuleRequest struct {
	ID            string   `json:"id"`
	ResourceID    string   `json:"resource_id"`
	RequesterID   string   `json:"requester_id"`
	Type          string   `json:"type"`
	TargetRuleID  string   `json:"target_rule_id,omitempty"`
	Rule          RuleSpec `json:"rule"`
	Priority      string   `json:"priority"`
	Status        string   `json:"status"`
	ReviewerID    string   `json:"reviewer_id,omitempty"`
	ReviewComment string   `json:"review_comment,omitempty"`
	AppliedRuleID string   `json:"applied_rule_id,omitempty"`
}

// Statistics counts requests by status.
type Statistics struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Approved  int `json:"approved"`
	Rejected  int `json:"rejected"`
	Applied   int `json:"applied"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Schedule represents an expiry schedule.
type Schedule struct {
	ID              string    `json:"id"`
	ResourceID      string    `json:"resource_id"`
	RuleID          string    `json:"rule_id,omitempty"`
	ExpiresAt       time.Time `json:"expires_at"`
	Action          string    `json:"action"`
	Status          string    `json:"status"`
	ExecutionResult string    `json:"execution_result,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
}

// SweepReport summarises a sweep run.
type SweepReport struct {
	Sweep     string `json:"sweep"`
	Selected  int    `json:"selected"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListOptions filters ListRequests.
type ListOptions struct {
	Statuses    []string
	Priorities  []string
	RequesterID string
	ResourceID  string
	Limit       int
	Offset      int
}

// RequestPage is one page of requests. NextOffset is nil on the last page.
type RequestPage struct {
	Items      []RuleRequest `json:"items"`
	NextOffset *int          `json:"next_offset"`
}

// CreateRequest submits a rule change request.
func (c *Client) CreateRequest(ctx context.Context, in NewRequest) (RuleRequest, error) {
	var resp RuleRequest
	err := c.do(ctx, http.MethodPost, "requests", in, &resp)
	return resp, err
}

// GetRequest fetches a request by id.
func (c *Client) GetRequest(ctx context.Context, id string) (RuleRequest, error) {
	var resp RuleRequest
	err := c.do(ctx, http.MethodGet, "requests/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListRequests returns one page of requests.
func (c *Client) ListRequests(ctx context.Context, opts ListOptions) (RequestPage, error) {
	q := url.Values{}
	if len(opts.Statuses) > 0 {
		q.Set("status", strings.Join(opts.Statuses, ","))
	}
	if len(opts.Priorities) > 0 {
		q.Set("priority", strings.Join(opts.Priorities, ","))
	}
	if opts.RequesterID != "" {
		q.Set("requester_id", opts.RequesterID)
	}
	if opts.ResourceID != "" {
		q.Set("resource_id", opts.ResourceID)
	}
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprint(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", fmt.Sprint(opts.Offset))
	}
	endpoint := "requests"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp RequestPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Approve approves a pending request; the response carries APPLIED or FAILED.
func (c *Client) Approve(ctx context.Context, id, comment string) (RuleRequest, error) {
	return c.review(ctx, id, "approve", comment)
}

// Reject rejects a pending request.
func (c *Client) Reject(ctx context.Context, id, comment string) (RuleRequest, error) {
	return c.review(ctx, id, "reject", comment)
}

// Cancel withdraws the caller's own pending request.
func (c *Client) Cancel(ctx context.Context, id string) (RuleRequest, error) {
	return c.review(ctx, id, "cancel", "")
}

func (c *Client) review(ctx context.Context, id, action, comment string) (RuleRequest, error) {
	var resp RuleRequest
	body := map[string]any{}
	if comment != "" {
		body["comment"] = comment
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("requests/%s/%s", url.PathEscape(id), action), body, &resp)
	return resp, err
}

// Statistics returns request counts by status.
func (c *Client) Statistics(ctx context.Context) (Statistics, error) {
	var resp Statistics
	err := c.do(ctx, http.MethodGet, "requests/statistics", nil, &resp)
	return resp, err
}

// ScheduleExpiry registers an expiry for a resource or one of its rules.
func (c *Client) ScheduleExpiry(ctx context.Context, resourceID, ruleID string, expiresAt time.Time, action string) (Schedule, error) {
	body := map[string]any{
		"resource_id": resourceID,
		"expires_at":  expiresAt.UTC().Format(time.RFC3339),
		"action":      action,
	}
	if ruleID != "" {
		body["rule_id"] = ruleID
	}
	var resp Schedule
	err := c.do(ctx, http.MethodPost, "schedules", body, &resp)
	return resp, err
}

// ActiveSchedules lists schedules that have not run yet.
func (c *Client) ActiveSchedules(ctx context.Context) ([]Schedule, error) {
	var resp struct {
		Items []Schedule `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "schedules", nil, &resp)
	return resp.Items, err
}

// RunSweep triggers warning, same_day or execution.
func (c *Client) RunSweep(ctx context.Context, name string) (SweepReport, error) {
	var resp SweepReport
	err := c.do(ctx, http.MethodPost, "sweeps/"+url.PathEscape(name), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
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
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
