package approvaldsdk

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

// Client is a minimal approvald HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credentials are set; servers
	// only honour it when configured to.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// StepInstance is the progress of one step of an instance.
type StepInstance struct {
	ID        string `json:"id"`
	StepOrder int    `json:"step_order"`
	Status    string `json:"status"`
	ActorID   string `json:"actor_id,omitempty"`
	ActedAt   string `json:"acted_at,omitempty"`
	Comment   string `json:"comment,omitempty"`
}

// Instance represents a workflow instance.
type Instance struct {
	ID               string         `json:"id"`
	TemplateID       string         `json:"template_id"`
	ResourceID       string         `json:"resource_id"`
	ResourceType     string         `json:"resource_type"`
	Status           string         `json:"status"`
	CurrentStepOrder int            `json:"current_step_order"`
	CreatedBy        string         `json:"created_by"`
	LocationID       string         `json:"location_id"`
	Version          int            `json:"version"`
	CreatedAt        string         `json:"created_at"`
	UpdatedAt        string         `json:"updated_at"`
	Steps            []StepInstance `json:"steps,omitempty"`
}

type LeaveRequest struct {
	ID         string `json:"id"`
	EmployeeID string `json:"employee_id"`
	LocationID string `json:"location_id"`
	Kind       string `json:"kind"`
	StartDate  string `json:"start_date"`
	EndDate    string `json:"end_date"`
	Reason     string `json:"reason,omitempty"`
	Status     string `json:"status"`
}

type Timesheet struct {
	ID          string `json:"id"`
	EmployeeID  string `json:"employee_id"`
	LocationID  string `json:"location_id"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
	Status      string `json:"status"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// Authority is the answer to an authority check.
type Authority struct {
	Authorized   bool   `json:"authorized"`
	Source       string `json:"source"`
	DelegationID string `json:"delegation_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

type AuthorityCheck struct {
	UserID     string `json:"user_id,omitempty"`
	Permission string `json:"permission"`
	LocationID string `json:"location_id"`
	StepOrder  *int   `json:"step_order,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
}

// Approver is a user resolved for a step.
type Approver struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
}

type StepPreview struct {
	StepOrder          int    `json:"step_order"`
	Name               string `json:"name,omitempty"`
	RequiredPermission string `json:"required_permission"`
	Strategy           string `json:"strategy"`
	LocationScope      string `json:"location_scope"`
	Resolution         struct {
		Approvers   []Approver `json:"approvers"`
		Diagnostics []string   `json:"diagnostics"`
	} `json:"resolution"`
}

// Transition is an approver action on the current step.
type Transition struct {
	Action          string `json:"action"`
	Comment         string `json:"comment,omitempty"`
	StepOrder       int    `json:"step_order,omitempty"`
	TargetStepOrder int    `json:"target_step_order,omitempty"`
	LocationID      string `json:"location_id,omitempty"`
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
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CheckAuthority asks whether a user may exercise a permission at a location.
func (c *Client) CheckAuthority(ctx context.Context, req AuthorityCheck) (Authority, error) {
	var resp Authority
	err := c.do(ctx, http.MethodPost, "authority/check", req, &resp)
	return resp, err
}

// CreateLeaveRequest files a draft leave request for the caller.
func (c *Client) CreateLeaveRequest(ctx context.Context, startDate, endDate, kind, reason string) (LeaveRequest, error) {
	body := map[string]any{
		"start_date": startDate,
		"end_date":   endDate,
	}
	if kind != "" {
		body["kind"] = kind
	}
	if reason != "" {
		body["reason"] = reason
	}
	var resp LeaveRequest
	err := c.do(ctx, http.MethodPost, "leave-requests", body, &resp)
	return resp, err
}

func (c *Client) SubmitLeaveRequest(ctx context.Context, id string) (Instance, error) {
	var resp Instance
	err := c.do(ctx, http.MethodPost, "leave-requests/"+url.PathEscape(id)+"/submit", nil, &resp)
	return resp, err
}

func (c *Client) CreateTimesheet(ctx context.Context, periodStart, periodEnd string) (Timesheet, error) {
	body := map[string]any{
		"period_start": periodStart,
		"period_end":   periodEnd,
	}
	var resp Timesheet
	err := c.do(ctx, http.MethodPost, "timesheets", body, &resp)
	return resp, err
}

func (c *Client) SubmitTimesheet(ctx context.Context, id string) (Instance, error) {
	var resp Instance
	err := c.do(ctx, http.MethodPost, "timesheets/"+url.PathEscape(id)+"/submit", nil, &resp)
	return resp, err
}

func (c *Client) Instance(ctx context.Context, id string) (Instance, error) {
	var resp Instance
	err := c.do(ctx, http.MethodGet, "instances/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Transition applies an approver action to an instance.
func (c *Client) Transition(ctx context.Context, instanceID string, t Transition) (Instance, error) {
	var resp Instance
	err := c.do(ctx, http.MethodPost, "instances/"+url.PathEscape(instanceID)+"/transitions", t, &resp)
	return resp, err
}

// StartReview claims a submitted instance.
func (c *Client) StartReview(ctx context.Context, instanceID, locationID string) (Instance, error) {
	var resp Instance
	err := c.do(ctx, http.MethodPost, "instances/"+url.PathEscape(instanceID)+"/review", map[string]any{"location_id": locationID}, &resp)
	return resp, err
}

// History returns the audit trail of an instance.
func (c *Client) History(ctx context.Context, instanceID string) ([]Event, error) {
	var resp []Event
	err := c.do(ctx, http.MethodGet, "instances/"+url.PathEscape(instanceID)+"/history", nil, &resp)
	return resp, err
}

// Pending lists instances awaiting the caller.
func (c *Client) Pending(ctx context.Context, locationID string) ([]Instance, error) {
	endpoint := "me/pending"
	if locationID != "" {
		endpoint += "?location_id=" + url.QueryEscape(locationID)
	}
	var resp []Instance
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// PreviewApprovers resolves every step of a template without side effects.
func (c *Client) PreviewApprovers(ctx context.Context, templateID, employeeID, locationID string) ([]StepPreview, error) {
	var resp struct {
		Steps []StepPreview `json:"steps"`
	}
	body := map[string]any{"employee_id": employeeID, "location_id": locationID}
	err := c.do(ctx, http.MethodPost, "templates/"+url.PathEscape(templateID)+"/preview", body, &resp)
	return resp.Steps, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
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
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
