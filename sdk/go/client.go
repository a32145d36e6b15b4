package fieldlinesdk

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

// Client is a minimal fieldline HTTP API client. Either BearerToken or
// APIKey may be set; the bearer token wins when both are present.
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

// Activity represents the API activity model (partial).
type Activity struct {
	ID          string `json:"id"`
	ExternalID  string `json:"external_id,omitempty"`
	Type        string `json:"type"`
	Date        string `json:"date"`
	Territory   string `json:"territory,omitempty"`
	Zone        string `json:"zone,omitempty"`
	BU          string `json:"bu,omitempty"`
	State       string `json:"state,omitempty"`
	OfficerName string `json:"officer_name,omitempty"`
	Status      string `json:"status,omitempty"`
}

// Attendee is one farmer present at an activity.
type Attendee struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Phone    string `json:"phone,omitempty"`
	Language string `json:"language"`
}

// Agent represents a calling agent.
type Agent struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Active    *bool    `json:"active,omitempty"`
	Languages []string `json:"languages"`
}

// Run is one sampling or allocation execution.
type Run struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	Status         string `json:"status"`
	ActivitiesSeen int    `json:"activities_seen"`
	TasksCreated   int    `json:"tasks_created"`
	ErrorCount     int    `json:"error_count"`
	Error          string `json:"error,omitempty"`
	StartedAt      string `json:"started_at"`
	FinishedAt     string `json:"finished_at,omitempty"`
}

// Task represents the API call task model (partial).
type Task struct {
	ID             string `json:"id"`
	ActivityID     string `json:"activity_id"`
	FarmerID       string `json:"farmer_id"`
	AgentID        string `json:"agent_id,omitempty"`
	Status         string `json:"status"`
	ScheduledDate  string `json:"scheduled_date,omitempty"`
	CallbackNumber int    `json:"callback_number"`
	ParentTaskID   string `json:"parent_task_id,omitempty"`
	AttemptCount   int    `json:"attempt_count"`
	Remarks        string `json:"remarks,omitempty"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IngestActivity upserts an activity together with its attendees.
func (c *Client) IngestActivity(ctx context.Context, activity Activity, attendees []Attendee) (Activity, error) {
	body := map[string]any{
		"id":           activity.ID,
		"external_id":  activity.ExternalID,
		"type":         activity.Type,
		"date":         activity.Date,
		"territory":    activity.Territory,
		"zone":         activity.Zone,
		"bu":           activity.BU,
		"state":        activity.State,
		"officer_name": activity.OfficerName,
		"attendees":    attendees,
	}
	var resp Activity
	err := c.do(ctx, http.MethodPost, "v0/activities", body, &resp)
	return resp, err
}

// GetActivity fetches an activity by id.
func (c *Client) GetActivity(ctx context.Context, id string) (Activity, error) {
	var resp Activity
	endpoint := fmt.Sprintf("v0/activities/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpsertAgent creates or updates an agent.
func (c *Client) UpsertAgent(ctx context.Context, agent Agent) (Agent, error) {
	var resp Agent
	err := c.do(ctx, http.MethodPost, "v0/agents", agent, &resp)
	return resp, err
}

// RunSampling starts a sampling run. Mode is "first_sample" or "adhoc";
// zero values fall back to the server defaults.
func (c *Client) RunSampling(ctx context.Context, mode, dateFrom, dateTo string, percentage float64) (Run, error) {
	body := map[string]any{}
	if mode != "" {
		body["mode"] = mode
	}
	if dateFrom != "" {
		body["date_from"] = dateFrom
	}
	if dateTo != "" {
		body["date_to"] = dateTo
	}
	if percentage > 0 {
		body["percentage"] = percentage
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, "v0/sampling/runs", body, &resp)
	return resp, err
}

// RunAllocation starts an allocation run.
func (c *Client) RunAllocation(ctx context.Context) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, "v0/allocation/runs", map[string]any{}, &resp)
	return resp, err
}

// RunStatus returns the latest run of the given kind ("sampling" or
// "allocation").
func (c *Client) RunStatus(ctx context.Context, kind string) (Run, error) {
	var resp Run
	endpoint := fmt.Sprintf("v0/runs/%s", url.PathEscape(kind))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// WaitForRun polls the latest run of the given kind until it leaves the
// running state or the context is cancelled.
func (c *Client) WaitForRun(ctx context.Context, kind string, interval time.Duration) (Run, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := c.RunStatus(ctx, kind)
		if err != nil {
			return Run{}, err
		}
		if run.Status != "running" {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ReactivationPreview describes what a reactivation would touch.
type ReactivationPreview struct {
	Activities     []Activity `json:"activities"`
	DeletableTasks int        `json:"deletable_tasks"`
	KeptTasks      int        `json:"kept_tasks"`
	Token          string     `json:"token"`
}

// ReactivatePreview previews a reactivation over the given status and
// optional date range, returning the confirmation token.
func (c *Client) ReactivatePreview(ctx context.Context, fromStatus, dateFrom, dateTo string) (ReactivationPreview, error) {
	body := map[string]any{
		"from_status": fromStatus,
	}
	if dateFrom != "" {
		body["date_from"] = dateFrom
	}
	if dateTo != "" {
		body["date_to"] = dateTo
	}
	var resp ReactivationPreview
	err := c.do(ctx, http.MethodPost, "v0/reactivation/preview", body, &resp)
	return resp, err
}

// ReactivationResult summarizes a confirmed reactivation.
type ReactivationResult struct {
	ActivitiesRestored int `json:"activities_restored"`
	TasksDeleted       int `json:"tasks_deleted"`
	CoolingCleared     int `json:"cooling_cleared"`
}

// Reactivate confirms a previewed reactivation. The token must come from
// a ReactivatePreview call with identical filters.
func (c *Client) Reactivate(ctx context.Context, fromStatus, dateFrom, dateTo, token string, deleteTasks, deleteAudit bool) (ReactivationResult, error) {
	body := map[string]any{
		"from_status":  fromStatus,
		"token":        token,
		"delete_tasks": deleteTasks,
		"delete_audit": deleteAudit,
	}
	if dateFrom != "" {
		body["date_from"] = dateFrom
	}
	if dateTo != "" {
		body["date_to"] = dateTo
	}
	var resp ReactivationResult
	err := c.do(ctx, http.MethodPost, "v0/reactivation/confirm", body, &resp)
	return resp, err
}

// OutcomeResult is the updated task plus the auto-created callback, if any.
type OutcomeResult struct {
	Task     Task  `json:"task"`
	Callback *Task `json:"callback,omitempty"`
}

// RecordOutcome records a call outcome on a task.
func (c *Client) RecordOutcome(ctx context.Context, taskID, status, remarks string) (OutcomeResult, error) {
	body := map[string]any{
		"status":  status,
		"remarks": remarks,
	}
	var resp OutcomeResult
	endpoint := fmt.Sprintf("v0/tasks/%s/outcome", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CallbackRequest asks for a follow-up call on a parent task.
type CallbackRequest struct {
	ParentTaskID  string `json:"parent_task_id"`
	ScheduledDate string `json:"scheduled_date,omitempty"`
}

// CallbackError reports a single failed callback request within a batch.
type CallbackError struct {
	ParentTaskID string `json:"parent_task_id"`
	Message      string `json:"message"`
}

// CallbackBatchResult holds the created callbacks and per-request errors.
type CallbackBatchResult struct {
	Created []Task          `json:"created"`
	Errors  []CallbackError `json:"errors,omitempty"`
}

// CreateCallbacks creates callback tasks in a batch. Requests that hit the
// per-farmer callback limit come back in Errors rather than failing the
// whole call.
func (c *Client) CreateCallbacks(ctx context.Context, requests []CallbackRequest) (CallbackBatchResult, error) {
	body := map[string]any{"requests": requests}
	var resp CallbackBatchResult
	err := c.do(ctx, http.MethodPost, "v0/tasks/callbacks", body, &resp)
	return resp, err
}

// TaskFilters narrows Tasks listings. Zero values are ignored.
type TaskFilters struct {
	Status     string
	ActivityID string
	AgentID    string
	Language   string
	Limit      int
}

// Tasks lists call tasks matching the filters.
func (c *Client) Tasks(ctx context.Context, filters TaskFilters) ([]Task, error) {
	q := url.Values{}
	if filters.Status != "" {
		q.Set("status", filters.Status)
	}
	if filters.ActivityID != "" {
		q.Set("activity_id", filters.ActivityID)
	}
	if filters.AgentID != "" {
		q.Set("agent_id", filters.AgentID)
	}
	if filters.Language != "" {
		q.Set("language", filters.Language)
	}
	if filters.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", filters.Limit))
	}
	endpoint := "v0/tasks"
	if encoded := q.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Tasks, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent audit log entries.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Events []Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Events, err
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
