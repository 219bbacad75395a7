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

// Client is a minimal Fieldline HTTP API client.
type Client struct {
	BaseURL     string
	HorizonID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, horizonID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		HorizonID: horizonID,
		Timeout:   10 * time.Second,
	}
}

// Resource represents the API resource model (partial).
type Resource struct {
	ID       string `json:"id,omitempty"`
	Kind     string `json:"kind"`
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
	DayStart string `json:"day_start,omitempty"`
	DayEnd   string `json:"day_end,omitempty"`
}

// Requirement states how many resources of a kind a task needs.
type Requirement struct {
	Kind  string `json:"kind"`
	Count int    `json:"count"`
}

// Task represents the API task model (partial).
type Task struct {
	ID            string        `json:"id"`
	Kind          string        `json:"kind"`
	Name          string        `json:"name"`
	DurationMins  int           `json:"duration_mins"`
	EarliestStart time.Time     `json:"earliest_start"`
	Deadline      *time.Time    `json:"deadline,omitempty"`
	Requires      []Requirement `json:"requires"`
	DependsOn     []string      `json:"depends_on,omitempty"`
	Priority      int           `json:"priority"`
	Status        string        `json:"status"`
}

// SubmitTaskRequest is the task submission payload.
type SubmitTaskRequest struct {
	ID            *string       `json:"id,omitempty"`
	Kind          string        `json:"kind"`
	Name          string        `json:"name"`
	DurationMins  int           `json:"duration_mins"`
	EarliestStart time.Time     `json:"earliest_start"`
	Deadline      *time.Time    `json:"deadline,omitempty"`
	Requires      []Requirement `json:"requires"`
	DependsOn     []string      `json:"depends_on,omitempty"`
	Priority      int           `json:"priority,omitempty"`
	OrderRef      *string       `json:"order_ref,omitempty"`
}

// Assignment binds a task to a resource over a window.
type Assignment struct {
	TaskID     string    `json:"task_id"`
	ResourceID string    `json:"resource_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	State      string    `json:"state"`
}

// Schedule is one committed schedule version.
type Schedule struct {
	Version     int64        `json:"version"`
	CreatedAt   time.Time    `json:"created_at"`
	Note        string       `json:"note,omitempty"`
	Assignments []Assignment `json:"assignments"`
}

// Placement records one solved task binding.
type Placement struct {
	TaskID    string    `json:"task_id"`
	Resources []string  `json:"resources"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

// PlanResult is the outcome of a solve pass.
type PlanResult struct {
	Version  int64       `json:"version"`
	Placed   []Placement `json:"placed"`
	Unplaced []struct {
		TaskID string `json:"task_id"`
		Reason string `json:"reason"`
		Detail string `json:"detail,omitempty"`
	} `json:"unplaced,omitempty"`
}

// Transition is one repair state-machine step.
type Transition struct {
	TaskID string `json:"task_id"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// RepairResult is the outcome of a repair pass.
type RepairResult struct {
	Version     int64        `json:"version"`
	Transitions []Transition `json:"transitions"`
	Resolved    []Placement  `json:"resolved"`
	Escalated   []string     `json:"escalated,omitempty"`
}

// Outage is a recorded unavailability window, with its repair outcome when
// one was requested.
type Outage struct {
	ID         string        `json:"id"`
	ResourceID string        `json:"resource_id"`
	Start      time.Time     `json:"start"`
	End        time.Time     `json:"end"`
	Reason     string        `json:"reason,omitempty"`
	Affected   []Assignment  `json:"affected,omitempty"`
	Repair     *RepairResult `json:"repair,omitempty"`
}

// ResourceWindow is one free interval on a resource.
type ResourceWindow struct {
	ResourceID string    `json:"resource_id"`
	Name       string    `json:"name"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RegisterResource adds a resource to the registry.
func (c *Client) RegisterResource(ctx context.Context, r Resource) (Resource, error) {
	var resp Resource
	err := c.do(ctx, http.MethodPost, c.horizonPath("resources"), r, &resp)
	return resp, err
}

// SubmitTask submits a task for planning.
func (c *Client) SubmitTask(ctx context.Context, req SubmitTaskRequest) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.horizonPath("tasks"), req, &resp)
	return resp, err
}

// CancelTask cancels a task; its slot frees at the next solve.
func (c *Client) CancelTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	endpoint := c.horizonPath(fmt.Sprintf("tasks/%s/cancel", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ReportOutage marks a resource unavailable. With repair set the server
// re-places the affected tasks and returns the outcome inline.
func (c *Client) ReportOutage(ctx context.Context, resourceID string, start, end time.Time, reason string, repair bool) (Outage, error) {
	body := map[string]any{
		"start":  start,
		"end":    end,
		"reason": reason,
		"repair": repair,
	}
	var resp Outage
	endpoint := c.horizonPath(fmt.Sprintf("resources/%s/outages", url.PathEscape(resourceID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Solve places every pending task and commits a new schedule version.
func (c *Client) Solve(ctx context.Context, bestEffort bool, note string) (PlanResult, error) {
	body := map[string]any{"best_effort": bestEffort}
	if note != "" {
		body["note"] = note
	}
	var resp PlanResult
	err := c.do(ctx, http.MethodPost, c.horizonPath("plan/solve"), body, &resp)
	return resp, err
}

// Repair re-places the given tasks against current registry state.
func (c *Client) Repair(ctx context.Context, taskIDs []string, note string) (RepairResult, error) {
	body := map[string]any{"tasks": taskIDs}
	if note != "" {
		body["note"] = note
	}
	var resp RepairResult
	err := c.do(ctx, http.MethodPost, c.horizonPath("plan/repair"), body, &resp)
	return resp, err
}

// Schedule fetches a committed schedule version, 0 for latest.
func (c *Client) Schedule(ctx context.Context, version int64) (Schedule, error) {
	endpoint := c.horizonPath("schedule")
	if version > 0 {
		endpoint = fmt.Sprintf("%s?version=%d", endpoint, version)
	}
	var resp Schedule
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ExportScheduleCSV returns the latest schedule as CSV bytes.
func (c *Client) ExportScheduleCSV(ctx context.Context) ([]byte, error) {
	return c.raw(ctx, http.MethodGet, c.horizonPath("schedule/export"))
}

// Availability lists free windows per resource of a kind.
func (c *Client) Availability(ctx context.Context, kind string, from, to time.Time) ([]ResourceWindow, error) {
	var resp []ResourceWindow
	endpoint := fmt.Sprintf("%s?kind=%s&from=%s&to=%s",
		c.horizonPath("availability"),
		url.QueryEscape(kind),
		url.QueryEscape(from.Format(time.RFC3339)),
		url.QueryEscape(to.Format(time.RFC3339)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	var resp []Event
	endpoint := c.horizonPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	data, err := c.roundTrip(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func (c *Client) raw(ctx context.Context, method, endpoint string) ([]byte, error) {
	return c.roundTrip(ctx, method, endpoint, nil)
}

func (c *Client) roundTrip(ctx context.Context, method, endpoint string, body any) ([]byte, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return nil, err
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
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

func (c *Client) horizonPath(p string) string {
	horizon := url.PathEscape(c.HorizonID)
	return fmt.Sprintf("v0/horizons/%s/%s", horizon, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
