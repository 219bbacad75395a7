package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/engine"
	"fieldline/internal/migrate"
)

const (
	testHorizon   = "season-2025"
	testJWTSecret = "test-secret"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default(testHorizon)
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitHorizon(context.Background(), testHorizon, "", "tester"); err != nil {
		t.Fatalf("init horizon: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func registerHarvester(t *testing.T, srv *testServer, id string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/horizons/"+testHorizon+"/resources", map[string]any{
		"id":        id,
		"kind":      "harvester",
		"name":      "Harvester " + id,
		"day_start": "08:00",
		"day_end":   "18:00",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register resource: %d %s", res.StatusCode, string(data))
	}
}

func submitHarvest(t *testing.T, srv *testServer, id string, durationMins int, earliest, deadline string, deps []string) {
	t.Helper()
	body := map[string]any{
		"id":             id,
		"kind":           "harvest",
		"name":           "Harvest " + id,
		"duration_mins":  durationMins,
		"earliest_start": earliest,
		"requires":       []map[string]any{{"kind": "harvester", "count": 1}},
	}
	if deadline != "" {
		body["deadline"] = deadline
	}
	if len(deps) > 0 {
		body["depends_on"] = deps
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/horizons/"+testHorizon+"/tasks", body, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit task %s: %d %s", id, res.StatusCode, string(data))
	}
}

func solve(t *testing.T, srv *testServer) PlanResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/horizons/"+testHorizon+"/plan/solve", map[string]any{}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("solve: %d %s", res.StatusCode, string(data))
	}
	var plan PlanResponse
	if err := json.Unmarshal(data, &plan); err != nil {
		t.Fatalf("unmarshal plan: %v", err)
	}
	return plan
}

func TestSolveLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	registerHarvester(t, srv, "harv-1")
	submitHarvest(t, srv, "task-a", 180, "2025-07-01T08:00:00Z", "2025-07-01T12:00:00Z", nil)
	submitHarvest(t, srv, "task-b", 240, "2025-07-01T08:00:00Z", "2025-07-01T18:00:00Z", nil)

	plan := solve(t, srv)
	if plan.Version == 0 {
		t.Fatalf("expected committed version, got 0")
	}
	if len(plan.Placed) != 2 {
		t.Fatalf("expected 2 placements, got %d", len(plan.Placed))
	}
	byTask := map[string]PlacementResponse{}
	for _, p := range plan.Placed {
		byTask[p.TaskID] = p
	}
	wantA := time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC)
	if !byTask["task-a"].Start.Equal(wantA) {
		t.Fatalf("task-a start = %v, want %v", byTask["task-a"].Start, wantA)
	}
	wantB := time.Date(2025, 7, 1, 11, 0, 0, 0, time.UTC)
	if !byTask["task-b"].Start.Equal(wantB) {
		t.Fatalf("task-b start = %v, want %v", byTask["task-b"].Start, wantB)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/horizons/"+testHorizon+"/schedule", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get schedule: %d %s", res.StatusCode, string(data))
	}
	var sched ScheduleResponse
	if err := json.Unmarshal(data, &sched); err != nil {
		t.Fatalf("unmarshal schedule: %v", err)
	}
	if sched.Version != plan.Version {
		t.Fatalf("schedule version %d, want %d", sched.Version, plan.Version)
	}
	if len(sched.Assignments) != 2 {
		t.Fatalf("expected 2 assignments, got %d", len(sched.Assignments))
	}
	for _, a := range sched.Assignments {
		if a.State != "stable" {
			t.Fatalf("assignment %s state %s, want stable", a.TaskID, a.State)
		}
	}
}

func TestSolveInfeasibleDeadline(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	registerHarvester(t, srv, "harv-1")
	// 6h of work cannot fit before a 10:00 deadline in an 08:00 day window.
	submitHarvest(t, srv, "task-late", 360, "2025-07-01T08:00:00Z", "2025-07-01T10:00:00Z", nil)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/horizons/"+testHorizon+"/plan/solve", map[string]any{}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "infeasible" {
		t.Fatalf("error code %s, want infeasible", envelope.Error.Code)
	}
	if envelope.Error.Details["task_id"] != "task-late" {
		t.Fatalf("details task_id = %v", envelope.Error.Details["task_id"])
	}

	// Nothing committed.
	taskRes, taskData := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/horizons/"+testHorizon+"/tasks/task-late", nil, nil)
	if taskRes.StatusCode != http.StatusOK {
		t.Fatalf("get task: %d %s", taskRes.StatusCode, string(taskData))
	}
	var task TaskResponse
	_ = json.Unmarshal(taskData, &task)
	if task.Status != "pending" {
		t.Fatalf("task status %s, want pending", task.Status)
	}
}

func TestOutageConflictAndRepair(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	registerHarvester(t, srv, "harv-1")
	submitHarvest(t, srv, "task-a", 180, "2025-07-01T08:00:00Z", "2025-07-01T18:00:00Z", nil)
	submitHarvest(t, srv, "task-b", 240, "2025-07-01T08:00:00Z", "2025-07-01T18:00:00Z", nil)
	solve(t, srv)

	outage := map[string]any{
		"start":  "2025-07-01T09:00:00Z",
		"end":    "2025-07-01T11:00:00Z",
		"reason": "breakdown",
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/horizons/"+testHorizon+"/resources/harv-1/outages", outage, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 without force, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "resource_conflict" {
		t.Fatalf("error code %s, want resource_conflict", envelope.Error.Code)
	}

	outage["repair"] = true
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/horizons/"+testHorizon+"/resources/harv-1/outages", outage, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("forced outage: %d %s", res.StatusCode, string(data))
	}
	var out OutageResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal outage: %v", err)
	}
	if len(out.Affected) == 0 {
		t.Fatalf("expected affected assignments")
	}
	if out.Repair == nil {
		t.Fatalf("expected repair outcome")
	}
	if len(out.Repair.Escalated) != 0 {
		t.Fatalf("unexpected escalations: %v", out.Repair.Escalated)
	}
	// task-a held 08:00-11:00; with 09:00-11:00 dark and task-b holding
	// 11:00-15:00 it moves to the 15:00 slot.
	moved := false
	for _, p := range out.Repair.Resolved {
		if p.TaskID == "task-a" && p.Start.Equal(time.Date(2025, 7, 1, 15, 0, 0, 0, time.UTC)) {
			moved = true
		}
	}
	if !moved {
		t.Fatalf("task-a not re-placed at 15:00: %+v", out.Repair.Resolved)
	}
}

func TestCyclicDependencyRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	registerHarvester(t, srv, "harv-1")
	submitHarvest(t, srv, "task-a", 60, "2025-07-01T08:00:00Z", "", nil)
	submitHarvest(t, srv, "task-b", 60, "2025-07-01T08:00:00Z", "", []string{"task-a"})

	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/horizons/"+testHorizon+"/tasks/task-a", map[string]any{
		"add_depends_on": []string{"task-b"},
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "cyclic_dependency" {
		t.Fatalf("error code %s, want cyclic_dependency", envelope.Error.Code)
	}

	// The rejected edit left the task untouched.
	taskRes, taskData := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/horizons/"+testHorizon+"/tasks/task-a", nil, nil)
	if taskRes.StatusCode != http.StatusOK {
		t.Fatalf("get task: %d %s", taskRes.StatusCode, string(taskData))
	}
	var task TaskResponse
	_ = json.Unmarshal(taskData, &task)
	if len(task.DependsOn) != 0 {
		t.Fatalf("task-a depends_on = %v, want none", task.DependsOn)
	}
}

func TestAvailabilityQuery(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	registerHarvester(t, srv, "harv-1")
	submitHarvest(t, srv, "task-a", 180, "2025-07-01T08:00:00Z", "", nil)
	solve(t, srv)

	url := srv.URL + "/v0/horizons/" + testHorizon + "/availability?kind=harvester&from=2025-07-01T08:00:00Z&to=2025-07-01T18:00:00Z"
	res, data := doJSON(t, srv.Client(), http.MethodGet, url, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("availability: %d %s", res.StatusCode, string(data))
	}
	var windows []AvailabilityResponse
	if err := json.Unmarshal(data, &windows); err != nil {
		t.Fatalf("unmarshal windows: %v", err)
	}
	if len(windows) == 0 {
		t.Fatalf("expected free windows")
	}
	// 08:00-11:00 is taken, so the first free window opens at 11:00.
	first := windows[0]
	if !first.Start.Equal(time.Date(2025, 7, 1, 11, 0, 0, 0, time.UTC)) {
		t.Fatalf("first free window starts %v, want 11:00", first.Start)
	}
}

func TestScheduleExportCSV(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	registerHarvester(t, srv, "harv-1")
	submitHarvest(t, srv, "task-a", 60, "2025-07-01T08:00:00Z", "", nil)
	solve(t, srv)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/horizons/"+testHorizon+"/schedule/export", nil)
	req.Header.Set("X-Actor-Id", "tester")
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("export status %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("content type %s, want text/csv", ct)
	}
	data, _ := io.ReadAll(res.Body)
	body := string(data)
	if !bytes.Contains(data, []byte("task_id,resource_id,start,end,state")) {
		t.Fatalf("missing csv header: %s", body)
	}
	if !bytes.Contains(data, []byte("task-a,harv-1,2025-07-01T08:00:00Z")) {
		t.Fatalf("missing assignment row: %s", body)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/horizons", nil)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}

	// Health stays open.
	healthRes, err := srv.Client().Get(srv.URL + "/v0/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	healthRes.Body.Close()
	if healthRes.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", healthRes.StatusCode)
	}
}

func TestJWTAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	claims := jwt.RegisteredClaims{
		Subject:   "agronomist-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/horizons", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with jwt, got %d", res.StatusCode)
	}

	bad, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/horizons", nil)
	bad.Header.Set("Authorization", "Bearer not-a-token")
	badRes, err := srv.Client().Do(bad)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	badRes.Body.Close()
	if badRes.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", badRes.StatusCode)
	}
}
