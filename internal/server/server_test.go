package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/migrate"
)

type testServer struct {
	URL    string
	Engine *engine.Engine
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
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.SyncJobs = true
	if err := e.Repo.UpsertConfig(context.Background(), cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{AllowAnonymous: true}})
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
		Engine: e,
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

func ingestTestActivity(t *testing.T, srv *testServer, id string, attendees int) {
	t.Helper()
	people := make([]map[string]any, 0, attendees)
	for i := 0; i < attendees; i++ {
		people = append(people, map[string]any{
			"id":       id + "-f" + string(rune('a'+i)),
			"name":     "Farmer " + string(rune('a'+i)),
			"language": "hi",
		})
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/activities", map[string]any{
		"id":        id,
		"type":      "field_day",
		"date":      "2025-05-20",
		"attendees": people,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("ingest activity status %d: %s", res.StatusCode, string(data))
	}
}

func TestSamplingRunEndToEnd(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	ingestTestActivity(t, srv, "act-1", 10)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sampling/runs", map[string]any{
		"mode": "first_sample",
	}, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("run sampling status %d: %s", res.StatusCode, string(data))
	}
	var run domain.Run
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if run.Kind != domain.RunSampling || run.Status != domain.RunCompleted {
		t.Fatalf("run = %+v", run)
	}
	if run.TasksCreated != 1 {
		t.Fatalf("tasks created = %d, want 1", run.TasksCreated)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/sampling", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("run status %d: %s", res.StatusCode, string(data))
	}
	var latest domain.Run
	if err := json.Unmarshal(data, &latest); err != nil {
		t.Fatal(err)
	}
	if latest.ID != run.ID {
		t.Fatalf("latest run id = %s, want %s", latest.ID, run.ID)
	}
}

func TestActivityLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	ingestTestActivity(t, srv, "act-1", 5)
	if _, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sampling/runs", map[string]any{
		"mode": "first_sample", "percentage": 100,
	}, nil); len(data) == 0 {
		t.Fatal("empty run response")
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/activities/act-1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get activity status %d", res.StatusCode)
	}
	var act domain.Activity
	if err := json.Unmarshal(data, &act); err != nil {
		t.Fatal(err)
	}
	if act.Status != domain.ActivitySampled {
		t.Fatalf("activity status = %s, want sampled", act.Status)
	}

	// Preview then confirm a reactivation.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/reactivation/preview", map[string]any{
		"from_status": "sampled",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("preview status %d: %s", res.StatusCode, string(data))
	}
	var preview struct {
		Activities     int    `json:"activities"`
		DeletableTasks int    `json:"deletable_tasks"`
		Token          string `json:"token"`
	}
	if err := json.Unmarshal(data, &preview); err != nil {
		t.Fatal(err)
	}
	if preview.Activities != 1 || preview.DeletableTasks != 5 {
		t.Fatalf("preview = %+v", preview)
	}

	// A stale or bogus token is rejected.
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/reactivation/confirm", map[string]any{
		"from_status": "sampled", "token": "bogus",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("bogus token status = %d, want 409", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/reactivation/confirm", map[string]any{
		"from_status": "sampled", "token": preview.Token,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("confirm status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/activities/act-1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatal("get after reactivate")
	}
	if err := json.Unmarshal(data, &act); err != nil {
		t.Fatal(err)
	}
	if act.Status != domain.ActivityActive {
		t.Fatalf("activity status = %s, want active", act.Status)
	}
}

func TestAllocationAndOutcomeOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	ingestTestActivity(t, srv, "act-1", 4)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/agents", map[string]any{
		"id": "agent-a", "name": "Asha", "languages": []string{"hi"},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create agent status %d: %s", res.StatusCode, string(data))
	}

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/sampling/runs", map[string]any{
		"mode": "first_sample", "percentage": 100,
	}, nil)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/allocation/runs", map[string]any{}, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("allocation status %d: %s", res.StatusCode, string(data))
	}
	var run domain.Run
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatal(err)
	}
	if run.Allocated != 4 {
		t.Fatalf("allocated = %d, want 4", run.Allocated)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks?agent_id=agent-a", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatal("list tasks")
	}
	var tasks []domain.CallTask
	if err := json.Unmarshal(data, &tasks); err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 4 {
		t.Fatalf("agent tasks = %d, want 4", len(tasks))
	}

	// not_reachable schedules an automatic callback.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+tasks[0].ID+"/outcome", map[string]any{
		"status": "not_reachable", "remarks": "no answer",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("outcome status %d: %s", res.StatusCode, string(data))
	}
	var outcome struct {
		Task     domain.CallTask  `json:"task"`
		Callback *domain.CallTask `json:"callback"`
	}
	if err := json.Unmarshal(data, &outcome); err != nil {
		t.Fatal(err)
	}
	if outcome.Task.Status != domain.TaskNotReachable {
		t.Fatalf("task status = %s", outcome.Task.Status)
	}
	if outcome.Callback == nil || outcome.Callback.CallbackNumber != 1 {
		t.Fatalf("auto callback missing: %+v", outcome.Callback)
	}

	// A terminal task rejects further outcomes.
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+tasks[0].ID+"/outcome", map[string]any{
		"status": "completed",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("terminal outcome status = %d, want 422", res.StatusCode)
	}
}

func TestConcurrentRunRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// Seed a running run directly so the conflict is deterministic.
	now := srv.Engine.Now().UTC().Format("2006-01-02T15:04:05Z07:00")
	tx, err := srv.Engine.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	err = srv.Engine.Repo.InsertRunTx(context.Background(), tx, domain.Run{
		ID: "run-1", Kind: domain.RunSampling, Status: domain.RunRunning, StartedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sampling/runs", map[string]any{"mode": "first_sample"}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "already_running" {
		t.Fatalf("error code = %s", envelope.Error.Code)
	}
}

func TestUnauthorizedWithoutCredentials(t *testing.T) {
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: "secret"}})
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	defer func() {
		srv.Shutdown(context.Background())
		ln.Close()
	}()
	url := "http://" + ln.Addr().String()

	res, _ := doJSON(t, &http.Client{}, http.MethodGet, url+"/v0/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.StatusCode)
	}
	// Health stays open.
	res, _ = doJSON(t, &http.Client{}, http.MethodGet, url+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", res.StatusCode)
	}
}
