package engine_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/migrate"
	"fieldline/internal/repo"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }
	eng.Rand = rand.New(rand.NewSource(42))
	eng.SyncJobs = true
	ctx := context.Background()
	if err := eng.Repo.UpsertConfig(ctx, cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func seedActivity(t *testing.T, env testEnv, id string, typ domain.ActivityType, date string) {
	t.Helper()
	now := env.Engine.Now().UTC().Format(time.RFC3339)
	err := env.Engine.Repo.UpsertActivity(env.Ctx, nil, domain.Activity{
		ID: id, Type: typ, Date: date, Status: domain.ActivityActive,
		CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed activity %s: %v", id, err)
	}
}

func seedFarmers(t *testing.T, env testEnv, activityID, lang string, n int) []string {
	t.Helper()
	now := env.Engine.Now().UTC().Format(time.RFC3339)
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-farmer-%03d", activityID, i)
		err := env.Engine.Repo.UpsertFarmer(env.Ctx, nil, domain.Farmer{
			ID: id, Name: "Farmer " + id, Language: lang, CreatedAt: now,
		})
		if err != nil {
			t.Fatalf("seed farmer: %v", err)
		}
		if err := env.Engine.Repo.LinkActivityFarmer(env.Ctx, nil, activityID, id); err != nil {
			t.Fatalf("link farmer: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func seedAgent(t *testing.T, env testEnv, id string, langs ...string) {
	t.Helper()
	now := env.Engine.Now().UTC().Format(time.RFC3339)
	err := env.Engine.Repo.UpsertAgent(env.Ctx, nil, domain.Agent{
		ID: id, Name: "Agent " + id, Active: true, Languages: langs, CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}
}

func coolFarmer(t *testing.T, env testEnv, farmerID string, at time.Time) {
	t.Helper()
	tx, err := env.Engine.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.UpsertCoolingTx(env.Ctx, tx, "farmer", farmerID, at.UTC().Format(time.RFC3339)); err != nil {
		t.Fatalf("cool farmer: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestSamplingDrawsFromEligiblePool(t *testing.T) {
	env := newTestEnv(t)
	seedActivity(t, env, "act-1", domain.TypeFieldDay, "2025-05-20")
	farmers := seedFarmers(t, env, "act-1", "hi", 20)
	// 5 farmers sampled recently: inside the 30 day window.
	for _, id := range farmers[:5] {
		coolFarmer(t, env, id, env.Engine.Now().Add(-10*24*time.Hour))
	}

	run, err := env.Engine.RunSampling(env.Ctx, engine.SamplingParams{Mode: engine.ModeFirstSample, ActorID: "tester"})
	if err != nil {
		t.Fatalf("run sampling: %v", err)
	}
	if run.Status != domain.RunCompleted {
		t.Fatalf("run status = %s, want completed", run.Status)
	}
	// 10% of 20 attendees rounds up to 2 tasks.
	if run.TasksCreated != 2 {
		t.Fatalf("tasks created = %d, want 2", run.TasksCreated)
	}
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ActivityID: "act-1"})
	if err != nil {
		t.Fatal(err)
	}
	cooled := map[string]bool{}
	for _, id := range farmers[:5] {
		cooled[id] = true
	}
	for _, task := range tasks {
		if cooled[task.FarmerID] {
			t.Fatalf("cooled farmer %s was sampled", task.FarmerID)
		}
		if task.Status != domain.TaskUnassigned {
			t.Fatalf("new task status = %s", task.Status)
		}
		if _, err := env.Engine.Repo.GetCoolingEntry(env.Ctx, "farmer", task.FarmerID); err != nil {
			t.Fatalf("sampled farmer missing cooling entry: %v", err)
		}
	}
	act, err := env.Engine.Repo.GetActivity(env.Ctx, "act-1")
	if err != nil {
		t.Fatal(err)
	}
	if act.Status != domain.ActivitySampled {
		t.Fatalf("activity status = %s, want sampled", act.Status)
	}
	if _, err := env.Engine.Repo.GetCoolingEntry(env.Ctx, "activity", "act-1"); err != nil {
		t.Fatalf("activity missing cooling entry: %v", err)
	}
}

func TestSamplingParksActivityWhenAllCooling(t *testing.T) {
	env := newTestEnv(t)
	seedActivity(t, env, "act-1", domain.TypeGroupMeeting, "2025-05-20")
	farmers := seedFarmers(t, env, "act-1", "hi", 4)
	for _, id := range farmers {
		coolFarmer(t, env, id, env.Engine.Now().Add(-24*time.Hour))
	}

	run, err := env.Engine.RunSampling(env.Ctx, engine.SamplingParams{Mode: engine.ModeFirstSample, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if run.TasksCreated != 0 || run.Skipped != 1 {
		t.Fatalf("tasks=%d skipped=%d, want 0/1", run.TasksCreated, run.Skipped)
	}
	act, _ := env.Engine.Repo.GetActivity(env.Ctx, "act-1")
	if act.Status != domain.ActivityInactive {
		t.Fatalf("activity status = %s, want inactive", act.Status)
	}
}

func TestCoolingWindowBoundary(t *testing.T) {
	env := newTestEnv(t)
	seedActivity(t, env, "act-1", domain.TypeFieldDay, "2025-05-20")
	farmers := seedFarmers(t, env, "act-1", "hi", 1)
	// Both sampled exactly one cooling window ago: the hold has elapsed.
	coolFarmer(t, env, farmers[0], env.Engine.Now().Add(-30*24*time.Hour))
	tx, _ := env.Engine.DB.Begin()
	_ = env.Engine.Repo.UpsertCoolingTx(env.Ctx, tx, "activity", "act-1",
		env.Engine.Now().Add(-90*24*time.Hour).UTC().Format(time.RFC3339))
	_ = tx.Commit()

	run, err := env.Engine.RunSampling(env.Ctx, engine.SamplingParams{Mode: engine.ModeFirstSample, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if run.TasksCreated != 1 || run.Skipped != 0 {
		t.Fatalf("tasks=%d skipped=%d, want 1/0", run.TasksCreated, run.Skipped)
	}
}

func TestSamplingSkipsCooledActivity(t *testing.T) {
	env := newTestEnv(t)
	seedActivity(t, env, "act-1", domain.TypeFieldDay, "2025-05-20")
	seedFarmers(t, env, "act-1", "hi", 10)
	tx, _ := env.Engine.DB.Begin()
	_ = env.Engine.Repo.UpsertCoolingTx(env.Ctx, tx, "activity", "act-1", env.Engine.Now().Add(-24*time.Hour).UTC().Format(time.RFC3339))
	_ = tx.Commit()

	run, err := env.Engine.RunSampling(env.Ctx, engine.SamplingParams{Mode: engine.ModeFirstSample, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if run.TasksCreated != 0 || run.Skipped != 1 {
		t.Fatalf("cooled activity was sampled: tasks=%d skipped=%d", run.TasksCreated, run.Skipped)
	}

	// Ad-hoc bypasses activity cooling but still respects farmer cooling.
	run, err = env.Engine.RunSampling(env.Ctx, engine.SamplingParams{
		Mode: engine.ModeAdhoc, DateFrom: "2025-05-01", DateTo: "2025-05-31", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if run.TasksCreated != 1 {
		t.Fatalf("adhoc tasks = %d, want 1", run.TasksCreated)
	}
}

func TestAdhocRevisitsSampledActivity(t *testing.T) {
	env := newTestEnv(t)
	seedActivity(t, env, "act-1", domain.TypeFieldDay, "2025-05-20")
	seedFarmers(t, env, "act-1", "hi", 10)
	if _, err := env.Engine.RunSampling(env.Ctx, engine.SamplingParams{
		Mode: engine.ModeFirstSample, Percentage: 50, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	before, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ActivityID: "act-1"})
	if len(before) != 5 {
		t.Fatalf("first pass tasks = %d, want 5", len(before))
	}

	// Ad-hoc revisits the sampled activity; the five farmers tasked in the
	// first pass are out of the pool, so the draw lands on the rest.
	run, err := env.Engine.RunSampling(env.Ctx, engine.SamplingParams{
		Mode: engine.ModeAdhoc, DateFrom: "2025-05-01", DateTo: "2025-05-31",
		Percentage: 50, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if run.Matched != 1 || run.TasksCreated != 5 {
		t.Fatalf("matched=%d tasks=%d, want 1/5", run.Matched, run.TasksCreated)
	}
	after, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ActivityID: "act-1"})
	seen := map[string]bool{}
	for _, task := range after {
		if seen[task.FarmerID] {
			t.Fatalf("farmer %s tasked twice", task.FarmerID)
		}
		seen[task.FarmerID] = true
	}
	act, _ := env.Engine.Repo.GetActivity(env.Ctx, "act-1")
	if act.Status != domain.ActivitySampled {
		t.Fatalf("activity status = %s, want sampled", act.Status)
	}
}

func TestSamplingLifecycleFilter(t *testing.T) {
	env := newTestEnv(t)
	seedActivity(t, env, "act-1", domain.TypeFieldDay, "2025-05-20")
	seedFarmers(t, env, "act-1", "hi", 4)
	seedActivity(t, env, "act-2", domain.TypeFieldDay, "2025-05-21")
	seedFarmers(t, env, "act-2", "hi", 4)
	if _, err := env.Engine.RunSampling(env.Ctx, engine.SamplingParams{
		Mode: engine.ModeFirstSample, DateFrom: "2025-05-20", DateTo: "2025-05-20",
		Percentage: 100, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}

	// An active-only ad-hoc run leaves the sampled activity alone.
	run, err := env.Engine.RunSampling(env.Ctx, engine.SamplingParams{
		Mode:     engine.ModeAdhoc,
		Statuses: []domain.ActivityStatus{domain.ActivityActive},
		DateFrom: "2025-05-01", DateTo: "2025-05-31",
		Percentage: 100, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if run.Matched != 1 || run.TasksCreated != 4 {
		t.Fatalf("matched=%d tasks=%d, want 1/4", run.Matched, run.TasksCreated)
	}
	tasks, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ActivityID: "act-1"})
	if len(tasks) != 4 {
		t.Fatalf("sampled activity revisited: %d tasks", len(tasks))
	}

	// first_sample cannot target sampled activities.
	_, err = env.Engine.RunSampling(env.Ctx, engine.SamplingParams{
		Mode:     engine.ModeFirstSample,
		Statuses: []domain.ActivityStatus{domain.ActivitySampled},
		ActorID:  "tester",
	})
	if err == nil {
		t.Fatalf("expected lifecycle filter rejection")
	}
}

func TestSamplingIgnoresIneligibleTypes(t *testing.T) {
	env := newTestEnv(t)
	seedActivity(t, env, "act-ofm", domain.TypeOFM, "2025-05-20")
	seedFarmers(t, env, "act-ofm", "hi", 10)

	run, err := env.Engine.RunSampling(env.Ctx, engine.SamplingParams{Mode: engine.ModeFirstSample, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if run.Matched != 0 {
		t.Fatalf("matched = %d, want 0", run.Matched)
	}
}

func TestSamplingSingleFlight(t *testing.T) {
	env := newTestEnv(t)
	now := env.Engine.Now().UTC().Format(time.RFC3339)
	tx, _ := env.Engine.DB.Begin()
	err := env.Engine.Repo.InsertRunTx(env.Ctx, tx, domain.Run{
		ID: "run-1", Kind: domain.RunSampling, Status: domain.RunRunning, StartedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.RunSampling(env.Ctx, engine.SamplingParams{Mode: engine.ModeFirstSample, ActorID: "tester"})
	if err != engine.ErrAlreadyRunning {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
}

func TestStaleRunningRunIsFailed(t *testing.T) {
	env := newTestEnv(t)
	stale := env.Engine.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	tx, _ := env.Engine.DB.Begin()
	err := env.Engine.Repo.InsertRunTx(env.Ctx, tx, domain.Run{
		ID: "run-1", Kind: domain.RunSampling, Status: domain.RunRunning, StartedAt: stale, UpdatedAt: stale,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	run, err := env.Engine.RunStatus(env.Ctx, domain.RunSampling)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunFailed {
		t.Fatalf("stale run status = %s, want failed", run.Status)
	}
	// The lock is released: a new run can start.
	if _, err := env.Engine.RunSampling(env.Ctx, engine.SamplingParams{Mode: engine.ModeFirstSample, ActorID: "tester"}); err != nil {
		t.Fatalf("new run after sweep: %v", err)
	}
}

func TestReservoirUniformity(t *testing.T) {
	env := newTestEnv(t)
	seedActivity(t, env, "act-1", domain.TypeFieldDay, "2025-05-20")
	farmers := seedFarmers(t, env, "act-1", "hi", 10)

	counts := map[string]int{}
	const trials = 2000
	for i := 0; i < trials; i++ {
		env.Engine.Rand = rand.New(rand.NewSource(int64(i)))
		picked, total, eligible, err := engine.SampleForTest(env.Engine, env.Ctx, "act-1", "1970-01-01T00:00:00Z", 20)
		if err != nil {
			t.Fatal(err)
		}
		if total != 10 || eligible != 10 || len(picked) != 2 {
			t.Fatalf("total=%d eligible=%d picked=%d", total, eligible, len(picked))
		}
		for _, f := range picked {
			counts[f.ID]++
		}
	}
	// Each of 10 farmers should appear in about trials*k/n = 400 draws.
	expected := float64(trials) * 2 / 10
	for _, id := range farmers {
		got := float64(counts[id])
		if got < expected*0.8 || got > expected*1.2 {
			t.Fatalf("farmer %s selected %v times, expected around %v", id, got, expected)
		}
	}
}

func TestAllocationRoundRobin(t *testing.T) {
	env := newTestEnv(t)
	seedActivity(t, env, "act-1", domain.TypeFieldDay, "2025-05-20")
	seedFarmers(t, env, "act-1", "hi", 6)
	seedAgent(t, env, "agent-a", "hi")
	seedAgent(t, env, "agent-b", "hi")
	if _, err := env.Engine.RunSampling(env.Ctx, engine.SamplingParams{
		Mode: engine.ModeFirstSample, Percentage: 100, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}

	run, err := env.Engine.Allocate(env.Ctx, engine.AllocationParams{ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if run.Allocated != 6 || run.Skipped != 0 {
		t.Fatalf("allocated=%d skipped=%d, want 6/0", run.Allocated, run.Skipped)
	}
	for _, agentID := range []string{"agent-a", "agent-b"} {
		tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{AgentID: agentID})
		if err != nil {
			t.Fatal(err)
		}
		if len(tasks) != 3 {
			t.Fatalf("agent %s has %d tasks, want 3", agentID, len(tasks))
		}
		for _, task := range tasks {
			if task.Status != domain.TaskSampledInQueue {
				t.Fatalf("allocated task status = %s", task.Status)
			}
		}
	}
}

func TestAllocationFilters(t *testing.T) {
	env := newTestEnv(t)
	seedActivity(t, env, "act-hi", domain.TypeFieldDay, "2025-05-20")
	seedFarmers(t, env, "act-hi", "hi", 4)
	seedActivity(t, env, "act-ta", domain.TypeFieldDay, "2025-05-21")
	seedFarmers(t, env, "act-ta", "ta", 2)
	seedAgent(t, env, "agent-a", "hi")
	seedAgent(t, env, "agent-b", "ta")
	if _, err := env.Engine.RunSampling(env.Ctx, engine.SamplingParams{
		Mode: engine.ModeFirstSample, Percentage: 100, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}

	run, err := env.Engine.Allocate(env.Ctx, engine.AllocationParams{
		Language: "hi", Count: 2, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if run.Matched != 2 || run.Allocated != 2 {
		t.Fatalf("matched=%d allocated=%d, want 2/2", run.Matched, run.Allocated)
	}
	left, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{Status: domain.TaskUnassigned})
	if len(left) != 4 {
		t.Fatalf("unassigned pool = %d, want 4", len(left))
	}
	tasks, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{AgentID: "agent-b"})
	if len(tasks) != 0 {
		t.Fatalf("language filter leaked %d tasks to agent-b", len(tasks))
	}
}

func TestAllocationSkipsLanguagesWithoutAgents(t *testing.T) {
	env := newTestEnv(t)
	seedActivity(t, env, "act-1", domain.TypeFieldDay, "2025-05-20")
	seedFarmers(t, env, "act-1", "ta", 3)
	seedAgent(t, env, "agent-a", "hi")
	if _, err := env.Engine.RunSampling(env.Ctx, engine.SamplingParams{
		Mode: engine.ModeFirstSample, Percentage: 100, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}

	run, err := env.Engine.Allocate(env.Ctx, engine.AllocationParams{ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if run.Allocated != 0 || run.Skipped != 3 {
		t.Fatalf("allocated=%d skipped=%d, want 0/3", run.Allocated, run.Skipped)
	}
	tasks, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{Status: domain.TaskUnassigned})
	if len(tasks) != 3 {
		t.Fatalf("unassigned pool = %d, want 3", len(tasks))
	}
}

func TestReallocateDrainsOnlyQueuedTasks(t *testing.T) {
	env := newTestEnv(t)
	seedActivity(t, env, "act-1", domain.TypeFieldDay, "2025-05-20")
	seedFarmers(t, env, "act-1", "hi", 4)
	seedAgent(t, env, "agent-a", "hi")
	if _, err := env.Engine.RunSampling(env.Ctx, engine.SamplingParams{
		Mode: engine.ModeFirstSample, Percentage: 100, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Allocate(env.Ctx, engine.AllocationParams{ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	tasks, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{AgentID: "agent-a"})
	if len(tasks) != 4 {
		t.Fatalf("agent-a has %d tasks", len(tasks))
	}
	// One task already started: it must stay with agent-a.
	started := tasks[0].ID
	if _, err := env.Engine.RecordOutcome(env.Ctx, started, domain.TaskInProgress, "", "agent-a"); err != nil {
		t.Fatal(err)
	}

	seedAgent(t, env, "agent-b", "hi")
	res, err := env.Engine.Reallocate(env.Ctx, "agent-a", "lead-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Moved != 3 || res.Unassigned != 0 {
		t.Fatalf("moved=%d unassigned=%d, want 3/0", res.Moved, res.Unassigned)
	}
	kept, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{AgentID: "agent-a"})
	if len(kept) != 1 || kept[0].ID != started {
		t.Fatalf("in-progress task did not stay with agent-a")
	}
}

func TestReallocateWithoutPeersReturnsToPool(t *testing.T) {
	env := newTestEnv(t)
	seedActivity(t, env, "act-1", domain.TypeFieldDay, "2025-05-20")
	seedFarmers(t, env, "act-1", "hi", 2)
	seedAgent(t, env, "agent-a", "hi")
	if _, err := env.Engine.RunSampling(env.Ctx, engine.SamplingParams{
		Mode: engine.ModeFirstSample, Percentage: 100, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Allocate(env.Ctx, engine.AllocationParams{ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}

	res, err := env.Engine.Reallocate(env.Ctx, "agent-a", "lead-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Moved != 0 || res.Unassigned != 2 {
		t.Fatalf("moved=%d unassigned=%d, want 0/2", res.Moved, res.Unassigned)
	}
}

func TestCallbackCap(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default()
	cfg.Callbacks.Auto = false
	if err := env.Engine.Repo.UpsertConfig(env.Ctx, cfg); err != nil {
		t.Fatal(err)
	}
	seedActivity(t, env, "act-1", domain.TypeFieldDay, "2025-05-20")
	seedFarmers(t, env, "act-1", "hi", 1)
	seedAgent(t, env, "agent-a", "hi")
	if _, err := env.Engine.RunSampling(env.Ctx, engine.SamplingParams{
		Mode: engine.ModeFirstSample, Percentage: 100, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	tasks, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ActivityID: "act-1"})
	if len(tasks) != 1 {
		t.Fatalf("want 1 task, got %d", len(tasks))
	}
	// Each link of the chain is called and fails before the next callback
	// is requested.
	finish := func(id string) {
		t.Helper()
		if _, err := env.Engine.Allocate(env.Ctx, engine.AllocationParams{ActorID: "tester"}); err != nil {
			t.Fatal(err)
		}
		if _, err := env.Engine.RecordOutcome(env.Ctx, id, domain.TaskNotReachable, "no answer", "agent-a"); err != nil {
			t.Fatal(err)
		}
	}
	root := tasks[0].ID
	finish(root)

	first, errs := env.Engine.CreateCallbacks(env.Ctx, []engine.CallbackRequest{{ParentTaskID: root}}, "tester")
	if errs[0] != nil || len(first) != 1 || first[0].CallbackNumber != 1 {
		t.Fatalf("first callback: %v", errs[0])
	}
	finish(first[0].ID)
	second, errs := env.Engine.CreateCallbacks(env.Ctx, []engine.CallbackRequest{{ParentTaskID: first[0].ID}}, "tester")
	if errs[0] != nil || second[0].CallbackNumber != 2 {
		t.Fatalf("second callback: %v", errs[0])
	}
	finish(second[0].ID)
	_, errs = env.Engine.CreateCallbacks(env.Ctx, []engine.CallbackRequest{{ParentTaskID: second[0].ID}}, "tester")
	if errs[0] != engine.ErrCallbackLimit {
		t.Fatalf("third callback err = %v, want ErrCallbackLimit", errs[0])
	}
}

func TestCallbackRequiresTerminalParent(t *testing.T) {
	env := newTestEnv(t)
	seedActivity(t, env, "act-1", domain.TypeFieldDay, "2025-05-20")
	seedFarmers(t, env, "act-1", "hi", 2)
	seedAgent(t, env, "agent-a", "hi")
	if _, err := env.Engine.RunSampling(env.Ctx, engine.SamplingParams{
		Mode: engine.ModeFirstSample, Percentage: 100, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	tasks, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ActivityID: "act-1"})
	if len(tasks) != 2 {
		t.Fatalf("want 2 tasks, got %d", len(tasks))
	}

	// A parent that was never called does not qualify.
	_, errs := env.Engine.CreateCallbacks(env.Ctx, []engine.CallbackRequest{{ParentTaskID: tasks[0].ID}}, "tester")
	if !errors.Is(errs[0], engine.ErrInvalidTransition) {
		t.Fatalf("unworked parent err = %v, want ErrInvalidTransition", errs[0])
	}

	if _, err := env.Engine.Allocate(env.Ctx, engine.AllocationParams{ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	// invalid_number ends the chain for good.
	if _, err := env.Engine.RecordOutcome(env.Ctx, tasks[0].ID, domain.TaskInvalidNumber, "dead line", "agent-a"); err != nil {
		t.Fatal(err)
	}
	_, errs = env.Engine.CreateCallbacks(env.Ctx, []engine.CallbackRequest{{ParentTaskID: tasks[0].ID}}, "tester")
	if !errors.Is(errs[0], engine.ErrInvalidTransition) {
		t.Fatalf("invalid_number parent err = %v, want ErrInvalidTransition", errs[0])
	}

	// A completed parent qualifies for a manual follow-up.
	if _, err := env.Engine.RecordOutcome(env.Ctx, tasks[1].ID, domain.TaskCompleted, "ok", "agent-a"); err != nil {
		t.Fatal(err)
	}
	created, errs := env.Engine.CreateCallbacks(env.Ctx, []engine.CallbackRequest{{ParentTaskID: tasks[1].ID}}, "tester")
	if errs[0] != nil || created[0].CallbackNumber != 1 {
		t.Fatalf("completed parent callback: %v", errs[0])
	}
}

func TestAutoCallbackOnNotReachable(t *testing.T) {
	env := newTestEnv(t)
	seedActivity(t, env, "act-1", domain.TypeFieldDay, "2025-05-20")
	seedFarmers(t, env, "act-1", "hi", 1)
	seedAgent(t, env, "agent-a", "hi")
	if _, err := env.Engine.RunSampling(env.Ctx, engine.SamplingParams{
		Mode: engine.ModeFirstSample, Percentage: 100, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Allocate(env.Ctx, engine.AllocationParams{ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	tasks, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{AgentID: "agent-a"})
	current := tasks[0]

	for want := 1; want <= 2; want++ {
		res, err := env.Engine.RecordOutcome(env.Ctx, current.ID, domain.TaskNotReachable, "no answer", "agent-a")
		if err != nil {
			t.Fatal(err)
		}
		if res.Callback == nil {
			t.Fatalf("attempt %d: no auto callback", want)
		}
		if res.Callback.CallbackNumber != want {
			t.Fatalf("callback number = %d, want %d", res.Callback.CallbackNumber, want)
		}
		if res.Callback.Status != domain.TaskUnassigned || res.Callback.AssignedAgentID != nil {
			t.Fatalf("callback did not re-enter the pool: %+v", res.Callback)
		}
		// The callback flows through allocation like any other task.
		if _, err := env.Engine.Allocate(env.Ctx, engine.AllocationParams{ActorID: "tester"}); err != nil {
			t.Fatal(err)
		}
		queued, err := env.Engine.Repo.GetTask(env.Ctx, res.Callback.ID)
		if err != nil {
			t.Fatal(err)
		}
		if queued.AssignedAgentID == nil || *queued.AssignedAgentID != "agent-a" {
			t.Fatalf("callback not allocated to the capable agent")
		}
		current = queued
	}
	// Chain ends silently at the cap.
	res, err := env.Engine.RecordOutcome(env.Ctx, current.ID, domain.TaskNotReachable, "still no answer", "agent-a")
	if err != nil {
		t.Fatal(err)
	}
	if res.Callback != nil {
		t.Fatalf("callback created past the cap")
	}
}

func TestOutcomeTransitionGuard(t *testing.T) {
	env := newTestEnv(t)
	seedActivity(t, env, "act-1", domain.TypeFieldDay, "2025-05-20")
	seedFarmers(t, env, "act-1", "hi", 1)
	seedAgent(t, env, "agent-a", "hi")
	_, _ = env.Engine.RunSampling(env.Ctx, engine.SamplingParams{Mode: engine.ModeFirstSample, Percentage: 100, ActorID: "tester"})
	_, _ = env.Engine.Allocate(env.Ctx, engine.AllocationParams{ActorID: "tester"})
	tasks, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{AgentID: "agent-a"})
	id := tasks[0].ID

	if _, err := env.Engine.RecordOutcome(env.Ctx, id, domain.TaskCompleted, "done", "agent-a"); err != nil {
		t.Fatal(err)
	}
	// Terminal tasks reject further outcomes.
	if _, err := env.Engine.RecordOutcome(env.Ctx, id, domain.TaskInProgress, "", "agent-a"); err == nil {
		t.Fatalf("expected terminal transition error")
	}
	task, _ := env.Engine.Repo.GetTask(env.Ctx, id)
	if task.AttemptCount != 1 || task.CompletedAt == nil {
		t.Fatalf("attempt=%d completed_at=%v", task.AttemptCount, task.CompletedAt)
	}
}

func TestApplyEligibility(t *testing.T) {
	env := newTestEnv(t)
	seedActivity(t, env, "act-fd", domain.TypeFieldDay, "2025-05-20")
	seedActivity(t, env, "act-ofm", domain.TypeOFM, "2025-05-20")

	res, err := env.Engine.ApplyEligibility(env.Ctx, nil, "admin")
	if err != nil {
		t.Fatal(err)
	}
	if res.MarkedNotEligible != 1 {
		t.Fatalf("marked = %d, want 1", res.MarkedNotEligible)
	}
	act, _ := env.Engine.Repo.GetActivity(env.Ctx, "act-ofm")
	if act.Status != domain.ActivityNotEligible {
		t.Fatalf("ofm status = %s", act.Status)
	}

	// Widen the eligible set in the same call: the activity comes back.
	types := append(config.Default().Sampling.EligibleTypes, string(domain.TypeOFM))
	res, err = env.Engine.ApplyEligibility(env.Ctx, types, "admin")
	if err != nil {
		t.Fatal(err)
	}
	if res.Restored != 1 {
		t.Fatalf("restored = %d, want 1", res.Restored)
	}
	act, _ = env.Engine.Repo.GetActivity(env.Ctx, "act-ofm")
	if act.Status != domain.ActivityActive {
		t.Fatalf("ofm status after restore = %s", act.Status)
	}
	// The widened list is persisted.
	cfg, err := env.Engine.Repo.GetConfig(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Sampling.EligibleTypes) != len(types) {
		t.Fatalf("eligible types not persisted: %v", cfg.Sampling.EligibleTypes)
	}
}

func TestReactivateRequiresValidToken(t *testing.T) {
	env := newTestEnv(t)
	seedActivity(t, env, "act-1", domain.TypeFieldDay, "2025-05-20")
	seedFarmers(t, env, "act-1", "hi", 5)
	_, _ = env.Engine.RunSampling(env.Ctx, engine.SamplingParams{Mode: engine.ModeFirstSample, Percentage: 100, ActorID: "tester"})

	filters := repo.ReactivationFilters{FromStatus: domain.ActivitySampled}
	_, err := env.Engine.Reactivate(env.Ctx, filters, "bogus", true, false, "admin")
	if err != engine.ErrConfirmationRequired {
		t.Fatalf("err = %v, want ErrConfirmationRequired", err)
	}
}

func TestReactivateDeletesUntouchedWorkAndClearsCooling(t *testing.T) {
	env := newTestEnv(t)
	seedActivity(t, env, "act-1", domain.TypeFieldDay, "2025-05-20")
	seedFarmers(t, env, "act-1", "hi", 5)
	seedAgent(t, env, "agent-a", "hi")
	_, _ = env.Engine.RunSampling(env.Ctx, engine.SamplingParams{Mode: engine.ModeFirstSample, Percentage: 100, ActorID: "tester"})
	_, _ = env.Engine.Allocate(env.Ctx, engine.AllocationParams{ActorID: "tester"})
	tasks, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ActivityID: "act-1"})
	if len(tasks) != 5 {
		t.Fatalf("tasks = %d", len(tasks))
	}
	// One farmer was already called.
	if _, err := env.Engine.RecordOutcome(env.Ctx, tasks[0].ID, domain.TaskCompleted, "ok", "agent-a"); err != nil {
		t.Fatal(err)
	}
	workedFarmer := tasks[0].FarmerID

	filters := repo.ReactivationFilters{FromStatus: domain.ActivitySampled}
	preview, err := env.Engine.ReactivatePreview(env.Ctx, filters)
	if err != nil {
		t.Fatal(err)
	}
	if preview.Activities != 1 || preview.DeletableTasks != 4 || preview.KeptTasks != 1 {
		t.Fatalf("preview = %+v", preview)
	}

	res, err := env.Engine.Reactivate(env.Ctx, filters, preview.Token, true, false, "admin")
	if err != nil {
		t.Fatal(err)
	}
	if res.Activities != 1 || res.DeletedTasks != 4 {
		t.Fatalf("result = %+v", res)
	}
	act, _ := env.Engine.Repo.GetActivity(env.Ctx, "act-1")
	if act.Status != domain.ActivityActive {
		t.Fatalf("activity status = %s, want active", act.Status)
	}
	remaining, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ActivityID: "act-1"})
	if len(remaining) != 1 || remaining[0].FarmerID != workedFarmer {
		t.Fatalf("worked task did not survive reactivation")
	}
	// Cooling cleared for the removed farmers and the activity.
	if _, err := env.Engine.Repo.GetCoolingEntry(env.Ctx, "activity", "act-1"); err != repo.ErrNotFound {
		t.Fatalf("activity cooling survived: %v", err)
	}
	if _, err := env.Engine.Repo.GetCoolingEntry(env.Ctx, "farmer", workedFarmer); err != nil {
		t.Fatalf("worked farmer lost cooling entry: %v", err)
	}
}

func TestReactivateKeepsCoolingForFarmerSampledElsewhere(t *testing.T) {
	env := newTestEnv(t)
	seedActivity(t, env, "act-1", domain.TypeFieldDay, "2025-05-20")
	farmers := seedFarmers(t, env, "act-1", "hi", 1)
	seedAgent(t, env, "agent-a", "hi")
	if _, err := env.Engine.RunSampling(env.Ctx, engine.SamplingParams{
		Mode: engine.ModeFirstSample, Percentage: 100, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Allocate(env.Ctx, engine.AllocationParams{ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	tasks, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ActivityID: "act-1"})
	if _, err := env.Engine.RecordOutcome(env.Ctx, tasks[0].ID, domain.TaskCompleted, "ok", "agent-a"); err != nil {
		t.Fatal(err)
	}

	// A second sampled activity holds an untouched task for the same farmer.
	seedActivity(t, env, "act-2", domain.TypeFieldDay, "2025-05-25")
	if err := env.Engine.Repo.LinkActivityFarmer(env.Ctx, nil, "act-2", farmers[0]); err != nil {
		t.Fatal(err)
	}
	now := env.Engine.Now().UTC().Format(time.RFC3339)
	tx, _ := env.Engine.DB.Begin()
	err := env.Engine.Repo.InsertTaskTx(env.Ctx, tx, domain.CallTask{
		ID: "task-act2", FarmerID: farmers[0], ActivityID: "act-2",
		Status: domain.TaskUnassigned, ScheduledDate: "2025-06-08",
		CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.UpdateActivityStatusTx(env.Ctx, tx, "act-2", domain.ActivitySampled, now); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	// Reactivating act-2 deletes its untouched task, but the farmer's
	// worked task on act-1 is still inside the cooling window.
	filters := repo.ReactivationFilters{
		FromStatus: domain.ActivitySampled, DateFrom: "2025-05-25", DateTo: "2025-05-25",
	}
	preview, err := env.Engine.ReactivatePreview(env.Ctx, filters)
	if err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.Reactivate(env.Ctx, filters, preview.Token, true, false, "admin")
	if err != nil {
		t.Fatal(err)
	}
	if res.Activities != 1 || res.DeletedTasks != 1 {
		t.Fatalf("result = %+v", res)
	}
	if _, err := env.Engine.Repo.GetCoolingEntry(env.Ctx, "farmer", farmers[0]); err != nil {
		t.Fatalf("cooling released while another task holds the window: %v", err)
	}
}

func TestAutoRunThreshold(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default()
	cfg.AutoRun.Enabled = true
	cfg.AutoRun.ActivityThreshold = 3
	if err := env.Engine.Repo.UpsertConfig(env.Ctx, cfg); err != nil {
		t.Fatal(err)
	}
	seedActivity(t, env, "act-1", domain.TypeFieldDay, "2025-05-20")
	seedFarmers(t, env, "act-1", "hi", 5)
	seedActivity(t, env, "act-2", domain.TypeFieldDay, "2025-05-21")
	seedFarmers(t, env, "act-2", "hi", 5)

	dec, err := env.Engine.AutoRun(env.Ctx, "cron")
	if err != nil {
		t.Fatal(err)
	}
	if dec.Triggered || dec.Pending != 2 {
		t.Fatalf("below threshold fired: %+v", dec)
	}

	seedActivity(t, env, "act-3", domain.TypeFieldDay, "2025-05-22")
	seedFarmers(t, env, "act-3", "hi", 5)
	dec, err = env.Engine.AutoRun(env.Ctx, "cron")
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Triggered || dec.Run == nil {
		t.Fatalf("threshold reached but not triggered: %+v", dec)
	}
	if dec.Run.Status != domain.RunCompleted {
		t.Fatalf("auto run status = %s", dec.Run.Status)
	}
}

func TestAutoRunActivationDate(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default()
	cfg.AutoRun.Enabled = true
	cfg.AutoRun.ActivityThreshold = 1
	cfg.AutoRun.ActivateFrom = "2025-07-01T00:00:00Z"
	if err := env.Engine.Repo.UpsertConfig(env.Ctx, cfg); err != nil {
		t.Fatal(err)
	}
	seedActivity(t, env, "act-1", domain.TypeFieldDay, "2025-05-20")
	seedFarmers(t, env, "act-1", "hi", 5)

	dec, err := env.Engine.AutoRun(env.Ctx, "cron")
	if err != nil {
		t.Fatal(err)
	}
	if dec.Triggered {
		t.Fatalf("fired before activation date")
	}
}
