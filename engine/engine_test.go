package engine_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lightspeed-oss/batchd/engine"
	"github.com/lightspeed-oss/batchd/jobstore"
	"github.com/lightspeed-oss/batchd/logging"
	"github.com/lightspeed-oss/batchd/metrics"
	"github.com/lightspeed-oss/batchd/registry"
	"github.com/lightspeed-oss/batchd/scheduler"
)

func writeFakeBinary(t *testing.T, dir, name, script string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake %s: %v", name, err)
	}
	return path
}

func seedRepo(t *testing.T, reposDir, name string) {
	t.Helper()
	dir := filepath.Join(reposDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := `{
  "name": "` + name + `",
  "local_path": "` + dir + `",
  "git_url": "https://example.com/x.git",
  "description": "",
  "registered_at": "2026-01-01T00:00:00Z",
  "last_updated": "2026-01-01T00:00:00Z",
  "clone_status": "completed",
  "cidx_aware": false,
  "active": true,
  "settings": {"pre_commands": [], "assistant_config": {}, "direct_access": false}
}`
	if err := os.WriteFile(filepath.Join(dir, ".claude-batch-settings.json"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestEngine(t *testing.T, autoStart bool, assistantScript string) (*engine.Engine, *jobstore.Store) {
	t.Helper()
	root := t.TempDir()
	reposDir := filepath.Join(root, "repos")
	seedRepo(t, reposDir, "demo")

	reg := registry.New(reposDir, "git", "cidx", logging.NewTestLogger())
	if err := reg.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	jobsDir := filepath.Join(root, "jobs")
	if err := os.MkdirAll(jobsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	store := jobstore.New(jobsDir)

	binDir := t.TempDir()
	assistantBin := writeFakeBinary(t, binDir, "claude", assistantScript)

	schedCfg := scheduler.Config{
		MaxConcurrent:         2,
		AssistantBinary:       assistantBin,
		GitBinary:             "git",
		IndexerBinary:         "cidx",
		WatchTerminationGrace: 200 * time.Millisecond,
		WorkspacesDir:         filepath.Join(root, "workspaces"),
	}
	m := metrics.New(prometheus.NewRegistry())
	sched := scheduler.New(schedCfg, store, reg, m, logging.NewTestLogger())

	engCfg := engine.Config{
		AssistantBinary:    assistantBin,
		TitleGenTimeout:    time.Second,
		AutoStartOnCreate:  autoStart,
		DefaultTimeoutSecs: 60,
	}
	eng := engine.New(engCfg, store, reg, sched, logging.NewTestLogger())
	return eng, store
}

func TestCreateWithoutAutoStartLeavesJobCreated(t *testing.T) {
	eng, _ := newTestEngine(t, false, "#!/bin/sh\necho title\nexit 0\n")

	id, status, err := eng.Create(engine.CreateRequest{
		Username: "alice",
		Prompt:   "do the thing",
		RepoName: "demo",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if status != jobstore.StatusCreated {
		t.Fatalf("status = %q, want created", status)
	}

	job, err := eng.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Title != "title" {
		t.Errorf("Title = %q, want %q", job.Title, "title")
	}
}

func TestCreateRejectsUnknownRepo(t *testing.T) {
	eng, _ := newTestEngine(t, false, "#!/bin/sh\nexit 0\n")

	_, _, err := eng.Create(engine.CreateRequest{
		Username: "alice",
		Prompt:   "do the thing",
		RepoName: "ghost",
	})
	if err == nil {
		t.Fatal("expected error for unknown repo")
	}
}

func TestCreateRejectsEmptyPrompt(t *testing.T) {
	eng, _ := newTestEngine(t, false, "#!/bin/sh\nexit 0\n")

	_, _, err := eng.Create(engine.CreateRequest{Username: "alice", RepoName: "demo"})
	if err == nil {
		t.Fatal("expected validation error for empty prompt")
	}
}

func TestStartMovesCreatedJobToQueued(t *testing.T) {
	eng, _ := newTestEngine(t, false, "#!/bin/sh\nsleep 30\n")

	id, _, err := eng.Create(engine.CreateRequest{Username: "alice", Prompt: "p", RepoName: "demo"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	pos, err := eng.Start(id)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if pos < 1 {
		t.Errorf("queue position = %d, want >= 1", pos)
	}

	job, err := eng.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != jobstore.StatusQueued {
		t.Errorf("Status = %q, want queued", job.Status)
	}
}

func TestStartTwiceReturnsConflict(t *testing.T) {
	eng, _ := newTestEngine(t, false, "#!/bin/sh\nsleep 30\n")

	id, _, err := eng.Create(engine.CreateRequest{Username: "alice", Prompt: "p", RepoName: "demo"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := eng.Start(id); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := eng.Start(id); err == nil {
		t.Fatal("expected conflict starting an already-queued job")
	}
}

func TestListReturnsOwnJobsMostRecentFirst(t *testing.T) {
	eng, _ := newTestEngine(t, false, "#!/bin/sh\nexit 0\n")

	var ids []string
	for i := 0; i < 3; i++ {
		id, _, err := eng.Create(engine.CreateRequest{Username: "alice", Prompt: "p", RepoName: "demo"})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, id)
		time.Sleep(time.Millisecond)
	}
	if _, _, err := eng.Create(engine.CreateRequest{Username: "bob", Prompt: "p", RepoName: "demo"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	jobs := eng.List("alice")
	if len(jobs) != 3 {
		t.Fatalf("len(jobs) = %d, want 3", len(jobs))
	}
	if jobs[0].ID != ids[2] {
		t.Errorf("jobs[0].ID = %q, want most recently created %q", jobs[0].ID, ids[2])
	}
}

func TestCancelQueuedJobReturnsCancelled(t *testing.T) {
	eng, _ := newTestEngine(t, false, "#!/bin/sh\nsleep 30\n")

	id, _, err := eng.Create(engine.CreateRequest{Username: "alice", Prompt: "p", RepoName: "demo"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := eng.Start(id); err != nil {
		t.Fatalf("Start: %v", err)
	}

	status, err := eng.Cancel(id)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if status != jobstore.StatusCancelled {
		t.Errorf("status = %q, want cancelled", status)
	}
}

func TestDeleteRemovesJobRecord(t *testing.T) {
	eng, store := newTestEngine(t, false, "#!/bin/sh\nexit 0\n")

	id, _, err := eng.Create(engine.CreateRequest{Username: "alice", Prompt: "p", RepoName: "demo"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	result, err := eng.Delete(id)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !result.Terminated {
		t.Errorf("Terminated = false, want true for a created (non-terminal) job")
	}

	if _, err := store.ByID(id); err == nil {
		t.Fatal("expected job record to be gone after Delete")
	}
}
