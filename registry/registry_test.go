package registry_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/lightspeed-oss/batchd/errs"
	"github.com/lightspeed-oss/batchd/logging"
	"github.com/lightspeed-oss/batchd/registry"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

// newSourceRepo creates a minimal local git repository that Register can
// clone from via a plain filesystem path.
func newSourceRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "source")
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = src
		cmd.Env = append(os.Environ(), "GIT_AUTHOR_NAME=t", "GIT_AUTHOR_EMAIL=t@example.com", "GIT_COMMITTER_NAME=t", "GIT_COMMITTER_EMAIL=t@example.com")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	if err := os.MkdirAll(src, 0o755); err != nil {
		t.Fatal(err)
	}
	run("init", "-q")
	if err := os.WriteFile(filepath.Join(src, "README.md"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-q", "-m", "initial")
	return src
}

func TestRegisterClonesAndWritesSettingsFile(t *testing.T) {
	requireGit(t)
	src := newSourceRepo(t)
	reposDir := t.TempDir()
	reg := registry.New(reposDir, "git", "cidx", logging.NewTestLogger())

	rec, err := reg.Register("demo", src, "a demo repo", false)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if rec.CloneStatus != registry.CloneStatusCompleted {
		t.Fatalf("CloneStatus = %v, want completed", rec.CloneStatus)
	}

	settingsPath := filepath.Join(reposDir, "demo", ".claude-batch-settings.json")
	if _, err := os.Stat(settingsPath); err != nil {
		t.Fatalf("expected settings file at %s: %v", settingsPath, err)
	}
	if _, err := os.Stat(filepath.Join(reposDir, "demo", "README.md")); err != nil {
		t.Fatalf("expected cloned content: %v", err)
	}

	entries, err := os.ReadDir(reposDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one entry under reposDir (no sibling metadata file), got %d", len(entries))
	}
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	requireGit(t)
	src := newSourceRepo(t)
	reposDir := t.TempDir()
	reg := registry.New(reposDir, "git", "cidx", logging.NewTestLogger())

	if _, err := reg.Register("demo", src, "", false); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if _, err := reg.Register("demo", src, "", false); !errs.Is(err, errs.Conflict) {
		t.Fatalf("second Register error = %v, want Conflict", err)
	}
}

func TestRegisterRejectsInvalidName(t *testing.T) {
	reg := registry.New(t.TempDir(), "git", "cidx", logging.NewTestLogger())
	if _, err := reg.Register("../escape", "https://example.com/x.git", "", false); !errs.Is(err, errs.Validation) {
		t.Fatalf("error = %v, want Validation", err)
	}
}

func TestRegisterFailsStatusOnCloneError(t *testing.T) {
	requireGit(t)
	reposDir := t.TempDir()
	reg := registry.New(reposDir, "git", "cidx", logging.NewTestLogger())

	rec, err := reg.Register("broken", filepath.Join(t.TempDir(), "does-not-exist"), "", false)
	if err == nil {
		t.Fatal("expected clone error")
	}
	if rec.CloneStatus != registry.CloneStatusFailed {
		t.Fatalf("CloneStatus = %v, want failed", rec.CloneStatus)
	}
}

func TestUnregisterRemovesDirectoryAndRecord(t *testing.T) {
	requireGit(t)
	src := newSourceRepo(t)
	reposDir := t.TempDir()
	reg := registry.New(reposDir, "git", "cidx", logging.NewTestLogger())

	if _, err := reg.Register("demo", src, "", false); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Unregister("demo"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if _, err := reg.Get("demo"); !errs.Is(err, errs.NotFound) {
		t.Fatalf("Get after Unregister = %v, want NotFound", err)
	}
	if _, err := os.Stat(filepath.Join(reposDir, "demo")); !os.IsNotExist(err) {
		t.Fatalf("expected repository directory removed, stat err = %v", err)
	}
}

func TestUnregisterMissingReturnsNotFound(t *testing.T) {
	reg := registry.New(t.TempDir(), "git", "cidx", logging.NewTestLogger())
	if err := reg.Unregister("ghost"); !errs.Is(err, errs.NotFound) {
		t.Fatalf("error = %v, want NotFound", err)
	}
}

func TestLoadRehydratesFromDisk(t *testing.T) {
	requireGit(t)
	src := newSourceRepo(t)
	reposDir := t.TempDir()

	first := registry.New(reposDir, "git", "cidx", logging.NewTestLogger())
	if _, err := first.Register("demo", src, "", false); err != nil {
		t.Fatalf("Register: %v", err)
	}

	second := registry.New(reposDir, "git", "cidx", logging.NewTestLogger())
	if err := second.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	rec, err := second.Get("demo")
	if err != nil {
		t.Fatalf("Get after Load: %v", err)
	}
	if rec.CloneStatus != registry.CloneStatusCompleted {
		t.Fatalf("rehydrated CloneStatus = %v, want completed", rec.CloneStatus)
	}
}

func TestListSortsByName(t *testing.T) {
	requireGit(t)
	src := newSourceRepo(t)
	reposDir := t.TempDir()
	reg := registry.New(reposDir, "git", "cidx", logging.NewTestLogger())

	for _, name := range []string{"zeta", "alpha", "mid"} {
		if _, err := reg.Register(name, src, "", false); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}
	list := reg.List()
	if len(list) != 3 {
		t.Fatalf("len(List()) = %d, want 3", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].Name > list[i].Name {
			t.Fatalf("List() not sorted: %v", list)
		}
	}
}

func TestIsCidxReadyFalseUntilCompletedAndAware(t *testing.T) {
	reg := registry.New(t.TempDir(), "git", "cidx", logging.NewTestLogger())
	if reg.IsCidxReady("missing") {
		t.Fatal("expected false for unknown repository")
	}
}

func TestRepoLockReturnsSameMutexForSameName(t *testing.T) {
	reg := registry.New(t.TempDir(), "git", "cidx", logging.NewTestLogger())
	if reg.RepoLock("demo") != reg.RepoLock("demo") {
		t.Fatal("expected RepoLock to return the same mutex for the same name")
	}
}

func TestUpdateSettingsPersistsAndReturnsNewValue(t *testing.T) {
	requireGit(t)
	src := newSourceRepo(t)
	reposDir := t.TempDir()
	reg := registry.New(reposDir, "git", "cidx", logging.NewTestLogger())

	if _, err := reg.Register("demo", src, "", false); err != nil {
		t.Fatalf("Register: %v", err)
	}

	updated, err := reg.UpdateSettings("demo", registry.Settings{
		PreCommands:     []string{"make build"},
		AssistantConfig: map[string]string{"watch_enabled": "false"},
		DirectAccess:    true,
	})
	if err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if !updated.Settings.DirectAccess {
		t.Fatal("expected DirectAccess true on returned record")
	}

	reloaded := registry.New(reposDir, "git", "cidx", logging.NewTestLogger())
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	rec, err := reloaded.Get("demo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(rec.Settings.PreCommands) != 1 || rec.Settings.PreCommands[0] != "make build" {
		t.Fatalf("PreCommands = %v, want [make build]", rec.Settings.PreCommands)
	}
}

func TestUpdateSettingsOnUnknownRepoReturnsNotFound(t *testing.T) {
	reg := registry.New(t.TempDir(), "git", "cidx", logging.NewTestLogger())
	if _, err := reg.UpdateSettings("ghost", registry.Settings{}); !errs.Is(err, errs.NotFound) {
		t.Fatalf("error = %v, want NotFound", err)
	}
}
