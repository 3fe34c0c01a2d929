// Package prerun implements the Pre-Run Pipeline (spec §4.5): the ordered
// steps that prepare a job's workspace before the assistant runs, and the
// teardown that follows a failed run regardless of how far it got.
package prerun

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lightspeed-oss/batchd/errs"
	"github.com/lightspeed-oss/batchd/kvparse"
	"github.com/lightspeed-oss/batchd/procsup"
	"github.com/lightspeed-oss/batchd/registry"
	"github.com/lightspeed-oss/batchd/workspace"
)

// Options configures one pipeline run.
type Options struct {
	GitAware  bool
	CidxAware bool

	GitBinary     string
	IndexerBinary string

	WatchEnabled          bool
	WatchStartupTimeout   time.Duration
	WatchTerminationGrace time.Duration
	FallbackOnFailure     bool

	WorkspaceUID int
	WorkspaceGID int

	// OnIndexStart, if set, is called immediately before the index-watcher
	// step begins, so a caller can persist the intermediate substatus
	// between workspace provisioning and the indexer coming up.
	OnIndexStart func()
}

// Result reports the outcome of each pipeline step, matching the job
// substatus fields named in spec §3.
type Result struct {
	SourcePullStatus   string
	WorkspaceGitStatus string
	IndexStatus        string
	WorkspacePath      string
	WatcherHandle      *procsup.Handle
}

// Pipeline runs the pre-run steps for one job against one repository.
type Pipeline struct {
	repos *registry.Registry
	log   *zap.SugaredLogger
}

// New constructs a Pipeline that consults repos for repository records and
// their per-repository source-pull locks.
func New(repos *registry.Registry, log *zap.SugaredLogger) *Pipeline {
	return &Pipeline{repos: repos, log: log}
}

// Run executes source pull, snapshot, and index-watcher start in order for
// repoName into workspaceDir, honoring opts. On any error it still performs
// teardown of anything it started before returning.
func (p *Pipeline) Run(ctx context.Context, repoName, workspaceDir string, opts Options) (*Result, error) {
	res := &Result{WorkspacePath: workspaceDir}
	var watcher *procsup.Handle
	workspaceProvisioned := false
	teardown := func() {
		dir := ""
		if workspaceProvisioned {
			dir = workspaceDir
		}
		p.teardown(opts, watcher, dir)
	}

	rec, err := p.repos.Get(repoName)
	if err != nil {
		return res, err
	}
	opts = p.applyRepoOverrides(repoName, rec, opts)

	if opts.GitAware {
		res.SourcePullStatus = p.sourcePull(repoName, rec.LocalPath, opts)
	}

	if err := workspace.Provision(rec.LocalPath, workspaceDir, opts.WorkspaceUID, opts.WorkspaceGID); err != nil {
		res.WorkspaceGitStatus = "failed"
		teardown()
		return res, fmt.Errorf("%w: snapshot workspace: %v", errs.Fatal, err)
	}
	res.WorkspaceGitStatus = "ready"
	workspaceProvisioned = true

	if opts.CidxAware && rec.CidxAware {
		if opts.OnIndexStart != nil {
			opts.OnIndexStart()
		}
		handle, status, err := p.startIndexWatcher(ctx, workspaceDir, opts)
		watcher = handle
		res.IndexStatus = status
		res.WatcherHandle = handle
		if err != nil {
			teardown()
			return res, err
		}
	}

	return res, nil
}

// applyRepoOverrides lets a repository's free-form assistant_config settings
// (spec §3's Settings sub-record) narrow the pipeline's watch behavior for
// that repository specifically, without a schema migration every time an
// operator wants a slower warm-up window for one large repo.
func (p *Pipeline) applyRepoOverrides(repoName string, rec *registry.Record, opts Options) Options {
	if err := kvparse.Parse(rec.Settings.AssistantConfig,
		kvparse.AsBool("watch_enabled", &opts.WatchEnabled),
		kvparse.AsDuration("watch_startup_timeout", &opts.WatchStartupTimeout),
		kvparse.AsDuration("watch_termination_timeout", &opts.WatchTerminationGrace),
	); err != nil {
		p.log.Warnw("ignoring malformed assistant_config override", "repo", repoName, "error", err)
	}
	return opts
}

// sourcePull runs fetch+fast-forward on the source repository while holding
// its exclusive lock (spec §4.5 step 1, §5's per-repository lock policy).
// Failure here is non-fatal: the pipeline proceeds regardless.
func (p *Pipeline) sourcePull(repoName, repoPath string, opts Options) string {
	lock := p.repos.RepoLock(repoName)
	lock.Lock()
	defer lock.Unlock()

	h, err := procsup.Spawn(opts.GitBinary, []string{"pull", "--ff-only"}, repoPath, os.Environ(), "")
	if err != nil {
		p.log.Warnw("source pull spawn failed", "repo", repoName, "error", err)
		return "failed"
	}
	if err := h.Wait(); err != nil {
		p.log.Warnw("source pull failed", "repo", repoName, "error", err, "output", string(h.Tail(2048)))
		return "failed"
	}
	return "pulled"
}

// startIndexWatcher starts the indexer as a service, fixes its
// configuration, and launches a long-lived watch child (spec §4.5 step 3).
// If the watcher fails to start or dies within the warm-up window, it falls
// back to a one-shot reconcile (step 4) when opts.FallbackOnFailure is set,
// and otherwise returns a fatal error.
func (p *Pipeline) startIndexWatcher(ctx context.Context, workspaceDir string, opts Options) (*procsup.Handle, string, error) {
	fallback := func() (*procsup.Handle, string, error) {
		if opts.WatchEnabled && !opts.FallbackOnFailure {
			return nil, "watch_failed", fmt.Errorf("%w: index watcher failed to start and reconcile fallback is disabled", errs.Fatal)
		}
		status, err := p.reconcileFallback(workspaceDir, opts)
		return nil, status, err
	}
	if !opts.WatchEnabled {
		return fallback()
	}

	for _, args := range [][]string{{"start"}, {"fix-config"}} {
		h, err := procsup.Spawn(opts.IndexerBinary, args, workspaceDir, os.Environ(), "")
		if err != nil {
			return fallback()
		}
		if err := h.Wait(); err != nil {
			return fallback()
		}
	}

	h, err := procsup.Spawn(opts.IndexerBinary, []string{"watch"}, workspaceDir, os.Environ(), "")
	if err != nil {
		return fallback()
	}

	if !watcherSurvives(ctx, h, opts.WatchStartupTimeout) {
		_ = procsup.Terminate(h, opts.WatchTerminationGrace)
		return fallback()
	}

	return h, "watching", nil
}

// watcherSurvives reports whether h is still alive after timeout, the
// pipeline's warm-up window for a newly started watcher. A cancelled ctx
// (job cancelled mid pre-run) is treated the same as the watcher exiting:
// the caller falls back to a one-shot reconcile rather than leaving a
// watcher racing a cancellation it hasn't observed yet.
func watcherSurvives(ctx context.Context, h *procsup.Handle, timeout time.Duration) bool {
	exited := make(chan struct{})
	go func() {
		_ = h.Wait()
		close(exited)
	}()
	select {
	case <-exited:
		return false
	case <-ctx.Done():
		return false
	case <-time.After(timeout):
		return true
	}
}

func (p *Pipeline) reconcileFallback(workspaceDir string, opts Options) (string, error) {
	h, err := procsup.Spawn(opts.IndexerBinary, []string{"index", "--reconcile"}, workspaceDir, os.Environ(), "")
	if err != nil {
		return "reconcile_failed", fmt.Errorf("%w: spawn reconcile: %v", errs.Fatal, err)
	}
	if err := h.Wait(); err != nil {
		return "reconcile_failed", fmt.Errorf("%w: reconcile: %v: %s", errs.Fatal, err, h.Tail(2048))
	}
	return "ready_via_fallback", nil
}

// teardown runs when Run fails, whichever step failed: it terminates a
// running watcher and issues a best-effort `indexer stop` concurrently,
// since neither depends on the other's outcome. It does not run after a
// successful Run: the caller owns the returned WatcherHandle, and no
// `indexer stop` is issued on that path.
func (p *Pipeline) teardown(opts Options, watcher *procsup.Handle, workspaceDir string) {
	g := new(errgroup.Group)

	if watcher != nil {
		g.Go(func() error {
			return procsup.Terminate(watcher, opts.WatchTerminationGrace)
		})
	}
	if workspaceDir != "" {
		g.Go(func() error {
			h, err := procsup.Spawn(opts.IndexerBinary, []string{"stop"}, workspaceDir, os.Environ(), "")
			if err != nil {
				return err
			}
			return h.Wait()
		})
	}

	if err := g.Wait(); err != nil {
		p.log.Warnw("pre-run teardown step failed", "error", err)
	}
}
