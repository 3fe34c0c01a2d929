// Package retention implements the Retention Sweep (spec §9's auto-cleanup
// Open Question, resolved as a periodic sweep): it deletes terminal jobs'
// records and workspace directories once they are older than the
// configured retention window. It is started and stopped by the same
// cancellation handle the Scheduler uses, and is itself optional — an
// embedder that wants delete-only, on-demand cleanup simply never calls
// Run.
package retention

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/lightspeed-oss/batchd/jobstore"
)

// Config carries the sweep's tunables.
type Config struct {
	// Window is how long after completion a terminal job becomes eligible
	// for cleanup.
	Window time.Duration
	// Interval is how often the sweep runs.
	Interval time.Duration
	// WorkspacesDir is the root directory containing one subdirectory per
	// job id, the same root the Scheduler passes to the Pre-Run Pipeline.
	WorkspacesDir string
}

// Sweeper periodically removes expired terminal jobs.
type Sweeper struct {
	cfg  Config
	jobs *jobstore.Store
	log  *zap.SugaredLogger
}

// New constructs a Sweeper. Window <= 0 disables the sweep entirely: Run
// returns immediately.
func New(cfg Config, jobs *jobstore.Store, log *zap.SugaredLogger) *Sweeper {
	return &Sweeper{cfg: cfg, jobs: jobs, log: log}
}

// Run blocks, sweeping every cfg.Interval and watching WorkspacesDir for
// externally-deleted workspace directories, until ctx is cancelled. A
// Window <= 0 is treated as "retention disabled" and Run returns at once.
func (sw *Sweeper) Run(ctx context.Context) {
	if sw.cfg.Window <= 0 {
		sw.log.Info("retention sweep disabled (retention_days <= 0)")
		return
	}

	go sw.watchExternalRemovals(ctx)

	sw.sweep()
	ticker := time.NewTicker(sw.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.sweep()
		}
	}
}

// sweep walks every job once, deleting the terminal ones whose completion
// or cancellation time is older than the retention window. It never
// touches a non-terminal job, regardless of age.
func (sw *Sweeper) sweep() {
	cutoff := time.Now().Add(-sw.cfg.Window)
	for _, job := range sw.jobs.All() {
		if !job.Status.Terminal() {
			continue
		}
		finishedAt := terminalTime(job)
		if finishedAt == nil || finishedAt.After(cutoff) {
			continue
		}
		sw.reap(job)
	}
}

func (sw *Sweeper) reap(job *jobstore.Job) {
	if job.WorkspacePath != "" {
		if err := os.RemoveAll(job.WorkspacePath); err != nil {
			sw.log.Warnw("failed to remove expired job workspace", "job", job.ID, "path", job.WorkspacePath, "error", err)
		}
	}
	if err := sw.jobs.Delete(job.ID); err != nil {
		sw.log.Warnw("failed to delete expired job record", "job", job.ID, "error", err)
		return
	}
	sw.log.Infow("reaped expired job", "job", job.ID)
}

// watchExternalRemovals notices a workspace directory disappearing (an
// operator running `rm -rf` directly, or a separate cleanup cron) without
// waiting for the next timed sweep to poll for it. When a job's workspace
// is gone and the job is already terminal, its record is deleted right
// away instead of the next sweep wastefully trying to remove an
// already-missing directory. Grounded on zjrosen-perles's
// internal/watcher, which watches a single directory for fsnotify events
// rather than polling it.
func (sw *Sweeper) watchExternalRemovals(ctx context.Context) {
	if sw.cfg.WorkspacesDir == "" {
		return
	}
	if _, err := os.Stat(sw.cfg.WorkspacesDir); err != nil {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		sw.log.Warnw("failed to start workspace removal watcher", "error", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(sw.cfg.WorkspacesDir); err != nil {
		sw.log.Warnw("failed to watch workspaces directory", "dir", sw.cfg.WorkspacesDir, "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Remove == 0 {
				continue
			}
			sw.onWorkspaceRemoved(filepath.Base(event.Name))
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			sw.log.Warnw("workspace removal watcher error", "error", err)
		}
	}
}

func (sw *Sweeper) onWorkspaceRemoved(jobID string) {
	job, err := sw.jobs.ByID(jobID)
	if err != nil || !job.Status.Terminal() {
		return
	}
	if err := sw.jobs.Delete(job.ID); err != nil {
		sw.log.Warnw("failed to delete job record after external workspace removal", "job", job.ID, "error", err)
		return
	}
	sw.log.Infow("deleted job record after its workspace was removed externally", "job", job.ID)
}

func terminalTime(job *jobstore.Job) *time.Time {
	if job.CancelledAt != nil {
		return job.CancelledAt
	}
	return job.CompletedAt
}
