// Package scheduler implements the Scheduler & Job State Machine (spec
// §4.7) and Crash Recovery (spec §4.8): a single cooperative loop with a
// bounded worker pool that drives each job through the pre-run pipeline and
// supervises its assistant process to completion.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/client-go/util/workqueue"

	"github.com/lightspeed-oss/batchd/assistant"
	"github.com/lightspeed-oss/batchd/errs"
	"github.com/lightspeed-oss/batchd/jobstore"
	"github.com/lightspeed-oss/batchd/metrics"
	"github.com/lightspeed-oss/batchd/prerun"
	"github.com/lightspeed-oss/batchd/procsup"
	"github.com/lightspeed-oss/batchd/ptr"
	"github.com/lightspeed-oss/batchd/registry"
)

// Config carries the scheduler's tunables, taken from the process
// configuration (spec §6).
type Config struct {
	MaxConcurrent         int
	AssistantBinary       string
	GitBinary             string
	IndexerBinary         string
	WatchEnabled          bool
	WatchStartupTimeout   time.Duration
	WatchTerminationGrace time.Duration
	FallbackOnWatchFail   bool
	WorkspacesDir         string
	ReposDir              string
}

// Scheduler owns the single work queue and the set of currently running
// jobs (spec §5: no two workers ever hold the same job).
type Scheduler struct {
	cfg     Config
	jobs    *jobstore.Store
	pre     *prerun.Pipeline
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	queue   workqueue.RateLimitingInterface

	mu        sync.Mutex
	running   map[string]*procsup.Handle
	cancelers map[string]context.CancelFunc

	wg sync.WaitGroup
}

// New constructs a Scheduler. Call Recover once at startup before Run.
func New(cfg Config, jobs *jobstore.Store, repos *registry.Registry, m *metrics.Metrics, log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		jobs:      jobs,
		pre:       prerun.New(repos, log),
		log:       log,
		metrics:   m,
		queue:     workqueue.NewRateLimitingQueue(workqueue.DefaultControllerRateLimiter()),
		running:   make(map[string]*procsup.Handle),
		cancelers: make(map[string]context.CancelFunc),
	}
}

// Submit enqueues a job for execution. The caller must have already
// persisted the job in status queued.
func (s *Scheduler) Submit(jobID string) {
	s.metrics.JobsQueued.Inc()
	s.queue.Add(jobID)
}

// QueuePosition returns the 1-indexed position of jobID among jobs
// currently queued, ordered by the scheduler's FIFO rule (created_at, then
// id). Returns 0 if jobID is not queued.
func (s *Scheduler) QueuePosition(jobID string) int {
	queued := make([]*jobstore.Job, 0)
	for _, j := range s.jobs.All() {
		if j.Status == jobstore.StatusQueued {
			queued = append(queued, j)
		}
	}
	for i, j := range queued {
		if j.ID == jobID {
			return i + 1
		}
	}
	return 0
}

// Run starts MaxConcurrent workers and blocks until ctx is cancelled, at
// which point it shuts the queue down and waits for in-flight workers to
// observe their jobs' processes exit before returning.
func (s *Scheduler) Run(ctx context.Context) {
	n := s.cfg.MaxConcurrent
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	<-ctx.Done()
	s.queue.ShutDown()
	s.wg.Wait()
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		item, shutdown := s.queue.Get()
		if shutdown {
			return
		}
		jobID := item.(string)
		s.process(ctx, jobID)
		s.queue.Done(item)
	}
}

// process drives one job from queued through a terminal state. Errors from
// individual steps are recorded onto the job rather than propagated: job
// creation already succeeded, so per spec §7 the caller is expected to poll.
func (s *Scheduler) process(ctx context.Context, jobID string) {
	s.metrics.JobsQueued.Dec()

	job, err := s.jobs.ByID(jobID)
	if err != nil {
		s.log.Warnw("dequeued unknown job", "job", jobID, "error", err)
		return
	}
	if job.Status != jobstore.StatusQueued {
		// Already cancelled or otherwise moved on before this worker
		// picked it up.
		return
	}

	dequeuedAt := time.Now()
	jobCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelers[jobID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancelers, jobID)
		delete(s.running, jobID)
		s.mu.Unlock()
		cancel()
	}()

	workspaceDir := filepath.Join(s.cfg.WorkspacesDir, jobID, "workspace")
	job.WorkspacePath = workspaceDir

	preResult, err := s.runPreRun(jobCtx, job, workspaceDir)
	if err != nil {
		s.finish(job, jobstore.StatusFailed, -1, err.Error(), dequeuedAt)
		return
	}
	job.SourcePullStatus = preResult.SourcePullStatus
	job.WorkspaceGitStatus = preResult.WorkspaceGitStatus
	job.IndexStatus = preResult.IndexStatus
	_ = s.jobs.Update(job)

	if preResult.WatcherHandle != nil {
		s.metrics.IncWatcher()
	}

	if jobCtx.Err() != nil {
		s.teardownWatcher(preResult)
		status := jobstore.StatusTerminated
		output := "terminated during pre-run"
		if cancelling, reason := s.cancelRequested(jobID); cancelling {
			status = jobstore.StatusCancelled
			job.CancelReason = reason
			output = "cancelled during pre-run"
		}
		s.finish(job, status, -1, output, dequeuedAt)
		return
	}

	s.runAssistant(jobCtx, job, workspaceDir, preResult, dequeuedAt)
}

func (s *Scheduler) runPreRun(ctx context.Context, job *jobstore.Job, workspaceDir string) (*prerun.Result, error) {
	stepStart := time.Now()
	job.Status = jobstore.StatusGitPulling
	if err := s.jobs.Update(job); err != nil {
		return nil, err
	}

	opts := prerun.Options{
		GitAware:              job.Options.GitAware,
		CidxAware:             job.Options.IndexAware,
		GitBinary:             s.cfg.GitBinary,
		IndexerBinary:         s.cfg.IndexerBinary,
		WatchEnabled:          s.cfg.WatchEnabled,
		WatchStartupTimeout:   s.cfg.WatchStartupTimeout,
		WatchTerminationGrace: s.cfg.WatchTerminationGrace,
		FallbackOnFailure:     s.cfg.FallbackOnWatchFail,
		WorkspaceUID:          os.Getuid(),
		WorkspaceGID:          os.Getgid(),
	}
	opts.OnIndexStart = func() {
		job.Status = jobstore.StatusCidxIndexing
		if err := s.jobs.Update(job); err != nil {
			s.log.Warnw("failed to persist cidx_indexing transition", "job", job.ID, "error", err)
		}
	}
	res, err := s.pre.Run(ctx, job.RepoName, workspaceDir, opts)
	s.metrics.ObservePipelineStep("pre_run", time.Since(stepStart))
	if err != nil {
		return res, err
	}
	if ctx.Err() != nil {
		// Leave a concurrent Cancel's persisted cancelling status in place
		// so process can tell cancellation from shutdown.
		return res, nil
	}

	job.Status = jobstore.StatusCidxReady
	if err := s.jobs.Update(job); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Scheduler) teardownWatcher(res *prerun.Result) {
	if res == nil || res.WatcherHandle == nil {
		return
	}
	s.metrics.DecWatcher()
	if err := procsup.Terminate(res.WatcherHandle, s.cfg.WatchTerminationGrace); err != nil {
		s.log.Warnw("failed to terminate watcher on cancellation", "error", err)
	}
}

func (s *Scheduler) runAssistant(ctx context.Context, job *jobstore.Job, workspaceDir string, pre *prerun.Result, dequeuedAt time.Time) {
	sessionID, _, _ := assistant.LatestSession(homeDirForUser(job.Username), workspaceDir)
	args := assistant.Args(job.Prompt, sessionID)

	h, err := procsup.SpawnPTY(s.cfg.AssistantBinary, args, workspaceDir, envWithOverrides(job.Options.EnvOverrides), job.Username)
	if err != nil {
		s.teardownWatcher(pre)
		s.finish(job, jobstore.StatusFailed, -1, fmt.Sprintf("%v: spawn assistant: %v", errs.Transient, err), dequeuedAt)
		return
	}

	job.AssistantPID = ptr.Int(h.Pid())
	job.Status = jobstore.StatusRunning
	job.StartedAt = ptr.Time(time.Now().UTC())
	_ = s.jobs.Update(job)

	s.metrics.JobsRunning.Inc()
	s.mu.Lock()
	s.running[job.ID] = h
	s.mu.Unlock()

	timeout := time.Duration(job.Options.TimeoutSeconds) * time.Second
	s.waitForOutcome(ctx, job, h, pre, timeout, dequeuedAt)
}

func (s *Scheduler) waitForOutcome(ctx context.Context, job *jobstore.Job, h *procsup.Handle, pre *prerun.Result, timeout time.Duration, dequeuedAt time.Time) {
	done := make(chan error, 1)
	go func() { done <- h.Wait() }()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	defer s.metrics.JobsRunning.Dec()

	select {
	case err := <-done:
		s.teardownWatcher(pre)
		if err != nil {
			s.finish(job, jobstore.StatusFailed, exitCodeFrom(err), string(h.Tail(8192)), dequeuedAt)
			return
		}
		s.finish(job, jobstore.StatusCompleted, 0, string(h.Tail(8192)), dequeuedAt)

	case <-timeoutC:
		_ = procsup.Terminate(h, s.cfg.WatchTerminationGrace)
		<-done
		s.teardownWatcher(pre)
		s.finish(job, jobstore.StatusTimeout, -1, string(h.Tail(8192)), dequeuedAt)

	case <-ctx.Done():
		_ = procsup.Terminate(h, s.cfg.WatchTerminationGrace)
		<-done
		s.teardownWatcher(pre)
		status := jobstore.StatusTerminated
		if cancelling, reason := s.cancelRequested(job.ID); cancelling {
			status = jobstore.StatusCancelled
			job.CancelReason = reason
		}
		s.finish(job, status, -1, string(h.Tail(8192)), dequeuedAt)
	}
}

func (s *Scheduler) finish(job *jobstore.Job, status jobstore.Status, exitCode int, output string, dequeuedAt time.Time) {
	job.Status = status
	job.Output = output
	if status == jobstore.StatusCompleted || status == jobstore.StatusFailed || status == jobstore.StatusTimeout {
		job.ExitCode = ptr.Int(exitCode)
	}
	now := time.Now().UTC()
	job.CompletedAt = ptr.Time(now)
	if status == jobstore.StatusCancelled {
		job.CancelledAt = ptr.Time(now)
	}
	job.AssistantPID = nil
	if err := s.jobs.Update(job); err != nil {
		s.log.Errorw("failed to persist job outcome", "job", job.ID, "error", err)
	}
	s.metrics.ObserveJobDuration(string(status), now.Sub(dequeuedAt))
}

// Cancel requests cancellation of jobID (spec §4.7). A queued job is
// cancelled immediately; a job in the pre-run pipeline or running is moved
// to cancelling and its owned subprocesses are signalled to terminate.
func (s *Scheduler) Cancel(jobID string) error {
	job, err := s.jobs.ByID(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: job %s already terminal", errs.Conflict, jobID)
	}

	if job.Status == jobstore.StatusQueued || job.Status == jobstore.StatusCreated {
		job.Status = jobstore.StatusCancelled
		job.CancelReason = "cancelled by request"
		job.CancelledAt = ptr.Time(time.Now().UTC())
		return s.jobs.Update(job)
	}

	job.Status = jobstore.StatusCancelling
	job.CancelReason = "cancelled by request"
	if err := s.jobs.Update(job); err != nil {
		return err
	}

	s.mu.Lock()
	cancel, ok := s.cancelers[jobID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// homeDirForUser resolves username's home directory the same way
// engine.workspaceOwnerUID resolves its uid, so assistant session discovery
// (spec §6) looks under the submitting user's home rather than the daemon's
// own. Falls back to the daemon's HOME if the user cannot be looked up.
func homeDirForUser(username string) string {
	u, err := user.Lookup(username)
	if err != nil {
		return os.Getenv("HOME")
	}
	return u.HomeDir
}

// cancelRequested reports whether the persisted record for jobID has moved
// to cancelling since the worker's in-memory copy was taken, along with the
// reason Cancel recorded. Workers hold their own local *jobstore.Job and
// never observe an external Cancel's mutation directly, so this must
// re-read the store rather than trust the local copy's Status field.
func (s *Scheduler) cancelRequested(jobID string) (bool, string) {
	persisted, err := s.jobs.ByID(jobID)
	if err != nil {
		return false, ""
	}
	return persisted.Status == jobstore.StatusCancelling, persisted.CancelReason
}

func envWithOverrides(overrides map[string]string) []string {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

func exitCodeFrom(err error) int {
	type exitCoder interface{ ExitCode() int }
	if ee, ok := err.(exitCoder); ok {
		return ee.ExitCode()
	}
	return -1
}
