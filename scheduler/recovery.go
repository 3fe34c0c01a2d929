package scheduler

import (
	"context"
	"time"

	"github.com/lightspeed-oss/batchd/jobstore"
	"github.com/lightspeed-oss/batchd/procsup"
	"github.com/lightspeed-oss/batchd/ptr"
)

// Recover implements Crash Recovery (spec §4.8). It must run once, before
// Run, against the jobs loaded from disk at process startup. ctx should be
// the same context later passed to Run, so a re-attached poller started
// here is cancelled on the same shutdown signal as everything else.
//
// A job left in running is re-attached if its recorded assistant_pid is
// still alive: a background poller watches the pid and marks the job
// completed once it exits, per spec §4.8's "poll-based wait is
// acceptable" allowance. Its accumulated output from before the restart
// is preserved; nothing produced by the process after the restart can be
// captured, since this instance never held its stdout/stderr. A job whose
// pid is unset or already dead is marked failed with a crash reason. A job
// left in any pre-run substatus (git_pulling, cidx_indexing, cidx_ready)
// is conservatively failed: its workspace state is unknown and re-running
// the pipeline from scratch would silently duplicate a possibly-completed
// git pull or index build.
//
// Jobs left queued or created are re-submitted: nothing external to this
// process observed them, so resuming is safe.
func (s *Scheduler) Recover(ctx context.Context) {
	for _, job := range s.jobs.All() {
		switch job.Status {
		case jobstore.StatusRunning:
			s.recoverRunning(ctx, job)
		case jobstore.StatusGitPulling, jobstore.StatusCidxIndexing, jobstore.StatusCidxReady:
			s.failOrphan(job, "process restarted mid pre-run pipeline")
		case jobstore.StatusCancelling:
			s.failOrphan(job, "process restarted during cancellation")
		case jobstore.StatusQueued, jobstore.StatusCreated:
			job.Status = jobstore.StatusQueued
			if err := s.jobs.Update(job); err != nil {
				s.log.Errorw("failed to persist requeue on recovery", "job", job.ID, "error", err)
				continue
			}
			s.Submit(job.ID)
		}
	}
}

func (s *Scheduler) recoverRunning(ctx context.Context, job *jobstore.Job) {
	if job.AssistantPID == nil || !procsup.IsAlive(*job.AssistantPID) {
		s.failOrphan(job, "server crashed: assistant process was not running after restart")
		return
	}

	pid := *job.AssistantPID
	s.log.Warnw("re-attaching to still-running assistant process across restart", "job", job.ID, "pid", pid)
	s.wg.Add(1)
	go s.reattachRunning(ctx, job.ID, pid)
}

// reattachRunning polls pid until it exits or ctx is cancelled. It never
// touches the job's prior output: this instance was never the process's
// parent, so nothing it produces after the restart is observable here. A
// non-child pid carries no waitpid-able exit status, so the real exit code
// of the reattached process can never be recovered; it is recorded as 0
// rather than left unset, with the limitation noted in the job's output.
func (s *Scheduler) reattachRunning(ctx context.Context, jobID string, pid int) {
	defer s.wg.Done()

	procsup.Reattach(ctx, pid)
	if ctx.Err() != nil {
		// Shutting down with the reattached process still alive; leave the
		// job in running for the next restart's Recover to observe.
		return
	}

	job, err := s.jobs.ByID(jobID)
	if err != nil {
		s.log.Errorw("failed to reload re-attached job after exit", "job", jobID, "error", err)
		return
	}
	job.Status = jobstore.StatusCompleted
	job.ExitCode = ptr.Int(0)
	note := "re-attached after a process restart; exit status of the assistant process could not be determined"
	if job.Output != "" {
		note = job.Output + "\n" + note
	}
	job.Output = note
	job.CompletedAt = ptr.Time(time.Now().UTC())
	job.AssistantPID = nil
	if err := s.jobs.Update(job); err != nil {
		s.log.Errorw("failed to persist re-attached job outcome", "job", jobID, "error", err)
	}
}

func (s *Scheduler) failOrphan(job *jobstore.Job, reason string) {
	job.Status = jobstore.StatusFailed
	job.Output = reason
	job.CompletedAt = ptr.Time(time.Now().UTC())
	job.AssistantPID = nil
	if err := s.jobs.Update(job); err != nil {
		s.log.Errorw("failed to persist crash-recovery outcome", "job", job.ID, "error", err)
	}
}
