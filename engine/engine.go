// Package engine implements the Engine Facade (spec §4.10): the single
// entry point an HTTP layer calls into. Every operation either durably
// persists a visible state transition before returning, or returns an
// error that changed nothing, matching the ordering guarantee of spec §5.
package engine

import (
	"fmt"
	"os/user"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lightspeed-oss/batchd/errs"
	"github.com/lightspeed-oss/batchd/fsutil"
	"github.com/lightspeed-oss/batchd/jobstore"
	"github.com/lightspeed-oss/batchd/registry"
	"github.com/lightspeed-oss/batchd/scheduler"
	"github.com/lightspeed-oss/batchd/titlegen"
)

// Config carries the facade's own tunables, separate from the scheduler's.
type Config struct {
	AssistantBinary    string
	TitleGenTimeout    time.Duration
	AutoStartOnCreate  bool
	DefaultTimeoutSecs int
}

// Engine wires the Job Store, Scheduler, and Repository Registry into the
// six operations spec §4.10 names.
type Engine struct {
	cfg   Config
	jobs  *jobstore.Store
	repos *registry.Registry
	sched *scheduler.Scheduler
	log   *zap.SugaredLogger
}

// New constructs an Engine. Callers must have already called
// scheduler.Recover and started scheduler.Run in a background goroutine.
func New(cfg Config, jobs *jobstore.Store, repos *registry.Registry, sched *scheduler.Scheduler, log *zap.SugaredLogger) *Engine {
	return &Engine{cfg: cfg, jobs: jobs, repos: repos, sched: sched, log: log}
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	Username      string
	Prompt        string
	RepoName      string
	UploadedFiles []string
	Options       jobstore.Options
}

// Create validates the request, generates a title synchronously, persists
// a new job in status created, and — unless AutoStartOnCreate is false —
// immediately starts it, returning the id and whatever status resulted.
func (e *Engine) Create(req CreateRequest) (jobID string, status jobstore.Status, err error) {
	if req.Prompt == "" {
		return "", "", fmt.Errorf("%w: prompt must not be empty", errs.Validation)
	}
	if req.Username == "" {
		return "", "", fmt.Errorf("%w: username must not be empty", errs.Validation)
	}
	if _, err := e.repos.Get(req.RepoName); err != nil {
		return "", "", err
	}

	if req.Options.TimeoutSeconds <= 0 {
		req.Options.TimeoutSeconds = e.cfg.DefaultTimeoutSecs
	}

	title := titlegen.Generate(e.cfg.AssistantBinary, req.Prompt, e.cfg.TitleGenTimeout)

	job := &jobstore.Job{
		ID:            uuid.New().String(),
		Username:      req.Username,
		Prompt:        req.Prompt,
		Title:         title,
		RepoName:      req.RepoName,
		UploadedFiles: req.UploadedFiles,
		Status:        jobstore.StatusCreated,
		CreatedAt:     time.Now().UTC(),
		Options:       req.Options,
	}
	if err := e.jobs.Create(job); err != nil {
		return "", "", err
	}

	if !e.cfg.AutoStartOnCreate {
		return job.ID, job.Status, nil
	}

	if _, err := e.Start(job.ID); err != nil {
		return job.ID, job.Status, err
	}
	return job.ID, jobstore.StatusQueued, nil
}

// Start transitions a created job to queued and submits it to the
// scheduler, returning its position in the FIFO queue.
func (e *Engine) Start(jobID string) (queuePosition int, err error) {
	job, err := e.jobs.ByID(jobID)
	if err != nil {
		return 0, err
	}
	if job.Status != jobstore.StatusCreated {
		return 0, fmt.Errorf("%w: job %s is not in created status", errs.Conflict, jobID)
	}

	job.Status = jobstore.StatusQueued
	if err := e.jobs.Update(job); err != nil {
		return 0, err
	}
	e.sched.Submit(job.ID)

	return e.sched.QueuePosition(jobID), nil
}

// Get returns the current, fully up-to-date record for jobID.
func (e *Engine) Get(jobID string) (*jobstore.Job, error) {
	job, err := e.jobs.ByID(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == jobstore.StatusQueued {
		job.QueuePosition = e.sched.QueuePosition(jobID)
	}
	return job, nil
}

// List returns every job owned by username, most-recently-created first.
func (e *Engine) List(username string) []*jobstore.Job {
	jobs := e.jobs.ByUsername(username)
	for i, j := 0, len(jobs)-1; i < j; i, j = i+1, j-1 {
		jobs[i], jobs[j] = jobs[j], jobs[i]
	}
	return jobs
}

// Cancel requests cancellation of jobID (spec §4.7) and returns the
// resulting status, which may be the terminal cancelled or the
// intermediate observable cancelling.
func (e *Engine) Cancel(jobID string) (jobstore.Status, error) {
	if err := e.sched.Cancel(jobID); err != nil {
		return "", err
	}
	job, err := e.jobs.ByID(jobID)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

// DeleteResult reports what Delete actually did.
type DeleteResult struct {
	Terminated       bool
	WorkspaceRemoved bool
}

// Delete cancels jobID if it is not already terminal, removes its
// workspace, and deletes its record.
func (e *Engine) Delete(jobID string) (DeleteResult, error) {
	job, err := e.jobs.ByID(jobID)
	if err != nil {
		return DeleteResult{}, err
	}

	var result DeleteResult
	if !job.Status.Terminal() {
		if err := e.sched.Cancel(jobID); err != nil && !errs.Is(err, errs.Conflict) {
			return result, err
		}
		result.Terminated = true
	}

	if job.WorkspacePath != "" {
		if err := fsutil.RemoveTree(job.WorkspacePath, workspaceOwnerUID(job.Username)); err != nil {
			e.log.Warnw("failed to remove job workspace", "job", jobID, "error", err)
		} else {
			result.WorkspaceRemoved = true
		}
	}

	if err := e.jobs.Delete(jobID); err != nil {
		return result, err
	}
	return result, nil
}

// workspaceOwnerUID resolves username to a uid for RemoveTree's informational
// parameter, returning -1 if the lookup fails rather than blocking removal.
func workspaceOwnerUID(username string) int {
	u, err := user.Lookup(username)
	if err != nil {
		return -1
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return -1
	}
	return uid
}
