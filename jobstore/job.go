// Package jobstore implements the Job Store (spec §4.6): one file per job
// under a jobs directory, with atomic write-temp+rename persistence so a
// reader never observes a partial record.
package jobstore

import "time"

// Status is a job's position in the state machine of spec §4.7.
type Status string

const (
	StatusCreated       Status = "created"
	StatusQueued        Status = "queued"
	StatusGitPulling    Status = "git_pulling"
	StatusGitFailed     Status = "git_failed"
	StatusCidxIndexing  Status = "cidx_indexing"
	StatusCidxReady     Status = "cidx_ready"
	StatusRunning       Status = "running"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusTimeout       Status = "timeout"
	StatusTerminated    Status = "terminated"
	StatusCancelling    Status = "cancelling"
	StatusCancelled     Status = "cancelled"
)

// Terminal reports whether s is a state the state machine never leaves.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusTerminated, StatusCancelled:
		return true
	default:
		return false
	}
}

// Options holds the per-job execution knobs named in spec §3.
type Options struct {
	TimeoutSeconds int               `json:"timeout_seconds"`
	AutoCleanup    bool              `json:"auto_cleanup"`
	GitAware       bool              `json:"git_aware"`
	IndexAware     bool              `json:"index_aware"`
	EnvOverrides   map[string]string `json:"env_overrides"`
}

// Job is the full record for a single submission (spec §3). Field names are
// the DTO surface an HTTP layer would serialize directly.
type Job struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	Prompt         string    `json:"prompt"`
	Title          string    `json:"title"`
	RepoName       string    `json:"repo_name"`
	UploadedFiles  []string  `json:"uploaded_files"`
	Status         Status    `json:"status"`
	Output         string    `json:"output"`
	ExitCode       *int      `json:"exit_code,omitempty"`
	WorkspacePath  string    `json:"workspace_path"`
	QueuePosition  int       `json:"queue_position"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
	CancelReason   string     `json:"cancel_reason,omitempty"`
	Options        Options    `json:"options"`

	SourcePullStatus   string `json:"source_pull_status,omitempty"`
	WorkspaceGitStatus string `json:"workspace_git_status,omitempty"`
	IndexStatus        string `json:"index_status,omitempty"`

	AssistantPID *int `json:"assistant_pid,omitempty"`
}

// Clone returns a deep copy so a caller holding a Job returned from the
// store cannot mutate the store's own state by accident.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.UploadedFiles = append([]string(nil), j.UploadedFiles...)
	cp.Options.EnvOverrides = make(map[string]string, len(j.Options.EnvOverrides))
	for k, v := range j.Options.EnvOverrides {
		cp.Options.EnvOverrides[k] = v
	}
	if j.ExitCode != nil {
		v := *j.ExitCode
		cp.ExitCode = &v
	}
	if j.StartedAt != nil {
		v := *j.StartedAt
		cp.StartedAt = &v
	}
	if j.CompletedAt != nil {
		v := *j.CompletedAt
		cp.CompletedAt = &v
	}
	if j.CancelledAt != nil {
		v := *j.CancelledAt
		cp.CancelledAt = &v
	}
	if j.AssistantPID != nil {
		v := *j.AssistantPID
		cp.AssistantPID = &v
	}
	return &cp
}
