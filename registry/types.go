// Package registry implements the Repository Registry (spec §4.3): the
// catalog of git repositories jobs may be run against, each living under
// its own directory with exactly one metadata file inside it.
package registry

import "time"

// CloneStatus is the outcome of a repository's registration pipeline.
type CloneStatus string

const (
	CloneStatusCloning   CloneStatus = "cloning"
	CloneStatusCompleted CloneStatus = "completed"
	CloneStatusFailed    CloneStatus = "failed"
)

// Settings is the nested, user-editable sub-record of a Repository.
type Settings struct {
	PreCommands     []string          `json:"pre_commands"`
	AssistantConfig map[string]string `json:"assistant_config"`
	DirectAccess    bool              `json:"direct_access"`
}

// Record is a repository's in-memory and on-disk representation. The name
// is the sole external identifier and matches the on-disk directory name
// (spec §3).
type Record struct {
	Name         string      `json:"name"`
	LocalPath    string      `json:"local_path"`
	GitURL       string      `json:"git_url"`
	Description  string      `json:"description"`
	RegisteredAt time.Time   `json:"registered_at"`
	LastUpdated  time.Time   `json:"last_updated"`
	CloneStatus  CloneStatus `json:"clone_status"`
	CidxAware    bool        `json:"cidx_aware"`
	Active       bool        `json:"active"`
	Settings     Settings    `json:"settings"`
}

// Ready reports whether the repository can be used as a job source.
func (r *Record) Ready() bool {
	return r != nil && r.CloneStatus == CloneStatusCompleted && r.Active
}

// clone returns a deep copy, so callers mutating a returned Record never
// corrupt the registry's own state without going through an update call.
func (r *Record) clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Settings.PreCommands = append([]string(nil), r.Settings.PreCommands...)
	cp.Settings.AssistantConfig = make(map[string]string, len(r.Settings.AssistantConfig))
	for k, v := range r.Settings.AssistantConfig {
		cp.Settings.AssistantConfig[k] = v
	}
	return &cp
}
