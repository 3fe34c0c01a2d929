package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lightspeed-oss/batchd/diffreport"
	"github.com/lightspeed-oss/batchd/errs"
	"github.com/lightspeed-oss/batchd/fsutil"
	"github.com/lightspeed-oss/batchd/procsup"
)

// Registry owns every repository directory under reposDir and the single
// settings file inside each one.
type Registry struct {
	reposDir      string
	gitBinary     string
	indexerBinary string
	log           *zap.SugaredLogger

	mu      sync.RWMutex
	records map[string]*Record

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New constructs a Registry rooted at reposDir. Call Load to rehydrate any
// repositories already on disk before serving traffic.
func New(reposDir, gitBinary, indexerBinary string, log *zap.SugaredLogger) *Registry {
	return &Registry{
		reposDir:      reposDir,
		gitBinary:     gitBinary,
		indexerBinary: indexerBinary,
		log:           log,
		records:       make(map[string]*Record),
		locks:         make(map[string]*sync.Mutex),
	}
}

// Load scans reposDir for repositories with a settings file and populates
// the in-memory index. Directories without a settings file are left alone;
// they are either mid-registration from a prior run (failure policy leaves
// them for diagnostics) or foreign to the registry entirely.
func (r *Registry) Load() error {
	entries, err := os.ReadDir(r.reposDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list %s: %w", r.reposDir, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rec, err := loadSettings(filepath.Join(r.reposDir, e.Name()))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			r.log.Warnw("skipping unreadable repository settings", "repo", e.Name(), "error", err)
			continue
		}
		r.records[rec.Name] = rec
	}
	return nil
}

// RepoLock returns the mutex guarding exclusive source-repository git
// operations for name (spec §5): the pre-run pipeline's source pull and any
// concurrent re-registration attempt serialize on it.
func (r *Registry) RepoLock(name string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[name]
	if !ok {
		l = &sync.Mutex{}
		r.locks[name] = l
	}
	return l
}

func (r *Registry) setRecord(rec *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.Name] = rec
}

// Get returns the named repository's record.
func (r *Registry) Get(name string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	if !ok {
		return nil, fmt.Errorf("%w: repository %s", errs.NotFound, name)
	}
	return rec.clone(), nil
}

// List returns every registered repository, sorted by name.
func (r *Registry) List() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.clone())
	}
	sortRecordsByName(out)
	return out
}

func sortRecordsByName(recs []*Record) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j].Name < recs[j-1].Name; j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}

// IsCidxReady reports whether name is registered, cloned, and index-aware.
func (r *Registry) IsCidxReady(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	return ok && rec.CloneStatus == CloneStatusCompleted && rec.CidxAware
}

// UpdateStatus transitions name to newStatus and persists the change.
func (r *Registry) UpdateStatus(name string, newStatus CloneStatus) error {
	r.mu.Lock()
	rec, ok := r.records[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: repository %s", errs.NotFound, name)
	}
	rec.CloneStatus = newStatus
	rec.LastUpdated = time.Now().UTC()
	snapshot := rec.clone()
	r.mu.Unlock()

	return persistSettings(snapshot)
}

// UpdateSettings replaces name's Settings sub-record and persists it,
// logging exactly which top-level Settings fields changed so an operator
// tuning a repository's pre-commands or assistant config can see the
// effect of one request without diffing the JSON file by hand.
func (r *Registry) UpdateSettings(name string, newSettings Settings) (*Record, error) {
	r.mu.Lock()
	rec, ok := r.records[name]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: repository %s", errs.NotFound, name)
	}
	before := rec.Settings
	rec.Settings = newSettings
	rec.LastUpdated = time.Now().UTC()
	snapshot := rec.clone()
	r.mu.Unlock()

	if changed := diffreport.ChangedFields(before, newSettings); len(changed) > 0 {
		r.log.Infow("repository settings updated", "repo", name, "fields", changed)
	}

	if err := persistSettings(snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Register runs the full registration pipeline (spec §4.3): validate,
// clone, optionally bootstrap the indexer, then write the settings file.
// A failure at any step leaves the repository's status at failed rather
// than rolling the directory back, so it remains available for diagnosis.
func (r *Registry) Register(name, url, description string, indexAware bool) (*Record, error) {
	if err := fsutil.ValidateName(name); err != nil {
		return nil, err
	}
	if err := fsutil.ValidateURL(url); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.records[name]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: repository %s already registered", errs.Conflict, name)
	}
	r.mu.Unlock()

	path := filepath.Join(r.reposDir, name)
	now := time.Now().UTC()
	rec := &Record{
		Name:         name,
		LocalPath:    path,
		GitURL:       url,
		Description:  description,
		RegisteredAt: now,
		LastUpdated:  now,
		CloneStatus:  CloneStatusCloning,
		CidxAware:    indexAware,
		Active:       true,
		Settings: Settings{
			AssistantConfig: map[string]string{},
		},
	}
	r.setRecord(rec)

	lock := r.RepoLock(name)
	lock.Lock()
	defer lock.Unlock()

	if err := r.cloneInto(path, url); err != nil {
		return r.fail(rec, fmt.Errorf("%w: clone %s: %v", errs.Transient, name, err))
	}

	if indexAware {
		if err := r.bootstrapIndex(path); err != nil {
			return r.fail(rec, fmt.Errorf("%w: bootstrap index for %s: %v", errs.Transient, name, err))
		}
	}

	rec.CloneStatus = CloneStatusCompleted
	rec.LastUpdated = time.Now().UTC()
	r.setRecord(rec)
	if err := persistSettings(rec); err != nil {
		return r.fail(rec, fmt.Errorf("persist settings for %s: %w", name, err))
	}
	return rec.clone(), nil
}

// fail marks rec as failed, persists best-effort (the clone may not even
// have produced a directory to persist into), and returns the error.
func (r *Registry) fail(rec *Record, cause error) (*Record, error) {
	rec.CloneStatus = CloneStatusFailed
	rec.LastUpdated = time.Now().UTC()
	r.setRecord(rec)
	if _, statErr := os.Stat(rec.LocalPath); statErr == nil {
		if err := persistSettings(rec); err != nil {
			r.log.Warnw("failed to persist failure status", "repo", rec.Name, "error", err)
		}
	}
	return rec.clone(), cause
}

func (r *Registry) cloneInto(path, url string) error {
	h, err := procsup.Spawn(r.gitBinary, []string{"clone", "--", url, path}, "", os.Environ(), "")
	if err != nil {
		return err
	}
	if err := h.Wait(); err != nil {
		return fmt.Errorf("%v: %s", err, h.Tail(4096))
	}
	return nil
}

func (r *Registry) bootstrapIndex(path string) error {
	for _, args := range [][]string{{"start"}, {"fix-config"}, {"index"}} {
		h, err := procsup.Spawn(r.indexerBinary, args, path, os.Environ(), "")
		if err != nil {
			return fmt.Errorf("spawn %s %v: %w", r.indexerBinary, args, err)
		}
		if err := h.Wait(); err != nil {
			return fmt.Errorf("%s %v: %v: %s", r.indexerBinary, args, err, h.Tail(4096))
		}
	}
	return nil
}

// Unregister deletes the repository's directory (and, as a consequence,
// the embedded settings file) and forgets it.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	rec, ok := r.records[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: repository %s", errs.NotFound, name)
	}
	delete(r.records, name)
	r.mu.Unlock()

	if err := fsutil.RemoveTree(rec.LocalPath, 0); err != nil {
		return fmt.Errorf("remove repository directory %s: %w", rec.LocalPath, err)
	}
	return nil
}
