package jobstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/lightspeed-oss/batchd/errs"
	"github.com/lightspeed-oss/batchd/fsutil"
)

// Store persists every job as its own file under dir, named by job id.
type Store struct {
	dir string

	mu   sync.RWMutex
	jobs map[string]*Job
}

// New constructs a Store rooted at dir. Call LoadAll before serving traffic
// to rehydrate any jobs persisted by a prior run.
func New(dir string) *Store {
	return &Store{dir: dir, jobs: make(map[string]*Job)}
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// LoadAll reads every job file under dir into memory (spec §4.6).
func (s *Store) LoadAll() error {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list %s: %w", s.dir, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return fmt.Errorf("read %s: %w", e.Name(), err)
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("unmarshal %s: %w", e.Name(), err)
		}
		s.jobs[job.ID] = &job
	}
	return nil
}

// Create persists a brand new job. It fails if the id is already in use.
func (s *Store) Create(job *Job) error {
	s.mu.Lock()
	if _, exists := s.jobs[job.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: job %s already exists", errs.Conflict, job.ID)
	}
	stored := job.Clone()
	s.jobs[job.ID] = stored
	s.mu.Unlock()

	return s.persist(stored)
}

// Update overwrites the persisted record for job.ID, which must already
// exist. The write is atomic: a reader never observes a partial record
// (spec §4.6's invariant).
func (s *Store) Update(job *Job) error {
	s.mu.Lock()
	if _, exists := s.jobs[job.ID]; !exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: job %s", errs.NotFound, job.ID)
	}
	stored := job.Clone()
	s.jobs[job.ID] = stored
	s.mu.Unlock()

	return s.persist(stored)
}

func (s *Store) persist(job *Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	return fsutil.AtomicWriteFile(s.path(job.ID), data, 0o644)
}

// Delete removes a job's record and forgets it.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	if _, exists := s.jobs[id]; !exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: job %s", errs.NotFound, id)
	}
	delete(s.jobs, id)
	s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove job file %s: %w", id, err)
	}
	return nil
}

// ByID returns the job identified by id.
func (s *Store) ByID(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", errs.NotFound, id)
	}
	return job.Clone(), nil
}

// All returns every job currently held in memory, ordered by CreatedAt then
// ID (the scheduler's FIFO tie-break rule, spec §4.7).
func (s *Store) All() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ByUsername returns every job submitted by username, in the same order as
// All.
func (s *Store) ByUsername(username string) []*Job {
	all := s.All()
	out := all[:0:0]
	for _, job := range all {
		if job.Username == username {
			out = append(out, job)
		}
	}
	return out
}
