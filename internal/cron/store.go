package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Store persists jobs as a single JSON array, rewritten atomically on
// every mutation. All mutations run under one process-wide lock held
// across load-mutate-rewrite.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a Store. The file is created on first mutation.
func NewStore(path string) *Store {
	return &Store{path: path}
}

func errJobNotFound(id string) error { return fmt.Errorf("job %s not found", id) }

// Load reads all jobs. A missing file is an empty list.
func (s *Store) Load() ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() ([]Job, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cron store: %w", err)
	}
	var jobs []Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("parse cron store %s: %w", s.path, err)
	}
	return jobs, nil
}

func (s *Store) write(jobs []Job) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(s.path), "jobs-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// Mutate applies fn to the job list under the store lock and rewrites the
// file. fn may return a modified slice.
func (s *Store) Mutate(fn func(jobs []Job) ([]Job, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.load()
	if err != nil {
		return err
	}
	jobs, err = fn(jobs)
	if err != nil {
		return err
	}
	return s.write(jobs)
}

// Add validates and appends a job, assigning an id when absent.
func (s *Store) Add(job Job) (Job, error) {
	if err := job.Schedule.Validate(); err != nil {
		return Job{}, err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	err := s.Mutate(func(jobs []Job) ([]Job, error) {
		for _, j := range jobs {
			if j.ID == job.ID {
				return nil, fmt.Errorf("job %s already exists", job.ID)
			}
		}
		return append(jobs, job), nil
	})
	if err != nil {
		return Job{}, err
	}
	return job, nil
}

// Remove deletes a job by id.
func (s *Store) Remove(id string) error {
	return s.Mutate(func(jobs []Job) ([]Job, error) {
		for i, j := range jobs {
			if j.ID == id {
				return append(jobs[:i], jobs[i+1:]...), nil
			}
		}
		return nil, errJobNotFound(id)
	})
}

// SetEnabled flips a job's enabled flag. Re-enabling clears next_run so
// the service reschedules from now instead of firing a stale instant.
func (s *Store) SetEnabled(id string, enabled bool) error {
	return s.Mutate(func(jobs []Job) ([]Job, error) {
		for i := range jobs {
			if jobs[i].ID == id {
				jobs[i].Enabled = enabled
				if enabled {
					jobs[i].State.NextRunAtMS = 0
				}
				return jobs, nil
			}
		}
		return nil, errJobNotFound(id)
	})
}

// Get returns one job by id.
func (s *Store) Get(id string) (Job, error) {
	jobs, err := s.Load()
	if err != nil {
		return Job{}, err
	}
	for _, j := range jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return Job{}, errJobNotFound(id)
}
