package repository

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"backupd/internal/model"
	"backupd/internal/util"
)

// JobRepository stores every job as one JSON array in a single state file.
type JobRepository struct {
	mu   sync.Mutex
	path string
}

func NewJobRepository(path string) *JobRepository {
	return &JobRepository{path: path}
}

func (r *JobRepository) Path() string {
	return r.path
}

// SaveAll replaces the state file with jobs.
func (r *JobRepository) SaveAll(jobs []model.Job) error {
	if jobs == nil {
		jobs = []model.Job{}
	}

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode jobs state: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return util.AtomicWrite(r.path, bytes.NewReader(data))
}

// GetAll reads the state file. A missing or empty file yields no jobs.
func (r *JobRepository) GetAll() ([]model.Job, error) {
	r.mu.Lock()
	data, err := os.ReadFile(r.path)
	r.mu.Unlock()

	if errors.Is(err, os.ErrNotExist) {
		return []model.Job{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs state: %w", err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return []model.Job{}, nil
	}

	var jobs []model.Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("failed to decode jobs state: %w", err)
	}

	if jobs == nil {
		jobs = []model.Job{}
	}

	return jobs, nil
}
