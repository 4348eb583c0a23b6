package daemon

import (
	"sync"

	"backupd/internal/model"
)

// JobState guards one job's persisted fields. Every mutation goes through
// Update so the caller gets a consistent snapshot back.
type JobState struct {
	mu  sync.RWMutex
	job model.Job

	// paused marks a job stopped by a pause request; only such jobs may be
	// resumed remotely.
	paused bool
}

func NewJobState(job model.Job) *JobState {
	return &JobState{job: job}
}

func (s *JobState) Update(fn func(j *model.Job)) model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&s.job)
	s.job.Recompute()
	return s.job
}

func (s *JobState) Snapshot() model.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.job
}

func (s *JobState) State() model.JobState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.job.State
}

func (s *JobState) Paused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused || s.job.State == model.JobStatePaused
}

func (s *JobState) SetPaused(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = paused
}
