package daemon

import (
	"errors"
	"fmt"
	"sync"

	"backupd/internal/logger"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler starts jobs on cron schedules. A firing for a job that is
// already running is skipped.
type Scheduler struct {
	manager *JobManager
	parser  cron.Parser

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
	entries map[string]cron.EntryID
}

func NewScheduler(manager *JobManager) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	return &Scheduler{
		manager: manager,
		parser:  parser,
		cron:    cron.New(cron.WithParser(parser)),
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers a schedule for the named job, replacing any previous one.
func (s *Scheduler) Add(jobName, spec string) error {
	if _, ok := s.manager.Get(jobName); !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	}

	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule for job %s: %w", jobName, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(jobName)
	if id, ok := s.entries[k]; ok {
		s.cron.Remove(id)
	}

	id, err := s.cron.AddFunc(spec, func() { s.fire(jobName) })
	if err != nil {
		return fmt.Errorf("invalid schedule for job %s: %w", jobName, err)
	}
	s.entries[k] = id

	logger.Log.Info("job scheduled",
		zap.String("job", jobName),
		zap.String("schedule", spec))

	return nil
}

func (s *Scheduler) Remove(jobName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[key(jobName)]; ok {
		s.cron.Remove(id)
		delete(s.entries, key(jobName))
	}
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) fire(jobName string) {
	err := s.manager.Start(jobName)
	switch {
	case err == nil:
		logger.Log.Info("scheduled run started",
			zap.String("job", jobName))
	case errors.Is(err, ErrAlreadyRunning):
		logger.Log.Debug("scheduled run skipped, job already running",
			zap.String("job", jobName))
	default:
		logger.Log.Warn("scheduled run failed to start",
			zap.String("job", jobName),
			zap.Error(err))
	}
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
}

// Stop halts the schedule; runs it already started keep going.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}
