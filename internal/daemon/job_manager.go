package daemon

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"backupd/internal/logger"
	"backupd/internal/model"

	"go.uber.org/zap"
)

// StateStore persists the full job list after every change.
type StateStore interface {
	SaveAll(jobs []model.Job) error
	GetAll() ([]model.Job, error)
}

// ChangeFunc receives the job that changed and the persisted snapshot of all
// jobs that includes the change.
type ChangeFunc func(changed model.Job, all []model.Job)

// JobManager is the registry of named jobs. Names are unique ignoring case.
type JobManager struct {
	mu    sync.RWMutex
	jobs  map[string]*Engine
	order []string

	deps  EngineDeps
	store StateStore

	publishMu sync.Mutex

	subMu     sync.RWMutex
	subs      map[int]ChangeFunc
	nextSubID int
}

func NewJobManager(deps EngineDeps, store StateStore) *JobManager {
	return &JobManager{
		jobs:  make(map[string]*Engine),
		deps:  deps,
		store: store,
		subs:  make(map[int]ChangeFunc),
	}
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Subscribe registers fn for every job change. The returned func removes it.
func (m *JobManager) Subscribe(fn ChangeFunc) func() {
	m.subMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

// publish persists every job then notifies subscribers. Publishes are
// serialized so no observer sees an older snapshot after a newer one.
func (m *JobManager) publish(changed model.Job) {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	all := m.List()

	if m.store != nil {
		if err := m.store.SaveAll(all); err != nil {
			logger.Log.Warn("failed to persist jobs state",
				zap.String("job", changed.Name),
				zap.Error(err))
		}
	}

	m.subMu.RLock()
	subs := make([]ChangeFunc, 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.subMu.RUnlock()

	for _, fn := range subs {
		fn(changed, all)
	}
}

// Load registers the persisted jobs. Jobs that were mid-run when the state
// was written come back as Stopped; their names are returned so the caller
// can restart them.
func (m *JobManager) Load() ([]string, error) {
	if m.store == nil {
		return nil, nil
	}

	jobs, err := m.store.GetAll()
	if err != nil {
		return nil, err
	}

	var interrupted []string

	m.mu.Lock()
	for _, job := range jobs {
		k := key(job.Name)
		if k == "" {
			continue
		}
		if _, exists := m.jobs[k]; exists {
			logger.Log.Warn("duplicate job in state file, skipping",
				zap.String("job", job.Name))
			continue
		}

		if job.State == model.JobStateWorking || job.State == model.JobStateIdle {
			interrupted = append(interrupted, job.Name)
			job.State = model.JobStateStopped
		}
		if job.State == "" {
			job.State = model.JobStateIdle
		}
		if job.Type == "" {
			job.Type = model.JobTypeFull
		}

		job.TotalFilesToCopy = max(0, job.TotalFilesToCopy)
		job.NumberFilesLeftToDo = max(0, min(job.NumberFilesLeftToDo, job.TotalFilesToCopy))
		job.Recompute()
		if job.Progress == 100 {
			job.State = model.JobStateFinished
		}

		m.jobs[k] = NewEngine(job, m.deps, m.publish)
		m.order = append(m.order, k)
	}
	m.mu.Unlock()

	logger.Log.Info("jobs loaded",
		zap.Int("count", len(jobs)),
		zap.Int("interrupted", len(interrupted)))

	return interrupted, nil
}

// Create validates and registers a new idle job.
func (m *JobManager) Create(name, source, target string, jobType model.JobType) (model.Job, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, ",") {
		return model.Job{}, fmt.Errorf("%w: name must be non-empty and contain no commas", ErrInvalidJob)
	}
	if target == "" {
		return model.Job{}, fmt.Errorf("%w: target directory required", ErrInvalidJob)
	}
	if jobType != model.JobTypeFull && jobType != model.JobTypeDiff {
		return model.Job{}, fmt.Errorf("%w: unknown type %q", ErrInvalidJob, jobType)
	}

	info, err := os.Stat(source)
	if err != nil || !info.IsDir() {
		return model.Job{}, fmt.Errorf("%w: %s", ErrSourceMissing, source)
	}

	job := model.Job{
		Name:            name,
		SourceDirectory: source,
		TargetDirectory: target,
		Type:            jobType,
		State:           model.JobStateIdle,
	}

	k := key(name)

	m.mu.Lock()
	if _, exists := m.jobs[k]; exists {
		m.mu.Unlock()
		return model.Job{}, fmt.Errorf("%w: %s", ErrJobExists, name)
	}
	e := NewEngine(job, m.deps, m.publish)
	m.jobs[k] = e
	m.order = append(m.order, k)
	m.mu.Unlock()

	m.publish(job)

	logger.Log.Info("job created",
		zap.String("job", name),
		zap.String("type", string(jobType)),
		zap.String("src", source),
		zap.String("dst", target))

	return job, nil
}

// Delete removes a job that is not running.
func (m *JobManager) Delete(name string) error {
	k := key(name)

	m.mu.Lock()
	e, exists := m.jobs[k]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	if e.IsRunning() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobBusy, name)
	}
	delete(m.jobs, k)
	m.order = slices.DeleteFunc(m.order, func(s string) bool { return s == k })
	m.mu.Unlock()

	m.publish(e.Snapshot())

	logger.Log.Info("job deleted",
		zap.String("job", name))

	return nil
}

// StopAndDelete stops a running job, waits for its loop to exit, then
// deletes it.
func (m *JobManager) StopAndDelete(ctx context.Context, name string) error {
	e, err := m.engine(name)
	if err != nil {
		return err
	}

	if e.IsRunning() {
		_ = e.Stop()
		if err := e.Wait(ctx); err != nil {
			return err
		}
	}

	return m.Delete(name)
}

func (m *JobManager) engine(name string) (*Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.jobs[key(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}

	return e, nil
}

func (m *JobManager) Get(name string) (model.Job, bool) {
	e, err := m.engine(name)
	if err != nil {
		return model.Job{}, false
	}

	return e.Snapshot(), true
}

// List returns every job in creation order.
func (m *JobManager) List() []model.Job {
	m.mu.RLock()
	engines := make([]*Engine, 0, len(m.order))
	for _, k := range m.order {
		engines = append(engines, m.jobs[k])
	}
	m.mu.RUnlock()

	jobs := make([]model.Job, 0, len(engines))
	for _, e := range engines {
		jobs = append(jobs, e.Snapshot())
	}

	return jobs
}

func (m *JobManager) Start(name string) error {
	e, err := m.engine(name)
	if err != nil {
		return err
	}

	return e.Start()
}

func (m *JobManager) Pause(name string) error {
	e, err := m.engine(name)
	if err != nil {
		return err
	}

	return e.Pause()
}

func (m *JobManager) Resume(name string) error {
	e, err := m.engine(name)
	if err != nil {
		return err
	}

	return e.Resume()
}

func (m *JobManager) Stop(name string) error {
	e, err := m.engine(name)
	if err != nil {
		return err
	}

	return e.Stop()
}

func (m *JobManager) IsRunning(name string) bool {
	e, err := m.engine(name)
	if err != nil {
		return false
	}

	return e.IsRunning()
}

// Resumable reports whether the named job was stopped by a pause request.
func (m *JobManager) Resumable(name string) bool {
	e, err := m.engine(name)
	if err != nil {
		return false
	}

	return e.Resumable()
}

// Wait blocks until the named job's run loop exits.
func (m *JobManager) Wait(ctx context.Context, name string) error {
	e, err := m.engine(name)
	if err != nil {
		return err
	}

	return e.Wait(ctx)
}

// Wake cuts the idle wait of the named job short.
func (m *JobManager) Wake(name string) {
	if e, err := m.engine(name); err == nil {
		e.Wake()
	}
}

// StopAll cancels every running job and waits for the loops to exit. The
// jobs keep their run state in the state file and load as interrupted.
func (m *JobManager) StopAll(ctx context.Context) {
	m.mu.RLock()
	engines := make([]*Engine, 0, len(m.jobs))
	for _, e := range m.jobs {
		engines = append(engines, e)
	}
	m.mu.RUnlock()

	for _, e := range engines {
		e.Shutdown()
	}

	for _, e := range engines {
		if err := e.Wait(ctx); err != nil {
			logger.Log.Warn("job did not stop in time",
				zap.String("job", e.Name()),
				zap.Error(err))
		}
	}
}
