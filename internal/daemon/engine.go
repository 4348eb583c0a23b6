package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"backupd/internal/logger"
	"backupd/internal/model"
	"backupd/internal/pipeline"

	"go.uber.org/zap"
)

const DefaultRepollInterval = 5 * time.Minute

// Copier copies one whole file and reports how long it took.
type Copier interface {
	Copy(ctx context.Context, src, dst string) (time.Duration, error)
}

// Recorder receives one event per copied file. A negative exit code marks a
// failed copy.
type Recorder interface {
	RecordBackupEvent(jobName, sourceFile, targetFile string, sizeBytes, elapsedMs int64, exitCode int)
}

// Gate bounds how many copies run at once across all jobs.
type Gate interface {
	Acquire(ctx context.Context) error
	Release()
}

type ChangeDetector interface {
	Equal(a, b string) bool
}

// FileWorkItem is one file selected by a scan. Items are rebuilt on every
// scan and never persisted.
type FileWorkItem struct {
	SourcePath   string
	RelativePath string
	TargetPath   string
	Size         int64
}

type EngineDeps struct {
	Copier         Copier
	Recorder       Recorder
	Gate           Gate
	Detector       ChangeDetector
	Ignorer        *pipeline.Ignorer
	RepollInterval time.Duration
}

// Engine runs one job. At most one run loop exists per Engine; the loop is
// the only writer of progress fields.
type Engine struct {
	state    *JobState
	deps     EngineDeps
	onChange func(model.Job)

	// mu serializes run control; running is also readable without it.
	mu      sync.Mutex
	running atomic.Bool
	cancel  context.CancelCauseFunc
	done    chan struct{}

	// resumeScan makes the next scan skip targets that already match, even
	// in a full backup.
	resumeScan atomic.Bool

	wake chan struct{}
}

func NewEngine(job model.Job, deps EngineDeps, onChange func(model.Job)) *Engine {
	if deps.RepollInterval <= 0 {
		deps.RepollInterval = DefaultRepollInterval
	}
	if deps.Detector == nil {
		deps.Detector = pipeline.NewChangeDetector()
	}
	if onChange == nil {
		onChange = func(model.Job) {}
	}

	return &Engine{
		state:    NewJobState(job),
		deps:     deps,
		onChange: onChange,
		wake:     make(chan struct{}, 1),
	}
}

func (e *Engine) Name() string {
	return e.state.Snapshot().Name
}

func (e *Engine) Snapshot() model.Job {
	return e.state.Snapshot()
}

// Resumable reports whether the job was stopped by a pause request.
func (e *Engine) Resumable() bool {
	return !e.IsRunning() && e.state.Paused()
}

func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// commit applies fn and publishes the result before returning.
func (e *Engine) commit(fn func(j *model.Job)) model.Job {
	snap := e.state.Update(fn)
	e.onChange(snap)
	return snap
}

func (e *Engine) setState(state model.JobState) {
	e.commit(func(j *model.Job) {
		j.State = state
	})
}

// Start spawns the run loop. It fails with ErrAlreadyRunning when a loop is
// active.
func (e *Engine) Start() error {
	return e.start(false)
}

func (e *Engine) start(resume bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		return ErrAlreadyRunning
	}

	e.resumeScan.Store(resume)

	ctx, cancel := context.WithCancelCause(context.Background())
	e.running.Store(true)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.state.SetPaused(false)

	e.commit(func(j *model.Job) {
		j.ErrorMessage = ""
		if j.Progress == 100 {
			j.TotalFilesToCopy = 0
			j.NumberFilesLeftToDo = 0
		}
	})

	go e.run(ctx, e.done)

	logger.Log.Info("job started",
		zap.String("job", e.Name()),
		zap.Bool("resume", resume))

	return nil
}

// Pause asks a working run to stop after its current file.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running.Load() || e.state.State() != model.JobStateWorking {
		return fmt.Errorf("%w: state is %s", ErrNotRunning, e.state.State())
	}

	e.cancel(errPauseRequested)
	return nil
}

// Stop cancels a running loop, or turns a paused job into a plain stopped
// one.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		e.cancel(errStopRequested)
		return nil
	}

	if e.state.Paused() {
		e.state.SetPaused(false)
		e.setState(model.JobStateStopped)
		return nil
	}

	return fmt.Errorf("%w: state is %s", ErrNotRunning, e.state.State())
}

// Shutdown cancels a running loop but keeps its Working or Idle state, so the
// job is picked up again as interrupted on the next load.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		e.cancel(errShutdown)
	}
}

// Resume restarts a stopped or paused job. Files already copied by the
// interrupted run are not copied again.
func (e *Engine) Resume() error {
	switch st := e.state.State(); st {
	case model.JobStateStopped, model.JobStatePaused:
		return e.start(true)
	default:
		if e.IsRunning() {
			return ErrAlreadyRunning
		}
		return fmt.Errorf("%w: state is %s", ErrNotPaused, st)
	}
}

// Wait blocks until the current run loop exits or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.Lock()
	done := e.done
	running := e.running.Load()
	e.mu.Unlock()

	if !running || done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wake cuts an idle re-poll wait short.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) run(ctx context.Context, done chan struct{}) {
	name := e.Name()
	final := model.JobStateStopped

	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("job run panicked",
				zap.String("job", name),
				zap.Any("panic", r))
			final = model.JobStateFailed
			e.commit(func(j *model.Job) {
				j.ErrorMessage = fmt.Sprint(r)
			})
		}

		e.finish(final, done)
	}()

	final = e.loop(ctx)
}

// finish publishes the terminal state and marks the loop gone under the same
// lock, so a Start racing with exit never sees a half-finished run.
func (e *Engine) finish(final model.JobState, done chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.State() != final {
		e.setState(final)
	}
	e.running.Store(false)
	if e.cancel != nil {
		e.cancel(nil)
		e.cancel = nil
	}
	close(done)

	logger.Log.Info("job run ended",
		zap.String("job", e.Name()),
		zap.String("state", string(final)))
}

func (e *Engine) stopped(ctx context.Context) model.JobState {
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, errPauseRequested):
		e.state.SetPaused(true)
	case errors.Is(cause, errShutdown):
		return e.state.State()
	}

	return model.JobStateStopped
}

func (e *Engine) fail(err error) model.JobState {
	logger.Log.Error("job failed",
		zap.String("job", e.Name()),
		zap.Error(err))

	e.commit(func(j *model.Job) {
		j.ErrorMessage = err.Error()
	})

	return model.JobStateFailed
}

func (e *Engine) loop(ctx context.Context) model.JobState {
	for {
		e.setState(model.JobStateWorking)

		items, totalBytes, err := e.scan()
		if err != nil {
			return e.fail(err)
		}

		e.commit(func(j *model.Job) {
			j.TotalFilesToCopy = len(items)
			j.TotalFilesSize = totalBytes
			j.NumberFilesLeftToDo = len(items)
		})

		if len(items) == 0 {
			e.setState(model.JobStateIdle)
			if !e.idle(ctx) {
				return e.stopped(ctx)
			}
			continue
		}

		if final, done := e.copyBatch(ctx, items); done {
			return final
		}
	}
}

// idle waits for the re-poll interval, a wake-up, or cancellation. It
// returns false when cancelled.
func (e *Engine) idle(ctx context.Context) bool {
	t := time.NewTimer(e.deps.RepollInterval)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	case <-e.wake:
		return true
	}
}

func (e *Engine) copyBatch(ctx context.Context, items []FileWorkItem) (model.JobState, bool) {
	name := e.Name()

	for _, item := range items {
		if ctx.Err() != nil {
			return e.stopped(ctx), true
		}

		if err := os.MkdirAll(filepath.Dir(item.TargetPath), 0755); err != nil {
			return e.fail(fmt.Errorf("failed to create target dir for %s: %w", item.RelativePath, err)), true
		}

		elapsed, err := e.copyOne(ctx, item)
		if errors.Is(err, context.Canceled) {
			return e.stopped(ctx), true
		}
		if err != nil {
			e.record(name, item, 0, -1)
			return e.fail(fmt.Errorf("failed to copy %s: %w", item.RelativePath, err)), true
		}

		e.record(name, item, elapsed, 0)

		snap := e.commit(func(j *model.Job) {
			if j.NumberFilesLeftToDo > 0 {
				j.NumberFilesLeftToDo--
			}
			if j.NumberFilesLeftToDo == 0 {
				j.State = model.JobStateFinished
			}
		})

		if snap.State == model.JobStateFinished {
			return model.JobStateFinished, true
		}
	}

	return "", false
}

// copyOne holds a gate permit for the duration of one copy. Waiting for the
// permit is cancellable; the copy itself is not.
func (e *Engine) copyOne(ctx context.Context, item FileWorkItem) (time.Duration, error) {
	if e.deps.Gate != nil {
		if err := e.deps.Gate.Acquire(ctx); err != nil {
			return 0, err
		}
		defer e.deps.Gate.Release()
	}

	return e.deps.Copier.Copy(context.WithoutCancel(ctx), item.SourcePath, item.TargetPath)
}

func (e *Engine) record(name string, item FileWorkItem, elapsed time.Duration, exitCode int) {
	if e.deps.Recorder == nil {
		return
	}

	e.deps.Recorder.RecordBackupEvent(name, item.SourcePath, item.TargetPath, item.Size, elapsed.Milliseconds(), exitCode)
}

// scan walks the source tree in lexical order and keeps the files that need
// copying: missing at target, any file in a full backup, or a digest
// mismatch in a differential one. The first scan after a resume compares
// digests in both modes.
func (e *Engine) scan() ([]FileWorkItem, uint64, error) {
	job := e.state.Snapshot()
	mode := job.Type
	if e.resumeScan.Swap(false) {
		mode = model.JobTypeDiff
	}

	info, err := os.Stat(job.SourceDirectory)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrSourceMissing, job.SourceDirectory)
	}
	if !info.IsDir() {
		return nil, 0, fmt.Errorf("%w: %s is not a directory", ErrSourceMissing, job.SourceDirectory)
	}

	var (
		items      []FileWorkItem
		totalBytes uint64
	)

	err = filepath.WalkDir(job.SourceDirectory, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == job.SourceDirectory {
				return err
			}
			logger.Log.Warn("skipping unreadable entry",
				zap.String("job", job.Name),
				zap.String("path", path),
				zap.Error(err))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(job.SourceDirectory, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			return nil
		}

		if rel != "." && e.deps.Ignorer.ShouldIgnore(rel) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		target := filepath.Join(job.TargetDirectory, rel)
		if !e.needsCopy(mode, path, target) {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return nil
		}

		items = append(items, FileWorkItem{
			SourcePath:   path,
			RelativePath: rel,
			TargetPath:   target,
			Size:         fi.Size(),
		})
		totalBytes += uint64(fi.Size())
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to scan %s: %w", job.SourceDirectory, err)
	}

	return items, totalBytes, nil
}

func (e *Engine) needsCopy(mode model.JobType, source, target string) bool {
	if _, err := os.Stat(target); err != nil {
		return true
	}

	if mode == model.JobTypeFull {
		return true
	}

	return !e.deps.Detector.Equal(source, target)
}
