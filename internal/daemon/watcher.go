package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"backupd/internal/logger"
	"backupd/internal/model"
	"backupd/internal/pipeline"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const wakeDebounce = 2 * time.Second

// SourceWatcher wakes idle jobs when their source tree changes, so changes
// are picked up before the re-poll interval runs out.
type SourceWatcher struct {
	manager  *JobManager
	fw       *fsnotify.Watcher
	debounce *pipeline.Debouncer

	mu    sync.Mutex
	roots map[string]string // watched dir -> job key
	jobs  map[string]string // job key -> source root, "" if unwatchable

	unsubscribe func()
	doneCh      chan struct{}
	wg          sync.WaitGroup
}

func NewSourceWatcher(manager *JobManager) (*SourceWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &SourceWatcher{
		manager: manager,
		fw:      fw,
		roots:   make(map[string]string),
		jobs:    make(map[string]string),
		doneCh:  make(chan struct{}),
	}
	w.debounce = pipeline.NewDebouncer(wakeDebounce, manager.Wake)

	w.wg.Add(1)
	go w.run()

	for _, job := range manager.List() {
		w.track(job.Name, job.SourceDirectory)
	}
	w.unsubscribe = manager.Subscribe(w.onJobChange)

	return w, nil
}

// track watches a job's source once; failures are logged and not retried.
func (w *SourceWatcher) track(jobName, root string) {
	if err := w.Watch(jobName, root); err != nil {
		w.mu.Lock()
		if _, ok := w.jobs[key(jobName)]; !ok {
			w.jobs[key(jobName)] = ""
		}
		w.mu.Unlock()

		logger.Log.Warn("failed to watch job source",
			zap.String("job", jobName),
			zap.Error(err))
	}
}

func (w *SourceWatcher) onJobChange(changed model.Job, _ []model.Job) {
	k := key(changed.Name)

	w.mu.Lock()
	_, known := w.jobs[k]
	w.mu.Unlock()

	_, exists := w.manager.Get(changed.Name)
	switch {
	case exists && !known:
		w.track(changed.Name, changed.SourceDirectory)
	case !exists && known:
		w.Unwatch(changed.Name)
	}
}

// Unwatch drops every directory watched for the job.
func (w *SourceWatcher) Unwatch(jobName string) {
	k := key(jobName)

	w.mu.Lock()
	var dirs []string
	for dir, owner := range w.roots {
		if owner == k {
			dirs = append(dirs, dir)
			delete(w.roots, dir)
		}
	}
	delete(w.jobs, k)
	w.mu.Unlock()

	for _, dir := range dirs {
		_ = w.fw.Remove(dir)
	}
}

// Watched reports whether any directory is watched for the job.
func (w *SourceWatcher) Watched(jobName string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.jobs[key(jobName)] != ""
}

// Watch adds every directory under the job's source root.
func (w *SourceWatcher) Watch(jobName, root string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	if _, err := os.Stat(absRoot); err != nil {
		return fmt.Errorf("source directory not found: %w", err)
	}

	w.mu.Lock()
	w.jobs[key(jobName)] = absRoot
	w.mu.Unlock()

	return w.addRecursive(key(jobName), absRoot)
}

func (w *SourceWatcher) addRecursive(jobKey, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}

		if d.IsDir() {
			if err := w.fw.Add(path); err != nil {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}

			w.mu.Lock()
			w.roots[path] = jobKey
			w.mu.Unlock()
		}

		return nil
	})
}

func (w *SourceWatcher) jobFor(path string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if k, ok := w.roots[filepath.Dir(path)]; ok {
		return k, true
	}
	k, ok := w.roots[path]
	return k, ok
}

func (w *SourceWatcher) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.doneCh:
			return

		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}

			jobKey, found := w.jobFor(ev.Name)
			if !found {
				continue
			}

			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(jobKey, ev.Name); err != nil {
						logger.Log.Warn("failed to watch new directory",
							zap.String("path", ev.Name),
							zap.Error(err))
					}
				}
			}

			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Rename) {
				w.debounce.Trigger(jobKey)
			}

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}

			logger.Log.Error("watcher error",
				zap.Error(err))
		}
	}
}

func (w *SourceWatcher) Close() {
	w.unsubscribe()
	w.debounce.Close()
	close(w.doneCh)
	_ = w.fw.Close()
	w.wg.Wait()
}
