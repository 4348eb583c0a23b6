package daemon

import "errors"

// Validation errors.
var (
	ErrJobNotFound   = errors.New("job not found")
	ErrJobExists     = errors.New("job already exists")
	ErrInvalidJob    = errors.New("invalid job")
	ErrSourceMissing = errors.New("source directory not found")
)

// Concurrency conflicts.
var (
	ErrAlreadyRunning = errors.New("job is already running")
	ErrNotRunning     = errors.New("job is not running")
	ErrNotPaused      = errors.New("job is not paused")
	ErrJobBusy        = errors.New("job is working")
)

// Cancellation causes of a run.
var (
	errPauseRequested = errors.New("pause requested")
	errStopRequested  = errors.New("stop requested")
	errShutdown       = errors.New("daemon shutting down")
)
