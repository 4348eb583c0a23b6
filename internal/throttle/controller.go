// Package throttle keeps backup copies from starving foreground network
// traffic and configured critical applications.
//
// A Controller owns a permit pool shared by every job: each in-flight file
// copy holds one permit. A sampler goroutine measures network load once per
// interval and shrinks or grows the pool accordingly. Inside a single copy the
// Controller also acts as a per-chunk pacer.
package throttle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"backupd/internal/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Network-load tiers, in kbps (inbound + outbound).
const (
	tierHeavy  = 5000
	tierHigh   = 3000
	tierMedium = 1500

	// Per-chunk short delay kicks in above budget * budgetOverrun.
	budgetOverrun = 1.5
)

type Config struct {
	MaxParallel       int
	Interval          time.Duration
	BudgetKbps        float64
	CriticalDelay     time.Duration
	ThrottleDelay     time.Duration
	CriticalProcesses []string
}

// Sample is one observation of host load. It is discarded once the pool has
// been resized.
type Sample struct {
	Timestamp             time.Time
	DownKbps              float64
	UpKbps                float64
	CriticalProcessActive bool
}

func (s Sample) TotalKbps() float64 {
	return s.DownKbps + s.UpKbps
}

type Sampler interface {
	SampleNetwork(ctx context.Context) (downKbps, upKbps float64, err error)
	CriticalProcessRunning(ctx context.Context, names []string) (bool, error)
}

type Controller struct {
	cfg     Config
	sampler Sampler
	sem     *semaphore.Weighted

	resizeMu      sync.Mutex
	withheld      int
	wantWithheld  int
	reclaimCancel context.CancelFunc

	last atomic.Pointer[Sample]

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewController(cfg Config, sampler Sampler) *Controller {
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}

	c := &Controller{
		cfg:     cfg,
		sampler: sampler,
		sem:     semaphore.NewWeighted(int64(cfg.MaxParallel)),
	}
	c.last.Store(&Sample{Timestamp: time.Now()})

	return c
}

// TargetPermits maps a network load to a pool size. The first matching tier
// wins.
func TargetPermits(kbps float64, maxParallel int) int {
	var target int
	switch {
	case kbps > tierHeavy:
		target = 1
	case kbps > tierHigh:
		target = 2
	case kbps > tierMedium:
		target = 3
	default:
		target = maxParallel
	}

	return max(1, min(target, maxParallel))
}

// Acquire blocks until a copy permit is free or ctx is done.
func (c *Controller) Acquire(ctx context.Context) error {
	return c.sem.Acquire(ctx, 1)
}

func (c *Controller) Release() {
	c.sem.Release(1)
}

// Permits is the current pool size.
func (c *Controller) Permits() int {
	c.resizeMu.Lock()
	defer c.resizeMu.Unlock()
	return c.cfg.MaxParallel - c.withheld
}

func (c *Controller) MaxParallel() int {
	return c.cfg.MaxParallel
}

// Resize moves the pool toward target. Growing releases withheld permits at
// once. Shrinking takes the permits that are free right now and queues a
// reclaimer for the rest, which takes them as in-flight copies finish. It
// returns the resulting pool size.
func (c *Controller) Resize(target int) int {
	target = max(1, min(target, c.cfg.MaxParallel))

	c.resizeMu.Lock()
	defer c.resizeMu.Unlock()

	c.wantWithheld = c.cfg.MaxParallel - target

	switch {
	case c.withheld < c.wantWithheld:
		for c.withheld < c.wantWithheld && c.sem.TryAcquire(1) {
			c.withheld++
		}
		if c.withheld < c.wantWithheld && c.reclaimCancel == nil {
			ctx, cancel := context.WithCancel(context.Background())
			c.reclaimCancel = cancel
			go c.reclaim(ctx)
		}
	case c.withheld > c.wantWithheld:
		c.sem.Release(int64(c.withheld - c.wantWithheld))
		c.withheld = c.wantWithheld
	}

	if c.withheld >= c.wantWithheld && c.reclaimCancel != nil {
		c.reclaimCancel()
		c.reclaimCancel = nil
	}

	return c.cfg.MaxParallel - c.withheld
}

func (c *Controller) reclaim(ctx context.Context) {
	for {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return
		}

		c.resizeMu.Lock()
		if c.withheld < c.wantWithheld {
			c.withheld++
		} else {
			c.sem.Release(1)
		}
		done := c.withheld >= c.wantWithheld
		if done && c.reclaimCancel != nil {
			c.reclaimCancel()
			c.reclaimCancel = nil
		}
		c.resizeMu.Unlock()

		if done {
			return
		}
	}
}

// Last returns the most recent sample.
func (c *Controller) Last() Sample {
	return *c.last.Load()
}

// CriticalActive reports whether a critical process was seen in the last
// sample.
func (c *Controller) CriticalActive() bool {
	return c.last.Load().CriticalProcessActive
}

// Tick takes one sample and resizes the pool. A failed network sample is
// treated as zero load for pacing and leaves the pool size unchanged.
func (c *Controller) Tick(ctx context.Context) Sample {
	sample := Sample{Timestamp: time.Now()}
	networkOK := true

	if c.sampler != nil {
		down, up, err := c.sampler.SampleNetwork(ctx)
		if err != nil {
			networkOK = false
			logger.Log.Warn("network sampling failed",
				zap.Error(err))
		} else {
			sample.DownKbps, sample.UpKbps = down, up
		}

		if len(c.cfg.CriticalProcesses) > 0 {
			active, err := c.sampler.CriticalProcessRunning(ctx, c.cfg.CriticalProcesses)
			if err != nil {
				logger.Log.Warn("process sampling failed",
					zap.Error(err))
			}
			sample.CriticalProcessActive = active && err == nil
		}
	}

	c.last.Store(&sample)

	if !networkOK {
		return sample
	}

	before := c.Permits()
	after := c.Resize(TargetPermits(sample.TotalKbps(), c.cfg.MaxParallel))
	if before != after {
		logger.Log.Debug("permit pool resized",
			zap.Int("from", before),
			zap.Int("to", after),
			zap.Float64("kbps", sample.TotalKbps()))
	}

	return sample
}

// ChunkDelay is the pause to insert after one copied chunk.
func (c *Controller) ChunkDelay() time.Duration {
	s := c.last.Load()
	switch {
	case s.CriticalProcessActive:
		return c.cfg.CriticalDelay
	case c.cfg.BudgetKbps > 0 && s.TotalKbps() > c.cfg.BudgetKbps*budgetOverrun:
		return c.cfg.ThrottleDelay
	default:
		return 0
	}
}

// Pace sleeps for ChunkDelay.
func (c *Controller) Pace(ctx context.Context) {
	d := c.ChunkDelay()
	if d <= 0 {
		return
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Start launches the sampling loop. Calling Start twice is a no-op.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	c.running = true

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go c.run(ctx)
}

func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()

	c.resizeMu.Lock()
	if c.reclaimCancel != nil {
		c.reclaimCancel()
		c.reclaimCancel = nil
	}
	c.resizeMu.Unlock()
}

func (c *Controller) run(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.safeTick(ctx)
		}
	}
}

func (c *Controller) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("throttle sampling panicked",
				zap.Any("panic", r))
		}
	}()

	c.Tick(ctx)
}
