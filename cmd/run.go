package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"backupd/internal/daemon"
	"backupd/internal/db"
	"backupd/internal/logger"
	"backupd/internal/pipeline"
	"backupd/internal/remote"
	"backupd/internal/repository"
	"backupd/internal/throttle"
	"backupd/internal/util"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the backup daemon using all the stored jobs",
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	defer logger.Sync()

	ctl := throttle.NewController(throttle.Config{
		MaxParallel:       cfg.MaxParallel,
		Interval:          cfg.SampleInterval,
		BudgetKbps:        cfg.BandwidthBudgetKbps,
		CriticalDelay:     cfg.CriticalDelay,
		ThrottleDelay:     cfg.ThrottleDelay,
		CriticalProcesses: cfg.CriticalProcesses,
	}, throttle.NewSystemSampler())
	ctl.Start()
	defer ctl.Stop()

	history := repository.NewHistoryRepository(db.DB)
	jobRepo := repository.NewJobRepository(cfg.StatePath)

	manager := daemon.NewJobManager(daemon.EngineDeps{
		Copier:         util.NewFileCopier(cfg.ChunkSize, ctl),
		Recorder:       history,
		Gate:           ctl,
		Detector:       pipeline.NewChangeDetector(),
		Ignorer:        pipeline.NewIgnorer(cfg.IgnoreList),
		RepollInterval: cfg.RepollInterval,
	}, jobRepo)

	interrupted, err := manager.Load()
	if err != nil {
		return err
	}

	if cfg.RemoteEnabled {
		rs := remote.NewServer(manager, jobRepo, ctl)
		if err := rs.Start(cfg.RemotePort); err != nil {
			return err
		}
		defer rs.Stop()

		unsubscribe := manager.Subscribe(rs.OnJobChange)
		defer unsubscribe()
	}

	if cfg.ResumeOnStart {
		for _, name := range interrupted {
			if err := manager.Resume(name); err != nil {
				logger.Log.Warn("failed to restart interrupted job",
					zap.String("job", name),
					zap.Error(err))
			}
		}
	}

	scheduler := daemon.NewScheduler(manager)
	for name, spec := range cfg.Schedules {
		if err := scheduler.Add(name, spec); err != nil {
			logger.Log.Warn("failed to schedule job",
				zap.String("job", name),
				zap.Error(err))
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	if cfg.WatchSources {
		watcher, err := daemon.NewSourceWatcher(manager)
		if err != nil {
			logger.Log.Warn("source watching disabled", zap.Error(err))
		} else {
			defer watcher.Close()
		}
	}

	jobs := manager.List()
	if len(jobs) == 0 {
		logger.Log.Info("no jobs configured, use 'backupd job add <name> <src> <dst>' to add one")
	}

	srv := daemon.NewServer(manager, history, ctl, cfg.DaemonPort)
	srv.Start()

	logger.Log.Info("backupd daemon started",
		zap.Int("jobs", len(jobs)),
		zap.Int("interrupted", len(interrupted)),
		zap.Int("port", cfg.DaemonPort),
		zap.Int("remote_port", cfg.RemotePort))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Log.Info("shutting down",
			zap.String("signal", sig.String()))
	case <-srv.StopCh():
		logger.Log.Info("stop requested via API")
	}

	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Stop(ctx)
}

func init() {
	rootCmd.AddCommand(runCmd)
}
