package repository

import (
	"time"

	"backupd/internal/logger"
	"backupd/internal/model"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type HistoryRepository struct {
	db *gorm.DB
}

func NewHistoryRepository(db *gorm.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

func (r *HistoryRepository) Save(event model.BackupEvent) error {
	if event.BackedUpAt.IsZero() {
		event.BackedUpAt = time.Now()
	}

	return r.db.Create(&event).Error
}

// RecordBackupEvent logs one copied file and stores it. Storage failures are
// logged only; they never fail the backup.
func (r *HistoryRepository) RecordBackupEvent(jobName, sourceFile, targetFile string, sizeBytes, elapsedMs int64, exitCode int) {
	fields := []zap.Field{
		zap.String("job", jobName),
		zap.String("src", sourceFile),
		zap.String("dst", targetFile),
		zap.Int64("size", sizeBytes),
		zap.Int64("elapsed_ms", elapsedMs),
		zap.Int("exit_code", exitCode),
	}

	if exitCode < 0 {
		logger.Log.Warn("file backup failed", fields...)
	} else {
		logger.Log.Info("file backed up", fields...)
	}

	if r == nil || r.db == nil {
		return
	}

	err := r.Save(model.BackupEvent{
		JobName:    jobName,
		SourceFile: sourceFile,
		TargetFile: targetFile,
		SizeBytes:  sizeBytes,
		ElapsedMs:  elapsedMs,
		ExitCode:   exitCode,
	})
	if err != nil {
		logger.Log.Warn("failed to save history",
			zap.Error(err))
	}
}

type Stats struct {
	Total  int64 `json:"total"`
	Failed int64 `json:"failed"`
	Bytes  int64 `json:"bytes"`
}

func (r *HistoryRepository) GetStats(jobName string) (Stats, error) {
	var stats Stats
	q := r.db.Model(&model.BackupEvent{}).Where("job_name = ?", jobName)
	if err := q.Count(&stats.Total).Error; err != nil {
		return stats, err
	}

	if err := r.db.Model(&model.BackupEvent{}).
		Where("job_name = ? AND exit_code < 0", jobName).
		Count(&stats.Failed).Error; err != nil {
		return stats, err
	}

	if err := r.db.Model(&model.BackupEvent{}).
		Where("job_name = ? AND exit_code >= 0", jobName).
		Select("COALESCE(SUM(size_bytes), 0)").
		Scan(&stats.Bytes).Error; err != nil {
		return stats, err
	}

	return stats, nil
}

func (r *HistoryRepository) GetRecent(limit int) ([]model.BackupEvent, error) {
	var events []model.BackupEvent
	result := r.db.
		Order("backed_up_at desc").
		Limit(limit).
		Find(&events)

	return events, result.Error
}
