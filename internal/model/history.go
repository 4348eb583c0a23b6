package model

import (
	"time"

	"gorm.io/gorm"
)

// BackupEvent is one copied file. ExitCode is 0 for a plain copy; a negative
// value marks a failed copy.
type BackupEvent struct {
	gorm.Model
	JobName    string `gorm:"not null;index"`
	SourceFile string `gorm:"not null"`
	TargetFile string `gorm:"not null"`
	SizeBytes  int64
	ElapsedMs  int64
	ExitCode   int
	BackedUpAt time.Time `gorm:"not null;index"`
}
