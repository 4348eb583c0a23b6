package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

type JobType string

const (
	JobTypeFull JobType = "Full"
	JobTypeDiff JobType = "Diff"
)

func ParseJobType(s string) (JobType, error) {
	switch strings.ToLower(s) {
	case "full":
		return JobTypeFull, nil
	case "diff", "differential":
		return JobTypeDiff, nil
	default:
		return "", fmt.Errorf("unknown job type %q", s)
	}
}

type JobState string

const (
	JobStateIdle     JobState = "Idle"
	JobStateWorking  JobState = "Working"
	JobStatePaused   JobState = "Paused"
	JobStateStopped  JobState = "Stopped"
	JobStateFinished JobState = "Finished"
	JobStateFailed   JobState = "Failed"
)

// Job is the persisted form of a backup job. Field names are the on-disk keys
// of the state file.
type Job struct {
	Name                string   `json:"Name"`
	SourceDirectory     string   `json:"SourceDirectory"`
	TargetDirectory     string   `json:"TargetDirectory"`
	Type                JobType  `json:"Type"`
	State               JobState `json:"State"`
	ErrorMessage        string   `json:"ErrorMessage"`
	TotalFilesToCopy    int      `json:"TotalFilesToCopy"`
	TotalFilesSize      uint64   `json:"TotalFilesSize"`
	NumberFilesLeftToDo int      `json:"NumberFilesLeftToDo"`
	Progress            int      `json:"Progress"`
}

// PublicJob is the network view of a Job: no filesystem paths.
type PublicJob struct {
	Name                string   `json:"Name"`
	Type                JobType  `json:"Type"`
	State               JobState `json:"State"`
	ErrorMessage        string   `json:"ErrorMessage"`
	TotalFilesToCopy    int      `json:"TotalFilesToCopy"`
	TotalFilesSize      uint64   `json:"TotalFilesSize"`
	NumberFilesLeftToDo int      `json:"NumberFilesLeftToDo"`
	Progress            int      `json:"Progress"`
}

func (j Job) Redact() PublicJob {
	return PublicJob{
		Name:                j.Name,
		Type:                j.Type,
		State:               j.State,
		ErrorMessage:        j.ErrorMessage,
		TotalFilesToCopy:    j.TotalFilesToCopy,
		TotalFilesSize:      j.TotalFilesSize,
		NumberFilesLeftToDo: j.NumberFilesLeftToDo,
		Progress:            j.Progress,
	}
}

// RedactedJSON renders jobs without their paths. It never fails: an empty
// list renders as "[]".
func RedactedJSON(jobs []Job) []byte {
	public := make([]PublicJob, 0, len(jobs))
	for _, j := range jobs {
		public = append(public, j.Redact())
	}

	data, err := json.Marshal(public)
	if err != nil {
		return []byte("[]")
	}

	return data
}

// ComputeProgress returns floor((total-remaining)*100 / max(1,total)).
func ComputeProgress(total, remaining int) int {
	return (total - remaining) * 100 / max(1, total)
}

func (j *Job) Recompute() {
	j.Progress = ComputeProgress(j.TotalFilesToCopy, j.NumberFilesLeftToDo)
}
