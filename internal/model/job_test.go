package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeProgress(t *testing.T) {
	tests := []struct {
		total, remaining, want int
	}{
		{0, 0, 0},
		{3, 3, 0},
		{3, 2, 33},
		{3, 1, 66},
		{3, 0, 100},
		{10, 5, 50},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ComputeProgress(tt.total, tt.remaining), "total=%d remaining=%d", tt.total, tt.remaining)
	}
}

func TestParseJobType(t *testing.T) {
	jt, err := ParseJobType("FULL")
	require.NoError(t, err)
	assert.Equal(t, JobTypeFull, jt)

	jt, err = ParseJobType("differential")
	require.NoError(t, err)
	assert.Equal(t, JobTypeDiff, jt)

	_, err = ParseJobType("incremental")
	assert.Error(t, err)
}

func TestRedactedJSONHasNoPaths(t *testing.T) {
	jobs := []Job{{
		Name:             "Docs",
		SourceDirectory:  "/home/me/docs",
		TargetDirectory:  "/mnt/backup/docs",
		Type:             JobTypeFull,
		State:            JobStateWorking,
		TotalFilesToCopy: 3,
	}}

	data := RedactedJSON(jobs)
	assert.NotContains(t, string(data), "SourceDirectory")
	assert.NotContains(t, string(data), "TargetDirectory")
	assert.NotContains(t, string(data), "/home/me/docs")

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "Docs", decoded[0]["Name"])
	assert.Equal(t, "Working", decoded[0]["State"])
}

func TestRedactedJSONEmpty(t *testing.T) {
	assert.Equal(t, "[]", string(RedactedJSON(nil)))
}
