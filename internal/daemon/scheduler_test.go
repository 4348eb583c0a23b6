package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"backupd/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerAdd(t *testing.T) {
	src, dst := makeTree(t, 1, 10)
	m, _ := newTestManager(t, &fakeCopier{})
	_, err := m.Create("Docs", src, dst, model.JobTypeFull)
	require.NoError(t, err)

	s := NewScheduler(m)

	assert.ErrorIs(t, s.Add("Other", "@daily"), ErrJobNotFound)
	assert.Error(t, s.Add("Docs", "not a schedule"))

	require.NoError(t, s.Add("Docs", "0 2 * * *"))
	require.NoError(t, s.Add("docs", "@hourly"))
	assert.Equal(t, 1, s.Len())

	s.Remove("DOCS")
	assert.Equal(t, 0, s.Len())
}

func TestSchedulerFireStartsJob(t *testing.T) {
	src, dst := makeTree(t, 2, 10)
	copier := newBlockingCopier(1)
	m, _ := newTestManager(t, copier)
	_, err := m.Create("Docs", src, dst, model.JobTypeFull)
	require.NoError(t, err)

	s := NewScheduler(m)
	s.fire("Docs")
	<-copier.started
	assert.True(t, m.IsRunning("Docs"))

	// A firing during a run is skipped.
	s.fire("Docs")

	close(copier.release)
	require.NoError(t, m.Wait(context.Background(), "Docs"))

	job, _ := m.Get("Docs")
	assert.Equal(t, model.JobStateFinished, job.State)
	assert.Len(t, copier.Calls(), 2)
}

func TestSchedulerRunsOnSchedule(t *testing.T) {
	src, dst := makeTree(t, 1, 10)
	m, _ := newTestManager(t, &fakeCopier{})
	_, err := m.Create("Docs", src, dst, model.JobTypeFull)
	require.NoError(t, err)

	s := NewScheduler(m)
	require.NoError(t, s.Add("Docs", "@every 1s"))
	s.Start()
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool {
		job, _ := m.Get("Docs")
		return job.State == model.JobStateFinished
	}, 5*time.Second, 20*time.Millisecond)

	_, err = os.Stat(filepath.Join(dst, "file00.txt"))
	assert.NoError(t, err)
}
