package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"backupd/internal/model"
	"backupd/internal/repository"
	"backupd/internal/throttle"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHistory struct {
	events []model.BackupEvent
	limit  int
}

func (h *fakeHistory) GetRecent(limit int) ([]model.BackupEvent, error) {
	h.limit = limit
	return h.events, nil
}

func (h *fakeHistory) GetStats(jobName string) (repository.Stats, error) {
	return repository.Stats{Total: 2, Failed: 1, Bytes: 42}, nil
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	return rec
}

func TestServerJobLifecycle(t *testing.T) {
	src, dst := makeTree(t, 2, 10)
	m, _ := newTestManager(t, &fakeCopier{})
	s := NewServer(m, &fakeHistory{}, nil, 0)

	body := `{"name":"Docs","source":"` + jsonEscape(src) + `","target":"` + jsonEscape(dst) + `","type":"diff"}`
	rec := doRequest(t, s, http.MethodPost, "/jobs", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var job model.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, model.JobTypeDiff, job.Type)

	rec = doRequest(t, s, http.MethodPost, "/jobs", body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/jobs", `{"name":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/jobs/docs/start", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, m.Wait(context.Background(), "Docs"))

	rec = doRequest(t, s, http.MethodGet, "/jobs/Docs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, model.JobStateFinished, job.State)

	rec = doRequest(t, s, http.MethodPost, "/jobs/Docs/pause", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []model.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	assert.Len(t, jobs, 1)

	rec = doRequest(t, s, http.MethodGet, "/jobs/Docs/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats repository.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(42), stats.Bytes)

	rec = doRequest(t, s, http.MethodDelete, "/jobs/Docs", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, s, http.MethodDelete, "/jobs/Docs", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerStatus(t *testing.T) {
	m, _ := newTestManager(t, &fakeCopier{})
	ctl := throttle.NewController(throttle.Config{MaxParallel: 3}, nil)
	s := NewServer(m, nil, ctl, 0)

	rec := doRequest(t, s, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 3, status.Permits)
	assert.Equal(t, 3, status.MaxParallel)
	assert.Empty(t, status.Jobs)
}

func TestServerHistory(t *testing.T) {
	m, _ := newTestManager(t, &fakeCopier{})
	h := &fakeHistory{events: []model.BackupEvent{{JobName: "Docs", SourceFile: "/a", SizeBytes: 5}}}
	s := NewServer(m, h, nil, 0)

	rec := doRequest(t, s, http.MethodGet, "/history?n=7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7, h.limit)

	var events []model.BackupEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "Docs", events[0].JobName)

	doRequest(t, s, http.MethodGet, "/history?n=bogus", "")
	assert.Equal(t, 20, h.limit)
}

func TestServerStopSignals(t *testing.T) {
	m, _ := newTestManager(t, &fakeCopier{})
	s := NewServer(m, nil, nil, 0)

	rec := doRequest(t, s, http.MethodPost, "/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case <-s.StopCh():
	default:
		t.Fatal("stop was not signalled")
	}

	// A second request does not block.
	doRequest(t, s, http.MethodPost, "/stop", "")
	doRequest(t, s, http.MethodPost, "/stop", "")
}

func TestErrorStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, errorStatus(ErrJobNotFound))
	assert.Equal(t, http.StatusConflict, errorStatus(ErrAlreadyRunning))
	assert.Equal(t, http.StatusConflict, errorStatus(ErrJobBusy))
	assert.Equal(t, http.StatusBadRequest, errorStatus(ErrSourceMissing))
	assert.Equal(t, http.StatusInternalServerError, errorStatus(assert.AnError))
}

func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}
