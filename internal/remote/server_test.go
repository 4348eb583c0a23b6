package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"backupd/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type fakeRegistry struct {
	mu        sync.Mutex
	jobs      map[string]model.Job
	resumable map[string]bool
	calls     []string
}

func newFakeRegistry(jobs ...model.Job) *fakeRegistry {
	r := &fakeRegistry{jobs: map[string]model.Job{}, resumable: map[string]bool{}}
	for _, j := range jobs {
		r.jobs[j.Name] = j
	}
	return r
}

func (r *fakeRegistry) Get(name string) (model.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[name]
	return j, ok
}

func (r *fakeRegistry) IsRunning(name string) bool {
	j, _ := r.Get(name)
	return j.State == model.JobStateWorking
}

func (r *fakeRegistry) Resumable(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resumable[name]
}

func (r *fakeRegistry) record(call, name string, state model.JobState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call+" "+name)
	j := r.jobs[name]
	j.State = state
	r.jobs[name] = j
	return nil
}

func (r *fakeRegistry) Start(name string) error  { return r.record("start", name, model.JobStateWorking) }
func (r *fakeRegistry) Resume(name string) error { return r.record("resume", name, model.JobStateWorking) }
func (r *fakeRegistry) Pause(name string) error  { return r.record("pause", name, model.JobStateStopped) }
func (r *fakeRegistry) Stop(name string) error   { return r.record("stop", name, model.JobStateStopped) }

func (r *fakeRegistry) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeStates struct {
	jobs []model.Job
	err  error
}

func (s fakeStates) GetAll() ([]model.Job, error) {
	return s.jobs, s.err
}

type fakeGate bool

func (g fakeGate) CriticalActive() bool { return bool(g) }

func sampleJobs() []model.Job {
	return []model.Job{
		{Name: "Docs", SourceDirectory: "/home/me/docs", TargetDirectory: "/mnt/docs", Type: model.JobTypeFull, State: model.JobStateIdle},
		{Name: "Photos", SourceDirectory: "/home/me/pics", TargetDirectory: "/mnt/pics", Type: model.JobTypeDiff, State: model.JobStateWorking},
	}
}

func startServer(t *testing.T, s *Server) string {
	t.Helper()
	require.NoError(t, s.Listen("127.0.0.1:0"))
	t.Cleanup(s.Stop)
	return s.Addr().String()
}

func dial(t *testing.T, addr string) *Client {
	t.Helper()
	c, err := Dial(addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestServerPing(t *testing.T) {
	s := NewServer(newFakeRegistry(), fakeStates{}, nil)
	c := dial(t, startServer(t, s))

	reply, err := c.Do("PING")
	require.NoError(t, err)
	assert.Equal(t, "PONG", reply)
}

func TestServerGetJobsIsRedacted(t *testing.T) {
	jobs := sampleJobs()
	s := NewServer(newFakeRegistry(jobs...), fakeStates{jobs: jobs}, nil)
	c := dial(t, startServer(t, s))

	reply, err := c.Do("GET_JOBS")
	require.NoError(t, err)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal([]byte(reply), &decoded))
	require.Len(t, decoded, 2)
	for _, j := range decoded {
		assert.NotContains(t, j, "SourceDirectory")
		assert.NotContains(t, j, "TargetDirectory")
	}

	public, err := c.Jobs()
	require.NoError(t, err)
	assert.Equal(t, "Photos", public[1].Name)
}

func TestServerGetJobsUnreadableState(t *testing.T) {
	s := NewServer(newFakeRegistry(), fakeStates{err: errors.New("corrupt")}, nil)
	assert.Equal(t, "[]", s.Handle(ParseRequest("GET_JOBS")))
}

func TestServerEmptyFrameGetsNoReply(t *testing.T) {
	s := NewServer(newFakeRegistry(), fakeStates{}, nil)
	addr := startServer(t, s)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, WriteFrame(conn, nil))
	require.NoError(t, WriteFrame(conn, []byte("PING")))

	// The first reply read is the one for PING.
	reply, err := ReadFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, "PONG", string(reply))

	_ = conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, err = ReadFrame(conn)
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
}

func TestServerUnknownCommand(t *testing.T) {
	s := NewServer(newFakeRegistry(), fakeStates{}, nil)
	c := dial(t, startServer(t, s))

	reply, err := c.Do("DANCE now")
	require.NoError(t, err)
	assert.True(t, IsError(reply))
	assert.Contains(t, reply, "DANCE")

	// The session stays usable.
	reply, err = c.Do("PING")
	require.NoError(t, err)
	assert.Equal(t, "PONG", reply)
}

func TestServerJobCommands(t *testing.T) {
	reg := newFakeRegistry(sampleJobs()...)
	s := NewServer(reg, fakeStates{}, fakeGate(false))

	assert.True(t, IsError(s.Handle(ParseRequest("START_JOB"))))
	assert.True(t, IsError(s.Handle(ParseRequest("START_JOB Nope"))))
	assert.True(t, IsError(s.Handle(ParseRequest("START_JOB Photos"))), "already running")
	assert.True(t, IsError(s.Handle(ParseRequest("PAUSE_JOB Docs"))), "not working")
	assert.True(t, IsError(s.Handle(ParseRequest("RESUME_JOB Docs"))), "not paused")
	assert.True(t, IsError(s.Handle(ParseRequest("STOP_JOB Docs"))), "idle")

	assert.Equal(t, "OK job Docs started", s.Handle(ParseRequest("start_job Docs")))
	assert.Equal(t, "OK job Docs pausing", s.Handle(ParseRequest("PAUSE_JOB Docs")))

	reg.mu.Lock()
	reg.resumable["Docs"] = true
	reg.mu.Unlock()

	assert.Equal(t, "OK job Docs resumed", s.Handle(ParseRequest("RESUME_JOB Docs")))
	assert.Equal(t, "OK job Docs stopping", s.Handle(ParseRequest("STOP_JOB Docs")))

	assert.Equal(t, []string{"start Docs", "pause Docs", "resume Docs", "stop Docs"}, reg.Calls())
}

func TestServerStartBlockedByCriticalApp(t *testing.T) {
	reg := newFakeRegistry(sampleJobs()...)
	s := NewServer(reg, fakeStates{}, fakeGate(true))

	reply := s.Handle(ParseRequest("START_JOB Docs"))
	assert.True(t, IsError(reply))
	assert.Contains(t, reply, "critical")
	assert.Empty(t, reg.Calls())
}

func TestServerBroadcast(t *testing.T) {
	jobs := sampleJobs()
	s := NewServer(newFakeRegistry(jobs...), fakeStates{jobs: jobs}, nil)
	addr := startServer(t, s)

	a := dial(t, addr)
	b := dial(t, addr)

	// Round trips guarantee both sessions are registered.
	_, err := a.Do("PING")
	require.NoError(t, err)
	_, err = b.Do("PING")
	require.NoError(t, err)
	require.Equal(t, 2, s.SessionCount())

	s.OnJobChange(jobs[0], jobs)

	for _, c := range []*Client{a, b} {
		payload, err := c.Receive()
		require.NoError(t, err)
		assert.JSONEq(t, string(model.RedactedJSON(jobs)), payload)
	}
}

func TestServerDropsDisconnectedClient(t *testing.T) {
	s := NewServer(newFakeRegistry(), fakeStates{}, nil)
	addr := startServer(t, s)

	c, err := Dial(addr, time.Second)
	require.NoError(t, err)
	_, err = c.Do("PING")
	require.NoError(t, err)
	require.Equal(t, 1, s.SessionCount())

	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool { return s.SessionCount() == 0 }, time.Second, 5*time.Millisecond)
}

func attachPipe(t *testing.T, s *Server, g *errgroup.Group, ctx context.Context) net.Conn {
	t.Helper()
	server, client := net.Pipe()
	s.attach(ctx, g, server)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestServerDropsClientThatNeverReads(t *testing.T) {
	jobs := sampleJobs()
	s := NewServer(newFakeRegistry(jobs...), fakeStates{jobs: jobs}, nil)
	s.queueSize = 4

	g, ctx := errgroup.WithContext(context.Background())
	t.Cleanup(func() { _ = g.Wait() })

	client := attachPipe(t, s, g, ctx)
	require.Equal(t, 1, s.SessionCount())

	go func() {
		for range 100 {
			if err := WriteFrame(client, []byte("GET_JOBS")); err != nil {
				return
			}
		}
	}()

	assert.Eventually(t, func() bool { return s.SessionCount() == 0 }, 2*time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Broadcast(jobs)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked")
	}
}

func TestServerBroadcastDropsOnlyStalledClient(t *testing.T) {
	jobs := sampleJobs()
	s := NewServer(newFakeRegistry(jobs...), fakeStates{jobs: jobs}, nil)
	s.queueSize = 2

	g, ctx := errgroup.WithContext(context.Background())
	t.Cleanup(func() { _ = g.Wait() })

	_ = attachPipe(t, s, g, ctx)
	healthy := attachPipe(t, s, g, ctx)
	require.Equal(t, 2, s.SessionCount())

	want := string(model.RedactedJSON(jobs))
	for range 5 {
		done := make(chan struct{})
		go func() {
			s.Broadcast(jobs)
			close(done)
		}()

		_ = healthy.SetReadDeadline(time.Now().Add(time.Second))
		payload, err := ReadFrame(healthy)
		require.NoError(t, err)
		assert.JSONEq(t, want, string(payload))

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("broadcast blocked")
		}
	}

	assert.Eventually(t, func() bool { return s.SessionCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestServerStopAndRestart(t *testing.T) {
	s := NewServer(newFakeRegistry(), fakeStates{}, nil)
	require.NoError(t, s.Listen("127.0.0.1:0"))
	assert.Error(t, s.Listen("127.0.0.1:0"), "already listening")

	c, err := Dial(s.Addr().String(), time.Second)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Do("PING")
	require.NoError(t, err)

	s.Stop()
	assert.Nil(t, s.Addr())
	assert.Equal(t, 0, s.SessionCount())

	_, err = c.Do("PING")
	assert.Error(t, err)

	require.NoError(t, s.Listen("127.0.0.1:0"))
	defer s.Stop()

	c2 := dial(t, s.Addr().String())
	reply, err := c2.Do("PING")
	require.NoError(t, err)
	assert.Equal(t, "PONG", reply)
}
