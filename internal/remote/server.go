package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"backupd/internal/logger"
	"backupd/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPort      = 8989
	writeTimeout     = 5 * time.Second
	defaultQueueSize = 64
)

// Registry is the job control surface exposed over the wire.
type Registry interface {
	Get(name string) (model.Job, bool)
	IsRunning(name string) bool
	Resumable(name string) bool
	Start(name string) error
	Resume(name string) error
	Pause(name string) error
	Stop(name string) error
}

// StateSource reads the persisted jobs state.
type StateSource interface {
	GetAll() ([]model.Job, error)
}

// CriticalGate reports whether a critical application currently blocks new
// job starts.
type CriticalGate interface {
	CriticalActive() bool
}

type session struct {
	id   uuid.UUID
	conn net.Conn

	// out is drained by the session writer. A full queue drops the session.
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(conn net.Conn, queueSize int) *session {
	return &session{
		id:   uuid.New(),
		conn: conn,
		out:  make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
}

// enqueue never blocks. It reports false when the session is closed or its
// client is not reading fast enough.
func (s *session) enqueue(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.out <- payload:
		return true
	default:
		return false
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

type Server struct {
	registry Registry
	states   StateSource
	gate     CriticalGate

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	group    *errgroup.Group

	sessMu    sync.Mutex
	sessions  map[uuid.UUID]*session
	queueSize int
}

func NewServer(registry Registry, states StateSource, gate CriticalGate) *Server {
	return &Server{
		registry:  registry,
		states:    states,
		gate:      gate,
		sessions:  make(map[uuid.UUID]*session),
		queueSize: defaultQueueSize,
	}
}

// Start listens on every interface at port.
func (s *Server) Start(port int) error {
	return s.Listen(fmt.Sprintf(":%d", port))
}

// Listen binds addr and spawns the accept loop. A stopped server can be
// started again.
func (s *Server) Listen(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return fmt.Errorf("remote server already listening on %s", s.listener.Addr())
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	s.listener = ln
	s.cancel = cancel
	s.group = g

	g.Go(func() error {
		s.accept(ctx, g, ln)
		return nil
	})

	logger.Log.Info("remote server started",
		zap.String("addr", ln.Addr().String()))

	return nil
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop cancels the accept loop and every session, then waits for them.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.listener == nil {
		s.mu.Unlock()
		return
	}

	s.cancel()
	_ = s.listener.Close()
	g := s.group
	s.listener = nil
	s.cancel = nil
	s.group = nil
	s.mu.Unlock()

	for _, sess := range s.snapshotSessions() {
		sess.close()
	}

	_ = g.Wait()

	logger.Log.Info("remote server stopped")
}

func (s *Server) accept(ctx context.Context, g *errgroup.Group, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}

			logger.Log.Error("accept error", zap.Error(err))

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}

			// A broken listener is closed; accepted sessions keep running.
			_ = ln.Close()
			return
		}

		s.attach(ctx, g, conn)
	}
}

// attach registers conn as a session and spawns its reader and writer.
func (s *Server) attach(ctx context.Context, g *errgroup.Group, conn net.Conn) *session {
	sess := newSession(conn, s.queueSize)
	s.addSession(sess)

	g.Go(func() error {
		s.write(sess)
		return nil
	})
	g.Go(func() error {
		s.serve(ctx, sess)
		return nil
	})

	return sess
}

func (s *Server) addSession(sess *session) {
	s.sessMu.Lock()
	s.sessions[sess.id] = sess
	s.sessMu.Unlock()

	logger.Log.Info("remote client connected",
		zap.String("session", sess.id.String()),
		zap.String("addr", sess.conn.RemoteAddr().String()))
}

func (s *Server) removeSession(sess *session) {
	s.sessMu.Lock()
	_, existed := s.sessions[sess.id]
	delete(s.sessions, sess.id)
	s.sessMu.Unlock()

	sess.close()

	if existed {
		logger.Log.Info("remote client disconnected",
			zap.String("session", sess.id.String()))
	}
}

func (s *Server) snapshotSessions() []*session {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()

	out := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}

	return out
}

// SessionCount is the number of connected clients.
func (s *Server) SessionCount() int {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	return len(s.sessions)
}

func (s *Server) serve(ctx context.Context, sess *session) {
	defer s.removeSession(sess)
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("remote session panicked",
				zap.String("session", sess.id.String()),
				zap.Any("panic", r))
		}
	}()

	stop := context.AfterFunc(ctx, sess.close)
	defer stop()

	reader := bufio.NewReader(sess.conn)
	for {
		payload, err := ReadFrame(reader)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				logger.Log.Debug("remote read ended",
					zap.String("session", sess.id.String()),
					zap.Error(err))
			}
			return
		}

		if len(payload) == 0 {
			continue
		}

		req := ParseRequest(string(payload))
		reply := s.Handle(req)

		logger.Log.Debug("remote request",
			zap.String("session", sess.id.String()),
			zap.String("request", req.String()),
			zap.String("reply", reply))

		if !sess.enqueue([]byte(reply)) {
			logger.Log.Warn("client not reading replies, dropping",
				zap.String("session", sess.id.String()))
			return
		}
	}
}

// write drains the session queue. Every frame gets its own deadline, so a
// stalled client is dropped instead of holding the writer forever.
func (s *Server) write(sess *session) {
	for {
		select {
		case <-sess.done:
			return
		case payload := <-sess.out:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := WriteFrame(sess.conn, payload); err != nil {
				logger.Log.Warn("failed to write to client, dropping",
					zap.String("session", sess.id.String()),
					zap.Error(err))
				s.removeSession(sess)
				return
			}
		}
	}
}

// Handle produces exactly one reply for req.
func (s *Server) Handle(req Request) string {
	switch req.Command {
	case CmdPing:
		return ReplyPong
	case CmdGetJobs:
		return string(s.jobsJSON())
	case CmdStartJob:
		return s.handleStart(req.Arg(0))
	case CmdResumeJob:
		return s.handleResume(req.Arg(0))
	case CmdPauseJob:
		return s.handlePause(req.Arg(0))
	case CmdStopJob:
		return s.handleStop(req.Arg(0))
	default:
		return Err("unknown command %q", req.Raw)
	}
}

func (s *Server) jobsJSON() []byte {
	if s.states == nil {
		return []byte("[]")
	}

	jobs, err := s.states.GetAll()
	if err != nil {
		logger.Log.Warn("unreadable jobs state, replying with empty list",
			zap.Error(err))
		return []byte("[]")
	}

	return model.RedactedJSON(jobs)
}

func (s *Server) lookup(name string) (model.Job, string) {
	if name == "" {
		return model.Job{}, Err("missing job name")
	}

	job, ok := s.registry.Get(name)
	if !ok {
		return model.Job{}, Err("job %s not found", name)
	}

	return job, ""
}

func (s *Server) handleStart(name string) string {
	job, errReply := s.lookup(name)
	if errReply != "" {
		return errReply
	}

	if job.State == model.JobStateWorking || s.registry.IsRunning(name) {
		return Err("job %s is already running", job.Name)
	}

	if s.gate != nil && s.gate.CriticalActive() {
		return Err("job %s not started: a critical application is running", job.Name)
	}

	if err := s.registry.Start(name); err != nil {
		return Err("job %s not started: %v", job.Name, err)
	}

	return OK("job %s started", job.Name)
}

func (s *Server) handleResume(name string) string {
	job, errReply := s.lookup(name)
	if errReply != "" {
		return errReply
	}

	if job.State != model.JobStatePaused && !s.registry.Resumable(name) {
		return Err("job %s cannot be resumed: state is %s", job.Name, job.State)
	}

	if err := s.registry.Resume(name); err != nil {
		return Err("job %s not resumed: %v", job.Name, err)
	}

	return OK("job %s resumed", job.Name)
}

func (s *Server) handlePause(name string) string {
	job, errReply := s.lookup(name)
	if errReply != "" {
		return errReply
	}

	if job.State != model.JobStateWorking {
		return Err("job %s cannot be paused: state is %s", job.Name, job.State)
	}

	if err := s.registry.Pause(name); err != nil {
		return Err("job %s not paused: %v", job.Name, err)
	}

	return OK("job %s pausing", job.Name)
}

func (s *Server) handleStop(name string) string {
	job, errReply := s.lookup(name)
	if errReply != "" {
		return errReply
	}

	paused := job.State == model.JobStatePaused || s.registry.Resumable(name)
	if job.State != model.JobStateWorking && !paused {
		return Err("job %s cannot be stopped: state is %s", job.Name, job.State)
	}

	if err := s.registry.Stop(name); err != nil {
		return Err("job %s not stopped: %v", job.Name, err)
	}

	return OK("job %s stopping", job.Name)
}

// Broadcast queues the redacted jobs snapshot for every connected client
// without blocking. A client whose queue is full is dropped; the others still
// receive it.
func (s *Server) Broadcast(jobs []model.Job) {
	sessions := s.snapshotSessions()
	if len(sessions) == 0 {
		return
	}

	payload := model.RedactedJSON(jobs)
	for _, sess := range sessions {
		if !sess.enqueue(payload) {
			logger.Log.Warn("client queue full, dropping",
				zap.String("session", sess.id.String()))
			s.removeSession(sess)
		}
	}
}

// OnJobChange adapts Broadcast to the job manager's change callback.
func (s *Server) OnJobChange(_ model.Job, all []model.Job) {
	s.Broadcast(all)
}
