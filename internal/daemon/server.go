package daemon

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"backupd/internal/logger"
	"backupd/internal/model"
	"backupd/internal/repository"
	"backupd/internal/throttle"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

type HistorySource interface {
	GetRecent(limit int) ([]model.BackupEvent, error)
	GetStats(jobName string) (repository.Stats, error)
}

// Server is the local admin API used by the CLI.
type Server struct {
	echo     *echo.Echo
	manager  *JobManager
	history  HistorySource
	throttle *throttle.Controller
	port     int
	stopCh   chan struct{}
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Jobs           []model.Job `json:"jobs"`
	Permits        int         `json:"permits"`
	MaxParallel    int         `json:"max_parallel"`
	DownKbps       float64     `json:"down_kbps"`
	UpKbps         float64     `json:"up_kbps"`
	CriticalActive bool        `json:"critical_active"`
}

func NewServer(manager *JobManager, history HistorySource, ctl *throttle.Controller, port int) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:     e,
		manager:  manager,
		history:  history,
		throttle: ctl,
		port:     port,
		stopCh:   make(chan struct{}, 1),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) registerRoutes() {
	// For the entire daemon
	s.echo.GET("/status", s.handleStatus)
	s.echo.POST("/stop", s.handleStop)

	// For a specific job
	g := s.echo.Group("/jobs")
	g.GET("", s.handleListJobs)
	g.POST("", s.handleAddJob)
	g.GET("/:name", s.handleGetJob)
	g.GET("/:name/stats", s.handleJobStats)
	g.DELETE("/:name", s.handleRemoveJob)
	g.POST("/:name/start", s.handleStartJob)
	g.POST("/:name/pause", s.handlePauseJob)
	g.POST("/:name/resume", s.handleResumeJob)
	g.POST("/:name/stop", s.handleStopJob)

	// History
	s.echo.GET("/history", s.handleHistory)
}

func (s *Server) Start() {
	go func() {
		addr := ":" + strconv.Itoa(s.port)
		logger.Log.Info("daemon server started",
			zap.String("addr", addr))

		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("daemon server error", zap.Error(err))
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	s.manager.StopAll(ctx)
	return s.echo.Shutdown(ctx)
}

func (s *Server) StopCh() <-chan struct{} {
	return s.stopCh
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrJobExists),
		errors.Is(err, ErrAlreadyRunning),
		errors.Is(err, ErrNotRunning),
		errors.Is(err, ErrNotPaused),
		errors.Is(err, ErrJobBusy):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidJob), errors.Is(err, ErrSourceMissing):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func jsonError(c echo.Context, err error) error {
	return c.JSON(errorStatus(err), map[string]string{"error": err.Error()})
}

func (s *Server) handleStatus(c echo.Context) error {
	resp := StatusResponse{Jobs: s.manager.List()}
	if s.throttle != nil {
		last := s.throttle.Last()
		resp.Permits = s.throttle.Permits()
		resp.MaxParallel = s.throttle.MaxParallel()
		resp.DownKbps = last.DownKbps
		resp.UpKbps = last.UpKbps
		resp.CriticalActive = last.CriticalProcessActive
	}

	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStop(c echo.Context) error {
	select {
	case s.stopCh <- struct{}{}:
	default:
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleListJobs(c echo.Context) error {
	return c.JSON(http.StatusOK, s.manager.List())
}

func (s *Server) handleGetJob(c echo.Context) error {
	job, ok := s.manager.Get(c.Param("name"))
	if !ok {
		return jsonError(c, ErrJobNotFound)
	}

	return c.JSON(http.StatusOK, job)
}

func (s *Server) handleJobStats(c echo.Context) error {
	job, ok := s.manager.Get(c.Param("name"))
	if !ok {
		return jsonError(c, ErrJobNotFound)
	}

	var stats repository.Stats
	if s.history != nil {
		var err error
		if stats, err = s.history.GetStats(job.Name); err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
	}

	return c.JSON(http.StatusOK, stats)
}

type addJobRequest struct {
	Name   string `json:"name"`
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

func (s *Server) handleAddJob(c echo.Context) error {
	var req addJobRequest
	if err := c.Bind(&req); err != nil || req.Name == "" || req.Source == "" || req.Target == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "name, source and target required"})
	}

	if req.Type == "" {
		req.Type = string(model.JobTypeFull)
	}

	jobType, err := model.ParseJobType(req.Type)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	job, err := s.manager.Create(req.Name, req.Source, req.Target, jobType)
	if err != nil {
		return jsonError(c, err)
	}

	return c.JSON(http.StatusCreated, job)
}

func (s *Server) handleRemoveJob(c echo.Context) error {
	if err := s.manager.StopAndDelete(c.Request().Context(), c.Param("name")); err != nil {
		return jsonError(c, err)
	}

	return c.NoContent(http.StatusNoContent)
}

func (s *Server) jobAction(c echo.Context, action func(string) error, status string) error {
	name := c.Param("name")
	if err := action(name); err != nil {
		return jsonError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]string{"job": name, "status": status})
}

func (s *Server) handleStartJob(c echo.Context) error {
	return s.jobAction(c, s.manager.Start, "started")
}

func (s *Server) handlePauseJob(c echo.Context) error {
	return s.jobAction(c, s.manager.Pause, "pausing")
}

func (s *Server) handleResumeJob(c echo.Context) error {
	return s.jobAction(c, s.manager.Resume, "resumed")
}

func (s *Server) handleStopJob(c echo.Context) error {
	return s.jobAction(c, s.manager.Stop, "stopping")
}

func (s *Server) handleHistory(c echo.Context) error {
	if s.history == nil {
		return c.JSON(http.StatusOK, []model.BackupEvent{})
	}

	n := 20
	if nStr := c.QueryParam("n"); nStr != "" {
		if parsed, err := strconv.Atoi(nStr); err == nil && parsed > 0 {
			n = parsed
		}
	}

	events, err := s.history.GetRecent(n)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, events)
}
