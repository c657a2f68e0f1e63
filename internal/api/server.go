package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/pavan-kumar-miq/tableau-ppt-export/internal/config"
	"github.com/pavan-kumar-miq/tableau-ppt-export/internal/observability"
	"github.com/pavan-kumar-miq/tableau-ppt-export/internal/queue"
	"github.com/pavan-kumar-miq/tableau-ppt-export/pkg/reportapi"
)

// Server is the thin HTTP edge: it validates submissions, forwards them to
// the queue and reads job state back out. All report work happens in the
// worker.
type Server struct {
	store       queue.Store
	worker      *queue.Worker
	registry    *config.Registry
	maxAttempts int
}

func NewServer(store queue.Store, worker *queue.Worker, registry *config.Registry, maxAttempts int) *Server {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Server{store: store, worker: worker, registry: registry, maxAttempts: maxAttempts}
}

// Echo builds the router. The instance is returned so main controls
// startup and shutdown.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	jobs := e.Group("/api/v1/jobs")
	jobs.POST("", s.submitJob)
	jobs.GET("/queue/stats", s.queueStats)
	jobs.POST("/queue/cleanup", s.queueCleanup)
	jobs.GET("/:jobId", s.getJob)
	jobs.POST("/:jobId/retry", s.retryJob)

	e.GET("/health", s.health)
	e.GET("/health/live", s.healthLive)
	e.GET("/health/ready", s.healthReady)
	e.GET("/metrics", s.metrics)

	return e
}

func (s *Server) submitJob(c echo.Context) error {
	var req reportapi.SubmitJobRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, reportapi.ErrorResponse{Error: "ValidationError", Message: "invalid request body"})
	}
	req.UseCase = strings.TrimSpace(req.UseCase)
	req.Email = strings.TrimSpace(req.Email)
	if req.UseCase == "" || req.Email == "" {
		return c.JSON(http.StatusBadRequest, reportapi.ErrorResponse{Error: "ValidationError", Message: "useCase and email are required"})
	}
	if !strings.Contains(req.Email, "@") {
		return c.JSON(http.StatusBadRequest, reportapi.ErrorResponse{Error: "ValidationError", Message: "email is not valid"})
	}
	if _, err := s.registry.UseCaseMeta(req.UseCase); err != nil {
		return c.JSON(http.StatusBadRequest, reportapi.ErrorResponse{Error: "UseCaseNotFound", Message: err.Error()})
	}

	id, err := s.store.Enqueue(c.Request().Context(), queue.Payload{
		UseCase:   req.UseCase,
		Recipient: req.Email,
		Filters:   req.Filters,
	}, s.maxAttempts)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, reportapi.ErrorResponse{Error: "InternalError", Message: err.Error()})
	}
	return c.JSON(http.StatusAccepted, reportapi.SubmitJobResponse{
		Message: "Report generation queued",
		JobID:   id,
	})
}

func (s *Server) getJob(c echo.Context) error {
	id := c.Param("jobId")
	job, ok, err := s.store.GetJob(c.Request().Context(), id)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, reportapi.ErrorResponse{Error: "InternalError", Message: err.Error()})
	}
	if !ok {
		return c.JSON(http.StatusNotFound, reportapi.ErrorResponse{Error: "NotFound", Message: "job " + id + " not found"})
	}
	return c.JSON(http.StatusOK, jobStatusResponse(job))
}

func jobStatusResponse(job *queue.Job) reportapi.JobStatusResponse {
	return reportapi.JobStatusResponse{
		JobID:        job.ID,
		Status:       publicStatus(job.State),
		Attempts:     job.AttemptsMade,
		MaxAttempts:  job.MaxAttempts,
		CreatedAt:    formatTime(job.CreatedAt),
		ProcessedOn:  formatTime(job.ProcessedOn),
		FinishedOn:   formatTime(job.FinishedOn),
		FailedReason: job.FailedReason,
		Result:       job.Result,
	}
}

// publicStatus collapses internal queue states into the API vocabulary.
func publicStatus(state string) string {
	switch state {
	case queue.StateWaiting, queue.StateDelayed:
		return "pending"
	case queue.StateActive:
		return "processing"
	case queue.StateCompleted:
		return "completed"
	case queue.StateFailed:
		return "failed"
	default:
		return "pending"
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func (s *Server) queueStats(c echo.Context) error {
	stats, err := s.store.Stats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, reportapi.ErrorResponse{Error: "InternalError", Message: err.Error()})
	}
	return c.JSON(http.StatusOK, reportapi.QueueStatsResponse{
		Stats:     s.statsPayload(stats),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) statsPayload(stats queue.Stats) reportapi.QueueStats {
	concurrency := 0
	running := false
	if s.worker != nil {
		concurrency = s.worker.Concurrency()
		running = s.worker.Running()
	}
	return reportapi.QueueStats{
		Waiting:   stats.Waiting,
		Active:    stats.Active,
		Completed: stats.Completed,
		Failed:    stats.Failed,
		Delayed:   stats.Delayed,
		Total:     stats.Total(),
		Config: reportapi.QueueStatsConfig{
			Concurrency:   concurrency,
			MaxAttempts:   s.maxAttempts,
			WorkerRunning: running,
		},
	}
}

func (s *Server) queueCleanup(c echo.Context) error {
	requeued := 0
	if s.worker != nil {
		n, err := s.worker.RequeueStalledNow(c.Request().Context())
		if err != nil {
			return c.JSON(http.StatusInternalServerError, reportapi.ErrorResponse{Error: "InternalError", Message: err.Error()})
		}
		requeued = n
	}
	return c.JSON(http.StatusOK, reportapi.CleanupResponse{
		Message:  "stalled job check completed",
		Requeued: requeued,
	})
}

func (s *Server) retryJob(c echo.Context) error {
	id := c.Param("jobId")
	err := s.store.RetryJob(c.Request().Context(), id)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, reportapi.RetryJobResponse{Message: "job requeued", JobID: id})
	case errors.Is(err, queue.ErrNotFound):
		return c.JSON(http.StatusNotFound, reportapi.ErrorResponse{Error: "NotFound", Message: "job " + id + " not found"})
	case errors.Is(err, queue.ErrNotFailed):
		return c.JSON(http.StatusConflict, reportapi.ErrorResponse{Error: "InvalidState", Message: "only failed jobs can be retried"})
	default:
		return c.JSON(http.StatusInternalServerError, reportapi.ErrorResponse{Error: "InternalError", Message: err.Error()})
	}
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, reportapi.HealthResponse{Status: "ok"})
}

func (s *Server) healthLive(c echo.Context) error {
	return c.JSON(http.StatusOK, reportapi.HealthResponse{Status: "alive"})
}

// healthReady requires a working queue: readiness means we can both accept
// and eventually run jobs.
func (s *Server) healthReady(c echo.Context) error {
	if _, err := s.store.Stats(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, reportapi.HealthResponse{Status: "unavailable", Detail: err.Error()})
	}
	return c.JSON(http.StatusOK, reportapi.HealthResponse{Status: "ready"})
}

func (s *Server) metrics(c echo.Context) error {
	return c.String(http.StatusOK, observability.Default.RenderPrometheus())
}
