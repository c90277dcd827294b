// Package api serves the jobs of a tool over HTTP.
//
// Every route below /v1/tool/{tool} is authenticated by the client
// certificate subject forwarded by the front proxy:
//
//   - GET    /v1/tool/{tool}/jobs/              list jobs
//   - POST   /v1/tool/{tool}/jobs/              create a job
//   - PUT    /v1/tool/{tool}/jobs/              create or update a job
//   - DELETE /v1/tool/{tool}/jobs/              delete every job
//   - GET    /v1/tool/{tool}/jobs/{name}        show a job
//   - DELETE /v1/tool/{tool}/jobs/{name}        delete a job
//   - POST   /v1/tool/{tool}/jobs/{name}/restart
//   - GET    /v1/tool/{tool}/jobs/{name}/logs   stream logs, one JSON entry per line
//   - GET    /v1/tool/{tool}/images/
//   - GET    /v1/tool/{tool}/quotas/
//
// Errors are answered as {"error": message, "data": {...}}.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"

	"github.com/chambrid/jobs-api/internal/runtime/k8s"
	"github.com/chambrid/jobs-api/pkg/images"
	"github.com/chambrid/jobs-api/pkg/jobs"
)

// BuildInfo contains build-time information
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// Config holds API server configuration
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns default API server configuration. There is no
// write timeout, log streams may follow for a long time.
func DefaultConfig() *Config {
	return &Config{
		Addr:        "0.0.0.0:8000",
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
}

// JobService is what the handlers need from the core.
type JobService interface {
	GetJobs(ctx context.Context, tool string) ([]*jobs.Job, error)
	GetJob(ctx context.Context, tool, name string) (*jobs.Job, error)
	CreateJob(ctx context.Context, job *jobs.Job) (*jobs.Job, error)
	UpdateJob(ctx context.Context, job *jobs.Job) (string, error)
	DeleteJob(ctx context.Context, tool, name string) error
	FlushJobs(ctx context.Context, tool string) error
	RestartJob(ctx context.Context, tool, name string) error
	GetLogs(ctx context.Context, tool, name string, follow bool, lines string, emit func(k8s.LogEntry) error) error
	GetImages(ctx context.Context, tool string) ([]images.Image, error)
	GetQuotas(ctx context.Context, tool string) ([]jobs.QuotaData, error)
}

// ImageResolver turns the image name of a request into an image.
type ImageResolver interface {
	Resolve(ctx context.Context, tool, ref string, mustExist bool) (images.Image, error)
}

// Server represents the API server
type Server struct {
	config    *Config
	buildInfo BuildInfo
	service   JobService
	images    ImageResolver
	defaults  jobs.ResourceDefaults
	metrics   *HTTPMetrics
	logger    logr.Logger

	httpServer *http.Server
}

// Options wires a Server.
type Options struct {
	Config    *Config
	BuildInfo BuildInfo
	Service   JobService
	Images    ImageResolver
	Defaults  jobs.ResourceDefaults
	// Metrics may be nil to skip request metrics
	Metrics *HTTPMetrics
	Logger  logr.Logger
}

// NewServer creates a new API server instance
func NewServer(opts Options) *Server {
	config := opts.Config
	if config == nil {
		config = DefaultConfig()
	}
	return &Server{
		config:    config,
		buildInfo: opts.BuildInfo,
		service:   opts.Service,
		images:    opts.Images,
		defaults:  opts.Defaults,
		metrics:   opts.Metrics,
		logger:    opts.Logger.WithName("api"),
	}
}

// Router returns the handler serving every route.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.withLogging)
	if s.metrics != nil {
		r.Use(s.metrics.middleware)
	}

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1/tool/{tool}", func(r chi.Router) {
		r.Use(s.withToolAuth)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Post("/", s.handleCreateJob)
			r.Put("/", s.handleUpdateJob)
			r.Delete("/", s.handleFlushJobs)
			r.Get("/{name}", s.handleGetJob)
			r.Delete("/{name}", s.handleDeleteJob)
			r.Post("/{name}/restart", s.handleRestartJob)
			r.Get("/{name}/logs", s.handleGetJobLogs)
		})
		r.Get("/images/", s.handleListImages)
		r.Get("/quotas/", s.handleGetQuotas)
	})

	return r
}

// Start starts the API server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info("starting API server", "addr", s.httpServer.Addr, "version", s.buildInfo.Version)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the API server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping API server")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// withLogging adds request logging middleware
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(rw, r)

		s.logger.V(1).Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.Status(),
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error(err, "failed to encode JSON response")
	}
}

// writeError answers err with its mapped status. Messages of errors that
// are not typed are hidden.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := jobs.HTTPStatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(err, "request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()))
	}
	s.writeJSON(w, status, jobs.SummarizeError(err))
}
