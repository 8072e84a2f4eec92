// SPDX-License-Identifier: MIT

// Package api exposes the HTTP surface: the probe endpoint with caching
// and coalescing, task CRUD, the task event stream and diagnostics.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lumina-dl/lumina/internal/config"
	"github.com/lumina-dl/lumina/internal/inflight"
	"github.com/lumina-dl/lumina/internal/infocache"
	"github.com/lumina-dl/lumina/internal/log"
	"github.com/lumina-dl/lumina/internal/probe"
	"github.com/lumina-dl/lumina/internal/task"
)

// staleInflightAge force-aborts a wedged probe leader when a new request
// arrives for the same URL.
const staleInflightAge = 90 * time.Second

// Deps are the services the server glues together.
type Deps struct {
	Config    config.AppConfig
	Prober    *probe.Prober
	Preflight *probe.Preflight // nil when the twitter preflight is disabled
	Tasks     *task.Manager
	Cache     *infocache.Cache
	Negative  *infocache.NegativeCache
	Inflight  *inflight.Registry
}

// Server carries the handler dependencies.
type Server struct {
	cfg       config.AppConfig
	prober    *probe.Prober
	preflight *probe.Preflight
	tasks     *task.Manager
	cache     *infocache.Cache
	negative  *infocache.NegativeCache
	inflight  *inflight.Registry
	log       zerolog.Logger
	startedAt time.Time

	// tick lets tests drive the SSE loop faster than 1 s.
	tick time.Duration
}

// New builds a server from its dependencies.
func New(d Deps) *Server {
	return &Server{
		cfg:       d.Config,
		prober:    d.Prober,
		preflight: d.Preflight,
		tasks:     d.Tasks,
		cache:     d.Cache,
		negative:  d.Negative,
		inflight:  d.Inflight,
		log:       log.WithComponent("api"),
		startedAt: time.Now(),
		tick:      time.Second,
	}
}

// Router assembles the routes behind the middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(requestIDMiddleware)
	r.Use(corsMiddleware)
	r.Use(securityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(s.loggingMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.With(httprate.LimitByIP(30, time.Minute)).Post("/info", s.handleInfo)

		r.Post("/tasks", s.handleCreateTask)
		r.Get("/tasks", s.handleListTasks)
		r.Post("/tasks/cleanup", s.handleCleanup)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Post("/tasks/{id}/cancel", s.handleCancelTask)
		r.Get("/tasks/{id}/log", s.handleTaskLog)

		r.Get("/stream_task", s.handleStreamTask)
		r.Get("/last_finished_file", s.handleLastFinishedFile)

		r.Get("/diag/version", s.handleDiagVersion)
		r.Get("/diag/proxy", s.handleDiagProxy)
		r.Get("/diag/tasks", s.handleDiagTasks)
	})

	// Removed in favor of the task API; kept so stale clients get a
	// useful upgrade hint instead of a 404.
	r.HandleFunc("/download", s.handleLegacyDownload)

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.cfg.Version,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleLegacyDownload(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusGone, map[string]any{
		"error":   "endpoint_removed",
		"message": "the synchronous /download endpoint is gone; create a task via POST /api/tasks and follow /api/stream_task",
	})
}
