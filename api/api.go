// Package api exposes the control plane over HTTP: job submission and
// inspection, cancellation, redrive, fleet listing, schedule
// management, and live job watching via server-sent events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/sshnaidm/directord"
	"github.com/sshnaidm/directord/engine"
)

// API serves the HTTP control surface for an engine.
type API struct {
	eng    *engine.Engine
	logger *slog.Logger
}

// Option configures an API.
type Option func(*API)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.logger = l
		}
	}
}

// New creates an API around an engine.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{eng: eng, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(a.logRequests)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", a.health)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", a.submitJob)
			r.Get("/", a.listJobs)
			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", a.getJob)
				r.Delete("/", a.cancelJob)
				r.Post("/redrive", a.redriveJob)
				r.Get("/failed", a.listFailedTasks)
				r.Get("/watch", a.watchJob)
			})
		})
		r.Post("/tasks/{taskID}/redrive", a.redriveTask)
		r.Get("/fleet", a.listFleet)
		r.Delete("/fleet/{target}/cache", a.invalidateTarget)
		r.Route("/schedules", func(r chi.Router) {
			r.Post("/", a.createSchedule)
			r.Get("/", a.listSchedules)
			r.Patch("/{scheduleID}", a.updateSchedule)
			r.Delete("/{scheduleID}", a.deleteSchedule)
		})
	})

	return r
}

// logRequests is a slog variant of chi's request logger.
func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"elapsed", time.Since(start),
		)
	})
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.eng.Director().Store().Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ── Response helpers ────────────────────────────────

type errorBody struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, errorBody{Error: err.Error()})
}

// respondDomainError maps domain errors onto HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, directord.ErrJobNotFound),
		errors.Is(err, directord.ErrTaskNotFound),
		errors.Is(err, directord.ErrResultNotFound),
		errors.Is(err, directord.ErrScheduleNotFound):
		status = http.StatusNotFound
	case errors.Is(err, directord.ErrJobFinished),
		errors.Is(err, directord.ErrStateConflict),
		errors.Is(err, directord.ErrNotRedrivable),
		errors.Is(err, directord.ErrDuplicateSchedule):
		status = http.StatusConflict
	case errors.Is(err, directord.ErrNoSteps),
		errors.Is(err, directord.ErrNoTargets),
		errors.Is(err, directord.ErrEmptyPayload):
		status = http.StatusBadRequest
	}
	respondError(w, status, err)
}
