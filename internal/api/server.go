// Package api exposes the HTTP interface for the lead crawler service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/leadforge/leadcrawler/internal/config"
	"github.com/leadforge/leadcrawler/internal/engine"
	"github.com/leadforge/leadcrawler/internal/metrics"
	"github.com/leadforge/leadcrawler/internal/planner"
	"github.com/leadforge/leadcrawler/internal/progress/sinks"
)

// Server wires HTTP handlers to the planner and stores.
type Server struct {
	router      chi.Router
	planner     *planner.Planner
	leads       engine.LeadStore
	subscribers *sinks.SubscriberSink
	ready       func() error
	log         *zap.Logger
}

// NewServer constructs a Server with middleware and routes. subscribers may
// be nil, in which case the events endpoint reports unavailable. ready may be
// nil; readyz then always succeeds.
func NewServer(
	pl *planner.Planner,
	leads engine.LeadStore,
	subscribers *sinks.SubscriberSink,
	registry *prometheus.Registry,
	cfg config.Config,
	ready func() error,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		planner:     pl,
		leads:       leads,
		subscribers: subscribers,
		ready:       ready,
		log:         logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if registry != nil {
		if httpMetrics, err := metrics.NewHTTPMetrics(registry); err != nil {
			logger.Warn("http metrics registration failed", zap.Error(err))
		} else {
			r.Use(httpMetrics.Middleware)
		}
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/custom", s.submitCustomJob)
			r.Post("/standard", s.submitStandardJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/status", s.getJobStatus)
				r.Get("/targets", s.listJobTargets)
				r.Get("/events", s.streamJobEvents)
				r.Post("/cancel", s.cancelJob)
			})
		})
		r.Get("/leads/{canonical_key}", s.getLead)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submitCustomJob(w http.ResponseWriter, r *http.Request) {
	var params engine.JobParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	s.submit(w, r, func() (engine.Job, error) {
		return s.planner.Submit(r.Context(), params)
	})
}

type standardJobRequest struct {
	Name string `json:"name"`
}

func (s *Server) submitStandardJob(w http.ResponseWriter, r *http.Request) {
	var req standardJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "missing job name")
		return
	}
	s.submit(w, r, func() (engine.Job, error) {
		return s.planner.SubmitStandard(r.Context(), req.Name)
	})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, run func() (engine.Job, error)) {
	job, err := run()
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
	case errors.Is(err, engine.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrCapacity):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		s.log.Error("job submission failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "job submission failed")
	}
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.planner.Status(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.log.Error("get job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) listJobTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.planner.Targets(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.log.Error("list targets failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list targets")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": targets})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.planner.Cancel(r.Context(), jobID); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.log.Error("cancel job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"job_id": jobID,
		"status": string(engine.JobStatusCancelled),
	})
}

func (s *Server) getLead(w http.ResponseWriter, r *http.Request) {
	lead, err := s.leads.Get(r.Context(), chi.URLParam(r, "canonical_key"))
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			writeError(w, http.StatusNotFound, "lead not found")
			return
		}
		s.log.Error("get lead failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load lead")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lead": lead})
}

// streamJobEvents serves progress events for one job as server-sent events.
// The stream ends when the job reaches a terminal stage or the client goes
// away.
func (s *Server) streamJobEvents(w http.ResponseWriter, r *http.Request) {
	if s.subscribers == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if _, err := s.planner.Status(r.Context(), jobID); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.log.Error("get job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	events, unsubscribe := s.subscribers.Subscribe(jobID, 64)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
