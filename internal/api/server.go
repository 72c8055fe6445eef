// Package api exposes the job engine over HTTP: enqueue returns 202 with
// the persisted job, queries read the store, and /api/events streams live
// updates over SSE.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"netboot-jobqueue/internal/config"
	"netboot-jobqueue/internal/events"
	"netboot-jobqueue/internal/jobs"
	"netboot-jobqueue/internal/models"
	"netboot-jobqueue/internal/ratelimit"
	"netboot-jobqueue/internal/store"
	"netboot-jobqueue/internal/telemetry"
)

// Server wires the HTTP handlers for the job engine.
type Server struct {
	cfg     config.Config
	st      store.Store
	svc     *jobs.Service
	broker  *events.Broker
	limiter *ratelimit.SourceLimiter
}

// New constructs the API server. limiter may be nil to disable rate
// limiting (tests).
func New(cfg config.Config, st store.Store, svc *jobs.Service, broker *events.Broker, limiter *ratelimit.SourceLimiter) *Server {
	return &Server{
		cfg:     cfg,
		st:      st,
		svc:     svc,
		broker:  broker,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs", s.handleEnqueue)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/logs", s.handleListLogs)
		r.Get("/events", s.handleEvents)
	})
	return r
}

type enqueueResponse struct {
	JobID string     `json:"job_id"`
	Job   models.Job `json:"job"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var spec jobs.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	// Auth is handled upstream; the acting principal arrives as a header.
	if actor := r.Header.Get("X-Actor"); actor != "" && spec.CreatedBy == nil {
		spec.CreatedBy = &actor
	}

	if s.limiter != nil {
		source := jobs.NormalizeSource(spec.Source, spec.CreatedBy)
		allowed, _, err := s.limiter.Allow(r.Context(), source)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, err := s.svc.Enqueue(r.Context(), spec)
	if err != nil {
		if jobs.IsValidation(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}

	telemetry.JobsEnqueued.Inc()
	writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: job.ID, Job: job})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.st.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	list, err := s.st.ListJobs(r.Context(), store.ListFilter{
		Status:   q.Get("status"),
		Category: q.Get("category"),
		Type:     q.Get("type"),
		Source:   q.Get("source"),
		TargetID: q.Get("target_id"),
		Limit:    limit,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.st.GetJob(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := s.st.ListLogs(r.Context(), id, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if logs == nil {
		logs = []models.JobLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
