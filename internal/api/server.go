package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"commerce-outbox/internal/config"
	"commerce-outbox/internal/models"
	"commerce-outbox/internal/ratelimit"
	"commerce-outbox/internal/reconcile"
	"commerce-outbox/internal/store"
	"commerce-outbox/internal/telemetry"
)

// Manual reconciliation triggers refill at one token per merchant per hour.
const manualTriggerRefill = 1.0 / 3600

// JobStore is the producer-facing slice of the outbox store.
type JobStore interface {
	Enqueue(ctx context.Context, p store.EnqueueParams) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	DLQList(ctx context.Context, limit int) ([]models.Job, error)
}

// ReconStore reads reconciliation history.
type ReconStore interface {
	ListRuns(ctx context.Context, merchantID string, limit int) ([]models.ReconRun, error)
	ListDrift(ctx context.Context, runID string) ([]models.DriftRecord, error)
}

// ReconTrigger starts reconciliation runs.
type ReconTrigger interface {
	TriggerRunAsync(ctx context.Context, merchantID, runType string) (models.ReconRun, error)
}

// Limiter is the distributed rate limiter guarding producer endpoints.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	AllowRate(ctx context.Context, key string, capacity int, refillPerSecond float64) (bool, error)
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	cfg     config.Config
	jobs    JobStore
	recon   ReconStore
	trigger ReconTrigger
	limiter Limiter
	log     *logrus.Entry
}

// New constructs the API server.
func New(cfg config.Config, jobs JobStore, recon ReconStore, trigger ReconTrigger, limiter Limiter, log *logrus.Logger) *Server {
	return &Server{
		cfg:     cfg,
		jobs:    jobs,
		recon:   recon,
		trigger: trigger,
		limiter: limiter,
		log:     log.WithField("component", "api"),
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

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/dlq", s.handleDLQ)

	r.Post("/reconcile/{merchantID}", s.handleTriggerReconcile)
	r.Get("/reconcile/{merchantID}/runs", s.handleListRuns)
	r.Get("/reconcile/runs/{runID}/drift", s.handleListDrift)
	return r
}

type enqueueRequest struct {
	MerchantID   string         `json:"merchant_id"`
	Type         string         `json:"type"`
	Payload      map[string]any `json:"payload"`
	DedupeKey    string         `json:"dedupe_key"`
	MaxAttempts  int            `json:"max_attempts"`
	DelaySeconds int            `json:"delay_seconds"`
}

type enqueueResponse struct {
	Job     models.Job `json:"job"`
	Deduped bool       `json:"deduped"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.MerchantID == "" {
		req.MerchantID = merchantFromRequest(r)
	}
	if req.MerchantID == "" {
		http.Error(w, "merchant_id is required", http.StatusBadRequest)
		return
	}
	if !knownJobType(req.Type) {
		http.Error(w, "unknown job type", http.StatusBadRequest)
		return
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.cfg.MaxAttempts
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), ratelimit.EnqueueKey(req.MerchantID))
		if err != nil {
			s.log.WithError(err).Error("rate limiter unavailable")
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, deduped, err := s.jobs.Enqueue(r.Context(), store.EnqueueParams{
		MerchantID:  req.MerchantID,
		Type:        models.JobType(req.Type),
		Payload:     req.Payload,
		DedupeKey:   req.DedupeKey,
		MaxAttempts: req.MaxAttempts,
		Delay:       time.Duration(req.DelaySeconds) * time.Second,
	})
	if err != nil {
		s.log.WithError(err).Error("enqueue failed")
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}

	if deduped {
		telemetry.DedupeSkips.Inc()
	} else {
		telemetry.EnqueueCounter.Inc()
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{Job: job, Deduped: deduped})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.jobs.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	jobs, err := s.jobs.DLQList(r.Context(), limit)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleTriggerReconcile(w http.ResponseWriter, r *http.Request) {
	merchantID := chi.URLParam(r, "merchantID")

	if s.limiter != nil {
		allowed, err := s.limiter.AllowRate(r.Context(), ratelimit.ReconcileKey(merchantID), 1, manualTriggerRefill)
		if err != nil {
			s.log.WithError(err).Error("rate limiter unavailable")
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "manual reconciliation limited to one run per hour", http.StatusTooManyRequests)
			return
		}
	}

	run, err := s.trigger.TriggerRunAsync(r.Context(), merchantID, models.RunTypeManual)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, run)
	case errors.Is(err, reconcile.ErrRunInProgress), errors.Is(err, reconcile.ErrRecentRun):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, reconcile.ErrSyncDisabled):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		s.log.WithError(err).Error("reconcile trigger failed")
		http.Error(w, "failed to start reconciliation", http.StatusInternalServerError)
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	merchantID := chi.URLParam(r, "merchantID")
	limit := queryInt(r, "limit", 20)
	runs, err := s.recon.ListRuns(r.Context(), merchantID, limit)
	if err != nil {
		http.Error(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []models.ReconRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleListDrift(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	records, err := s.recon.ListDrift(r.Context(), runID)
	if err != nil {
		http.Error(w, "failed to list drift records", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []models.DriftRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"drift": records})
}

func merchantFromRequest(r *http.Request) string {
	return r.Header.Get("X-Merchant-ID")
}

func knownJobType(t string) bool {
	for _, known := range models.KnownJobTypes() {
		if string(known) == t {
			return true
		}
	}
	return false
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			return i
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
