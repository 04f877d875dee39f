package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantkit/augur/internal/domain"
	"github.com/quantkit/augur/internal/scan"
	"github.com/quantkit/augur/internal/store"
)

// defaultJobTimeout bounds a background scan job's total runtime when the
// configuration does not say otherwise.
const defaultJobTimeout = 30 * time.Minute

// Handlers contains the scan and prediction HTTP handlers
type Handlers struct {
	engine     *scan.Engine
	store      *store.Store
	validate   *validator.Validate
	jobTimeout time.Duration
	log        zerolog.Logger
}

// NewHandlers creates the API handlers. jobTimeout caps a background scan
// job's total runtime; zero selects the default.
func NewHandlers(engine *scan.Engine, st *store.Store, jobTimeout time.Duration, log zerolog.Logger) *Handlers {
	if jobTimeout <= 0 {
		jobTimeout = defaultJobTimeout
	}
	return &Handlers{
		engine:     engine,
		store:      st,
		validate:   validator.New(),
		jobTimeout: jobTimeout,
		log:        log.With().Str("component", "handlers").Logger(),
	}
}

// runRequest is the POST body for starting a scan job.
type runRequest struct {
	Symbols        []string `json:"symbols" validate:"required,min=1,dive,required"`
	K              int      `json:"k" validate:"omitempty,min=1,max=500"`
	HorizonMinutes int      `json:"horizon" validate:"omitempty,min=1,max=10080"`
	Alpha          float64  `json:"alpha" validate:"omitempty,gt=0,lte=1"`
	MinEdge        float64  `json:"min_edge" validate:"omitempty,gte=0"`
	CrossAsset     bool     `json:"cross_asset"`
	Parallel       bool     `json:"parallel"`
}

type runResponse struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// HandleRun starts a scan job in the background and returns its id
// immediately. Progress and results stream over the WebSocket.
func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Defaults mirror the matcher's own.
	if req.K == 0 {
		req.K = 50
	}
	if req.HorizonMinutes == 0 {
		req.HorizonMinutes = 60
	}
	if req.Alpha == 0 {
		req.Alpha = 0.1
	}

	symbols := scan.NormalizeSymbols(req.Symbols)
	if len(symbols) == 0 {
		writeError(w, http.StatusBadRequest, "no valid symbols after normalization")
		return
	}

	jobID := uuid.NewString()
	scanReq := scan.Request{
		Symbols:        symbols,
		K:              req.K,
		HorizonMinutes: req.HorizonMinutes,
		Alpha:          req.Alpha,
		MinEdge:        req.MinEdge,
		CrossAsset:     req.CrossAsset,
	}

	// The job outlives the HTTP request; it gets its own context.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.jobTimeout)
		defer cancel()

		run := h.engine.Run
		if req.Parallel {
			run = h.engine.RunParallel
		}
		if err := run(ctx, jobID, scanReq); err != nil {
			h.log.Error().Err(err).Str("job_id", jobID).Msg("Scan job failed to run")
		}
	}()

	h.log.Info().Str("job_id", jobID).Int("symbols", len(symbols)).Bool("parallel", req.Parallel).Msg("Scan job accepted")

	writeJSON(w, http.StatusAccepted, runResponse{
		JobID:     jobID,
		Status:    string(domain.JobStatusRunning),
		StartedAt: time.Now().UTC(),
	})
}

type jobProgress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
	Failed    int `json:"failed"`
}

// jobStatusResponse shapes the job status payload for the wire.
type jobStatusResponse struct {
	JobID           string              `json:"job_id"`
	Status          domain.JobStatus    `json:"status"`
	Progress        jobProgress         `json:"progress"`
	StartedAt       time.Time           `json:"started_at"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
	DurationSeconds *float64            `json:"duration_seconds,omitempty"`
	Results         []domain.Prediction `json:"results"`
	Failures        []domain.Failure    `json:"failures"`
	Params          domain.ScanParams   `json:"params"`
}

// HandleJobStatus returns a job with its predictions and failures.
// Supports ?sort_by=edge|prob_up|mean_return|symbol, ?direction=UP|DOWN
// and ?limit=N.
func (h *Handlers) HandleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	q := store.JobQuery{
		SortBy: r.URL.Query().Get("sort_by"),
	}

	switch dir := r.URL.Query().Get("direction"); dir {
	case "":
	case string(domain.DirectionUp), string(domain.DirectionDown):
		q.Direction = domain.Direction(dir)
	default:
		writeError(w, http.StatusBadRequest, "direction must be UP or DOWN")
		return
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		q.Limit = limit
	}

	result, err := h.store.GetJobStatus(jobID, q)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to get job status")
		writeError(w, http.StatusInternalServerError, "failed to get job status")
		return
	}

	job := result.Job
	resp := jobStatusResponse{
		JobID:  job.ID,
		Status: job.Status,
		Progress: jobProgress{
			Completed: job.Completed,
			Total:     job.TotalSymbols,
			Failed:    job.Failed,
		},
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		Results:     result.Results,
		Failures:    result.Failures,
		Params:      job.Params,
	}
	if job.CompletedAt != nil {
		d := job.CompletedAt.Sub(job.StartedAt).Seconds()
		resp.DurationSeconds = &d
	}
	if resp.Results == nil {
		resp.Results = []domain.Prediction{}
	}
	if resp.Failures == nil {
		resp.Failures = []domain.Failure{}
	}
	writeJSON(w, http.StatusOK, resp)
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// HandleCancelJob requests cancellation of a running job. A known job that
// is no longer running answers cancelled=false; an unknown job is a 404.
func (h *Handlers) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	if h.engine.Cancel(jobID) {
		writeJSON(w, http.StatusOK, cancelResponse{Cancelled: true})
		return
	}

	if _, err := h.store.GetJob(jobID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to look up job for cancel")
		writeError(w, http.StatusInternalServerError, "failed to look up job")
		return
	}

	writeJSON(w, http.StatusOK, cancelResponse{Cancelled: false})
}

// HandlePerformance returns aggregate win-rate and pnl statistics.
// ?period=1h|today|week|all, default all.
func (h *Handlers) HandlePerformance(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "all"
	}
	switch period {
	case "1h", "today", "week", "all":
	default:
		writeError(w, http.StatusBadRequest, "period must be one of 1h, today, week, all")
		return
	}

	stats, err := h.store.GetPerformanceStats(period)
	if err != nil {
		h.log.Error().Err(err).Str("period", period).Msg("Failed to compute performance stats")
		writeError(w, http.StatusInternalServerError, "failed to compute performance stats")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
