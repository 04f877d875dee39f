// Package scan runs batch pattern-scan jobs: one matcher search per symbol,
// persistence of the resulting predictions, and live progress broadcasting.
package scan

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantkit/augur/internal/domain"
	"github.com/quantkit/augur/internal/hub"
	"github.com/quantkit/augur/internal/matcher"
	"github.com/quantkit/augur/internal/store"
)

// Matcher is the narrow contract to the external pattern-matching engine.
type Matcher interface {
	Search(ctx context.Context, symbol string, k int, crossAsset bool) (*matcher.SearchResult, error)
}

// Request holds the normalized parameters of one scan job.
type Request struct {
	Symbols        []string
	K              int
	HorizonMinutes int
	Alpha          float64
	MinEdge        float64
	CrossAsset     bool
}

func (r Request) params(symbols []string) domain.ScanParams {
	return domain.ScanParams{
		Symbols:        symbols,
		K:              r.K,
		HorizonMinutes: r.HorizonMinutes,
		Alpha:          r.Alpha,
		MinEdge:        r.MinEdge,
		CrossAsset:     r.CrossAsset,
	}
}

// Engine executes scan jobs against the matcher and owns per-job
// cancellation. Each running job holds one entry in the active map; Cancel
// fires the job's context and the loop observes it at iteration boundaries.
type Engine struct {
	store   *store.Store
	hub     *hub.Hub
	matcher Matcher
	workers int
	log     zerolog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc

	now func() time.Time
}

// New creates a scan engine. workers bounds the pool of the parallel
// variant.
func New(st *store.Store, h *hub.Hub, m Matcher, workers int, log zerolog.Logger) *Engine {
	if workers < 1 {
		workers = 1
	}
	return &Engine{
		store:   st,
		hub:     h,
		matcher: m,
		workers: workers,
		log:     log.With().Str("component", "scan_engine").Logger(),
		active:  make(map[string]context.CancelFunc),
		now:     time.Now,
	}
}

// NormalizeSymbols uppercases, trims and deduplicates the symbol list,
// preserving first-seen order.
func NormalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		sym := strings.ToUpper(strings.TrimSpace(s))
		if sym == "" {
			continue
		}
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out
}

// Run executes a job sequentially: symbols are scanned in input order and
// progress frames are emitted per symbol. Validation errors are returned
// before any state is written; every later per-symbol problem becomes a
// Failure row and never halts the job.
func (e *Engine) Run(ctx context.Context, jobID string, req Request) error {
	symbols := NormalizeSymbols(req.Symbols)
	if len(symbols) == 0 {
		return fmt.Errorf("scan request has no symbols")
	}

	if err := e.store.CreateJob(jobID, req.params(symbols), len(symbols)); err != nil {
		return fmt.Errorf("failed to register job %s: %w", jobID, err)
	}

	jobCtx, cancel := e.register(jobID, ctx)
	defer e.unregister(jobID, cancel)

	start := e.now()
	var completed, failed, results int
	cancelled := false

	for _, symbol := range symbols {
		if jobCtx.Err() != nil {
			cancelled = true
			break
		}

		outcome := e.scanSymbol(jobCtx, jobID, symbol, req)
		switch {
		case outcome.failure != nil:
			e.recordFailure(jobID, outcome.failure)
			failed++
		case outcome.prediction != nil:
			if e.recordPrediction(outcome.prediction) {
				results++
			}
			completed++
		default:
			// Below the min-edge threshold: scanned fine, nothing persisted.
			completed++
		}

		e.publishProgress(jobID, completed, len(symbols), failed)
	}

	e.finalize(jobID, cancelled, results, failed, e.now().Sub(start))
	return nil
}

// RunParallel executes a job with a bounded worker pool. The per-symbol
// contract is unchanged; result and progress frames are emitted as symbols
// complete, so ordering across symbols is not guaranteed.
func (e *Engine) RunParallel(ctx context.Context, jobID string, req Request) error {
	symbols := NormalizeSymbols(req.Symbols)
	if len(symbols) == 0 {
		return fmt.Errorf("scan request has no symbols")
	}

	if err := e.store.CreateJob(jobID, req.params(symbols), len(symbols)); err != nil {
		return fmt.Errorf("failed to register job %s: %w", jobID, err)
	}

	jobCtx, cancel := e.register(jobID, ctx)
	defer e.unregister(jobID, cancel)

	start := e.now()
	var (
		mu                         sync.Mutex
		completed, failed, results int
		wg                         sync.WaitGroup
		sem                        = make(chan struct{}, e.workers)
	)

	for _, symbol := range symbols {
		if jobCtx.Err() != nil {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(symbol string) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome := e.scanSymbol(jobCtx, jobID, symbol, req)

			persisted := false
			if outcome.failure != nil {
				e.recordFailure(jobID, outcome.failure)
			} else if outcome.prediction != nil {
				persisted = e.recordPrediction(outcome.prediction)
			}

			// The counter update and its store write share the lock, so the
			// persisted counters form a monotone sequence; a later snapshot
			// can never be overwritten by an earlier one landing late.
			mu.Lock()
			if outcome.failure != nil {
				failed++
			} else {
				completed++
				if persisted {
					results++
				}
			}
			doneCompleted, doneFailed := completed, failed
			if err := e.store.UpdateJobProgress(jobID, doneCompleted, doneFailed); err != nil {
				e.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to update job progress")
			}
			mu.Unlock()

			e.hub.BroadcastToJob(jobID, hub.NewProgress(jobID, doneCompleted, len(symbols), doneFailed))
		}(symbol)
	}

	wg.Wait()
	e.finalize(jobID, jobCtx.Err() != nil, results, failed, e.now().Sub(start))
	return nil
}

// Cancel requests cancellation of a running job. In-flight per-symbol work
// is allowed to complete. Returns whether the job was known.
func (e *Engine) Cancel(jobID string) bool {
	e.mu.Lock()
	cancel, ok := e.active[jobID]
	e.mu.Unlock()

	if !ok {
		return false
	}
	cancel()
	e.log.Info().Str("job_id", jobID).Msg("Job cancellation requested")
	return true
}

// IsActive reports whether a job is currently running.
func (e *Engine) IsActive(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[jobID]
	return ok
}

func (e *Engine) register(jobID string, ctx context.Context) (context.Context, context.CancelFunc) {
	jobCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.active[jobID] = cancel
	e.mu.Unlock()
	return jobCtx, cancel
}

func (e *Engine) unregister(jobID string, cancel context.CancelFunc) {
	e.mu.Lock()
	delete(e.active, jobID)
	e.mu.Unlock()
	cancel()
}

// symbolOutcome is the tri-state result of scanning one symbol: a
// prediction, a failure, or neither (filtered below min-edge).
type symbolOutcome struct {
	prediction *domain.Prediction
	failure    *domain.Failure
}

func (e *Engine) scanSymbol(ctx context.Context, jobID, symbol string, req Request) symbolOutcome {
	scanTime := e.now()

	if fail := weekendFailure(jobID, symbol, scanTime); fail != nil {
		return symbolOutcome{failure: fail}
	}

	res, err := e.matcher.Search(ctx, symbol, req.K, req.CrossAsset)
	if err != nil {
		return symbolOutcome{failure: &domain.Failure{
			JobID:    jobID,
			Symbol:   symbol,
			ScanTime: scanTime,
			Code:     domain.FailureMatcher,
			Reason:   err.Error(),
		}}
	}

	if res.Status != matcher.StatusSuccess {
		reason := res.Error
		if reason == "" {
			reason = fmt.Sprintf("matcher status %q", res.Status)
		}
		return symbolOutcome{failure: &domain.Failure{
			JobID:    jobID,
			Symbol:   symbol,
			ScanTime: scanTime,
			Code:     domain.FailureMatcher,
			Reason:   reason,
		}}
	}

	if res.Forecast == nil {
		return symbolOutcome{failure: &domain.Failure{
			JobID:    jobID,
			Symbol:   symbol,
			ScanTime: scanTime,
			Code:     domain.FailureNoData,
			Reason:   "matcher returned no forecast",
		}}
	}

	priceAtScan, ok := res.PriceAtScan()
	if !ok {
		return symbolOutcome{failure: &domain.Failure{
			JobID:    jobID,
			Symbol:   symbol,
			ScanTime: scanTime,
			Code:     domain.FailurePrice,
			Reason:   "price at scan could not be determined",
		}}
	}

	fc := res.Forecast
	direction := domain.DirectionFor(fc.ProbUp, fc.ProbDown)
	edge := domain.EdgeFor(fc.ProbUp, fc.ProbDown, fc.MeanReturn)

	if edge < req.MinEdge {
		return symbolOutcome{}
	}

	return symbolOutcome{prediction: &domain.Prediction{
		ID:             uuid.NewString(),
		JobID:          jobID,
		Symbol:         symbol,
		ScanTime:       scanTime,
		HorizonMinutes: req.HorizonMinutes,
		ProbUp:         fc.ProbUp,
		ProbDown:       fc.ProbDown,
		MeanReturn:     fc.MeanReturn,
		Edge:           edge,
		Direction:      direction,
		NNeighbors:     fc.NNeighbors,
		Dist1:          res.NearestDistance(),
		P10:            fc.P10,
		P90:            fc.P90,
		PriceAtScan:    priceAtScan,
	}}
}

// weekendFailure rejects scans on non-trading days, with an approximate
// minutes-to-open offset (next weekday 13:30 UTC; ignores DST and holidays).
func weekendFailure(jobID, symbol string, scanTime time.Time) *domain.Failure {
	utc := scanTime.UTC()
	if utc.Weekday() != time.Saturday && utc.Weekday() != time.Sunday {
		return nil
	}

	daysToMonday := (int(time.Monday) - int(utc.Weekday()) + 7) % 7
	nextOpen := time.Date(utc.Year(), utc.Month(), utc.Day(), 13, 30, 0, 0, time.UTC).
		AddDate(0, 0, daysToMonday)
	minutesToOpen := int(nextOpen.Sub(utc).Minutes())

	return &domain.Failure{
		JobID:         jobID,
		Symbol:        symbol,
		ScanTime:      scanTime,
		Code:          domain.FailureWeekend,
		Reason:        "market closed: weekend",
		MinutesToOpen: &minutesToOpen,
	}
}

func (e *Engine) recordFailure(jobID string, f *domain.Failure) {
	if err := e.store.InsertFailure(jobID, f); err != nil {
		e.log.Error().Err(err).Str("job_id", jobID).Str("symbol", f.Symbol).Msg("Failed to persist failure")
	}
}

// recordPrediction persists and broadcasts one prediction. Returns whether
// it counts as a result.
func (e *Engine) recordPrediction(p *domain.Prediction) bool {
	if err := e.store.InsertPrediction(p); err != nil {
		e.log.Error().Err(err).Str("prediction_id", p.ID).Str("symbol", p.Symbol).Msg("Failed to persist prediction")
		return false
	}

	stored, err := e.store.GetPrediction(p.ID)
	if err != nil {
		// Broadcast the in-memory copy if the read-back fails; values differ
		// only by boundary rounding.
		stored = p
	}
	e.hub.BroadcastToJob(p.JobID, hub.NewResult(*stored))
	return true
}

func (e *Engine) publishProgress(jobID string, completed, total, failed int) {
	if err := e.store.UpdateJobProgress(jobID, completed, failed); err != nil {
		e.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to update job progress")
	}
	e.hub.BroadcastToJob(jobID, hub.NewProgress(jobID, completed, total, failed))
}

func (e *Engine) finalize(jobID string, cancelled bool, results, failures int, duration time.Duration) {
	status := domain.JobStatusCompleted
	if cancelled {
		status = domain.JobStatusCancelled
	}

	if err := e.store.CompleteJob(jobID, status); err != nil {
		e.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to finalize job")
	}

	e.hub.BroadcastToJob(jobID, hub.NewJobComplete(jobID, results, failures, duration))

	e.log.Info().
		Str("job_id", jobID).
		Str("status", string(status)).
		Int("results", results).
		Int("failures", failures).
		Dur("duration", duration).
		Msg("Scan job finished")
}
