// Package store provides durable, concurrent-safe persistence for scan jobs,
// predictions and per-symbol failures, plus the aggregate queries used by the
// workers and the API.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantkit/augur/internal/database"
	"github.com/quantkit/augur/internal/domain"
)

// Store owns the jobs, predictions and failures tables. All operations are
// safe under concurrent callers; SQLite serializes writes internally.
//
// Rounding of probabilities, returns and pnls to 4 decimals happens here, at
// the persistence boundary, never in the compute path.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// New creates a new prediction store.
func New(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With().Str("component", "store").Logger(),
	}
}

// CreateJob registers a new job with status running.
// Returns ErrDuplicateID if the id already exists.
func (s *Store) CreateJob(id string, params domain.ScanParams, totalSymbols int) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal job params: %w", err)
	}

	query := `
		INSERT INTO jobs (id, status, params, total_symbols, completed, failed, started_at)
		VALUES (?, ?, ?, ?, 0, 0, ?)
	`

	_, err = s.db.Exec(query,
		id,
		string(domain.JobStatusRunning),
		string(paramsJSON),
		totalSymbols,
		formatTime(time.Now()),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("failed to create job: %w", err)
	}

	s.log.Info().Str("job_id", id).Int("total_symbols", totalSymbols).Msg("Job created")
	return nil
}

// UpdateJobProgress sets the completed and failed counters for a job.
// Idempotent; the caller is single-writer per job.
func (s *Store) UpdateJobProgress(id string, completed, failed int) error {
	_, err := s.db.Exec("UPDATE jobs SET completed = ?, failed = ? WHERE id = ?", completed, failed, id)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return nil
}

// CompleteJob transitions a job to a terminal status and stamps completed_at.
// No-op if the job is already terminal.
func (s *Store) CompleteJob(id string, status domain.JobStatus) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}

	query := `
		UPDATE jobs SET status = ?, completed_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)
	`

	_, err := s.db.Exec(query,
		string(status),
		formatTime(time.Now()),
		id,
		string(domain.JobStatusCompleted),
		string(domain.JobStatusCancelled),
		string(domain.JobStatusFailed),
	)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	s.log.Info().Str("job_id", id).Str("status", string(status)).Msg("Job finalized")
	return nil
}

// GetJob retrieves a single job by id. Returns ErrNotFound if missing.
func (s *Store) GetJob(id string) (*domain.Job, error) {
	row := s.db.QueryRow(`
		SELECT id, status, params, total_symbols, completed, failed, started_at, completed_at
		FROM jobs WHERE id = ?
	`, id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// InsertPrediction atomically persists a new prediction.
// Returns ErrDuplicateID on id conflict.
func (s *Store) InsertPrediction(p *domain.Prediction) error {
	query := `
		INSERT INTO predictions
		(id, job_id, symbol, scan_time, horizon_minutes, matures_at,
		 prob_up, prob_down, mean_return, edge, direction,
		 n_neighbors, dist1, p10, p90, price_at_scan)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		p.ID,
		p.JobID,
		strings.ToUpper(strings.TrimSpace(p.Symbol)),
		formatTime(p.ScanTime),
		p.HorizonMinutes,
		formatTime(p.MaturesAt()),
		domain.Round4(p.ProbUp),
		domain.Round4(p.ProbDown),
		domain.Round4(p.MeanReturn),
		domain.Round4(p.Edge),
		string(p.Direction),
		p.NNeighbors,
		p.Dist1,
		domain.Round4(p.P10),
		domain.Round4(p.P90),
		p.PriceAtScan,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("failed to insert prediction: %w", err)
	}

	s.log.Debug().
		Str("prediction_id", p.ID).
		Str("symbol", p.Symbol).
		Str("direction", string(p.Direction)).
		Float64("edge", p.Edge).
		Msg("Prediction persisted")
	return nil
}

// InsertFailure records a per-symbol scan failure.
func (s *Store) InsertFailure(jobID string, f *domain.Failure) error {
	query := `
		INSERT INTO failures (job_id, symbol, scan_time, code, reason, minutes_to_open, minutes_since_close)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		jobID,
		strings.ToUpper(strings.TrimSpace(f.Symbol)),
		formatTime(f.ScanTime),
		string(f.Code),
		f.Reason,
		nullIntPtr(f.MinutesToOpen),
		nullIntPtr(f.MinutesSinceClose),
	)
	if err != nil {
		return fmt.Errorf("failed to insert failure: %w", err)
	}
	return nil
}

// VerifyPrediction writes the at-verification fields exactly once.
// The conditional update on verified_at IS NULL is the sole at-most-once
// arbiter under concurrent worker replicas: exactly one caller succeeds,
// all others get ErrAlreadyVerified.
func (s *Store) VerifyPrediction(id string, priceAtHorizon, actualReturn float64, wasCorrect bool, pnl float64) error {
	query := `
		UPDATE predictions
		SET price_at_horizon = ?, actual_return = ?, was_correct = ?, pnl = ?, verified_at = ?
		WHERE id = ? AND verified_at IS NULL
	`

	res, err := s.db.Exec(query,
		priceAtHorizon,
		domain.Round4(actualReturn),
		boolToInt(wasCorrect),
		domain.Round4(pnl),
		formatTime(time.Now()),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to verify prediction: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		var exists int
		err := s.db.QueryRow("SELECT 1 FROM predictions WHERE id = ? LIMIT 1", id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check prediction existence: %w", err)
		}
		return ErrAlreadyVerified
	}

	s.log.Debug().Str("prediction_id", id).Bool("was_correct", wasCorrect).Msg("Prediction verified")
	return nil
}

// GetPendingPredictions returns matured, unverified predictions ordered by
// scan_time ascending (oldest first, so late verifications are paid off
// quickly).
func (s *Store) GetPendingPredictions(limit int) ([]domain.Prediction, error) {
	query := selectPrediction + `
		WHERE verified_at IS NULL AND matures_at <= ?
		ORDER BY scan_time ASC
		LIMIT ?
	`

	rows, err := s.db.Query(query, formatTime(time.Now()), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending predictions: %w", err)
	}
	defer rows.Close()

	return collectPredictions(rows)
}

// GetActivePredictions returns unverified predictions still within their
// horizon. Used by the price tracker.
func (s *Store) GetActivePredictions() ([]domain.Prediction, error) {
	query := selectPrediction + `
		WHERE verified_at IS NULL AND matures_at > ?
		ORDER BY scan_time ASC
	`

	rows, err := s.db.Query(query, formatTime(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("failed to get active predictions: %w", err)
	}
	defer rows.Close()

	return collectPredictions(rows)
}

// GetPrediction retrieves a single prediction by id.
func (s *Store) GetPrediction(id string) (*domain.Prediction, error) {
	row := s.db.QueryRow(selectPrediction+" WHERE id = ?", id)
	p, err := scanPredictionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get prediction: %w", err)
	}
	return p, nil
}

// JobQuery holds optional filters for GetJobStatus.
type JobQuery struct {
	SortBy    string           // edge | prob_up | mean_return | symbol (default scan order)
	Direction domain.Direction // optional direction filter
	Limit     int              // 0 = no limit
}

// JobStatusResult is the aggregate returned by GetJobStatus.
type JobStatusResult struct {
	Job      domain.Job
	Results  []domain.Prediction
	Failures []domain.Failure
}

// sortColumns whitelists sortable prediction columns.
var sortColumns = map[string]string{
	"edge":        "edge DESC",
	"prob_up":     "prob_up DESC",
	"mean_return": "mean_return DESC",
	"symbol":      "symbol ASC",
}

// GetJobStatus returns the job metadata with its predictions and failures.
func (s *Store) GetJobStatus(id string, q JobQuery) (*JobStatusResult, error) {
	job, err := s.GetJob(id)
	if err != nil {
		return nil, err
	}

	orderBy := "scan_time ASC, symbol ASC"
	if col, ok := sortColumns[q.SortBy]; ok {
		orderBy = col
	}

	query := selectPrediction + " WHERE job_id = ?"
	args := []interface{}{id}
	if q.Direction != "" {
		query += " AND direction = ?"
		args = append(args, string(q.Direction))
	}
	query += " ORDER BY " + orderBy
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get job predictions: %w", err)
	}
	defer rows.Close()

	predictions, err := collectPredictions(rows)
	if err != nil {
		return nil, err
	}

	failures, err := s.getJobFailures(id)
	if err != nil {
		return nil, err
	}

	return &JobStatusResult{
		Job:      *job,
		Results:  predictions,
		Failures: failures,
	}, nil
}

func (s *Store) getJobFailures(jobID string) ([]domain.Failure, error) {
	rows, err := s.db.Query(`
		SELECT job_id, symbol, scan_time, code, reason, minutes_to_open, minutes_since_close
		FROM failures WHERE job_id = ? ORDER BY id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get job failures: %w", err)
	}
	defer rows.Close()

	var failures []domain.Failure
	for rows.Next() {
		var (
			f                 domain.Failure
			scanTime          string
			code              string
			minutesToOpen     sql.NullInt64
			minutesSinceClose sql.NullInt64
		)
		if err := rows.Scan(&f.JobID, &f.Symbol, &scanTime, &code, &f.Reason, &minutesToOpen, &minutesSinceClose); err != nil {
			return nil, fmt.Errorf("failed to scan failure: %w", err)
		}
		f.ScanTime, err = parseTime(scanTime)
		if err != nil {
			return nil, err
		}
		f.Code = domain.FailureCode(code)
		if minutesToOpen.Valid {
			v := int(minutesToOpen.Int64)
			f.MinutesToOpen = &v
		}
		if minutesSinceClose.Valid {
			v := int(minutesSinceClose.Int64)
			f.MinutesSinceClose = &v
		}
		failures = append(failures, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failures: %w", err)
	}
	return failures, nil
}

// SweepResult reports what a retention sweep removed.
type SweepResult struct {
	Predictions int64
	Failures    int64
	Jobs        int64
}

// Sweep deletes predictions and failures scanned before the cutoff, then
// removes jobs left with neither predictions nor failures. The three deletes
// run in one transaction so a failure mid-sweep never leaves jobs orphaned
// from their rows.
func (s *Store) Sweep(olderThan time.Time) (*SweepResult, error) {
	cutoff := formatTime(olderThan)
	result := &SweepResult{}

	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM predictions WHERE scan_time < ?", cutoff)
		if err != nil {
			return fmt.Errorf("failed to sweep predictions: %w", err)
		}
		result.Predictions, _ = res.RowsAffected()

		res, err = tx.Exec("DELETE FROM failures WHERE scan_time < ?", cutoff)
		if err != nil {
			return fmt.Errorf("failed to sweep failures: %w", err)
		}
		result.Failures, _ = res.RowsAffected()

		res, err = tx.Exec(`
			DELETE FROM jobs
			WHERE started_at < ?
			  AND id NOT IN (SELECT DISTINCT job_id FROM predictions)
			  AND id NOT IN (SELECT DISTINCT job_id FROM failures)
		`, cutoff)
		if err != nil {
			return fmt.Errorf("failed to sweep jobs: %w", err)
		}
		result.Jobs, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Int64("predictions", result.Predictions).
		Int64("failures", result.Failures).
		Int64("jobs", result.Jobs).
		Msg("Retention sweep completed")
	return result, nil
}

// SavePriceCache persists the price source's serialized last-price cache.
func (s *Store) SavePriceCache(payload []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO price_cache (id, payload, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`, payload, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save price cache: %w", err)
	}
	return nil
}

// LoadPriceCache returns the persisted price cache payload, or ErrNotFound.
func (s *Store) LoadPriceCache() ([]byte, error) {
	var payload []byte
	err := s.db.QueryRow("SELECT payload FROM price_cache WHERE id = 1").Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load price cache: %w", err)
	}
	return payload, nil
}

// --- row scanning ---

const selectPrediction = `
	SELECT id, job_id, symbol, scan_time, horizon_minutes,
	       prob_up, prob_down, mean_return, edge, direction,
	       n_neighbors, dist1, p10, p90, price_at_scan,
	       price_at_horizon, actual_return, was_correct, pnl, verified_at
	FROM predictions
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPredictionRow(row rowScanner) (*domain.Prediction, error) {
	var (
		p              domain.Prediction
		scanTime       string
		direction      string
		priceAtHorizon sql.NullFloat64
		actualReturn   sql.NullFloat64
		wasCorrect     sql.NullInt64
		pnl            sql.NullFloat64
		verifiedAt     sql.NullString
	)

	err := row.Scan(
		&p.ID, &p.JobID, &p.Symbol, &scanTime, &p.HorizonMinutes,
		&p.ProbUp, &p.ProbDown, &p.MeanReturn, &p.Edge, &direction,
		&p.NNeighbors, &p.Dist1, &p.P10, &p.P90, &p.PriceAtScan,
		&priceAtHorizon, &actualReturn, &wasCorrect, &pnl, &verifiedAt,
	)
	if err != nil {
		return nil, err
	}

	p.ScanTime, err = parseTime(scanTime)
	if err != nil {
		return nil, err
	}
	p.Direction = domain.Direction(direction)

	if priceAtHorizon.Valid {
		p.PriceAtHorizon = &priceAtHorizon.Float64
	}
	if actualReturn.Valid {
		p.ActualReturn = &actualReturn.Float64
	}
	if wasCorrect.Valid {
		v := wasCorrect.Int64 != 0
		p.WasCorrect = &v
	}
	if pnl.Valid {
		p.Pnl = &pnl.Float64
	}
	if verifiedAt.Valid {
		t, err := parseTime(verifiedAt.String)
		if err != nil {
			return nil, err
		}
		p.VerifiedAt = &t
	}

	return &p, nil
}

func collectPredictions(rows *sql.Rows) ([]domain.Prediction, error) {
	var predictions []domain.Prediction
	for rows.Next() {
		p, err := scanPredictionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan prediction: %w", err)
		}
		predictions = append(predictions, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating predictions: %w", err)
	}
	return predictions, nil
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job         domain.Job
		status      string
		paramsJSON  string
		startedAt   string
		completedAt sql.NullString
	)

	err := row.Scan(&job.ID, &status, &paramsJSON, &job.TotalSymbols, &job.Completed, &job.Failed, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	job.Status = domain.JobStatus(status)
	if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job params: %w", err)
	}
	job.StartedAt, err = parseTime(startedAt)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return nil, err
		}
		job.CompletedAt = &t
	}

	return &job, nil
}

// --- helpers ---

// Times are stored as RFC3339 UTC strings; fixed width keeps lexicographic
// and chronological order identical for the matures_at comparisons.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored time %q: %w", s, err)
	}
	return t, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIntPtr(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
