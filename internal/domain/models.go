// Package domain holds the core types of the pattern prediction engine.
// It is pure: no infrastructure dependencies.
package domain

import (
	"math"
	"time"
)

// Direction is the side a prediction favors.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

// JobStatus represents the lifecycle state of a scan job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether the status is final.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusCancelled || s == JobStatusFailed
}

// FailureCode classifies per-symbol scan failures.
type FailureCode string

const (
	FailureNoData  FailureCode = "NO_DATA"
	FailureWeekend FailureCode = "WEEKEND"
	FailurePrice   FailureCode = "PRICE"
	FailureMatcher FailureCode = "MATCHER"
	FailureUnknown FailureCode = "UNKNOWN"
)

// ScanParams is the frozen parameter set a job was created with.
type ScanParams struct {
	Symbols        []string `json:"symbols"`
	K              int      `json:"k"`
	HorizonMinutes int      `json:"horizon"`
	Alpha          float64  `json:"alpha"`
	MinEdge        float64  `json:"min_edge"`
	CrossAsset     bool     `json:"cross_asset"`
}

// Job is one batch pattern-scan over a symbol list.
type Job struct {
	ID           string     `json:"job_id"`
	Status       JobStatus  `json:"status"`
	Params       ScanParams `json:"params"`
	TotalSymbols int        `json:"total_symbols"`
	Completed    int        `json:"completed"`
	Failed       int        `json:"failed"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Prediction is a single directional forecast for one symbol.
// At-scan fields are immutable after insert; at-verification fields are
// written exactly once by the verification worker.
type Prediction struct {
	// At-scan
	ID             string    `json:"id"`
	JobID          string    `json:"job_id"`
	Symbol         string    `json:"symbol"`
	ScanTime       time.Time `json:"scan_time"`
	HorizonMinutes int       `json:"horizon"`
	ProbUp         float64   `json:"prob_up"`
	ProbDown       float64   `json:"prob_down"`
	MeanReturn     float64   `json:"mean_return"`
	Edge           float64   `json:"edge"`
	Direction      Direction `json:"direction"`
	NNeighbors     int       `json:"n_neighbors"`
	Dist1          float64   `json:"dist1"`
	P10            float64   `json:"p10"`
	P90            float64   `json:"p90"`
	PriceAtScan    float64   `json:"price_at_scan"`

	// At-verification
	PriceAtHorizon *float64   `json:"price_at_horizon,omitempty"`
	ActualReturn   *float64   `json:"actual_return,omitempty"`
	WasCorrect     *bool      `json:"was_correct,omitempty"`
	Pnl            *float64   `json:"pnl,omitempty"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty"`
}

// MaturesAt returns the instant the prediction's horizon elapses.
func (p *Prediction) MaturesAt() time.Time {
	return p.ScanTime.Add(time.Duration(p.HorizonMinutes) * time.Minute)
}

// IsVerified reports whether the prediction has been scored.
func (p *Prediction) IsVerified() bool {
	return p.VerifiedAt != nil
}

// IsMatured reports whether the horizon has elapsed at the given instant.
func (p *Prediction) IsMatured(now time.Time) bool {
	return !p.MaturesAt().After(now)
}

// Failure records a per-symbol scan failure. Written once, never mutated.
type Failure struct {
	JobID             string      `json:"job_id"`
	Symbol            string      `json:"symbol"`
	ScanTime          time.Time   `json:"scan_time"`
	Code              FailureCode `json:"code"`
	Reason            string      `json:"reason"`
	MinutesToOpen     *int        `json:"minutes_to_open,omitempty"`
	MinutesSinceClose *int        `json:"minutes_since_close,omitempty"`
}

// DirectionFor derives the favored side from the probability pair.
func DirectionFor(probUp, probDown float64) Direction {
	if probUp > probDown {
		return DirectionUp
	}
	return DirectionDown
}

// EdgeFor computes the ranking score: the larger probability times the
// absolute expected return.
func EdgeFor(probUp, probDown, meanReturn float64) float64 {
	return math.Max(probUp, probDown) * math.Abs(meanReturn)
}

// Score computes the verification outcome for a realized return.
// pnl carries the direction's sign convention: actual return for UP,
// negated for DOWN.
func Score(direction Direction, actualReturn float64) (wasCorrect bool, pnl float64) {
	if direction == DirectionUp {
		return actualReturn > 0, actualReturn
	}
	return actualReturn < 0, -actualReturn
}

// PercentReturn computes the percent return between two prices.
func PercentReturn(from, to float64) float64 {
	return (to - from) / from * 100
}

// Round4 rounds to 4 decimal places. Probabilities, returns and pnls are
// stored and sent over the wire with this precision.
func Round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
