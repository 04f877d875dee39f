package hub

import (
	"time"

	"github.com/quantkit/augur/internal/domain"
)

// MessageType tags an outbound frame. The set is closed; construct envelopes
// only through the New* constructors below.
type MessageType string

const (
	TypeProgress     MessageType = "progress"
	TypeResult       MessageType = "result"
	TypeVerification MessageType = "verification"
	TypePriceUpdate  MessageType = "price_update"
	TypeJobComplete  MessageType = "job_complete"
	TypeError        MessageType = "error"
	TypePong         MessageType = "pong"
)

// Envelope is the outbound wire format. price_update frames carry their
// payload under the price_update key instead of data; every other type uses
// data.
type Envelope struct {
	Type        MessageType      `json:"type"`
	JobID       string           `json:"job_id,omitempty"`
	Data        interface{}      `json:"data,omitempty"`
	PriceUpdate *PriceUpdateData `json:"price_update,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// ProgressData reports per-job scan progress.
type ProgressData struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
	Failed    int `json:"failed"`
}

// VerificationData reports a scored prediction.
type VerificationData struct {
	PredictionID string    `json:"prediction_id"`
	Symbol       string    `json:"symbol"`
	ActualReturn float64   `json:"actual_return"`
	WasCorrect   bool      `json:"was_correct"`
	Pnl          float64   `json:"pnl"`
	VerifiedAt   time.Time `json:"verified_at"`
}

// PriceUpdateData streams unrealized PnL for a still-open prediction.
// The prediction id in the payload lets clients index without a job
// subscription.
type PriceUpdateData struct {
	PredictionID       string    `json:"prediction_id"`
	JobID              string    `json:"job_id"`
	Symbol             string    `json:"symbol"`
	CurrentPrice       float64   `json:"current_price"`
	PriceAtScan        float64   `json:"price_at_scan"`
	UnrealizedReturn   float64   `json:"unrealized_return"`
	UnrealizedPnl      float64   `json:"unrealized_pnl"`
	Direction          string    `json:"direction"`
	IsCurrentlyCorrect bool      `json:"is_currently_correct"`
	MinutesRemaining   int       `json:"minutes_remaining"`
	Timestamp          time.Time `json:"timestamp"`
}

// JobCompleteData closes out a job's message stream.
type JobCompleteData struct {
	TotalResults    int     `json:"total_results"`
	TotalFailures   int     `json:"total_failures"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// ErrorData carries a client-facing error string.
type ErrorData struct {
	Error string `json:"error"`
}

func stamp() time.Time {
	return time.Now().UTC()
}

// NewProgress builds a progress frame for a job.
func NewProgress(jobID string, completed, total, failed int) Envelope {
	return Envelope{
		Type:      TypeProgress,
		JobID:     jobID,
		Data:      ProgressData{Completed: completed, Total: total, Failed: failed},
		Timestamp: stamp(),
	}
}

// NewResult builds a result frame carrying the full prediction record.
func NewResult(p domain.Prediction) Envelope {
	return Envelope{
		Type:      TypeResult,
		JobID:     p.JobID,
		Data:      p,
		Timestamp: stamp(),
	}
}

// NewVerification builds a verification frame. Wire values are rounded here,
// at the serialization boundary.
func NewVerification(jobID string, d VerificationData) Envelope {
	d.ActualReturn = domain.Round4(d.ActualReturn)
	d.Pnl = domain.Round4(d.Pnl)
	return Envelope{
		Type:      TypeVerification,
		JobID:     jobID,
		Data:      d,
		Timestamp: stamp(),
	}
}

// NewPriceUpdate builds a price_update frame with the nested payload shape.
func NewPriceUpdate(d PriceUpdateData) Envelope {
	d.UnrealizedReturn = domain.Round4(d.UnrealizedReturn)
	d.UnrealizedPnl = domain.Round4(d.UnrealizedPnl)
	return Envelope{
		Type:        TypePriceUpdate,
		PriceUpdate: &d,
		Timestamp:   stamp(),
	}
}

// NewJobComplete builds the terminal frame of a job's stream.
func NewJobComplete(jobID string, totalResults, totalFailures int, duration time.Duration) Envelope {
	return Envelope{
		Type:  TypeJobComplete,
		JobID: jobID,
		Data: JobCompleteData{
			TotalResults:    totalResults,
			TotalFailures:   totalFailures,
			DurationSeconds: duration.Seconds(),
		},
		Timestamp: stamp(),
	}
}

// NewError builds an error frame.
func NewError(jobID, msg string) Envelope {
	return Envelope{
		Type:      TypeError,
		JobID:     jobID,
		Data:      ErrorData{Error: msg},
		Timestamp: stamp(),
	}
}

// NewPong answers a client ping.
func NewPong() Envelope {
	return Envelope{
		Type:      TypePong,
		Timestamp: stamp(),
	}
}
