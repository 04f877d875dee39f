package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDirectionFor(t *testing.T) {
	assert.Equal(t, DirectionUp, DirectionFor(0.6, 0.4))
	assert.Equal(t, DirectionDown, DirectionFor(0.4, 0.6))

	// Ties go DOWN: UP requires a strict majority.
	assert.Equal(t, DirectionDown, DirectionFor(0.5, 0.5))
}

func TestEdgeFor(t *testing.T) {
	assert.InDelta(t, 0.6*0.5, EdgeFor(0.6, 0.4, 0.5), 1e-12)

	// Negative expected return still produces a positive edge.
	assert.InDelta(t, 0.7*0.3, EdgeFor(0.3, 0.7, -0.3), 1e-12)

	assert.Equal(t, 0.0, EdgeFor(0.5, 0.5, 0))
}

func TestScore(t *testing.T) {
	tests := []struct {
		name         string
		direction    Direction
		actualReturn float64
		wantCorrect  bool
		wantPnl      float64
	}{
		{"up and rose", DirectionUp, 1.5, true, 1.5},
		{"up but fell", DirectionUp, -0.8, false, -0.8},
		{"down and fell", DirectionDown, -0.8, true, 0.8},
		{"down but rose", DirectionDown, 1.5, false, -1.5},
		{"flat is a miss for up", DirectionUp, 0, false, 0},
		{"flat is a miss for down", DirectionDown, 0, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			correct, pnl := Score(tt.direction, tt.actualReturn)
			assert.Equal(t, tt.wantCorrect, correct)
			assert.InDelta(t, tt.wantPnl, pnl, 1e-12)
		})
	}
}

func TestPercentReturn(t *testing.T) {
	assert.InDelta(t, 5.0, PercentReturn(100, 105), 1e-12)
	assert.InDelta(t, -2.5, PercentReturn(200, 195), 1e-12)
	assert.InDelta(t, 0.0, PercentReturn(42, 42), 1e-12)
}

func TestRound4(t *testing.T) {
	assert.Equal(t, 0.1235, Round4(0.12345))
	assert.Equal(t, 0.1234, Round4(0.12344))
	assert.Equal(t, -0.1235, Round4(-0.12345000001))
	assert.Equal(t, 1.0, Round4(1.00004))
}

func TestPredictionMaturity(t *testing.T) {
	scan := time.Date(2026, 2, 3, 14, 0, 0, 0, time.UTC)
	p := Prediction{ScanTime: scan, HorizonMinutes: 60}

	assert.Equal(t, scan.Add(time.Hour), p.MaturesAt())
	assert.False(t, p.IsMatured(scan.Add(59*time.Minute)))
	assert.True(t, p.IsMatured(scan.Add(time.Hour)))
	assert.True(t, p.IsMatured(scan.Add(2*time.Hour)))
	assert.False(t, p.IsVerified())

	now := time.Now()
	p.VerifiedAt = &now
	assert.True(t, p.IsVerified())
}

func TestJobStatusIsTerminal(t *testing.T) {
	assert.False(t, JobStatusPending.IsTerminal())
	assert.False(t, JobStatusRunning.IsTerminal())
	assert.True(t, JobStatusCompleted.IsTerminal())
	assert.True(t, JobStatusCancelled.IsTerminal())
	assert.True(t, JobStatusFailed.IsTerminal())
}
