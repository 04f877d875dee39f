package store

import (
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/quantkit/augur/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	conn, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// A single connection keeps every caller on the same in-memory database.
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, InitSchema(conn))
	return New(conn, zerolog.Nop())
}

func testParams() domain.ScanParams {
	return domain.ScanParams{
		Symbols:        []string{"AAPL", "MSFT"},
		K:              50,
		HorizonMinutes: 60,
		Alpha:          0.1,
		MinEdge:        0.05,
	}
}

func testPrediction(id, jobID, symbol string, scanTime time.Time, horizon int) *domain.Prediction {
	return &domain.Prediction{
		ID:             id,
		JobID:          jobID,
		Symbol:         symbol,
		ScanTime:       scanTime,
		HorizonMinutes: horizon,
		ProbUp:         0.62,
		ProbDown:       0.38,
		MeanReturn:     0.45,
		Edge:           0.279,
		Direction:      domain.DirectionUp,
		NNeighbors:     50,
		Dist1:          0.031,
		P10:            -0.8,
		P90:            1.9,
		PriceAtScan:    187.32,
	}
}

func TestCreateJobAndGetJob(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateJob("job-1", testParams(), 2))

	job, err := s.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, domain.JobStatusRunning, job.Status)
	assert.Equal(t, 2, job.TotalSymbols)
	assert.Equal(t, 0, job.Completed)
	assert.Nil(t, job.CompletedAt)
	assert.Equal(t, []string{"AAPL", "MSFT"}, job.Params.Symbols)
}

func TestCreateJobDuplicateID(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateJob("job-1", testParams(), 2))
	err := s.CreateJob("job-1", testParams(), 2)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetJob("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompleteJobTransitionsOnce(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateJob("job-1", testParams(), 2))
	require.NoError(t, s.CompleteJob("job-1", domain.JobStatusCompleted))

	job, err := s.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)

	// A second terminal transition is a no-op, not an overwrite.
	require.NoError(t, s.CompleteJob("job-1", domain.JobStatusCancelled))
	job, err = s.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
}

func TestCompleteJobRejectsNonTerminal(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateJob("job-1", testParams(), 1))
	assert.Error(t, s.CompleteJob("job-1", domain.JobStatusRunning))
}

func TestUpdateJobProgress(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateJob("job-1", testParams(), 5))
	require.NoError(t, s.UpdateJobProgress("job-1", 3, 1))

	job, err := s.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, 3, job.Completed)
	assert.Equal(t, 1, job.Failed)
}

func TestInsertPredictionRoundsAndNormalizes(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateJob("job-1", testParams(), 1))

	p := testPrediction("pred-1", "job-1", " aapl ", time.Now(), 60)
	p.ProbUp = 0.123456
	p.ProbDown = 0.876544
	p.Edge = 0.0123456
	require.NoError(t, s.InsertPrediction(p))

	stored, err := s.GetPrediction("pred-1")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", stored.Symbol)
	assert.Equal(t, 0.1235, stored.ProbUp)
	assert.Equal(t, 0.8765, stored.ProbDown)
	assert.Equal(t, 0.0123, stored.Edge)
	// Prices are stored raw.
	assert.Equal(t, 187.32, stored.PriceAtScan)
	assert.False(t, stored.IsVerified())
}

func TestInsertPredictionDuplicateID(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateJob("job-1", testParams(), 1))

	p := testPrediction("pred-1", "job-1", "AAPL", time.Now(), 60)
	require.NoError(t, s.InsertPrediction(p))
	assert.ErrorIs(t, s.InsertPrediction(p), ErrDuplicateID)
}

func TestVerifyPredictionAtMostOnce(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateJob("job-1", testParams(), 1))
	require.NoError(t, s.InsertPrediction(testPrediction("pred-1", "job-1", "AAPL", time.Now().Add(-2*time.Hour), 60)))

	require.NoError(t, s.VerifyPrediction("pred-1", 190.11, 1.48963, true, 1.48963))

	stored, err := s.GetPrediction("pred-1")
	require.NoError(t, err)
	require.True(t, stored.IsVerified())
	assert.Equal(t, 190.11, *stored.PriceAtHorizon)
	assert.Equal(t, 1.4896, *stored.ActualReturn)
	assert.Equal(t, 1.4896, *stored.Pnl)
	assert.True(t, *stored.WasCorrect)

	// The second write loses the conditional update and leaves the row alone.
	err = s.VerifyPrediction("pred-1", 50.0, -70.0, false, -70.0)
	assert.ErrorIs(t, err, ErrAlreadyVerified)

	stored, err = s.GetPrediction("pred-1")
	require.NoError(t, err)
	assert.Equal(t, 190.11, *stored.PriceAtHorizon)
	assert.True(t, *stored.WasCorrect)
}

func TestVerifyPredictionNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.VerifyPrediction("missing", 1, 1, true, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVerifyPredictionConcurrent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateJob("job-1", testParams(), 1))
	require.NoError(t, s.InsertPrediction(testPrediction("pred-1", "job-1", "AAPL", time.Now().Add(-2*time.Hour), 60)))

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.VerifyPrediction("pred-1", 190.0, 1.43, true, 1.43)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyVerified)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestPendingAndActivePredictions(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateJob("job-1", testParams(), 3))

	now := time.Now()
	// Matured two hours ago.
	require.NoError(t, s.InsertPrediction(testPrediction("matured", "job-1", "AAPL", now.Add(-3*time.Hour), 60)))
	// Still inside its horizon.
	require.NoError(t, s.InsertPrediction(testPrediction("active", "job-1", "MSFT", now.Add(-10*time.Minute), 60)))
	// Matured but already verified.
	require.NoError(t, s.InsertPrediction(testPrediction("done", "job-1", "NVDA", now.Add(-3*time.Hour), 60)))
	require.NoError(t, s.VerifyPrediction("done", 100, 0.5, true, 0.5))

	pending, err := s.GetPendingPredictions(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "matured", pending[0].ID)

	active, err := s.GetActivePredictions()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "active", active[0].ID)
}

func TestGetPendingPredictionsOrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateJob("job-1", testParams(), 3))

	now := time.Now()
	require.NoError(t, s.InsertPrediction(testPrediction("newer", "job-1", "AAPL", now.Add(-2*time.Hour), 60)))
	require.NoError(t, s.InsertPrediction(testPrediction("oldest", "job-1", "MSFT", now.Add(-5*time.Hour), 60)))
	require.NoError(t, s.InsertPrediction(testPrediction("middle", "job-1", "NVDA", now.Add(-3*time.Hour), 60)))

	pending, err := s.GetPendingPredictions(2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "oldest", pending[0].ID)
	assert.Equal(t, "middle", pending[1].ID)
}

func TestGetJobStatusSortFilterLimit(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateJob("job-1", testParams(), 3))

	now := time.Now()
	low := testPrediction("low", "job-1", "AAPL", now, 60)
	low.Edge = 0.01
	high := testPrediction("high", "job-1", "MSFT", now, 60)
	high.Edge = 0.9
	down := testPrediction("down", "job-1", "NVDA", now, 60)
	down.Edge = 0.5
	down.Direction = domain.DirectionDown

	require.NoError(t, s.InsertPrediction(low))
	require.NoError(t, s.InsertPrediction(high))
	require.NoError(t, s.InsertPrediction(down))
	require.NoError(t, s.InsertFailure("job-1", &domain.Failure{
		JobID:    "job-1",
		Symbol:   "TSLA",
		ScanTime: now,
		Code:     domain.FailureNoData,
		Reason:   "matcher returned no forecast",
	}))

	result, err := s.GetJobStatus("job-1", JobQuery{SortBy: "edge"})
	require.NoError(t, err)
	require.Len(t, result.Results, 3)
	assert.Equal(t, "high", result.Results[0].ID)
	assert.Equal(t, "down", result.Results[1].ID)
	assert.Equal(t, "low", result.Results[2].ID)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, domain.FailureNoData, result.Failures[0].Code)

	result, err = s.GetJobStatus("job-1", JobQuery{Direction: domain.DirectionDown})
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Equal(t, "down", result.Results[0].ID)

	result, err = s.GetJobStatus("job-1", JobQuery{SortBy: "edge", Limit: 1})
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Equal(t, "high", result.Results[0].ID)
}

func TestInsertFailureWithMinutes(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateJob("job-1", testParams(), 1))

	minutes := 1830
	require.NoError(t, s.InsertFailure("job-1", &domain.Failure{
		JobID:         "job-1",
		Symbol:        "aapl",
		ScanTime:      time.Now(),
		Code:          domain.FailureWeekend,
		Reason:        "market closed: weekend",
		MinutesToOpen: &minutes,
	}))

	result, err := s.GetJobStatus("job-1", JobQuery{})
	require.NoError(t, err)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "AAPL", result.Failures[0].Symbol)
	require.NotNil(t, result.Failures[0].MinutesToOpen)
	assert.Equal(t, 1830, *result.Failures[0].MinutesToOpen)
	assert.Nil(t, result.Failures[0].MinutesSinceClose)
}

func TestSweep(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateJob("old-job", testParams(), 1))
	require.NoError(t, s.CreateJob("new-job", testParams(), 1))

	old := time.Now().AddDate(0, 0, -45)
	recent := time.Now().Add(-time.Hour)

	require.NoError(t, s.InsertPrediction(testPrediction("old-pred", "old-job", "AAPL", old, 60)))
	require.NoError(t, s.InsertPrediction(testPrediction("new-pred", "new-job", "MSFT", recent, 60)))
	require.NoError(t, s.InsertFailure("old-job", &domain.Failure{
		JobID: "old-job", Symbol: "TSLA", ScanTime: old,
		Code: domain.FailureNoData, Reason: "no data",
	}))

	// Backdate the old job so the empty-job cleanup can catch it.
	_, err := s.db.Exec("UPDATE jobs SET started_at = ? WHERE id = 'old-job'", formatTime(old))
	require.NoError(t, err)

	result, err := s.Sweep(time.Now().AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Predictions)
	assert.Equal(t, int64(1), result.Failures)
	assert.Equal(t, int64(1), result.Jobs)

	_, err = s.GetPrediction("old-pred")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetJob("old-job")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetPrediction("new-pred")
	assert.NoError(t, err)
}

func TestPriceCacheRoundTrip(t *testing.T) {
	s := newTestStore(t)

	_, err := s.LoadPriceCache()
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SavePriceCache([]byte("payload-1")))
	payload, err := s.LoadPriceCache()
	require.NoError(t, err)
	assert.Equal(t, []byte("payload-1"), payload)

	// Upsert replaces, id stays 1.
	require.NoError(t, s.SavePriceCache([]byte("payload-2")))
	payload, err = s.LoadPriceCache()
	require.NoError(t, err)
	assert.Equal(t, []byte("payload-2"), payload)
}
