package maintenance

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantkit/augur/internal/database"
	"github.com/quantkit/augur/internal/domain"
	"github.com/quantkit/augur/internal/store"
)

func newTestRetention(t *testing.T, days int) (*RetentionService, *store.Store) {
	t.Helper()

	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
		Name: "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, store.InitSchema(db.Conn()))
	st := store.New(db.Conn(), zerolog.Nop())
	return NewRetentionService(st, db, days, zerolog.Nop()), st
}

func TestRetentionSweepRemovesOldData(t *testing.T) {
	svc, st := newTestRetention(t, 30)

	require.NoError(t, st.CreateJob("job-1", domain.ScanParams{Symbols: []string{"AAPL"}}, 2))
	require.NoError(t, st.InsertPrediction(&domain.Prediction{
		ID: "old", JobID: "job-1", Symbol: "AAPL",
		ScanTime: time.Now().AddDate(0, 0, -45), HorizonMinutes: 60,
		Direction: domain.DirectionUp, PriceAtScan: 100,
	}))
	require.NoError(t, st.InsertPrediction(&domain.Prediction{
		ID: "recent", JobID: "job-1", Symbol: "MSFT",
		ScanTime: time.Now().Add(-time.Hour), HorizonMinutes: 60,
		Direction: domain.DirectionUp, PriceAtScan: 100,
	}))

	require.NoError(t, svc.Run())

	_, err := st.GetPrediction("old")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetPrediction("recent")
	assert.NoError(t, err)
}

func TestRetentionDisabled(t *testing.T) {
	svc, st := newTestRetention(t, 0)

	require.NoError(t, st.CreateJob("job-1", domain.ScanParams{Symbols: []string{"AAPL"}}, 1))
	require.NoError(t, st.InsertPrediction(&domain.Prediction{
		ID: "ancient", JobID: "job-1", Symbol: "AAPL",
		ScanTime: time.Now().AddDate(-1, 0, 0), HorizonMinutes: 60,
		Direction: domain.DirectionUp, PriceAtScan: 100,
	}))

	require.NoError(t, svc.Run())

	_, err := st.GetPrediction("ancient")
	assert.NoError(t, err)
}
