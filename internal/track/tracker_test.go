package track

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/quantkit/augur/internal/domain"
	"github.com/quantkit/augur/internal/hub"
	"github.com/quantkit/augur/internal/store"
)

// fakeBatcher records requested symbols and serves a fixed price map.
type fakeBatcher struct {
	mu     sync.Mutex
	prices map[string]float64
	asked  [][]string
}

func (f *fakeBatcher) GetPrices(ctx context.Context, symbols []string) map[string]float64 {
	f.mu.Lock()
	f.asked = append(f.asked, append([]string(nil), symbols...))
	f.mu.Unlock()

	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		if p, ok := f.prices[s]; ok {
			out[s] = p
		}
	}
	return out
}

func (f *fakeBatcher) requests() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.asked
}

// frameSink captures broadcast price_update frames.
type frameSink struct {
	mu     sync.Mutex
	frames []hub.Envelope
}

func (s *frameSink) Write(ctx context.Context, data []byte) error {
	var env hub.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	s.mu.Lock()
	s.frames = append(s.frames, env)
	s.mu.Unlock()
	return nil
}

func (s *frameSink) Close() error { return nil }

func (s *frameSink) waitFrames(t *testing.T, n int) []hub.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		got := len(s.frames)
		s.mu.Unlock()
		if got >= n {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d frames, got %d", n, got)
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]hub.Envelope, len(s.frames))
	copy(out, s.frames)
	return out
}

func newTestTracker(t *testing.T, prices map[string]float64) (*Tracker, *store.Store, *fakeBatcher, *frameSink) {
	t.Helper()

	conn, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, store.InitSchema(conn))

	st := store.New(conn, zerolog.Nop())
	h := hub.New(zerolog.Nop())

	sink := &frameSink{}
	c := h.Connect(sink)
	t.Cleanup(func() { h.Disconnect(c) })

	batcher := &fakeBatcher{prices: prices}
	tr := New(st, batcher, h, time.Second, time.Second, zerolog.Nop())
	return tr, st, batcher, sink
}

func seedActive(t *testing.T, st *store.Store, id, symbol string, direction domain.Direction, priceAtScan float64) {
	t.Helper()
	require.NoError(t, st.InsertPrediction(&domain.Prediction{
		ID:             id,
		JobID:          "job-1",
		Symbol:         symbol,
		ScanTime:       time.Now().Add(-10 * time.Minute),
		HorizonMinutes: 60,
		ProbUp:         0.62,
		ProbDown:       0.38,
		Direction:      direction,
		PriceAtScan:    priceAtScan,
	}))
}

func TestIteratePublishesUnrealizedPnl(t *testing.T) {
	tr, st, _, sink := newTestTracker(t, map[string]float64{"AAPL": 102.0})
	require.NoError(t, st.CreateJob("job-1", domain.ScanParams{Symbols: []string{"AAPL"}}, 1))
	seedActive(t, st, "pred-1", "AAPL", domain.DirectionDown, 100.0)

	require.NoError(t, tr.Iterate(context.Background()))

	frames := sink.waitFrames(t, 1)
	env := frames[0]
	assert.Equal(t, hub.TypePriceUpdate, env.Type)
	require.NotNil(t, env.PriceUpdate)

	u := env.PriceUpdate
	assert.Equal(t, "pred-1", u.PredictionID)
	assert.Equal(t, 102.0, u.CurrentPrice)
	assert.Equal(t, 100.0, u.PriceAtScan)
	assert.Equal(t, 2.0, u.UnrealizedReturn)
	// DOWN against a rising price: losing, pnl negated.
	assert.Equal(t, -2.0, u.UnrealizedPnl)
	assert.False(t, u.IsCurrentlyCorrect)
	assert.Equal(t, 50, u.MinutesRemaining)
}

func TestIterateSharesPriceAcrossPredictions(t *testing.T) {
	tr, st, batcher, sink := newTestTracker(t, map[string]float64{"AAPL": 102.0})
	require.NoError(t, st.CreateJob("job-1", domain.ScanParams{Symbols: []string{"AAPL"}}, 1))
	seedActive(t, st, "pred-1", "AAPL", domain.DirectionUp, 100.0)
	seedActive(t, st, "pred-2", "AAPL", domain.DirectionDown, 90.0)

	require.NoError(t, tr.Iterate(context.Background()))

	frames := sink.waitFrames(t, 2)
	assert.Len(t, frames, 2)

	// One symbol, one vendor request.
	reqs := batcher.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []string{"AAPL"}, reqs[0])
}

func TestIterateThrottlesPerSymbol(t *testing.T) {
	tr, st, batcher, _ := newTestTracker(t, map[string]float64{"AAPL": 102.0})
	require.NoError(t, st.CreateJob("job-1", domain.ScanParams{Symbols: []string{"AAPL"}}, 1))
	seedActive(t, st, "pred-1", "AAPL", domain.DirectionUp, 100.0)

	base := time.Now()
	tr.now = func() time.Time { return base }
	require.NoError(t, tr.Iterate(context.Background()))

	// Within the throttle window: the symbol is skipped entirely.
	tr.now = func() time.Time { return base.Add(500 * time.Millisecond) }
	require.NoError(t, tr.Iterate(context.Background()))
	assert.Len(t, batcher.requests(), 1)

	// Past the window: fetched again.
	tr.now = func() time.Time { return base.Add(1500 * time.Millisecond) }
	require.NoError(t, tr.Iterate(context.Background()))
	assert.Len(t, batcher.requests(), 2)
}

func TestIterateNoActivePredictions(t *testing.T) {
	tr, _, batcher, _ := newTestTracker(t, map[string]float64{"AAPL": 102.0})

	require.NoError(t, tr.Iterate(context.Background()))
	assert.Empty(t, batcher.requests())
}

func TestIterateSkipsSymbolsWithoutPrices(t *testing.T) {
	tr, st, _, sink := newTestTracker(t, map[string]float64{"AAPL": 102.0})
	require.NoError(t, st.CreateJob("job-1", domain.ScanParams{Symbols: []string{"AAPL", "MSFT"}}, 2))
	seedActive(t, st, "has-price", "AAPL", domain.DirectionUp, 100.0)
	seedActive(t, st, "no-price", "MSFT", domain.DirectionUp, 100.0)

	require.NoError(t, tr.Iterate(context.Background()))

	frames := sink.waitFrames(t, 1)
	assert.Equal(t, "has-price", frames[0].PriceUpdate.PredictionID)
}

func TestStartStopIdempotent(t *testing.T) {
	tr, _, _, _ := newTestTracker(t, nil)

	tr.Start()
	tr.Start()
	tr.Stop()
	tr.Stop()
}
