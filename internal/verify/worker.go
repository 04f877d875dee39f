// Package verify closes the loop on predictions: once a prediction's
// horizon elapses, the worker fetches the realized price, scores it, and
// writes the verification back exactly once.
package verify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantkit/augur/internal/domain"
	"github.com/quantkit/augur/internal/hub"
	"github.com/quantkit/augur/internal/store"
)

// PriceGetter resolves one current price; absent means "try again next
// pass", never an error.
type PriceGetter interface {
	GetPrice(ctx context.Context, symbol string) (float64, bool)
}

// Worker is a long-running task: sleep checkInterval, run a pass, repeat.
// It is safe to run in multiple replicas; the store's conditional update is
// the sole at-most-once arbiter and ErrAlreadyVerified losses are skipped
// silently.
type Worker struct {
	store     *store.Store
	prices    PriceGetter
	hub       *hub.Hub
	interval  time.Duration
	batchSize int
	log       zerolog.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates a verification worker.
func New(st *store.Store, prices PriceGetter, h *hub.Hub, interval time.Duration, batchSize int, log zerolog.Logger) *Worker {
	return &Worker{
		store:     st,
		prices:    prices,
		hub:       h,
		interval:  interval,
		batchSize: batchSize,
		log:       log.With().Str("component", "verification_worker").Logger(),
	}
}

// Start launches the worker loop. No-op if already running.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return
	}
	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})

	go w.run(w.stop, w.done)
	w.log.Info().Dur("interval", w.interval).Int("batch_size", w.batchSize).Msg("Verification worker started")
}

// Stop signals the loop to exit and waits for the current pass to finish.
// No-op if not running.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	stop, done := w.stop, w.done
	w.mu.Unlock()

	close(stop)
	<-done
	w.log.Info().Msg("Verification worker stopped")
}

func (w *Worker) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithCancel(context.Background())
			// Abandon in-flight fetches cleanly if Stop arrives mid-pass.
			go func() {
				select {
				case <-stop:
					cancel()
				case <-ctx.Done():
				}
			}()

			if _, err := w.Pass(ctx); err != nil {
				w.log.Error().Err(err).Msg("Verification pass failed")
			}
			cancel()
		}
	}
}

// Pass verifies up to batchSize matured predictions and returns how many
// were scored. An absent price is a deferral, not a failure: the prediction
// is retried on the next pass.
func (w *Worker) Pass(ctx context.Context) (int, error) {
	pending, err := w.store.GetPendingPredictions(w.batchSize)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	verified := 0
	for i := range pending {
		if ctx.Err() != nil {
			break
		}
		if w.verifyOne(ctx, &pending[i]) {
			verified++
		}
	}

	if verified > 0 {
		w.log.Info().Int("verified", verified).Int("pending", len(pending)).Msg("Verification pass completed")
	}
	return verified, nil
}

func (w *Worker) verifyOne(ctx context.Context, p *domain.Prediction) bool {
	price, ok := w.prices.GetPrice(ctx, p.Symbol)
	if !ok {
		w.log.Debug().Str("symbol", p.Symbol).Str("prediction_id", p.ID).Msg("Price unavailable, deferring verification")
		return false
	}

	actualReturn := domain.PercentReturn(p.PriceAtScan, price)
	wasCorrect, pnl := domain.Score(p.Direction, actualReturn)

	err := w.store.VerifyPrediction(p.ID, price, actualReturn, wasCorrect, pnl)
	if errors.Is(err, store.ErrAlreadyVerified) {
		// Another replica won the conditional update.
		return false
	}
	if err != nil {
		w.log.Error().Err(err).Str("prediction_id", p.ID).Msg("Failed to verify prediction")
		return false
	}

	// The predicting job may be long finished, so verifications go to every
	// connection rather than the job's subscribers.
	w.hub.BroadcastAll(hub.NewVerification(p.JobID, hub.VerificationData{
		PredictionID: p.ID,
		Symbol:       p.Symbol,
		ActualReturn: actualReturn,
		WasCorrect:   wasCorrect,
		Pnl:          pnl,
		VerifiedAt:   time.Now().UTC(),
	}))

	return true
}
