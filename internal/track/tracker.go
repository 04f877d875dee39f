// Package track streams unrealized PnL for still-open predictions so the UI
// stays honest between scan time and the horizon.
package track

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantkit/augur/internal/domain"
	"github.com/quantkit/augur/internal/hub"
	"github.com/quantkit/augur/internal/store"
)

// PriceBatcher resolves many prices at once to amortize vendor round trips.
type PriceBatcher interface {
	GetPrices(ctx context.Context, symbols []string) map[string]float64
}

// Tracker is a long-running task: every interval it loads the active
// predictions, fetches a price batch and broadcasts one price_update per
// prediction. Updates are throttled per symbol to coalesce bursts.
//
// Broadcasting goes to all connections deliberately: a client watching a
// prediction dashboard may have unsubscribed from the parent job but still
// wants live PnL; the prediction id in the payload lets it index.
type Tracker struct {
	store    *store.Store
	prices   PriceBatcher
	hub      *hub.Hub
	interval time.Duration
	throttle time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	lastSent map[string]time.Time // per-symbol throttle
	now      func() time.Time
}

// New creates a price tracker.
func New(st *store.Store, prices PriceBatcher, h *hub.Hub, interval, throttle time.Duration, log zerolog.Logger) *Tracker {
	return &Tracker{
		store:    st,
		prices:   prices,
		hub:      h,
		interval: interval,
		throttle: throttle,
		log:      log.With().Str("component", "price_tracker").Logger(),
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Start launches the tracker loop. No-op if already running.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return
	}
	t.running = true
	t.stop = make(chan struct{})
	t.done = make(chan struct{})

	go t.run(t.stop, t.done)
	t.log.Info().Dur("interval", t.interval).Msg("Price tracker started")
}

// Stop signals the loop to exit and waits for the current iteration.
// No-op if not running.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	stop, done := t.stop, t.done
	t.mu.Unlock()

	close(stop)
	<-done
	t.log.Info().Msg("Price tracker stopped")
}

func (t *Tracker) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				select {
				case <-stop:
					cancel()
				case <-ctx.Done():
				}
			}()

			if err := t.Iterate(ctx); err != nil {
				t.log.Error().Err(err).Msg("Price tracker iteration failed")
			}
			cancel()
		}
	}
}

// Iterate runs one tracking pass: active predictions → distinct symbols →
// batched prices → one price_update per prediction with a fresh price.
func (t *Tracker) Iterate(ctx context.Context) error {
	active, err := t.store.GetActivePredictions()
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return nil
	}

	symbols := distinctSymbols(active)
	throttled := t.dueSymbols(symbols)
	if len(throttled) == 0 {
		return nil
	}

	prices := t.prices.GetPrices(ctx, throttled)
	if len(prices) == 0 {
		return nil
	}

	now := t.now()
	sent := 0
	for i := range active {
		p := &active[i]
		price, ok := prices[p.Symbol]
		if !ok {
			continue
		}
		t.publish(p, price, now)
		sent++
	}

	t.mu.Lock()
	for symbol := range prices {
		t.lastSent[symbol] = now
	}
	t.mu.Unlock()

	t.log.Debug().Int("predictions", sent).Int("symbols", len(prices)).Msg("Price updates broadcast")
	return nil
}

// dueSymbols filters out symbols updated within the throttle window.
func (t *Tracker) dueSymbols(symbols []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	due := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		if last, ok := t.lastSent[symbol]; ok && now.Sub(last) < t.throttle {
			continue
		}
		due = append(due, symbol)
	}
	return due
}

func (t *Tracker) publish(p *domain.Prediction, price float64, now time.Time) {
	unrealizedReturn := domain.PercentReturn(p.PriceAtScan, price)
	isCorrect, unrealizedPnl := domain.Score(p.Direction, unrealizedReturn)

	elapsed := int(now.Sub(p.ScanTime).Minutes())
	remaining := p.HorizonMinutes - elapsed
	if remaining < 0 {
		remaining = 0
	}

	t.hub.BroadcastAll(hub.NewPriceUpdate(hub.PriceUpdateData{
		PredictionID:       p.ID,
		JobID:              p.JobID,
		Symbol:             p.Symbol,
		CurrentPrice:       price,
		PriceAtScan:        p.PriceAtScan,
		UnrealizedReturn:   unrealizedReturn,
		UnrealizedPnl:      unrealizedPnl,
		Direction:          string(p.Direction),
		IsCurrentlyCorrect: isCorrect,
		MinutesRemaining:   remaining,
		Timestamp:          now.UTC(),
	}))
}

func distinctSymbols(predictions []domain.Prediction) []string {
	seen := make(map[string]struct{}, len(predictions))
	out := make([]string, 0, len(predictions))
	for i := range predictions {
		symbol := predictions[i].Symbol
		if _, dup := seen[symbol]; dup {
			continue
		}
		seen[symbol] = struct{}{}
		out = append(out, symbol)
	}
	return out
}
