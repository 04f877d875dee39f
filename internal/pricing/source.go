// Package pricing fetches current prices from the market-data vendor with a
// snapshot-first, aggregate-fallback strategy. Failures never cross the
// boundary as errors: a price is either present or absent.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// aggregateMaxAge bounds how old a minute aggregate (or cached price)
	// may be and still count as "current".
	aggregateMaxAge = 5 * time.Minute

	// batchFanOut bounds concurrent vendor calls in GetPrices.
	batchFanOut = 8
)

// Source resolves a single numeric "current price" per symbol.
type Source struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     zerolog.Logger

	cacheMu sync.RWMutex
	cache   map[string]cachedPrice

	now func() time.Time
}

// NewSource creates a price source with a per-fetch timeout.
func NewSource(baseURL, apiKey string, timeout time.Duration, log zerolog.Logger) *Source {
	return &Source{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "price_source").Logger(),
		cache:   make(map[string]cachedPrice),
		now:     time.Now,
	}
}

// snapshotResponse is the vendor's live quote shape.
type snapshotResponse struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"` // unix ms
}

// aggregateResponse is the vendor's latest minute bar shape.
type aggregateResponse struct {
	Close     float64 `json:"close"`
	Timestamp int64   `json:"timestamp"` // unix ms, bar start
}

// GetPrice returns the current price for a symbol. Strategy: live snapshot
// first, then the most recent minute aggregate within the last 5 minutes,
// then a fresh cached value. Any network or parse error yields absent.
func (s *Source) GetPrice(ctx context.Context, symbol string) (float64, bool) {
	if price, ok := s.fetchSnapshot(ctx, symbol); ok {
		s.remember(symbol, price)
		return price, true
	}

	if price, ok := s.fetchLatestAggregate(ctx, symbol); ok {
		s.remember(symbol, price)
		return price, true
	}

	if price, ok := s.cached(symbol); ok {
		return price, true
	}

	return 0, false
}

// GetPrices resolves prices for many symbols with bounded fan-out.
// Semantically equivalent to calling GetPrice per symbol and merging;
// symbols without a price are simply absent from the map.
func (s *Source) GetPrices(ctx context.Context, symbols []string) map[string]float64 {
	results := make(map[string]float64, len(symbols))
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, batchFanOut)
	)

	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if price, ok := s.GetPrice(ctx, symbol); ok {
				mu.Lock()
				results[symbol] = price
				mu.Unlock()
			}
		}(symbol)
	}

	wg.Wait()
	return results
}

func (s *Source) fetchSnapshot(ctx context.Context, symbol string) (float64, bool) {
	url := fmt.Sprintf("%s/v1/last/%s", s.baseURL, symbol)

	var snap snapshotResponse
	if !s.fetchJSON(ctx, url, &snap) {
		return 0, false
	}
	if snap.Price <= 0 {
		return 0, false
	}
	return snap.Price, true
}

func (s *Source) fetchLatestAggregate(ctx context.Context, symbol string) (float64, bool) {
	url := fmt.Sprintf("%s/v1/aggs/%s/minute/latest", s.baseURL, symbol)

	var agg aggregateResponse
	if !s.fetchJSON(ctx, url, &agg) {
		return 0, false
	}
	if agg.Close <= 0 {
		return 0, false
	}

	barTime := time.UnixMilli(agg.Timestamp)
	if s.now().Sub(barTime) > aggregateMaxAge {
		return 0, false
	}
	return agg.Close, true
}

// fetchJSON performs one GET and decodes the body. All failures are logged
// at debug and reported as absent.
func (s *Source) fetchJSON(ctx context.Context, url string, v interface{}) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		s.log.Debug().Err(err).Str("url", url).Msg("Price fetch failed")
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.log.Debug().Int("status", resp.StatusCode).Str("url", url).Msg("Price fetch non-OK")
		return false
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.log.Debug().Err(err).Str("url", url).Msg("Price response parse failed")
		return false
	}
	return true
}
