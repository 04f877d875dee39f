// Package matcher adapts the external nearest-neighbor pattern-matching
// service behind a single narrow contract.
package matcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// StatusSuccess is the matcher's status value for a usable forecast.
const StatusSuccess = "success"

// Forecast is the matcher's directional forecast block.
type Forecast struct {
	ProbUp     float64 `json:"prob_up"`
	ProbDown   float64 `json:"prob_down"`
	MeanReturn float64 `json:"mean_return"`
	NNeighbors int     `json:"n_neighbors"`
	P10        float64 `json:"p10"`
	P90        float64 `json:"p90"`
}

// Neighbor is one entry of the nearest-neighbor list.
type Neighbor struct {
	Symbol   string  `json:"symbol"`
	Distance float64 `json:"distance"`
}

// HistoricalContext carries the tail of the query pattern's prices; the last
// element is the price at scan time.
type HistoricalContext struct {
	Prices []float64 `json:"prices"`
}

// SearchResult is the matcher's full response for one symbol.
type SearchResult struct {
	Status            string             `json:"status"`
	Error             string             `json:"error,omitempty"`
	Forecast          *Forecast          `json:"forecast,omitempty"`
	Neighbors         []Neighbor         `json:"neighbors,omitempty"`
	HistoricalContext *HistoricalContext `json:"historical_context,omitempty"`
}

// NearestDistance returns the distance to the closest neighbor, or 0 when
// the neighbor list is empty.
func (r *SearchResult) NearestDistance() float64 {
	if len(r.Neighbors) == 0 {
		return 0
	}
	return r.Neighbors[0].Distance
}

// PriceAtScan reads the last historical price. ok is false when the tail is
// missing or the price is non-positive; callers must treat that as a PRICE
// failure, never fabricate a price.
func (r *SearchResult) PriceAtScan() (float64, bool) {
	if r.HistoricalContext == nil || len(r.HistoricalContext.Prices) == 0 {
		return 0, false
	}
	price := r.HistoricalContext.Prices[len(r.HistoricalContext.Prices)-1]
	if price <= 0 {
		return 0, false
	}
	return price, true
}

// Client calls the pattern-matching service over HTTP. It is safe for use
// from concurrent scan workers; the underlying http.Client pools
// connections.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient creates a matcher client with a per-search timeout.
func NewClient(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "matcher_client").Logger(),
	}
}

// searchRequest is the wire shape of a search call.
type searchRequest struct {
	Symbol     string `json:"symbol"`
	K          int    `json:"k"`
	CrossAsset bool   `json:"cross_asset"`
}

// Search runs one nearest-neighbor query for a symbol.
func (c *Client) Search(ctx context.Context, symbol string, k int, crossAsset bool) (*SearchResult, error) {
	body, err := json.Marshal(searchRequest{Symbol: symbol, K: k, CrossAsset: crossAsset})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("matcher request failed for %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read matcher response for %s: %w", symbol, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("matcher returned HTTP %d for %s", resp.StatusCode, symbol)
	}

	var result SearchResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse matcher response for %s: %w", symbol, err)
	}

	c.log.Debug().
		Str("symbol", symbol).
		Str("status", result.Status).
		Int("neighbors", len(result.Neighbors)).
		Msg("Matcher search completed")
	return &result, nil
}
