package pricing

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// cachedPrice is one last-good price entry.
type cachedPrice struct {
	Price float64   `msgpack:"price"`
	At    time.Time `msgpack:"at"`
}

// remember records the last good price for a symbol.
func (s *Source) remember(symbol string, price float64) {
	s.cacheMu.Lock()
	s.cache[symbol] = cachedPrice{Price: price, At: s.now()}
	s.cacheMu.Unlock()
}

// cached returns a recent cached price, if any. Entries older than the
// aggregate freshness window are ignored.
func (s *Source) cached(symbol string) (float64, bool) {
	s.cacheMu.RLock()
	entry, ok := s.cache[symbol]
	s.cacheMu.RUnlock()

	if !ok || s.now().Sub(entry.At) > aggregateMaxAge {
		return 0, false
	}
	return entry.Price, true
}

// SnapshotCache serializes the last-price cache for persistence across
// restarts.
func (s *Source) SnapshotCache() ([]byte, error) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()

	data, err := msgpack.Marshal(s.cache)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize price cache: %w", err)
	}
	return data, nil
}

// RestoreCache loads a previously serialized cache. Stale entries are kept
// in the map but never served; cached() enforces freshness on read.
func (s *Source) RestoreCache(data []byte) error {
	var cache map[string]cachedPrice
	if err := msgpack.Unmarshal(data, &cache); err != nil {
		return fmt.Errorf("failed to deserialize price cache: %w", err)
	}

	s.cacheMu.Lock()
	for symbol, entry := range cache {
		s.cache[symbol] = entry
	}
	s.cacheMu.Unlock()

	s.log.Info().Int("symbols", len(cache)).Msg("Price cache restored")
	return nil
}
