package store

import (
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/quantkit/augur/internal/domain"
)

// PerformanceBucket summarizes a slice of verified predictions.
type PerformanceBucket struct {
	Count     int     `json:"count"`
	Wins      int     `json:"wins"`
	WinRate   float64 `json:"win_rate"`
	MeanPnl   float64 `json:"mean_pnl"`
	MedianPnl float64 `json:"median_pnl"`
}

// PerformanceStats aggregates verified predictions over a time window.
// Top slices are computed on edge-sorted verified predictions only.
type PerformanceStats struct {
	Period      string                       `json:"period"`
	Overall     PerformanceBucket            `json:"overall"`
	ByDirection map[string]PerformanceBucket `json:"by_direction"`
	TopByEdge   map[string]PerformanceBucket `json:"top_by_edge"`
}

// verifiedRecord is the slim projection used by the stats query.
type verifiedRecord struct {
	edge       float64
	pnl        float64
	direction  domain.Direction
	wasCorrect bool
}

// periodStart maps a period name to its window start. Zero time means no
// lower bound.
func periodStart(period string, now time.Time) (time.Time, error) {
	switch period {
	case "1h":
		return now.Add(-time.Hour), nil
	case "today":
		y, m, d := now.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	case "week":
		return now.Add(-7 * 24 * time.Hour), nil
	case "all":
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("unknown period %q", period)
	}
}

// GetPerformanceStats computes win-rate and pnl statistics over verified
// predictions in the requested window, overall, per direction, and for the
// top-1%/5%/10% slices by edge.
func (s *Store) GetPerformanceStats(period string) (*PerformanceStats, error) {
	start, err := periodStart(period, time.Now())
	if err != nil {
		return nil, err
	}

	query := `
		SELECT edge, pnl, direction, was_correct
		FROM predictions
		WHERE verified_at IS NOT NULL
	`
	args := []interface{}{}
	if !start.IsZero() {
		query += " AND verified_at >= ?"
		args = append(args, formatTime(start))
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query verified predictions: %w", err)
	}
	defer rows.Close()

	var records []verifiedRecord
	for rows.Next() {
		var (
			r          verifiedRecord
			direction  string
			wasCorrect int
		)
		if err := rows.Scan(&r.edge, &r.pnl, &direction, &wasCorrect); err != nil {
			return nil, fmt.Errorf("failed to scan verified prediction: %w", err)
		}
		r.direction = domain.Direction(direction)
		r.wasCorrect = wasCorrect != 0
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating verified predictions: %w", err)
	}

	stats := &PerformanceStats{
		Period:      period,
		Overall:     bucketOf(records),
		ByDirection: make(map[string]PerformanceBucket, 2),
		TopByEdge:   make(map[string]PerformanceBucket, 3),
	}

	for _, dir := range []domain.Direction{domain.DirectionUp, domain.DirectionDown} {
		var subset []verifiedRecord
		for _, r := range records {
			if r.direction == dir {
				subset = append(subset, r)
			}
		}
		stats.ByDirection[string(dir)] = bucketOf(subset)
	}

	// Edge-descending ranking for the top-k% slices.
	byEdge := make([]verifiedRecord, len(records))
	copy(byEdge, records)
	sort.Slice(byEdge, func(i, j int) bool { return byEdge[i].edge > byEdge[j].edge })

	for name, fraction := range map[string]float64{"1%": 0.01, "5%": 0.05, "10%": 0.10} {
		n := int(float64(len(byEdge)) * fraction)
		if n == 0 && len(byEdge) > 0 {
			n = 1
		}
		stats.TopByEdge[name] = bucketOf(byEdge[:n])
	}

	return stats, nil
}

func bucketOf(records []verifiedRecord) PerformanceBucket {
	b := PerformanceBucket{Count: len(records)}
	if len(records) == 0 {
		return b
	}

	pnls := make([]float64, 0, len(records))
	for _, r := range records {
		if r.wasCorrect {
			b.Wins++
		}
		pnls = append(pnls, r.pnl)
	}

	b.WinRate = domain.Round4(float64(b.Wins) / float64(b.Count))
	b.MeanPnl = domain.Round4(stat.Mean(pnls, nil))

	sort.Float64s(pnls)
	b.MedianPnl = domain.Round4(stat.Quantile(0.5, stat.Empirical, pnls, nil))

	return b
}
