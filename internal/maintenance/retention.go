// Package maintenance runs the scheduled housekeeping jobs: the retention
// sweep and the snapshot backup.
package maintenance

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/quantkit/augur/internal/database"
	"github.com/quantkit/augur/internal/store"
)

// RetentionService removes predictions, failures and empty jobs older
// than the retention window, then reclaims space incrementally.
type RetentionService struct {
	store *store.Store
	db    *database.DB
	days  int
	log   zerolog.Logger
}

// NewRetentionService creates a retention service. days <= 0 disables
// sweeping.
func NewRetentionService(st *store.Store, db *database.DB, days int, log zerolog.Logger) *RetentionService {
	return &RetentionService{
		store: st,
		db:    db,
		days:  days,
		log:   log.With().Str("component", "retention").Logger(),
	}
}

// Run executes one retention sweep.
func (s *RetentionService) Run() error {
	if s.days <= 0 {
		s.log.Debug().Msg("Retention disabled, skipping sweep")
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -s.days)
	result, err := s.store.Sweep(cutoff)
	if err != nil {
		return err
	}

	// Hand freed pages back to the OS; auto_vacuum is INCREMENTAL so this
	// is bounded work.
	if result.Predictions > 0 || result.Failures > 0 {
		if _, err := s.db.Exec("PRAGMA incremental_vacuum"); err != nil {
			s.log.Warn().Err(err).Msg("Incremental vacuum failed after sweep")
		}
	}

	return nil
}
