package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// backupTimeout bounds one snapshot-and-upload run.
const backupTimeout = 10 * time.Minute

// Scheduler runs the housekeeping jobs on cron schedules.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// NewScheduler creates an empty scheduler.
func NewScheduler(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(),
		log:  log.With().Str("component", "maintenance").Logger(),
	}
}

// AddRetention schedules the retention sweep.
func (s *Scheduler) AddRetention(spec string, svc *RetentionService) error {
	_, err := s.cron.AddFunc(spec, func() {
		if err := svc.Run(); err != nil {
			s.log.Error().Err(err).Msg("Retention sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule retention sweep: %w", err)
	}
	s.log.Info().Str("schedule", spec).Msg("Retention sweep scheduled")
	return nil
}

// AddBackup schedules the snapshot backup.
func (s *Scheduler) AddBackup(spec string, svc *BackupService) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), backupTimeout)
		defer cancel()
		if err := svc.Run(ctx); err != nil {
			s.log.Error().Err(err).Msg("Snapshot backup failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule snapshot backup: %w", err)
	}
	s.log.Info().Str("schedule", spec).Msg("Snapshot backup scheduled")
	return nil
}

// Start begins executing scheduled jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Maintenance scheduler stopped")
}
