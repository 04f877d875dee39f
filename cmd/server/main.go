// Package main is the entry point for the Augur real-time pattern
// prediction service.
//
// Augur runs batch pattern-scan jobs against an external matcher engine,
// persists the resulting predictions, verifies them once their horizon
// elapses, and streams progress, results, verifications and live PnL to
// WebSocket subscribers.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/quantkit/augur/internal/config"
	"github.com/quantkit/augur/internal/database"
	"github.com/quantkit/augur/internal/hub"
	"github.com/quantkit/augur/internal/maintenance"
	"github.com/quantkit/augur/internal/matcher"
	"github.com/quantkit/augur/internal/pricing"
	"github.com/quantkit/augur/internal/scan"
	"github.com/quantkit/augur/internal/server"
	"github.com/quantkit/augur/internal/store"
	"github.com/quantkit/augur/internal/track"
	"github.com/quantkit/augur/internal/verify"
	"github.com/quantkit/augur/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logger is not up yet.
		panic("failed to load configuration: " + err.Error())
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	log.Info().Int("port", cfg.Port).Str("data_dir", cfg.DataDir).Msg("Starting augur")

	// Database
	db, err := database.New(database.Config{
		Path: filepath.Join(cfg.DataDir, "augur.db"),
		Name: "augur",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := store.InitSchema(db.Conn()); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize schema")
	}
	st := store.New(db.Conn(), log)

	// Fan-out hub and external collaborators
	h := hub.New(log)
	matcherClient := matcher.NewClient(cfg.MatcherURL, cfg.MatcherTimeout, log)
	priceSource := pricing.NewSource(cfg.PriceAPIURL, cfg.PriceAPIKey, cfg.PriceTimeout, log)

	// Warm the last-price cache from the previous run.
	if payload, err := st.LoadPriceCache(); err == nil {
		if err := priceSource.RestoreCache(payload); err != nil {
			log.Warn().Err(err).Msg("Failed to restore price cache")
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		log.Warn().Err(err).Msg("Failed to load persisted price cache")
	}

	// Workers
	engine := scan.New(st, h, matcherClient, cfg.ScanWorkers, log)
	verifier := verify.New(st, priceSource, h, cfg.VerifyInterval, cfg.VerifyBatchSize, log)
	tracker := track.New(st, priceSource, h, cfg.TrackerInterval, cfg.TrackerThrottle, log)

	// Scheduled maintenance
	sched := maintenance.NewScheduler(log)
	retention := maintenance.NewRetentionService(st, db, cfg.RetentionDays, log)
	if err := sched.AddRetention(cfg.RetentionSchedule, retention); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule retention sweep")
	}
	if cfg.Backup.Enabled {
		s3Client, err := maintenance.NewS3Client(context.Background(),
			cfg.Backup.Endpoint, cfg.Backup.Bucket,
			cfg.Backup.AccessKey, cfg.Backup.SecretKey, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create S3 client")
		}
		backup := maintenance.NewBackupService(db, s3Client, cfg.DataDir, cfg.Backup.Prefix, cfg.Backup.KeepCount, log)
		if err := sched.AddBackup(cfg.Backup.Schedule, backup); err != nil {
			log.Fatal().Err(err).Msg("Failed to schedule snapshot backup")
		}
	} else {
		log.Info().Msg("Snapshot backups disabled (no S3 endpoint configured)")
	}

	// HTTP server
	srv := server.New(server.Config{
		Log:        log,
		Port:       cfg.Port,
		DevMode:    cfg.DevMode,
		JobTimeout: cfg.JobTimeout,
		DB:         db,
		Store:      st,
		Hub:        h,
		Engine:     engine,
	})

	verifier.Start()
	tracker.Start()
	sched.Start()

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal or server failure
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-serverErr:
		log.Error().Err(err).Msg("HTTP server failed")
	}

	// Graceful shutdown: stop intake first, then workers, then persist state.
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	tracker.Stop()
	verifier.Stop()
	sched.Stop()

	if payload, err := priceSource.SnapshotCache(); err != nil {
		log.Warn().Err(err).Msg("Failed to snapshot price cache")
	} else if err := st.SavePriceCache(payload); err != nil {
		log.Warn().Err(err).Msg("Failed to persist price cache")
	}

	if err := db.WALCheckpoint("TRUNCATE"); err != nil {
		log.Warn().Err(err).Msg("Final WAL checkpoint failed")
	}

	log.Info().Msg("Shutdown complete")
}
