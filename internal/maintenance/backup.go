package maintenance

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantkit/augur/internal/database"
)

// snapshotPrefix names uploaded snapshots: augur-snapshot-2026-01-08-143022.db.gz
const snapshotPrefix = "augur-snapshot-"

// BackupService snapshots the database with VACUUM INTO and ships the
// compressed result to an S3-compatible bucket.
type BackupService struct {
	db        *database.DB
	s3        *S3Client
	dataDir   string
	keyPrefix string
	keepCount int
	log       zerolog.Logger
}

// SnapshotInfo describes one remote snapshot.
type SnapshotInfo struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
}

// NewBackupService creates a backup service. keyPrefix namespaces objects
// in a shared bucket; keepCount bounds how many remote snapshots survive
// pruning.
func NewBackupService(db *database.DB, s3 *S3Client, dataDir, keyPrefix string, keepCount int, log zerolog.Logger) *BackupService {
	return &BackupService{
		db:        db,
		s3:        s3,
		dataDir:   dataDir,
		keyPrefix: keyPrefix,
		keepCount: keepCount,
		log:       log.With().Str("component", "backup").Logger(),
	}
}

// Run creates one snapshot, uploads it and prunes old remote snapshots.
func (s *BackupService) Run(ctx context.Context) error {
	start := time.Now()
	s.log.Info().Msg("Starting snapshot backup")

	stagingDir := filepath.Join(s.dataDir, "backup-staging")
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	// VACUUM INTO produces a consistent single-file snapshot without
	// blocking readers.
	snapshotPath := filepath.Join(stagingDir, "snapshot.db")
	if err := s.db.VacuumInto(snapshotPath); err != nil {
		return fmt.Errorf("failed to snapshot database: %w", err)
	}

	archivePath := snapshotPath + ".gz"
	if err := compressFile(snapshotPath, archivePath); err != nil {
		return fmt.Errorf("failed to compress snapshot: %w", err)
	}

	archive, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archive.Close()

	info, err := archive.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}

	key := s.objectKey(time.Now().UTC())
	if err := s.s3.Upload(ctx, key, archive); err != nil {
		return err
	}

	s.log.Info().
		Str("key", key).
		Int64("size_bytes", info.Size()).
		Dur("duration", time.Since(start)).
		Msg("Snapshot backup uploaded")

	if err := s.Prune(ctx); err != nil {
		s.log.Error().Err(err).Msg("Failed to prune old snapshots")
	}
	return nil
}

// ListSnapshots returns remote snapshots, newest first.
func (s *BackupService) ListSnapshots(ctx context.Context) ([]SnapshotInfo, error) {
	objects, err := s.s3.List(ctx, s.keyPrefix+"/"+snapshotPrefix)
	if err != nil {
		return nil, err
	}

	snapshots := make([]SnapshotInfo, 0, len(objects))
	for _, obj := range objects {
		if obj.Key == nil {
			continue
		}
		ts, ok := parseSnapshotKey(*obj.Key)
		if !ok {
			continue
		}
		var size int64
		if obj.Size != nil {
			size = *obj.Size
		}
		snapshots = append(snapshots, SnapshotInfo{
			Key:       *obj.Key,
			Timestamp: ts,
			SizeBytes: size,
		})
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Timestamp.After(snapshots[j].Timestamp)
	})
	return snapshots, nil
}

// Prune deletes remote snapshots beyond keepCount, newest kept.
func (s *BackupService) Prune(ctx context.Context) error {
	snapshots, err := s.ListSnapshots(ctx)
	if err != nil {
		return err
	}
	if len(snapshots) <= s.keepCount {
		return nil
	}

	deleted := 0
	for _, snap := range snapshots[s.keepCount:] {
		if err := s.s3.Delete(ctx, snap.Key); err != nil {
			s.log.Error().Err(err).Str("key", snap.Key).Msg("Failed to delete old snapshot")
			continue
		}
		deleted++
	}

	s.log.Info().Int("deleted", deleted).Int("kept", s.keepCount).Msg("Snapshot pruning completed")
	return nil
}

func (s *BackupService) objectKey(t time.Time) string {
	return fmt.Sprintf("%s/%s%s.db.gz", s.keyPrefix, snapshotPrefix, t.Format("2006-01-02-150405"))
}

// parseSnapshotKey extracts the timestamp from an object key produced by
// objectKey. Foreign objects under the prefix are skipped.
func parseSnapshotKey(key string) (time.Time, bool) {
	base := key
	if idx := strings.LastIndex(key, "/"); idx >= 0 {
		base = key[idx+1:]
	}
	if !strings.HasPrefix(base, snapshotPrefix) || !strings.HasSuffix(base, ".db.gz") {
		return time.Time{}, false
	}

	stamp := strings.TrimSuffix(strings.TrimPrefix(base, snapshotPrefix), ".db.gz")
	ts, err := time.Parse("2006-01-02-150405", stamp)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func compressFile(srcPath, destPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dest, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer dest.Close()

	gz := gzip.NewWriter(dest)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}
