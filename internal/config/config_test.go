package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AUGUR_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8002, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 4, cfg.ScanWorkers)
	assert.Equal(t, 30*time.Minute, cfg.JobTimeout)
	assert.Equal(t, 30*time.Second, cfg.VerifyInterval)
	assert.Equal(t, 50, cfg.VerifyBatchSize)
	assert.Equal(t, time.Second, cfg.TrackerInterval)
	assert.Equal(t, 30, cfg.RetentionDays)
	assert.False(t, cfg.Backup.Enabled)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AUGUR_DATA_DIR", t.TempDir())
	t.Setenv("AUGUR_PORT", "9999")
	t.Setenv("SCAN_WORKERS", "8")
	t.Setenv("SCAN_JOB_TIMEOUT", "2h")
	t.Setenv("VERIFY_INTERVAL", "5s")
	t.Setenv("MATCHER_URL", "http://matcher:9100")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, 8, cfg.ScanWorkers)
	assert.Equal(t, 2*time.Hour, cfg.JobTimeout)
	assert.Equal(t, 5*time.Second, cfg.VerifyInterval)
	assert.Equal(t, "http://matcher:9100", cfg.MatcherURL)
}

func TestLoadInvalidValues(t *testing.T) {
	t.Setenv("AUGUR_DATA_DIR", t.TempDir())
	t.Setenv("AUGUR_PORT", "-1")

	_, err := Load()
	assert.Error(t, err)
}

func TestBackupEnabledRequiresEndpointAndBucket(t *testing.T) {
	t.Setenv("AUGUR_DATA_DIR", t.TempDir())
	t.Setenv("BACKUP_S3_ENDPOINT", "https://s3.example.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.Backup.Enabled)

	t.Setenv("BACKUP_S3_BUCKET", "augur-backups")
	cfg, err = Load()
	require.NoError(t, err)
	assert.True(t, cfg.Backup.Enabled)
	assert.Equal(t, "augur", cfg.Backup.Prefix)
	assert.Equal(t, 24, cfg.Backup.KeepCount)
}
