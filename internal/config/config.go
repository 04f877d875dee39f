// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for the database and staging files (always absolute)
	Port     int
	LogLevel string
	DevMode  bool

	// External collaborators
	MatcherURL     string        // Pattern-matcher service base URL
	MatcherTimeout time.Duration // Per-search timeout
	PriceAPIURL    string        // Market-data vendor base URL
	PriceAPIKey    string
	PriceTimeout   time.Duration // Per-fetch timeout

	// Scan engine
	ScanWorkers int           // Worker pool size for the parallel scan variant
	JobTimeout  time.Duration // Cap on a single scan job's total runtime

	// Verification worker
	VerifyInterval  time.Duration
	VerifyBatchSize int

	// Price tracker
	TrackerInterval time.Duration
	TrackerThrottle time.Duration // Minimum gap between price_update frames per symbol

	// Retention
	RetentionDays     int
	RetentionSchedule string // cron spec

	Backup *BackupConfig
}

// BackupConfig holds snapshot backup configuration for an S3-compatible bucket.
// Backups are disabled when the endpoint or bucket is empty.
type BackupConfig struct {
	Enabled   bool
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Prefix    string
	Schedule  string // cron spec
	KeepCount int    // Remote snapshots to keep
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("AUGUR_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("AUGUR_PORT", 8002),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		MatcherURL:     getEnv("MATCHER_URL", "http://localhost:9100"),
		MatcherTimeout: getEnvAsDuration("MATCHER_TIMEOUT", 30*time.Second),
		PriceAPIURL:    getEnv("PRICE_API_URL", "https://api.polygon.io"),
		PriceAPIKey:    getEnv("PRICE_API_KEY", ""),
		PriceTimeout:   getEnvAsDuration("PRICE_TIMEOUT", 3*time.Second),

		ScanWorkers: getEnvAsInt("SCAN_WORKERS", 4),
		JobTimeout:  getEnvAsDuration("SCAN_JOB_TIMEOUT", 30*time.Minute),

		VerifyInterval:  getEnvAsDuration("VERIFY_INTERVAL", 30*time.Second),
		VerifyBatchSize: getEnvAsInt("VERIFY_BATCH_SIZE", 50),

		TrackerInterval: getEnvAsDuration("TRACKER_INTERVAL", time.Second),
		TrackerThrottle: getEnvAsDuration("TRACKER_THROTTLE", time.Second),

		RetentionDays:     getEnvAsInt("RETENTION_DAYS", 30),
		RetentionSchedule: getEnv("RETENTION_SCHEDULE", "0 3 * * *"),

		Backup: loadBackupConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.VerifyBatchSize <= 0 {
		return fmt.Errorf("verify batch size must be positive, got %d", c.VerifyBatchSize)
	}
	if c.ScanWorkers <= 0 {
		return fmt.Errorf("scan worker count must be positive, got %d", c.ScanWorkers)
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("scan job timeout must be positive, got %s", c.JobTimeout)
	}
	// Price API key is optional for paper/research setups; the price source
	// simply returns absent for every symbol without one.
	return nil
}

// loadBackupConfig loads snapshot backup configuration.
// Backups are enabled only when both endpoint and bucket are configured.
func loadBackupConfig() *BackupConfig {
	cfg := &BackupConfig{
		Endpoint:  getEnv("BACKUP_S3_ENDPOINT", ""),
		Bucket:    getEnv("BACKUP_S3_BUCKET", ""),
		AccessKey: getEnv("BACKUP_S3_ACCESS_KEY", ""),
		SecretKey: getEnv("BACKUP_S3_SECRET_KEY", ""),
		Prefix:    getEnv("BACKUP_S3_PREFIX", "augur"),
		Schedule:  getEnv("BACKUP_SCHEDULE", "0 * * * *"),
		KeepCount: getEnvAsInt("BACKUP_KEEP_COUNT", 24),
	}
	cfg.Enabled = cfg.Endpoint != "" && cfg.Bucket != ""
	return cfg
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
