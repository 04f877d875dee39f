package store

import (
	"database/sql"
	"fmt"
)

// schema is the single source of truth for the prediction database layout.
// matures_at is stored denormalized (scan_time + horizon) so the pending and
// active queries are pure index scans.
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	status        TEXT NOT NULL,
	params        TEXT NOT NULL,
	total_symbols INTEGER NOT NULL,
	completed     INTEGER NOT NULL DEFAULT 0,
	failed        INTEGER NOT NULL DEFAULT 0,
	started_at    TEXT NOT NULL,
	completed_at  TEXT
);

CREATE TABLE IF NOT EXISTS predictions (
	id               TEXT PRIMARY KEY,
	job_id           TEXT NOT NULL REFERENCES jobs(id),
	symbol           TEXT NOT NULL,
	scan_time        TEXT NOT NULL,
	horizon_minutes  INTEGER NOT NULL,
	matures_at       TEXT NOT NULL,
	prob_up          REAL NOT NULL,
	prob_down        REAL NOT NULL,
	mean_return      REAL NOT NULL,
	edge             REAL NOT NULL,
	direction        TEXT NOT NULL,
	n_neighbors      INTEGER NOT NULL,
	dist1            REAL NOT NULL,
	p10              REAL NOT NULL,
	p90              REAL NOT NULL,
	price_at_scan    REAL NOT NULL,
	price_at_horizon REAL,
	actual_return    REAL,
	was_correct      INTEGER,
	pnl              REAL,
	verified_at      TEXT
);

CREATE TABLE IF NOT EXISTS failures (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id              TEXT NOT NULL REFERENCES jobs(id),
	symbol              TEXT NOT NULL,
	scan_time           TEXT NOT NULL,
	code                TEXT NOT NULL,
	reason              TEXT NOT NULL,
	minutes_to_open     INTEGER,
	minutes_since_close INTEGER
);

CREATE TABLE IF NOT EXISTS price_cache (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	payload    BLOB NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_predictions_pending
	ON predictions (verified_at, matures_at);
CREATE INDEX IF NOT EXISTS idx_predictions_job
	ON predictions (job_id);
CREATE INDEX IF NOT EXISTS idx_predictions_verified
	ON predictions (verified_at, edge);
CREATE INDEX IF NOT EXISTS idx_failures_job
	ON failures (job_id);
`

// InitSchema creates the tables and indexes if they do not exist.
func InitSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize prediction schema: %w", err)
	}
	return nil
}
