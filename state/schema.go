package state

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/edgemesh/edgemesh/structs"
)

// migration is one versioned, idempotent schema step. Versions are applied
// in slice order exactly once and recorded in schema_migrations.
type migration struct {
	version string
	sql     string
}

var migrations = []migration{
	{
		version: "0001_initial",
		sql: `
CREATE TABLE IF NOT EXISTS nodes (
    node_id           TEXT PRIMARY KEY,
    display_name      TEXT NOT NULL,
    ip                TEXT NOT NULL,
    port              INTEGER NOT NULL,
    status            TEXT NOT NULL,
    capabilities_json TEXT NOT NULL,
    metrics_json      TEXT NOT NULL,
    policy_json       TEXT NOT NULL,
    last_seen         TEXT NOT NULL,
    created_at        TEXT NOT NULL,
    updated_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
    id               TEXT PRIMARY KEY,
    type             TEXT NOT NULL,
    status           TEXT NOT NULL,
    payload_ref      TEXT,
    assigned_node_id TEXT,
    attempts         INTEGER NOT NULL DEFAULT 0,
    created_at       TEXT NOT NULL,
    updated_at       TEXT NOT NULL,
    started_at       TEXT,
    completed_at     TEXT,
    error            TEXT
);

CREATE TABLE IF NOT EXISTS tasks (
    id               TEXT PRIMARY KEY,
    job_id           TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    type             TEXT NOT NULL,
    payload_json     TEXT NOT NULL,
    status           TEXT NOT NULL,
    assigned_node_id TEXT,
    retries          INTEGER NOT NULL DEFAULT 0,
    max_retries      INTEGER NOT NULL DEFAULT 2,
    lease_expires_at TEXT,
    created_at       TEXT NOT NULL,
    updated_at       TEXT NOT NULL,
    started_at       TEXT,
    completed_at     TEXT,
    error            TEXT
);

CREATE TABLE IF NOT EXISTS results (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id     TEXT NOT NULL,
    node_id     TEXT NOT NULL,
    success     INTEGER NOT NULL,
    output_json TEXT,
    duration_ms INTEGER NOT NULL,
    created_at  TEXT NOT NULL
);
`,
	},
	{
		version: "0002_indexes",
		sql: `
CREATE INDEX IF NOT EXISTS idx_tasks_job_id ON tasks(job_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at);
CREATE INDEX IF NOT EXISTS idx_results_task_id ON results(task_id);
CREATE INDEX IF NOT EXISTS idx_results_created_at ON results(created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
`,
	},
}

// applyMigrations brings the schema to the current version. It is safe to
// call on every startup; already-applied versions are skipped.
func (s *Store) applyMigrations() error {
	return s.withWriteTx(func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
			return structs.NewInternalError(err)
		}

		var applied []string
		if err := tx.Select(&applied, `SELECT version FROM schema_migrations ORDER BY version`); err != nil {
			return structs.NewInternalError(err)
		}
		seen := make(map[string]bool, len(applied))
		for _, v := range applied {
			seen[v] = true
		}

		for _, m := range migrations {
			if seen[m.version] {
				continue
			}
			if _, err := tx.Exec(m.sql); err != nil {
				return structs.NewInternalError(fmt.Errorf("migration %s: %w", m.version, err))
			}
			if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
				m.version, formatTime(s.now())); err != nil {
				return structs.NewInternalError(fmt.Errorf("migration %s: %w", m.version, err))
			}
			s.logger.Info("applied schema migration", "version", m.version)
		}
		return nil
	})
}
