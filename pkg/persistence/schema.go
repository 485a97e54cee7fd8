package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion is bumped with every additive migration.
const CurrentSchemaVersion = 1

// initializeSchemaWithMigrations ensures the database schema is at the
// current version. Fresh databases get the full schema; older ones are
// migrated forward one version at a time.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := getSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("get current schema version: %w", err)
	}

	if currentVersion == 0 {
		return createSchema(db)
	}
	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	if currentVersion > CurrentSchemaVersion {
		return fmt.Errorf("database schema v%d is newer than this build (v%d)",
			currentVersion, CurrentSchemaVersion)
	}
	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("record schema version %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(_ *sql.DB, version int) error {
	switch version {
	case 1:
		// Version 1 is the baseline schema; createSchema handles it.
		return nil
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// createSchema creates all tables and indices for a fresh database.
func createSchema(db *sql.DB) error {
	tables := []string{
		// Schema version tracking
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// One row per diagnostic run. The state column is the full JSON
		// blob; the scalar columns mirror it for querying.
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			status TEXT NOT NULL CHECK (status IN ('RUNNING','AWAITING_HUMAN','COMPLETED','ESCALATED','FAILED')),
			current_stage TEXT,
			iteration INTEGER NOT NULL DEFAULT 0,
			confidence REAL NOT NULL DEFAULT 0.0,
			phenotype_category TEXT,
			state TEXT NOT NULL,
			last_error TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,

		// Review checkpoints: the suspended snapshot, and once decided the
		// reviewer's record plus the post-merge result state.
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(run_id),
			stage TEXT NOT NULL,
			reason TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('pending','approved','corrected','rejected')),
			snapshot TEXT NOT NULL,
			decision TEXT,
			result TEXT,
			created_at DATETIME NOT NULL,
			decided_at DATETIME
		)`,

		// One row per decided checkpoint; the export surface for reviewer
		// decisions.
		`CREATE TABLE IF NOT EXISTS human_feedback (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(run_id),
			checkpoint_id TEXT NOT NULL UNIQUE REFERENCES checkpoints(id),
			assessment TEXT NOT NULL CHECK (assessment IN ('correct','partial','incorrect')),
			decision TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,

		// Settled tool invocations, append-only: a (run, task identity)
		// pair is written once and never updated.
		`CREATE TABLE IF NOT EXISTS tool_results (
			run_id TEXT NOT NULL REFERENCES runs(run_id),
			task_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('SUCCESS','FAILED','TIMED_OUT')),
			attempt_count INTEGER NOT NULL DEFAULT 0,
			payload TEXT,
			error TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			iteration INTEGER NOT NULL DEFAULT 0,
			recorded_at DATETIME NOT NULL,
			PRIMARY KEY (run_id, task_id)
		)`,
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)",
		"CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints(run_id)",
		"CREATE INDEX IF NOT EXISTS idx_checkpoints_status ON checkpoints(status)",
		"CREATE INDEX IF NOT EXISTS idx_feedback_run ON human_feedback(run_id)",
		"CREATE INDEX IF NOT EXISTS idx_tool_results_run ON tool_results(run_id)",
		"CREATE INDEX IF NOT EXISTS idx_tool_results_tool ON tool_results(tool_name)",
	}

	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	for _, ddl := range indices {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	if err := setSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec("INSERT OR REPLACE INTO schema_version (version) VALUES (?)", version)
	if err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

func getSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
