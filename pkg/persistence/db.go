// Package persistence is the SQLite layer behind runs and checkpoints. The
// full run state travels as a JSON blob (the source of truth); relational
// columns and the human_feedback/tool_results tables exist so operators can
// query and export without parsing blobs.
package persistence

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"dxpipe/pkg/checkpoint"
	"dxpipe/pkg/logx"
	"dxpipe/pkg/pipeline"
)

// Store wraps one SQLite database. It implements pipeline.Persistence for
// run state and checkpoint.Store for review checkpoints.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

var (
	_ pipeline.Persistence = (*Store)(nil)
	_ checkpoint.Store     = (*Store)(nil)
)

// Open opens (creating if needed) the database at path and brings the schema
// to the current version. SQLite supports one writer, so the pool is pinned
// to a single connection; WAL keeps readers unblocked. _time_format=sqlite
// makes time.Time bind parameters round-trip through DATETIME columns.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_time_format=sqlite&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		path,
	))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger := logx.NewLogger("persistence")
	logger.Info("database ready: %s (schema v%d)", path, CurrentSchemaVersion)
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database connection. Call once at shutdown.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
