package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"dxpipe/pkg/pipeline"
)

// SaveState upserts the run row and syncs the append-only tool_results
// table, in one transaction. Called on every state mutation (write-through),
// so it must stay idempotent.
func (s *Store) SaveState(state *pipeline.State) error {
	blob, err := state.ToJSON()
	if err != nil {
		return fmt.Errorf("encode state %s: %w", state.RunID, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save state: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO runs (
			run_id, status, current_stage, iteration, confidence,
			phenotype_category, state, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			current_stage = excluded.current_stage,
			iteration = excluded.iteration,
			confidence = excluded.confidence,
			phenotype_category = excluded.phenotype_category,
			state = excluded.state,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, state.RunID, string(state.Status), state.CurrentStage, state.Iteration,
		state.Confidence, state.PhenotypeCategory(), string(blob),
		state.LastError, state.CreatedAt, state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert run %s: %w", state.RunID, err)
	}

	// OR IGNORE keeps settled results immutable: the first write of a
	// (run, task identity) pair wins.
	for taskID := range state.ToolResults {
		record := state.ToolResults[taskID]
		payload, err := encodePayload(record.Payload)
		if err != nil {
			return fmt.Errorf("encode payload for task %s: %w", taskID, err)
		}
		_, err = tx.Exec(`
			INSERT OR IGNORE INTO tool_results (
				run_id, task_id, tool_name, status, attempt_count,
				payload, error, duration_ms, iteration, recorded_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, state.RunID, record.TaskID, record.ToolName, record.Status,
			record.AttemptCount, payload, record.Error, record.DurationMs,
			record.Iteration, record.RecordedAt)
		if err != nil {
			return fmt.Errorf("insert tool result %s: %w", taskID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save state: %w", err)
	}
	return nil
}

// LoadState re-hydrates a run from its state blob.
func (s *Store) LoadState(runID string) (*pipeline.State, error) {
	var blob string
	err := s.db.QueryRow("SELECT state FROM runs WHERE run_id = ?", runID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}

	state, err := pipeline.StateFromJSON([]byte(blob))
	if err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return state, nil
}

// ListRuns returns run summaries, newest activity first.
func (s *Store) ListRuns(filter RunFilter) ([]RunSummary, error) {
	query := `
		SELECT run_id, status, current_stage, iteration, confidence,
			phenotype_category, last_error, created_at, updated_at
		FROM runs`
	args := []any{}
	if filter.Status != "" {
		query += " WHERE status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var summaries []RunSummary
	for rows.Next() {
		var summary RunSummary
		if err := rows.Scan(&summary.RunID, &summary.Status, &summary.CurrentStage,
			&summary.Iteration, &summary.Confidence, &summary.PhenotypeCategory,
			&summary.LastError, &summary.CreatedAt, &summary.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return summaries, nil
}

func encodePayload(payload map[string]any) (any, error) {
	if payload == nil {
		return nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
