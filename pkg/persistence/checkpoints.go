package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dxpipe/pkg/checkpoint"
	"dxpipe/pkg/pipeline"
	"dxpipe/pkg/proto"
)

// SaveCheckpoint upserts the checkpoint row and, once a decision is
// recorded, mirrors it into human_feedback. The UNIQUE(checkpoint_id)
// constraint plus OR IGNORE means re-saving a decided checkpoint never
// duplicates the feedback row.
func (s *Store) SaveCheckpoint(cp *checkpoint.Checkpoint) error {
	snapshot, err := cp.Snapshot.ToJSON()
	if err != nil {
		return fmt.Errorf("encode snapshot for checkpoint %s: %w", cp.ID, err)
	}

	var decision any
	if cp.Decision != nil {
		data, err := cp.Decision.ToJSON()
		if err != nil {
			return fmt.Errorf("encode decision for checkpoint %s: %w", cp.ID, err)
		}
		decision = string(data)
	}

	var result any
	if cp.Result != nil {
		data, err := cp.Result.ToJSON()
		if err != nil {
			return fmt.Errorf("encode result for checkpoint %s: %w", cp.ID, err)
		}
		result = string(data)
	}

	var decidedAt any
	if cp.DecidedAt != nil {
		decidedAt = *cp.DecidedAt
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save checkpoint: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO checkpoints (
			id, run_id, stage, reason, status, snapshot,
			decision, result, created_at, decided_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			decision = excluded.decision,
			result = excluded.result,
			decided_at = excluded.decided_at
	`, cp.ID, cp.RunID, cp.Stage, cp.Reason, string(cp.Status), string(snapshot),
		decision, result, cp.CreatedAt, decidedAt)
	if err != nil {
		return fmt.Errorf("upsert checkpoint %s: %w", cp.ID, err)
	}

	if cp.Decision != nil {
		recordedAt := time.Now().UTC()
		if cp.DecidedAt != nil {
			recordedAt = *cp.DecidedAt
		}
		_, err = tx.Exec(`
			INSERT OR IGNORE INTO human_feedback (
				run_id, checkpoint_id, assessment, decision, created_at
			) VALUES (?, ?, ?, ?, ?)
		`, cp.RunID, cp.ID, string(cp.Decision.Assessment), decision, recordedAt)
		if err != nil {
			return fmt.Errorf("insert feedback for checkpoint %s: %w", cp.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns a checkpoint by id.
func (s *Store) LoadCheckpoint(id string) (*checkpoint.Checkpoint, error) {
	row := s.db.QueryRow(`
		SELECT id, run_id, stage, reason, status, snapshot,
			decision, result, created_at, decided_at
		FROM checkpoints WHERE id = ?`, id)

	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", checkpoint.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	return cp, nil
}

// PendingCheckpoints lists undecided checkpoints, oldest first.
func (s *Store) PendingCheckpoints() ([]*checkpoint.Checkpoint, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, stage, reason, status, snapshot,
			decision, result, created_at, decided_at
		FROM checkpoints WHERE status = ? ORDER BY created_at ASC`,
		string(proto.DecisionPending))
	if err != nil {
		return nil, fmt.Errorf("list pending checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var pending []*checkpoint.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint row: %w", err)
		}
		pending = append(pending, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return pending, nil
}

// ListFeedback returns recorded review decisions in decision order. An empty
// runID returns feedback across all runs.
func (s *Store) ListFeedback(runID string) ([]FeedbackRecord, error) {
	query := `
		SELECT id, run_id, checkpoint_id, assessment, decision, created_at
		FROM human_feedback`
	args := []any{}
	if runID != "" {
		query += " WHERE run_id = ?"
		args = append(args, runID)
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []FeedbackRecord
	for rows.Next() {
		var record FeedbackRecord
		var decision string
		if err := rows.Scan(&record.ID, &record.RunID, &record.CheckpointID,
			&record.Assessment, &decision, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan feedback row: %w", err)
		}
		record.Decision = json.RawMessage(decision)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feedback: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*checkpoint.Checkpoint, error) {
	var cp checkpoint.Checkpoint
	var status, snapshot string
	var decision, result sql.NullString
	var decidedAt sql.NullTime

	if err := row.Scan(&cp.ID, &cp.RunID, &cp.Stage, &cp.Reason, &status,
		&snapshot, &decision, &result, &cp.CreatedAt, &decidedAt); err != nil {
		return nil, err
	}
	cp.Status = proto.DecisionStatus(status)

	snap, err := pipeline.StateFromJSON([]byte(snapshot))
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	cp.Snapshot = snap

	if decision.Valid {
		record, err := proto.DecisionFromJSON([]byte(decision.String))
		if err != nil {
			return nil, fmt.Errorf("decode decision: %w", err)
		}
		cp.Decision = record
	}
	if result.Valid {
		resultState, err := pipeline.StateFromJSON([]byte(result.String))
		if err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		cp.Result = resultState
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		cp.DecidedAt = &t
	}
	return &cp, nil
}
