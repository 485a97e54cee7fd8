// Package checkpoint manages human review points. A suspension deep-copies
// the run state into a pending checkpoint; an external reviewer later
// submits a decision record, and the decided snapshot is what the executor
// resumes from. HITL waits are unbounded, so a checkpoint must survive
// process restarts: everything lives behind a Store.
package checkpoint

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dxpipe/pkg/logx"
	"dxpipe/pkg/pipeline"
	"dxpipe/pkg/proto"
)

var (
	// ErrNotFound means no checkpoint exists with the given id.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrConflict means a resolved checkpoint was decided again with a
	// different decision. The identical-decision case is a silent no-op.
	ErrConflict = errors.New("checkpoint decision conflict")
)

// ConflictError carries both decisions so operators can see what differed.
type ConflictError struct {
	CheckpointID string
	Recorded     *proto.DecisionRecord
	Attempted    *proto.DecisionRecord
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("checkpoint %s already decided as %s; conflicting %s decision refused",
		e.CheckpointID, e.Recorded.Assessment, e.Attempted.Assessment)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// Checkpoint is one parked review point. Snapshot is the state as parked;
// Result is the mutated state once decided and is what a resume picks up.
type Checkpoint struct {
	ID        string                `json:"checkpoint_id"`
	RunID     string                `json:"run_id"`
	Stage     string                `json:"stage"`
	Reason    string                `json:"reason,omitempty"`
	Status    proto.DecisionStatus  `json:"status"`
	Snapshot  *pipeline.State       `json:"snapshot"`
	Decision  *proto.DecisionRecord `json:"decision,omitempty"`
	Result    *pipeline.State       `json:"result,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
	DecidedAt *time.Time            `json:"decided_at,omitempty"`
}

// Pending reports whether the checkpoint still awaits a decision.
func (c *Checkpoint) Pending() bool {
	return c.Status == proto.DecisionPending
}

// Store is the persistence the manager writes through. Save must be atomic:
// a checkpoint is either fully visible or not at all.
type Store interface {
	SaveCheckpoint(cp *Checkpoint) error
	LoadCheckpoint(id string) (*Checkpoint, error)
	PendingCheckpoints() ([]*Checkpoint, error)
}

// Manager is the only writer to the checkpoint log.
type Manager struct {
	store  Store
	logger *logx.Logger
}

func NewManager(store Store) *Manager {
	return &Manager{
		store:  store,
		logger: logx.NewLogger("checkpoint"),
	}
}

// Suspend parks a run: deep-copies the state and writes a pending
// checkpoint. The copy means later mutations of the live state cannot bleed
// into what the reviewer sees.
func (m *Manager) Suspend(state *pipeline.State, stage, reason string) (*Checkpoint, error) {
	snapshot, err := state.Clone()
	if err != nil {
		return nil, fmt.Errorf("snapshot run %s: %w", state.RunID, err)
	}

	cp := &Checkpoint{
		ID:        uuid.New().String(),
		RunID:     state.RunID,
		Stage:     stage,
		Reason:    reason,
		Status:    proto.DecisionPending,
		Snapshot:  snapshot,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.SaveCheckpoint(cp); err != nil {
		return nil, fmt.Errorf("save checkpoint for run %s: %w", state.RunID, err)
	}

	m.logger.Info("run %s suspended at %s (checkpoint %s): %s", cp.RunID, stage, cp.ID, reason)
	return cp, nil
}

// Get returns a checkpoint by id.
func (m *Manager) Get(id string) (*Checkpoint, error) {
	return m.store.LoadCheckpoint(id)
}

// GetPending lists checkpoints still awaiting a decision, oldest first.
func (m *Manager) GetPending() ([]*Checkpoint, error) {
	return m.store.PendingCheckpoints()
}

// Decide applies a reviewer decision to a pending checkpoint and returns the
// mutated snapshot.
//
// Idempotency: repeating the identical decision returns the recorded result
// without re-applying anything, so duplicate submissions from external
// review tooling are harmless. A different decision on a resolved checkpoint
// is refused with a ConflictError.
//
// A ValidationError from the corrections merge leaves the checkpoint
// pending; the reviewer fixes the record and submits again.
func (m *Manager) Decide(id string, decision *proto.DecisionRecord) (*pipeline.State, error) {
	cp, err := m.store.LoadCheckpoint(id)
	if err != nil {
		return nil, err
	}

	if !cp.Pending() {
		if cp.Decision.Equal(decision) {
			m.logger.Info("checkpoint %s already decided identically, returning prior result", id)
			return cp.Result, nil
		}
		return nil, &ConflictError{CheckpointID: id, Recorded: cp.Decision, Attempted: decision}
	}

	if err := decision.Validate(); err != nil {
		return nil, fmt.Errorf("decision for checkpoint %s: %w", id, err)
	}

	result, err := cp.Snapshot.Clone()
	if err != nil {
		return nil, fmt.Errorf("clone snapshot of checkpoint %s: %w", id, err)
	}

	if decision.Assessment == proto.AssessmentPartial {
		if err := applyCorrections(result, decision.Corrections); err != nil {
			return nil, err
		}
	}
	result.AppendFeedback(*decision.Clone())

	now := time.Now().UTC()
	cp.Status = decision.Outcome()
	cp.Decision = decision.Clone()
	cp.Result = result
	cp.DecidedAt = &now

	if err := m.store.SaveCheckpoint(cp); err != nil {
		return nil, fmt.Errorf("record decision for checkpoint %s: %w", id, err)
	}

	m.logger.Info("checkpoint %s decided: %s (%d corrections)", id, cp.Status, len(decision.Corrections))
	return result, nil
}
