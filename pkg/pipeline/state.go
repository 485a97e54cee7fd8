package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dxpipe/pkg/proto"
	"dxpipe/pkg/utils"
)

// State is the single source of truth for one diagnostic run.
//
// Invariants: StageOutputs and ToolResults are append-only and keyed by
// immutable identifiers so a resumed run can detect and skip completed work.
// Iteration only increases. HumanFeedback entries are never mutated once
// appended. PatientContext is set at ingestion and mutated only through
// reviewer corrections applied by the checkpoint manager.
type State struct {
	RunID          string                  `json:"run_id"`
	PatientContext map[string]any          `json:"patient_context"`
	StageOutputs   map[string]StageOutput  `json:"-"`
	ToolResults    map[string]ToolRecord   `json:"tool_results"`
	Confidence     float64                 `json:"confidence"`
	Iteration      int                     `json:"iteration"`
	HumanFeedback  []proto.DecisionRecord  `json:"human_feedback"`
	Status         Status                  `json:"status"`
	CurrentStage   string                  `json:"current_stage"`
	LastError      string                  `json:"last_error,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

// stateJSON is the persisted shape; stage outputs travel as kind-tagged
// envelopes so the union survives round trips.
type stateJSON struct {
	RunID          string                    `json:"run_id"`
	PatientContext map[string]any            `json:"patient_context"`
	StageOutputs   map[string]outputEnvelope `json:"stage_outputs"`
	ToolResults    map[string]ToolRecord     `json:"tool_results"`
	Confidence     float64                   `json:"confidence"`
	Iteration      int                       `json:"iteration"`
	HumanFeedback  []proto.DecisionRecord    `json:"human_feedback"`
	Status         Status                    `json:"status"`
	CurrentStage   string                    `json:"current_stage"`
	LastError      string                    `json:"last_error,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
}

// NewState creates the state for a fresh run. The patient context is the
// raw ingestion input; the ingestion stage replaces it with the normalized
// record.
func NewState(patientContext map[string]any) *State {
	now := time.Now().UTC()
	return &State{
		RunID:          uuid.New().String(),
		PatientContext: patientContext,
		StageOutputs:   make(map[string]StageOutput),
		ToolResults:    make(map[string]ToolRecord),
		HumanFeedback:  make([]proto.DecisionRecord, 0),
		Status:         StatusRunning,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// RecordStageOutput appends a stage result. Re-running a stage (loop-back)
// overwrites its entry: the map is keyed by stage name and a loop-back is a
// deliberate re-derivation, not an accidental overwrite.
func (s *State) RecordStageOutput(output StageOutput) {
	if s.StageOutputs == nil {
		s.StageOutputs = make(map[string]StageOutput)
	}
	s.StageOutputs[output.StageName()] = output
	s.UpdatedAt = time.Now().UTC()
}

// StageOutput returns the recorded output for a stage.
func (s *State) StageOutput(stage string) (StageOutput, bool) {
	out, ok := s.StageOutputs[stage]
	return out, ok
}

// RecordToolResult appends one settled invocation. Existing task IDs are
// never overwritten; the first settled record wins and the call reports
// whether it stored anything.
func (s *State) RecordToolResult(record ToolRecord) bool {
	if s.ToolResults == nil {
		s.ToolResults = make(map[string]ToolRecord)
	}
	if _, exists := s.ToolResults[record.TaskID]; exists {
		return false
	}
	record.Iteration = s.Iteration
	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now().UTC()
	}
	s.ToolResults[record.TaskID] = record
	s.UpdatedAt = time.Now().UTC()
	return true
}

// HasToolResult reports whether a task identity already settled, and with
// what record. Used for idempotent replay on resume and loop-back.
func (s *State) HasToolResult(taskID string) (ToolRecord, bool) {
	record, ok := s.ToolResults[taskID]
	return record, ok
}

// AppendFeedback records one reviewer decision. Entries are never mutated.
func (s *State) AppendFeedback(record proto.DecisionRecord) {
	s.HumanFeedback = append(s.HumanFeedback, record)
	s.UpdatedAt = time.Now().UTC()
}

// IncrementIteration bumps the loop counter before a loop-back re-entry.
func (s *State) IncrementIteration() {
	s.Iteration++
	s.UpdatedAt = time.Now().UTC()
}

// SetConfidence records the score produced by a confidence-carrying stage.
func (s *State) SetConfidence(confidence float64) {
	s.Confidence = confidence
	s.UpdatedAt = time.Now().UTC()
}

// TransitionStatus moves the run through its lifecycle, enforcing the
// transition table.
func (s *State) TransitionStatus(to Status) error {
	if s.Status == to {
		return nil
	}
	if !IsValidStatusTransition(s.Status, to) {
		return fmt.Errorf("invalid status transition %s -> %s", s.Status, to)
	}
	s.Status = to
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail marks the run failed and preserves the failing stage and error text
// for inspection.
func (s *State) Fail(stage string, err error) {
	s.CurrentStage = stage
	s.LastError = err.Error()
	s.Status = StatusFailed
	s.UpdatedAt = time.Now().UTC()
}

// PhenotypeCategory reads the optional category field used for per-category
// confidence thresholds.
func (s *State) PhenotypeCategory() string {
	return utils.GetMapFieldOr(s.PatientContext, "phenotype_category", "")
}

// Clone returns a deep copy via JSON round trip. Checkpoint snapshots use
// this so later run mutations cannot leak into the audit trail.
func (s *State) Clone() (*State, error) {
	data, err := s.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("clone state: %w", err)
	}
	return StateFromJSON(data)
}

// MarshalJSON implements the envelope encoding for stage outputs.
func (s *State) MarshalJSON() ([]byte, error) {
	envelopes := make(map[string]outputEnvelope, len(s.StageOutputs))
	for stage, output := range s.StageOutputs {
		env, err := marshalOutput(output)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", stage, err)
		}
		envelopes[stage] = env
	}
	return json.Marshal(stateJSON{
		RunID:          s.RunID,
		PatientContext: s.PatientContext,
		StageOutputs:   envelopes,
		ToolResults:    s.ToolResults,
		Confidence:     s.Confidence,
		Iteration:      s.Iteration,
		HumanFeedback:  s.HumanFeedback,
		Status:         s.Status,
		CurrentStage:   s.CurrentStage,
		LastError:      s.LastError,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	})
}

// UnmarshalJSON implements the envelope decoding for stage outputs.
func (s *State) UnmarshalJSON(data []byte) error {
	var raw stateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal state: %w", err)
	}

	outputs := make(map[string]StageOutput, len(raw.StageOutputs))
	for stage, env := range raw.StageOutputs {
		output, err := unmarshalOutput(env)
		if err != nil {
			return fmt.Errorf("stage %s: %w", stage, err)
		}
		outputs[stage] = output
	}

	s.RunID = raw.RunID
	s.PatientContext = raw.PatientContext
	s.StageOutputs = outputs
	s.ToolResults = raw.ToolResults
	s.Confidence = raw.Confidence
	s.Iteration = raw.Iteration
	s.HumanFeedback = raw.HumanFeedback
	s.Status = raw.Status
	s.CurrentStage = raw.CurrentStage
	s.LastError = raw.LastError
	s.CreatedAt = raw.CreatedAt
	s.UpdatedAt = raw.UpdatedAt

	if s.StageOutputs == nil {
		s.StageOutputs = make(map[string]StageOutput)
	}
	if s.ToolResults == nil {
		s.ToolResults = make(map[string]ToolRecord)
	}
	if s.HumanFeedback == nil {
		s.HumanFeedback = make([]proto.DecisionRecord, 0)
	}
	return nil
}

func (s *State) ToJSON() ([]byte, error) {
	return json.Marshal(s)
}

// StateFromJSON parses a persisted run state.
func StateFromJSON(data []byte) (*State, error) {
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Validate checks structural invariants before persistence.
func (s *State) Validate() error {
	if s.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if _, valid := ValidateStatus(string(s.Status)); !valid {
		return fmt.Errorf("invalid status: %q", s.Status)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", s.Confidence)
	}
	if s.Iteration < 0 {
		return fmt.Errorf("iteration must be >= 0, got %d", s.Iteration)
	}
	return nil
}
