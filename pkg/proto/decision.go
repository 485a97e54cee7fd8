// Package proto defines the wire contracts shared between the orchestration
// core and external review tooling: decision records submitted at checkpoints
// and the lifecycle events the executor emits.
//
// The decision record schema is frozen. Field names and the assessment
// vocabulary must not change without coordinating with downstream consumers
// (review UIs, feedback aggregation).
package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Assessment is the reviewer's judgment of a stage output.
type Assessment string

const (
	// AssessmentCorrect indicates the stage output needs no changes.
	AssessmentCorrect Assessment = "correct"

	// AssessmentPartial indicates the output is usable after corrections.
	AssessmentPartial Assessment = "partial"

	// AssessmentIncorrect indicates the output is unusable and the run
	// must not proceed on it.
	AssessmentIncorrect Assessment = "incorrect"
)

// ValidateAssessment validates if a string is a valid assessment.
func ValidateAssessment(s string) (Assessment, bool) {
	switch Assessment(s) {
	case AssessmentCorrect, AssessmentPartial, AssessmentIncorrect:
		return Assessment(s), true
	default:
		return "", false
	}
}

// ParseAssessment parses a string into an Assessment with validation.
func ParseAssessment(s string) (Assessment, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	if a, valid := ValidateAssessment(normalized); valid {
		return a, nil
	}
	return "", fmt.Errorf("unknown assessment: %s", s)
}

// DecisionStatus is the lifecycle state of a checkpoint.
type DecisionStatus string

const (
	DecisionPending   DecisionStatus = "pending"
	DecisionApproved  DecisionStatus = "approved"
	DecisionCorrected DecisionStatus = "corrected"
	DecisionRejected  DecisionStatus = "rejected"
)

// ValidateDecisionStatus validates if a string is a valid decision status.
func ValidateDecisionStatus(s string) (DecisionStatus, bool) {
	switch DecisionStatus(s) {
	case DecisionPending, DecisionApproved, DecisionCorrected, DecisionRejected:
		return DecisionStatus(s), true
	default:
		return "", false
	}
}

// ParseDecisionStatus parses a string into a DecisionStatus with validation.
func ParseDecisionStatus(s string) (DecisionStatus, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	if d, valid := ValidateDecisionStatus(normalized); valid {
		return d, nil
	}
	return "", fmt.Errorf("unknown decision status: %s", s)
}

// IsDecided reports whether the status is any of the resolved states.
func (d DecisionStatus) IsDecided() bool {
	return d == DecisionApproved || d == DecisionCorrected || d == DecisionRejected
}

// Correction is a single reviewer-supplied field fix. Field is a dot path
// into the pipeline state (e.g. "patient_context.demographics.age").
type Correction struct {
	Field     string `json:"field"`
	Original  any    `json:"original"`
	Corrected any    `json:"corrected"`
	Rationale string `json:"rationale"`
}

// DecisionRecord is the structured review decision submitted against a
// pending checkpoint. The JSON shape is a wire contract.
type DecisionRecord struct {
	Assessment  Assessment   `json:"assessment"`
	Confidence  float64      `json:"confidence"`
	Corrections []Correction `json:"corrections"`
	Notes       string       `json:"notes"`
}

// Validate checks the record against the wire contract.
func (r *DecisionRecord) Validate() error {
	if _, valid := ValidateAssessment(string(r.Assessment)); !valid {
		return fmt.Errorf("invalid assessment: %q", r.Assessment)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", r.Confidence)
	}
	for i := range r.Corrections {
		if strings.TrimSpace(r.Corrections[i].Field) == "" {
			return fmt.Errorf("correction %d: field path is required", i)
		}
	}
	return nil
}

// Outcome maps the reviewer's assessment onto the checkpoint lifecycle:
// correct approves, partial applies corrections, incorrect rejects.
func (r *DecisionRecord) Outcome() DecisionStatus {
	switch r.Assessment {
	case AssessmentCorrect:
		return DecisionApproved
	case AssessmentPartial:
		return DecisionCorrected
	case AssessmentIncorrect:
		return DecisionRejected
	default:
		return DecisionPending
	}
}

// Equal reports whether two records are the same decision. Used to
// distinguish an idempotent repeat from a conflicting re-decision.
func (r *DecisionRecord) Equal(other *DecisionRecord) bool {
	if r == nil || other == nil {
		return r == other
	}
	a, err := json.Marshal(r)
	if err != nil {
		return false
	}
	b, err := json.Marshal(other)
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// Clone returns a deep copy of the record.
func (r *DecisionRecord) Clone() *DecisionRecord {
	if r == nil {
		return nil
	}
	clone := &DecisionRecord{
		Assessment: r.Assessment,
		Confidence: r.Confidence,
		Notes:      r.Notes,
	}
	if r.Corrections != nil {
		clone.Corrections = make([]Correction, len(r.Corrections))
		copy(clone.Corrections, r.Corrections)
	}
	return clone
}

func (r *DecisionRecord) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// DecisionFromJSON parses and validates a decision record.
func DecisionFromJSON(data []byte) (*DecisionRecord, error) {
	var record DecisionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decision record: %w", err)
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}
	return &record, nil
}
