package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dxpipe/pkg/proto"
)

func testPatientContext() map[string]any {
	return map[string]any{
		"demographics": map[string]any{
			"age": float64(42),
			"sex": "F",
		},
		"phenotype_category": "neurodevelopmental",
		"phenotypes":         []any{"HP:0001250", "HP:0001263"},
		"variants": []any{
			map[string]any{"gene": "SCN1A", "hgvs": "c.2447G>A"},
		},
	}
}

func TestNewState(t *testing.T) {
	state := NewState(testPatientContext())

	assert.NotEmpty(t, state.RunID)
	assert.Equal(t, StatusRunning, state.Status)
	assert.Equal(t, 0, state.Iteration)
	assert.Equal(t, 0.0, state.Confidence)
	assert.Empty(t, state.StageOutputs)
	assert.Empty(t, state.ToolResults)
	assert.Empty(t, state.HumanFeedback)
	assert.False(t, state.CreatedAt.IsZero())
}

func TestRecordToolResultNeverOverwrites(t *testing.T) {
	state := NewState(testPatientContext())

	first := ToolRecord{TaskID: "task-1", ToolName: "pubmed", Status: ToolStatusSuccess}
	require.True(t, state.RecordToolResult(first))

	dup := ToolRecord{TaskID: "task-1", ToolName: "pubmed", Status: ToolStatusFailed}
	assert.False(t, state.RecordToolResult(dup), "existing task IDs must not be overwritten")

	stored, ok := state.HasToolResult("task-1")
	require.True(t, ok)
	assert.Equal(t, ToolStatusSuccess, stored.Status)
}

func TestRecordToolResultTagsIteration(t *testing.T) {
	state := NewState(testPatientContext())
	state.IncrementIteration()

	require.True(t, state.RecordToolResult(ToolRecord{TaskID: "t", ToolName: "gene-db", Status: ToolStatusSuccess}))
	stored, _ := state.HasToolResult("t")
	assert.Equal(t, 1, stored.Iteration)
	assert.False(t, stored.RecordedAt.IsZero())
}

func TestStatusTransitions(t *testing.T) {
	state := NewState(testPatientContext())

	require.NoError(t, state.TransitionStatus(StatusAwaitingHuman))
	require.NoError(t, state.TransitionStatus(StatusRunning))
	require.NoError(t, state.TransitionStatus(StatusCompleted))

	err := state.TransitionStatus(StatusRunning)
	require.Error(t, err, "terminal states must have no exits")
	assert.Contains(t, err.Error(), "invalid status transition")
}

func TestTransitionStatusSelfIsNoop(t *testing.T) {
	state := NewState(testPatientContext())
	require.NoError(t, state.TransitionStatus(StatusRunning))
	assert.Equal(t, StatusRunning, state.Status)
}

func TestFailPreservesContext(t *testing.T) {
	state := NewState(testPatientContext())
	state.RecordStageOutput(IngestionOutput{PatientContext: state.PatientContext})

	state.Fail("structuring", errors.New("handler returned malformed hypotheses"))

	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, "structuring", state.CurrentStage)
	assert.Contains(t, state.LastError, "malformed hypotheses")
	_, ok := state.StageOutput("ingestion")
	assert.True(t, ok, "partial results must survive failure")
}

func TestStateJSONRoundTripAllOutputKinds(t *testing.T) {
	state := NewState(testPatientContext())
	state.RecordStageOutput(IngestionOutput{
		PatientContext: state.PatientContext,
		Warnings:       []string{"missing family history"},
	})
	state.RecordStageOutput(StructuringOutput{
		Hypotheses: []Hypothesis{{ID: "h1", Summary: "Dravet syndrome", Rank: 1, GeneNames: []string{"SCN1A"}}},
		Confidence: 0.55,
		ToolRequests: []ToolRequest{
			{ToolName: "pubmed", Priority: "high", InputPayload: map[string]any{"gene": "SCN1A"}},
		},
	})
	state.RecordStageOutput(ExecutionOutput{TaskIDs: []string{"t1", "t2"}, SuccessCount: 2})
	state.RecordStageOutput(SynthesisOutput{
		Report:     map[string]any{"diagnosis": "Dravet syndrome"},
		Confidence: 0.9,
	})
	state.RecordToolResult(ToolRecord{TaskID: "t1", ToolName: "pubmed", Status: ToolStatusSuccess, Payload: map[string]any{"hits": float64(12)}})
	state.AppendFeedback(proto.DecisionRecord{Assessment: proto.AssessmentCorrect, Confidence: 0.95})
	state.SetConfidence(0.9)

	data, err := state.ToJSON()
	require.NoError(t, err)

	restored, err := StateFromJSON(data)
	require.NoError(t, err)

	assert.Equal(t, state.RunID, restored.RunID)
	assert.Equal(t, state.Confidence, restored.Confidence)
	assert.Len(t, restored.StageOutputs, 4)

	structuring, ok := restored.StageOutput("structuring")
	require.True(t, ok)
	typed, ok := structuring.(StructuringOutput)
	require.True(t, ok, "union variant must survive the round trip, got %T", structuring)
	assert.Equal(t, 0.55, typed.ConfidenceScore())
	require.Len(t, typed.Hypotheses, 1)
	assert.Equal(t, "Dravet syndrome", typed.Hypotheses[0].Summary)

	synthesis, ok := restored.StageOutput("synthesis")
	require.True(t, ok)
	carrier, ok := synthesis.(ConfidenceCarrier)
	require.True(t, ok)
	assert.Equal(t, 0.9, carrier.ConfidenceScore())

	record, ok := restored.HasToolResult("t1")
	require.True(t, ok)
	assert.True(t, record.Succeeded())
	require.Len(t, restored.HumanFeedback, 1)
	assert.Equal(t, proto.AssessmentCorrect, restored.HumanFeedback[0].Assessment)
}

func TestCloneIsDeep(t *testing.T) {
	state := NewState(testPatientContext())
	state.RecordStageOutput(StructuringOutput{Confidence: 0.5})

	clone, err := state.Clone()
	require.NoError(t, err)

	clone.PatientContext["demographics"].(map[string]any)["age"] = float64(99)
	clone.RecordToolResult(ToolRecord{TaskID: "x", ToolName: "t", Status: ToolStatusSuccess})
	clone.IncrementIteration()

	age := state.PatientContext["demographics"].(map[string]any)["age"]
	assert.Equal(t, float64(42), age, "clone mutations must not leak into the original")
	assert.Equal(t, 0, state.Iteration)
	assert.Empty(t, state.ToolResults)
}

func TestPhenotypeCategory(t *testing.T) {
	state := NewState(testPatientContext())
	assert.Equal(t, "neurodevelopmental", state.PhenotypeCategory())

	bare := NewState(map[string]any{})
	assert.Equal(t, "", bare.PhenotypeCategory())
}

func TestStateValidate(t *testing.T) {
	state := NewState(testPatientContext())
	require.NoError(t, state.Validate())

	state.Confidence = 1.2
	assert.Error(t, state.Validate())

	state.Confidence = 0.5
	state.Status = "LIMBO"
	assert.Error(t, state.Validate())
}

func TestParseStatus(t *testing.T) {
	status, err := ParseStatus("awaiting_human")
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingHuman, status)

	_, err = ParseStatus("dormant")
	assert.Error(t, err)
}

func TestIsTerminalStatus(t *testing.T) {
	assert.False(t, IsTerminalStatus(StatusRunning))
	assert.False(t, IsTerminalStatus(StatusAwaitingHuman))
	assert.True(t, IsTerminalStatus(StatusCompleted))
	assert.True(t, IsTerminalStatus(StatusEscalated))
	assert.True(t, IsTerminalStatus(StatusFailed))
}

func TestValidationErrorMatchesSentinel(t *testing.T) {
	err := NewValidationError("patient_context.demographics.age", "expected number, got string")
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Contains(t, err.Error(), "patient_context.demographics.age")
}

func TestStageErrorUnwraps(t *testing.T) {
	cause := errors.New("backend unreachable")
	err := &StageError{Stage: "execution", Err: cause}
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "execution")
}
