package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"dxpipe/pkg/config"
)

// StageOutput is the tagged union of per-stage results. Each variant is a
// concrete struct; the envelope codec below keeps the union stable across
// JSON round trips.
type StageOutput interface {
	StageName() string
}

// ConfidenceCarrier is implemented by the variants that feed the confidence
// gate. Requiring the score at the type level removes the class of missing-
// key bugs a loose map would allow.
type ConfidenceCarrier interface {
	ConfidenceScore() float64
}

// Hypothesis is one candidate diagnosis produced by the structuring stage.
type Hypothesis struct {
	ID        string   `json:"id"`
	Summary   string   `json:"summary"`
	Rank      int      `json:"rank"`
	Evidence  []string `json:"evidence,omitempty"`
	GeneNames []string `json:"gene_names,omitempty"`
}

// ToolRequest asks the executor to schedule one evidence-tool call.
type ToolRequest struct {
	ToolName     string         `json:"tool_name"`
	Priority     string         `json:"priority"`
	InputPayload map[string]any `json:"input_payload"`
	TimeoutSec   int            `json:"timeout_sec,omitempty"`
	MaxRetries   int            `json:"max_retries,omitempty"`
}

// IngestionOutput is the normalized patient record.
type IngestionOutput struct {
	PatientContext map[string]any `json:"patient_context"`
	Warnings       []string       `json:"warnings,omitempty"`
}

func (IngestionOutput) StageName() string { return config.StageIngestion }

// StructuringOutput carries ranked hypotheses, the stage's own confidence,
// and the evidence-tool calls it wants executed.
type StructuringOutput struct {
	Hypotheses   []Hypothesis  `json:"hypotheses"`
	Confidence   float64       `json:"confidence"`
	ToolRequests []ToolRequest `json:"tool_requests,omitempty"`
	Notes        string        `json:"notes,omitempty"`
}

func (StructuringOutput) StageName() string         { return config.StageStructuring }
func (o StructuringOutput) ConfidenceScore() float64 { return o.Confidence }

// ExecutionOutput summarizes one tool batch. The full results live in the
// run state's tool_results map keyed by task ID.
type ExecutionOutput struct {
	TaskIDs      []string `json:"task_ids"`
	SuccessCount int      `json:"success_count"`
	FailureCount int      `json:"failure_count"`
	AllFailed    bool     `json:"all_failed"`
}

func (ExecutionOutput) StageName() string { return config.StageExecution }

// SynthesisOutput is the final report and its confidence.
type SynthesisOutput struct {
	Report     map[string]any `json:"report"`
	Confidence float64        `json:"confidence"`
	Summary    string         `json:"summary,omitempty"`
}

func (SynthesisOutput) StageName() string         { return config.StageSynthesis }
func (o SynthesisOutput) ConfidenceScore() float64 { return o.Confidence }

// outputEnvelope wraps a variant with its kind tag for persistence.
type outputEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// marshalOutput encodes a variant into its envelope.
func marshalOutput(output StageOutput) (outputEnvelope, error) {
	data, err := json.Marshal(output)
	if err != nil {
		return outputEnvelope{}, fmt.Errorf("marshal stage output: %w", err)
	}
	return outputEnvelope{Kind: output.StageName(), Data: data}, nil
}

// unmarshalOutput decodes an envelope back into its concrete variant.
func unmarshalOutput(env outputEnvelope) (StageOutput, error) {
	switch env.Kind {
	case config.StageIngestion:
		var out IngestionOutput
		if err := json.Unmarshal(env.Data, &out); err != nil {
			return nil, fmt.Errorf("unmarshal ingestion output: %w", err)
		}
		return out, nil
	case config.StageStructuring:
		var out StructuringOutput
		if err := json.Unmarshal(env.Data, &out); err != nil {
			return nil, fmt.Errorf("unmarshal structuring output: %w", err)
		}
		return out, nil
	case config.StageExecution:
		var out ExecutionOutput
		if err := json.Unmarshal(env.Data, &out); err != nil {
			return nil, fmt.Errorf("unmarshal execution output: %w", err)
		}
		return out, nil
	case config.StageSynthesis:
		var out SynthesisOutput
		if err := json.Unmarshal(env.Data, &out); err != nil {
			return nil, fmt.Errorf("unmarshal synthesis output: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown stage output kind: %q", env.Kind)
	}
}

// OutputDocument returns a stage output's JSON document as a generic map,
// the form human corrections are addressed against.
func OutputDocument(output StageOutput) (map[string]any, error) {
	data, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("marshal stage output: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode stage output document: %w", err)
	}
	return doc, nil
}

// OutputFromDocument rebuilds the typed variant for kind from a generic
// document. Values that do not fit the variant's fields fail here, which is
// where corrections with mismatched types get caught.
func OutputFromDocument(kind string, doc map[string]any) (StageOutput, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode stage output document: %w", err)
	}
	return unmarshalOutput(outputEnvelope{Kind: kind, Data: data})
}

// Terminal tool invocation statuses as persisted in run state. The scheduler
// settles every task to one of these.
const (
	ToolStatusSuccess  = "SUCCESS"
	ToolStatusFailed   = "FAILED"
	ToolStatusTimedOut = "TIMED_OUT"
)

// ToolRecord is a settled tool invocation as stored in run state. The
// scheduler hands these back and relinquishes ownership; iterations append
// new task IDs and never overwrite old ones.
type ToolRecord struct {
	TaskID       string         `json:"task_id"`
	ToolName     string         `json:"tool_name"`
	Status       string         `json:"status"`
	AttemptCount int            `json:"attempt_count"`
	Payload      map[string]any `json:"payload,omitempty"`
	Error        string         `json:"error,omitempty"`
	DurationMs   int64          `json:"duration_ms"`
	Iteration    int            `json:"iteration"`
	RecordedAt   time.Time      `json:"recorded_at"`
}

// Succeeded reports whether the invocation settled as a success.
func (r *ToolRecord) Succeeded() bool {
	return r.Status == ToolStatusSuccess
}
