package graph

import (
	"context"
	"fmt"

	"dxpipe/pkg/pipeline"
	"dxpipe/pkg/proto"
)

// StageInput is the slice of run state a handler sees. Maps and slices are
// shared with the live state for cheapness; handlers are contractually
// read-only consumers and return fresh outputs instead of mutating input.
type StageInput struct {
	RunID          string
	Stage          string
	Iteration      int
	PatientContext map[string]any
	Outputs        map[string]pipeline.StageOutput
	ToolResults    map[string]pipeline.ToolRecord
	Feedback       []proto.DecisionRecord
}

// PriorOutput returns an earlier stage's output, if recorded.
func (in StageInput) PriorOutput(stage string) (pipeline.StageOutput, bool) {
	out, ok := in.Outputs[stage]
	return out, ok
}

// Handler is the uniform stage interface. Ingestion, structuring and
// synthesis are external collaborators (typically LLM-backed); the core
// stores their outputs and reads only the documented guard fields.
type Handler interface {
	Handle(ctx context.Context, in StageInput) (pipeline.StageOutput, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, in StageInput) (pipeline.StageOutput, error)

func (f HandlerFunc) Handle(ctx context.Context, in StageInput) (pipeline.StageOutput, error) {
	return f(ctx, in)
}

// Handlers wires the external stage collaborators. Execution is optional:
// when nil, the built-in handler runs the structuring output's tool requests
// through the scheduler, which is the normal configuration.
type Handlers struct {
	Ingestion   Handler
	Structuring Handler
	Execution   Handler
	Synthesis   Handler
}

func (h Handlers) validate() error {
	if h.Ingestion == nil {
		return fmt.Errorf("ingestion handler is required")
	}
	if h.Structuring == nil {
		return fmt.Errorf("structuring handler is required")
	}
	if h.Synthesis == nil {
		return fmt.Errorf("synthesis handler is required")
	}
	return nil
}

// forStage returns the external handler for a stage node, or nil for stages
// the executor runs itself.
func (h Handlers) forStage(stage string) Handler {
	switch stage {
	case NodeIngestion:
		return h.Ingestion
	case NodeStructuring:
		return h.Structuring
	case NodeExecution:
		return h.Execution
	case NodeSynthesis:
		return h.Synthesis
	default:
		return nil
	}
}
