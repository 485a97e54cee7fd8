package cli

import (
	"context"
	"fmt"
	"strings"

	"dxpipe/pkg/config"
	"dxpipe/pkg/graph"
	"dxpipe/pkg/pipeline"
	"dxpipe/pkg/scheduler"
)

// The CLI wires deterministic local stage handlers and a local tool invoker.
// Production deployments embed the library and inject their own LLM-backed
// handlers and evidence-tool clients; the built-in set exists so the full
// run/review/resume loop can be exercised from the command line without any
// external service.

func demoHandlers() graph.Handlers {
	return graph.Handlers{
		Ingestion:   graph.HandlerFunc(demoIngestion),
		Structuring: graph.HandlerFunc(demoStructuring),
		Synthesis:   graph.HandlerFunc(demoSynthesis),
	}
}

// demoIngestion passes the submitted context through, normalizing only the
// top-level key casing.
func demoIngestion(_ context.Context, in graph.StageInput) (pipeline.StageOutput, error) {
	normalized := make(map[string]any, len(in.PatientContext))
	for k, v := range in.PatientContext {
		normalized[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return pipeline.IngestionOutput{PatientContext: normalized}, nil
}

// demoStructuring emits one hypothesis per listed variant and asks for a
// lookup per variant. Confidence rises with reviewer-confirmed context so
// corrected runs converge instead of looping.
func demoStructuring(_ context.Context, in graph.StageInput) (pipeline.StageOutput, error) {
	variants, _ := in.PatientContext["variants"].([]any)
	hypotheses := make([]pipeline.Hypothesis, 0, len(variants))
	requests := make([]pipeline.ToolRequest, 0, len(variants))
	for i, v := range variants {
		name := fmt.Sprintf("%v", v)
		hypotheses = append(hypotheses, pipeline.Hypothesis{
			ID:      fmt.Sprintf("hyp-%d", i+1),
			Summary: "candidate variant " + name,
			Rank:    i + 1,
		})
		requests = append(requests, pipeline.ToolRequest{
			ToolName:     "variant_lookup",
			Priority:     "high",
			InputPayload: map[string]any{"variant": name},
		})
	}
	confidence := 0.6
	if len(in.Feedback) > 0 {
		confidence = 0.85
	}
	if len(hypotheses) == 0 {
		hypotheses = append(hypotheses, pipeline.Hypothesis{
			ID: "hyp-1", Summary: "no variants submitted", Rank: 1,
		})
		confidence = 0.2
	}
	return pipeline.StructuringOutput{
		Hypotheses:   hypotheses,
		Confidence:   confidence,
		ToolRequests: requests,
		Notes:        fmt.Sprintf("demo structuring pass %d", in.Iteration),
	}, nil
}

func demoSynthesis(_ context.Context, in graph.StageInput) (pipeline.StageOutput, error) {
	prior, ok := in.PriorOutput(config.StageStructuring)
	if !ok {
		return nil, fmt.Errorf("no structuring output to synthesize from")
	}
	structuring, ok := prior.(pipeline.StructuringOutput)
	if !ok {
		return nil, fmt.Errorf("structuring slot holds a %s output", prior.StageName())
	}
	return pipeline.SynthesisOutput{
		Report: map[string]any{
			"top_hypothesis": structuring.Hypotheses[0].Summary,
			"evidence_count": len(in.ToolResults),
		},
		Confidence: structuring.Confidence,
		Summary:    "demo synthesis over local evidence",
	}, nil
}

// demoInvoker answers every tool call locally with an echo payload.
func demoInvoker() scheduler.Invoker {
	return scheduler.InvokerFunc(func(_ context.Context, toolName string, input map[string]any) (map[string]any, error) {
		return map[string]any{
			"tool":  toolName,
			"input": input,
			"note":  "demo evidence, no external service consulted",
		}, nil
	})
}
