package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dxpipe/pkg/checkpoint"
	"dxpipe/pkg/config"
	"dxpipe/pkg/pipeline"
	"dxpipe/pkg/proto"
	"dxpipe/pkg/scheduler"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Scheduler.Workers = 2
	cfg.Scheduler.DefaultTimeoutSec = 2
	cfg.Scheduler.RateLimitPollMs = 5
	cfg.Retry.MaxAttempts = 1
	cfg.Retry.InitialDelayMs = 1
	cfg.Retry.MaxDelayMs = 2
	cfg.Retry.Jitter = false
	return cfg
}

func rawReferral() map[string]any {
	return map[string]any{
		"source": "clinic referral",
		"notes":  "toddler with recurrent febrile seizures",
	}
}

func ingestionHandler() Handler {
	return HandlerFunc(func(_ context.Context, in StageInput) (pipeline.StageOutput, error) {
		normalized := map[string]any{
			"demographics":       map[string]any{"age_years": 4.0, "sex": "M"},
			"phenotypes":         []any{"HP:0002069", "HP:0001250"},
			"phenotype_category": "neurodevelopmental",
			"source":             in.PatientContext["source"],
		}
		return pipeline.IngestionOutput{
			PatientContext: normalized,
			Warnings:       []string{"free-text medication list ignored"},
		}, nil
	})
}

// structuringHandler emits one scripted confidence per iteration, reusing the
// last entry once the script runs out.
func structuringHandler(confidences []float64, requests []pipeline.ToolRequest) Handler {
	return HandlerFunc(func(_ context.Context, in StageInput) (pipeline.StageOutput, error) {
		idx := in.Iteration
		if idx >= len(confidences) {
			idx = len(confidences) - 1
		}
		return pipeline.StructuringOutput{
			Hypotheses: []pipeline.Hypothesis{
				{ID: "hyp-1", Summary: "Dravet syndrome", Rank: 1, GeneNames: []string{"SCN1A"}},
				{ID: "hyp-2", Summary: "GEFS+ spectrum", Rank: 2, GeneNames: []string{"SCN1B"}},
			},
			Confidence:   confidences[idx],
			ToolRequests: requests,
			Notes:        fmt.Sprintf("pass %d", in.Iteration),
		}, nil
	})
}

func synthesisHandler() Handler {
	return HandlerFunc(func(_ context.Context, in StageInput) (pipeline.StageOutput, error) {
		prior, _ := in.PriorOutput(config.StageStructuring)
		structuring := prior.(pipeline.StructuringOutput)
		top := structuring.Hypotheses[0]
		return pipeline.SynthesisOutput{
			Report: map[string]any{
				"diagnosis":      top.Summary,
				"gene":           top.GeneNames[0],
				"evidence_count": len(in.ToolResults),
			},
			Confidence: structuring.Confidence,
			Summary:    "working diagnosis with tool evidence attached",
		}, nil
	})
}

func testHandlers(confidences []float64, requests []pipeline.ToolRequest) Handlers {
	return Handlers{
		Ingestion:   ingestionHandler(),
		Structuring: structuringHandler(confidences, requests),
		Synthesis:   synthesisHandler(),
	}
}

func testRequests() []pipeline.ToolRequest {
	return []pipeline.ToolRequest{
		{ToolName: "pubmed_search", Priority: "high", InputPayload: map[string]any{"query": "SCN1A epilepsy"}},
		{ToolName: "gene_panel", Priority: "medium", InputPayload: map[string]any{"genes": []any{"SCN1A", "SCN1B"}}},
	}
}

type countingInvoker struct {
	calls int32
	err   error
}

func (ci *countingInvoker) Invoke(_ context.Context, toolName string, _ map[string]any) (map[string]any, error) {
	atomic.AddInt32(&ci.calls, 1)
	if ci.err != nil {
		return nil, ci.err
	}
	return map[string]any{"tool": toolName, "hits": 3}, nil
}

func (ci *countingInvoker) count() int {
	return int(atomic.LoadInt32(&ci.calls))
}

type captureSink struct {
	mu     sync.Mutex
	events []*proto.Event
}

func (c *captureSink) Emit(evt *proto.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureSink) count(eventType proto.EventType) int {
	return len(c.list(eventType))
}

func (c *captureSink) list(eventType proto.EventType) []*proto.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*proto.Event
	for _, evt := range c.events {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

func (c *captureSink) last() *proto.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return nil
	}
	return c.events[len(c.events)-1]
}

func payload(t *testing.T, evt *proto.Event, key string) any {
	t.Helper()
	require.NotNil(t, evt)
	value, ok := evt.GetPayload(key)
	require.True(t, ok, "payload %q missing", key)
	return value
}

type fixture struct {
	executor *Executor
	persist  *pipeline.MemoryPersistence
	manager  *checkpoint.Manager
	sink     *captureSink
	invoker  *countingInvoker
}

func newFixture(t *testing.T, cfg *config.Config, handlers Handlers, invoker *countingInvoker) *fixture {
	t.Helper()
	f := &fixture{
		persist: pipeline.NewMemoryPersistence(),
		manager: checkpoint.NewManager(checkpoint.NewMemoryStore()),
		sink:    &captureSink{},
		invoker: invoker,
	}
	var tools *scheduler.Scheduler
	if invoker != nil {
		tools = scheduler.New(invoker, nil, cfg)
	}
	executor, err := New(Deps{
		Config:      cfg,
		Handlers:    handlers,
		Tools:       tools,
		Checkpoints: f.manager,
		Persistence: f.persist,
		Events:      f.sink,
	})
	require.NoError(t, err)
	f.executor = executor
	return f
}

func (f *fixture) onlyPending(t *testing.T) *checkpoint.Checkpoint {
	t.Helper()
	pending, err := f.manager.GetPending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	return pending[0]
}

func approve() *proto.DecisionRecord {
	return &proto.DecisionRecord{Assessment: proto.AssessmentCorrect, Notes: "context verified against chart"}
}

func TestRunParksAtIngestionReview(t *testing.T) {
	f := newFixture(t, testConfig(), testHandlers([]float64{0.8}, testRequests()), &countingInvoker{})

	state, err := f.executor.Run(context.Background(), rawReferral())
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusAwaitingHuman, state.Status)
	assert.Equal(t, NodeIngestionReview, state.CurrentStage)
	assert.Equal(t, "neurodevelopmental", state.PhenotypeCategory())

	_, ok := state.StageOutput(config.StageIngestion)
	assert.True(t, ok, "ingestion output recorded before the checkpoint")

	cp := f.onlyPending(t)
	assert.Equal(t, state.RunID, cp.RunID)
	assert.Equal(t, NodeIngestionReview, cp.Stage)
	assert.Contains(t, cp.Reason, "normalized patient context")

	persisted, err := f.persist.LoadState(state.RunID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusAwaitingHuman, persisted.Status)

	assert.Equal(t, 1, f.sink.count(proto.EventCheckpointReached))
	assert.Equal(t, 0, f.invoker.count(), "no tools run before review")
}

func TestApprovedRunCompletesFirstPass(t *testing.T) {
	f := newFixture(t, testConfig(), testHandlers([]float64{0.8}, testRequests()), &countingInvoker{})
	ctx := context.Background()

	parked, err := f.executor.Run(ctx, rawReferral())
	require.NoError(t, err)
	cp := f.onlyPending(t)

	final, err := f.executor.Resume(ctx, cp.ID, approve())
	require.NoError(t, err)

	assert.Equal(t, parked.RunID, final.RunID)
	assert.Equal(t, pipeline.StatusCompleted, final.Status)
	assert.Equal(t, 0, final.Iteration, "confident first pass never loops")
	assert.InDelta(t, 0.8, final.Confidence, 1e-9)
	require.Len(t, final.HumanFeedback, 1)

	out, ok := final.StageOutput(config.StageSynthesis)
	require.True(t, ok)
	report := out.(pipeline.SynthesisOutput).Report
	assert.Equal(t, "Dravet syndrome", report["diagnosis"])

	execOut, ok := final.StageOutput(config.StageExecution)
	require.True(t, ok)
	execution := execOut.(pipeline.ExecutionOutput)
	assert.Equal(t, 2, execution.SuccessCount)
	assert.Equal(t, 0, execution.FailureCount)
	assert.False(t, execution.AllFailed)

	require.Len(t, final.ToolResults, 2)
	for _, record := range final.ToolResults {
		assert.Equal(t, pipeline.ToolStatusSuccess, record.Status)
		assert.Equal(t, 0, record.Iteration)
	}

	assert.Equal(t, 4, f.sink.count(proto.EventStageStarted))
	assert.Equal(t, 4, f.sink.count(proto.EventStageCompleted))
	assert.Equal(t, 1, f.sink.count(proto.EventCheckpointDecided))
	assert.Equal(t, 0, f.sink.count(proto.EventLoopBack))
	assert.Equal(t, 1, f.sink.count(proto.EventRunCompleted))
	assert.Equal(t, proto.EventRunCompleted, f.sink.last().Type)

	persisted, err := f.persist.LoadState(final.RunID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, persisted.Status)
}

func TestLowConfidenceLoopsBackThenCompletes(t *testing.T) {
	f := newFixture(t, testConfig(), testHandlers([]float64{0.5, 0.9}, testRequests()), &countingInvoker{})
	ctx := context.Background()

	_, err := f.executor.Run(ctx, rawReferral())
	require.NoError(t, err)
	cp := f.onlyPending(t)

	final, err := f.executor.Resume(ctx, cp.ID, approve())
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusCompleted, final.Status)
	assert.Equal(t, 1, final.Iteration)
	assert.InDelta(t, 0.9, final.Confidence, 1e-9)

	out, ok := final.StageOutput(config.StageStructuring)
	require.True(t, ok)
	assert.Equal(t, "pass 1", out.(pipeline.StructuringOutput).Notes, "loop-back overwrites the structuring slot")

	loops := f.sink.list(proto.EventLoopBack)
	require.Len(t, loops, 1)
	assert.Equal(t, NodeStructuring, payload(t, loops[0], "target"))
	assert.Equal(t, 1, payload(t, loops[0], "iteration"))
	assert.Equal(t, 0.5, payload(t, loops[0], "confidence"))
	assert.Equal(t, 0.7, payload(t, loops[0], "threshold"))

	// Identical requests on the second pass replay settled results instead
	// of re-invoking tools.
	assert.Equal(t, 2, f.invoker.count())
	batches := f.sink.list(proto.EventToolBatchDispatched)
	require.Len(t, batches, 2)
	assert.Equal(t, 2, payload(t, batches[0], "dispatched"))
	assert.Equal(t, 0, payload(t, batches[1], "dispatched"))
	assert.Equal(t, 2, payload(t, batches[1], "replayed"))

	require.Len(t, final.ToolResults, 2)
	for _, record := range final.ToolResults {
		assert.Equal(t, 0, record.Iteration, "records keep the iteration that settled them")
	}
}

func TestIterationBudgetExhaustionEscalates(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 2

	var structuringCalls int32
	handlers := testHandlers([]float64{0.3}, testRequests())
	inner := handlers.Structuring
	handlers.Structuring = HandlerFunc(func(ctx context.Context, in StageInput) (pipeline.StageOutput, error) {
		atomic.AddInt32(&structuringCalls, 1)
		return inner.Handle(ctx, in)
	})

	f := newFixture(t, cfg, handlers, &countingInvoker{})
	ctx := context.Background()

	_, err := f.executor.Run(ctx, rawReferral())
	require.NoError(t, err)

	final, err := f.executor.Resume(ctx, f.onlyPending(t).ID, approve())
	require.NoError(t, err, "escalation is an outcome, not an error")

	assert.Equal(t, pipeline.StatusEscalated, final.Status)
	assert.Equal(t, 2, final.Iteration)
	assert.Equal(t, int32(3), atomic.LoadInt32(&structuringCalls), "iterations 0..max then stop")
	assert.Equal(t, 2, f.sink.count(proto.EventLoopBack))

	escalated := f.sink.list(proto.EventEscalated)
	require.Len(t, escalated, 1)
	assert.Equal(t, "confidence below threshold at iteration limit", payload(t, escalated[0], "reason"))

	assert.Equal(t, 2, f.invoker.count(), "later passes replay the settled batch")
}

func TestEmptyEvidenceEscalates(t *testing.T) {
	invoker := &countingInvoker{err: errors.New("503 service unavailable")}
	f := newFixture(t, testConfig(), testHandlers([]float64{0.95}, testRequests()), invoker)
	ctx := context.Background()

	_, err := f.executor.Run(ctx, rawReferral())
	require.NoError(t, err)

	final, err := f.executor.Resume(ctx, f.onlyPending(t).ID, approve())
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusEscalated, final.Status)
	assert.Equal(t, 0, f.sink.count(proto.EventLoopBack), "empty evidence outranks the gate")

	out, ok := final.StageOutput(config.StageExecution)
	require.True(t, ok)
	assert.True(t, out.(pipeline.ExecutionOutput).AllFailed)

	require.Len(t, final.ToolResults, 2)
	for _, record := range final.ToolResults {
		assert.Equal(t, pipeline.ToolStatusFailed, record.Status)
	}

	escalated := f.sink.list(proto.EventEscalated)
	require.Len(t, escalated, 1)
	assert.Equal(t, "no usable tool evidence", payload(t, escalated[0], "reason"))
}

func TestRejectedReviewEscalates(t *testing.T) {
	var structuringCalls int32
	handlers := testHandlers([]float64{0.8}, testRequests())
	inner := handlers.Structuring
	handlers.Structuring = HandlerFunc(func(ctx context.Context, in StageInput) (pipeline.StageOutput, error) {
		atomic.AddInt32(&structuringCalls, 1)
		return inner.Handle(ctx, in)
	})

	f := newFixture(t, testConfig(), handlers, &countingInvoker{})
	ctx := context.Background()

	_, err := f.executor.Run(ctx, rawReferral())
	require.NoError(t, err)

	reject := &proto.DecisionRecord{Assessment: proto.AssessmentIncorrect, Notes: "wrong patient record"}
	final, err := f.executor.Resume(ctx, f.onlyPending(t).ID, reject)
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusEscalated, final.Status)
	require.Len(t, final.HumanFeedback, 1)
	assert.Equal(t, proto.AssessmentIncorrect, final.HumanFeedback[0].Assessment)
	assert.Equal(t, int32(0), atomic.LoadInt32(&structuringCalls), "rejected runs never re-enter the pipeline")

	escalated := f.sink.list(proto.EventEscalated)
	require.Len(t, escalated, 1)
	assert.Equal(t, "reviewer rejected the checkpoint", payload(t, escalated[0], "reason"))

	persisted, err := f.persist.LoadState(final.RunID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusEscalated, persisted.Status)
}

func TestPartialCorrectionsFlowIntoResumedRun(t *testing.T) {
	var seenAge any
	handlers := testHandlers([]float64{0.8}, testRequests())
	inner := handlers.Structuring
	handlers.Structuring = HandlerFunc(func(ctx context.Context, in StageInput) (pipeline.StageOutput, error) {
		seenAge = in.PatientContext["demographics"].(map[string]any)["age_years"]
		return inner.Handle(ctx, in)
	})

	f := newFixture(t, testConfig(), handlers, &countingInvoker{})
	ctx := context.Background()

	_, err := f.executor.Run(ctx, rawReferral())
	require.NoError(t, err)

	partial := &proto.DecisionRecord{
		Assessment: proto.AssessmentPartial,
		Corrections: []proto.Correction{{
			Field:     "patient_context.demographics.age_years",
			Original:  4.0,
			Corrected: 3.0,
			Rationale: "chart lists date of birth, not age at onset",
		}},
	}
	final, err := f.executor.Resume(ctx, f.onlyPending(t).ID, partial)
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusCompleted, final.Status)
	assert.Equal(t, 3.0, seenAge, "downstream stages see the corrected context")
	assert.Equal(t, 3.0, final.PatientContext["demographics"].(map[string]any)["age_years"])
	require.Len(t, final.HumanFeedback, 1)
	require.Len(t, final.HumanFeedback[0].Corrections, 1)

	decided := f.sink.list(proto.EventCheckpointDecided)
	require.Len(t, decided, 1)
	assert.Equal(t, "corrected", payload(t, decided[0], "outcome"))
}

func TestResumeIsIdempotent(t *testing.T) {
	f := newFixture(t, testConfig(), testHandlers([]float64{0.8}, testRequests()), &countingInvoker{})
	ctx := context.Background()

	_, err := f.executor.Run(ctx, rawReferral())
	require.NoError(t, err)
	cp := f.onlyPending(t)

	first, err := f.executor.Resume(ctx, cp.ID, approve())
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusCompleted, first.Status)
	toolCalls := f.invoker.count()

	second, err := f.executor.Resume(ctx, cp.ID, approve())
	require.NoError(t, err)

	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, pipeline.StatusCompleted, second.Status)
	assert.Len(t, second.HumanFeedback, 1, "duplicate decision is absorbed, not appended")
	assert.Equal(t, toolCalls, f.invoker.count(), "no stage re-runs on duplicate resume")
	assert.Equal(t, 1, f.sink.count(proto.EventRunCompleted))
	assert.Equal(t, 1, f.sink.count(proto.EventCheckpointDecided))
}

func TestConflictingDecisionRefused(t *testing.T) {
	f := newFixture(t, testConfig(), testHandlers([]float64{0.8}, testRequests()), &countingInvoker{})
	ctx := context.Background()

	_, err := f.executor.Run(ctx, rawReferral())
	require.NoError(t, err)
	cp := f.onlyPending(t)

	_, err = f.executor.Resume(ctx, cp.ID, approve())
	require.NoError(t, err)

	reject := &proto.DecisionRecord{Assessment: proto.AssessmentIncorrect, Notes: "changed my mind"}
	_, err = f.executor.Resume(ctx, cp.ID, reject)
	require.Error(t, err)
	assert.ErrorIs(t, err, checkpoint.ErrConflict)

	var conflict *checkpoint.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, cp.ID, conflict.CheckpointID)

	persisted, err := f.persist.LoadState(cp.RunID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, persisted.Status, "the recorded decision stands")
}

func TestResumeWithoutDecision(t *testing.T) {
	f := newFixture(t, testConfig(), testHandlers([]float64{0.8}, testRequests()), &countingInvoker{})
	ctx := context.Background()

	_, err := f.executor.Run(ctx, rawReferral())
	require.NoError(t, err)
	cp := f.onlyPending(t)

	_, err = f.executor.Resume(ctx, cp.ID, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decision is required")

	// Decided out of band (crash between decide and resume): a nil-decision
	// resume picks the run back up.
	_, err = f.manager.Decide(cp.ID, approve())
	require.NoError(t, err)

	final, err := f.executor.Resume(ctx, cp.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, final.Status)
	assert.Equal(t, 1, f.sink.count(proto.EventRunCompleted))
}

func TestStageHandlerFailureFailsRun(t *testing.T) {
	handlers := testHandlers([]float64{0.8}, testRequests())
	handlers.Structuring = HandlerFunc(func(context.Context, StageInput) (pipeline.StageOutput, error) {
		return nil, errors.New("model endpoint unavailable")
	})

	f := newFixture(t, testConfig(), handlers, &countingInvoker{})
	ctx := context.Background()

	_, err := f.executor.Run(ctx, rawReferral())
	require.NoError(t, err)

	final, err := f.executor.Resume(ctx, f.onlyPending(t).ID, approve())
	require.Error(t, err)

	var stageErr *pipeline.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, NodeStructuring, stageErr.Stage)

	require.NotNil(t, final)
	assert.Equal(t, pipeline.StatusFailed, final.Status)
	assert.Contains(t, final.LastError, "model endpoint unavailable")

	assert.Equal(t, 1, f.sink.count(proto.EventRunFailed))

	persisted, err := f.persist.LoadState(final.RunID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusFailed, persisted.Status)
}

func TestOutOfRangeConfidenceFailsRun(t *testing.T) {
	f := newFixture(t, testConfig(), testHandlers([]float64{1.3}, testRequests()), &countingInvoker{})
	ctx := context.Background()

	_, err := f.executor.Run(ctx, rawReferral())
	require.NoError(t, err)

	final, err := f.executor.Resume(ctx, f.onlyPending(t).ID, approve())
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrValidation)
	assert.Equal(t, pipeline.StatusFailed, final.Status)
}

func TestCanceledContextFailsRun(t *testing.T) {
	f := newFixture(t, testConfig(), testHandlers([]float64{0.8}, testRequests()), &countingInvoker{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	final, err := f.executor.Run(ctx, rawReferral())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, final)
	assert.Equal(t, pipeline.StatusFailed, final.Status)
}

func TestExecutionHandlerOverride(t *testing.T) {
	handlers := testHandlers([]float64{0.8}, nil)
	handlers.Execution = HandlerFunc(func(context.Context, StageInput) (pipeline.StageOutput, error) {
		return pipeline.ExecutionOutput{TaskIDs: []string{"external-1"}, SuccessCount: 1}, nil
	})

	// No scheduler wired: the override owns the execution stage.
	f := newFixture(t, testConfig(), handlers, nil)
	ctx := context.Background()

	_, err := f.executor.Run(ctx, rawReferral())
	require.NoError(t, err)

	final, err := f.executor.Resume(ctx, f.onlyPending(t).ID, approve())
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, final.Status)
	assert.Equal(t, 0, f.sink.count(proto.EventToolBatchDispatched))
}

func TestNewValidatesWiring(t *testing.T) {
	cfg := testConfig()

	_, err := New(Deps{Config: cfg})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingestion handler")

	_, err = New(Deps{Config: cfg, Handlers: testHandlers([]float64{0.8}, nil)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool scheduler")

	cfg.Confidence.ReentryStage = "nowhere"
	_, err = New(Deps{
		Config:   cfg,
		Handlers: testHandlers([]float64{0.8}, nil),
		Tools:    scheduler.New(&countingInvoker{}, nil, testConfig()),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "re-entry stage")
}
