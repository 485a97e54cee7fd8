package graph

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"dxpipe/pkg/checkpoint"
	"dxpipe/pkg/config"
	"dxpipe/pkg/gate"
	"dxpipe/pkg/logx"
	"dxpipe/pkg/pipeline"
	"dxpipe/pkg/proto"
	"dxpipe/pkg/scheduler"
)

// Deps wires the executor's collaborators. Tools may be nil when an
// Execution handler is supplied; Checkpoints, Persistence, Events and Graph
// fall back to in-memory defaults.
type Deps struct {
	Config      *config.Config
	Handlers    Handlers
	Tools       *scheduler.Scheduler
	Checkpoints *checkpoint.Manager
	Persistence pipeline.Persistence
	Events      EventSink
	Graph       *Graph
}

// Executor walks the stage graph for one run at a time: it invokes stage
// handlers, merges their outputs into the run state, suspends at checkpoint
// nodes, and routes on guarded edges. A single executor serves many runs
// concurrently since all per-run state lives in the state store.
type Executor struct {
	cfg         *config.Config
	graph       *Graph
	handlers    Handlers
	tools       *scheduler.Scheduler
	gate        *gate.Gate
	checkpoints *checkpoint.Manager
	persist     pipeline.Persistence
	events      EventSink
	logger      *logx.Logger
}

// New validates the wiring and builds an executor.
func New(deps Deps) (*Executor, error) {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := deps.Handlers.validate(); err != nil {
		return nil, fmt.Errorf("executor handlers: %w", err)
	}
	if deps.Tools == nil && deps.Handlers.Execution == nil {
		return nil, fmt.Errorf("executor needs a tool scheduler or an execution handler")
	}

	g := deps.Graph
	if g == nil {
		g = DefaultGraph()
	}
	if err := g.RetargetLoopBacks(cfg.Confidence.ReentryStage); err != nil {
		return nil, fmt.Errorf("executor graph: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("executor graph: %w", err)
	}

	checkpoints := deps.Checkpoints
	if checkpoints == nil {
		checkpoints = checkpoint.NewManager(checkpoint.NewMemoryStore())
	}
	persist := deps.Persistence
	if persist == nil {
		persist = pipeline.NewMemoryPersistence()
	}
	events := deps.Events
	if events == nil {
		events = NopSink{}
	}

	return &Executor{
		cfg:         cfg,
		graph:       g,
		handlers:    deps.Handlers,
		tools:       deps.Tools,
		gate:        gate.New(cfg),
		checkpoints: checkpoints,
		persist:     persist,
		events:      events,
		logger:      logx.NewLogger("executor"),
	}, nil
}

// Checkpoints exposes the checkpoint manager for review surfaces (CLI,
// API) that list and decide checkpoints without driving the graph.
func (e *Executor) Checkpoints() *checkpoint.Manager {
	return e.checkpoints
}

// Run starts a fresh diagnostic run from the raw patient context and drives
// it until it completes, escalates, fails, or parks at a checkpoint. The
// returned state is a snapshot of wherever the run stopped.
func (e *Executor) Run(ctx context.Context, patientContext map[string]any) (*pipeline.State, error) {
	state := pipeline.NewState(patientContext)
	store := pipeline.NewStateStore(state, e.persist)
	if err := store.Flush(); err != nil {
		return nil, err
	}
	e.logger.Info("run %s started", state.RunID)
	return e.drive(ctx, store, e.graph.Start)
}

// Resume applies a reviewer decision to a parked run and continues driving
// it. A nil decision re-drives an already-decided checkpoint (recovery after
// a crash between decide and resume). Calling Resume again with the same
// decision is idempotent end to end: the duplicate decision is absorbed by
// the checkpoint manager and a run that already moved on is returned as is.
func (e *Executor) Resume(ctx context.Context, checkpointID string, decision *proto.DecisionRecord) (*pipeline.State, error) {
	cp, err := e.checkpoints.Get(checkpointID)
	if err != nil {
		return nil, err
	}
	wasPending := cp.Pending()

	var result *pipeline.State
	outcome := cp.Status
	if decision != nil {
		result, err = e.checkpoints.Decide(checkpointID, decision)
		if err != nil {
			return nil, err
		}
		outcome = decision.Outcome()
		if wasPending {
			evt := proto.NewEvent(proto.EventCheckpointDecided, cp.RunID, cp.Stage)
			evt.SetPayload("checkpoint_id", cp.ID)
			evt.SetPayload("assessment", string(decision.Assessment))
			evt.SetPayload("outcome", string(outcome))
			e.events.Emit(evt)
		}
	} else {
		if wasPending {
			return nil, fmt.Errorf("checkpoint %s is pending, a decision is required", checkpointID)
		}
		result = cp.Result
	}
	if result == nil {
		return nil, fmt.Errorf("checkpoint %s has no decided state", checkpointID)
	}

	store, err := pipeline.OpenStateStore(cp.RunID, e.persist)
	if err != nil {
		return nil, err
	}
	var status pipeline.Status
	var parkedAt string
	store.View(func(s *pipeline.State) {
		status = s.Status
		parkedAt = s.CurrentStage
	})
	// The run already moved past this checkpoint: nothing left to drive.
	if status != pipeline.StatusAwaitingHuman || parkedAt != cp.Stage {
		return store.Snapshot()
	}

	if outcome == proto.DecisionRejected {
		if err := store.Replace(result); err != nil {
			return nil, err
		}
		e.logger.Warn("run %s rejected at %s by reviewer", cp.RunID, cp.Stage)
		return e.finalize(store, NodeEscalated, "reviewer rejected the checkpoint")
	}

	if err := result.TransitionStatus(pipeline.StatusRunning); err != nil {
		return nil, err
	}
	if err := store.Replace(result); err != nil {
		return nil, err
	}

	node, ok := e.graph.Node(cp.Stage)
	if !ok {
		return nil, fmt.Errorf("checkpoint %s references unknown node %q", cp.ID, cp.Stage)
	}
	// Continue past the checkpoint along its default edge; re-entering the
	// checkpoint node itself would suspend again.
	next := node.Edges[len(node.Edges)-1].To
	e.logger.Info("run %s resumes at %s after %s review", cp.RunID, next, outcome)
	return e.drive(ctx, store, next)
}

// drive is the graph walk. It returns when the run reaches a terminal node,
// parks at a checkpoint, or fails.
func (e *Executor) drive(ctx context.Context, store *pipeline.StateStore, current string) (*pipeline.State, error) {
	escalateReason := ""
	for {
		if err := ctx.Err(); err != nil {
			return e.failRun(store, current, err)
		}
		node, ok := e.graph.Node(current)
		if !ok {
			return e.failRun(store, current, fmt.Errorf("graph has no node %q", current))
		}

		switch node.Kind {
		case KindTerminal:
			return e.finalize(store, node.Name, escalateReason)
		case KindCheckpoint:
			return e.suspend(store, node)
		default:
			if err := e.runStage(ctx, store, node); err != nil {
				return e.failRun(store, node.Name, err)
			}
		}

		var edge Edge
		var decision gate.Decision
		store.View(func(s *pipeline.State) {
			edge, decision = e.nextEdge(node, s)
		})
		if edge.To == "" {
			return e.failRun(store, node.Name, fmt.Errorf("no edge held from node %q", node.Name))
		}

		switch {
		case edge.LoopBack:
			if err := store.Update(func(s *pipeline.State) error {
				s.IncrementIteration()
				return nil
			}); err != nil {
				return e.failRun(store, node.Name, err)
			}
			evt := proto.NewEvent(proto.EventLoopBack, store.RunID(), node.Name)
			evt.SetPayload("target", edge.To)
			evt.SetPayload("iteration", decision.Iteration+1)
			evt.SetPayload("confidence", decision.Confidence)
			evt.SetPayload("threshold", decision.Threshold)
			e.events.Emit(evt)
			e.logger.Info("run %s gate: %s", store.RunID(), decision)
		case edge.Guard == GuardProceed:
			e.logger.Info("run %s gate: %s", store.RunID(), decision)
		}
		if edge.To == NodeEscalated {
			if edge.Guard == GuardEvidenceEmpty {
				escalateReason = "no usable tool evidence"
			} else {
				escalateReason = "confidence below threshold at iteration limit"
			}
			e.logger.Warn("run %s gate: %s", store.RunID(), decision)
		}
		current = edge.To
	}
}

// nextEdge picks the first edge whose guard holds. The gate is evaluated
// once per selection so the loop-back event can carry its numbers.
func (e *Executor) nextEdge(node Node, state *pipeline.State) (Edge, gate.Decision) {
	decision := e.gate.Evaluate(state.Confidence, state.Iteration, state.PhenotypeCategory())
	for _, edge := range node.Edges {
		switch edge.Guard {
		case GuardAlways:
			return edge, decision
		case GuardProceed:
			if decision.Verdict == gate.VerdictProceed {
				return edge, decision
			}
		case GuardLoopBack:
			if decision.Verdict == gate.VerdictLoopBack {
				return edge, decision
			}
		case GuardEvidenceEmpty:
			if evidenceEmpty(state) {
				return edge, decision
			}
		}
	}
	// Unreachable on a validated graph: the last edge is always GuardAlways.
	return Edge{}, decision
}

// evidenceEmpty reports whether the latest tool batch produced nothing
// usable.
func evidenceEmpty(s *pipeline.State) bool {
	out, ok := s.StageOutput(config.StageExecution)
	if !ok {
		return false
	}
	exec, ok := out.(pipeline.ExecutionOutput)
	return ok && exec.AllFailed
}

// runStage invokes the node's handler and merges the output into the run
// state. Any returned error fails the run.
func (e *Executor) runStage(ctx context.Context, store *pipeline.StateStore, node Node) error {
	runID := store.RunID()

	var in StageInput
	err := store.Update(func(s *pipeline.State) error {
		s.CurrentStage = node.Name
		in = StageInput{
			RunID:          s.RunID,
			Stage:          node.Name,
			Iteration:      s.Iteration,
			PatientContext: s.PatientContext,
			Outputs:        s.StageOutputs,
			ToolResults:    s.ToolResults,
			Feedback:       s.HumanFeedback,
		}
		return nil
	})
	if err != nil {
		return err
	}

	evt := proto.NewEvent(proto.EventStageStarted, runID, node.Name)
	evt.SetPayload("iteration", in.Iteration)
	e.events.Emit(evt)
	e.logger.Info("run %s stage %s started (iteration %d)", runID, node.Name, in.Iteration)

	started := time.Now()
	output, err := e.invokeStage(ctx, store, node, in)
	if err != nil {
		return err
	}
	if err := checkOutput(node.Name, output); err != nil {
		return err
	}

	err = store.Update(func(s *pipeline.State) error {
		s.RecordStageOutput(output)
		if ing, ok := output.(pipeline.IngestionOutput); ok && ing.PatientContext != nil {
			s.PatientContext = ing.PatientContext
		}
		if carrier, ok := output.(pipeline.ConfidenceCarrier); ok {
			s.SetConfidence(carrier.ConfidenceScore())
		}
		return nil
	})
	if err != nil {
		return err
	}

	done := proto.NewEvent(proto.EventStageCompleted, runID, node.Name)
	done.SetPayload("iteration", in.Iteration)
	done.SetPayload("duration_ms", time.Since(started).Milliseconds())
	if carrier, ok := output.(pipeline.ConfidenceCarrier); ok {
		done.SetPayload("confidence", carrier.ConfidenceScore())
	}
	e.events.Emit(done)
	e.logger.Info("run %s stage %s completed in %s", runID, node.Name, time.Since(started).Round(time.Millisecond))
	return nil
}

// invokeStage dispatches to the wired handler, or to the built-in tool batch
// for the execution stage when no override is wired.
func (e *Executor) invokeStage(ctx context.Context, store *pipeline.StateStore, node Node, in StageInput) (pipeline.StageOutput, error) {
	if handler := e.handlers.forStage(node.Name); handler != nil {
		out, err := handler.Handle(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("%s handler: %w", node.Name, err)
		}
		return out, nil
	}
	if node.Name == NodeExecution {
		return e.runToolBatch(ctx, store, in)
	}
	return nil, pipeline.NewValidationError(node.Name, "no handler wired for stage")
}

// checkOutput enforces the stage output contract before the merge: the kind
// must match the stage and any confidence score must land in [0,1].
func checkOutput(stage string, output pipeline.StageOutput) error {
	if output == nil {
		return pipeline.NewValidationError(stage, "handler returned no output")
	}
	if output.StageName() != stage {
		return pipeline.NewValidationError(stage, "handler returned a %s output", output.StageName())
	}
	if carrier, ok := output.(pipeline.ConfidenceCarrier); ok {
		score := carrier.ConfidenceScore()
		if math.IsNaN(score) || score < 0 || score > 1 {
			return pipeline.NewValidationError(stage+".confidence", "confidence %v outside [0,1]", score)
		}
	}
	return nil
}

// runToolBatch is the built-in execution stage: it turns the structuring
// output's tool requests into scheduler tasks, skips identities that already
// settled in an earlier iteration or before a crash, dispatches the rest,
// and folds the outcomes into an ExecutionOutput.
func (e *Executor) runToolBatch(ctx context.Context, store *pipeline.StateStore, in StageInput) (pipeline.StageOutput, error) {
	prior, ok := in.PriorOutput(config.StageStructuring)
	if !ok {
		return nil, pipeline.NewValidationError(config.StageExecution, "no structuring output to take tool requests from")
	}
	structuring, ok := prior.(pipeline.StructuringOutput)
	if !ok {
		return nil, pipeline.NewValidationError(config.StageExecution, "structuring slot holds a %s output", prior.StageName())
	}

	tasks := make([]scheduler.Task, 0, len(structuring.ToolRequests))
	taskIDs := make([]string, 0, len(structuring.ToolRequests))
	seen := make(map[string]bool, len(structuring.ToolRequests))
	replayed := 0
	for i, req := range structuring.ToolRequests {
		if req.ToolName == "" {
			return nil, pipeline.NewValidationError(fmt.Sprintf("tool_requests[%d]", i), "tool_name is empty")
		}
		priority, err := scheduler.ParsePriority(req.Priority)
		if err != nil {
			return nil, pipeline.NewValidationError(fmt.Sprintf("tool_requests[%d]", i), "%v", err)
		}
		task := scheduler.Task{
			Stage:      config.StageExecution,
			ToolName:   req.ToolName,
			Priority:   priority,
			Input:      req.InputPayload,
			Timeout:    time.Duration(req.TimeoutSec) * time.Second,
			MaxRetries: req.MaxRetries,
		}
		id := task.ID()
		if seen[id] {
			continue
		}
		seen[id] = true
		taskIDs = append(taskIDs, id)
		if _, settled := in.ToolResults[id]; settled {
			replayed++
			continue
		}
		tasks = append(tasks, task)
	}

	evt := proto.NewEvent(proto.EventToolBatchDispatched, in.RunID, config.StageExecution)
	evt.SetPayload("requested", len(structuring.ToolRequests))
	evt.SetPayload("dispatched", len(tasks))
	evt.SetPayload("replayed", replayed)
	e.events.Emit(evt)

	var results []scheduler.Result
	if len(tasks) > 0 {
		var err error
		results, err = e.tools.Dispatch(ctx, tasks)
		if err != nil && !errors.Is(err, scheduler.ErrAllTasksFailed) {
			return nil, fmt.Errorf("dispatch tool batch: %w", err)
		}
	}

	if len(results) > 0 {
		err := store.Update(func(s *pipeline.State) error {
			for _, r := range results {
				s.RecordToolResult(pipeline.ToolRecord{
					TaskID:       r.TaskID,
					ToolName:     r.ToolName,
					Status:       string(r.Status),
					AttemptCount: r.Attempts,
					Payload:      r.Payload,
					Error:        r.Error,
					DurationMs:   r.Duration.Milliseconds(),
				})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	// Effective outcomes for the batch, replayed identities included.
	success, failure := 0, 0
	store.View(func(s *pipeline.State) {
		for _, id := range taskIDs {
			if record, ok := s.HasToolResult(id); ok && record.Succeeded() {
				success++
			} else {
				failure++
			}
		}
	})

	output := pipeline.ExecutionOutput{
		TaskIDs:      taskIDs,
		SuccessCount: success,
		FailureCount: failure,
		AllFailed:    len(taskIDs) > 0 && success == 0,
	}

	settled := proto.NewEvent(proto.EventToolBatchSettled, in.RunID, config.StageExecution)
	settled.SetPayload("succeeded", success)
	settled.SetPayload("failed", failure)
	settled.SetPayload("all_failed", output.AllFailed)
	e.events.Emit(settled)
	e.logger.Info("run %s tool batch settled: %d/%d succeeded, %d replayed", in.RunID, success, len(taskIDs), replayed)

	return output, nil
}

// suspend parks the run at a checkpoint node and snapshots it for review.
func (e *Executor) suspend(store *pipeline.StateStore, node Node) (*pipeline.State, error) {
	err := store.Update(func(s *pipeline.State) error {
		s.CurrentStage = node.Name
		return s.TransitionStatus(pipeline.StatusAwaitingHuman)
	})
	if err != nil {
		return nil, err
	}
	snap, err := store.Snapshot()
	if err != nil {
		return nil, err
	}
	cp, err := e.checkpoints.Suspend(snap, node.Name, reviewReason(node.Name))
	if err != nil {
		// A parked run with no checkpoint cannot be reviewed or resumed.
		return e.failRun(store, node.Name, fmt.Errorf("suspend checkpoint: %w", err))
	}
	evt := proto.NewEvent(proto.EventCheckpointReached, snap.RunID, node.Name)
	evt.SetPayload("checkpoint_id", cp.ID)
	evt.SetPayload("reason", cp.Reason)
	e.events.Emit(evt)
	e.logger.Info("run %s parked at %s, checkpoint %s awaits review", snap.RunID, node.Name, cp.ID)
	return snap, nil
}

func reviewReason(node string) string {
	if node == NodeIngestionReview {
		return "review the normalized patient context before hypothesis generation"
	}
	return "human review required"
}

// finalize moves the run into its terminal status and emits the closing
// event.
func (e *Executor) finalize(store *pipeline.StateStore, node, escalateReason string) (*pipeline.State, error) {
	target := pipeline.StatusCompleted
	if node == NodeEscalated {
		target = pipeline.StatusEscalated
	}
	err := store.Update(func(s *pipeline.State) error {
		return s.TransitionStatus(target)
	})
	if err != nil {
		return nil, err
	}
	snap, err := store.Snapshot()
	if err != nil {
		return nil, err
	}

	if target == pipeline.StatusEscalated {
		evt := proto.NewEvent(proto.EventEscalated, snap.RunID, snap.CurrentStage)
		evt.SetPayload("iteration", snap.Iteration)
		evt.SetPayload("confidence", snap.Confidence)
		evt.SetPayload("reason", escalateReason)
		e.events.Emit(evt)
		e.logger.Warn("run %s escalated: %s", snap.RunID, escalateReason)
		return snap, nil
	}

	evt := proto.NewEvent(proto.EventRunCompleted, snap.RunID, snap.CurrentStage)
	evt.SetPayload("iteration", snap.Iteration)
	evt.SetPayload("confidence", snap.Confidence)
	e.events.Emit(evt)
	e.logger.Info("run %s completed (confidence %.2f, iteration %d)", snap.RunID, snap.Confidence, snap.Iteration)
	return snap, nil
}

// failRun marks the run failed, emits the failure event, and wraps the cause
// in a StageError. The returned snapshot carries the failed status.
func (e *Executor) failRun(store *pipeline.StateStore, stage string, cause error) (*pipeline.State, error) {
	runID := store.RunID()
	if err := store.Update(func(s *pipeline.State) error {
		s.Fail(stage, cause)
		return nil
	}); err != nil {
		e.logger.Error("run %s failed at %s and could not persist: %v", runID, stage, err)
	}
	evt := proto.NewEvent(proto.EventRunFailed, runID, stage)
	evt.SetPayload("error", cause.Error())
	e.events.Emit(evt)
	e.logger.Error("run %s failed at %s: %v", runID, stage, cause)

	snap, err := store.Snapshot()
	if err != nil {
		snap = nil
	}
	return snap, &pipeline.StageError{Stage: stage, Err: cause}
}
