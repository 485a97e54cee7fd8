package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dxpipe/pkg/config"
	"dxpipe/pkg/limiter"
	"dxpipe/pkg/logx"
	"dxpipe/pkg/retry"
)

// ErrAllTasksFailed marks a batch in which no task succeeded. The results
// slice is still returned in full; callers use the marker to escalate
// instead of synthesizing from empty evidence.
var ErrAllTasksFailed = errors.New("all tasks in batch failed")

// Scheduler runs tool batches against an Invoker. It is safe for use by a
// single dispatching goroutine per batch; the parallelism lives inside
// Dispatch.
type Scheduler struct {
	invoker Invoker
	limiter *limiter.Limiter
	policy  *retry.Policy
	cfg     config.SchedulerConfig
	logger  *logx.Logger
}

// New builds a scheduler from the deployment config. A nil limiter means
// no tool is throttled.
func New(invoker Invoker, lim *limiter.Limiter, cfg *config.Config) *Scheduler {
	if lim == nil {
		lim = limiter.NewLimiter(nil)
	}
	return &Scheduler{
		invoker: invoker,
		limiter: lim,
		policy:  retry.NewPolicy(cfg.Retry.Policy(), nil),
		cfg:     cfg.Scheduler,
		logger:  logx.NewLogger("scheduler"),
	}
}

// resultSink collects terminal results keyed by input position. Workers
// write concurrently, so access is mutex-protected.
type resultSink struct {
	mu      sync.Mutex
	results []Result
}

func newResultSink(n int) *resultSink {
	return &resultSink{results: make([]Result, n)}
}

func (rs *resultSink) put(positions []int, result Result) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, i := range positions {
		rs.results[i] = result
	}
}

// Dispatch runs a batch to completion and returns one result per input
// task, in input order. It blocks until every task settles. Tasks are
// independent: a failure neither cancels nor blocks siblings. The error is
// ErrAllTasksFailed when not a single task succeeded, nil otherwise.
func (s *Scheduler) Dispatch(ctx context.Context, tasks []Task) ([]Result, error) {
	if len(tasks) == 0 {
		return nil, nil
	}

	q := buildQueue(tasks)
	sink := newResultSink(len(tasks))

	workers := s.cfg.Workers
	if workers < 1 {
		workers = config.DefaultWorkers
	}
	if q.Len() < workers {
		workers = q.Len()
	}

	s.logger.Info("dispatching batch: %d tasks (%d unique) across %d workers", len(tasks), q.Len(), workers)

	workCh := make(chan *batchItem)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range workCh {
				sink.put(item.positions, s.runTask(ctx, item.task, item.id))
			}
		}()
	}

	for item := q.next(); item != nil; item = q.next() {
		select {
		case workCh <- item:
		case <-ctx.Done():
			sink.put(item.positions, abortedResult(item, ctx.Err()))
			for rest := q.next(); rest != nil; rest = q.next() {
				sink.put(rest.positions, abortedResult(rest, ctx.Err()))
			}
		}
	}
	close(workCh)
	wg.Wait()

	succeeded := 0
	for i := range sink.results {
		if sink.results[i].Succeeded() {
			succeeded++
		}
	}
	s.logger.Info("batch settled: %d/%d tasks succeeded", succeeded, len(tasks))

	if succeeded == 0 {
		return sink.results, fmt.Errorf("%d tasks: %w", len(tasks), ErrAllTasksFailed)
	}
	return sink.results, nil
}

// runTask drives one unique task to a terminal status: rate gate, attempt
// with a hard per-attempt timeout, classified retry with backoff.
func (s *Scheduler) runTask(ctx context.Context, task Task, id string) Result {
	start := time.Now()

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout()
	}
	maxAttempts := s.policy.Config.MaxAttempts
	if task.MaxRetries > 0 {
		maxAttempts = task.MaxRetries + 1
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	result := Result{TaskID: id, ToolName: task.ToolName}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		if err := s.policy.Sleep(ctx, attempt); err != nil {
			lastErr = err
			break
		}

		if err := s.waitForToken(ctx, task.ToolName, timeout); err != nil {
			if errors.Is(err, limiter.ErrRateLimit) {
				result.Status = StatusTimedOut
				result.Error = err.Error()
				result.Duration = time.Since(start)
				logx.Debug(ctx, "scheduler", "task %s timed out waiting for %s tokens", shortID(id), task.ToolName)
				return result
			}
			lastErr = err
			break
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		payload, err := s.invoker.Invoke(attemptCtx, task.ToolName, task.Input)
		cancel()

		if err == nil {
			result.Status = StatusSuccess
			result.Payload = payload
			result.Duration = time.Since(start)
			logx.Debug(ctx, "scheduler", "task %s (%s) succeeded on attempt %d", shortID(id), task.ToolName, attempt)
			return result
		}

		lastErr = err
		logx.Debug(ctx, "scheduler", "task %s (%s) attempt %d/%d failed: %v", shortID(id), task.ToolName, attempt, maxAttempts, err)

		if ctx.Err() != nil || !s.policy.ShouldRetry(err) {
			break
		}
	}

	result.Status = StatusFailed
	if lastErr != nil {
		result.Error = lastErr.Error()
	}
	result.Duration = time.Since(start)
	return result
}

// waitForToken polls the tool's token bucket until a token is granted, the
// context ends, or the task's own timeout budget would be exceeded by the
// next poll. Rate-limit starvation is reported wrapped in
// limiter.ErrRateLimit so runTask can settle the task as TIMED_OUT.
func (s *Scheduler) waitForToken(ctx context.Context, toolName string, budget time.Duration) error {
	deadline := time.Now().Add(budget)
	poll := s.cfg.RateLimitPoll()

	for {
		err := s.limiter.Reserve(toolName)
		if err == nil {
			return nil
		}
		if !errors.Is(err, limiter.ErrRateLimit) {
			return err
		}
		if time.Now().Add(poll).After(deadline) {
			return fmt.Errorf("rate limit wait for %s exceeded %s budget: %w", toolName, budget, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

func abortedResult(item *batchItem, cause error) Result {
	return Result{
		TaskID:   item.id,
		ToolName: item.task.ToolName,
		Status:   StatusFailed,
		Error:    fmt.Sprintf("batch aborted before dispatch: %v", cause),
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
