package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dxpipe/pkg/config"
	"dxpipe/pkg/limiter"
)

func testSchedulerConfig() *config.Config {
	cfg := config.Default()
	cfg.Scheduler.Workers = 3
	cfg.Scheduler.RateLimitPollMs = 5
	cfg.Retry.MaxAttempts = 2
	cfg.Retry.InitialDelayMs = 1
	cfg.Retry.MaxDelayMs = 5
	cfg.Retry.Jitter = false
	return cfg
}

// echoInvoker returns the input payload tagged with the tool name.
func echoInvoker(delay time.Duration) Invoker {
	return InvokerFunc(func(ctx context.Context, toolName string, input map[string]any) (map[string]any, error) {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		out := map[string]any{"tool": toolName}
		for k, v := range input {
			out[k] = v
		}
		return out, nil
	})
}

func namedTask(name string, priority Priority) Task {
	return Task{
		Stage:    "execution",
		ToolName: "gene-db",
		Priority: priority,
		Input:    map[string]any{"name": name},
	}
}

func TestDispatchPreservesInputOrder(t *testing.T) {
	// Earlier tasks run slower, so completion order inverts input order.
	invoker := InvokerFunc(func(ctx context.Context, toolName string, input map[string]any) (map[string]any, error) {
		name := input["name"].(string)
		if name == "task-0" || name == "task-1" {
			time.Sleep(30 * time.Millisecond)
		}
		return map[string]any{"name": name}, nil
	})
	s := New(invoker, nil, testSchedulerConfig())

	var tasks []Task
	for i := 0; i < 8; i++ {
		tasks = append(tasks, namedTask(fmt.Sprintf("task-%d", i), PriorityMedium))
	}

	results, err := s.Dispatch(context.Background(), tasks)
	require.NoError(t, err)
	require.Len(t, results, len(tasks))

	for i, r := range results {
		assert.Equal(t, tasks[i].ID(), r.TaskID, "result %d out of order", i)
		assert.Equal(t, fmt.Sprintf("task-%d", i), r.Payload["name"])
	}
}

func TestDispatchRespectsWorkerBound(t *testing.T) {
	var inFlight, peak int64
	invoker := InvokerFunc(func(ctx context.Context, toolName string, input map[string]any) (map[string]any, error) {
		cur := atomic.AddInt64(&inFlight, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return map[string]any{}, nil
	})

	cfg := testSchedulerConfig()
	cfg.Scheduler.Workers = 3
	s := New(invoker, nil, cfg)

	var tasks []Task
	for i := 0; i < 12; i++ {
		tasks = append(tasks, namedTask(fmt.Sprintf("t%d", i), PriorityMedium))
	}

	_, err := s.Dispatch(context.Background(), tasks)
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(3), "worker pool bound exceeded")
	assert.Greater(t, atomic.LoadInt64(&peak), int64(1), "expected some parallelism")
}

func TestDispatchPriorityOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []string
	invoker := InvokerFunc(func(ctx context.Context, toolName string, input map[string]any) (map[string]any, error) {
		mu.Lock()
		order = append(order, input["name"].(string))
		mu.Unlock()
		return map[string]any{}, nil
	})

	cfg := testSchedulerConfig()
	cfg.Scheduler.Workers = 1
	s := New(invoker, nil, cfg)

	tasks := []Task{
		namedTask("low-1", PriorityLow),
		namedTask("high-1", PriorityHigh),
		namedTask("med-1", PriorityMedium),
		namedTask("high-2", PriorityHigh),
	}

	_, err := s.Dispatch(context.Background(), tasks)
	require.NoError(t, err)
	assert.Equal(t, []string{"high-1", "high-2", "med-1", "low-1"}, order)
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	var calls int64
	invoker := InvokerFunc(func(ctx context.Context, toolName string, input map[string]any) (map[string]any, error) {
		if atomic.AddInt64(&calls, 1) == 1 {
			return nil, errors.New("connection reset by peer")
		}
		return map[string]any{"ok": true}, nil
	})

	s := New(invoker, nil, testSchedulerConfig())
	results, err := s.Dispatch(context.Background(), []Task{namedTask("flaky", PriorityHigh)})
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, StatusSuccess, results[0].Status)
	assert.Equal(t, 2, results[0].Attempts)
}

func TestDispatchDoesNotRetryPermanentFailures(t *testing.T) {
	var calls int64
	invoker := InvokerFunc(func(ctx context.Context, toolName string, input map[string]any) (map[string]any, error) {
		atomic.AddInt64(&calls, 1)
		return nil, errors.New("404 variant not found")
	})

	cfg := testSchedulerConfig()
	s := New(invoker, nil, cfg)
	results, err := s.Dispatch(context.Background(), []Task{namedTask("gone", PriorityHigh)})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAllTasksFailed))
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Equal(t, 1, results[0].Attempts)
	assert.EqualValues(t, 1, atomic.LoadInt64(&calls))
}

func TestDispatchPartialFailureIsNotAnError(t *testing.T) {
	invoker := InvokerFunc(func(ctx context.Context, toolName string, input map[string]any) (map[string]any, error) {
		if input["name"] == "bad" {
			return nil, errors.New("400 malformed query")
		}
		return map[string]any{}, nil
	})

	s := New(invoker, nil, testSchedulerConfig())
	results, err := s.Dispatch(context.Background(), []Task{
		namedTask("good", PriorityMedium),
		namedTask("bad", PriorityMedium),
	})

	require.NoError(t, err, "partial failure must not surface as a batch error")
	assert.Equal(t, StatusSuccess, results[0].Status)
	assert.Equal(t, StatusFailed, results[1].Status)
	assert.Contains(t, results[1].Error, "malformed")
}

func TestDispatchAllFailedRaisesMarker(t *testing.T) {
	invoker := InvokerFunc(func(ctx context.Context, toolName string, input map[string]any) (map[string]any, error) {
		return nil, errors.New("403 forbidden")
	})

	s := New(invoker, nil, testSchedulerConfig())
	results, err := s.Dispatch(context.Background(), []Task{
		namedTask("a", PriorityMedium),
		namedTask("b", PriorityMedium),
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAllTasksFailed))
	require.Len(t, results, 2, "results are returned in full alongside the marker")
	for _, r := range results {
		assert.Equal(t, StatusFailed, r.Status)
	}
}

func TestDispatchAttemptTimeoutExhaustsToFailed(t *testing.T) {
	invoker := InvokerFunc(func(ctx context.Context, toolName string, input map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	cfg := testSchedulerConfig()
	cfg.Retry.MaxAttempts = 2
	s := New(invoker, nil, cfg)

	task := namedTask("slow", PriorityHigh)
	task.Timeout = 20 * time.Millisecond

	results, err := s.Dispatch(context.Background(), []Task{task})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAllTasksFailed))

	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Equal(t, 2, results[0].Attempts, "attempt timeouts are retried before failing")
	assert.Contains(t, results[0].Error, "deadline")
}

func TestDispatchRateLimitStarvationTimesOut(t *testing.T) {
	lim := limiter.NewLimiter(map[string]config.ToolLimit{
		"gene-db": {Capacity: 1, RefillPerSecond: 0.001},
	})

	cfg := testSchedulerConfig()
	cfg.Scheduler.Workers = 1
	s := New(echoInvoker(0), lim, cfg)

	first := namedTask("one", PriorityHigh)
	second := namedTask("two", PriorityHigh)
	first.Timeout = 50 * time.Millisecond
	second.Timeout = 50 * time.Millisecond

	results, err := s.Dispatch(context.Background(), []Task{first, second})
	require.NoError(t, err, "one task succeeded, so no batch marker")

	assert.Equal(t, StatusSuccess, results[0].Status)
	assert.Equal(t, StatusTimedOut, results[1].Status)
	assert.Contains(t, results[1].Error, "rate limit")
}

func TestDispatchDedupesIdenticalTasks(t *testing.T) {
	var calls int64
	invoker := InvokerFunc(func(ctx context.Context, toolName string, input map[string]any) (map[string]any, error) {
		atomic.AddInt64(&calls, 1)
		return map[string]any{"hits": 3}, nil
	})

	s := New(invoker, nil, testSchedulerConfig())
	task := namedTask("same", PriorityMedium)

	results, err := s.Dispatch(context.Background(), []Task{task, task, task})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.EqualValues(t, 1, atomic.LoadInt64(&calls), "identical tasks collapse to one invocation")
	for _, r := range results {
		assert.Equal(t, task.ID(), r.TaskID)
		assert.Equal(t, StatusSuccess, r.Status)
		assert.Equal(t, 3, r.Payload["hits"])
	}
}

func TestDispatchEmptyBatch(t *testing.T) {
	s := New(echoInvoker(0), nil, testSchedulerConfig())
	results, err := s.Dispatch(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, results)
}

func TestDispatchCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	invoker := InvokerFunc(func(ctx context.Context, toolName string, input map[string]any) (map[string]any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return map[string]any{}, nil
	})
	s := New(invoker, nil, testSchedulerConfig())
	results, err := s.Dispatch(ctx, []Task{
		namedTask("a", PriorityMedium),
		namedTask("b", PriorityMedium),
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAllTasksFailed))
	require.Len(t, results, 2)
	for _, r := range results {
		assert.False(t, r.Succeeded())
	}
}
