package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// RunMetrics represents aggregated metrics for one pipeline run.
type RunMetrics struct {
	RunID          string `json:"run_id"`
	TasksSucceeded int64  `json:"tasks_succeeded"`
	TasksFailed    int64  `json:"tasks_failed"`
	TasksTotal     int64  `json:"tasks_total"`
	LoopBacks      int64  `json:"loop_backs"`
}

// ToolMetrics represents aggregated metrics for one evidence tool across all
// runs scraped by the Prometheus server.
type ToolMetrics struct {
	Tool        string  `json:"tool"`
	Invocations int64   `json:"invocations"`
	Errors      int64   `json:"errors"`
	MeanSeconds float64 `json:"mean_seconds"`
}

// QueryService provides methods to query pipeline metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetRunMetrics retrieves aggregated task and loop-back metrics for a
// specific run.
func (q *QueryService) GetRunMetrics(ctx context.Context, runID string) (*RunMetrics, error) {
	metrics := &RunMetrics{
		RunID: runID,
	}

	succeeded, err := q.scalar(ctx,
		fmt.Sprintf(`sum(dxpipe_run_tool_tasks_total{run_id=%q, outcome="success"})`, runID))
	if err != nil {
		return nil, fmt.Errorf("failed to query succeeded tasks: %w", err)
	}
	metrics.TasksSucceeded = int64(succeeded)

	failed, err := q.scalar(ctx,
		fmt.Sprintf(`sum(dxpipe_run_tool_tasks_total{run_id=%q, outcome="failure"})`, runID))
	if err != nil {
		return nil, fmt.Errorf("failed to query failed tasks: %w", err)
	}
	metrics.TasksFailed = int64(failed)

	metrics.TasksTotal = metrics.TasksSucceeded + metrics.TasksFailed

	loops, err := q.scalar(ctx,
		fmt.Sprintf(`sum(dxpipe_loop_backs_total{run_id=%q})`, runID))
	if err != nil {
		return nil, fmt.Errorf("failed to query loop-backs: %w", err)
	}
	metrics.LoopBacks = int64(loops)

	return metrics, nil
}

// GetToolMetrics retrieves per-tool invocation metrics across all runs.
func (q *QueryService) GetToolMetrics(ctx context.Context) (map[string]*ToolMetrics, error) {
	result := make(map[string]*ToolMetrics)

	toolsResult, _, err := q.queryAPI.Query(ctx,
		`group by (tool) (dxpipe_tool_invocations_total)`, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query tools: %w", err)
	}

	var tools []string
	if vector, ok := toolsResult.(model.Vector); ok {
		for _, sample := range vector {
			if tool, ok := sample.Metric["tool"]; ok {
				tools = append(tools, string(tool))
			}
		}
	}

	for _, tool := range tools {
		metrics := &ToolMetrics{Tool: tool}

		total, err := q.scalar(ctx,
			fmt.Sprintf(`sum(dxpipe_tool_invocations_total{tool=%q})`, tool))
		if err != nil {
			return nil, fmt.Errorf("failed to query invocations for tool %s: %w", tool, err)
		}
		metrics.Invocations = int64(total)

		errs, err := q.scalar(ctx,
			fmt.Sprintf(`sum(dxpipe_tool_invocations_total{tool=%q, status="error"})`, tool))
		if err != nil {
			return nil, fmt.Errorf("failed to query errors for tool %s: %w", tool, err)
		}
		metrics.Errors = int64(errs)

		mean, err := q.scalar(ctx, fmt.Sprintf(
			`sum(dxpipe_tool_invocation_duration_seconds_sum{tool=%q}) / sum(dxpipe_tool_invocation_duration_seconds_count{tool=%q})`,
			tool, tool))
		if err != nil {
			return nil, fmt.Errorf("failed to query latency for tool %s: %w", tool, err)
		}
		metrics.MeanSeconds = mean

		result[tool] = metrics
	}

	return result, nil
}

// scalar runs an instant query and returns the first sample value, or zero
// when the query matches nothing.
func (q *QueryService) scalar(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}
