// Package metrics provides Prometheus-based metrics recording for pipeline
// runs and a query service that aggregates per-run numbers from a Prometheus
// server.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dxpipe/pkg/proto"
	"dxpipe/pkg/scheduler"
)

// Recorder records pipeline metrics. It implements the executor's event sink
// so lifecycle events feed the run-level series, and it wraps a tool invoker
// so each tool attempt feeds the per-tool series.
type Recorder struct {
	stageTotal         *prometheus.CounterVec
	stageDuration      *prometheus.HistogramVec
	toolTotal          *prometheus.CounterVec
	toolDuration       *prometheus.HistogramVec
	runTasks           *prometheus.CounterVec
	loopBacks          *prometheus.CounterVec
	runsTotal          *prometheus.CounterVec
	checkpointsPending prometheus.Gauge
}

// NewRecorder creates a recorder registered on the default Prometheus
// registerer.
func NewRecorder() *Recorder {
	return newRecorder(prometheus.DefaultRegisterer)
}

// newRecorder registers the metric families on reg. Tests pass a private
// registry so repeated construction does not collide.
func newRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		stageTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dxpipe_stage_executions_total",
				Help: "Total number of stage executions by stage and status",
			},
			[]string{"stage", "status"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dxpipe_stage_duration_seconds",
				Help:    "Duration of stage handler executions in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		toolTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dxpipe_tool_invocations_total",
				Help: "Total number of evidence tool attempts by tool and status",
			},
			[]string{"tool", "status"},
		),
		toolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dxpipe_tool_invocation_duration_seconds",
				Help:    "Duration of evidence tool attempts in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		runTasks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dxpipe_run_tool_tasks_total",
				Help: "Settled tool tasks per run by outcome, replayed identities included",
			},
			[]string{"run_id", "outcome"},
		),
		loopBacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dxpipe_loop_backs_total",
				Help: "Confidence-gate loop-backs per run",
			},
			[]string{"run_id"},
		),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dxpipe_runs_total",
				Help: "Runs reaching a terminal status",
			},
			[]string{"status"},
		),
		checkpointsPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dxpipe_checkpoints_pending",
				Help: "Checkpoints currently awaiting a reviewer decision",
			},
		),
	}
}

// Emit folds a lifecycle event into the metric families. It satisfies the
// executor's event sink interface and never blocks.
func (r *Recorder) Emit(evt *proto.Event) {
	if evt == nil {
		return
	}
	switch evt.Type {
	case proto.EventStageCompleted:
		r.stageTotal.WithLabelValues(evt.Stage, "success").Inc()
		if ms, ok := payloadFloat(evt, "duration_ms"); ok {
			r.stageDuration.WithLabelValues(evt.Stage).Observe(ms / 1000)
		}
	case proto.EventRunFailed:
		r.stageTotal.WithLabelValues(evt.Stage, "error").Inc()
		r.runsTotal.WithLabelValues("failed").Inc()
	case proto.EventCheckpointReached:
		r.checkpointsPending.Inc()
	case proto.EventCheckpointDecided:
		r.checkpointsPending.Dec()
	case proto.EventLoopBack:
		r.loopBacks.WithLabelValues(evt.RunID).Inc()
	case proto.EventToolBatchSettled:
		if n, ok := payloadFloat(evt, "succeeded"); ok {
			r.runTasks.WithLabelValues(evt.RunID, "success").Add(n)
		}
		if n, ok := payloadFloat(evt, "failed"); ok {
			r.runTasks.WithLabelValues(evt.RunID, "failure").Add(n)
		}
	case proto.EventEscalated:
		r.runsTotal.WithLabelValues("escalated").Inc()
	case proto.EventRunCompleted:
		r.runsTotal.WithLabelValues("completed").Inc()
	}
}

// Invoker wraps a tool invoker so every attempt is timed and counted.
func (r *Recorder) Invoker(next scheduler.Invoker) scheduler.Invoker {
	return scheduler.InvokerFunc(func(ctx context.Context, toolName string, input map[string]any) (map[string]any, error) {
		start := time.Now()
		payload, err := next.Invoke(ctx, toolName, input)
		status := "success"
		if err != nil {
			status = "error"
		}
		r.toolTotal.WithLabelValues(toolName, status).Inc()
		r.toolDuration.WithLabelValues(toolName).Observe(time.Since(start).Seconds())
		return payload, err
	})
}

// payloadFloat reads a numeric payload field. Events read back from JSONL
// carry float64; events straight off the executor may carry int values.
func payloadFloat(evt *proto.Event, key string) (float64, bool) {
	v, ok := evt.GetPayload(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// NewHTTPServer exposes the default registry on /metrics at addr. The caller
// owns the server lifecycle.
func NewHTTPServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
