package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dxpipe/pkg/proto"
	"dxpipe/pkg/scheduler"
)

func newTestRecorder() *Recorder {
	return newRecorder(prometheus.NewRegistry())
}

func TestEmitStageCompleted(t *testing.T) {
	r := newTestRecorder()

	evt := proto.NewEvent(proto.EventStageCompleted, "run-1", "structuring")
	evt.SetPayload("duration_ms", int64(2500))
	r.Emit(evt)
	r.Emit(evt)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.stageTotal.WithLabelValues("structuring", "success")))
}

func TestEmitCheckpointGauge(t *testing.T) {
	r := newTestRecorder()

	r.Emit(proto.NewEvent(proto.EventCheckpointReached, "run-1", "ingestion_review"))
	r.Emit(proto.NewEvent(proto.EventCheckpointReached, "run-2", "ingestion_review"))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.checkpointsPending))

	r.Emit(proto.NewEvent(proto.EventCheckpointDecided, "run-1", "ingestion_review"))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.checkpointsPending))
}

func TestEmitToolBatchSettled(t *testing.T) {
	r := newTestRecorder()

	evt := proto.NewEvent(proto.EventToolBatchSettled, "run-1", "execution")
	evt.SetPayload("succeeded", 3)
	evt.SetPayload("failed", 2)
	r.Emit(evt)

	assert.Equal(t, 3.0, testutil.ToFloat64(r.runTasks.WithLabelValues("run-1", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.runTasks.WithLabelValues("run-1", "failure")))
}

func TestEmitTerminalStatuses(t *testing.T) {
	r := newTestRecorder()

	r.Emit(proto.NewEvent(proto.EventRunCompleted, "run-1", "synthesis"))
	r.Emit(proto.NewEvent(proto.EventEscalated, "run-2", "execution"))
	r.Emit(proto.NewEvent(proto.EventRunFailed, "run-3", "structuring"))

	assert.Equal(t, 1.0, testutil.ToFloat64(r.runsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.runsTotal.WithLabelValues("escalated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.runsTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.stageTotal.WithLabelValues("structuring", "error")))
}

func TestEmitNilAndUnknownEvents(t *testing.T) {
	r := newTestRecorder()

	r.Emit(nil)
	r.Emit(proto.NewEvent(proto.EventStageStarted, "run-1", "ingestion"))
	// Nothing to assert beyond not panicking; started events carry no series.
}

func TestInvokerWrapper(t *testing.T) {
	r := newTestRecorder()

	calls := 0
	base := scheduler.InvokerFunc(func(_ context.Context, toolName string, _ map[string]any) (map[string]any, error) {
		calls++
		if toolName == "clinvar" {
			return nil, errors.New("upstream 503")
		}
		return map[string]any{"hits": 1}, nil
	})
	wrapped := r.Invoker(base)

	payload, err := wrapped.Invoke(context.Background(), "pubmed", map[string]any{"q": "BRCA1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"hits": 1}, payload)

	_, err = wrapped.Invoke(context.Background(), "clinvar", nil)
	require.Error(t, err)

	assert.Equal(t, 2, calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.toolTotal.WithLabelValues("pubmed", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.toolTotal.WithLabelValues("clinvar", "error")))
}
