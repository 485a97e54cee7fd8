// Package scheduler dispatches evidence-tool batches. A bounded worker pool
// drains a priority queue, gates each invocation through per-tool rate
// limits, retries transient failures with exponential backoff, and hands
// results back in the caller's input order.
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Priority orders tasks within a batch. Higher priorities are dequeued
// first; ties break on submission order.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// ParsePriority normalizes a string into a Priority. Empty defaults to
// medium so callers can leave the field unset.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return Priority(s), nil
	case "":
		return PriorityMedium, nil
	default:
		return "", fmt.Errorf("invalid priority: %q (valid: high, medium, low)", s)
	}
}

// rank maps priorities to heap order, lower dequeues first.
func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Task is one evidence-tool invocation request.
type Task struct {
	Stage    string         `json:"stage"`
	ToolName string         `json:"tool_name"`
	Priority Priority       `json:"priority"`
	Input    map[string]any `json:"input_payload"`
	// Timeout bounds each attempt and the rate-limit wait. Zero means the
	// configured default.
	Timeout time.Duration `json:"timeout,omitempty"`
	// MaxRetries caps retries after the first attempt. Zero or negative
	// means the configured retry policy's attempt budget.
	MaxRetries int `json:"max_retries,omitempty"`
}

// ID returns the task's content identity: a SHA-256 over stage, tool name
// and the canonical JSON of the input payload. Two tasks with the same
// identity are the same work, which is what batch dedupe and cross-iteration
// replay key on.
func (t Task) ID() string {
	return TaskID(t.Stage, t.ToolName, t.Input)
}

// TaskID computes the content hash for a (stage, tool, input) triple.
// Fields are length-prefixed so adjacent values cannot alias, and the input
// payload is canonicalized through encoding/json, which emits map keys in
// sorted order.
func TaskID(stage, toolName string, input map[string]any) string {
	canonical, err := json.Marshal(input)
	if err != nil {
		// Payloads come out of stage-handler JSON, so this only fires on
		// programmer error. Hash the error text rather than panic.
		canonical = []byte(fmt.Sprintf("unmarshalable:%v", err))
	}

	hasher := sha256.New()
	writeField := func(data []byte) {
		var length [8]byte
		n := uint64(len(data))
		for i := 7; i >= 0; i-- {
			length[i] = byte(n)
			n >>= 8
		}
		hasher.Write(length[:])
		hasher.Write(data)
	}
	writeField([]byte(stage))
	writeField([]byte(toolName))
	writeField(canonical)

	return hex.EncodeToString(hasher.Sum(nil))
}

// Status is a task's terminal disposition.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	// StatusTimedOut marks a task that never got a token: its rate-limit
	// wait exceeded the task's own timeout budget. Attempt timeouts are
	// retried and exhaust into FAILED instead.
	StatusTimedOut Status = "TIMED_OUT"
)

// Result is the terminal record of one task.
type Result struct {
	TaskID   string         `json:"task_id"`
	ToolName string         `json:"tool_name"`
	Status   Status         `json:"status"`
	Payload  map[string]any `json:"payload,omitempty"`
	Error    string         `json:"error,omitempty"`
	Attempts int            `json:"attempts"`
	Duration time.Duration  `json:"duration"`
}

// Succeeded reports whether the task produced a usable payload.
func (r Result) Succeeded() bool {
	return r.Status == StatusSuccess
}

// Invoker is the uniform tool interface the scheduler drives. The context
// carries the per-attempt deadline; implementations must honor it.
type Invoker interface {
	Invoke(ctx context.Context, toolName string, input map[string]any) (map[string]any, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, toolName string, input map[string]any) (map[string]any, error)

func (f InvokerFunc) Invoke(ctx context.Context, toolName string, input map[string]any) (map[string]any, error) {
	return f(ctx, toolName, input)
}
