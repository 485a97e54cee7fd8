package proto

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// EventType identifies a lifecycle event emitted by the executor.
type EventType string

const (
	EventStageStarted        EventType = "STAGE_STARTED"
	EventStageCompleted      EventType = "STAGE_COMPLETED"
	EventCheckpointReached   EventType = "CHECKPOINT_REACHED"
	EventCheckpointDecided   EventType = "CHECKPOINT_DECIDED"
	EventLoopBack            EventType = "LOOP_BACK"
	EventToolBatchDispatched EventType = "TOOL_BATCH_DISPATCHED"
	EventToolBatchSettled    EventType = "TOOL_BATCH_SETTLED"
	EventEscalated           EventType = "ESCALATED"
	EventRunCompleted        EventType = "RUN_COMPLETED"
	EventRunFailed           EventType = "RUN_FAILED"
)

// ValidateEventType validates if a string is a valid event type.
func ValidateEventType(s string) (EventType, bool) {
	switch EventType(s) {
	case EventStageStarted, EventStageCompleted, EventCheckpointReached,
		EventCheckpointDecided, EventLoopBack, EventToolBatchDispatched,
		EventToolBatchSettled, EventEscalated, EventRunCompleted, EventRunFailed:
		return EventType(s), true
	default:
		return "", false
	}
}

// ParseEventType parses a string into an EventType with validation.
func ParseEventType(s string) (EventType, error) {
	normalized := strings.ToUpper(strings.TrimSpace(s))
	if t, valid := ValidateEventType(normalized); valid {
		return t, nil
	}
	return "", fmt.Errorf("unknown event type: %s", s)
}

// Event is one lifecycle record. Consumers (CLI, event log, tests) subscribe
// to the executor's event channel; the JSONL audit log persists these as-is.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	RunID     string         `json:"run_id"`
	Stage     string         `json:"stage,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

var (
	eventCounter int64
	eventMutex   sync.Mutex
)

// generateEventID creates a monotonic unique ID for events.
func generateEventID() string {
	eventMutex.Lock()
	defer eventMutex.Unlock()

	eventCounter++
	return fmt.Sprintf("evt_%d_%d", time.Now().UnixNano(), eventCounter)
}

func NewEvent(eventType EventType, runID, stage string) *Event {
	return &Event{
		ID:        generateEventID(),
		Type:      eventType,
		RunID:     runID,
		Stage:     stage,
		Timestamp: time.Now().UTC(),
		Payload:   make(map[string]any),
	}
}

func (e *Event) SetPayload(key string, value any) {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
}

func (e *Event) GetPayload(key string) (any, bool) {
	if e.Payload == nil {
		return nil, false
	}
	val, exists := e.Payload[key]
	return val, exists
}

func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event ID is required")
	}
	if e.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if _, valid := ValidateEventType(string(e.Type)); !valid {
		return fmt.Errorf("invalid event type: %s", e.Type)
	}
	return nil
}

func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// EventFromJSON parses a persisted event line.
func EventFromJSON(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &event, nil
}
