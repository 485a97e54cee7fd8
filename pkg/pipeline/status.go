// Package pipeline defines the run state model: the single source of truth
// passed through a diagnostic run, its status lifecycle, the typed stage
// outputs, and the per-run state store.
package pipeline

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a pipeline run.
type Status string

const (
	// StatusRunning means the executor is actively walking the graph.
	StatusRunning Status = "RUNNING"

	// StatusAwaitingHuman means the run is parked at a pending checkpoint.
	// Parked is not failed: the process may exit and resume later.
	StatusAwaitingHuman Status = "AWAITING_HUMAN"

	// Terminal states.
	StatusCompleted Status = "COMPLETED"
	StatusEscalated Status = "ESCALATED"
	StatusFailed    Status = "FAILED"
)

// statusTransitions is the canonical lifecycle map. ESCALATED is reachable
// from both RUNNING (iteration budget exhausted, rejected checkpoint) and
// AWAITING_HUMAN (reject decision).
var statusTransitions = map[Status][]Status{
	StatusRunning:       {StatusAwaitingHuman, StatusCompleted, StatusEscalated, StatusFailed},
	StatusAwaitingHuman: {StatusRunning, StatusEscalated, StatusFailed},

	// Terminal states have no exits.
	StatusCompleted: {},
	StatusEscalated: {},
	StatusFailed:    {},
}

// GetAllStatuses returns every defined run status.
func GetAllStatuses() []Status {
	return []Status{StatusRunning, StatusAwaitingHuman, StatusCompleted, StatusEscalated, StatusFailed}
}

// ValidateStatus checks if a string is a valid run status.
func ValidateStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusRunning, StatusAwaitingHuman, StatusCompleted, StatusEscalated, StatusFailed:
		return Status(s), true
	default:
		return "", false
	}
}

// ParseStatus parses a string into a Status with validation.
func ParseStatus(s string) (Status, error) {
	normalized := strings.ToUpper(strings.TrimSpace(s))
	if status, valid := ValidateStatus(normalized); valid {
		return status, nil
	}
	return "", fmt.Errorf("unknown run status: %s", s)
}

// ValidNextStatuses returns the allowed next statuses for a given status.
func ValidNextStatuses(from Status) []Status {
	return statusTransitions[from]
}

// IsValidStatusTransition checks if a transition between two statuses is allowed.
func IsValidStatusTransition(from, to Status) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalStatus reports whether a status has no valid exits.
func IsTerminalStatus(s Status) bool {
	return len(statusTransitions[s]) == 0
}
