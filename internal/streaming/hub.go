// Package streaming fans run lifecycle events out to live subscribers.
package streaming

import (
	"context"
	"strings"
	"time"
)

// Event types published by the executor.
const (
	RunRunning    = "run.running"
	RunWaiting    = "run.waiting"
	RunCompleted  = "run.completed"
	RunFailed     = "run.failed"
	StepRunning   = "step.running"
	StepWaiting   = "step.waiting"
	StepCompleted = "step.completed"
	StepFailed    = "step.failed"
)

// RunEventType returns the event type of a run entering status.
func RunEventType(status string) string { return "run." + status }

// StepEventType returns the event type of a step log entering status.
func StepEventType(status string) string { return "step." + status }

// StreamEvent is a run or step log status change.
type StreamEvent struct {
	Type       string    `json:"type"`
	RunID      string    `json:"run_id"`
	WorkflowID string    `json:"workflow_id"`
	ContactID  string    `json:"contact_id,omitempty"`
	StepID     string    `json:"step_id,omitempty"`
	StepType   string    `json:"step_type,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// EventFilter specifies which events a subscriber wants to receive. Empty
// fields match everything. A type ending in "." matches by prefix, so "run."
// selects every run event.
type EventFilter struct {
	WorkflowID string   `json:"workflow_id,omitempty"`
	RunID      string   `json:"run_id,omitempty"`
	Types      []string `json:"types,omitempty"`
}

// Match reports whether e passes the filter.
func (f EventFilter) Match(e StreamEvent) bool {
	if f.WorkflowID != "" && f.WorkflowID != e.WorkflowID {
		return false
	}
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type || (strings.HasSuffix(t, ".") && strings.HasPrefix(e.Type, t)) {
			return true
		}
	}
	return false
}

// Publisher accepts events. The executor only needs this half.
type Publisher interface {
	Publish(ctx context.Context, event StreamEvent) error
}

// EventHub provides pub/sub for run lifecycle events.
type EventHub interface {
	Publisher
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
