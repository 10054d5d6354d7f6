package engine

import (
	"log/slog"

	"github.com/rendis/crmflow/pkg/schema"
)

// TransitionHook is called after a successful state transition.
type TransitionHook func(id, from, to string)

// RunFSM guards run lifecycle transitions. The caller persists the new state.
type RunFSM struct {
	after []TransitionHook
}

// NewRunFSM creates a RunFSM. Hooks run after every accepted transition.
func NewRunFSM(hooks ...TransitionHook) *RunFSM {
	return &RunFSM{after: hooks}
}

// Transition validates a run state transition.
func (f *RunFSM) Transition(runID string, from, to schema.RunStatus) error {
	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}
	for _, hook := range f.after {
		hook(runID, string(from), string(to))
	}
	return nil
}

// StepLogFSM guards step log transitions.
type StepLogFSM struct {
	after []TransitionHook
}

// NewStepLogFSM creates a StepLogFSM.
func NewStepLogFSM(hooks ...TransitionHook) *StepLogFSM {
	return &StepLogFSM{after: hooks}
}

// Transition validates a step log state transition.
func (f *StepLogFSM) Transition(stepID string, from, to schema.StepLogStatus) error {
	if !isValidStepLogTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step log transition: %s -> %s", from, to).
			WithStep(stepID).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}
	for _, hook := range f.after {
		hook(stepID, string(from), string(to))
	}
	return nil
}

// debugTransitions returns a hook that logs transitions at debug level.
func debugTransitions(logger *slog.Logger, kind string) TransitionHook {
	return func(id, from, to string) {
		logger.Debug("transition", "kind", kind, "id", id, "from", from, "to", to)
	}
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func isValidStepLogTransition(from, to schema.StepLogStatus) bool {
	for _, a := range ValidStepLogTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// IsTerminalRun reports whether a run can no longer change state.
func IsTerminalRun(s schema.RunStatus) bool {
	return len(ValidRunTransitions[s]) == 0
}

// ValidRunTransitions defines the allowed state transitions for runs.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusRunning:   {schema.RunStatusWaiting, schema.RunStatusCompleted, schema.RunStatusFailed},
	schema.RunStatusWaiting:   {schema.RunStatusRunning, schema.RunStatusCompleted, schema.RunStatusFailed},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
}

// ValidStepLogTransitions defines the allowed state transitions for step logs.
var ValidStepLogTransitions = map[schema.StepLogStatus][]schema.StepLogStatus{
	schema.StepLogRunning:   {schema.StepLogCompleted, schema.StepLogFailed, schema.StepLogWaiting},
	schema.StepLogWaiting:   {schema.StepLogCompleted, schema.StepLogFailed},
	schema.StepLogCompleted: {},
	schema.StepLogFailed:    {},
}
