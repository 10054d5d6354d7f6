package engine

import (
	"context"

	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/internal/streaming"
)

// publishRun announces the current status of a run. Publication never fails
// the run.
func (e *Executor) publishRun(ctx context.Context, rs *runState) {
	if e.events == nil {
		return
	}
	e.publish(ctx, streaming.StreamEvent{
		Type:       streaming.RunEventType(string(rs.run.Status)),
		RunID:      rs.run.ID,
		WorkflowID: rs.run.WorkflowID,
		ContactID:  rs.run.ContactID,
		Error:      rs.run.ErrorMessage,
		At:         e.now(),
	})
}

// publishStep announces the current status of a step log.
func (e *Executor) publishStep(ctx context.Context, rs *runState, sl *store.StepLog, errMsg string) {
	if e.events == nil {
		return
	}
	e.publish(ctx, streaming.StreamEvent{
		Type:       streaming.StepEventType(string(sl.Status)),
		RunID:      rs.run.ID,
		WorkflowID: rs.run.WorkflowID,
		ContactID:  rs.run.ContactID,
		StepID:     sl.StepID,
		StepType:   string(sl.StepType),
		Error:      errMsg,
		At:         e.now(),
	})
}

func (e *Executor) publish(ctx context.Context, ev streaming.StreamEvent) {
	if err := e.events.Publish(ctx, ev); err != nil {
		e.logger.DebugContext(ctx, "event not published", "type", ev.Type, "error", err)
	}
}
