package actions

import (
	"context"
	"time"

	"github.com/rendis/crmflow/pkg/schema"
)

const minDelayMinutes = 1

// DelayHandler implements the delay step. It has no side effect: it computes the
// wake time and the executor suspends the run until then.
type DelayHandler struct {
	now func() time.Time
}

// NewDelayHandler creates a delay handler. A nil clock uses time.Now.
func NewDelayHandler(now func() time.Time) *DelayHandler {
	if now == nil {
		now = time.Now
	}
	return &DelayHandler{now: now}
}

func (h *DelayHandler) Type() schema.StepType { return schema.StepDelay }

// Execute never fails. A missing or non-positive duration waits
// minDelayMinutes, so the wake time is always in the future.
func (h *DelayHandler) Execute(_ context.Context, in Input) (*Result, error) {
	cfg, _ := config[schema.DelayConfig](in)
	minutes := max(cfg.DurationMinutes, minDelayMinutes)
	at := h.now().UTC().Add(time.Duration(minutes) * time.Minute)
	res := Succeeded(map[string]any{"duration_minutes": minutes, "resume_at": at.Format(time.RFC3339)})
	res.ResumeAt = &at
	return res, nil
}
