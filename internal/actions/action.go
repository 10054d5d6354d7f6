package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/crmflow/pkg/schema"
)

// Handler performs the side effect of one step type.
//
// Configuration, not-found and external-service problems are reported as a
// failed Result, not as an error. A returned error means something unexpected
// happened (a store failure, say); the executor records it as a step failure too.
type Handler interface {
	Type() schema.StepType
	Execute(ctx context.Context, in Input) (*Result, error)
}

// HandlerRegistry manages the lookup of step handlers.
type HandlerRegistry interface {
	Register(h Handler) error
	Get(t schema.StepType) (Handler, error)
	List() []schema.StepType
}

// Input is the data provided to a handler at execution time.
type Input struct {
	RunID      string
	WorkflowID string
	ContactID  string
	Step       *schema.Step
	Config     schema.StepConfig
	// Depth is the trigger chain depth of the run; MaxDepth bounds cascades.
	Depth    int
	MaxDepth int
}

// Result is the uniform outcome of a handler.
type Result struct {
	Success    bool                  `json:"success"`
	Error      string                `json:"error,omitempty"`
	NewEvent   *schema.PipelineEvent `json:"new_event,omitempty"`
	StatusCode int                   `json:"status_code,omitempty"`
	ResumeAt   *time.Time            `json:"resume_at,omitempty"`
	Data       map[string]any        `json:"data,omitempty"`
}

// Succeeded returns a successful Result carrying data.
func Succeeded(data map[string]any) *Result {
	return &Result{Success: true, Data: data}
}

// Failed returns a failed Result with a formatted message.
func Failed(format string, args ...any) *Result {
	return &Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// maxDepth returns the configured cascade bound, defaulting to schema.MaxTriggerChainDepth.
func (in Input) maxDepth() int {
	if in.MaxDepth <= 0 {
		return schema.MaxTriggerChainDepth
	}
	return in.MaxDepth
}

// cascade builds the follow-up event for a mutation, or nil once the chain
// depth has reached the bound.
func (in Input) cascade(t schema.TriggerType, organizationID, pipelineID string, data schema.EventData) *schema.PipelineEvent {
	if in.Depth >= in.maxDepth() {
		return nil
	}
	data.SourceRunID = in.RunID
	return &schema.PipelineEvent{
		Type:              t,
		ContactID:         in.ContactID,
		OrganizationID:    organizationID,
		PipelineID:        pipelineID,
		Data:              data,
		TriggerChainDepth: in.Depth + 1,
	}
}

// config asserts the decoded config to its variant.
func config[T schema.StepConfig](in Input) (T, bool) {
	c, ok := in.Config.(T)
	return c, ok
}
