package schema

// MaxTriggerChainDepth is the default bound on automation-caused event chains.
// An event whose depth reaches it is dropped by the emitter.
const MaxTriggerChainDepth = 3

// TriggerType is the kind of domain event a workflow listens for.
type TriggerType string

const (
	TriggerStageChanged   TriggerType = "stage_changed"
	TriggerContactCreated TriggerType = "contact_created"
	TriggerTagAdded       TriggerType = "tag_added"
	TriggerTagRemoved     TriggerType = "tag_removed"
)

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerStageChanged, TriggerContactCreated, TriggerTagAdded, TriggerTagRemoved:
		return true
	}
	return false
}

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusWaiting   RunStatus = "waiting"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// StepLogStatus represents the lifecycle state of one attempted step.
type StepLogStatus string

const (
	StepLogRunning   StepLogStatus = "running"
	StepLogCompleted StepLogStatus = "completed"
	StepLogFailed    StepLogStatus = "failed"
	StepLogWaiting   StepLogStatus = "waiting"
)

// Activity types written by the action handlers.
const (
	ActivityStageChanged = "stage_changed"
	ActivityTagAdded     = "tag_added"
	ActivityTagRemoved   = "tag_removed"
	ActivityEmailSent    = "email_sent"
	ActivityWebhookSent  = "webhook_sent"
)

// EventData carries the type-specific payload of a PipelineEvent.
type EventData struct {
	FromStageID string `json:"from_stage_id,omitempty"`
	ToStageID   string `json:"to_stage_id,omitempty"`
	TagID       string `json:"tag_id,omitempty"`
	// SourceRunID is set when the event was produced by an automation run.
	SourceRunID string `json:"source_run_id,omitempty"`
}

// PipelineEvent is the ephemeral unit passed between the emitter and the executor.
// It is never persisted as its own row.
type PipelineEvent struct {
	Type              TriggerType `json:"type"`
	ContactID         string      `json:"contact_id"`
	OrganizationID    string      `json:"organization_id"`
	PipelineID        string      `json:"pipeline_id"`
	Data              EventData   `json:"data"`
	TriggerChainDepth int         `json:"trigger_chain_depth"`
}

// AsMap flattens the event for expression environments.
func (e PipelineEvent) AsMap() map[string]any {
	return map[string]any{
		"type":                string(e.Type),
		"contact_id":          e.ContactID,
		"organization_id":     e.OrganizationID,
		"pipeline_id":         e.PipelineID,
		"trigger_chain_depth": e.TriggerChainDepth,
		"data": map[string]any{
			"from_stage_id": e.Data.FromStageID,
			"to_stage_id":   e.Data.ToStageID,
			"tag_id":        e.Data.TagID,
			"source_run_id": e.Data.SourceRunID,
		},
	}
}
