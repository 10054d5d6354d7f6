package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepSendEmail StepType = "send_email"
	StepMoveStage StepType = "move_stage"
	StepAddTag    StepType = "add_tag"
	StepRemoveTag StepType = "remove_tag"
	StepWebhook   StepType = "webhook"
	StepDelay     StepType = "delay"
	StepCondition StepType = "condition"
)

// StepTypes lists every supported step type.
var StepTypes = []StepType{
	StepSendEmail, StepMoveStage, StepAddTag, StepRemoveTag, StepWebhook, StepDelay, StepCondition,
}

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	for _, s := range StepTypes {
		if s == t {
			return true
		}
	}
	return false
}

// TriggerConfig filters which events of a workflow's trigger type start a run.
// Empty fields are wildcards.
type TriggerConfig struct {
	FromStageID string `json:"from_stage_id,omitempty"` // stage_changed
	ToStageID   string `json:"to_stage_id,omitempty"`   // stage_changed
	PipelineID  string `json:"pipeline_id,omitempty"`   // contact_created
	TagID       string `json:"tag_id,omitempty"`        // tag_added | tag_removed
	When        string `json:"when,omitempty"`          // optional CEL guard over {event, contact}
}

// Step is one node of a workflow's step graph. Successor pointers are step IDs;
// an empty string means no successor.
type Step struct {
	ID                   string          `json:"id"`
	WorkflowID           string          `json:"workflow_id"`
	OrderIndex           int             `json:"order_index"`
	Type                 StepType        `json:"step_type"`
	Config               json.RawMessage `json:"config,omitempty"`
	NextStepID           string          `json:"next_step_id,omitempty"`
	ConditionTrueStepID  string          `json:"condition_true_step_id,omitempty"`
	ConditionFalseStepID string          `json:"condition_false_step_id,omitempty"`
}

// Successors returns the non-empty successor IDs of the step.
func (s *Step) Successors() []string {
	var out []string
	for _, id := range []string{s.NextStepID, s.ConditionTrueStepID, s.ConditionFalseStepID} {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

// StepConfig is the sealed union of per-type step configurations.
type StepConfig interface {
	Kind() StepType
	isStepConfig()
}

// SendEmailConfig configures a send_email step.
type SendEmailConfig struct {
	TemplateID string `json:"template_id"`
	FromName   string `json:"from_name,omitempty"`
}

// MoveStageConfig configures a move_stage step.
type MoveStageConfig struct {
	StageID string `json:"stage_id"`
}

// TagConfig configures add_tag and remove_tag steps.
type TagConfig struct {
	TagID string `json:"tag_id"`
	kind  StepType
}

// WebhookConfig configures a webhook step. EndpointID takes precedence over URL.
type WebhookConfig struct {
	EndpointID string            `json:"endpoint_id,omitempty"`
	URL        string            `json:"url,omitempty"`
	Method     string            `json:"method,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Transform  string            `json:"transform,omitempty"` // jq program applied to the payload
}

// DelayConfig configures a delay step.
type DelayConfig struct {
	DurationMinutes int `json:"duration_minutes"`
}

// ConditionConfig configures a condition step. When Expression is set it is
// evaluated instead of Field/Operator/Value.
type ConditionConfig struct {
	Field      string `json:"field,omitempty"`
	Operator   string `json:"operator,omitempty"`
	Value      any    `json:"value,omitempty"`
	Expression string `json:"expression,omitempty"`
}

func (SendEmailConfig) Kind() StepType { return StepSendEmail }
func (MoveStageConfig) Kind() StepType { return StepMoveStage }
func (WebhookConfig) Kind() StepType   { return StepWebhook }
func (DelayConfig) Kind() StepType     { return StepDelay }
func (ConditionConfig) Kind() StepType { return StepCondition }

// Kind is add_tag unless the config was decoded for remove_tag.
func (c TagConfig) Kind() StepType {
	if c.kind == "" {
		return StepAddTag
	}
	return c.kind
}

func (SendEmailConfig) isStepConfig() {}
func (MoveStageConfig) isStepConfig() {}
func (TagConfig) isStepConfig()       {}
func (WebhookConfig) isStepConfig()   {}
func (DelayConfig) isStepConfig()     {}
func (ConditionConfig) isStepConfig() {}

// DecodeStepConfig decodes raw JSON into the config variant for the step type.
// An empty or null config decodes to the zero value of the variant.
func DecodeStepConfig(t StepType, raw json.RawMessage) (StepConfig, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	var (
		cfg StepConfig
		err error
	)
	switch t {
	case StepSendEmail:
		var c SendEmailConfig
		err = json.Unmarshal(raw, &c)
		cfg = c
	case StepMoveStage:
		var c MoveStageConfig
		err = json.Unmarshal(raw, &c)
		cfg = c
	case StepAddTag, StepRemoveTag:
		var c TagConfig
		err = json.Unmarshal(raw, &c)
		c.kind = t
		cfg = c
	case StepWebhook:
		var c WebhookConfig
		err = json.Unmarshal(raw, &c)
		cfg = c
	case StepDelay:
		var c DelayConfig
		err = json.Unmarshal(raw, &c)
		cfg = c
	case StepCondition:
		var c ConditionConfig
		err = json.Unmarshal(raw, &c)
		cfg = c
	default:
		return nil, NewErrorf(ErrCodeValidation, "unknown step type %q", t)
	}
	if err != nil {
		return nil, NewErrorf(ErrCodeValidation, "decode %s config: %s", t, err.Error()).WithCause(err)
	}
	return cfg, nil
}

// MustRawConfig marshals v for use as a Step.Config literal. It panics on error.
func MustRawConfig(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal step config: %v", err))
	}
	return b
}
