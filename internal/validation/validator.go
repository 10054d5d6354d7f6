package validation

import (
	"encoding/json"

	"github.com/rendis/crmflow/pkg/schema"
)

// Validator checks workflow step graphs and configs before execution.
type Validator interface {
	ValidateSteps(steps []*schema.Step) *schema.ValidationResult
	ValidateStepConfig(t schema.StepType, raw json.RawMessage) error
	ValidateTriggerConfig(cfg schema.TriggerConfig) error
}
