package validation

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/crmflow/pkg/schema"
)

// WorkflowValidator runs the load-time validation pipeline over a workflow's steps:
// 1. Step types and structural config checks (JSON Schema)
// 2. Graph checks (references, cycles, reachability)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
}

// NewWorkflowValidator creates a WorkflowValidator.
func NewWorkflowValidator() (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv}, nil
}

// ValidateSteps validates steps ordered by order index and returns an aggregated result.
// Config errors short-circuit: graph checks are skipped.
func (wv *WorkflowValidator) ValidateSteps(steps []*schema.Step) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	for _, s := range steps {
		path := fmt.Sprintf("steps[%s]", s.ID)
		if s.ID == "" {
			result.AddError("steps", schema.ErrCodeValidation, "step id is empty")
			continue
		}
		if !s.Type.Valid() {
			result.AddError(path+".step_type", schema.ErrCodeValidation,
				fmt.Sprintf("step %q has unknown type %q", s.ID, s.Type))
			continue
		}
		if err := wv.jsonSchema.ValidateStepConfig(s.Type, s.Config); err != nil {
			addFlowError(result, path+".config", err)
		}
	}
	if !result.Valid() {
		return result
	}

	result.Merge(validateGraph(steps))
	return result
}

// ValidateStepConfig delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateStepConfig(t schema.StepType, raw json.RawMessage) error {
	return wv.jsonSchema.ValidateStepConfig(t, raw)
}

// ValidateTriggerConfig delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateTriggerConfig(cfg schema.TriggerConfig) error {
	return wv.jsonSchema.ValidateTriggerConfig(cfg)
}

// addFlowError expands a FlowError's violations into individual result issues.
func addFlowError(result *schema.ValidationResult, path string, err error) {
	flowErr, ok := err.(*schema.FlowError)
	if !ok {
		result.AddError(path, schema.ErrCodeValidation, err.Error())
		return
	}
	if violations, ok := flowErr.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError(path, schema.ErrCodeValidation, v)
		}
		return
	}
	result.AddError(path, schema.ErrCodeValidation, flowErr.Message)
}

var _ Validator = (*WorkflowValidator)(nil)
