package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/crmflow/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBaseURL = "https://crmflow.dev/schemas/"

// stepConfigSchemas holds one JSON Schema per step type. They check structure and
// types only: a missing required field is reported by the step's handler at run time.
var stepConfigSchemas = map[schema.StepType]string{
	schema.StepSendEmail: `{
  "type": "object",
  "properties": {
    "template_id": { "type": "string" },
    "from_name": { "type": "string" }
  }
}`,
	schema.StepMoveStage: `{
  "type": "object",
  "properties": {
    "stage_id": { "type": "string" }
  }
}`,
	schema.StepAddTag: `{
  "type": "object",
  "properties": {
    "tag_id": { "type": "string" }
  }
}`,
	schema.StepRemoveTag: `{
  "type": "object",
  "properties": {
    "tag_id": { "type": "string" }
  }
}`,
	schema.StepWebhook: `{
  "type": "object",
  "properties": {
    "endpoint_id": { "type": "string" },
    "url": { "type": "string" },
    "method": {
      "type": "string",
      "enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "get", "post", "put", "patch", "delete"]
    },
    "headers": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    },
    "transform": { "type": "string" }
  }
}`,
	schema.StepDelay: `{
  "type": "object",
  "properties": {
    "duration_minutes": { "type": "integer", "minimum": 1 }
  }
}`,
	schema.StepCondition: `{
  "type": "object",
  "properties": {
    "field": { "type": "string" },
    "operator": { "type": "string" },
    "value": {},
    "expression": { "type": "string" }
  }
}`,
}

const triggerConfigSchema = `{
  "type": "object",
  "properties": {
    "from_stage_id": { "type": "string" },
    "to_stage_id": { "type": "string" },
    "pipeline_id": { "type": "string" },
    "tag_id": { "type": "string" },
    "when": { "type": "string" }
  },
  "additionalProperties": false
}`

// JSONSchemaValidator validates step and trigger configs using JSON Schema Draft 2020-12.
// All schemas are compiled once; it is safe for concurrent use.
type JSONSchemaValidator struct {
	steps   map[schema.StepType]*jsonschema.Schema
	trigger *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the built-in config schemas.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	v := &JSONSchemaValidator{steps: make(map[schema.StepType]*jsonschema.Schema, len(stepConfigSchemas))}
	for t, src := range stepConfigSchemas {
		compiled, err := compileSchema(c, schemaBaseURL+"steps/"+string(t)+".json", src)
		if err != nil {
			return nil, err
		}
		v.steps[t] = compiled
	}

	trig, err := compileSchema(c, schemaBaseURL+"trigger.json", triggerConfigSchema)
	if err != nil {
		return nil, err
	}
	v.trigger = trig
	return v, nil
}

func compileSchema(c *jsonschema.Compiler, url, src string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
	}
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", url, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", url, err)
	}
	return compiled, nil
}

// ValidateStepConfig validates a raw step config against the schema for its type.
// An empty or null config is treated as an empty object.
func (v *JSONSchemaValidator) ValidateStepConfig(t schema.StepType, raw json.RawMessage) error {
	compiled, ok := v.steps[t]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %q", t)
	}
	doc, err := rawToJSONValue(raw)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s config is not valid JSON", t).WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateTriggerConfig validates a trigger config value.
func (v *JSONSchemaValidator) ValidateTriggerConfig(cfg schema.TriggerConfig) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize trigger config").WithCause(err)
	}
	doc, err := rawToJSONValue(b)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize trigger config").WithCause(err)
	}
	if err := v.trigger.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// rawToJSONValue decodes raw JSON into the value form the jsonschema library expects
// (json.Number for numbers).
func rawToJSONValue(raw json.RawMessage) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(trimmed))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError
// listing every leaf violation.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
