package api

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/rendis/crmflow/pkg/schema"
)

// eventRequest is one pipeline event as posted by the CRM.
type eventRequest struct {
	Type              string       `json:"type" validate:"required,oneof=stage_changed contact_created tag_added tag_removed"`
	ContactID         string       `json:"contact_id" validate:"required"`
	OrganizationID    string       `json:"organization_id" validate:"required"`
	PipelineID        string       `json:"pipeline_id" validate:"required"`
	Data              eventPayload `json:"data"`
	TriggerChainDepth int          `json:"trigger_chain_depth" validate:"gte=0"`
}

type eventPayload struct {
	FromStageID string `json:"from_stage_id"`
	ToStageID   string `json:"to_stage_id"`
	TagID       string `json:"tag_id"`
	SourceRunID string `json:"source_run_id"`
}

func (e eventRequest) event() schema.PipelineEvent {
	return schema.PipelineEvent{
		Type:           schema.TriggerType(e.Type),
		ContactID:      e.ContactID,
		OrganizationID: e.OrganizationID,
		PipelineID:     e.PipelineID,
		Data: schema.EventData{
			FromStageID: e.Data.FromStageID,
			ToStageID:   e.Data.ToStageID,
			TagID:       e.Data.TagID,
			SourceRunID: e.Data.SourceRunID,
		},
		TriggerChainDepth: e.TriggerChainDepth,
	}
}

// emitRequest is a whole POST /v1/events batch.
type emitRequest struct {
	Events []eventRequest `json:"events" validate:"min=1,max=100,dive"`
}

type resumeRequest struct {
	StepID string `json:"step_id" validate:"required"`
}

// fieldError describes one rejected request field.
type fieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

func newRequestValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(validateEventPayload, eventRequest{})
	return v
}

// validateEventPayload requires the data field each event type is matched on.
func validateEventPayload(sl validator.StructLevel) {
	req := sl.Current().Interface().(eventRequest)
	switch schema.TriggerType(req.Type) {
	case schema.TriggerStageChanged:
		if req.Data.ToStageID == "" {
			sl.ReportError(req.Data.ToStageID, "data.to_stage_id", "ToStageID", "required_for_type", req.Type)
		}
	case schema.TriggerTagAdded, schema.TriggerTagRemoved:
		if req.Data.TagID == "" {
			sl.ReportError(req.Data.TagID, "data.tag_id", "TagID", "required_for_type", req.Type)
		}
	}
}

// fieldErrors flattens validator errors. ok is false for errors that do not
// come from a failed validation rule.
func fieldErrors(err error) (out []fieldError, ok bool) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil, false
	}
	for _, fe := range verrs {
		out = append(out, fieldError{
			Field:   fieldPath(fe.Namespace()),
			Tag:     fe.Tag(),
			Message: fieldMessage(fe),
		})
	}
	return out, true
}

// fieldPath drops the Go type name the namespace starts with.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "min":
		return fmt.Sprintf("must contain at least %s item(s)", fe.Param())
	case "max":
		return fmt.Sprintf("must contain at most %s item(s)", fe.Param())
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "required_for_type":
		return fmt.Sprintf("is required for %s events", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
