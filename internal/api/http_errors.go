package api

import (
	"net/http"

	"github.com/rendis/crmflow/pkg/schema"
)

func httpStatusForFlowError(fe *schema.FlowError) int {
	switch fe.Code {
	case schema.ErrCodeValidation:
		return http.StatusUnprocessableEntity
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeInvalidTransition, schema.ErrCodeConflict, schema.ErrCodeInactiveWorkflow:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
