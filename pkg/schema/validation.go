package schema

import (
	"fmt"
	"strings"
)

// Issue is one problem found while loading a workflow's steps. StepID is empty
// for workflow-level issues.
type Issue struct {
	StepID  string `json:"step_id,omitempty"`
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult collects blocking errors and advisory warnings. Only
// errors stop a workflow from running.
type ValidationResult struct {
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError records a blocking issue. A path of the form "steps[ID]..." ties it to step ID.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, newIssue(path, code, message))
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, newIssue(path, code, message))
}

func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// maxListedIssues bounds how many messages ToError joins into its summary.
const maxListedIssues = 3

// ToError returns nil for a valid result, otherwise a VALIDATION FlowError
// whose message joins the first few error messages. When every error belongs
// to the same step, the error carries that step id.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msgs := make([]string, 0, maxListedIssues)
	for i, is := range r.Errors {
		if i == maxListedIssues {
			break
		}
		msgs = append(msgs, is.Message)
	}
	msg := strings.Join(msgs, "; ")
	if extra := len(r.Errors) - len(msgs); extra > 0 {
		msg += fmt.Sprintf(" (and %d more)", extra)
	}

	fe := NewError(ErrCodeValidation, msg).WithDetails(map[string]any{
		"errors":   r.Errors,
		"warnings": r.Warnings,
	})
	if step := r.Errors[0].StepID; step != "" {
		for _, is := range r.Errors[1:] {
			if is.StepID != step {
				return fe
			}
		}
		fe = fe.WithStep(step)
	}
	return fe
}

func newIssue(path, code, message string) Issue {
	return Issue{StepID: stepFromPath(path), Path: path, Code: code, Message: message}
}

// stepFromPath extracts ID from "steps[ID]" or "steps[ID].field".
func stepFromPath(path string) string {
	rest, ok := strings.CutPrefix(path, "steps[")
	if !ok {
		return ""
	}
	id, _, ok := strings.Cut(rest, "]")
	if !ok {
		return ""
	}
	return id
}
