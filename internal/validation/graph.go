package validation

import (
	"fmt"

	"github.com/rendis/crmflow/pkg/schema"
)

// validateGraph checks the successor pointers of a workflow's steps.
// Dangling or duplicate references are errors. Cycles and steps unreachable from
// the entry step are warnings: the executor bounds each run segment instead.
// steps must be ordered by order index; steps[0] is the entry step.
func validateGraph(steps []*schema.Step) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if len(steps) == 0 {
		return result
	}

	byID := make(map[string]*schema.Step, len(steps))
	for _, s := range steps {
		if _, dup := byID[s.ID]; dup {
			result.AddError(fmt.Sprintf("steps[%s]", s.ID), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q", s.ID))
			continue
		}
		byID[s.ID] = s
	}

	for _, s := range steps {
		for _, ref := range []struct{ field, id string }{
			{"next_step_id", s.NextStepID},
			{"condition_true_step_id", s.ConditionTrueStepID},
			{"condition_false_step_id", s.ConditionFalseStepID},
		} {
			if ref.id == "" {
				continue
			}
			if _, ok := byID[ref.id]; !ok {
				result.AddError(fmt.Sprintf("steps[%s].%s", s.ID, ref.field), schema.ErrCodeValidation,
					fmt.Sprintf("step %q references unknown step %q", s.ID, ref.id))
			}
		}
	}
	if !result.Valid() {
		return result // broken references make graph analysis meaningless
	}

	// Iterative DFS from the entry step with white/grey/black colouring.
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(steps))
	type frame struct {
		id   string
		next int
	}
	entry := steps[0].ID
	stack := []frame{{id: entry}}
	color[entry] = grey
	cycleAt := ""

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		succ := byID[top.id].Successors()
		if top.next >= len(succ) {
			color[top.id] = black
			stack = stack[:len(stack)-1]
			continue
		}
		child := succ[top.next]
		top.next++
		switch color[child] {
		case white:
			color[child] = grey
			stack = append(stack, frame{id: child})
		case grey:
			if cycleAt == "" {
				cycleAt = child
			}
		}
	}

	if cycleAt != "" {
		result.AddWarning("steps", schema.ErrCodeCycleDetected,
			fmt.Sprintf("step graph contains a cycle through step %q", cycleAt))
	}
	for _, s := range steps {
		if color[s.ID] == white {
			result.AddWarning(fmt.Sprintf("steps[%s]", s.ID), schema.ErrCodeValidation,
				fmt.Sprintf("step %q is unreachable from entry step %q", s.ID, entry))
		}
	}
	return result
}
