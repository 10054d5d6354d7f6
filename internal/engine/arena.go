package engine

import (
	"sort"

	"github.com/rendis/crmflow/pkg/schema"
)

// stepArena holds one workflow's steps for the duration of an execution.
// Successors are step IDs looked up in byID; nothing points into another
// step struct.
type stepArena struct {
	order   []*schema.Step
	byID    map[string]*schema.Step
	configs map[string]schema.StepConfig
}

func newStepArena(steps []*schema.Step) *stepArena {
	ordered := append([]*schema.Step(nil), steps...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].OrderIndex < ordered[j].OrderIndex
	})
	a := &stepArena{
		order:   ordered,
		byID:    make(map[string]*schema.Step, len(ordered)),
		configs: make(map[string]schema.StepConfig, len(ordered)),
	}
	for _, st := range ordered {
		a.byID[st.ID] = st
	}
	return a
}

// first returns the lowest-order step, or nil for an empty workflow.
func (a *stepArena) first() *schema.Step {
	if len(a.order) == 0 {
		return nil
	}
	return a.order[0]
}

func (a *stepArena) step(id string) (*schema.Step, bool) {
	st, ok := a.byID[id]
	return st, ok
}

// decode fills configs with the typed variant of every step config.
func (a *stepArena) decode() error {
	for _, st := range a.order {
		cfg, err := schema.DecodeStepConfig(st.Type, st.Config)
		if err != nil {
			return err
		}
		a.configs[st.ID] = cfg
	}
	return nil
}
