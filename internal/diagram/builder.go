package diagram

import (
	"fmt"
	"sort"

	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/pkg/schema"
)

// Build constructs a DiagramModel from a workflow's steps and, optionally, the
// step logs of one of its runs. The entry step is the one with the lowest
// order index; levels are breadth-first distances from it.
func Build(wf *store.Workflow, steps []*schema.Step, logs []*store.StepLog) (*DiagramModel, error) {
	ordered := make([]*schema.Step, len(steps))
	copy(ordered, steps)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].OrderIndex < ordered[j].OrderIndex })

	byID := make(map[string]*schema.Step, len(ordered))
	for _, st := range ordered {
		byID[st.ID] = st
	}

	// The last log of a step wins; logs arrive in execution order.
	logMap := make(map[string]*store.StepLog, len(logs))
	for _, sl := range logs {
		logMap[sl.StepID] = sl
	}

	nodes := make([]*Node, 0, len(ordered)+2) // +2 for start/end
	nodes = append(nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})
	for _, st := range ordered {
		node := stepToNode(st)
		overlayStatus(node, logMap)
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})

	edges, err := buildEdges(ordered, byID)
	if err != nil {
		return nil, err
	}

	levels, unreachable := buildLevels(ordered, edges)

	return &DiagramModel{
		Title:       titleFor(wf),
		Nodes:       nodes,
		Edges:       edges,
		Levels:      levels,
		Unreachable: unreachable,
	}, nil
}

func stepToNode(st *schema.Step) *Node {
	return &Node{
		ID:    st.ID,
		Label: nodeLabel(st),
		Kind:  stepTypeToKind(st.Type),
	}
}

func stepTypeToKind(t schema.StepType) NodeKind {
	switch t {
	case schema.StepCondition:
		return NodeKindCondition
	case schema.StepDelay:
		return NodeKindDelay
	default:
		return NodeKindAction
	}
}

// nodeLabel creates a human-readable label: the step ID, then the step type
// with its main setting.
func nodeLabel(st *schema.Step) string {
	detail := string(st.Type)
	if cfg, err := schema.DecodeStepConfig(st.Type, st.Config); err == nil {
		switch c := cfg.(type) {
		case schema.SendEmailConfig:
			detail += " " + c.TemplateID
		case schema.MoveStageConfig:
			detail += " " + c.StageID
		case schema.TagConfig:
			detail += " " + c.TagID
		case schema.DelayConfig:
			detail += fmt.Sprintf(" %dm", c.DurationMinutes)
		case schema.ConditionConfig:
			if c.Expression != "" {
				detail += " " + c.Expression
			} else {
				detail += fmt.Sprintf(" %s %s", c.Field, c.Operator)
			}
		}
	}
	return fmt.Sprintf("%s\n(%s)", st.ID, detail)
}

func overlayStatus(node *Node, logMap map[string]*store.StepLog) {
	sl, ok := logMap[node.ID]
	if !ok {
		return
	}
	node.Status = &StatusOverlay{
		Status:   string(sl.Status),
		Error:    sl.ErrorMessage,
		ResumeAt: sl.NextRetryAt,
	}
}

// buildEdges follows every step pointer. A missing successor points at the
// virtual end node.
func buildEdges(ordered []*schema.Step, byID map[string]*schema.Step) ([]Edge, error) {
	if len(ordered) == 0 {
		return []Edge{{From: StartID, To: EndID}}, nil
	}

	edges := []Edge{{From: StartID, To: ordered[0].ID}}
	target := func(from, to string) (string, error) {
		if to == "" {
			return EndID, nil
		}
		if _, ok := byID[to]; !ok {
			return "", fmt.Errorf("diagram: step %s points to unknown step %s", from, to)
		}
		return to, nil
	}

	for _, st := range ordered {
		if st.Type == schema.StepCondition {
			for _, br := range []struct{ label, to string }{
				{"true", st.ConditionTrueStepID},
				{"false", st.ConditionFalseStepID},
			} {
				to, err := target(st.ID, br.to)
				if err != nil {
					return nil, err
				}
				edges = append(edges, Edge{From: st.ID, To: to, Label: br.label})
			}
			continue
		}
		to, err := target(st.ID, st.NextStepID)
		if err != nil {
			return nil, err
		}
		edges = append(edges, Edge{From: st.ID, To: to})
	}
	return edges, nil
}

// buildLevels groups steps by breadth-first distance from the entry step and
// wraps them with the virtual start and end levels.
func buildLevels(ordered []*schema.Step, edges []Edge) ([][]string, []string) {
	levels := [][]string{{StartID}}
	if len(ordered) > 0 {
		adj := make(map[string][]string, len(ordered))
		for _, e := range edges {
			if e.From != StartID && e.To != EndID {
				adj[e.From] = append(adj[e.From], e.To)
			}
		}

		seen := map[string]bool{ordered[0].ID: true}
		frontier := []string{ordered[0].ID}
		for len(frontier) > 0 {
			levels = append(levels, frontier)
			var next []string
			for _, id := range frontier {
				for _, to := range adj[id] {
					if !seen[to] {
						seen[to] = true
						next = append(next, to)
					}
				}
			}
			frontier = next
		}

		var unreachable []string
		for _, st := range ordered {
			if !seen[st.ID] {
				unreachable = append(unreachable, st.ID)
			}
		}
		return append(levels, []string{EndID}), unreachable
	}
	return append(levels, []string{EndID}), nil
}

func titleFor(wf *store.Workflow) string {
	if wf == nil {
		return "Workflow"
	}
	if wf.Name != "" {
		return wf.Name
	}
	return wf.ID
}
