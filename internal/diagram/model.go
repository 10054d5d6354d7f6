package diagram

import "time"

// NodeKind classifies a diagram node by its workflow step type.
type NodeKind string

const (
	NodeKindAction    NodeKind = "action"
	NodeKindCondition NodeKind = "condition"
	NodeKindDelay     NodeKind = "delay"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// Virtual node IDs.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
	// Unreachable lists steps no path from the entry step reaches.
	Unreachable []string
}

// Node represents a single step in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the step log state of a node for one run.
type StatusOverlay struct {
	Status   string // from schema.StepLogStatus
	Error    string
	ResumeAt *time.Time
}

// Edge is a step pointer. Label is "true" or "false" for condition branches.
type Edge struct {
	From  string
	To    string
	Label string
}
