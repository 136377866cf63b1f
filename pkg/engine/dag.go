package engine

import (
	"fmt"
	"strings"
)

// ActionGraph is the dependency graph of a plan.
type ActionGraph struct {
	// Nodes maps action IDs to their graph nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Roots lists actions with no dependencies, in plan order.
	Roots []string `json:"roots"`

	// Depth is the number of levels.
	Depth int `json:"depth"`
}

// GraphNode is one action in the graph.
type GraphNode struct {
	ID           string   `json:"id"`
	Level        int      `json:"level"`
	Lane         string   `json:"lane"`
	Dependencies []string `json:"dependencies"`
	Dependents   []string `json:"dependents"`
}

// DAGBuilder validates the dependency structure of a plan and assigns
// levels. Within a lane actions run in plan order, so a dependency must
// share its dependent's lane and appear earlier in the plan.
type DAGBuilder struct {
	actions              map[string]*Action
	position             map[string]int
	order                []string
	adjacencyList        map[string][]string
	reverseAdjacencyList map[string][]string
	inDegree             map[string]int
	levels               [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		actions:              make(map[string]*Action),
		position:             make(map[string]int),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
		levels:               make([][]string, 0),
	}
}

// BuildGraph constructs the graph of a plan's actions.
// It validates dependencies, detects cycles, and computes levels.
func (b *DAGBuilder) BuildGraph(actions []Action) (*ActionGraph, error) {
	if len(actions) == 0 {
		return &ActionGraph{
			Nodes: make(map[string]*GraphNode),
			Roots: make([]string, 0),
		}, nil
	}

	if err := b.initialize(actions); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildActionGraph(), nil
}

func (b *DAGBuilder) initialize(actions []Action) error {
	for i := range actions {
		a := &actions[i]
		if a.ID == "" {
			return NewPermanentError("plan action has empty ID", nil).
				WithCode(ErrCodeValidation).WithSubject(a.Subject.String())
		}
		if _, exists := b.actions[a.ID]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate plan action ID: %s", a.ID), nil).
				WithCode(ErrCodeValidation)
		}
		if err := a.Type.Validate(); err != nil {
			return NewPermanentError(err.Error(), nil).WithCode(ErrCodeValidation).WithSubject(a.Subject.String())
		}

		b.actions[a.ID] = a
		b.position[a.ID] = i
		b.order = append(b.order, a.ID)
		b.adjacencyList[a.ID] = make([]string, 0)
		b.reverseAdjacencyList[a.ID] = make([]string, 0)
		b.inDegree[a.ID] = 0
	}

	for _, id := range b.order {
		a := b.actions[id]
		for _, dep := range a.DependsOn {
			target, exists := b.actions[dep]
			if !exists {
				return NewPermanentError(
					fmt.Sprintf("action %s depends on non-existent action %s", a.ID, dep), nil,
				).WithCode(ErrCodeValidation).WithSubject(a.Subject.String())
			}
			if target.Lane() != a.Lane() {
				return NewPermanentError(
					fmt.Sprintf("action %s (lane %s) depends on %s in lane %s", a.ID, a.Lane(), dep, target.Lane()), nil,
				).WithCode(ErrCodeValidation).WithSubject(a.Subject.String())
			}
			if b.position[dep] > b.position[a.ID] {
				return NewPermanentError(
					fmt.Sprintf("action %s depends on later action %s", a.ID, dep), nil,
				).WithCode(ErrCodeValidation).WithSubject(a.Subject.String())
			}

			// Edge from dependency to dependent.
			b.adjacencyList[dep] = append(b.adjacencyList[dep], a.ID)
			b.reverseAdjacencyList[a.ID] = append(b.reverseAdjacencyList[a.ID], dep)
			b.inDegree[a.ID]++
		}
	}

	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, id := range b.order {
		if visited[id] {
			continue
		}
		if cycle := b.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
			return NewPermanentError(
				fmt.Sprintf("circular dependency detected: %s", strings.Join(cycle, " -> ")), nil,
			).WithCode(ErrCodeValidation)
		}
	}
	return nil
}

func (b *DAGBuilder) detectCyclesUtil(id string, visited, recStack map[string]bool, path []string) []string {
	visited[id] = true
	recStack[id] = true
	path = append(path, id)

	for _, dependent := range b.adjacencyList[id] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, p := range path {
				if p == dependent {
					return append(append([]string(nil), path[i:]...), dependent)
				}
			}
		}
	}

	recStack[id] = false
	return nil
}

// computeLevels assigns levels with Kahn's algorithm. Level order is plan
// order, so the result is deterministic.
func (b *DAGBuilder) computeLevels() error {
	inDegree := make(map[string]int, len(b.inDegree))
	for id, d := range b.inDegree {
		inDegree[id] = d
	}

	current := make([]string, 0)
	for _, id := range b.order {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	processed := 0
	for len(current) > 0 {
		b.levels = append(b.levels, current)
		processed += len(current)

		next := make([]string, 0)
		for _, id := range current {
			for _, dependent := range b.adjacencyList[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	if processed != len(b.actions) {
		return NewPermanentError("failed to process all actions - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}
	return nil
}

func (b *DAGBuilder) buildActionGraph() *ActionGraph {
	graph := &ActionGraph{
		Nodes: make(map[string]*GraphNode, len(b.actions)),
		Roots: make([]string, 0),
		Depth: len(b.levels),
	}
	for level, ids := range b.levels {
		for _, id := range ids {
			graph.Nodes[id] = &GraphNode{
				ID:           id,
				Level:        level,
				Lane:         b.actions[id].Lane(),
				Dependencies: b.reverseAdjacencyList[id],
				Dependents:   b.adjacencyList[id],
			}
			if level == 0 {
				graph.Roots = append(graph.Roots, id)
			}
		}
	}
	return graph
}

// GetLevels returns the computed levels.
func (b *DAGBuilder) GetLevels() [][]string {
	return b.levels
}

// ToDOT renders the graph in Graphviz DOT format, one cluster per lane.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Plan {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	lanes := make([]string, 0)
	byLane := make(map[string][]string)
	for _, id := range b.order {
		lane := b.actions[id].Lane()
		if _, ok := byLane[lane]; !ok {
			lanes = append(lanes, lane)
		}
		byLane[lane] = append(byLane[lane], id)
	}

	for _, lane := range lanes {
		sb.WriteString(fmt.Sprintf("  subgraph \"cluster_%s\" {\n", lane))
		sb.WriteString(fmt.Sprintf("    label=%q;\n", lane))
		sb.WriteString("    style=dashed;\n")
		for _, id := range byLane[lane] {
			a := b.actions[id]
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\\n%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, a.Type, a.Subject.Name(), getActionColor(a.Type)))
		}
		sb.WriteString("  }\n\n")
	}

	for _, id := range b.order {
		for _, dep := range b.actions[id].DependsOn {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", dep, id))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func getActionColor(t ActionType) string {
	switch t {
	case ActionInstall:
		return "lightgreen"
	case ActionSetPreference:
		return "lightblue"
	case ActionRemove, ActionUnsetPreference:
		return "lightcoral"
	case ActionRecordToConfig:
		return "khaki"
	default:
		return "white"
	}
}

// ValidatePlan checks the dependency structure of a plan.
func ValidatePlan(plan *Plan) (*ActionGraph, error) {
	if plan == nil {
		return nil, NewPermanentError("plan is nil", nil).WithCode(ErrCodeValidation)
	}
	return NewDAGBuilder().BuildGraph(plan.Actions)
}
