// Package graph holds the in-memory execution DAG. Nodes index the
// on-disk stages by id; edges are indexed both ways so completion events
// can unblock dependents without a full scan. The graph is rebuilt from
// the state store on startup and mutated only through the Mark* methods.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/loomworks/loom/internal/errors"
	"github.com/loomworks/loom/internal/model"
)

// NodeStatus is the scheduling-relevant subset of stage status.
type NodeStatus string

const (
	NodeWaitingForDeps NodeStatus = "waiting-for-deps"
	NodeQueued         NodeStatus = "queued"
	NodeExecuting      NodeStatus = "executing"
	NodeCompleted      NodeStatus = "completed"
	NodeBlocked        NodeStatus = "blocked"
	NodeSkipped        NodeStatus = "skipped"
)

// nodeStatusFromStage projects a full stage status onto the scheduling
// subset. Intermediate states (handoff, review, input, merge trouble)
// count as executing: the stage occupies a slot and is not schedulable.
func nodeStatusFromStage(s model.StageStatus) NodeStatus {
	switch s {
	case model.StatusWaitingForDeps:
		return NodeWaitingForDeps
	case model.StatusQueued:
		return NodeQueued
	case model.StatusCompleted, model.StatusVerified:
		return NodeCompleted
	case model.StatusBlocked:
		return NodeBlocked
	case model.StatusSkipped:
		return NodeSkipped
	default:
		return NodeExecuting
	}
}

// StageNode is one node of the DAG.
type StageNode struct {
	ID            string
	Dependencies  []string
	Status        NodeStatus
	Merged        bool
	ParallelGroup string
}

// Satisfied reports whether this node satisfies its dependents:
// completed AND merged. Skipped never satisfies.
func (n *StageNode) Satisfied() bool {
	return n.Status == NodeCompleted && n.Merged
}

// ExecutionGraph is the dependency DAG of a plan.
type ExecutionGraph struct {
	nodes      map[string]*StageNode
	dependents map[string][]string // reverse edges: id -> stages depending on it
	order      []string            // insertion order, for deterministic iteration
}

// Build constructs a graph from stage entities. It validates that every
// dependency exists, that no stage depends on itself, and that the graph
// is acyclic; a cycle fails the build with the cycle path in the error.
func Build(stages []*model.Stage) (*ExecutionGraph, error) {
	g := &ExecutionGraph{
		nodes:      make(map[string]*StageNode, len(stages)),
		dependents: make(map[string][]string),
	}

	for _, stage := range stages {
		if _, ok := g.nodes[stage.ID]; ok {
			return nil, errors.NewValidationError("graph", fmt.Sprintf("duplicate stage id %q", stage.ID))
		}
		g.nodes[stage.ID] = &StageNode{
			ID:            stage.ID,
			Dependencies:  append([]string(nil), stage.Dependencies...),
			Status:        nodeStatusFromStage(stage.Status),
			Merged:        stage.Merged,
			ParallelGroup: stage.ParallelGroup,
		}
		g.order = append(g.order, stage.ID)
	}

	for _, id := range g.order {
		node := g.nodes[id]
		for _, dep := range node.Dependencies {
			if dep == id {
				return nil, errors.NewValidationError("graph", fmt.Sprintf("stage %q depends on itself", id))
			}
			if _, ok := g.nodes[dep]; !ok {
				return nil, errors.NewValidationError("graph", fmt.Sprintf("stage %q depends on unknown stage %q", id, dep))
			}
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, errors.NewValidationError("graph", "dependency cycle detected: "+strings.Join(cycle, " -> "))
	}
	return g, nil
}

// findCycle runs three-colour DFS and returns the cycle path if any.
func (g *ExecutionGraph) findCycle() []string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range g.nodes[id].Dependencies {
			switch color[dep] {
			case grey:
				// Found a back edge; slice the stack from dep to here.
				start := 0
				for i, v := range stack {
					if v == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string{}, stack[start:]...), dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range g.order {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// Node returns the node with the given id, or nil.
func (g *ExecutionGraph) Node(id string) *StageNode {
	return g.nodes[id]
}

// Len returns the number of nodes.
func (g *ExecutionGraph) Len() int { return len(g.nodes) }

// IDs returns all node ids in insertion order.
func (g *ExecutionGraph) IDs() []string {
	return append([]string(nil), g.order...)
}

// Dependents returns the ids of stages that depend on id.
func (g *ExecutionGraph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// depsSatisfied reports whether every dependency of node satisfies its
// dependents (completed AND merged).
func (g *ExecutionGraph) depsSatisfied(node *StageNode) bool {
	for _, dep := range node.Dependencies {
		if !g.nodes[dep].Satisfied() {
			return false
		}
	}
	return true
}

// UpdateReady sweeps the graph, moving every WaitingForDeps node whose
// dependencies are all satisfied to Queued. Nodes without dependencies
// queue immediately. Returns the newly-ready ids in insertion order.
func (g *ExecutionGraph) UpdateReady() []string {
	var ready []string
	for _, id := range g.order {
		node := g.nodes[id]
		if node.Status != NodeWaitingForDeps {
			continue
		}
		if g.depsSatisfied(node) {
			node.Status = NodeQueued
			ready = append(ready, id)
		}
	}
	return ready
}

// MarkExecuting records that a session was spawned for the stage.
func (g *ExecutionGraph) MarkExecuting(id string) {
	if n := g.nodes[id]; n != nil {
		n.Status = NodeExecuting
	}
}

// MarkCompleted records completion. Completion alone does not unblock
// dependents; they wait for MarkMerged.
func (g *ExecutionGraph) MarkCompleted(id string) []string {
	if n := g.nodes[id]; n != nil {
		n.Status = NodeCompleted
	}
	return g.UpdateReady()
}

// MarkMerged records that the stage's work landed in the base branch
// and sweeps for newly-ready dependents.
func (g *ExecutionGraph) MarkMerged(id string) []string {
	if n := g.nodes[id]; n != nil {
		n.Status = NodeCompleted
		n.Merged = true
	}
	return g.UpdateReady()
}

// MarkBlocked records a blocked stage.
func (g *ExecutionGraph) MarkBlocked(id string) []string {
	if n := g.nodes[id]; n != nil {
		n.Status = NodeBlocked
	}
	return g.UpdateReady()
}

// MarkSkipped records a skip. Skipped stages never satisfy dependents,
// so the sweep cannot ready anything downstream of id.
func (g *ExecutionGraph) MarkSkipped(id string) []string {
	if n := g.nodes[id]; n != nil {
		n.Status = NodeSkipped
	}
	return g.UpdateReady()
}

// MarkQueued returns a stage to the queue (retry paths).
func (g *ExecutionGraph) MarkQueued(id string) {
	if n := g.nodes[id]; n != nil {
		n.Status = NodeQueued
	}
}

// Queued returns ids currently in Queued, in insertion order.
func (g *ExecutionGraph) Queued() []string {
	var out []string
	for _, id := range g.order {
		if g.nodes[id].Status == NodeQueued {
			out = append(out, id)
		}
	}
	return out
}

// TopologicalOrder returns the stages in a deterministic dependency
// order via Kahn's algorithm, breaking ties by id. Used for display and
// pre-run validation only.
func (g *ExecutionGraph) TopologicalOrder() []string {
	indegree := make(map[string]int, len(g.nodes))
	for _, id := range g.order {
		indegree[id] = len(g.nodes[id].Dependencies)
	}

	var frontier []string
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	var out []string
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		out = append(out, id)

		var next []string
		for _, dep := range g.dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				next = append(next, dep)
			}
		}
		sort.Strings(next)
		frontier = mergeSorted(frontier, next)
	}
	return out
}

func mergeSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
