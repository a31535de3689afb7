// Package scheduler implements component C10: walking a flow graph,
// invoking the micro-loop controller and backend adapter per step, and
// checkpointing via the ledger in the order receipt -> handoff ->
// routing_decision -> next step start.
package scheduler

import (
	"fmt"
	"sync"

	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/kernelerrors"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/model"
)

// NodeStatus is the execution status of one step within the in-memory DAG
// view the scheduler walks; it mirrors, but is distinct from, the
// persisted StepStatus on a committed receipt.
type NodeStatus int

const (
	NodePending NodeStatus = iota
	NodeRunning
	NodeCompleted
	NodeFailed
	NodeSkipped
)

// Node is one step in the flow graph, with its dependents precomputed for
// cascading skip-on-failure and for execution-level grouping.
type Node struct {
	Step       model.StepDef
	Dependents []string
	Status     NodeStatus
}

// DAG is the in-memory directed acyclic graph the scheduler walks for one
// flow instance. It is rebuilt from a FlowDef at the start of a run and is
// not itself persisted; resume rebuilds it from the FlowDef plus the
// ledger's last checkpoint.
type DAG struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	order []string // declaration order, for deterministic iteration
}

// NewDAG builds a DAG from a flow definition's steps. Steps that only
// exist as a microloop's critic partner are excluded from the walkable
// node set: they are never dispatched independently by ReadyNodes, only
// driven internally by their author step's own execution (see
// internal/microloop and Scheduler.runMicroloopStep).
func NewDAG(def model.FlowDef) (*DAG, error) {
	partners := make(map[string]bool)
	for _, s := range def.Steps {
		if s.Microloop != nil {
			partners[s.Microloop.PartnerStepID] = true
		}
	}

	d := &DAG{nodes: make(map[string]*Node, len(def.Steps))}
	for _, s := range def.Steps {
		if partners[s.StepID] {
			continue
		}
		d.nodes[s.StepID] = &Node{Step: s, Status: NodePending}
		d.order = append(d.order, s.StepID)
	}
	for _, s := range def.Steps {
		for _, dep := range s.DependsOn {
			depNode, ok := d.nodes[dep]
			if !ok {
				return nil, fmt.Errorf("%w: step %s depends on unknown step %s", kernelerrors.ErrInvalidGraph, s.StepID, dep)
			}
			depNode.Dependents = append(depNode.Dependents, s.StepID)
		}
	}
	if err := d.validateAcyclic(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DAG) validateAcyclic() error {
	visited := make(map[string]bool)
	inStack := make(map[string]bool)
	var visit func(id string) error
	visit = func(id string) error {
		visited[id] = true
		inStack[id] = true
		for _, dep := range d.nodes[id].Dependents {
			if !visited[dep] {
				if err := visit(dep); err != nil {
					return err
				}
			} else if inStack[dep] {
				return kernelerrors.ErrInvalidGraph
			}
		}
		inStack[id] = false
		return nil
	}
	for _, id := range d.order {
		if !visited[id] {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadyNodes returns step IDs whose dependencies are all
// Completed/Skipped and which are themselves still Pending, in
// declaration order for determinism.
func (d *DAG) ReadyNodes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var ready []string
	for _, id := range d.order {
		n := d.nodes[id]
		if n.Status != NodePending {
			continue
		}
		if d.dependenciesSatisfied(id) {
			ready = append(ready, id)
		}
	}
	return ready
}

func (d *DAG) dependenciesSatisfied(id string) bool {
	for _, dep := range d.nodes[id].Step.DependsOn {
		depNode := d.nodes[dep]
		if depNode.Status != NodeCompleted && depNode.Status != NodeSkipped {
			return false
		}
	}
	return true
}

// Disjoint reports whether two ready steps declare non-overlapping
// `writes` sets, the precondition for dispatching them in parallel.
func (d *DAG) Disjoint(stepA, stepB string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a := d.nodes[stepA].Step.Writes
	b := d.nodes[stepB].Step.Writes
	seen := make(map[string]bool, len(a))
	for _, w := range a {
		seen[w] = true
	}
	for _, w := range b {
		if seen[w] {
			return false
		}
	}
	return true
}

// MarkRunning transitions a node to Running.
func (d *DAG) MarkRunning(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.nodes[id]; ok {
		n.Status = NodeRunning
	}
}

// MarkPending resets a node to Pending, so ReadyNodes reconsiders it on
// the next pass. Used after a successful detour remediation: the step
// that triggered the detour is retried rather than the flow ending.
func (d *DAG) MarkPending(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.nodes[id]; ok {
		n.Status = NodePending
	}
}

// MarkCompleted transitions a node to Completed.
func (d *DAG) MarkCompleted(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.nodes[id]; ok {
		n.Status = NodeCompleted
	}
}

// MarkFailed transitions a node to Failed and cascades Skipped to every
// pending dependent.
func (d *DAG) MarkFailed(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[id]
	if !ok {
		return
	}
	n.Status = NodeFailed
	d.skipDependents(id)
}

func (d *DAG) skipDependents(id string) {
	for _, dep := range d.nodes[id].Dependents {
		depNode := d.nodes[dep]
		if depNode.Status == NodePending {
			depNode.Status = NodeSkipped
			d.skipDependents(dep)
		}
	}
}

// IsComplete reports whether every node has reached a terminal state.
func (d *DAG) IsComplete() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, n := range d.nodes {
		if n.Status == NodePending || n.Status == NodeRunning {
			return false
		}
	}
	return true
}

// Node returns the node for id, or nil.
func (d *DAG) Node(id string) *Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.nodes[id]
}

// TopologicalOrder returns step IDs via Kahn's algorithm, for read-only
// plan introspection (GET /plan).
func (d *DAG) TopologicalOrder() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	inDegree := make(map[string]int, len(d.nodes))
	for id, n := range d.nodes {
		inDegree[id] = len(n.Step.DependsOn)
	}
	var queue []string
	for _, id := range d.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	var result []string
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)
		for _, dep := range d.nodes[current].Dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	return result
}

// ExecutionLevels groups step IDs into levels that may run in parallel,
// for operator visibility into planned parallelism.
func (d *DAG) ExecutionLevels() [][]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	processed := make(map[string]bool, len(d.nodes))
	var levels [][]string
	for {
		var level []string
		for _, id := range d.order {
			if processed[id] {
				continue
			}
			ready := true
			for _, dep := range d.nodes[id].Step.DependsOn {
				if !processed[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			break
		}
		for _, id := range level {
			processed[id] = true
		}
		levels = append(levels, level)
	}
	return levels
}
