package engine

import "chatforge/backend/pkg/models"

// PlanNode is one addressable node in an execution plan, with its outgoing
// and incoming neighbors resolved.
type PlanNode struct {
	ID       string         `json:"id"`
	Kind     models.NodeKind `json:"kind"`
	Data     map[string]any `json:"data"`
	Next     []string       `json:"next"`
	Previous []string       `json:"previous"`
}

// ExecutionPlan is the ordered, addressable form of a validated graph.
type ExecutionPlan struct {
	EntryPoint string              `json:"entry_point"`
	Graph      map[string]PlanNode `json:"graph"`
	NodeOrder  []string            `json:"node_order"`
}

// Plan turns a validated graph into an execution plan: entry point, per-node
// adjacency, and a topological order. Callers must validate first; Plan
// assumes the graph is acyclic and treats any leftover in-degree after
// Kahn's algorithm as an internal inconsistency, not a truncation.
func Plan(nodes []models.Node, edges []models.Edge) (*ExecutionPlan, error) {
	a := newArena(nodes, edges)

	// Entry point: first node in authored order with no incoming edge. The
	// authored-order tie-break keeps plans reproducible when several
	// candidates exist.
	entry := -1
	for i := range a.nodes {
		if len(a.in[i]) == 0 {
			entry = i
			break
		}
	}
	if entry == -1 {
		return nil, &PlanningError{Reason: "no entry point: every node has an incoming edge"}
	}

	graph := make(map[string]PlanNode, len(a.nodes))
	for i, n := range a.nodes {
		graph[n.ID] = PlanNode{
			ID:       n.ID,
			Kind:     n.Kind,
			Data:     n.Data,
			Next:     idsOf(a, a.out[i]),
			Previous: idsOf(a, a.in[i]),
		}
	}

	order, err := topoOrder(a)
	if err != nil {
		return nil, err
	}

	return &ExecutionPlan{
		EntryPoint: a.nodes[entry].ID,
		Graph:      graph,
		NodeOrder:  order,
	}, nil
}

// topoOrder produces a topological ordering via Kahn's algorithm. The
// validator has already rejected cycles, so the queue must fully drain;
// anything left with positive in-degree is a validator/planner disagreement.
func topoOrder(a *arena) ([]string, error) {
	inDegree := make([]int, len(a.nodes))
	for i := range a.nodes {
		inDegree[i] = len(a.in[i])
	}

	queue := make([]int, 0, len(a.nodes))
	for i := range a.nodes {
		if inDegree[i] == 0 {
			queue = append(queue, i)
		}
	}

	order := make([]string, 0, len(a.nodes))
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		order = append(order, a.nodes[i].ID)
		for _, next := range a.out[i] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(order) != len(a.nodes) {
		return nil, internalErrorf("topological sort visited %d of %d nodes; validator admitted a cyclic graph", len(order), len(a.nodes))
	}
	return order, nil
}

func idsOf(a *arena, indices []int) []string {
	ids := make([]string, len(indices))
	for i, idx := range indices {
		ids[i] = a.nodes[idx].ID
	}
	return ids
}
