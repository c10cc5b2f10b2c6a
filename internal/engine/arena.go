package engine

import "chatforge/backend/pkg/models"

// arena interns node ids into dense integer indices so the structural
// algorithms (orphan counting, cycle detection, topological ordering) run on
// ints instead of hashing strings on every step. Node order is the authored
// order, which the planner relies on for deterministic tie-breaks.
type arena struct {
	nodes []models.Node
	index map[string]int

	// adjacency by dense index; edges with unknown endpoints are recorded in
	// dangling and excluded from out/in.
	out      [][]int
	in       [][]int
	dangling []models.Edge
}

func newArena(nodes []models.Node, edges []models.Edge) *arena {
	a := &arena{
		nodes: nodes,
		index: make(map[string]int, len(nodes)),
		out:   make([][]int, len(nodes)),
		in:    make([][]int, len(nodes)),
	}
	for i, n := range nodes {
		a.index[n.ID] = i
	}
	for _, e := range edges {
		src, okSrc := a.index[e.Source]
		dst, okDst := a.index[e.Target]
		if !okSrc || !okDst {
			a.dangling = append(a.dangling, e)
			continue
		}
		a.out[src] = append(a.out[src], dst)
		a.in[dst] = append(a.in[dst], src)
	}
	return a
}

// orphans returns the indices of nodes touched by zero edges.
func (a *arena) orphans() []int {
	var ids []int
	for i := range a.nodes {
		if len(a.out[i]) == 0 && len(a.in[i]) == 0 {
			ids = append(ids, i)
		}
	}
	return ids
}

// hasCycle runs an iterative-friendly DFS with an explicit recursion stack
// marker. A back-edge into a node currently on the stack is a cycle; the
// first offending node id is returned without enumerating the full path.
func (a *arena) hasCycle() (string, bool) {
	const (
		unvisited = 0
		onStack   = 1
		done      = 2
	)
	state := make([]int, len(a.nodes))

	var visit func(int) (string, bool)
	visit = func(i int) (string, bool) {
		state[i] = onStack
		for _, next := range a.out[i] {
			switch state[next] {
			case onStack:
				return a.nodes[next].ID, true
			case unvisited:
				if id, found := visit(next); found {
					return id, true
				}
			}
		}
		state[i] = done
		return "", false
	}

	for i := range a.nodes {
		if state[i] == unvisited {
			if id, found := visit(i); found {
				return id, true
			}
		}
	}
	return "", false
}
