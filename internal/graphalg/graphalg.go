// Package graphalg implements the structural algorithms the compiler and
// scheduler run over the hypergraph: levelization, topological sort,
// strongly connected components and DFS back-edge detection.
//
// All functions take the graph as a node slice plus a successor function, so
// they operate uniformly over hypergraphs, kernel circuits and test
// fixtures. Results are deterministic given the order of the node slice.
package graphalg

import (
	"errors"
	"fmt"
)

// ErrCycle is returned by TopoSort when the input is not acyclic.
var ErrCycle = errors.New("graph contains a cycle")

// Levelize assigns each node the smallest integer level consistent with
// level(sink) > level(source) for every edge. Nodes nothing points at keep
// the base level 0. Computed by forward propagation: a node's level is only
// ever raised and the raise re-propagates to its successors, which
// terminates because the input is acyclic and levels only increase.
//
// Kernels on the same level have no dependency between them and are eligible
// for concurrent dispatch.
func Levelize[N comparable](nodes []N, succ func(N) []N) map[N]int {
	level := make(map[N]int, len(nodes))
	for _, n := range nodes {
		level[n] = 0
	}
	work := append([]N(nil), nodes...)
	for len(work) > 0 {
		u := work[len(work)-1]
		work = work[:len(work)-1]
		for _, v := range succ(u) {
			if level[v] <= level[u] {
				level[v] = level[u] + 1
				work = append(work, v)
			}
		}
	}
	return level
}

// TopoSort produces a linear order consistent with every edge: each node
// appears before all of its successors. Shared substructure and disconnected
// components are handled; a cycle is reported as ErrCycle naming an involved
// node.
func TopoSort[N comparable](nodes []N, succ func(N) []N) ([]N, error) {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[N]int, len(nodes))
	order := make([]N, 0, len(nodes))

	var visit func(n N) error
	visit = func(n N) error {
		switch state[n] {
		case done:
			return nil
		case onStack:
			return fmt.Errorf("%w involving %v", ErrCycle, n)
		}
		state[n] = onStack
		for _, s := range succ(n) {
			if err := visit(s); err != nil {
				return err
			}
		}
		state[n] = done
		order = append(order, n)
		return nil
	}

	for _, n := range nodes {
		if err := visit(n); err != nil {
			return nil, err
		}
	}

	// visit appends a node after all its successors; reverse so every node
	// precedes its successors.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}

// Edge is a directed edge, used by BackEdges.
type Edge[N comparable] struct {
	From, To N
}

// BackEdges returns the edges that close a cycle during a depth-first walk
// in the order the walk discovers them. An empty result proves the graph
// acyclic; a non-empty result marks the recurrence edges that must be read
// as "previous step's value" rather than an intra-step dependency.
func BackEdges[N comparable](nodes []N, succ func(N) []N) []Edge[N] {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[N]int, len(nodes))
	var back []Edge[N]

	var visit func(n N)
	visit = func(n N) {
		state[n] = onStack
		for _, s := range succ(n) {
			switch state[s] {
			case unvisited:
				visit(s)
			case onStack:
				back = append(back, Edge[N]{From: n, To: s})
			}
		}
		state[n] = done
	}

	for _, n := range nodes {
		if state[n] == unvisited {
			visit(n)
		}
	}
	return back
}

// StronglyConnected partitions the graph into maximal mutually reachable
// clusters using Tarjan's algorithm. Every node appears in exactly one
// cluster; nodes on no cycle form singleton clusters. The scheduler uses the
// non-trivial clusters to locate user-described recurrences, whose edges are
// evaluated against the previous step instead of the current one.
func StronglyConnected[N comparable](nodes []N, succ func(N) []N) [][]N {
	index := make(map[N]int, len(nodes))
	lowlink := make(map[N]int, len(nodes))
	onStack := make(map[N]bool, len(nodes))
	var stack []N
	var components [][]N
	next := 0

	var strongconnect func(n N)
	strongconnect = func(n N) {
		index[n] = next
		lowlink[n] = next
		next++
		stack = append(stack, n)
		onStack[n] = true

		for _, s := range succ(n) {
			if _, seen := index[s]; !seen {
				strongconnect(s)
				if lowlink[s] < lowlink[n] {
					lowlink[n] = lowlink[s]
				}
			} else if onStack[s] && index[s] < lowlink[n] {
				lowlink[n] = index[s]
			}
		}

		if lowlink[n] == index[n] {
			var comp []N
			for {
				m := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[m] = false
				comp = append(comp, m)
				if m == n {
					break
				}
			}
			components = append(components, comp)
		}
	}

	for _, n := range nodes {
		if _, seen := index[n]; !seen {
			strongconnect(n)
		}
	}
	return components
}
