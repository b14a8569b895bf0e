package hyper

import (
	"errors"
	"fmt"
)

// ErrStealSelf is returned when a hypernode attempts to steal its own outputs.
var ErrStealSelf = errors.New("hypernode cannot steal its own outputs")

// ErrStealArity reports a malformed fusion: the thief declares fewer outputs
// than the donor, so donor outputs would have nowhere to go.
var ErrStealArity = errors.New("thief has fewer outputs than donor")

// StealOutputsFrom transfers the sink set of every donor output edge to the
// thief's output edge at the same index, rewriting each sink's input slots
// from the donor edge to the corresponding thief edge. Rewriting is
// identity-based: a sink wired to one donor edge on several slots has all of
// them rewritten. Slots through which the thief itself consumed the donor
// are dropped instead, so fusion never creates a self-loop.
//
// After the transfer every donor edge must have an empty sink set; anything
// else indicates a corrupted fan-out index and panics. The donor is removed
// and its now-unreferenced non-primary ancestors are pruned recursively.
func (n *Node) StealOutputsFrom(donor *Node) error {
	if donor == n {
		return fmt.Errorf("%q: %w", n, ErrStealSelf)
	}
	if donor.graph != n.graph {
		return fmt.Errorf("steal %q -> %q: %w", donor, n, ErrCrossGraph)
	}
	if len(n.outputs) < len(donor.outputs) {
		return fmt.Errorf("steal %q -> %q: %w (donor %d, thief %d)",
			donor, n, ErrStealArity, len(donor.outputs), len(n.outputs))
	}

	for idx, donorEdge := range donor.outputs {
		thiefEdge := n.outputs[idx]
		for _, sink := range donorEdge.Sinks() {
			if sink == n {
				kept := n.inputs[:0]
				for _, in := range n.inputs {
					if in != donorEdge {
						kept = append(kept, in)
					}
				}
				n.inputs = kept
			} else {
				for i, in := range sink.inputs {
					if in == donorEdge {
						sink.inputs[i] = thiefEdge
					}
				}
				thiefEdge.sinks.Add(sink)
			}
			donorEdge.sinks.Remove(sink)
		}
		if donorEdge.sinks.Len() != 0 {
			panic(fmt.Sprintf("hyper: donor edge %s still has %d sinks after steal",
				donorEdge, donorEdge.sinks.Len()))
		}
	}

	n.graph.stolen.Put(donor, n)
	donor.prune()
	return nil
}

// prune removes a node whose outputs all lost their consumers, recursing
// into producers that became unreferenced. Primary inputs stay.
func (n *Node) prune() {
	if n.dead || n.IsPrimaryInput() {
		return
	}
	for _, e := range n.outputs {
		if e.sinks.Len() != 0 {
			return
		}
	}
	n.dead = true
	for _, in := range n.InputNodes() {
		for _, e := range in.outputs {
			e.sinks.Remove(n)
		}
		in.prune()
	}
	n.inputs = nil
}

// FindStolenOutput resolves a chain of steals to the hypernode currently
// holding the consumers original once had.
func (g *Graph) FindStolenOutput(original *Node) *Node {
	cur := original
	for {
		next, ok := g.stolen.Get(cur)
		if !ok {
			return cur
		}
		cur = next
	}
}

// FindStolenEdge resolves an output edge through the steal chain of its
// owner, returning the live edge at the same output index.
func (g *Graph) FindStolenEdge(e *Edge) *Edge {
	owner := g.FindStolenOutput(e.owner)
	if owner == e.owner {
		return e
	}
	return owner.outputs[e.index]
}
