package circuit

import (
	"errors"
	"fmt"
)

// ErrStealSelf is returned when a node attempts to steal its own outputs.
var ErrStealSelf = errors.New("node cannot steal its own outputs")

// StealOutputsFrom reassigns every sink of donor to n, rewriting each sink's
// input slots from donor to n. Rewriting is identity-based, so a sink wired
// to the donor on several input slots has all of those slots rewritten.
//
// After the transfer the donor must have an empty sink set; a non-empty set
// indicates a corrupted fan-out index and panics. The donor is then removed
// from the circuit, along with any of its own ancestors that became
// unreferenced, except primary inputs, which are never pruned.
func (n *Node) StealOutputsFrom(donor *Node) error {
	if donor == n {
		return fmt.Errorf("%q: %w", n, ErrStealSelf)
	}
	if donor.circ != n.circ {
		return fmt.Errorf("steal %q -> %q: %w", donor, n, ErrCrossCircuit)
	}

	for _, sink := range donor.Sinks() {
		if sink == n {
			// The thief consumed the donor directly. Absorbing the donor
			// makes that edge meaningless, so the slots are dropped rather
			// than rewritten into a self-loop.
			kept := n.inputs[:0]
			for _, in := range n.inputs {
				if in != donor {
					kept = append(kept, in)
				}
			}
			n.inputs = kept
		} else {
			for i, in := range sink.inputs {
				if in == donor {
					sink.inputs[i] = n
				}
			}
			n.sinks.Add(sink)
		}
		donor.sinks.Remove(sink)
	}

	if donor.sinks.Len() != 0 {
		panic(fmt.Sprintf("circuit: donor %q still has %d sinks after steal", donor, donor.sinks.Len()))
	}

	n.circ.stolen.Put(donor, n)
	donor.prune()
	return nil
}

// prune removes a node that has lost all consumers, then recursively prunes
// any of its inputs that became unreferenced. Primary inputs stay.
func (n *Node) prune() {
	if n.dead || n.sinks.Len() != 0 || n.IsPrimaryInput() {
		return
	}
	n.dead = true
	for _, in := range n.inputs {
		in.sinks.Remove(n)
		in.prune()
	}
	n.inputs = nil
}

// Removed reports whether the node has been pruned from its circuit.
func (n *Node) Removed() bool { return n.dead }

// FindStolenOutput resolves a chain of steals, returning the node currently
// holding the consumers that original once had. Returns original itself if
// its outputs were never stolen.
func (c *Circuit) FindStolenOutput(original *Node) *Node {
	cur := original
	for {
		next, ok := c.stolen.Get(cur)
		if !ok {
			return cur
		}
		cur = next
	}
}
