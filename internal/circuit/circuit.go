// Package circuit implements the single-output dataflow IR: a mutable,
// identity-keyed DAG of nodes with ordered inputs and a mutable fan-out list.
//
// The only structural mutation supported after construction is output
// stealing, which atomically transfers every consumer of one node to another
// and prunes the ancestors that become unreachable. Stealing is the primitive
// underneath node replacement and kernel fusion.
package circuit

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vk/fieldgrid/internal/identity"
)

// ErrCrossCircuit is returned when a node is wired to inputs owned by a
// different circuit, or when a steal spans two circuits.
var ErrCrossCircuit = errors.New("inputs belong to a different circuit")

// Circuit is the implicit set of nodes reachable from its primary inputs.
// A circuit is built through exactly one Builder; after compilation it is
// read-only scheduling metadata.
type Circuit struct {
	primary *identity.OrderedSet[*Node]
	// stolen maps a replaced node to its absorbing successor. Chains form
	// when optimization fuses repeatedly; FindStolenOutput resolves them.
	stolen *identity.Map[*Node, *Node]
}

func newCircuit() *Circuit {
	return &Circuit{
		primary: identity.NewOrderedSet[*Node](),
		stolen:  identity.NewMap[*Node, *Node](),
	}
}

// Node is a single compute vertex: an immutable ordered input slice and a
// mutable sink list. Nodes are identity-unique and never value-compared.
type Node struct {
	circ   *Circuit
	label  string
	inputs []*Node
	sinks  *identity.OrderedSet[*Node]
	dead   bool
}

// Label returns the diagnostic name given at construction.
func (n *Node) Label() string { return n.label }

// Circuit returns the circuit owning this node.
func (n *Node) Circuit() *Circuit { return n.circ }

// Inputs returns the ordered input slice. Callers must not mutate it.
func (n *Node) Inputs() []*Node { return n.inputs }

// Sinks returns the current consumers in deterministic order.
func (n *Node) Sinks() []*Node { return n.sinks.Values() }

// SinkCount returns the current fan-out.
func (n *Node) SinkCount() int { return n.sinks.Len() }

// IsPrimaryInput reports whether the node was registered as a zero-input
// primary input. Primary inputs are never pruned.
func (n *Node) IsPrimaryInput() bool { return n.circ.primary.Contains(n) }

func (n *Node) String() string {
	if n.label != "" {
		return n.label
	}
	return fmt.Sprintf("node@%p", n)
}

// Builder is the explicit build context for one circuit. Each independent
// compilation gets its own Builder, so concurrent compilations never
// interfere. A Builder is not safe for concurrent use; the circuit structure
// is single-writer until compilation finishes.
type Builder struct {
	circ *Circuit
}

// NewBuilder starts construction of a fresh circuit.
func NewBuilder() *Builder {
	return &Builder{circ: newCircuit()}
}

// Circuit returns the circuit under construction.
func (b *Builder) Circuit() *Circuit { return b.circ }

// NewNode creates a node wired to the given inputs, in order. A node without
// inputs registers as a primary input of the builder's circuit; a node with
// inputs joins the circuit of its inputs, which must all agree and match the
// builder's circuit.
func (b *Builder) NewNode(label string, inputs ...*Node) (*Node, error) {
	for _, in := range inputs {
		if in.circ != b.circ {
			return nil, fmt.Errorf("node %q: input %q: %w", label, in, ErrCrossCircuit)
		}
	}
	n := &Node{
		circ:   b.circ,
		label:  label,
		inputs: append([]*Node(nil), inputs...),
		sinks:  identity.NewOrderedSet[*Node](),
	}
	if len(inputs) == 0 {
		b.circ.primary.Add(n)
	}
	for _, in := range inputs {
		in.sinks.Add(n)
	}
	return n, nil
}

// AddPrimaryInput registers an externally created zero-input node with the
// circuit under construction. Used by front-ends that allocate source nodes
// before wiring anything to them.
func (b *Builder) AddPrimaryInput(label string) *Node {
	n, _ := b.NewNode(label) // zero inputs cannot fail
	return n
}

// PrimaryInputs returns the registered zero-input nodes in insertion order.
func (c *Circuit) PrimaryInputs() []*Node { return c.primary.Values() }

// Roots returns the nodes with no outgoing edges, discovered by walking
// forward from the primary inputs. Order is deterministic.
func (c *Circuit) Roots() []*Node {
	roots := identity.NewOrderedSet[*Node]()
	seen := identity.NewSet[*Node]()
	var walk func(n *Node)
	walk = func(n *Node) {
		if !seen.Add(n) {
			return
		}
		if n.sinks.Len() == 0 {
			roots.Add(n)
			return
		}
		for _, s := range n.sinks.Values() {
			walk(s)
		}
	}
	for _, p := range c.primary.Values() {
		walk(p)
	}
	return roots.Values()
}

// TraversePreorder visits every node reachable from the roots exactly once,
// each node before its inputs.
func (c *Circuit) TraversePreorder(visit func(*Node)) {
	seen := identity.NewSet[*Node]()
	var walk func(n *Node)
	walk = func(n *Node) {
		if !seen.Add(n) {
			return
		}
		visit(n)
		for _, in := range n.inputs {
			walk(in)
		}
	}
	for _, r := range c.Roots() {
		walk(r)
	}
}

// TraversePostorder visits every node reachable from the roots exactly once,
// each node strictly after all of its inputs. This is the ordering contract
// a valid execution order is derived from.
func (c *Circuit) TraversePostorder(visit func(*Node)) {
	seen := identity.NewSet[*Node]()
	var walk func(n *Node)
	walk = func(n *Node) {
		if !seen.Add(n) {
			return
		}
		for _, in := range n.inputs {
			walk(in)
		}
		visit(n)
	}
	for _, r := range c.Roots() {
		walk(r)
	}
}

// Flatten returns all reachable nodes in postorder.
func (c *Circuit) Flatten() []*Node {
	var out []*Node
	c.TraversePostorder(func(n *Node) { out = append(out, n) })
	return out
}

// String renders the circuit one node per line, postorder, with input labels.
func (c *Circuit) String() string {
	var sb strings.Builder
	c.TraversePostorder(func(n *Node) {
		sb.WriteString(n.String())
		if len(n.inputs) > 0 {
			sb.WriteString(" <-")
			for _, in := range n.inputs {
				sb.WriteByte(' ')
				sb.WriteString(in.String())
			}
		}
		sb.WriteByte('\n')
	})
	return sb.String()
}
