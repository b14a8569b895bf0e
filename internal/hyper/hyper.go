// Package hyper generalizes the circuit IR to compute units with several
// independently consumed outputs. A hypernode owns zero or more output
// hyperedges; each hyperedge owns the sink set of the nodes consuming that
// particular output. The compiled kernel circuit is built on this package.
package hyper

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vk/fieldgrid/internal/identity"
)

// ErrCrossGraph reports an attempt to wire hyperedges from two different
// hypergraph instances into one node. This is a configuration error surfaced
// to the caller, not a crash.
var ErrCrossGraph = errors.New("input hyperedges belong to a different hypergraph")

// Graph is a hypergraph under single-writer construction through a Builder;
// read-only afterwards except for output stealing during optimization.
type Graph struct {
	primary *identity.OrderedSet[*Node]
	stolen  *identity.Map[*Node, *Node]
}

func newGraph() *Graph {
	return &Graph{
		primary: identity.NewOrderedSet[*Node](),
		stolen:  identity.NewMap[*Node, *Node](),
	}
}

// Edge is one output terminal of a hypernode. It owns the current sink set.
type Edge struct {
	owner *Node
	name  string
	index int
	sinks *identity.OrderedSet[*Node]
}

// Owner returns the hypernode producing this edge.
func (e *Edge) Owner() *Node { return e.owner }

// Name returns the output name given at construction.
func (e *Edge) Name() string { return e.name }

// Index returns the position of this edge among its owner's outputs.
func (e *Edge) Index() int { return e.index }

// Sinks returns the consumers of this output in deterministic order.
func (e *Edge) Sinks() []*Node { return e.sinks.Values() }

// SinkCount returns the fan-out of this single output.
func (e *Edge) SinkCount() int { return e.sinks.Len() }

func (e *Edge) String() string {
	return fmt.Sprintf("%s.%s", e.owner, e.name)
}

// Node is a hypernode: an immutable ordered slice of input hyperedges and
// one output hyperedge per declared output.
type Node struct {
	graph   *Graph
	label   string
	inputs  []*Edge
	outputs []*Edge
	dead    bool
}

// Label returns the diagnostic name given at construction.
func (n *Node) Label() string { return n.label }

// Graph returns the owning hypergraph.
func (n *Node) Graph() *Graph { return n.graph }

// Inputs returns the ordered input hyperedges. Callers must not mutate it.
func (n *Node) Inputs() []*Edge { return n.inputs }

// Outputs returns the node's output hyperedges in declaration order.
func (n *Node) Outputs() []*Edge { return n.outputs }

// Output returns the output edge at index i.
func (n *Node) Output(i int) *Edge { return n.outputs[i] }

// IsPrimaryInput reports whether the node registered with zero inputs.
// Primary inputs are never pruned.
func (n *Node) IsPrimaryInput() bool { return n.graph.primary.Contains(n) }

// Removed reports whether the node has been pruned from its graph.
func (n *Node) Removed() bool { return n.dead }

// SinkNodes returns the distinct consumers across all outputs, deterministic,
// each node once even when it consumes several outputs.
func (n *Node) SinkNodes() []*Node {
	out := identity.NewOrderedSet[*Node]()
	for _, e := range n.outputs {
		for _, s := range e.Sinks() {
			out.Add(s)
		}
	}
	return out.Values()
}

// InputNodes returns the distinct producers feeding this node, deterministic.
func (n *Node) InputNodes() []*Node {
	out := identity.NewOrderedSet[*Node]()
	for _, e := range n.inputs {
		out.Add(e.owner)
	}
	return out.Values()
}

func (n *Node) String() string {
	if n.label != "" {
		return n.label
	}
	return fmt.Sprintf("hypernode@%p", n)
}

// Builder is the explicit build context for one hypergraph. Each compilation
// run gets its own Builder, so concurrent independent compilations never
// interfere. Not safe for concurrent use.
type Builder struct {
	graph *Graph
}

// NewBuilder starts construction of a fresh hypergraph.
func NewBuilder() *Builder {
	return &Builder{graph: newGraph()}
}

// Graph returns the hypergraph under construction.
func (b *Builder) Graph() *Graph { return b.graph }

// NewNode creates a hypernode with the named outputs, wired to the given
// input hyperedges in order. All inputs must belong to the builder's graph;
// mixing graphs is reported as ErrCrossGraph. A node without inputs registers
// as a primary input.
func (b *Builder) NewNode(label string, outputNames []string, inputs ...*Edge) (*Node, error) {
	for _, in := range inputs {
		if in.owner.graph != b.graph {
			return nil, fmt.Errorf("hypernode %q: input %s: %w", label, in, ErrCrossGraph)
		}
	}
	n := &Node{
		graph:  b.graph,
		label:  label,
		inputs: append([]*Edge(nil), inputs...),
	}
	n.outputs = make([]*Edge, len(outputNames))
	for i, name := range outputNames {
		n.outputs[i] = &Edge{
			owner: n,
			name:  name,
			index: i,
			sinks: identity.NewOrderedSet[*Node](),
		}
	}
	if len(inputs) == 0 {
		b.graph.primary.Add(n)
	}
	for _, in := range inputs {
		in.sinks.Add(n)
	}
	return n, nil
}

// PrimaryInputs returns the zero-input nodes in insertion order.
func (g *Graph) PrimaryInputs() []*Node { return g.primary.Values() }

// Roots returns the nodes whose outputs have no consumers, found by walking
// forward from the primary inputs. Deterministic order.
func (g *Graph) Roots() []*Node {
	roots := identity.NewOrderedSet[*Node]()
	seen := identity.NewSet[*Node]()
	var walk func(n *Node)
	walk = func(n *Node) {
		if !seen.Add(n) {
			return
		}
		sinks := n.SinkNodes()
		if len(sinks) == 0 {
			roots.Add(n)
			return
		}
		for _, s := range sinks {
			walk(s)
		}
	}
	for _, p := range g.primary.Values() {
		walk(p)
	}
	return roots.Values()
}

// TraversePreorder visits every reachable hypernode exactly once, each node
// before its producers.
func (g *Graph) TraversePreorder(visit func(*Node)) {
	seen := identity.NewSet[*Node]()
	var walk func(n *Node)
	walk = func(n *Node) {
		if !seen.Add(n) {
			return
		}
		visit(n)
		for _, in := range n.InputNodes() {
			walk(in)
		}
	}
	for _, r := range g.Roots() {
		walk(r)
	}
}

// TraversePostorder visits every reachable hypernode exactly once, each node
// strictly after all of its producers.
func (g *Graph) TraversePostorder(visit func(*Node)) {
	seen := identity.NewSet[*Node]()
	var walk func(n *Node)
	walk = func(n *Node) {
		if !seen.Add(n) {
			return
		}
		for _, in := range n.InputNodes() {
			walk(in)
		}
		visit(n)
	}
	for _, r := range g.Roots() {
		walk(r)
	}
}

// Flatten returns all reachable hypernodes in postorder.
func (g *Graph) Flatten() []*Node {
	var out []*Node
	g.TraversePostorder(func(n *Node) { out = append(out, n) })
	return out
}

// String renders the graph one node per line with inputs, postorder.
func (g *Graph) String() string {
	var sb strings.Builder
	g.TraversePostorder(func(n *Node) {
		sb.WriteString(n.String())
		if len(n.outputs) > 0 {
			sb.WriteByte('[')
			for i, o := range n.outputs {
				if i > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(o.name)
			}
			sb.WriteByte(']')
		}
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
