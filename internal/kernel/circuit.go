package kernel

import (
	"errors"
	"fmt"

	"github.com/vk/fieldgrid/internal/field"
	"github.com/vk/fieldgrid/internal/hyper"
	"github.com/vk/fieldgrid/internal/identity"
)

// Limits are the construction-time resource limits of the target. Violations
// are compile errors, never deferred to dispatch time.
type Limits struct {
	MaxWorkGroup int
}

// DefaultLimits is a conservative baseline accepted by every target.
var DefaultLimits = Limits{MaxWorkGroup: 256}

var (
	// ErrNoOutputs rejects a kernel declaring no output fields.
	ErrNoOutputs = errors.New("kernel must declare at least one output")
	// ErrShapeMismatch rejects inconsistent grid shapes at construction.
	ErrShapeMismatch = errors.New("grid shape mismatch")
	// ErrWorkGroup rejects an oversized work-group at construction.
	ErrWorkGroup = errors.New("work-group exceeds device limit")
	// ErrMissingBody rejects a device kernel without source text or a host
	// kernel without a callable.
	ErrMissingBody = errors.New("kernel body missing")
	// ErrNameTaken rejects duplicate register name bindings.
	ErrNameTaken = errors.New("register name already bound")
	// ErrTypeMismatch rejects a fusion that would change a surviving
	// output's field type.
	ErrTypeMismatch = errors.New("fusion would alter output field type")
)

// OutputSpec declares one output field of a kernel under construction.
type OutputSpec struct {
	Name string
	Type field.Type
}

// Spec describes a kernel to construct. Exactly one of Source (device) or
// Fn (host) must be set, matching Class.
type Spec struct {
	Label      string
	Opcode     Opcode
	Class      Class
	Restorable bool
	Placement  Placement

	Inputs  []*Register
	Outputs []OutputSpec

	// AllowGridChange disables the uniform-grid check for kernels that
	// legitimately change the grid shape (reductions, resamplings).
	AllowGridChange bool

	Source    string
	WorkGroup WorkGroup
	Fn        HostFunc
}

// Circuit is a hypergraph of kernels plus the bookkeeping the optimizer and
// scheduler need: per-node kernel lookup, explicit register name bindings and
// the addressing policy. Built by a single writer; read-only once compiled.
type Circuit struct {
	builder  *hyper.Builder
	kernels  *identity.Map[*hyper.Node, *Kernel]
	order    *identity.OrderedSet[*Kernel]
	names    map[string]*Register
	policy   field.AddressingPolicy
	limits   Limits
	released bool
}

// NewCircuit starts an empty kernel circuit. Each compilation run creates
// its own circuit; independent compilations never share state.
func NewCircuit(policy field.AddressingPolicy, limits Limits) *Circuit {
	if limits.MaxWorkGroup == 0 {
		limits = DefaultLimits
	}
	return &Circuit{
		builder: hyper.NewBuilder(),
		kernels: identity.NewMap[*hyper.Node, *Kernel](),
		order:   identity.NewOrderedSet[*Kernel](),
		names:   make(map[string]*Register),
		policy:  policy,
		limits:  limits,
	}
}

// Policy returns the addressing policy the circuit was compiled under.
func (c *Circuit) Policy() field.AddressingPolicy { return c.policy }

// Limits returns the construction-time resource limits.
func (c *Circuit) Limits() Limits { return c.limits }

// Graph exposes the underlying hypergraph.
func (c *Circuit) Graph() *hyper.Graph { return c.builder.Graph() }

// NewKernel validates spec and adds the kernel to the circuit. Field-type and
// shape mismatches and resource-limit violations are reported here, before
// any device resource is allocated.
func (c *Circuit) NewKernel(spec Spec) (*Kernel, error) {
	if len(spec.Outputs) == 0 {
		return nil, fmt.Errorf("kernel %q: %w", spec.Label, ErrNoOutputs)
	}
	switch spec.Class {
	case Device:
		if spec.Source == "" {
			return nil, fmt.Errorf("device kernel %q: %w: no source text", spec.Label, ErrMissingBody)
		}
		if spec.WorkGroup.Size() > c.limits.MaxWorkGroup {
			return nil, fmt.Errorf("device kernel %q: %w: %d > %d",
				spec.Label, ErrWorkGroup, spec.WorkGroup.Size(), c.limits.MaxWorkGroup)
		}
	case Host:
		if spec.Fn == nil {
			return nil, fmt.Errorf("host kernel %q: %w: no callable", spec.Label, ErrMissingBody)
		}
	}
	if !spec.AllowGridChange {
		if err := checkUniformGrid(spec); err != nil {
			return nil, fmt.Errorf("kernel %q: %w", spec.Label, err)
		}
	}

	inEdges := make([]*hyper.Edge, len(spec.Inputs))
	for i, r := range spec.Inputs {
		inEdges[i] = r.edge
	}
	outNames := make([]string, len(spec.Outputs))
	for i, o := range spec.Outputs {
		outNames[i] = o.Name
	}

	node, err := c.builder.NewNode(spec.Label, outNames, inEdges...)
	if err != nil {
		return nil, fmt.Errorf("kernel %q: %w", spec.Label, err)
	}

	k := &Kernel{
		node:       node,
		opcode:     spec.Opcode,
		class:      spec.Class,
		restorable: spec.Restorable,
		placement:  spec.Placement,
		inputs:     append([]*Register(nil), spec.Inputs...),
		source:     spec.Source,
		workGroup:  spec.WorkGroup,
		fn:         spec.Fn,
	}
	k.outputs = make([]*Register, len(spec.Outputs))
	for i, o := range spec.Outputs {
		k.outputs[i] = &Register{
			kernel: k,
			edge:   node.Output(i),
			name:   o.Name,
			typ:    o.Type,
		}
	}
	c.kernels.Put(node, k)
	c.order.Add(k)
	return k, nil
}

// checkUniformGrid requires every input and output of the kernel to live on
// the same grid shape.
func checkUniformGrid(spec Spec) error {
	var grid field.Shape
	have := false
	note := func(s field.Shape, what string) error {
		if !have {
			grid, have = s, true
			return nil
		}
		if !grid.Equal(s) {
			return fmt.Errorf("%w: %s %s vs %s", ErrShapeMismatch, what, s, grid)
		}
		return nil
	}
	for _, in := range spec.Inputs {
		if err := note(in.typ.Grid, "input "+in.name); err != nil {
			return err
		}
	}
	for _, out := range spec.Outputs {
		if err := note(out.Type.Grid, "output "+out.Name); err != nil {
			return err
		}
	}
	return nil
}

// KernelFor returns the kernel wrapping the given hypernode.
func (c *Circuit) KernelFor(n *hyper.Node) (*Kernel, bool) {
	return c.kernels.Get(n)
}

// Kernels returns the live kernels in deterministic creation order.
func (c *Circuit) Kernels() []*Kernel {
	var out []*Kernel
	c.order.Each(func(k *Kernel) {
		if !k.Removed() {
			out = append(out, k)
		}
	})
	return out
}

// KernelCount returns the number of live kernels.
func (c *Circuit) KernelCount() int { return len(c.Kernels()) }

// StealOutputs fuses donor into thief: thief takes over every consumer of
// donor's outputs. The field type of each surviving output must be preserved
// exactly; a mismatch is a malformed fusion and is rejected before any
// rewiring happens.
func (c *Circuit) StealOutputs(thief, donor *Kernel) error {
	if len(thief.outputs) < len(donor.outputs) {
		return fmt.Errorf("fuse %s <- %s: %w", thief, donor, hyper.ErrStealArity)
	}
	for i, d := range donor.outputs {
		if !thief.outputs[i].typ.Equal(d.typ) {
			return fmt.Errorf("fuse %s <- %s output %q: %w: %s vs %s",
				thief, donor, d.name, ErrTypeMismatch, thief.outputs[i].typ, d.typ)
		}
	}
	if err := thief.node.StealOutputsFrom(donor.node); err != nil {
		return fmt.Errorf("fuse %s <- %s: %w", thief, donor, err)
	}
	c.order.Remove(donor)
	// The steal rewired hyperedges; rebuild every register list the rewiring
	// touched. That is the thief's own inputs and the inputs of each kernel
	// now consuming the thief's outputs, so no consumer keeps a register of
	// the eliminated kernel.
	thief.inputs = c.registersFor(thief.node.Inputs())
	for _, out := range thief.node.Outputs() {
		for _, sink := range out.Sinks() {
			if consumer, ok := c.kernels.Get(sink); ok {
				consumer.inputs = c.registersFor(consumer.node.Inputs())
			}
		}
	}
	// A fused device dispatch carries both bodies.
	if thief.class == Device && donor.class == Device && donor.source != "" {
		thief.source = thief.source + "\n" + donor.source
	}
	return nil
}

// registersFor maps hyperedges back to their registers.
func (c *Circuit) registersFor(edges []*hyper.Edge) []*Register {
	regs := make([]*Register, len(edges))
	for i, e := range edges {
		owner, _ := c.kernels.Get(e.Owner())
		regs[i] = owner.outputs[e.Index()]
	}
	return regs
}

// FindStolenOutput resolves the steal chain for a kernel eliminated by
// fusion, returning the kernel that currently produces its outputs.
func (c *Circuit) FindStolenOutput(original *Kernel) *Kernel {
	live := c.Graph().FindStolenOutput(original.node)
	k, _ := c.kernels.Get(live)
	return k
}

// BindName attaches an explicit probe name to a register. Name binding is an
// API the caller drives; there is no reflection over the circuit.
func (c *Circuit) BindName(name string, r *Register) error {
	if _, taken := c.names[name]; taken {
		return fmt.Errorf("%w: %q", ErrNameTaken, name)
	}
	c.names[name] = r
	return nil
}

// LookupName resolves a bound name to its current live register, following
// fusion steal chains.
func (c *Circuit) LookupName(name string) (*Register, bool) {
	r, ok := c.names[name]
	if !ok {
		return nil, false
	}
	return c.LiveRegister(r), true
}

// Names returns all bound names.
func (c *Circuit) Names() []string {
	out := make([]string, 0, len(c.names))
	for n := range c.names {
		out = append(out, n)
	}
	return out
}

// LiveRegister resolves a register through the steal chain of its kernel.
func (c *Circuit) LiveRegister(r *Register) *Register {
	edge := c.Graph().FindStolenEdge(r.edge)
	if edge == r.edge {
		return r
	}
	owner, _ := c.kernels.Get(edge.Owner())
	return owner.outputs[edge.Index()]
}

// Release tears the circuit down. Device resources held by schedulers bound
// to this circuit must be released by their owners first; Release only marks
// the circuit unusable so a stale handle cannot leak into a new compilation.
func (c *Circuit) Release() {
	c.released = true
	c.names = make(map[string]*Register)
}

// Released reports whether Release has been called.
func (c *Circuit) Released() bool { return c.released }
