// Package codegen lowers a typed syntax tree of operations over named fields
// into a kernel circuit. The front-end that produces the tree lives outside
// this repository; the types in this file are the contract it targets.
package codegen

import (
	"github.com/vk/fieldgrid/internal/field"
	"github.com/vk/fieldgrid/internal/kernel"
)

// Program is the root of the syntax tree: source field declarations plus the
// operations computing derived fields. Operations may reference any declared
// result; ordering is resolved by the generator.
type Program struct {
	Sources []SourceDecl
	Ops     []OpDecl
}

// SourceDecl declares an externally fed input field. Sources become
// restorable host kernels registered as primary inputs of the circuit.
type SourceDecl struct {
	Name      string
	Type      field.Type
	Init      []float64
	Placement kernel.Placement
}

// OpKind selects the construction strategy for one operation.
type OpKind string

const (
	// OpMap applies a per-point function to one field.
	OpMap OpKind = "map"
	// OpZip combines two fields point-wise.
	OpZip OpKind = "zip"
	// OpReduce collapses a field's grid; the only kind allowed to change
	// the grid shape.
	OpReduce OpKind = "reduce"
	// OpHost evaluates a caller-supplied function on the host.
	OpHost OpKind = "host"
	// OpPrev reads the named field's value from the previous step. This is
	// the recurrence primitive: it contributes a dependency-level edge but
	// no intra-step edge, so feedback loops stay legal.
	OpPrev OpKind = "prev"
)

// OpDecl declares one operation producing a named result field.
type OpDecl struct {
	Result    string
	Kind      OpKind
	Args      []string
	Type      field.Type
	Placement kernel.Placement

	// Fn is required for OpHost and OpReduce.
	Fn kernel.HostFunc
	// Init seeds the state of an OpPrev; replayed on Reset.
	Init []float64
}

// Recurrence records one compiled prev-op: State is the kernel holding the
// previous step's value of Source. The scheduler copies Source into State at
// the end of every step and replays Init on Reset.
type Recurrence struct {
	State  *kernel.Kernel
	Source *kernel.Register
	Init   []float64
}

// Result is a compiled program: the circuit, the name bindings for probing,
// and the recurrence wiring the scheduler needs.
type Result struct {
	Circuit     *kernel.Circuit
	Registers   map[string]*kernel.Register
	Recurrences []Recurrence
	// Clusters are the non-trivial strongly connected components of the
	// dependency-level graph, recurrence edges included. Diagnostic output;
	// every cluster is guaranteed to close through a prev op.
	Clusters [][]string
}

// Register returns the current live register for a named field, following
// any fusions applied after compilation.
func (r *Result) Register(name string) (*kernel.Register, bool) {
	reg, ok := r.Registers[name]
	if !ok {
		return nil, false
	}
	return r.Circuit.LiveRegister(reg), true
}
