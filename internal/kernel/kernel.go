// Package kernel defines the compiled intermediate representation: a
// hypergraph whose nodes are typed compute kernels. Each kernel carries an
// opcode, ordered input registers and one or more output field descriptors
// fixed at construction. Device kernels additionally carry generated source
// text and work-group sizing; host kernels carry a callable.
package kernel

import (
	"context"
	"fmt"

	"github.com/vk/fieldgrid/internal/field"
	"github.com/vk/fieldgrid/internal/hyper"
)

// Opcode names the operation a kernel performs. The generated source text is
// the authoritative artifact; the opcode exists for diagnostics and for the
// optimizer's fusion policy.
type Opcode string

// Class separates kernels dispatched to a device from kernels evaluated on
// the host.
type Class int

const (
	Device Class = iota
	Host
)

func (c Class) String() string {
	if c == Device {
		return "device"
	}
	return "host"
}

// Placement binds a kernel to a partition: one device on one compute node.
type Placement struct {
	Node   string
	Device string
}

func (p Placement) String() string { return p.Node + "/" + p.Device }

// IsZero reports an unassigned placement.
func (p Placement) IsZero() bool { return p.Node == "" && p.Device == "" }

// WorkGroup is the dispatch sizing of a device kernel.
type WorkGroup struct {
	X, Y, Z int
}

// Size returns the number of work items per group.
func (w WorkGroup) Size() int {
	x, y, z := w.X, w.Y, w.Z
	if x == 0 {
		x = 1
	}
	if y == 0 {
		y = 1
	}
	if z == 0 {
		z = 1
	}
	return x * y * z
}

// HostFunc evaluates a host kernel: read the input buffers, fill the output
// buffers. Returning an error fails the current step for this kernel only.
type HostFunc func(ctx context.Context, in []*Buffer, out []*Buffer) error

// Register is a virtual field register: the materialized, addressable output
// of one kernel. Probes attach to registers and downstream kernels reference
// them.
type Register struct {
	kernel *Kernel
	edge   *hyper.Edge
	name   string
	typ    field.Type
}

// Kernel returns the producing kernel.
func (r *Register) Kernel() *Kernel { return r.kernel }

// Name returns the output name within the kernel.
func (r *Register) Name() string { return r.name }

// Type returns the field type, fixed at kernel construction.
func (r *Register) Type() field.Type { return r.typ }

// Edge exposes the underlying hyperedge.
func (r *Register) Edge() *hyper.Edge { return r.edge }

func (r *Register) String() string {
	return fmt.Sprintf("%s.%s", r.kernel.Label(), r.name)
}

// Kernel is one compute unit of the compiled circuit.
type Kernel struct {
	node       *hyper.Node
	opcode     Opcode
	class      Class
	restorable bool
	placement  Placement

	inputs  []*Register
	outputs []*Register

	source    string
	workGroup WorkGroup
	fn        HostFunc
}

// Label returns the diagnostic name.
func (k *Kernel) Label() string { return k.node.Label() }

// Opcode returns the kernel's operation name.
func (k *Kernel) Opcode() Opcode { return k.opcode }

// Class reports whether the kernel runs on a device or on the host.
func (k *Kernel) Class() Class { return k.class }

// Restorable reports whether the kernel participates in save/restore.
func (k *Kernel) Restorable() bool { return k.restorable }

// Placement returns the partition the kernel is bound to.
func (k *Kernel) Placement() Placement { return k.placement }

// Inputs returns the ordered input registers. Callers must not mutate it.
func (k *Kernel) Inputs() []*Register { return k.inputs }

// Outputs returns the output registers in declaration order.
func (k *Kernel) Outputs() []*Register { return k.outputs }

// Output returns the output register at index i.
func (k *Kernel) Output(i int) *Register { return k.outputs[i] }

// Source returns the generated device source text. Empty for host kernels.
func (k *Kernel) Source() string { return k.source }

// WorkGroup returns the device dispatch sizing.
func (k *Kernel) WorkGroup() WorkGroup { return k.workGroup }

// Fn returns the host callable. Nil for device kernels.
func (k *Kernel) Fn() HostFunc { return k.fn }

// Node exposes the underlying hypernode.
func (k *Kernel) Node() *hyper.Node { return k.node }

// Removed reports whether the kernel was eliminated by fusion.
func (k *Kernel) Removed() bool { return k.node.Removed() }

func (k *Kernel) String() string { return k.Label() }
