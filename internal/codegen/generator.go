package codegen

import (
	"context"
	"errors"
	"fmt"

	"github.com/vk/fieldgrid/internal/ctxlog"
	"github.com/vk/fieldgrid/internal/field"
	"github.com/vk/fieldgrid/internal/graphalg"
	"github.com/vk/fieldgrid/internal/kernel"
)

var (
	// ErrDuplicateName reports two declarations producing the same field.
	ErrDuplicateName = errors.New("duplicate field name")
	// ErrUnknownField reports an operation argument nothing declares.
	ErrUnknownField = errors.New("unknown field")
	// ErrIntraStepCycle reports a feedback loop not broken by a prev op.
	ErrIntraStepCycle = errors.New("illegal intra-step cycle")
	// ErrBadOp reports a malformed operation declaration.
	ErrBadOp = errors.New("malformed operation")
)

// Generator lowers programs into kernel circuits. It is reusable: each
// Compile call builds an independent circuit, so callers may compile
// repeatedly and concurrently. Release a compiled circuit before dropping it
// to avoid leaking device state.
type Generator struct {
	policy field.AddressingPolicy
	limits kernel.Limits
}

// NewGenerator creates a generator with the given addressing policy and
// device limits.
func NewGenerator(policy field.AddressingPolicy, limits kernel.Limits) *Generator {
	return &Generator{policy: policy, limits: limits}
}

// strategy constructs the kernel for one operation kind.
type strategy func(g *gen, op OpDecl) (*kernel.Kernel, error)

var strategies = map[OpKind]strategy{
	OpMap:    (*gen).mapKernel,
	OpZip:    (*gen).zipKernel,
	OpReduce: (*gen).reduceKernel,
	OpHost:   (*gen).hostKernel,
	OpPrev:   (*gen).prevKernel,
}

// gen is the per-compilation state.
type gen struct {
	policy  field.AddressingPolicy
	circuit *kernel.Circuit
	regs    map[string]*kernel.Register
	recur   []Recurrence
}

// Compile lowers prog into a fresh kernel circuit. All construction errors
// (unknown fields, shape mismatches, illegal cycles, resource limits) abort
// compilation before any device resource is allocated.
func (gn *Generator) Compile(ctx context.Context, prog *Program) (*Result, error) {
	logger := ctxlog.FromContext(ctx)

	decls, err := indexDecls(prog)
	if err != nil {
		return nil, err
	}

	order, clusters, err := planOrder(prog, decls)
	if err != nil {
		return nil, err
	}
	logger.Debug("Operation order planned.", "ops", len(order), "recurrence_clusters", len(clusters))

	g := &gen{
		policy:  gn.policy,
		circuit: kernel.NewCircuit(gn.policy, gn.limits),
		regs:    make(map[string]*kernel.Register, len(prog.Sources)+len(prog.Ops)),
	}

	for _, src := range prog.Sources {
		if err := g.sourceKernel(src); err != nil {
			return nil, err
		}
	}
	for _, name := range order {
		op := decls.ops[name]
		build, ok := strategies[op.Kind]
		if !ok {
			return nil, fmt.Errorf("op %q: %w: unknown kind %q", op.Result, ErrBadOp, op.Kind)
		}
		k, err := build(g, op)
		if err != nil {
			return nil, err
		}
		reg := k.Output(0)
		g.regs[op.Result] = reg
		if err := g.circuit.BindName(op.Result, reg); err != nil {
			return nil, err
		}
	}

	// Prev-op sources resolve after every kernel exists, since a recurrence
	// may read a field defined later in the program.
	for i := range g.recur {
		src := decls.ops[g.recur[i].State.Label()].Args[0]
		reg, ok := g.regs[src]
		if !ok {
			return nil, fmt.Errorf("prev %q: %w: %q", g.recur[i].State.Label(), ErrUnknownField, src)
		}
		g.recur[i].Source = reg
	}

	logger.Debug("Compilation finished.", "kernels", g.circuit.KernelCount())
	return &Result{
		Circuit:     g.circuit,
		Registers:   g.regs,
		Recurrences: g.recur,
		Clusters:    clusters,
	}, nil
}

// Release frees a previously compiled circuit. Safe to call once per result.
func (gn *Generator) Release(res *Result) {
	if res != nil && res.Circuit != nil {
		res.Circuit.Release()
	}
}

type declIndex struct {
	sources map[string]SourceDecl
	ops     map[string]OpDecl
}

func indexDecls(prog *Program) (*declIndex, error) {
	d := &declIndex{
		sources: make(map[string]SourceDecl, len(prog.Sources)),
		ops:     make(map[string]OpDecl, len(prog.Ops)),
	}
	for _, s := range prog.Sources {
		if _, dup := d.sources[s.Name]; dup {
			return nil, fmt.Errorf("source %q: %w", s.Name, ErrDuplicateName)
		}
		d.sources[s.Name] = s
	}
	for _, op := range prog.Ops {
		if _, dup := d.sources[op.Result]; dup {
			return nil, fmt.Errorf("op %q: %w", op.Result, ErrDuplicateName)
		}
		if _, dup := d.ops[op.Result]; dup {
			return nil, fmt.Errorf("op %q: %w", op.Result, ErrDuplicateName)
		}
		d.ops[op.Result] = op
	}
	for _, op := range prog.Ops {
		for _, arg := range op.Args {
			if _, ok := d.sources[arg]; ok {
				continue
			}
			if _, ok := d.ops[arg]; ok {
				continue
			}
			return nil, fmt.Errorf("op %q: %w: %q", op.Result, ErrUnknownField, arg)
		}
	}
	return d, nil
}

// planOrder topologically orders the ops along intra-step edges and locates
// recurrence clusters. Prev ops contribute no intra-step edge, so any cycle
// remaining in the intra-step graph is illegal and aborts compilation. The
// full dependency-level graph (prev edges included) is clustered to report
// which fields participate in each feedback loop.
func planOrder(prog *Program, decls *declIndex) ([]string, [][]string, error) {
	names := make([]string, 0, len(prog.Ops))
	for _, op := range prog.Ops {
		names = append(names, op.Result)
	}

	intra := make(map[string][]string, len(names))
	full := make(map[string][]string, len(names))
	for _, op := range prog.Ops {
		for _, arg := range op.Args {
			if _, isOp := decls.ops[arg]; !isOp {
				continue
			}
			full[arg] = append(full[arg], op.Result)
			if op.Kind != OpPrev {
				intra[arg] = append(intra[arg], op.Result)
			}
		}
	}
	succIntra := func(n string) []string { return intra[n] }
	succFull := func(n string) []string { return full[n] }

	if back := graphalg.BackEdges(names, succIntra); len(back) > 0 {
		return nil, nil, fmt.Errorf("%w: %s -> %s", ErrIntraStepCycle, back[0].From, back[0].To)
	}
	order, err := graphalg.TopoSort(names, succIntra)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrIntraStepCycle, err)
	}

	var clusters [][]string
	for _, comp := range graphalg.StronglyConnected(names, succFull) {
		if len(comp) > 1 {
			clusters = append(clusters, comp)
		}
	}
	return order, clusters, nil
}

func (g *gen) argRegisters(op OpDecl, want int) ([]*kernel.Register, error) {
	if len(op.Args) != want {
		return nil, fmt.Errorf("op %q: %w: kind %q needs %d args, got %d",
			op.Result, ErrBadOp, op.Kind, want, len(op.Args))
	}
	regs := make([]*kernel.Register, len(op.Args))
	for i, arg := range op.Args {
		r, ok := g.regs[arg]
		if !ok {
			return nil, fmt.Errorf("op %q: %w: %q", op.Result, ErrUnknownField, arg)
		}
		regs[i] = r
	}
	return regs, nil
}

func (g *gen) sourceKernel(src SourceDecl) error {
	init := append([]float64(nil), src.Init...)
	k, err := g.circuit.NewKernel(kernel.Spec{
		Label:      src.Name,
		Opcode:     "source",
		Class:      kernel.Host,
		Restorable: true,
		Placement:  src.Placement,
		Outputs:    []kernel.OutputSpec{{Name: "out", Type: src.Type}},
		Fn:         feedValues(init),
	})
	if err != nil {
		return err
	}
	reg := k.Output(0)
	g.regs[src.Name] = reg
	return g.circuit.BindName(src.Name, reg)
}

func (g *gen) mapKernel(op OpDecl) (*kernel.Kernel, error) {
	in, err := g.argRegisters(op, 1)
	if err != nil {
		return nil, err
	}
	return g.deviceKernel(op, in)
}

func (g *gen) zipKernel(op OpDecl) (*kernel.Kernel, error) {
	in, err := g.argRegisters(op, 2)
	if err != nil {
		return nil, err
	}
	return g.deviceKernel(op, in)
}

func (g *gen) deviceKernel(op OpDecl, in []*kernel.Register) (*kernel.Kernel, error) {
	mode := g.policy.ModeFor(op.Type)
	return g.circuit.NewKernel(kernel.Spec{
		Label:     op.Result,
		Opcode:    kernel.Opcode(op.Kind),
		Class:     kernel.Device,
		Placement: op.Placement,
		Inputs:    in,
		Outputs:   []kernel.OutputSpec{{Name: "out", Type: op.Type}},
		Source:    emitDeviceSource(op, in, mode),
		WorkGroup: workGroupFor(op.Type),
	})
}

func (g *gen) reduceKernel(op OpDecl) (*kernel.Kernel, error) {
	in, err := g.argRegisters(op, 1)
	if err != nil {
		return nil, err
	}
	if op.Fn == nil {
		return nil, fmt.Errorf("op %q: %w: reduce needs a callable", op.Result, ErrBadOp)
	}
	return g.circuit.NewKernel(kernel.Spec{
		Label:           op.Result,
		Opcode:          kernel.Opcode(op.Kind),
		Class:           kernel.Host,
		Placement:       op.Placement,
		Inputs:          in,
		Outputs:         []kernel.OutputSpec{{Name: "out", Type: op.Type}},
		AllowGridChange: true,
		Fn:              op.Fn,
	})
}

func (g *gen) hostKernel(op OpDecl) (*kernel.Kernel, error) {
	if op.Fn == nil {
		return nil, fmt.Errorf("op %q: %w: host op needs a callable", op.Result, ErrBadOp)
	}
	in, err := g.argRegisters(op, len(op.Args))
	if err != nil {
		return nil, err
	}
	return g.circuit.NewKernel(kernel.Spec{
		Label:     op.Result,
		Opcode:    kernel.Opcode(op.Kind),
		Class:     kernel.Host,
		Placement: op.Placement,
		Inputs:    in,
		Outputs:   []kernel.OutputSpec{{Name: "out", Type: op.Type}},
		Fn:        op.Fn,
	})
}

// prevKernel materializes the previous step's value of another field. It has
// no intra-step input; the scheduler feeds it through the recurrence binding.
func (g *gen) prevKernel(op OpDecl) (*kernel.Kernel, error) {
	if len(op.Args) != 1 {
		return nil, fmt.Errorf("op %q: %w: prev needs exactly one arg", op.Result, ErrBadOp)
	}
	init := append([]float64(nil), op.Init...)
	k, err := g.circuit.NewKernel(kernel.Spec{
		Label:      op.Result,
		Opcode:     kernel.Opcode(op.Kind),
		Class:      kernel.Host,
		Restorable: true,
		Placement:  op.Placement,
		Outputs:    []kernel.OutputSpec{{Name: "out", Type: op.Type}},
		// The state buffer persists across steps; the scheduler seeds it
		// from Init and refreshes it from Source after every step.
		Fn: keepState,
	})
	if err != nil {
		return nil, err
	}
	g.recur = append(g.recur, Recurrence{State: k, Init: init})
	return k, nil
}

// keepState leaves the output buffer untouched: prev-state buffers carry
// their value across steps under scheduler control.
func keepState(ctx context.Context, in []*kernel.Buffer, out []*kernel.Buffer) error {
	return nil
}

// feedValues writes the given values into the output buffer; missing values
// stay zero. Used by source kernels, which replay their external feed every
// step.
func feedValues(init []float64) kernel.HostFunc {
	return func(ctx context.Context, in []*kernel.Buffer, out []*kernel.Buffer) error {
		copy(out[0].Data, init)
		return nil
	}
}

// workGroupFor picks a dispatch sizing for the output grid. Capped at the
// default limit; the circuit rejects anything larger at construction.
func workGroupFor(t field.Type) kernel.WorkGroup {
	n := t.Points()
	if n > 64 {
		n = 64
	}
	if n < 1 {
		n = 1
	}
	return kernel.WorkGroup{X: n}
}
