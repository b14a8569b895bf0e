package sched

import (
	"fmt"
	"sort"

	"github.com/vk/fieldgrid/internal/codegen"
	"github.com/vk/fieldgrid/internal/graphalg"
	"github.com/vk/fieldgrid/internal/kernel"
)

// partition is the slice of the circuit bound to one device: its kernels in
// topological order plus their level assignment for concurrent dispatch.
type partition struct {
	placement kernel.Placement
	kernels   []*kernel.Kernel
	level     map[*kernel.Kernel]int

	// inProxies marks remote registers this partition consumes; outProxies
	// maps locally produced registers to the partitions that must receive
	// them.
	inProxies  map[string]*kernel.Register
	outProxies map[string][]kernel.Placement
}

// plan partitions the circuit by placement and builds the proxy sets and the
// global routing table. Returns partitions grouped by node name, the owning
// placement of every register, and the recurrence bindings resolved to
// register IDs.
type plan struct {
	// nodes maps node name -> device name -> partition.
	nodes map[string]map[string]*partition
	// owner maps register ID -> producing placement.
	owner map[string]kernel.Placement
	// registers maps register ID -> register, for probe resolution.
	registers map[string]*kernel.Register
	// recurrences are end-of-step copies: source register -> state register.
	recurrences []recurrenceBinding
}

type recurrenceBinding struct {
	sourceID string
	stateID  string
	init     []float64
}

func buildPlan(res *codegen.Result, opts Options) (*plan, error) {
	p := &plan{
		nodes:     make(map[string]map[string]*partition),
		owner:     make(map[string]kernel.Placement),
		registers: make(map[string]*kernel.Register),
	}

	placementOf := func(k *kernel.Kernel) kernel.Placement {
		if k.Placement().IsZero() {
			return opts.DefaultPlacement
		}
		return k.Placement()
	}

	part := func(pl kernel.Placement) *partition {
		devs, ok := p.nodes[pl.Node]
		if !ok {
			devs = make(map[string]*partition)
			p.nodes[pl.Node] = devs
		}
		pt, ok := devs[pl.Device]
		if !ok {
			pt = &partition{
				placement:  pl,
				level:      make(map[*kernel.Kernel]int),
				inProxies:  make(map[string]*kernel.Register),
				outProxies: make(map[string][]kernel.Placement),
			}
			devs[pl.Device] = pt
		}
		return pt
	}

	kernels := res.Circuit.Kernels()

	// Global topological order; each partition keeps its subsequence, so
	// every per-partition order is a valid linear extension too.
	order, err := graphalg.TopoSort(kernels, func(k *kernel.Kernel) []*kernel.Kernel {
		var succ []*kernel.Kernel
		for _, s := range k.Node().SinkNodes() {
			if sk, ok := res.Circuit.KernelFor(s); ok {
				succ = append(succ, sk)
			}
		}
		return succ
	})
	if err != nil {
		return nil, fmt.Errorf("scheduling: %w", err)
	}

	for _, k := range order {
		pl := placementOf(k)
		pt := part(pl)
		pt.kernels = append(pt.kernels, k)
		for _, out := range k.Outputs() {
			id := RegID(out)
			p.owner[id] = pl
			p.registers[id] = out
		}
	}

	// Proxy pairs for every edge crossing a partition boundary.
	for _, k := range order {
		consumerPl := placementOf(k)
		for _, in := range k.Inputs() {
			producerPl := placementOf(in.Kernel())
			if producerPl == consumerPl {
				continue
			}
			id := RegID(in)
			part(consumerPl).inProxies[id] = in
			outs := part(producerPl).outProxies[id]
			if !containsPlacement(outs, consumerPl) {
				part(producerPl).outProxies[id] = append(outs, consumerPl)
			}
		}
	}

	// Per-partition levelization over intra-partition edges: kernels on the
	// same level share no local dependency and may dispatch out of order.
	for _, devs := range p.nodes {
		for _, pt := range devs {
			local := make(map[*kernel.Kernel]bool, len(pt.kernels))
			for _, k := range pt.kernels {
				local[k] = true
			}
			pt.level = graphalg.Levelize(pt.kernels, func(k *kernel.Kernel) []*kernel.Kernel {
				var succ []*kernel.Kernel
				for _, s := range k.Node().SinkNodes() {
					if sk, ok := res.Circuit.KernelFor(s); ok && local[sk] {
						succ = append(succ, sk)
					}
				}
				return succ
			})
		}
	}

	for _, rec := range res.Recurrences {
		state := res.Circuit.LiveRegister(rec.State.Output(0))
		source := res.Circuit.LiveRegister(rec.Source)
		p.recurrences = append(p.recurrences, recurrenceBinding{
			sourceID: RegID(source),
			stateID:  RegID(state),
			init:     rec.Init,
		})
	}

	return p, nil
}

func containsPlacement(list []kernel.Placement, pl kernel.Placement) bool {
	for _, p := range list {
		if p == pl {
			return true
		}
	}
	return false
}

// nodeNames returns the plan's node names sorted, fixing the deterministic
// order used for error aggregation.
func (p *plan) nodeNames() []string {
	names := make([]string, 0, len(p.nodes))
	for n := range p.nodes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// deviceNames returns the device names of one node, sorted.
func (p *plan) deviceNames(node string) []string {
	names := make([]string, 0, len(p.nodes[node]))
	for d := range p.nodes[node] {
		names = append(names, d)
	}
	sort.Strings(names)
	return names
}
