package sched

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vk/fieldgrid/internal/codegen"
	"github.com/vk/fieldgrid/internal/ctxlog"
	"github.com/vk/fieldgrid/internal/kernel"
)

// NodeSupervisor drives the device partitions of one compute node. It is the
// local implementation of NodeChild; the transport package exposes the same
// contract for a node reached over the wire.
type NodeSupervisor struct {
	name string
	opts Options

	st      atomic.Int32
	devices map[string]*deviceSupervisor
	order   []string

	// owners maps locally produced register IDs to their device; consumers
	// maps register IDs to the local devices holding an input proxy for them.
	owners    map[string]string
	consumers map[string][]string

	// uplink forwards a produced value toward a partition on another node.
	// Nil on a single-node deployment, where every destination is local.
	uplink func(ctx context.Context, id string, dest kernel.Placement, buf *kernel.Buffer) error
}

// NewNodeSupervisor builds a standalone supervisor for one node of a
// compiled program, for hosting behind a transport server. Kernels of the
// node whose outputs feed partitions on other nodes are not routable from a
// standalone supervisor; keep cross-node edges flowing toward the node that
// runs the top graph.
func NewNodeSupervisor(ctx context.Context, res *codegen.Result, opts Options, nodeName string) (*NodeSupervisor, error) {
	opts = opts.withDefaults()
	p, err := buildPlan(res, opts)
	if err != nil {
		return nil, err
	}
	if _, ok := p.nodes[nodeName]; !ok {
		return nil, fmt.Errorf("node %q has no partitions in this program", nodeName)
	}
	inits := make(map[string][]float64)
	for _, rec := range p.recurrences {
		inits[rec.stateID] = rec.init
	}
	n := newNodeSupervisor(nodeName, p, opts, inits, nil)
	ctxlog.FromContext(ctx).Info("Node supervisor built.",
		"node", nodeName, "devices", len(n.order))
	return n, nil
}

// newNodeSupervisor builds the supervisor for one node of the plan. inits
// maps recurrence state register IDs to their seed values.
func newNodeSupervisor(name string, p *plan, opts Options, inits map[string][]float64,
	uplink func(ctx context.Context, id string, dest kernel.Placement, buf *kernel.Buffer) error) *NodeSupervisor {

	n := &NodeSupervisor{
		name:      name,
		opts:      opts,
		devices:   make(map[string]*deviceSupervisor),
		owners:    make(map[string]string),
		consumers: make(map[string][]string),
		uplink:    uplink,
	}

	for _, dev := range p.deviceNames(name) {
		pt := p.nodes[name][dev]
		devInits := make(map[string][]float64)
		for id, init := range inits {
			if ownsRegister(pt, id) {
				devInits[id] = init
			}
		}
		n.devices[dev] = newDeviceSupervisor(pt, opts, devInits, n.route)
		n.order = append(n.order, dev)
		for _, k := range pt.kernels {
			for _, out := range k.Outputs() {
				n.owners[RegID(out)] = dev
			}
		}
		for id := range pt.inProxies {
			n.consumers[id] = append(n.consumers[id], dev)
		}
	}
	return n
}

func ownsRegister(pt *partition, id string) bool {
	for _, k := range pt.kernels {
		for _, out := range k.Outputs() {
			if RegID(out) == id {
				return true
			}
		}
	}
	return false
}

// Name returns the node name used in placements.
func (n *NodeSupervisor) Name() string { return n.name }

// Step broadcasts the step to every device concurrently. Devices must run in
// parallel: a partition blocked on a cross-device proxy unblocks only when
// the producing partition reaches the corresponding kernel. The first failure
// in sorted device order becomes the node's result; the remaining devices
// still run to completion.
func (n *NodeSupervisor) Step(ctx context.Context) error {
	return n.broadcast(ctx, stepping, func(d *deviceSupervisor) error { return d.Step(ctx) })
}

// Reset reinitializes every device partition.
func (n *NodeSupervisor) Reset(ctx context.Context) error {
	return n.broadcast(ctx, resetting, func(d *deviceSupervisor) error { return d.Reset(ctx) })
}

func (n *NodeSupervisor) broadcast(ctx context.Context, busy state, cmd func(*deviceSupervisor) error) error {
	if !n.st.CompareAndSwap(int32(idle), int32(busy)) {
		return fmt.Errorf("%w: node %s is %s", ErrProtocol, n.name, state(n.st.Load()))
	}
	defer n.st.Store(int32(idle))

	logger := ctxlog.FromContext(ctx)
	errs := make([]error, len(n.order))
	var wg sync.WaitGroup
	for i, dev := range n.order {
		wg.Add(1)
		go func(i int, d *deviceSupervisor) {
			defer wg.Done()
			errs[i] = cmd(d)
		}(i, n.devices[dev])
	}
	wg.Wait()

	var first error
	for i, err := range errs {
		if err == nil {
			continue
		}
		if first == nil {
			first = fmt.Errorf("node %s, device %s: %w", n.name, n.order[i], err)
		} else {
			logger.Warn("Additional device failure.",
				"node", n.name, "device", n.order[i], "error", err)
		}
	}
	return first
}

// Probe returns a copy of the named register's buffer from the owning device.
// Legal at any time; the device services probes on a channel independent of
// its control loop.
func (n *NodeSupervisor) Probe(ctx context.Context, reg string) (*kernel.Buffer, error) {
	dev, ok := n.owners[reg]
	if !ok {
		return nil, fmt.Errorf("%w: %q on node %s", ErrUnknownRegister, reg, n.name)
	}
	return n.devices[dev].Probe(ctx, reg)
}

// Deliver routes an incoming field value: into every local device proxying
// the register, or into the owning device's state buffer when the register
// lives here (the recurrence end-of-step copy).
func (n *NodeSupervisor) Deliver(ctx context.Context, reg string, buf *kernel.Buffer) error {
	devs := n.consumers[reg]
	if dev, ok := n.owners[reg]; ok && !containsString(devs, dev) {
		devs = append(devs, dev)
	}
	if len(devs) == 0 {
		return fmt.Errorf("%w: %q has no consumer on node %s", ErrUnroutable, reg, n.name)
	}
	for _, dev := range devs {
		if err := n.devices[dev].Deliver(ctx, reg, buf); err != nil {
			return err
		}
	}
	return nil
}

// Close stops every device supervisor.
func (n *NodeSupervisor) Close() error {
	for _, dev := range n.order {
		n.devices[dev].Close()
	}
	return nil
}

// route fans a produced register value out to its destination partitions:
// local devices directly, remote nodes through the uplink. An unresolvable
// destination is an error, never a silent drop.
func (n *NodeSupervisor) route(ctx context.Context, id string, dests []kernel.Placement, buf *kernel.Buffer) error {
	for _, dest := range dests {
		if dest.Node == n.name {
			d, ok := n.devices[dest.Device]
			if !ok {
				return fmt.Errorf("%w: %q to unknown device %s", ErrUnroutable, id, dest)
			}
			if err := d.Deliver(ctx, id, buf.Clone()); err != nil {
				return err
			}
			continue
		}
		if n.uplink == nil {
			return fmt.Errorf("%w: %q to %s from single-node scheduler", ErrUnroutable, id, dest)
		}
		if err := n.uplink(ctx, id, dest, buf.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
