// Package sched steps a compiled kernel circuit across one or more devices,
// possibly spanning several compute nodes. The scheduler is a supervisory
// tree: the top graph drives per-node supervisors, which drive per-device
// supervisors. Each supervisor is a goroutine owning a control channel for
// Step/Reset and a separate, always-live probe channel, so observability
// never blocks on in-flight computation.
//
// Protocol: every entity is Idle, Stepping or Resetting. A parent must not
// issue Step or Reset to a child that is still busy; the child rejects the
// command immediately with ErrProtocol instead of queueing it. A step runs
// to completion; there is no mid-step cancellation.
package sched

import (
	"context"
	"errors"
	"fmt"

	"github.com/vk/fieldgrid/internal/kernel"
)

var (
	// ErrProtocol reports a Step or Reset issued to a busy entity.
	ErrProtocol = errors.New("protocol violation: entity is busy")
	// ErrUnroutable reports a cross-partition destination no supervisor in
	// the tree could resolve. Updates are never silently dropped.
	ErrUnroutable = errors.New("unroutable field update")
	// ErrUnknownRegister reports a probe or delivery for a register the
	// target partition does not hold.
	ErrUnknownRegister = errors.New("unknown register")
	// ErrStopped reports a command issued after Release.
	ErrStopped = errors.New("scheduler released")
)

// state is the lifecycle of one step-capable entity.
type state int32

const (
	idle state = iota
	stepping
	resetting
)

func (s state) String() string {
	switch s {
	case idle:
		return "idle"
	case stepping:
		return "stepping"
	case resetting:
		return "resetting"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Dispatcher executes one device kernel: read the input buffers, fill the
// output buffers. Implementations receive the kernel's opaque source text
// and work-group sizing through the kernel itself.
type Dispatcher interface {
	Dispatch(ctx context.Context, k *kernel.Kernel, in []*kernel.Buffer, out []*kernel.Buffer) error
}

// NodeChild is one compute node as seen by the top graph. The local
// implementation is NodeSupervisor; a remote node connected over a transport
// implements the same contract.
type NodeChild interface {
	// Name returns the node name used in placements.
	Name() string
	// Step evaluates every kernel of the node's partitions exactly once.
	Step(ctx context.Context) error
	// Reset reinitializes partition state, replaying recurrence initial
	// values.
	Reset(ctx context.Context) error
	// Probe returns a copy of the named register's current buffer. Legal
	// at any time, including mid-step.
	Probe(ctx context.Context, reg string) (*kernel.Buffer, error)
	// Deliver routes a produced field value into the node, either into an
	// input proxy or directly into a locally owned state buffer.
	Deliver(ctx context.Context, reg string, buf *kernel.Buffer) error
	// Close releases the node's resources.
	Close() error
}

// Options configure scheduling.
type Options struct {
	// OutOfOrder permits concurrent dispatch of independent (same-level)
	// kernels within one device partition. Off by default: dispatch is
	// serialized in topological order.
	OutOfOrder bool
	// DefaultPlacement hosts kernels compiled without an explicit
	// placement. Defaults to node "local", device "gpu0".
	DefaultPlacement kernel.Placement
	// Dispatcher executes device kernels. Defaults to the built-in
	// simulator, which is sufficient for tests and dry runs.
	Dispatcher Dispatcher
	// Remotes supplies the children for nodes hosted elsewhere, keyed by
	// node name. Nodes without an entry are supervised locally.
	Remotes map[string]NodeChild
}

func (o Options) withDefaults() Options {
	if o.DefaultPlacement.IsZero() {
		o.DefaultPlacement = kernel.Placement{Node: "local", Device: "gpu0"}
	}
	if o.Dispatcher == nil {
		o.Dispatcher = SimDispatcher{}
	}
	return o
}

// RegID is the stable wire identity of a register: "kernel.output". Used
// for routing tables, probes and transport frames.
func RegID(r *kernel.Register) string {
	return r.Kernel().Label() + "." + r.Name()
}
