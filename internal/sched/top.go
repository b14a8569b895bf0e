package sched

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/vk/fieldgrid/internal/codegen"
	"github.com/vk/fieldgrid/internal/ctxlog"
	"github.com/vk/fieldgrid/internal/kernel"
)

const otelScope = "github.com/vk/fieldgrid/internal/sched"

// TopGraph is the root of the supervisory tree. It partitions a compiled
// circuit across nodes and devices, drives the step/reset protocol, routes
// cross-node field updates, and performs the end-of-step recurrence copies.
type TopGraph struct {
	session string
	opts    Options
	plan    *plan
	result  *codegen.Result

	st       atomic.Int32
	released atomic.Bool
	children map[string]NodeChild
	order    []string
	steps    atomic.Uint64

	tracer   trace.Tracer
	stepCnt  metric.Int64Counter
	stepDur  metric.Float64Histogram
	probeCnt metric.Int64Counter
}

// NewTopGraph builds the scheduler for a compiled program. Each node of the
// plan gets a local NodeSupervisor unless Options.Remotes names a child for
// it. The circuit must not be mutated afterward; re-run the optimizer and
// rebuild the scheduler instead.
func NewTopGraph(ctx context.Context, res *codegen.Result, opts Options) (*TopGraph, error) {
	opts = opts.withDefaults()
	p, err := buildPlan(res, opts)
	if err != nil {
		return nil, err
	}

	t := &TopGraph{
		session:  uuid.NewString(),
		opts:     opts,
		plan:     p,
		result:   res,
		children: make(map[string]NodeChild),
		order:    p.nodeNames(),
		tracer:   otel.Tracer(otelScope),
	}
	meter := otel.Meter(otelScope)
	if t.stepCnt, err = meter.Int64Counter("fieldgrid.steps",
		metric.WithDescription("Completed scheduler steps.")); err != nil {
		return nil, err
	}
	if t.stepDur, err = meter.Float64Histogram("fieldgrid.step.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Wall time of one scheduler step.")); err != nil {
		return nil, err
	}
	if t.probeCnt, err = meter.Int64Counter("fieldgrid.probes",
		metric.WithDescription("Served field probes.")); err != nil {
		return nil, err
	}

	inits := make(map[string][]float64)
	for _, rec := range p.recurrences {
		inits[rec.stateID] = rec.init
	}
	for _, name := range t.order {
		if remote, ok := opts.Remotes[name]; ok {
			t.children[name] = remote
			continue
		}
		t.children[name] = newNodeSupervisor(name, p, opts, inits, t.forward)
	}

	ctxlog.FromContext(ctx).Info("Scheduler built.",
		"session", t.session, "nodes", len(t.order),
		"kernels", res.Circuit.KernelCount(), "recurrences", len(p.recurrences))
	return t, nil
}

// Session returns the scheduler's unique run identifier.
func (t *TopGraph) Session() string { return t.session }

// Steps returns the number of completed steps since the last Reset.
func (t *TopGraph) Steps() uint64 { return t.steps.Load() }

// Step evaluates every kernel of the circuit exactly once. All node children
// step concurrently; cross-node field updates flow through Deliver while the
// step is in flight. After every child finishes, each recurrence state is
// refreshed from its source so the next step observes this step's values.
// A second Step issued while one is in flight fails with ErrProtocol.
func (t *TopGraph) Step(ctx context.Context) error {
	if t.released.Load() {
		return ErrStopped
	}
	if !t.st.CompareAndSwap(int32(idle), int32(stepping)) {
		return fmt.Errorf("%w: scheduler is %s", ErrProtocol, state(t.st.Load()))
	}
	defer t.st.Store(int32(idle))

	ctx, span := t.tracer.Start(ctx, "sched.step", trace.WithAttributes(
		attribute.String("session", t.session),
		attribute.Int64("step", int64(t.steps.Load())),
	))
	defer span.End()
	start := time.Now()

	err := t.broadcast(ctx, func(c NodeChild) error { return c.Step(ctx) })
	if err == nil {
		err = t.copyRecurrences(ctx)
	}

	t.steps.Add(1)
	t.stepCnt.Add(ctx, 1)
	t.stepDur.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// StepN runs n consecutive steps, stopping at the first failure.
func (t *TopGraph) StepN(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if err := t.Step(ctx); err != nil {
			return fmt.Errorf("step %d of %d: %w", i+1, n, err)
		}
	}
	return nil
}

// Run steps the circuit until the context is canceled or a step fails.
// Returns the number of steps completed in this call.
func (t *TopGraph) Run(ctx context.Context) (uint64, error) {
	var done uint64
	for {
		select {
		case <-ctx.Done():
			return done, ctx.Err()
		default:
		}
		if err := t.Step(ctx); err != nil {
			return done, err
		}
		done++
	}
}

// Reset reinitializes every partition: buffers are zeroed and recurrence
// states are reseeded from their initial values.
func (t *TopGraph) Reset(ctx context.Context) error {
	if t.released.Load() {
		return ErrStopped
	}
	if !t.st.CompareAndSwap(int32(idle), int32(resetting)) {
		return fmt.Errorf("%w: scheduler is %s", ErrProtocol, state(t.st.Load()))
	}
	defer t.st.Store(int32(idle))

	ctx, span := t.tracer.Start(ctx, "sched.reset")
	defer span.End()

	err := t.broadcast(ctx, func(c NodeChild) error { return c.Reset(ctx) })
	if err == nil {
		t.steps.Store(0)
	}
	return err
}

// broadcast issues one command to every child concurrently and aggregates
// failures deterministically: the first error in sorted child-name order is
// returned, the rest are logged.
func (t *TopGraph) broadcast(ctx context.Context, cmd func(NodeChild) error) error {
	logger := ctxlog.FromContext(ctx)
	errs := make([]error, len(t.order))
	var wg sync.WaitGroup
	for i, name := range t.order {
		wg.Add(1)
		go func(i int, c NodeChild) {
			defer wg.Done()
			errs[i] = cmd(c)
		}(i, t.children[name])
	}
	wg.Wait()

	var first error
	for i, err := range errs {
		if err == nil {
			continue
		}
		if first == nil {
			first = err
		} else {
			logger.Warn("Additional node failure.", "node", t.order[i], "error", err)
		}
	}
	return first
}

// copyRecurrences performs the end-of-step state refresh: each recurrence
// state takes the value its source produced during the step that just
// finished, so the next step's prev reads observe it.
func (t *TopGraph) copyRecurrences(ctx context.Context) error {
	for _, rec := range t.plan.recurrences {
		buf, err := t.ProbeID(ctx, rec.sourceID)
		if err != nil {
			return fmt.Errorf("recurrence source %q: %w", rec.sourceID, err)
		}
		owner, ok := t.plan.owner[rec.stateID]
		if !ok {
			return fmt.Errorf("%w: recurrence state %q", ErrUnroutable, rec.stateID)
		}
		if err := t.children[owner.Node].Deliver(ctx, rec.stateID, buf); err != nil {
			return fmt.Errorf("recurrence state %q: %w", rec.stateID, err)
		}
	}
	return nil
}

// Probe returns a copy of a register's current buffer. Legal at any time,
// including while a step is in flight.
func (t *TopGraph) Probe(ctx context.Context, reg *kernel.Register) (*kernel.Buffer, error) {
	return t.ProbeID(ctx, RegID(t.result.Circuit.LiveRegister(reg)))
}

// ProbeName probes a field by its program-level name.
func (t *TopGraph) ProbeName(ctx context.Context, name string) (*kernel.Buffer, error) {
	reg, ok := t.result.Register(name)
	if !ok {
		return nil, fmt.Errorf("%w: field %q", ErrUnknownRegister, name)
	}
	return t.ProbeID(ctx, RegID(reg))
}

// ProbeID probes by register ID, routing to the owning node.
func (t *TopGraph) ProbeID(ctx context.Context, id string) (*kernel.Buffer, error) {
	if t.released.Load() {
		return nil, ErrStopped
	}
	owner, ok := t.plan.owner[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRegister, id)
	}
	child, ok := t.children[owner.Node]
	if !ok {
		return nil, fmt.Errorf("%w: probe of %q on %s", ErrUnroutable, id, owner)
	}
	t.probeCnt.Add(ctx, 1)
	return child.Probe(ctx, id)
}

// DeliverID writes a buffer into the partition owning the register. Used to
// restore persisted state; the scheduler must be idle.
func (t *TopGraph) DeliverID(ctx context.Context, id string, buf *kernel.Buffer) error {
	if t.released.Load() {
		return ErrStopped
	}
	if state(t.st.Load()) != idle {
		return fmt.Errorf("%w: scheduler is %s", ErrProtocol, state(t.st.Load()))
	}
	owner, ok := t.plan.owner[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRegister, id)
	}
	return t.children[owner.Node].Deliver(ctx, id, buf)
}

// Release shuts the tree down. Further commands fail with ErrStopped.
func (t *TopGraph) Release() error {
	if !t.released.CompareAndSwap(false, true) {
		return nil
	}
	var first error
	for _, name := range t.order {
		if err := t.children[name].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// forward is the uplink handed to local node supervisors: it delivers a
// produced register value to the node child hosting the destination
// partition.
func (t *TopGraph) forward(ctx context.Context, id string, dest kernel.Placement, buf *kernel.Buffer) error {
	child, ok := t.children[dest.Node]
	if !ok {
		return fmt.Errorf("%w: %q to %s", ErrUnroutable, id, dest)
	}
	return child.Deliver(ctx, id, buf)
}
