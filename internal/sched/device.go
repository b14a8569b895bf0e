package sched

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/vk/fieldgrid/internal/ctxlog"
	"github.com/vk/fieldgrid/internal/kernel"
)

// deviceSupervisor owns one partition: the kernels bound to a single device,
// their buffers, and the proxies for edges crossing the partition boundary.
// Per-step mutable state (the buffers) is exclusively owned here; other
// partitions only ever see copies relayed through proxies.
type deviceSupervisor struct {
	part   *partition
	opts   Options
	router func(ctx context.Context, id string, dests []kernel.Placement, buf *kernel.Buffer) error

	st   atomic.Int32
	ctrl chan ctrlMsg
	svc  chan svcMsg
	quit chan struct{}

	mu      sync.RWMutex
	buffers map[string]*kernel.Buffer
	seq     uint64

	proxies map[string]*inProxy
	inits   map[string][]float64
}

type ctrlKind int

const (
	cmdStep ctrlKind = iota
	cmdReset
)

type ctrlMsg struct {
	kind  ctrlKind
	ctx   context.Context
	reply chan error
}

// svcMsg is a probe or a delivery. The service channel stays live while the
// control loop is busy stepping, so probes and cross-partition deliveries
// are never blocked by in-flight computation.
type svcMsg struct {
	probeID string
	deliver *kernel.Buffer
	reply   chan svcReply
}

type svcReply struct {
	buf *kernel.Buffer
	err error
}

type inProxy struct {
	reg *kernel.Register
	ch  chan *kernel.Buffer

	mu  sync.Mutex
	buf *kernel.Buffer
	seq uint64
}

func newDeviceSupervisor(pt *partition, opts Options, inits map[string][]float64,
	router func(ctx context.Context, id string, dests []kernel.Placement, buf *kernel.Buffer) error) *deviceSupervisor {

	d := &deviceSupervisor{
		part:    pt,
		opts:    opts,
		router:  router,
		ctrl:    make(chan ctrlMsg),
		svc:     make(chan svcMsg),
		quit:    make(chan struct{}),
		buffers: make(map[string]*kernel.Buffer),
		proxies: make(map[string]*inProxy),
		inits:   inits,
	}
	for _, k := range pt.kernels {
		for _, out := range k.Outputs() {
			d.buffers[RegID(out)] = kernel.NewBuffer(out.Type())
		}
	}
	for id, reg := range pt.inProxies {
		d.proxies[id] = &inProxy{reg: reg, ch: make(chan *kernel.Buffer, 1)}
	}
	d.seedStates()

	go d.controlLoop()
	go d.serviceLoop()
	return d
}

// seedStates writes the recurrence initial values. Probes stay legal during
// a reset, so the write must hold the buffer lock.
func (d *deviceSupervisor) seedStates() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, init := range d.inits {
		if buf, ok := d.buffers[id]; ok {
			buf.Zero()
			copy(buf.Data, init)
		}
	}
}

// Step drives one evaluation of the partition. Rejected with ErrProtocol if
// the device is still busy.
func (d *deviceSupervisor) Step(ctx context.Context) error {
	return d.command(ctx, cmdStep, stepping)
}

// Reset reinitializes the partition state.
func (d *deviceSupervisor) Reset(ctx context.Context) error {
	return d.command(ctx, cmdReset, resetting)
}

func (d *deviceSupervisor) command(ctx context.Context, kind ctrlKind, busy state) error {
	if !d.st.CompareAndSwap(int32(idle), int32(busy)) {
		return fmt.Errorf("%w: device %s is %s", ErrProtocol, d.part.placement, state(d.st.Load()))
	}
	defer d.st.Store(int32(idle))

	reply := make(chan error, 1)
	select {
	case d.ctrl <- ctrlMsg{kind: kind, ctx: ctx, reply: reply}:
	case <-d.quit:
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-d.quit:
		return ErrStopped
	}
}

// Probe returns a copy of the register's current buffer, at any time.
func (d *deviceSupervisor) Probe(ctx context.Context, id string) (*kernel.Buffer, error) {
	return d.service(ctx, svcMsg{probeID: id})
}

// Deliver routes a relayed field value into this partition: into the input
// proxy waiting for it, or directly into a locally owned state buffer.
func (d *deviceSupervisor) Deliver(ctx context.Context, id string, buf *kernel.Buffer) error {
	_, err := d.service(ctx, svcMsg{probeID: id, deliver: buf})
	return err
}

func (d *deviceSupervisor) service(ctx context.Context, msg svcMsg) (*kernel.Buffer, error) {
	msg.reply = make(chan svcReply, 1)
	select {
	case d.svc <- msg:
	case <-d.quit:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-msg.reply:
		return r.buf, r.err
	case <-d.quit:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops both loops.
func (d *deviceSupervisor) Close() { close(d.quit) }

func (d *deviceSupervisor) controlLoop() {
	for {
		select {
		case msg := <-d.ctrl:
			switch msg.kind {
			case cmdStep:
				msg.reply <- d.step(msg.ctx)
			case cmdReset:
				msg.reply <- d.reset()
			}
		case <-d.quit:
			return
		}
	}
}

func (d *deviceSupervisor) serviceLoop() {
	for {
		select {
		case msg := <-d.svc:
			if msg.deliver != nil {
				msg.reply <- svcReply{err: d.accept(msg.probeID, msg.deliver)}
			} else {
				buf, err := d.snapshot(msg.probeID)
				msg.reply <- svcReply{buf: buf, err: err}
			}
		case <-d.quit:
			return
		}
	}
}

// snapshot copies a buffer for a probe.
func (d *deviceSupervisor) snapshot(id string) (*kernel.Buffer, error) {
	d.mu.RLock()
	buf, ok := d.buffers[id]
	if ok {
		out := buf.Clone()
		d.mu.RUnlock()
		return out, nil
	}
	d.mu.RUnlock()
	if proxy, ok := d.proxies[id]; ok {
		proxy.mu.Lock()
		defer proxy.mu.Unlock()
		if proxy.buf != nil {
			return proxy.buf.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %q on %s", ErrUnknownRegister, id, d.part.placement)
}

// accept stores a delivered value. State buffers (locally owned, e.g.
// recurrence states) are overwritten in place; anything else must be an
// input proxy, whose channel unblocks the kernel waiting on the value.
func (d *deviceSupervisor) accept(id string, buf *kernel.Buffer) error {
	d.mu.Lock()
	if local, ok := d.buffers[id]; ok {
		err := local.CopyFrom(buf)
		d.mu.Unlock()
		return err
	}
	d.mu.Unlock()

	proxy, ok := d.proxies[id]
	if !ok {
		return fmt.Errorf("%w: %q on %s", ErrUnknownRegister, id, d.part.placement)
	}
	for {
		select {
		case proxy.ch <- buf:
			return nil
		default:
			// A stale value from an aborted step is still in the channel;
			// replace it.
			select {
			case <-proxy.ch:
			default:
			}
		}
	}
}

// kernelError is one captured per-kernel evaluation failure.
type kernelError struct {
	kernel *kernel.Kernel
	err    error
}

// step evaluates every kernel of the partition exactly once, level by level.
// Within a level kernels are mutually independent; they dispatch serially
// unless out-of-order execution is enabled. A kernel failure is captured and
// its siblings keep evaluating; the first failure in deterministic kernel
// order becomes the step's result.
func (d *deviceSupervisor) step(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	d.seq++

	levels := d.levelOrder()
	var failures []kernelError

	for _, lvl := range levels {
		if d.opts.OutOfOrder && len(lvl) > 1 {
			errs := make([]error, len(lvl))
			var wg sync.WaitGroup
			for i, k := range lvl {
				wg.Add(1)
				go func(i int, k *kernel.Kernel) {
					defer wg.Done()
					errs[i] = d.evaluate(ctx, k)
				}(i, k)
			}
			wg.Wait()
			for i, err := range errs {
				if err != nil {
					failures = append(failures, kernelError{kernel: lvl[i], err: err})
				}
			}
		} else {
			for _, k := range lvl {
				if err := d.evaluate(ctx, k); err != nil {
					failures = append(failures, kernelError{kernel: k, err: err})
				}
			}
		}
	}

	if len(failures) > 0 {
		for _, f := range failures[1:] {
			logger.Warn("Additional kernel failure in step.",
				"kernel", f.kernel.Label(), "error", f.err)
		}
		first := failures[0]
		return fmt.Errorf("kernel %q: %w", first.kernel.Label(), first.err)
	}
	return nil
}

// levelOrder groups the partition's kernels by level, preserving the
// topological order inside each group.
func (d *deviceSupervisor) levelOrder() [][]*kernel.Kernel {
	byLevel := make(map[int][]*kernel.Kernel)
	maxLvl := 0
	for _, k := range d.part.kernels {
		lvl := d.part.level[k]
		byLevel[lvl] = append(byLevel[lvl], k)
		if lvl > maxLvl {
			maxLvl = lvl
		}
	}
	out := make([][]*kernel.Kernel, 0, maxLvl+1)
	lvls := make([]int, 0, len(byLevel))
	for lvl := range byLevel {
		lvls = append(lvls, lvl)
	}
	sort.Ints(lvls)
	for _, lvl := range lvls {
		out = append(out, byLevel[lvl])
	}
	return out
}

// evaluate runs one kernel: snapshot inputs, execute, publish outputs and
// forward them to any partitions proxying this kernel's registers. Outputs
// are published even on failure so cross-partition consumers never deadlock
// waiting for a failed producer.
func (d *deviceSupervisor) evaluate(ctx context.Context, k *kernel.Kernel) error {
	in := make([]*kernel.Buffer, len(k.Inputs()))
	for i, reg := range k.Inputs() {
		buf, err := d.input(ctx, reg)
		if err != nil {
			return err
		}
		in[i] = buf
	}

	out := make([]*kernel.Buffer, len(k.Outputs()))
	for i, reg := range k.Outputs() {
		d.mu.RLock()
		out[i] = d.buffers[RegID(reg)].Clone()
		d.mu.RUnlock()
	}

	var evalErr error
	if k.Class() == kernel.Host {
		evalErr = k.Fn()(ctx, in, out)
	} else {
		evalErr = d.opts.Dispatcher.Dispatch(ctx, k, in, out)
	}

	if err := d.publish(ctx, k, out); err != nil && evalErr == nil {
		evalErr = err
	}
	return evalErr
}

// input resolves one input register: a locally produced buffer is copied
// under the read lock; a remote register blocks on its proxy until the
// producing partition forwards this step's value.
func (d *deviceSupervisor) input(ctx context.Context, reg *kernel.Register) (*kernel.Buffer, error) {
	id := RegID(reg)
	d.mu.RLock()
	if buf, ok := d.buffers[id]; ok {
		out := buf.Clone()
		d.mu.RUnlock()
		return out, nil
	}
	d.mu.RUnlock()

	proxy, ok := d.proxies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q on %s", ErrUnknownRegister, id, d.part.placement)
	}
	proxy.mu.Lock()
	defer proxy.mu.Unlock()
	if proxy.seq == d.seq && proxy.buf != nil {
		return proxy.buf, nil
	}
	select {
	case buf := <-proxy.ch:
		proxy.buf = buf
		proxy.seq = d.seq
		return buf, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %q: %w", id, ctx.Err())
	}
}

// publish copies the scratch outputs into the canonical buffers and forwards
// proxied registers toward their consuming partitions.
func (d *deviceSupervisor) publish(ctx context.Context, k *kernel.Kernel, out []*kernel.Buffer) error {
	d.mu.Lock()
	for i, reg := range k.Outputs() {
		d.buffers[RegID(reg)] = out[i]
	}
	d.mu.Unlock()

	for i, reg := range k.Outputs() {
		id := RegID(reg)
		dests := d.part.outProxies[id]
		if len(dests) == 0 {
			continue
		}
		if err := d.router(ctx, id, dests, out[i].Clone()); err != nil {
			return err
		}
	}
	return nil
}

// reset zeroes every buffer, reseeds recurrence states, and drains stale
// proxy values, replaying the circuit's initial conditions.
func (d *deviceSupervisor) reset() error {
	d.mu.Lock()
	for _, buf := range d.buffers {
		buf.Zero()
	}
	d.mu.Unlock()
	d.seedStates()
	d.seq = 0
	for _, proxy := range d.proxies {
		proxy.mu.Lock()
		proxy.buf = nil
		proxy.seq = 0
		select {
		case <-proxy.ch:
		default:
		}
		proxy.mu.Unlock()
	}
	return nil
}
