package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/vk/fieldgrid/internal/badgerstore"
	"github.com/vk/fieldgrid/internal/codegen"
	"github.com/vk/fieldgrid/internal/kernel"
	"github.com/vk/fieldgrid/internal/memstore"
	"github.com/vk/fieldgrid/internal/optimizer"
	"github.com/vk/fieldgrid/internal/sched"
	"github.com/vk/fieldgrid/internal/store"
	"github.com/vk/fieldgrid/internal/transport"
)

// Run executes the configured lifecycle: compile, optimize, schedule, step,
// persist, probe. In worker mode it instead hosts this process's node behind
// the transport until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	ctx = a.context(ctx)
	if a.cfg.WorkerNode != "" {
		return a.runWorker(ctx)
	}

	res, err := a.compile(ctx)
	if err != nil {
		return err
	}
	defer res.Circuit.Release()

	opts, closers, err := a.schedulerOptions(ctx)
	defer func() {
		for _, c := range closers {
			c()
		}
	}()
	if err != nil {
		return err
	}

	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	top, err := sched.NewTopGraph(ctx, res, opts)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}
	defer top.Release()

	if err := a.restoreState(ctx, st, res, top); err != nil {
		return err
	}

	if err := a.step(ctx, top); err != nil {
		return err
	}

	if err := store.SaveCircuit(ctx, st, res.Circuit, top); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return a.printProbes(ctx, top)
}

func (a *App) compile(ctx context.Context) (*codegen.Result, error) {
	policy, err := a.topology.Policy()
	if err != nil {
		return nil, err
	}
	gen := codegen.NewGenerator(policy, kernel.DefaultLimits)
	res, err := gen.Compile(ctx, a.program)
	if err != nil {
		return nil, fmt.Errorf("compile program: %w", err)
	}
	a.logger.Info("Program compiled.", "kernels", res.Circuit.KernelCount(),
		"recurrences", len(res.Recurrences))

	if a.cfg.Optimize {
		fused, err := optimizer.Merge(ctx, res.Circuit)
		if err != nil {
			return nil, fmt.Errorf("optimize circuit: %w", err)
		}
		a.logger.Info("Circuit optimized.", "eliminated_dispatches", fused,
			"kernels", res.Circuit.KernelCount())
	}
	return res, nil
}

// schedulerOptions maps the topology onto scheduler options, dialing remote
// nodes. The returned closers shut the dialed transports down.
func (a *App) schedulerOptions(ctx context.Context) (sched.Options, []func(), error) {
	opts := sched.Options{
		OutOfOrder: a.topology.Scheduler.OutOfOrder,
		DefaultPlacement: kernel.Placement{
			Node:   a.topology.Scheduler.DefaultNode,
			Device: a.topology.Scheduler.DefaultDevice,
		},
	}
	var closers []func()
	for _, node := range a.topology.Nodes {
		if node.Addr == "" {
			continue
		}
		remote, err := transport.Dial(ctx, node.Addr, node.Name)
		if err != nil {
			return opts, closers, fmt.Errorf("dial node %q: %w", node.Name, err)
		}
		if opts.Remotes == nil {
			opts.Remotes = make(map[string]sched.NodeChild)
		}
		opts.Remotes[node.Name] = remote
		closers = append(closers, func() { remote.Close() })
		a.logger.Info("Remote node attached.", "node", node.Name, "addr", node.Addr)
	}
	return opts, closers, nil
}

func (a *App) openStore() (store.Store, error) {
	switch a.topology.Store.Backend {
	case "badger":
		return badgerstore.Open(a.topology.Store.Path)
	default:
		return memstore.New(), nil
	}
}

// restoreState resumes from persisted state when the store holds a snapshot
// of a structurally identical circuit. An empty store is a fresh start; a
// mismatching manifest is an error, never silently ignored.
func (a *App) restoreState(ctx context.Context, st store.Store, res *codegen.Result, top *sched.TopGraph) error {
	err := store.RestoreCircuit(ctx, st, res.Circuit, top)
	switch {
	case err == nil:
		a.logger.Info("Circuit state restored.")
		return nil
	case errors.Is(err, store.ErrNotFound):
		a.logger.Debug("No persisted state, starting fresh.")
		return nil
	default:
		return fmt.Errorf("restore state: %w", err)
	}
}

func (a *App) step(ctx context.Context, top *sched.TopGraph) error {
	if a.cfg.Steps > 0 {
		if err := top.StepN(ctx, a.cfg.Steps); err != nil {
			return err
		}
		a.logger.Info("Run finished.", "steps", top.Steps())
		return nil
	}
	done, err := top.Run(ctx)
	if errors.Is(err, context.Canceled) {
		a.logger.Info("Run interrupted.", "steps", done)
		return nil
	}
	return err
}

func (a *App) printProbes(ctx context.Context, top *sched.TopGraph) error {
	for _, name := range a.cfg.Probes {
		buf, err := top.ProbeName(ctx, name)
		if err != nil {
			return fmt.Errorf("probe %q: %w", name, err)
		}
		fmt.Fprintf(a.outW, "%s %s = %v\n", name, buf.Type, buf.Data)
	}
	return nil
}

// runWorker compiles the same program and hosts this node's partitions
// behind a transport server. The worker applies the same optimization flag
// as the top graph, so both sides agree on the fused circuit.
func (a *App) runWorker(ctx context.Context) error {
	res, err := a.compile(ctx)
	if err != nil {
		return err
	}
	defer res.Circuit.Release()

	// Workers never dial anyone; they only serve their own partitions.
	opts := sched.Options{
		OutOfOrder: a.topology.Scheduler.OutOfOrder,
		DefaultPlacement: kernel.Placement{
			Node:   a.topology.Scheduler.DefaultNode,
			Device: a.topology.Scheduler.DefaultDevice,
		},
	}
	node, err := sched.NewNodeSupervisor(ctx, res, opts, a.cfg.WorkerNode)
	if err != nil {
		return fmt.Errorf("build node supervisor: %w", err)
	}
	defer node.Close()

	return transport.NewServer(node).ListenAndServe(ctx, a.cfg.ListenAddr)
}
