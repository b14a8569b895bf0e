// Package app wires the compiler pipeline into a runnable application: load
// the topology, compile and optimize the program, build the scheduler tree,
// restore persisted state, step, persist, probe.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/vk/fieldgrid/internal/codegen"
	"github.com/vk/fieldgrid/internal/config"
	"github.com/vk/fieldgrid/internal/ctxlog"
)

// App encapsulates the application's dependencies, configuration and
// lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	cfg      *Config
	topology *config.Config
	program  *codegen.Program
}

// New constructs the application: logger first, then the topology. The
// program is the dataflow to compile and run; front-ends construct it through
// the codegen API.
func New(outW io.Writer, cfg *Config, prog *codegen.Program) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	var paths []string
	if cfg.TopologyPath != "" {
		paths = append(paths, cfg.TopologyPath)
	}
	topo, err := config.Load(ctx, paths...)
	if err != nil {
		return nil, fmt.Errorf("load topology: %w", err)
	}

	return &App{
		outW:     outW,
		logger:   logger,
		cfg:      cfg,
		topology: topo,
		program:  prog,
	}, nil
}

// Topology returns the loaded cluster topology. Primarily for testing.
func (a *App) Topology() *config.Config { return a.topology }

func (a *App) context(parent context.Context) context.Context {
	return ctxlog.WithLogger(parent, a.logger)
}
