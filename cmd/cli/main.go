package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vk/fieldgrid/internal/app"
	"github.com/vk/fieldgrid/internal/cli"
	"github.com/vk/fieldgrid/internal/codegen"
	"github.com/vk/fieldgrid/internal/field"
	"github.com/vk/fieldgrid/internal/kernel"
)

func main() {
	// Minimal logger until the app configures the real one.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := run(os.Stdout, os.Args[1:]); err != nil {
		if exitErr, ok := err.(*cli.ExitError); ok {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(outW io.Writer, args []string) error {
	cfg, shouldExit, err := cli.Parse(args, outW)
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}

	a, err := app.New(outW, cfg, demoProgram())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}

// demoProgram is the built-in smoke pipeline: a driven leaky accumulator
// whose energy field feeds back through a one-step recurrence. It exercises
// device kernels, a host reduction and the recurrence path, which makes it a
// useful end-to-end diagnostic for a freshly configured topology.
func demoProgram() *codegen.Program {
	grid := field.Type{Elem: field.Float32, Grid: field.Shape{16, 16}}
	total := field.Type{Elem: field.Float32, Grid: field.Shape{1}}

	drive := make([]float64, grid.Points())
	for i := range drive {
		drive[i] = float64(i%7) * 0.25
	}

	leak := func(ctx context.Context, in []*kernel.Buffer, out []*kernel.Buffer) error {
		for i := range out[0].Data {
			out[0].Data[i] = in[0].Data[i] + 0.9*in[1].Data[i]
		}
		return nil
	}
	sum := func(ctx context.Context, in []*kernel.Buffer, out []*kernel.Buffer) error {
		var acc float64
		for _, v := range in[0].Data {
			acc += v
		}
		out[0].Data[0] = acc
		return nil
	}

	return &codegen.Program{
		Sources: []codegen.SourceDecl{
			{Name: "drive", Type: grid, Init: drive},
		},
		Ops: []codegen.OpDecl{
			{Result: "shaped", Kind: codegen.OpMap, Args: []string{"drive"}, Type: grid},
			{Result: "memory", Kind: codegen.OpPrev, Args: []string{"energy"}, Type: grid},
			{Result: "energy", Kind: codegen.OpHost, Args: []string{"shaped", "memory"}, Type: grid, Fn: leak},
			{Result: "total", Kind: codegen.OpReduce, Args: []string{"energy"}, Type: total, Fn: sum},
		},
	}
}
