package codegen

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/fieldgrid/internal/field"
	"github.com/vk/fieldgrid/internal/kernel"
)

var grid8 = field.Type{Elem: field.Float32, Grid: field.Shape{8}}

func sumHost(ctx context.Context, in []*kernel.Buffer, out []*kernel.Buffer) error {
	var s float64
	for _, v := range in[0].Data {
		s += v
	}
	out[0].Data[0] = s
	return nil
}

func testProgram() *Program {
	return &Program{
		Sources: []SourceDecl{
			{Name: "a", Type: grid8, Init: []float64{1, 2, 3, 4, 5, 6, 7, 8}},
			{Name: "b", Type: grid8},
		},
		Ops: []OpDecl{
			{Result: "doubled", Kind: OpMap, Args: []string{"a"}, Type: grid8},
			{Result: "summed", Kind: OpZip, Args: []string{"doubled", "b"}, Type: grid8},
			{Result: "total", Kind: OpReduce, Args: []string{"summed"},
				Type: field.Type{Elem: field.Float32, Grid: field.Shape{1}}, Fn: sumHost},
		},
	}
}

func TestCompileBuildsCircuit(t *testing.T) {
	gen := NewGenerator(field.AddressingPolicy{}, kernel.DefaultLimits)
	res, err := gen.Compile(context.Background(), testProgram())
	require.NoError(t, err)
	defer gen.Release(res)

	assert.Equal(t, 5, res.Circuit.KernelCount(), "2 sources + 3 ops")
	assert.Empty(t, res.Clusters)

	doubled, ok := res.Register("doubled")
	require.True(t, ok)
	assert.Equal(t, kernel.Device, doubled.Kernel().Class())
	assert.Contains(t, doubled.Kernel().Source(), "__kernel void doubled")

	total, ok := res.Register("total")
	require.True(t, ok)
	assert.Equal(t, kernel.Host, total.Kernel().Class())
	assert.Equal(t, 1, total.Type().Points())
}

func TestCompileOrdersOpsByDependency(t *testing.T) {
	// Ops declared in reverse dependency order still compile.
	prog := &Program{
		Sources: []SourceDecl{{Name: "a", Type: grid8}},
		Ops: []OpDecl{
			{Result: "second", Kind: OpMap, Args: []string{"first"}, Type: grid8},
			{Result: "first", Kind: OpMap, Args: []string{"a"}, Type: grid8},
		},
	}
	gen := NewGenerator(field.AddressingPolicy{}, kernel.DefaultLimits)
	res, err := gen.Compile(context.Background(), prog)
	require.NoError(t, err)

	second, ok := res.Register("second")
	require.True(t, ok)
	first, ok := res.Register("first")
	require.True(t, ok)
	assert.Equal(t, first, second.Kernel().Inputs()[0])
}

func TestCompileRecurrence(t *testing.T) {
	// state feeds next through a prev op; next feeds back into state.
	prog := &Program{
		Sources: []SourceDecl{{Name: "drive", Type: grid8}},
		Ops: []OpDecl{
			{Result: "state", Kind: OpPrev, Args: []string{"next"}, Type: grid8, Init: []float64{1}},
			{Result: "next", Kind: OpZip, Args: []string{"state", "drive"}, Type: grid8},
		},
	}
	gen := NewGenerator(field.AddressingPolicy{}, kernel.DefaultLimits)
	res, err := gen.Compile(context.Background(), prog)
	require.NoError(t, err)

	require.Len(t, res.Recurrences, 1)
	rec := res.Recurrences[0]
	assert.Equal(t, "state", rec.State.Label())
	assert.Equal(t, "next", rec.Source.Kernel().Label())
	assert.Equal(t, []float64{1}, rec.Init)

	require.Len(t, res.Clusters, 1)
	assert.ElementsMatch(t, []string{"state", "next"}, res.Clusters[0])
}

func TestCompileRejectsIllegalCycle(t *testing.T) {
	prog := &Program{
		Sources: []SourceDecl{{Name: "a", Type: grid8}},
		Ops: []OpDecl{
			{Result: "x", Kind: OpZip, Args: []string{"y", "a"}, Type: grid8},
			{Result: "y", Kind: OpMap, Args: []string{"x"}, Type: grid8},
		},
	}
	gen := NewGenerator(field.AddressingPolicy{}, kernel.DefaultLimits)
	_, err := gen.Compile(context.Background(), prog)
	require.ErrorIs(t, err, ErrIntraStepCycle)
}

func TestCompileNameErrors(t *testing.T) {
	gen := NewGenerator(field.AddressingPolicy{}, kernel.DefaultLimits)

	t.Run("unknown argument", func(t *testing.T) {
		_, err := gen.Compile(context.Background(), &Program{
			Ops: []OpDecl{{Result: "x", Kind: OpMap, Args: []string{"ghost"}, Type: grid8}},
		})
		assert.ErrorIs(t, err, ErrUnknownField)
	})

	t.Run("duplicate result", func(t *testing.T) {
		_, err := gen.Compile(context.Background(), &Program{
			Sources: []SourceDecl{{Name: "a", Type: grid8}},
			Ops: []OpDecl{
				{Result: "x", Kind: OpMap, Args: []string{"a"}, Type: grid8},
				{Result: "x", Kind: OpMap, Args: []string{"a"}, Type: grid8},
			},
		})
		assert.ErrorIs(t, err, ErrDuplicateName)
	})

	t.Run("op shadowing a source", func(t *testing.T) {
		_, err := gen.Compile(context.Background(), &Program{
			Sources: []SourceDecl{{Name: "a", Type: grid8}},
			Ops:     []OpDecl{{Result: "a", Kind: OpMap, Args: []string{"a"}, Type: grid8}},
		})
		assert.ErrorIs(t, err, ErrDuplicateName)
	})
}

func TestAddressingModeSelectsEmission(t *testing.T) {
	wide := field.Type{Elem: field.Float32, Grid: field.Shape{8}, Tensor: field.Shape{3, 3}}
	prog := &Program{
		Sources: []SourceDecl{{Name: "a", Type: wide}},
		Ops:     []OpDecl{{Result: "m", Kind: OpMap, Args: []string{"a"}, Type: wide}},
	}

	t.Run("default policy loops large tensors", func(t *testing.T) {
		gen := NewGenerator(field.AddressingPolicy{}, kernel.DefaultLimits)
		res, err := gen.Compile(context.Background(), prog)
		require.NoError(t, err)
		m, _ := res.Register("m")
		assert.Contains(t, m.Kernel().Source(), "addressing=loop")
	})

	t.Run("widened policy keeps registers", func(t *testing.T) {
		policy, err := field.NewAddressingPolicy(16)
		require.NoError(t, err)
		gen := NewGenerator(policy, kernel.DefaultLimits)
		res, err := gen.Compile(context.Background(), prog)
		require.NoError(t, err)
		m, _ := res.Register("m")
		assert.Contains(t, m.Kernel().Source(), "addressing=register")
	})
}

func TestReleaseMarksCircuit(t *testing.T) {
	gen := NewGenerator(field.AddressingPolicy{}, kernel.DefaultLimits)
	res, err := gen.Compile(context.Background(), testProgram())
	require.NoError(t, err)
	gen.Release(res)
	assert.True(t, res.Circuit.Released())
}
