package kernel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/fieldgrid/internal/field"
	"github.com/vk/fieldgrid/internal/hyper"
)

var scalarField = field.Type{Elem: field.Float32, Grid: field.Shape{16, 16}}

func noopHost(ctx context.Context, in []*Buffer, out []*Buffer) error { return nil }

// sourceKernel adds a restorable host source to the circuit.
func sourceKernel(t *testing.T, c *Circuit, label string) *Kernel {
	t.Helper()
	k, err := c.NewKernel(Spec{
		Label:      label,
		Opcode:     "source",
		Class:      Host,
		Restorable: true,
		Outputs:    []OutputSpec{{Name: "out", Type: scalarField}},
		Fn:         noopHost,
	})
	require.NoError(t, err)
	return k
}

// deviceKernel adds a unary device kernel consuming in.
func deviceKernel(t *testing.T, c *Circuit, label string, in ...*Register) *Kernel {
	t.Helper()
	k, err := c.NewKernel(Spec{
		Label:     label,
		Opcode:    "map",
		Class:     Device,
		Inputs:    in,
		Outputs:   []OutputSpec{{Name: "out", Type: scalarField}},
		Source:    "__kernel void " + label + "() {}",
		WorkGroup: WorkGroup{X: 64},
	})
	require.NoError(t, err)
	return k
}

func TestNewKernelValidation(t *testing.T) {
	c := NewCircuit(field.AddressingPolicy{}, DefaultLimits)
	src := sourceKernel(t, c, "src")

	t.Run("no outputs", func(t *testing.T) {
		_, err := c.NewKernel(Spec{Label: "bad", Class: Host, Fn: noopHost})
		assert.ErrorIs(t, err, ErrNoOutputs)
	})

	t.Run("device kernel without source", func(t *testing.T) {
		_, err := c.NewKernel(Spec{
			Label:   "bad",
			Class:   Device,
			Outputs: []OutputSpec{{Name: "out", Type: scalarField}},
		})
		assert.ErrorIs(t, err, ErrMissingBody)
	})

	t.Run("host kernel without callable", func(t *testing.T) {
		_, err := c.NewKernel(Spec{
			Label:   "bad",
			Class:   Host,
			Outputs: []OutputSpec{{Name: "out", Type: scalarField}},
		})
		assert.ErrorIs(t, err, ErrMissingBody)
	})

	t.Run("oversized work-group is a compile error", func(t *testing.T) {
		_, err := c.NewKernel(Spec{
			Label:     "bad",
			Class:     Device,
			Outputs:   []OutputSpec{{Name: "out", Type: scalarField}},
			Source:    "__kernel void bad() {}",
			WorkGroup: WorkGroup{X: 32, Y: 32}, // 1024 > 256
		})
		assert.ErrorIs(t, err, ErrWorkGroup)
	})

	t.Run("grid shape mismatch blocks construction", func(t *testing.T) {
		_, err := c.NewKernel(Spec{
			Label:   "bad",
			Class:   Host,
			Fn:      noopHost,
			Inputs:  []*Register{src.Output(0)},
			Outputs: []OutputSpec{{Name: "out", Type: field.Type{Elem: field.Float32, Grid: field.Shape{8}}}},
		})
		assert.ErrorIs(t, err, ErrShapeMismatch)
	})

	t.Run("grid change allowed when declared", func(t *testing.T) {
		_, err := c.NewKernel(Spec{
			Label:           "reduce",
			Opcode:          "reduce",
			Class:           Host,
			Fn:              noopHost,
			Inputs:          []*Register{src.Output(0)},
			Outputs:         []OutputSpec{{Name: "sum", Type: field.Type{Elem: field.Float32, Grid: field.Shape{1}}}},
			AllowGridChange: true,
		})
		assert.NoError(t, err)
	})

	t.Run("cross-circuit input reported", func(t *testing.T) {
		other := NewCircuit(field.AddressingPolicy{}, DefaultLimits)
		foreign := sourceKernel(t, other, "foreign")
		_, err := c.NewKernel(Spec{
			Label:   "mixed",
			Class:   Host,
			Fn:      noopHost,
			Inputs:  []*Register{foreign.Output(0)},
			Outputs: []OutputSpec{{Name: "out", Type: scalarField}},
		})
		assert.ErrorIs(t, err, hyper.ErrCrossGraph)
	})
}

func TestFusionStealPreservesTypesAndCount(t *testing.T) {
	c := NewCircuit(field.AddressingPolicy{}, DefaultLimits)
	src := sourceKernel(t, c, "src")
	k1 := deviceKernel(t, c, "k1", src.Output(0))
	k2 := deviceKernel(t, c, "k2", k1.Output(0))
	consumer := deviceKernel(t, c, "use", k2.Output(0))

	before := c.KernelCount()
	require.NoError(t, c.StealOutputs(k1, k2))

	assert.Equal(t, before-1, c.KernelCount(), "fusion removes exactly one kernel")
	assert.True(t, k2.Removed())
	assert.Equal(t, k1.Output(0), consumer.Inputs()[0], "former consumer of k2 now references k1")
	assert.True(t, consumer.Inputs()[0].Type().Equal(k2.Output(0).Type()),
		"surviving output keeps the eliminated kernel's field type")
	assert.Equal(t, k1, c.FindStolenOutput(k2))
}

func TestFusionTypeMismatchRejected(t *testing.T) {
	c := NewCircuit(field.AddressingPolicy{}, DefaultLimits)
	src := sourceKernel(t, c, "src")
	k1 := deviceKernel(t, c, "k1", src.Output(0))

	vec := field.Type{Elem: field.Float32, Grid: field.Shape{16, 16}, Tensor: field.Shape{3}}
	k2, err := c.NewKernel(Spec{
		Label:     "k2",
		Class:     Device,
		Inputs:    []*Register{k1.Output(0)},
		Outputs:   []OutputSpec{{Name: "out", Type: vec}},
		Source:    "__kernel void k2() {}",
		WorkGroup: WorkGroup{X: 64},
	})
	require.NoError(t, err)

	err = c.StealOutputs(k1, k2)
	assert.ErrorIs(t, err, ErrTypeMismatch)
	assert.False(t, k2.Removed(), "rejected fusion must not mutate the circuit")
}

func TestNameBindingFollowsFusion(t *testing.T) {
	c := NewCircuit(field.AddressingPolicy{}, DefaultLimits)
	src := sourceKernel(t, c, "src")
	k1 := deviceKernel(t, c, "k1", src.Output(0))
	k2 := deviceKernel(t, c, "k2", k1.Output(0))
	deviceKernel(t, c, "use", k2.Output(0))

	require.NoError(t, c.BindName("pressure", k2.Output(0)))
	assert.ErrorIs(t, c.BindName("pressure", k1.Output(0)), ErrNameTaken)

	require.NoError(t, c.StealOutputs(k1, k2))

	r, ok := c.LookupName("pressure")
	require.True(t, ok)
	assert.Equal(t, k1.Output(0), r, "bound name resolves through the steal chain")
}

func TestBufferOps(t *testing.T) {
	b := NewBuffer(scalarField)
	assert.Len(t, b.Data, 256)

	b.Data[0] = 3.5
	cl := b.Clone()
	cl.Data[0] = 1.0
	assert.Equal(t, 3.5, b.Data[0], "clone is independent")

	other := NewBuffer(scalarField)
	require.NoError(t, other.CopyFrom(b))
	assert.Equal(t, 3.5, other.Data[0])

	wrong := NewBuffer(field.Type{Elem: field.Float32, Grid: field.Shape{4}})
	assert.Error(t, wrong.CopyFrom(b))

	b.Zero()
	assert.Zero(t, b.Data[0])
}
