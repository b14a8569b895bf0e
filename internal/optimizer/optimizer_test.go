package optimizer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/fieldgrid/internal/field"
	"github.com/vk/fieldgrid/internal/kernel"
)

var grid = field.Type{Elem: field.Float32, Grid: field.Shape{32}}

func noop(ctx context.Context, in []*kernel.Buffer, out []*kernel.Buffer) error { return nil }

func source(t *testing.T, c *kernel.Circuit, label string) *kernel.Kernel {
	t.Helper()
	k, err := c.NewKernel(kernel.Spec{
		Label:   label,
		Opcode:  "source",
		Class:   kernel.Host,
		Outputs: []kernel.OutputSpec{{Name: "out", Type: grid}},
		Fn:      noop,
	})
	require.NoError(t, err)
	return k
}

func device(t *testing.T, c *kernel.Circuit, label string, place kernel.Placement, in ...*kernel.Register) *kernel.Kernel {
	t.Helper()
	k, err := c.NewKernel(kernel.Spec{
		Label:     label,
		Opcode:    "map",
		Class:     kernel.Device,
		Placement: place,
		Inputs:    in,
		Outputs:   []kernel.OutputSpec{{Name: "out", Type: grid}},
		Source:    "__kernel void " + label + "() {}",
		WorkGroup: kernel.WorkGroup{X: 32},
	})
	require.NoError(t, err)
	return k
}

func TestMergeCollapsesLinearChain(t *testing.T) {
	c := kernel.NewCircuit(field.AddressingPolicy{}, kernel.DefaultLimits)
	place := kernel.Placement{Node: "local", Device: "gpu0"}
	src := source(t, c, "src")
	k1 := device(t, c, "k1", place, src.Output(0))
	k2 := device(t, c, "k2", place, k1.Output(0))
	k3 := device(t, c, "k3", place, k2.Output(0))
	sink, err := c.NewKernel(kernel.Spec{
		Label:   "sink",
		Opcode:  "host",
		Class:   kernel.Host,
		Inputs:  []*kernel.Register{k3.Output(0)},
		Outputs: []kernel.OutputSpec{{Name: "out", Type: grid}},
		Fn:      noop,
	})
	require.NoError(t, err)

	fused, err := Merge(context.Background(), c)
	require.NoError(t, err)

	assert.Equal(t, 2, fused, "k2 and k3 fold into k1")
	assert.Equal(t, 3, c.KernelCount(), "src, fused kernel, sink")
	assert.False(t, k1.Removed())
	assert.True(t, k2.Removed())
	assert.True(t, k3.Removed())

	assert.Equal(t, k1.Output(0), sink.Inputs()[0], "sink now reads the survivor")
	assert.True(t, sink.Inputs()[0].Type().Equal(grid))
	assert.Contains(t, k1.Source(), "__kernel void k2")
	assert.Contains(t, k1.Source(), "__kernel void k3")
}

func TestMergeSkipsMultiConsumerProducer(t *testing.T) {
	c := kernel.NewCircuit(field.AddressingPolicy{}, kernel.DefaultLimits)
	place := kernel.Placement{Node: "local", Device: "gpu0"}
	src := source(t, c, "src")
	producer := device(t, c, "producer", place, src.Output(0))
	a := device(t, c, "a", place, producer.Output(0))
	b := device(t, c, "b", place, producer.Output(0))

	fused, err := Merge(context.Background(), c)
	require.NoError(t, err)

	// producer has two consumers, so fusing it would duplicate its work.
	// a and b each have no consumer at all, so nothing else fuses either.
	assert.Zero(t, fused)
	assert.False(t, producer.Removed())
	assert.False(t, a.Removed())
	assert.False(t, b.Removed())
}

func TestMergeNeverCrossesPartition(t *testing.T) {
	c := kernel.NewCircuit(field.AddressingPolicy{}, kernel.DefaultLimits)
	gpu0 := kernel.Placement{Node: "local", Device: "gpu0"}
	gpu1 := kernel.Placement{Node: "local", Device: "gpu1"}
	src := source(t, c, "src")
	k1 := device(t, c, "k1", gpu0, src.Output(0))
	k2 := device(t, c, "k2", gpu1, k1.Output(0))

	fused, err := Merge(context.Background(), c)
	require.NoError(t, err)
	assert.Zero(t, fused)
	assert.False(t, k2.Removed())
}

func TestMergeSkipsHostKernels(t *testing.T) {
	c := kernel.NewCircuit(field.AddressingPolicy{}, kernel.DefaultLimits)
	place := kernel.Placement{Node: "local", Device: "gpu0"}
	src := source(t, c, "src")
	k1 := device(t, c, "k1", place, src.Output(0))
	host, err := c.NewKernel(kernel.Spec{
		Label:   "host",
		Opcode:  "host",
		Class:   kernel.Host,
		Inputs:  []*kernel.Register{k1.Output(0)},
		Outputs: []kernel.OutputSpec{{Name: "out", Type: grid}},
		Fn:      noop,
	})
	require.NoError(t, err)

	fused, err := Merge(context.Background(), c)
	require.NoError(t, err)
	assert.Zero(t, fused)
	assert.False(t, host.Removed())
}

func TestMergeSkipsTypeChangingConsumer(t *testing.T) {
	c := kernel.NewCircuit(field.AddressingPolicy{}, kernel.DefaultLimits)
	place := kernel.Placement{Node: "local", Device: "gpu0"}
	src := source(t, c, "src")
	k1 := device(t, c, "k1", place, src.Output(0))

	vec := field.Type{Elem: field.Float32, Grid: field.Shape{32}, Tensor: field.Shape{3}}
	widen, err := c.NewKernel(kernel.Spec{
		Label:     "widen",
		Opcode:    "map",
		Class:     kernel.Device,
		Placement: place,
		Inputs:    []*kernel.Register{k1.Output(0)},
		Outputs:   []kernel.OutputSpec{{Name: "out", Type: vec}},
		Source:    "__kernel void widen() {}",
		WorkGroup: kernel.WorkGroup{X: 32},
	})
	require.NoError(t, err)

	fused, err := Merge(context.Background(), c)
	require.NoError(t, err)
	assert.Zero(t, fused, "fusion must preserve output field types exactly")
	assert.False(t, widen.Removed())
}
