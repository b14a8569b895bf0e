package circuit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildDiamond wires a <- (b, c) <- d, returning the four nodes.
func buildDiamond(t *testing.T) (*Builder, *Node, *Node, *Node, *Node) {
	t.Helper()
	b := NewBuilder()
	src := b.AddPrimaryInput("src")
	left, err := b.NewNode("left", src)
	require.NoError(t, err)
	right, err := b.NewNode("right", src)
	require.NoError(t, err)
	top, err := b.NewNode("top", left, right)
	require.NoError(t, err)
	return b, src, left, right, top
}

func TestNewNodeWiring(t *testing.T) {
	_, src, left, right, top := buildDiamond(t)

	assert.True(t, src.IsPrimaryInput())
	assert.False(t, left.IsPrimaryInput())
	assert.Equal(t, []*Node{src}, left.Inputs())
	assert.Equal(t, []*Node{left, right}, top.Inputs())
	assert.Equal(t, []*Node{left, right}, src.Sinks())
	assert.Equal(t, []*Node{top}, left.Sinks())
	assert.Zero(t, top.SinkCount())
}

func TestCrossCircuitInputRejected(t *testing.T) {
	b1 := NewBuilder()
	b2 := NewBuilder()
	foreign := b1.AddPrimaryInput("foreign")

	_, err := b2.NewNode("mixed", foreign)
	require.ErrorIs(t, err, ErrCrossCircuit)
}

func TestRoots(t *testing.T) {
	b, _, left, _, top := buildDiamond(t)

	assert.Equal(t, []*Node{top}, b.Circuit().Roots())

	// A second consumer of left becomes a second root.
	extra, err := b.NewNode("extra", left)
	require.NoError(t, err)
	assert.ElementsMatch(t, []*Node{top, extra}, b.Circuit().Roots())
}

func TestTraversePostorderVisitsInputsFirst(t *testing.T) {
	b, _, _, _, _ := buildDiamond(t)
	c := b.Circuit()

	pos := map[*Node]int{}
	var order []*Node
	c.TraversePostorder(func(n *Node) {
		_, seen := pos[n]
		require.False(t, seen, "node %s visited twice", n)
		pos[n] = len(order)
		order = append(order, n)
	})

	assert.Len(t, order, 4)
	for _, n := range order {
		for _, in := range n.Inputs() {
			assert.Less(t, pos[in], pos[n], "%s must be visited before %s", in, n)
		}
	}
}

func TestTraversePreorderVisitsOnce(t *testing.T) {
	b, _, _, _, _ := buildDiamond(t)
	c := b.Circuit()

	pos := map[*Node]int{}
	var order []*Node
	c.TraversePreorder(func(n *Node) {
		_, seen := pos[n]
		require.False(t, seen, "node %s visited twice", n)
		pos[n] = len(order)
		order = append(order, n)
	})

	assert.Len(t, order, 4)
	assert.Equal(t, "top", order[0].Label(), "walk starts at the root, before its inputs")
	assert.Less(t, pos[order[0]], pos[order[0].Inputs()[0]])
}

func TestStealOutputs(t *testing.T) {
	b := NewBuilder()
	src := b.AddPrimaryInput("src")
	a, err := b.NewNode("a", src)
	require.NoError(t, err)
	bNode, err := b.NewNode("b", src)
	require.NoError(t, err)
	consumer, err := b.NewNode("consumer", a)
	require.NoError(t, err)

	require.NoError(t, bNode.StealOutputsFrom(a))

	assert.Zero(t, a.SinkCount())
	assert.True(t, a.Removed())
	assert.Equal(t, []*Node{bNode}, consumer.Inputs())
	assert.Equal(t, []*Node{consumer}, bNode.Sinks())

	t.Run("donor unreachable from roots", func(t *testing.T) {
		for _, r := range b.Circuit().Roots() {
			assert.NotEqual(t, a, r)
		}
		var reached bool
		b.Circuit().TraversePostorder(func(n *Node) {
			if n == a {
				reached = true
			}
		})
		assert.False(t, reached)
	})

	t.Run("chain resolution", func(t *testing.T) {
		c, err := b.NewNode("c", src)
		require.NoError(t, err)
		require.NoError(t, c.StealOutputsFrom(bNode))
		assert.Equal(t, c, b.Circuit().FindStolenOutput(a))
		assert.Equal(t, c, b.Circuit().FindStolenOutput(bNode))
		assert.Equal(t, c, b.Circuit().FindStolenOutput(c))
	})
}

func TestStealRewritesMultiSlotSink(t *testing.T) {
	b := NewBuilder()
	src := b.AddPrimaryInput("src")
	a, err := b.NewNode("a", src)
	require.NoError(t, err)
	repl, err := b.NewNode("repl", src)
	require.NoError(t, err)
	// twice consumes a on two distinct input slots.
	twice, err := b.NewNode("twice", a, a)
	require.NoError(t, err)

	require.NoError(t, repl.StealOutputsFrom(a))

	assert.Equal(t, []*Node{repl, repl}, twice.Inputs(), "both slots must be rewritten")
	assert.Zero(t, a.SinkCount())
}

func TestStealPrunesUnreferencedAncestors(t *testing.T) {
	b := NewBuilder()
	src := b.AddPrimaryInput("src")
	mid, err := b.NewNode("mid", src)
	require.NoError(t, err)
	a, err := b.NewNode("a", mid)
	require.NoError(t, err)
	repl, err := b.NewNode("repl", src)
	require.NoError(t, err)
	_, err = b.NewNode("consumer", a)
	require.NoError(t, err)

	require.NoError(t, repl.StealOutputsFrom(a))

	assert.True(t, a.Removed())
	assert.True(t, mid.Removed(), "mid lost its only consumer and must be pruned")
	assert.False(t, src.Removed(), "primary inputs are never pruned")
}

func TestStealByDirectConsumerDropsEdge(t *testing.T) {
	b := NewBuilder()
	src := b.AddPrimaryInput("src")
	producer, err := b.NewNode("producer", src)
	require.NoError(t, err)
	fused, err := b.NewNode("fused", producer, src)
	require.NoError(t, err)

	require.NoError(t, fused.StealOutputsFrom(producer))

	assert.Equal(t, []*Node{src}, fused.Inputs(), "edge to absorbed producer is dropped, no self-loop")
	assert.True(t, producer.Removed())
}

func TestStealErrors(t *testing.T) {
	b := NewBuilder()
	n, err := b.NewNode("n")
	require.NoError(t, err)
	assert.ErrorIs(t, n.StealOutputsFrom(n), ErrStealSelf)

	other := NewBuilder()
	m, err := other.NewNode("m")
	require.NoError(t, err)
	assert.ErrorIs(t, n.StealOutputsFrom(m), ErrCrossCircuit)
}

func TestStringListsNodes(t *testing.T) {
	b, _, _, _, _ := buildDiamond(t)
	out := b.Circuit().String()
	assert.Contains(t, out, "top <- left right")
	assert.Contains(t, out, "left <- src")
}
