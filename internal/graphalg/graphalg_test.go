package graphalg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// adjacency is a tiny string-keyed fixture graph.
type adjacency map[string][]string

func (a adjacency) succ(n string) []string { return a[n] }

func TestLevelizeDiamond(t *testing.T) {
	g := adjacency{
		"0": {"1", "3"},
		"1": {"2"},
		"3": {"2"},
	}
	levels := Levelize([]string{"0", "1", "2", "3"}, g.succ)

	assert.Equal(t, 0, levels["0"])
	assert.Equal(t, 1, levels["1"])
	assert.Equal(t, 1, levels["3"])
	assert.Equal(t, 2, levels["2"])
}

func TestLevelizeIsMinimalAndMonotone(t *testing.T) {
	// Long chain joining a short edge into the same sink.
	g := adjacency{
		"a": {"b", "e"},
		"b": {"c"},
		"c": {"d"},
		"e": {"d"},
	}
	nodes := []string{"a", "b", "c", "d", "e"}
	levels := Levelize(nodes, g.succ)

	for _, u := range nodes {
		for _, v := range g[u] {
			assert.Greater(t, levels[v], levels[u], "edge %s->%s", u, v)
		}
	}
	// d is forced to 3 by the long branch; e stays minimal at 1.
	assert.Equal(t, 3, levels["d"])
	assert.Equal(t, 1, levels["e"])
}

func TestTopoSortLinearExtension(t *testing.T) {
	t.Run("shared substructure and disconnected components", func(t *testing.T) {
		g := adjacency{
			"a": {"b", "c"},
			"b": {"d"},
			"c": {"d"},
			"x": {"y"},
		}
		nodes := []string{"a", "b", "c", "d", "x", "y"}
		order, err := TopoSort(nodes, g.succ)
		require.NoError(t, err)
		require.Len(t, order, 6)

		pos := map[string]int{}
		for i, n := range order {
			pos[n] = i
		}
		for _, u := range nodes {
			for _, v := range g[u] {
				assert.Less(t, pos[u], pos[v], "edge %s->%s", u, v)
			}
		}
	})

	t.Run("cycle is rejected", func(t *testing.T) {
		g := adjacency{"a": {"b"}, "b": {"a"}}
		_, err := TopoSort([]string{"a", "b"}, g.succ)
		require.ErrorIs(t, err, ErrCycle)
	})

	t.Run("empty graph", func(t *testing.T) {
		order, err := TopoSort(nil, adjacency{}.succ)
		require.NoError(t, err)
		assert.Empty(t, order)
	})
}

func TestStronglyConnectedClusters(t *testing.T) {
	// One 3-cycle, two independent 2-cycles, one isolated node.
	g := adjacency{
		"a": {"b"},
		"b": {"c"},
		"c": {"a"},
		"d": {"e"},
		"e": {"d"},
		"f": {"g"},
		"g": {"f"},
	}
	nodes := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	comps := StronglyConnected(nodes, g.succ)

	require.Len(t, comps, 4)

	bySize := map[int][][]string{}
	for _, c := range comps {
		bySize[len(c)] = append(bySize[len(c)], c)
	}
	require.Len(t, bySize[3], 1)
	require.Len(t, bySize[2], 2)
	require.Len(t, bySize[1], 1)

	assert.ElementsMatch(t, []string{"a", "b", "c"}, bySize[3][0])
	assert.Equal(t, []string{"h"}, bySize[1][0])

	var twos []string
	for _, c := range bySize[2] {
		twos = append(twos, c...)
	}
	assert.ElementsMatch(t, []string{"d", "e", "f", "g"}, twos)
}

func TestStronglyConnectedOnDAGIsAllSingletons(t *testing.T) {
	g := adjacency{"a": {"b"}, "b": {"c"}}
	comps := StronglyConnected([]string{"a", "b", "c"}, g.succ)
	assert.Len(t, comps, 3)
	for _, c := range comps {
		assert.Len(t, c, 1)
	}
}

func TestBackEdges(t *testing.T) {
	t.Run("acyclic graph has none", func(t *testing.T) {
		g := adjacency{"a": {"b", "c"}, "b": {"c"}}
		assert.Empty(t, BackEdges([]string{"a", "b", "c"}, g.succ))
	})

	t.Run("recurrence edge is flagged", func(t *testing.T) {
		// c feeds back into a: legal recurrence at the dependency level,
		// illegal as an intra-step dependency.
		g := adjacency{
			"a": {"b"},
			"b": {"c"},
			"c": {"a", "d"},
		}
		back := BackEdges([]string{"a", "b", "c", "d"}, g.succ)
		require.Len(t, back, 1)
		assert.Equal(t, Edge[string]{From: "c", To: "a"}, back[0])
	})

	t.Run("self loop", func(t *testing.T) {
		g := adjacency{"a": {"a"}}
		back := BackEdges([]string{"a"}, g.succ)
		require.Len(t, back, 1)
		assert.Equal(t, Edge[string]{From: "a", To: "a"}, back[0])
	})
}
