package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type thing struct{ label string }

func TestSetIdentityNotValue(t *testing.T) {
	a := &thing{label: "same"}
	b := &thing{label: "same"}

	s := NewSet[*thing]()
	require.True(t, s.Add(a))
	require.True(t, s.Add(b), "structurally identical values must stay distinct")
	assert.Equal(t, 2, s.Len())

	assert.False(t, s.Add(a), "re-adding the same pointer is a no-op")
	assert.True(t, s.Contains(a))
	assert.True(t, s.Remove(a))
	assert.False(t, s.Contains(a))
	assert.False(t, s.Remove(a))
	assert.Equal(t, 1, s.Len())
}

func TestMapBasics(t *testing.T) {
	a := &thing{label: "a"}
	b := &thing{label: "a"}

	m := NewMap[*thing, int]()
	m.Put(a, 1)
	m.Put(b, 2)
	assert.Equal(t, 2, m.Len())

	v, ok := m.Get(a)
	require.True(t, ok)
	assert.Equal(t, 1, v)

	m.Put(a, 3)
	v, _ = m.Get(a)
	assert.Equal(t, 3, v)

	assert.True(t, m.Delete(a))
	_, ok = m.Get(a)
	assert.False(t, ok)
	assert.False(t, m.Delete(a))
}

func TestOrderedSetPreservesInsertionOrder(t *testing.T) {
	things := make([]*thing, 10)
	s := NewOrderedSet[*thing]()
	for i := range things {
		things[i] = &thing{}
		s.Add(things[i])
	}

	assert.Equal(t, things, s.Values())

	t.Run("removal keeps relative order", func(t *testing.T) {
		s.Remove(things[3])
		s.Remove(things[7])
		want := []*thing{
			things[0], things[1], things[2], things[4],
			things[5], things[6], things[8], things[9],
		}
		assert.Equal(t, want, s.Values())
		assert.Equal(t, 8, s.Len())
	})

	t.Run("re-add goes to the end", func(t *testing.T) {
		s.Add(things[3])
		vals := s.Values()
		assert.Equal(t, things[3], vals[len(vals)-1])
	})

	t.Run("compaction retains order", func(t *testing.T) {
		// Force compaction by removing more than half the members.
		for _, v := range []*thing{things[0], things[1], things[2], things[4], things[5]} {
			s.Remove(v)
		}
		want := []*thing{things[6], things[8], things[9], things[3]}
		assert.Equal(t, want, s.Values())
	})
}

func TestOrderedSetReAddSurvivesCompaction(t *testing.T) {
	things := make([]*thing, 6)
	s := NewOrderedSet[*thing]()
	for i := range things {
		things[i] = &thing{}
		s.Add(things[i])
	}

	s.Remove(things[2])
	require.True(t, s.Add(things[2]), "a removed member is addable again")
	assert.Equal(t, 6, s.Len())
	assert.True(t, s.Contains(things[2]))

	// Force a compaction after the re-add; the member must not be dropped
	// by a stale tombstone.
	for _, v := range []*thing{things[0], things[1], things[3], things[4]} {
		s.Remove(v)
	}
	assert.Equal(t, []*thing{things[5], things[2]}, s.Values())
	assert.Equal(t, 2, s.Len())

	var seen int
	s.Each(func(*thing) { seen++ })
	assert.Equal(t, 2, seen, "iteration and Len agree after re-add plus compaction")
}

func TestOrderedSetEach(t *testing.T) {
	s := NewOrderedSet[*thing]()
	a, b := &thing{}, &thing{}
	s.Add(a)
	s.Add(b)

	var seen []*thing
	s.Each(func(v *thing) { seen = append(seen, v) })
	assert.Equal(t, []*thing{a, b}, seen)
}
