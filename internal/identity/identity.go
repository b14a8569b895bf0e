// Package identity provides set and map containers keyed by reference
// identity. Circuit nodes are never compared by value: two structurally
// identical nodes must remain distinct so that intended sharing and fan-out
// are preserved. All containers therefore key on the pointer itself.
//
// OrderedSet additionally preserves insertion order. It must be used wherever
// iteration order affects the reproducibility of optimization decisions or of
// printed output; the plain Set iterates in Go map order and is only suitable
// for membership queries and unordered bookkeeping.
package identity

// Set is an identity-keyed set with O(1) amortized insert, remove and lookup.
type Set[T comparable] struct {
	members map[T]struct{}
}

// NewSet creates an empty identity set.
func NewSet[T comparable]() *Set[T] {
	return &Set[T]{members: make(map[T]struct{})}
}

// Add inserts v. Returns true if v was not already present.
func (s *Set[T]) Add(v T) bool {
	if _, ok := s.members[v]; ok {
		return false
	}
	s.members[v] = struct{}{}
	return true
}

// Remove deletes v. Returns true if v was present.
func (s *Set[T]) Remove(v T) bool {
	if _, ok := s.members[v]; !ok {
		return false
	}
	delete(s.members, v)
	return true
}

// Contains reports whether v is a member.
func (s *Set[T]) Contains(v T) bool {
	_, ok := s.members[v]
	return ok
}

// Len returns the number of members.
func (s *Set[T]) Len() int { return len(s.members) }

// Each calls fn for every member in unspecified order.
func (s *Set[T]) Each(fn func(T)) {
	for v := range s.members {
		fn(v)
	}
}

// Map is an identity-keyed map.
type Map[K comparable, V any] struct {
	entries map[K]V
}

// NewMap creates an empty identity map.
func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{entries: make(map[K]V)}
}

// Put stores v under k, replacing any previous value.
func (m *Map[K, V]) Put(k K, v V) { m.entries[k] = v }

// Get returns the value stored under k.
func (m *Map[K, V]) Get(k K) (V, bool) {
	v, ok := m.entries[k]
	return v, ok
}

// Delete removes k. Returns true if k was present.
func (m *Map[K, V]) Delete(k K) bool {
	if _, ok := m.entries[k]; !ok {
		return false
	}
	delete(m.entries, k)
	return true
}

// Len returns the number of entries.
func (m *Map[K, V]) Len() int { return len(m.entries) }

// Each calls fn for every entry in unspecified order.
func (m *Map[K, V]) Each(fn func(K, V)) {
	for k, v := range m.entries {
		fn(k, v)
	}
}
