package identity

// OrderedSet is an identity-keyed set that iterates in insertion order.
// Removal is O(1) via tombstoning; the backing slice is compacted once
// tombstones outnumber live members.
type OrderedSet[T comparable] struct {
	index map[T]int
	order []T
	dead  map[T]struct{}
}

// NewOrderedSet creates an empty insertion-ordered identity set.
func NewOrderedSet[T comparable]() *OrderedSet[T] {
	return &OrderedSet[T]{
		index: make(map[T]int),
		dead:  make(map[T]struct{}),
	}
}

// Add inserts v at the end of the iteration order. Returns true if v was not
// already present. Re-adding a removed member places it at the end, not at
// its original position.
func (s *OrderedSet[T]) Add(v T) bool {
	if _, ok := s.index[v]; ok {
		return false
	}
	if _, gone := s.dead[v]; gone {
		// v still occupies a tombstoned slot in the backing slice. Compact
		// while it is still dead so the stale slot is dropped, then append;
		// otherwise the member would surface twice, or vanish on the next
		// compaction.
		s.compact()
	}
	s.index[v] = len(s.order)
	s.order = append(s.order, v)
	return true
}

// Remove deletes v while preserving the relative order of the remaining
// members. Returns true if v was present.
func (s *OrderedSet[T]) Remove(v T) bool {
	if _, ok := s.index[v]; !ok {
		return false
	}
	delete(s.index, v)
	s.dead[v] = struct{}{}
	if len(s.dead) > len(s.index) {
		s.compact()
	}
	return true
}

func (s *OrderedSet[T]) compact() {
	live := s.order[:0]
	for _, v := range s.order {
		if _, gone := s.dead[v]; !gone {
			s.index[v] = len(live)
			live = append(live, v)
		}
	}
	s.order = live
	s.dead = make(map[T]struct{})
}

// Contains reports whether v is a member.
func (s *OrderedSet[T]) Contains(v T) bool {
	_, ok := s.index[v]
	return ok
}

// Len returns the number of live members.
func (s *OrderedSet[T]) Len() int { return len(s.index) }

// Each calls fn for every member in insertion order.
func (s *OrderedSet[T]) Each(fn func(T)) {
	for _, v := range s.order {
		if _, gone := s.dead[v]; !gone {
			fn(v)
		}
	}
}

// Values returns the members as a fresh slice in insertion order.
func (s *OrderedSet[T]) Values() []T {
	out := make([]T, 0, len(s.index))
	s.Each(func(v T) { out = append(out, v) })
	return out
}
