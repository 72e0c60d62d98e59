// Package set provides a map-backed set of comparable values.
package set

// Set is a set of IDs, CRTCs or anything else comparable. The zero
// value is a nil set that can be read but not added to.
type Set[T comparable] map[T]struct{}

func New[T comparable](vals ...T) Set[T] {
	s := make(Set[T], len(vals))
	for _, v := range vals {
		s[v] = struct{}{}
	}
	return s
}

func (s Set[T]) Add(v T) {
	s[v] = struct{}{}
}

func (s Set[T]) Has(v T) bool {
	_, ok := s[v]
	return ok
}

func (s Set[T]) Delete(v T) {
	delete(s, v)
}

// Len returns the number of values in the set.
func (s Set[T]) Len() int {
	return len(s)
}
