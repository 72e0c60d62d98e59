// Package objstore keeps objects indexed by their kernel object ID.
package objstore

import "iter"

type Store[T any] struct {
	objects map[uint32]T
	order   []uint32
}

func New[T any]() *Store[T] {
	return &Store[T]{
		objects: make(map[uint32]T),
	}
}

// Add stores obj under id, replacing anything already there.
func (s *Store[T]) Add(id uint32, obj T) {
	if _, ok := s.objects[id]; !ok {
		s.order = append(s.order, id)
	}
	s.objects[id] = obj
}

func (s *Store[T]) Get(id uint32) (T, bool) {
	obj, ok := s.objects[id]
	return obj, ok
}

func (s *Store[T]) Delete(id uint32) {
	if _, ok := s.objects[id]; !ok {
		return
	}
	delete(s.objects, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Store[T]) Len() int {
	return len(s.objects)
}

// All yields every object in the order in which it was first added.
func (s *Store[T]) All() iter.Seq2[uint32, T] {
	return func(yield func(uint32, T) bool) {
		for _, id := range s.order {
			if !yield(id, s.objects[id]) {
				return
			}
		}
	}
}
