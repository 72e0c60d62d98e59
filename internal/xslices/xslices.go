// Package xslices contains slice helpers that the standard library's
// slices package lacks.
package xslices

import "iter"

// Filter returns a new slice holding the elements of s for which f
// returns true.
func Filter[T any, S ~[]T](s S, f func(T) bool) (r S) {
	r = make(S, 0, len(s))
	for _, v := range s {
		if f(v) {
			r = append(r, v)
		}
	}
	return r
}

// Masked yields the index and value of every element of s whose bit is
// set in mask. The kernel describes which CRTCs an encoder or plane can
// use this way.
func Masked[T any, S ~[]T](s S, mask uint32) iter.Seq2[int, T] {
	return func(yield func(int, T) bool) {
		for i, v := range s {
			if i >= 32 {
				return
			}
			if mask&(1<<i) == 0 {
				continue
			}
			if !yield(i, v) {
				return
			}
		}
	}
}
