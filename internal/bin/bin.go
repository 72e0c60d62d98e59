// Package bin contains utilities for dealing with binary
// representations of kernel structures, which are always in host byte
// order.
package bin

import "unsafe"

type Word interface {
	~int16 | ~uint16 | ~int32 | ~uint32 | ~int64 | ~uint64
}

func Bytes[T Word](v T) []byte {
	b := make([]byte, unsafe.Sizeof(v))
	copy(b, unsafe.Slice((*byte)(unsafe.Pointer(&v)), unsafe.Sizeof(v)))
	return b
}

// Value decodes a T from the start of data. data must be at least as
// long as T.
func Value[T Word](data []byte) T {
	var v T
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&v)), unsafe.Sizeof(v)), data)
	return v
}
