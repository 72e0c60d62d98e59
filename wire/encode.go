package wire

import (
	"fmt"
	"strings"
)

type propValue struct {
	prop  uint32
	value uint64
}

// AtomicRequest is a set of property writes under construction for a
// single atomic commit. Writes are grouped per object in the order in
// which objects were first seen, which is the layout the kernel
// expects.
//
// The first invalid write is recorded and all later writes are
// ignored.
type AtomicRequest struct {
	objs  []uint32
	props map[uint32][]propValue
	err   error
}

func NewAtomicRequest() *AtomicRequest {
	return &AtomicRequest{
		props: make(map[uint32][]propValue),
	}
}

// Add records a write of value to property prop of object obj. A
// second write to the same property replaces the first.
func (r *AtomicRequest) Add(obj, prop uint32, value uint64) {
	if r.err != nil {
		return
	}
	if (obj == 0) || (prop == 0) {
		r.err = InvalidPropertyError{Object: obj, Prop: prop}
		return
	}
	if r.props == nil {
		r.props = make(map[uint32][]propValue)
	}

	props, ok := r.props[obj]
	if !ok {
		r.objs = append(r.objs, obj)
	}
	for i := range props {
		if props[i].prop == prop {
			props[i].value = value
			return
		}
	}
	r.props[obj] = append(props, propValue{prop: prop, value: value})
}

// Err returns the first error encountered while building r.
func (r *AtomicRequest) Err() error {
	return r.err
}

// Len returns the number of property writes in r.
func (r *AtomicRequest) Len() int {
	var n int
	for _, props := range r.props {
		n += len(props)
	}
	return n
}

// Objects returns the IDs of all objects written to, in order.
func (r *AtomicRequest) Objects() []uint32 {
	return r.objs
}

// Lookup returns the value written to prop of obj, if any.
func (r *AtomicRequest) Lookup(obj, prop uint32) (uint64, bool) {
	for _, p := range r.props[obj] {
		if p.prop == prop {
			return p.value, true
		}
	}
	return 0, false
}

// Merge appends all of the writes in o to r.
func (r *AtomicRequest) Merge(o *AtomicRequest) {
	if r.err != nil {
		return
	}
	if o.err != nil {
		r.err = o.err
		return
	}

	for _, obj := range o.objs {
		for _, p := range o.props[obj] {
			r.Add(obj, p.prop, p.value)
		}
	}
}

// Reset empties r so that it can be reused.
func (r *AtomicRequest) Reset() {
	r.objs = r.objs[:0]
	clear(r.props)
	r.err = nil
}

// AtomicArrays is the flattened form of an AtomicRequest that the
// atomic ioctl consumes.
type AtomicArrays struct {
	Objects []uint32
	Counts  []uint32
	Props   []uint32
	Values  []uint64
}

// Build flattens r. The AtomicRequest may be used again afterwards.
func (r *AtomicRequest) Build() (AtomicArrays, error) {
	if r.err != nil {
		return AtomicArrays{}, r.err
	}

	n := r.Len()
	a := AtomicArrays{
		Objects: make([]uint32, 0, len(r.objs)),
		Counts:  make([]uint32, 0, len(r.objs)),
		Props:   make([]uint32, 0, n),
		Values:  make([]uint64, 0, n),
	}
	for _, obj := range r.objs {
		props := r.props[obj]
		a.Objects = append(a.Objects, obj)
		a.Counts = append(a.Counts, uint32(len(props)))
		for _, p := range props {
			a.Props = append(a.Props, p.prop)
			a.Values = append(a.Values, p.value)
		}
	}
	return a, nil
}

func (r *AtomicRequest) String() string {
	var sb strings.Builder
	for i, obj := range r.objs {
		if i > 0 {
			sb.WriteString("; ")
		}
		fmt.Fprintf(&sb, "%v{", obj)
		for j, p := range r.props[obj] {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%v=%v", p.prop, p.value)
		}
		sb.WriteByte('}')
	}
	return sb.String()
}
