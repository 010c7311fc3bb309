// Package marshal packs host-side typed values into the 128-byte argument
// frame, manages transient device allocations for array arguments, reads
// mutated arrays back after the call, and converts the return slot into a
// typed host value.
package marshal

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DType is an array element type. Widths and signedness mirror the slot
// encodings.
type DType int

const (
	Int8T DType = iota
	UInt8T
	Int16T
	UInt16T
	Int32T
	UInt32T
	Float32T
)

func (d DType) Size() int {
	switch d {
	case Int8T, UInt8T:
		return 1
	case Int16T, UInt16T:
		return 2
	default:
		return 4
	}
}

func (d DType) String() string {
	switch d {
	case Int8T:
		return "int8"
	case UInt8T:
		return "uint8"
	case Int16T:
		return "int16"
	case UInt16T:
		return "uint16"
	case Int32T:
		return "int32"
	case UInt32T:
		return "uint32"
	case Float32T:
		return "float32"
	}
	return "unknown"
}

// Array is an n-dimensional typed array over contiguous little-endian
// storage. A zero-dimensional array holds exactly one element and is how
// a scalar argument travels when the caller prefers array form.
type Array struct {
	dtype DType
	shape []int
	data  []byte
}

// NewArray allocates a zeroed array. No shape means 0-d: a single
// element.
func NewArray(dtype DType, shape ...int) *Array {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return &Array{
		dtype: dtype,
		shape: append([]int(nil), shape...),
		data:  make([]byte, n*dtype.Size()),
	}
}

func (a *Array) DType() DType { return a.dtype }
func (a *Array) Shape() []int { return append([]int(nil), a.shape...) }

// Len is the flattened element count.
func (a *Array) Len() int { return len(a.data) / a.dtype.Size() }

// NBytes is the byte size of the flattened storage.
func (a *Array) NBytes() int { return len(a.data) }

// Bytes exposes the backing storage; sync-back writes into it in place so
// the caller's array observes device-side mutation.
func (a *Array) Bytes() []byte { return a.data }

// SetBytes overwrites the backing storage, preserving shape and dtype.
func (a *Array) SetBytes(p []byte) error {
	if len(p) != len(a.data) {
		return fmt.Errorf("array holds %d bytes, got %d", len(a.data), len(p))
	}
	copy(a.data, p)
	return nil
}

//
// typed constructors and accessors
//

// Float32s builds a 1-d float32 array (or reshaped via Reshape).
func Float32s(vals ...float32) *Array {
	a := NewArray(Float32T, len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(a.data[i*4:], math.Float32bits(v))
	}
	return a
}

func Int32s(vals ...int32) *Array {
	a := NewArray(Int32T, len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(a.data[i*4:], uint32(v))
	}
	return a
}

func Int16s(vals ...int16) *Array {
	a := NewArray(Int16T, len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(a.data[i*2:], uint16(v))
	}
	return a
}

func UInt8s(vals ...uint8) *Array {
	a := NewArray(UInt8T, len(vals))
	copy(a.data, vals)
	return a
}

// Reshape reinterprets the same storage with a new shape; the element
// count must not change.
func (a *Array) Reshape(shape ...int) (*Array, error) {
	n := 1
	for _, s := range shape {
		n *= s
	}
	if n != a.Len() {
		return nil, fmt.Errorf("cannot reshape %d elements to %v", a.Len(), shape)
	}
	return &Array{dtype: a.dtype, shape: append([]int(nil), shape...), data: a.data}, nil
}

// ElemFloat32 reads element i of a float32 array.
func (a *Array) ElemFloat32(i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(a.data[i*4:]))
}

// ElemInt32 reads element i of an int32 array.
func (a *Array) ElemInt32(i int) int32 {
	return int32(binary.LittleEndian.Uint32(a.data[i*4:]))
}

// ElemInt16 reads element i of an int16 array.
func (a *Array) ElemInt16(i int) int16 {
	return int16(binary.LittleEndian.Uint16(a.data[i*2:]))
}

// word encodes element i as slot content, widened per signedness.
func (a *Array) word(i int) uint32 {
	switch a.dtype {
	case Int8T:
		return uint32(int32(int8(a.data[i])))
	case UInt8T:
		return uint32(a.data[i])
	case Int16T:
		return uint32(int32(int16(binary.LittleEndian.Uint16(a.data[i*2:]))))
	case UInt16T:
		return uint32(binary.LittleEndian.Uint16(a.data[i*2:]))
	default:
		return binary.LittleEndian.Uint32(a.data[i*4:])
	}
}
