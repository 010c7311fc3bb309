package marshal

import (
	"fmt"
	"math"

	"loadstone/sig"
)

// Value is one host-side argument: either a typed scalar already encoded
// as slot content, or an array awaiting a device allocation. Construction
// goes through the typed helpers so widths and signedness are always
// explicit; there is no lossy auto-conversion.
type Value struct {
	dtype DType
	word  uint32
	arr   *Array
}

func Int8(v int8) Value     { return Value{dtype: Int8T, word: uint32(int32(v))} }
func UInt8(v uint8) Value   { return Value{dtype: UInt8T, word: uint32(v)} }
func Int16(v int16) Value   { return Value{dtype: Int16T, word: uint32(int32(v))} }
func UInt16(v uint16) Value { return Value{dtype: UInt16T, word: uint32(v)} }
func Int32(v int32) Value   { return Value{dtype: Int32T, word: uint32(v)} }
func UInt32(v uint32) Value { return Value{dtype: UInt32T, word: v} }
func Float32(v float32) Value {
	return Value{dtype: Float32T, word: math.Float32bits(v)}
}

// Arr wraps an array argument for a pointer parameter (or a 0-d array for
// a value parameter).
func Arr(a *Array) Value { return Value{arr: a} }

// IsArray reports whether the value carries an array.
func (v Value) IsArray() bool { return v.arr != nil }

// ArgError names the argument that violated its parameter's contract.
type ArgError struct {
	Index int
	Param string
	Msg   string
}

func (e *ArgError) Error() string {
	return fmt.Sprintf("argument %d (%s): %s", e.Index, e.Param, e.Msg)
}

// dtypeForType maps a resolved C value type onto the matching host dtype.
func dtypeForType(t sig.Type) (DType, bool) {
	switch t.Kind {
	case sig.KindFloat:
		return Float32T, true
	case sig.KindInt:
		switch {
		case t.Bits == 8 && t.Signed:
			return Int8T, true
		case t.Bits == 8:
			return UInt8T, true
		case t.Bits == 16 && t.Signed:
			return Int16T, true
		case t.Bits == 16:
			return UInt16T, true
		case t.Bits == 32 && t.Signed:
			return Int32T, true
		case t.Bits == 32:
			return UInt32T, true
		}
	}
	return 0, false
}

// checkValue validates a scalar argument against a value parameter and
// produces its slot word. A 0-d array of the right dtype is accepted as
// its single element.
func checkValue(i int, p sig.Param, v Value) (uint32, error) {
	want, ok := dtypeForType(p.Type)
	if !ok {
		return 0, &ArgError{Index: i, Param: p.Name, Msg: fmt.Sprintf("type %s is not passable by value", p.Type.Text)}
	}
	if v.IsArray() {
		if len(v.arr.shape) != 0 {
			return 0, &ArgError{Index: i, Param: p.Name,
				Msg: fmt.Sprintf("value parameter of type %s given a %d-d array", p.Type.Text, len(v.arr.shape))}
		}
		if v.arr.dtype != want {
			return 0, &ArgError{Index: i, Param: p.Name,
				Msg: fmt.Sprintf("dtype %s does not match %s", v.arr.dtype, p.Type.Text)}
		}
		return v.arr.word(0), nil
	}
	if v.dtype != want {
		return 0, &ArgError{Index: i, Param: p.Name,
			Msg: fmt.Sprintf("host type %s does not match declared %s; no implicit conversion", v.dtype, p.Type.Text)}
	}
	return v.word, nil
}

// checkArray validates an array argument against a pointer parameter.
// void* accepts any dtype; otherwise the element types must agree.
func checkArray(i int, p sig.Param, v Value) (*Array, error) {
	if !v.IsArray() {
		return nil, &ArgError{Index: i, Param: p.Name,
			Msg: fmt.Sprintf("pointer parameter of type %s needs an array argument", p.Type.Text)}
	}
	elem := p.Type.Elem
	if elem != nil && elem.Kind != sig.KindVoid {
		want, ok := dtypeForType(*elem)
		if !ok {
			return nil, &ArgError{Index: i, Param: p.Name,
				Msg: fmt.Sprintf("element type %s is not transferable", elem.Text)}
		}
		if v.arr.dtype != want {
			return nil, &ArgError{Index: i, Param: p.Name,
				Msg: fmt.Sprintf("array dtype %s does not match element type %s", v.arr.dtype, elem.Text)}
		}
	}
	return v.arr, nil
}
