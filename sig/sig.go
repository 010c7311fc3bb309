// Package sig extracts and parses the C prototype of the function being
// loaded. The grammar is deliberately small: the slot ABI only admits
// void, one-word scalars and pointers, so anything else is rejected here,
// before a toolchain ever runs.
package sig

import (
	"errors"
	"fmt"
)

// Kind classifies a parsed C type for marshalling purposes.
type Kind int

const (
	KindVoid Kind = iota
	KindInt
	KindFloat
	KindDouble
	KindPointer
)

func (k Kind) String() string {
	switch k {
	case KindVoid:
		return "void"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindDouble:
		return "double"
	case KindPointer:
		return "pointer"
	}
	return "unknown"
}

// Type is a resolved C type. For pointers, Elem describes the pointee.
type Type struct {
	Text   string // canonical spelling, e.g. "uint16_t" or "float*"
	Kind   Kind
	Bits   int // integer/float width; 0 for void and pointers
	Signed bool
	Elem   *Type
}

// Category is the slot-level classification of a parameter: a pointer
// parameter's slot carries a device address, a value parameter's slot
// carries the value itself.
type Category int

const (
	CategoryValue Category = iota
	CategoryPointer
)

func (c Category) String() string {
	if c == CategoryPointer {
		return "pointer"
	}
	return "value"
}

// Param is one declared parameter.
type Param struct {
	Name     string
	Type     Type
	Category Category
}

// Signature is the parsed prototype of the target function.
type Signature struct {
	Name   string
	Return Type
	Params []Param
}

var (
	ErrFunctionNotFound = errors.New("function definition not found")
	ErrTooManyParams    = errors.New("too many parameters for the argument frame")
)

// UnknownTypeError names a type the preamble does not declare.
type UnknownTypeError struct {
	Name string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown type %q: declare it in the standard typedefs preamble", e.Name)
}

// UnsupportedTypeError names a syntactically valid type the slot ABI
// cannot carry.
type UnsupportedTypeError struct {
	Name   string
	Reason string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported type %q: %s", e.Name, e.Reason)
}

// builtinTypes maps normalized C type spellings onto the resolved model.
// The fixed-width aliases mirror the typedef preamble that is loaded
// before every parse.
var builtinTypes = map[string]Type{
	"void":                   {Text: "void", Kind: KindVoid},
	"char":                   {Text: "char", Kind: KindInt, Bits: 8, Signed: true},
	"signed char":            {Text: "int8_t", Kind: KindInt, Bits: 8, Signed: true},
	"unsigned char":          {Text: "uint8_t", Kind: KindInt, Bits: 8},
	"short":                  {Text: "int16_t", Kind: KindInt, Bits: 16, Signed: true},
	"short int":              {Text: "int16_t", Kind: KindInt, Bits: 16, Signed: true},
	"signed short":           {Text: "int16_t", Kind: KindInt, Bits: 16, Signed: true},
	"unsigned short":         {Text: "uint16_t", Kind: KindInt, Bits: 16},
	"short unsigned int":     {Text: "uint16_t", Kind: KindInt, Bits: 16},
	"unsigned short int":     {Text: "uint16_t", Kind: KindInt, Bits: 16},
	"int":                    {Text: "int", Kind: KindInt, Bits: 32, Signed: true},
	"signed":                 {Text: "int", Kind: KindInt, Bits: 32, Signed: true},
	"signed int":             {Text: "int", Kind: KindInt, Bits: 32, Signed: true},
	"unsigned":               {Text: "uint32_t", Kind: KindInt, Bits: 32},
	"unsigned int":           {Text: "uint32_t", Kind: KindInt, Bits: 32},
	"long":                   {Text: "int32_t", Kind: KindInt, Bits: 32, Signed: true},
	"long int":               {Text: "int32_t", Kind: KindInt, Bits: 32, Signed: true},
	"unsigned long":          {Text: "uint32_t", Kind: KindInt, Bits: 32},
	"long unsigned int":      {Text: "uint32_t", Kind: KindInt, Bits: 32},
	"unsigned long int":      {Text: "uint32_t", Kind: KindInt, Bits: 32},
	"long long":              {Text: "int64_t", Kind: KindInt, Bits: 64, Signed: true},
	"long long int":          {Text: "int64_t", Kind: KindInt, Bits: 64, Signed: true},
	"unsigned long long":     {Text: "uint64_t", Kind: KindInt, Bits: 64},
	"unsigned long long int": {Text: "uint64_t", Kind: KindInt, Bits: 64},
	"long long unsigned int": {Text: "uint64_t", Kind: KindInt, Bits: 64},
	"float":                  {Text: "float", Kind: KindFloat, Bits: 32, Signed: true},
	"double":                 {Text: "double", Kind: KindDouble, Bits: 64, Signed: true},
	"int8_t":                 {Text: "int8_t", Kind: KindInt, Bits: 8, Signed: true},
	"uint8_t":                {Text: "uint8_t", Kind: KindInt, Bits: 8},
	"int16_t":                {Text: "int16_t", Kind: KindInt, Bits: 16, Signed: true},
	"uint16_t":               {Text: "uint16_t", Kind: KindInt, Bits: 16},
	"int32_t":                {Text: "int32_t", Kind: KindInt, Bits: 32, Signed: true},
	"uint32_t":               {Text: "uint32_t", Kind: KindInt, Bits: 32},
	"int64_t":                {Text: "int64_t", Kind: KindInt, Bits: 64, Signed: true},
	"uint64_t":               {Text: "uint64_t", Kind: KindInt, Bits: 64},
	"intptr_t":               {Text: "intptr_t", Kind: KindInt, Bits: 32, Signed: true},
	"uintptr_t":              {Text: "uintptr_t", Kind: KindInt, Bits: 32},
	"size_t":                 {Text: "size_t", Kind: KindInt, Bits: 32},
	"ssize_t":                {Text: "ssize_t", Kind: KindInt, Bits: 32, Signed: true},
	"bool":                   {Text: "bool", Kind: KindInt, Bits: 8},
}
