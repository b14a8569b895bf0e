// Package field describes the values flowing through a kernel circuit: typed,
// shaped arrays of tensors. A field type combines the element kind, the grid
// shape (how many points) and the tensor shape (scalar components per point).
package field

import (
	"fmt"
	"strings"
)

// ElemKind is the scalar element type of a field.
type ElemKind int

const (
	Float32 ElemKind = iota
	Float64
	Int32
	Int64
	Complex64
	Complex128
)

var elemNames = map[ElemKind]string{
	Float32:    "float32",
	Float64:    "float64",
	Int32:      "int32",
	Int64:      "int64",
	Complex64:  "complex64",
	Complex128: "complex128",
}

func (k ElemKind) String() string {
	if s, ok := elemNames[k]; ok {
		return s
	}
	return fmt.Sprintf("elemkind(%d)", int(k))
}

// Size returns the element size in bytes.
func (k ElemKind) Size() int {
	switch k {
	case Float32, Int32:
		return 4
	case Float64, Int64, Complex64:
		return 8
	case Complex128:
		return 16
	}
	return 0
}

// Shape is an ordered list of extents. Used both for the grid shape and for
// the per-point tensor shape; an empty tensor shape means a scalar field.
type Shape []int

// Count returns the product of the extents; 1 for an empty shape.
func (s Shape) Count() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Equal reports element-wise equality.
func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, "x") + "]"
}

// Type is the full descriptor of a field: element kind, grid shape and
// per-point tensor shape. Kernel output types are fixed at construction.
type Type struct {
	Elem   ElemKind
	Grid   Shape
	Tensor Shape
}

// Components returns the number of scalar components per grid point.
func (t Type) Components() int { return t.Tensor.Count() }

// Points returns the number of grid points.
func (t Type) Points() int { return t.Grid.Count() }

// Bytes returns the total buffer size of one materialized field.
func (t Type) Bytes() int { return t.Points() * t.Components() * t.Elem.Size() }

// Equal reports whether two field types match exactly. Fusion must preserve
// the type of every surviving output exactly, so this is the comparison the
// optimizer and the restore path rely on.
func (t Type) Equal(o Type) bool {
	return t.Elem == o.Elem && t.Grid.Equal(o.Grid) && t.Tensor.Equal(o.Tensor)
}

func (t Type) String() string {
	return fmt.Sprintf("%s%s%s", t.Elem, t.Grid, t.Tensor)
}
