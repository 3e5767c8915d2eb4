// Package tensor holds the dense float32 tensor used throughout the network
// and the numeric kernels that operate on it.
package tensor

import (
	"errors"
	"fmt"
	"math"
)

// ErrShape is the sentinel wrapped by every shape mismatch.
var ErrShape = errors.New("tensor shape mismatch")

// ShapeError describes a rank or dimension contract violation.
type ShapeError struct {
	Op  string
	Got []int
	Msg string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: shape %v: %s", e.Op, e.Got, e.Msg)
}

func (e *ShapeError) Unwrap() error { return ErrShape }

func shapeErr(op string, got []int, format string, args ...interface{}) error {
	return &ShapeError{Op: op, Got: append([]int(nil), got...), Msg: fmt.Sprintf(format, args...)}
}

// Tensor is a row-major float32 array with an explicit shape.
type Tensor struct {
	data  []float32
	shape []int
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// New allocates a zero tensor.
func New(shape ...int) *Tensor {
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("tensor: negative dimension in %v", shape))
		}
	}
	return &Tensor{
		data:  make([]float32, numel(shape)),
		shape: append([]int(nil), shape...),
	}
}

// Full allocates a tensor filled with v.
func Full(v float32, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

// FromSlice wraps data without copying.
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	if numel(shape) != len(data) {
		return nil, shapeErr("from_slice", shape, "need %d elements, have %d", numel(shape), len(data))
	}
	return &Tensor{data: data, shape: append([]int(nil), shape...)}, nil
}

// MustFromSlice is FromSlice for literals in tests and constructors.
func MustFromSlice(data []float32, shape ...int) *Tensor {
	t, err := FromSlice(data, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }
func (t *Tensor) Rank() int    { return len(t.shape) }
func (t *Tensor) Len() int     { return len(t.data) }

// Data exposes the backing slice.
func (t *Tensor) Data() []float32 { return t.data }

// Dim returns the size of axis i; negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

func (t *Tensor) Clone() *Tensor {
	c := &Tensor{data: make([]float32, len(t.data)), shape: append([]int(nil), t.shape...)}
	copy(c.data, t.data)
	return c
}

// Reshape returns a view sharing storage with t.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if numel(shape) != len(t.data) {
		return nil, shapeErr("reshape", t.shape, "cannot view as %v", shape)
	}
	return &Tensor{data: t.data, shape: append([]int(nil), shape...)}, nil
}

// At reads a single element.
func (t *Tensor) At(idx ...int) float32 {
	off := 0
	for i, v := range idx {
		off = off*t.shape[i] + v
	}
	return t.data[off]
}

// CopyFrom overwrites t with src; shapes must match exactly.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !SameShape(t, src) {
		return shapeErr("copy", src.shape, "want %v", t.shape)
	}
	copy(t.data, src.data)
	return nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.shape)
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	return EqualShape(a.shape, b.shape)
}

func EqualShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ExpectRank validates rank and returns a ShapeError naming op otherwise.
func ExpectRank(op string, t *Tensor, rank int) error {
	if len(t.shape) != rank {
		return shapeErr(op, t.shape, "expected rank %d", rank)
	}
	return nil
}

// ExpectDim validates a single axis.
func ExpectDim(op string, t *Tensor, axis, size int) error {
	if axis < 0 {
		axis += len(t.shape)
	}
	if axis < 0 || axis >= len(t.shape) || t.shape[axis] != size {
		return shapeErr(op, t.shape, "expected dim %d to be %d", axis, size)
	}
	return nil
}

// CountNonFinite returns the number of NaN and Inf entries.
func (t *Tensor) CountNonFinite() (nanCount, infCount int) {
	for _, v := range t.data {
		f := float64(v)
		if math.IsNaN(f) {
			nanCount++
		} else if math.IsInf(f, 0) {
			infCount++
		}
	}
	return nanCount, infCount
}

// MaxAbsDiff returns max |a-b| over matching shapes.
func MaxAbsDiff(a, b *Tensor) (float32, error) {
	if !SameShape(a, b) {
		return 0, shapeErr("max_abs_diff", b.shape, "want %v", a.shape)
	}
	var m float32
	for i := range a.data {
		d := a.data[i] - b.data[i]
		if d < 0 {
			d = -d
		}
		if d > m {
			m = d
		}
	}
	return m, nil
}
