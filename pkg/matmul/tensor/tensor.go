// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensor holds the strided global tensors the matmul reads and writes, and the Reader that
// produces bounds-checked windows and lines out of them for the loading strategies.
package tensor

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
)

// Tensor is a strided view of a matrix (rank 2) or a batch of matrices (rank 3, batch first) in global memory.
//
// Data is shared between views (see Transposed): a Tensor does not own its storage.
type Tensor[E Element] struct {
	Data    []E
	Shape   []int
	Strides []int
}

// New returns a zero-initialized contiguous (row-major) tensor of the given shape.
func New[E Element](shape ...int) *Tensor[E] {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return FromFlat(make([]E, size), shape...)
}

// FromFlat returns a contiguous tensor of the given shape over data.
// It panics if the shape doesn't match the size of data, or if the rank is not 2 or 3.
func FromFlat[E Element](data []E, shape ...int) *Tensor[E] {
	if len(shape) != 2 && len(shape) != 3 {
		exceptions.Panicf("tensor.FromFlat: only rank 2 or 3 are supported, got shape %v", shape)
	}
	strides := make([]int, len(shape))
	size := 1
	for axis := len(shape) - 1; axis >= 0; axis-- {
		if shape[axis] <= 0 {
			exceptions.Panicf("tensor.FromFlat: invalid shape %v", shape)
		}
		strides[axis] = size
		size *= shape[axis]
	}
	if size != len(data) {
		exceptions.Panicf("tensor.FromFlat: shape %v requires %d elements, got %d", shape, size, len(data))
	}
	return &Tensor[E]{Data: data, Shape: slices.Clone(shape), Strides: strides}
}

// Rank of the tensor, 2 or 3.
func (t *Tensor[E]) Rank() int { return len(t.Shape) }

// Rows is the size of the second to last axis.
func (t *Tensor[E]) Rows() int { return t.Shape[len(t.Shape)-2] }

// Cols is the size of the last axis.
func (t *Tensor[E]) Cols() int { return t.Shape[len(t.Shape)-1] }

// RowStride is the stride of the second to last axis.
func (t *Tensor[E]) RowStride() int { return t.Strides[len(t.Strides)-2] }

// ColStride is the stride of the last axis.
func (t *Tensor[E]) ColStride() int { return t.Strides[len(t.Strides)-1] }

// BatchSize is the number of matrices, 1 for rank 2 tensors.
func (t *Tensor[E]) BatchSize() int {
	if t.Rank() == 2 {
		return 1
	}
	return t.Shape[0]
}

// BatchOffset returns the offset in Data of the matrix of batch b.
// A tensor with batch size 1 is broadcast over all batches.
func (t *Tensor[E]) BatchOffset(b int) int {
	if t.BatchSize() == 1 {
		return 0
	}
	return b * t.Strides[0]
}

// offset of element (b, row, col).
func (t *Tensor[E]) offset(b, row, col int) int {
	return t.BatchOffset(b) + row*t.RowStride() + col*t.ColStride()
}

// At returns the element at batch b, row and col.
func (t *Tensor[E]) At(b, row, col int) E { return t.Data[t.offset(b, row, col)] }

// Set the element at batch b, row and col.
func (t *Tensor[E]) Set(b, row, col int, v E) { t.Data[t.offset(b, row, col)] = v }

// Transposed returns a view of t with the last two axes swapped, sharing Data.
func (t *Tensor[E]) Transposed() *Tensor[E] {
	t2 := &Tensor[E]{Data: t.Data, Shape: slices.Clone(t.Shape), Strides: slices.Clone(t.Strides)}
	r := t.Rank()
	t2.Shape[r-2], t2.Shape[r-1] = t2.Shape[r-1], t2.Shape[r-2]
	t2.Strides[r-2], t2.Strides[r-1] = t2.Strides[r-1], t2.Strides[r-2]
	return t2
}

// IntoContiguous returns a contiguous row-major copy of t.
func (t *Tensor[E]) IntoContiguous() *Tensor[E] {
	shape := slices.Clone(t.Shape)
	c := New[E](shape...)
	for b := range t.BatchSize() {
		for row := range t.Rows() {
			for col := range t.Cols() {
				c.Set(b, row, col, t.At(b, row, col))
			}
		}
	}
	return c
}

// String implements fmt.Stringer.
func (t *Tensor[E]) String() string {
	return fmt.Sprintf("Tensor[%s](shape=%v, strides=%v)", DTypeOf[E](), t.Shape, t.Strides)
}

// LayoutKind classifies how a tensor is laid out in memory.
type LayoutKind int

const (
	// Contiguous is a packed row-major tensor.
	Contiguous LayoutKind = iota

	// MildlyPermuted tensors can be read directly by the matmul: one of the two matrix axes has stride 1.
	MildlyPermuted

	// HighlyPermuted tensors have no contiguous matrix axis, and must be copied before a matmul.
	HighlyPermuted
)

// String implements fmt.Stringer.
func (k LayoutKind) String() string {
	switch k {
	case Contiguous:
		return "Contiguous"
	case MildlyPermuted:
		return "MildlyPermuted"
	default:
		return "HighlyPermuted"
	}
}

// Layout of a tensor, as returned by Tensor.Layout.
type Layout struct {
	Kind LayoutKind

	// Transposed is set if the rows (and not the columns) are the contiguous axis.
	Transposed bool

	// BatchSwap is set if the batch axis is interleaved within the matrices.
	BatchSwap bool
}

// String implements fmt.Stringer.
func (l Layout) String() string {
	if l.Kind != MildlyPermuted {
		return l.Kind.String()
	}
	return fmt.Sprintf("MildlyPermuted(transposed=%v, batch_swap=%v)", l.Transposed, l.BatchSwap)
}

// Layout classifies the memory layout of the tensor.
func (t *Tensor[E]) Layout() Layout {
	rowStride, colStride := t.RowStride(), t.ColStride()
	var transposed bool
	switch {
	case colStride == 1:
	case rowStride == 1:
		transposed = true
	default:
		return Layout{Kind: HighlyPermuted}
	}
	var batchSwap bool
	if t.BatchSize() > 1 {
		span := (t.Rows()-1)*rowStride + (t.Cols()-1)*colStride + 1
		batchSwap = t.Strides[0] < span
	}
	if !transposed && !batchSwap && rowStride == t.Cols() && (t.BatchSize() == 1 || t.Strides[0] == t.Rows()*t.Cols()) {
		return Layout{Kind: Contiguous}
	}
	return Layout{Kind: MildlyPermuted, Transposed: transposed, BatchSwap: batchSwap}
}

// Vectorization returns the line size for a contiguous dimension: the largest of {4, 2, 1} dividing dim.
func Vectorization(dim int) int {
	for _, lineSize := range []int{4, 2} {
		if dim%lineSize == 0 {
			return lineSize
		}
	}
	return 1
}
