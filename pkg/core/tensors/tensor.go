// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a `Tensor`, a dense float32 multidimensional array stored on the host.
//
// Tensors carry model parameters, gradients, audio batches and embeddings. They are always stored
// as a flat slice in row-major order, and their shape is given by the dimensions of each axis.
//
// There are various ways to construct a Tensor:
//
//   - FromShape(dims ...int): creates a zero-filled tensor with the given dimensions.
//   - FromFlat(data []float32, dims ...int): wraps the flat data (no copy) with the given dimensions.
//   - FromRows(rows [][]float32): creates a 2D tensor copying the given rows, which must have the same length.
//
// Invalid shapes panic with exceptions.Panicf: they are always programming errors.
package tensors

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Tensor is a dense float32 multidimensional array.
type Tensor struct {
	shape []int
	data  []float32
}

// sizeOf returns the number of elements for the given dimensions.
func sizeOf(dims []int) int {
	size := 1
	for axis, dim := range dims {
		if dim < 0 {
			exceptions.Panicf("tensors: negative dimension %d for axis %d in shape %v", dim, axis, dims)
		}
		size *= dim
	}
	return size
}

// FromShape returns a zero-filled tensor with the given dimensions. No dimensions means a scalar.
func FromShape(dims ...int) *Tensor {
	return &Tensor{shape: slices.Clone(dims), data: make([]float32, sizeOf(dims))}
}

// FromFlat wraps data with the given dimensions. The data is not copied.
func FromFlat(data []float32, dims ...int) *Tensor {
	if len(dims) == 0 {
		dims = []int{len(data)}
	}
	if size := sizeOf(dims); size != len(data) {
		exceptions.Panicf("tensors: shape %v requires %d elements, got %d", dims, size, len(data))
	}
	return &Tensor{shape: slices.Clone(dims), data: data}
}

// FromRows creates a 2D tensor with a copy of the given rows.
func FromRows(rows [][]float32) *Tensor {
	if len(rows) == 0 {
		return FromShape(0, 0)
	}
	cols := len(rows[0])
	t := FromShape(len(rows), cols)
	for ii, row := range rows {
		if len(row) != cols {
			exceptions.Panicf("tensors: row %d has %d columns, expected %d", ii, len(row), cols)
		}
		copy(t.data[ii*cols:], row)
	}
	return t
}

// Shape returns a copy of the dimensions of the tensor.
func (t *Tensor) Shape() []int { return slices.Clone(t.shape) }

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.shape) }

// Dim returns the dimension of the given axis. Negative axes count from the end.
func (t *Tensor) Dim(axis int) int {
	if axis < 0 {
		axis += len(t.shape)
	}
	if axis < 0 || axis >= len(t.shape) {
		exceptions.Panicf("tensors: axis %d out of range for shape %v", axis, t.shape)
	}
	return t.shape[axis]
}

// Size returns the total number of elements.
func (t *Tensor) Size() int { return len(t.data) }

// Data returns the underlying flat data. Changes to it are reflected in the tensor.
func (t *Tensor) Data() []float32 { return t.data }

// Row returns a view of row i of a 2D tensor, or of the i-th sub-tensor of the first axis in general.
func (t *Tensor) Row(i int) []float32 {
	if len(t.shape) == 0 {
		exceptions.Panicf("tensors: Row(%d) of a scalar", i)
	}
	if i < 0 || i >= t.shape[0] {
		exceptions.Panicf("tensors: row %d out of range for shape %v", i, t.shape)
	}
	stride := sizeOf(t.shape[1:])
	return t.data[i*stride : (i+1)*stride]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: slices.Clone(t.shape), data: slices.Clone(t.data)}
}

// SameShape returns whether both tensors have the same dimensions.
func (t *Tensor) SameShape(other *Tensor) bool {
	return slices.Equal(t.shape, other.shape)
}

// CheckSameShape returns an error describing the mismatch if the shapes differ.
func (t *Tensor) CheckSameShape(other *Tensor) error {
	if !t.SameShape(other) {
		return errors.Errorf("shape mismatch: %v != %v", t.shape, other.shape)
	}
	return nil
}

// Reshape returns a tensor sharing the data with new dimensions.
func (t *Tensor) Reshape(dims ...int) *Tensor {
	return FromFlat(t.data, dims...)
}

// Fill sets all elements to value, and returns the tensor itself.
func (t *Tensor) Fill(value float32) *Tensor {
	for ii := range t.data {
		t.data[ii] = value
	}
	return t
}

// Scale multiplies all elements in place by factor, and returns the tensor itself.
func (t *Tensor) Scale(factor float32) *Tensor {
	for ii := range t.data {
		t.data[ii] *= factor
	}
	return t
}

// AddInPlace adds other to t, element-wise. Both must have the same shape.
func (t *Tensor) AddInPlace(other *Tensor) *Tensor {
	if !t.SameShape(other) {
		exceptions.Panicf("tensors: AddInPlace shape mismatch %v != %v", t.shape, other.shape)
	}
	for ii, v := range other.data {
		t.data[ii] += v
	}
	return t
}

// CopyFrom copies the values of other into t. Both must have the same shape.
func (t *Tensor) CopyFrom(other *Tensor) {
	if !t.SameShape(other) {
		exceptions.Panicf("tensors: CopyFrom shape mismatch %v != %v", t.shape, other.shape)
	}
	copy(t.data, other.data)
}

// Equal returns whether both tensors have the same shape and exactly the same values.
func (t *Tensor) Equal(other *Tensor) bool {
	return t.SameShape(other) && slices.Equal(t.data, other.data)
}

// String implements fmt.Stringer. Large tensors are elided.
func (t *Tensor) String() string {
	const maxValues = 8
	var sb strings.Builder
	fmt.Fprintf(&sb, "(Float32%v)[", t.shape)
	for ii, v := range t.data {
		if ii == maxValues {
			fmt.Fprintf(&sb, " ...+%d", len(t.data)-maxValues)
			break
		}
		if ii > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%g", v)
	}
	sb.WriteByte(']')
	return sb.String()
}

// MatMul returns a·b for a with shape [n, k] and b with shape [k, m].
func MatMul(a, b *Tensor) *Tensor {
	n, k := a.Dim(0), a.Dim(1)
	if b.Dim(0) != k {
		exceptions.Panicf("tensors: MatMul of %v and %v", a.shape, b.shape)
	}
	m := b.Dim(1)
	out := FromShape(n, m)
	for ii := range n {
		aRow := a.data[ii*k : (ii+1)*k]
		outRow := out.data[ii*m : (ii+1)*m]
		for kk, aV := range aRow {
			if aV == 0 {
				continue
			}
			bRow := b.data[kk*m : (kk+1)*m]
			for jj, bV := range bRow {
				outRow[jj] += aV * bV
			}
		}
	}
	return out
}

// MatMulTransposeA returns aᵀ·b for a with shape [n, k] and b with shape [n, m]: the result has shape [k, m].
func MatMulTransposeA(a, b *Tensor) *Tensor {
	n, k := a.Dim(0), a.Dim(1)
	if b.Dim(0) != n {
		exceptions.Panicf("tensors: MatMulTransposeA of %v and %v", a.shape, b.shape)
	}
	m := b.Dim(1)
	out := FromShape(k, m)
	for ii := range n {
		aRow := a.data[ii*k : (ii+1)*k]
		bRow := b.data[ii*m : (ii+1)*m]
		for kk, aV := range aRow {
			if aV == 0 {
				continue
			}
			outRow := out.data[kk*m : (kk+1)*m]
			for jj, bV := range bRow {
				outRow[jj] += aV * bV
			}
		}
	}
	return out
}

// MatMulTransposeB returns a·bᵀ for a with shape [n, k] and b with shape [m, k]: the result has shape [n, m].
func MatMulTransposeB(a, b *Tensor) *Tensor {
	n, k := a.Dim(0), a.Dim(1)
	if b.Dim(1) != k {
		exceptions.Panicf("tensors: MatMulTransposeB of %v and %v", a.shape, b.shape)
	}
	m := b.Dim(0)
	out := FromShape(n, m)
	for ii := range n {
		aRow := a.data[ii*k : (ii+1)*k]
		for jj := range m {
			bRow := b.data[jj*k : (jj+1)*k]
			var sum float32
			for kk, aV := range aRow {
				sum += aV * bRow[kk]
			}
			out.data[ii*m+jj] = sum
		}
	}
	return out
}
