// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	z := FromShape(2, 3)
	assert.Equal(t, []int{2, 3}, z.Shape())
	assert.Equal(t, 6, z.Size())
	assert.Equal(t, 2, z.Rank())
	assert.Equal(t, 3, z.Dim(-1))

	rows := FromRows([][]float32{{1, 2}, {3, 4}, {5, 6}})
	assert.Equal(t, []int{3, 2}, rows.Shape())
	assert.Equal(t, []float32{3, 4}, rows.Row(1))

	flat := FromFlat([]float32{1, 2, 3, 4})
	assert.Equal(t, []int{4}, flat.Shape())

	err := exceptions.TryCatch[error](func() { FromFlat([]float32{1, 2, 3}, 2, 2) })
	require.Error(t, err)
	err = exceptions.TryCatch[error](func() { FromRows([][]float32{{1}, {2, 3}}) })
	require.Error(t, err)
}

func TestInPlaceOps(t *testing.T) {
	a := FromFlat([]float32{1, 2, 3, 4}, 2, 2)
	b := a.Clone()
	b.Scale(2)
	assert.Equal(t, []float32{1, 2, 3, 4}, a.Data(), "Clone must not share data")
	a.AddInPlace(b)
	assert.Equal(t, []float32{3, 6, 9, 12}, a.Data())
	a.Fill(0)
	assert.Equal(t, []float32{0, 0, 0, 0}, a.Data())
	a.CopyFrom(b)
	assert.True(t, a.Equal(b))
	assert.Error(t, a.CheckSameShape(FromShape(4)))
	assert.Equal(t, []int{4}, a.Reshape(4).Shape())
}

func TestMatMul(t *testing.T) {
	a := FromRows([][]float32{{1, 2}, {3, 4}})
	b := FromRows([][]float32{{5, 6}, {7, 8}})
	assert.Equal(t, []float32{19, 22, 43, 50}, MatMul(a, b).Data())
	// aᵀ·b = [[1,3],[2,4]]·[[5,6],[7,8]]
	assert.Equal(t, []float32{26, 30, 38, 44}, MatMulTransposeA(a, b).Data())
	// a·bᵀ = [[1,2],[3,4]]·[[5,7],[6,8]]
	assert.Equal(t, []float32{17, 23, 39, 53}, MatMulTransposeB(a, b).Data())
}

func TestString(t *testing.T) {
	assert.Equal(t, "(Float32[2])[1 2.5]", FromFlat([]float32{1, 2.5}).String())
	assert.Contains(t, FromShape(10).String(), "...+2")
}
