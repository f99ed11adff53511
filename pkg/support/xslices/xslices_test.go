// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunk(t *testing.T) {
	in := Iota(0, 10)
	assert.Equal(t, [][]int{{0, 1, 2, 3}, {4, 5, 6, 7}, {8, 9}}, Chunk(in, 4, false))
	assert.Equal(t, [][]int{{0, 1, 2, 3}, {4, 5, 6, 7}}, Chunk(in, 4, true))
	assert.Len(t, Chunk(in, 5, true), 2)
	assert.Empty(t, Chunk([]int{}, 3, false))
}

func TestSumAndKeys(t *testing.T) {
	assert.Equal(t, 10, Sum([]int{1, 2, 3, 4}))
	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys(map[string]int{"c": 1, "a": 2, "b": 3}))
	assert.Equal(t, 3, Last([]int{1, 2, 3}))
}
