// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := MakeWith(3, 1, 2)
	assert.True(t, s.Has(2))
	assert.False(t, s.Has(5))
	assert.False(t, s.InsertNew(3))
	assert.True(t, s.InsertNew(7))
	assert.Equal(t, []int{1, 2, 3, 7}, Sorted(s))
	assert.Equal(t, []int{1, 7}, Sorted(s.Sub(MakeWith(2, 3))))
}
