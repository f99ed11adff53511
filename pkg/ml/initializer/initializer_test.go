// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package initializer

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGlorotUniform(t *testing.T) {
	init := GlorotUniform(rand.New(rand.NewPCG(1, 2)))
	w := init(30, 10)
	limit := float32(math.Sqrt(3.0 / 20.0))
	var nonZero int
	for _, v := range w.Data() {
		assert.LessOrEqual(t, v, limit)
		assert.GreaterOrEqual(t, v, -limit)
		if v != 0 {
			nonZero++
		}
	}
	assert.Greater(t, nonZero, 250)
	bias := init(10)
	assert.Equal(t, make([]float32, 10), bias.Data())
}
