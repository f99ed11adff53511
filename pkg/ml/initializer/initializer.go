// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package initializer includes several weight initializers, to be used with the layers.
package initializer

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/ddpspoof/pkg/core/tensors"
)

// Initializer creates a tensor of the given dimensions with initial values.
type Initializer func(dims ...int) *tensors.Tensor

// Zero initializes tensors with zeros.
func Zero(dims ...int) *tensors.Tensor {
	return tensors.FromShape(dims...)
}

// Uniform returns an initializer that draws values uniformly from [minValue, maxValue).
func Uniform(rng *rand.Rand, minValue, maxValue float64) Initializer {
	return func(dims ...int) *tensors.Tensor {
		t := tensors.FromShape(dims...)
		data := t.Data()
		for ii := range data {
			data[ii] = float32(minValue + (maxValue-minValue)*rng.Float64())
		}
		return t
	}
}

// GlorotUniform returns a Glorot uniform initializer, also called Xavier uniform initializer.
//
// It draws samples from a uniform distribution within `[-limit, limit]`, where
// `limit = sqrt(3 / ((fan_in + fan_out)/2))`. It assumes rank-2 tensors are dense weights
// shaped [fan_in, fan_out].
//
// It initializes biases (anything with rank <= 1) to zeros.
func GlorotUniform(rng *rand.Rand) Initializer {
	return func(dims ...int) *tensors.Tensor {
		if len(dims) <= 1 {
			return Zero(dims...)
		}
		fanIn, fanOut := computeFanInFanOut(dims)
		scale := max(1.0, float64(fanIn+fanOut)/2.0)
		limit := math.Sqrt(3.0 / scale)
		return Uniform(rng, -limit, limit)(dims...)
	}
}

// computeFanInFanOut of weights shaped [..., fanIn, fanOut].
func computeFanInFanOut(dims []int) (fanIn, fanOut int) {
	rank := len(dims)
	receptiveFieldSize := 1
	for _, dim := range dims[:rank-2] {
		receptiveFieldSize *= dim
	}
	return dims[rank-2] * receptiveFieldSize, dims[rank-1] * receptiveFieldSize
}
