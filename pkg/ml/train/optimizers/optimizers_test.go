// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"
	"testing"

	"github.com/gomlx/ddpspoof/pkg/core/tensors"
	"github.com/gomlx/ddpspoof/pkg/ml/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// quadratic sets the gradient of sum((x-target)^2) and returns its value.
func quadratic(p *model.Parameter, target float32) float64 {
	var loss float64
	grad := p.Grad.Data()
	for ii, v := range p.Value.Data() {
		grad[ii] = 2 * (v - target)
		loss += float64((v - target) * (v - target))
	}
	return loss
}

func TestAdam(t *testing.T) {
	p := model.NewParameter("x", tensors.FromFlat([]float32{1, -2, 3}))
	opt := NewAdam(0.1, 0)

	// The first Adam step moves each value by lr in the direction of the gradient sign.
	quadratic(p, 0)
	require.NoError(t, opt.Step([]*model.Parameter{p}))
	assert.InDeltaSlice(t, []float32{0.9, -1.9, 2.9}, p.Value.Data(), 1e-5)
	assert.Equal(t, 1, opt.NumSteps())

	for range 300 {
		quadratic(p, 0)
		require.NoError(t, opt.Step([]*model.Parameter{p}))
	}
	assert.Less(t, quadratic(p, 0), 0.1)

	p.Grad.Data()[0] = float32(math.NaN())
	before := p.Value.Clone()
	require.Error(t, opt.Step([]*model.Parameter{p}))
	assert.True(t, before.Equal(p.Value), "parameters must not change on invalid gradients")
}

func TestAdamWeightDecay(t *testing.T) {
	// With a zero gradient, only the L2 term drives the update.
	p := model.NewParameter("x", tensors.FromFlat([]float32{2}))
	opt := NewAdam(0.01, 0.1)
	require.NoError(t, opt.Step([]*model.Parameter{p}))
	assert.InDelta(t, 1.99, p.Value.Data()[0], 1e-5)
}

func TestByName(t *testing.T) {
	opt, err := ByName("Adam", Config{LearningRate: 0.5})
	require.NoError(t, err)
	assert.Equal(t, "adam", opt.Name())
	assert.Equal(t, 0.5, opt.LearningRate())
	opt.SetLearningRate(0.25)
	assert.Equal(t, 0.25, opt.LearningRate())

	_, err = ByName("lion", Config{LearningRate: 0.5})
	assert.Error(t, err)
	_, err = ByName("sgd", Config{})
	assert.Error(t, err)

	sgd, err := ByName("sgd", Config{LearningRate: 0.5})
	require.NoError(t, err)
	p := model.NewParameter("x", tensors.FromFlat([]float32{1}))
	quadratic(p, 0)
	require.NoError(t, sgd.Step([]*model.Parameter{p}))
	assert.Equal(t, []float32{0}, p.Value.Data())
}
