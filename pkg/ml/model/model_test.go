// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"math/rand/v2"
	"testing"

	"github.com/gomlx/ddpspoof/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// identity preprocessing: features are the waveforms.
type identity struct{}

func (identity) Name() string { return "identity" }
func (identity) Parameters() []*Parameter { return nil }
func (identity) Features(waves *tensors.Tensor, _ bool, _ *rand.Rand) (*tensors.Tensor, error) {
	return waves, nil
}

// fanOut frontend copies its input to numOutputs outputs.
type fanOut struct{ numOutputs int }

func (f fanOut) Name() string { return "fan_out" }
func (f fanOut) Parameters() []*Parameter { return nil }
func (f fanOut) NumOutputs() int { return f.numOutputs }
func (f fanOut) Forward(features *tensors.Tensor, _ bool) ([]*tensors.Tensor, MultiBackwardFn, error) {
	outputs := make([]*tensors.Tensor, f.numOutputs)
	for ii := range outputs {
		outputs[ii] = features.Clone()
	}
	return outputs, func([]*tensors.Tensor) error { return nil }, nil
}

// scale backend multiplies its input by a scalar parameter.
type scale struct{ factor *Parameter }

func newScale(v float32) *scale {
	return &scale{NewParameter("factor", tensors.FromFlat([]float32{v}))}
}
func (s *scale) Name() string { return "scale" }
func (s *scale) Parameters() []*Parameter { return []*Parameter{s.factor} }
func (s *scale) Forward(x *tensors.Tensor, _ bool) (*tensors.Tensor, BackwardFn, error) {
	f := s.factor.Value.Data()[0]
	y := x.Clone().Scale(f)
	return y, func(g *tensors.Tensor) (*tensors.Tensor, error) {
		var sum float32
		for ii, v := range g.Data() {
			sum += v * x.Data()[ii]
		}
		s.factor.Grad.Data()[0] += sum
		return g.Clone().Scale(f), nil
	}, nil
}

// sumLoss scores an example by the sum of its embedding, and its loss is the mean score.
type sumLoss struct{}

func (sumLoss) Name() string { return "sum" }
func (sumLoss) Parameters() []*Parameter { return nil }
func (sumLoss) Score(emb *tensors.Tensor) ([]float64, error) {
	scores := make([]float64, emb.Dim(0))
	for row := range scores {
		for _, v := range emb.Row(row) {
			scores[row] += float64(v)
		}
	}
	return scores, nil
}
func (l sumLoss) Loss(emb *tensors.Tensor, _ []int) (float64, []float64, *tensors.Tensor, error) {
	scores, _ := l.Score(emb)
	var loss float64
	for _, s := range scores {
		loss += s
	}
	n := float64(len(scores))
	grad := tensors.FromShape(emb.Shape()...).Fill(float32(1 / n))
	return loss / n, scores, grad, nil
}

func newTestPipeline() *Pipeline {
	return &Pipeline{
		Preprocessing: identity{},
		Frontend:      fanOut{2},
		Backends:      []Stage{newScale(1), newScale(2)},
		Losses:        []LossHead{sumLoss{}, sumLoss{}},
		LossWeights:   []float64{1, 0.5},
		ScoreHead:     -1,
	}
}

func TestPipeline(t *testing.T) {
	p := newTestPipeline()
	require.NoError(t, p.Validate())
	var names []string
	for _, c := range p.Components() {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"preprocessing", "frontend", "backend_0", "backend_1", "loss_0", "loss_1"}, names)

	waves := tensors.FromRows([][]float32{{1, 2}, {3, 4}})
	result, err := p.TrainStep(waves, []int{0, 1}, nil)
	require.NoError(t, err)
	// Head 0: mean sum = 5. Head 1: 2*5 = 10, weighted by 0.5.
	assert.InDeltaSlice(t, []float64{5, 10}, result.HeadLosses, 1e-6)
	assert.InDelta(t, 10.0, result.Loss, 1e-6)
	// d(loss_0)/d(factor_0) = 5, d(0.5*loss_1)/d(factor_1) = 0.5*5.
	assert.InDelta(t, 5.0, p.Backends[0].Parameters()[0].Grad.Data()[0], 1e-6)
	assert.InDelta(t, 2.5, p.Backends[1].Parameters()[0].Grad.Data()[0], 1e-6)

	scores, err := p.Score(waves)
	require.NoError(t, err)
	assert.Equal(t, []float64{6, 14}, scores, "scores come from the last head")
	p.ScoreHead = 0
	scores, err = p.Score(waves)
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 7}, scores)

	_, err = p.TrainStep(waves, []int{0}, nil)
	assert.Error(t, err)
	p.LossWeights = []float64{1}
	assert.Error(t, p.Validate())
}

func TestState(t *testing.T) {
	a, b := newTestPipeline(), newTestPipeline()
	a.Backends[0].Parameters()[0].Value.Data()[0] = 7
	state := a.CopyState()
	require.NoError(t, b.LoadState(state))
	assert.Equal(t, float32(7), b.Backends[0].Parameters()[0].Value.Data()[0])

	delete(state, BackendComponent(1))
	require.NoError(t, b.LoadState(state), "missing components are kept")

	state[BackendComponent(0)]["bias"] = tensors.FromShape(1)
	state[BackendComponent(0)]["factor"] = tensors.FromFlat([]float32{9})
	require.Error(t, b.LoadState(state))
	assert.Equal(t, float32(7), b.Backends[0].Parameters()[0].Value.Data()[0], "failed load must not change parameters")
}
