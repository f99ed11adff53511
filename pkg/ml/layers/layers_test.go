// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/ddpspoof/pkg/core/tensors"
	"github.com/gomlx/ddpspoof/pkg/ml/datasets"
	"github.com/gomlx/ddpspoof/pkg/ml/initializer"
	"github.com/gomlx/ddpspoof/pkg/ml/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPipeline(numHeads int, seed uint64) *model.Pipeline {
	rng := rand.New(rand.NewPCG(seed, 0))
	init := initializer.GlorotUniform(rng)
	pre := &FrameEnergy{FrameSize: 4, Hop: 4}
	p := &model.Pipeline{
		Preprocessing: pre,
		Frontend:      NewMultiTap("frontend", pre.NumFrames(32), 6, numHeads, init),
		ScoreHead:     -1,
	}
	for range numHeads {
		p.Backends = append(p.Backends, NewDense("backend", 6, 4, Tanh, init))
		p.Losses = append(p.Losses, NewLogisticLoss("logistic", 4, init))
	}
	return p
}

func testBatch(seed uint64) (*tensors.Tensor, []int) {
	rng := rand.New(rand.NewPCG(seed, 1))
	waves := tensors.FromShape(6, 32)
	labels := make([]int, 6)
	for row := range 6 {
		labels[row] = row % 2
		for ii := range waves.Row(row) {
			waves.Row(row)[ii] = float32(rng.NormFloat64()) * float32(1+labels[row])
		}
	}
	return waves, labels
}

// TestGradients compares the analytic gradients with central finite differences.
func TestGradients(t *testing.T) {
	p := testPipeline(3, 1)
	p.LossWeights = []float64{0.5, 0.25, 1}
	require.NoError(t, p.Validate())
	waves, labels := testBatch(2)
	_, err := p.TrainStep(waves, labels, nil)
	require.NoError(t, err)

	lossAt := func() float64 {
		var total float64
		features, err := p.Preprocessing.Features(waves, false, nil)
		require.NoError(t, err)
		outs, _, err := p.Frontend.Forward(features, false)
		require.NoError(t, err)
		for head, out := range outs {
			emb, _, err := p.Backends[head].Forward(out, false)
			require.NoError(t, err)
			scores, err := p.Losses[head].Score(emb)
			require.NoError(t, err)
			var loss float64
			for ii, s := range scores {
				if labels[ii] == datasets.Bonafide {
					loss += softplus(-s)
				} else {
					loss += softplus(s)
				}
			}
			total += p.LossWeights[head] * loss / float64(len(scores))
		}
		return total
	}

	const eps = 1e-2
	for _, param := range p.Parameters() {
		data := param.Value.Data()
		for _, ii := range []int{0, len(data) / 2, len(data) - 1} {
			orig := data[ii]
			data[ii] = orig + eps
			plus := lossAt()
			data[ii] = orig - eps
			minus := lossAt()
			data[ii] = orig
			numeric := (plus - minus) / (2 * eps)
			analytic := float64(param.Grad.Data()[ii])
			assert.InDelta(t, numeric, analytic, 2e-3, "parameter %q[%d]", param.Name, ii)
		}
	}
}

func TestPipelineState(t *testing.T) {
	a, b := testPipeline(2, 1), testPipeline(2, 2)
	waves, _ := testBatch(3)
	scoresA, err := a.Score(waves)
	require.NoError(t, err)
	scoresB, err := b.Score(waves)
	require.NoError(t, err)
	require.NotEqual(t, scoresA, scoresB)

	state := a.CopyState()
	assert.Len(t, state, 2+2*2)
	require.NoError(t, b.LoadState(state))
	scoresB, err = b.Score(waves)
	require.NoError(t, err)
	assert.Equal(t, scoresA, scoresB)

	// The copy is detached.
	a.Parameters()[0].Value.Data()[0] += 1
	assert.NotEqual(t, a.Parameters()[0].Value.Data()[0], state[model.FrontendComponent]["tap_0/weights"].Data()[0])

	bad := state.Clone()
	bad["unknown"] = model.StateDict{}
	assert.Error(t, b.LoadState(bad))
	bad = state.Clone()
	bad[model.LossComponent(0)]["weights"] = tensors.FromShape(3, 1)
	assert.Error(t, b.LoadState(bad))
}

func TestFrameEnergy(t *testing.T) {
	f := &FrameEnergy{FrameSize: 2, Hop: 1, MaskProb: 1, MaxMask: 2}
	waves := tensors.FromRows([][]float32{{1, 1, 2, 2}})
	features, err := f.Features(waves, false, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, features.Shape())
	assert.InDelta(t, 0, features.Data()[0], 1e-6)
	assert.InDelta(t, math.Log(2.5), features.Data()[1], 1e-6)
	assert.InDelta(t, math.Log(4), features.Data()[2], 1e-6)

	_, err = f.Features(tensors.FromShape(1, 1), false, nil)
	assert.Error(t, err)
}

func TestWaveformAugmentation(t *testing.T) {
	_, err := NewWaveformAugmentation([]string{"reverb"}, nil)
	assert.Error(t, err)
	aug, err := NewWaveformAugmentation([]string{"gain", "noise"}, map[string][2]float64{AugGain: {6, 6}})
	require.NoError(t, err)
	waves := tensors.FromRows([][]float32{{1, -1, 1, -1}})
	out, err := aug.Apply(waves, rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)
	assert.Equal(t, []float32{1, -1, 1, -1}, waves.Data(), "input must not be modified")
	assert.NotEqual(t, waves.Data(), out.Data())
}

func TestNewPipeline(t *testing.T) {
	cfg := DefaultPipelineConfig
	cfg.Augmentations = []string{AugGain}
	p, err := NewPipeline(cfg, rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)
	assert.Equal(t, 5, p.NumHeads())
	assert.NotNil(t, p.Augmentation)
	assert.Len(t, p.Components(), 2+2*5)

	cfg.NumSamples = 10
	_, err = NewPipeline(cfg, rand.New(rand.NewPCG(1, 2)))
	assert.Error(t, err)
}

// TestTrainingReducesLoss runs a few plain gradient descent steps on separable data.
func TestTrainingReducesLoss(t *testing.T) {
	cfg := PipelineConfig{NumSamples: 32, FrameSize: 4, Hop: 4, HiddenDim: 8, EmbeddingDim: 4, LossWeights: []float64{0.5, 1}}
	p, err := NewPipeline(cfg, rand.New(rand.NewPCG(3, 4)))
	require.NoError(t, err)
	waves, labels := testBatch(5)
	first, err := p.TrainStep(waves, labels, nil)
	require.NoError(t, err)
	last := first
	for range 300 {
		for _, param := range p.Parameters() {
			values := param.Value.Data()
			for ii, g := range param.Grad.Data() {
				values[ii] -= 0.2 * g
			}
		}
		last, err = p.TrainStep(waves, labels, nil)
		require.NoError(t, err)
	}
	assert.Less(t, last.Loss, first.Loss/2, "first loss %g, last loss %g", first.Loss, last.Loss)
}
