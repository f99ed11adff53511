// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/ddpspoof/pkg/core/tensors"
	"github.com/gomlx/ddpspoof/pkg/ml/model"
	"github.com/pkg/errors"
)

// FrameEnergy is a preprocessing that computes the log-energy of overlapping frames of the waveform.
//
// During training, with probability MaskProb, a random run of up to MaxMask frames of each example is
// masked (replaced by the mean of the example features).
type FrameEnergy struct {
	FrameSize, Hop int

	MaskProb float64
	MaxMask  int
}

var _ model.Preprocessing = (*FrameEnergy)(nil)

const logEnergyEpsilon = 1e-8

// Name implements model.Module.
func (f *FrameEnergy) Name() string { return "frame_energy" }

// Parameters implements model.Module. FrameEnergy has no parameters.
func (f *FrameEnergy) Parameters() []*model.Parameter { return nil }

// NumFrames returns the number of features for waveforms of numSamples.
func (f *FrameEnergy) NumFrames(numSamples int) int {
	if numSamples < f.FrameSize || f.Hop <= 0 {
		return 0
	}
	return 1 + (numSamples-f.FrameSize)/f.Hop
}

// Features implements model.Preprocessing.
func (f *FrameEnergy) Features(waves *tensors.Tensor, training bool, rng *rand.Rand) (*tensors.Tensor, error) {
	if waves.Rank() != 2 {
		return nil, errors.Errorf("frame energy expects waveforms shaped [batch, samples], got %v", waves.Shape())
	}
	batchSize, numSamples := waves.Dim(0), waves.Dim(1)
	numFrames := f.NumFrames(numSamples)
	if numFrames == 0 {
		return nil, errors.Errorf("waveforms of %d samples are too short for frames of %d (hop %d)",
			numSamples, f.FrameSize, f.Hop)
	}
	features := tensors.FromShape(batchSize, numFrames)
	for row := range batchSize {
		wave := waves.Row(row)
		out := features.Row(row)
		for frame := range numFrames {
			var energy float64
			for _, v := range wave[frame*f.Hop : frame*f.Hop+f.FrameSize] {
				energy += float64(v) * float64(v)
			}
			out[frame] = float32(math.Log(energy/float64(f.FrameSize) + logEnergyEpsilon))
		}
		if training && rng != nil && f.MaskProb > 0 && f.MaxMask > 0 && rng.Float64() < f.MaskProb {
			f.mask(out, rng)
		}
	}
	return features, nil
}

func (f *FrameEnergy) mask(frames []float32, rng *rand.Rand) {
	width := rng.IntN(min(f.MaxMask, len(frames)) + 1)
	if width == 0 {
		return
	}
	start := rng.IntN(len(frames) - width + 1)
	var mean float32
	for _, v := range frames {
		mean += v
	}
	mean /= float32(len(frames))
	for ii := start; ii < start+width; ii++ {
		frames[ii] = mean
	}
}
