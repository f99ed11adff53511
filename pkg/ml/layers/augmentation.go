// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"math"
	"math/rand/v2"
	"strings"

	"github.com/gomlx/ddpspoof/pkg/core/tensors"
	"github.com/gomlx/ddpspoof/pkg/ml/model"
	"github.com/pkg/errors"
)

// Waveform augmentation operations.
const (
	// AugGain scales each waveform by a random gain, in dB, drawn uniformly from its [min, max] parameters.
	AugGain = "gain"

	// AugNoise adds white noise at a random signal-to-noise ratio, in dB, drawn uniformly from its [min, max] parameters.
	AugNoise = "noise"
)

// DefaultAugmentationParams are used for operations without explicit parameters.
var DefaultAugmentationParams = map[string][2]float64{
	AugGain:  {-6, 6},
	AugNoise: {10, 40},
}

// WaveformAugmentation applies a list of random operations to each waveform of a batch.
type WaveformAugmentation struct {
	ops    []string
	params map[string][2]float64
}

var _ model.Augmentation = (*WaveformAugmentation)(nil)

// NewWaveformAugmentation creates the augmentation with the given operations (see AugGain, AugNoise),
// applied in order. Missing params use DefaultAugmentationParams.
func NewWaveformAugmentation(ops []string, params map[string][2]float64) (*WaveformAugmentation, error) {
	a := &WaveformAugmentation{params: make(map[string][2]float64)}
	for _, op := range ops {
		op = strings.ToLower(strings.TrimSpace(op))
		p, found := params[op]
		if !found {
			p, found = DefaultAugmentationParams[op]
			if !found {
				return nil, errors.Errorf("unknown waveform augmentation %q, valid values are %q and %q", op, AugGain, AugNoise)
			}
		}
		if p[0] > p[1] {
			return nil, errors.Errorf("waveform augmentation %q: invalid range [%g, %g]", op, p[0], p[1])
		}
		a.ops = append(a.ops, op)
		a.params[op] = p
	}
	return a, nil
}

// Name implements model.Augmentation.
func (a *WaveformAugmentation) Name() string {
	return "waveform_augmentation(" + strings.Join(a.ops, ",") + ")"
}

// Apply implements model.Augmentation.
func (a *WaveformAugmentation) Apply(waves *tensors.Tensor, rng *rand.Rand) (*tensors.Tensor, error) {
	if rng == nil {
		return nil, errors.New("waveform augmentation requires a random number generator")
	}
	out := waves.Clone()
	if out.Rank() != 2 {
		return nil, errors.Errorf("waveform augmentation expects [batch, samples], got %v", out.Shape())
	}
	for row := range out.Dim(0) {
		wave := out.Row(row)
		for _, op := range a.ops {
			p := a.params[op]
			db := p[0] + (p[1]-p[0])*rng.Float64()
			switch op {
			case AugGain:
				gain := float32(math.Pow(10, db/20))
				for ii := range wave {
					wave[ii] *= gain
				}
			case AugNoise:
				var power float64
				for _, v := range wave {
					power += float64(v) * float64(v)
				}
				power /= float64(max(len(wave), 1))
				std := math.Sqrt(power / math.Pow(10, db/10))
				for ii := range wave {
					wave[ii] += float32(std * rng.NormFloat64())
				}
			}
		}
	}
	return out, nil
}
