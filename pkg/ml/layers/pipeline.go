// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"math/rand/v2"

	"github.com/gomlx/ddpspoof/pkg/ml/initializer"
	"github.com/gomlx/ddpspoof/pkg/ml/model"
	"github.com/pkg/errors"
)

// PipelineConfig configures the reference pipeline built by NewPipeline.
type PipelineConfig struct {
	// NumSamples of the (cropped) input waveforms.
	NumSamples int `koanf:"num_samples"`

	FrameSize int `koanf:"frame_size"`
	Hop       int `koanf:"hop"`

	// MaskProb and MaxMask configure the masking of frames during training. See FrameEnergy.
	MaskProb float64 `koanf:"mask_prob"`
	MaxMask  int     `koanf:"max_mask"`

	HiddenDim    int `koanf:"hidden_dim"`
	EmbeddingDim int `koanf:"embedding_dim"`

	// LossWeights has one weight per head: its length is the number of heads.
	LossWeights []float64 `koanf:"loss_weights"`

	// Augmentations is the list of waveform augmentations (AugGain, AugNoise) applied during training.
	// If empty, no augmentation is used.
	Augmentations []string `koanf:"augmentations"`
}

// DefaultPipelineConfig has 5 heads, with increasing weights for the deeper ones.
var DefaultPipelineConfig = PipelineConfig{
	NumSamples:   4000,
	FrameSize:    200,
	Hop:          100,
	MaskProb:     0.5,
	MaxMask:      4,
	HiddenDim:    32,
	EmbeddingDim: 16,
	LossWeights:  []float64{0.1, 0.1, 0.2, 0.2, 0.4},
}

// NewPipeline builds the reference pipeline:
//
//	[WaveformAugmentation] -> FrameEnergy -> MultiTap (one tap per head) -> Dense (tanh) -> LogisticLoss
//
// Parameters are initialized with GlorotUniform using rng. Scores come from the last (deepest) head.
func NewPipeline(cfg PipelineConfig, rng *rand.Rand) (*model.Pipeline, error) {
	if len(cfg.LossWeights) == 0 {
		return nil, errors.New("pipeline requires at least one loss weight (one per head)")
	}
	if cfg.HiddenDim < 1 || cfg.EmbeddingDim < 1 {
		return nil, errors.Errorf("invalid pipeline dimensions hidden=%d, embedding=%d", cfg.HiddenDim, cfg.EmbeddingDim)
	}
	pre := &FrameEnergy{FrameSize: cfg.FrameSize, Hop: cfg.Hop, MaskProb: cfg.MaskProb, MaxMask: cfg.MaxMask}
	numFrames := pre.NumFrames(cfg.NumSamples)
	if numFrames < 1 {
		return nil, errors.Errorf("waveforms of %d samples are too short for frames of %d (hop %d)",
			cfg.NumSamples, cfg.FrameSize, cfg.Hop)
	}
	init := initializer.GlorotUniform(rng)
	numHeads := len(cfg.LossWeights)
	p := &model.Pipeline{
		Preprocessing: pre,
		Frontend:      NewMultiTap("multi_tap", numFrames, cfg.HiddenDim, numHeads, init),
		LossWeights:   cfg.LossWeights,
		ScoreHead:     -1,
	}
	for head := range numHeads {
		p.Backends = append(p.Backends, NewDense(model.BackendComponent(head), cfg.HiddenDim, cfg.EmbeddingDim, Tanh, init))
		p.Losses = append(p.Losses, NewLogisticLoss(model.LossComponent(head), cfg.EmbeddingDim, init))
	}
	if len(cfg.Augmentations) > 0 {
		aug, err := NewWaveformAugmentation(cfg.Augmentations, nil)
		if err != nil {
			return nil, err
		}
		p.Augmentation = aug
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
