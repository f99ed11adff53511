// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/gomlx/ddpspoof/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Component names of the Pipeline, used for state dicts and checkpoints.
const (
	PreprocessingComponent = "preprocessing"
	FrontendComponent      = "frontend"
)

// BackendComponent returns the component name of the i-th backend.
func BackendComponent(i int) string { return fmt.Sprintf("backend_%d", i) }

// LossComponent returns the component name of the i-th loss head.
func LossComponent(i int) string { return fmt.Sprintf("loss_%d", i) }

// Pipeline chains the stages of the model. Augmentation is optional.
type Pipeline struct {
	Preprocessing Preprocessing
	Augmentation  Augmentation
	Frontend      Frontend

	// Backends and Losses have one entry per head, and as many heads as the Frontend outputs.
	Backends []Stage
	Losses   []LossHead

	// LossWeights weight the loss of each head. If nil, all heads have weight 1.
	LossWeights []float64

	// ScoreHead is the head used to score examples. If negative, the last head is used.
	ScoreHead int
}

// Validate checks that the stages are consistent.
func (p *Pipeline) Validate() error {
	if p.Preprocessing == nil || p.Frontend == nil {
		return errors.New("pipeline requires a Preprocessing and a Frontend")
	}
	numHeads := p.Frontend.NumOutputs()
	if len(p.Backends) != numHeads || len(p.Losses) != numHeads {
		return errors.Errorf("frontend %q has %d outputs, but pipeline has %d backends and %d loss heads",
			p.Frontend.Name(), numHeads, len(p.Backends), len(p.Losses))
	}
	if p.LossWeights != nil && len(p.LossWeights) != numHeads {
		return errors.Errorf("pipeline has %d heads but %d loss weights", numHeads, len(p.LossWeights))
	}
	if p.ScoreHead >= numHeads {
		return errors.Errorf("score head %d out of range for %d heads", p.ScoreHead, numHeads)
	}
	return nil
}

// NumHeads returns the number of heads.
func (p *Pipeline) NumHeads() int { return len(p.Losses) }

func (p *Pipeline) lossWeight(head int) float64 {
	if p.LossWeights == nil {
		return 1
	}
	return p.LossWeights[head]
}

func (p *Pipeline) scoreHead() int {
	if p.ScoreHead < 0 {
		return len(p.Losses) - 1
	}
	return p.ScoreHead
}

// Component is a named module of the pipeline.
type Component struct {
	Name   string
	Module Module
}

// Components returns the named modules of the pipeline in a fixed order:
// preprocessing, frontend, backend_0..backend_{n-1}, loss_0..loss_{n-1}.
func (p *Pipeline) Components() []Component {
	components := []Component{
		{PreprocessingComponent, p.Preprocessing},
		{FrontendComponent, p.Frontend},
	}
	for ii, b := range p.Backends {
		components = append(components, Component{BackendComponent(ii), b})
	}
	for ii, l := range p.Losses {
		components = append(components, Component{LossComponent(ii), l})
	}
	return components
}

// Parameters returns all trainable parameters, in the order of Components.
func (p *Pipeline) Parameters() []*Parameter {
	var params []*Parameter
	for _, c := range p.Components() {
		params = append(params, c.Module.Parameters()...)
	}
	return params
}

// ZeroGrads resets the gradients of all parameters.
func (p *Pipeline) ZeroGrads() {
	for _, param := range p.Parameters() {
		param.ZeroGrad()
	}
}

// StepResult is the outcome of one TrainStep.
type StepResult struct {
	// Loss is the weighted sum of the head losses.
	Loss float64

	// HeadLosses are the (unweighted) losses of each head.
	HeadLosses []float64
}

// TrainStep runs forward and backward on one batch: gradients are reset and then hold the gradient
// of the weighted loss. It doesn't update the parameters.
func (p *Pipeline) TrainStep(waves *tensors.Tensor, labels []int, rng *rand.Rand) (StepResult, error) {
	var result StepResult
	if len(labels) != waves.Dim(0) {
		return result, errors.Errorf("batch of %d waveforms with %d labels", waves.Dim(0), len(labels))
	}
	p.ZeroGrads()
	var err error
	if p.Augmentation != nil {
		if waves, err = p.Augmentation.Apply(waves, rng); err != nil {
			return result, errors.WithMessagef(err, "augmentation %q", p.Augmentation.Name())
		}
	}
	features, err := p.Preprocessing.Features(waves, true, rng)
	if err != nil {
		return result, errors.WithMessagef(err, "preprocessing %q", p.Preprocessing.Name())
	}
	outputs, frontendBackward, err := p.Frontend.Forward(features, true)
	if err != nil {
		return result, errors.WithMessagef(err, "frontend %q", p.Frontend.Name())
	}
	if len(outputs) != p.NumHeads() {
		return result, errors.Errorf("frontend %q returned %d outputs for %d heads", p.Frontend.Name(), len(outputs), p.NumHeads())
	}

	gradOutputs := make([]*tensors.Tensor, len(outputs))
	result.HeadLosses = make([]float64, len(outputs))
	for head, out := range outputs {
		emb, backendBackward, err := p.Backends[head].Forward(out, true)
		if err != nil {
			return result, errors.WithMessagef(err, "%s %q", BackendComponent(head), p.Backends[head].Name())
		}
		loss, _, gradEmb, err := p.Losses[head].Loss(emb, labels)
		if err != nil {
			return result, errors.WithMessagef(err, "%s %q", LossComponent(head), p.Losses[head].Name())
		}
		weight := p.lossWeight(head)
		result.HeadLosses[head] = loss
		result.Loss += weight * loss
		if weight != 1 {
			// Head parameters were accumulated with weight 1.
			for _, param := range p.Losses[head].Parameters() {
				param.Grad.Scale(float32(weight))
			}
			gradEmb.Scale(float32(weight))
		}
		if gradOutputs[head], err = backendBackward(gradEmb); err != nil {
			return result, errors.WithMessagef(err, "backward of %s", BackendComponent(head))
		}
	}
	if err = frontendBackward(gradOutputs); err != nil {
		return result, errors.WithMessagef(err, "backward of frontend %q", p.Frontend.Name())
	}
	if math.IsNaN(result.Loss) || math.IsInf(result.Loss, 0) {
		return result, errors.Errorf("loss is %g (head losses %v)", result.Loss, result.HeadLosses)
	}
	return result, nil
}

// Score returns one score per waveform of the batch (higher means bonafide), using the score head.
// No augmentation is applied and no gradients are computed.
func (p *Pipeline) Score(waves *tensors.Tensor) ([]float64, error) {
	features, err := p.Preprocessing.Features(waves, false, nil)
	if err != nil {
		return nil, errors.WithMessagef(err, "preprocessing %q", p.Preprocessing.Name())
	}
	outputs, _, err := p.Frontend.Forward(features, false)
	if err != nil {
		return nil, errors.WithMessagef(err, "frontend %q", p.Frontend.Name())
	}
	head := p.scoreHead()
	if head >= len(outputs) {
		return nil, errors.Errorf("frontend %q returned %d outputs, score head is %d", p.Frontend.Name(), len(outputs), head)
	}
	emb, _, err := p.Backends[head].Forward(outputs[head], false)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s", BackendComponent(head))
	}
	return p.Losses[head].Score(emb)
}
