// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model defines the stages of an audio deepfake-detection model and the Pipeline that chains them:
//
//	waveform -> [Augmentation] -> Preprocessing -> Frontend -> Backend_i -> LossHead_i
//
// The Frontend produces one output per head (multi-level outputs), each fed to its own Backend and LossHead.
// The training loss is the weighted sum of the head losses.
//
// Stages compute on host tensors and implement their own backward pass: Forward returns a BackwardFn
// closure that, given the gradient of the output, accumulates the gradients of the stage parameters
// and returns the gradient of the input.
package model

import (
	"math/rand/v2"

	"github.com/gomlx/ddpspoof/pkg/core/tensors"
)

// Parameter is a trainable tensor and its accumulated gradient.
type Parameter struct {
	// Name is unique within its Module.
	Name string

	Value, Grad *tensors.Tensor
}

// NewParameter creates a parameter with a zero gradient of the same shape as value.
func NewParameter(name string, value *tensors.Tensor) *Parameter {
	return &Parameter{Name: name, Value: value, Grad: tensors.FromShape(value.Shape()...)}
}

// ZeroGrad resets the accumulated gradient.
func (p *Parameter) ZeroGrad() { p.Grad.Fill(0) }

// Module is anything with parameters.
type Module interface {
	// Name of the module, used for logging.
	Name() string

	// Parameters returns the trainable parameters, in a fixed order.
	Parameters() []*Parameter
}

// BackwardFn accumulates the gradients of the stage parameters, given the gradient of its output,
// and returns the gradient of its input.
type BackwardFn func(gradOutput *tensors.Tensor) (gradInput *tensors.Tensor, err error)

// MultiBackwardFn is the BackwardFn of a stage with multiple outputs: it takes one gradient per output.
// Stages that receive the (non-differentiable) features don't return the gradient of their input.
type MultiBackwardFn func(gradOutputs []*tensors.Tensor) error

// Stage is a differentiable module with one input and one output, e.g. a classification backend.
type Stage interface {
	Module
	Forward(x *tensors.Tensor, training bool) (*tensors.Tensor, BackwardFn, error)
}

// Preprocessing converts a batch of waveforms [batchSize, numSamples] to features [batchSize, featuresDim].
// During training, it may apply feature-level augmentation using rng.
type Preprocessing interface {
	Module
	Features(waves *tensors.Tensor, training bool, rng *rand.Rand) (*tensors.Tensor, error)
}

// Augmentation transforms a batch of waveforms during training. It must not modify its input.
type Augmentation interface {
	Name() string
	Apply(waves *tensors.Tensor, rng *rand.Rand) (*tensors.Tensor, error)
}

// Frontend is the encoder: it returns one output per head.
type Frontend interface {
	Module
	NumOutputs() int
	Forward(features *tensors.Tensor, training bool) ([]*tensors.Tensor, MultiBackwardFn, error)
}

// LossHead converts embeddings [batchSize, embeddingDim] to scores, one per example. Higher scores mean bonafide.
type LossHead interface {
	Module

	// Loss returns the mean loss over the batch, the scores and the gradient of the loss with respect to emb.
	// The gradients of the head parameters are accumulated.
	Loss(emb *tensors.Tensor, labels []int) (loss float64, scores []float64, gradEmb *tensors.Tensor, err error)

	// Score returns the scores of the embeddings, without computing gradients.
	Score(emb *tensors.Tensor) ([]float64, error)
}
