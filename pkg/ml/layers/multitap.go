// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"fmt"

	"github.com/gomlx/ddpspoof/pkg/core/tensors"
	"github.com/gomlx/ddpspoof/pkg/ml/initializer"
	"github.com/gomlx/ddpspoof/pkg/ml/model"
	"github.com/pkg/errors"
)

// MultiTap is a frontend made of a chain of tanh Dense layers, where the output of every layer is tapped:
// it returns one output per layer, shallowest first, as multi-level features for the heads.
type MultiTap struct {
	name   string
	layers []*Dense
}

var _ model.Frontend = (*MultiTap)(nil)

// NewMultiTap creates a MultiTap with numOutputs layers of hiddenDim units.
func NewMultiTap(name string, inputDim, hiddenDim, numOutputs int, init initializer.Initializer) *MultiTap {
	m := &MultiTap{name: name}
	dim := inputDim
	for ii := range numOutputs {
		layer := NewDense(fmt.Sprintf("%s/tap_%d", name, ii), dim, hiddenDim, Tanh, init)
		layer.weights.Name = fmt.Sprintf("tap_%d/weights", ii)
		layer.biases.Name = fmt.Sprintf("tap_%d/biases", ii)
		m.layers = append(m.layers, layer)
		dim = hiddenDim
	}
	return m
}

// Name implements model.Module.
func (m *MultiTap) Name() string { return m.name }

// NumOutputs implements model.Frontend.
func (m *MultiTap) NumOutputs() int { return len(m.layers) }

// Parameters implements model.Module. Names are prefixed by the tap number.
func (m *MultiTap) Parameters() []*model.Parameter {
	var params []*model.Parameter
	for _, layer := range m.layers {
		params = append(params, layer.Parameters()...)
	}
	return params
}

// Forward implements model.Frontend.
func (m *MultiTap) Forward(features *tensors.Tensor, training bool) ([]*tensors.Tensor, model.MultiBackwardFn, error) {
	outputs := make([]*tensors.Tensor, len(m.layers))
	backwards := make([]model.BackwardFn, len(m.layers))
	x := features
	for ii, layer := range m.layers {
		var err error
		x, backwards[ii], err = layer.Forward(x, training)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "frontend %q", m.name)
		}
		outputs[ii] = x
	}
	backward := func(gradOutputs []*tensors.Tensor) error {
		if len(gradOutputs) != len(m.layers) {
			return errors.Errorf("frontend %q backward got %d gradients for %d outputs", m.name, len(gradOutputs), len(m.layers))
		}
		grad := gradOutputs[len(m.layers)-1]
		for ii := len(m.layers) - 1; ii >= 0; ii-- {
			gradInput, err := backwards[ii](grad)
			if err != nil {
				return err
			}
			if ii > 0 {
				grad = gradInput.AddInPlace(gradOutputs[ii-1])
			}
		}
		return nil
	}
	return outputs, backward, nil
}
