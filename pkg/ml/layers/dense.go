// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package layers holds reference implementations of the model stages: they are small, host-computed
// modules used by the commands and tests to exercise the training pipeline end to end.
package layers

import (
	"math"

	"github.com/gomlx/ddpspoof/pkg/core/tensors"
	"github.com/gomlx/ddpspoof/pkg/ml/initializer"
	"github.com/gomlx/ddpspoof/pkg/ml/model"
	"github.com/pkg/errors"
)

// Activation applied after a Dense layer.
type Activation int

const (
	Linear Activation = iota
	Tanh
)

// Dense is a fully connected layer, y = activation(x·W + b).
type Dense struct {
	name       string
	inputDim   int
	weights    *model.Parameter
	biases     *model.Parameter
	activation Activation
}

var _ model.Stage = (*Dense)(nil)

// NewDense creates a Dense layer from inputDim to outputDim, initializing its weights with init.
func NewDense(name string, inputDim, outputDim int, activation Activation, init initializer.Initializer) *Dense {
	return &Dense{
		name:       name,
		inputDim:   inputDim,
		weights:    model.NewParameter("weights", init(inputDim, outputDim)),
		biases:     model.NewParameter("biases", initializer.Zero(outputDim)),
		activation: activation,
	}
}

// Name implements model.Module.
func (d *Dense) Name() string { return d.name }

// Parameters implements model.Module.
func (d *Dense) Parameters() []*model.Parameter { return []*model.Parameter{d.weights, d.biases} }

// Forward implements model.Stage, for x shaped [batchSize, inputDim].
func (d *Dense) Forward(x *tensors.Tensor, _ bool) (*tensors.Tensor, model.BackwardFn, error) {
	if x.Rank() != 2 || x.Dim(1) != d.inputDim {
		return nil, nil, errors.Errorf("dense %q expects input shaped [batch, %d], got %v", d.name, d.inputDim, x.Shape())
	}
	y := tensors.MatMul(x, d.weights.Value)
	bias := d.biases.Value.Data()
	for row := range y.Dim(0) {
		values := y.Row(row)
		for ii := range values {
			values[ii] += bias[ii]
			if d.activation == Tanh {
				values[ii] = float32(math.Tanh(float64(values[ii])))
			}
		}
	}
	backward := func(gradY *tensors.Tensor) (*tensors.Tensor, error) {
		if err := gradY.CheckSameShape(y); err != nil {
			return nil, errors.WithMessagef(err, "dense %q backward", d.name)
		}
		gradPre := gradY
		if d.activation == Tanh {
			gradPre = gradY.Clone()
			gp, yv := gradPre.Data(), y.Data()
			for ii := range gp {
				gp[ii] *= 1 - yv[ii]*yv[ii]
			}
		}
		d.weights.Grad.AddInPlace(tensors.MatMulTransposeA(x, gradPre))
		biasGrad := d.biases.Grad.Data()
		for row := range gradPre.Dim(0) {
			for ii, g := range gradPre.Row(row) {
				biasGrad[ii] += g
			}
		}
		return tensors.MatMulTransposeB(gradPre, d.weights.Value), nil
	}
	return y, backward, nil
}
