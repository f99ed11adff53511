// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements the optimizers that update the model parameters from their
// (already all-reduced) gradients. They all implement optimizers.Interface.
package optimizers

import (
	"math"
	"slices"
	"strings"

	"github.com/gomlx/ddpspoof/pkg/ml/model"
	"github.com/gomlx/ddpspoof/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Interface implemented by optimizer implementations.
type Interface interface {
	// Name of the optimizer, for logging.
	Name() string

	// Step updates the values of params using their gradients. The optimizer keeps its state
	// (e.g. moments) per parameter, so the same parameters should be passed on every step.
	Step(params []*model.Parameter) error

	// LearningRate returns the current learning rate.
	LearningRate() float64

	// SetLearningRate is used by learning rate schedules.
	SetLearningRate(lr float64)
}

// Config holds the hyperparameters common to all optimizers.
type Config struct {
	LearningRate float64 `koanf:"lr"`
	WeightDecay  float64 `koanf:"weight_decay"`
}

var (
	// KnownOptimizers is a map of known optimizers by name to their constructors.
	KnownOptimizers = map[string]func(cfg Config) Interface{
		"sgd":  func(cfg Config) Interface { return &SGD{LR: cfg.LearningRate, WeightDecay: cfg.WeightDecay} },
		"adam": func(cfg Config) Interface { return NewAdam(cfg.LearningRate, cfg.WeightDecay) },
	}
)

// ByName returns an optimizer given the name, or an error if one does not exist.
func ByName(name string, cfg Config) (Interface, error) {
	builder, found := KnownOptimizers[strings.ToLower(name)]
	if !found {
		return nil, errors.Errorf("unknown optimizer %q, known optimizers are %q", name, xslices.SortedKeys(KnownOptimizers))
	}
	if cfg.LearningRate <= 0 || cfg.WeightDecay < 0 {
		return nil, errors.Errorf("invalid optimizer %q configuration %+v", name, cfg)
	}
	return builder(cfg), nil
}

// checkGradients returns an error if any gradient has a NaN or Inf value, before any parameter is changed.
func checkGradients(params []*model.Parameter) error {
	for _, p := range params {
		if idx := slices.IndexFunc(p.Grad.Data(), func(v float32) bool {
			return math.IsNaN(float64(v)) || math.IsInf(float64(v), 0)
		}); idx >= 0 {
			return errors.Errorf("gradient of parameter %q has invalid value %g at position %d", p.Name, p.Grad.Data()[idx], idx)
		}
	}
	return nil
}

// SGD is plain stochastic gradient descent with L2 weight decay.
type SGD struct {
	LR, WeightDecay float64
}

var _ Interface = (*SGD)(nil)

// Name implements Interface.
func (o *SGD) Name() string { return "sgd" }

// LearningRate implements Interface.
func (o *SGD) LearningRate() float64 { return o.LR }

// SetLearningRate implements Interface.
func (o *SGD) SetLearningRate(lr float64) { o.LR = lr }

// Step implements Interface.
func (o *SGD) Step(params []*model.Parameter) error {
	if err := checkGradients(params); err != nil {
		return err
	}
	lr, wd := float32(o.LR), float32(o.WeightDecay)
	for _, p := range params {
		values := p.Value.Data()
		for ii, g := range p.Grad.Data() {
			values[ii] -= lr * (g + wd*values[ii])
		}
	}
	return nil
}
