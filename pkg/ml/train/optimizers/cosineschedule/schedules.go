// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cosineschedule implements a cosine annealing schedule with warm restarts for the learning rate,
// stepped once per epoch. See original paper description in [1].
//
// [1] https://arxiv.org/abs/1608.03983
package cosineschedule

import (
	"math"

	"github.com/gomlx/ddpspoof/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// WarmRestarts configures the schedule: the learning rate follows a cosine from BaseLR down to EtaMin over a
// period of T0 epochs, and then restarts. Each new period is TMult times longer than the previous one.
type WarmRestarts struct {
	BaseLR float64 `koanf:"lr"`
	T0     int     `koanf:"t0"`
	TMult  int     `koanf:"t_mult"`
	EtaMin float64 `koanf:"eta_min"`
}

// Validate the configuration.
func (s WarmRestarts) Validate() error {
	if s.T0 < 1 {
		return errors.Errorf("cosine schedule T0 must be >= 1, got %d", s.T0)
	}
	if s.TMult < 1 {
		return errors.Errorf("cosine schedule T_mult must be >= 1, got %d", s.TMult)
	}
	if s.EtaMin < 0 || s.EtaMin > s.BaseLR {
		return errors.Errorf("cosine schedule eta_min %g must be in [0, lr=%g]", s.EtaMin, s.BaseLR)
	}
	return nil
}

// position returns the epoch within the current period and the length of the current period.
func (s WarmRestarts) position(epoch float64) (tCur, tI float64) {
	t0 := float64(s.T0)
	if epoch < 0 {
		epoch = 0
	}
	if s.TMult <= 1 {
		return math.Mod(epoch, t0), t0
	}
	if epoch < t0 {
		return epoch, t0
	}
	mult := float64(s.TMult)
	// Rounding tolerance, so that restarts at exact powers of mult start a new period.
	n := math.Floor(math.Log(epoch/t0*(mult-1)+1)/math.Log(mult) + 1e-9)
	tCur = epoch - t0*(math.Pow(mult, n)-1)/(mult-1)
	tI = t0 * math.Pow(mult, n)
	return
}

// At returns the learning rate for the given epoch. Epochs can be fractional.
func (s WarmRestarts) At(epoch float64) float64 {
	tCur, tI := s.position(epoch)
	return s.EtaMin + (s.BaseLR-s.EtaMin)*(1+math.Cos(math.Pi*tCur/tI))/2
}

// Step sets the learning rate of the optimizer for the given epoch, and returns it.
func (s WarmRestarts) Step(opt optimizers.Interface, epoch int) float64 {
	lr := s.At(float64(epoch))
	opt.SetLearningRate(lr)
	if klog.V(1).Enabled() {
		tCur, tI := s.position(float64(epoch))
		klog.Infof("cosine schedule: epoch %d (%g of %g in period) learning rate %g", epoch, tCur, tI, lr)
	}
	return lr
}
