// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"

	"github.com/gomlx/ddpspoof/pkg/ml/model"
	"github.com/pkg/errors"
)

const (
	// AdamDefaultLearningRate is used by Adam if no learning rate is set.
	AdamDefaultLearningRate = 0.001

	// AdamDefaultBeta1 is the moving average coefficient for the gradient (momentum), the numerator.
	AdamDefaultBeta1 = 0.9

	// AdamDefaultBeta2 is the moving average coefficient for the variance, the denominator.
	AdamDefaultBeta2 = 0.999

	// AdamDefaultEpsilon is added to the denominator for numerical stability.
	AdamDefaultEpsilon = 1e-8
)

// Adam optimizer, as described in https://arxiv.org/abs/1412.6980.
//
// WeightDecay is applied as L2 regularization: WeightDecay*value is added to the gradient before the moments
// are updated (not the decoupled AdamW variant).
type Adam struct {
	LR, Beta1, Beta2, Epsilon, WeightDecay float64

	step    int
	moments map[*model.Parameter]*adamMoments
}

type adamMoments struct {
	mean, variance []float64
}

var _ Interface = (*Adam)(nil)

// NewAdam returns an Adam optimizer with default betas and epsilon.
// If lr is 0, AdamDefaultLearningRate is used.
func NewAdam(lr, weightDecay float64) *Adam {
	if lr == 0 {
		lr = AdamDefaultLearningRate
	}
	return &Adam{
		LR:          lr,
		Beta1:       AdamDefaultBeta1,
		Beta2:       AdamDefaultBeta2,
		Epsilon:     AdamDefaultEpsilon,
		WeightDecay: weightDecay,
	}
}

// Name implements Interface.
func (o *Adam) Name() string { return "adam" }

// LearningRate implements Interface.
func (o *Adam) LearningRate() float64 { return o.LR }

// SetLearningRate implements Interface.
func (o *Adam) SetLearningRate(lr float64) { o.LR = lr }

// NumSteps returns the number of steps taken so far.
func (o *Adam) NumSteps() int { return o.step }

// Step implements Interface.
func (o *Adam) Step(params []*model.Parameter) error {
	if o.Beta1 < 0 || o.Beta1 >= 1 || o.Beta2 < 0 || o.Beta2 >= 1 {
		return errors.Errorf("adam: invalid betas (%g, %g)", o.Beta1, o.Beta2)
	}
	if err := checkGradients(params); err != nil {
		return err
	}
	if o.moments == nil {
		o.moments = make(map[*model.Parameter]*adamMoments)
	}
	o.step++
	debias1 := 1 - math.Pow(o.Beta1, float64(o.step))
	debias2 := 1 - math.Pow(o.Beta2, float64(o.step))
	for _, p := range params {
		m, found := o.moments[p]
		if !found {
			m = &adamMoments{mean: make([]float64, p.Value.Size()), variance: make([]float64, p.Value.Size())}
			o.moments[p] = m
		}
		if len(m.mean) != p.Value.Size() {
			return errors.Errorf("adam: parameter %q changed size from %d to %d", p.Name, len(m.mean), p.Value.Size())
		}
		values := p.Value.Data()
		for ii, g32 := range p.Grad.Data() {
			g := float64(g32) + o.WeightDecay*float64(values[ii])
			m.mean[ii] = o.Beta1*m.mean[ii] + (1-o.Beta1)*g
			m.variance[ii] = o.Beta2*m.variance[ii] + (1-o.Beta2)*g*g
			update := (m.mean[ii] / debias1) / (math.Sqrt(m.variance[ii]/debias2) + o.Epsilon)
			values[ii] -= float32(o.LR * update)
		}
	}
	return nil
}
