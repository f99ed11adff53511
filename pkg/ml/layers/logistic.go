// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"math"

	"github.com/gomlx/ddpspoof/pkg/core/tensors"
	"github.com/gomlx/ddpspoof/pkg/ml/datasets"
	"github.com/gomlx/ddpspoof/pkg/ml/initializer"
	"github.com/gomlx/ddpspoof/pkg/ml/model"
	"github.com/pkg/errors"
)

// LogisticLoss is a binary logistic-regression head: score = emb·w + b, and the loss is the
// mean binary cross-entropy of sigmoid(score) being bonafide.
type LogisticLoss struct {
	name    string
	dim     int
	weights *model.Parameter
	biases  *model.Parameter
}

var _ model.LossHead = (*LogisticLoss)(nil)

// NewLogisticLoss creates a LogisticLoss head for embeddings of the given dimension.
func NewLogisticLoss(name string, embeddingDim int, init initializer.Initializer) *LogisticLoss {
	return &LogisticLoss{
		name:    name,
		dim:     embeddingDim,
		weights: model.NewParameter("weights", init(embeddingDim, 1)),
		biases:  model.NewParameter("biases", initializer.Zero(1)),
	}
}

// Name implements model.Module.
func (l *LogisticLoss) Name() string { return l.name }

// Parameters implements model.Module.
func (l *LogisticLoss) Parameters() []*model.Parameter { return []*model.Parameter{l.weights, l.biases} }

// softplus computes log(1+exp(x)) in a numerically stable way.
func softplus(x float64) float64 {
	if x > 0 {
		return x + math.Log1p(math.Exp(-x))
	}
	return math.Log1p(math.Exp(x))
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// Score implements model.LossHead.
func (l *LogisticLoss) Score(emb *tensors.Tensor) ([]float64, error) {
	if emb.Rank() != 2 || emb.Dim(1) != l.dim {
		return nil, errors.Errorf("loss head %q expects embeddings shaped [batch, %d], got %v", l.name, l.dim, emb.Shape())
	}
	logits := tensors.MatMul(emb, l.weights.Value).Data()
	bias := float64(l.biases.Value.Data()[0])
	scores := make([]float64, len(logits))
	for ii, v := range logits {
		scores[ii] = float64(v) + bias
	}
	return scores, nil
}

// Loss implements model.LossHead. Labels must be datasets.Bonafide or datasets.Spoof.
func (l *LogisticLoss) Loss(emb *tensors.Tensor, labels []int) (float64, []float64, *tensors.Tensor, error) {
	scores, err := l.Score(emb)
	if err != nil {
		return 0, nil, nil, err
	}
	if len(labels) != len(scores) {
		return 0, nil, nil, errors.Errorf("loss head %q: %d labels for %d embeddings", l.name, len(labels), len(scores))
	}
	batchSize := float64(len(scores))
	var loss float64
	gradScores := tensors.FromShape(len(scores), 1)
	gs := gradScores.Data()
	for ii, s := range scores {
		var target float64
		switch labels[ii] {
		case datasets.Bonafide:
			target = 1
			loss += softplus(-s)
		case datasets.Spoof:
			loss += softplus(s)
		default:
			return 0, nil, nil, errors.Errorf("loss head %q: invalid label %d for training", l.name, labels[ii])
		}
		gs[ii] = float32((sigmoid(s) - target) / batchSize)
	}
	l.weights.Grad.AddInPlace(tensors.MatMulTransposeA(emb, gradScores))
	var biasGrad float32
	for _, g := range gs {
		biasGrad += g
	}
	l.biases.Grad.Data()[0] += biasGrad
	gradEmb := tensors.MatMulTransposeB(gradScores, l.weights.Value)
	return loss / batchSize, scores, gradEmb, nil
}
