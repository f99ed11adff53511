// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"cmp"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/stat"
)

// DET holds the detection error tradeoff curve: for each threshold, the false rejection rate of
// bonafide (FRR, or miss rate) and the false acceptance rate of spoofs (FAR).
type DET struct {
	FRR, FAR, Thresholds []float64
}

// DETCurve computes the DET curve with one point per score, plus a first point with a threshold below all scores.
// Ties are broken by a stable sort, with target scores first.
func DETCurve(target, nontarget []float64) DET {
	numScores := len(target) + len(nontarget)
	scores := slices.Concat(target, nontarget)
	indices := make([]int, numScores)
	for ii := range indices {
		indices[ii] = ii
	}
	slices.SortStableFunc(indices, func(a, b int) int { return cmp.Compare(scores[a], scores[b]) })

	isTarget := make([]float64, numScores)
	for ii, idx := range indices {
		if idx < len(target) {
			isTarget[ii] = 1
		}
	}
	targetSums := make([]float64, numScores)
	floats.CumSum(targetSums, isTarget)

	det := DET{
		FRR:        make([]float64, numScores+1),
		FAR:        make([]float64, numScores+1),
		Thresholds: make([]float64, numScores+1),
	}
	det.FAR[0] = 1
	if numScores > 0 {
		det.Thresholds[0] = scores[indices[0]] - 0.001
	}
	numTarget, numNonTarget := float64(len(target)), float64(len(nontarget))
	for ii, sum := range targetSums {
		det.FRR[ii+1] = sum / numTarget
		det.FAR[ii+1] = (numNonTarget - (float64(ii+1) - sum)) / numNonTarget
		det.Thresholds[ii+1] = scores[indices[ii]]
	}
	return det
}

// EER returns the equal error rate on the DET curve: the mean of FRR and FAR at the point where they are closest.
func (d DET) EER() float64 {
	diffs := make([]float64, len(d.FRR))
	floats.SubTo(diffs, d.FRR, d.FAR)
	for ii, v := range diffs {
		diffs[ii] = math.Abs(v)
	}
	idx := floats.MinIdx(diffs)
	return (d.FRR[idx] + d.FAR[idx]) / 2
}

// EERRepo returns the equal error rate computed on the DET curve.
func EERRepo(target, nontarget []float64) float64 {
	return DETCurve(target, nontarget).EER()
}

// EER returns the equal error rate computed on the ROC curve: the false positive rate x at which the
// linearly interpolated true positive rate equals 1-x, found by bisection.
func EER(target, nontarget []float64) float64 {
	fpr, tpr := rocCurve(target, nontarget)
	var pl interp.PiecewiseLinear
	if err := pl.Fit(fpr, tpr); err != nil {
		return math.NaN()
	}
	f := func(x float64) float64 { return 1 - x - pl.Predict(x) }
	lo, hi := 0.0, 1.0
	if f(lo) <= 0 {
		return lo
	}
	for range 200 {
		mid := (lo + hi) / 2
		if f(mid) > 0 {
			lo = mid
		} else {
			hi = mid
		}
		if hi-lo < 1e-12 {
			break
		}
	}
	return (lo + hi) / 2
}

// rocCurve returns the ROC curve points (false and true positive rates of accepting as bonafide),
// by decreasing threshold. Points with the same false positive rate are merged keeping the largest
// true positive rate, so the rates can be interpolated.
func rocCurve(target, nontarget []float64) (fpr, tpr []float64) {
	type scored struct {
		score    float64
		isTarget bool
	}
	all := make([]scored, 0, len(target)+len(nontarget))
	for _, s := range target {
		all = append(all, scored{s, true})
	}
	for _, s := range nontarget {
		all = append(all, scored{s, false})
	}
	slices.SortStableFunc(all, func(a, b scored) int { return cmp.Compare(b.score, a.score) })

	fpr, tpr = []float64{0}, []float64{0}
	var tp, fp float64
	for ii, s := range all {
		if s.isTarget {
			tp++
		} else {
			fp++
		}
		if ii+1 < len(all) && all[ii+1].score == s.score {
			continue
		}
		x, y := fp/float64(len(nontarget)), tp/float64(len(target))
		if last := len(fpr) - 1; fpr[last] == x {
			tpr[last] = y
		} else {
			fpr = append(fpr, x)
			tpr = append(tpr, y)
		}
	}
	return
}

// DCFConfig holds the prior and costs of the detection cost function.
type DCFConfig struct {
	PSpoof float64 `koanf:"p_spoof"`
	CMiss  float64 `koanf:"c_miss"`
	CFA    float64 `koanf:"c_fa"`
}

// DefaultDCF is the configuration of the ASVspoof 5 challenge.
var DefaultDCF = DCFConfig{PSpoof: 0.05, CMiss: 1, CFA: 10}

// MinDCF returns the minimum over thresholds of the normalized detection cost:
//
//	(CMiss*(1-PSpoof)*FRR + CFA*PSpoof*FAR) / min(CMiss*(1-PSpoof), CFA*PSpoof)
func (d DET) MinDCF(cfg DCFConfig) float64 {
	missWeight := cfg.CMiss * (1 - cfg.PSpoof)
	faWeight := cfg.CFA * cfg.PSpoof
	norm := math.Min(missWeight, faWeight)
	costs := make([]float64, len(d.FRR))
	floats.AddScaledTo(costs, floats.ScaleTo(costs, missWeight, d.FRR), faWeight, d.FAR)
	return floats.Min(costs) / norm
}

// MinDCF returns the minimum normalized detection cost. See DET.MinDCF.
func MinDCF(target, nontarget []float64, cfg DCFConfig) float64 {
	return DETCurve(target, nontarget).MinDCF(cfg)
}

// CLLR returns the log-likelihood-ratio cost, in bits, taking the scores as natural-log likelihood ratios.
func CLLR(target, nontarget []float64) float64 {
	targetCosts := make([]float64, len(target))
	for ii, s := range target {
		targetCosts[ii] = softplus(-s) / math.Ln2
	}
	nontargetCosts := make([]float64, len(nontarget))
	for ii, s := range nontarget {
		nontargetCosts[ii] = softplus(s) / math.Ln2
	}
	return (stat.Mean(targetCosts, nil) + stat.Mean(nontargetCosts, nil)) / 2
}

func softplus(x float64) float64 {
	if x > 0 {
		return x + math.Log1p(math.Exp(-x))
	}
	return math.Log1p(math.Exp(x))
}
