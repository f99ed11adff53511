// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics computes the spoofing countermeasure metrics from the global set of scores:
// equal error rate (EER), minimum normalized detection cost (minDCF) and log-likelihood-ratio cost (CLLR).
//
// Scores are oriented so that higher means bonafide: bonafide examples are the "target" class and
// spoofed examples the "nontarget" class.
package metrics

import (
	"fmt"
	"math"

	"github.com/gomlx/ddpspoof/pkg/ml/datasets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ScoreRecord is the score of one evaluated example.
type ScoreRecord struct {
	Filename string  `json:"f"`
	Score    float64 `json:"s"`
	Label    int     `json:"l"`
}

// ErrSingleClass is returned by Compute when the records don't have both bonafide and spoof examples.
var ErrSingleClass = errors.New("metrics require both bonafide and spoof scores")

// Split returns the scores of bonafide (target) and spoof (nontarget) records.
// Records with other labels (e.g. datasets.Unknown) are ignored.
func Split(records []ScoreRecord) (target, nontarget []float64) {
	for _, r := range records {
		switch r.Label {
		case datasets.Bonafide:
			target = append(target, r.Score)
		case datasets.Spoof:
			nontarget = append(nontarget, r.Score)
		}
	}
	return
}

// Result holds the metrics of one evaluation. Metrics are fractions in [0, 1], except CLLR (in bits).
type Result struct {
	// EERRepo is the canonical EER, computed on the DET curve.
	EERRepo float64 `json:"eer_repo"`

	// EER is computed on the interpolated ROC curve, as a cross-check of EERRepo.
	EER float64 `json:"eer"`

	MinDCF float64 `json:"min_dcf"`
	CLLR   float64 `json:"cllr"`

	NumTarget    int `json:"num_target"`
	NumNonTarget int `json:"num_nontarget"`
}

// String implements fmt.Stringer.
func (r Result) String() string {
	return fmt.Sprintf("EER-repo=%.4f%% EER=%.4f%% minDCF=%.4f CLLR=%.4f (%d bonafide, %d spoof)",
		100*r.EERRepo, 100*r.EER, r.MinDCF, r.CLLR, r.NumTarget, r.NumNonTarget)
}

// NaNResult returns a Result with all metrics set to NaN, used when they can't be computed.
func NaNResult(numTarget, numNonTarget int) Result {
	nan := math.NaN()
	return Result{EERRepo: nan, EER: nan, MinDCF: nan, CLLR: nan, NumTarget: numTarget, NumNonTarget: numNonTarget}
}

// Compute all metrics from the records, using DefaultDCF for the detection cost.
func Compute(records []ScoreRecord) (Result, error) {
	target, nontarget := Split(records)
	if len(target) == 0 || len(nontarget) == 0 {
		return NaNResult(len(target), len(nontarget)), errors.Wrapf(ErrSingleClass,
			"got %d bonafide and %d spoof scores out of %d records", len(target), len(nontarget), len(records))
	}
	det := DETCurve(target, nontarget)
	return Result{
		EERRepo:      det.EER(),
		EER:          EER(target, nontarget),
		MinDCF:       det.MinDCF(DefaultDCF),
		CLLR:         CLLR(target, nontarget),
		NumTarget:    len(target),
		NumNonTarget: len(nontarget),
	}, nil
}

// DefaultCrossCheckTolerance is the maximum accepted difference between EERRepo and EER.
const DefaultCrossCheckTolerance = 1e-3

// CrossCheck returns whether both EER computations agree within tol, and logs a warning otherwise.
func CrossCheck(r Result, tol float64) bool {
	diff := math.Abs(r.EERRepo - r.EER)
	if diff <= tol {
		return true
	}
	klog.Warningf("EER cross-check mismatch: EER-repo=%g and EER=%g differ by %g (> %g)", r.EERRepo, r.EER, diff, tol)
	return false
}
