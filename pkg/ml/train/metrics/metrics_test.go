// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"fmt"
	"math"
	"testing"

	"github.com/gomlx/ddpspoof/pkg/ml/datasets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// knownEER returns interleaved scores where the threshold 0.6 rejects 40% of bonafide and accepts 40% of spoofs.
func knownEER() (target, nontarget []float64) {
	for ii := range 1000 {
		target = append(target, 0.2+(float64(ii)+0.25)/1000)
		nontarget = append(nontarget, (float64(ii)+0.75)/1000)
	}
	return
}

func TestEER(t *testing.T) {
	target, nontarget := knownEER()
	assert.InDelta(t, 0.4, EERRepo(target, nontarget), 1e-3)
	assert.InDelta(t, 0.4, EER(target, nontarget), 1e-3)

	// Perfect separation.
	assert.Equal(t, 0.0, EERRepo([]float64{1, 2}, []float64{-1, -2}))
	assert.InDelta(t, 0.0, EER([]float64{1, 2}, []float64{-1, -2}), 1e-9)

	// Inverted scores.
	assert.Equal(t, 1.0, EERRepo([]float64{-1, -2}, []float64{1, 2}))
}

func TestDETCurve(t *testing.T) {
	det := DETCurve([]float64{0.9, 0.3}, []float64{0.1, 0.5})
	assert.Equal(t, []float64{0, 0, 0.5, 0.5, 1}, det.FRR)
	assert.Equal(t, []float64{1, 0.5, 0.5, 0, 0}, det.FAR)
	assert.InDeltaSlice(t, []float64{0.099, 0.1, 0.3, 0.5, 0.9}, det.Thresholds, 1e-12)
	assert.Equal(t, 0.5, det.EER())
}

func TestMinDCF(t *testing.T) {
	assert.Equal(t, 0.0, MinDCF([]float64{1, 2}, []float64{-1, -2}, DefaultDCF))
	// Uninformative scores: the best is to accept everything, costing CFA*PSpoof, the normalization.
	assert.InDelta(t, 1.0, MinDCF([]float64{0, 0}, []float64{0, 0}, DefaultDCF), 1e-12)

	// FRR=0 and FAR=0.5 at the best threshold: 10*0.05*0.5/0.5.
	det := DETCurve([]float64{0.9, 0.3}, []float64{0.1, 0.5})
	assert.InDelta(t, 0.5, det.MinDCF(DefaultDCF), 1e-12)
}

func TestCLLR(t *testing.T) {
	// Zero log-likelihood-ratios cost exactly 1 bit.
	assert.InDelta(t, 1.0, CLLR([]float64{0, 0}, []float64{0}), 1e-12)
	assert.Less(t, CLLR([]float64{10, 20}, []float64{-10, -20}), 1e-3)
	assert.Greater(t, CLLR([]float64{-10}, []float64{10}), 10.0)
}

func TestCompute(t *testing.T) {
	target, nontarget := knownEER()
	var records []ScoreRecord
	for ii, s := range target {
		records = append(records, ScoreRecord{Filename: fmt.Sprintf("b%04d", ii), Score: s, Label: datasets.Bonafide})
	}
	for ii, s := range nontarget {
		records = append(records, ScoreRecord{Filename: fmt.Sprintf("s%04d", ii), Score: s, Label: datasets.Spoof})
	}
	records = append(records, ScoreRecord{Filename: "unlabeled", Score: 5, Label: datasets.Unknown})
	result, err := Compute(records)
	require.NoError(t, err)
	assert.Equal(t, 1000, result.NumTarget)
	assert.Equal(t, 1000, result.NumNonTarget)
	assert.True(t, CrossCheck(result, DefaultCrossCheckTolerance))
	assert.Contains(t, result.String(), "EER-repo=40.0")

	assert.False(t, CrossCheck(Result{EERRepo: 0.1, EER: 0.2}, DefaultCrossCheckTolerance))

	result, err = Compute(records[:10])
	require.ErrorIs(t, err, ErrSingleClass)
	assert.True(t, math.IsNaN(result.EERRepo))
	assert.Equal(t, 10, result.NumTarget)
}
