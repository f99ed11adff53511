// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/ddpspoof/pkg/ml/train/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveCurves(t *testing.T) {
	series := make(Series)
	series.Add("Dev-EER", 1, 0.3)
	series.Add("Dev-EER", 2, 0.2)
	series.Add("Dev-EER", 3, math.NaN())
	series.Add("LR", 1, 0.001)
	assert.Len(t, series["Dev-EER"], 2)

	filePath := filepath.Join(t.TempDir(), "plots", "curves.png")
	require.NoError(t, SaveCurves(filePath, "dev", series, "Dev-EER"))
	info, err := os.Stat(filePath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	require.Error(t, SaveCurves(filePath, "empty", Series{}))
}

func TestSaveDET(t *testing.T) {
	det := metrics.DETCurve([]float64{0.9, 0.3, 0.8}, []float64{0.1, 0.5, 0.2})
	filePath := filepath.Join(t.TempDir(), "det.svg")
	require.NoError(t, SaveDET(filePath, "DET", det))
	_, err := os.Stat(filePath)
	require.NoError(t, err)
}
