// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/gomlx/ddpspoof/pkg/core/tensors"
	"github.com/gomlx/ddpspoof/pkg/ml/checkpoints"
	"github.com/gomlx/ddpspoof/pkg/ml/model"
	"github.com/gomlx/ddpspoof/pkg/ml/train"
	"github.com/gomlx/ddpspoof/pkg/ml/train/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinimalUniquePaths(t *testing.T) {
	assert.Equal(t, []string{"run1"}, MinimalUniquePaths("/tmp/runs/run1"))
	assert.Equal(t, []string{"a", "b"}, MinimalUniquePaths("/tmp/a/model", "/tmp/b/model"))
	assert.Equal(t, []string{"x...a", "y...b"}, MinimalUniquePaths("/x/runs/a", "/y/runs/b"))
}

// writeRun creates a run directory with the given Dev-EER values, one per epoch, saving the model at epoch 2.
func writeRun(t *testing.T, baseDir, name string, lr float64, eers ...float64) *Run {
	l, err := logger.NewLocal(baseDir, name, checkpoints.DefaultTag)
	require.NoError(t, err)
	l.PlotOnClose = false
	require.NoError(t, l.LogArguments(map[string]any{"optim": map[string]any{"lr": lr}, "epoch": len(eers)}))
	for ii, eer := range eers {
		require.NoError(t, l.LogMetric(train.MetricLR, lr, ii+1))
		require.NoError(t, l.LogMetric(train.MetricDevEER, eer, ii+1))
	}
	state := model.State{
		model.BackendComponent(0): {"w": tensors.FromShape(2, 3)},
		model.LossComponent(0):    {"w": tensors.FromShape(3)},
	}
	require.NoError(t, l.SaveModel(2, state))
	require.NoError(t, l.Close())
	run, err := LoadRun(name, l.Dir)
	require.NoError(t, err)
	return run
}

func TestReports(t *testing.T) {
	baseDir := t.TempDir()
	runs := []*Run{
		writeRun(t, baseDir, "a", 0.001, 0.3, 0.2, 0.25),
		writeRun(t, baseDir, "b", 0.01, 0.4),
	}
	require.Len(t, runs[0].Artifacts, 2)
	epoch, last := lastEpochArtifacts(runs[0].Artifacts)
	assert.Equal(t, 2, epoch)
	assert.Len(t, last, 2)

	best, ok := bestPoint(runs[0].Series[train.MetricDevEER])
	require.True(t, ok)
	assert.Equal(t, 2, best.Step)

	summary := Summary(runs).Render()
	assert.Contains(t, summary, "20.0000% @ 2")
	assert.Contains(t, summary, "# parameters")

	assert.Contains(t, ArtifactsTable(runs).Render(), model.LossComponent(0))

	argsTable, err := ArgumentsTable(runs)
	require.NoError(t, err)
	assert.Contains(t, argsTable.Render(), "optim.lr")
	assert.NotContains(t, argsTable.Render(), "run_id")
	assert.Len(t, argsTable.Reds, 2, "both epoch and optim.lr differ")

	matcher, err := newMetricsMatcher("^Dev")
	require.NoError(t, err)
	metricsTable := MetricsTable(runs, matcher).Render()
	assert.Contains(t, metricsTable, train.MetricDevEER)
	assert.NotContains(t, metricsTable, train.MetricLR)

	plotsDir := t.TempDir()
	files, err := PlotMetrics(runs, nil, plotsDir)
	require.NoError(t, err)
	assert.Len(t, files, 2)
	for _, file := range files {
		assert.FileExists(t, file)
	}

	_, err = newMetricsMatcher("(")
	assert.Error(t, err)
	_, err = LoadRun("empty", t.TempDir())
	assert.Error(t, err)
}
