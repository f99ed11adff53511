// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/ddpspoof/pkg/config"
	"github.com/gomlx/ddpspoof/pkg/ml/checkpoints"
	"github.com/gomlx/ddpspoof/pkg/ml/train"
	"github.com/gomlx/ddpspoof/pkg/ml/train/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSettings = "synthetic.enabled=true;synthetic.train=64;synthetic.dev=32;synthetic.eval=16;" +
	"crop_size=32;model.frame_size=4;model.hop=4;model.max_mask=2;model.hidden_dim=6;model.embedding_dim=3;" +
	"model.loss_weights=0.5,1;epoch=2;batch_size=8;num_workers=2;distributed.usable_gpu=0,1"

func testConfig(t *testing.T, name, extraSettings string) (*config.RunConfig, *config.Resolved) {
	cfg, _, err := config.LoadFrom(nil, testSettings+";"+extraSettings)
	require.NoError(t, err)
	cfg.Name = name
	cfg.LogDir = t.TempDir()
	cfg.Dist.MasterAddr = "ddpspoof-" + name
	cfg.Dist.Port = "1"
	r, err := cfg.Resolve(time.Now())
	require.NoError(t, err)
	return cfg, r
}

func TestFitThenTest(t *testing.T) {
	ctx := context.Background()
	cfg, r := testConfig(t, "fit", "")
	require.Equal(t, 2, r.Distributed.WorldSize)
	require.Equal(t, 4, r.BatchPerRank)
	require.NoError(t, run(ctx, cfg, r, runOptions{rank: -1}))

	runDir := filepath.Join(cfg.LogDir, "fit")
	series, err := logger.ReadMetrics(filepath.Join(runDir, logger.MetricsFile))
	require.NoError(t, err)
	assert.Len(t, series[train.MetricLR], 2)
	assert.Len(t, series[train.MetricDevEER], 2)
	assert.FileExists(t, filepath.Join(runDir, logger.ArgumentsFile))
	artifacts, err := checkpoints.List(filepath.Join(runDir, logger.ModelDir))
	require.NoError(t, err)
	require.NotEmpty(t, artifacts, "the first evaluated epoch always improves on the initial bests")

	// Test mode, loading the trained model.
	testCfg, testR := testConfig(t, "eval", "test=true")
	testCfg.ScriptsDir = runDir
	require.NoError(t, run(ctx, testCfg, testR, runOptions{rank: -1}))
	outputDir := filepath.Join(testCfg.LogDir, "eval")
	contents, err := os.ReadFile(filepath.Join(outputDir, train.ScoreFileName))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(contents)), "\n")
	assert.Len(t, lines, 1+testCfg.Synthetic.Eval)
	assert.FileExists(t, filepath.Join(outputDir, "det_dev.png"))
}

func TestRunSingleRankRequiresPort(t *testing.T) {
	cfg, r := testConfig(t, "single", "")
	cfg.Dist.Port = ""
	err := run(context.Background(), cfg, r, runOptions{rank: 0})
	require.Error(t, err)
}

func TestTestModeRequiresPretrainedModel(t *testing.T) {
	for ii, scriptsDir := range []string{"", t.TempDir()} {
		name := fmt.Sprintf("untrained-%d", ii)
		cfg, r := testConfig(t, name, "test=true")
		cfg.ScriptsDir = scriptsDir
		err := run(context.Background(), cfg, r, runOptions{rank: -1})
		require.Error(t, err, "scripts dir %q", scriptsDir)
		assert.Contains(t, err.Error(), "requires a pretrained model")
		assert.NoFileExists(t, filepath.Join(cfg.LogDir, name, train.ScoreFileName))
	}
}
