// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/ddpspoof/pkg/core/distributed"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testYaml = `
name: unit
epoch: 5
batch_size: 33
synthetic:
  enabled: true
distributed:
  usable_gpu: "0,1"
model:
  hidden_dim: 8
`

func TestLoadFrom(t *testing.T) {
	cfg, paramsSet, err := LoadFrom(rawbytes.Provider([]byte(testYaml)), "")
	require.NoError(t, err)
	assert.Empty(t, paramsSet)
	assert.Equal(t, "unit", cfg.Name)
	assert.Equal(t, 5, cfg.Epochs)
	assert.Equal(t, 8, cfg.Model.HiddenDim)
	assert.True(t, cfg.Synthetic.Enabled)

	// Values not in the file keep their defaults.
	defaults := Default()
	assert.Equal(t, defaults.Optim, cfg.Optim)
	assert.Equal(t, defaults.Model.EmbeddingDim, cfg.Model.EmbeddingDim)
	assert.Equal(t, defaults.Dist.JoinTimeout, cfg.Dist.JoinTimeout)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv(EnvPrefix+"OPTIM__LR", "0.01")
	t.Setenv(EnvPrefix+"EPOCH", "7")
	cfg, _, err := LoadFrom(rawbytes.Provider([]byte(testYaml)), "")
	require.NoError(t, err)
	assert.Equal(t, 0.01, cfg.Optim.LearningRate)
	assert.Equal(t, 7, cfg.Epochs)
}

func TestParseSettings(t *testing.T) {
	cfg, paramsSet, err := LoadFrom(nil,
		"batch_size=16; rand_seed=1_000;model.loss_weights=0.1,0.9;synthetic.enabled=true;distributed.join_timeout=1m")
	require.NoError(t, err)
	assert.Equal(t, []string{"batch_size", "rand_seed", "model.loss_weights", "synthetic.enabled", "distributed.join_timeout"},
		paramsSet)
	assert.Equal(t, 16, cfg.BatchSize)
	assert.Equal(t, uint64(1000), cfg.Seed)
	assert.Equal(t, []float64{0.1, 0.9}, cfg.Model.LossWeights)
	assert.True(t, cfg.Synthetic.Enabled)
	assert.Equal(t, time.Minute, cfg.Dist.JoinTimeout)
	assert.Contains(t, SprintModifiedSettings(cfg, paramsSet), `"batch_size": (int) 16`)
	assert.Contains(t, SprintSettings(cfg), `"optimizer"`)

	// Settings take precedence over the file.
	cfg, _, err = LoadFrom(rawbytes.Provider([]byte(testYaml)), "epoch=9")
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Epochs)

	// Settings read from a file.
	settingsPath := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(settingsPath, []byte("# comment\nepoch=3\nname=from_file;patience=4\n"), 0o644))
	cfg, paramsSet, err = LoadFrom(nil, "file:"+settingsPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"epoch", "name", "patience"}, paramsSet)
	assert.Equal(t, 3, cfg.Epochs)
	assert.Equal(t, "from_file", cfg.Name)
	assert.Equal(t, 4, cfg.Patience)

	for _, settings := range []string{"unknown_key=1", "epoch", "epoch=abc", "model=1", "synthetic.enabled=maybe"} {
		_, _, err = LoadFrom(nil, settings)
		assert.Error(t, err, "settings %q should fail", settings)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Synthetic.Enabled = true
	require.NoError(t, cfg.Validate())

	for name, modify := range map[string]func(c *RunConfig){
		"epochs":    func(c *RunConfig) { c.Epochs = 0 },
		"batch":     func(c *RunConfig) { c.BatchSize = 0 },
		"optimizer": func(c *RunConfig) { c.Optimizer = "lion" },
		"backend":   func(c *RunConfig) { c.Dist.Backend = "mpi" },
		"t_mult":    func(c *RunConfig) { c.Schedule.TMult = 0 },
		"dev split": func(c *RunConfig) { c.Synthetic.Enabled = false },
	} {
		c := Default()
		c.Synthetic.Enabled = true
		modify(&c)
		assert.Error(t, c.Validate(), "case %q should fail validation", name)
	}

	// Test mode doesn't require a train split.
	cfg = Default()
	cfg.Test = true
	cfg.Data.Dev.Protocol = "dev.txt"
	assert.NoError(t, cfg.Validate())
}

func TestResolve(t *testing.T) {
	cfg, _, err := LoadFrom(rawbytes.Provider([]byte(testYaml)), "crop_size=100")
	require.NoError(t, err)
	now := time.Date(2024, 5, 1, 12, 0, 0, 123_456_000, time.UTC)
	r, err := cfg.Resolve(now)
	require.NoError(t, err)
	assert.Equal(t, distributed.Local, r.Distributed.Backend)
	assert.Equal(t, []int{0, 1}, r.Distributed.DeviceIDs)
	assert.Equal(t, 2, r.Distributed.WorldSize)
	assert.Equal(t, "1056", r.Distributed.MasterPort)
	assert.Equal(t, 16, r.BatchPerRank)
	assert.Equal(t, 5, r.Schedule.T0)
	assert.Equal(t, cfg.Optim.LearningRate, r.Schedule.BaseLR)
	assert.Equal(t, 100, r.Model.NumSamples)

	cfg.Dist.Port = "29500"
	cfg.Schedule.T0 = 2
	r, err = cfg.Resolve(now)
	require.NoError(t, err)
	assert.Equal(t, "29500", r.Distributed.MasterPort)
	assert.Equal(t, 2, r.Schedule.T0)

	cfg.Dist.UsableGPU = "-1"
	_, err = cfg.Resolve(now)
	require.ErrorIs(t, err, distributed.ErrNoDevices)
}

func TestWriteRoundTrip(t *testing.T) {
	cfg, _, err := LoadFrom(rawbytes.Provider([]byte(testYaml)), "optim.lr=0.005;rand_seed=77")
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, cfg.Write(&buf))

	reloaded, _, err := LoadFrom(rawbytes.Provider(buf.Bytes()), "")
	require.NoError(t, err)
	assert.Equal(t, cfg.Name, reloaded.Name)
	assert.Equal(t, cfg.Epochs, reloaded.Epochs)
	assert.Equal(t, cfg.Seed, reloaded.Seed)
	assert.Equal(t, cfg.Optim, reloaded.Optim)
	assert.Equal(t, cfg.Schedule, reloaded.Schedule)
	assert.Equal(t, cfg.Dist, reloaded.Dist)
	assert.Equal(t, cfg.Model.LossWeights, reloaded.Model.LossWeights)

	m, err := cfg.Map()
	require.NoError(t, err)
	assert.Equal(t, "unit", m["name"])
	assert.Contains(t, m, "optim")
}
