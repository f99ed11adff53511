// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config defines the configuration of a training or test run, loaded with koanf from, in order
// of precedence (lowest first): the defaults, an optional YAML file, DDPSPOOF_ environment variables
// and command-line settings.
//
// Environment variables map to keys by dropping the prefix, lower-casing and replacing "__" with ".":
// e.g. DDPSPOOF_OPTIM__LR=0.01 sets "optim.lr".
package config

import (
	"io"
	"strings"
	"time"

	"github.com/gomlx/ddpspoof/pkg/core/distributed"
	"github.com/gomlx/ddpspoof/pkg/ml/checkpoints"
	"github.com/gomlx/ddpspoof/pkg/ml/datasets"
	"github.com/gomlx/ddpspoof/pkg/ml/layers"
	"github.com/gomlx/ddpspoof/pkg/ml/train"
	"github.com/gomlx/ddpspoof/pkg/ml/train/optimizers"
	"github.com/gomlx/ddpspoof/pkg/ml/train/optimizers/cosineschedule"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EnvPrefix is the prefix of the environment variables that override the configuration.
const EnvPrefix = "DDPSPOOF_"

// DistributedConfig configures the process group.
type DistributedConfig struct {
	Backend string `koanf:"backend"`

	// UsableGPU is a comma-separated list of device ids. If empty, CUDA_VISIBLE_DEVICES is used.
	UsableGPU string `koanf:"usable_gpu"`

	MasterAddr string `koanf:"master_addr"`

	// Port of the rendezvous. If empty, it's derived from the clock.
	Port string `koanf:"port"`

	JoinTimeout time.Duration `koanf:"join_timeout"`
}

// SyntheticConfig configures the generated splits used instead of the protocol files.
type SyntheticConfig struct {
	Enabled bool `koanf:"enabled"`
	Train   int  `koanf:"train"`
	Dev     int  `koanf:"dev"`
	Eval    int  `koanf:"eval"`
}

// RunConfig is the configuration of a run.
type RunConfig struct {
	Name string `koanf:"name"`

	// ScriptsDir holds a prior run: if <ScriptsDir>/model exists, it is loaded before training.
	ScriptsDir string `koanf:"path_scripts"`

	// LogDir is where the run directory (metrics, arguments, checkpoints, plots) is created.
	LogDir string `koanf:"path_log"`

	// OutputDir is where test mode writes the score file and DET plots. Defaults to the run directory.
	OutputDir string `koanf:"path_output"`

	// Tag of the checkpoint artifacts.
	Tag string `koanf:"tag"`

	Seed          uint64 `koanf:"rand_seed"`
	Deterministic bool   `koanf:"deterministic"`

	// Test runs the evaluation of a trained model instead of training.
	Test bool `koanf:"test"`

	Epochs int `koanf:"epoch"`

	// BatchSize is the global batch size, split across ranks.
	BatchSize  int `koanf:"batch_size"`
	NumWorkers int `koanf:"num_workers"`
	EvalEvery  int `koanf:"eval_every"`
	Patience   int `koanf:"patience"`

	// CropSize is the number of samples of every waveform fed to the model.
	CropSize int `koanf:"crop_size"`

	Optimizer string                      `koanf:"optimizer"`
	Optim     optimizers.Config           `koanf:"optim"`
	Schedule  cosineschedule.WarmRestarts `koanf:"schedule"`
	Model     layers.PipelineConfig       `koanf:"model"`
	Data      datasets.SplitsConfig       `koanf:"data"`
	Synthetic SyntheticConfig             `koanf:"synthetic"`
	Dist      DistributedConfig           `koanf:"distributed"`
}

// Default returns the default configuration.
func Default() RunConfig {
	return RunConfig{
		Name:       "ddpspoof",
		LogDir:     "~/ddpspoof_runs",
		Tag:        checkpoints.DefaultTag,
		Seed:       1234,
		Epochs:     100,
		BatchSize:  32,
		NumWorkers: 4,
		EvalEvery:  1,
		Patience:   train.DefaultPatience,
		CropSize:   layers.DefaultPipelineConfig.NumSamples,
		Optimizer:  "adam",
		Optim:      optimizers.Config{LearningRate: 1e-3, WeightDecay: 1e-4},
		Schedule:   cosineschedule.WarmRestarts{TMult: 1, EtaMin: 1e-6},
		Model:      layers.DefaultPipelineConfig,
		Synthetic:  SyntheticConfig{Train: 512, Dev: 128, Eval: 64},
		Dist: DistributedConfig{
			Backend:     string(distributed.Local),
			JoinTimeout: distributed.DefaultJoinTimeout,
		},
	}
}

// envKey converts an environment variable name to a configuration key.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// newKoanf returns a koanf instance loaded with the defaults.
func newKoanf(cfg RunConfig) (*koanf.Koanf, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(cfg, "koanf"), nil); err != nil {
		return nil, errors.Wrapf(err, "loading default configuration")
	}
	return k, nil
}

// Load the configuration: defaults, then the YAML file configPath (if not empty), then the environment,
// and finally the settings (see ParseSettings). It returns the configuration and the keys set by settings.
func Load(configPath, settings string) (*RunConfig, []string, error) {
	var provider koanf.Provider
	if configPath != "" {
		provider = file.Provider(configPath)
	}
	return LoadFrom(provider, settings)
}

// LoadFrom is like Load, but reads the YAML configuration from provider, if not nil.
func LoadFrom(provider koanf.Provider, settings string) (*RunConfig, []string, error) {
	k, err := newKoanf(Default())
	if err != nil {
		return nil, nil, err
	}
	if provider != nil {
		if err := k.Load(provider, yaml.Parser()); err != nil {
			return nil, nil, errors.Wrapf(err, "loading configuration file")
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, nil, errors.Wrapf(err, "loading configuration from the environment")
	}
	paramsSet, err := ParseSettings(k, settings)
	if err != nil {
		return nil, nil, err
	}
	var cfg RunConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, nil, errors.Wrapf(err, "decoding configuration")
	}
	return &cfg, paramsSet, nil
}

// Validate checks the configuration values.
func (c *RunConfig) Validate() error {
	switch {
	case c.Epochs < 1:
		return errors.Errorf("epoch must be >= 1, got %d", c.Epochs)
	case c.BatchSize < 1:
		return errors.Errorf("batch_size must be >= 1, got %d", c.BatchSize)
	case c.CropSize < 1:
		return errors.Errorf("crop_size must be >= 1, got %d", c.CropSize)
	case c.Patience < 1:
		return errors.Errorf("patience must be >= 1, got %d", c.Patience)
	case c.EvalEvery < 1:
		return errors.Errorf("eval_every must be >= 1, got %d", c.EvalEvery)
	case c.Schedule.TMult < 1:
		return errors.Errorf("schedule.t_mult must be >= 1, got %d", c.Schedule.TMult)
	case c.Schedule.T0 < 0:
		return errors.Errorf("schedule.t0 must be >= 0 (0 for the number of epochs), got %d", c.Schedule.T0)
	}
	if _, err := distributed.ParseBackend(c.Dist.Backend); err != nil {
		return err
	}
	if _, ok := optimizers.KnownOptimizers[strings.ToLower(c.Optimizer)]; !ok {
		return errors.Errorf("unknown optimizer %q", c.Optimizer)
	}
	if !c.Synthetic.Enabled && c.Data.Dev.Protocol == "" {
		return errors.New("a dev split (data.dev.protocol) is required, or enable the synthetic splits")
	}
	if !c.Test && !c.Synthetic.Enabled && c.Data.Train.Protocol == "" {
		return errors.New("a train split (data.train.protocol) is required for training")
	}
	return nil
}

// Resolved holds the values derived from a RunConfig for a run.
type Resolved struct {
	Distributed *distributed.Config

	// BatchPerRank is the global batch size divided by the world size.
	BatchPerRank int

	Schedule cosineschedule.WarmRestarts
	Model    layers.PipelineConfig
}

// Resolve derives the process group configuration (devices, world size and rendezvous port, from the clock
// now if not configured), the per-rank batch size, the schedule and the model configuration.
func (c *RunConfig) Resolve(now time.Time) (*Resolved, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	devices, err := distributed.ResolveDevices(c.Dist.UsableGPU)
	if err != nil {
		return nil, err
	}
	backend, err := distributed.ParseBackend(c.Dist.Backend)
	if err != nil {
		return nil, err
	}
	port := c.Dist.Port
	if port == "" {
		port = distributed.PortFromClock(now)
	}
	r := &Resolved{
		Distributed: &distributed.Config{
			Backend:     backend,
			MasterAddr:  c.Dist.MasterAddr,
			MasterPort:  port,
			WorldSize:   len(devices),
			DeviceIDs:   devices,
			JoinTimeout: c.Dist.JoinTimeout,
		},
		Schedule: c.Schedule,
		Model:    c.Model,
	}
	if r.BatchPerRank, err = distributed.BatchPerRank(c.BatchSize, len(devices)); err != nil {
		return nil, err
	}
	r.Schedule.BaseLR = c.Optim.LearningRate
	if r.Schedule.T0 == 0 {
		r.Schedule.T0 = c.Epochs
	}
	if err = r.Schedule.Validate(); err != nil {
		return nil, err
	}
	r.Model.NumSamples = c.CropSize
	klog.V(1).Infof("resolved %d ranks on devices %v, rendezvous %s, batch %d per rank",
		len(devices), devices, r.Distributed.Address(), r.BatchPerRank)
	return r, nil
}

// Map returns the configuration as a nested map, e.g. to log it as the arguments of a run.
func (c *RunConfig) Map() (map[string]any, error) {
	k, err := newKoanf(*c)
	if err != nil {
		return nil, err
	}
	return k.Raw(), nil
}

// Write the configuration as YAML.
func (c *RunConfig) Write(w io.Writer) error {
	k, err := newKoanf(*c)
	if err != nil {
		return err
	}
	output, err := k.Marshal(yaml.Parser())
	if err != nil {
		return errors.Wrapf(err, "encoding configuration")
	}
	_, err = w.Write(output)
	return errors.Wrapf(err, "writing configuration")
}
