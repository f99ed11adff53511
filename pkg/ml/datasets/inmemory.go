// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/gomlx/ddpspoof/pkg/support/sets"
	"github.com/pkg/errors"
)

// InMemoryDataset holds all its examples in memory.
type InMemoryDataset struct {
	name     string
	examples []Example
}

// InMemory creates a dataset from the given examples. Filenames must be unique.
func InMemory(name string, examples []Example) (*InMemoryDataset, error) {
	seen := sets.Make[string](len(examples))
	for ii, ex := range examples {
		if !seen.InsertNew(ex.Filename) {
			return nil, errors.Errorf("dataset %q: duplicate filename %q at example #%d", name, ex.Filename, ii)
		}
	}
	return &InMemoryDataset{name: name, examples: examples}, nil
}

// Name implements Dataset.
func (ds *InMemoryDataset) Name() string { return ds.name }

// Len implements Dataset.
func (ds *InMemoryDataset) Len() int { return len(ds.examples) }

// Item implements Dataset.
func (ds *InMemoryDataset) Item(i int) (Example, error) {
	if err := checkIndex(ds, i); err != nil {
		return Example{}, err
	}
	return ds.examples[i], nil
}

// SyntheticConfig configures a Synthetic dataset.
type SyntheticConfig struct {
	Name string

	// Size is the number of examples, and Length the number of samples of each waveform.
	Size, Length int

	// SpoofRatio is the fraction of spoofed examples.
	SpoofRatio float64

	// Seed makes the dataset reproducible: examples are a function of (Seed, index).
	Seed uint64

	// Separation controls how far apart are the bonafide and spoof distributions: 0 makes them
	// indistinguishable.
	Separation float64
}

// syntheticDataset generates examples on the fly: bonafide utterances are low-noise tones and spoofed
// ones carry extra broadband noise, scaled by the configured separation.
type syntheticDataset struct {
	cfg SyntheticConfig
}

// Synthetic returns a generated dataset, used for tests and smoke runs.
func Synthetic(cfg SyntheticConfig) (Dataset, error) {
	if cfg.Size < 0 || cfg.Length <= 0 {
		return nil, errors.Errorf("invalid synthetic dataset size=%d length=%d", cfg.Size, cfg.Length)
	}
	if cfg.SpoofRatio < 0 || cfg.SpoofRatio > 1 {
		return nil, errors.Errorf("invalid synthetic dataset spoof ratio %g", cfg.SpoofRatio)
	}
	if cfg.Name == "" {
		cfg.Name = "synthetic"
	}
	return &syntheticDataset{cfg: cfg}, nil
}

func (ds *syntheticDataset) Name() string { return ds.cfg.Name }
func (ds *syntheticDataset) Len() int { return ds.cfg.Size }

func (ds *syntheticDataset) Item(i int) (Example, error) {
	if err := checkIndex(ds, i); err != nil {
		return Example{}, err
	}
	rng := rand.New(rand.NewPCG(ds.cfg.Seed, uint64(i)))
	label := Bonafide
	if rng.Float64() < ds.cfg.SpoofRatio {
		label = Spoof
	}
	freq := 0.01 + 0.05*rng.Float64()
	phase := 2 * math.Pi * rng.Float64()
	noise := 0.05
	if label == Spoof {
		noise += 0.2 * ds.cfg.Separation
	}
	audio := make([]float32, ds.cfg.Length)
	for t := range audio {
		v := 0.3*math.Sin(2*math.Pi*freq*float64(t)+phase) + noise*rng.NormFloat64()
		audio[t] = float32(v)
	}
	return Example{
		Audio:    audio,
		Label:    label,
		Filename: fmt.Sprintf("%s_%07d", ds.cfg.Name, i),
	}, nil
}
