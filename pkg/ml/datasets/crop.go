// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"fmt"
	"sync/atomic"

	"github.com/gomlx/ddpspoof/pkg/core/random"
	"github.com/pkg/errors"
)

// CropMode selects how Crop chooses the window of each waveform.
type CropMode int

const (
	// RandomCrop takes a random window, different every epoch. Used for training.
	RandomCrop CropMode = iota

	// FixedCrop always takes the window at the start of the waveform. Used for evaluation.
	FixedCrop
)

func (m CropMode) String() string {
	if m == RandomCrop {
		return "random"
	}
	return "fixed"
}

// cropPurpose identifies the random streams used by crops, see random.Sources.Derive.
const cropPurpose = 0x63726f70

type cropDataset struct {
	ds      Dataset
	size    int
	mode    CropMode
	sources *random.Sources
	epoch   atomic.Int64
}

// Crop returns a wrapper to ds whose waveforms all have exactly size samples.
// Shorter waveforms are repeated until they fill the window.
//
// Random crops are a function of the seed of sources, the epoch and the example index only: so they
// are reproducible regardless of the order or parallelism used to read the examples.
func Crop(ds Dataset, size int, mode CropMode, sources *random.Sources) Dataset {
	return &cropDataset{ds: ds, size: size, mode: mode, sources: sources}
}

// Name implements Dataset.
func (ds *cropDataset) Name() string {
	return fmt.Sprintf("%s [%s crop %d]", ds.ds.Name(), ds.mode, ds.size)
}

// Len implements Dataset.
func (ds *cropDataset) Len() int { return ds.ds.Len() }

// SetEpoch implements EpochSetter.
func (ds *cropDataset) SetEpoch(epoch int) {
	ds.epoch.Store(int64(epoch))
	setEpoch(ds.ds, epoch)
}

// Item implements Dataset.
func (ds *cropDataset) Item(i int) (Example, error) {
	ex, err := ds.ds.Item(i)
	if err != nil {
		return Example{}, err
	}
	if len(ex.Audio) == 0 {
		return Example{}, errors.Errorf("dataset %q: example %q has no audio", ds.ds.Name(), ex.Filename)
	}
	start := 0
	if ds.mode == RandomCrop && len(ex.Audio) > ds.size {
		rng := ds.sources.Derive(cropPurpose+uint64(ds.epoch.Load()), uint64(i))
		start = rng.IntN(len(ex.Audio) - ds.size + 1)
	}
	ex.Audio = CropWindow(ex.Audio, start, ds.size)
	return ex, nil
}

// CropWindow returns a new slice with size samples of audio starting at start.
// If audio is too short, it is repeated.
func CropWindow(audio []float32, start, size int) []float32 {
	out := make([]float32, size)
	if len(audio) >= start+size {
		copy(out, audio[start:start+size])
		return out
	}
	for filled := 0; filled < size; {
		filled += copy(out[filled:], audio)
	}
	return out
}
