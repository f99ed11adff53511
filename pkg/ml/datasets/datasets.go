// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package datasets defines the audio Dataset contract and the rank-aware data pipeline used by
// distributed training: `Sampler` (a disjoint shard per rank, reshuffled every epoch) and `Loader`
// (batches prefetched in parallel, yielded in a deterministic order).
//
// It also includes the datasets used by the commands: `InMemory`, `Synthetic`, `Protocol`
// (ASVspoof-style protocol lists of .npy files), and the wrappers `Crop` and `Take`.
package datasets

import (
	"fmt"

	"github.com/pkg/errors"
)

// Labels of the examples. Scores are oriented so that higher means Bonafide.
const (
	Bonafide = 0
	Spoof    = 1

	// Unknown is the label of examples whose key is not given, e.g. a blind evaluation set.
	Unknown = -1
)

// LabelName returns a readable name of the label.
func LabelName(label int) string {
	switch label {
	case Bonafide:
		return "bonafide"
	case Spoof:
		return "spoof"
	case Unknown:
		return "unknown"
	default:
		return fmt.Sprintf("label(%d)", label)
	}
}

// ParseLabel converts the key used in protocol files to a label.
func ParseLabel(key string) (int, error) {
	switch key {
	case "bonafide", "bona-fide", "genuine":
		return Bonafide, nil
	case "spoof", "fake", "deepfake":
		return Spoof, nil
	case "-", "":
		return Unknown, nil
	default:
		return Unknown, errors.Errorf("unknown label key %q", key)
	}
}

// Example is one utterance.
type Example struct {
	// Audio waveform samples.
	Audio []float32

	// Label is either Bonafide, Spoof or Unknown.
	Label int

	// Filename identifies the utterance. Filenames are unique within a dataset.
	Filename string
}

// Dataset is an indexed collection of examples. Implementations must be safe for concurrent calls to Item.
type Dataset interface {
	// Name of the dataset, used for logging.
	Name() string

	// Len returns the number of examples.
	Len() int

	// Item returns the example at position i, in [0, Len()).
	Item(i int) (Example, error)
}

// EpochSetter is implemented by datasets whose items change with the epoch (e.g. random crops).
type EpochSetter interface {
	SetEpoch(epoch int)
}

// setEpoch forwards the epoch to ds, if it implements EpochSetter.
func setEpoch(ds Dataset, epoch int) {
	if es, ok := ds.(EpochSetter); ok {
		es.SetEpoch(epoch)
	}
}

// checkIndex returns an error if i is out of range for ds.
func checkIndex(ds Dataset, i int) error {
	if i < 0 || i >= ds.Len() {
		return errors.Errorf("dataset %q: index %d out of range [0, %d)", ds.Name(), i, ds.Len())
	}
	return nil
}

// takeDataset implements a Dataset with only the first `take` examples of the wrapped one.
type takeDataset struct {
	ds   Dataset
	take int
}

// Take returns a wrapper to ds with only its first n examples.
func Take(ds Dataset, n int) Dataset {
	return &takeDataset{ds: ds, take: min(n, ds.Len())}
}

// Name implements Dataset.
func (ds *takeDataset) Name() string {
	return fmt.Sprintf("%s [Take %d]", ds.ds.Name(), ds.take)
}

// Len implements Dataset.
func (ds *takeDataset) Len() int { return ds.take }

// Item implements Dataset.
func (ds *takeDataset) Item(i int) (Example, error) {
	if err := checkIndex(ds, i); err != nil {
		return Example{}, err
	}
	return ds.ds.Item(i)
}

// SetEpoch implements EpochSetter.
func (ds *takeDataset) SetEpoch(epoch int) { setEpoch(ds.ds, epoch) }
