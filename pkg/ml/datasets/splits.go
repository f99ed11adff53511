// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"github.com/gomlx/ddpspoof/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Names of the standard splits.
const (
	SplitTrain     = "train"
	SplitTrainTest = "traintest"
	SplitDev       = "dev"
	SplitEval      = "eval"
)

// Splits holds the named datasets of an experiment.
type Splits struct {
	// Train is used for training, TrainTest is a subset of it used to monitor overfitting.
	Train, TrainTest Dataset

	// Dev is used for model selection (early stopping), and Eval for the final scoring.
	Dev, Eval Dataset

	// Extra holds additional evaluation sets, keyed by name, e.g. year-scoped sets like "DF21" or "LA21".
	Extra map[string]Dataset
}

// SplitsConfig configures LoadSplits. Empty protocol paths leave the corresponding split unset.
type SplitsConfig struct {
	Train ProtocolConfig            `koanf:"train"`
	Dev   ProtocolConfig            `koanf:"dev"`
	Eval  ProtocolConfig            `koanf:"eval"`
	Extra map[string]ProtocolConfig `koanf:"extra"`

	// TrainTestSize is the number of training examples used for TrainTest.
	TrainTestSize int `koanf:"train_test_size"`
}

// LoadSplits loads the protocol files of all configured splits.
func LoadSplits(cfg SplitsConfig) (*Splits, error) {
	s := &Splits{Extra: make(map[string]Dataset)}
	load := func(split string, pc ProtocolConfig) (Dataset, error) {
		if pc.Protocol == "" {
			return nil, nil
		}
		if pc.Name == "" {
			pc.Name = split
		}
		ds, err := LoadProtocol(pc)
		if err != nil {
			return nil, errors.WithMessagef(err, "loading split %q", split)
		}
		return ds, nil
	}
	var err error
	if s.Train, err = load(SplitTrain, cfg.Train); err != nil {
		return nil, err
	}
	if s.Dev, err = load(SplitDev, cfg.Dev); err != nil {
		return nil, err
	}
	if s.Eval, err = load(SplitEval, cfg.Eval); err != nil {
		return nil, err
	}
	for _, name := range xslices.SortedKeys(cfg.Extra) {
		ds, err := load(name, cfg.Extra[name])
		if err != nil {
			return nil, err
		}
		if ds != nil {
			s.Extra[name] = ds
		}
	}
	if s.Train != nil && cfg.TrainTestSize > 0 {
		s.TrainTest = Take(s.Train, cfg.TrainTestSize)
	}
	s.log()
	return s, nil
}

// SyntheticSplits generates all splits with Synthetic datasets of the given sizes and waveform length.
func SyntheticSplits(seed uint64, trainSize, devSize, evalSize, length int) (*Splits, error) {
	mk := func(name string, size int, offset uint64) (Dataset, error) {
		return Synthetic(SyntheticConfig{
			Name: name, Size: size, Length: length, SpoofRatio: 0.5, Seed: seed + offset, Separation: 1,
		})
	}
	s := &Splits{Extra: make(map[string]Dataset)}
	var err error
	if s.Train, err = mk(SplitTrain, trainSize, 0); err != nil {
		return nil, err
	}
	if s.Dev, err = mk(SplitDev, devSize, 1); err != nil {
		return nil, err
	}
	if s.Eval, err = mk(SplitEval, evalSize, 2); err != nil {
		return nil, err
	}
	s.TrainTest = Take(s.Train, devSize)
	s.log()
	return s, nil
}

func (s *Splits) log() {
	for _, name := range s.Names() {
		ds, _ := s.ByName(name)
		klog.V(1).Infof("split %q: %s, %d examples", name, ds.Name(), ds.Len())
	}
}

// Names returns the names of the splits that are set.
func (s *Splits) Names() []string {
	var names []string
	for _, pair := range []struct {
		name string
		ds   Dataset
	}{{SplitTrain, s.Train}, {SplitTrainTest, s.TrainTest}, {SplitDev, s.Dev}, {SplitEval, s.Eval}} {
		if pair.ds != nil {
			names = append(names, pair.name)
		}
	}
	return append(names, xslices.SortedKeys(s.Extra)...)
}

// ByName returns the split with the given name, or an error if it is not set.
func (s *Splits) ByName(name string) (Dataset, error) {
	var ds Dataset
	switch name {
	case SplitTrain:
		ds = s.Train
	case SplitTrainTest:
		ds = s.TrainTest
	case SplitDev:
		ds = s.Dev
	case SplitEval:
		ds = s.Eval
	default:
		ds = s.Extra[name]
	}
	if ds == nil {
		return nil, errors.Errorf("split %q not configured", name)
	}
	return ds, nil
}
