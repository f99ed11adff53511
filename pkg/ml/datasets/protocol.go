// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/ddpspoof/pkg/core/tensors/numpy"
	"github.com/gomlx/ddpspoof/pkg/support/fsutil"
	"github.com/gomlx/ddpspoof/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ProtocolConfig describes a dataset given by an ASVspoof-style protocol file.
//
// Each non-empty line of the protocol has whitespace separated fields: the second field is the
// utterance id (or the first, if there is only one), and the last field is the key ("bonafide",
// "spoof", or "-" if unknown). The waveform of each utterance is read from "<AudioDir>/<id>.npy".
type ProtocolConfig struct {
	Name     string `koanf:"name"`
	Protocol string `koanf:"protocol"`
	AudioDir string `koanf:"audio_dir"`

	// DASpeed lists speed-perturbation suffixes: for each listed suffix s, the utterance variant
	// "<AudioDir>/<id>_<s>.npy" is added as an extra example, when present.
	DASpeed []string `koanf:"da_speed"`
}

type protocolEntry struct {
	filename, path string
	label          int
}

// ProtocolDataset lists the utterances of a protocol file. Audio is read lazily.
type ProtocolDataset struct {
	name    string
	entries []protocolEntry
}

// LoadProtocol parses the protocol file of cfg.
func LoadProtocol(cfg ProtocolConfig) (*ProtocolDataset, error) {
	protocol, err := fsutil.ReplaceTildeInDir(cfg.Protocol)
	if err != nil {
		return nil, err
	}
	audioDir, err := fsutil.ReplaceTildeInDir(cfg.AudioDir)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(protocol)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open protocol file for dataset %q", cfg.Name)
	}
	defer func() { _ = f.Close() }()

	ds := &ProtocolDataset{name: cfg.Name}
	if ds.name == "" {
		ds.name = strings.TrimSuffix(filepath.Base(protocol), filepath.Ext(protocol))
	}
	seen := sets.Make[string]()
	add := func(filename string, label int) error {
		if !seen.InsertNew(filename) {
			return errors.Errorf("protocol %q: duplicate utterance %q", protocol, filename)
		}
		ds.entries = append(ds.entries, protocolEntry{
			filename: filename,
			path:     filepath.Join(audioDir, filename+".npy"),
			label:    label,
		})
		return nil
	}

	scanner := bufio.NewScanner(f)
	lineNum := 0
	numVariants := 0
	for scanner.Scan() {
		lineNum++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		id := fields[0]
		if len(fields) > 1 {
			id = fields[1]
		}
		label := Unknown
		if len(fields) > 1 {
			label, err = ParseLabel(fields[len(fields)-1])
			if err != nil {
				return nil, errors.WithMessagef(err, "protocol %q line %d", protocol, lineNum)
			}
		}
		if err = add(id, label); err != nil {
			return nil, err
		}
		for _, suffix := range cfg.DASpeed {
			variant := id + "_" + suffix
			exists, err := fsutil.FileExists(filepath.Join(audioDir, variant+".npy"))
			if err != nil {
				return nil, err
			}
			if exists {
				if err = add(variant, label); err != nil {
					return nil, err
				}
				numVariants++
			}
		}
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read protocol %q", protocol)
	}
	klog.V(1).Infof("dataset %q: %d utterances (%d speed variants) from %q", ds.name, len(ds.entries), numVariants, protocol)
	return ds, nil
}

// Name implements Dataset.
func (ds *ProtocolDataset) Name() string { return ds.name }

// Len implements Dataset.
func (ds *ProtocolDataset) Len() int { return len(ds.entries) }

// Item implements Dataset. The .npy file is flattened to one waveform.
func (ds *ProtocolDataset) Item(i int) (Example, error) {
	if err := checkIndex(ds, i); err != nil {
		return Example{}, err
	}
	e := ds.entries[i]
	t, err := numpy.FromNpyFile(e.path)
	if err != nil {
		return Example{}, errors.WithMessagef(err, "dataset %q", ds.name)
	}
	return Example{Audio: t.Data(), Label: e.label, Filename: e.filename}, nil
}

// CountLabels returns the number of examples per label.
func (ds *ProtocolDataset) CountLabels() map[int]int {
	counts := make(map[int]int)
	for _, e := range ds.entries {
		counts[e.label]++
	}
	return counts
}
