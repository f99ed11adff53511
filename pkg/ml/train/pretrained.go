// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"path/filepath"

	"github.com/gomlx/ddpspoof/pkg/ml/checkpoints"
	"github.com/gomlx/ddpspoof/pkg/ml/ddp"
	"github.com/gomlx/ddpspoof/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PretrainedDir is the sub-directory of the scripts path holding the artifacts of a prior run.
const PretrainedDir = "model"

// LoadPretrained restores the model from the checkpoint artifacts in <scriptsDir>/model, if it exists.
// It returns false if there was nothing to load, in which case training starts from scratch.
//
// Every rank must call it, with the same scriptsDir, so the replicas stay identical.
func LoadPretrained(m *ddp.Model, scriptsDir string) (bool, error) {
	if scriptsDir == "" {
		klog.V(1).Infof("[%s] training from scratch", m.ProcessGroup())
		return false, nil
	}
	dir, err := fsutil.ReplaceTildeInDir(filepath.Join(scriptsDir, PretrainedDir))
	if err != nil {
		return false, err
	}
	exists, err := fsutil.FileExists(dir)
	if err != nil {
		return false, err
	}
	if !exists {
		klog.V(1).Infof("[%s] no pretrained model in %q, training from scratch", m.ProcessGroup(), dir)
		return false, nil
	}
	state, err := checkpoints.LoadDir(dir)
	if err != nil {
		return false, errors.WithMessagef(err, "loading pretrained model")
	}
	if err = m.Restore(state); err != nil {
		return false, err
	}
	klog.V(1).Infof("[%s] loaded pretrained model from %q (%d components)", m.ProcessGroup(), dir, len(state))
	return true, nil
}
