// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package logger records the arguments, metrics and best models of a training run.
//
// Only the coordinator writes: use ForRank to get a Nop logger on the other ranks.
package logger

import (
	"github.com/gomlx/ddpspoof/pkg/core/distributed"
	"github.com/gomlx/ddpspoof/pkg/ml/model"
)

// Logger of a training run.
type Logger interface {
	// LogArguments records the configuration of the run.
	LogArguments(args map[string]any) error

	// LogMetric records the value of the named metric at the given step (epoch).
	LogMetric(name string, value float64, step int) error

	// SaveModel stores one artifact per component of state, for the given epoch.
	SaveModel(epoch int, state model.State) error

	// Close flushes and releases the logger.
	Close() error
}

// Nop is a Logger that discards everything.
type Nop struct{}

var _ Logger = Nop{}

func (Nop) LogArguments(map[string]any) error { return nil }
func (Nop) LogMetric(string, float64, int) error { return nil }
func (Nop) SaveModel(int, model.State) error { return nil }
func (Nop) Close() error { return nil }

// ForRank returns the Logger created by build on the coordinator, and Nop on the other ranks.
func ForRank(pg distributed.ProcessGroup, build func() (Logger, error)) (Logger, error) {
	if !pg.IsCoordinator() {
		return Nop{}, nil
	}
	return build()
}
