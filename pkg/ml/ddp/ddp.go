// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ddp implements the distributed data-parallel model wrapper: every rank holds a replica of the
// model.Pipeline, replicas start from the coordinator's parameters, and after each backward pass the
// gradients are averaged across ranks, so the optimizer steps keep all replicas identical.
package ddp

import (
	"context"
	"encoding/binary"
	"math"
	"math/rand/v2"

	"github.com/gomlx/ddpspoof/pkg/core/distributed"
	"github.com/gomlx/ddpspoof/pkg/ml/checkpoints"
	"github.com/gomlx/ddpspoof/pkg/ml/datasets"
	"github.com/gomlx/ddpspoof/pkg/ml/model"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Model is one rank's replica of the distributed model.
type Model struct {
	pipeline *model.Pipeline
	pg       distributed.ProcessGroup
	params   []*model.Parameter
	numSteps int

	// flat is the buffer for the all-reduce of the gradients.
	flat []float32
}

// Wrap creates the distributed Model for the rank of pg. It's a collective: all ranks must call it, and on
// return every replica holds the parameters of the coordinator.
func Wrap(ctx context.Context, pipeline *model.Pipeline, pg distributed.ProcessGroup) (*Model, error) {
	if err := pipeline.Validate(); err != nil {
		return nil, err
	}
	m := &Model{pipeline: pipeline, pg: pg, params: pipeline.Parameters()}
	var size int
	for _, p := range m.params {
		size += p.Value.Size()
	}
	m.flat = make([]float32, size)
	if err := m.broadcastParameters(ctx); err != nil {
		return nil, errors.WithMessagef(err, "[%s] replicating parameters", pg)
	}
	klog.V(1).Infof("[%s] wrapped model with %d parameters (%d values)", pg, len(m.params), size)
	return m, nil
}

func (m *Model) broadcastParameters(ctx context.Context) error {
	var payload []byte
	if m.pg.IsCoordinator() {
		payload = make([]byte, 4*len(m.flat))
		pos := 0
		for _, p := range m.params {
			for _, v := range p.Value.Data() {
				binary.LittleEndian.PutUint32(payload[pos:], math.Float32bits(v))
				pos += 4
			}
		}
	}
	payload, err := m.pg.Broadcast(ctx, payload)
	if err != nil {
		return err
	}
	if len(payload) != 4*len(m.flat) {
		err = errors.Errorf("coordinator has %d parameter values, this rank has %d", len(payload)/4, len(m.flat))
		m.pg.Abort(err)
		return err
	}
	if m.pg.IsCoordinator() {
		return nil
	}
	pos := 0
	for _, p := range m.params {
		values := p.Value.Data()
		for ii := range values {
			values[ii] = math.Float32frombits(binary.LittleEndian.Uint32(payload[pos:]))
			pos += 4
		}
	}
	return nil
}

// Pipeline returns the wrapped pipeline.
func (m *Model) Pipeline() *model.Pipeline { return m.pipeline }

// ProcessGroup returns the process group of the model.
func (m *Model) ProcessGroup() distributed.ProcessGroup { return m.pg }

// Parameters returns the parameters of the replica, in the order of model.Pipeline.Parameters.
func (m *Model) Parameters() []*model.Parameter { return m.params }

// NumSteps returns the number of train steps taken.
func (m *Model) NumSteps() int { return m.numSteps }

// TrainStep runs forward and backward on the batch of this rank, and then averages the gradients across ranks.
// It is a collective: all ranks must call it the same number of times. Errors are not retried.
func (m *Model) TrainStep(ctx context.Context, batch *datasets.Batch, rng *rand.Rand) (model.StepResult, error) {
	result, err := m.pipeline.TrainStep(batch.Audio, batch.Labels, rng)
	if err != nil {
		return result, errors.WithMessagef(err, "[%s] train step %d", m.pg, m.numSteps)
	}
	if err = m.SyncGradients(ctx); err != nil {
		return result, err
	}
	m.numSteps++
	return result, nil
}

// SyncGradients replaces the gradients of all parameters with their mean across ranks, in one all-reduce.
func (m *Model) SyncGradients(ctx context.Context) error {
	pos := 0
	for _, p := range m.params {
		pos += copy(m.flat[pos:], p.Grad.Data())
	}
	if err := m.pg.AllReduceMean(ctx, m.flat); err != nil {
		return errors.WithMessagef(err, "[%s] all-reduce of gradients", m.pg)
	}
	pos = 0
	for _, p := range m.params {
		pos += copy(p.Grad.Data(), m.flat[pos:])
	}
	return nil
}

// Score returns the scores of the batch of this rank. It is not a collective.
func (m *Model) Score(batch *datasets.Batch) ([]float64, error) {
	return m.pipeline.Score(batch.Audio)
}

// CopyState returns a deep, detached copy of the parameters, keyed by component.
func (m *Model) CopyState() model.State { return m.pipeline.CopyState() }

// Save writes one checkpoint artifact per component for the epoch. Only the coordinator writes, other ranks
// return nil paths and no error. Replicas are identical, so the artifacts are rank-agnostic.
func (m *Model) Save(handler *checkpoints.Handler, epoch int) ([]string, error) {
	if !m.pg.IsCoordinator() {
		return nil, nil
	}
	return handler.SaveAll(epoch, m.CopyState())
}

// Restore loads state into the replica. All ranks must restore the same state.
func (m *Model) Restore(state model.State) error {
	if err := m.pipeline.LoadState(state); err != nil {
		return errors.WithMessagef(err, "[%s] restoring model state", m.pg)
	}
	return nil
}
