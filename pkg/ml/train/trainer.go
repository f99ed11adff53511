// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train implements the distributed training loop: the Trainer runs the train pass of one epoch
// on the shard of a rank, Evaluate scores a split and computes the metrics on the coordinator, the
// EarlyStopping policy decides when to checkpoint and stop, and the Loop drives them epoch by epoch.
//
// All functions that take a ddp.Model issue collectives: every rank must call them in the same order.
package train

import (
	"context"
	"io"
	"math"
	"time"

	"github.com/gomlx/ddpspoof/pkg/core/random"
	"github.com/gomlx/ddpspoof/pkg/ml/datasets"
	"github.com/gomlx/ddpspoof/pkg/ml/ddp"
	"github.com/gomlx/ddpspoof/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// trainPurpose derives the generators used for augmentation and feature masking in train steps.
const trainPurpose = 0x747261696e // "train"

// Trainer runs the train pass of an epoch: forward, weighted multi-head loss, backward, gradient
// all-reduce and optimizer step, for each batch of the shard of the rank.
type Trainer struct {
	model     *ddp.Model
	optimizer optimizers.Interface
	loader    *datasets.Loader
	sources   *random.Sources
}

// NewTrainer creates a Trainer. The loader must yield the train shard of the rank of the model.
func NewTrainer(m *ddp.Model, optimizer optimizers.Interface, loader *datasets.Loader, sources *random.Sources) (*Trainer, error) {
	if m == nil || optimizer == nil || loader == nil || sources == nil {
		return nil, errors.Errorf("train.NewTrainer requires a model, an optimizer, a loader and random sources")
	}
	pg := m.ProcessGroup()
	if sampler := loader.Sampler(); sampler.Rank() != pg.Rank() || sampler.World() != pg.WorldSize() {
		return nil, errors.Errorf("[%s] loader %q is sharded for rank %d of %d",
			pg, loader.Name(), sampler.Rank(), sampler.World())
	}
	return &Trainer{model: m, optimizer: optimizer, loader: loader, sources: sources}, nil
}

// Model returns the distributed model being trained.
func (t *Trainer) Model() *ddp.Model { return t.model }

// Optimizer returns the optimizer.
func (t *Trainer) Optimizer() optimizers.Interface { return t.optimizer }

// Loader returns the train loader.
func (t *Trainer) Loader() *datasets.Loader { return t.loader }

// StepMetrics are the results of one train step of this rank.
type StepMetrics struct {
	Epoch int

	// Batch is the index of the batch within the epoch, and GlobalStep the number of steps taken
	// by the model so far, including this one.
	Batch, GlobalStep int

	// NumBatches per epoch.
	NumBatches int

	Loss       float64
	HeadLosses []float64
	Duration   time.Duration
}

// EpochMetrics are the results of the train pass of an epoch, averaged over all steps of all ranks.
type EpochMetrics struct {
	Epoch      int
	Loss       float64
	HeadLosses []float64

	// NumSteps per rank.
	NumSteps int
	Duration time.Duration
}

// TrainStep trains on one batch. The generator for the stochastic stages is derived from the seed,
// the epoch, the rank and the batch index, so runs are reproducible for a fixed world size.
func (t *Trainer) TrainStep(ctx context.Context, epoch int, batch *datasets.Batch) (StepMetrics, error) {
	start := time.Now()
	rank := uint64(t.model.ProcessGroup().Rank())
	rng := t.sources.Derive(trainPurpose+uint64(epoch), rank<<32|uint64(batch.Index))
	result, err := t.model.TrainStep(ctx, batch, rng)
	if err != nil {
		return StepMetrics{}, err
	}
	if err = t.optimizer.Step(t.model.Parameters()); err != nil {
		return StepMetrics{}, errors.WithMessagef(err, "optimizer %q", t.optimizer.Name())
	}
	return StepMetrics{
		Epoch:      epoch,
		Batch:      batch.Index,
		GlobalStep: t.model.NumSteps(),
		NumBatches: t.loader.NumBatches(),
		Loss:       result.Loss,
		HeadLosses: result.HeadLosses,
		Duration:   time.Since(start),
	}, nil
}

// TrainEpoch runs the train pass of the epoch over the shard of the rank. onStep, if not nil, is
// called after every step.
//
// All ranks must have the same number of batches: it is checked before the first step, since
// otherwise the gradient all-reduces would be mismatched.
func (t *Trainer) TrainEpoch(ctx context.Context, epoch int, onStep func(StepMetrics) error) (EpochMetrics, error) {
	start := time.Now()
	pg := t.model.ProcessGroup()
	t.loader.SetEpoch(epoch)
	numBatches := t.loader.NumBatches()
	counts := []float64{float64(numBatches)}
	if err := pg.AllReduceSum(ctx, counts); err != nil {
		return EpochMetrics{}, errors.WithMessagef(err, "[%s] counting batches of epoch %d", pg, epoch)
	}
	if int(counts[0]) != numBatches*pg.WorldSize() {
		err := errors.Errorf("[%s] epoch %d has %d batches in this rank, but %d in total over %d ranks",
			pg, epoch, numBatches, int(counts[0]), pg.WorldSize())
		pg.Abort(err)
		return EpochMetrics{}, err
	}
	if numBatches == 0 {
		return EpochMetrics{}, errors.Errorf("[%s] loader %q has no batches: dataset smaller than the global batch size?",
			pg, t.loader.Name())
	}

	numHeads := t.model.Pipeline().NumHeads()
	sums := make([]float64, 1+numHeads)
	var numSteps int
	for {
		batch, err := t.loader.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.loader.Close()
			pg.Abort(err)
			return EpochMetrics{}, errors.WithMessagef(err, "[%s] epoch %d: failed reading from %q", pg, epoch, t.loader.Name())
		}
		step, err := t.TrainStep(ctx, epoch, batch)
		if err != nil {
			t.loader.Close()
			pg.Abort(err)
			return EpochMetrics{}, errors.WithMessagef(err, "epoch %d, batch %d", epoch, batch.Index)
		}
		numSteps++
		sums[0] += step.Loss
		for head, loss := range step.HeadLosses {
			sums[1+head] += loss
		}
		if onStep != nil {
			if err = onStep(step); err != nil {
				t.loader.Close()
				pg.Abort(err)
				return EpochMetrics{}, err
			}
		}
	}

	if err := pg.AllReduceSum(ctx, sums); err != nil {
		return EpochMetrics{}, errors.WithMessagef(err, "[%s] reducing losses of epoch %d", pg, epoch)
	}
	total := float64(numSteps * pg.WorldSize())
	metrics := EpochMetrics{
		Epoch:      epoch,
		Loss:       sums[0] / total,
		HeadLosses: make([]float64, numHeads),
		NumSteps:   numSteps,
		Duration:   time.Since(start),
	}
	for head := range metrics.HeadLosses {
		metrics.HeadLosses[head] = sums[1+head] / total
	}
	if math.IsNaN(metrics.Loss) || math.IsInf(metrics.Loss, 0) {
		return metrics, errors.Errorf("epoch %d loss is %g, training interrupted", epoch, metrics.Loss)
	}
	klog.V(1).Infof("[%s] epoch %d: %d steps, loss=%.5f (%s)", pg, epoch, numSteps, metrics.Loss, metrics.Duration)
	return metrics, nil
}
