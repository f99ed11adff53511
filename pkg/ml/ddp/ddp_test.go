// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ddp

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/gomlx/ddpspoof/pkg/core/distributed"
	"github.com/gomlx/ddpspoof/pkg/core/tensors"
	"github.com/gomlx/ddpspoof/pkg/ml/checkpoints"
	"github.com/gomlx/ddpspoof/pkg/ml/datasets"
	"github.com/gomlx/ddpspoof/pkg/ml/layers"
	"github.com/gomlx/ddpspoof/pkg/ml/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPipelineConfig = layers.PipelineConfig{
	NumSamples: 32, FrameSize: 4, Hop: 4, HiddenDim: 6, EmbeddingDim: 3, LossWeights: []float64{0.5, 1},
}

func newPipeline(t *testing.T, seed uint64) *model.Pipeline {
	p, err := layers.NewPipeline(testPipelineConfig, rand.New(rand.NewPCG(seed, 0)))
	require.NoError(t, err)
	return p
}

// testBatch returns a batch that depends on the rank.
func testBatch(rank int) *datasets.Batch {
	rng := rand.New(rand.NewPCG(uint64(rank), 7))
	audio := tensors.FromShape(4, 32)
	batch := &datasets.Batch{Audio: audio}
	for row := range 4 {
		label := (row + rank) % 2
		batch.Labels = append(batch.Labels, label)
		batch.Filenames = append(batch.Filenames, "utt")
		for ii := range audio.Row(row) {
			audio.Row(row)[ii] = float32(rng.NormFloat64()) * float32(1+label)
		}
	}
	return batch
}

func TestTrainStep(t *testing.T) {
	const world = 2

	// Reference: gradients of the coordinator's initial parameters on each rank's batch, averaged.
	var want []*tensors.Tensor
	for rank := range world {
		p := newPipeline(t, 0)
		_, err := p.TrainStep(testBatch(rank).Audio, testBatch(rank).Labels, nil)
		require.NoError(t, err)
		for ii, param := range p.Parameters() {
			if rank == 0 {
				want = append(want, param.Grad.Clone())
			} else {
				want[ii].AddInPlace(param.Grad).Scale(0.5)
			}
		}
	}

	var mu sync.Mutex
	grads := make([][]*tensors.Tensor, world)
	values := make([][]*tensors.Tensor, world)
	cfg := distributed.NewLocalConfig("ddp-test", world)
	err := distributed.Spawn(context.Background(), cfg, func(ctx context.Context, pg distributed.ProcessGroup) error {
		// Each rank starts with different parameters, replaced by the coordinator's.
		m, err := Wrap(ctx, newPipeline(t, uint64(pg.Rank())), pg)
		if err != nil {
			return err
		}
		if _, err = m.TrainStep(ctx, testBatch(pg.Rank()), nil); err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		for _, param := range m.Parameters() {
			grads[pg.Rank()] = append(grads[pg.Rank()], param.Grad.Clone())
			values[pg.Rank()] = append(values[pg.Rank()], param.Value.Clone())
		}
		return nil
	})
	require.NoError(t, err)

	reference := newPipeline(t, 0).Parameters()
	for ii := range want {
		for rank := range world {
			assert.True(t, values[rank][ii].Equal(reference[ii].Value), "rank %d parameter #%d not replicated", rank, ii)
			assert.InDeltaSlice(t, want[ii].Data(), grads[rank][ii].Data(), 1e-6, "rank %d gradient #%d", rank, ii)
		}
		assert.True(t, grads[0][ii].Equal(grads[1][ii]), "gradients #%d differ across ranks", ii)
	}
}

func TestSaveRestore(t *testing.T) {
	dir := t.TempDir()
	handler, err := checkpoints.New(dir, checkpoints.DefaultTag)
	require.NoError(t, err)
	cfg := distributed.NewLocalConfig("ddp-save", 2)
	err = distributed.Spawn(context.Background(), cfg, func(ctx context.Context, pg distributed.ProcessGroup) error {
		m, err := Wrap(ctx, newPipeline(t, 1), pg)
		if err != nil {
			return err
		}
		paths, err := m.Save(handler, 3)
		if err != nil {
			return err
		}
		if pg.IsCoordinator() != (len(paths) == len(m.Pipeline().Components())) {
			return errors.Errorf("[%s] saved %d artifacts", pg, len(paths))
		}
		// Make sure the coordinator finished writing before loading.
		if err = pg.Barrier(ctx); err != nil {
			return err
		}
		saved := m.CopyState()
		m.Parameters()[0].Value.Fill(0)
		state, err := checkpoints.LoadDir(dir)
		if err != nil {
			return err
		}
		if err = m.Restore(state); err != nil {
			return err
		}
		if !m.CopyState()[model.FrontendComponent]["tap_0/weights"].Equal(saved[model.FrontendComponent]["tap_0/weights"]) {
			return errors.Errorf("[%s] restored state differs", pg)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestMismatchedReplicas(t *testing.T) {
	cfg := distributed.NewLocalConfig("ddp-mismatch", 2)
	err := distributed.Spawn(context.Background(), cfg, func(ctx context.Context, pg distributed.ProcessGroup) error {
		pc := testPipelineConfig
		if pg.Rank() == 1 {
			pc.HiddenDim = 7
		}
		p, err := layers.NewPipeline(pc, rand.New(rand.NewPCG(0, 0)))
		if err != nil {
			return err
		}
		_, err = Wrap(ctx, p, pg)
		return err
	})
	require.Error(t, err)
}
