// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/ddpspoof/pkg/core/distributed"
	"github.com/gomlx/ddpspoof/pkg/ml/checkpoints"
	"github.com/gomlx/ddpspoof/pkg/ml/datasets"
	"github.com/gomlx/ddpspoof/pkg/ml/train/metrics"
	"github.com/gomlx/ddpspoof/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopEarlyStop(t *testing.T) {
	cfg := distributed.NewLocalConfig(t.Name(), 2)
	err := distributed.Spawn(context.Background(), cfg, func(ctx context.Context, pg distributed.ProcessGroup) error {
		// With a zero learning rate the dev metrics never change: the second evaluation doesn't improve.
		setup, err := newTestSetup(ctx, pg, 16, 16, &optimizers.SGD{LR: 0})
		if err != nil {
			return err
		}
		loop := NewLoop(setup.trainer, setup.dev, nil, NewEarlyStopping(1), nil, 10)
		terminal, err := loop.Run(ctx)
		if err != nil {
			return err
		}
		if terminal != EarlyStopped || loop.Epoch != 2 || len(loop.Decisions) != 2 {
			return errors.Errorf("[%s] %s at epoch %d after %d decisions", pg, terminal, loop.Epoch, len(loop.Decisions))
		}
		if !loop.Decisions[0].Improved() || loop.Decisions[1].Improved() {
			return errors.Errorf("[%s] unexpected decisions %v", pg, loop.Decisions)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestLoopEvalEvery(t *testing.T) {
	cfg := distributed.NewLocalConfig(t.Name(), 1)
	err := distributed.Spawn(context.Background(), cfg, func(ctx context.Context, pg distributed.ProcessGroup) error {
		setup, err := newTestSetup(ctx, pg, 16, 16, optimizers.NewAdam(0.01, 0))
		if err != nil {
			return err
		}
		loop := NewLoop(setup.trainer, setup.dev, nil, nil, nil, 5)
		loop.EvalEvery = 2
		var evaluated []int
		loop.OnEpoch("evaluated", 0, func(_ *Loop, report EpochReport) error {
			if report.Eval != nil {
				evaluated = append(evaluated, report.Epoch)
			}
			return nil
		})
		if _, err = loop.Run(ctx); err != nil {
			return err
		}
		if len(evaluated) != 2 || evaluated[0] != 2 || evaluated[1] != 4 {
			return errors.Errorf("evaluated epochs %v", evaluated)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestLoadPretrained(t *testing.T) {
	scriptsDir := t.TempDir()
	cfg := distributed.NewLocalConfig(t.Name(), 1)
	err := distributed.Spawn(context.Background(), cfg, func(ctx context.Context, pg distributed.ProcessGroup) error {
		m, err := wrapModel(ctx, pg)
		if err != nil {
			return err
		}
		if loaded, err := LoadPretrained(m, scriptsDir); err != nil || loaded {
			return errors.Errorf("nothing should be loaded: loaded=%v, err=%v", loaded, err)
		}
		handler, err := checkpoints.New(filepath.Join(scriptsDir, PretrainedDir), checkpoints.DefaultTag)
		if err != nil {
			return err
		}
		want := m.CopyState()
		if _, err = m.Save(handler, 7); err != nil {
			return err
		}
		for _, p := range m.Parameters() {
			p.Value.Fill(0)
		}
		loaded, err := LoadPretrained(m, scriptsDir)
		if err != nil {
			return err
		}
		if !loaded {
			return errors.New("pretrained model not loaded")
		}
		got := m.CopyState()
		for component, sd := range want {
			for name, value := range sd {
				if !value.Equal(got[component][name]) {
					return errors.Errorf("%s/%s not restored", component, name)
				}
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestRunTest(t *testing.T) {
	const evalSize = 10
	outputDir := t.TempDir()
	reports := make([]*TestReport, 2)
	cfg := distributed.NewLocalConfig(t.Name(), 2)
	err := distributed.Spawn(context.Background(), cfg, func(ctx context.Context, pg distributed.ProcessGroup) error {
		m, err := wrapModel(ctx, pg)
		if err != nil {
			return err
		}
		var tc TestConfig
		tc.OutputDir = outputDir
		tc.PlotDET = true
		if pg.IsCoordinator() {
			evalDS, err := syntheticSplit("eval", evalSize, 3)
			if err != nil {
				return err
			}
			sampler, err := datasets.NewSampler(evalSize, 0, 1)
			if err != nil {
				return err
			}
			if tc.EvalLoader, err = datasets.NewLoader(evalDS, sampler, 1); err != nil {
				return err
			}
		}
		devDS, err := syntheticSplit("dev", 20, 2)
		if err != nil {
			return err
		}
		if tc.DevLoader, err = shardLoader(devDS, pg, 4, false); err != nil {
			return err
		}
		extraDS, err := syntheticSplit("DF21", 12, 4)
		if err != nil {
			return err
		}
		extraLoader, err := shardLoader(extraDS, pg, 4, false)
		if err != nil {
			return err
		}
		tc.Extra = map[string]*datasets.Loader{"DF21": extraLoader}
		reports[pg.Rank()], err = RunTest(ctx, m, tc)
		return err
	})
	require.NoError(t, err)

	report := reports[0]
	require.NotNil(t, report.Eval)
	assert.Len(t, report.Dev.Records, 20)
	require.Contains(t, report.Extra, "DF21")
	assert.Len(t, report.Extra["DF21"].Records, 12)
	assert.Nil(t, reports[1].Eval)
	assert.Equal(t, report.Dev.Metrics, reports[1].Dev.Metrics)

	f, err := os.Open(report.ScoreFile)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	r := csv.NewReader(f)
	r.Comma = '\t'
	rows, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, evalSize+1)
	assert.Equal(t, []string{"filename", "cm-score"}, rows[0])
	for ii, record := range report.Eval.Records {
		assert.Equal(t, record.Filename, rows[ii+1][0])
	}
	_, err = os.Stat(filepath.Join(outputDir, "det_dev.png"))
	assert.NoError(t, err)
}

// failingWriter fails every write.
type failingWriter struct{ calls int }

func (w *failingWriter) Write([]byte) (int, error) {
	w.calls++
	return 0, errors.New("disk full")
}

func TestWriteScoresFailure(t *testing.T) {
	// Enough records to overflow the writer's buffer before the final flush.
	records := make([]metrics.ScoreRecord, 1000)
	for ii := range records {
		records[ii] = metrics.ScoreRecord{Filename: fmt.Sprintf("LA_E_%07d", ii), Score: float64(ii) / 7}
	}
	w := &failingWriter{}
	err := writeScores(w, records)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, w.calls, "writing stops at the first failure")

	err = WriteScores(filepath.Join(t.TempDir(), "missing", ScoreFileName), records)
	require.Error(t, err)
}
