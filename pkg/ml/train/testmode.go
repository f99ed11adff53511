// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gomlx/ddpspoof/pkg/ml/datasets"
	"github.com/gomlx/ddpspoof/pkg/ml/ddp"
	"github.com/gomlx/ddpspoof/pkg/ml/train/logger"
	"github.com/gomlx/ddpspoof/pkg/ml/train/metrics"
	"github.com/gomlx/ddpspoof/pkg/ml/train/plots"
	"github.com/gomlx/ddpspoof/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ScoreFileName is the name of the file with the scores of the eval split, written in test mode.
const ScoreFileName = "score.tsv"

// Columns of the score file.
var scoreHeader = []string{"filename", "cm-score"}

// WriteScores writes the records as a tab-separated file with a header line, one record per line.
func WriteScores(filePath string, records []metrics.ScoreRecord) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating score file")
	}
	if err = writeScores(f, records); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "writing %q", filePath)
	}
	return errors.Wrapf(f.Close(), "closing %q", filePath)
}

func writeScores(out io.Writer, records []metrics.ScoreRecord) error {
	w := csv.NewWriter(out)
	w.Comma = '\t'
	if err := w.Write(scoreHeader); err != nil {
		return errors.Wrap(err, "score header")
	}
	for _, r := range records {
		if err := w.Write([]string{r.Filename, strconv.FormatFloat(r.Score, 'g', -1, 64)}); err != nil {
			return errors.Wrapf(err, "score of %q", r.Filename)
		}
	}
	w.Flush()
	return errors.WithStack(w.Error())
}

// TestConfig configures RunTest.
type TestConfig struct {
	// EvalLoader covers the whole eval split, usually with batch size 1. It's only used by the coordinator,
	// without collectives, and may be nil on the other ranks. If nil on the coordinator, no score file is written.
	EvalLoader *datasets.Loader

	// DevLoader yields the dev shard of the rank. Required.
	DevLoader *datasets.Loader

	// Extra loaders yield shards of additional evaluation sets, evaluated in the order of their names.
	Extra map[string]*datasets.Loader

	// OutputDir is where the score file and the DET plots are written by the coordinator.
	OutputDir string

	// PlotDET controls whether a DET curve is plotted for every split with both classes.
	PlotDET bool

	Logger logger.Logger
}

// TestReport holds the results of RunTest. Eval is only set on the coordinator.
type TestReport struct {
	Eval      *EvalResult
	ScoreFile string
	Dev       *EvalResult
	Extra     map[string]*EvalResult
}

// RunTest evaluates a trained model: the coordinator scores the eval split on its own and writes the
// score file, then all ranks evaluate the dev split and the extra splits, sharded and gathered.
// Metrics are logged with the split name as prefix, at step 0.
func RunTest(ctx context.Context, m *ddp.Model, cfg TestConfig) (report *TestReport, err error) {
	pg := m.ProcessGroup()
	if cfg.DevLoader == nil {
		return nil, errors.Errorf("[%s] RunTest requires a dev loader", pg)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop{}
	}
	defer func() {
		if err != nil {
			pg.Abort(err)
		}
	}()
	report = &TestReport{Extra: make(map[string]*EvalResult)}
	if pg.IsCoordinator() && cfg.EvalLoader != nil {
		klog.Infof("scoring %q", cfg.EvalLoader.Name())
		if report.Eval, err = Evaluate(ctx, m, cfg.EvalLoader, false); err != nil {
			return nil, err
		}
		if err = os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating output directory")
		}
		report.ScoreFile = filepath.Join(cfg.OutputDir, ScoreFileName)
		if err = WriteScores(report.ScoreFile, report.Eval.Records); err != nil {
			return nil, err
		}
		klog.Infof("wrote %d scores to %q", len(report.Eval.Records), report.ScoreFile)
	}

	evaluate := func(name string, loader *datasets.Loader) (*EvalResult, error) {
		result, err := Evaluate(ctx, m, loader, true)
		if err != nil {
			return nil, err
		}
		if !pg.IsCoordinator() {
			return result, nil
		}
		klog.Infof("%s: %s", name, result.Metrics)
		res := result.Metrics
		for _, pair := range []struct {
			suffix string
			value  float64
		}{{"EER-repo", res.EERRepo}, {"EER", res.EER}, {"DCF", res.MinDCF}, {"CLLR", res.CLLR}} {
			if err := cfg.Logger.LogMetric(name+"-"+pair.suffix, pair.value, 0); err != nil {
				return nil, err
			}
		}
		if cfg.PlotDET && res.NumTarget > 0 && res.NumNonTarget > 0 {
			target, nontarget := metrics.Split(result.Records)
			detPath := filepath.Join(cfg.OutputDir, "det_"+name+".png")
			if err := plots.SaveDET(detPath, "DET "+name, metrics.DETCurve(target, nontarget)); err != nil {
				return nil, err
			}
		}
		return result, nil
	}
	if report.Dev, err = evaluate(datasets.SplitDev, cfg.DevLoader); err != nil {
		return nil, err
	}
	for _, name := range xslices.SortedKeys(cfg.Extra) {
		if report.Extra[name], err = evaluate(name, cfg.Extra[name]); err != nil {
			return nil, err
		}
	}
	return report, nil
}
