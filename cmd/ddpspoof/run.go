// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/gomlx/ddpspoof/pkg/config"
	"github.com/gomlx/ddpspoof/pkg/core/distributed"
	"github.com/gomlx/ddpspoof/pkg/core/random"
	"github.com/gomlx/ddpspoof/pkg/ml/datasets"
	"github.com/gomlx/ddpspoof/pkg/ml/ddp"
	"github.com/gomlx/ddpspoof/pkg/ml/layers"
	"github.com/gomlx/ddpspoof/pkg/ml/model"
	"github.com/gomlx/ddpspoof/pkg/ml/train"
	"github.com/gomlx/ddpspoof/pkg/ml/train/logger"
	"github.com/gomlx/ddpspoof/pkg/ml/train/metrics"
	"github.com/gomlx/ddpspoof/pkg/ml/train/optimizers"
	"github.com/gomlx/ddpspoof/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type runOptions struct {
	// rank of this process, or -1 to spawn all ranks.
	rank int

	progressBar bool
}

// run trains (or tests) on every rank of the group described by r.
func run(ctx context.Context, cfg *config.RunConfig, r *config.Resolved, opts runOptions) error {
	fn := func(ctx context.Context, pg distributed.ProcessGroup) error {
		return worker(ctx, cfg, pg, r, opts)
	}
	if opts.rank < 0 {
		return distributed.Spawn(ctx, r.Distributed, fn)
	}
	if cfg.Dist.Port == "" {
		return errors.New("running a single rank requires an explicit rendezvous port (distributed.port)")
	}
	return distributed.RunRank(ctx, r.Distributed, opts.rank, fn)
}

// worker is the body of one rank.
func worker(ctx context.Context, cfg *config.RunConfig, pg distributed.ProcessGroup, r *config.Resolved,
	opts runOptions) (err error) {
	sources := random.Seed(cfg.Seed, cfg.Deterministic)
	splits, err := loadSplits(cfg)
	if err != nil {
		return err
	}

	// Every rank builds the model, but only the coordinator's initial parameters are kept (see ddp.Wrap).
	var pipeline *model.Pipeline
	sources.WithTensor(func(rng *rand.Rand) {
		pipeline, err = layers.NewPipeline(r.Model, rng)
	})
	if err != nil {
		return err
	}
	m, err := ddp.Wrap(ctx, pipeline, pg)
	if err != nil {
		return err
	}
	loaded, err := train.LoadPretrained(m, cfg.ScriptsDir)
	if err != nil {
		return err
	}
	if cfg.Test && !loaded {
		return errors.Errorf("test mode requires a pretrained model under %q",
			filepath.Join(cfg.ScriptsDir, train.PretrainedDir))
	}

	var local *logger.Local
	log, err := logger.ForRank(pg, func() (logger.Logger, error) {
		l, err := logger.NewLocal(cfg.LogDir, cfg.Name, cfg.Tag)
		local = l
		return l, err
	})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := log.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	args, err := cfg.Map()
	if err != nil {
		return err
	}
	if err = log.LogArguments(args); err != nil {
		return err
	}

	if cfg.Test {
		outputDir := cfg.OutputDir
		if outputDir == "" && local != nil {
			outputDir = local.Dir
		}
		return test(ctx, cfg, m, splits, sources, log, outputDir, r.BatchPerRank)
	}
	return fit(ctx, cfg, m, splits, sources, log, r, opts)
}

func loadSplits(cfg *config.RunConfig) (*datasets.Splits, error) {
	if cfg.Synthetic.Enabled {
		return datasets.SyntheticSplits(cfg.Seed, cfg.Synthetic.Train, cfg.Synthetic.Dev, cfg.Synthetic.Eval, cfg.CropSize)
	}
	return datasets.LoadSplits(cfg.Data)
}

// shardLoader returns the loader of the shard of pg of ds, cropped to the configured size.
// Training shards are shuffled, with random crops and only complete batches.
func shardLoader(cfg *config.RunConfig, ds datasets.Dataset, pg distributed.ProcessGroup, batchSize int,
	training bool, sources *random.Sources) (*datasets.Loader, error) {
	mode := datasets.FixedCrop
	if training {
		mode = datasets.RandomCrop
	}
	ds = datasets.Crop(ds, cfg.CropSize, mode, sources)
	sampler, err := datasets.NewSampler(ds.Len(), pg.Rank(), pg.WorldSize())
	if err != nil {
		return nil, err
	}
	if training {
		sampler.Shuffle(cfg.Seed).DropLast(true)
	}
	loader, err := datasets.NewLoader(ds, sampler, batchSize)
	if err != nil {
		return nil, err
	}
	return loader.DropLast(training).Workers(cfg.NumWorkers), nil
}

func fit(ctx context.Context, cfg *config.RunConfig, m *ddp.Model, splits *datasets.Splits, sources *random.Sources,
	log logger.Logger, r *config.Resolved, opts runOptions) error {
	pg := m.ProcessGroup()
	if splits.Train == nil || splits.Dev == nil {
		return errors.New("training requires both the train and the dev splits")
	}
	trainLoader, err := shardLoader(cfg, splits.Train, pg, r.BatchPerRank, true, sources)
	if err != nil {
		return err
	}
	devLoader, err := shardLoader(cfg, splits.Dev, pg, r.BatchPerRank, false, sources)
	if err != nil {
		return err
	}
	opt, err := optimizers.ByName(cfg.Optimizer, cfg.Optim)
	if err != nil {
		return err
	}
	trainer, err := train.NewTrainer(m, opt, trainLoader, sources)
	if err != nil {
		return err
	}
	schedule := r.Schedule
	loop := train.NewLoop(trainer, devLoader, &schedule, train.NewEarlyStopping(cfg.Patience), log, cfg.Epochs)
	loop.EvalEvery = cfg.EvalEvery
	var lastDev *train.EvalResult
	loop.OnEpoch("last dev evaluation", train.Priority(100), func(_ *train.Loop, report train.EpochReport) error {
		if report.Eval != nil {
			lastDev = report.Eval
		}
		return nil
	})
	if opts.progressBar {
		commandline.AttachProgressBar(loop)
	}
	terminal, err := loop.Run(ctx)
	if err != nil {
		return err
	}
	if !pg.IsCoordinator() {
		return nil
	}
	bestEER, bestDCF := loop.Policy.Bests()
	klog.Infof("training finished (%s) after %d epochs: best EER %s, best DCF %.4f",
		terminal, loop.Epoch, commandline.FormatPercent(bestEER), bestDCF)
	if lastDev == nil {
		return nil
	}
	fmt.Println()
	return commandline.ReportEval(os.Stdout, fmt.Sprintf("Dev results at epoch %d", loop.Epoch),
		map[string]metrics.Result{datasets.SplitDev: lastDev.Metrics})
}

func test(ctx context.Context, cfg *config.RunConfig, m *ddp.Model, splits *datasets.Splits, sources *random.Sources,
	log logger.Logger, outputDir string, batchPerRank int) error {
	pg := m.ProcessGroup()
	if splits.Dev == nil {
		return errors.New("test mode requires the dev split")
	}
	tc := train.TestConfig{
		Extra:     make(map[string]*datasets.Loader),
		OutputDir: outputDir,
		PlotDET:   pg.IsCoordinator(),
		Logger:    log,
	}
	var err error
	if splits.Eval != nil && pg.IsCoordinator() {
		// The eval split is scored whole, one utterance at a time, by the coordinator alone.
		ds := datasets.Crop(splits.Eval, cfg.CropSize, datasets.FixedCrop, sources)
		sampler, err := datasets.NewSampler(ds.Len(), 0, 1)
		if err != nil {
			return err
		}
		if tc.EvalLoader, err = datasets.NewLoader(ds, sampler, 1); err != nil {
			return err
		}
		tc.EvalLoader.Workers(cfg.NumWorkers)
	}
	if tc.DevLoader, err = shardLoader(cfg, splits.Dev, pg, batchPerRank, false, sources); err != nil {
		return err
	}
	for name, ds := range splits.Extra {
		if tc.Extra[name], err = shardLoader(cfg, ds, pg, batchPerRank, false, sources); err != nil {
			return err
		}
	}
	report, err := train.RunTest(ctx, m, tc)
	if err != nil {
		return err
	}
	if !pg.IsCoordinator() {
		return nil
	}
	results := map[string]metrics.Result{datasets.SplitDev: report.Dev.Metrics}
	if report.Eval != nil {
		results[datasets.SplitEval] = report.Eval.Metrics
		klog.Infof("scores written to %q", report.ScoreFile)
	}
	for name, result := range report.Extra {
		results[name] = result.Metrics
	}
	fmt.Println()
	return commandline.ReportEval(os.Stdout, fmt.Sprintf("Test results of %q", filepath.Base(cfg.ScriptsDir)), results)
}
