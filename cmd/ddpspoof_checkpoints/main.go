// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// ddpspoof_checkpoints reports on the run directories created by ddpspoof: their checkpoint artifacts,
// arguments and metrics. Several runs can be given, and they are reported side by side.
//
// Usage:
//
//	ddpspoof_checkpoints [-summary] [-artifacts] [-args] [-metrics] [-plot=<dir>] <run_dir> [<run_dir>...]
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/ddpspoof/pkg/ml/checkpoints"
	"github.com/gomlx/ddpspoof/pkg/ml/train/logger"
	"github.com/gomlx/ddpspoof/pkg/ml/train/plots"
	"github.com/gomlx/ddpspoof/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagSummary   = flag.Bool("summary", false, "Display a summary of each run. The default if no other report is selected.")
	flagArtifacts = flag.Bool("artifacts", false, "Lists the checkpoint artifacts of each run.")
	flagArgs      = flag.Bool("args", false, fmt.Sprintf("Lists the arguments of the runs, from the file %q. "+
		"Arguments that differ across runs are highlighted.", logger.ArgumentsFile))
	flagMetrics = flag.Bool("metrics", false, fmt.Sprintf("Lists the last and best values of the metrics logged in %q.",
		logger.MetricsFile))
	flagMetricsNames = flag.String("metrics_names", "", "Regular expression that, if set, selects the metrics to "+
		"include in -metrics and -plot.")
	flagPlot = flag.String("plot", "", "Directory where to save one plot per metric, comparing the runs.")
)

// Run holds what was loaded from a run directory.
type Run struct {
	// Name is the minimal unique suffix of Dir among the runs reported.
	Name, Dir string

	Artifacts []checkpoints.Artifact
	Series    plots.Series
}

// LoadRun loads the artifacts list and the metrics of a run. Missing files are not an error:
// e.g. test runs have no artifacts.
func LoadRun(name, dir string) (*Run, error) {
	r := &Run{Name: name, Dir: dir, Series: make(plots.Series)}
	modelDir := filepath.Join(dir, logger.ModelDir)
	if must.M1(fsutil.FileExists(modelDir)) {
		var err error
		if r.Artifacts, err = checkpoints.List(modelDir); err != nil {
			return nil, err
		}
	}
	metricsPath := filepath.Join(dir, logger.MetricsFile)
	if must.M1(fsutil.FileExists(metricsPath)) {
		var err error
		if r.Series, err = logger.ReadMetrics(metricsPath); err != nil {
			return nil, err
		}
	}
	if len(r.Artifacts) == 0 && len(r.Series) == 0 {
		return nil, errors.Errorf("%q is not a run directory: no %q or %q found", dir, logger.ModelDir, logger.MetricsFile)
	}
	return r, nil
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing run directory to read from. See 'ddpspoof_checkpoints -help'")
		os.Exit(1)
	}
	dirs := make([]string, len(args))
	for ii, arg := range args {
		dirs[ii] = must.M1(fsutil.ReplaceTildeInDir(arg))
	}
	names := MinimalUniquePaths(dirs...)
	runs := make([]*Run, len(dirs))
	for ii, dir := range dirs {
		runs[ii] = must.M1(LoadRun(names[ii], dir))
	}

	if !*flagArtifacts && !*flagArgs && !*flagMetrics && *flagPlot == "" {
		*flagSummary = true
	}
	if *flagSummary {
		fmt.Println(titleStyle.Render("Summary"))
		fmt.Println(Summary(runs).Render())
	}
	if *flagArtifacts {
		fmt.Println(titleStyle.Render("Artifacts"))
		fmt.Println(ArtifactsTable(runs).Render())
	}
	if *flagArgs {
		fmt.Println(titleStyle.Render("Arguments"))
		fmt.Println(must.M1(ArgumentsTable(runs)).Render())
	}
	if *flagMetrics || *flagPlot != "" {
		matcher := must.M1(newMetricsMatcher(*flagMetricsNames))
		if *flagMetrics {
			fmt.Println(titleStyle.Render("Metrics"))
			fmt.Println(MetricsTable(runs, matcher).Render())
		}
		if *flagPlot != "" {
			files := must.M1(PlotMetrics(runs, matcher, must.M1(fsutil.ReplaceTildeInDir(*flagPlot))))
			for _, file := range files {
				fmt.Printf("- %s\n", file)
			}
		}
	}
}
