// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/ddpspoof/pkg/ml/train/plots"
	"github.com/gomlx/ddpspoof/pkg/support/sets"
	"github.com/pkg/errors"
)

func newMetricsMatcher(expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	matcher, err := regexp.Compile(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to compile -metrics_names=%q", expr)
	}
	return matcher, nil
}

// metricNames returns the sorted names of the metrics of all runs selected by matcher (all if nil).
func metricNames(runs []*Run, matcher *regexp.Regexp) []string {
	names := sets.Make[string]()
	for _, run := range runs {
		for name := range run.Series {
			if matcher == nil || matcher.MatchString(name) {
				names.Insert(name)
			}
		}
	}
	return sets.Sorted(names)
}

func formatValue(v float64) string {
	if math.IsNaN(v) {
		return "NaN"
	}
	return fmt.Sprintf("%.4g", v)
}

// MetricsTable lists, for each metric and run, the last value logged and the lowest one.
func MetricsTable(runs []*Run, matcher *regexp.Regexp) *TableWithReds {
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	header := []string{"Metric"}
	for _, run := range runs {
		header = append(header, run.Name)
	}
	table.Table.Headers(header...)
	for _, name := range metricNames(runs, matcher) {
		row := []string{name}
		for _, run := range runs {
			points := run.Series[name]
			if len(points) == 0 {
				row = append(row, "-")
				continue
			}
			last := points[len(points)-1]
			cell := fmt.Sprintf("last %s @ %d", formatValue(last.Value), last.Step)
			if best, ok := bestPoint(points); ok && len(points) > 1 {
				cell += fmt.Sprintf(", min %s @ %d", formatValue(best.Value), best.Step)
			}
			row = append(row, cell)
		}
		table.Row(false, row...)
	}
	return table
}

// plotFileName converts a metric name to a file name.
func plotFileName(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == ' ' || r == filepath.Separator {
			return '_'
		}
		return r
	}, name) + ".png"
}

// PlotMetrics saves to dir one plot per metric selected by matcher, with one curve per run.
// Metrics with fewer than 2 points in all runs are skipped. It returns the files written.
func PlotMetrics(runs []*Run, matcher *regexp.Regexp, dir string) ([]string, error) {
	var files []string
	for _, name := range metricNames(runs, matcher) {
		series := make(plots.Series)
		var maxPoints int
		for _, run := range runs {
			for _, p := range run.Series[name] {
				series.Add(run.Name, p.Step, p.Value)
			}
			maxPoints = max(maxPoints, len(series[run.Name]))
		}
		if maxPoints < 2 {
			continue
		}
		filePath := filepath.Join(dir, plotFileName(name))
		if err := plots.SaveCurves(filePath, name, series); err != nil {
			return files, errors.WithMessagef(err, "plotting metric %q", name)
		}
		files = append(files, filePath)
	}
	return files, nil
}
