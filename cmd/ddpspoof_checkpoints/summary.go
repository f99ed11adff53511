// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/ddpspoof/pkg/ml/checkpoints"
	"github.com/gomlx/ddpspoof/pkg/ml/train"
	"github.com/gomlx/ddpspoof/pkg/ml/train/plots"
	"github.com/gomlx/ddpspoof/ui/commandline"
	"k8s.io/klog/v2"
)

// lastEpochArtifacts returns the artifacts of the latest epoch saved.
func lastEpochArtifacts(artifacts []checkpoints.Artifact) (epoch int, last []checkpoints.Artifact) {
	epoch = -1
	for _, a := range artifacts {
		if a.Epoch > epoch {
			epoch, last = a.Epoch, last[:0]
		}
		if a.Epoch == epoch {
			last = append(last, a)
		}
	}
	return
}

// bestPoint returns the point with the lowest value, ignoring NaNs. ok is false if there are none.
func bestPoint(points []plots.Point) (best plots.Point, ok bool) {
	best.Value = math.Inf(1)
	for _, p := range points {
		if !math.IsNaN(p.Value) && p.Value < best.Value {
			best, ok = p, true
		}
	}
	return
}

// Summary returns a table with one column per run.
func Summary(runs []*Run) *TableWithReds {
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	header := []string{"run"}
	rows := map[string][]string{}
	rowNames := []string{"# artifacts", "# bytes", "last epoch saved", "# parameters", "epochs logged",
		"best " + train.MetricDevEER, "best " + train.MetricDevDCF}
	for _, run := range runs {
		header = append(header, run.Name)
		var totalSize int64
		for _, a := range run.Artifacts {
			totalSize += a.Size
		}
		rows["# artifacts"] = append(rows["# artifacts"], humanize.Comma(int64(len(run.Artifacts))))
		rows["# bytes"] = append(rows["# bytes"], humanize.Bytes(uint64(totalSize)))

		epoch, last := lastEpochArtifacts(run.Artifacts)
		epochStr, paramsStr := "-", "-"
		if epoch >= 0 {
			epochStr = fmt.Sprintf("%d", epoch)
			var numValues int
			for _, a := range last {
				h, err := checkpoints.ReadHeaderFile(a.Path)
				if err != nil {
					klog.Warningf("skipping %q: %v", a.Path, err)
					continue
				}
				numValues += h.NumValues()
			}
			paramsStr = humanize.Comma(int64(numValues))
		}
		rows["last epoch saved"] = append(rows["last epoch saved"], epochStr)
		rows["# parameters"] = append(rows["# parameters"], paramsStr)
		rows["epochs logged"] = append(rows["epochs logged"], humanize.Comma(int64(len(run.Series[train.MetricLR]))))

		eerStr, dcfStr := "-", "-"
		if p, ok := bestPoint(run.Series[train.MetricDevEER]); ok {
			eerStr = fmt.Sprintf("%s @ %d", commandline.FormatPercent(p.Value), p.Step)
		}
		if p, ok := bestPoint(run.Series[train.MetricDevDCF]); ok {
			dcfStr = fmt.Sprintf("%.4f @ %d", p.Value, p.Step)
		}
		rows["best "+train.MetricDevEER] = append(rows["best "+train.MetricDevEER], eerStr)
		rows["best "+train.MetricDevDCF] = append(rows["best "+train.MetricDevDCF], dcfStr)
	}
	table.Table.Headers(header...)
	for _, name := range rowNames {
		table.Row(false, append([]string{name}, rows[name]...)...)
	}
	return table
}

// ArtifactsTable lists the artifacts of every run.
func ArtifactsTable(runs []*Run) *TableWithReds {
	table := newPlainTable(lipgloss.Left, lipgloss.Right, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Table.Headers("Run", "Epoch", "Tag", "Component", "Bytes")
	for _, run := range runs {
		for _, a := range run.Artifacts {
			table.Row(false, run.Name, fmt.Sprintf("%d", a.Epoch), a.Tag, a.Component, humanize.Bytes(uint64(a.Size)))
		}
	}
	return table
}
