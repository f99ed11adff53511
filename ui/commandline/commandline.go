// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/ddpspoof/pkg/ml/train/metrics"
	"github.com/gomlx/ddpspoof/pkg/support/xslices"
)

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	headerStyle       = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// NewTable returns a lipgloss table in the style used by the command-line tools: the first column
// is right aligned.
func NewTable(headers ...string) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return headerStyle
			case col == 0:
				return rightAlignedStyle
			}
			return normalStyle
		})
}

// FormatPercent formats a fraction as a percentage.
func FormatPercent(v float64) string {
	return fmt.Sprintf("%.4f%%", 100*v)
}

// ReportEval writes a table with the metrics of each evaluated split, in the order of their names.
func ReportEval(w io.Writer, title string, results map[string]metrics.Result) error {
	table := NewTable("split", "EER-repo", "EER", "minDCF", "CLLR", "bonafide", "spoof")
	for _, name := range xslices.SortedKeys(results) {
		r := results[name]
		table.Row(name, FormatPercent(r.EERRepo), FormatPercent(r.EER),
			fmt.Sprintf("%.4f", r.MinDCF), fmt.Sprintf("%.4f", r.CLLR),
			humanize.Comma(int64(r.NumTarget)), humanize.Comma(int64(r.NumNonTarget)))
	}
	_, err := fmt.Fprintf(w, "%s\n%s\n", lipgloss.NewStyle().Bold(true).Render(title), table.String())
	return err
}
