// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots saves training curves and DET curves as images, using gonum/plot.
// The image format is given by the file extension (.png, .svg, .pdf, ...).
package plots

import (
	"math"
	"os"
	"path/filepath"

	"github.com/gomlx/ddpspoof/pkg/ml/train/metrics"
	"github.com/gomlx/ddpspoof/pkg/support/xslices"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Point of a training curve: the value of a metric at an epoch.
type Point struct {
	Step  int     `json:"step"`
	Value float64 `json:"value"`
}

// Series maps metric names to their points.
type Series map[string][]Point

// Add appends a point to the named series. Non-finite values are skipped.
func (s Series) Add(name string, step int, value float64) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}
	s[name] = append(s[name], Point{Step: step, Value: value})
}

const (
	width  = 8 * vg.Inch
	height = 5 * vg.Inch
)

func save(p *plot.Plot, filePath string) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return errors.Wrapf(err, "creating directory for plot %q", filePath)
	}
	return errors.Wrapf(p.Save(width, height, filePath), "saving plot %q", filePath)
}

// SaveCurves plots the series given by names (all series, sorted, if names is empty) against the step.
func SaveCurves(filePath, title string, series Series, names ...string) error {
	if len(names) == 0 {
		names = xslices.SortedKeys(series)
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.Legend.Top = true
	var lines []any
	for _, name := range names {
		points := series[name]
		if len(points) == 0 {
			continue
		}
		xys := make(plotter.XYs, len(points))
		for ii, pt := range points {
			xys[ii].X = float64(pt.Step)
			xys[ii].Y = pt.Value
		}
		lines = append(lines, name, xys)
	}
	if len(lines) == 0 {
		return errors.Errorf("no points to plot in %q", title)
	}
	if err := plotutil.AddLinePoints(p, lines...); err != nil {
		return errors.Wrapf(err, "plotting %q", title)
	}
	return save(p, filePath)
}

// SaveDET plots the DET curve (false acceptance rate of spoofs against the false rejection rate of bonafide,
// in percent) and marks the EER.
func SaveDET(filePath, title string, det metrics.DET) error {
	if len(det.FRR) == 0 {
		return errors.Errorf("empty DET curve for %q", title)
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "false acceptance rate (%)"
	p.Y.Label.Text = "false rejection rate (%)"
	p.X.Min, p.X.Max = 0, 100
	p.Y.Min, p.Y.Max = 0, 100
	curve := make(plotter.XYs, len(det.FRR))
	for ii := range det.FRR {
		curve[ii].X = 100 * det.FAR[ii]
		curve[ii].Y = 100 * det.FRR[ii]
	}
	eer := 100 * det.EER()
	diagonal := plotter.XYs{{X: 0, Y: 0}, {X: 100, Y: 100}}
	if err := plotutil.AddLines(p, "DET", curve, "FAR = FRR", diagonal); err != nil {
		return errors.Wrapf(err, "plotting %q", title)
	}
	if err := plotutil.AddScatters(p, "EER", plotter.XYs{{X: eer, Y: eer}}); err != nil {
		return errors.Wrapf(err, "plotting %q", title)
	}
	p.Legend.Top = true
	return save(p, filePath)
}
