// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bufio"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gomlx/ddpspoof/pkg/ml/checkpoints"
	"github.com/gomlx/ddpspoof/pkg/ml/model"
	"github.com/gomlx/ddpspoof/pkg/ml/train/plots"
	"github.com/gomlx/ddpspoof/pkg/support/fsutil"
	"github.com/gomlx/ddpspoof/pkg/support/xslices"
	"github.com/google/uuid"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// File names inside the run directory.
const (
	ArgumentsFile = "arguments.yaml"
	MetricsFile   = "metrics.jsonl"
	ModelDir      = "model"
	PlotsDir      = "plots"
)

// metricLine is one line of the metrics file. Non-finite values are stored as strings ("NaN", "+Inf", "-Inf").
type metricLine struct {
	Name  string    `json:"name"`
	Step  int       `json:"step"`
	Value any       `json:"value"`
	Time  time.Time `json:"time"`
}

// Local logs to a run directory on the local filesystem:
//
//   - arguments.yaml: the arguments of the run.
//   - metrics.jsonl: one JSON line per logged metric.
//   - model/: the checkpoint artifacts saved with SaveModel.
//   - plots/: one curve per metric, plotted on Close.
type Local struct {
	RunID string
	Dir   string

	// PlotOnClose controls whether the curves are plotted by Close. Default is true.
	PlotOnClose bool

	mu          sync.Mutex
	file        *os.File
	w           *bufio.Writer
	checkpoints *checkpoints.Handler
	series      plots.Series
}

var _ Logger = (*Local)(nil)

// NewLocal creates the logger of a new run, under <baseDir>/<runName>. If runName is empty, a random
// run id is used. The checkpoint artifacts are tagged with tag (see checkpoints.New).
func NewLocal(baseDir, runName, tag string) (*Local, error) {
	baseDir, err := fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	if runName == "" {
		runName = runID
	}
	l := &Local{
		RunID:       runID,
		Dir:         filepath.Join(baseDir, runName),
		PlotOnClose: true,
		series:      make(plots.Series),
	}
	if l.checkpoints, err = checkpoints.New(filepath.Join(l.Dir, ModelDir), tag); err != nil {
		return nil, errors.WithMessagef(err, "creating run directory for %q", runName)
	}
	metricsPath := filepath.Join(l.Dir, MetricsFile)
	if l.file, err = os.OpenFile(metricsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err != nil {
		return nil, errors.Wrapf(err, "opening metrics file %q", metricsPath)
	}
	l.w = bufio.NewWriter(l.file)
	klog.Infof("logging run %s to %q", runID, l.Dir)
	return l, nil
}

// Checkpoints returns the handler used by SaveModel.
func (l *Local) Checkpoints() *checkpoints.Handler { return l.checkpoints }

// LogArguments implements Logger. It writes the arguments as YAML, plus the run id.
func (l *Local) LogArguments(args map[string]any) error {
	withID := make(map[string]any, len(args)+1)
	for k, v := range args {
		withID[k] = v
	}
	withID["run_id"] = l.RunID
	contents, err := kyaml.Parser().Marshal(withID)
	if err != nil {
		return errors.Wrapf(err, "encoding arguments")
	}
	argsPath := filepath.Join(l.Dir, ArgumentsFile)
	return errors.Wrapf(os.WriteFile(argsPath, contents, 0o644), "writing %q", argsPath)
}

func jsonValue(value float64) any {
	switch {
	case math.IsNaN(value):
		return "NaN"
	case math.IsInf(value, 1):
		return "+Inf"
	case math.IsInf(value, -1):
		return "-Inf"
	}
	return value
}

// LogMetric implements Logger.
func (l *Local) LogMetric(name string, value float64, step int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return errors.Errorf("logger for %q is closed", l.Dir)
	}
	line, err := json.Marshal(metricLine{Name: name, Step: step, Value: jsonValue(value), Time: time.Now()})
	if err != nil {
		return errors.Wrapf(err, "encoding metric %q", name)
	}
	line = append(line, '\n')
	if _, err = l.w.Write(line); err != nil {
		return errors.Wrapf(err, "writing metric %q", name)
	}
	l.series.Add(name, step, value)
	klog.V(1).Infof("%s=%g (step %d)", name, value, step)
	return nil
}

// SaveModel implements Logger.
func (l *Local) SaveModel(epoch int, state model.State) error {
	paths, err := l.checkpoints.SaveAll(epoch, state)
	if err != nil {
		return err
	}
	klog.V(1).Infof("saved %d artifacts for epoch %d", len(paths), epoch)
	return nil
}

// Series returns the points logged so far, keyed by metric name.
func (l *Local) Series() plots.Series {
	l.mu.Lock()
	defer l.mu.Unlock()
	series := make(plots.Series, len(l.series))
	for k, v := range l.series {
		series[k] = append([]plots.Point(nil), v...)
	}
	return series
}

// plotFileName converts a metric name to a file name.
func plotFileName(name string) string {
	return strings.NewReplacer("/", "_", " ", "_").Replace(name) + ".png"
}

// Close implements Logger. It flushes the metrics and plots one curve per metric with at least two points.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.w.Flush()
	if closeErr := l.file.Close(); err == nil {
		err = closeErr
	}
	l.file = nil
	if err != nil {
		return errors.Wrapf(err, "closing metrics of %q", l.Dir)
	}
	if !l.PlotOnClose {
		return nil
	}
	for _, name := range xslices.SortedKeys(l.series) {
		if len(l.series[name]) < 2 {
			continue
		}
		plotPath := filepath.Join(l.Dir, PlotsDir, plotFileName(name))
		if err := plots.SaveCurves(plotPath, name, l.series, name); err != nil {
			return err
		}
	}
	return nil
}

// ReadMetrics reads back a metrics file written by Local, returning the points of each metric.
func ReadMetrics(filePath string) (plots.Series, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening metrics file")
	}
	defer func() { _ = f.Close() }()
	series := make(plots.Series)
	scanner := bufio.NewScanner(f)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		var line metricLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return nil, errors.Wrapf(err, "parsing line %d of %q", lineNum, filePath)
		}
		value := math.NaN()
		switch v := line.Value.(type) {
		case float64:
			value = v
		case string:
			switch v {
			case "+Inf":
				value = math.Inf(1)
			case "-Inf":
				value = math.Inf(-1)
			}
		}
		series[line.Name] = append(series[line.Name], plots.Point{Step: line.Step, Value: value})
	}
	return series, errors.Wrapf(scanner.Err(), "reading %q", filePath)
}
