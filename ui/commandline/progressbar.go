// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/ddpspoof/pkg/ml/train"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the minimum time between terminal updates.
var RefreshPeriod = time.Millisecond * 500

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "ddpspoof.ui.commandline.progressBar"

// progressBar holds a progressbar being displayed.
type progressBar struct {
	loop        *train.Loop
	bar         *progressbar.ProgressBar
	pending     int
	lastUpdate  time.Time
	lastDev     string
	lastBest    string
	totalAmount int

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	numLinesPrinted  int
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

type progressBarUpdate struct {
	amount int
	rows   [][2]string
}

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

func (pBar *progressBar) onStart(loop *train.Loop) error {
	numSteps := (loop.MaxEpochs - loop.Epoch) * loop.Trainer.Loader().NumBatches()
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(os.Stdout),
	)
	pBar.lastUpdate = time.Now()
	return nil
}

func (pBar *progressBar) onStep(loop *train.Loop, step train.StepMetrics) error {
	pBar.pending++
	endOfEpoch := step.Batch == step.NumBatches-1
	if !endOfEpoch && time.Since(pBar.lastUpdate) < RefreshPeriod {
		return nil
	}
	update := progressBarUpdate{
		amount: pBar.pending,
		rows: [][2]string{
			{"Epoch", fmt.Sprintf("%d of %d", step.Epoch, loop.MaxEpochs)},
			{"Global Step", humanize.Comma(int64(step.GlobalStep))},
			{"Median train step duration", FormatDuration(loop.MedianTrainStepDuration())},
			{"Batch loss", fmt.Sprintf("%.5f", step.Loss)},
			{"Learning rate", fmt.Sprintf("%.3g", loop.Trainer.Optimizer().LearningRate())},
		},
	}
	if pBar.lastDev != "" {
		update.rows = append(update.rows, [2]string{"Dev", pBar.lastDev}, [2]string{"Best", pBar.lastBest})
	}
	pBar.updates <- update
	pBar.totalAmount += pBar.pending
	pBar.pending = 0
	pBar.lastUpdate = time.Now()
	return nil
}

func (pBar *progressBar) onEpoch(_ *train.Loop, report train.EpochReport) error {
	if report.Eval == nil {
		return nil
	}
	res := report.Eval.Metrics
	pBar.lastDev = fmt.Sprintf("EER=%s minDCF=%.4f (epoch %d)", FormatPercent(res.EERRepo), res.MinDCF, report.Epoch)
	d := report.Decision
	pBar.lastBest = fmt.Sprintf("EER=%s minDCF=%.4f, %d epochs without improvement",
		FormatPercent(d.BestEER), d.BestDCF, d.Counter)
	return nil
}

func (pBar *progressBar) onEnd(_ *train.Loop, _ train.Terminal) error {
	if pBar.updates != nil {
		close(pBar.updates)
	}
	pBar.asyncUpdatesDone.Wait()
	if pBar.termenv != nil {
		pBar.termenv.ShowCursor()
	}
	fmt.Println()
	return nil
}

// draw asynchronously prints updates: this is handy if the training is faster than the terminal, in particular
// if running on cloud, with a relatively slow network connection.
func (pBar *progressBar) draw() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}
		for _, extraMetric := range pBar.extraMetricFns {
			name, value := extraMetric()
			pBar.statsTable.Row(name, value)
		}

		// For command-line, we clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(pBar.numLinesPrinted)
		}
		pBar.isFirstOutput = false
		pBar.numLinesPrinted = len(update.rows) + len(pBar.extraMetricFns) + 2 + 2

		fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		fmt.Println()
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// AttachProgressBar creates a commandline progress bar and attaches it to the Loop, so that
// when the Loop is run, it will display a progress bar with progression and metrics.
//
// It only displays on the coordinator: on other ranks it does nothing.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar(loop *train.Loop, extraMetrics ...ExtraMetricFn) {
	if !loop.Trainer.Model().ProcessGroup().IsCoordinator() {
		return
	}
	pBar := &progressBar{
		loop:           loop,
		extraMetricFns: extraMetrics,
		isFirstOutput:  true,
		termenv:        termenv.NewOutput(os.Stdout),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		statsTable: lgtable.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
			StyleFunc(func(row, col int) lipgloss.Style {
				if col == 0 {
					return rightAlignedStyle
				}
				return normalStyle
			}),
		updates: make(chan progressBarUpdate, 100), // Large buffer so things are not blocked.
	}
	pBar.asyncUpdatesDone.Add(1)
	go pBar.draw()
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	loop.OnStep(ProgressBarName, 0, pBar.onStep)
	loop.OnEpoch(ProgressBarName, 0, pBar.onEpoch)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}
