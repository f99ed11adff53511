// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sort"
	"time"

	"github.com/gomlx/ddpspoof/pkg/ml/datasets"
	"github.com/gomlx/ddpspoof/pkg/ml/model"
	"github.com/gomlx/ddpspoof/pkg/ml/train/logger"
	"github.com/gomlx/ddpspoof/pkg/ml/train/optimizers/cosineschedule"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Names of the metrics logged by the Loop.
const (
	MetricLR         = "LR"
	MetricTrainLoss  = "Train-Loss"
	MetricDevEERRepo = "Dev-EER-repo"
	MetricDevEER     = "Dev-EER"
	MetricDevDCF     = "Dev-DCF"
	MetricDevCLLR    = "Dev-CLLR"
	MetricBestEER    = "BestEER"
	MetricBestDCF    = "BestDCF"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// Terminal state of a Loop run.
type Terminal int

const (
	// MaxEpochsReached means the epoch budget was exhausted.
	MaxEpochsReached Terminal = iota

	// EarlyStopped means the policy ran out of patience.
	EarlyStopped
)

func (t Terminal) String() string {
	switch t {
	case MaxEpochsReached:
		return "MaxEpochsReached"
	case EarlyStopped:
		return "EarlyStopped"
	}
	return fmt.Sprintf("Terminal(%d)", int(t))
}

// EpochReport summarizes one epoch of the loop.
type EpochReport struct {
	Epoch int
	LR    float64
	Train EpochMetrics

	// Eval and Decision are nil on epochs without evaluation.
	Eval     *EvalResult
	Decision *Decision
}

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop) error

// OnStepFn is the type of OnStep hooks.
type OnStepFn func(loop *Loop, step StepMetrics) error

// OnEpochFn is the type of OnEpoch hooks.
type OnEpochFn func(loop *Loop, report EpochReport) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn func(loop *Loop, terminal Terminal) error

// Loop drives training epoch by epoch: the learning rate schedule is stepped, the Trainer runs the train
// pass, and every EvalEvery epochs the dev split is evaluated and the EarlyStopping policy decides whether
// to checkpoint (through the Logger) and whether to stop.
//
// Every rank runs its own Loop: they issue the same collectives in the same order.
//
// One can attach functionality to it with hooks, like progress bars or extra evaluations.
// The public attributes are meant for reading only, don't change them during Run.
type Loop struct {
	Trainer *Trainer

	// DevLoader yields the dev shard of the rank.
	DevLoader *datasets.Loader

	// Schedule of the learning rate, stepped once per epoch. If nil the learning rate is constant.
	Schedule *cosineschedule.WarmRestarts

	Policy *EarlyStopping
	Logger logger.Logger

	// MaxEpochs is the epoch budget: epochs run from 1 to MaxEpochs.
	MaxEpochs int

	// EvalEvery is the number of epochs between evaluations. Default is 1.
	EvalEvery int

	// Epoch currently (or last) executed, starting at 1.
	Epoch int

	// BestState is a detached copy of the model state of the last improving epoch.
	BestState model.State

	// Decisions taken by the Policy, one per evaluated epoch.
	Decisions []Decision

	// SharedData allows for cross-tools to publish and consume information. Keys (strings)
	// and semantics/type of their values are not specified by loop.
	SharedData map[string]any

	// TrainStepDurations collected during training.
	TrainStepDurations []time.Duration

	// Registered hooks.
	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEpoch *priorityHooks[*hookWithName[OnEpochFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a new training loop. A nil log is replaced by logger.Nop.
func NewLoop(trainer *Trainer, devLoader *datasets.Loader, schedule *cosineschedule.WarmRestarts,
	policy *EarlyStopping, log logger.Logger, maxEpochs int) *Loop {
	if log == nil {
		log = logger.Nop{}
	}
	if policy == nil {
		policy = NewEarlyStopping(DefaultPatience)
	}
	return &Loop{
		Trainer:    trainer,
		DevLoader:  devLoader,
		Schedule:   schedule,
		Policy:     policy,
		Logger:     log,
		MaxEpochs:  maxEpochs,
		EvalEvery:  1,
		SharedData: make(map[string]any),
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEpoch:    newPriorityHooks[*hookWithName[OnEpochFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// IsEvalEpoch returns whether the dev split is evaluated at the end of epoch.
func (loop *Loop) IsEvalEpoch(epoch int) bool {
	every := max(loop.EvalEvery, 1)
	return epoch%every == 0
}

// logMetrics logs name/value pairs for the epoch.
func (loop *Loop) logMetrics(epoch int, pairs ...any) error {
	for ii := 0; ii < len(pairs); ii += 2 {
		name := pairs[ii].(string)
		if err := loop.Logger.LogMetric(name, pairs[ii+1].(float64), epoch); err != nil {
			return errors.WithMessagef(err, "logging %q", name)
		}
	}
	return nil
}

// Run executes the loop until the policy stops it or MaxEpochs is reached.
//
// Errors are not retried: a failure in any rank aborts the process group, and Run returns the error.
func (loop *Loop) Run(ctx context.Context) (terminal Terminal, err error) {
	if loop.MaxEpochs <= 0 {
		return MaxEpochsReached, errors.Errorf("Loop.Run: MaxEpochs must be > 0, got %d", loop.MaxEpochs)
	}
	for hook := range loop.onStart.All() {
		if err = hook.fn(loop); err != nil {
			return terminal, errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}

	pg := loop.Trainer.Model().ProcessGroup()
	defer func() {
		if err != nil {
			pg.Abort(err)
		}
	}()
	opt := loop.Trainer.Optimizer()
	terminal = MaxEpochsReached
	loop.TrainStepDurations = nil
	onStep := func(step StepMetrics) error {
		loop.TrainStepDurations = append(loop.TrainStepDurations, step.Duration)
		for hook := range loop.onStep.All() {
			if err := hook.fn(loop, step); err != nil {
				return errors.WithMessagef(err, "train.Loop.OnStep(hook %q)", hook.name)
			}
		}
		return nil
	}

	for loop.Epoch = loop.Epoch + 1; loop.Epoch <= loop.MaxEpochs; loop.Epoch++ {
		epoch := loop.Epoch
		report := EpochReport{Epoch: epoch, LR: opt.LearningRate()}
		if loop.Schedule != nil {
			report.LR = loop.Schedule.Step(opt, epoch)
		}
		if report.Train, err = loop.Trainer.TrainEpoch(ctx, epoch, onStep); err != nil {
			return terminal, errors.WithMessagef(err, "Loop.Run: train pass of epoch %d", epoch)
		}
		if err = loop.logMetrics(epoch, MetricLR, report.LR, MetricTrainLoss, report.Train.Loss); err != nil {
			return terminal, err
		}

		if loop.IsEvalEpoch(epoch) {
			if report.Eval, err = Evaluate(ctx, loop.Trainer.Model(), loop.DevLoader, true); err != nil {
				return terminal, errors.WithMessagef(err, "Loop.Run: dev evaluation of epoch %d", epoch)
			}
			res := report.Eval.Metrics
			if err = loop.logMetrics(epoch, MetricDevEERRepo, res.EERRepo, MetricDevEER, res.EER,
				MetricDevDCF, res.MinDCF, MetricDevCLLR, res.CLLR); err != nil {
				return terminal, err
			}
			decision := loop.Policy.Decide(epoch, res.EERRepo, res.MinDCF)
			loop.Decisions = append(loop.Decisions, decision)
			report.Decision = &decision
			if pg.IsCoordinator() {
				klog.Infof("epoch %d: loss=%.5f dev %s", epoch, report.Train.Loss, res)
			}
			if err = loop.checkpoint(decision); err != nil {
				return terminal, err
			}
		}

		for hook := range loop.onEpoch.All() {
			if err = hook.fn(loop, report); err != nil {
				return terminal, errors.WithMessagef(err, "OnEpoch(hook %q)", hook.name)
			}
		}
		if report.Decision != nil && report.Decision.Stop {
			terminal = EarlyStopped
			break
		}
	}
	if loop.Epoch > loop.MaxEpochs {
		loop.Epoch = loop.MaxEpochs
	}
	if pg.IsCoordinator() {
		bestEER, bestDCF := loop.Policy.Bests()
		klog.Infof("training finished at epoch %d: %s (best EER=%.4f%%, best minDCF=%.4f)",
			loop.Epoch, terminal, 100*bestEER, bestDCF)
	}

	for hook := range loop.onEnd.All() {
		if err = hook.fn(loop, terminal); err != nil {
			return terminal, errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return terminal, nil
}

// checkpoint keeps a copy of the model state of an improving epoch and saves it, once, through the Logger.
func (loop *Loop) checkpoint(d Decision) error {
	if !d.Improved() {
		return nil
	}
	loop.BestState = loop.Trainer.Model().CopyState()
	if d.ImprovedEER {
		if err := loop.logMetrics(d.Epoch, MetricBestEER, d.BestEER); err != nil {
			return err
		}
	}
	if d.ImprovedDCF {
		if err := loop.logMetrics(d.Epoch, MetricBestDCF, d.BestDCF); err != nil {
			return err
		}
	}
	if err := loop.Logger.SaveModel(d.Epoch, loop.BestState); err != nil {
		return errors.WithMessagef(err, "saving model of epoch %d", d.Epoch)
	}
	return nil
}

// MedianTrainStepDuration returns the median duration of each training step. It returns 1 millisecond
// if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		return time.Millisecond
	}
	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) to each train step of a loop.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEpoch adds a hook with given priority and name (for error reporting) to the end of each epoch,
// after the evaluation and checkpoint decision.
func (loop *Loop) OnEpoch(name string, priority Priority, fn OnEpochFn) {
	loop.onEpoch.Add(priority, &hookWithName[OnEpochFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// once a terminal state is reached.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
