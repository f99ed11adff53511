// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"math"
)

// DefaultPatience is the number of evaluations without improvement before stopping.
const DefaultPatience = 30

// EarlyStopping tracks the best dev EER and the best dev minDCF independently, and counts the
// evaluations since the last improvement of either.
type EarlyStopping struct {
	Patience int

	bestEER, bestDCF float64
	counter          int
}

// NewEarlyStopping creates the policy with the given patience. Bests start at +Inf, so the first
// finite metrics are always an improvement.
func NewEarlyStopping(patience int) *EarlyStopping {
	if patience <= 0 {
		patience = DefaultPatience
	}
	return &EarlyStopping{Patience: patience, bestEER: math.Inf(1), bestDCF: math.Inf(1)}
}

// Decision is the outcome of one EarlyStopping.Decide call.
type Decision struct {
	Epoch int

	// ImprovedEER and ImprovedDCF are set when the metric is strictly better than its previous best.
	ImprovedEER, ImprovedDCF bool

	// BestEER and BestDCF after this decision.
	BestEER, BestDCF float64

	// Counter of evaluations since the last improvement, after this decision.
	Counter int

	// Stop is set when Counter reached the patience.
	Stop bool
}

// Improved returns whether either metric improved: the model of the epoch should be checkpointed.
func (d Decision) Improved() bool { return d.ImprovedEER || d.ImprovedDCF }

// String implements fmt.Stringer.
func (d Decision) String() string {
	return fmt.Sprintf("epoch %d: improved EER=%v DCF=%v, best EER=%.4f%% DCF=%.4f, counter=%d, stop=%v",
		d.Epoch, d.ImprovedEER, d.ImprovedDCF, 100*d.BestEER, d.BestDCF, d.Counter, d.Stop)
}

// Decide updates the policy with the dev metrics of an evaluated epoch. NaN metrics never improve.
func (es *EarlyStopping) Decide(epoch int, eer, dcf float64) Decision {
	es.counter++
	d := Decision{Epoch: epoch}
	if eer < es.bestEER {
		es.bestEER = eer
		d.ImprovedEER = true
	}
	if dcf < es.bestDCF {
		es.bestDCF = dcf
		d.ImprovedDCF = true
	}
	if d.Improved() {
		es.counter = 0
	}
	d.BestEER, d.BestDCF, d.Counter = es.bestEER, es.bestDCF, es.counter
	d.Stop = es.counter >= es.Patience
	return d
}

// Bests returns the best EER and minDCF so far.
func (es *EarlyStopping) Bests() (eer, dcf float64) { return es.bestEER, es.bestDCF }
