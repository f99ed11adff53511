// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package random holds the run's random number generators, all derived from a single seed.
//
// There are three streams: Global (general purpose, e.g. dataset crops), Numeric (numeric
// algorithms, e.g. augmentation noise) and Tensor (parameter initialization). Samplers derive
// their per-epoch permutation generator with ForEpoch, so that every rank computes the same
// permutation without communication.
package random

import (
	"math/rand/v2"
	"sync"

	"k8s.io/klog/v2"
)

// Stream ids, so the streams derived from the same seed are independent.
const (
	globalStream  = 0x676c6f62616c // "global"
	numericStream = 0x6e756d65726963
	epochStream   = 0x65706f6368
)

// Sources holds the random generators of one worker. It is safe for concurrent use.
type Sources struct {
	seed          uint64
	deterministic bool

	mu      sync.Mutex
	global  *rand.Rand
	numeric *rand.Rand
	tensor  *rand.Rand
}

// Seed initializes all generators from seed.
//
// If deterministic is set, consumers must avoid scheduling-dependent sources of randomness:
// e.g. the loader derives per-item generators from the item position rather than sharing Global
// across its prefetch workers.
func Seed(seed uint64, deterministic bool) *Sources {
	klog.V(1).Infof("random: seed=%d deterministic=%v", seed, deterministic)
	return &Sources{
		seed:          seed,
		deterministic: deterministic,
		global:        rand.New(rand.NewPCG(seed, globalStream)),
		numeric:       rand.New(rand.NewPCG(seed, numericStream)),
		tensor:        rand.New(NewPhilox(seed)),
	}
}

// SeedValue returns the seed used to create the sources.
func (s *Sources) SeedValue() uint64 { return s.seed }

// Deterministic reports whether deterministic execution was requested.
func (s *Sources) Deterministic() bool { return s.deterministic }

// WithGlobal calls fn with the global generator, holding the lock.
func (s *Sources) WithGlobal(fn func(r *rand.Rand)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.global)
}

// WithNumeric calls fn with the numeric generator, holding the lock.
func (s *Sources) WithNumeric(fn func(r *rand.Rand)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.numeric)
}

// WithTensor calls fn with the tensor generator, holding the lock.
func (s *Sources) WithTensor(fn func(r *rand.Rand)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.tensor)
}

// Derive returns a new independent generator for the given purpose and position (e.g. an item index).
// It doesn't change the state of any of the sources.
func (s *Sources) Derive(purpose, position uint64) *rand.Rand {
	return rand.New(rand.NewPCG(s.seed^(purpose*0x9E3779B97F4A7C15), position))
}

// ForEpoch returns the generator used to permute a dataset for the given epoch: it is seeded
// with seed+epoch, identically on every rank.
func ForEpoch(seed uint64, epoch int) *rand.Rand {
	return rand.New(rand.NewPCG(seed+uint64(epoch), epochStream))
}

// Permutation returns a permutation of [0, n) for the given seed and epoch.
func Permutation(seed uint64, epoch, n int) []int {
	return ForEpoch(seed, epoch).Perm(n)
}
