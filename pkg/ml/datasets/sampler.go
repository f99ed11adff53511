// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"github.com/gomlx/ddpspoof/pkg/core/random"
	"github.com/gomlx/ddpspoof/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Sampler selects the shard of a dataset of n examples seen by one rank in one epoch.
//
// All ranks compute the same ordering of [0, n) (a permutation seeded with seed+epoch if shuffling),
// and rank r takes positions r, r+W, r+2W, ... of it. The shards of all ranks are disjoint, and their
// sizes differ by at most 1. With DropLast the ordering is first truncated to a multiple of W, so all
// shards have the same size.
type Sampler struct {
	n, rank, world int
	shuffle        bool
	seed           uint64
	dropLast       bool
	epoch          int
}

// NewSampler creates an unshuffled sampler (the evaluation setting) of n examples for the given rank.
func NewSampler(n, rank, world int) (*Sampler, error) {
	if world < 1 || rank < 0 || rank >= world {
		return nil, errors.Errorf("invalid rank %d for world size %d", rank, world)
	}
	if n < 0 {
		return nil, errors.Errorf("invalid number of examples %d", n)
	}
	return &Sampler{n: n, rank: rank, world: world}, nil
}

// Shuffle enables shuffling, with a permutation seeded by seed+epoch. It returns the sampler itself.
func (s *Sampler) Shuffle(seed uint64) *Sampler {
	s.shuffle = true
	s.seed = seed
	return s
}

// DropLast truncates the examples to a multiple of the world size, so all ranks get the same number
// of examples. It returns the sampler itself.
func (s *Sampler) DropLast(dropLast bool) *Sampler {
	s.dropLast = dropLast
	return s
}

// SetEpoch sets the epoch used to seed the shuffling.
func (s *Sampler) SetEpoch(epoch int) { s.epoch = epoch }

// Epoch returns the current epoch.
func (s *Sampler) Epoch() int { return s.epoch }

// Rank returns the rank this sampler was created for.
func (s *Sampler) Rank() int { return s.rank }

// World returns the world size this sampler was created for.
func (s *Sampler) World() int { return s.world }

// total is the number of examples used by all ranks.
func (s *Sampler) total() int {
	if s.dropLast {
		return s.n - s.n%s.world
	}
	return s.n
}

// NumSamples returns the size of the shard of this rank.
func (s *Sampler) NumSamples() int {
	total := s.total()
	if s.rank >= total {
		return 0
	}
	return (total - s.rank + s.world - 1) / s.world
}

// Indices returns the dataset indices of the shard of this rank for the current epoch.
func (s *Sampler) Indices() []int {
	var order []int
	if s.shuffle {
		order = random.Permutation(s.seed, s.epoch, s.n)
	} else {
		order = xslices.Iota(0, s.n)
	}
	order = order[:s.total()]
	shard := make([]int, 0, s.NumSamples())
	for ii := s.rank; ii < len(order); ii += s.world {
		shard = append(shard, order[ii])
	}
	return shard
}
