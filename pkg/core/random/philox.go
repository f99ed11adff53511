// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package random

import (
	"math/bits"
	"math/rand/v2"
)

// Philox constants for the 4x32 variant with 10 rounds.
const (
	philoxM0 = 0xD2511F53
	philoxM1 = 0xCD9E8D57
	philoxW0 = 0x9E3779B9
	philoxW1 = 0xBB67AE85

	philoxRounds = 10
)

// Philox is a counter-based Philox-4x32-10 generator implementing rand.Source.
//
// Each block of 4 uint32 values is a pure function of (key, counter), so streams can be
// positioned anywhere with Seek.
type Philox struct {
	key     [2]uint32
	counter [4]uint32
	block   [4]uint32
	// used is the number of uint32 consumed from block; 4 means a new block is needed.
	used int
}

var _ rand.Source = (*Philox)(nil)

// NewPhilox returns a Philox generator keyed by seed, positioned at counter 0.
func NewPhilox(seed uint64) *Philox {
	return &Philox{
		key:  [2]uint32{uint32(seed), uint32(seed >> 32)},
		used: 4,
	}
}

// PhiloxBlock returns the 4 random values for the given counter and key.
func PhiloxBlock(counter [4]uint32, key [2]uint32) [4]uint32 {
	c := counter
	k := key
	for round := range philoxRounds {
		if round > 0 {
			k[0] += philoxW0
			k[1] += philoxW1
		}
		hi0, lo0 := bits.Mul32(philoxM0, c[0])
		hi1, lo1 := bits.Mul32(philoxM1, c[2])
		c = [4]uint32{hi1 ^ c[1] ^ k[0], lo1, hi0 ^ c[3] ^ k[1], lo0}
	}
	return c
}

// Seek positions the generator at the start of the given block counter.
func (p *Philox) Seek(counter uint64) {
	p.counter = [4]uint32{uint32(counter), uint32(counter >> 32), 0, 0}
	p.used = 4
}

func (p *Philox) next32() uint32 {
	if p.used == 4 {
		p.block = PhiloxBlock(p.counter, p.key)
		p.used = 0
		// 128 bits counter increment.
		for ii := range p.counter {
			p.counter[ii]++
			if p.counter[ii] != 0 {
				break
			}
		}
	}
	v := p.block[p.used]
	p.used++
	return v
}

// Uint64 implements rand.Source.
func (p *Philox) Uint64() uint64 {
	lo := uint64(p.next32())
	hi := uint64(p.next32())
	return hi<<32 | lo
}
