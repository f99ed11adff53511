// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// localHub is a hub registered in the process under its rendezvous address.
type localHub struct {
	*hub
	address string
	members int
}

var (
	muLocalHubs sync.Mutex
	localHubs   = make(map[string]*localHub)
)

// acquireLocalHub returns the hub for the address of cfg, creating it if needed.
// A hub that was aborted is replaced by a new one.
func acquireLocalHub(cfg *Config) (*localHub, error) {
	muLocalHubs.Lock()
	defer muLocalHubs.Unlock()
	address := cfg.Address()
	lh, found := localHubs[address]
	if found && lh.isAborted() != nil {
		found = false
	}
	if !found {
		lh = &localHub{hub: newHub(cfg.WorldSize), address: address}
		localHubs[address] = lh
		lh.whenAborted(func() { releaseLocalHub(lh, true) })
	}
	if lh.world != cfg.WorldSize {
		return nil, errors.Errorf("group at %s has world size %d, but rank joined with world size %d",
			address, lh.world, cfg.WorldSize)
	}
	lh.members++
	return lh, nil
}

// releaseLocalHub removes lh from the registry when it has no more members or if forced.
func releaseLocalHub(lh *localHub, force bool) {
	muLocalHubs.Lock()
	defer muLocalHubs.Unlock()
	if !force {
		lh.members--
		if lh.members > 0 {
			return
		}
	}
	if localHubs[lh.address] == lh {
		delete(localHubs, lh.address)
	}
}

// localExchanger implements the Local backend.
type localExchanger struct {
	lh       *localHub
	rank     int
	released bool
}

func newLocalExchanger(cfg *Config, rank int) (*localExchanger, error) {
	lh, err := acquireLocalHub(cfg)
	if err != nil {
		return nil, err
	}
	return &localExchanger{lh: lh, rank: rank}, nil
}

func (e *localExchanger) exchange(ctx context.Context, seq uint64, op opKind, payload []byte) ([][]byte, error) {
	return e.lh.exchange(ctx, e.rank, seq, op, payload)
}

func (e *localExchanger) abort(cause error) {
	e.lh.abort(cause)
}

func (e *localExchanger) close() error {
	if !e.released {
		e.released = true
		releaseLocalHub(e.lh, false)
	}
	return nil
}
