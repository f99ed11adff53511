// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"
	"slices"
	"sync"

	"github.com/gomlx/ddpspoof/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// hub matches the collective calls of all ranks: each round (identified by its sequence number)
// completes when every rank deposited its payload, and then all ranks see all payloads.
//
// It is the rendezvous for the Local backend, and it runs on rank 0 for the WebSocket backend.
type hub struct {
	world int

	mu       sync.Mutex
	rounds   map[uint64]*round
	aborted  *xsync.Latch
	abortErr error
	onAbort  []func()
}

type round struct {
	op       opKind
	payloads [][]byte
	arrived  []bool
	count    int
	done     chan struct{}
}

func newHub(world int) *hub {
	return &hub{
		world:   world,
		rounds:  make(map[uint64]*round),
		aborted: xsync.NewLatch(),
	}
}

// exchange deposits the payload of rank for the collective #seq and waits for all the others.
// The returned payloads are indexed by rank and must not be modified.
//
// If ctx is cancelled while waiting, the whole hub is aborted.
func (h *hub) exchange(ctx context.Context, rank int, seq uint64, op opKind, payload []byte) ([][]byte, error) {
	h.mu.Lock()
	if h.aborted.Test() {
		err := h.abortErr
		h.mu.Unlock()
		return nil, err
	}
	r, found := h.rounds[seq]
	if !found {
		r = &round{
			op:       op,
			payloads: make([][]byte, h.world),
			arrived:  make([]bool, h.world),
			done:     make(chan struct{}),
		}
		h.rounds[seq] = r
	}
	if r.op != op || r.arrived[rank] {
		err := errors.Wrapf(ErrCollectiveMismatch, "collective #%d: rank %d called %s while the group is in %s",
			seq, rank, op, r.op)
		h.abortLocked(err)
		h.mu.Unlock()
		return nil, h.abortErr
	}
	r.payloads[rank] = slices.Clone(payload)
	r.arrived[rank] = true
	r.count++
	if r.count == h.world {
		close(r.done)
		delete(h.rounds, seq)
	}
	h.mu.Unlock()

	select {
	case <-r.done:
		return r.payloads, nil
	default:
	}
	select {
	case <-r.done:
		return r.payloads, nil
	case <-h.aborted.WaitChan():
	case <-ctx.Done():
		h.abort(errors.WithMessagef(context.Cause(ctx), "rank %d waiting on %s #%d", rank, op, seq))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return nil, h.abortErr
}

// abort fails all pending and future collectives with cause. Only the first cause is kept.
func (h *hub) abort(cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.abortLocked(cause)
}

func (h *hub) abortLocked(cause error) {
	if h.aborted.Test() {
		return
	}
	if !errors.Is(cause, ErrAborted) && !errors.Is(cause, ErrCollectiveMismatch) && !errors.Is(cause, ErrJoinTimeout) {
		cause = errors.WithMessagef(ErrAborted, "%v", cause)
	}
	h.abortErr = cause
	h.aborted.Trigger()
	klog.V(1).Infof("process group aborted: %v", cause)
	for _, fn := range h.onAbort {
		go fn()
	}
}

// isAborted returns the abort error, or nil if the hub is still healthy.
func (h *hub) isAborted() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.aborted.Test() {
		return h.abortErr
	}
	return nil
}

// whenAborted registers fn to be called (in its own goroutine) when the hub aborts.
func (h *hub) whenAborted(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.aborted.Test() {
		go fn()
		return
	}
	h.onAbort = append(h.onAbort, fn)
}
