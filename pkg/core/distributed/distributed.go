// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed implements the process group used for distributed data-parallel (DDP) execution:
// W workers (ranks), one per device, joined into a synchronous group that supports the collective operations
// Barrier, AllReduceMean, AllReduceSum, Gather and Broadcast.
//
// Collectives are blocking and must be called by all ranks in the same order: each call carries a
// per-group sequence number and operation kind, and a rank calling a different operation at the same
// position fails the whole group with ErrCollectiveMismatch.
//
// Any failure (a cancelled context, a lost connection, an error or panic in one worker) aborts the
// group: every blocked and future collective returns an error matching ErrAborted. There are no retries.
//
// Use Spawn to run all ranks in one process, or InitProcessGroup to join a group from a single rank.
package distributed

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrAborted is returned by collectives of a group that failed.
	ErrAborted = errors.New("process group aborted")

	// ErrJoinTimeout is returned when not all ranks joined within the join timeout.
	ErrJoinTimeout = errors.New("timeout waiting for all ranks to join")

	// ErrCollectiveMismatch is returned when ranks call different collectives at the same position.
	ErrCollectiveMismatch = errors.New("mismatched collective call order")

	// ErrNoDevices is returned when there are no (or not enough) devices for the ranks.
	ErrNoDevices = errors.New("no accelerator devices available")
)

// ProcessGroup is one rank's handle on the group. It is not safe for concurrent use: collectives
// of a rank are issued by a single goroutine.
type ProcessGroup interface {
	fmt.Stringer

	// Rank of this worker, in [0, WorldSize).
	Rank() int

	// WorldSize is the number of ranks in the group.
	WorldSize() int

	// Device this rank is bound to.
	Device() int

	// IsCoordinator returns true for rank 0: the only rank that logs metrics and writes to durable storage.
	IsCoordinator() bool

	// Barrier blocks until all ranks reach it.
	Barrier(ctx context.Context) error

	// AllReduceMean replaces values, in place, with the element-wise mean over all ranks.
	// All ranks must pass slices of the same length. All ranks end up with bit-identical values.
	AllReduceMean(ctx context.Context, values []float32) error

	// AllReduceSum replaces values, in place, with the element-wise sum over all ranks.
	AllReduceSum(ctx context.Context, values []float64) error

	// Gather collects the payload of every rank on the coordinator, ordered by rank.
	// Non-coordinator ranks get nil.
	Gather(ctx context.Context, payload []byte) ([][]byte, error)

	// Broadcast returns the coordinator's payload on every rank. The payload of the other ranks is ignored.
	Broadcast(ctx context.Context, payload []byte) ([]byte, error)

	// Abort fails the group with the given cause: all blocked and future collectives of all ranks return an error.
	Abort(cause error)

	// Close leaves the group. If the group is healthy, it first waits (bounded by the join timeout)
	// for the other ranks to close as well.
	Close() error
}

// opKind identifies the collective operation of a round.
type opKind uint8

const (
	opJoin opKind = iota
	opBarrier
	opAllReduceMean
	opAllReduceSum
	opGather
	opBroadcast
	opClose
)

var opNames = []string{"Join", "Barrier", "AllReduceMean", "AllReduceSum", "Gather", "Broadcast", "Close"}

func (op opKind) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("opKind(%d)", int(op))
}

// exchanger is the transport of a group: an all-gather of one payload per rank.
type exchanger interface {
	exchange(ctx context.Context, seq uint64, op opKind, payload []byte) ([][]byte, error)
	abort(cause error)
	close() error
}

// group implements ProcessGroup on top of an exchanger. Reductions are computed locally by every rank,
// in rank order, from the same gathered payloads.
type group struct {
	cfg    *Config
	rank   int
	seq    uint64
	ex     exchanger
	failed bool
	closed bool
}

var _ ProcessGroup = (*group)(nil)

func (g *group) String() string { return fmt.Sprintf("rank %d/%d", g.rank, g.cfg.WorldSize) }
func (g *group) Rank() int { return g.rank }
func (g *group) WorldSize() int { return g.cfg.WorldSize }
func (g *group) Device() int { return g.cfg.DeviceIDs[g.rank] }
func (g *group) IsCoordinator() bool { return g.rank == 0 }

// collective runs the next round of the group.
func (g *group) collective(ctx context.Context, op opKind, payload []byte) ([][]byte, error) {
	if g.closed {
		return nil, errors.Errorf("%s: %s called on a closed process group", g, op)
	}
	if g.failed {
		return nil, errors.Wrapf(ErrAborted, "%s: %s called on a failed process group", g, op)
	}
	seq := g.seq
	g.seq++
	payloads, err := g.ex.exchange(ctx, seq, op, payload)
	if err != nil {
		g.failed = true
		return nil, err
	}
	if len(payloads) != g.cfg.WorldSize {
		g.failed = true
		return nil, errors.Errorf("%s: %s #%d returned %d payloads for world size %d", g, op, seq, len(payloads), g.cfg.WorldSize)
	}
	return payloads, nil
}

// join is the first round of the group, bounded by the join timeout.
func (g *group) join(ctx context.Context) error {
	joinCtx, cancel := context.WithTimeoutCause(ctx, g.cfg.joinTimeout(),
		errors.Wrapf(ErrJoinTimeout, "%s: not all %d ranks joined at %s within %s",
			g, g.cfg.WorldSize, g.cfg.Address(), g.cfg.joinTimeout()))
	defer cancel()
	if _, err := g.collective(joinCtx, opJoin, nil); err != nil {
		return err
	}
	klog.V(1).Infof("[%s] joined group at %s, bound to device %d", g, g.cfg.Address(), g.Device())
	return nil
}

func (g *group) Barrier(ctx context.Context) error {
	_, err := g.collective(ctx, opBarrier, nil)
	return err
}

func encodeFloat32s(values []float32) []byte {
	buf := make([]byte, 4*len(values))
	for ii, v := range values {
		binary.LittleEndian.PutUint32(buf[4*ii:], math.Float32bits(v))
	}
	return buf
}

func encodeFloat64s(values []float64) []byte {
	buf := make([]byte, 8*len(values))
	for ii, v := range values {
		binary.LittleEndian.PutUint64(buf[8*ii:], math.Float64bits(v))
	}
	return buf
}

// checkLengths verifies that all ranks sent payloads of the same size.
func (g *group) checkLengths(op opKind, payloads [][]byte, expected int) error {
	for rank, p := range payloads {
		if len(p) != expected {
			g.failed = true
			err := errors.Wrapf(ErrCollectiveMismatch, "%s: %s got %d bytes from rank %d, expected %d",
				g, op, len(p), rank, expected)
			g.ex.abort(err)
			return err
		}
	}
	return nil
}

func (g *group) AllReduceMean(ctx context.Context, values []float32) error {
	payloads, err := g.collective(ctx, opAllReduceMean, encodeFloat32s(values))
	if err != nil {
		return err
	}
	if err = g.checkLengths(opAllReduceMean, payloads, 4*len(values)); err != nil {
		return err
	}
	world := float64(len(payloads))
	for ii := range values {
		var sum float64
		for _, p := range payloads {
			sum += float64(math.Float32frombits(binary.LittleEndian.Uint32(p[4*ii:])))
		}
		values[ii] = float32(sum / world)
	}
	return nil
}

func (g *group) AllReduceSum(ctx context.Context, values []float64) error {
	payloads, err := g.collective(ctx, opAllReduceSum, encodeFloat64s(values))
	if err != nil {
		return err
	}
	if err = g.checkLengths(opAllReduceSum, payloads, 8*len(values)); err != nil {
		return err
	}
	for ii := range values {
		var sum float64
		for _, p := range payloads {
			sum += math.Float64frombits(binary.LittleEndian.Uint64(p[8*ii:]))
		}
		values[ii] = sum
	}
	return nil
}

func (g *group) Gather(ctx context.Context, payload []byte) ([][]byte, error) {
	payloads, err := g.collective(ctx, opGather, payload)
	if err != nil {
		return nil, err
	}
	if !g.IsCoordinator() {
		return nil, nil
	}
	out := make([][]byte, len(payloads))
	for rank, p := range payloads {
		out[rank] = slices.Clone(p)
	}
	return out, nil
}

func (g *group) Broadcast(ctx context.Context, payload []byte) ([]byte, error) {
	payloads, err := g.collective(ctx, opBroadcast, payload)
	if err != nil {
		return nil, err
	}
	return slices.Clone(payloads[0]), nil
}

func (g *group) Abort(cause error) {
	g.failed = true
	g.ex.abort(cause)
}

func (g *group) Close() error {
	if g.closed {
		return nil
	}
	if !g.failed {
		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.joinTimeout())
		_, err := g.collective(ctx, opClose, nil)
		cancel()
		if err != nil {
			klog.Warningf("[%s] closing process group: %v", g, err)
		}
	}
	g.closed = true
	return g.ex.close()
}

// InitProcessGroup joins the group described by cfg as the given rank, blocking until all ranks joined.
// It fails with ErrJoinTimeout if not all ranks join within cfg.JoinTimeout, in which case the group is
// aborted for all ranks.
func InitProcessGroup(ctx context.Context, cfg *Config, rank int) (ProcessGroup, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rank < 0 || rank >= cfg.WorldSize {
		return nil, errors.Errorf("invalid rank %d for world size %d", rank, cfg.WorldSize)
	}
	g := &group{cfg: cfg, rank: rank}
	var err error
	switch cfg.Backend {
	case Local:
		g.ex, err = newLocalExchanger(cfg, rank)
	case WebSocket:
		g.ex, err = newWSExchanger(ctx, cfg, rank)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: failed to join group at %s", g, cfg.Address())
	}
	if err = g.join(ctx); err != nil {
		g.Abort(err)
		_ = g.ex.close()
		return nil, err
	}
	return g, nil
}
