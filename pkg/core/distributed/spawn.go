// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// WorkerFn is the function run by each rank of a spawned group.
type WorkerFn func(ctx context.Context, pg ProcessGroup) error

// Spawn runs cfg.WorldSize workers, one goroutine per rank, each joined to the group described by cfg.
//
// It is fail-fast: the first worker to fail (returning an error, panicking, or failing to join) aborts the
// group, so every other rank blocked on a collective returns ErrAborted. Spawn returns the first error.
func Spawn(ctx context.Context, cfg *Config, fn WorkerFn) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	klog.Infof("spawning %d workers (backend=%s, rendezvous=%s, devices=%v)",
		cfg.WorldSize, cfg.Backend, cfg.Address(), cfg.DeviceIDs[:cfg.WorldSize])
	eg, egCtx := errgroup.WithContext(ctx)
	for rank := range cfg.WorldSize {
		eg.Go(func() error {
			return RunRank(egCtx, cfg, rank, fn)
		})
	}
	return eg.Wait()
}

// RunRank joins the group as rank and runs fn, converting panics to errors.
// If fn fails the group is aborted, so the other ranks blocked on a collective return ErrAborted.
//
// Spawn uses it for each of its ranks. Call it directly when each rank runs in its own process.
func RunRank(ctx context.Context, cfg *Config, rank int, fn WorkerFn) error {
	pg, err := InitProcessGroup(ctx, cfg, rank)
	if err != nil {
		return err
	}
	var fnErr error
	exception := exceptions.Try(func() { fnErr = fn(ctx, pg) })
	if exception != nil {
		if e, ok := exception.(error); ok {
			fnErr = errors.WithMessagef(e, "[%s] panic", pg)
		} else {
			fnErr = errors.Errorf("[%s] panic: %v", pg, exception)
		}
	}
	if fnErr != nil {
		klog.Errorf("[%s] worker failed: %+v", pg, fnErr)
		pg.Abort(fnErr)
		_ = pg.Close()
		return fnErr
	}
	return pg.Close()
}
