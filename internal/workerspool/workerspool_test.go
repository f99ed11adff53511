// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/ddpspoof/pkg/support/xsync"
	"github.com/stretchr/testify/assert"
)

func TestPool_Limit(t *testing.T) {
	pool := New().SetMaxParallelism(3)
	var running, maxRunning atomic.Int32
	release := xsync.NewLatch()
	for range 10 {
		pool.WaitToStart(func() {
			n := running.Add(1)
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CompareAndSwap(m, n) {
					break
				}
			}
			if n == 3 {
				release.Trigger()
			}
			release.Wait()
			time.Sleep(time.Millisecond)
			running.Add(-1)
		})
	}
	pool.Wait()
	assert.Equal(t, int32(3), maxRunning.Load())
	assert.Equal(t, 0, pool.Running())
}

func TestPool_Inline(t *testing.T) {
	inline := New().SetMaxParallelism(0)
	var ran bool
	inline.WaitToStart(func() { ran = true })
	assert.True(t, ran, "parallelism 0 runs tasks inline")
	assert.Equal(t, 0, inline.Running())
	inline.Wait()
}
