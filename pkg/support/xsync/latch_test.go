// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	assert.False(t, l.Test())
	go func() {
		time.Sleep(time.Millisecond)
		l.Trigger()
	}()
	select {
	case <-l.WaitChan():
	case <-time.After(time.Second):
		t.Fatal("latch never triggered")
	}
	assert.True(t, l.Test())
	assert.False(t, l.Trigger(), "second trigger is a no-op")
}
