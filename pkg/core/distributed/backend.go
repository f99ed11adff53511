// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"strings"

	"github.com/pkg/errors"
)

// Backend is an enumeration of the transports used to implement the collective operations.
type Backend string

const (
	// Local runs all ranks as goroutines of the same process, exchanging buffers in memory.
	// Ranks find each other by the rendezvous address (MasterAddr:MasterPort), so different
	// groups can coexist in the same process.
	Local Backend = "local"

	// WebSocket runs each rank in its own OS process (or host). Rank 0 hosts the rendezvous
	// on MasterAddr:MasterPort, and the other ranks dial it with retries until the join timeout.
	// Every collective is relayed by rank 0.
	WebSocket Backend = "ws"
)

// Backends lists the valid backends.
var Backends = []Backend{Local, WebSocket}

// ParseBackend converts a string to a Backend, it is case-insensitive.
func ParseBackend(s string) (Backend, error) {
	for _, b := range Backends {
		if strings.EqualFold(s, string(b)) {
			return b, nil
		}
	}
	return "", errors.Errorf("unknown distributed backend %q, valid values are %q", s, Backends)
}
