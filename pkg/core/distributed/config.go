// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultJoinTimeout is used when Config.JoinTimeout is not set.
const DefaultJoinTimeout = 30 * time.Second

// Config of a process group. It is shared, read-only, by all ranks.
type Config struct {
	Backend Backend

	// MasterAddr and MasterPort define the rendezvous address of the group.
	MasterAddr, MasterPort string

	// WorldSize is the number of ranks in the group.
	WorldSize int

	// DeviceIDs lists the accelerator devices, one per rank: rank r is bound to DeviceIDs[r].
	DeviceIDs []int

	// JoinTimeout bounds the time waiting for all ranks to join. It defaults to DefaultJoinTimeout.
	JoinTimeout time.Duration
}

// Address returns the rendezvous address "host:port".
func (c *Config) Address() string {
	host := c.MasterAddr
	if host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, c.MasterPort)
}

func (c *Config) joinTimeout() time.Duration {
	if c.JoinTimeout <= 0 {
		return DefaultJoinTimeout
	}
	return c.JoinTimeout
}

// Validate checks the configuration. Fewer devices than ranks is reported as ErrNoDevices.
func (c *Config) Validate() error {
	if _, err := ParseBackend(string(c.Backend)); err != nil {
		return err
	}
	if c.WorldSize < 1 {
		return errors.Errorf("invalid world size %d, it must be >= 1", c.WorldSize)
	}
	if len(c.DeviceIDs) < c.WorldSize {
		return errors.Wrapf(ErrNoDevices, "world size %d requires as many devices, got %v", c.WorldSize, c.DeviceIDs)
	}
	if c.MasterPort == "" {
		return errors.New("rendezvous port (MasterPort) not set")
	}
	return nil
}

var localConfigCount atomic.Int64

// NewLocalConfig returns a Local backend configuration for world ranks bound to devices 0 to world-1.
// Each call gets a distinct rendezvous address, named after name.
func NewLocalConfig(name string, world int) *Config {
	ids := make([]int, world)
	for ii := range ids {
		ids[ii] = ii
	}
	return &Config{
		Backend:    Local,
		MasterAddr: name,
		MasterPort: strconv.FormatInt(localConfigCount.Add(1), 10),
		WorldSize:  world,
		DeviceIDs:  ids,
	}
}

// CUDAVisibleDevicesEnv is the environment variable used to select devices when none are given.
const CUDAVisibleDevicesEnv = "CUDA_VISIBLE_DEVICES"

// ResolveDevices parses a comma-separated list of device ids. If usable is empty,
// the CUDA_VISIBLE_DEVICES environment variable is used instead.
// It returns ErrNoDevices if no device is available.
func ResolveDevices(usable string) ([]int, error) {
	source := "flag"
	if strings.TrimSpace(usable) == "" {
		usable = os.Getenv(CUDAVisibleDevicesEnv)
		source = CUDAVisibleDevicesEnv
	}
	var ids []int
	for _, part := range strings.Split(usable, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid device id %q in %s", part, source)
		}
		if id < 0 {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, errors.Wrapf(ErrNoDevices, "no devices given by %s=%q", source, usable)
	}
	return ids, nil
}

// PortFromClock derives the rendezvous port from the microseconds of t: "10" followed by
// the microseconds modulo 100.
func PortFromClock(t time.Time) string {
	micro := t.Nanosecond() / 1000
	return fmt.Sprintf("10%d", micro%100)
}

// BatchPerRank splits the global batch size across worldSize ranks.
// The remainder is dropped with a warning.
func BatchPerRank(total, worldSize int) (int, error) {
	if worldSize < 1 {
		return 0, errors.Errorf("invalid world size %d", worldSize)
	}
	perRank := total / worldSize
	if perRank < 1 {
		return 0, errors.Errorf("batch size %d is smaller than the world size %d", total, worldSize)
	}
	if remainder := total % worldSize; remainder != 0 {
		klog.Warningf("batch size %d is not divisible by world size %d: using %d per rank, %d examples per step dropped",
			total, worldSize, perRank, remainder)
	}
	return perRank, nil
}
