// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmem

import "sync"

// MemoryType selects how an allocation's bytes are organized across
// the group.
type MemoryType int

const (
	// MemoryTypeNone is the zero MemoryType. It is not allocatable.
	MemoryTypeNone MemoryType = iota
	// MemoryTypeContinuous backs the whole allocation with one
	// contiguous region addressable by every rank.
	MemoryTypeContinuous
	// MemoryTypeChunked gives each rank its own chunk. Every rank can
	// address every chunk, but the chunks need not be contiguous.
	MemoryTypeChunked
	// MemoryTypeDistributed keeps each rank's partition private.
	// Remote partitions are reachable only through the communicator's
	// distributed backend.
	MemoryTypeDistributed
)

func (t MemoryType) String() string {
	switch t {
	case MemoryTypeNone:
		return "none"
	case MemoryTypeContinuous:
		return "continuous"
	case MemoryTypeChunked:
		return "chunked"
	case MemoryTypeDistributed:
		return "distributed"
	}
	return "invalid"
}

// MemoryLocation selects the backing store of an allocation.
type MemoryLocation int

const (
	// MemoryLocationNone is the zero MemoryLocation. It is not
	// allocatable.
	MemoryLocationNone MemoryLocation = iota
	// MemoryLocationDevice places partitions in arena-managed device
	// memory. An Arena must be registered for the location to be
	// supported.
	MemoryLocationDevice
	// MemoryLocationHost places partitions in ordinary host memory.
	MemoryLocationHost
)

func (l MemoryLocation) String() string {
	switch l {
	case MemoryLocationNone:
		return "none"
	case MemoryLocationDevice:
		return "device"
	case MemoryLocationHost:
		return "host"
	}
	return "invalid"
}

// DistributedBackend names the facility a communicator uses to
// address the remote partitions of distributed allocations.
type DistributedBackend int

const (
	// BackendNone means no backend has been selected; distributed
	// allocations are refused.
	BackendNone DistributedBackend = iota
	// BackendP2P moves bytes with point-to-point transfers. There is
	// no global reference form.
	BackendP2P
	// BackendSymmetric registers each rank's partition with the
	// transport's symmetric addressing facility, yielding a global
	// reference resolvable by the transport.
	BackendSymmetric
)

func (b DistributedBackend) String() string {
	switch b {
	case BackendNone:
		return "none"
	case BackendP2P:
		return "p2p"
	case BackendSymmetric:
		return "symmetric"
	}
	return "invalid"
}

// An Arena provides device-resident backing store for allocations
// with MemoryLocationDevice. Implementations wrap accelerator
// allocators; errors from Alloc should carry kind OutOfMemory when
// the arena is exhausted, and unkinded failures are treated as such.
type Arena interface {
	// Alloc reserves an n-byte slab.
	Alloc(n int64) ([]byte, error)
	// Free returns a slab obtained from Alloc.
	Free(p []byte) error
}

var (
	arenaMu sync.Mutex
	arena   Arena
)

// RegisterArena installs a as the process's device arena; a nil a
// removes the current one. The arena must be installed before
// communicators are created: device support is part of the
// capability exchange at group formation, so installing an arena
// afterwards leaves existing communicators refusing the device
// location.
func RegisterArena(a Arena) {
	arenaMu.Lock()
	arena = a
	arenaMu.Unlock()
}

func deviceArena() Arena {
	arenaMu.Lock()
	defer arenaMu.Unlock()
	return arena
}
