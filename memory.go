// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmem

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmem/errors"
	"github.com/spaolacci/murmur3"
)

// A Region is a window onto an allocation: Data aliases Size bytes of
// the allocation's storage, beginning at Offset in its flat address
// space.
type Region struct {
	Data   []byte
	Offset int64
	Size   int64
}

// A Memory is one rank's handle on a collective allocation. Handles
// are created by Alloc and released by Free; both are collective.
// The remaining methods are local queries.
type Memory struct {
	comm        *Comm
	typ         MemoryType
	loc         MemoryLocation
	backend     DistributedBackend
	totalSize   int64
	granularity int64
	plan        PartitionPlan

	// reserved is the slab this rank obtained from its backing store:
	// the whole segment on rank 0 for continuous and chunked host
	// memory, the rank's own chunk otherwise. arena is the device
	// arena it came from, when the location is device.
	reserved []byte
	arena    Arena

	base   []byte   // whole-segment view (continuous; chunked host)
	chunks [][]byte // per-rank views (continuous, chunked)
	local  []byte   // this rank's partition
	sym    SymmetricReg
	hasSym bool

	mu    sync.Mutex
	freed bool
}

// Alloc collectively allocates totalSize bytes, partitioned across
// the communicator's ranks in units of dataGranularity bytes
// according to DeterminePartitionPlan. Every rank of the group must
// call Alloc with identical arguments: the group exchanges an
// argument fingerprint, and divergent calls fail with a Logic error
// on every rank. When any rank cannot complete its local part, every
// rank releases what it reserved and returns an error of the failing
// rank's kind, so no rank is left holding a partial allocation.
//
// Distributed allocations additionally require a backend selected
// with SetDistributedBackend, uniformly across the group.
func Alloc(ctx context.Context, c *Comm, totalSize, dataGranularity int64, typ MemoryType, loc MemoryLocation) (*Memory, error) {
	const op = "bigmem.Alloc"
	if c == nil {
		return nil, errors.E(op, errors.InvalidInput, "nil communicator")
	}
	if err := c.alive(op); err != nil {
		return nil, err
	}
	var (
		seq     = c.nextSeq()
		backend = BackendNone
	)
	if typ == MemoryTypeDistributed {
		backend = c.DistributedBackend()
	}
	// Local phase. Failures are not returned yet: every rank reports
	// its outcome in the status exchange so that the group agrees on
	// a single verdict and no rank blocks on peers that bailed out.
	m, localErr := allocLocal(c, totalSize, dataGranularity, typ, loc, backend)
	st := rankStatus{
		Err:     errors.Recover(localErr),
		ArgHash: allocHash(totalSize, dataGranularity, typ, loc),
		Backend: backend,
	}
	if err := c.exchangeStatus(ctx, op, seq, st); err != nil {
		if m != nil {
			m.release()
		}
		return nil, err
	}
	// Publication phase. All ranks passed the status exchange, so all
	// of them arrive here; the collectives below block only on peer
	// participation, not on further local decisions.
	if err := m.publish(ctx); err != nil {
		m.release()
		return nil, err
	}
	c.mu.Lock()
	c.allocs++
	c.mu.Unlock()
	log.Debug.Printf("bigmem: rank %d/%d allocated %s %s/%s (%s local)",
		c.rank, c.size, data.Size(totalSize), typ, loc, data.Size(m.plan[c.rank].Size))
	return m, nil
}

// allocHash fingerprints the collective arguments of an allocation.
func allocHash(totalSize, dataGranularity int64, typ MemoryType, loc MemoryLocation) uint64 {
	var b [32]byte
	binary.LittleEndian.PutUint64(b[0:], uint64(totalSize))
	binary.LittleEndian.PutUint64(b[8:], uint64(dataGranularity))
	binary.LittleEndian.PutUint64(b[16:], uint64(typ))
	binary.LittleEndian.PutUint64(b[24:], uint64(loc))
	return murmur3.Sum64(b[:])
}

// allocLocal validates the allocation arguments and reserves this
// rank's backing store. It performs no communication.
func allocLocal(c *Comm, totalSize, dataGranularity int64, typ MemoryType, loc MemoryLocation, backend DistributedBackend) (*Memory, error) {
	const op = "bigmem.Alloc"
	if err := c.SupportTypeLocation(typ, loc); err != nil {
		return nil, errors.E(op, err)
	}
	if typ == MemoryTypeDistributed && backend == BackendNone {
		return nil, errors.E(op, errors.NotSupported, "no distributed backend selected")
	}
	sizes, err := DeterminePartitionPlan(totalSize, dataGranularity, c.size)
	if err != nil {
		return nil, errors.E(op, err)
	}
	m := &Memory{
		comm:        c,
		typ:         typ,
		loc:         loc,
		totalSize:   totalSize,
		granularity: dataGranularity,
		plan:        newPlan(sizes),
	}
	if typ == MemoryTypeDistributed {
		m.backend = backend
	}
	switch {
	case typ == MemoryTypeDistributed, typ == MemoryTypeChunked && loc == MemoryLocationDevice:
		// Each rank backs its own partition.
		m.reserved, m.arena, err = reserve(m.plan[c.rank].Size, loc)
	case c.rank == 0:
		// One segment backs the whole allocation; rank 0 reserves it
		// and publication shares it with the group.
		m.reserved, m.arena, err = reserve(totalSize, loc)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// reserve obtains an n-byte slab from the backing store for the
// given location, returning the arena it came from for device
// locations.
func reserve(n int64, loc MemoryLocation) ([]byte, Arena, error) {
	const op = "bigmem.Alloc"
	if loc == MemoryLocationDevice {
		a := deviceArena()
		if a == nil {
			return nil, nil, errors.E(op, errors.NotSupported, "no device arena is registered")
		}
		p, err := a.Alloc(n)
		if err != nil {
			if errors.KindOf(err) == errors.Unknown {
				return nil, nil, errors.E(op, errors.OutOfMemory, err)
			}
			return nil, nil, errors.E(op, err)
		}
		if int64(len(p)) != n {
			return nil, nil, errors.E(op, errors.Transport,
				fmt.Sprintf("arena returned %d bytes, want %d", len(p), n))
		}
		return p, a, nil
	}
	if int64(int(n)) != n {
		return nil, nil, errors.E(op, errors.OutOfMemory,
			fmt.Sprintf("%d bytes exceeds the addressable host memory", n))
	}
	return make([]byte, int(n)), nil, nil
}

// publish completes the group's view of the allocation after the
// status exchange has succeeded: shared segments and chunk tables are
// distributed, and distributed allocations register with the
// symmetric facility when that backend is selected.
func (m *Memory) publish(ctx context.Context) error {
	const op = "bigmem.Alloc"
	c := m.comm
	switch {
	case m.typ == MemoryTypeContinuous,
		m.typ == MemoryTypeChunked && m.loc == MemoryLocationHost:
		shared, err := c.share(ctx, op, m.reserved)
		if err != nil {
			return err
		}
		m.base = shared[0]
		m.chunks = make([][]byte, c.size)
		for r, ext := range m.plan {
			m.chunks[r] = m.base[ext.Offset : ext.Offset+ext.Size]
		}
	case m.typ == MemoryTypeChunked:
		shared, err := c.share(ctx, op, m.reserved)
		if err != nil {
			return err
		}
		m.chunks = shared
	case m.backend == BackendSymmetric:
		sc, ok := c.conn.(SymmetricConn)
		if !ok {
			return errors.E(op, errors.NotSupported,
				fmt.Sprintf("transport %s has no symmetric addressing facility", c.transport))
		}
		reg, err := sc.RegisterSymmetric(ctx, c.nextSeq(), m.reserved)
		if err != nil {
			if errors.KindOf(err) == errors.Unknown {
				return errors.E(op, errors.Communication, err)
			}
			return errors.E(op, err)
		}
		m.sym, m.hasSym = reg, true
	}
	if m.typ == MemoryTypeDistributed {
		m.local = m.reserved
	} else {
		m.local = m.chunks[c.rank]
	}
	return nil
}

// release returns this rank's reserved backing to its store and drops
// all views of the allocation.
func (m *Memory) release() {
	if m.reserved != nil && m.arena != nil {
		if err := m.arena.Free(m.reserved); err != nil {
			log.Error.Printf("bigmem: arena free: %v", err)
		}
	}
	m.reserved = nil
	m.base, m.chunks, m.local = nil, nil, nil
}

// Free collectively releases the allocation. The group synchronizes
// on a barrier before any backing is released, so no rank's bytes
// disappear while a peer may still address them. Regions and Refs
// derived from the handle are invalid once Free returns. A second
// Free is a Logic error.
func (m *Memory) Free(ctx context.Context) error {
	const op = "Memory.Free"
	c := m.comm
	if err := c.alive(op); err != nil {
		return err
	}
	m.mu.Lock()
	if m.freed {
		m.mu.Unlock()
		return errors.E(op, errors.Logic, "memory is already freed")
	}
	m.mu.Unlock()
	if err := c.Barrier(ctx); err != nil {
		return err
	}
	if m.hasSym {
		if sc, ok := c.conn.(SymmetricConn); ok {
			if err := sc.UnregisterSymmetric(ctx, c.nextSeq(), m.sym); err != nil {
				log.Error.Printf("bigmem: unregister symmetric allocation %d: %v", m.sym.ID, err)
			}
		}
		m.hasSym = false
	}
	m.mu.Lock()
	m.freed = true
	m.mu.Unlock()
	m.release()
	c.mu.Lock()
	c.allocs--
	c.mu.Unlock()
	return nil
}

// checkLive returns a Logic error if the handle has been freed.
func (m *Memory) checkLive(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.freed {
		return errors.E(op, errors.Logic, "memory is freed")
	}
	return nil
}

// Comm returns the communicator the allocation was made on.
func (m *Memory) Comm() *Comm { return m.comm }

// Type returns the allocation's memory type.
func (m *Memory) Type() MemoryType { return m.typ }

// Location returns the allocation's memory location.
func (m *Memory) Location() MemoryLocation { return m.loc }

// TotalSize returns the allocation's size in bytes.
func (m *Memory) TotalSize() int64 { return m.totalSize }

// DataGranularity returns the unit in which the allocation was
// partitioned.
func (m *Memory) DataGranularity() int64 { return m.granularity }

// DistributedBackend returns the backend a distributed allocation was
// made with; BackendNone for other memory types.
func (m *Memory) DistributedBackend() DistributedBackend { return m.backend }

// Plan returns the allocation's partition plan, fixed at allocation
// time. The returned plan is shared: callers must not modify it.
func (m *Memory) Plan() PartitionPlan { return m.plan }

// Local returns this rank's partition of the allocation.
func (m *Memory) Local() (Region, error) {
	return m.RankMemory(m.comm.rank)
}

// RankMemory returns the given rank's partition of the allocation.
// For distributed allocations only the calling rank's partition is
// mapped; requesting a peer's returns NotSupported (the peer's extent
// is still available from Plan).
func (m *Memory) RankMemory(rank int) (Region, error) {
	const op = "Memory.RankMemory"
	if err := m.checkLive(op); err != nil {
		return Region{}, err
	}
	if rank < 0 || rank >= m.comm.size {
		return Region{}, errors.E(op, errors.InvalidInput, fmt.Sprintf("rank %d out of range", rank))
	}
	ext := m.plan[rank]
	var b []byte
	switch m.typ {
	case MemoryTypeDistributed:
		if rank != m.comm.rank {
			return Region{}, errors.E(op, errors.NotSupported,
				fmt.Sprintf("distributed memory does not map rank %d's partition locally", rank))
		}
		b = m.local
	default:
		b = m.chunks[rank]
	}
	return Region{Data: b, Offset: ext.Offset, Size: ext.Size}, nil
}

// GlobalBytes returns the allocation as one flat byte slice. Only
// continuous allocations and chunked host allocations have a global
// form; for other shapes GlobalBytes returns NotSupported.
func (m *Memory) GlobalBytes() ([]byte, error) {
	const op = "Memory.GlobalBytes"
	if err := m.checkLive(op); err != nil {
		return nil, err
	}
	switch {
	case m.typ == MemoryTypeContinuous:
	case m.typ == MemoryTypeChunked && m.loc == MemoryLocationHost:
	default:
		return nil, errors.E(op, errors.NotSupported,
			fmt.Sprintf("%s %s memory has no global form", m.typ, m.loc))
	}
	return m.base, nil
}
