// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmem

import (
	"fmt"

	"github.com/grailbio/bigmem/errors"
)

// A Ref is a position-independent view of an allocation, resolving
// global byte offsets to storage. Refs are built on demand from the
// handle's topology and hold no resources of their own; freeing the
// underlying Memory invalidates them.
type Ref struct {
	typ    MemoryType
	plan   PartitionPlan
	base   []byte
	chunks [][]byte
	sym    SymmetricReg
	hasSym bool
}

// Ref builds a global reference for the allocation. Continuous and
// chunked allocations resolve bytes directly through the reference.
// Distributed allocations have a reference form only under the
// Symmetric backend, and it carries the symmetric registration rather
// than mapped bytes; under the P2P backend, Ref returns NotSupported.
func (m *Memory) Ref() (*Ref, error) {
	const op = "Memory.Ref"
	if err := m.checkLive(op); err != nil {
		return nil, err
	}
	r := &Ref{typ: m.typ, plan: m.plan}
	switch m.typ {
	case MemoryTypeContinuous:
		r.base = m.base
	case MemoryTypeChunked:
		r.chunks = m.chunks
	default:
		if !m.hasSym {
			return nil, errors.E(op, errors.NotSupported,
				"distributed memory has a reference form only under the symmetric backend")
		}
		r.sym, r.hasSym = m.sym, true
	}
	return r, nil
}

// Locate returns the rank owning the byte at the global offset,
// together with the byte's position within that rank's partition.
func (r *Ref) Locate(offset int64) (rank int, rankOffset int64, err error) {
	rank, err = r.plan.Find(offset)
	if err != nil {
		return 0, 0, errors.E("Ref.Locate", err)
	}
	return rank, offset - r.plan[rank].Offset, nil
}

// At returns n bytes of the allocation starting at the global offset.
// Continuous references resolve any in-range span. Chunked references
// resolve spans within a single chunk; a span crossing a chunk
// boundary is an InvalidValue error. (Callers addressing whole
// entries never need a crossing span: the partition plan splits on
// entry boundaries.) Distributed references carry no mapped bytes and
// return NotSupported; use Locate and the symmetric registration
// instead.
func (r *Ref) At(offset, n int64) ([]byte, error) {
	const op = "Ref.At"
	if n < 0 {
		return nil, errors.E(op, errors.InvalidValue, fmt.Sprintf("negative length %d", n))
	}
	total := r.plan.TotalSize()
	if offset < 0 || offset+n > total {
		return nil, errors.E(op, errors.InvalidValue,
			fmt.Sprintf("span [%d, %d) outside allocation of %d bytes", offset, offset+n, total))
	}
	switch r.typ {
	case MemoryTypeContinuous:
		return r.base[offset : offset+n], nil
	case MemoryTypeChunked:
		if n == 0 {
			return nil, nil
		}
		rank, err := r.plan.Find(offset)
		if err != nil {
			return nil, errors.E(op, err)
		}
		ext := r.plan[rank]
		if offset+n > ext.Offset+ext.Size {
			return nil, errors.E(op, errors.InvalidValue,
				fmt.Sprintf("span [%d, %d) crosses the chunk boundary at %d", offset, offset+n, ext.Offset+ext.Size))
		}
		return r.chunks[rank][offset-ext.Offset : offset-ext.Offset+n], nil
	default:
		return nil, errors.E(op, errors.NotSupported, "distributed reference does not map bytes")
	}
}

// Symmetric returns the symmetric registration carried by a
// distributed reference, and whether there is one.
func (r *Ref) Symmetric() (SymmetricReg, bool) {
	return r.sym, r.hasSym
}
