// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmem

import (
	"fmt"
	"sort"

	"github.com/grailbio/bigmem/errors"
)

// An Extent is one rank's share of an allocation: Size bytes starting
// at Offset in the allocation's flat address space.
type Extent struct {
	Rank   int
	Offset int64
	Size   int64
}

// A PartitionPlan assigns each rank of a group its extent of an
// allocation, ordered by rank. Plans are contiguous: rank r's extent
// ends where rank r+1's begins, and together the extents cover the
// allocation exactly.
type PartitionPlan []Extent

// DeterminePartitionPlan computes the per-rank partition of totalSize
// bytes over worldSize ranks, in units of dataGranularity bytes. The
// units are divided evenly; when the division is not exact, the first
// totalUnits%worldSize ranks each receive one extra unit, so no two
// ranks differ by more than one unit. The result is a pure function
// of its arguments: every rank of a group computes the same plan
// independently, with no exchange.
//
// totalSize must be a non-negative multiple of dataGranularity and
// worldSize must be positive; violations return InvalidValue.
func DeterminePartitionPlan(totalSize, dataGranularity int64, worldSize int) ([]int64, error) {
	const op = "bigmem.DeterminePartitionPlan"
	if totalSize < 0 {
		return nil, errors.E(op, errors.InvalidValue, fmt.Sprintf("negative total size %d", totalSize))
	}
	if dataGranularity < 1 {
		return nil, errors.E(op, errors.InvalidValue, fmt.Sprintf("data granularity %d", dataGranularity))
	}
	if totalSize%dataGranularity != 0 {
		return nil, errors.E(op, errors.InvalidValue,
			fmt.Sprintf("total size %d is not a multiple of data granularity %d", totalSize, dataGranularity))
	}
	sizes, err := DetermineEntryPartitionPlan(totalSize/dataGranularity, worldSize)
	if err != nil {
		return nil, err
	}
	for i := range sizes {
		sizes[i] *= dataGranularity
	}
	return sizes, nil
}

// DetermineEntryPartitionPlan computes the per-rank partition of
// totalEntryCount entries over worldSize ranks, dividing evenly with
// the remainder going one entry apiece to the lowest ranks.
func DetermineEntryPartitionPlan(totalEntryCount int64, worldSize int) ([]int64, error) {
	const op = "bigmem.DetermineEntryPartitionPlan"
	if worldSize < 1 {
		return nil, errors.E(op, errors.InvalidValue, fmt.Sprintf("world size %d", worldSize))
	}
	if totalEntryCount < 0 {
		return nil, errors.E(op, errors.InvalidValue, fmt.Sprintf("negative entry count %d", totalEntryCount))
	}
	var (
		counts = make([]int64, worldSize)
		base   = totalEntryCount / int64(worldSize)
		extra  = totalEntryCount % int64(worldSize)
	)
	for i := range counts {
		counts[i] = base
		if int64(i) < extra {
			counts[i]++
		}
	}
	return counts, nil
}

// newPlan builds the extent table for the given per-rank sizes.
func newPlan(sizes []int64) PartitionPlan {
	plan := make(PartitionPlan, len(sizes))
	var off int64
	for r, size := range sizes {
		plan[r] = Extent{Rank: r, Offset: off, Size: size}
		off += size
	}
	return plan
}

// TotalSize returns the number of bytes covered by the plan.
func (p PartitionPlan) TotalSize() int64 {
	if len(p) == 0 {
		return 0
	}
	last := p[len(p)-1]
	return last.Offset + last.Size
}

// Find returns the rank whose extent contains the byte at offset.
func (p PartitionPlan) Find(offset int64) (int, error) {
	if offset < 0 || offset >= p.TotalSize() {
		return 0, errors.E("PartitionPlan.Find", errors.InvalidValue,
			fmt.Sprintf("offset %d outside plan of %d bytes", offset, p.TotalSize()))
	}
	// Zero-sized extents never contain an offset; the first extent
	// ending beyond offset is the owner.
	return sort.Search(len(p), func(i int) bool {
		return p[i].Offset+p[i].Size > offset
	}), nil
}
