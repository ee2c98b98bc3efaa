// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmem_test

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/grailbio/bigmem"
	"github.com/grailbio/bigmem/errors"
	"github.com/grailbio/bigmem/memtest"
)

func TestRefContinuous(t *testing.T) {
	memtest.Run(t, 3, func(ctx context.Context, c *bigmem.Comm) error {
		m, err := bigmem.Alloc(ctx, c, 1024, 16, bigmem.MemoryTypeContinuous, bigmem.MemoryLocationHost)
		if err != nil {
			return err
		}
		local, err := m.Local()
		if err != nil {
			return err
		}
		for i := range local.Data {
			local.Data[i] = byte(c.Rank() + 1)
		}
		if err := c.Barrier(ctx); err != nil {
			return err
		}
		ref, err := m.Ref()
		if err != nil {
			return err
		}
		// Rank 0 owns [0, 352), rank 1 [352, 688), rank 2 [688, 1024).
		for _, test := range []struct {
			offset  int64
			rank    int
			rankOff int64
		}{
			{0, 0, 0},
			{351, 0, 351},
			{352, 1, 0},
			{687, 1, 335},
			{688, 2, 0},
			{1023, 2, 335},
		} {
			rank, rankOff, err := ref.Locate(test.offset)
			if err != nil {
				return err
			}
			if rank != test.rank || rankOff != test.rankOff {
				return fmt.Errorf("locate %d: got (%d, %d), want (%d, %d)",
					test.offset, rank, rankOff, test.rank, test.rankOff)
			}
		}
		for _, offset := range []int64{-1, 1024} {
			if _, _, err := ref.Locate(offset); !errors.Is(errors.InvalidValue, err) {
				return fmt.Errorf("locate %d: got %v, want InvalidValue", offset, err)
			}
		}
		// A continuous reference resolves spans across partition
		// boundaries.
		b, err := ref.At(348, 8)
		if err != nil {
			return err
		}
		if want := []byte{1, 1, 1, 1, 2, 2, 2, 2}; !bytes.Equal(b, want) {
			return fmt.Errorf("at(348, 8): got %v, want %v", b, want)
		}
		if b, err = ref.At(0, 0); err != nil || len(b) != 0 {
			return fmt.Errorf("at(0, 0): got (%v, %v), want empty", b, err)
		}
		for _, test := range []struct{ offset, n int64 }{
			{-1, 4},
			{0, -1},
			{1020, 8},
			{1024, 1},
		} {
			if _, err := ref.At(test.offset, test.n); !errors.Is(errors.InvalidValue, err) {
				return fmt.Errorf("at(%d, %d): got %v, want InvalidValue", test.offset, test.n, err)
			}
		}
		if _, ok := ref.Symmetric(); ok {
			return fmt.Errorf("continuous reference carries a symmetric registration")
		}
		return m.Free(ctx)
	})
}

func TestRefChunked(t *testing.T) {
	memtest.Run(t, 3, func(ctx context.Context, c *bigmem.Comm) error {
		m, err := bigmem.Alloc(ctx, c, 96, 16, bigmem.MemoryTypeChunked, bigmem.MemoryLocationHost)
		if err != nil {
			return err
		}
		local, err := m.Local()
		if err != nil {
			return err
		}
		for i := range local.Data {
			local.Data[i] = byte(c.Rank() + 1)
		}
		if err := c.Barrier(ctx); err != nil {
			return err
		}
		ref, err := m.Ref()
		if err != nil {
			return err
		}
		// Chunks are [0, 32), [32, 64), [64, 96).
		b, err := ref.At(32, 16)
		if err != nil {
			return err
		}
		if want := []byte{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2}; !bytes.Equal(b, want) {
			return fmt.Errorf("at(32, 16): got %v, want %v", b, want)
		}
		// A span crossing a chunk boundary has no single backing
		// slice.
		_, err = ref.At(24, 16)
		if !errors.Is(errors.InvalidValue, err) {
			return fmt.Errorf("crossing span: got %v, want InvalidValue", err)
		}
		// Whole-entry addressing never crosses: granules split on
		// chunk boundaries.
		for off := int64(0); off < 96; off += 16 {
			if _, err := ref.At(off, 16); err != nil {
				return fmt.Errorf("granule at %d: %v", off, err)
			}
		}
		return m.Free(ctx)
	})
}

func TestRefDistributed(t *testing.T) {
	const ranks = 3
	ids := make([]uint64, ranks)
	memtest.Run(t, ranks, func(ctx context.Context, c *bigmem.Comm) error {
		if err := c.SetDistributedBackend(bigmem.BackendP2P); err != nil {
			return err
		}
		m, err := bigmem.Alloc(ctx, c, 96, 16, bigmem.MemoryTypeDistributed, bigmem.MemoryLocationHost)
		if err != nil {
			return err
		}
		// P2P distributed memory has no reference form.
		if _, err := m.Ref(); !errors.Is(errors.NotSupported, err) {
			return fmt.Errorf("p2p ref: got %v, want NotSupported", err)
		}
		if err := m.Free(ctx); err != nil {
			return err
		}
		if err := c.SetDistributedBackend(bigmem.BackendSymmetric); err != nil {
			return err
		}
		m, err = bigmem.Alloc(ctx, c, 96, 16, bigmem.MemoryTypeDistributed, bigmem.MemoryLocationHost)
		if err != nil {
			return err
		}
		ref, err := m.Ref()
		if err != nil {
			return err
		}
		reg, ok := ref.Symmetric()
		if !ok {
			return fmt.Errorf("symmetric reference carries no registration")
		}
		if got, want := reg.Rank, c.Rank(); got != want {
			return fmt.Errorf("registration rank: got %v, want %v", got, want)
		}
		if got, want := reg.Size, int64(32); got != want {
			return fmt.Errorf("registration size: got %v, want %v", got, want)
		}
		// The registration identifier is uniform across the group.
		ids[c.Rank()] = reg.ID
		if err := c.Barrier(ctx); err != nil {
			return err
		}
		for r, id := range ids {
			if id != reg.ID {
				return fmt.Errorf("rank %d registration %d, rank %d registration %d", r, id, c.Rank(), reg.ID)
			}
		}
		// The reference resolves positions, not bytes.
		rank, rankOff, err := ref.Locate(40)
		if err != nil {
			return err
		}
		if rank != 1 || rankOff != 8 {
			return fmt.Errorf("locate 40: got (%d, %d), want (1, 8)", rank, rankOff)
		}
		if _, err := ref.At(0, 16); !errors.Is(errors.NotSupported, err) {
			return fmt.Errorf("at on distributed: got %v, want NotSupported", err)
		}
		return m.Free(ctx)
	})
}
