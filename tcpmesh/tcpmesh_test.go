// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tcpmesh_test

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/grailbio/bigmem"
	"github.com/grailbio/bigmem/errors"
	"github.com/grailbio/bigmem/tcpmesh"
	"golang.org/x/sync/errgroup"
)

// testToken mints a token rooted at a free localhost port. The port
// could be taken again between here and the root's listen; rerun on
// that rare collision.
func testToken(t *testing.T) bigmem.UniqueID {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := lis.Addr().String()
	lis.Close()
	id, err := tcpmesh.NewUniqueID(addr)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestMesh(t *testing.T) {
	const ranks = 3
	if err := bigmem.Init(); err != nil {
		t.Fatal(err)
	}
	defer bigmem.Finalize()
	id := testToken(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < ranks; rank++ {
		rank := rank
		g.Go(func() error {
			c, err := bigmem.Create(gctx, id, rank, ranks)
			if err != nil {
				return fmt.Errorf("rank %d: create: %v", rank, err)
			}
			// The mesh is point-to-point only: no shared address
			// space, no symmetric addressing.
			err = c.SupportTypeLocation(bigmem.MemoryTypeContinuous, bigmem.MemoryLocationHost)
			if !errors.Is(errors.NotSupported, err) {
				return fmt.Errorf("continuous: got %v, want NotSupported", err)
			}
			if c.SupportsSymmetric() {
				return fmt.Errorf("mesh claims symmetric addressing")
			}
			err = c.SetDistributedBackend(bigmem.BackendSymmetric)
			if !errors.Is(errors.NotSupported, err) {
				return fmt.Errorf("symmetric backend: got %v, want NotSupported", err)
			}
			if err := c.SetDistributedBackend(bigmem.BackendP2P); err != nil {
				return err
			}
			for i := 0; i < 3; i++ {
				if err := c.Barrier(gctx); err != nil {
					return fmt.Errorf("rank %d: barrier %d: %v", rank, i, err)
				}
			}
			m, err := bigmem.Alloc(gctx, c, 96, 16, bigmem.MemoryTypeDistributed, bigmem.MemoryLocationHost)
			if err != nil {
				return fmt.Errorf("rank %d: alloc: %v", rank, err)
			}
			local, err := m.Local()
			if err != nil {
				return err
			}
			if got, want := local.Size, int64(32); got != want {
				return fmt.Errorf("rank %d: local size: got %v, want %v", rank, got, want)
			}
			if _, err := m.RankMemory((rank + 1) % ranks); !errors.Is(errors.NotSupported, err) {
				return fmt.Errorf("peer memory: got %v, want NotSupported", err)
			}
			if err := m.Free(gctx); err != nil {
				return fmt.Errorf("rank %d: free: %v", rank, err)
			}
			return c.Destroy(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestMeshSingleton(t *testing.T) {
	if err := bigmem.Init(); err != nil {
		t.Fatal(err)
	}
	defer bigmem.Finalize()
	ctx := context.Background()
	c, err := bigmem.Create(ctx, testToken(t), 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Barrier(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Destroy(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestMeshDivergentAlloc(t *testing.T) {
	const ranks = 2
	if err := bigmem.Init(); err != nil {
		t.Fatal(err)
	}
	defer bigmem.Finalize()
	id := testToken(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < ranks; rank++ {
		rank := rank
		g.Go(func() error {
			c, err := bigmem.Create(gctx, id, rank, ranks)
			if err != nil {
				return fmt.Errorf("rank %d: %v", rank, err)
			}
			if err := c.SetDistributedBackend(bigmem.BackendP2P); err != nil {
				return err
			}
			// The ranks disagree on granularity; the status exchange
			// makes every rank fail the same way.
			granularity := int64(16 << rank)
			_, err = bigmem.Alloc(gctx, c, 96, granularity, bigmem.MemoryTypeDistributed, bigmem.MemoryLocationHost)
			if !errors.Is(errors.Logic, err) {
				return fmt.Errorf("rank %d: got %v, want Logic", rank, err)
			}
			return c.Destroy(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestMeshRejectsForeignToken(t *testing.T) {
	if err := bigmem.Init(); err != nil {
		t.Fatal(err)
	}
	defer bigmem.Finalize()
	id := testToken(t)
	_, payload, err := bigmem.ParseUniqueID(id)
	if err != nil {
		t.Fatal(err)
	}
	// A second token rooted at the same address: it names the same
	// rendezvous point but carries a different secret.
	forged, err := tcpmesh.NewUniqueID(string(payload))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	root := make(chan *bigmem.Comm, 1)
	g.Go(func() error {
		c, err := bigmem.Create(gctx, id, 0, 2)
		if err != nil {
			return err
		}
		root <- c
		return nil
	})
	// The holder of the forged token reaches the root but is refused
	// at the handshake, before the group forms.
	_, err = bigmem.Create(ctx, forged, 1, 2)
	if !errors.Is(errors.Communication, err) {
		t.Errorf("forged token: got %v, want Communication", err)
	}
	c1, err := bigmem.Create(ctx, id, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	c0 := <-root
	g, gctx = errgroup.WithContext(ctx)
	for _, c := range []*bigmem.Comm{c0, c1} {
		c := c
		g.Go(func() error { return c.Destroy(gctx) })
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}
