// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package memtest provides utilities for testing bigmem code. The
// utilities here run whole rank groups inside a single test process
// over the loopback transport; they are strictly intended for unit
// testing.
package memtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/bigmem"
	"github.com/grailbio/bigmem/errors"
	"github.com/grailbio/bigmem/loopback"
	"golang.org/x/sync/errgroup"
)

// Run initializes the library, forms a loopback group of the given
// size, and calls body once per rank, concurrently, each call holding
// its own rank's communicator. Body errors are reported to t along
// with the failing rank; the first failure cancels the group's
// context so that peers blocked in collectives fail rather than hang.
// The group and the library are torn down before Run returns.
func Run(t *testing.T, ranks int, body func(ctx context.Context, c *bigmem.Comm) error) {
	t.Helper()
	if err := bigmem.Init(); err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := bigmem.Finalize(); err != nil {
			t.Error(err)
		}
	}()
	id, err := loopback.NewUniqueID()
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < ranks; rank++ {
		rank := rank
		g.Go(func() error {
			c, err := bigmem.Create(ctx, id, rank, ranks)
			if err != nil {
				return fmt.Errorf("rank %d: create: %v", rank, err)
			}
			if err := body(ctx, c); err != nil {
				return fmt.Errorf("rank %d: %v", rank, err)
			}
			if err := c.Destroy(ctx); err != nil {
				return fmt.Errorf("rank %d: destroy: %v", rank, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

// An Arena is a counting in-process allocator that stands in for
// device memory in tests. It refuses allocations past its capacity
// with an OutOfMemory error, and it tracks how many bytes and slabs
// are outstanding so tests can assert that failures leave nothing
// behind.
type Arena struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	slabs    int
}

// NewArena returns an arena holding at most capacity bytes;
// capacity 0 means unbounded.
func NewArena(capacity int64) *Arena {
	return &Arena{capacity: capacity}
}

// Register installs the arena as the process's device arena and
// returns a function that uninstalls it:
//
//	arena := memtest.NewArena(1 << 20)
//	defer arena.Register()()
//
// Register must be called before the group under test is created.
func (a *Arena) Register() func() {
	bigmem.RegisterArena(a)
	return func() { bigmem.RegisterArena(nil) }
}

// Alloc implements bigmem.Arena.
func (a *Arena) Alloc(n int64) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.capacity > 0 && a.used+n > a.capacity {
		return nil, errors.E(errors.OutOfMemory,
			fmt.Sprintf("arena: %d bytes requested, %d of %d in use", n, a.used, a.capacity))
	}
	a.used += n
	a.slabs++
	return make([]byte, n), nil
}

// Free implements bigmem.Arena.
func (a *Arena) Free(p []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := int64(len(p))
	if n > a.used {
		return errors.E(errors.Logic, fmt.Sprintf("arena: free of %d bytes with %d in use", n, a.used))
	}
	a.used -= n
	a.slabs--
	return nil
}

// Used returns the number of bytes currently allocated from the
// arena.
func (a *Arena) Used() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Slabs returns the number of outstanding allocations.
func (a *Arena) Slabs() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.slabs
}
