// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package loopback provides an in-process bigmem transport: the ranks
// of a group are goroutines of one process. Because the ranks share
// an address space, the transport offers the shared and symmetric
// facilities in addition to point-to-point delivery, so every memory
// type is available on it. It is the transport of choice for tests
// and for single-process groups.
//
// Importing the package registers the transport under the name
// "loopback".
package loopback

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/bigmem"
	"github.com/grailbio/bigmem/errors"
)

const name = "loopback"

func init() {
	bigmem.RegisterTransport(&transport{groups: make(map[bigmem.UniqueID]*group)})
}

// NewUniqueID mints a token for an in-process group.
func NewUniqueID() (bigmem.UniqueID, error) {
	return bigmem.NewUniqueID(name, nil)
}

// transport tracks the live groups of the process, keyed by token.
type transport struct {
	mu     sync.Mutex
	groups map[bigmem.UniqueID]*group
}

func (t *transport) Name() string { return name }

func (t *transport) Connect(ctx context.Context, id bigmem.UniqueID, rank, size int) (bigmem.Conn, error) {
	t.mu.Lock()
	g := t.groups[id]
	if g == nil {
		g = newGroup(t, id, size)
		t.groups[id] = g
	}
	t.mu.Unlock()
	return g.join(rank, size)
}

// A group is the process-wide state of one communicator group:
// mailboxes for point-to-point payloads and rendezvous state for the
// shared and symmetric facilities.
type group struct {
	t    *transport
	id   bigmem.UniqueID
	size int

	mu        sync.Mutex
	cond      *cond
	conns     map[int]*conn
	mail      map[mailKey]chan []byte
	meets     map[uint64]*rendezvous
	regs      map[uint64][][]byte
	nextRegID uint64
}

// A mailKey identifies one point-to-point payload slot.
type mailKey struct {
	from, to int
	seq      uint64
}

// A rendezvous collects the whole group's slices for one collective
// facility call (share, register, unregister).
type rendezvous struct {
	parts   [][]byte
	arrived int
	done    bool
	regID   uint64
}

func newGroup(t *transport, id bigmem.UniqueID, size int) *group {
	g := &group{
		t:     t,
		id:    id,
		size:  size,
		conns: make(map[int]*conn),
		mail:  make(map[mailKey]chan []byte),
		meets: make(map[uint64]*rendezvous),
		regs:  make(map[uint64][][]byte),
	}
	g.cond = newCond(&g.mu)
	return g
}

func (g *group) join(rank, size int) (*conn, error) {
	const op = "loopback.Connect"
	g.mu.Lock()
	defer g.mu.Unlock()
	if size != g.size {
		return nil, errors.E(op, errors.Communication,
			fmt.Sprintf("group size %d conflicts with the established size %d", size, g.size))
	}
	if rank < 0 || rank >= g.size {
		return nil, errors.E(op, errors.InvalidInput, fmt.Sprintf("rank %d out of range", rank))
	}
	if g.conns[rank] != nil {
		return nil, errors.E(op, errors.Communication, fmt.Sprintf("rank %d has already joined", rank))
	}
	c := &conn{g: g, rank: rank}
	g.conns[rank] = c
	return c, nil
}

// mailbox returns the payload slot for k, creating it on demand. A
// slot holds one payload: each (from, to, seq) triple is used by at
// most one send and one receive.
func (g *group) mailbox(k mailKey) chan []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	mb := g.mail[k]
	if mb == nil {
		mb = make(chan []byte, 1)
		g.mail[k] = mb
	}
	return mb
}

func (g *group) collect(k mailKey) {
	g.mu.Lock()
	delete(g.mail, k)
	g.mu.Unlock()
}

// meet blocks until the whole group has arrived at the rendezvous for
// seq, each rank contributing local, and returns the full table. The
// table aliases the contributed slices; it does not copy them.
func (g *group) meet(ctx context.Context, op string, seq uint64, rank int, local []byte) (*rendezvous, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := g.meets[seq]
	if r == nil {
		r = &rendezvous{parts: make([][]byte, g.size)}
		g.meets[seq] = r
	}
	r.parts[rank] = local
	r.arrived++
	if r.arrived == g.size {
		r.done = true
		delete(g.meets, seq)
		g.cond.Broadcast()
		return r, nil
	}
	for !r.done {
		if err := g.cond.Wait(ctx); err != nil {
			return nil, errors.E(op, errors.Communication, err)
		}
	}
	return r, nil
}

// A conn is one rank's membership in a loopback group.
type conn struct {
	g      *group
	rank   int
	closed bool // guarded by g.mu
}

func (c *conn) Local() bool { return true }

func (c *conn) check(op string, peer int) error {
	g := c.g
	g.mu.Lock()
	defer g.mu.Unlock()
	if c.closed {
		return errors.E(op, errors.Communication, "connection is closed")
	}
	if peer < 0 || peer >= g.size || peer == c.rank {
		return errors.E(op, errors.InvalidInput, fmt.Sprintf("bad peer rank %d", peer))
	}
	return nil
}

func (c *conn) Send(ctx context.Context, to int, seq uint64, p []byte) error {
	const op = "loopback.Send"
	if err := c.check(op, to); err != nil {
		return err
	}
	select {
	case c.g.mailbox(mailKey{from: c.rank, to: to, seq: seq}) <- p:
		return nil
	case <-ctx.Done():
		return errors.E(op, errors.Communication, ctx.Err())
	}
}

func (c *conn) Recv(ctx context.Context, from int, seq uint64) ([]byte, error) {
	const op = "loopback.Recv"
	if err := c.check(op, from); err != nil {
		return nil, err
	}
	k := mailKey{from: from, to: c.rank, seq: seq}
	select {
	case p := <-c.g.mailbox(k):
		c.g.collect(k)
		return p, nil
	case <-ctx.Done():
		return nil, errors.E(op, errors.Communication, ctx.Err())
	}
}

// Share implements the shared-address-space facility: the group's
// slices are gathered and returned live, so the caller aliases its
// peers' memory.
func (c *conn) Share(ctx context.Context, seq uint64, local []byte) ([][]byte, error) {
	const op = "loopback.Share"
	r, err := c.g.meet(ctx, op, seq, c.rank, local)
	if err != nil {
		return nil, err
	}
	parts := make([][]byte, len(r.parts))
	copy(parts, r.parts)
	return parts, nil
}

// RegisterSymmetric records the group's slabs under a fresh
// group-wide identifier. The first rank to complete the rendezvous
// assigns the identifier; all ranks observe the same one.
func (c *conn) RegisterSymmetric(ctx context.Context, seq uint64, local []byte) (bigmem.SymmetricReg, error) {
	const op = "loopback.RegisterSymmetric"
	r, err := c.g.meet(ctx, op, seq, c.rank, local)
	if err != nil {
		return bigmem.SymmetricReg{}, err
	}
	g := c.g
	g.mu.Lock()
	if r.regID == 0 {
		g.nextRegID++
		r.regID = g.nextRegID
		parts := make([][]byte, len(r.parts))
		copy(parts, r.parts)
		g.regs[r.regID] = parts
	}
	id := r.regID
	g.mu.Unlock()
	return bigmem.SymmetricReg{ID: id, Rank: c.rank, Size: int64(len(local))}, nil
}

// UnregisterSymmetric removes a registration. Like registration it is
// collective; the table is dropped once the whole group has arrived.
func (c *conn) UnregisterSymmetric(ctx context.Context, seq uint64, reg bigmem.SymmetricReg) error {
	const op = "loopback.UnregisterSymmetric"
	g := c.g
	g.mu.Lock()
	if _, ok := g.regs[reg.ID]; !ok {
		g.mu.Unlock()
		return errors.E(op, errors.InvalidInput, fmt.Sprintf("no registration %d", reg.ID))
	}
	g.mu.Unlock()
	if _, err := g.meet(ctx, op, seq, c.rank, nil); err != nil {
		return err
	}
	g.mu.Lock()
	delete(g.regs, reg.ID)
	g.mu.Unlock()
	return nil
}

// Close releases the rank's membership; the last member to leave
// tears the group down, making its token reusable.
func (c *conn) Close(ctx context.Context) error {
	const op = "loopback.Close"
	g := c.g
	g.mu.Lock()
	if c.closed {
		g.mu.Unlock()
		return errors.E(op, errors.Logic, "connection is already closed")
	}
	c.closed = true
	delete(g.conns, c.rank)
	last := len(g.conns) == 0
	g.mu.Unlock()
	if last {
		g.t.mu.Lock()
		delete(g.t.groups, g.id)
		g.t.mu.Unlock()
	}
	return nil
}
