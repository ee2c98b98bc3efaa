// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmem/errors"
	"github.com/grailbio/bigmem/stats"
	"github.com/spaolacci/murmur3"
)

// A Comm is one rank's membership in a communicator group: size
// ranks, numbered 0 through size-1, connected by a transport. All
// collective methods must be called by every rank of the group, in
// the same order; within one rank, collective methods must not be
// called concurrently.
type Comm struct {
	rank, size int
	id         UniqueID
	transport  string
	conn       Conn
	caps       capSet
	stats      *stats.Map

	seq uint64 // collective sequence number; see nextSeq

	mu        sync.Mutex
	backend   DistributedBackend
	allocs    int
	destroyed bool
}

// capSet is a communicator capability fingerprint. Group formation
// verifies that all ranks carry the same fingerprint, so capability
// queries afterwards are purely local.
type capSet uint8

const (
	capShared capSet = 1 << iota
	capSymmetric
	capArena
)

// formMsg is the group formation exchange payload.
type formMsg struct {
	Token      uint64
	Rank, Size int
	Caps       capSet
}

// Create joins the communicator group identified by id as one of its
// size ranks. Every rank of the group must call Create with the same
// token and size. Create blocks until the group has formed and every
// rank has verified that the group's members agree on the token, the
// group shape, and their capabilities.
func Create(ctx context.Context, id UniqueID, rank, size int) (*Comm, error) {
	const op = "bigmem.Create"
	if err := ensureRunning(op); err != nil {
		return nil, err
	}
	if size < 1 {
		return nil, errors.E(op, errors.InvalidInput, fmt.Sprintf("group size %d", size))
	}
	if rank < 0 || rank >= size {
		return nil, errors.E(op, errors.InvalidInput, fmt.Sprintf("rank %d out of range for group size %d", rank, size))
	}
	name, _, err := ParseUniqueID(id)
	if err != nil {
		return nil, errors.E(op, err)
	}
	transport, ok := lookupTransport(name)
	if !ok {
		return nil, errors.E(op, errors.InvalidInput, fmt.Sprintf("transport %s is not registered", name))
	}
	conn, err := transport.Connect(ctx, id, rank, size)
	if err != nil {
		if errors.KindOf(err) == errors.Unknown {
			return nil, errors.E(op, errors.Communication, err)
		}
		return nil, errors.E(op, err)
	}
	c := &Comm{
		rank:      rank,
		size:      size,
		id:        id,
		transport: name,
		conn:      conn,
		caps:      localCaps(conn),
		stats:     stats.NewMap(),
	}
	if err := c.form(ctx); err != nil {
		if cerr := conn.Close(ctx); cerr != nil {
			log.Error.Printf("bigmem: close %s after failed formation: %v", c, cerr)
		}
		return nil, err
	}
	registerComm(c)
	log.Debug.Printf("bigmem: rank %d/%d joined group %s", rank, size, id)
	return c, nil
}

// localCaps computes this rank's capability fingerprint.
func localCaps(conn Conn) capSet {
	var caps capSet
	if conn.Local() {
		caps |= capShared
	}
	if _, ok := conn.(SymmetricConn); ok {
		caps |= capSymmetric
	}
	if deviceArena() != nil {
		caps |= capArena
	}
	return caps
}

// form runs the formation exchange: every rank contributes its view
// of the group and checks the peers' views against its own, so that
// a malformed group is rejected on every rank before any memory
// operation can block on it.
func (c *Comm) form(ctx context.Context) error {
	const op = "bigmem.Create"
	token := murmur3.Sum64(c.id[:])
	p, err := gobEncode(formMsg{Token: token, Rank: c.rank, Size: c.size, Caps: c.caps})
	if err != nil {
		return errors.E(op, err)
	}
	gathered, err := c.allgather(ctx, op, 0, p)
	if err != nil {
		return err
	}
	for r, pp := range gathered {
		if r == c.rank {
			continue
		}
		var m formMsg
		if err := gobDecode(pp, &m); err != nil {
			return errors.E(op, errors.Communication, fmt.Sprintf("bad formation message from rank %d", r), err)
		}
		switch {
		case m.Rank != r:
			return errors.E(op, errors.InvalidInput, fmt.Sprintf("peer %d claims rank %d", r, m.Rank))
		case m.Size != c.size:
			return errors.E(op, errors.InvalidInput,
				fmt.Sprintf("rank %d has group size %d; rank %d has %d", r, m.Size, c.rank, c.size))
		case m.Token != token:
			return errors.E(op, errors.InvalidInput, fmt.Sprintf("rank %d joined with a different token", r))
		case m.Caps != c.caps:
			return errors.E(op, errors.NotSupported,
				fmt.Sprintf("rank %d capabilities %03b differ from rank %d capabilities %03b", r, m.Caps, c.rank, c.caps))
		}
	}
	return nil
}

// Rank returns this rank's number within the group.
func (c *Comm) Rank() int { return c.rank }

// Size returns the number of ranks in the group.
func (c *Comm) Size() int { return c.size }

// Stats returns the communicator's counters.
func (c *Comm) Stats() *stats.Map { return c.stats }

func (c *Comm) String() string {
	return fmt.Sprintf("%s:%d/%d", c.transport, c.rank, c.size)
}

// alive verifies that the library is running and the communicator has
// not been destroyed.
func (c *Comm) alive(op string) error {
	if err := ensureRunning(op); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return errors.E(op, errors.Logic, "communicator is destroyed")
	}
	return nil
}

// Barrier blocks until every rank of the group has entered it.
func (c *Comm) Barrier(ctx context.Context) error {
	const op = "Comm.Barrier"
	if err := c.alive(op); err != nil {
		return err
	}
	if _, err := c.allgather(ctx, op, c.nextSeq(), nil); err != nil {
		return err
	}
	c.stats.Int("barriers").Add(1)
	return nil
}

// Destroy tears the communicator down. It is collective: the group
// synchronizes on a barrier before any rank disconnects, so no rank
// leaves while a peer still expects its participation. Allocations
// made on the communicator must be freed first. A second Destroy is
// a Logic error.
func (c *Comm) Destroy(ctx context.Context) error {
	const op = "Comm.Destroy"
	if err := c.alive(op); err != nil {
		return err
	}
	c.mu.Lock()
	allocs := c.allocs
	c.mu.Unlock()
	if allocs != 0 {
		return errors.E(op, errors.Logic, fmt.Sprintf("%d allocations still live", allocs))
	}
	if err := c.Barrier(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.destroyed = true
	c.mu.Unlock()
	unregisterComm(c)
	if err := c.conn.Close(ctx); err != nil {
		return errors.E(op, errors.Communication, err)
	}
	log.Debug.Printf("bigmem: rank %d/%d left group %s", c.rank, c.size, c.id)
	return nil
}

// abort closes the communicator without collective teardown. It is
// used by Finalize when communicators are still alive.
func (c *Comm) abort() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.mu.Unlock()
	if err := c.conn.Close(context.Background()); err != nil {
		log.Error.Printf("bigmem: close %s: %v", c, err)
	}
}

// SupportTypeLocation reports whether allocations of the given memory
// type and location are available on this communicator: nil if
// supported, an error of kind NotSupported otherwise. The answer is
// uniform across the group, capability agreement having been verified
// at formation, so the query is purely local.
func (c *Comm) SupportTypeLocation(typ MemoryType, loc MemoryLocation) error {
	const op = "Comm.SupportTypeLocation"
	if err := c.alive(op); err != nil {
		return err
	}
	switch typ {
	case MemoryTypeContinuous, MemoryTypeChunked, MemoryTypeDistributed:
	default:
		return errors.E(op, errors.InvalidInput, fmt.Sprintf("memory type %s", typ))
	}
	switch loc {
	case MemoryLocationDevice, MemoryLocationHost:
	default:
		return errors.E(op, errors.InvalidInput, fmt.Sprintf("memory location %s", loc))
	}
	if loc == MemoryLocationDevice && c.caps&capArena == 0 {
		return errors.E(op, errors.NotSupported, "no device arena is registered")
	}
	if typ != MemoryTypeDistributed && c.caps&capShared == 0 {
		return errors.E(op, errors.NotSupported,
			fmt.Sprintf("%s memory requires a shared address space, which transport %s does not provide", typ, c.transport))
	}
	return nil
}

// SetDistributedBackend selects the backend for distributed
// allocations on this communicator. A backend must be selected before
// the first distributed allocation: while the backend is BackendNone,
// distributed allocations are refused as unsupported. The Symmetric
// backend requires the transport's symmetric addressing facility.
func (c *Comm) SetDistributedBackend(b DistributedBackend) error {
	const op = "Comm.SetDistributedBackend"
	if err := c.alive(op); err != nil {
		return err
	}
	switch b {
	case BackendP2P:
	case BackendSymmetric:
		if c.caps&capSymmetric == 0 {
			return errors.E(op, errors.NotSupported,
				fmt.Sprintf("transport %s has no symmetric addressing facility", c.transport))
		}
	default:
		return errors.E(op, errors.InvalidInput, fmt.Sprintf("distributed backend %s", b))
	}
	c.mu.Lock()
	c.backend = b
	c.mu.Unlock()
	return nil
}

// DistributedBackend returns the backend selected for distributed
// allocations, BackendNone if none has been.
func (c *Comm) DistributedBackend() DistributedBackend {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backend
}

// SupportsSymmetric tells whether the communicator's transport
// provides symmetric addressing.
func (c *Comm) SupportsSymmetric() bool {
	return c.caps&capSymmetric != 0
}
