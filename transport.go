// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmem

import (
	"context"
	"sync"

	"github.com/grailbio/base/log"
)

// A Transport connects the ranks of a communicator group. The
// transport that minted a token is named inside it; Create routes the
// token back to the transport through the registry. Implementations
// are provided by the loopback and tcpmesh packages; others may be
// registered with RegisterTransport.
type Transport interface {
	// Name returns the transport's registered name.
	Name() string
	// Connect joins the group identified by id as the given rank,
	// returning this rank's connection to its peers. Connect blocks
	// until the group can exchange point-to-point payloads, or until
	// ctx is done.
	Connect(ctx context.Context, id UniqueID, rank, size int) (Conn, error)
}

// A Conn is one rank's connection to its communicator group. Sends
// and receives are matched by (peer, seq): Recv(from, seq) returns
// the payload passed to the peer's Send(to, seq). Collective
// operations derive distinct seq values, so concurrent point-to-point
// exchanges never collide.
type Conn interface {
	// Send delivers p to the peer rank to. The payload must not be
	// mutated afterwards: transports sharing an address space deliver
	// it without copying.
	Send(ctx context.Context, to int, seq uint64, p []byte) error
	// Recv returns the payload sent by peer from under sequence seq,
	// blocking until it arrives or ctx is done.
	Recv(ctx context.Context, from int, seq uint64) ([]byte, error)
	// Local tells whether all ranks of the group share this process's
	// address space.
	Local() bool
	// Close releases the rank's membership in the group.
	Close(ctx context.Context) error
}

// A SharedConn is a Conn whose ranks share an address space. Share
// performs an allgather of live byte slices: each rank passes its
// slice and receives the group's slices, aliasing the peers' memory
// rather than copying it. The continuous and chunked memory types
// are available only on shared connections.
type SharedConn interface {
	Conn
	Share(ctx context.Context, seq uint64, local []byte) ([][]byte, error)
}

// A SymmetricReg records one rank's registration of its partition
// with a transport's symmetric addressing facility.
type SymmetricReg struct {
	// ID identifies the allocation group-wide; every rank of the
	// group receives the same ID for the same allocation.
	ID uint64
	// Rank and Size describe the registering rank's slab.
	Rank int
	Size int64
}

// A SymmetricConn is a Conn with a symmetric addressing facility:
// every rank registers its local slab under a group-wide identifier
// through which the transport resolves (rank, offset) references.
// The facility backs the Symmetric distributed backend.
type SymmetricConn interface {
	Conn
	// RegisterSymmetric registers the rank's slab. It is collective:
	// every rank of the group must call it with the same seq.
	RegisterSymmetric(ctx context.Context, seq uint64, local []byte) (SymmetricReg, error)
	// UnregisterSymmetric undoes a registration. Collective, like
	// RegisterSymmetric.
	UnregisterSymmetric(ctx context.Context, seq uint64, reg SymmetricReg) error
}

var (
	transportsMu sync.Mutex
	transports   = make(map[string]Transport)
)

// RegisterTransport registers t under its name, making tokens minted
// for it resolvable by Create. It panics if the name is taken.
// Transport packages register themselves at init time; importing a
// transport package is enough to enable it.
func RegisterTransport(t Transport) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	name := t.Name()
	if _, ok := transports[name]; ok {
		log.Panicf("bigmem: transport %s already registered", name)
	}
	transports[name] = t
}

func lookupTransport(name string) (Transport, bool) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	t, ok := transports[name]
	return t, ok
}
