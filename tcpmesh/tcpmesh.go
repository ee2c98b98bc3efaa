// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package tcpmesh provides a bigmem transport that connects the ranks
// of a group over TCP. The group's token carries the address of its
// root (rank 0): the root listens there, every other rank checks in
// with it, and the root answers with the group's address table, from
// which the ranks complete a full mesh pairwise. Every connection
// opens with a hello carrying the full token, so only holders of the
// token are admitted.
//
// The transport is point-to-point only: it offers neither the shared
// nor the symmetric facility, so groups formed over it support
// distributed memory under the peer-to-peer backend and nothing else.
//
// Importing the package registers the transport under the name
// "tcpmesh".
package tcpmesh

import (
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigmem"
	"github.com/grailbio/bigmem/errors"
	"golang.org/x/sync/errgroup"
)

const name = "tcpmesh"

// helloTimeout bounds how long an accepted connection may sit silent
// before it must present its hello.
const helloTimeout = 10 * time.Second

var dialPolicy = retry.Backoff(100*time.Millisecond, 2*time.Second, 1.5)

func init() {
	bigmem.RegisterTransport(transport{})
}

// NewUniqueID mints a token for a group rooted at addr, the TCP
// address on which the group's rank 0 will listen.
func NewUniqueID(addr string) (bigmem.UniqueID, error) {
	if addr == "" {
		return bigmem.UniqueID{}, errors.E("tcpmesh.NewUniqueID", errors.InvalidInput, "empty root address")
	}
	return bigmem.NewUniqueID(name, []byte(addr))
}

type transport struct{}

func (transport) Name() string { return name }

func (transport) Connect(ctx context.Context, id bigmem.UniqueID, rank, size int) (bigmem.Conn, error) {
	const op = "tcpmesh.Connect"
	_, payload, err := bigmem.ParseUniqueID(id)
	if err != nil {
		return nil, err
	}
	root := string(payload)
	c := &conn{
		rank:    rank,
		size:    size,
		peers:   make([]*peer, size),
		mail:    make(map[mailKey]chan []byte),
		closedc: make(chan struct{}),
	}
	if size > 1 {
		if rank == 0 {
			err = c.bootstrapRoot(ctx, id, root)
		} else {
			err = c.bootstrapMember(ctx, id, root)
		}
		if err != nil {
			c.teardown()
			return nil, err
		}
	}
	for _, p := range c.peers {
		if p == nil {
			continue
		}
		c.wg.Add(1)
		go c.read(p)
	}
	log.Debug.Printf("tcpmesh: rank %d of %d connected via %s", rank, size, root)
	return c, nil
}

// Wire messages. A hello opens every connection; the root answers
// rendezvous hellos with the group's address table once the whole
// group has checked in; all traffic thereafter is frames. Each side
// of a connection keeps a single gob encoder and decoder for the
// connection's whole life, so the stream stays decodable across the
// handshake/frame transition.
type hello struct {
	Token bigmem.UniqueID
	Rank  int
	Size  int
	Addr  string // the sender's mesh listen address; rendezvous only
}

type table struct {
	Addrs []string
}

type frame struct {
	Seq     uint64
	Payload []byte
}

type mailKey struct {
	from int
	seq  uint64
}

// A conn is one rank's edge set of the mesh.
type conn struct {
	rank, size int

	mu      sync.Mutex
	peers   []*peer // immutable once Connect returns
	mail    map[mailKey]chan []byte
	closed  bool
	closedc chan struct{}
	wg      sync.WaitGroup
}

// A peer is one TCP connection of the mesh. Writes are serialized by
// emu; the decoder is owned by the conn's reader goroutine.
type peer struct {
	rank int
	nc   net.Conn
	emu  sync.Mutex
	enc  *gob.Encoder
	dec  *gob.Decoder

	once sync.Once
	err  error
	done chan struct{}
}

func newPeer(nc net.Conn) *peer {
	return &peer{
		nc:   nc,
		enc:  gob.NewEncoder(nc),
		dec:  gob.NewDecoder(nc),
		done: make(chan struct{}),
	}
}

func (p *peer) send(ctx context.Context, m interface{}) error {
	p.emu.Lock()
	defer p.emu.Unlock()
	if d, ok := ctx.Deadline(); ok {
		p.nc.SetWriteDeadline(d)
		defer p.nc.SetWriteDeadline(time.Time{})
	}
	return p.enc.Encode(m)
}

// fail records the peer's terminal error and releases its waiters.
func (p *peer) fail(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// bootstrapRoot runs the group rendezvous: accept a check-in from
// every member, then send each the address table for the mesh phase.
// Connections presenting a bad hello are rejected and do not count
// toward the group.
func (c *conn) bootstrapRoot(ctx context.Context, id bigmem.UniqueID, addr string) error {
	const op = "tcpmesh.Connect"
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.E(op, errors.Communication, err)
	}
	defer lis.Close()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			lis.Close()
			c.teardown()
		case <-stop:
		}
	}()
	addrs := make([]string, c.size)
	addrs[0] = addr
	for have := 1; have < c.size; {
		nc, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return errors.E(op, errors.Communication, ctx.Err())
			}
			return errors.E(op, errors.Communication, err)
		}
		p, h, err := c.accept(nc, id)
		if err != nil {
			log.Error.Printf("tcpmesh: rejecting connection from %s: %v", nc.RemoteAddr(), err)
			nc.Close()
			continue
		}
		if err := c.addPeer(p); err != nil {
			log.Error.Printf("tcpmesh: rejecting connection from %s: %v", nc.RemoteAddr(), err)
			nc.Close()
			continue
		}
		addrs[h.Rank] = h.Addr
		have++
	}
	for r, p := range c.peers {
		if p == nil {
			continue
		}
		if err := p.send(ctx, table{Addrs: addrs}); err != nil {
			return errors.E(op, errors.Communication, fmt.Sprintf("rank %d", r), err)
		}
	}
	return nil
}

// bootstrapMember checks in with the root, receives the address
// table, and then completes the mesh: each pair of members meets
// lower-listens, higher-dials; the rendezvous connection itself
// serves as the mesh connection to rank 0.
func (c *conn) bootstrapMember(ctx context.Context, id bigmem.UniqueID, root string) error {
	const op = "tcpmesh.Connect"
	lis, err := net.Listen("tcp", ":0")
	if err != nil {
		return errors.E(op, errors.Communication, err)
	}
	defer lis.Close()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			lis.Close()
			c.teardown()
		case <-stop:
		}
	}()
	nc, err := dialRetry(ctx, root)
	if err != nil {
		return errors.E(op, errors.Communication, fmt.Sprintf("root %s", root), err)
	}
	rp := newPeer(nc)
	rp.rank = 0
	if err := c.addPeer(rp); err != nil {
		nc.Close()
		return errors.E(op, err)
	}
	// Advertise the interface the root sees us on, with our own
	// listener's port.
	host, _, err := net.SplitHostPort(nc.LocalAddr().String())
	if err != nil {
		return errors.E(op, err)
	}
	_, port, err := net.SplitHostPort(lis.Addr().String())
	if err != nil {
		return errors.E(op, err)
	}
	if err := rp.send(ctx, hello{Token: id, Rank: c.rank, Size: c.size, Addr: net.JoinHostPort(host, port)}); err != nil {
		return errors.E(op, errors.Communication, err)
	}
	var tbl table
	if err := rp.dec.Decode(&tbl); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return errors.E(op, errors.Communication, "no address table from root", err)
	}
	if len(tbl.Addrs) != c.size {
		return errors.E(op, errors.Communication, fmt.Sprintf("address table has %d entries, need %d", len(tbl.Addrs), c.size))
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for have := 0; have < c.size-c.rank-1; {
			nc, err := lis.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return err
			}
			p, _, err := c.accept(nc, id)
			if err != nil {
				log.Error.Printf("tcpmesh: rank %d rejecting connection from %s: %v", c.rank, nc.RemoteAddr(), err)
				nc.Close()
				continue
			}
			if err := c.addPeer(p); err != nil {
				log.Error.Printf("tcpmesh: rank %d rejecting connection from %s: %v", c.rank, nc.RemoteAddr(), err)
				nc.Close()
				continue
			}
			have++
		}
		return nil
	})
	for r := 1; r < c.rank; r++ {
		r := r
		g.Go(func() error {
			nc, err := dialRetry(gctx, tbl.Addrs[r])
			if err != nil {
				return fmt.Errorf("rank %d at %s: %v", r, tbl.Addrs[r], err)
			}
			p := newPeer(nc)
			p.rank = r
			if err := p.send(gctx, hello{Token: id, Rank: c.rank, Size: c.size}); err != nil {
				nc.Close()
				return fmt.Errorf("rank %d at %s: %v", r, tbl.Addrs[r], err)
			}
			return c.addPeer(p)
		})
	}
	if err := g.Wait(); err != nil {
		return errors.E(op, errors.Communication, err)
	}
	return nil
}

// accept runs the admitting half of the handshake on a freshly
// accepted connection.
func (c *conn) accept(nc net.Conn, id bigmem.UniqueID) (*peer, hello, error) {
	nc.SetReadDeadline(time.Now().Add(helloTimeout))
	p := newPeer(nc)
	var h hello
	if err := p.dec.Decode(&h); err != nil {
		return nil, hello{}, err
	}
	nc.SetReadDeadline(time.Time{})
	if h.Token != id {
		return nil, hello{}, fmt.Errorf("token mismatch")
	}
	if h.Size != c.size {
		return nil, hello{}, fmt.Errorf("group size %d conflicts with size %d", h.Size, c.size)
	}
	if h.Rank <= c.rank || h.Rank >= c.size {
		return nil, hello{}, fmt.Errorf("bad peer rank %d", h.Rank)
	}
	p.rank = h.Rank
	return p, h, nil
}

func (c *conn) addPeer(p *peer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peers[p.rank] != nil {
		return fmt.Errorf("duplicate rank %d", p.rank)
	}
	c.peers[p.rank] = p
	return nil
}

// teardown closes every connection made so far. It is the abort path
// for bootstrap failures and cancellation.
func (c *conn) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.peers {
		if p != nil {
			p.nc.Close()
		}
	}
}

// dialRetry dials addr until it answers or ctx expires. The group's
// ranks may come up in any order, so refused connections are retried.
func dialRetry(ctx context.Context, addr string) (net.Conn, error) {
	var dialer net.Dialer
	for retries := 0; ; retries++ {
		nc, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return nc, nil
		}
		if werr := retry.Wait(ctx, dialPolicy, retries); werr != nil {
			return nil, err
		}
	}
}

// read owns p's decoder, demultiplexing inbound frames into their
// mailboxes until the connection fails or the conn is closed.
func (c *conn) read(p *peer) {
	defer c.wg.Done()
	for {
		var f frame
		if err := p.dec.Decode(&f); err != nil {
			p.fail(err)
			return
		}
		select {
		case c.mailbox(mailKey{from: p.rank, seq: f.Seq}) <- f.Payload:
		case <-c.closedc:
			return
		}
	}
}

// mailbox returns the payload slot for k, creating it on demand. A
// slot holds one payload: each (from, seq) pair carries at most one
// frame.
func (c *conn) mailbox(k mailKey) chan []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	mb := c.mail[k]
	if mb == nil {
		mb = make(chan []byte, 1)
		c.mail[k] = mb
	}
	return mb
}

func (c *conn) collect(k mailKey) {
	c.mu.Lock()
	delete(c.mail, k)
	c.mu.Unlock()
}

func (c *conn) peer(op string, r int) (*peer, error) {
	if r < 0 || r >= c.size || r == c.rank {
		return nil, errors.E(op, errors.InvalidInput, fmt.Sprintf("bad peer rank %d", r))
	}
	p := c.peers[r]
	if p == nil {
		return nil, errors.E(op, errors.Communication, fmt.Sprintf("no connection to rank %d", r))
	}
	return p, nil
}

func (c *conn) Local() bool { return false }

func (c *conn) Send(ctx context.Context, to int, seq uint64, b []byte) error {
	const op = "tcpmesh.Send"
	p, err := c.peer(op, to)
	if err != nil {
		return err
	}
	select {
	case <-c.closedc:
		return errors.E(op, errors.Communication, "connection is closed")
	case <-p.done:
		return errors.E(op, errors.Communication, fmt.Sprintf("rank %d", to), p.err)
	default:
	}
	if err := p.send(ctx, frame{Seq: seq, Payload: b}); err != nil {
		return errors.E(op, errors.Communication, fmt.Sprintf("rank %d", to), err)
	}
	return nil
}

func (c *conn) Recv(ctx context.Context, from int, seq uint64) ([]byte, error) {
	const op = "tcpmesh.Recv"
	p, err := c.peer(op, from)
	if err != nil {
		return nil, err
	}
	k := mailKey{from: from, seq: seq}
	mb := c.mailbox(k)
	select {
	case b := <-mb:
		c.collect(k)
		return b, nil
	case <-p.done:
		// The peer may have delivered the frame just before its
		// connection went down.
		select {
		case b := <-mb:
			c.collect(k)
			return b, nil
		default:
		}
		return nil, errors.E(op, errors.Communication, fmt.Sprintf("rank %d", from), p.err)
	case <-c.closedc:
		return nil, errors.E(op, errors.Communication, "connection is closed")
	case <-ctx.Done():
		return nil, errors.E(op, errors.Communication, ctx.Err())
	}
}

func (c *conn) Close(ctx context.Context) error {
	const op = "tcpmesh.Close"
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.E(op, errors.Logic, "connection is already closed")
	}
	c.closed = true
	close(c.closedc)
	c.mu.Unlock()
	var err error
	for _, p := range c.peers {
		if p == nil {
			continue
		}
		if cerr := p.nc.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	c.wg.Wait()
	if err != nil {
		return errors.E(op, errors.Communication, err)
	}
	return nil
}
