// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmem

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync/atomic"

	"github.com/grailbio/bigmem/errors"
	"golang.org/x/sync/errgroup"
)

// nextSeq reserves the sequence number for the communicator's next
// collective. Ranks issue collectives in identical order, so their
// counters advance in lockstep.
func (c *Comm) nextSeq() uint64 {
	return atomic.AddUint64(&c.seq, 1)
}

// allgather sends payload to every peer under seq and returns the
// group's payloads indexed by rank, the caller's own included. Sends
// and receives proceed concurrently so that no pairwise ordering can
// deadlock.
func (c *Comm) allgather(ctx context.Context, op string, seq uint64, payload []byte) ([][]byte, error) {
	gathered := make([][]byte, c.size)
	gathered[c.rank] = payload
	g, gctx := errgroup.WithContext(ctx)
	for peer := 0; peer < c.size; peer++ {
		if peer == c.rank {
			continue
		}
		peer := peer
		g.Go(func() error {
			return c.conn.Send(gctx, peer, seq, payload)
		})
		g.Go(func() error {
			p, err := c.conn.Recv(gctx, peer, seq)
			if err == nil {
				gathered[peer] = p
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		if errors.KindOf(err) == errors.Unknown {
			return nil, errors.E(op, errors.Communication, err)
		}
		return nil, errors.E(op, err)
	}
	c.stats.Int("collectives").Add(1)
	c.stats.Int("bytes-exchanged").Add(int64(len(payload)) * int64(c.size-1))
	return gathered, nil
}

// share distributes live byte slices across a shared-address-space
// group: every rank contributes its slice and receives the full
// table. It is used to publish allocation segments and chunk tables.
func (c *Comm) share(ctx context.Context, op string, local []byte) ([][]byte, error) {
	sc, ok := c.conn.(SharedConn)
	if !ok {
		return nil, errors.E(op, errors.NotSupported,
			fmt.Sprintf("transport %s has no shared address space", c.transport))
	}
	shared, err := sc.Share(ctx, c.nextSeq(), local)
	if err != nil {
		if errors.KindOf(err) == errors.Unknown {
			return nil, errors.E(op, errors.Communication, err)
		}
		return nil, errors.E(op, err)
	}
	c.stats.Int("collectives").Add(1)
	return shared, nil
}

// A rankStatus reports the outcome of one rank's local phase of a
// collective operation, along with a fingerprint of the arguments the
// rank was called with and, for distributed allocations, the backend
// it would use.
type rankStatus struct {
	Err     *errors.Error
	ArgHash uint64
	Backend DistributedBackend
}

// exchangeStatus runs the verdict exchange concluding the local phase
// of a fallible collective: every rank reports its status, and every
// rank applies the same rules to the gathered statuses, arriving at
// the same verdict. Argument divergence is a Logic error and backend
// divergence a NotSupported error on every rank; otherwise, if any
// rank failed, every rank returns an error of the lowest-numbered
// failing rank's kind. Only an all-success verdict lets the
// collective proceed to phases that block on peer participation, so
// no rank is left waiting for peers that have already returned.
func (c *Comm) exchangeStatus(ctx context.Context, op string, seq uint64, st rankStatus) error {
	p, err := gobEncode(st)
	if err != nil {
		return errors.E(op, err)
	}
	gathered, err := c.allgather(ctx, op, seq, p)
	if err != nil {
		return err
	}
	sts := make([]rankStatus, c.size)
	for r, pp := range gathered {
		if r == c.rank {
			sts[r] = st
			continue
		}
		if err := gobDecode(pp, &sts[r]); err != nil {
			return errors.E(op, errors.Communication, fmt.Sprintf("bad status from rank %d", r), err)
		}
	}
	for r := range sts {
		if sts[r].ArgHash != st.ArgHash {
			return errors.E(op, errors.Logic,
				fmt.Sprintf("rank %d and rank %d called with diverging arguments", r, c.rank))
		}
		if sts[r].Backend != st.Backend {
			return errors.E(op, errors.NotSupported,
				fmt.Sprintf("rank %d uses distributed backend %s; rank %d uses %s", r, sts[r].Backend, c.rank, st.Backend))
		}
	}
	for r := range sts {
		if sts[r].Err == nil {
			continue
		}
		if r == c.rank {
			return st.Err
		}
		return errors.E(op, sts[r].Err.Kind, fmt.Sprintf("rank %d: %s", r, sts[r].Err))
	}
	return nil
}

func gobEncode(v interface{}) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(v); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func gobDecode(p []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(p)).Decode(v)
}
