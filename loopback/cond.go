// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package loopback

import (
	"context"
	"sync"
)

// A cond is a condition variable with a context-aware wait. Group
// rendezvous (shares, symmetric registrations) block on it until the
// whole group has arrived or the waiter's context is done.
type cond struct {
	l     sync.Locker
	waitc chan struct{}
}

func newCond(l sync.Locker) *cond {
	return &cond{l: l}
}

// Broadcast notifies waiters of a state change. Broadcast must only
// be called while the cond's lock is held.
func (c *cond) Broadcast() {
	if c.waitc != nil {
		close(c.waitc)
		c.waitc = nil
	}
}

// Wait returns after the next call to Broadcast, or if the context
// is complete. The cond's lock must be held when calling Wait. An
// error returns with the context's error if the context completes
// while waiting.
func (c *cond) Wait(ctx context.Context) error {
	if c.waitc == nil {
		c.waitc = make(chan struct{})
	}
	waitc := c.waitc
	c.l.Unlock()
	var err error
	select {
	case <-waitc:
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.l.Lock()
	return err
}
