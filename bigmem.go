// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmem

import (
	"sync"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmem/errors"
)

// Library states.
const (
	libIdle = iota
	libRunning
)

var (
	libMu    sync.Mutex
	libState = libIdle
	libComms = make(map[*Comm]bool)
)

// Init readies the library for use. It must be called in each
// participating process before any communicator is created. Calling
// Init on an already-initialized library is a Logic error.
func Init() error {
	libMu.Lock()
	defer libMu.Unlock()
	if libState == libRunning {
		return errors.E("bigmem.Init", errors.Logic, "already initialized")
	}
	libState = libRunning
	return nil
}

// Finalize shuts the library down, returning it to its uninitialized
// state; a later Init starts a fresh session. Communicators still
// alive are closed forcibly, without collective teardown: their
// peers in other processes observe communication errors. Finalize
// before Init is a Logic error.
func Finalize() error {
	libMu.Lock()
	if libState == libIdle {
		libMu.Unlock()
		return errors.E("bigmem.Finalize", errors.Logic, "not initialized")
	}
	comms := make([]*Comm, 0, len(libComms))
	for c := range libComms {
		comms = append(comms, c)
	}
	libComms = make(map[*Comm]bool)
	libState = libIdle
	libMu.Unlock()
	for _, c := range comms {
		log.Error.Printf("bigmem: communicator %s still alive at finalize; closing", c)
		c.abort()
	}
	return nil
}

// ensureRunning verifies that the library has been initialized and
// not finalized, returning a Logic error on op's behalf otherwise.
func ensureRunning(op string) error {
	libMu.Lock()
	defer libMu.Unlock()
	if libState != libRunning {
		return errors.E(op, errors.Logic, "bigmem is not initialized")
	}
	return nil
}

func registerComm(c *Comm) {
	libMu.Lock()
	libComms[c] = true
	libMu.Unlock()
}

func unregisterComm(c *Comm) {
	libMu.Lock()
	delete(libComms, c)
	libMu.Unlock()
}
