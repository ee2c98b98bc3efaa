// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package errors

import (
	"bytes"
	"encoding/gob"
	"errors"
	"testing"
)

func TestE(t *testing.T) {
	err := E("bigmem.Alloc", OutOfMemory, "rank 2")
	if got, want := err.Error(), "bigmem.Alloc: rank 2: out of memory"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if !Is(OutOfMemory, err) {
		t.Errorf("error %v should be out of memory", err)
	}
	if Is(Logic, err) {
		t.Errorf("error %v should not be a logic error", err)
	}
}

func TestKindLifting(t *testing.T) {
	cause := E("memio.LoadFromFile", InvalidValue, "trailing bytes")
	err := E("bigmem: load failed", cause)
	if got, want := KindOf(err), InvalidValue; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !Is(InvalidValue, err) {
		t.Errorf("error %v should be invalid value", err)
	}
}

func TestOpaqueCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := E("tcpmesh.Send", Communication, cause)
	if got, want := err.Error(), "tcpmesh.Send: communication error: connection reset"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := KindOf(err), Communication; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := KindOf(cause), Unknown; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestGob(t *testing.T) {
	for _, err := range []error{
		E("bigmem.Create", InvalidInput, "rank 7 out of range"),
		E("bigmem.Alloc", Logic, E("diverging arguments")),
		E("memio.StoreToFile", errors.New("disk full")),
		New("plain message"),
	} {
		var b bytes.Buffer
		if err := gob.NewEncoder(&b).Encode(Recover(err)); err != nil {
			t.Fatal(err)
		}
		e := new(Error)
		if err := gob.NewDecoder(&b).Decode(e); err != nil {
			t.Fatal(err)
		}
		if got, want := e.Error(), err.Error(); got != want {
			t.Errorf("got %q, want %q", got, want)
		}
		if got, want := KindOf(e), KindOf(err); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestRecover(t *testing.T) {
	if Recover(nil) != nil {
		t.Error("recover of nil should be nil")
	}
	err := errors.New("not ours")
	e := Recover(err)
	if got, want := e.Message, "not ours"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if again := Recover(e); again != e {
		t.Error("recover of an *Error should be the identity")
	}
}
