// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmem

import (
	"bytes"
	"strings"
	"testing"

	"github.com/grailbio/bigmem/errors"
)

func TestUniqueID(t *testing.T) {
	id, err := NewUniqueID("tcpmesh", []byte("10.0.0.1:4000"))
	if err != nil {
		t.Fatal(err)
	}
	transport, payload, err := ParseUniqueID(id)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := transport, "tcpmesh"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := payload, []byte("10.0.0.1:4000"); !bytes.Equal(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
	if !strings.HasPrefix(id.String(), "bmem:tcpmesh:") {
		t.Errorf("bad token string %q", id.String())
	}
}

func TestUniqueIDDistinct(t *testing.T) {
	// Tokens minted from identical arguments must still name distinct
	// groups.
	a, err := NewUniqueID("loopback", nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewUniqueID("loopback", nil)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("tokens are not distinct")
	}
}

func TestUniqueIDErrors(t *testing.T) {
	if _, err := NewUniqueID("", nil); !errors.Is(errors.InvalidInput, err) {
		t.Errorf("got %v, want InvalidInput", err)
	}
	if _, err := NewUniqueID("tcpmesh", make([]byte, UniqueIDBytes)); !errors.Is(errors.InvalidInput, err) {
		t.Errorf("got %v, want InvalidInput", err)
	}
	var zero UniqueID
	if _, _, err := ParseUniqueID(zero); !errors.Is(errors.InvalidInput, err) {
		t.Errorf("got %v, want InvalidInput", err)
	}
	if got, want := zero.String(), "bmem:invalid"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestUniqueIDPayloadSizes(t *testing.T) {
	// The largest payload that fits alongside the header and the
	// random fill must round-trip; one byte more must not.
	header := len(uniqueIDMagic) + 1 + 1 + len("t") + 2
	max := UniqueIDBytes - header - uniqueIDSecret
	payload := bytes.Repeat([]byte{0xa5}, max)
	id, err := NewUniqueID("t", payload)
	if err != nil {
		t.Fatal(err)
	}
	_, got, err := ParseUniqueID(id)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("payload did not round-trip")
	}
	if _, err := NewUniqueID("t", append(payload, 0)); !errors.Is(errors.InvalidInput, err) {
		t.Errorf("got %v, want InvalidInput", err)
	}
}
