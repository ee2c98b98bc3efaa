// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmem

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/grailbio/bigmem/errors"
)

// UniqueIDBytes is the size of a communicator token.
const UniqueIDBytes = 128

// A UniqueID identifies one communicator group. A token is minted on
// one rank (or by a launcher) and distributed out of band to every
// rank of the group; the ranks then present the same token to Create.
// Tokens are opaque to callers: they embed the name of the transport
// that minted them, transport-specific rendezvous details, and random
// padding that keeps unrelated groups apart.
type UniqueID [UniqueIDBytes]byte

const (
	uniqueIDMagic   = "BMEM"
	uniqueIDVersion = 1
)

// uniqueIDSecret is the minimum number of random trailing bytes in a
// token; it bounds the payload a transport may embed.
const uniqueIDSecret = 32

// NewUniqueID mints a token for the named transport, embedding the
// transport's rendezvous payload and filling the remainder of the
// token with random bytes. It is intended for transport
// implementations; callers obtain tokens from a transport package,
// such as loopback.NewUniqueID or tcpmesh.NewUniqueID.
func NewUniqueID(transport string, payload []byte) (UniqueID, error) {
	const op = "bigmem.NewUniqueID"
	var id UniqueID
	if len(transport) == 0 || len(transport) > 0xff {
		return id, errors.E(op, errors.InvalidInput, fmt.Sprintf("bad transport name %q", transport))
	}
	header := len(uniqueIDMagic) + 1 + 1 + len(transport) + 2
	if header+len(payload)+uniqueIDSecret > UniqueIDBytes {
		return id, errors.E(op, errors.InvalidInput, fmt.Sprintf("rendezvous payload too large: %d bytes", len(payload)))
	}
	b := append(id[:0], uniqueIDMagic...)
	b = append(b, uniqueIDVersion, byte(len(transport)))
	b = append(b, transport...)
	var size [2]byte
	binary.LittleEndian.PutUint16(size[:], uint16(len(payload)))
	b = append(b, size[:]...)
	b = append(b, payload...)
	if _, err := rand.Read(id[len(b):]); err != nil {
		return UniqueID{}, errors.E(op, err)
	}
	return id, nil
}

// ParseUniqueID returns the transport name and rendezvous payload
// embedded in a token. Tokens not minted by NewUniqueID are rejected
// with an InvalidInput error.
func ParseUniqueID(id UniqueID) (transport string, payload []byte, err error) {
	const op = "bigmem.ParseUniqueID"
	b := id[:]
	if string(b[:len(uniqueIDMagic)]) != uniqueIDMagic || b[len(uniqueIDMagic)] != uniqueIDVersion {
		return "", nil, errors.E(op, errors.InvalidInput, "not a bigmem token")
	}
	b = b[len(uniqueIDMagic)+1:]
	nameLen := int(b[0])
	b = b[1:]
	if nameLen == 0 || nameLen+2 > len(b) {
		return "", nil, errors.E(op, errors.InvalidInput, "corrupt token")
	}
	transport = string(b[:nameLen])
	b = b[nameLen:]
	payloadLen := int(binary.LittleEndian.Uint16(b))
	b = b[2:]
	if payloadLen > len(b)-uniqueIDSecret {
		return "", nil, errors.E(op, errors.InvalidInput, "corrupt token")
	}
	return transport, b[:payloadLen], nil
}

// String renders an abbreviated form of the token for logs.
func (id UniqueID) String() string {
	transport, _, err := ParseUniqueID(id)
	if err != nil {
		return "bmem:invalid"
	}
	return fmt.Sprintf("bmem:%s:%s", transport, hex.EncodeToString(id[UniqueIDBytes-4:]))
}
