// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package errors defines the error representation used throughout
// bigmem. Errors carry a Kind, drawn from the closed set of failure
// classes of the distributed memory interface, so that a rank can act
// on a peer's failure without parsing message text. Errors are
// gob-encodable and thus may cross rank boundaries intact during
// collective status exchanges.
//
// The interface's success code is represented by a nil error, per Go
// convention.
package errors

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"strings"
)

// Kind classifies an error.
type Kind int

const (
	// Unknown is the zero Kind: an error of unclassified cause, such
	// as one adopted from another package.
	Unknown Kind = iota
	// NotImplemented indicates the operation is recognized but not
	// provided by this implementation.
	NotImplemented
	// Logic indicates a violation of the caller's contract: an
	// operation on a freed handle, collective calls made in divergent
	// order or with divergent arguments, use of the library before
	// initialization.
	Logic
	// Transport indicates a failure of the backing store or device
	// arena underneath an allocation.
	Transport
	// Communication indicates a failure moving bytes between ranks:
	// a dead peer, a rejected handshake, a cancelled exchange.
	Communication
	// InvalidInput indicates a malformed argument: a rank out of
	// range, a nil handle, an unregistered transport name.
	InvalidInput
	// InvalidValue indicates a semantically invalid argument: a size
	// that does not divide evenly, an out-of-range offset.
	InvalidValue
	// OutOfMemory indicates an allocation exceeded the available
	// backing store.
	OutOfMemory
	// NotSupported indicates the operation is valid but unavailable
	// in this configuration, such as a memory type the communicator's
	// transport cannot provide.
	NotSupported

	maxKind
)

var kindStrings = [maxKind]string{
	Unknown:        "unknown error",
	NotImplemented: "not implemented",
	Logic:          "logic error",
	Transport:      "transport error",
	Communication:  "communication error",
	InvalidInput:   "invalid input",
	InvalidValue:   "invalid value",
	OutOfMemory:    "out of memory",
	NotSupported:   "not supported",
}

// String returns a human-readable description of the kind k.
func (k Kind) String() string {
	if k < 0 || k >= maxKind {
		return "invalid error kind"
	}
	return kindStrings[k]
}

// Error is the concrete type of errors returned by bigmem. Callers
// should not generally construct Errors directly; use E instead.
type Error struct {
	// Kind is the error's class.
	Kind Kind
	// Message describes the failed operation and its context.
	Message string
	// Err is the underlying cause, if any.
	Err error
}

// E constructs an error from its arguments. Each argument is
// interpreted by type: a Kind sets the error's kind; an error becomes
// the underlying cause; everything else is formatted into the
// message, with multiple parts joined by ": ". If no kind is given
// and the cause is itself an *Error, the cause's kind is lifted so
// that wrapping preserves classification.
func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("errors.E called with no arguments")
	}
	e := new(Error)
	var parts []string
	for _, arg := range args {
		switch arg := arg.(type) {
		case Kind:
			e.Kind = arg
		case error:
			e.Err = arg
		case string:
			parts = append(parts, arg)
		default:
			parts = append(parts, fmt.Sprint(arg))
		}
	}
	e.Message = strings.Join(parts, ": ")
	if e.Kind == Unknown {
		if cause, ok := e.Err.(*Error); ok {
			e.Kind = cause.Kind
		}
	}
	return e
}

// New returns an error with the given message and Unknown kind.
func New(message string) error {
	return &Error{Message: message}
}

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Message != "" {
		b.WriteString(e.Message)
	}
	if e.Kind != Unknown {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Kind.String())
	}
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	if b.Len() == 0 {
		return Unknown.String()
	}
	return b.String()
}

// Is tells whether err is of kind kind. If err's outermost kind is
// Unknown, its chain of causes is consulted.
func Is(kind Kind, err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	if e.Kind != Unknown {
		return e.Kind == kind
	}
	if e.Err != nil {
		return Is(kind, e.Err)
	}
	return kind == Unknown
}

// KindOf returns the kind of err: the first non-Unknown kind along
// its chain of causes, or Unknown if there is none (or if err is not
// an *Error).
func KindOf(err error) Kind {
	for {
		e, ok := err.(*Error)
		if !ok {
			return Unknown
		}
		if e.Kind != Unknown || e.Err == nil {
			return e.Kind
		}
		err = e.Err
	}
}

// Recover returns err as an *Error, converting foreign errors as
// needed. It is used to normalize errors before they cross a rank
// boundary. Recover returns nil if err is nil.
func Recover(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Message: err.Error()}
}

// gobError is the wire form of an Error: the cause chain is
// flattened, with non-*Error causes reduced to their messages.
type gobError struct {
	Kind    Kind
	Message string
	Next    *gobError
	Opaque  string
}

func flatten(e *Error) *gobError {
	g := &gobError{Kind: e.Kind, Message: e.Message}
	switch err := e.Err.(type) {
	case nil:
	case *Error:
		g.Next = flatten(err)
	default:
		g.Opaque = err.Error()
	}
	return g
}

func unflatten(g *gobError) *Error {
	e := &Error{Kind: g.Kind, Message: g.Message}
	if g.Next != nil {
		e.Err = unflatten(g.Next)
	} else if g.Opaque != "" {
		e.Err = &Error{Message: g.Opaque}
	}
	return e
}

// GobEncode implements gob.GobEncoder.
func (e *Error) GobEncode() ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(flatten(e)); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (e *Error) GobDecode(p []byte) error {
	var g gobError
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&g); err != nil {
		return err
	}
	*e = *unflatten(&g)
	return nil
}
