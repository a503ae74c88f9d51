// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package errors implements the error type used throughout the vault
// pipeline. Every error carries a Kind, which classifies the failure
// for the layer that ultimately presents it (e.g., "wrong password"
// vs. "download failed"), and a Severity, which tells callers whether
// the failing operation may be retried.
//
// Errors are constructed with E, which interprets its arguments by
// type, and may be chained: an error's cause is printed after its own
// message. Errors that cross into the UI layer should be passed
// through Redact, which drops causes so that no lower-level detail
// (and in particular no key material) leaks into user-visible text.
package errors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/grailbio/mediavault/log"
)

// Separator defines the separation string inserted between
// chained errors in error messages.
var Separator = ":\n\t"

// Kind defines the type of error. Kinds are semantically
// meaningful, and may be interpreted by the receiver of an error
// (e.g., to decide between "wrong password" and "try again").
type Kind int

const (
	// Other indicates an unknown error.
	Other Kind = iota
	// Canceled indicates a context cancellation.
	Canceled
	// Timeout indicates an operation time out.
	Timeout
	// Invalid indicates that the caller supplied invalid parameters,
	// such as a salt of the wrong length or a malformed sealed string.
	Invalid
	// NotExist indicates a nonexistent resource.
	NotExist
	// AuthenticationFailed indicates that a key-encryption key failed to
	// unwrap a wrapped key. A wrong password and a corrupted wrapped key
	// are reported identically.
	AuthenticationFailed
	// Integrity indicates that authenticated decryption of content or
	// metadata failed: the data was truncated, tampered with, or
	// encrypted under a different key or IV.
	Integrity
	// Transfer indicates a network or object-storage failure.
	Transfer
	// Locked indicates that an operation requiring an unlocked vault was
	// invoked without one.
	Locked
	// Precondition indicates that an object was used out of sequence,
	// e.g. a cipher session receiving chunks out of order.
	Precondition
	// TooManyTries indicates a retry budget was exhausted.
	TooManyTries

	maxKind
)

var kinds = map[Kind]string{
	Other:                "unknown error",
	Canceled:             "operation was canceled",
	Timeout:              "operation timed out",
	Invalid:              "invalid argument",
	NotExist:             "resource does not exist",
	AuthenticationFailed: "authentication failed",
	Integrity:            "integrity check failed",
	Transfer:             "transfer failed",
	Locked:               "vault is locked",
	Precondition:         "precondition failed",
	TooManyTries:         "too many tries",
}

// String returns a human-readable explanation of the error kind k.
func (k Kind) String() string {
	return kinds[k]
}

// Severity defines an Error's severity. An Error's severity determines
// whether an error-producing operation may be retried or not.
type Severity int

const (
	// Retriable indicates that the failing operation can be safely retried,
	// regardless of application context.
	Retriable Severity = -2
	// Temporary indicates that the underlying error condition is likely
	// temporary, and can be possibly be retried. However, such errors
	// should be retried in an application specific context.
	Temporary Severity = -1
	// Unknown indicates the error's severity is unknown. This is the default
	// severity level.
	Unknown Severity = 0
	// Fatal indicates that the underlying error condition is unrecoverable;
	// retrying is unlikely to help.
	Fatal Severity = 1
)

var severities = map[Severity]string{
	Retriable: "retriable",
	Temporary: "temporary",
	Unknown:   "unknown",
	Fatal:     "fatal",
}

// String returns a human-readable explanation of the error severity s.
func (s Severity) String() string {
	return severities[s]
}

// Error is the standard error type, carrying a kind (error code),
// message (error message), and potentially an underlying error.
// Errors should be constructed by errors.E, which interprets
// arguments according to a set of rules.
type Error struct {
	// Kind is the error's type.
	Kind Kind
	// Severity is an optional severity.
	Severity Severity
	// Message is an optional error message associated with this error.
	Message string
	// Err is the error that caused this error, if any.
	// Errors can form chains through Err: the full chain is printed
	// by Error().
	Err error
}

// E constructs a new errors from the provided arguments. It is meant
// as a convenient way to construct, annotate, and wrap errors.
//
// Arguments are interpreted according to their types:
//
//   - Kind: sets the Error's kind
//   - Severity: set the Error's severity
//   - string: sets the Error's message; multiple strings are
//     separated by a single space
//   - *Error: copies the error and sets the error's cause
//   - error: sets the Error's cause
//
// If an unrecognized argument type is encountered, an error with
// kind Invalid is returned.
//
// If a kind is not provided, but an underlying error is, E attempts to
// interpret the underlying error according to a set of conventions,
// in order:
//
//   - If errors.Is(err, os.ErrNotExist), its kind is set to NotExist.
//   - If the error is context.Canceled, its kind is set to Canceled.
//   - If the error is context.DeadlineExceeded or implements
//     interface { Timeout() bool } returning true, its kind is set to
//     Timeout.
//
// If the underlying error is another *Error, and a kind is not provided,
// the returned error inherits that error's kind.
//
// Errors of kind AuthenticationFailed or Integrity are always Fatal:
// retrying a wrong password or a tampered blob cannot succeed.
func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("no args")
	}
	e := new(Error)
	var msg strings.Builder
	for _, arg := range args {
		switch arg := arg.(type) {
		case Kind:
			e.Kind = arg
		case Severity:
			e.Severity = arg
		case string:
			if msg.Len() > 0 {
				msg.WriteString(" ")
			}
			msg.WriteString(arg)
		case *Error:
			copy := *arg
			if len(args) == 1 {
				// In this case, we're not adding anything new;
				// just return the copy.
				return &copy
			}
			e.Err = &copy
		case error:
			e.Err = arg
		default:
			_, file, line, _ := runtime.Caller(1)
			log.Error.Printf("errors.E: bad call (type %T) from %s:%d: %v", arg, file, line, arg)
			return &Error{
				Kind:    Invalid,
				Message: fmt.Sprintf("unknown type %T, value %v in error call", arg, arg),
			}
		}
	}
	e.Message = msg.String()
	if e.Err != nil {
		switch prev := e.Err.(type) {
		case *Error:
			if prev.Kind == e.Kind || e.Kind == Other {
				e.Kind = prev.Kind
				prev.Kind = Other
			}
			if prev.Severity == e.Severity || e.Severity == Unknown {
				e.Severity = prev.Severity
				prev.Severity = Unknown
			}
		default:
			if e.Kind != Other {
				break
			}
			switch {
			case errors.Is(e.Err, os.ErrNotExist):
				e.Kind = NotExist
			case errors.Is(e.Err, context.Canceled):
				e.Kind = Canceled
			case errors.Is(e.Err, context.DeadlineExceeded):
				e.Kind = Timeout
			default:
				if err, ok := e.Err.(interface {
					Timeout() bool
				}); ok && err.Timeout() {
					e.Kind = Timeout
				}
			}
		}
	}
	if e.Kind == AuthenticationFailed || e.Kind == Integrity {
		e.Severity = Fatal
	}
	return e
}

// Recover recovers any error into an *Error. If the passed-in Error is already
// an error, it is simply returned; otherwise it is wrapped in an error.
func Recover(err error) *Error {
	if err == nil {
		return nil
	}
	if err, ok := err.(*Error); ok {
		return err
	}
	return E(err).(*Error)
}

// Error returns a human readable string describing this error.
// It uses the separator defined by errors.Separator.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b bytes.Buffer
	e.writeError(&b)
	return b.String()
}

func (e *Error) writeError(b *bytes.Buffer) {
	if e.Message != "" {
		pad(b, ": ")
		b.WriteString(e.Message)
	}
	if e.Kind != Other {
		pad(b, ": ")
		b.WriteString(e.Kind.String())
	}
	if e.Severity != Unknown {
		pad(b, " ")
		b.WriteByte('(')
		b.WriteString(e.Severity.String())
		b.WriteByte(')')
	}

	if e.Err == nil {
		return
	}
	if err, ok := e.Err.(*Error); ok {
		pad(b, Separator)
		b.WriteString(err.Error())
	} else {
		pad(b, ": ")
		b.WriteString(e.Err.Error())
	}
}

// Unwrap returns e's cause, if any, so that the standard library's
// errors.Is and errors.As can inspect the chain.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same kind as e, so
// that errors.Is(err, &errors.Error{Kind: errors.Integrity}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind != Other && t.Kind == e.Kind
}

// Timeout tells whether this error is a timeout error.
func (e *Error) Timeout() bool {
	return e.Kind == Timeout
}

// Temporary tells whether this error is temporary.
func (e *Error) Temporary() bool {
	return e.Severity <= Temporary
}

// Is tells whether an error has a specified kind, except for the
// indeterminate kind Other. In the case an error has kind Other, the
// chain is traversed until a non-Other error is encountered.
func Is(kind Kind, err error) bool {
	if err == nil {
		return false
	}
	return is(kind, Recover(err))
}

func is(kind Kind, e *Error) bool {
	if e.Kind != Other {
		return e.Kind == kind
	}
	if e.Err != nil {
		if e2, ok := e.Err.(*Error); ok {
			return is(kind, e2)
		}
	}
	return false
}

// KindOf returns the first non-Other kind in err's chain, or Other.
func KindOf(err error) Kind {
	for e := Recover(err); e != nil; {
		if e.Kind != Other {
			return e.Kind
		}
		next, ok := e.Err.(*Error)
		if !ok {
			break
		}
		e = next
	}
	return Other
}

// IsTemporary tells whether the provided error is likely temporary.
func IsTemporary(err error) bool {
	return Recover(err).Temporary()
}

// Redact returns an error suitable for presentation outside the
// pipeline: it retains err's kind, severity and outermost message but
// none of its causes. Redact returns nil for a nil error.
func Redact(err error) error {
	if err == nil {
		return nil
	}
	e := Recover(err)
	return &Error{Kind: KindOf(e), Severity: e.Severity, Message: e.Message}
}

// Match tells whether every nonempty field in err1
// matches the corresponding fields in err2. The comparison
// recurses on chained errors. Match is designed to aid in
// testing errors.
func Match(err1, err2 error) bool {
	var (
		e1 = Recover(err1)
		e2 = Recover(err2)
	)
	if e1.Kind != Other && e1.Kind != e2.Kind {
		return false
	}
	if e1.Severity != Unknown && e1.Severity != e2.Severity {
		return false
	}
	if e1.Message != "" && e1.Message != e2.Message {
		return false
	}
	if e1.Err != nil {
		if e2.Err == nil {
			return false
		}
		switch e1.Err.(type) {
		case *Error:
			return Match(e1.Err, e2.Err)
		default:
			return e1.Err.Error() == e2.Err.Error()
		}
	}
	return true
}

// New is synonymous with errors.New, and is provided here so that
// users need only import one errors package.
func New(msg string) error {
	return errors.New(msg)
}

func pad(b *bytes.Buffer, s string) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(s)
}
