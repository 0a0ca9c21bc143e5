// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package duplex

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionClosed is reported to calls that were still pending when the
	// session ended, and to calls issued after that point.
	ErrSessionClosed = errors.New("session closed")

	// ErrDuplicateID is reported if an outbound call ID is already pending.
	// It is fatal to the session.
	ErrDuplicateID = errors.New("duplicate call ID")

	// ErrNotStarted is reported by calls on a peer that is not running.
	ErrNotStarted = errors.New("peer is not started")
)

// DecodeError is the concrete type of errors reported when an inbound message
// cannot be decoded. The message is dropped, and the session continues.
type DecodeError struct {
	Data []byte // the undecodable message
	Err  error  // the reason decoding failed
}

func (d *DecodeError) Error() string { return fmt.Sprintf("invalid message: %v", d.Err) }

// Unwrap reports the underlying error of d.
func (d *DecodeError) Unwrap() error { return d.Err }

// UnknownMethodError reports a call for a method that has no handler.
type UnknownMethodError struct {
	Method string
}

func (u UnknownMethodError) Error() string {
	return fmt.Sprintf("unknown inbound method %q", u.Method)
}

// CallError is the concrete type of errors reported by the Call method of a
// Peer. For errors reported by the remote peer, Err is nil and Message holds
// the text of the error. Otherwise Err reports the local cause, such as
// ErrSessionClosed or a context error.
type CallError struct {
	ID      int64  // the call ID, or 0 if none was assigned
	Method  string // the method name
	Message string // the remote error message, if Err == nil
	Err     error  // nil for remote errors
}

// Remote reports whether c was reported by the remote peer.
func (c *CallError) Remote() bool { return c.Err == nil }

// Unwrap reports the underlying error of c. If c.Err == nil, this is nil.
func (c *CallError) Unwrap() error { return c.Err }

// Error satisfies the error interface.
func (c *CallError) Error() string {
	if c.Err != nil {
		return fmt.Sprintf("call %q: %v", c.Method, c.Err)
	}
	return fmt.Sprintf("call %q: remote error: %s", c.Method, c.Message)
}

// sessionError returns the error delivered to pending calls when the session
// ends because of err.
func sessionError(err error) error {
	if err == nil || treatErrorAsSuccess(err) {
		return ErrSessionClosed
	}
	return fmt.Errorf("%w: %w", ErrSessionClosed, err)
}
