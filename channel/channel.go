// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the duplex.Channel interface.
package channel

import (
	"bufio"
	"io"
	"net"
	"reflect"
	"sync"

	"github.com/creachadair/duplex"
)

// An endpoint records whether one end of an in-memory pair has closed.
type endpoint struct {
	once sync.Once
	done chan struct{}
}

func newEndpoint() *endpoint { return &endpoint{done: make(chan struct{})} }

// close marks e closed, and reports net.ErrClosed if it was already closed.
func (e *endpoint) close() (err error) {
	err = net.ErrClosed
	e.once.Do(func() { close(e.done); err = nil })
	return err
}

func (e *endpoint) isClosed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Direct constructs a connected pair of in-memory channels that pass messages
// directly without framing. Messages sent to A are received by B and vice
// versa. A send blocks until the other end receives the message.
//
// Closing either end causes pending and future operations on that end to
// report net.ErrClosed, and operations on the other end to report io.EOF.
func Direct() (A, B duplex.Channel) {
	a2b, b2a := make(chan []byte), make(chan []byte)
	ea, eb := newEndpoint(), newEndpoint()
	A = direct{send: a2b, recv: b2a, self: ea, peer: eb}
	B = direct{send: b2a, recv: a2b, self: eb, peer: ea}
	return
}

type direct struct {
	send chan<- []byte
	recv <-chan []byte
	self *endpoint
	peer *endpoint
}

// Send implements a method of the [duplex.Channel] interface.
func (d direct) Send(msg []byte) error {
	if d.self.isClosed() {
		return net.ErrClosed
	}
	select {
	case d.send <- msg:
		return nil
	case <-d.self.done:
		return net.ErrClosed
	case <-d.peer.done:
		return io.ErrClosedPipe
	}
}

// Recv implements a method of the [duplex.Channel] interface.
func (d direct) Recv() ([]byte, error) {
	if d.self.isClosed() {
		return nil, net.ErrClosed
	}
	select {
	case msg := <-d.recv:
		return msg, nil
	case <-d.self.done:
		return nil, net.ErrClosed
	case <-d.peer.done:
		return nil, io.EOF
	}
}

// Close implements a method of the [duplex.Channel] interface.
func (d direct) Close() error { return d.self.close() }

// IO constructs a channel that receives from r and sends to wc.
// Each message is framed with a fixed header (see [WriteFrame]).
//
// Closing the channel closes wc, and also r if it implements [io.Closer] and
// is not the same value as wc.
func IO(r io.Reader, wc io.WriteCloser) IOChannel {
	// N.B. The bufio package will reuse existing buffers if possible.
	c := IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: []io.Closer{wc}}
	if rc, ok := r.(io.Closer); ok && !sameCloser(rc, wc) {
		c.c = append(c.c, rc)
	}
	return c
}

func sameCloser(a, b io.Closer) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	return ta == tb && ta.Comparable() && a == b
}

// An IOChannel sends and receives framed messages on a reader and a writer.
type IOChannel struct {
	r *bufio.Reader
	w *bufio.Writer
	c []io.Closer
}

// Send implements a method of the [duplex.Channel] interface.
func (c IOChannel) Send(msg []byte) error {
	if _, err := WriteFrame(c.w, msg); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [duplex.Channel] interface.
func (c IOChannel) Recv() ([]byte, error) {
	msg, _, err := ReadFrame(c.r)
	return msg, err
}

// Close implements a method of the [duplex.Channel] interface.
func (c IOChannel) Close() error {
	var first error
	for _, cl := range c.c {
		if err := cl.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
