// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package channel

import (
	"io"
	"net"
	"sync"

	"github.com/creachadair/duplex"
	"github.com/creachadair/mds/queue"
)

// Queue constructs a connected pair of in-memory channels with unbounded
// buffering in each direction. Messages sent to A are received by B and vice
// versa. Send never blocks, which makes the pair behave like a network
// socket whose peer is always ready to read.
//
// Messages sent before one end closes are still delivered to the other end,
// which then reports io.EOF.
func Queue() (A, B duplex.Channel) {
	a2b, b2a := newMailbox(), newMailbox()
	ea, eb := newEndpoint(), newEndpoint()
	A = &queued{send: a2b, recv: b2a, self: ea, peer: eb}
	B = &queued{send: b2a, recv: a2b, self: eb, peer: ea}
	return
}

// A mailbox is an unbounded FIFO of messages with a wakeup signal.
type mailbox struct {
	μ     sync.Mutex
	msgs  queue.Queue[[]byte]
	ready chan struct{} // buffered, signals that msgs may be non-empty
}

func newMailbox() *mailbox { return &mailbox{ready: make(chan struct{}, 1)} }

func (m *mailbox) put(msg []byte) {
	m.μ.Lock()
	m.msgs.Add(msg)
	m.μ.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() ([]byte, bool) {
	m.μ.Lock()
	defer m.μ.Unlock()
	return m.msgs.Pop()
}

type queued struct {
	send, recv *mailbox
	self, peer *endpoint
}

// Send implements a method of the [duplex.Channel] interface.
func (q *queued) Send(msg []byte) error {
	if q.self.isClosed() {
		return net.ErrClosed
	} else if q.peer.isClosed() {
		return io.ErrClosedPipe
	}
	q.send.put(msg)
	return nil
}

// Recv implements a method of the [duplex.Channel] interface.
func (q *queued) Recv() ([]byte, error) {
	for {
		if q.self.isClosed() {
			return nil, net.ErrClosed
		}
		if msg, ok := q.recv.take(); ok {
			return msg, nil
		}
		select {
		case <-q.recv.ready:
		case <-q.self.done:
			return nil, net.ErrClosed
		case <-q.peer.done:
			if msg, ok := q.recv.take(); ok {
				return msg, nil
			}
			return nil, io.EOF
		}
	}
}

// Close implements a method of the [duplex.Channel] interface.
func (q *queued) Close() error { return q.self.close() }
