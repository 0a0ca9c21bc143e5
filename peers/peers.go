// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for managing and testing peers.
package peers

import (
	"context"
	"errors"
	"net"

	"github.com/creachadair/duplex"
	"github.com/creachadair/duplex/channel"
	"github.com/creachadair/taskgroup"
)

// Local is a pair of in-memory connected peers, suitable for testing.
type Local struct {
	A *duplex.Peer
	B *duplex.Peer
}

// Stop shuts down both the peers and blocks until both have exited.
func (p *Local) Stop() error {
	aerr := p.A.Stop()
	berr := p.B.Stop()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal creates a pair of in-memory connected peers that communicate via
// an unbounded queue channel (see [channel.Queue]).
func NewLocal() *Local {
	a2b, b2a := channel.Queue()
	return &Local{
		A: duplex.NewPeer().Start(a2b),
		B: duplex.NewPeer().Start(b2a),
	}
}

// Pair starts a and b on opposite ends of a new in-memory queue channel, and
// returns them as a Local. The peers must not already be running.
func Pair(a, b *duplex.Peer) *Local {
	a2b, b2a := channel.Queue()
	return &Local{A: a.Start(a2b), B: b.Start(b2a)}
}

// An Accepter accepts channels from remote peers.
type Accepter interface {
	Accept(context.Context) (duplex.Channel, error)
}

// Loop accepts connections from acc and starts a peer for each one in a
// goroutine, using newPeer to construct an unstarted peer. Loop continues
// until acc closes or ctx ends.
//
// When ctx terminates, all running peers are stopped. When acc closes, the
// loop waits for running peers to exit before returning.
func Loop(ctx context.Context, acc Accepter, newPeer func() *duplex.Peer) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			return newPeer().Run(ctx, ch)
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (duplex.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}
