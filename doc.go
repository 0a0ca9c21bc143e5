// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package duplex implements typed method calls in both directions between two
// peers sharing one ordered, message-oriented channel.
//
// Each peer exposes an "inbound" set of methods that the other peer calls, and
// calls the other peer's methods as its "outbound" set. Every call is carried
// in a self-contained JSON [Envelope]:
//
//	{"id": 7, "i": "ChatServer", "m": "CreateChannel", "k": 0, "p": {"Channel": "general"}}
//
// There are three kinds of envelope. A request expects exactly one response,
// matched to it by ID. A response carries either a result payload or an
// error message, never both. A notification expects no reply at all.
//
// # Peers
//
// The core type defined by this package is the [Peer]. Peers concurrently
// initiate and service calls with another peer over a [Channel].
//
// To create a new, unstarted peer:
//
//	p := duplex.NewPeer()
//
// To start the service routine, call the Start method with a channel connected
// to another peer:
//
//	p.Start(ch)
//
// The peer runs until [Peer.Stop] is called, the channel is closed by the
// remote peer, or a protocol fatal error occurs. Call [Peer.Wait] to wait for
// the peer to exit and return its status:
//
//	if err := p.Wait(); err != nil {
//	   log.Fatalf("Peer failed: %v", err)
//	}
//
// Alternatively, [Peer.Run] starts the peer and runs it until a context ends.
//
// When a peer stops, every call still waiting for a response fails with an
// error matching [ErrSessionClosed].
//
// # Channels
//
// The [Channel] interface defines the ability to send and receive whole
// messages. A Channel implementation must allow concurrent use by one sender
// and one receiver. The channel package provides some basic implementations
// of this interface.
//
// # Calls
//
// To define method handlers for inbound calls on the peer, use the
// [Peer.Handle] method to register a handler for a method name:
//
//	func echo(ctx context.Context, req *duplex.Request) (json.RawMessage, error) {
//	   return req.Params, nil
//	}
//
//	p.Handle("Echo", echo)
//
// To issue a call to the remote peer and wait for its result, use
// [Peer.Call]:
//
//	rsp, err := p.Call(ctx, "Echo", map[string]string{"Text": "hello"})
//	if err != nil {
//	   log.Fatalf("Call failed: %v", err)
//	}
//
// Errors returned by p.Call have concrete type [*duplex.CallError]. If the
// remote peer has no handler for the method, or the handler fails, the call
// reports a remote error carrying the message from the remote peer.
//
// To send a call without waiting for any reply, use [Peer.Notify]. The remote
// peer never responds to a notification, even if it fails.
//
// The handler package provides adapters between typed Go functions and the
// Handler type, and the bind package builds handlers from a Go value by
// reflection.
//
// # Callbacks
//
// A method handler may "call back" to methods of the remote peer. To do so,
// the handler uses [ContextPeer] to obtain the local peer, and executes its
// [Peer.Call] or [Peer.Notify] method:
//
//	func join(ctx context.Context, req *duplex.Request) (json.RawMessage, error) {
//	    peer := duplex.ContextPeer(ctx)
//	    return nil, peer.Notify("ReceiveMessage", welcome)
//	}
//
// # Dispatch
//
// A peer reads messages from its channel one at a time. Responses are matched
// to their pending calls immediately, and notifications are handled in the
// order they arrive. By default each request runs in its own goroutine, so a
// slow handler does not delay responses to the peer's own calls. Use
// [Peer.Serial] to handle each request to completion before reading the next
// message instead.
//
// Errors that cannot be reported to any caller, such as an undecodable
// message or a failed notification handler, are delivered to the callback
// registered with [Peer.OnError].
//
// # Metrics
//
// Peers maintain a collection of metrics while running. Use the [Peer.Metrics]
// method to obtain an [expvar.Map] containing the metrics exported by the
// peer. By default, metrics are shared globally among all peers; use
// [Peer.Detach] to give a peer its own.
//
// The metrics currently exported by peers include:
//
//   - messages_received: counter of messages received
//   - messages_sent: counter of messages sent
//   - messages_dropped: counter of messages received and discarded
//   - calls_in: counter of inbound requests received
//   - calls_in_failed: counter of inbound requests resulting in errors
//   - calls_active: gauge of inbound requests currently active
//   - calls_out: counter of outbound calls issued
//   - calls_out_failed: counter of outbound calls resulting in errors
//   - notifications_in: counter of inbound notifications
//   - notifications_out: counter of outbound notifications
//   - calls_pending: gauge of outbound calls currently pending
package duplex
