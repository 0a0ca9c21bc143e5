// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package bind describes the method sets exchanged between two peers, and
// binds them to a duplex.Peer.
//
// # Usage
//
// An [Interface] names a set of methods and records the kind of each one: a
// notification that expects no reply, a void call that is acknowledged when
// it completes, or a call that returns a value.
//
//	server := bind.New("ChatServer").
//	  Add(bind.Value, "CreateChannel", "GetChannelList").
//	  Add(bind.Void, "JoinChannel", "LeaveChannel", "SendMessage")
//
//	client := bind.New("ChatClient").
//	  Add(bind.Value, "Welcome").
//	  Add(bind.Notify, "ReceiveMessage")
//
// Each peer of a session uses one interface as its inbound method set and the
// other as its outbound method set. To configure a peer, use Connect:
//
//	bind.Connect(peer, client, server) // calls client methods, serves server methods
//
// On a peer that implements the methods of an interface, use Handle:
//
//	server.Bind(peer).
//	  Handle("CreateChannel", handleCreate).
//	  Handle("JoinChannel", handleJoin)
//
// Alternatively, Register builds handlers for every method of an interface
// from the methods of a Go value, by reflection.
//
// Note that Handle will panic if given a name not defined by the interface.
//
// On a peer that wants to call these methods, use Call or Notify according to
// the kind of the method:
//
//	rsp, err := server.Bind(peer).Call(ctx, "CreateChannel", args)
//	err := client.Bind(peer).Notify("ReceiveMessage", args)
//
// An Interface provides a Handler method that can be bound to a peer to send
// a description of the interface as a call result.
package bind

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/creachadair/duplex"
)

// Kind describes how a method of an interface is called.
type Kind byte

const (
	Notify Kind = iota // sent as a notification, no reply
	Void               // a call whose completion is acknowledged without a result
	Value              // a call that returns a result
)

var kindNames = [...]string{Notify: "notify", Void: "void", Value: "value"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind:%d", byte(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if int(k) >= len(kindNames) {
		return nil, fmt.Errorf("invalid method kind %d", byte(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	i := slices.Index(kindNames[:], string(text))
	if i < 0 {
		return fmt.Errorf("unknown method kind %q", text)
	}
	*k = Kind(i)
	return nil
}

// An Interface associates a peer with a named set of methods.
type Interface struct {
	name    string
	peer    *duplex.Peer
	methods map[string]Kind
}

// New creates a new empty, unbound interface with the given name. It is safe
// to copy the resulting value, all copies share a reference to the same
// method set.
func New(name string) Interface {
	return Interface{name: name, methods: make(map[string]Kind)}
}

// Add adds the specified method names to in with the given kind, and returns
// in to allow chaining. If a name was already defined, its kind is replaced.
//
// The method set of an interface is shared among all copies of it.  It is not
// safe to call Add while in is used concurrently by other goroutines without
// external synchronization.
func (in Interface) Add(kind Kind, names ...string) Interface {
	for _, name := range names {
		in.methods[name] = kind
	}
	return in
}

// Name reports the name of the interface.
func (in Interface) Name() string { return in.name }

// Bind returns a copy of in bound to the specified peer.
func (in Interface) Bind(peer *duplex.Peer) Interface {
	return Interface{name: in.name, peer: peer, methods: in.methods}
}

// Peer returns the peer associated with in, or nil if in is unbound.
func (in Interface) Peer() *duplex.Peer { return in.peer }

// Lookup reports the kind of the named method, and whether it is defined.
func (in Interface) Lookup(name string) (Kind, bool) {
	k, ok := in.methods[name]
	return k, ok
}

// A Method describes a single method of an interface.
type Method struct {
	Name string
	Kind Kind
}

// Methods returns the methods of in ordered by name.
func (in Interface) Methods() []Method {
	out := make([]Method, 0, len(in.methods))
	for name, kind := range in.methods {
		out = append(out, Method{Name: name, Kind: kind})
	}
	slices.SortFunc(out, func(a, b Method) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Call calls the named method on the remote peer and waits for its reply.
// Call reports an error without sending if name is not a Void or Value
// method of in, and will panic if in is not bound to a peer.
func (in Interface) Call(ctx context.Context, name string, params any) (json.RawMessage, error) {
	if k, ok := in.methods[name]; !ok {
		return nil, fmt.Errorf("%s: unknown method %q", in.name, name)
	} else if k == Notify {
		return nil, fmt.Errorf("%s: method %q is a notification", in.name, name)
	}
	return in.peer.Call(ctx, name, params)
}

// Notify sends the named method to the remote peer as a notification.
// Notify reports an error without sending if name is not a Notify method of
// in, and will panic if in is not bound to a peer.
func (in Interface) Notify(name string, params any) error {
	if k, ok := in.methods[name]; !ok {
		return fmt.Errorf("%s: unknown method %q", in.name, name)
	} else if k != Notify {
		return fmt.Errorf("%s: method %q is not a notification", in.name, name)
	}
	return in.peer.Notify(name, params)
}

// Exec calls the named method on the local peer.
// Exec will panic if in is not bound to a peer.
func (in Interface) Exec(ctx context.Context, name string, params any) (json.RawMessage, error) {
	if _, ok := in.methods[name]; !ok {
		return nil, fmt.Errorf("%s: unknown method %q", in.name, name)
	}
	return in.peer.Exec(ctx, name, params)
}

// Handle binds the specified method to the peer associated with in, and
// returns in to permit chaining.
// Handle will panic if in is not bound to a peer, or if name is not a method
// name defined by the interface.
func (in Interface) Handle(name string, handler duplex.Handler) Interface {
	if _, ok := in.methods[name]; !ok {
		panic(fmt.Sprintf("method %q not defined by %s", name, in.name))
	}
	in.peer.Handle(name, handler)
	return in
}

// Connect configures peer to call the methods of outbound and serve the
// methods of inbound, and returns peer.
func Connect(peer *duplex.Peer, outbound, inbound Interface) *duplex.Peer {
	return peer.Interfaces(outbound.name, inbound.name)
}

// A Description is the encoded form of an interface reported by its Handler.
type Description struct {
	Name    string
	Methods []Method
}

// Describe returns a description of in.
func (in Interface) Describe() Description {
	return Description{Name: in.name, Methods: in.Methods()}
}

// Handler is a Handler that reports a description of the interface.
func (in Interface) Handler(context.Context, *duplex.Request) (json.RawMessage, error) {
	return json.Marshal(struct{ Result Description }{Result: in.Describe()})
}

// FromDescription constructs an unbound interface from a description.
func FromDescription(d Description) Interface {
	in := New(d.Name)
	for _, m := range d.Methods {
		in.methods[m.Name] = m.Kind
	}
	return in
}
