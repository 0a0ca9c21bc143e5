// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package chat implements a small chat service used to exercise a pair of
// duplex peers. The server manages named channels; the client announces its
// version on request and receives channel messages as notifications.
package chat

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/duplex"
	"github.com/creachadair/duplex/bind"
	"github.com/creachadair/duplex/handler"
	"github.com/op/go-logging"
	"github.com/satori/go.uuid"
)

// ServerAPI is the method set served by a chat server.
var ServerAPI = bind.New("ChatServer").
	Add(bind.Value, "CreateChannel", "GetChannelList").
	Add(bind.Void, "JoinChannel", "LeaveChannel", "SendMessage")

// ClientAPI is the method set served by a chat client.
var ClientAPI = bind.New("ChatClient").
	Add(bind.Value, "Welcome").
	Add(bind.Notify, "ReceiveMessage")

// Message is a chat message delivered to a client.
type Message struct {
	Channel uuid.UUID
	User    string
	Message string
}

// AppVersion describes a client application.
type AppVersion struct {
	Version   string
	BuildDate time.Time
	UserName  string
}

// ChannelInfo describes a channel known to the server.
type ChannelInfo struct {
	ID   uuid.UUID
	Name string
}

// Argument types for server methods.
type (
	CreateArgs  struct{ Channel string }
	ChannelArgs struct{ Channel uuid.UUID }
	SendArgs    struct {
		Channel uuid.UUID
		Message string
	}
)

// A Server is a chat server. Channels are shared by all the sessions the
// server is attached to. A zero Server is ready for use.
type Server struct {
	Name string          // for log messages
	Log  *logging.Logger // if nil, nothing is logged

	μ        sync.Mutex
	channels map[uuid.UUID]string
	users    map[*duplex.Peer]string
}

// Attach binds the methods of s to p and configures the interface names of p
// for a server session. It returns p.
func (s *Server) Attach(p *duplex.Peer) *duplex.Peer {
	if err := bind.Register(ServerAPI.Bind(bind.Connect(p, ClientAPI, ServerAPI)), s); err != nil {
		panic(err) // the method set of Server is fixed
	}
	return p
}

// Greet calls the Welcome method of the client on p, and records the user
// name it reports for that session.
func (s *Server) Greet(ctx context.Context, p *duplex.Peer) (AppVersion, error) {
	v, err := handler.Call[AppVersion](ctx, p, "Welcome", nil)
	if err != nil {
		return v, err
	}
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.users == nil {
		s.users = make(map[*duplex.Peer]string)
	}
	s.users[p] = v.UserName
	s.logf("%s connected (%s)", v.UserName, v.Version)
	return v, nil
}

// Forget discards the user name recorded for p by Greet.
func (s *Server) Forget(p *duplex.Peer) {
	s.μ.Lock()
	defer s.μ.Unlock()
	delete(s.users, p)
}

// CreateChannel creates a new channel with the given name and returns its ID.
func (s *Server) CreateChannel(ctx context.Context, args CreateArgs) (uuid.UUID, error) {
	if args.Channel == "" {
		return uuid.Nil, fmt.Errorf("empty channel name")
	}
	id := uuid.NewV4()
	user := s.user(ctx)

	s.μ.Lock()
	defer s.μ.Unlock()
	if s.channels == nil {
		s.channels = make(map[uuid.UUID]string)
	}
	if _, ok := s.channels[id]; ok {
		return uuid.Nil, fmt.Errorf("unable to create channel, try again later")
	}
	s.channels[id] = args.Channel
	s.logf("%s created channel %q (%v)", user, args.Channel, id)
	return id, nil
}

// GetChannelList returns the channels known to the server, ordered by name.
func (s *Server) GetChannelList(ctx context.Context) ([]ChannelInfo, error) {
	s.μ.Lock()
	defer s.μ.Unlock()
	out := make([]ChannelInfo, 0, len(s.channels))
	for id, name := range s.channels {
		out = append(out, ChannelInfo{ID: id, Name: name})
	}
	slices.SortFunc(out, func(a, b ChannelInfo) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return out, nil
}

// JoinChannel joins the caller to a channel, and sends it a welcome message.
func (s *Server) JoinChannel(ctx context.Context, args ChannelArgs) error {
	name, user, err := s.lookup(ctx, args.Channel)
	if err != nil {
		return err
	}
	s.logf("%s joined %q", user, name)
	return notify(ctx, Message{Channel: args.Channel, User: "server", Message: "Welcome to " + name})
}

// LeaveChannel removes the caller from a channel.
func (s *Server) LeaveChannel(ctx context.Context, args ChannelArgs) error {
	name, user, err := s.lookup(ctx, args.Channel)
	if err != nil {
		return err
	}
	s.logf("%s left %q", user, name)
	return notify(ctx, Message{Channel: args.Channel, User: "server", Message: fmt.Sprintf("%s left %s", user, name)})
}

// SendMessage posts a message to a channel. The server echoes the message
// back to the caller.
func (s *Server) SendMessage(ctx context.Context, args SendArgs) error {
	name, _, err := s.lookup(ctx, args.Channel)
	if err != nil {
		return err
	}
	s.logf("message to %q: %s", name, args.Message)
	return notify(ctx, Message{Channel: args.Channel, User: "client", Message: args.Message})
}

func (s *Server) lookup(ctx context.Context, id uuid.UUID) (name, user string, _ error) {
	s.μ.Lock()
	name, ok := s.channels[id]
	s.μ.Unlock()
	if !ok {
		return "", "", fmt.Errorf("channel %v does not exist", id)
	}
	return name, s.user(ctx), nil
}

// user returns the user name of the session that called the handler with
// context ctx. If the session has not yet been greeted, user calls back to
// the client to identify it.
func (s *Server) user(ctx context.Context) string {
	p := duplex.ContextPeer(ctx)
	s.μ.Lock()
	u, ok := s.users[p]
	s.μ.Unlock()
	if ok {
		return u
	} else if p == nil {
		return "anonymous"
	}
	v, err := s.Greet(ctx, p)
	if err != nil {
		s.logf("greeting failed: %v", err)
		return "anonymous"
	}
	return v.UserName
}

func (s *Server) logf(msg string, args ...any) {
	if s.Log != nil {
		s.Log.Infof("[%s] "+msg, append([]any{s.Name}, args...)...)
	}
}

// notify sends msg to the ReceiveMessage method of the peer that called the
// handler with context ctx.
func notify(ctx context.Context, msg Message) error {
	return ClientAPI.Bind(duplex.ContextPeer(ctx)).Notify("ReceiveMessage", msg)
}

// A Client is a chat client.
type Client struct {
	UserName string
	Version  string

	// Receive, if set, is called for each message received from the server.
	// It is called in the order messages arrive.
	Receive func(Message)
	Log     *logging.Logger // if nil, nothing is logged
}

// Attach binds the methods of c to p and configures the interface names of p
// for a client session. It returns p.
func (c *Client) Attach(p *duplex.Peer) *duplex.Peer {
	if err := bind.Register(ClientAPI.Bind(bind.Connect(p, ServerAPI, ClientAPI)), c); err != nil {
		panic(err) // the method set of Client is fixed
	}
	return p
}

// Welcome reports the version of the client.
func (c *Client) Welcome(ctx context.Context) (AppVersion, error) {
	return AppVersion{
		Version:   c.Version,
		BuildDate: time.Now().UTC(),
		UserName:  c.UserName,
	}, nil
}

// ReceiveMessage handles a message from the server.
func (c *Client) ReceiveMessage(ctx context.Context, msg Message) {
	if c.Log != nil {
		c.Log.Infof("[client:%s] #%v %s: %s", c.UserName, msg.Channel, msg.User, msg.Message)
	}
	if c.Receive != nil {
		c.Receive(msg)
	}
}

// Conn is the client's view of a server session.
type Conn struct {
	p *duplex.Peer
}

// NewConn returns a Conn that calls the server methods via p.
func NewConn(p *duplex.Peer) Conn { return Conn{p: p} }

// CreateChannel creates a channel with the given name and returns its ID.
func (c Conn) CreateChannel(ctx context.Context, name string) (uuid.UUID, error) {
	return handler.Call[uuid.UUID](ctx, c.p, "CreateChannel", CreateArgs{Channel: name})
}

// GetChannelList lists the channels known to the server.
func (c Conn) GetChannelList(ctx context.Context) ([]ChannelInfo, error) {
	return handler.Call[[]ChannelInfo](ctx, c.p, "GetChannelList", nil)
}

// JoinChannel joins the specified channel.
func (c Conn) JoinChannel(ctx context.Context, id uuid.UUID) error {
	return handler.Invoke(ctx, c.p, "JoinChannel", ChannelArgs{Channel: id})
}

// LeaveChannel leaves the specified channel.
func (c Conn) LeaveChannel(ctx context.Context, id uuid.UUID) error {
	return handler.Invoke(ctx, c.p, "LeaveChannel", ChannelArgs{Channel: id})
}

// SendMessage sends a message to the specified channel.
func (c Conn) SendMessage(ctx context.Context, id uuid.UUID, text string) error {
	return handler.Invoke(ctx, c.p, "SendMessage", SendArgs{Channel: id, Message: text})
}
