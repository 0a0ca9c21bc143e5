// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package chat_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/creachadair/duplex"
	"github.com/creachadair/duplex/internal/chat"
	"github.com/creachadair/duplex/peers"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/satori/go.uuid"
)

type session struct {
	srv  *chat.Server
	conn chat.Conn
	msgs chan chat.Message
	loc  *peers.Local
}

func newSession(t *testing.T) *session {
	t.Helper()
	msgs := make(chan chat.Message, 16)
	srv := &chat.Server{Name: "server-1"}
	cli := &chat.Client{UserName: "user1", Version: "test/1.0", Receive: func(m chat.Message) { msgs <- m }}
	loc := peers.Pair(srv.Attach(duplex.NewPeer()), cli.Attach(duplex.NewPeer()))
	return &session{srv: srv, conn: chat.NewConn(loc.B), msgs: msgs, loc: loc}
}

func (s *session) stop(t *testing.T) {
	t.Helper()
	if err := s.loc.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func (s *session) next(t *testing.T) chat.Message {
	t.Helper()
	select {
	case m := <-s.msgs:
		return m
	case <-t.Context().Done():
		t.Fatal("No message received")
		panic("unreachable")
	}
}

func TestChat(t *testing.T) {
	defer leaktest.Check(t)()
	s := newSession(t)
	defer s.stop(t)
	ctx := context.Background()

	// The server asks the client to identify itself.
	v, err := s.srv.Greet(ctx, s.loc.A)
	if err != nil {
		t.Fatalf("Greet: %v", err)
	}
	if v.UserName != "user1" || v.Version != "test/1.0" {
		t.Errorf("Greet: got %+v, want user1 test/1.0", v)
	}

	id, err := s.conn.CreateChannel(ctx, "general")
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if id == uuid.Nil {
		t.Fatal("CreateChannel: got nil ID")
	}

	// Joining sends a notification from inside the server's handler, and the
	// call still completes on its own.
	if err := s.conn.JoinChannel(ctx, id); err != nil {
		t.Fatalf("JoinChannel: %v", err)
	}
	if diff := cmp.Diff(chat.Message{Channel: id, User: "server", Message: "Welcome to general"}, s.next(t)); diff != "" {
		t.Errorf("Welcome message (-want, +got):\n%s", diff)
	}

	for _, text := range []string{"hello over a queue", "second message"} {
		if err := s.conn.SendMessage(ctx, id, text); err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
		if diff := cmp.Diff(chat.Message{Channel: id, User: "client", Message: text}, s.next(t)); diff != "" {
			t.Errorf("Echo (-want, +got):\n%s", diff)
		}
	}

	other, err := s.conn.CreateChannel(ctx, "announcements")
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	list, err := s.conn.GetChannelList(ctx)
	if err != nil {
		t.Fatalf("GetChannelList: %v", err)
	}
	if diff := cmp.Diff([]chat.ChannelInfo{
		{ID: other, Name: "announcements"},
		{ID: id, Name: "general"},
	}, list); diff != "" {
		t.Errorf("Channels (-want, +got):\n%s", diff)
	}

	if err := s.conn.LeaveChannel(ctx, id); err != nil {
		t.Fatalf("LeaveChannel: %v", err)
	}
	if got := s.next(t); got.Message != "user1 left general" {
		t.Errorf("Leave message: got %q, want %q", got.Message, "user1 left general")
	}
}

func TestLeaveUnknown(t *testing.T) {
	defer leaktest.Check(t)()
	s := newSession(t)
	defer s.stop(t)

	bogus := uuid.NewV4()
	err := s.conn.LeaveChannel(context.Background(), bogus)

	var cerr *duplex.CallError
	if !errors.As(err, &cerr) {
		t.Fatalf("LeaveChannel: got %v, want *CallError", err)
	}
	if !cerr.Remote() {
		t.Errorf("LeaveChannel: got local error %v, want remote", cerr.Err)
	}
	var derr *duplex.DecodeError
	if errors.As(err, &derr) {
		t.Errorf("LeaveChannel: got decode error %v", derr)
	}
	if want := "does not exist"; !strings.Contains(cerr.Message, want) {
		t.Errorf("LeaveChannel: message %q does not contain %q", cerr.Message, want)
	}

	// No notification was sent for the failed call.
	select {
	case m := <-s.msgs:
		t.Errorf("Unexpected message: %+v", m)
	default:
	}
}

func TestCreateEmpty(t *testing.T) {
	defer leaktest.Check(t)()
	s := newSession(t)
	defer s.stop(t)

	if id, err := s.conn.CreateChannel(context.Background(), ""); err == nil {
		t.Errorf("CreateChannel: got %v, want error", id)
	}
}

func TestGreetOnDemand(t *testing.T) {
	defer leaktest.Check(t)()
	s := newSession(t)
	defer s.stop(t)
	ctx := context.Background()

	// Without an explicit greeting, the server calls back to the client to
	// learn its name the first time it needs it.
	id, err := s.conn.CreateChannel(ctx, "random")
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if err := s.conn.LeaveChannel(ctx, id); err != nil {
		t.Fatalf("LeaveChannel: %v", err)
	}
	if got, want := s.next(t).Message, "user1 left random"; got != want {
		t.Errorf("Leave message: got %q, want %q", got, want)
	}

	// Once forgotten, the session is greeted again.
	s.srv.Forget(s.loc.A)
	if err := s.conn.LeaveChannel(ctx, id); err != nil {
		t.Fatalf("LeaveChannel: %v", err)
	}
	if got, want := s.next(t).Message, "user1 left random"; got != want {
		t.Errorf("Leave message: got %q, want %q", got, want)
	}
}
