// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Program duplex is a command-line utility for running and inspecting duplex
// RPC peers.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/duplex"
	"github.com/creachadair/duplex/bind"
	"github.com/creachadair/duplex/channel"
	"github.com/creachadair/duplex/handler"
	"github.com/creachadair/duplex/internal/chat"
	"github.com/creachadair/duplex/peers"
	"github.com/creachadair/flax"
	"github.com/op/go-logging"
	"golang.org/x/time/rate"
)

var log = logging.MustGetLogger("duplex")

var stderrFormat = logging.MustStringFormatter(
	`%{time:15:04:05.000} %{level:.4s} ▶ %{message}`,
)

var serveFlags struct {
	Name  string  `flag:"name,default=duplex,Server name for log messages"`
	Rate  float64 `flag:"rate,Maximum messages per second sent to each client (0 is unlimited)"`
	Burst int     `flag:"burst,default=16,Burst size for rate limiting"`
	Debug bool    `flag:"debug,Log every message exchanged"`
}

var chatFlags struct {
	User     string        `flag:"user,User name reported to the server (default $USER)"`
	Timeout  time.Duration `flag:"timeout,default=10s,Timeout for the whole session"`
	Describe bool          `flag:"describe,Print the server's method set before chatting"`
	Debug    bool          `flag:"debug,Log every message exchanged"`
}

var decodeFlags struct {
	Raw bool `flag:"raw,Print each message as JSON rather than a summary"`
}

func main() {
	setupLogging(logging.NOTICE)

	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: `Utilities for running and inspecting duplex RPC peers.

Set DUPLEX_LOG_LEVEL to one of CRITICAL, ERROR, WARNING, NOTICE, INFO, or
DEBUG to control the amount of log output.`,
		Commands: []*command.C{
			{
				Name:  "serve",
				Usage: "<address>",
				Help: `Run a chat server on the specified address.

If the address has the form [host]:port, the server listens on TCP.
Otherwise it is treated as the path of a Unix-domain socket.`,
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:  "chat",
				Usage: "<address> <channel> <message>...",
				Help: `Connect to a chat server and post messages to a channel.

The client creates and joins the named channel, sends each message in order,
prints everything the server delivers, and then leaves the channel.`,
				SetFlags: command.Flags(flax.MustBind, &chatFlags),
				Run:      runChat,
			},
			{
				Name:  "frame",
				Usage: "<kind> <id> [<method>] [<payload>]",
				Help: `Write a single framed envelope to stdout.

The kind is one of "request", "response", "notification", or "error".
For an error, the last argument is the error message rather than a payload.
A missing payload is sent as an empty object.`,
				Run: runFrame,
			},
			{
				Name:     "decode",
				Usage:    "[<file>]",
				Help:     "Decode framed envelopes from a file (or stdin) and print them.",
				SetFlags: command.Flags(flax.MustBind, &decodeFlags),
				Run:      runDecode,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// setupLogging configures the default logging backend to write to stderr at
// the level named by DUPLEX_LOG_LEVEL, or defaultLevel if that is unset.
func setupLogging(defaultLevel logging.Level) {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	logging.SetFormatter(stderrFormat)

	leveled := logging.AddModuleLevel(backend)
	level, err := logging.LogLevel(os.Getenv("DUPLEX_LOG_LEVEL"))
	if err != nil {
		level = defaultLevel
	}
	leveled.SetLevel(level, "")
	logging.SetBackend(leveled)
}

func runServe(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("Missing listen address")
	}
	if err := checkServeFlags(); err != nil {
		return env.Usagef("%v", err)
	}
	network, addr := duplex.SplitAddress(env.Args[0])
	lst, err := net.Listen(network, addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if network == "unix" {
		defer os.Remove(addr)
	}
	log.Noticef("Listening on %s %q", network, addr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	srv := &chat.Server{Name: serveFlags.Name, Log: log}
	var acc peers.Accepter = peers.NetAccepter(lst)
	if serveFlags.Rate > 0 {
		acc = throttleAccepter{
			Accepter: acc,
			limit:    rate.Limit(serveFlags.Rate),
			burst:    serveFlags.Burst,
		}
	}
	err = peers.Loop(ctx, acc, func() *duplex.Peer {
		p := srv.Attach(duplex.NewPeer())
		p.Handle("Describe", chat.ServerAPI.Handler).
			OnError(func(err error) { log.Warningf("Session error: %v", err) }).
			OnExit(func(err error) {
				srv.Forget(p)
				if err != nil {
					log.Errorf("Session failed: %v", err)
				} else {
					log.Info("Session ended")
				}
			})
		if serveFlags.Debug {
			p.LogMessages(logMessage("server"))
		}
		return p
	})
	log.Notice("Server exiting")
	return err
}

// checkServeFlags reports an error if the rate limiting flags cannot be
// satisfied by a limiter.
func checkServeFlags() error {
	if serveFlags.Rate < 0 {
		return fmt.Errorf("invalid rate %v", serveFlags.Rate)
	}
	if serveFlags.Rate > 0 && serveFlags.Burst < 1 {
		return fmt.Errorf("burst must be positive when rate limiting (got %d)", serveFlags.Burst)
	}
	return nil
}

// throttleAccepter limits the rate at which messages are sent on each
// channel accepted from the underlying Accepter.
type throttleAccepter struct {
	peers.Accepter
	limit rate.Limit
	burst int
}

func (t throttleAccepter) Accept(ctx context.Context) (duplex.Channel, error) {
	ch, err := t.Accepter.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return channel.Throttle(ch, rate.NewLimiter(t.limit, t.burst)), nil
}

func runChat(env *command.Env) error {
	if len(env.Args) < 2 {
		return env.Usagef("Missing address and channel name")
	}
	ctx, cancel := context.WithTimeout(context.Background(), chatFlags.Timeout)
	defer cancel()

	var d net.Dialer
	network, addr := duplex.SplitAddress(env.Args[0])
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	user := chatFlags.User
	if user == "" {
		user = os.Getenv("USER")
	}
	cli := &chat.Client{
		UserName: user,
		Version:  "duplex-cli/1.0",
		Receive: func(m chat.Message) {
			fmt.Printf("[%s] %s: %s\n", m.Channel, m.User, m.Message)
		},
		Log: log,
	}
	p := cli.Attach(duplex.NewPeer())
	if chatFlags.Debug {
		p.LogMessages(logMessage("client"))
	}
	p.Start(channel.IO(conn, conn))
	defer func() {
		if err := p.Stop(); err != nil {
			log.Errorf("Stop: %v", err)
		}
	}()

	if chatFlags.Describe {
		desc, err := handler.Call[bind.Description](ctx, p, "Describe", nil)
		if err != nil {
			return err
		}
		fmt.Printf("interface %s\n", desc.Name)
		for _, m := range desc.Methods {
			fmt.Printf("  %-6s %s\n", m.Kind, m.Name)
		}
	}

	srv := chat.NewConn(p)
	id, err := srv.CreateChannel(ctx, env.Args[1])
	if err != nil {
		return err
	}
	if err := srv.JoinChannel(ctx, id); err != nil {
		return err
	}
	for _, msg := range env.Args[2:] {
		if err := srv.SendMessage(ctx, id, msg); err != nil {
			return err
		}
	}
	list, err := srv.GetChannelList(ctx)
	if err != nil {
		return err
	}
	for _, ch := range list {
		fmt.Printf("channel %s %q\n", ch.ID, ch.Name)
	}
	return srv.LeaveChannel(ctx, id)
}

func runFrame(env *command.Env) error {
	if len(env.Args) < 2 {
		return env.Usagef("Missing kind and ID")
	}
	id, err := strconv.ParseInt(env.Args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid ID: %w", err)
	}
	arg := func(i int) string {
		if i < len(env.Args) {
			return env.Args[i]
		}
		return ""
	}

	var e *duplex.Envelope
	switch strings.ToLower(env.Args[0]) {
	case "request":
		e = duplex.NewRequest(id, "", arg(2), json.RawMessage(arg(3)))
	case "notification":
		e = duplex.NewNotification(id, "", arg(2), json.RawMessage(arg(3)))
	case "response":
		e = duplex.NewResponse(id, "", json.RawMessage(arg(2)))
	case "error":
		e = duplex.NewError(id, "", arg(2))
	default:
		return env.Usagef("Unknown kind %q", env.Args[0])
	}
	if p := e.Payload; len(p) != 0 && !json.Valid(p) {
		return fmt.Errorf("invalid payload %#q", p)
	}
	msg, err := e.Encode()
	if err != nil {
		return err
	}
	_, err = channel.WriteFrame(os.Stdout, msg)
	return err
}

func runDecode(env *command.Env) error {
	var r io.Reader = os.Stdin
	if len(env.Args) > 1 {
		return env.Usagef("Extra arguments after file name")
	} else if len(env.Args) == 1 && env.Args[0] != "-" {
		f, err := os.Open(env.Args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	br := bufio.NewReader(r)
	var offset int64
	for {
		msg, n, err := channel.ReadFrame(br)
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return fmt.Errorf("offset %d: %w", offset, err)
		}
		if decodeFlags.Raw {
			fmt.Printf("%d\t%s\n", offset, msg)
		} else {
			var e duplex.Envelope
			if err := e.Decode(msg); err != nil {
				fmt.Printf("%d\t%v\n", offset, err)
			} else {
				fmt.Printf("%d\t%v\n", offset, &e)
			}
		}
		offset += n
	}
}

func logMessage(tag string) duplex.MessageLogger {
	return func(msg duplex.MessageInfo) { log.Debugf("%s: %v", tag, msg) }
}
