// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package duplex

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/creachadair/taskgroup"
)

// A Channel is a reliable ordered stream of messages shared by two peers.
// Each message is an opaque byte slice delivered whole.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the message to the receiver. A failure, for example because the
	// channel is closed, must be reported.
	Send([]byte) error

	// Receive the next available message from the channel. When the channel
	// is closed, Recv reports io.EOF or net.ErrClosed.
	Recv() ([]byte, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// A Request is an inbound call or notification delivered to a Handler.
type Request struct {
	ID           int64
	Interface    string
	Method       string
	Notification bool            // no response will be sent
	Params       json.RawMessage // the encoded arguments
}

// A Handler processes a request from the remote peer. A handler can obtain
// the peer from its context argument using the ContextPeer helper.
//
// If the handler reports an error, the text of the error is returned to the
// caller as a remote error. Otherwise the result (which may be empty) is sent
// as the payload of the response. A result that is not valid JSON is reported
// to the caller as a remote error. For notifications, the result is discarded
// and any error is reported to the peer's error callback.
//
// Notification handlers always run in the peer's dispatch loop, even when
// requests are dispatched concurrently. A notification handler must not wait
// for the result of a call to the remote peer, since the response cannot be
// read until the handler returns.
type Handler func(context.Context, *Request) (json.RawMessage, error)

// A MessageLogger logs a message exchanged with the remote peer.
type MessageLogger func(msg MessageInfo)

// A MessageInfo combines an envelope and a flag indicating whether the
// envelope was sent or received.
type MessageInfo struct {
	*Envelope      // the envelope being logged
	Sent      bool // whether the envelope was sent (true) or received (false)
}

func (m MessageInfo) dir() string {
	if m.Sent {
		return "send"
	}
	return "recv"
}

func (m MessageInfo) String() string {
	return fmt.Sprintf("%v %v", m.dir(), m.Envelope)
}

// A Peer implements one end of a duplex RPC session. A zero-valued Peer is
// ready for use, but must not be copied after any method has been called.
//
// Call Start with a channel to start the service routine for the peer.  Once
// started, a peer runs until Stop is called, the channel closes, or a
// protocol fatal error occurs. Use Wait to wait for the peer to exit and
// report its status.
//
// Call Handle to add handlers to the local peer.  Use Call and Notify to
// invoke methods on the remote peer. These methods are safe for concurrent use
// by multiple goroutines.
type Peer struct {
	in  interface{ Recv() ([]byte, error) }
	out struct {
		// Must hold the lock to send to or set ch.
		sync.Mutex
		ch Channel
	}
	tasks  *taskgroup.Group
	nextID atomic.Int64 // last outbound call ID issued

	μ sync.Mutex

	err     error              // protocol fatal error
	cause   error              // reason for a locally-requested stop
	calls   *callTable         // outbound calls pending responses
	session context.Context    // ends when the peer stops
	cancel  context.CancelFunc // ends session
	imux    map[string]Handler // method name → handler
	mlog    MessageLogger
	onError func(error)
	onExit  func(error)
	base    func() context.Context // return a new base context
	serial  bool                   // handle each inbound message to completion
	outName string                 // outbound interface name
	inName  string                 // inbound interface name
	metrics *peerMetrics
}

// NewPeer constructs a new unstarted peer.
func NewPeer() *Peer { return new(Peer) }

// Start starts the peer running on the given channel. The peer runs until the
// channel closes or a protocol fatal error occurs. Start does not block; call
// Wait to wait for the peer to exit and report its status.
func (p *Peer) Start(ch Channel) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.in != nil {
		panic("peer is already started")
	}

	g := taskgroup.New(nil)
	p.in = ch
	p.tasks = g
	p.out.Lock()
	p.out.ch = ch
	p.out.Unlock()
	p.err = nil
	p.cause = nil
	p.calls = newCallTable()
	p.session, p.cancel = context.WithCancel(context.Background())
	p.nextID.Store(0)
	if p.base == nil {
		p.base = context.Background
	}
	if p.metrics == nil {
		p.metrics = rootMetrics
	}
	in, pm := p.in, p.metrics

	g.Go(func() error {
		for {
			msg, err := in.Recv()
			if err != nil {
				p.fail(err)
				return nil
			}
			pm.msgRecv.Add(1)
			if err := p.dispatch(msg); err != nil {
				p.fail(err)
				return nil
			}
		}
	})

	return p
}

// Run starts the peer on ch and blocks until the peer exits or ctx ends.
// When ctx ends the peer is stopped, all pending calls fail, and Run reports
// nil. Otherwise Run reports the same status as Wait.
func (p *Peer) Run(ctx context.Context, ch Channel) error {
	p.Start(ch)
	stop := context.AfterFunc(ctx, func() { p.shutdown(context.Cause(ctx)) })
	defer stop()

	err := p.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Cause(ctx)) {
		return nil
	}
	return err
}

// Metrics returns a metrics map for the peer. It is safe for the caller to add
// additional metrics to the map while the peer is active.
func (p *Peer) Metrics() *expvar.Map {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.metrics == nil {
		p.metrics = rootMetrics
	}
	return p.metrics.emap
}

// Detach gives p its own metrics, so that its activity no longer affects the
// metrics shared by other peers. Detach returns p to permit chaining.
func (p *Peer) Detach() *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.metrics = newPeerMetrics()
	return p
}

// Stop closes the channel and terminates the peer. It blocks until the peer
// has exited and returns its status. After Stop completes it is safe to
// restart the peer with a new channel.
func (p *Peer) Stop() error { p.closeOut(); return p.Wait() }

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// waitTasks blocks until the service routines have finished, and reports
// whether the peer was running.
func (p *Peer) waitTasks() bool {
	p.μ.Lock()
	t := p.tasks
	p.μ.Unlock()
	if t == nil {
		return false
	}
	t.Wait()
	return true
}

// Wait blocks until p terminates and reports the error that cause it to stop.
// After Wait completes it is safe to restart the peer with a new channel.
//
// If p is not running, or has stopped because of a closed channel, Wait
// returns nil; otherwise it returns the error that triggered protocol failure.
func (p *Peer) Wait() error {
	if !p.waitTasks() {
		return nil // the peer is not running
	}

	// Clean up peer state so it can be garbage collected.
	p.μ.Lock()
	defer p.μ.Unlock()
	p.in = nil
	p.tasks = nil
	p.out.Lock()
	p.out.ch = nil
	p.out.Unlock()
	p.calls = nil

	if treatErrorAsSuccess(p.err) {
		return nil
	}
	return p.err
}

// Call sends a request to the remote peer for the specified method and
// parameters, and blocks until ctx ends, the session ends, or the response is
// received. An error reported by Call has concrete type *CallError.
//
// If params is a json.RawMessage or []byte it is sent as-is; otherwise it is
// encoded as JSON. A nil params is sent as an empty object.
//
// If ctx ends before the response arrives, Call stops waiting. The remote
// peer is not notified, and a response that arrives later is discarded.
func (p *Peer) Call(ctx context.Context, method string, params any) (_ json.RawMessage, err error) {
	data, err := encodeParams(params)
	if err != nil {
		return nil, &CallError{Method: method, Err: err}
	}

	p.μ.Lock()
	calls, iface, pm := p.calls, p.outName, p.metricsLocked()
	p.μ.Unlock()

	pm.callOut.Add(1)
	defer func() {
		if err != nil {
			pm.callOutErr.Add(1)
		}
	}()
	if calls == nil {
		return nil, &CallError{Method: method, Err: ErrNotStarted}
	}

	// Register the call before sending, so that the response cannot arrive
	// ahead of its pending slot.
	id := p.nextID.Add(1)
	pc, err := calls.register(id)
	if err != nil {
		if errors.Is(err, ErrDuplicateID) {
			p.shutdown(err) // protocol fatal
		}
		return nil, &CallError{ID: id, Method: method, Err: err}
	}
	pm.callPending.Add(1)
	defer pm.callPending.Add(-1)

	if err := p.sendEnvelope(NewRequest(id, iface, method, data)); err != nil {
		calls.release(id)
		return nil, &CallError{ID: id, Method: method, Err: err}
	}

	select {
	case <-ctx.Done():
		calls.release(id)
		return nil, &CallError{ID: id, Method: method, Err: context.Cause(ctx)}
	case r := <-pc:
		if r.err != nil {
			return nil, &CallError{ID: id, Method: method, Err: r.err}
		} else if r.failed {
			return nil, &CallError{ID: id, Method: method, Message: r.message}
		}
		return r.data, nil
	}
}

// Notify sends a notification to the remote peer for the specified method
// and parameters. It returns as soon as the message is sent, and does not
// wait for, or receive, any reply. Parameters are encoded as for Call.
//
// An error from Notify means the notification could not be sent.
func (p *Peer) Notify(method string, params any) error {
	data, err := encodeParams(params)
	if err != nil {
		return fmt.Errorf("notify %q: %w", method, err)
	}

	p.μ.Lock()
	running, iface, pm := p.calls != nil, p.outName, p.metricsLocked()
	p.μ.Unlock()
	if !running {
		return fmt.Errorf("notify %q: %w", method, ErrNotStarted)
	}

	pm.notifyOut.Add(1)
	id := p.nextID.Add(1) // not tracked
	if err := p.sendEnvelope(NewNotification(id, iface, method, data)); err != nil {
		return fmt.Errorf("notify %q: %w", method, err)
	}
	return nil
}

// Exec executes the (local) handler on p for the method, if one exists.  If
// no handler is defined for method, Exec reports an UnknownMethodError;
// otherwise it returns the result of calling the handler with the given
// parameters. Exec does not send any messages to the remote peer.
func (p *Peer) Exec(ctx context.Context, method string, params any) (json.RawMessage, error) {
	data, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	p.μ.Lock()
	handler, ok := p.imux[method]
	iface := p.inName
	p.μ.Unlock()
	if !ok {
		return nil, UnknownMethodError{Method: method}
	}
	hctx := context.WithValue(ctx, peerContextKey{}, p)
	return invoke(hctx, handler, &Request{Interface: iface, Method: method, Params: data})
}

// Handle registers a handler for the specified method name. It is safe to
// call this while the peer is running. Passing a nil Handler removes any
// handler for the specified name. Handle returns p to permit chaining.
//
// The same handler serves both requests and notifications for the method.
// When invoked for a notification, it must not wait on a call to the remote
// peer (see Handler).
func (p *Peer) Handle(method string, handler Handler) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.imux == nil {
		p.imux = make(map[string]Handler)
	}
	if handler == nil {
		delete(p.imux, method)
	} else {
		p.imux[method] = handler
	}
	return p
}

// Interfaces sets the names of the outbound and inbound method sets of p.
// The outbound name is sent with each request and notification issued by p,
// and the inbound name with each response. The names are diagnostic only.
// Interfaces returns p to permit chaining.
func (p *Peer) Interfaces(outbound, inbound string) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.outName, p.inName = outbound, inbound
	return p
}

// Serial sets the dispatch policy for inbound requests. By default, each
// inbound request is handled in its own goroutine, so that a slow handler
// does not delay other messages. If serial is true, each request is handled
// to completion before the next message is read from the channel.
//
// In serial mode a handler must not wait for the result of a call to the
// remote peer, since the response cannot be read until the handler returns.
//
// Notifications and responses are always processed in the order received,
// in the dispatch loop, so the same restriction applies to notification
// handlers in either mode.
//
// Serial returns p to permit chaining.
func (p *Peer) Serial(serial bool) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.serial = serial
	return p
}

// LogMessages registers a callback that will be invoked for each message
// exchanged with the remote peer that can be decoded, regardless of kind.
//
// Passing a nil callback disables message logging. The logger is invoked
// synchronously with dispatch, prior to sending or calling a handler.
func (p *Peer) LogMessages(log MessageLogger) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.mlog = log
	return p
}

// OnError registers a callback to receive errors that are not reported to
// any caller: undecodable messages, and notifications that name an unknown
// method or whose handler fails. The callback is invoked synchronously with
// dispatch. If f == nil, such errors are discarded.
func (p *Peer) OnError(f func(error)) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.onError = f
	return p
}

// OnExit registers a callback to be invoked when the peer terminates.  The
// callback is executed synchronously during shutdown, with the same error
// value that would be reported by the Wait method.
//
// Only one exit callback can be registered at a time; if f == nil the callback
// is removed.
func (p *Peer) OnExit(f func(error)) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.onExit = f
	return p
}

// NewContext registers a function that will be called to create a new base
// context for method handlers. This allows request-specific host resources to
// be plumbed into a handler.  If it is not set a background context is used.
func (p *Peer) NewContext(base func() context.Context) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	if base == nil {
		p.base = context.Background
	} else {
		p.base = base
	}
	return p
}

func (p *Peer) metricsLocked() *peerMetrics {
	if p.metrics == nil {
		p.metrics = rootMetrics
	}
	return p.metrics
}

// shutdown records cause as the reason the peer is stopping, unless a reason
// was already recorded, and closes the channel.
func (p *Peer) shutdown(cause error) {
	p.μ.Lock()
	if p.cause == nil {
		p.cause = cause
	}
	p.μ.Unlock()
	p.closeOut()
}

// fail terminates all pending calls and updates the failure status. It is
// called only by the dispatch loop, after it has stopped reading.
func (p *Peer) fail(err error) {
	p.closeOut()

	p.μ.Lock()
	if p.cause != nil {
		err = p.cause
	}
	p.err = err
	calls, cancel, onExit := p.calls, p.cancel, p.onExit
	p.μ.Unlock()

	// Terminate all active inbound calls, then all pending outbound calls.
	cancel()
	calls.drain(sessionError(err))

	if onExit != nil {
		if treatErrorAsSuccess(err) {
			err = nil
		}
		onExit(err)
	}
}

// report delivers err to the error callback, if one is registered.
func (p *Peer) report(err error) {
	p.μ.Lock()
	f := p.onError
	p.μ.Unlock()
	if f != nil {
		f(err)
	}
}

// dispatch routes an inbound message from the remote peer.
// Any error it reports is protocol fatal.
func (p *Peer) dispatch(msg []byte) error {
	p.μ.Lock()
	mlog, calls, pm := p.mlog, p.calls, p.metricsLocked()
	p.μ.Unlock()

	var env Envelope
	if err := env.Decode(msg); err != nil {
		pm.msgDropped.Add(1)
		p.report(err)
		return nil
	}
	if mlog != nil {
		mlog(MessageInfo{Envelope: &env, Sent: false})
	}

	switch env.Kind {
	case KindResponse:
		var ok bool
		if env.Failed {
			ok = calls.resolveError(env.ID, env.Error)
		} else {
			ok = calls.resolveSuccess(env.ID, env.Payload)
		}
		if !ok {
			// Silently discard a response for an unknown call ID.
			pm.msgDropped.Add(1)
		}
		return nil

	case KindNotification:
		p.dispatchNotification(pm, &env)
		return nil

	default:
		return p.dispatchRequest(pm, &env)
	}
}

// dispatchRequest dispatches an inbound request to its handler. A request
// always receives exactly one response, reporting an error for an unknown
// method or a failed handler.
func (p *Peer) dispatchRequest(pm *peerMetrics, env *Envelope) error {
	pm.callIn.Add(1)

	p.μ.Lock()
	handler, ok := p.imux[env.Method]
	iface, serial, base, session := p.inName, p.serial, p.base, p.session
	p.μ.Unlock()

	if !ok {
		pm.callInErr.Add(1)
		return p.sendEnvelope(NewError(env.ID, iface, UnknownMethodError{Method: env.Method}.Error()))
	}

	req := &Request{
		ID:        env.ID,
		Interface: env.Interface,
		Method:    env.Method,
		Params:    env.Payload,
	}
	run := func() error {
		ctx, cancel := context.WithCancel(context.WithValue(base(), peerContextKey{}, p))
		defer cancel()
		defer context.AfterFunc(session, cancel)()

		pm.callActive.Add(1)
		defer pm.callActive.Add(-1)

		var rsp *Envelope
		data, err := invoke(ctx, handler, req)
		if err != nil {
			pm.callInErr.Add(1)
			msg := err.Error()
			if msg == "" {
				msg = "handler failed"
			}
			rsp = NewError(req.ID, iface, msg)
		} else {
			rsp = NewResponse(req.ID, iface, data)
		}

		// A result that cannot be encoded is the handler's fault, not the
		// session's: report it to the caller as an error.
		msg, err := rsp.Encode()
		if err != nil {
			pm.callInErr.Add(1)
			rsp = NewError(req.ID, iface, "encode result: "+err.Error())
			if msg, err = rsp.Encode(); err != nil {
				return fmt.Errorf("encode %v: %w", rsp.Kind, err)
			}
		}
		if session.Err() != nil {
			return nil // the session ended, there is nobody to reply to
		}
		return p.sendMessage(rsp, msg)
	}

	if serial {
		return run()
	}

	// Start a goroutine to service the request. A failure to send the
	// response is protocol fatal.
	p.tasks.Go(func() error {
		if err := run(); err != nil {
			p.shutdown(err)
		}
		return nil
	})
	return nil
}

// dispatchNotification invokes the handler for an inbound notification.
// No response is ever sent; failures go to the error callback.
func (p *Peer) dispatchNotification(pm *peerMetrics, env *Envelope) {
	pm.notifyIn.Add(1)

	p.μ.Lock()
	handler, ok := p.imux[env.Method]
	base, session := p.base, p.session
	p.μ.Unlock()

	if !ok {
		pm.msgDropped.Add(1)
		p.report(fmt.Errorf("notification %d: %w", env.ID, UnknownMethodError{Method: env.Method}))
		return
	}

	ctx, cancel := context.WithCancel(context.WithValue(base(), peerContextKey{}, p))
	defer cancel()
	defer context.AfterFunc(session, cancel)()

	if _, err := invoke(ctx, handler, &Request{
		ID:           env.ID,
		Interface:    env.Interface,
		Method:       env.Method,
		Notification: true,
		Params:       env.Payload,
	}); err != nil {
		p.report(fmt.Errorf("notification %q (id %d): %w", env.Method, env.ID, err))
	}
}

// invoke calls handler, converting a panic into an error.
func invoke(ctx context.Context, handler Handler, req *Request) (_ json.RawMessage, err error) {
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = fmt.Errorf("handler panicked (recovered): %v", x)
		}
	}()
	return handler(ctx, req)
}

// sendEnvelope encodes and sends env to the remote peer.
func (p *Peer) sendEnvelope(env *Envelope) error {
	msg, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode %v: %w", env.Kind, err)
	}
	return p.sendMessage(env, msg)
}

// sendMessage sends msg, the encoding of env, to the remote peer.
func (p *Peer) sendMessage(env *Envelope, msg []byte) error {
	p.μ.Lock()
	mlog, pm := p.mlog, p.metricsLocked()
	p.μ.Unlock()

	p.out.Lock()
	defer p.out.Unlock()
	if p.out.ch == nil {
		return ErrSessionClosed
	}
	pm.msgSent.Add(1)
	if mlog != nil {
		mlog(MessageInfo{Envelope: env, Sent: true})
	}
	return p.out.ch.Send(msg)
}

func (p *Peer) closeOut() {
	p.out.Lock()
	defer p.out.Unlock()
	if p.out.ch != nil {
		p.out.ch.Close()
	}
}

// encodeParams encodes call parameters as JSON. Raw JSON and byte slices are
// used verbatim; nil is sent as an empty object.
func encodeParams(params any) (json.RawMessage, error) {
	switch t := params.(type) {
	case nil:
		return emptyPayload, nil
	case json.RawMessage:
		if len(t) == 0 {
			return emptyPayload, nil
		}
		return t, nil
	case []byte:
		if len(t) == 0 {
			return emptyPayload, nil
		}
		return json.RawMessage(t), nil
	default:
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode parameters: %w", err)
		}
		return data, nil
	}
}

type peerContextKey struct{}

// ContextPeer returns the Peer associated with the given context, or nil if
// none is defined.  The context passed to a method Handler has this value.
func ContextPeer(ctx context.Context) *Peer {
	if v := ctx.Value(peerContextKey{}); v != nil {
		return v.(*Peer)
	}
	return nil
}

// SplitAddress parses an address string to guess a network type and target.
//
// The assignment of a network type uses the following heuristics:
//
// If s does not have the form [host]:port, the network is assigned as "unix".
// The network "unix" is also assigned if port == "", port contains characters
// other than ASCII letters, digits, and "-", or if host contains a "/".
//
// Otherwise, the network is assigned as "tcp". Note that this function does
// not verify whether the address is lexically valid.
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) {
		return "unix", s
	} else if strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

// isServiceName reports whether s looks like a legal service name from the
// services(5) file. The grammar of such names is not well-defined, but for our
// purposes it includes letters, digits, and "-".
func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}
