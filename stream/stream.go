// Package stream provides helpers for implementing streaming RPCs,
// where a single method call yields a stream of response payloads.
//
// The caller registers a one-off capability method on its own peer and sends
// its name with the request. The handler delivers each item of the stream as
// a notification to that method, and ends the stream with the ordinary
// response to the request. Since a peer handles notifications and responses
// in the order they arrive, every item is delivered before the stream ends.
package stream

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"iter"
	"sync"

	"github.com/creachadair/duplex"
	"github.com/creachadair/mds/queue"
)

// A 24-byte random value acts as a capability when registered as a
// method. The value is not brute-forceable in reasonable time, and
// has negligible probability of collision. From the XChaCha20 RFC
// draft: 2^80 concurrently active capabilities on the same Peer has a
// 2^-32 probability of collision.
const capabilityLen = 24

// mkCapability returns a random capability, encoded as a method name.
func mkCapability() string {
	var ret [capabilityLen]byte
	rand.Read(ret[:])
	return "stream." + hex.EncodeToString(ret[:])
}

// streamParams is the parameter envelope of a streaming call.
type streamParams struct {
	Cap    string          // the capability method for stream items
	Params json.RawMessage // the parameters of the call
}

// items buffers stream values delivered by the capability handler until the
// iterator is ready to yield them. The capability handler runs in the
// dispatch loop of the peer, so it must not wait for the consumer.
type items struct {
	μ     sync.Mutex
	q     queue.Queue[json.RawMessage]
	ready chan struct{}
}

func (s *items) put(v json.RawMessage) {
	s.μ.Lock()
	s.q.Add(v)
	s.μ.Unlock()
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *items) take() (json.RawMessage, bool) {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.q.Pop()
}

// Call sends a call to the remote peer for the specified method and
// parameters, and yields a stream of responses. The response stream ends at
// the peer's discretion, or when ctx is canceled. Parameters are encoded as
// JSON; a json.RawMessage is sent verbatim.
//
// The returned iterator yields zero or more (v, nil) values. If the
// call ends unsuccessfully, the iterator ends the stream with a final
// (nil, err) tuple.
func Call(ctx context.Context, peer *duplex.Peer, method string, params any) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		sp := streamParams{Cap: mkCapability(), Params: json.RawMessage("{}")}
		if params != nil {
			data, err := json.Marshal(params)
			if err != nil {
				yield(nil, err)
				return
			}
			sp.Params = data
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		// The peer streams values back to us by notifying the passed-in
		// capability, which runs this handler in the dispatch loop of the
		// peer. Buffer the values there and yield them here.
		buf := &items{ready: make(chan struct{}, 1)}
		peer.Handle(sp.Cap, func(_ context.Context, req *duplex.Request) (json.RawMessage, error) {
			if err := ctx.Err(); err != nil {
				// The stream is already unwinding; this also rejects a
				// server that keeps sending after its call returned.
				return nil, err
			}
			buf.put(req.Params)
			return nil, nil
		})

		errch := make(chan error, 1)
		go func() {
			// Note, unregister the capability handler in this goroutine,
			// not the calling context, so that items sent before the call
			// ends are not dropped as the iterator shuts down.
			defer peer.Handle(sp.Cap, nil)
			_, err := peer.Call(ctx, method, sp)
			if ctx.Err() != nil {
				// Report a client-side cancellation as a local error,
				// regardless of whether the call noticed it first.
				err = ctx.Err()
			}
			errch <- err
		}()

		for {
			if v, ok := buf.take(); ok {
				if !yield(v, nil) {
					// Returning cancels the context the call runs in, so
					// it will unwind and clean up the capability.
					return
				}
				continue
			}
			select {
			case <-buf.ready:
			case err := <-errch:
				// All items sent before the response have been buffered.
				for {
					v, ok := buf.take()
					if !ok {
						break
					}
					if !yield(v, nil) {
						return
					}
				}
				if err != nil {
					yield(nil, err)
				}
				return
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}
	}
}

// HandlerFunc is a variant of duplex.Handler that yields a stream of
// responses, rather than a single value. The returned iterator is
// expected to only yield a non-nil error as its final element,
// following zero or more error-free tuples.
type HandlerFunc func(context.Context, *duplex.Request) iter.Seq2[json.RawMessage, error]

// Handle adapts a HandlerFunc into a duplex.Handler for method on peer. The
// resulting handler must be invoked with [Call].
func Handle(peer *duplex.Peer, method string, fn HandlerFunc) {
	peer.Handle(method, func(ctx context.Context, req *duplex.Request) (json.RawMessage, error) {
		var sp streamParams
		if err := json.Unmarshal(req.Params, &sp); err != nil || sp.Cap == "" {
			return nil, errors.New("invalid stream request")
		}
		sreq := *req
		sreq.Params = sp.Params

		peer := duplex.ContextPeer(ctx)

		for v, err := range fn(ctx, &sreq) {
			if err != nil {
				return nil, err
			}
			// We hand the context to the iterator and hope that it'll
			// yield to cancellation itself, but we can't force it
			// to. As a fallback, also explicitly bail on cancellation
			// here.
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := peer.Notify(sp.Cap, v); err != nil {
				return nil, err
			}
		}

		// We might have fallen out of the loop due to a cancellation,
		// if the iterator reacted to a cancellation by simply
		// returning, rather than yielding a final error. Rescue such
		// cases by returning any context error ourselves, if the
		// iterator didn't volunteer an error.
		return nil, ctx.Err()
	})
}
