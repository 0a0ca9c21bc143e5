// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the duplex.Handler type for functions
// with other signatures, and typed helpers for calling them.
//
// Parameters are decoded from JSON into a value of type P, typically a struct
// with one field per argument. A P of type json.RawMessage receives the
// parameters verbatim.
//
// Results are wrapped in a [Result] container, so a function returning 25
// sends the payload {"Result":25}. Functions with no result send an empty
// payload, which acknowledges that the call completed.
package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/creachadair/duplex"
)

// Result is the container for the result of a call that returns a value.
type Result[R any] struct {
	Result R
}

// reqContextKey is a context key for the request value to a handler.
type reqContextKey struct{}

// ContextRequest returns the original request message passed to the handler,
// or nil if ctx has no associated request.  The context passed to a handler
// returned by this package will have this value.
func ContextRequest(ctx context.Context) *duplex.Request {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*duplex.Request)
	}
	return nil
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a duplex.Handler.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) duplex.Handler {
	return func(ctx context.Context, req *duplex.Request) (json.RawMessage, error) {
		var p P
		if err := unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx, p)
		if err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a duplex.Handler.
func ParamResult[P, R any](f func(context.Context, P) R) duplex.Handler {
	return func(ctx context.Context, req *duplex.Request) (json.RawMessage, error) {
		var p P
		if err := unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return marshal(f(hctx, p))
	}
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a duplex.Handler.
func ParamError[P any](f func(context.Context, P) error) duplex.Handler {
	return func(ctx context.Context, req *duplex.Request) (json.RawMessage, error) {
		var p P
		if err := unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return nil, f(hctx, p)
	}
}

// Param adapts a function f that accepts parameters of type P and reports
// nothing, to a duplex.Handler. This is the usual shape of a handler for
// notifications.
func Param[P any](f func(context.Context, P)) duplex.Handler {
	return func(ctx context.Context, req *duplex.Request) (json.RawMessage, error) {
		var p P
		if err := unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		f(context.WithValue(ctx, reqContextKey{}, req), p)
		return nil, nil
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a duplex.Handler.
func ResultError[R any](f func(context.Context) (R, error)) duplex.Handler {
	return func(ctx context.Context, req *duplex.Request) (json.RawMessage, error) {
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx)
		if err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R without error, to a duplex.Handler.
func ResultOnly[R any](f func(context.Context) R) duplex.Handler {
	return func(ctx context.Context, req *duplex.Request) (json.RawMessage, error) {
		return marshal(f(context.WithValue(ctx, reqContextKey{}, req)))
	}
}

// Call calls method on p with the given parameters, and decodes the result
// container of the response into a value of type R.
func Call[R any](ctx context.Context, p *duplex.Peer, method string, params any) (R, error) {
	var out Result[R]
	rsp, err := p.Call(ctx, method, params)
	if err != nil {
		return out.Result, err
	}
	if err := json.Unmarshal(rsp, &out); err != nil {
		return out.Result, fmt.Errorf("call %q: decode result: %w", method, err)
	}
	return out.Result, nil
}

// Invoke calls method on p with the given parameters, and waits for the
// remote peer to acknowledge that it has completed. Any result is discarded.
func Invoke(ctx context.Context, p *duplex.Peer, method string, params any) error {
	_, err := p.Call(ctx, method, params)
	return err
}

// unmarshal decodes the JSON parameters in data into v.
// An empty data is decoded as an empty object.
func unmarshal(data json.RawMessage, v any) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}

// marshal encodes v into a result container.
func marshal[R any](v R) (json.RawMessage, error) {
	data, err := json.Marshal(Result[R]{Result: v})
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return data, nil
}
