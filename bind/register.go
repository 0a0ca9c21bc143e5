// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package bind

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/creachadair/duplex"
)

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

// Register binds a handler to the peer of in for each method of in, using the
// exported method of impl with the same name. It reports an error without
// binding anything if impl lacks a method, or if a method has the wrong shape
// for its kind. Register will panic if in is not bound to a peer.
//
// The accepted method shapes for each kind are:
//
//	Notify: func(context.Context[, P])
//	Void:   func(context.Context[, P]) error
//	Value:  func(context.Context[, P]) (R, error)
//
// Parameters are decoded from JSON into a value of type P, and results are
// sent in a container of the form {"Result": R}.
func Register(in Interface, impl any) error {
	rv := reflect.ValueOf(impl)
	if !rv.IsValid() {
		return errors.New("register: nil implementation")
	}

	handlers := make(map[string]duplex.Handler)
	var errs []error
	for _, m := range in.Methods() {
		fn := rv.MethodByName(m.Name)
		if !fn.IsValid() {
			errs = append(errs, fmt.Errorf("%T has no method %q", impl, m.Name))
			continue
		}
		h, err := newMethodHandler(m.Kind, fn)
		if err != nil {
			errs = append(errs, fmt.Errorf("method %q: %w", m.Name, err))
			continue
		}
		handlers[m.Name] = h
	}
	if len(errs) != 0 {
		return fmt.Errorf("register %s: %w", in.name, errors.Join(errs...))
	}
	for name, h := range handlers {
		in.peer.Handle(name, h)
	}
	return nil
}

// newMethodHandler checks that fn has the shape required for kind, and
// returns a Handler that decodes its parameters and calls it.
func newMethodHandler(kind Kind, fn reflect.Value) (duplex.Handler, error) {
	ft := fn.Type()
	if ft.NumIn() < 1 || ft.NumIn() > 2 || ft.In(0) != contextType {
		return nil, fmt.Errorf("want func(context.Context[, P]), got %v", ft)
	}
	var ptype reflect.Type
	if ft.NumIn() == 2 {
		ptype = ft.In(1)
	}

	switch kind {
	case Notify:
		if ft.NumOut() != 0 {
			return nil, fmt.Errorf("notification method has results: %v", ft)
		}
	case Void:
		if ft.NumOut() != 1 || ft.Out(0) != errorType {
			return nil, fmt.Errorf("void method must return only error: %v", ft)
		}
	case Value:
		if ft.NumOut() != 2 || ft.Out(1) != errorType {
			return nil, fmt.Errorf("value method must return (R, error): %v", ft)
		}
	default:
		return nil, fmt.Errorf("invalid method kind %v", kind)
	}

	return func(ctx context.Context, req *duplex.Request) (json.RawMessage, error) {
		args := []reflect.Value{reflect.ValueOf(ctx)}
		if ptype != nil {
			pv := reflect.New(ptype)
			params := req.Params
			if len(params) == 0 {
				params = json.RawMessage("{}")
			}
			if err := json.Unmarshal(params, pv.Interface()); err != nil {
				return nil, fmt.Errorf("invalid parameters: %w", err)
			}
			args = append(args, pv.Elem())
		}
		out := fn.Call(args)

		switch kind {
		case Void:
			return nil, asError(out[0])
		case Value:
			if err := asError(out[1]); err != nil {
				return nil, err
			}
			return json.Marshal(struct{ Result any }{Result: out[0].Interface()})
		}
		return nil, nil
	}, nil
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}
