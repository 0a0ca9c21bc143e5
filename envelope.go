// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package duplex

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/creachadair/mds/value"
)

// Kind describes the role of an envelope on the wire.
type Kind byte

const (
	KindRequest      Kind = 0 // A call expecting exactly one response
	KindResponse     Kind = 1 // The reply to a prior request
	KindNotification Kind = 2 // A call expecting no reply
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "REQUEST"
	case KindResponse:
		return "RESPONSE"
	case KindNotification:
		return "NOTIFICATION"
	default:
		return fmt.Sprintf("KIND:%d", byte(k))
	}
}

// emptyPayload is the payload sent when there is nothing to carry.
var emptyPayload = json.RawMessage(`{}`)

// An Envelope is the unit of exchange between two peers: one call, one
// notification, or one reply.
//
// The ID of a request or notification is assigned by the sending peer. The
// ID of a response is the ID of the request it answers, and is only ever
// resolved against the pending calls of the peer that sent that request.
type Envelope struct {
	ID        int64
	Interface string // name of the method set, for diagnostics
	Method    string // empty for responses
	Kind      Kind

	// Failed and Error are set only for a response reporting an error. A
	// failed response carries no payload.
	Failed bool
	Error  string

	// Payload holds the arguments of a request or notification, or the result
	// of a successful response. It is left undecoded until a consumer knows
	// what shape to expect.
	Payload json.RawMessage
}

// NewRequest constructs a request envelope.
func NewRequest(id int64, iface, method string, params json.RawMessage) *Envelope {
	return &Envelope{ID: id, Interface: iface, Method: method, Kind: KindRequest, Payload: params}
}

// NewNotification constructs a notification envelope.
func NewNotification(id int64, iface, method string, params json.RawMessage) *Envelope {
	return &Envelope{ID: id, Interface: iface, Method: method, Kind: KindNotification, Payload: params}
}

// NewResponse constructs a successful response envelope for the request id.
// A nil result is sent as an empty object.
func NewResponse(id int64, iface string, result json.RawMessage) *Envelope {
	return &Envelope{ID: id, Interface: iface, Kind: KindResponse, Payload: result}
}

// NewError constructs a failed response envelope for the request id.
// An empty message is replaced by a generic one, since a failed response must
// always carry its error.
func NewError(id int64, iface, message string) *Envelope {
	if message == "" {
		message = "remote error"
	}
	return &Envelope{ID: id, Interface: iface, Kind: KindResponse, Failed: true, Error: message}
}

// wireEnvelope is the JSON encoding of an Envelope. Pointer fields are used to
// detect whether required fields were present.
type wireEnvelope struct {
	ID        *int64          `json:"id"`
	Interface string          `json:"i"`
	Method    string          `json:"m"`
	Kind      *Kind           `json:"k"`
	Error     *string         `json:"err,omitempty"`
	Payload   json.RawMessage `json:"p"`
}

// Validate reports whether e satisfies the structural rules for its kind.
func (e *Envelope) Validate() error {
	switch e.Kind {
	case KindRequest, KindNotification:
		if e.Method == "" {
			return fmt.Errorf("%v %d: missing method name", e.Kind, e.ID)
		} else if e.Failed {
			return fmt.Errorf("%v %d: only a response may carry an error", e.Kind, e.ID)
		}
	case KindResponse:
		if e.Failed && !isEmpty(e.Payload) {
			return fmt.Errorf("response %d: cannot have both result and error", e.ID)
		}
	default:
		return fmt.Errorf("invalid message kind %d", byte(e.Kind))
	}
	return nil
}

// Encode encodes e in its JSON wire format.
func (e *Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	id, kind := e.ID, e.Kind
	w := wireEnvelope{
		ID:        &id,
		Interface: e.Interface,
		Method:    e.Method,
		Kind:      &kind,
		Payload:   e.Payload,
	}
	if e.Failed {
		msg := e.Error
		w.Error = &msg
		w.Payload = emptyPayload
	} else if isEmpty(w.Payload) {
		w.Payload = emptyPayload
	}
	return json.Marshal(w)
}

// Decode decodes data in JSON wire format into e. Any error it reports has
// concrete type *DecodeError. The payload is retained without interpretation.
func (e *Envelope) Decode(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return &DecodeError{Data: data, Err: err}
	}
	if w.ID == nil {
		return &DecodeError{Data: data, Err: errors.New("missing message id")}
	} else if w.Kind == nil {
		return &DecodeError{Data: data, Err: errors.New("missing message kind")}
	} else if *w.Kind > KindNotification {
		return &DecodeError{Data: data, Err: fmt.Errorf("invalid message kind %d", byte(*w.Kind))}
	}
	*e = Envelope{
		ID:        *w.ID,
		Interface: w.Interface,
		Method:    w.Method,
		Kind:      *w.Kind,
		Payload:   w.Payload,
	}
	if w.Error != nil && e.Kind == KindResponse {
		e.Failed = true
		e.Error = *w.Error
		if e.Error == "" {
			e.Error = "remote error"
		}
		e.Payload = nil
	}
	if isEmpty(e.Payload) {
		e.Payload = emptyPayload
	}
	return nil
}

// maxShowPayload is the longest payload prefix rendered by String.
const maxShowPayload = 64

// String returns a human-friendly rendering of the envelope.
func (e *Envelope) String() string {
	var data string
	if e.Failed {
		data = fmt.Sprintf("Error=%q", e.Error)
	} else {
		p := string(e.Payload)
		data = "Payload=" + value.Cond(len(p) > maxShowPayload, truncate(p, maxShowPayload)+" ...", p)
	}
	name := e.Method
	if e.Interface != "" {
		name = e.Interface + "." + e.Method
	}
	return fmt.Sprintf("Envelope(ID=%d, %v, %q, %s)", e.ID, e.Kind, name, data)
}

// isEmpty reports whether p carries nothing: no bytes, JSON null, or an empty
// object.
func isEmpty(p json.RawMessage) bool {
	t := bytes.TrimSpace(p)
	if len(t) == 0 || string(t) == "null" {
		return true
	}
	if t[0] != '{' || t[len(t)-1] != '}' {
		return false
	}
	return len(bytes.TrimSpace(t[1:len(t)-1])) == 0
}

// truncate returns a prefix of s no longer than n bytes that does not split
// a UTF-8 encoding.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
