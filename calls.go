// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package duplex

import (
	"encoding/json"
	"sync"
)

// A result is the single resolution of a pending call.
type result struct {
	data    json.RawMessage // the result payload, on success
	message string          // the remote error message, if failed
	failed  bool            // the remote peer reported an error
	err     error           // a local error, such as the end of the session
}

// A pending call receives exactly one result. It is buffered so that
// resolution never blocks, even if the caller has stopped waiting.
type pending chan result

func (p pending) deliver(r result) { p <- r; close(p) }

// A callTable tracks outbound calls awaiting a response, keyed by call ID.
//
// Calls are added by callers, removed by the dispatch loop when a response
// arrives, and removed all at once when the session ends. Once drained, the
// table admits no further calls.
type callTable struct {
	μ     sync.Mutex
	calls map[int64]pending
	err   error // if non-nil, the table has been drained
}

func newCallTable() *callTable { return &callTable{calls: make(map[int64]pending)} }

// register adds a pending call for id. It reports ErrDuplicateID if id is
// already pending, or the drain error if the table has been drained.
func (t *callTable) register(id int64) (pending, error) {
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.err != nil {
		return nil, t.err
	} else if _, ok := t.calls[id]; ok {
		return nil, ErrDuplicateID
	}
	pc := make(pending, 1)
	t.calls[id] = pc
	return pc, nil
}

// take removes and returns the pending call for id, if any.
func (t *callTable) take(id int64) (pending, bool) {
	t.μ.Lock()
	defer t.μ.Unlock()
	pc, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	return pc, ok
}

// resolveSuccess completes the call for id with data. It reports false
// without error if no call is pending for id.
func (t *callTable) resolveSuccess(id int64, data json.RawMessage) bool {
	pc, ok := t.take(id)
	if ok {
		pc.deliver(result{data: data})
	}
	return ok
}

// resolveError completes the call for id with a remote error. It reports
// false without error if no call is pending for id.
func (t *callTable) resolveError(id int64, message string) bool {
	pc, ok := t.take(id)
	if ok {
		pc.deliver(result{message: message, failed: true})
	}
	return ok
}

// release discards the call for id without resolving it. This is used when
// the request could not be sent.
func (t *callTable) release(id int64) { t.take(id) }

// drain completes every pending call with reason and closes the table to new
// calls. Only the first call to drain has any effect; it reports whether this
// call was the one that drained the table.
func (t *callTable) drain(reason error) bool {
	t.μ.Lock()
	if t.err != nil {
		t.μ.Unlock()
		return false
	}
	t.err = reason
	calls := t.calls
	t.calls = nil
	t.μ.Unlock()

	for _, pc := range calls {
		pc.deliver(result{err: reason})
	}
	return true
}

// len reports the number of calls currently pending.
func (t *callTable) len() int {
	t.μ.Lock()
	defer t.μ.Unlock()
	return len(t.calls)
}
