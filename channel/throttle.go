// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package channel

import (
	"context"
	"errors"
	"net"

	"github.com/creachadair/duplex"
	"golang.org/x/time/rate"
)

// Throttle returns a channel that delegates to ch, but waits for a token from
// lim before each message is sent. Receiving is not limited. Closing the
// throttled channel interrupts a send that is waiting for a token.
func Throttle(ch duplex.Channel, lim *rate.Limiter) duplex.Channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &throttled{Channel: ch, lim: lim, ctx: ctx, cancel: cancel}
}

type throttled struct {
	duplex.Channel
	lim    *rate.Limiter
	ctx    context.Context
	cancel context.CancelFunc
}

// Send implements a method of the [duplex.Channel] interface.
func (t *throttled) Send(msg []byte) error {
	if err := t.lim.Wait(t.ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return net.ErrClosed
		}
		return err
	}
	return t.Channel.Send(msg)
}

// Close implements a method of the [duplex.Channel] interface.
func (t *throttled) Close() error {
	t.cancel()
	return t.Channel.Close()
}
