// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package channel_test

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/duplex"
	"github.com/creachadair/duplex/channel"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/time/rate"
)

// checkPair verifies that messages pass in both directions between c and s,
// and that both ends report errors after they are closed.
func checkPair(t *testing.T, c, s duplex.Channel) {
	t.Helper()

	g := taskgroup.New(nil)
	g.Go(func() error {
		msg := []byte(`{"hello":"world"}`)
		if err := c.Send(msg); err != nil {
			t.Errorf("A Send: %v", err)
		}
		got, err := c.Recv()
		if err != nil {
			t.Errorf("A Recv: %v", err)
		}
		if !bytes.Equal(got, msg) {
			t.Errorf("Message: got %q, want %q", got, msg)
		}
		return nil
	})
	g.Go(func() error {
		msg, err := s.Recv()
		if err != nil {
			t.Errorf("B Recv: %v", err)
		}
		if err := s.Send(msg); err != nil {
			t.Errorf("B Send: %v", err)
		}
		return nil
	})
	g.Wait()

	if err := c.Close(); err != nil {
		t.Errorf("c.Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("s.Close: %v", err)
	}

	if err := c.Send(nil); err == nil {
		t.Error("c.Send after close did not report an error")
	}
	if err := s.Send(nil); err == nil {
		t.Error("s.Send after close did not report an error")
	}
	if msg, err := c.Recv(); err == nil {
		t.Errorf("c.Recv after close: got %q", msg)
	} else {
		t.Logf("Error OK: %v", err)
	}
	if msg, err := s.Recv(); err == nil {
		t.Errorf("s.Recv after close: got %q", msg)
	} else {
		t.Logf("Error OK: %v", err)
	}
}

func TestDirect(t *testing.T) {
	defer leaktest.Check(t)()

	c, s := channel.Direct()
	checkPair(t, c, s)
}

func TestDirectCloseUnblocks(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c, s := channel.Direct()

		// A pending Recv on the closing end ends with net.ErrClosed.
		self := taskgroup.Go(func() error { _, err := c.Recv(); return err })
		// A pending Recv on the other end ends with io.EOF.
		other := taskgroup.Go(func() error { _, err := s.Recv(); return err })

		synctest.Wait()
		c.Close()

		if err := self.Wait(); !errors.Is(err, net.ErrClosed) {
			t.Errorf("Recv (self): got %v, want %v", err, net.ErrClosed)
		}
		if err := other.Wait(); !errors.Is(err, io.EOF) {
			t.Errorf("Recv (peer): got %v, want %v", err, io.EOF)
		}
		if err := c.Close(); !errors.Is(err, net.ErrClosed) {
			t.Errorf("Second close: got %v, want %v", err, net.ErrClosed)
		}
	})
}

func TestQueue(t *testing.T) {
	defer leaktest.Check(t)()

	c, s := channel.Queue()
	checkPair(t, c, s)
}

func TestQueueUnbounded(t *testing.T) {
	defer leaktest.Check(t)()

	c, s := channel.Queue()
	const numMessages = 1000

	// Sends do not block even though nobody is receiving.
	var want []string
	for i := range numMessages {
		msg := strings.Repeat("x", i%17)
		want = append(want, msg)
		if err := c.Send([]byte(msg)); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	// Messages sent before close are still delivered, in order.
	c.Close()
	var got []string
	for {
		msg, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			t.Fatalf("Recv: unexpected error: %v", err)
		}
		got = append(got, string(msg))
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Messages (-want, +got):\n%s", diff)
	}
	s.Close()
}

func TestIO(t *testing.T) {
	defer leaktest.Check(t)()

	cr, sw := io.Pipe()
	sr, cw := io.Pipe()
	c := channel.IO(cr, cw)
	s := channel.IO(sr, sw)
	checkPair(t, c, s)
}

func TestIOClean(t *testing.T) {
	// A reader that ends between frames reports io.EOF.
	var buf bytes.Buffer
	for _, msg := range []string{"alpha", "", "gamma"} {
		if _, err := channel.WriteFrame(&buf, []byte(msg)); err != nil {
			t.Fatalf("WriteFrame %q: %v", msg, err)
		}
	}
	ch := channel.IO(&buf, nopCloser{io.Discard})

	var got []string
	for {
		msg, err := ch.Recv()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			t.Fatalf("Recv: unexpected error: %v", err)
		}
		got = append(got, string(msg))
	}
	if diff := cmp.Diff([]string{"alpha", "", "gamma"}, got); diff != "" {
		t.Errorf("Messages (-want, +got):\n%s", diff)
	}
}

func TestReadFrameErrors(t *testing.T) {
	tests := []struct {
		name, input, want string
	}{
		{"BadMagic", "DY\x00\x00\x00\x00\x00\x00", "invalid frame magic"},
		{"BadVersion", "DX\x01\x00\x00\x00\x00\x00", "invalid frame magic"},
		{"ShortHeader", "DX\x00\x00\x00", "short frame header"},
		{"ShortFrame", "DX\x00\x00\x00\x00\x00\x0aabc", "short frame"},
		{"Truncated", "DX\x00\x00\x00\x00\x00\x05", "short frame"},
		{"TooLarge", "DX\x00\x00\xff\xff\xff\xff", "frame too large"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, _, err := channel.ReadFrame(strings.NewReader(tc.input))
			if err == nil {
				t.Fatalf("ReadFrame: got %q, want error", msg)
			} else if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("ReadFrame: got %v, want %q", err, tc.want)
			}
			if errors.Is(err, io.EOF) {
				t.Errorf("ReadFrame: error %v should not be io.EOF", err)
			}
		})
	}
}

func TestThrottle(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		a, b := channel.Queue()
		lim := rate.NewLimiter(rate.Every(time.Second), 1)
		ta := channel.Throttle(a, lim)

		start := time.Now()
		const numMessages = 4
		for i := range numMessages {
			if err := ta.Send([]byte{byte(i)}); err != nil {
				t.Fatalf("Send %d: %v", i, err)
			}
		}
		// The first message uses the initial burst, the rest wait a second each.
		if got, want := time.Since(start), (numMessages-1)*time.Second; got < want {
			t.Errorf("Elapsed: got %v, want %v", got, want)
		}
		for i := range numMessages {
			msg, err := b.Recv()
			if err != nil {
				t.Fatalf("Recv %d: %v", i, err)
			}
			if len(msg) != 1 || msg[0] != byte(i) {
				t.Errorf("Recv %d: got %v", i, msg)
			}
		}

		// Closing interrupts a send waiting for a token.
		blocked := taskgroup.Go(func() error { return ta.Send([]byte("late")) })
		synctest.Wait()
		ta.Close()
		if err := blocked.Wait(); !errors.Is(err, net.ErrClosed) {
			t.Errorf("Send after close: got %v, want %v", err, net.ErrClosed)
		}
		b.Close()
	})
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
