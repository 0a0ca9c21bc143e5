// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package channel

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	frameVersion = 0
	headerLen    = 8

	// MaxFrameSize is the largest message payload accepted by ReadFrame.
	MaxFrameSize = 16 << 20
)

// WriteFrame writes msg to w as a single frame. A frame is an 8-byte header
// followed by the message:
//
//	'D' 'X' <version> <reserved> <length:uint32 big-endian>
//
// It reports the total number of bytes written.
func WriteFrame(w io.Writer, msg []byte) (int64, error) {
	if len(msg) > MaxFrameSize {
		return 0, fmt.Errorf("message too large (%d > %d bytes)", len(msg), MaxFrameSize)
	}
	buf := [headerLen]byte{'D', 'X', frameVersion, 0}
	binary.BigEndian.PutUint32(buf[4:], uint32(len(msg)))
	nw, err := w.Write(buf[:])
	if err == nil && len(msg) != 0 {
		var np int
		np, err = w.Write(msg)
		nw += np
	}
	return int64(nw), err
}

// ReadFrame reads a single frame from r and returns its message. It reports
// io.EOF if r ends cleanly before the start of a frame.
func ReadFrame(r io.Reader) ([]byte, int64, error) {
	var buf [headerLen]byte
	nr, err := io.ReadFull(r, buf[:])
	if err == io.EOF {
		return nil, 0, err
	} else if err != nil {
		return nil, int64(nr), fmt.Errorf("short frame header: %w", err)
	}
	if p := string(buf[:3]); p != "DX\x00" {
		return nil, int64(nr), fmt.Errorf("invalid frame magic %q", p)
	}

	size := binary.BigEndian.Uint32(buf[4:])
	if size > MaxFrameSize {
		return nil, int64(nr), fmt.Errorf("frame too large (%d > %d bytes)", size, MaxFrameSize)
	}
	msg := make([]byte, int(size))
	np, err := io.ReadFull(r, msg)
	nr += np
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		return nil, int64(nr), fmt.Errorf("short frame: %w", err)
	}
	return msg, int64(nr), nil
}
