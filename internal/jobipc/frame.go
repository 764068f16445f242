package jobipc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// frame kinds
const (
	kindRequest  byte = 1
	kindResponse byte = 2
)

// DefaultMaxFrameSize bounds a single job message.
const DefaultMaxFrameSize = 16 << 20

// writeFrame writes | uint32 length | kind | body |, length counting kind and
// body. The whole frame goes out in one Write call.
func writeFrame(w io.Writer, kind byte, body []byte) error {
	_, err := w.Write(appendFrame(make([]byte, 0, 5+len(body)), kind, body))
	return err
}

// readFrame reads one frame. A frame larger than max is consumed and
// reported with ErrFrameTooLarge so the stream stays aligned.
func readFrame(r io.Reader, max int) (byte, []byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return 0, nil, fmt.Errorf("jobipc: empty frame")
	}
	if max > 0 && int(n) > max {
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			return 0, nil, err
		}
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	return buf[0], buf[1:], nil
}
