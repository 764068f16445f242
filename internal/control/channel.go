package control

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize bounds one control message.
const MaxFrameSize = 4 << 20

type received struct {
	msg Message
	err error
}

// Channel is a bidirectional control channel over any byte stream: the
// stdin/stdout pipes of a child process, or one end of a net.Pipe.
type Channel struct {
	rwc io.ReadWriteCloser

	wmu      sync.Mutex
	incoming chan received
	closing  chan struct{}
	done     chan struct{}
	err      error
	once     sync.Once
}

// NewChannel starts reading from rwc.
func NewChannel(rwc io.ReadWriteCloser) *Channel {
	c := &Channel{
		rwc:      rwc,
		incoming: make(chan received, 16),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Send writes one message.
func (c *Channel) Send(msg Message) error {
	body, err := Marshal(msg)
	if err != nil {
		return err
	}

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	select {
	case <-c.closing:
		return ErrClosed
	default:
	}
	if _, err := c.rwc.Write(frame); err != nil {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return nil
}

// Receive returns the next message. A message that fails to decode is
// returned as an error on its own; the following call continues with the
// next message. Once the stream ends Receive returns an error wrapping
// ErrClosed.
func (c *Channel) Receive(ctx context.Context) (Message, error) {
	select {
	case r := <-c.incoming:
		return r.msg, r.err
	default:
	}

	select {
	case r := <-c.incoming:
		return r.msg, r.err
	case <-c.done:
		select {
		case r := <-c.incoming:
			return r.msg, r.err
		default:
		}
		return nil, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when the read side has ended.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns why the read side ended; nil while it is open.
func (c *Channel) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close closes the underlying stream. Safe to call more than once. It does
// not wait for the read side: a blocking stdin may only end with the process.
func (c *Channel) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closing)
		err = c.rwc.Close()
	})
	return err
}

func (c *Channel) readLoop() {
	var err error
	defer func() {
		c.err = err
		close(c.done)
	}()

	for {
		var hdr [4]byte
		if _, rerr := io.ReadFull(c.rwc, hdr[:]); rerr != nil {
			err = c.closeError(rerr)
			return
		}
		n := binary.BigEndian.Uint32(hdr[:])
		if n > MaxFrameSize {
			err = fmt.Errorf("%w: frame of %d bytes", ErrClosed, n)
			return
		}
		body := make([]byte, n)
		if _, rerr := io.ReadFull(c.rwc, body); rerr != nil {
			if errors.Is(rerr, io.EOF) {
				rerr = io.ErrUnexpectedEOF
			}
			err = c.closeError(rerr)
			return
		}

		msg, derr := Unmarshal(body)
		select {
		case c.incoming <- received{msg: msg, err: derr}:
		case <-c.closing:
			err = ErrClosed
			return
		}
	}
}

func (c *Channel) closeError(err error) error {
	select {
	case <-c.closing:
		return ErrClosed
	default:
	}
	return fmt.Errorf("%w: %w", ErrClosed, err)
}

type pipe struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

func (p *pipe) Close() error {
	var errs []error
	for _, c := range p.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewPipe joins a read and a write stream into one ReadWriteCloser, such as
// the stdout and stdin of a child process.
func NewPipe(r io.ReadCloser, w io.WriteCloser) io.ReadWriteCloser {
	return &pipe{Reader: r, Writer: w, closers: []io.Closer{w, r}}
}
