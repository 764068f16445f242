// Package transfer lets worker processes share listening sockets owned by the
// supervisor. A worker asks for a (network, address) pair over a unix socket
// and receives the listener's descriptor with SCM_RIGHTS, so every reactor of
// a group accepts on the same port.
package transfer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
	"golang.org/x/sys/unix"
)

var (
	// ErrClosed indicates the transport or hub was closed
	ErrClosed = errors.New("transfer: closed")

	// ErrUnknownKey indicates a worker connected with a key the hub never issued
	ErrUnknownKey = errors.New("transfer: unknown key")
)

const maxMessageSize = 64 << 10

type listenRequest struct {
	Network string `cbor:"1,keyasint"`
	Address string `cbor:"2,keyasint"`
}

type listenReply struct {
	Error string `cbor:"1,keyasint,omitempty"`
	Addr  string `cbor:"2,keyasint,omitempty"`
}

// Transport is one worker's connection to the hub. The worker side calls
// Listen; the supervisor side hands it to Hub.ProvideFor.
type Transport struct {
	conn *net.UnixConn
	key  string
	mu   sync.Mutex
	once sync.Once
}

// Key returns the handshake key the transport was established with.
func (t *Transport) Key() string {
	return t.key
}

// Dial connects a worker to the hub at uri and identifies it with key.
func Dial(ctx context.Context, uri, key string) (*Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", uri)
	if err != nil {
		return nil, fmt.Errorf("transfer: dial hub: %w", err)
	}
	uc := conn.(*net.UnixConn)

	if err := writeMessage(uc, []byte(key), nil); err != nil {
		uc.Close()
		return nil, fmt.Errorf("transfer: handshake: %w", err)
	}
	return &Transport{conn: uc, key: key}, nil
}

// Listen asks the supervisor for a listener bound to address. Workers asking
// for the same pair share one socket.
func (t *Transport) Listen(ctx context.Context, network, address string) (net.Listener, error) {
	req, err := cbor.Marshal(listenRequest{Network: network, Address: address})
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetDeadline(deadline)
		defer t.conn.SetDeadline(time.Time{})
	}

	if err := writeMessage(t.conn, req, nil); err != nil {
		return nil, fmt.Errorf("transfer: send listen request: %w", err)
	}

	body, fds, err := readMessage(t.conn)
	if err != nil {
		return nil, fmt.Errorf("transfer: read listen reply: %w", err)
	}
	defer closeFDs(fds[min(1, len(fds)):])

	var reply listenReply
	if err := cbor.Unmarshal(body, &reply); err != nil {
		closeFDs(fds)
		return nil, fmt.Errorf("transfer: decode listen reply: %w", err)
	}
	if reply.Error != "" {
		closeFDs(fds)
		return nil, fmt.Errorf("transfer: listen %s %s: %s", network, address, reply.Error)
	}
	if len(fds) == 0 {
		return nil, fmt.Errorf("transfer: listen %s %s: no descriptor received", network, address)
	}

	f := os.NewFile(uintptr(fds[0]), fmt.Sprintf("%s:%s", network, reply.Addr))
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("transfer: wrap listener: %w", err)
	}
	return ln, nil
}

// Close closes the connection to the hub. Listeners already received stay open.
func (t *Transport) Close() error {
	var err error
	t.once.Do(func() { err = t.conn.Close() })
	return err
}

// writeMessage sends | uint32 length | body | with optional ancillary data in
// a single sendmsg.
func writeMessage(conn *net.UnixConn, body, oob []byte) error {
	if len(body) > maxMessageSize {
		return fmt.Errorf("transfer: message of %d bytes too large", len(body))
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)

	n, _, err := conn.WriteMsgUnix(buf, oob, nil)
	if err != nil {
		return err
	}
	if n != len(buf) {
		_, err = conn.Write(buf[n:])
	}
	return err
}

// readMessage reads exactly one message and any descriptors that came with
// it. The stream is never read past the message body: a worker may queue a
// listen request right behind its handshake.
func readMessage(conn *net.UnixConn) ([]byte, []int, error) {
	var hdr [4]byte
	oob := make([]byte, unix.CmsgSpace(4*4))

	// descriptors ride on the first byte of the message
	n, oobn, _, _, err := conn.ReadMsgUnix(hdr[:], oob)
	if err != nil {
		return nil, nil, err
	}
	if n == 0 {
		return nil, nil, io.EOF
	}

	var fds []int
	if oobn > 0 {
		msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return nil, nil, fmt.Errorf("parse control message: %w", err)
		}
		for i := range msgs {
			rights, err := unix.ParseUnixRights(&msgs[i])
			if err != nil {
				continue
			}
			fds = append(fds, rights...)
		}
	}

	if n < len(hdr) {
		if _, err := io.ReadFull(conn, hdr[n:]); err != nil {
			closeFDs(fds)
			return nil, nil, err
		}
	}
	size := int(binary.BigEndian.Uint32(hdr[:]))
	if size > maxMessageSize {
		closeFDs(fds)
		return nil, nil, fmt.Errorf("transfer: message of %d bytes too large", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(conn, body); err != nil {
		closeFDs(fds)
		return nil, nil, err
	}
	return body, fds, nil
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
