package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const handshakeTimeout = 5 * time.Second

// Hub is the supervisor end of the socket transfer. Each worker gets a key
// from GenerateKey, connects with it, and is then served by ProvideFor.
type Hub struct {
	path   string
	ln     *net.UnixListener
	logger *zap.Logger

	mu        sync.Mutex
	waiting   map[string]chan *net.UnixConn
	listeners map[string]net.Listener
	closed    bool

	wg sync.WaitGroup
}

// NewHub listens on path, replacing a stale socket left by a previous run.
func NewHub(path string, logger *zap.Logger) (*Hub, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("transfer: remove stale socket: %w", err)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("transfer: listen %s: %w", path, err)
	}

	h := &Hub{
		path:      path,
		ln:        ln,
		logger:    logger.Named("transfer"),
		waiting:   make(map[string]chan *net.UnixConn),
		listeners: make(map[string]net.Listener),
	}
	h.wg.Add(1)
	go h.acceptLoop()
	return h, nil
}

// URI is the address workers dial.
func (h *Hub) URI() string {
	return h.path
}

// GenerateKey issues a key for one worker. The worker may connect before
// CreateTransport is called.
func (h *Hub) GenerateKey() string {
	key := uuid.NewString()
	h.mu.Lock()
	h.waiting[key] = make(chan *net.UnixConn, 1)
	h.mu.Unlock()
	return key
}

// CreateTransport waits until the worker holding key has connected.
func (h *Hub) CreateTransport(ctx context.Context, key string) (*Transport, error) {
	h.mu.Lock()
	ch, ok := h.waiting[key]
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	defer h.forget(key)

	select {
	case conn, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return &Transport{conn: conn, key: key}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("transfer: waiting for worker handshake: %w", ctx.Err())
	}
}

// ProvideFor serves listen requests from one worker until its transport
// closes or ctx is done.
func (h *Hub) ProvideFor(ctx context.Context, t *Transport) error {
	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()

	for {
		body, fds, err := readMessage(t.conn)
		closeFDs(fds)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("transfer: read request: %w", err)
		}

		var req listenRequest
		if err := cbor.Unmarshal(body, &req); err != nil {
			h.logger.Warn("Dropping malformed listen request", zap.Error(err))
			continue
		}
		if err := h.serve(t, req); err != nil {
			return err
		}
	}
}

func (h *Hub) serve(t *Transport, req listenRequest) error {
	f, addr, err := h.listenerFile(req.Network, req.Address)
	if err != nil {
		h.logger.Warn("Listen request failed",
			zap.String("network", req.Network),
			zap.String("address", req.Address),
			zap.Error(err))
		return h.reply(t, listenReply{Error: err.Error()}, nil)
	}
	defer f.Close()

	h.logger.Debug("Passing listener",
		zap.String("key", t.key),
		zap.String("network", req.Network),
		zap.String("address", addr))
	return h.reply(t, listenReply{Addr: addr}, unix.UnixRights(int(f.Fd())))
}

func (h *Hub) reply(t *Transport, reply listenReply, oob []byte) error {
	body, err := cbor.Marshal(reply)
	if err != nil {
		return err
	}
	if err := writeMessage(t.conn, body, oob); err != nil {
		return fmt.Errorf("transfer: send reply: %w", err)
	}
	return nil
}

// listenerFile returns a duplicate descriptor of the listener for
// network/address, opening it on first use.
func (h *Hub) listenerFile(network, address string) (*os.File, string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, "", ErrClosed
	}

	id := network + "|" + address
	ln, ok := h.listeners[id]
	if !ok {
		var err error
		ln, err = net.Listen(network, address)
		if err != nil {
			return nil, "", err
		}
		h.listeners[id] = ln
		h.logger.Info("Opened shared listener",
			zap.String("network", network),
			zap.String("address", ln.Addr().String()))
	}

	fl, ok := ln.(interface{ File() (*os.File, error) })
	if !ok {
		return nil, "", fmt.Errorf("listener %T cannot be passed", ln)
	}
	f, err := fl.File()
	if err != nil {
		return nil, "", err
	}
	return f, ln.Addr().String(), nil
}

func (h *Hub) acceptLoop() {
	defer h.wg.Done()
	for {
		conn, err := h.ln.AcceptUnix()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			h.logger.Warn("Accept failed", zap.Error(err))
			if errors.Is(err, syscall.EMFILE) {
				time.Sleep(100 * time.Millisecond)
			}
			continue
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.handshake(conn)
		}()
	}
}

func (h *Hub) handshake(conn *net.UnixConn) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	body, fds, err := readMessage(conn)
	closeFDs(fds)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		h.logger.Warn("Handshake failed", zap.Error(err))
		conn.Close()
		return
	}

	key := string(body)
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.waiting[key]
	if !ok || h.closed {
		h.logger.Warn("Rejecting connection", zap.Error(fmt.Errorf("%w: %s", ErrUnknownKey, key)))
		conn.Close()
		return
	}

	select {
	case ch <- conn:
	default:
		h.logger.Warn("Duplicate connection for key", zap.String("key", key))
		conn.Close()
	}
}

func (h *Hub) forget(key string) {
	h.mu.Lock()
	delete(h.waiting, key)
	h.mu.Unlock()
}

// Close stops accepting workers and closes every shared listener. Descriptors
// already passed to workers stay open in those processes.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var errs []error
	for id, ln := range h.listeners {
		if err := ln.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(h.listeners, id)
	}
	for key, ch := range h.waiting {
		select {
		case conn := <-ch:
			conn.Close()
		default:
		}
		close(ch)
		delete(h.waiting, key)
	}
	h.mu.Unlock()

	if err := h.ln.Close(); err != nil {
		errs = append(errs, err)
	}
	h.wg.Wait()
	os.Remove(h.path)
	return errors.Join(errs...)
}
