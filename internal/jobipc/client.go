package jobipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/ChuLiYu/procpool/internal/metrics"
	"github.com/ChuLiYu/procpool/pkg/types"
	"go.uber.org/zap"
)

// ClientConfig configures the submitter side of job IPC.
type ClientConfig struct {
	MaxFrameSize int
	Serializer   Serializer
	Logger       *zap.Logger
	Metrics      *metrics.Collector
}

func (cfg *ClientConfig) setDefaults() {
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	if cfg.Serializer == nil {
		cfg.Serializer = ProtoSerializer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
}

// Client submits jobs to one worker and matches responses to requests by job id.
type Client struct {
	conn   net.Conn
	cfg    ClientConfig
	writes chan []byte

	mu       sync.Mutex
	pending  map[uint64]*Future
	closed   bool
	closeErr error

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Dial connects to the job socket of a worker.
func Dial(ctx context.Context, path string, cfg ClientConfig) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("jobipc: dial %s: %w", path, err)
	}
	return NewClient(conn, cfg), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, cfg ClientConfig) *Client {
	cfg.setDefaults()
	c := &Client{
		conn:    conn,
		cfg:     cfg,
		writes:  make(chan []byte),
		pending: make(map[uint64]*Future),
		done:    make(chan struct{}),
	}
	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	return c
}

// Submit sends req and returns the future of its response. Cancelling ctx
// settles the future with the context error, whether or not the request has
// already been written.
//
// Submit blocks while the worker does not consume requests.
func (c *Client) Submit(ctx context.Context, req types.JobRequest) (*Future, error) {
	body, err := c.cfg.Serializer.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(body)+5)
	frame = appendFrame(frame, kindRequest, body)

	f := newFuture(req.JobID)
	f.stop = context.AfterFunc(ctx, func() {
		c.fail(req.JobID, fmt.Errorf("jobipc: job %d: %w", req.JobID, context.Cause(ctx)))
	})

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		f.stop()
		return nil, err
	}
	if _, ok := c.pending[req.JobID]; ok {
		c.mu.Unlock()
		f.stop()
		return nil, fmt.Errorf("%w: %d", ErrDuplicateJob, req.JobID)
	}
	c.pending[req.JobID] = f
	c.mu.Unlock()

	c.cfg.Metrics.RecordSubmitted()

	select {
	case c.writes <- frame:
	case <-ctx.Done():
		c.fail(req.JobID, fmt.Errorf("jobipc: job %d: %w", req.JobID, context.Cause(ctx)))
	case <-f.done:
	case <-c.done:
	}
	return f, nil
}

// Pending returns the number of jobs waiting for a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Done is closed once the client is shut down for any reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the client shut down, nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close shuts the client down. Pending futures fail with ErrChannelLost.
func (c *Client) Close() error {
	c.shutdown(fmt.Errorf("%w: %w", ErrChannelLost, ErrClosed))
	c.wg.Wait()
	return nil
}

func (c *Client) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case frame := <-c.writes:
			if _, err := c.conn.Write(frame); err != nil {
				c.shutdown(fmt.Errorf("%w: %v", ErrChannelLost, err))
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		kind, body, err := readFrame(c.conn, c.cfg.MaxFrameSize)
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				c.cfg.Logger.Warn("dropping oversized job response", zap.Error(err))
				c.cfg.Metrics.RecordDecodeError()
				continue
			}
			c.shutdown(fmt.Errorf("%w: %v", ErrChannelLost, err))
			return
		}
		if kind != kindResponse {
			c.cfg.Logger.Warn("unexpected frame on job connection", zap.Uint8("kind", kind))
			c.cfg.Metrics.RecordDecodeError()
			continue
		}

		resp, err := c.cfg.Serializer.DecodeResponse(body)
		if err != nil {
			c.cfg.Logger.Warn("dropping undecodable job response", zap.Error(err))
			c.cfg.Metrics.RecordDecodeError()
			continue
		}

		c.mu.Lock()
		f, ok := c.pending[resp.JobID]
		delete(c.pending, resp.JobID)
		c.mu.Unlock()

		if !ok {
			c.cfg.Logger.Warn("response without matching request",
				zap.Uint64("job_id", resp.JobID),
				zap.Int("from_worker_id", resp.FromWorkerID))
			c.cfg.Metrics.RecordOrphanResponse()
			continue
		}
		c.settle(f, resp, nil)
	}
}

func (c *Client) fail(jobID uint64, err error) {
	c.mu.Lock()
	f, ok := c.pending[jobID]
	delete(c.pending, jobID)
	c.mu.Unlock()
	if ok {
		c.settle(f, types.JobResponse{}, err)
	}
}

func (c *Client) settle(f *Future, resp types.JobResponse, err error) {
	if !f.complete(resp, err) {
		return
	}
	if err != nil || resp.Failed() {
		c.cfg.Metrics.RecordFailed()
		return
	}
	c.cfg.Metrics.RecordCompleted(f.elapsed().Seconds())
}

func (c *Client) shutdown(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closeErr = err
		pending := c.pending
		c.pending = make(map[uint64]*Future)
		c.mu.Unlock()

		close(c.done)
		c.conn.Close()

		for _, f := range pending {
			c.settle(f, types.JobResponse{}, err)
		}
	})
}

func appendFrame(b []byte, kind byte, body []byte) []byte {
	n := uint32(1 + len(body))
	b = append(b, byte(n>>24), byte(n>>16), byte(n>>8), byte(n), kind)
	return append(b, body...)
}
