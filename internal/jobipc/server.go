package jobipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/procpool/internal/metrics"
	"github.com/ChuLiYu/procpool/pkg/types"
	"go.uber.org/zap"
)

// ReturnChannel sends the response of one received request back to its
// submitter.
type ReturnChannel interface {
	Send(resp types.JobResponse) error
}

// SocketPath returns the job socket of a worker inside the run directory.
func SocketPath(runDir string, workerID int) string {
	return filepath.Join(runDir, fmt.Sprintf("job-%d.sock", workerID))
}

// ServerConfig configures the worker side of job IPC.
type ServerConfig struct {
	Path         string // unix socket path
	QueueSize    int    // received but not yet consumed requests, default 64
	MaxFrameSize int    // default DefaultMaxFrameSize
	Serializer   Serializer
	Logger       *zap.Logger
	Metrics      *metrics.Collector
}

// Server accepts submitter connections and hands their requests to
// ReceiveNext in priority order.
type Server struct {
	cfg    ServerConfig
	ln     net.Listener
	queue  *jobQueue
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[*serverConn]struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// Listen 在 cfg.Path 建立 job socket 並開始接受連線
//
// 若路徑上留有前一個進程的 socket 檔案會先刪除。
func Listen(cfg ServerConfig) (*Server, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	if cfg.Serializer == nil {
		cfg.Serializer = ProtoSerializer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	if err := os.Remove(cfg.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("jobipc: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("jobipc: listen %s: %w", cfg.Path, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		ln:     ln,
		queue:  newJobQueue(cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*serverConn]struct{}),
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the socket path the server listens on.
func (s *Server) Addr() string {
	return s.cfg.Path
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() == nil {
				s.cfg.Logger.Warn("job socket accept failed", zap.Error(err))
			}
			return
		}

		sc := &serverConn{conn: conn, serializer: s.cfg.Serializer}
		s.mu.Lock()
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[sc] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.readLoop(sc)
	}
}

func (s *Server) readLoop(sc *serverConn) {
	defer s.wg.Done()
	defer func() {
		sc.close()
		s.mu.Lock()
		delete(s.conns, sc)
		s.mu.Unlock()
	}()

	for {
		kind, body, err := readFrame(sc.conn, s.cfg.MaxFrameSize)
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				s.cfg.Logger.Warn("dropping oversized job request", zap.Error(err))
				s.cfg.Metrics.RecordDecodeError()
				continue
			}
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				s.cfg.Logger.Debug("job connection closed", zap.Error(err))
			}
			return
		}
		if kind != kindRequest {
			s.cfg.Logger.Warn("unexpected frame on job socket", zap.Uint8("kind", kind))
			s.cfg.Metrics.RecordDecodeError()
			continue
		}

		req, err := s.cfg.Serializer.DecodeRequest(body)
		if err != nil {
			s.cfg.Logger.Warn("dropping undecodable job request", zap.Error(err))
			s.cfg.Metrics.RecordDecodeError()
			continue
		}

		if err := s.queue.push(s.ctx, delivery{ret: sc, req: req}); err != nil {
			return
		}
	}
}

// ReceiveNext blocks until a request is available, ctx is done or the server
// is closed.
func (s *Server) ReceiveNext(ctx context.Context) (ReturnChannel, types.JobRequest, error) {
	d, err := s.queue.pop(ctx)
	if err != nil {
		return nil, types.JobRequest{}, err
	}
	return d.ret, d.req, nil
}

// Close stops accepting, drops queued requests and closes every connection.
// Submitters see their pending jobs fail with ErrChannelLost.
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		s.queue.close()
		err = s.ln.Close()

		s.mu.Lock()
		for sc := range s.conns {
			sc.close()
		}
		s.mu.Unlock()

		s.wg.Wait()
		os.Remove(s.cfg.Path)
	})
	return err
}

type serverConn struct {
	conn       net.Conn
	serializer Serializer

	wmu    sync.Mutex
	closed bool
}

func (c *serverConn) Send(resp types.JobResponse) error {
	body, err := c.serializer.EncodeResponse(resp)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return ErrChannelLost
	}
	if err := writeFrame(c.conn, kindResponse, body); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelLost, err)
	}
	return nil
}

func (c *serverConn) close() {
	// closing first unblocks a Send stuck in Write
	c.conn.Close()
	c.wmu.Lock()
	c.closed = true
	c.wmu.Unlock()
}
