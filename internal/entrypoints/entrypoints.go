// Package entrypoints holds the entry points and job runners built into the
// procpool binary.
package entrypoints

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/ChuLiYu/procpool/internal/worker"
	"github.com/ChuLiYu/procpool/pkg/types"
	"go.uber.org/zap"
)

const (
	Idle    = "idle"
	TCPEcho = "tcp-echo"

	EchoRunner   = "echo"
	SHA256Runner = "sha256"

	// DefaultEchoAddress is used when a tcp-echo group has no "address" option.
	DefaultEchoAddress = "127.0.0.1:7070"
)

// Register adds every built-in entry point and runner to reg.
func Register(reg *worker.Registry) {
	reg.RegisterEntryPoint(Idle, func() worker.EntryPoint { return worker.Idle{} })
	reg.RegisterEntryPoint(TCPEcho, func() worker.EntryPoint { return &tcpEcho{} })
	reg.RegisterJobRunner(EchoRunner, worker.JobRunnerFunc(echo))
	reg.RegisterJobRunner(SHA256Runner, worker.JobRunnerFunc(digest))
}

func echo(_ context.Context, req types.JobRequest) ([]byte, error) {
	return req.Payload, nil
}

func digest(ctx context.Context, req types.JobRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sum := sha256.Sum256(req.Payload)
	return []byte(hex.EncodeToString(sum[:])), nil
}

// ============================================================================
// tcp-echo reactor
// ============================================================================

// tcpEcho 共享群組的 listener，將收到的位元組原樣寫回
type tcpEcho struct {
	rt     *worker.Runtime
	logger *zap.Logger
}

func (e *tcpEcho) Initialize(rt *worker.Runtime) error {
	e.rt = rt
	e.logger = rt.Logger()
	return nil
}

func (e *tcpEcho) Run(ctx context.Context) error {
	addr := e.rt.Group().Options["address"]
	if addr == "" {
		addr = DefaultEchoAddress
	}
	ln, err := e.rt.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	e.logger.Info("Echo reactor accepting", zap.String("addr", ln.Addr().String()))

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.serve(ctx, conn)
		}()
	}
}

func (e *tcpEcho) serve(ctx context.Context, conn net.Conn) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()
	if _, err := io.Copy(conn, conn); err != nil && ctx.Err() == nil {
		e.logger.Debug("Echo connection ended", zap.Error(err))
	}
}
