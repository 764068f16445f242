package entrypoints

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"testing"
	"time"

	"github.com/ChuLiYu/procpool/internal/pool"
	"github.com/ChuLiYu/procpool/internal/worker"
	"github.com/ChuLiYu/procpool/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterResolvesBuiltins(t *testing.T) {
	reg := worker.NewRegistry()
	Register(reg)

	entries, runners := reg.Names()
	assert.Equal(t, []string{Idle, TCPEcho}, entries)
	assert.Equal(t, []string{EchoRunner, SHA256Runner}, runners)

	_, err := reg.EntryPoint(TCPEcho)
	assert.NoError(t, err)
	_, err = reg.JobRunner(SHA256Runner)
	assert.NoError(t, err)
}

func TestRunners(t *testing.T) {
	req := types.JobRequest{JobID: 1, Payload: []byte("abc")}

	out, err := echo(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), out)

	out, err = digest(context.Background(), req)
	require.NoError(t, err)
	sum := sha256.Sum256([]byte("abc"))
	assert.Equal(t, hex.EncodeToString(sum[:]), string(out))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = digest(ctx, req)
	assert.ErrorIs(t, err, context.Canceled)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestTCPEchoReactorsShareAddress(t *testing.T) {
	reg := worker.NewRegistry()
	Register(reg)
	addr := freeAddr(t)

	p := pool.New(pool.Config{
		RunDir:            t.TempDir(),
		Factory:           &pool.InProcessFactory{Registry: reg},
		HeartbeatInterval: 100 * time.Millisecond,
	})
	_, err := p.DescribeGroup(types.WorkerGroup{
		Name:       "echo",
		Type:       types.WorkerTypeReactor,
		EntryPoint: TCPEcho,
		MinWorkers: 2,
		Options:    map[string]string{"address": addr},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Run(ctx))
	defer func() { assert.NoError(t, p.Stop(context.Background())) }()

	var conn net.Conn
	require.Eventually(t, func() bool {
		conn, err = net.Dial("tcp", addr)
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
	defer conn.Close()

	_, err = conn.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hello\n", line)
}
