package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/procpool/internal/control"
	"github.com/ChuLiYu/procpool/internal/worker"
	"go.uber.org/zap"
)

// WorkerIDEnv carries the worker id into re-executed worker processes.
const WorkerIDEnv = "PROCPOOL_WORKER_ID"

// Process is one running worker process as seen by the supervisor.
type Process interface {
	// Control is the stream carrying the control channel.
	Control() io.ReadWriteCloser
	Pid() int
	// Wait blocks until the process exits and returns its exit code; -1 when
	// it was killed by a signal. Called exactly once.
	Wait() (int, error)
	Kill() error
}

// ProcessFactory starts worker processes. ctx bounds the start itself, not
// the lifetime of the process.
type ProcessFactory interface {
	Start(ctx context.Context, workerID int) (Process, error)
}

// ============================================================================
// ExecFactory - 重新執行自身二進位檔
// ============================================================================

// ExecFactory starts workers by re-executing a binary, by default the running
// executable with the hidden "worker" command. The control channel runs over
// the child's stdin and stdout; stderr is inherited.
type ExecFactory struct {
	Path   string    // default os.Executable()
	Args   []string  // default ["worker"]
	Env    []string  // appended to the supervisor's environment
	Stderr io.Writer // default os.Stderr
}

func (f *ExecFactory) Start(ctx context.Context, workerID int) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := f.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		path = exe
	}
	args := f.Args
	if args == nil {
		args = []string{"worker"}
	}

	// own pipes instead of StdinPipe/StdoutPipe: cmd.Wait must not close the
	// read end while the control channel is still draining it
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, err
	}

	cmd := exec.Command(path, args...)
	cmd.Env = append(append(os.Environ(), f.Env...), WorkerIDEnv+"="+strconv.Itoa(workerID))
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = f.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	err = cmd.Start()
	stdinR.Close()
	stdoutW.Close()
	if err != nil {
		stdinW.Close()
		stdoutR.Close()
		return nil, fmt.Errorf("start %s: %w", path, err)
	}

	return &execProcess{cmd: cmd, rwc: control.NewPipe(stdoutR, stdinW)}, nil
}

type execProcess struct {
	cmd *exec.Cmd
	rwc io.ReadWriteCloser
}

func (p *execProcess) Control() io.ReadWriteCloser { return p.rwc }
func (p *execProcess) Pid() int                    { return p.cmd.Process.Pid }
func (p *execProcess) Kill() error                 { return p.cmd.Process.Kill() }

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// ============================================================================
// InProcessFactory - goroutine 形式的 worker
// ============================================================================

// InProcessFactory runs workers as goroutines of the supervisor process,
// connected through net.Pipe. Workers still use the shared state file, the
// job sockets and the transfer hub, so they behave like real processes apart
// from sharing a pid.
type InProcessFactory struct {
	Registry *worker.Registry
	Logger   *zap.Logger
}

func (f *InProcessFactory) Start(ctx context.Context, workerID int) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Registry == nil {
		return nil, errors.New("in-process factory needs a registry")
	}

	local, remote := net.Pipe()
	runCtx, cancel := context.WithCancel(context.Background())
	p := &inProcess{rwc: local, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(p.done)
		defer cancel()
		defer func() {
			// panics of the deferred Stop end up here
			if v := recover(); v != nil {
				p.code = worker.ExitCodePanic
			}
		}()
		err := worker.Bootstrap(runCtx, control.NewChannel(remote), f.Registry, f.Logger)
		p.code = worker.ExitCode(err)
	}()
	return p, nil
}

type inProcess struct {
	rwc    io.ReadWriteCloser
	cancel context.CancelFunc
	done   chan struct{}
	code   int
	killed atomic.Bool
	once   sync.Once
}

func (p *inProcess) Control() io.ReadWriteCloser { return p.rwc }
func (p *inProcess) Pid() int                    { return os.Getpid() }

func (p *inProcess) Kill() error {
	p.once.Do(func() {
		p.killed.Store(true)
		p.cancel()
		p.rwc.Close()
	})
	return nil
}

func (p *inProcess) Wait() (int, error) {
	<-p.done
	if p.killed.Load() {
		return -1, nil
	}
	return p.code, nil
}
