package pool

import (
	"sync"
	"time"

	"github.com/ChuLiYu/procpool/internal/control"
	"github.com/ChuLiYu/procpool/internal/strategy/restart"
	"github.com/ChuLiYu/procpool/internal/transfer"
	"github.com/ChuLiYu/procpool/pkg/types"
)

// descriptor 一個 worker slot：固定的 id 與群組，進程可以被多次重啟
type descriptor struct {
	id          int
	group       types.WorkerGroup
	provisioned bool // started by Run; the rest of the id block stays reserved
	strategy    restart.Strategy

	done chan struct{} // closed when the slot's supervision ends

	mu        sync.Mutex
	proc      Process
	ch        *control.Channel
	transport *transfer.Transport
	pid       int
	startedAt time.Time
	lastPong  time.Time
	lastExit  types.ExitReason
	exits     int
	stopping  bool // exit was requested by the supervisor
	restart   bool // respawn without consulting the strategy
	hung      bool // killed after missing pongs
	exitErr   error
}

// WorkerInfo is a snapshot of one slot.
type WorkerInfo struct {
	ID        int
	GroupID   int
	Group     string
	PID       int
	Running   bool
	Restarts  int
	StartedAt time.Time
	LastPong  time.Time
	LastExit  string // empty until the first exit
}

func (d *descriptor) attach(proc Process, ch *control.Channel, t *transfer.Transport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.proc = proc
	d.ch = ch
	d.transport = t
	d.pid = proc.Pid()
	d.startedAt = time.Now()
	d.lastPong = d.startedAt
	d.hung = false
}

// detach clears the process after it exited and reports how the exit was
// requested.
func (d *descriptor) detach(reason types.ExitReason) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.proc = nil
	d.ch = nil
	d.transport = nil
	d.pid = 0
	d.lastExit = reason
	d.exits++
}

func (d *descriptor) channel() *control.Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ch
}

func (d *descriptor) running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.proc != nil
}

func (d *descriptor) pong() {
	d.mu.Lock()
	d.lastPong = time.Now()
	d.mu.Unlock()
}

// requestExit marks the next exit of the running process as requested;
// respawn selects between a pool restart and a stop. It returns nil when no
// process is running.
func (d *descriptor) requestExit(respawn bool) *control.Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.proc == nil {
		return nil
	}
	d.stopping = true
	d.restart = respawn
	return d.ch
}

func (d *descriptor) markHung() {
	d.mu.Lock()
	d.hung = true
	d.mu.Unlock()
}

func (d *descriptor) sinceLastPong() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return time.Since(d.lastPong)
}

func (d *descriptor) exitCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exits
}

func (d *descriptor) setExitErr(err error) {
	d.mu.Lock()
	d.exitErr = err
	d.mu.Unlock()
}

func (d *descriptor) err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exitErr
}

// takeRequest returns and clears the pending exit request.
func (d *descriptor) takeRequest() (stopping, respawn, hung bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	stopping, respawn, hung = d.stopping, d.restart, d.hung
	d.stopping, d.restart, d.hung = false, false, false
	return stopping, respawn, hung
}

func (d *descriptor) kill() {
	d.mu.Lock()
	proc := d.proc
	d.mu.Unlock()
	if proc != nil {
		proc.Kill()
	}
}

func (d *descriptor) info() WorkerInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	info := WorkerInfo{
		ID:        d.id,
		GroupID:   d.group.ID,
		Group:     d.group.DisplayName(),
		PID:       d.pid,
		Running:   d.proc != nil,
		StartedAt: d.startedAt,
		LastPong:  d.lastPong,
	}
	if d.strategy != nil {
		info.Restarts = d.strategy.Restarts()
	}
	if d.exits > 0 {
		info.LastExit = d.lastExit.String()
	}
	return info
}
