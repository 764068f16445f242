// ============================================================================
// procpool Worker Runtime - 工作進程執行環境
// ============================================================================
//
// Package: internal/worker
// 文件: runtime.go
// 功能: 在 worker 進程內執行 entry point，維護共享狀態紀錄、處理控制訊息與任務
//
// 生命週期:
//   Initializing → Running → Draining → Stopped
//
//   1. Initializing: 開啟共享狀態、登記 pid、連上 socket transfer、開啟 job socket
//   2. Running: entry.Initialize 成功後標記 ready，啟動控制迴圈、任務迴圈與心跳
//   3. Draining: 任一迴圈結束（Shutdown、entry 返回、通道中斷），標記 not ready
//   4. Stopped: 取消所有任務、關閉 job socket、transport 與控制通道
//
// 並發模型:
//   ┌──────────────────────────────────────────────┐
//   │  Runtime                                     │
//   │   ├─ controlLoop  ← control.Channel          │
//   │   ├─ jobLoop      ← jobipc.Server            │
//   │   │    └─ runJob (每個任務一個 goroutine)    │
//   │   ├─ heartbeat    → state.Record.Touch       │
//   │   └─ entry.Run                               │
//   └──────────────────────────────────────────────┘
//   最先結束的迴圈決定進程的結束原因。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/procpool/internal/control"
	"github.com/ChuLiYu/procpool/internal/jobipc"
	"github.com/ChuLiYu/procpool/internal/state"
	"github.com/ChuLiYu/procpool/internal/strategy/pickup"
	"github.com/ChuLiYu/procpool/internal/transfer"
	"github.com/ChuLiYu/procpool/pkg/types"
	"go.uber.org/zap"
)

// DefaultHeartbeatInterval is used when the start payload carries none.
const DefaultHeartbeatInterval = time.Second

// Phase is the lifecycle phase of a runtime.
type Phase int32

const (
	PhaseInitializing Phase = iota
	PhaseRunning
	PhaseDraining
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseRunning:
		return "running"
	case PhaseDraining:
		return "draining"
	case PhaseStopped:
		return "stopped"
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

// EventHandler receives Event payloads sent by the supervisor.
type EventHandler func(payload []byte)

// Runtime 一個 worker 進程的執行環境，entry point 透過它取得身分、共享 listener
// 與派送任務的能力
type Runtime struct {
	start  types.StartPayload
	group  types.WorkerGroup
	ch     *control.Channel
	runner JobRunner
	logger *zap.Logger

	phase atomic.Int32

	store     *state.Store
	record    *state.Record
	transport *transfer.Transport
	server    *jobipc.Server

	jobCtx    context.Context
	jobCancel context.CancelFunc

	mu        sync.Mutex
	stopped   bool
	handlers  []EventHandler
	submitter *jobipc.Submitter

	stopOnce sync.Once
}

func newRuntime(ch *control.Channel, start types.StartPayload, runner JobRunner, logger *zap.Logger) (*Runtime, error) {
	group, ok := start.Group(start.GroupID)
	if !ok {
		return nil, fmt.Errorf("%w: group %d missing from start payload", ErrFatal, start.GroupID)
	}
	if start.HeartbeatInterval <= 0 {
		start.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Runtime{
		start:  start,
		group:  group,
		ch:     ch,
		runner: runner,
	}
	r.logger = logger.With(zap.Int("worker_id", start.ID), zap.String("group", group.DisplayName()))
	r.jobCtx, r.jobCancel = context.WithCancel(context.Background())
	return r, nil
}

// ID 返回 worker ID
func (r *Runtime) ID() int {
	return r.start.ID
}

// Group returns the worker's own group.
func (r *Runtime) Group() types.WorkerGroup {
	return r.group
}

// Groups returns every group of the pool.
func (r *Runtime) Groups() []types.WorkerGroup {
	return r.start.Groups
}

// Logger returns the worker's logger; entries are forwarded to the supervisor.
func (r *Runtime) Logger() *zap.Logger {
	return r.logger
}

// Phase returns the current lifecycle phase.
func (r *Runtime) Phase() Phase {
	return Phase(r.phase.Load())
}

func (r *Runtime) String() string {
	return fmt.Sprintf("%s-%d", r.group.DisplayName(), r.start.ID)
}

// Listen returns a listener shared by every worker asking for the same
// network and address.
func (r *Runtime) Listen(ctx context.Context, network, address string) (net.Listener, error) {
	if r.transport == nil {
		return nil, ErrNoTransport
	}
	return r.transport.Listen(ctx, network, address)
}

// Submitter 返回派送任務用的 Submitter，第一次呼叫時建立
func (r *Runtime) Submitter() (*jobipc.Submitter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil, jobipc.ErrClosed
	}
	if r.store == nil {
		return nil, state.ErrStateUnavailable
	}
	if r.submitter == nil {
		base := pickup.NewBase(r.store, r.start.ID, 3*r.start.HeartbeatInterval)
		r.submitter = jobipc.NewSubmitter(jobipc.SubmitterConfig{
			SelfID: r.start.ID,
			RunDir: r.start.RunDir,
			Picker: pickup.NewRoundRobin(base),
			Logger: r.logger,
		})
	}
	return r.submitter, nil
}

// SubmitJob dispatches a job to one of the groups this worker may submit to.
func (r *Runtime) SubmitJob(ctx context.Context, groupID, priority int, payload []byte) (*jobipc.Future, error) {
	if !r.mayDispatchTo(groupID) {
		return nil, fmt.Errorf("worker: group %d is not a job group of %s", groupID, r.group.DisplayName())
	}
	s, err := r.Submitter()
	if err != nil {
		return nil, err
	}
	return s.Submit(ctx, groupID, priority, payload)
}

func (r *Runtime) mayDispatchTo(groupID int) bool {
	for _, id := range r.group.JobGroups {
		if id == groupID {
			return true
		}
	}
	return false
}

// SendEvent sends an application event to the supervisor.
func (r *Runtime) SendEvent(payload []byte) error {
	return r.ch.Send(control.Event{Payload: payload})
}

// OnEvent registers a handler for events sent by the supervisor.
func (r *Runtime) OnEvent(h EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.stopped {
		r.handlers = append(r.handlers, h)
	}
}

// ============================================================================
// 生命週期
// ============================================================================

// Run 執行 entry point 直到任一迴圈結束
//
// 返回值：
//   - nil: 收到 Shutdown 或 entry.Run 正常返回
//   - 包裝 ErrChannelLost: 控制通道中斷
//   - 包裝 ErrFatal: 開啟共享狀態或 transport 失敗
//   - 其他: entry 的錯誤
func (r *Runtime) Run(ctx context.Context, entry EntryPoint) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.open(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrFatal, err)
	}
	if err := entry.Initialize(r); err != nil {
		return fmt.Errorf("initialize %s: %w", r, err)
	}

	r.phase.Store(int32(PhaseRunning))
	if err := r.record.SetReady(true); err != nil {
		return fmt.Errorf("%w: mark ready: %w", ErrFatal, err)
	}
	r.logger.Info("Worker running", zap.Int("pid", os.Getpid()))

	results := make(chan error, 3)
	go func() { results <- r.controlLoop(ctx) }()
	go func() { results <- r.runEntry(ctx, entry) }()
	if r.server != nil {
		go func() { results <- r.jobLoop(ctx) }()
	}
	go r.heartbeat(ctx)

	err := <-results
	r.drain()
	return err
}

func (r *Runtime) runEntry(ctx context.Context, entry EntryPoint) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = newPanicError(v)
		}
	}()
	return entry.Run(ctx)
}

// open 進入 Initializing：共享狀態、transport、job socket
func (r *Runtime) open(ctx context.Context) error {
	store, err := state.Open(r.start.StatePath)
	if err != nil {
		return fmt.Errorf("open shared state: %w", err)
	}
	r.store = store

	record, err := store.Record(r.start.ID)
	if err != nil {
		return fmt.Errorf("worker record %d: %w", r.start.ID, err)
	}
	if err := record.Claim(r.group.ID, os.Getpid()); err != nil {
		return err
	}
	r.record = record

	if r.start.URI != "" {
		t, err := transfer.Dial(ctx, r.start.URI, r.start.Key)
		if err != nil {
			return err
		}
		r.transport = t
	}

	if r.group.RunsJobs() {
		if r.runner == nil {
			return fmt.Errorf("group %s runs jobs but has no job runner", r.group.DisplayName())
		}
		srv, err := jobipc.Listen(jobipc.ServerConfig{
			Path:   jobipc.SocketPath(r.start.RunDir, r.start.ID),
			Logger: r.logger,
		})
		if err != nil {
			return err
		}
		r.server = srv
	}
	return nil
}

func (r *Runtime) drain() {
	if !r.phase.CompareAndSwap(int32(PhaseRunning), int32(PhaseDraining)) &&
		!r.phase.CompareAndSwap(int32(PhaseInitializing), int32(PhaseDraining)) {
		return
	}
	if r.record != nil {
		r.record.SetReady(false)
	}
	r.logger.Info("Worker draining")
}

// Stop 釋放所有資源，可重複呼叫；Bootstrap 以 defer 呼叫
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() {
		r.drain()
		r.jobCancel()

		r.mu.Lock()
		r.stopped = true
		r.handlers = nil
		submitter := r.submitter
		r.mu.Unlock()

		if r.server != nil {
			r.server.Close()
		}
		if submitter != nil {
			submitter.Close()
		}
		if r.transport != nil {
			r.transport.Close()
		}
		if r.store != nil {
			r.store.Close()
		}

		r.phase.Store(int32(PhaseStopped))
		r.logger.Info("Worker stopped")
		r.ch.Close()
	})
}

// whileRunning runs fn unless the runtime has stopped. Completion callbacks
// of jobs go through it so they never touch released resources.
func (r *Runtime) whileRunning(fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	fn()
	return true
}

// ============================================================================
// 迴圈
// ============================================================================

func (r *Runtime) controlLoop(ctx context.Context) error {
	for {
		msg, err := r.ch.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, control.ErrClosed) {
				return fmt.Errorf("%w: %w", ErrChannelLost, err)
			}
			r.logger.Warn("Dropping undecodable control message", zap.Error(err))
			continue
		}

		switch m := msg.(type) {
		case control.PingPong:
			if err := r.ch.Send(control.PingPong{}); err != nil {
				return fmt.Errorf("%w: %w", ErrChannelLost, err)
			}
		case control.Shutdown:
			r.logger.Info("Shutdown requested")
			return nil
		case control.Event:
			r.dispatch(m.Payload)
		default:
			r.logger.Warn("Unexpected control message", zap.Stringer("kind", msg.Kind()))
		}
	}
}

func (r *Runtime) dispatch(payload []byte) {
	r.mu.Lock()
	handlers := append([]EventHandler(nil), r.handlers...)
	r.mu.Unlock()
	if len(handlers) == 0 {
		r.logger.Debug("Event without handler", zap.Int("bytes", len(payload)))
		return
	}
	for _, h := range handlers {
		h(payload)
	}
}

func (r *Runtime) jobLoop(ctx context.Context) error {
	for {
		ret, req, err := r.server.ReceiveNext(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, jobipc.ErrClosed) {
				return nil
			}
			return fmt.Errorf("receive job: %w", err)
		}
		if !r.whileRunning(func() { r.record.AddJobs(1) }) {
			return nil
		}
		go r.runJob(ret, req)
	}
}

func (r *Runtime) runJob(ret jobipc.ReturnChannel, req types.JobRequest) {
	payload, err := r.invoke(req)

	resp := types.JobResponse{
		JobID:         req.JobID,
		FromWorkerID:  r.start.ID,
		WorkerGroupID: req.WorkerGroupID,
	}
	if err != nil {
		resp.Error = err.Error()
		r.logger.Debug("Job failed", zap.Uint64("job_id", req.JobID), zap.Error(err))
	} else {
		resp.Payload = payload
	}

	if !r.whileRunning(func() { r.record.AddJobs(-1) }) {
		return
	}
	if err := ret.Send(resp); err != nil {
		r.logger.Debug("Submitter went away", zap.Uint64("job_id", req.JobID), zap.Error(err))
	}
}

func (r *Runtime) invoke(req types.JobRequest) (payload []byte, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("job runner panic: %v", v)
			r.logger.Error("Job runner panicked", zap.Uint64("job_id", req.JobID), zap.Any("panic", v))
		}
	}()
	return r.runner.RunJob(r.jobCtx, req)
}

func (r *Runtime) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(r.start.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.whileRunning(func() { r.record.Touch() })
		}
	}
}
