// ============================================================================
// procpool Pool Supervisor - 工作進程監督者
// ============================================================================
//
// Package: internal/pool
// 文件: pool.go
// 功能: 描述 worker 群組、啟動並監督工作進程、依重啟策略重新建立進程
//
// 架構組件:
//   ┌──────────────────────────────────────────────────────┐
//   │ Pool                                                 │
//   │  ├─ state.Store     共享狀態（ready / job 數 / pid） │
//   │  ├─ transfer.Hub    共享 listener 的 fd 傳遞         │
//   │  ├─ descriptor × N  每個 worker id 一個 slot          │
//   │  │    ├─ supervise  等待結束、分類、重啟             │
//   │  │    ├─ readControl  Pong / Log / Event             │
//   │  │    └─ ping       存活檢查                         │
//   │  └─ Submitter       supervisor 端派送任務            │
//   └──────────────────────────────────────────────────────┘
//
// 生命週期:
//   1. New() + DescribeGroup() - 指派群組 ID 與連續的 worker id 區塊
//   2. Run() - 建立共享狀態與 hub，同步啟動每個群組的 MinWorkers 個進程
//   3. Restart() - 優雅關閉所有 worker 並直接重建（不經過重啟策略）
//   4. Stop() - 送出 Shutdown，逾時則強制結束，彙整錯誤
//
// 結束原因分類:
//   - supervisor 要求結束       → Cancelled
//   - 未回應 ping 被強制結束    → ChannelLost
//   - 結束碼 0                  → CleanExit（控制通道異常中斷則為 ChannelLost）
//   - 結束碼 3                  → Fatal
//   - 結束碼 4                  → ChannelLost
//   - 其他                      → Panic
//
// ============================================================================

package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/procpool/internal/control"
	"github.com/ChuLiYu/procpool/internal/jobipc"
	"github.com/ChuLiYu/procpool/internal/metrics"
	"github.com/ChuLiYu/procpool/internal/state"
	"github.com/ChuLiYu/procpool/internal/strategy/pickup"
	"github.com/ChuLiYu/procpool/internal/strategy/restart"
	"github.com/ChuLiYu/procpool/internal/transfer"
	"github.com/ChuLiYu/procpool/internal/worker"
	"github.com/ChuLiYu/procpool/pkg/types"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Pool 配置
type Config struct {
	RunDir            string             // job socket、hub 與共享狀態所在目錄；空值時建立暫存目錄
	StatePath         string             // 共享狀態檔案，預設 RunDir/state
	Factory           ProcessFactory     // 啟動工作進程
	Logger            *zap.Logger        // 預設 zap.NewNop()
	Metrics           *metrics.Collector // 可為 nil
	Tracer            trace.Tracer       // Submitter 使用
	PickupStrategy    string             // round-robin | least-jobs | random
	HeartbeatInterval time.Duration      // worker 更新 updatedAt 的間隔，預設 1s
	PingInterval      time.Duration      // 預設等於 HeartbeatInterval
	PongTimeout       time.Duration      // 超過此時間未回應 ping 即強制結束，預設 5 × PingInterval
	StartTimeout      time.Duration      // 等待 worker 完成 hub 握手，預設 10s
	ShutdownTimeout   time.Duration      // Stop 的 ctx 沒有 deadline 時使用，預設 10s
	SampleInterval    time.Duration      // 進程資源取樣間隔，預設 5s
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = worker.DefaultHeartbeatInterval
	}
	if c.PingInterval <= 0 {
		c.PingInterval = c.HeartbeatInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 5 * c.PingInterval
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 10 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// EventHandler receives Event payloads sent by workers.
type EventHandler func(workerID int, payload []byte)

// Option customizes a Pool.
type Option func(*Pool)

// WithRestartFactory overrides the restart policy of a group; groupID is the
// id DescribeGroup assigns (groups are numbered from 1 in call order).
func WithRestartFactory(groupID int, f restart.Factory) Option {
	return func(p *Pool) { p.restartOverrides[groupID] = f }
}

// WithEventHandler sets the handler for worker events.
func WithEventHandler(h EventHandler) Option {
	return func(p *Pool) { p.onEvent = h }
}

// Pool 監督一組工作進程
type Pool struct {
	cfg       Config
	logger    *zap.Logger
	workerLog *zap.Logger

	restartOverrides map[int]restart.Factory
	restartPolicies  map[int]restart.Factory
	onEvent          EventHandler

	mu        sync.Mutex
	groups    []types.WorkerGroup
	slots     []*descriptor
	active    []*descriptor // slots under supervision
	nextID    int
	started   bool
	running   bool
	ownRunDir bool

	store     *state.Store
	hub       *transfer.Hub
	submitter *jobipc.Submitter

	ctx       context.Context // canceled when Stop begins
	cancel    context.CancelFunc
	exhausted chan struct{} // closed when no slot is supervised anymore

	stopOnce sync.Once
	stopped  chan struct{}
	stopErr  error
}

// New creates a pool. Groups are added with DescribeGroup before Run.
func New(cfg Config, opts ...Option) *Pool {
	cfg.setDefaults()
	p := &Pool{
		cfg:              cfg,
		logger:           cfg.Logger.Named("pool"),
		workerLog:        cfg.Logger.Named("worker"),
		restartOverrides: make(map[int]restart.Factory),
		restartPolicies:  make(map[int]restart.Factory),
		nextID:           1,
		exhausted:        make(chan struct{}),
		stopped:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ============================================================================
// 群組描述
// ============================================================================

// DescribeGroup 登記一個 worker 群組
//
// 參數：
//   - g: 群組定義；ID 由 Pool 指派，MaxWorkers 為 0 時等於 MinWorkers
//
// 返回值：
//   - types.WorkerGroup: 指派 ID 後的群組
//   - error: ErrInvalidGroup 或 ErrAlreadyRunning
func (p *Pool) DescribeGroup(g types.WorkerGroup) (types.WorkerGroup, error) {
	if !g.Type.Valid() {
		return g, fmt.Errorf("%w: unknown type %q", ErrInvalidGroup, g.Type)
	}
	if g.MinWorkers < 0 {
		return g, fmt.Errorf("%w: min_workers %d is negative", ErrInvalidGroup, g.MinWorkers)
	}
	if g.MaxWorkers == 0 {
		g.MaxWorkers = g.MinWorkers
	}
	if g.MaxWorkers < g.MinWorkers {
		return g, fmt.Errorf("%w: max_workers %d below min_workers %d", ErrInvalidGroup, g.MaxWorkers, g.MinWorkers)
	}
	if g.Type == types.WorkerTypeJob && g.JobRunner == "" {
		return g, fmt.Errorf("%w: job group needs a job runner", ErrInvalidGroup)
	}
	policy, err := restart.Parse(g.RestartPolicy)
	if err != nil {
		return g, fmt.Errorf("%w: %w", ErrInvalidGroup, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return g, ErrAlreadyRunning
	}

	g.ID = len(p.groups) + 1
	for _, target := range g.JobGroups {
		if target <= 0 {
			return g, fmt.Errorf("%w: invalid job group %d", ErrInvalidGroup, target)
		}
	}
	g.JobGroups = append([]int(nil), g.JobGroups...)

	for i := 0; i < g.MaxWorkers; i++ {
		p.slots = append(p.slots, &descriptor{
			id:          p.nextID + i,
			group:       g,
			provisioned: i < g.MinWorkers,
		})
	}
	p.nextID += g.MaxWorkers
	p.groups = append(p.groups, g)
	p.restartPolicies[g.ID] = policy

	p.logger.Debug("Group described",
		zap.Int("group_id", g.ID),
		zap.String("group", g.DisplayName()),
		zap.String("type", string(g.Type)),
		zap.Int("min_workers", g.MinWorkers),
		zap.Int("max_workers", g.MaxWorkers))
	return g, nil
}

// Groups returns the described groups.
func (p *Pool) Groups() []types.WorkerGroup {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.WorkerGroup(nil), p.groups...)
}

// ============================================================================
// 啟動
// ============================================================================

// Run 建立共享狀態與 hub，並同步啟動每個群組的 MinWorkers 個進程
//
// 任何一個進程啟動失敗時會停止整個 pool 並返回錯誤。
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	var provisioned []*descriptor
	for _, d := range p.slots {
		if d.provisioned {
			provisioned = append(provisioned, d)
		}
	}
	if len(provisioned) == 0 {
		p.mu.Unlock()
		return ErrNoWorkers
	}
	if p.cfg.Factory == nil {
		p.mu.Unlock()
		return errors.New("pool: no process factory configured")
	}
	p.started = true
	p.mu.Unlock()

	if err := p.prepare(); err != nil {
		p.Stop(context.WithoutCancel(ctx))
		return err
	}

	for _, d := range provisioned {
		if err := p.spawn(ctx, d); err != nil {
			err = fmt.Errorf("provisioning worker %s-%d: %w", d.group.DisplayName(), d.id, err)
			p.logger.Error("Provisioning failed, stopping the pool", zap.Error(err))
			if stopErr := p.Stop(context.WithoutCancel(ctx)); stopErr != nil {
				err = errors.Join(err, stopErr)
			}
			return err
		}
		p.mu.Lock()
		p.active = append(p.active, d)
		p.mu.Unlock()
		go p.supervise(d)
	}

	go func() {
		for _, d := range provisioned {
			<-d.done
		}
		close(p.exhausted)
	}()

	if p.cfg.Metrics != nil {
		sampler := metrics.NewProcessSampler(p.cfg.Metrics, p.pids, p.cfg.SampleInterval, p.logger)
		go sampler.Run(p.ctx)
	}

	p.logger.Info("Pool running",
		zap.Int("groups", len(p.groups)),
		zap.Int("workers", len(provisioned)),
		zap.String("run_dir", p.cfg.RunDir))
	return nil
}

// prepare creates the run directory, the shared state and the transfer hub.
func (p *Pool) prepare() error {
	if p.cfg.RunDir == "" {
		dir, err := os.MkdirTemp("", "procpool-")
		if err != nil {
			return fmt.Errorf("create run dir: %w", err)
		}
		p.cfg.RunDir = dir
		p.ownRunDir = true
	} else if err := os.MkdirAll(p.cfg.RunDir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	if p.cfg.StatePath == "" {
		p.cfg.StatePath = filepath.Join(p.cfg.RunDir, "state")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	store, err := state.Create(p.cfg.StatePath, state.Layout{MaxWorkers: p.nextID - 1, MaxGroups: len(p.groups)})
	if err != nil {
		return fmt.Errorf("create shared state: %w", err)
	}
	p.store = store

	first := make(map[int]int)
	for _, d := range p.slots {
		if _, ok := first[d.group.ID]; !ok {
			first[d.group.ID] = d.id
		}
		factory := p.restartPolicies[d.group.ID]
		if override, ok := p.restartOverrides[d.group.ID]; ok {
			factory = override
		}
		d.strategy = factory()
		d.done = make(chan struct{})
	}
	for _, g := range p.groups {
		if g.MinWorkers == 0 {
			continue
		}
		low := first[g.ID]
		if err := store.SetPoolRange(g.ID, state.Range{Low: low, High: low + g.MinWorkers - 1}); err != nil {
			return err
		}
	}

	hub, err := transfer.NewHub(filepath.Join(p.cfg.RunDir, "transfer.sock"), p.cfg.Logger)
	if err != nil {
		return err
	}
	p.hub = hub

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.running = true
	return nil
}

// spawn 啟動 slot 的一個新進程並等待它完成 hub 握手
func (p *Pool) spawn(ctx context.Context, d *descriptor) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.StartTimeout)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	proc, err := p.cfg.Factory.Start(ctx, d.id)
	if err != nil {
		return err
	}
	ch := control.NewChannel(proc.Control())
	go p.readControl(d, ch)

	abort := func(err error) error {
		proc.Kill()
		ch.Close()
		proc.Wait()
		p.resetRecord(d.id)
		return err
	}

	key := p.hub.GenerateKey()
	start := types.StartPayload{
		ID:                d.id,
		URI:               p.hub.URI(),
		Key:               key,
		Type:              d.group.Type,
		EntryPoint:        d.group.EntryPoint,
		GroupID:           d.group.ID,
		Groups:            p.groups,
		StatePath:         p.cfg.StatePath,
		RunDir:            p.cfg.RunDir,
		HeartbeatInterval: p.cfg.HeartbeatInterval,
	}
	if err := ch.Send(control.Start{StartPayload: start}); err != nil {
		return abort(fmt.Errorf("send start: %w", err))
	}

	t, err := p.hub.CreateTransport(ctx, key)
	if err != nil {
		return abort(err)
	}
	d.attach(proc, ch, t)
	go p.hub.ProvideFor(p.ctx, t)

	p.cfg.Metrics.RecordWorkerStarted()
	p.logger.Info("Worker started",
		zap.Int("worker_id", d.id),
		zap.String("group", d.group.DisplayName()),
		zap.Int("pid", proc.Pid()))
	return nil
}

// ============================================================================
// 監督
// ============================================================================

// supervise 是 slot 的生命週期：等待進程結束、諮詢重啟策略、重新啟動
func (p *Pool) supervise(d *descriptor) {
	defer close(d.done)

	for {
		reason, err, respawn := p.await(d)
		if p.ctx.Err() != nil {
			return
		}

		if !respawn {
			delay, ok := d.strategy.ShouldRestart(reason, err)
			if !ok {
				p.giveUp(d, reason, err)
				return
			}
			p.cfg.Metrics.RecordRestart(d.group.DisplayName())
			p.logger.Info("Restarting worker",
				zap.Int("worker_id", d.id),
				zap.Stringer("reason", reason),
				zap.Duration("delay", delay),
				zap.Int("restarts", d.strategy.Restarts()))
			if !p.sleep(delay) {
				return
			}
		}

		for {
			err := p.spawn(p.ctx, d)
			if err == nil {
				break
			}
			if p.ctx.Err() != nil {
				return
			}
			p.logger.Error("Respawn failed", zap.Int("worker_id", d.id), zap.Error(err))
			delay, ok := d.strategy.ShouldRestart(types.ExitFatal, err)
			if !ok {
				p.giveUp(d, types.ExitFatal, err)
				return
			}
			if !p.sleep(max(delay, 100*time.Millisecond)) {
				return
			}
		}
	}
}

// await waits for the current process of d to exit and classifies the exit.
func (p *Pool) await(d *descriptor) (types.ExitReason, error, bool) {
	d.mu.Lock()
	proc, ch, t := d.proc, d.ch, d.transport
	d.mu.Unlock()

	// Stop may have run between spawn and here
	if p.ctx.Err() != nil {
		if c := d.requestExit(false); c != nil {
			c.Send(control.Shutdown{})
		}
	}

	pingDone := make(chan struct{})
	go p.ping(d, ch, pingDone)

	code, waitErr := proc.Wait()
	close(pingDone)

	// the read side sees EOF once the process is gone
	select {
	case <-ch.Done():
	case <-time.After(time.Second):
	}
	chErr := ch.Err()
	ch.Close()
	t.Close()

	stopping, respawn, hung := d.takeRequest()
	reason := classify(stopping, hung, code, chErr)

	var err error
	if code != 0 || waitErr != nil {
		err = errors.Join(fmt.Errorf("exit code %d", code), waitErr)
	}
	if reason == types.ExitChannelLost && chErr != nil {
		err = errors.Join(err, chErr)
	}

	p.resetRecord(d.id)
	d.detach(reason)
	p.cfg.Metrics.RecordWorkerExit(reason.String())
	p.cfg.Metrics.ForgetWorker(d.id)

	fields := []zap.Field{
		zap.Int("worker_id", d.id),
		zap.String("group", d.group.DisplayName()),
		zap.Int("exit_code", code),
		zap.Stringer("reason", reason),
	}
	if reason == types.ExitCancelled || reason == types.ExitClean {
		p.logger.Info("Worker exited", fields...)
	} else {
		p.logger.Warn("Worker exited", append(fields, zap.Error(err))...)
	}
	return reason, err, respawn
}

func classify(stopping, hung bool, code int, chErr error) types.ExitReason {
	switch {
	case stopping:
		return types.ExitCancelled
	case hung:
		return types.ExitChannelLost
	case code == worker.ExitCodeClean:
		if chErr != nil && !errors.Is(chErr, io.EOF) {
			return types.ExitChannelLost
		}
		return types.ExitClean
	case code == worker.ExitCodeFatal:
		return types.ExitFatal
	case code == worker.ExitCodeChannelLost:
		return types.ExitChannelLost
	}
	return types.ExitPanic
}

func (p *Pool) giveUp(d *descriptor, reason types.ExitReason, err error) {
	fields := []zap.Field{
		zap.Int("worker_id", d.id),
		zap.String("group", d.group.DisplayName()),
		zap.Stringer("reason", reason),
		zap.Int("restarts", d.strategy.Restarts()),
	}
	if reason == types.ExitFatal || reason == types.ExitPanic {
		d.setExitErr(&WorkerExitError{ID: d.id, Group: d.group.DisplayName(), Reason: reason, Err: err})
		p.logger.Error("Worker will not be restarted", append(fields, zap.Error(err))...)
		return
	}
	p.logger.Info("Worker will not be restarted", fields...)
}

func (p *Pool) sleep(delay time.Duration) bool {
	if delay <= 0 {
		return p.ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// ping 定期送出 PingPong，超過 PongTimeout 未回應則強制結束進程
func (p *Pool) ping(d *descriptor, ch *control.Channel, done <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if since := d.sinceLastPong(); since > p.cfg.PongTimeout {
				p.logger.Warn("Worker stopped answering pings, killing it",
					zap.Int("worker_id", d.id),
					zap.Duration("since_last_pong", since))
				d.markHung()
				d.kill()
				return
			}
			ch.Send(control.PingPong{})
		}
	}
}

// readControl handles the messages a worker sends until its channel closes.
func (p *Pool) readControl(d *descriptor, ch *control.Channel) {
	for {
		msg, err := ch.Receive(context.Background())
		if err != nil {
			if errors.Is(err, control.ErrClosed) {
				return
			}
			p.cfg.Metrics.RecordDecodeError()
			p.logger.Warn("Dropping undecodable control message", zap.Int("worker_id", d.id), zap.Error(err))
			continue
		}

		switch m := msg.(type) {
		case control.PingPong:
			d.pong()
		case control.Log:
			p.forwardLog(d, m)
		case control.Event:
			if p.onEvent != nil {
				p.onEvent(d.id, m.Payload)
			} else {
				p.logger.Debug("Event without handler", zap.Int("worker_id", d.id))
			}
		default:
			p.logger.Warn("Unexpected control message",
				zap.Int("worker_id", d.id),
				zap.Stringer("kind", msg.Kind()))
		}
	}
}

// forwardLog 將 worker 轉送的日誌以 supervisor 的 logger 重新輸出
func (p *Pool) forwardLog(d *descriptor, m control.Log) {
	level, err := zapcore.ParseLevel(m.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	// a worker's fatal entry must not end the supervisor
	if level > zapcore.ErrorLevel {
		level = zapcore.ErrorLevel
	}

	ce := p.workerLog.Check(level, m.Message)
	if ce == nil {
		return
	}
	if !m.Time.IsZero() {
		ce.Time = m.Time
	}

	keys := make([]string, 0, len(m.Fields))
	for k := range m.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]zap.Field, 0, len(keys)+2)
	if _, ok := m.Fields["worker_id"]; !ok {
		fields = append(fields, zap.Int("worker_id", d.id))
	}
	if _, ok := m.Fields["group"]; !ok {
		fields = append(fields, zap.String("group", d.group.DisplayName()))
	}
	for _, k := range keys {
		fields = append(fields, zap.Any(k, m.Fields[k]))
	}
	ce.Write(fields...)
}

func (p *Pool) resetRecord(id int) {
	rec, err := p.store.Record(id)
	if err != nil {
		return
	}
	rec.Reset()
}

func (p *Pool) pids() map[int]int {
	p.mu.Lock()
	active := append([]*descriptor(nil), p.active...)
	p.mu.Unlock()

	pids := make(map[int]int)
	for _, d := range active {
		d.mu.Lock()
		if d.proc != nil {
			pids[d.id] = d.pid
		}
		d.mu.Unlock()
	}
	return pids
}

// ============================================================================
// 控制
// ============================================================================

// Restart 優雅關閉每個執行中的 worker，並在不諮詢重啟策略的情況下重新建立
//
// ctx 結束前會等待所有 worker 重新啟動。
func (p *Pool) Restart(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrNotRunning
	}
	active := append([]*descriptor(nil), p.active...)
	p.mu.Unlock()

	before := make(map[*descriptor]int)
	var errs []error
	for _, d := range active {
		exits := d.exitCount()
		ch := d.requestExit(true)
		if ch == nil {
			continue
		}
		before[d] = exits
		if err := ch.Send(control.Shutdown{}); err != nil {
			errs = append(errs, fmt.Errorf("worker %d: %w", d.id, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for len(before) > 0 {
		for d, exits := range before {
			select {
			case <-d.done:
				delete(before, d)
				continue
			default:
			}
			if d.exitCount() > exits && d.running() {
				delete(before, d)
			}
		}
		if len(before) == 0 {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopped:
			return ErrNotRunning
		}
	}
	p.logger.Info("Pool restarted", zap.Int("workers", len(active)))
	return nil
}

// Stop 停止 pool，可重複且並發呼叫
//
// 流程：
//  1. 標記停止並送出 Shutdown 給每個 worker
//  2. 等待所有 slot 結束；ctx 結束時強制結束剩餘進程（ctx 沒有 deadline 時使用 ShutdownTimeout）
//  3. 關閉 hub、Submitter 與共享狀態
//  4. 彙整錯誤：一個時包裝返回，多個時返回 *CompositeError
func (p *Pool) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.stopErr = p.stop(ctx)
		close(p.stopped)
	})
	return p.stopErr
}

func (p *Pool) stop(ctx context.Context) error {
	p.mu.Lock()
	wasRunning := p.running
	p.running = false
	p.started = true
	active := append([]*descriptor(nil), p.active...)
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ShutdownTimeout)
		defer cancel()
	}
	if wasRunning {
		p.logger.Info("Stopping pool", zap.Int("workers", len(active)))
	}

	for _, d := range active {
		go func() {
			if ch := d.requestExit(false); ch != nil {
				ch.Send(control.Shutdown{})
			}
		}()
	}

	allDone := make(chan struct{})
	go func() {
		for _, d := range active {
			<-d.done
		}
		close(allDone)
	}()

	var errs []error
	select {
	case <-allDone:
	case <-ctx.Done():
		for _, d := range active {
			if d.running() {
				errs = append(errs, fmt.Errorf("worker %d did not stop in time: %w", d.id, ctx.Err()))
				d.kill()
			}
		}
		<-allDone
	}

	for _, d := range active {
		if err := d.err(); err != nil {
			errs = append(errs, err)
		}
	}

	p.mu.Lock()
	submitter := p.submitter
	p.submitter = nil
	p.mu.Unlock()
	if submitter != nil {
		submitter.Close()
	}
	if p.hub != nil {
		if err := p.hub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transfer hub: %w", err))
		}
	}
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close shared state: %w", err))
		}
	}
	if p.ownRunDir {
		os.RemoveAll(p.cfg.RunDir)
	}

	err := aggregate(errs)
	if wasRunning {
		if err != nil {
			p.logger.Warn("Pool stopped with errors", zap.Error(err))
		} else {
			p.logger.Info("Pool stopped")
		}
	}
	return err
}

// Wait blocks until the pool has stopped, or until no worker is left to
// supervise, in which case it stops the pool itself.
func (p *Pool) Wait(ctx context.Context) error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return ErrNotRunning
	}

	select {
	case <-p.stopped:
		return p.stopErr
	case <-p.exhausted:
		return p.Stop(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ============================================================================
// 查詢
// ============================================================================

// RunningWorkers returns the number of live worker processes.
func (p *Pool) RunningWorkers() int {
	p.mu.Lock()
	active := append([]*descriptor(nil), p.active...)
	p.mu.Unlock()

	n := 0
	for _, d := range active {
		if d.running() {
			n++
		}
	}
	return n
}

// Workers returns a snapshot of every slot, reserved ones included.
func (p *Pool) Workers() []WorkerInfo {
	p.mu.Lock()
	slots := append([]*descriptor(nil), p.slots...)
	p.mu.Unlock()

	infos := make([]WorkerInfo, len(slots))
	for i, d := range slots {
		infos[i] = d.info()
	}
	return infos
}

// SendEvent sends an application event to one worker.
func (p *Pool) SendEvent(workerID int, payload []byte) error {
	p.mu.Lock()
	var slot *descriptor
	for _, d := range p.slots {
		if d.id == workerID {
			slot = d
			break
		}
	}
	p.mu.Unlock()

	if slot == nil {
		return fmt.Errorf("%w: %d", ErrUnknownWorker, workerID)
	}
	ch := slot.channel()
	if ch == nil {
		return fmt.Errorf("%w: %d", ErrWorkerNotRunning, workerID)
	}
	return ch.Send(control.Event{Payload: payload})
}

// Submitter 返回 supervisor 端的 Submitter，第一次呼叫時建立
func (p *Pool) Submitter() (*jobipc.Submitter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil, ErrNotRunning
	}
	if p.submitter == nil {
		picker, err := pickup.New(p.cfg.PickupStrategy, pickup.NewBase(p.store, 0, 3*p.cfg.HeartbeatInterval))
		if err != nil {
			return nil, err
		}
		p.submitter = jobipc.NewSubmitter(jobipc.SubmitterConfig{
			RunDir: p.cfg.RunDir,
			Picker: picker,
			Client: jobipc.ClientConfig{Logger: p.logger, Metrics: p.cfg.Metrics},
			Logger: p.logger,
			Tracer: p.cfg.Tracer,
		})
	}
	return p.submitter, nil
}

// State returns the shared state store, nil before Run.
func (p *Pool) State() *state.Store {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store
}
