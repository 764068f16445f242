package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// ProcessLister returns the pid of every live worker keyed by worker id.
type ProcessLister func() map[int]int

// ProcessSampler 定期讀取工作進程的 RSS 與 CPU 使用率
type ProcessSampler struct {
	collector *Collector
	list      ProcessLister
	interval  time.Duration
	logger    *zap.Logger

	procs map[int]*process.Process // worker id -> 取樣中的進程
}

// NewProcessSampler creates a sampler. interval defaults to 5s.
func NewProcessSampler(c *Collector, list ProcessLister, interval time.Duration, logger *zap.Logger) *ProcessSampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessSampler{
		collector: c,
		list:      list,
		interval:  interval,
		logger:    logger,
		procs:     make(map[int]*process.Process),
	}
}

// Run samples until ctx is done.
func (s *ProcessSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sample(ctx)
		}
	}
}

// Sample takes one reading of every live worker.
func (s *ProcessSampler) Sample(ctx context.Context) {
	live := s.list()

	for id, p := range s.procs {
		if pid, ok := live[id]; !ok || int32(pid) != p.Pid {
			delete(s.procs, id)
			s.collector.ForgetWorker(id)
		}
	}

	for id, pid := range live {
		p, ok := s.procs[id]
		if !ok {
			var err error
			p, err = process.NewProcessWithContext(ctx, int32(pid))
			if err != nil {
				s.logger.Debug("cannot sample worker process", zap.Int("worker_id", id), zap.Int("pid", pid), zap.Error(err))
				continue
			}
			s.procs[id] = p
		}

		mem, err := p.MemoryInfoWithContext(ctx)
		if err != nil {
			s.logger.Debug("cannot read worker memory", zap.Int("worker_id", id), zap.Error(err))
			continue
		}
		cpu, err := p.PercentWithContext(ctx, 0)
		if err != nil {
			cpu = 0
		}
		s.collector.SetWorkerResources(id, mem.RSS, cpu)
	}
}
