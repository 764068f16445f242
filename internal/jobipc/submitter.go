package jobipc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/procpool/internal/strategy/pickup"
	"github.com/ChuLiYu/procpool/pkg/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/ChuLiYu/procpool/internal/jobipc"

// SubmitterConfig configures a Submitter.
type SubmitterConfig struct {
	SelfID int             // worker id of the submitting process, 0 for the supervisor
	RunDir string          // directory holding the job sockets
	Picker pickup.Strategy // chooses the target worker
	Client ClientConfig
	Logger *zap.Logger
	Tracer trace.Tracer
}

// Submitter dispatches jobs to worker groups. It keeps one Client per target
// worker, opened on first use and dropped when its connection is lost.
type Submitter struct {
	cfg SubmitterConfig
	seq atomic.Uint64

	mu      sync.Mutex
	clients map[int]*Client
	closed  bool
}

// NewSubmitter creates a Submitter.
func NewSubmitter(cfg SubmitterConfig) *Submitter {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Client.Logger == nil {
		cfg.Client.Logger = cfg.Logger
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	return &Submitter{cfg: cfg, clients: make(map[int]*Client)}
}

// nextJobID returns an id unique within this process; the high bits carry the
// submitter's worker id.
func (s *Submitter) nextJobID() uint64 {
	return uint64(s.cfg.SelfID)<<40 | s.seq.Add(1)
}

// Submit 將任務送往 groupID 群組中由 Picker 選出的 worker
//
// 連線失敗的 worker 會被排除並重新挑選，直到沒有候選者為止。
//
// 返回值：
//   - *Future: 任務結果
//   - error: *pickup.NoWorkersAvailableError 或通道錯誤
func (s *Submitter) Submit(ctx context.Context, groupID, priority int, payload []byte) (*Future, error) {
	ctx, span := s.cfg.Tracer.Start(ctx, "jobipc.Submit",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.Int("procpool.group_id", groupID),
			attribute.Int("procpool.priority", priority),
			attribute.Int("procpool.payload_bytes", len(payload)),
		))

	var ignored []int
	for {
		workerID, err := s.cfg.Picker.Pickup([]int{groupID}, nil, ignored)
		if err != nil {
			s.cfg.Client.Metrics.RecordPickupFailure()
			endSpan(span, err)
			return nil, err
		}
		span.SetAttributes(attribute.Int("procpool.worker_id", workerID))

		f, err := s.SubmitTo(ctx, workerID, groupID, priority, payload)
		if err != nil {
			if errors.Is(err, ErrChannelLost) {
				s.cfg.Logger.Debug("worker unreachable, picking another",
					zap.Int("worker_id", workerID), zap.Error(err))
				ignored = append(ignored, workerID)
				continue
			}
			endSpan(span, err)
			return nil, err
		}

		go func() {
			<-f.Done()
			_, err := f.Result()
			endSpan(span, err)
		}()
		return f, nil
	}
}

// SubmitTo sends a job to a specific worker.
func (s *Submitter) SubmitTo(ctx context.Context, workerID, groupID, priority int, payload []byte) (*Future, error) {
	client, err := s.client(ctx, workerID)
	if err != nil {
		return nil, err
	}
	return client.Submit(ctx, types.JobRequest{
		JobID:         s.nextJobID(),
		FromWorkerID:  s.cfg.SelfID,
		WorkerGroupID: groupID,
		Priority:      priority,
		Payload:       payload,
	})
}

// Run submits a job and waits for its response.
func (s *Submitter) Run(ctx context.Context, groupID, priority int, payload []byte) (types.JobResponse, error) {
	f, err := s.Submit(ctx, groupID, priority, payload)
	if err != nil {
		return types.JobResponse{}, err
	}
	<-f.Done()
	return f.Result()
}

func (s *Submitter) client(ctx context.Context, workerID int) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if c, ok := s.clients[workerID]; ok {
		select {
		case <-c.Done():
			delete(s.clients, workerID)
		default:
			return c, nil
		}
	}

	c, err := Dial(ctx, SocketPath(s.cfg.RunDir, workerID), s.cfg.Client)
	if err != nil {
		return nil, errors.Join(ErrChannelLost, err)
	}
	s.clients[workerID] = c
	return c, nil
}

// Close closes every client. Pending futures fail with ErrChannelLost.
func (s *Submitter) Close() error {
	s.mu.Lock()
	s.closed = true
	clients := s.clients
	s.clients = make(map[int]*Client)
	s.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
