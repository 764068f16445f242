package pool

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ChuLiYu/procpool/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrAlreadyRunning 表示 Run 已被呼叫過，或 Run 之後才嘗試 DescribeGroup
	ErrAlreadyRunning = errors.New("pool: already running")

	// ErrNoWorkers 表示所有群組加起來沒有任何需要啟動的 worker
	ErrNoWorkers = errors.New("pool: no workers to start")

	// ErrInvalidGroup 表示群組定義不合法
	ErrInvalidGroup = errors.New("pool: invalid worker group")

	// ErrNotRunning 表示 pool 尚未啟動或已停止
	ErrNotRunning = errors.New("pool: not running")

	// ErrUnknownWorker 表示 worker id 不屬於任何群組
	ErrUnknownWorker = errors.New("pool: unknown worker")

	// ErrWorkerNotRunning 表示該 worker 目前沒有存活的進程
	ErrWorkerNotRunning = errors.New("pool: worker not running")
)

// WorkerExitError records a worker whose last exit was a fatal error or a
// panic that its restart strategy declined to restart.
type WorkerExitError struct {
	ID     int
	Group  string
	Reason types.ExitReason
	Err    error
}

func (e *WorkerExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("worker %s-%d exited: %s", e.Group, e.ID, e.Reason)
	}
	return fmt.Sprintf("worker %s-%d exited: %s: %v", e.Group, e.ID, e.Reason, e.Err)
}

func (e *WorkerExitError) Unwrap() error {
	return e.Err
}

// CompositeError aggregates several failures of one Stop.
type CompositeError struct {
	Errors []error
}

func (e *CompositeError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("stopping the pool failed with %d errors: %s", len(e.Errors), strings.Join(msgs, "; "))
}

func (e *CompositeError) Unwrap() []error {
	return e.Errors
}

// aggregate folds the failures of a stop into a single error.
func aggregate(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("stopping the pool failed: %w", errs[0])
	}
	return &CompositeError{Errors: errs}
}
