// ============================================================================
// procpool Worker - 進程結束碼
// ============================================================================
//
// Package: internal/worker
// 文件: exit.go
// 功能: 將 entry point 的回傳錯誤對應成進程結束碼，supervisor 依結束碼分類
//
//   0  正常結束（CleanExit）
//   1  一般錯誤
//   2  panic
//   3  致命錯誤（ErrFatal）
//   4  控制通道中斷（ErrChannelLost）
//
// ============================================================================

package worker

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// 進程結束碼
const (
	ExitCodeClean       = 0
	ExitCodeError       = 1
	ExitCodePanic       = 2
	ExitCodeFatal       = 3
	ExitCodeChannelLost = 4
)

var (
	// ErrFatal 表示不應重試的錯誤；包裝它的錯誤會以結束碼 3 結束進程
	ErrFatal = errors.New("worker: fatal error")

	// ErrChannelLost 表示與 supervisor 的控制通道中斷
	ErrChannelLost = errors.New("worker: control channel lost")

	// ErrUnknownEntryPoint 表示 registry 中找不到指定的 entry point 或 job runner
	ErrUnknownEntryPoint = errors.New("worker: unknown entry point")

	// ErrNoTransport 表示 worker 沒有 socket transfer 連線
	ErrNoTransport = errors.New("worker: no socket transfer available")
)

// PanicError is a recovered panic of an entry point or the bootstrap.
type PanicError struct {
	Value any
	Stack []byte
}

func newPanicError(v any) *PanicError {
	return &PanicError{Value: v, Stack: debug.Stack()}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("worker: panic: %v", e.Value)
}

// ExitCode maps the result of Bootstrap to the exit code of the worker process.
func ExitCode(err error) int {
	var panicErr *PanicError
	switch {
	case err == nil:
		return ExitCodeClean
	case errors.As(err, &panicErr):
		return ExitCodePanic
	case errors.Is(err, ErrFatal):
		return ExitCodeFatal
	case errors.Is(err, ErrChannelLost):
		return ExitCodeChannelLost
	}
	return ExitCodeError
}
