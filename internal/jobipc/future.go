package jobipc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/procpool/pkg/types"
)

// RemoteError carries the error info a job runner answered with.
type RemoteError struct {
	JobID   uint64
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("jobipc: job %d failed: %s", e.JobID, e.Message)
}

// Future is the pending result of one submitted job.
type Future struct {
	jobID   uint64
	started time.Time
	done    chan struct{}
	once    sync.Once
	stop    func() bool

	resp types.JobResponse
	err  error
}

func newFuture(jobID uint64) *Future {
	return &Future{jobID: jobID, started: time.Now(), done: make(chan struct{})}
}

// JobID returns the id of the job the future belongs to.
func (f *Future) JobID() uint64 {
	return f.jobID
}

// Done is closed once the future is settled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome. Only meaningful after Done is closed.
func (f *Future) Result() (types.JobResponse, error) {
	return f.resp, f.err
}

// Await waits for the outcome or until ctx is done. Giving up the wait does
// not cancel the job; cancel the context passed to Submit for that.
func (f *Future) Await(ctx context.Context) (types.JobResponse, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return types.JobResponse{}, ctx.Err()
	}
}

// complete settles the future; later calls are ignored.
func (f *Future) complete(resp types.JobResponse, err error) bool {
	settled := false
	f.once.Do(func() {
		if err == nil && resp.Failed() {
			err = &RemoteError{JobID: f.jobID, Message: resp.Error}
		}
		f.resp, f.err = resp, err
		if f.stop != nil {
			f.stop()
		}
		close(f.done)
		settled = true
	})
	return settled
}

func (f *Future) elapsed() time.Duration {
	return time.Since(f.started)
}
