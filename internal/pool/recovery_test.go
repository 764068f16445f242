// ============================================================================
// procpool 吞吐量與恢復測試
// ============================================================================
//
// TestJobThroughput:
//   多個 job worker 同時處理任務
//   - 4 個 worker，提交 400 個任務（並行 16 路）
//   - 驗證全部完成，且每個 worker 都分到任務
//
// TestCrashRecoveryTime:
//   模擬所有 worker 同時崩潰
//   - always 策略會立即重啟同一個 id
//   - 量測從崩潰到所有 worker 重新 ready 的時間（目標 < 3 秒）
//   - 重啟後任務派送恢復正常
//
// ============================================================================

package pool

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/procpool/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allReady(p *Pool, ids ...int) bool {
	for _, id := range ids {
		v, err := p.State().Worker(id)
		if err != nil || !v.Ready {
			return false
		}
	}
	return true
}

func TestJobThroughput(t *testing.T) {
	p := newTestPool(t)
	jobs := describe(t, p, types.WorkerGroup{Type: types.WorkerTypeJob, MinWorkers: 4, JobRunner: "echo"})
	require.NoError(t, p.Run(waitCtx(t)))
	require.Eventually(t, func() bool { return allReady(p, 1, 2, 3, 4) }, 3*time.Second, 10*time.Millisecond)

	s, err := p.Submitter()
	require.NoError(t, err)

	const totalJobs = 400
	ctx := waitCtx(t)
	start := time.Now()

	var (
		mu      sync.Mutex
		workers = make(map[int]int)
		failed  []error
		wg      sync.WaitGroup
		sem     = make(chan struct{}, 16)
	)
	for i := 0; i < totalJobs; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			payload := []byte(fmt.Sprintf("job-%d", i))
			resp, err := s.Run(ctx, jobs.ID, i%3, payload)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, err)
				return
			}
			if string(resp.Payload) != "echo:"+string(payload) {
				failed = append(failed, fmt.Errorf("job %d: unexpected payload %q", i, resp.Payload))
				return
			}
			workers[resp.FromWorkerID]++
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	t.Logf("=== Throughput Test Results ===")
	t.Logf("Total jobs: %d", totalJobs)
	t.Logf("Elapsed time: %v", elapsed)
	t.Logf("Throughput: %.2f jobs/second", float64(totalJobs)/elapsed.Seconds())
	t.Logf("Per worker: %v", workers)
	t.Logf("===============================")

	require.Empty(t, failed)
	assert.Len(t, workers, 4, "round robin spreads jobs over every worker")

	// job counts drain back to zero once every response is delivered
	require.Eventually(t, func() bool {
		for id := 1; id <= 4; id++ {
			if v, err := p.State().Worker(id); err != nil || v.JobCount != 0 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCrashRecoveryTime(t *testing.T) {
	p := newTestPool(t)
	jobs := describe(t, p, types.WorkerGroup{Type: types.WorkerTypeJob, MinWorkers: 4, JobRunner: "echo", RestartPolicy: "always"})
	require.NoError(t, p.Run(waitCtx(t)))
	require.Eventually(t, func() bool { return allReady(p, 1, 2, 3, 4) }, 3*time.Second, 10*time.Millisecond)

	t.Log("Simulating crash of every worker...")
	start := time.Now()
	for _, d := range p.active {
		d.kill()
	}

	require.Eventually(t, func() bool {
		for _, d := range p.active {
			if d.exitCount() == 0 || !d.running() {
				return false
			}
		}
		return allReady(p, 1, 2, 3, 4)
	}, 5*time.Second, 5*time.Millisecond)
	recoveryTime := time.Since(start)

	t.Logf("=== Recovery Performance ===")
	t.Logf("Recovery time: %v", recoveryTime)
	t.Logf("============================")
	assert.Less(t, recoveryTime, 3*time.Second)

	for _, info := range p.Workers() {
		assert.Equal(t, types.ExitPanic.String(), info.LastExit)
		assert.Equal(t, 1, info.Restarts)
	}

	s, err := p.Submitter()
	require.NoError(t, err)
	resp, err := s.Run(waitCtx(t), jobs.ID, 0, []byte("after"))
	require.NoError(t, err)
	assert.Equal(t, []byte("echo:after"), resp.Payload)
}
