package metrics

import (
	"context"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector := NewCollector(nil)

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.workersRunning, "workersRunning gauge should be initialized")
	assert.NotNil(t, collector.workerExits, "workerExits counter should be initialized")
	assert.NotNil(t, collector.jobLatency, "jobLatency histogram should be initialized")
	assert.NotNil(t, collector.orphanResponses, "orphanResponses counter should be initialized")
}

func TestNewCollectorDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)

	assert.Panics(t, func() {
		NewCollector(reg)
	}, "registering the same metrics twice should panic")
}

func TestWorkerLifecycleMetrics(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.RecordWorkerStarted()
	collector.RecordWorkerStarted()
	collector.RecordWorkerExit("channel_lost")
	collector.RecordRestart("jobs")

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.workersRunning))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.workersStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.workerExits.WithLabelValues("channel_lost")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.workerRestarts.WithLabelValues("jobs")))
}

func TestJobMetrics(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	latencies := []float64{0.001, 0.01, 0.1, 1.0, 5.0}
	for _, latency := range latencies {
		collector.RecordSubmitted()
		assert.NotPanics(t, func() {
			collector.RecordCompleted(latency)
		}, "RecordCompleted should not panic with latency %f", latency)
	}

	collector.RecordSubmitted()
	collector.RecordFailed()
	collector.RecordOrphanResponse()
	collector.RecordPickupFailure()
	collector.RecordDecodeError()

	assert.Equal(t, 6.0, testutil.ToFloat64(collector.jobsSubmitted))
	assert.Equal(t, 5.0, testutil.ToFloat64(collector.jobsCompleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.jobsFailed))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.jobsInFlight), "every submitted job was settled")
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.orphanResponses))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.pickupFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.decodeErrors))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var collector *Collector

	assert.NotPanics(t, func() {
		collector.RecordWorkerStarted()
		collector.RecordWorkerExit("clean")
		collector.RecordRestart("g")
		collector.RecordSubmitted()
		collector.RecordCompleted(1)
		collector.RecordFailed()
		collector.RecordPickupFailure()
		collector.RecordOrphanResponse()
		collector.RecordDecodeError()
		collector.SetWorkerResources(1, 1, 1)
		collector.ForgetWorker(1)
	})
}

func TestWorkerResources(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.SetWorkerResources(3, 4096, 12.5)
	assert.Equal(t, 4096.0, testutil.ToFloat64(collector.workerRSS.WithLabelValues("3")))
	assert.Equal(t, 12.5, testutil.ToFloat64(collector.workerCPU.WithLabelValues("3")))

	collector.ForgetWorker(3)
	assert.Equal(t, 0, testutil.CollectAndCount(collector.workerRSS))
}

func TestProcessSamplerSamplesOwnProcess(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())
	pid := os.Getpid()

	live := map[int]int{1: pid}
	sampler := NewProcessSampler(collector, func() map[int]int { return live }, time.Second, nil)

	sampler.Sample(context.Background())
	assert.Greater(t, testutil.ToFloat64(collector.workerRSS.WithLabelValues("1")), 0.0, "own process has a resident set")

	live = map[int]int{}
	sampler.Sample(context.Background())
	assert.Equal(t, 0, testutil.CollectAndCount(collector.workerRSS), "gone workers are forgotten")
}

func TestHandlerServesMetrics(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	server := NewServer(9090)
	require.NotNil(t, server)
	assert.Equal(t, ":9090", server.Addr)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	server.Handler.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"), "default gatherer exposes go runtime metrics")
}
