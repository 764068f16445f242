// ============================================================================
// procpool Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露進程池運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 進程生命週期：
//      - procpool_workers_running: 目前存活的工作進程數
//      - procpool_workers_started_total: 啟動過的工作進程總數
//      - procpool_worker_exits_total{reason}: 依結束原因統計
//      - procpool_worker_restarts_total{group}: 依群組統計重啟次數
//
//   2. 任務 (job IPC)：
//      - procpool_jobs_submitted_total / completed_total / failed_total
//      - procpool_jobs_in_flight: 提交端等待回應中的任務數
//      - procpool_job_latency_seconds: 提交到回應的延遲分佈
//      - procpool_pickup_failures_total: 找不到可用 worker 的次數
//      - procpool_orphan_responses_total: 沒有對應請求的回應
//      - procpool_decode_errors_total: 無法解碼的訊息
//
//   3. 資源 (由 ProcessSampler 定期更新)：
//      - procpool_worker_rss_bytes{worker}
//      - procpool_worker_cpu_percent{worker}
//
// Prometheus 查詢示例:
//
//   # 每分鐘重啟次數
//   rate(procpool_worker_restarts_total[1m])
//
//   # 95 分位延遲
//   histogram_quantile(0.95, procpool_job_latency_seconds_bucket)
//
// 所有 Record* 方法對 nil Collector 為 no-op，元件可以在沒有監控時直接使用。
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 進程相關指標
	workersRunning prometheus.Gauge
	workersStarted prometheus.Counter
	workerExits    *prometheus.CounterVec
	workerRestarts *prometheus.CounterVec

	// 任務相關指標
	jobsSubmitted   prometheus.Counter
	jobsCompleted   prometheus.Counter
	jobsFailed      prometheus.Counter
	jobsInFlight    prometheus.Gauge
	jobLatency      prometheus.Histogram
	pickupFailures  prometheus.Counter
	orphanResponses prometheus.Counter
	decodeErrors    prometheus.Counter

	// 資源指標
	workerRSS *prometheus.GaugeVec
	workerCPU *prometheus.GaugeVec
}

// NewCollector 創建新的指標收集器並註冊到 reg（nil 時使用預設註冊器）
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		workersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procpool_workers_running",
			Help: "Current number of running worker processes",
		}),
		workersStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procpool_workers_started_total",
			Help: "Total number of worker processes started",
		}),
		workerExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procpool_worker_exits_total",
			Help: "Total number of worker process exits by reason",
		}, []string{"reason"}),
		workerRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procpool_worker_restarts_total",
			Help: "Total number of worker restarts by group",
		}, []string{"group"}),
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procpool_jobs_submitted_total",
			Help: "Total number of jobs submitted over job IPC",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procpool_jobs_completed_total",
			Help: "Total number of jobs answered with a result",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procpool_jobs_failed_total",
			Help: "Total number of jobs answered with an error or lost",
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procpool_jobs_in_flight",
			Help: "Current number of jobs waiting for a response",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "procpool_job_latency_seconds",
			Help:    "Job round trip latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		pickupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procpool_pickup_failures_total",
			Help: "Total number of job submissions that found no available worker",
		}),
		orphanResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procpool_orphan_responses_total",
			Help: "Total number of responses without a matching request",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procpool_decode_errors_total",
			Help: "Total number of job messages that could not be decoded",
		}),
		workerRSS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "procpool_worker_rss_bytes",
			Help: "Resident set size of worker processes",
		}, []string{"worker"}),
		workerCPU: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "procpool_worker_cpu_percent",
			Help: "CPU usage of worker processes",
		}, []string{"worker"}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.workersRunning,
		c.workersStarted,
		c.workerExits,
		c.workerRestarts,
		c.jobsSubmitted,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsInFlight,
		c.jobLatency,
		c.pickupFailures,
		c.orphanResponses,
		c.decodeErrors,
		c.workerRSS,
		c.workerCPU,
	)

	return c
}

// RecordWorkerStarted 記錄工作進程啟動
func (c *Collector) RecordWorkerStarted() {
	if c == nil {
		return
	}
	c.workersStarted.Inc()
	c.workersRunning.Inc()
}

// RecordWorkerExit 記錄工作進程結束
func (c *Collector) RecordWorkerExit(reason string) {
	if c == nil {
		return
	}
	c.workersRunning.Dec()
	c.workerExits.WithLabelValues(reason).Inc()
}

// RecordRestart 記錄群組內的重啟
func (c *Collector) RecordRestart(group string) {
	if c == nil {
		return
	}
	c.workerRestarts.WithLabelValues(group).Inc()
}

// RecordSubmitted 記錄任務提交
func (c *Collector) RecordSubmitted() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
	c.jobsInFlight.Inc()
}

// RecordCompleted 記錄任務完成
func (c *Collector) RecordCompleted(latencySeconds float64) {
	if c == nil {
		return
	}
	c.jobsInFlight.Dec()
	c.jobsCompleted.Inc()
	c.jobLatency.Observe(latencySeconds)
}

// RecordFailed 記錄任務失敗（包含 runner 錯誤、通道中斷與取消）
func (c *Collector) RecordFailed() {
	if c == nil {
		return
	}
	c.jobsInFlight.Dec()
	c.jobsFailed.Inc()
}

// RecordPickupFailure 記錄找不到可用 worker
func (c *Collector) RecordPickupFailure() {
	if c == nil {
		return
	}
	c.pickupFailures.Inc()
}

// RecordOrphanResponse 記錄沒有對應請求的回應
func (c *Collector) RecordOrphanResponse() {
	if c == nil {
		return
	}
	c.orphanResponses.Inc()
}

// RecordDecodeError 記錄無法解碼的訊息
func (c *Collector) RecordDecodeError() {
	if c == nil {
		return
	}
	c.decodeErrors.Inc()
}

// SetWorkerResources 更新單一 worker 的資源用量
func (c *Collector) SetWorkerResources(workerID int, rssBytes uint64, cpuPercent float64) {
	if c == nil {
		return
	}
	label := strconv.Itoa(workerID)
	c.workerRSS.WithLabelValues(label).Set(float64(rssBytes))
	c.workerCPU.WithLabelValues(label).Set(cpuPercent)
}

// ForgetWorker 移除已結束 worker 的資源指標
func (c *Collector) ForgetWorker(workerID int) {
	if c == nil {
		return
	}
	label := strconv.Itoa(workerID)
	c.workerRSS.DeleteLabelValues(label)
	c.workerCPU.DeleteLabelValues(label)
}

// Handler 返回 /metrics 的 HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewServer 建立 Prometheus metrics HTTP 伺服器（呼叫端負責 ListenAndServe 與 Shutdown）
//
// 參數：
//   - port: HTTP 伺服器端口
func NewServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
}
