// ============================================================================
// Partner Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露 claim / transfer 狀態機與 HTTP 邊界的運行指標
//
// 指標分類:
//
//   1. 操作計數器 (CounterVec) - label: op, outcome
//      - partner_claim_operations_total
//      - partner_transfer_operations_total
//      outcome ∈ ok, replay, validation, not_found, conflict, error
//
//   2. 其他計數器 (Counter)
//      - partner_resources_moved_total: Accept 搬移的資源數
//      - partner_store_condition_retries_total: 條件寫入失敗後的重試次數
//      - partner_records_swept_total{kind}: 過期清理刪除的記錄數
//
//   3. 延遲 (HistogramVec)
//      - partner_http_request_duration_seconds{method,route,code}
//
//   4. 狀態 (Gauge)
//      - partner_recovery_time_seconds: 內嵌存儲最近一次啟動恢復耗時
//
// Prometheus 查詢示例:
//
//   # 每分鐘 accept 衝突數
//   rate(partner_transfer_operations_total{op="accept",outcome="conflict"}[1m])
//
//   # 95 分位 HTTP 延遲
//   histogram_quantile(0.95, sum by (le, route) (rate(partner_http_request_duration_seconds_bucket[5m])))
//
// ============================================================================

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器. It implements transfer.Recorder.
type Collector struct {
	claimOps       *prometheus.CounterVec
	transferOps    *prometheus.CounterVec
	resourcesMoved prometheus.Counter
	retries        prometheus.Counter
	swept          *prometheus.CounterVec

	httpDuration *prometheus.HistogramVec
	recoveryTime prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector 創建指標收集器並註冊到 reg. A nil reg uses a fresh
// registry, so collectors never clash in tests.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		claimOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "partner_claim_operations_total",
			Help: "Claim state machine operations by outcome",
		}, []string{"op", "outcome"}),
		transferOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "partner_transfer_operations_total",
			Help: "Transfer request state machine operations by outcome",
		}, []string{"op", "outcome"}),
		resourcesMoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "partner_resources_moved_total",
			Help: "Resources whose owning installation changed on accept",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "partner_store_condition_retries_total",
			Help: "Guarded writes retried after losing a race",
		}),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "partner_records_swept_total",
			Help: "Expired records deleted by the sweeper",
		}, []string{"kind"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "partner_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "partner_recovery_time_seconds",
			Help: "Time taken by the embedded store to recover on open",
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		c.claimOps,
		c.transferOps,
		c.resourcesMoved,
		c.retries,
		c.swept,
		c.httpDuration,
		c.recoveryTime,
	)
	return c
}

// ClaimOperation 記錄 claim 操作結果
func (c *Collector) ClaimOperation(op, outcome string) {
	c.claimOps.WithLabelValues(op, outcome).Inc()
}

// TransferOperation 記錄 transfer request 操作結果
func (c *Collector) TransferOperation(op, outcome string) {
	c.transferOps.WithLabelValues(op, outcome).Inc()
}

// ConditionRetry 記錄一次條件寫入重試
func (c *Collector) ConditionRetry() {
	c.retries.Inc()
}

// ResourcesMoved 記錄搬移的資源數
func (c *Collector) ResourcesMoved(n int) {
	c.resourcesMoved.Add(float64(n))
}

// RecordSwept 記錄清理的記錄數
func (c *Collector) RecordSwept(kind string, n int) {
	if n > 0 {
		c.swept.WithLabelValues(kind).Add(float64(n))
	}
}

// SweptCounter returns the swept-records counter for kind.
func (c *Collector) SweptCounter(kind string) prometheus.Counter {
	return c.swept.WithLabelValues(kind)
}

// ObserveHTTP 記錄一次 HTTP 請求
func (c *Collector) ObserveHTTP(method, route string, code int, d time.Duration) {
	c.httpDuration.WithLabelValues(method, route, strconv.Itoa(code)).Observe(d.Seconds())
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	c.recoveryTime.Set(d.Seconds())
}

// RecoveryGauge returns the recovery time gauge.
func (c *Collector) RecoveryGauge() prometheus.Gauge {
	return c.recoveryTime
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
