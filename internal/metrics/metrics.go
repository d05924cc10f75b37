package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder 流水线指标。方法对 nil 接收者安全，测试中可不注入。
type Recorder struct {
	registry *prometheus.Registry

	cycleDuration    *prometheus.HistogramVec
	cycles           *prometheus.CounterVec
	stations         *prometheus.CounterVec
	records          *prometheus.CounterVec
	rejections       *prometheus.CounterVec
	retries          *prometheus.CounterVec
	anomalies        *prometheus.CounterVec
	suppressed       *prometheus.CounterVec
	alignmentGaps    prometheus.Counter
	lastCycleSuccess prometheus.Gauge
}

// New 创建并注册指标
func New() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Recorder{
		registry: registry,
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evpulse_cycle_duration_seconds",
			Help:    "Duration of pipeline cycles.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"status"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evpulse_cycles_total",
			Help: "Total pipeline cycles by status.",
		}, []string{"status"}),
		stations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evpulse_station_units_total",
			Help: "Total per-station units by outcome.",
		}, []string{"outcome"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evpulse_records_processed_total",
			Help: "Total canonical records accepted by source.",
		}, []string{"source"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evpulse_records_rejected_total",
			Help: "Total raw records rejected by source and reason.",
		}, []string{"source", "reason"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evpulse_collaborator_retries_total",
			Help: "Total retried collaborator calls by operation.",
		}, []string{"operation"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evpulse_anomalies_total",
			Help: "Total anomaly lifecycle transitions by type and transition.",
		}, []string{"type", "transition"}),
		suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evpulse_anomaly_suppressed_total",
			Help: "Total anomaly evaluations suppressed for insufficient baseline.",
		}, []string{"type"}),
		alignmentGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evpulse_alignment_gaps_total",
			Help: "Total missing weather or traffic correlates.",
		}),
		lastCycleSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "evpulse_last_cycle_success_timestamp_seconds",
			Help: "Unix time of the last cycle that completed without failure.",
		}),
	}

	registry.MustRegister(
		r.cycleDuration,
		r.cycles,
		r.stations,
		r.records,
		r.rejections,
		r.retries,
		r.anomalies,
		r.suppressed,
		r.alignmentGaps,
		r.lastCycleSuccess,
	)
	return r
}

// Registry 指标注册表
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler /metrics 处理器
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// CycleCompleted 记录一次周期
func (r *Recorder) CycleCompleted(status string, d time.Duration, at time.Time) {
	if r == nil {
		return
	}
	r.cycleDuration.WithLabelValues(status).Observe(d.Seconds())
	r.cycles.WithLabelValues(status).Inc()
	if status == "success" {
		r.lastCycleSuccess.Set(float64(at.Unix()))
	}
}

// StationUnit 记录单站处理结果：ok / failed / skipped
func (r *Recorder) StationUnit(outcome string) {
	if r == nil {
		return
	}
	r.stations.WithLabelValues(outcome).Inc()
}

// RecordsAccepted 记录接受的规范化记录数
func (r *Recorder) RecordsAccepted(source string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.records.WithLabelValues(source).Add(float64(n))
}

// RecordRejected 记录一条被拒绝的原始记录
func (r *Recorder) RecordRejected(source, reason string) {
	if r == nil {
		return
	}
	r.rejections.WithLabelValues(source, reason).Inc()
}

// Retry 记录一次重试
func (r *Recorder) Retry(operation string) {
	if r == nil {
		return
	}
	r.retries.WithLabelValues(operation).Inc()
}

// Anomaly 记录异常状态变化：opened / resolved
func (r *Recorder) Anomaly(anomalyType, transition string) {
	if r == nil {
		return
	}
	r.anomalies.WithLabelValues(anomalyType, transition).Inc()
}

// Suppressed 记录一次基线不足
func (r *Recorder) Suppressed(anomalyType string) {
	if r == nil {
		return
	}
	r.suppressed.WithLabelValues(anomalyType).Inc()
}

// AlignmentGaps 记录缺失的关联观测
func (r *Recorder) AlignmentGaps(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.alignmentGaps.Add(float64(n))
}
