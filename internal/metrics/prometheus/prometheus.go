// Package prommetrics implements metrics.Metrics using Prometheus.
package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	callsTotal   *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	quotaUsed    prometheus.Gauge
	quotaLimit   prometheus.Gauge
	batchSize    *prometheus.HistogramVec
	skipsTotal   *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	runsTotal    *prometheus.CounterVec
}

// New registers the agent's metrics with reg under the given namespace.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_calls_total",
			Help:      "Total instrumented API calls by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),

		callDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_call_duration_seconds",
			Help:      "Latency of instrumented API calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),

		quotaUsed: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quota_calls_used",
			Help:      "Calls made against today's quota.",
		}),

		quotaLimit: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quota_daily_limit",
			Help:      "Configured daily call limit.",
		}),

		batchSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_batch_size",
			Help:      "Batch size granted to job runs.",
			Buckets:   []float64{1, 2, 5, 10, 20, 50},
		}, []string{"job"}),

		skipsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_skips_total",
			Help:      "Skipped job runs by reason.",
		}, []string{"job", "reason"}),

		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_run_duration_seconds",
			Help:      "Duration of completed job runs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),

		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Completed job runs by success.",
		}, []string{"job", "success"}),
	}
}

func (m *Metrics) RecordCall(endpoint, outcome string, took time.Duration) {
	m.callsTotal.WithLabelValues(endpoint, outcome).Inc()
	m.callDuration.WithLabelValues(endpoint).Observe(took.Seconds())
}

func (m *Metrics) SetQuotaUsage(used, limit int) {
	m.quotaUsed.Set(float64(used))
	m.quotaLimit.Set(float64(limit))
}

func (m *Metrics) RecordBatch(job string, size int) {
	m.batchSize.WithLabelValues(job).Observe(float64(size))
}

func (m *Metrics) RecordSkip(job, reason string) {
	m.skipsTotal.WithLabelValues(job, reason).Inc()
}

func (m *Metrics) RecordRun(job string, took time.Duration, err error) {
	m.runDuration.WithLabelValues(job).Observe(took.Seconds())
	m.runsTotal.WithLabelValues(job, strconv.FormatBool(err == nil)).Inc()
}
