// Package metrics exposes Prometheus instrumentation for the dashboard API,
// the ingestion sources and the background jobs.
//
// Metrics exposed:
//   - scm_http_requests_total: Counter of API requests by route and status
//   - scm_http_request_duration_seconds: Histogram of API latency by route
//   - scm_samples_ingested_total: Counter of stored samples by table and source
//   - scm_ingest_errors_total: Counter of rejected or failed samples by source
//   - scm_insert_duration_seconds: Histogram of sample insert latency
//   - scm_retention_deleted_total: Counter of rows expired by table
//   - scm_store_errors_total: Counter of failed store reads by operation
//   - scm_downsample_ratio: Gauge of the last sampling rate served by table
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	SamplesIngested     *prometheus.CounterVec
	IngestErrors        *prometheus.CounterVec
	InsertDuration      prometheus.Histogram
	RetentionDeleted    *prometheus.CounterVec
	StoreErrors         *prometheus.CounterVec
	DownsampleRatio     *prometheus.GaugeVec
}

// New registers every collector on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scm_http_requests_total",
			Help: "Total number of API requests by route and status",
		}, []string{"route", "status"}),

		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scm_http_request_duration_seconds",
			Help:    "Duration of API requests by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		SamplesIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scm_samples_ingested_total",
			Help: "Total number of samples stored by table and source",
		}, []string{"table", "source"}),

		IngestErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scm_ingest_errors_total",
			Help: "Total number of samples rejected or failed by source",
		}, []string{"source"}),

		InsertDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scm_insert_duration_seconds",
			Help:    "Duration of sample inserts",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),

		RetentionDeleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scm_retention_deleted_total",
			Help: "Total number of rows removed by retention by table",
		}, []string{"table"}),

		StoreErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scm_store_errors_total",
			Help: "Total number of failed store operations",
		}, []string{"operation"}),

		DownsampleRatio: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scm_downsample_ratio",
			Help: "Sampling rate applied to the last history response by table",
		}, []string{"table"}),
	}
}

func (m *Metrics) RecordHTTPRequest(route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) RecordIngested(table, source string, d time.Duration) {
	if m == nil {
		return
	}
	m.SamplesIngested.WithLabelValues(table, source).Inc()
	m.InsertDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordIngestError(source string) {
	if m == nil {
		return
	}
	m.IngestErrors.WithLabelValues(source).Inc()
}

func (m *Metrics) RecordRetention(table string, deleted int64) {
	if m == nil {
		return
	}
	m.RetentionDeleted.WithLabelValues(table).Add(float64(deleted))
}

func (m *Metrics) RecordStoreError(operation string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(operation).Inc()
}

func (m *Metrics) SetDownsampleRatio(table string, rate int) {
	if m == nil {
		return
	}
	m.DownsampleRatio.WithLabelValues(table).Set(float64(rate))
}
