// Package metrics holds the Prometheus collectors of the ingestion server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mediaingest"

// Ingestion path label values.
const (
	PathResumable = "resumable"
	PathDirect    = "direct"
	PathMultipart = "multipart"
)

type Metrics struct {
	UploadsStarted   *prometheus.CounterVec
	UploadsCompleted *prometheus.CounterVec
	UploadsCancelled prometheus.Counter
	DedupHits        *prometheus.CounterVec
	BytesIngested    *prometheus.CounterVec
	LinkRejections   *prometheus.CounterVec

	NotifyDropped  prometheus.Counter
	NotifyFailures *prometheus.CounterVec

	HTTPDuration *prometheus.HistogramVec

	reg      prometheus.Registerer
	gatherer prometheus.Gatherer
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers the collectors on reg and serves them from g.
func NewWithRegistry(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		UploadsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "uploads_started_total",
			Help: "Uploads started, by ingestion path.",
		}, []string{"path"}),
		UploadsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "uploads_completed_total",
			Help: "Uploads completed, by ingestion path.",
		}, []string{"path"}),
		UploadsCancelled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "uploads_cancelled_total",
			Help: "Resumable uploads terminated before completion.",
		}),
		DedupHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dedup_hits_total",
			Help: "Uploads resolved to an existing record by content hash.",
		}, []string{"path"}),
		BytesIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_ingested_total",
			Help: "Bytes of newly stored files.",
		}, []string{"path"}),
		LinkRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "link_rejections_total",
			Help: "Upload link checks that failed, by reason.",
		}, []string{"reason"}),
		NotifyDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "notify_dropped_total",
			Help: "Progress events rejected because a notification queue was full.",
		}),
		NotifyFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notify_failures_total",
			Help: "Notification sink errors, by sink.",
		}, []string{"sink"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency by route and status code.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method", "code"}),
		reg:      reg,
		gatherer: g,
	}
}

// TrackSessions exports the number of sessions held by the tracker.
func (m *Metrics) TrackSessions(count func() int) {
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "tracked_sessions",
		Help: "Upload sessions currently held in memory.",
	}, func() float64 { return float64(count()) })
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
