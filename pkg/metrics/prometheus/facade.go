package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/caflabs/packd/pkg/api"
	"github.com/caflabs/packd/pkg/metrics"
)

// facadeMetrics is the Prometheus implementation of api.Metrics.
type facadeMetrics struct {
	extractions      *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	downloads        *prometheus.CounterVec
	downloadDuration prometheus.Histogram
	proofLookups     *prometheus.CounterVec
}

// NewFacadeMetrics creates a Prometheus-backed api.Metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewFacadeMetrics() api.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &facadeMetrics{
		extractions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "packd_facade_extractions_total",
				Help: "File extraction requests served by HTTP status",
			},
			[]string{"status"},
		),
		cacheLookups: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "packd_facade_container_cache_lookups_total",
				Help: "Container disk cache lookups by result",
			},
			[]string{"result"},
		),
		downloads: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "packd_facade_container_downloads_total",
				Help: "Container downloads from the blob service by result",
			},
			[]string{"result"},
		),
		downloadDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "packd_facade_container_download_duration_milliseconds",
				Help:    "Duration of container downloads in milliseconds",
				Buckets: []float64{100, 500, 1000, 5000, 15000, 60000, 300000},
			},
		),
		proofLookups: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "packd_facade_proof_cache_lookups_total",
				Help: "Proof cache lookups by result",
			},
			[]string{"result"},
		),
	}
}

func (m *facadeMetrics) ExtractionServed(status int) {
	m.extractions.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *facadeMetrics) ContainerCacheLookup(hit bool) {
	m.cacheLookups.WithLabelValues(hitLabel(hit)).Inc()
}

func (m *facadeMetrics) ContainerDownloaded(duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.downloads.WithLabelValues(result).Inc()
	if err == nil {
		m.downloadDuration.Observe(float64(duration.Milliseconds()))
	}
}

func (m *facadeMetrics) ProofCacheLookup(hit bool) {
	m.proofLookups.WithLabelValues(hitLabel(hit)).Inc()
}

func hitLabel(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}
