// Package prometheus provides the Prometheus-backed implementations of
// the metrics interfaces consumed by the pipeline and the HTTP facade.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/caflabs/packd/pkg/metrics"
	"github.com/caflabs/packd/pkg/pipeline"
)

// pipelineMetrics is the Prometheus implementation of pipeline.Metrics.
type pipelineMetrics struct {
	messagesTotal       *prometheus.CounterVec
	appendBytes         prometheus.Counter
	appendDuration      prometheus.Histogram
	containersFinalized *prometheus.CounterVec
	containerMembers    prometheus.Histogram
	containerBytes      prometheus.Histogram
	handoffFailures     *prometheus.CounterVec
}

// NewPipelineMetrics creates a Prometheus-backed pipeline.Metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewPipelineMetrics() pipeline.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &pipelineMetrics{
		messagesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "packd_pipeline_messages_total",
				Help: "Queue messages handled by outcome",
			},
			[]string{"outcome"},
		),
		appendBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "packd_pipeline_append_bytes_total",
				Help: "Total bytes streamed into containers",
			},
		),
		appendDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "packd_pipeline_append_duration_milliseconds",
				Help:    "Duration of source-stream appends in milliseconds",
				Buckets: []float64{10, 50, 100, 500, 1000, 5000, 30000, 120000},
			},
		),
		containersFinalized: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "packd_pipeline_containers_finalized_total",
				Help: "Containers finalized by trigger",
			},
			[]string{"trigger"},
		),
		containerMembers: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "packd_pipeline_container_members",
				Help:    "Members per finalized container",
				Buckets: []float64{1, 5, 10, 50, 100, 500, 1000},
			},
		),
		containerBytes: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "packd_pipeline_container_payload_bytes",
				Help: "Payload bytes per finalized container",
				Buckets: prometheus.ExponentialBuckets(
					1024*1024, // 1 MiB
					4,
					8,
				),
			},
		),
		handoffFailures: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "packd_pipeline_handoff_failures_total",
				Help: "Failed container handoffs by trigger",
			},
			[]string{"trigger"},
		),
	}
}

func (m *pipelineMetrics) MessageHandled(outcome string) {
	m.messagesTotal.WithLabelValues(outcome).Inc()
}

func (m *pipelineMetrics) MemberAppended(bytes int64, duration time.Duration) {
	m.appendBytes.Add(float64(bytes))
	m.appendDuration.Observe(float64(duration.Milliseconds()))
}

func (m *pipelineMetrics) ContainerFinalized(trigger string, members int, payloadBytes int64) {
	m.containersFinalized.WithLabelValues(trigger).Inc()
	m.containerMembers.Observe(float64(members))
	m.containerBytes.Observe(float64(payloadBytes))
}

func (m *pipelineMetrics) HandoffFailed(trigger string) {
	m.handoffFailures.WithLabelValues(trigger).Inc()
}
