// Package metrics defines Prometheus metrics for the frame relay.
//
// Metric naming follows Prometheus conventions:
//   - neuraleye_ prefix for all custom metrics
//   - _total suffix for counters
//   - _bytes suffix for size histograms
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Chunk outcomes.
const (
	ChunkAccepted  = "accepted"
	ChunkDropped   = "dropped"
	ChunkMalformed = "malformed"
)

// Frame discard reasons.
const (
	DiscardRestart = "restart"
	DiscardStale   = "stale"
)

// Send outcomes.
const (
	SendDelivered = "delivered"
	SendFailed    = "failed"
)

// OCR outcomes.
const (
	OCRSuccess = "success"
	OCRError   = "error"
)

// Metrics holds every collector the relay exports.
type Metrics struct {
	registry *prometheus.Registry

	// ChunksTotal counts chunk deliveries by outcome.
	ChunksTotal *prometheus.CounterVec

	// FramesCompletedTotal counts frames handed to the broadcaster.
	FramesCompletedTotal prometheus.Counter

	// FramesDiscardedTotal counts partial frames thrown away by reason.
	FramesDiscardedTotal *prometheus.CounterVec

	// FrameBytes is a histogram of completed frame sizes.
	FrameBytes prometheus.Histogram

	// BroadcastSendsTotal counts per-subscriber sends by outcome.
	BroadcastSendsTotal *prometheus.CounterVec

	// OCRRequestsTotal counts text extraction calls by outcome.
	OCRRequestsTotal *prometheus.CounterVec
}

// New creates the collectors and registers them, plus the Go and process
// collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ChunksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "neuraleye_chunks_total",
				Help: "Chunk deliveries received from the camera topic by outcome.",
			},
			[]string{"result"},
		),
		FramesCompletedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "neuraleye_frames_completed_total",
				Help: "Frames reassembled and handed to the broadcaster.",
			},
		),
		FramesDiscardedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "neuraleye_frames_discarded_total",
				Help: "Partial frames discarded before completion.",
			},
			[]string{"reason"},
		),
		FrameBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "neuraleye_frame_bytes",
				Help:    "Size of completed frames in bytes.",
				Buckets: prometheus.ExponentialBuckets(4096, 2, 10),
			},
		),
		BroadcastSendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "neuraleye_broadcast_sends_total",
				Help: "Frame sends to WebSocket subscribers by outcome.",
			},
			[]string{"result"},
		),
		OCRRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "neuraleye_ocr_requests_total",
				Help: "Text extraction requests by outcome.",
			},
			[]string{"result"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ChunksTotal,
		m.FramesCompletedTotal,
		m.FramesDiscardedTotal,
		m.FrameBytes,
		m.BroadcastSendsTotal,
		m.OCRRequestsTotal,
	)
	return m
}

// RegisterSubscriberGauge exports the live subscriber count through fn.
func (m *Metrics) RegisterSubscriberGauge(fn func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "neuraleye_websocket_subscribers",
			Help: "WebSocket connections currently registered for broadcast.",
		},
		func() float64 { return float64(fn()) },
	))
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordChunk counts one chunk delivery.
func (m *Metrics) RecordChunk(result string) {
	if m == nil {
		return
	}
	m.ChunksTotal.WithLabelValues(result).Inc()
}

// RecordFrameCompleted counts a finished frame and observes its size.
func (m *Metrics) RecordFrameCompleted(size int) {
	if m == nil {
		return
	}
	m.FramesCompletedTotal.Inc()
	m.FrameBytes.Observe(float64(size))
}

// RecordFrameDiscarded counts a partial frame that never completed.
func (m *Metrics) RecordFrameDiscarded(reason string) {
	if m == nil {
		return
	}
	m.FramesDiscardedTotal.WithLabelValues(reason).Inc()
}

// RecordSends counts the outcome of one broadcast.
func (m *Metrics) RecordSends(delivered, failed int) {
	if m == nil {
		return
	}
	m.BroadcastSendsTotal.WithLabelValues(SendDelivered).Add(float64(delivered))
	m.BroadcastSendsTotal.WithLabelValues(SendFailed).Add(float64(failed))
}

// RecordOCR counts one text extraction call.
func (m *Metrics) RecordOCR(result string) {
	if m == nil {
		return
	}
	m.OCRRequestsTotal.WithLabelValues(result).Inc()
}
