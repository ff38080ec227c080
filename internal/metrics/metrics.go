// Package metrics registers the server's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the messaging core.
type Metrics struct {
	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec

	// Frame metrics
	FramesIn       *prometheus.CounterVec
	FramesOut      *prometheus.CounterVec
	FrameErrors    *prometheus.CounterVec
	FrameDuration  *prometheus.HistogramVec
	FramesRejected *prometheus.CounterVec

	// Routing metrics
	MessagesAccepted  prometheus.Counter
	MessagesDelivered *prometheus.CounterVec // route: direct, queued
	MessagesDeduped   prometheus.Counter
	QueueDepth        *prometheus.HistogramVec

	// Registration metrics
	Registrations *prometheus.CounterVec // kind: new, recovery; result: ok, failed

	// Push metrics
	PushDispatched *prometheus.CounterVec // kind: message, call; result: ok, failed
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith creates all metrics on the given registerer.
func NewWith(reg prometheus.Registerer) *Metrics {
	auto := promauto.With(reg)
	return &Metrics{
		ConnectionsActive: auto.NewGauge(
			prometheus.GaugeOpts{
				Name: "whisper_connections_active",
				Help: "Currently open websocket connections",
			},
		),
		ConnectionsTotal: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whisper_connections_total",
				Help: "Websocket connections accepted since start",
			},
			[]string{"close_reason"}, // client, pong_timeout, kicked, drain
		),
		FramesIn: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whisper_frames_in_total",
				Help: "Inbound frames by type",
			},
			[]string{"type"},
		),
		FramesOut: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whisper_frames_out_total",
				Help: "Outbound frames by type",
			},
			[]string{"type"},
		),
		FrameErrors: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whisper_frame_errors_total",
				Help: "Error frames sent, by error code",
			},
			[]string{"code"},
		),
		FrameDuration: auto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "whisper_frame_duration_seconds",
				Help:    "Frame handling latency by type",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		FramesRejected: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whisper_frames_rejected_total",
				Help: "Frames rejected before handling",
			},
			[]string{"reason"}, // oversize, schema, unauthenticated, rate_limited
		),
		MessagesAccepted: auto.NewCounter(
			prometheus.CounterOpts{
				Name: "whisper_messages_accepted_total",
				Help: "Messages accepted for routing",
			},
		),
		MessagesDelivered: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whisper_messages_delivered_total",
				Help: "Messages handed to recipients",
			},
			[]string{"route"}, // direct, queued
		),
		MessagesDeduped: auto.NewCounter(
			prometheus.CounterOpts{
				Name: "whisper_messages_deduped_total",
				Help: "Duplicate message ids acknowledged without re-accept",
			},
		),
		QueueDepth: auto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "whisper_pending_queue_depth",
				Help:    "Pending queue depth observed at enqueue",
				Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000},
			},
			[]string{},
		),
		Registrations: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whisper_registrations_total",
				Help: "Registration attempts",
			},
			[]string{"kind", "result"},
		),
		PushDispatched: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whisper_push_dispatched_total",
				Help: "Push notifications handed to the provider",
			},
			[]string{"kind", "result"},
		),
	}
}
