package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vango-dev/shocked/pkg/channel"
	"github.com/vango-dev/shocked/pkg/protocol"
)

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "shocked").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for API duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus collectors.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "shocked",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the Prometheus collectors for a server. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	sessionsActive prometheus.Gauge
	sessionsTotal  prometheus.Counter
	trackersActive *prometheus.GaugeVec
	trackerCreates *prometheus.CounterVec
	apiCalls       *prometheus.CounterVec
	apiDuration    *prometheus.HistogramVec
	messagesIn     *prometheus.CounterVec
	messagesOut    *prometheus.CounterVec
	protocolErrors *prometheus.CounterVec
	sendOverflows  prometheus.Counter
	eventsDropped  prometheus.Counter
}

// NewMetrics registers the collectors and returns them.
//
// Metrics collected:
//   - shocked_sessions_active: Gauge of open sessions
//   - shocked_sessions_total: Counter of sessions started
//   - shocked_trackers_active: Gauge of active trackers by tracker name
//   - shocked_tracker_creates_total: Counter of creations by tracker and result
//   - shocked_api_calls_total: Counter of API calls by tracker, api and result
//   - shocked_api_duration_seconds: Histogram of API call duration by tracker
//   - shocked_messages_received_total: Counter of inbound messages by kind
//   - shocked_messages_sent_total: Counter of outbound messages by kind
//   - shocked_protocol_errors_total: Counter of parser errors by type
//   - shocked_send_queue_overflows_total: Counter of slow-socket disconnects
//   - shocked_channel_events_dropped_total: Counter of fan-out drops
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "sessions_active",
			Help:        "Number of open sessions",
			ConstLabels: config.ConstLabels,
		}),

		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "sessions_total",
			Help:        "Total number of sessions started",
			ConstLabels: config.ConstLabels,
		}),

		trackersActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "trackers_active",
			Help:        "Number of active trackers",
			ConstLabels: config.ConstLabels,
		}, []string{"tracker"}),

		trackerCreates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "tracker_creates_total",
			Help:        "Total number of tracker creation attempts",
			ConstLabels: config.ConstLabels,
		}, []string{"tracker", "result"}),

		apiCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "api_calls_total",
			Help:        "Total number of tracker API calls",
			ConstLabels: config.ConstLabels,
		}, []string{"tracker", "api", "result"}),

		apiDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "api_duration_seconds",
			Help:        "Tracker API call duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"tracker"}),

		messagesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "messages_received_total",
			Help:        "Total number of protocol messages received",
			ConstLabels: config.ConstLabels,
		}, []string{"kind"}),

		messagesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "messages_sent_total",
			Help:        "Total number of protocol messages sent",
			ConstLabels: config.ConstLabels,
		}, []string{"kind"}),

		protocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "protocol_errors_total",
			Help:        "Total number of protocol errors by type",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),

		sendOverflows: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "send_queue_overflows_total",
			Help:        "Total number of sessions disconnected for a full send queue",
			ConstLabels: config.ConstLabels,
		}),

		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "channel_events_dropped_total",
			Help:        "Total number of channel events dropped for slow subscribers",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// ObserveDrop counts a fan-out drop. It matches channel.Config.OnDrop.
func (m *Metrics) ObserveDrop(channel.Channel, channel.Event) {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *Metrics) sessionStarted() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

func (m *Metrics) trackerCreated(tracker string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.trackerCreates.WithLabelValues(tracker, result).Inc()
	if err == nil {
		m.trackersActive.WithLabelValues(tracker).Inc()
	}
}

func (m *Metrics) trackerClosed(tracker string) {
	if m == nil {
		return
	}
	m.trackersActive.WithLabelValues(tracker).Dec()
}

func (m *Metrics) apiCalled(tracker, api, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.apiCalls.WithLabelValues(tracker, api, result).Inc()
	m.apiDuration.WithLabelValues(tracker).Observe(d.Seconds())
}

func (m *Metrics) received(kind protocol.Kind) {
	if m == nil {
		return
	}
	m.messagesIn.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) sent(kind protocol.Kind) {
	if m == nil {
		return
	}
	m.messagesOut.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) protocolError(errType string) {
	if m == nil {
		return
	}
	m.protocolErrors.WithLabelValues(errType).Inc()
}

func (m *Metrics) sendOverflow() {
	if m == nil {
		return
	}
	m.sendOverflows.Inc()
}
