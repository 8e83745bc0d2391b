package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reasons used for the labelled drop and rejection counters.
const (
	reasonVetoed           = "vetoed"
	reasonCapacity         = "capacity"
	reasonTimeout          = "timeout"
	reasonSendError        = "send_error"
	reasonProbeMismatch    = "probe_mismatch"
	reasonRemoteClosed     = "remote_closed"
	reasonKicked           = "kicked"
	reasonShutdown         = "shutdown"
	reasonHandshaking      = "handshaking"
	reasonFraming          = "framing"
	reasonIdentityMismatch = "identity_mismatch"
	reasonUnknownPeer      = "unknown_peer"
	reasonInvalidChannel   = "invalid_channel"
	reasonOverflow         = "overflow"
)

// Metrics holds all Prometheus metrics for one server. Each server owns its
// registry so several can coexist in a process (and in tests).
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	activeSessions    prometheus.Gauge
	pendingHandshakes prometheus.Gauge
	sessionsCreated   prometheus.Counter
	sessionsClosed    *prometheus.CounterVec // by reason

	// Handshake metrics
	handshakeRejections *prometheus.CounterVec // by reason
	handshakeLatency    prometheus.Histogram

	// Queue metrics
	inboundDropped     *prometheus.CounterVec // by reason
	inboundQueueDepth  prometheus.Gauge
	outboundQueueDepth prometheus.Gauge

	// Delivery metrics
	framesSent      *prometheus.CounterVec // by kind
	sendErrors      prometheus.Counter
	broadcastFanout prometheus.Histogram

	// Tick metrics
	tickDuration    prometheus.Histogram
	tickOverruns    prometheus.Counter
	tickDrift       prometheus.Histogram
	currentTick     prometheus.Gauge
	listenOverflows prometheus.Counter
}

// NewMetrics creates a metrics instance registered on reg. A nil reg gets a
// fresh registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tickserver_active_sessions",
			Help: "Current number of active sessions",
		}),
		pendingHandshakes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tickserver_pending_handshakes",
			Help: "Connections currently handshaking",
		}),
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "tickserver_sessions_created_total",
			Help: "Total number of sessions promoted to active",
		}),
		sessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tickserver_sessions_closed_total",
			Help: "Total number of active sessions closed, by reason",
		}, []string{"reason"}),
		handshakeRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tickserver_handshake_rejections_total",
			Help: "Connections rejected before becoming active, by reason",
		}, []string{"reason"}),
		handshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tickserver_handshake_latency_seconds",
			Help:    "Average probe round-trip time measured during the handshake",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		inboundDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tickserver_inbound_dropped_total",
			Help: "Inbound frames dropped before reaching the application, by reason",
		}, []string{"reason"}),
		inboundQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tickserver_inbound_queue_depth",
			Help: "Messages waiting to be read by the application",
		}),
		outboundQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tickserver_outbound_queue_depth",
			Help: "Messages queued for delivery at the end of the last tick, before flushing",
		}),
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tickserver_frames_sent_total",
			Help: "Frames handed to the transport, by kind",
		}, []string{"kind"}),
		sendErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "tickserver_send_errors_total",
			Help: "Transport send failures",
		}),
		broadcastFanout: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tickserver_broadcast_fanout",
			Help:    "Number of sessions that received each broadcast",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tickserver_tick_duration_seconds",
			Help:    "Time spent doing work in a tick, excluding the sleep",
			Buckets: []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}),
		tickOverruns: factory.NewCounter(prometheus.CounterOpts{
			Name: "tickserver_tick_overruns_total",
			Help: "Ticks that started later than their scheduled time",
		}),
		tickDrift: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tickserver_tick_drift_seconds",
			Help:    "How far behind schedule overrunning ticks started",
			Buckets: prometheus.DefBuckets,
		}),
		currentTick: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tickserver_current_tick",
			Help: "Number of the most recently started tick",
		}),
		listenOverflows: factory.NewCounter(prometheus.CounterOpts{
			Name: "tickserver_listen_overflows_total",
			Help: "Connections the kernel dropped because the listen backlog was full",
		}),
	}
}

// Registry returns the registry the metrics live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordSessionCounts updates the session gauges
func (m *Metrics) RecordSessionCounts(active, pending int) {
	m.activeSessions.Set(float64(active))
	m.pendingHandshakes.Set(float64(pending))
}

// RecordSessionCreated records a promotion to active and its measured latency
func (m *Metrics) RecordSessionCreated(latency time.Duration, sampled bool) {
	m.sessionsCreated.Inc()
	if sampled {
		m.handshakeLatency.Observe(latency.Seconds())
	}
}

// RecordSessionClosed increments the session close counter for a reason
func (m *Metrics) RecordSessionClosed(reason string) {
	m.sessionsClosed.WithLabelValues(reason).Inc()
}

// RecordHandshakeRejected increments the rejection counter for a reason
func (m *Metrics) RecordHandshakeRejected(reason string) {
	m.handshakeRejections.WithLabelValues(reason).Inc()
}

// RecordInboundDropped increments the inbound drop counter for a reason
func (m *Metrics) RecordInboundDropped(reason string) {
	m.inboundDropped.WithLabelValues(reason).Inc()
}

// RecordQueueDepths updates the queue depth gauges
func (m *Metrics) RecordQueueDepths(inbound, outbound int) {
	m.inboundQueueDepth.Set(float64(inbound))
	m.outboundQueueDepth.Set(float64(outbound))
}

// RecordFrameSent increments the sent frame counter for a kind
func (m *Metrics) RecordFrameSent(kind string) {
	m.framesSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordSendError() {
	m.sendErrors.Inc()
}

// RecordBroadcastFanout records how many sessions received a broadcast
func (m *Metrics) RecordBroadcastFanout(recipients int) {
	m.broadcastFanout.Observe(float64(recipients))
}

// RecordTick records the work duration of a finished tick
func (m *Metrics) RecordTick(tick uint64, work time.Duration) {
	m.currentTick.Set(float64(tick))
	m.tickDuration.Observe(work.Seconds())
}

// RecordOverrun records a tick that started behind schedule
func (m *Metrics) RecordOverrun(behind time.Duration) {
	m.tickOverruns.Inc()
	m.tickDrift.Observe(behind.Seconds())
}

// RecordListenOverflows adds kernel listen queue overflows
func (m *Metrics) RecordListenOverflows(n uint64) {
	m.listenOverflows.Add(float64(n))
}
