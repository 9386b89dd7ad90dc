// Package kvmetrics exports Prometheus metrics for the router.
package kvmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "gokvdb"
	subsystem = "router"
)

// Label names for router metrics.
const (
	labelRole   = "role"
	labelOp     = "op"
	labelReason = "reason"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Router Metrics
// -------------------------------------------------------------------------

// Collector holds all router Prometheus metrics and implements the
// router's MetricsReporter interface.
//
//   - Session gauges track live sessions per role, including the syncing
//     window of a resetting peer.
//   - Fan-out and dispatch counters track replication and read volume.
//   - Answer counters flag stale replies and re-dispatches after peer loss.
//   - Handshake failure counters surface version drift and bad passwords.
type Collector struct {
	// Sessions tracks the number of live sessions per role.
	Sessions *prometheus.GaugeVec

	// FanOutFrames counts mutation frames forwarded to peers, per opcode.
	FanOutFrames *prometheus.CounterVec

	// ReadsDispatched counts reads sent to a peer, per opcode.
	ReadsDispatched *prometheus.CounterVec

	// AnswersDelivered counts correlated replies that completed a
	// pending call.
	AnswersDelivered prometheus.Counter

	// AnswersDropped counts replies that arrived for no pending call.
	AnswersDropped prometheus.Counter

	// ReadsRedispatched counts reads moved to another peer after the
	// asked peer disconnected.
	ReadsRedispatched prometheus.Counter

	// HandshakeFailures counts failed handshakes per reason.
	HandshakeFailures *prometheus.CounterVec
}

// NewCollector creates a Collector with all router metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "gokvdb_router_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.FanOutFrames,
		c.ReadsDispatched,
		c.AnswersDelivered,
		c.AnswersDropped,
		c.ReadsRedispatched,
		c.HandshakeFailures,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Live sessions per role.",
		}, []string{labelRole}),

		FanOutFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fanout_frames_total",
			Help:      "Mutation frames forwarded to peers, per opcode.",
		}, []string{labelOp}),

		ReadsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reads_dispatched_total",
			Help:      "Reads dispatched to a single peer, per opcode.",
		}, []string{labelOp}),

		AnswersDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "answers_delivered_total",
			Help:      "Correlated replies that completed a pending call.",
		}),

		AnswersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "answers_dropped_total",
			Help:      "Replies that arrived for no pending call.",
		}),

		ReadsRedispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reads_redispatched_total",
			Help:      "Reads moved to another peer after a disconnect.",
		}),

		HandshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handshake_failures_total",
			Help:      "Failed handshakes per reason.",
		}, []string{labelReason}),
	}
}

// -------------------------------------------------------------------------
// MetricsReporter Implementation
// -------------------------------------------------------------------------

// SessionOpened increments the session gauge for a role.
func (c *Collector) SessionOpened(role string) {
	c.Sessions.WithLabelValues(role).Inc()
}

// SessionClosed decrements the session gauge for a role.
func (c *Collector) SessionClosed(role string) {
	c.Sessions.WithLabelValues(role).Dec()
}

// SessionSwitched moves a session between role gauges.
func (c *Collector) SessionSwitched(from, to string) {
	c.Sessions.WithLabelValues(from).Dec()
	c.Sessions.WithLabelValues(to).Inc()
}

// FanOut adds the number of forwarded frames for one mutation.
func (c *Collector) FanOut(op string, peers int) {
	c.FanOutFrames.WithLabelValues(op).Add(float64(peers))
}

// ReadDispatched counts one dispatched read.
func (c *Collector) ReadDispatched(op string) {
	c.ReadsDispatched.WithLabelValues(op).Inc()
}

// AnswerDelivered counts one completed pending call.
func (c *Collector) AnswerDelivered() {
	c.AnswersDelivered.Inc()
}

// AnswerDropped counts one reply with no pending call.
func (c *Collector) AnswerDropped() {
	c.AnswersDropped.Inc()
}

// ReadRedispatched counts one read moved to another peer.
func (c *Collector) ReadRedispatched() {
	c.ReadsRedispatched.Inc()
}

// HandshakeFailed counts one failed handshake.
func (c *Collector) HandshakeFailed(reason string) {
	c.HandshakeFailures.WithLabelValues(reason).Inc()
}
