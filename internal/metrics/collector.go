// Package metrics exposes the daemon's Prometheus counters and gauges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "buxton"
	subsystem = "daemon"
)

// Label names.
const (
	labelOp     = "op"
	labelStatus = "status"
	labelLayer  = "layer"
	labelAccess = "access"
)

// Collector holds all daemon Prometheus metrics.
type Collector struct {
	// Sessions tracks the number of currently connected client sessions.
	Sessions prometheus.Gauge

	// RequestsTotal counts every dispatched request, labeled by op and
	// the STATUS it resolved to.
	RequestsTotal *prometheus.CounterVec

	// NotificationsSent counts CHANGED frames delivered to subscribers.
	NotificationsSent prometheus.Counter

	// NotificationsDropped counts subscribers removed after a failed
	// CHANGED delivery.
	NotificationsDropped prometheus.Counter

	// AccessDenials counts gate refusals, labeled by the access kind
	// requested ("read" or "write").
	AccessDenials *prometheus.CounterVec

	// BackendErrors counts opaque storage failures, labeled by layer.
	BackendErrors *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered against
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.RequestsTotal,
		c.NotificationsSent,
		c.NotificationsDropped,
		c.AccessDenials,
		c.BackendErrors,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of currently connected client sessions.",
		}),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Total requests dispatched, by operation and resulting status.",
		}, []string{labelOp, labelStatus}),

		NotificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "notifications_sent_total",
			Help:      "Total CHANGED frames delivered to subscribers.",
		}),

		NotificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "notifications_dropped_total",
			Help:      "Total subscribers removed after a failed CHANGED delivery.",
		}),

		AccessDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "access_denials_total",
			Help:      "Total access gate refusals, by access kind requested.",
		}, []string{labelAccess}),

		BackendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "backend_errors_total",
			Help:      "Total opaque storage backend failures, by layer.",
		}, []string{labelLayer}),
	}
}

// RegisterSession increments the active sessions gauge. Called on accept.
func (c *Collector) RegisterSession() { c.Sessions.Inc() }

// UnregisterSession decrements the active sessions gauge. Called on
// session close.
func (c *Collector) UnregisterSession() { c.Sessions.Dec() }

// RecordRequest increments the per-(op, status) request counter.
func (c *Collector) RecordRequest(op, status string) {
	c.RequestsTotal.WithLabelValues(op, status).Inc()
}

// RecordNotificationSent increments the delivered CHANGED counter.
func (c *Collector) RecordNotificationSent() { c.NotificationsSent.Inc() }

// RecordNotificationDropped increments the dropped-subscriber counter.
func (c *Collector) RecordNotificationDropped() { c.NotificationsDropped.Inc() }

// RecordAccessDenial increments the access-denial counter for the
// requested access kind ("read" or "write").
func (c *Collector) RecordAccessDenial(access string) {
	c.AccessDenials.WithLabelValues(access).Inc()
}

// RecordBackendError increments the backend-error counter for layer.
func (c *Collector) RecordBackendError(layer string) {
	c.BackendErrors.WithLabelValues(layer).Inc()
}
