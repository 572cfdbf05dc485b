package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's prometheus collectors. A nil *Metrics is valid
// and records nothing, so components can be built without it in tests.
type Metrics struct {
	reg prometheus.Gatherer

	connections    prometheus.Gauge
	events         *prometheus.CounterVec
	claims         *prometheus.CounterVec
	gatherTimeouts prometheus.Counter
	gatherDuration prometheus.Histogram
	routingErrors  *prometheus.CounterVec
	overAdmissions prometheus.Counter
	collabFailures *prometheus.CounterVec
	messagesStored prometheus.Gauge
	badNegotiation *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. Pass a fresh
// prometheus.NewRegistry() to keep tests isolated.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		reg: reg,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xrlink_connections",
			Help: "Websocket sessions currently attached to this instance.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xrlink_events_total",
			Help: "Inbound events dispatched, by event name.",
		}, []string{"event"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xrlink_claims_total",
			Help: "Identity claims, by result (accepted, rejected).",
		}, []string{"result"}),
		gatherTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xrlink_gather_timeouts_total",
			Help: "Cluster gathers that failed every attempt.",
		}),
		gatherDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "xrlink_gather_duration_seconds",
			Help:    "Wall time of a cluster gather including retries.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		routingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xrlink_routing_errors_total",
			Help: "Events with no resolvable target, by event family.",
		}, []string{"family"}),
		overAdmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xrlink_room_overadmissions_total",
			Help: "Pair rooms found above capacity or with foreign members.",
		}),
		collabFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xrlink_collaborator_failures_total",
			Help: "Failed note-generation or drug lookup calls.",
		}, []string{"collaborator"}),
		messagesStored: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xrlink_message_history_len",
			Help: "Chat records held in the bounded history buffer.",
		}),
		badNegotiation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xrlink_negotiation_malformed_total",
			Help: "Relayed offers, answers and candidates that failed to parse, by type.",
		}, []string{"type"}),
	}
	reg.MustRegister(
		m.connections, m.events, m.claims, m.gatherTimeouts, m.gatherDuration,
		m.routingErrors, m.overAdmissions, m.collabFailures, m.messagesStored,
		m.badNegotiation,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) Event(name string) {
	if m != nil {
		m.events.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) Claim(accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.claims.WithLabelValues("accepted").Inc()
	} else {
		m.claims.WithLabelValues("rejected").Inc()
	}
}

func (m *Metrics) Gather(d time.Duration, timedOut bool) {
	if m == nil {
		return
	}
	m.gatherDuration.Observe(d.Seconds())
	if timedOut {
		m.gatherTimeouts.Inc()
	}
}

func (m *Metrics) RoutingError(family string) {
	if m != nil {
		m.routingErrors.WithLabelValues(family).Inc()
	}
}

func (m *Metrics) OverAdmission() {
	if m != nil {
		m.overAdmissions.Inc()
	}
}

func (m *Metrics) CollaboratorFailure(name string) {
	if m != nil {
		m.collabFailures.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) MessagesStored(n int) {
	if m != nil {
		m.messagesStored.Set(float64(n))
	}
}

// MalformedNegotiation counts an offer, answer or candidate that was relayed
// although it did not parse.
func (m *Metrics) MalformedNegotiation(kind string) {
	if m != nil {
		m.badNegotiation.WithLabelValues(kind).Inc()
	}
}
