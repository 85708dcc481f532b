// Package metrics defines the engine's Prometheus collectors.
//
// A nil *Metrics is valid: every method is a no-op, so components never need
// to guard their instrumentation.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nex"

// Metrics groups the collectors shared by transport, session, realtime and chat.
type Metrics struct {
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
	Unauthorized       prometheus.Counter
	SessionState       *prometheus.GaugeVec
	SessionChecks      *prometheus.CounterVec
	LinkState          *prometheus.GaugeVec
	LinkDials          *prometheus.CounterVec
	LinkGiveUps        prometheus.Counter
	LinkEvents         *prometheus.CounterVec
	PresenceSize       prometheus.Gauge
	HistoryStale       prometheus.Counter
	MessagesMerged     prometheus.Counter
	MessagesDuplicated prometheus.Counter
}

// New creates the collectors and registers them on reg (skipped when reg is nil).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "requests_total",
			Help: "Backend HTTP calls by method, route and status class.",
		}, []string{"method", "route", "class"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "transport", Name: "request_duration_seconds",
			Help:    "Backend HTTP call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		Unauthorized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "unauthorized_total",
			Help: "Non-exempt 401 responses forwarded to the unauthorized handler.",
		}),
		SessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "session", Name: "state",
			Help: "1 for the current session state, 0 otherwise.",
		}, []string{"state"}),
		SessionChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "checks_total",
			Help: "Session checks sent to the backend by result.",
		}, []string{"result"}),
		LinkState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "link_state",
			Help: "1 for the current realtime link state, 0 otherwise.",
		}, []string{"state"}),
		LinkDials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "dials_total",
			Help: "Realtime dial attempts by result.",
		}, []string{"result"}),
		LinkGiveUps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "give_ups_total",
			Help: "Times the reconnect attempt cap was exhausted.",
		}),
		LinkEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "events_total",
			Help: "Inbound realtime events by type.",
		}, []string{"type"}),
		PresenceSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "presence_size",
			Help: "Number of peers in the current presence snapshot.",
		}),
		HistoryStale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chat", Name: "history_stale_total",
			Help: "History results discarded because the selection changed.",
		}),
		MessagesMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chat", Name: "messages_merged_total",
			Help: "Live or sent messages appended to the selected conversation.",
		}),
		MessagesDuplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chat", Name: "messages_duplicate_total",
			Help: "Messages ignored because their id was already present.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.HTTPRequests, m.HTTPDuration, m.Unauthorized,
			m.SessionState, m.SessionChecks,
			m.LinkState, m.LinkDials, m.LinkGiveUps, m.LinkEvents, m.PresenceSize,
			m.HistoryStale, m.MessagesMerged, m.MessagesDuplicated,
		)
	}
	return m
}

// ObserveHTTP records one backend call.
func (m *Metrics) ObserveHTTP(method, route string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, StatusClass(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(seconds)
}

// IncUnauthorized counts a forwarded 401.
func (m *Metrics) IncUnauthorized() {
	if m == nil {
		return
	}
	m.Unauthorized.Inc()
}

// SetSessionState flips the one-hot session gauge.
func (m *Metrics) SetSessionState(current string, all ...string) {
	if m == nil {
		return
	}
	setOneHot(m.SessionState, current, all)
}

// IncSessionCheck counts a backend session check by result.
func (m *Metrics) IncSessionCheck(result string) {
	if m == nil {
		return
	}
	m.SessionChecks.WithLabelValues(result).Inc()
}

// SetLinkState flips the one-hot link gauge.
func (m *Metrics) SetLinkState(current string, all ...string) {
	if m == nil {
		return
	}
	setOneHot(m.LinkState, current, all)
}

// IncDial counts a dial attempt by result.
func (m *Metrics) IncDial(result string) {
	if m == nil {
		return
	}
	m.LinkDials.WithLabelValues(result).Inc()
}

// IncGiveUp counts an exhausted reconnect policy.
func (m *Metrics) IncGiveUp() {
	if m == nil {
		return
	}
	m.LinkGiveUps.Inc()
}

// IncEvent counts an inbound realtime event.
func (m *Metrics) IncEvent(typ string) {
	if m == nil {
		return
	}
	m.LinkEvents.WithLabelValues(typ).Inc()
}

// SetPresence records the presence snapshot size.
func (m *Metrics) SetPresence(n int) {
	if m == nil {
		return
	}
	m.PresenceSize.Set(float64(n))
}

// IncHistoryStale counts a discarded history result.
func (m *Metrics) IncHistoryStale() {
	if m == nil {
		return
	}
	m.HistoryStale.Inc()
}

// IncMerged counts an appended message.
func (m *Metrics) IncMerged() {
	if m == nil {
		return
	}
	m.MessagesMerged.Inc()
}

// IncDuplicate counts an ignored duplicate message.
func (m *Metrics) IncDuplicate() {
	if m == nil {
		return
	}
	m.MessagesDuplicated.Inc()
}

// StatusClass maps an HTTP status to "2xx".."5xx", or "error" for 0.
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}

func setOneHot(g *prometheus.GaugeVec, current string, all []string) {
	for _, s := range all {
		if s != current {
			g.WithLabelValues(s).Set(0)
		}
	}
	g.WithLabelValues(current).Set(1)
}
