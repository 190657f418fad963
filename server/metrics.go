package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// managerMetrics is the optional instrumentation surface of a
// ConnectionManager. A nil receiver is valid and records nothing, so the
// hot path never branches on whether metrics were configured.
type managerMetrics struct {
	requests       *prometheus.CounterVec
	dispatchErrors prometheus.Counter
	pushedRecords  prometheus.Counter
}

func newManagerMetrics(reg prometheus.Registerer, sessions *SessionRegistry) *managerMetrics {
	m := &managerMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remapi_requests_total",
			Help: "Inbound requests by envelope type.",
		}, []string{"type"}),
		dispatchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "remapi_dispatch_errors_total",
			Help: "Requests that failed structurally (unroutable path, bad endpoint).",
		}),
		pushedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "remapi_pushed_publications_total",
			Help: "Publication records delivered via transport push.",
		}),
	}
	liveSessions := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "remapi_live_sessions",
		Help: "Sessions currently held in the registry.",
	}, func() float64 { return float64(sessions.Len()) })

	reg.MustRegister(m.requests, m.dispatchErrors, m.pushedRecords, liveSessions)
	return m
}

func (m *managerMetrics) observeRequest(requestType string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(requestType).Inc()
}

func (m *managerMetrics) observeDispatchError() {
	if m == nil {
		return
	}
	m.dispatchErrors.Inc()
}

func (m *managerMetrics) observePublicationPush() {
	if m == nil {
		return
	}
	m.pushedRecords.Inc()
}
