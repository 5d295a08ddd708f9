// Package metrics holds the Prometheus collectors for the consultation subsystem.
//
// All recording methods are safe on a nil *Metrics so components can run
// without a registry in tests and local tools.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "teleconsult"

type Metrics struct {
	sessionsCreated    *prometheus.CounterVec
	codeValidations    *prometheus.CounterVec
	callsActive        prometheus.Gauge
	callsEnded         *prometheus.CounterVec
	signalingMessages  *prometheus.CounterVec
	candidatesBuffered prometheus.Counter
	mediaWarnings      *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessionsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions created, by kind.",
		}, []string{"kind"}),
		codeValidations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_code_validations_total",
			Help:      "Access code validations, by result.",
		}, []string{"result"}),
		callsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Calls currently running in this process.",
		}),
		callsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_ended_total",
			Help:      "Calls ended, by end reason.",
		}, []string{"reason"}),
		signalingMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signaling_messages_total",
			Help:      "Signaling messages, by kind and direction (in, out, dropped).",
		}, []string{"kind", "direction"}),
		candidatesBuffered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ice_candidates_buffered_total",
			Help:      "Remote ICE candidates queued until the remote description was set.",
		}),
		mediaWarnings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_warnings_total",
			Help:      "Local media devices that could not be acquired, by device.",
		}, []string{"device"}),
	}
}

// Handler serves the gatherer in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionCreated(kind string) {
	if m == nil {
		return
	}
	m.sessionsCreated.WithLabelValues(kind).Inc()
}

func (m *Metrics) CodeValidated(result string) {
	if m == nil {
		return
	}
	m.codeValidations.WithLabelValues(result).Inc()
}

func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.callsActive.Inc()
}

func (m *Metrics) CallEnded(reason string) {
	if m == nil {
		return
	}
	m.callsActive.Dec()
	m.callsEnded.WithLabelValues(reason).Inc()
}

func (m *Metrics) SignalingMessage(kind, direction string) {
	if m == nil {
		return
	}
	m.signalingMessages.WithLabelValues(kind, direction).Inc()
}

func (m *Metrics) CandidateBuffered() {
	if m == nil {
		return
	}
	m.candidatesBuffered.Inc()
}

func (m *Metrics) MediaWarning(device string) {
	if m == nil {
		return
	}
	m.mediaWarnings.WithLabelValues(device).Inc()
}
